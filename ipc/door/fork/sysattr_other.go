//go:build !linux && !windows

package fork

import (
	"os"
	"syscall"
)

func sysProcAttr(uid, gid uint32) *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Credential: &syscall.Credential{
			Uid:         uid,
			Gid:         gid,
			Groups:      []uint32{},
			NoSetGroups: os.Geteuid() != 0,
		},
	}
}
