//go:build linux

package fork

import (
	"os"
	"syscall"
)

// sysProcAttr switches the child to uid and gid before exec. Supplementary groups can only be
// dropped by root. The child is killed if the parent dies.
func sysProcAttr(uid, gid uint32) *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Credential: &syscall.Credential{
			Uid:         uid,
			Gid:         gid,
			Groups:      []uint32{},
			NoSetGroups: os.Geteuid() != 0,
		},
		Pdeathsig: syscall.SIGKILL,
	}
}
