package main

import (
	"fmt"
	"os"
	"os/user"
	"sort"
	"strconv"
	"strings"

	"github.com/golang/glog"

	"github.com/johnsiilver/portunus/backend"
	"github.com/johnsiilver/portunus/ipc/door"
)

// doorSource hands out door descriptors per identity. *backend.Cache implements it.
type doorSource interface {
	Door(uid, gid uint32) (*os.File, error)
}

var _ doorSource = (*backend.Cache)(nil)

// lookupFunc resolves a user name to a uid and gid.
type lookupFunc func(name string) (uid, gid uint32, err error)

func lookupUser(name string) (uint32, uint32, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return 0, 0, err
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("user %s has non-numeric uid %q", name, u.Uid)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("user %s has non-numeric gid %q", name, u.Gid)
	}
	return uint32(uid), uint32(gid), nil
}

// su is the procedure behind lsasd's door. The request is a user name; the reply carries a
// descriptor for a door served by a process running as that user. On failure the reply has no
// descriptors and its bytes describe the error.
type su struct {
	doors  doorSource
	lookup lookupFunc
}

var _ door.Procedure = su{}

// Serve implements door.Procedure.Serve().
func (s su) Serve(fds []*os.File, req []byte) ([]*os.File, []byte) {
	name := strings.TrimSpace(string(req))
	if name == "" {
		return nil, []byte("error: no user name")
	}

	uid, gid, err := s.lookup(name)
	if err != nil {
		return nil, []byte(fmt.Sprintf("error: %s", err))
	}
	if uid == 0 {
		return nil, []byte("error: refusing to serve root")
	}

	f, err := s.doors.Door(uid, gid)
	if err != nil {
		glog.Errorf("could not get a backend for %s (%d): %s", name, uid, err)
		return nil, []byte(fmt.Sprintf("error: no backend for %s", name))
	}
	glog.V(1).Infof("handing %s's door to a caller", name)
	return []*os.File{f}, nil
}

// listing is the procedure served by each user's backend. It replies with the sorted names in
// the backend's working directory, one per line.
func listing(fds []*os.File, req []byte) ([]*os.File, []byte) {
	for _, f := range fds {
		f.Close()
	}

	entries, err := os.ReadDir(".")
	if err != nil {
		return nil, []byte(fmt.Sprintf("error: %s", err))
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return nil, []byte(strings.Join(names, "\n"))
}

// serveListing is the body of a backend process. It already runs as the target user.
func serveListing(ch interface{ SendFD(*os.File) error }) error {
	u, err := user.Current()
	if err != nil {
		return err
	}
	if err := os.Chdir(u.HomeDir); err != nil {
		return err
	}

	d, err := door.Create(door.ProcedureFunc(listing), door.RefuseDescriptors())
	if err != nil {
		return err
	}
	f, err := d.Descriptor()
	if err != nil {
		return err
	}
	defer f.Close()
	return ch.SendFD(f)
}
