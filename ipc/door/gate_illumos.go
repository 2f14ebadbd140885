//go:build illumos && cgo

package door

/*
#include <stdlib.h>
#include "door_illumos.h"
*/
import "C"

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"runtime/cgo"
	"sync"
	"syscall"
	"unsafe"

	"github.com/golang/glog"
	"golang.org/x/sys/unix"
)

// gate is a kernel door created with door_create(3C). All knowledge of door_arg_t and
// door_desc_t lives in door_illumos.c.
type gate struct {
	d  *Door
	fd int
	// h is the door's cookie. It is never deleted: invocations already in flight when the door
	// is revoked still resolve it.
	h cgo.Handle

	mu     sync.Mutex
	closed bool
}

func newGate(d *Door) (*gate, error) {
	g := &gate{d: d}
	g.h = cgo.NewHandle(g)

	refuse := C.int(0)
	if d.refuseDesc {
		refuse = 1
	}
	fd, err := C.portunus_door_create(C.uintptr_t(g.h), refuse)
	if fd < 0 {
		g.h.Delete()
		return nil, fmt.Errorf("door_create: %w", err)
	}
	g.fd = int(fd)
	return g, nil
}

func (g *gate) descriptor() (*os.File, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, fmt.Errorf("door is closed: %w", syscall.EBADF)
	}
	fd, err := dupFD(g.fd)
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), "door"), nil
}

func (g *gate) close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil
	}
	g.closed = true

	if r, err := C.portunus_door_revoke(C.int(g.fd)); r != 0 {
		return fmt.Errorf("door_revoke: %w", err)
	}
	return nil
}

//export portunusServe
func portunusServe(cookie C.uintptr_t, req *C.char, reqSize C.size_t, fds *C.int, nfds C.uint, reply *C.portunus_reply_t) {
	g := cgo.Handle(cookie).Value().(*gate)

	var in []*os.File
	if nfds > 0 && fds != nil {
		for _, fd := range unsafe.Slice(fds, int(nfds)) {
			in = append(in, os.NewFile(uintptr(fd), "door-fd"))
		}
	}
	b := []byte{}
	if reqSize > 0 {
		b = C.GoBytes(unsafe.Pointer(req), C.int(reqSize))
	}

	rfds, resp := g.d.serve(in, b)
	defer closeFiles(rfds)

	if len(rfds) > C.PORTUNUS_MAX_REPLY_DESC {
		glog.Errorf("door: procedure returned %d descriptors, only %d are sent", len(rfds), C.PORTUNUS_MAX_REPLY_DESC)
		rfds = rfds[:C.PORTUNUS_MAX_REPLY_DESC]
	}
	n := 0
	for _, f := range rfds {
		// The trampoline passes these with DOOR_RELEASE, the originals are closed here.
		fd, err := C.portunus_dup(C.int(f.Fd()))
		if fd < 0 {
			glog.Errorf("door: could not duplicate reply descriptor: %s", err)
			continue
		}
		reply.fds[n] = fd
		n++
	}
	reply.nfds = C.uint(n)

	if len(resp) > 0 {
		reply.data = (*C.char)(C.CBytes(resp))
		reply.data_size = C.size_t(len(resp))
	}
}

// attachment is a door fattach(3C)ed to a path.
type attachment struct {
	path string
}

func attach(g *gate, path string) (*attachment, error) {
	// O_EXCL makes installation exclusive.
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL, 0644)
	if err != nil {
		kind := AttachFailed
		switch {
		case errors.Is(err, syscall.EEXIST):
			kind = PathTaken
		case errors.Is(err, syscall.ENOENT), errors.Is(err, syscall.ENOTDIR), errors.Is(err, syscall.ENAMETOOLONG):
			kind = PathInvalid
		}
		return nil, &InstallError{Kind: kind, Path: path, Err: err}
	}
	closeFD(fd)

	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))

	if r, err := C.portunus_fattach(C.int(g.fd), cpath); r != 0 {
		os.Remove(path)
		return nil, &InstallError{Kind: AttachFailed, Path: path, Err: fmt.Errorf("fattach: %w", err)}
	}
	return &attachment{path: path}, nil
}

func (a *attachment) detach() error {
	cpath := C.CString(a.path)
	defer C.free(unsafe.Pointer(cpath))

	var err error
	if r, derr := C.portunus_fdetach(cpath); r != 0 {
		err = fmt.Errorf("fdetach: %w", derr)
	}
	if rerr := os.Remove(a.path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) && err == nil {
		err = rerr
	}
	return err
}

func openPath(path string) (int, error) {
	if err := validPath(path); err != nil {
		return -1, &OpenError{Kind: NotFound, Path: path, Err: err}
	}

	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, openErrorf(path, err)
	}
	if C.portunus_door_is_door(C.int(fd)) == 0 {
		closeFD(fd)
		return -1, &OpenError{Kind: NotADoor, Path: path, Err: syscall.EBADF}
	}
	return fd, nil
}

// dupFD duplicates a door descriptor, failing if fd is not a door.
func dupFD(fd int) (int, error) {
	if C.portunus_door_is_door(C.int(fd)) == 0 {
		return -1, syscall.EBADF
	}
	nfd, err := C.portunus_dup(C.int(fd))
	if nfd < 0 {
		return -1, err
	}
	return int(nfd), nil
}

func call(d int, fds []*os.File, req []byte) ([]*os.File, []byte, error) {
	defer closeFiles(fds)

	var cfds *C.int
	if len(fds) > 0 {
		cfds = (*C.int)(C.malloc(C.size_t(len(fds)) * C.size_t(unsafe.Sizeof(C.int(0)))))
		defer C.free(unsafe.Pointer(cfds))
		s := unsafe.Slice(cfds, len(fds))
		for i, f := range fds {
			if f == nil {
				return nil, nil, &CallError{Kind: BadDescriptor, Err: syscall.EBADF}
			}
			s[i] = C.int(f.Fd())
		}
	}

	var creq *C.char
	if len(req) > 0 {
		creq = (*C.char)(C.CBytes(req))
		defer C.free(unsafe.Pointer(creq))
	}

	rbuf := C.malloc(C.PORTUNUS_RBUF_SIZE)
	defer C.free(rbuf)

	var res C.portunus_result_t
	rc := C.portunus_door_call(C.int(d), creq, C.size_t(len(req)), cfds, C.uint(len(fds)), (*C.char)(rbuf), C.PORTUNUS_RBUF_SIZE, &res)
	runtime.KeepAlive(fds)
	if rc != 0 {
		return nil, nil, doorCallError(d, syscall.Errno(rc))
	}
	// When the result did not fit in rbuf the kernel mapped a new region: copy out, then unmap.
	defer C.portunus_door_result_release(&res)

	resp := []byte{}
	if res.data_size > 0 {
		resp = C.GoBytes(unsafe.Pointer(res.data), C.int(res.data_size))
	}
	var out []*os.File
	if res.nfds > 0 {
		for _, fd := range unsafe.Slice(res.fds, int(res.nfds)) {
			out = append(out, os.NewFile(uintptr(fd), "door-fd"))
		}
	}
	return out, resp, nil
}

func doorCallError(d int, errno syscall.Errno) *CallError {
	switch errno {
	case syscall.EBADF:
		if C.portunus_door_revoked(C.int(d)) != 0 {
			return &CallError{Kind: NoSuchDoor, Err: errno}
		}
		return &CallError{Kind: BadDescriptor, Err: errno}
	case syscall.EINTR:
		return &CallError{Kind: Interrupted, Err: errno}
	}
	return &CallError{Kind: InvalidArgument, Err: errno}
}

func park() {
	C.portunus_door_park()
}
