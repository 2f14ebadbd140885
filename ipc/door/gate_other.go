//go:build !linux && !(illumos && cgo)

package door

import (
	"errors"
	"os"
)

var errUnsupported = errors.New("doors are not supported on this platform")

type gate struct{}

func newGate(d *Door) (*gate, error) {
	return nil, errUnsupported
}

func (g *gate) descriptor() (*os.File, error) {
	return nil, errUnsupported
}

func (g *gate) close() error {
	return nil
}

type attachment struct{}

func attach(g *gate, path string) (*attachment, error) {
	return nil, &InstallError{Kind: AttachFailed, Path: path, Err: errUnsupported}
}

func (a *attachment) detach() error {
	return nil
}

func openPath(path string) (int, error) {
	return -1, &OpenError{Kind: NotADoor, Path: path, Err: errUnsupported}
}

func dupFD(fd int) (int, error) {
	return -1, errUnsupported
}

func call(fd int, fds []*os.File, req []byte) ([]*os.File, []byte, error) {
	closeFiles(fds)
	return nil, nil, &CallError{Kind: BadDescriptor, Err: errUnsupported}
}

func park() {
	select {}
}
