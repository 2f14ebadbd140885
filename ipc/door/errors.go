package door

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// CreateError indicates a door could not be created, usually because the process ran out of
// descriptors or memory.
type CreateError struct {
	Err error
}

func (e *CreateError) Error() string {
	return fmt.Sprintf("could not create door: %s", e.Err)
}

func (e *CreateError) Unwrap() error {
	return e.Err
}

// InstallKind is the cause of an InstallError.
type InstallKind int8

const (
	// PathTaken indicates something already exists at the path.
	PathTaken InstallKind = 1
	// AttachFailed indicates the path was reserved but the door could not be attached to it.
	AttachFailed InstallKind = 2
	// PathInvalid indicates the path cannot name a door.
	PathInvalid InstallKind = 3
)

func (k InstallKind) String() string {
	switch k {
	case PathTaken:
		return "path taken"
	case AttachFailed:
		return "attach failed"
	case PathInvalid:
		return "path invalid"
	}
	return fmt.Sprintf("InstallKind(%d)", int8(k))
}

// InstallError is returned by Install.
type InstallError struct {
	Kind InstallKind
	Path string
	Err  error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("could not install door at %q (%s): %s", e.Path, e.Kind, e.Err)
}

func (e *InstallError) Unwrap() error {
	return e.Err
}

// OpenKind is the cause of an OpenError.
type OpenKind int8

const (
	// NotFound indicates nothing exists at the path.
	NotFound OpenKind = 1
	// NotADoor indicates the path exists but no door is attached to it.
	NotADoor OpenKind = 2
	// PermissionDenied indicates the caller may not open the path.
	PermissionDenied OpenKind = 3
)

func (k OpenKind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case NotADoor:
		return "not a door"
	case PermissionDenied:
		return "permission denied"
	}
	return fmt.Sprintf("OpenKind(%d)", int8(k))
}

// OpenError is returned by NewClient and FromFile.
type OpenError struct {
	Kind OpenKind
	Path string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("could not open door %q (%s): %s", e.Path, e.Kind, e.Err)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

func openErrorf(path string, err error) *OpenError {
	kind := NotADoor
	switch {
	case errors.Is(err, syscall.ENOENT):
		kind = NotFound
	case errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		kind = PermissionDenied
	}
	return &OpenError{Kind: kind, Path: path, Err: err}
}

// CallKind is the cause of a CallError.
type CallKind int8

const (
	// BadDescriptor indicates the client descriptor, or one of the descriptors being passed,
	// is not valid.
	BadDescriptor CallKind = 1
	// InvalidArgument indicates the call was malformed or was refused by the door, for
	// instance descriptors sent to a door that refuses them or a reply larger than allowed.
	InvalidArgument CallKind = 2
	// NoSuchDoor indicates the door has been revoked or its server has gone away.
	NoSuchDoor CallKind = 3
	// Interrupted indicates the call started but no complete reply came back.
	Interrupted CallKind = 4
)

func (k CallKind) String() string {
	switch k {
	case BadDescriptor:
		return "bad descriptor"
	case InvalidArgument:
		return "invalid argument"
	case NoSuchDoor:
		return "no such door"
	case Interrupted:
		return "interrupted"
	}
	return fmt.Sprintf("CallKind(%d)", int8(k))
}

// CallError is returned by Client.Call and ClientRef.Call.
type CallError struct {
	Kind CallKind
	Err  error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("door call failed (%s): %s", e.Kind, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// Retryable indicates that the call may succeed if placed again, because the server did not
// get to answer it.
func Retryable(err error) bool {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind == Interrupted
	}
	return false
}

// callErrorf classifies an error from sending a call on the gate.
func callErrorf(err error) *CallError {
	switch {
	case errors.Is(err, syscall.EBADF), errors.Is(err, syscall.ENOTSOCK), errors.Is(err, os.ErrClosed):
		return &CallError{Kind: BadDescriptor, Err: err}
	case errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ENOTCONN):
		return &CallError{Kind: NoSuchDoor, Err: err}
	case errors.Is(err, syscall.EINTR):
		return &CallError{Kind: Interrupted, Err: err}
	}
	return &CallError{Kind: InvalidArgument, Err: err}
}
