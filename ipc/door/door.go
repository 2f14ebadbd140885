/*
Package door provides synchronous, cross-process procedure calls through a door: a call gate
that is visible on the filesystem and lets one process invoke a function living in another
process. The calling goroutine blocks until the remote procedure replies.

On illumos this binds the kernel doors API (door_create, door_call, door_return, fattach). On
Linux the same semantics are provided by a socket call gate: every call travels on its own
private stream, so replies are never interleaved between callers.

A server process wraps a function and publishes it:

	d, err := door.Create(door.ProcedureFunc(func(fds []*os.File, req []byte) ([]*os.File, []byte) {
		return nil, bytes.ToUpper(req)
	}))
	if err != nil {
		// Do something
	}
	srv, err := door.Install("/var/run/upper.door", d)
	if err != nil {
		// Do something
	}
	srv.Park() // Never returns.

A client process opens the door and calls it:

	c, err := door.NewClient("/var/run/upper.door")
	if err != nil {
		// Do something
	}
	defer c.Close()

	_, resp, err := c.Call(nil, []byte("hello world"))

Descriptor ownership

Descriptors passed to Call are owned by the caller until the call is sent; after that they are
closed in the caller. Descriptors handed to a Procedure belong to the Procedure, which must
close them or return them. Descriptors returned by a Procedure are closed in the server once
the reply is sent, and the caller receives its own copies.

Failure policy

A Procedure must turn every expected failure into response bytes. A panic inside a Procedure
is not recovered and takes the server process down.

Foreign listeners

On Linux NewClient only checks that a SOCK_SEQPACKET listener is bound at the path, so a socket
that is not a door opens without error. Such a listener is found out on the first Call, which
fails with NoSuchDoor or Interrupted once the listener drops the call stream. A listener that
accepts and then never reads leaves Call blocked, so only open paths you trust.
*/
package door

import (
	"fmt"
	"os"
	"sync"
)

// Procedure is a function exposed through a door. It receives the descriptors and bytes sent
// by the caller and returns the descriptors and bytes to send back. It has no knowledge of
// the transport.
type Procedure interface {
	Serve(fds []*os.File, req []byte) ([]*os.File, []byte)
}

// ProcedureFunc adapts an ordinary function to a Procedure.
type ProcedureFunc func(fds []*os.File, req []byte) ([]*os.File, []byte)

// Serve implements Procedure.Serve().
func (f ProcedureFunc) Serve(fds []*os.File, req []byte) ([]*os.File, []byte) {
	return f(fds, req)
}

// Option is an optional argument to Create.
type Option func(d *Door)

// RefuseDescriptors forbids callers from passing descriptors through the door. Calls that
// carry descriptors fail with an InvalidArgument CallError.
func RefuseDescriptors() Option {
	return func(d *Door) {
		d.refuseDesc = true
	}
}

// Door is a call gate bound to a Procedure. A Door only exists inside the process that created
// it. Other processes reach it either through a descriptor obtained from Descriptor() or, once
// installed, through its filesystem path.
type Door struct {
	proc       Procedure
	refuseDesc bool

	g *gate

	closeOnce sync.Once
}

// Create registers p as the procedure behind a new Door.
func Create(p Procedure, options ...Option) (*Door, error) {
	if p == nil {
		return nil, &CreateError{Err: fmt.Errorf("procedure must not be nil")}
	}
	d := &Door{proc: p}
	for _, o := range options {
		o(d)
	}

	g, err := newGate(d)
	if err != nil {
		return nil, &CreateError{Err: err}
	}
	d.g = g
	return d, nil
}

// Descriptor returns a new descriptor referencing the door. It can be sent to another process
// (over a door call or a connected fork channel) and wrapped there with FromFile. The caller
// owns the returned file.
func (d *Door) Descriptor() (*os.File, error) {
	return d.g.descriptor()
}

// Close revokes the door. Existing holders of its descriptor can no longer place calls.
func (d *Door) Close() error {
	var err error
	d.closeOnce.Do(func() {
		err = d.g.close()
	})
	return err
}

// serve runs the procedure for one call.
func (d *Door) serve(fds []*os.File, req []byte) ([]*os.File, []byte) {
	return d.proc.Serve(fds, req)
}

// Server is a Door that has been attached to a filesystem path.
type Server struct {
	path string
	door *Door
	att  *attachment

	closeOnce sync.Once
}

// Install exclusively creates path and attaches d to it. If anything fails, the path is
// removed and d is closed. The returned error is always an *InstallError.
func Install(path string, d *Door) (*Server, error) {
	if err := validPath(path); err != nil {
		d.Close()
		return nil, &InstallError{Kind: PathInvalid, Path: path, Err: err}
	}

	att, err := attach(d.g, path)
	if err != nil {
		d.Close()
		return nil, err
	}
	return &Server{path: path, door: d, att: att}, nil
}

// Path returns the path the server is attached to.
func (s *Server) Path() string {
	return s.path
}

// Door returns the Door behind the server.
func (s *Server) Door() *Door {
	return s.door
}

// Close stops new clients from finding the door, removes the path and revokes the door for
// clients that already hold a descriptor.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.att.detach()
		if cerr := s.door.Close(); err == nil {
			err = cerr
		}
	})
	return err
}

// Park gives the calling goroutine to the door server. It never returns; the process keeps
// answering calls until it is killed or a procedure exits it.
func (s *Server) Park() {
	park()
}

// Park is the package level form of Server.Park, for processes that serve doors which were
// never attached to a path (such as one handed to a parent over a connected fork channel).
func Park() {
	park()
}

func validPath(path string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	for i := 0; i < len(path); i++ {
		if path[i] == 0 {
			return fmt.Errorf("path contains a NUL byte")
		}
	}
	return nil
}
