package door

import (
	"errors"
	"os"
	"sync"
	"syscall"
)

// Client owns a descriptor referencing a door, which may live in another process. A Client is
// safe to use from multiple goroutines; each call blocks only the goroutine placing it.
type Client struct {
	fd int

	mu     sync.Mutex
	closed bool
}

// NewClient opens the door installed at path. It fails with an *OpenError if path does not
// exist or is not a door.
func NewClient(path string) (*Client, error) {
	fd, err := openPath(path)
	if err != nil {
		return nil, err
	}
	return &Client{fd: fd}, nil
}

// FromFile makes a Client from a door descriptor, such as one returned by Door.Descriptor()
// or received from a call. The Client takes ownership of f.
func FromFile(f *os.File) (*Client, error) {
	fd, err := dupFD(int(f.Fd()))
	f.Close()
	if err != nil {
		return nil, &OpenError{Kind: NotADoor, Path: f.Name(), Err: err}
	}
	return &Client{fd: fd}, nil
}

// Call invokes the door's procedure with fds and req and blocks until it replies. fds are
// closed once they have been sent. The returned files belong to the caller.
func (c *Client) Call(fds []*os.File, req []byte) ([]*os.File, []byte, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		closeFiles(fds)
		return nil, nil, &CallError{Kind: BadDescriptor, Err: syscall.EBADF}
	}
	c.mu.Unlock()

	return c.Borrow().Call(fds, req)
}

// Borrow returns a ClientRef that aliases this Client's descriptor.
func (c *Client) Borrow() ClientRef {
	return ClientRef{fd: c.fd}
}

// Close closes the Client's descriptor. ClientRefs borrowed from the Client become invalid.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return closeFD(c.fd)
}

// ClientRef is a copyable alias of a Client's door descriptor, meant to be handed to other
// goroutines. It does not own the descriptor and nothing tracks its lifetime: a ClientRef must
// not be used after the Client it was borrowed from has been closed, as the descriptor number
// may since have been reused by an unrelated file.
type ClientRef struct {
	fd int
}

// Call invokes the door's procedure. See Client.Call().
func (r ClientRef) Call(fds []*os.File, req []byte) ([]*os.File, []byte, error) {
	return call(r.fd, fds, req)
}

// closeFD closes a raw descriptor, retrying when interrupted by a signal. Other failures are
// returned but there is nothing a caller can do about them.
func closeFD(fd int) error {
	for {
		err := syscall.Close(fd)
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		return err
	}
}

func closeFiles(fds []*os.File) {
	for _, f := range fds {
		if f != nil {
			f.Close()
		}
	}
}
