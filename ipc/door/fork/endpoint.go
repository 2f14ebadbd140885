package fork

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Endpoint is one end of the private channel between a parent and a child started by
// WithCreds. Descriptors sent on one end arrive, one per message, on the other.
type Endpoint struct {
	conn *net.UnixConn
}

func newEndpoint(c net.Conn) (*Endpoint, error) {
	uc, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("fork channel is a %T, not a *net.UnixConn", c)
	}
	return &Endpoint{conn: uc}, nil
}

// SendFD sends a duplicate of f to the other end. The caller still owns f.
func (e *Endpoint) SendFD(f *os.File) error {
	if f == nil {
		return &SendFdError{Kind: SendEBADF, Err: syscall.EBADF}
	}
	rc, err := f.SyscallConn()
	if err != nil {
		return &SendFdError{Kind: SendEBADF, Err: err}
	}
	fd := -1
	if err := rc.Control(func(s uintptr) { fd = int(s) }); err != nil {
		return &SendFdError{Kind: SendEBADF, Err: err}
	}

	_, _, err = e.conn.WriteMsgUnix([]byte{0}, unix.UnixRights(fd), nil)
	runtime.KeepAlive(f)
	if err != nil {
		return sendFdErrorf(err)
	}
	return nil
}

// RecvFD blocks until a descriptor arrives from the other end.
func (e *Endpoint) RecvFD() (*os.File, error) {
	b := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, flags, _, err := e.conn.ReadMsgUnix(b, oob)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF), errors.Is(err, syscall.ECONNRESET):
		return nil, &RecvFdError{Kind: RecvENXIO, Err: err}
	case errors.Is(err, syscall.EAGAIN), errors.Is(err, os.ErrDeadlineExceeded):
		return nil, &RecvFdError{Kind: RecvEAGAIN, Err: err}
	case errors.Is(err, syscall.EBADF), errors.Is(err, net.ErrClosed):
		return nil, &RecvFdError{Kind: RecvEBADF, Err: err}
	case errors.Is(err, syscall.EINVAL):
		return nil, &RecvFdError{Kind: RecvEINVAL, Err: err}
	default:
		return nil, &RecvFdError{Kind: RecvEFAULT, Err: err}
	}
	if n == 0 && oobn == 0 {
		return nil, &RecvFdError{Kind: RecvENXIO, Err: io.EOF}
	}
	if flags&unix.MSG_CTRUNC != 0 {
		return nil, &RecvFdError{Kind: RecvEMFILE, Err: errors.New("descriptor was truncated in transit")}
	}

	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, &RecvFdError{Kind: RecvEBADMSG, Err: err}
	}
	var fds []int
	for i := range msgs {
		got, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		fds = append(fds, got...)
	}
	switch len(fds) {
	case 0:
		return nil, &RecvFdError{Kind: RecvEBADMSG, Err: errors.New("message did not carry a descriptor")}
	case 1:
		return os.NewFile(uintptr(fds[0]), "fork-fd"), nil
	}
	for _, fd := range fds {
		syscall.Close(fd)
	}
	return nil, &RecvFdError{Kind: RecvEOVERFLOW, Err: fmt.Errorf("got %d descriptors in one message", len(fds))}
}

// SetReadDeadline makes RecvFD fail with a RecvEAGAIN RecvFdError once t has passed. A zero t
// removes the deadline.
func (e *Endpoint) SetReadDeadline(t time.Time) error {
	return e.conn.SetReadDeadline(t)
}

// WaitClosed blocks until the other end closes the channel, usually because its process exited.
// Any descriptors that arrive meanwhile are closed.
func (e *Endpoint) WaitClosed() {
	for {
		f, err := e.RecvFD()
		if err != nil {
			var re *RecvFdError
			if errors.As(err, &re) && re.Kind == RecvEBADMSG {
				continue
			}
			return
		}
		f.Close()
	}
}

// Close closes this end of the channel.
func (e *Endpoint) Close() error {
	return e.conn.Close()
}
