//go:build linux

package door

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"

	"github.com/golang/glog"
	"golang.org/x/sys/unix"
)

// gate is the Linux rendition of a kernel door. The server keeps one end of a SOCK_SEQPACKET
// socketpair and reads call streams from it. The other end (capFD) is the door's capability:
// every process holding a duplicate of it can place calls.
type gate struct {
	d     *Door
	capFD int

	mu     sync.Mutex
	conns  map[*net.UnixConn]bool
	closed bool
}

func newGate(d *Door) (*gate, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socketpair: %w", err)
	}

	conn, err := fdConn(fds[0], "door-gate")
	if err != nil {
		closeFD(fds[1])
		return nil, err
	}

	g := &gate{d: d, capFD: fds[1], conns: map[*net.UnixConn]bool{}}
	g.serveConn(conn)
	return g, nil
}

func (g *gate) descriptor() (*os.File, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, fmt.Errorf("door is closed: %w", syscall.EBADF)
	}
	fd, err := dupFD(g.capFD)
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

	for conn := range g.conns {
		conn.Close()
	}
	g.conns = nil
	return closeFD(g.capFD)
}

// serveConn reads call streams from conn until it is closed, answering each on its own goroutine.
func (g *gate) serveConn(conn *net.UnixConn) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		conn.Close()
		return
	}
	g.conns[conn] = true
	g.mu.Unlock()

	go func() {
		defer g.drop(conn)

		// Gate messages carry a single byte and the stream descriptor.
		b := make([]byte, 1)
		oob := make([]byte, unix.CmsgSpace(4))
		for {
			n, oobn, _, _, err := conn.ReadMsgUnix(b, oob)
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
					glog.Errorf("door gate read error: %s", err)
				}
				return
			}
			if n == 0 && oobn == 0 {
				return
			}

			streams, err := parseRights(oob[:oobn])
			if err != nil {
				glog.Errorf("door gate: %s", err)
				continue
			}
			for _, s := range streams {
				go g.answer(s)
			}
		}
	}()
}

func (g *gate) drop(conn *net.UnixConn) {
	conn.Close()

	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.conns, conn)
}

// answer runs the procedure for the single call carried by stream.
func (g *gate) answer(stream *os.File) {
	conn, err := net.FileConn(stream)
	stream.Close()
	if err != nil {
		glog.Errorf("door: could not use call stream: %s", err)
		return
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		glog.Errorf("door: call stream was a %T, not a unix socket", conn)
		return
	}
	defer uc.Close()

	_, fds, req, err := readFrame(uc)
	switch {
	case err == nil:
	case errors.Is(err, errTooLarge):
		writeFrame(uc, header{flags: flagTooLarge}, nil, nil)
		return
	default:
		glog.V(1).Infof("door: dropping call, bad request frame: %s", err)
		return
	}

	if g.d.refuseDesc && len(fds) > 0 {
		closeFiles(fds)
		writeFrame(uc, header{flags: flagRefused}, nil, nil)
		return
	}

	rfds, resp := g.d.serve(fds, req)
	defer closeFiles(rfds)

	if len(resp) > maxPayload || len(rfds) > maxDescriptors {
		glog.Errorf("door: procedure reply too large (%d bytes, %d descriptors)", len(resp), len(rfds))
		writeFrame(uc, header{flags: flagTooLarge}, nil, nil)
		return
	}
	if err := writeFrame(uc, header{}, rfds, resp); err != nil {
		glog.V(1).Infof("door: caller went away before the reply was sent: %s", err)
	}
}

// attachment binds a gate to a filesystem path with a SOCK_SEQPACKET listener. Every accepted
// connection becomes another gate connection for the same door.
type attachment struct {
	path string
	l    *net.UnixListener
	done chan struct{}
}

func attach(g *gate, path string) (*attachment, error) {
	if len(path) >= len(unix.RawSockaddrUnix{}.Path) {
		return nil, &InstallError{Kind: PathInvalid, Path: path, Err: fmt.Errorf("path is longer than %d bytes", len(unix.RawSockaddrUnix{}.Path)-1)}
	}

	// bind(2) fails if anything exists at path, which makes installation exclusive.
	l, err := net.ListenUnix("unixpacket", &net.UnixAddr{Name: path, Net: "unixpacket"})
	if err != nil {
		kind := AttachFailed
		switch {
		case errors.Is(err, syscall.EADDRINUSE):
			kind = PathTaken
		case errors.Is(err, syscall.ENOENT), errors.Is(err, syscall.ENOTDIR):
			kind = PathInvalid
		}
		return nil, &InstallError{Kind: kind, Path: path, Err: err}
	}
	// We unlink the path ourselves in detach().
	l.SetUnlinkOnClose(false)

	a := &attachment{path: path, l: l, done: make(chan struct{})}
	go a.accept(g)
	return a, nil
}

func (a *attachment) accept(g *gate) {
	defer close(a.done)

	for {
		conn, err := a.l.AcceptUnix()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				glog.Errorf("door %s: accept error: %s", a.path, err)
			}
			return
		}
		if glog.V(2) {
			if cred, err := readCreds(conn); err == nil {
				glog.Infof("door %s: opened by pid %d, uid %d, gid %d", a.path, cred.Pid, cred.Uid, cred.Gid)
			}
		}
		g.serveConn(conn)
	}
}

func (a *attachment) detach() error {
	err := a.l.Close()
	<-a.done

	if rerr := os.Remove(a.path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) && err == nil {
		err = rerr
	}
	return err
}

// readCreds returns the credentials of the process that connected to the door's path.
func readCreds(conn *net.UnixConn) (*unix.Ucred, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("error opening raw connection: %s", err)
	}

	var cred *unix.Ucred
	var credErr error
	err = raw.Control(
		func(fd uintptr) {
			cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
		},
	)
	if err != nil {
		return nil, fmt.Errorf("Control() error: %s", err)
	}
	if credErr != nil {
		return nil, fmt.Errorf("GetsockoptUcred() error: %s", credErr)
	}
	return cred, nil
}

// openPath connects to the door attached at path and returns the connected descriptor, which
// is left in blocking mode.
func openPath(path string) (int, error) {
	if err := validPath(path); err != nil {
		return -1, &OpenError{Kind: NotFound, Path: path, Err: err}
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, &OpenError{Kind: NotADoor, Path: path, Err: err}
	}

	sa := &unix.SockaddrUnix{Name: path}
	for {
		err = unix.Connect(fd, sa)
		if err == unix.EINTR {
			continue
		}
		break
	}
	if err != nil && err != unix.EISCONN {
		closeFD(fd)
		return -1, openErrorf(path, err)
	}
	return fd, nil
}

// dupFD duplicates a door descriptor, failing if fd is not a call gate.
func dupFD(fd int) (int, error) {
	typ, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil {
		return -1, err
	}
	if typ != unix.SOCK_SEQPACKET {
		return -1, syscall.EPROTOTYPE
	}
	return unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
}

// call places a single call through the gate descriptor gfd.
func call(gfd int, fds []*os.File, req []byte) ([]*os.File, []byte, error) {
	defer closeFiles(fds)

	if len(req) > maxPayload {
		return nil, nil, &CallError{Kind: InvalidArgument, Err: errTooLarge}
	}
	if len(fds) > maxDescriptors {
		return nil, nil, &CallError{Kind: InvalidArgument, Err: fmt.Errorf("more than %d descriptors", maxDescriptors)}
	}
	for _, f := range fds {
		if f == nil {
			return nil, nil, &CallError{Kind: BadDescriptor, Err: syscall.EBADF}
		}
	}

	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, &CallError{Kind: InvalidArgument, Err: fmt.Errorf("socketpair: %w", err)}
	}
	err = sendStream(gfd, pair[1])
	closeFD(pair[1])
	if err != nil {
		closeFD(pair[0])
		return nil, nil, callErrorf(err)
	}

	conn, err := fdConn(pair[0], "door-call")
	if err != nil {
		return nil, nil, &CallError{Kind: InvalidArgument, Err: err}
	}
	defer conn.Close()

	if err := writeFrame(conn, header{}, fds, req); err != nil {
		if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
			return nil, nil, &CallError{Kind: Interrupted, Err: err}
		}
		return nil, nil, callErrorf(err)
	}

	h, rfds, resp, err := readFrame(conn)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, syscall.ECONNRESET):
		return nil, nil, &CallError{Kind: Interrupted, Err: fmt.Errorf("no reply from door: %w", err)}
	case errors.Is(err, errTooLarge), errors.Is(err, errTruncated):
		return nil, nil, &CallError{Kind: InvalidArgument, Err: err}
	default:
		return nil, nil, callErrorf(err)
	}

	switch {
	case h.flags&flagRefused != 0:
		closeFiles(rfds)
		return nil, nil, &CallError{Kind: InvalidArgument, Err: errRefused}
	case h.flags&flagTooLarge != 0:
		closeFiles(rfds)
		return nil, nil, &CallError{Kind: InvalidArgument, Err: errTooLarge}
	}
	return rfds, resp, nil
}

// sendStream hands the call stream s to the server behind the gate gfd.
func sendStream(gfd, s int) error {
	rights := unix.UnixRights(s)
	for {
		err := unix.Sendmsg(gfd, []byte{0}, rights, nil, unix.MSG_NOSIGNAL)
		switch err {
		case nil:
			return nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			// Someone made the descriptor non-blocking; wait for room on the gate.
			pfd := []unix.PollFd{{Fd: int32(gfd), Events: unix.POLLOUT}}
			if _, perr := unix.Poll(pfd, -1); perr != nil && perr != unix.EINTR {
				return perr
			}
			continue
		}
		return err
	}
}

func park() {
	select {}
}
