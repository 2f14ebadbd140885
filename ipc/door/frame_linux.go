//go:build linux

package door

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

const (
	// headerSize is the size of a frame header: payload size (8), descriptor count (4), flags (4).
	headerSize = 16
	// maxPayload is the largest request or reply a call may carry.
	maxPayload = 64 << 20
	// maxDescriptors is the most descriptors a single frame may carry (SCM_MAX_FD).
	maxDescriptors = 253
)

// Reply flags.
const (
	flagRefused  uint32 = 1 << 0 // The door refuses descriptors.
	flagTooLarge uint32 = 1 << 1 // The request or reply exceeded maxPayload.
)

var (
	errRefused   = errors.New("door refuses descriptors")
	errTooLarge  = fmt.Errorf("message exceeds %d bytes", maxPayload)
	errTruncated = errors.New("descriptors were truncated in transit")
)

// header precedes every request and reply on a call stream. It travels in the same sendmsg as the
// frame's descriptors, so receiving the header also receives the descriptors.
type header struct {
	size  uint64
	ndesc uint32
	flags uint32
}

func (h header) marshal(b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], h.size)
	binary.LittleEndian.PutUint32(b[8:12], h.ndesc)
	binary.LittleEndian.PutUint32(b[12:16], h.flags)
}

func unmarshalHeader(b []byte) header {
	return header{
		size:  binary.LittleEndian.Uint64(b[0:8]),
		ndesc: binary.LittleEndian.Uint32(b[8:12]),
		flags: binary.LittleEndian.Uint32(b[12:16]),
	}
}

// writeFrame writes a frame with header h, sending files alongside the header. h.size and
// h.ndesc are filled in from payload and files.
func writeFrame(conn *net.UnixConn, h header, files []*os.File, payload []byte) error {
	h.size = uint64(len(payload))
	h.ndesc = uint32(len(files))

	var hb [headerSize]byte
	h.marshal(hb[:])

	var oob []byte
	if len(files) > 0 {
		fds := make([]int, 0, len(files))
		for _, f := range files {
			fd, err := rawFD(f)
			if err != nil {
				return err
			}
			fds = append(fds, fd)
		}
		oob = unix.UnixRights(fds...)
	}

	n, _, err := conn.WriteMsgUnix(hb[:], oob, nil)
	runtime.KeepAlive(files)
	if err != nil {
		return err
	}
	if n < headerSize {
		if _, err := conn.Write(hb[n:]); err != nil {
			return err
		}
	}

	if len(payload) == 0 {
		return nil
	}
	_, err = conn.Write(payload)
	return err
}

// readFrame reads one frame. Received descriptors are returned as files owned by the caller.
// A connection closed before any byte arrives returns io.EOF, one closed mid-frame returns
// io.ErrUnexpectedEOF.
func readFrame(conn *net.UnixConn) (header, []*os.File, []byte, error) {
	var hb [headerSize]byte
	oob := make([]byte, unix.CmsgSpace(maxDescriptors*4))

	n, oobn, flags, _, err := conn.ReadMsgUnix(hb[:], oob)
	if err != nil {
		return header{}, nil, nil, err
	}
	files, err := parseRights(oob[:oobn])
	if err != nil {
		return header{}, nil, nil, err
	}
	if flags&unix.MSG_CTRUNC != 0 {
		closeFiles(files)
		return header{}, nil, nil, errTruncated
	}
	if n == 0 {
		closeFiles(files)
		return header{}, nil, nil, io.EOF
	}
	if n < headerSize {
		if _, err := io.ReadFull(conn, hb[n:]); err != nil {
			closeFiles(files)
			return header{}, nil, nil, io.ErrUnexpectedEOF
		}
	}

	h := unmarshalHeader(hb[:])
	if h.size > maxPayload {
		closeFiles(files)
		return h, nil, nil, errTooLarge
	}
	if int(h.ndesc) != len(files) {
		closeFiles(files)
		return h, nil, nil, errTruncated
	}

	payload := make([]byte, h.size)
	if _, err := io.ReadFull(conn, payload); err != nil {
		closeFiles(files)
		return h, nil, nil, io.ErrUnexpectedEOF
	}
	return h, files, payload, nil
}

// parseRights extracts the descriptors carried in SCM_RIGHTS control messages.
func parseRights(oob []byte) ([]*os.File, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("bad control message: %w", err)
	}

	var files []*os.File
	for i := range msgs {
		if msgs[i].Header.Level != unix.SOL_SOCKET || msgs[i].Header.Type != unix.SCM_RIGHTS {
			continue
		}
		fds, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			closeFiles(files)
			return nil, fmt.Errorf("bad SCM_RIGHTS message: %w", err)
		}
		for _, fd := range fds {
			files = append(files, os.NewFile(uintptr(fd), "door-fd"))
		}
	}
	return files, nil
}

// rawFD returns f's descriptor. Unlike f.Fd() it leaves the descriptor's blocking mode alone,
// which matters when f shares its open file with a net.Conn. f must stay open while the result
// is in use.
func rawFD(f *os.File) (int, error) {
	rc, err := f.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	if err := rc.Control(func(s uintptr) { fd = int(s) }); err != nil {
		return -1, err
	}
	return fd, nil
}

// fdConn wraps a raw socket descriptor in a *net.UnixConn. fd is consumed.
func fdConn(fd int, name string) (*net.UnixConn, error) {
	f := os.NewFile(uintptr(fd), name)
	defer f.Close()

	c, err := net.FileConn(f)
	if err != nil {
		return nil, err
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("%s is not a unix socket", name)
	}
	return uc, nil
}
