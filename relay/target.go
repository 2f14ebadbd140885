package relay

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/johnsiilver/portunus/ipc/door"
)

// Protocol is the kind of traffic a Target listens for.
type Protocol int8

const (
	// Stream targets accept TCP connections. Each connection is handed to the backend door as a
	// descriptor.
	Stream Protocol = 1
	// Datagram targets read UDP datagrams. Each datagram's payload is the request of one door
	// call, and the reply is sent back to the datagram's sender.
	Datagram Protocol = 2
)

func (p Protocol) String() string {
	switch p {
	case Stream:
		return "tcp"
	case Datagram:
		return "udp"
	}
	return fmt.Sprintf("Protocol(%d)", int8(p))
}

// Network returns the name of the network the protocol listens on, as used by package net.
func (p Protocol) Network() string {
	return p.String()
}

// Target ties a listening address to the backend door it is relayed to. A Target owns both its
// listening socket and its Client. It does not change after NewTarget returns.
type Target struct {
	proto  Protocol
	client *door.Client

	ln *net.TCPListener
	pc net.PacketConn

	// pace is replaced by New() with one using the Engine's MaxPause.
	pace *pacer

	lnOnce, clientOnce sync.Once
}

// NewTarget starts listening on addr and returns a Target that relays to client. The Target
// takes ownership of client, even when an error is returned.
func NewTarget(proto Protocol, addr string, client *door.Client) (*Target, error) {
	if client == nil {
		return nil, fmt.Errorf("relay: target %s/%s has no client", proto, addr)
	}
	t := &Target{proto: proto, client: client, pace: newPacer(time.Second)}

	switch proto {
	case Stream:
		a, err := net.ResolveTCPAddr("tcp", addr)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("relay: bad stream address %q: %w", addr, err)
		}
		ln, err := net.ListenTCP("tcp", a)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("relay: could not listen on %s: %w", addr, err)
		}
		t.ln = ln
	case Datagram:
		pc, err := net.ListenPacket("udp", addr)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("relay: could not listen on %s: %w", addr, err)
		}
		t.pc = pc
	default:
		client.Close()
		return nil, fmt.Errorf("relay: unknown protocol %s", proto)
	}
	return t, nil
}

// Protocol returns the target's protocol.
func (t *Target) Protocol() Protocol {
	return t.proto
}

// Addr returns the address the target is listening on.
func (t *Target) Addr() net.Addr {
	if t.ln != nil {
		return t.ln.Addr()
	}
	return t.pc.LocalAddr()
}

// String implements fmt.Stringer.
func (t *Target) String() string {
	return t.proto.String() + "/" + t.Addr().String()
}

// Close stops listening and closes the target's Client. A Target that is part of an Engine is
// closed by Engine.Close().
func (t *Target) Close() error {
	err := t.closeListener()
	if cerr := t.closeClient(); err == nil {
		err = cerr
	}
	return err
}

func (t *Target) closeListener() error {
	var err error
	t.lnOnce.Do(func() {
		if t.ln != nil {
			err = t.ln.Close()
			return
		}
		err = t.pc.Close()
	})
	return err
}

func (t *Target) closeClient() error {
	var err error
	t.clientOnce.Do(func() {
		err = t.client.Close()
	})
	return err
}
