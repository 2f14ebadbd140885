/*
Package relay forwards network traffic to door servers.

An Engine owns a set of Targets. Each Target listens on a TCP or UDP address and is bound to a
door. Accepted TCP connections are passed to the door as descriptors, so the door's process talks
to the peer directly; UDP datagrams become the request of a door call whose reply is sent back to
the datagram's sender.

Work is spread over a fixed pool of attendants in round robin order, independent of which Target
produced it. An attendant makes one door call at a time, so when every attendant is blocked on a
slow backend new work waits in their queues rather than starting more calls.

	c, err := door.NewClient("/var/run/hello.door")
	if err != nil {
		// Do something
	}
	t, err := relay.NewTarget(relay.Stream, "0.0.0.0:80", c)
	if err != nil {
		// Do something
	}
	e, err := relay.New([]*relay.Target{t}, relay.Attendants(8))
	if err != nil {
		// Do something
	}
	if err := e.Serve(ctx); err != nil {
		// Do something
	}
*/
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/hashicorp/go-metrics"
)

const (
	// maxDatagram is the largest UDP payload.
	maxDatagram = 65535
	// pollErrorPause is how long a poller waits after an accept or read error.
	pollErrorPause = 50 * time.Millisecond
)

// Option is an optional argument to New.
type Option func(e *Engine)

// Attendants sets the number of attendants. The default is the number of CPUs.
func Attendants(n int) Option {
	return func(e *Engine) {
		e.nAttendants = n
	}
}

// MetricSink sets where relay metrics are sent. The default is metrics.Default().
func MetricSink(s metrics.MetricSink) Option {
	return func(e *Engine) {
		e.msink = s
	}
}

// MaxPause sets the longest a target is paused after consecutive failed door calls to its
// backend. Work for a paused target is dropped; other targets are not affected. The default is
// one second.
func MaxPause(d time.Duration) Option {
	return func(e *Engine) {
		e.maxPause = d
	}
}

// event is produced by a Target's poller for every unit of work it picked up.
type event struct {
	target int

	conn *net.TCPConn

	payload []byte
	from    net.Addr

	err error
}

// Engine relays traffic from its Targets to their doors.
type Engine struct {
	targets     []*Target
	nAttendants int
	msink       metrics.MetricSink
	maxPause    time.Duration

	attendants []*attendant
	rr         *RoundRobin[*attendant]

	events chan event
	// arm holds one channel per target. A poller picks up one unit of work per token and the
	// dispatcher puts the token back once that work has been handed off.
	arm []chan struct{}

	serveOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	pollers   sync.WaitGroup
	workers   sync.WaitGroup
}

// New creates an Engine for targets. The Engine takes ownership of the targets.
func New(targets []*Target, options ...Option) (*Engine, error) {
	if len(targets) == 0 {
		return nil, errors.New("relay: no targets")
	}

	e := &Engine{
		targets:     targets,
		nAttendants: runtime.NumCPU(),
		maxPause:    time.Second,
		events:      make(chan event),
		done:        make(chan struct{}),
	}
	for _, o := range options {
		o(e)
	}
	if e.nAttendants < 1 {
		return nil, fmt.Errorf("relay: need at least 1 attendant, got %d", e.nAttendants)
	}
	if e.msink == nil {
		e.msink = metrics.Default()
	}

	for i := 0; i < e.nAttendants; i++ {
		e.attendants = append(e.attendants, newAttendant(i, e.msink))
	}
	rr, err := NewRoundRobin(e.attendants)
	if err != nil {
		return nil, err
	}
	e.rr = rr

	for _, t := range targets {
		t.pace = newPacer(e.maxPause)
		ch := make(chan struct{}, 1)
		ch <- struct{}{}
		e.arm = append(e.arm, ch)
	}
	return e, nil
}

// Targets returns the Engine's targets.
func (e *Engine) Targets() []*Target {
	return e.targets
}

// Serve relays traffic until ctx is cancelled or Close() is called. It may only be called once.
// Cancelling ctx closes the Engine.
func (e *Engine) Serve(ctx context.Context) error {
	started := false
	e.serveOnce.Do(func() { started = true })
	if !started {
		return errors.New("relay: Serve() called twice")
	}

	select {
	case <-e.done:
		return errors.New("relay: Engine is closed")
	default:
	}

	for _, a := range e.attendants {
		a := a
		e.workers.Add(1)
		go func() {
			defer e.workers.Done()
			a.run()
		}()
	}
	for i := range e.targets {
		i := i
		e.pollers.Add(1)
		go func() {
			defer e.pollers.Done()
			e.poll(i)
		}()
	}
	glog.Infof("relay: serving %d targets with %d attendants", len(e.targets), e.rr.Len())

	for {
		select {
		case <-ctx.Done():
			e.Close()
			return ctx.Err()
		case <-e.done:
			return nil
		case ev := <-e.events:
			e.dispatch(ev)
			// One unit of work per wake, then the target may be polled again.
			e.arm[ev.target] <- struct{}{}
		}
	}
}

// poll waits for target i to become ready, one unit of work per arm token.
func (e *Engine) poll(i int) {
	t := e.targets[i]
	for {
		select {
		case <-e.done:
			return
		case <-e.arm[i]:
		}

		ev := event{target: i}
		switch t.proto {
		case Stream:
			ev.conn, ev.err = t.ln.AcceptTCP()
		case Datagram:
			buf := make([]byte, maxDatagram)
			n, from, err := t.pc.ReadFrom(buf)
			ev.payload, ev.from, ev.err = buf[:n], from, err
		}
		if errors.Is(ev.err, net.ErrClosed) {
			return
		}

		select {
		case e.events <- ev:
		case <-e.done:
			if ev.conn != nil {
				ev.conn.Close()
			}
			return
		}
		if ev.err != nil {
			// Usually descriptor exhaustion. Give the attendants a chance to release some.
			time.Sleep(pollErrorPause)
		}
	}
}

func (e *Engine) dispatch(ev event) {
	t := e.targets[ev.target]
	labels := []metrics.Label{LabelTarget.M(t.Addr().String())}

	if ev.err != nil {
		switch t.proto {
		case Stream:
			e.msink.IncrCounterWithLabels(MetricStreamAcceptErrorCount, 1, labels)
		case Datagram:
			e.msink.IncrCounterWithLabels(MetricDatagramInErrorCount, 1, labels)
		}
		glog.Errorf("relay: %s: %s", t, ev.err)
		return
	}

	j := job{target: t, ref: t.client.Borrow(), conn: ev.conn, payload: ev.payload, from: ev.from}
	switch t.proto {
	case Stream:
		e.msink.IncrCounterWithLabels(MetricStreamAcceptedCount, 1, labels)
	case Datagram:
		e.msink.IncrCounterWithLabels(MetricDatagramInCount, 1, labels)
	}

	a := e.rr.Next()
	if !a.hand(j) {
		e.msink.IncrCounterWithLabels(MetricDroppedCount, 1, labels)
		glog.Warningf("relay: %s: attendant %d has stopped, dropping work", t, a.id)
		j.drop()
		return
	}
	e.msink.IncrCounterWithLabels(MetricDispatchCount, 1, labels)
}

// Close stops listening on every target, lets the attendants finish the work they were handed and
// then closes the targets' Clients.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.done)

		for _, t := range e.targets {
			if cerr := t.closeListener(); cerr != nil && err == nil {
				err = cerr
			}
		}
		e.pollers.Wait()

		for _, a := range e.attendants {
			a.stop()
		}
		e.workers.Wait()

		// ClientRefs handed to attendants are not used past this point.
		for _, t := range e.targets {
			if cerr := t.closeClient(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}
