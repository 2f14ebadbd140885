package relay

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/golang/glog"
	"github.com/hashicorp/go-metrics"

	"github.com/johnsiilver/portunus/ipc/door"
	"github.com/johnsiilver/portunus/queue/fifo/unbounded"
)

// job is one unit of work handed from the dispatcher to an attendant: an accepted connection or a
// received datagram, plus the door to relay it to.
type job struct {
	target *Target
	ref    door.ClientRef

	// Stream targets.
	conn *net.TCPConn

	// Datagram targets.
	payload []byte
	from    net.Addr
}

// drop releases a job that will never be handled.
func (j job) drop() {
	if j.conn != nil {
		j.conn.Close()
	}
}

// attendant owns a handoff queue and a goroutine that performs exactly one door call per job
// pulled from it. A failed call is logged and the attendant moves on to the next job; the
// failing target, not the attendant, is paused.
type attendant struct {
	id     int
	queue  *unbounded.Buffer[job]
	msink  metrics.MetricSink
	labels []metrics.Label
}

func newAttendant(id int, msink metrics.MetricSink) *attendant {
	return &attendant{
		id:     id,
		queue:  unbounded.New[job](),
		msink:  msink,
		labels: []metrics.Label{LabelAttendant.M(strconv.Itoa(id))},
	}
}

// hand queues j for the attendant. It returns false if the attendant has stopped.
func (a *attendant) hand(j job) bool {
	if !a.queue.Push(j) {
		return false
	}
	a.msink.SetGaugeWithLabels(MetricAttendantQueueLength, float32(a.queue.Len()), a.labels)
	return true
}

// stop makes run() return once the jobs already queued have been handled.
func (a *attendant) stop() {
	a.queue.Close()
}

func (a *attendant) run() {
	for {
		j, ok := a.queue.Pull()
		if !ok {
			return
		}

		labels := []metrics.Label{LabelTarget.M(j.target.Addr().String()), LabelProtocol.M(j.target.Protocol().String())}

		if j.target.pace.paused() {
			a.msink.IncrCounterWithLabels(MetricPausedDropCount, 1, labels)
			glog.V(1).Infof("attendant %d: %s is paused, dropping work", a.id, j.target)
			j.drop()
			continue
		}

		a.msink.IncrCounterWithLabels(MetricCallCount, 1, labels)
		if err := a.handle(j); err != nil {
			a.msink.IncrCounterWithLabels(MetricCallErrorCount, 1, labels)
			var cerr *door.CallError
			if !errors.As(err, &cerr) {
				glog.Errorf("attendant %d: %s", a.id, err)
				continue
			}
			d := j.target.pace.failed()
			glog.Errorf("attendant %d: %s (pausing %s for %s)", a.id, err, j.target, d)
			continue
		}
		j.target.pace.succeeded()
	}
}

func (a *attendant) handle(j job) error {
	switch j.target.Protocol() {
	case Stream:
		return a.handleStream(j)
	case Datagram:
		return a.handleDatagram(j)
	}
	j.drop()
	return fmt.Errorf("job for unknown protocol %s", j.target.Protocol())
}

// handleStream passes the connection to the door and writes whatever the door replies with to
// the connection before closing it.
func (a *attendant) handleStream(j job) error {
	defer j.conn.Close()

	f, err := j.conn.File()
	if err != nil {
		return fmt.Errorf("%s: could not get descriptor for %s: %w", j.target, j.conn.RemoteAddr(), err)
	}

	// The call closes f.
	fds, resp, err := j.ref.Call([]*os.File{f}, nil)
	if err != nil {
		return fmt.Errorf("%s: dropping connection from %s: %w", j.target, j.conn.RemoteAddr(), err)
	}
	closeFiles(fds)

	if len(resp) > 0 {
		if _, err := j.conn.Write(resp); err != nil {
			return fmt.Errorf("%s: could not write reply to %s: %w", j.target, j.conn.RemoteAddr(), err)
		}
	}
	return nil
}

// handleDatagram makes one call with the datagram's payload and sends the reply to the sender.
func (a *attendant) handleDatagram(j job) error {
	fds, resp, err := j.ref.Call(nil, j.payload)
	if err != nil {
		return fmt.Errorf("%s: dropping datagram from %s: %w", j.target, j.from, err)
	}
	closeFiles(fds)

	if len(resp) == 0 {
		return nil
	}
	if _, err := j.target.pc.WriteTo(resp, j.from); err != nil {
		a.msink.IncrCounterWithLabels(MetricDatagramOutErrorCount, 1, []metrics.Label{LabelTarget.M(j.target.Addr().String())})
		return fmt.Errorf("%s: could not reply to %s: %w", j.target, j.from, err)
	}
	return nil
}

func closeFiles(fds []*os.File) {
	for _, f := range fds {
		if f != nil {
			f.Close()
		}
	}
}
