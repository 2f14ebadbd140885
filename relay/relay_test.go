//go:build linux

package relay

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/kylelemons/godebug/pretty"

	"github.com/johnsiilver/portunus/ipc/door"
)

func TestRoundRobin(t *testing.T) {
	tests := []struct {
		desc  string
		items []string
		calls int
		want  []string
	}{
		{
			desc:  "Single item",
			items: []string{"a"},
			calls: 4,
			want:  []string{"a", "a", "a", "a"},
		},
		{
			desc:  "Three items, wraps around twice",
			items: []string{"a", "b", "c"},
			calls: 7,
			want:  []string{"a", "b", "c", "a", "b", "c", "a"},
		},
	}

	for _, test := range tests {
		rr, err := NewRoundRobin(test.items)
		if err != nil {
			t.Errorf("TestRoundRobin(%s): got err == %s, want err == nil", test.desc, err)
			continue
		}
		if rr.Len() != len(test.items) {
			t.Errorf("TestRoundRobin(%s): got Len() == %d, want %d", test.desc, rr.Len(), len(test.items))
		}
		var got []string
		for i := 0; i < test.calls; i++ {
			got = append(got, rr.Next())
		}
		if diff := pretty.Compare(test.want, got); diff != "" {
			t.Errorf("TestRoundRobin(%s): -want/+got:\n%s", test.desc, diff)
		}
	}

	if _, err := NewRoundRobin([]int{}); err == nil {
		t.Errorf("TestRoundRobin(empty): got err == nil, want err != nil")
	}
}

// TestRoundRobinConcurrent checks that n concurrent callers of Next() are each handed a distinct
// element of a pool of size n.
func TestRoundRobinConcurrent(t *testing.T) {
	const n = 50
	items := make([]int, n)
	for i := range items {
		items[i] = i
	}
	rr, err := NewRoundRobin(items)
	if err != nil {
		panic(err)
	}

	seen := make([]int, n)
	mu := sync.Mutex{}
	wg := sync.WaitGroup{}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v := rr.Next()
			mu.Lock()
			seen[v]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	for i, c := range seen {
		if c != 1 {
			t.Errorf("TestRoundRobinConcurrent: element %d handed out %d times, want 1", i, c)
		}
	}
}

func doorClient(p door.Procedure) (*door.Server, *door.Client) {
	d, err := door.Create(p)
	if err != nil {
		panic(err)
	}
	srv, err := door.Install(filepath.Join(os.TempDir(), uuid.New().String()+".door"), d)
	if err != nil {
		panic(err)
	}
	c, err := door.NewClient(srv.Path())
	if err != nil {
		panic(err)
	}
	return srv, c
}

func serve(e *Engine) (cancel func()) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Serve(ctx)
	}()
	return func() {
		cancelCtx()
		<-done
	}
}

// helloDoor reads whatever the peer sent on the relayed connection and replies with a fixed
// response.
var helloDoor = door.ProcedureFunc(func(fds []*os.File, req []byte) ([]*os.File, []byte) {
	for _, f := range fds {
		f.Read(make([]byte, 4096))
		f.Close()
	}
	return nil, []byte("200 OK")
})

func TestStream(t *testing.T) {
	srv, c := doorClient(helloDoor)
	defer srv.Close()

	target, err := NewTarget(Stream, "127.0.0.1:0", c)
	if err != nil {
		panic(err)
	}
	sink := metrics.NewInmemSink(time.Second, time.Minute)
	e, err := New([]*Target{target}, Attendants(2), MetricSink(sink))
	if err != nil {
		panic(err)
	}
	stop := serve(e)
	defer stop()

	const conns = 10
	got := make([]string, conns)
	wg := sync.WaitGroup{}
	for i := 0; i < conns; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.Dial("tcp", target.Addr().String())
			if err != nil {
				got[i] = err.Error()
				return
			}
			defer conn.Close()
			conn.SetDeadline(time.Now().Add(10 * time.Second))

			if _, err := conn.Write([]byte("GET / HTTP/1.0\r\n\r\n")); err != nil {
				got[i] = err.Error()
				return
			}
			b, err := io.ReadAll(conn)
			if err != nil {
				got[i] = err.Error()
				return
			}
			got[i] = string(b)
		}()
	}
	wg.Wait()

	want := make([]string, conns)
	for i := range want {
		want[i] = "200 OK"
	}
	if diff := pretty.Compare(want, got); diff != "" {
		t.Errorf("TestStream: -want/+got:\n%s", diff)
	}

	if got := counter(sink, MetricStreamAcceptedCount); got != conns {
		t.Errorf("TestStream: accepted counter: got %d, want %d", got, conns)
	}
}

func TestDatagram(t *testing.T) {
	srv, c := doorClient(door.ProcedureFunc(func(fds []*os.File, req []byte) ([]*os.File, []byte) {
		return nil, req
	}))
	defer srv.Close()

	target, err := NewTarget(Datagram, "127.0.0.1:0", c)
	if err != nil {
		panic(err)
	}
	e, err := New([]*Target{target}, Attendants(1), MetricSink(&metrics.BlackholeSink{}))
	if err != nil {
		panic(err)
	}
	stop := serve(e)
	defer stop()

	conn, err := net.Dial("udp", target.Addr().String())
	if err != nil {
		panic(err)
	}
	defer conn.Close()

	for i := 0; i < 5; i++ {
		msg := fmt.Sprintf("ping %d", i)
		if _, err := conn.Write([]byte(msg)); err != nil {
			t.Fatalf("TestDatagram: Write(): %s", err)
		}
		conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		b := make([]byte, 1024)
		n, err := conn.Read(b)
		if err != nil {
			t.Fatalf("TestDatagram: Read(): %s", err)
		}
		if string(b[:n]) != msg {
			t.Errorf("TestDatagram: got %q, want %q", b[:n], msg)
		}
	}
}

// TestUnreachableDoor checks that a connection whose door cannot be called is closed without a
// reply, and that the attendant keeps serving afterwards.
func TestUnreachableDoor(t *testing.T) {
	srv, c := doorClient(helloDoor)
	srv.Close()

	target, err := NewTarget(Stream, "127.0.0.1:0", c)
	if err != nil {
		panic(err)
	}
	e, err := New([]*Target{target}, Attendants(1), MaxPause(10*time.Millisecond), MetricSink(&metrics.BlackholeSink{}))
	if err != nil {
		panic(err)
	}
	stop := serve(e)
	defer stop()

	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", target.Addr().String())
		if err != nil {
			t.Fatalf("TestUnreachableDoor: Dial(): %s", err)
		}
		conn.SetDeadline(time.Now().Add(10 * time.Second))
		b, err := io.ReadAll(conn)
		conn.Close()
		if err != nil && !strings.Contains(err.Error(), "reset") {
			t.Errorf("TestUnreachableDoor(conn %d): connection was not closed: %s", i, err)
		}
		if len(b) != 0 {
			t.Errorf("TestUnreachableDoor(conn %d): got reply %q, want none", i, b)
		}
	}
}

func TestMultipleTargets(t *testing.T) {
	srv1, c1 := doorClient(helloDoor)
	defer srv1.Close()
	srv2, c2 := doorClient(door.ProcedureFunc(func(fds []*os.File, req []byte) ([]*os.File, []byte) {
		return nil, []byte(strings.ToUpper(string(req)))
	}))
	defer srv2.Close()

	t1, err := NewTarget(Stream, "127.0.0.1:0", c1)
	if err != nil {
		panic(err)
	}
	t2, err := NewTarget(Datagram, "127.0.0.1:0", c2)
	if err != nil {
		panic(err)
	}
	e, err := New([]*Target{t1, t2}, Attendants(3), MetricSink(&metrics.BlackholeSink{}))
	if err != nil {
		panic(err)
	}
	stop := serve(e)
	defer stop()

	conn, err := net.Dial("tcp", t1.Addr().String())
	if err != nil {
		panic(err)
	}
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	conn.Write([]byte("hi"))
	b, err := io.ReadAll(conn)
	conn.Close()
	if err != nil || string(b) != "200 OK" {
		t.Errorf("TestMultipleTargets(stream): got %q, %v, want %q", b, err, "200 OK")
	}

	uconn, err := net.Dial("udp", t2.Addr().String())
	if err != nil {
		panic(err)
	}
	defer uconn.Close()
	uconn.Write([]byte("quiet"))
	uconn.SetReadDeadline(time.Now().Add(10 * time.Second))
	buf := make([]byte, 64)
	n, err := uconn.Read(buf)
	if err != nil || string(buf[:n]) != "QUIET" {
		t.Errorf("TestMultipleTargets(datagram): got %q, %v, want %q", buf[:n], err, "QUIET")
	}
}

func TestNewErrors(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Errorf("TestNewErrors(no targets): got err == nil, want err != nil")
	}

	srv, c := doorClient(helloDoor)
	defer srv.Close()
	target, err := NewTarget(Stream, "127.0.0.1:0", c)
	if err != nil {
		panic(err)
	}
	defer target.Close()

	if _, err := New([]*Target{target}, Attendants(0)); err == nil {
		t.Errorf("TestNewErrors(zero attendants): got err == nil, want err != nil")
	}
}

func TestServeTwice(t *testing.T) {
	srv, c := doorClient(helloDoor)
	defer srv.Close()
	target, err := NewTarget(Stream, "127.0.0.1:0", c)
	if err != nil {
		panic(err)
	}
	e, err := New([]*Target{target}, Attendants(1), MetricSink(&metrics.BlackholeSink{}))
	if err != nil {
		panic(err)
	}
	stop := serve(e)
	defer stop()

	// Give the first Serve() a moment to start.
	time.Sleep(50 * time.Millisecond)
	if err := e.Serve(context.Background()); err == nil {
		t.Errorf("TestServeTwice: second Serve() returned nil")
	}
}

// counter sums the counter called name over every label set and interval held by sink.
func counter(sink *metrics.InmemSink, name []string) int {
	key := strings.Join(name, ".")
	total := 0
	for _, im := range sink.Data() {
		im.RLock()
		for k, v := range im.Counters {
			if k == key || strings.HasPrefix(k, key+";") {
				total += v.Count
			}
		}
		im.RUnlock()
	}
	return total
}

// TestFailingTargetIsolation checks that work for a target whose door has gone away does not
// delay a healthy target sharing the same attendant.
func TestFailingTargetIsolation(t *testing.T) {
	tests := []struct {
		desc  string
		proto Protocol
	}{
		{desc: "Failing stream target", proto: Stream},
		{desc: "Failing datagram target", proto: Datagram},
	}

	for _, test := range tests {
		deadSrv, deadClient := doorClient(helloDoor)
		deadSrv.Close()
		srv, c := doorClient(helloDoor)

		dead, err := NewTarget(test.proto, "127.0.0.1:0", deadClient)
		if err != nil {
			panic(err)
		}
		healthy, err := NewTarget(Stream, "127.0.0.1:0", c)
		if err != nil {
			panic(err)
		}
		// One attendant and the default MaxPause: every job goes through the same queue.
		e, err := New([]*Target{dead, healthy}, Attendants(1), MetricSink(&metrics.BlackholeSink{}))
		if err != nil {
			panic(err)
		}
		stop := serve(e)

		var conns []net.Conn
		for i := 0; i < 8; i++ {
			conn, err := net.Dial(test.proto.Network(), dead.Addr().String())
			if err != nil {
				panic(err)
			}
			if test.proto == Datagram {
				conn.Write([]byte("hello"))
			}
			conns = append(conns, conn)
		}

		start := time.Now()
		conn, err := net.Dial("tcp", healthy.Addr().String())
		if err != nil {
			panic(err)
		}
		conn.SetDeadline(time.Now().Add(10 * time.Second))
		conn.Write([]byte("hi"))
		b, err := io.ReadAll(conn)
		took := time.Since(start)
		conn.Close()

		if err != nil || string(b) != "200 OK" {
			t.Errorf("TestFailingTargetIsolation(%s): got %q, %v, want %q", test.desc, b, err, "200 OK")
		}
		if took > 750*time.Millisecond {
			t.Errorf("TestFailingTargetIsolation(%s): healthy target answered after %s, want under 750ms", test.desc, took)
		}

		for _, c := range conns {
			c.Close()
		}
		stop()
		srv.Close()
	}
}

// TestBusyTargetDoesNotStarveQuiet floods one target with datagrams and checks that a quiet
// target keeps being served.
func TestBusyTargetDoesNotStarveQuiet(t *testing.T) {
	echoSrv, echoClient := doorClient(door.ProcedureFunc(func(fds []*os.File, req []byte) ([]*os.File, []byte) {
		return nil, req
	}))
	defer echoSrv.Close()
	srv, c := doorClient(helloDoor)
	defer srv.Close()

	busy, err := NewTarget(Datagram, "127.0.0.1:0", echoClient)
	if err != nil {
		panic(err)
	}
	quiet, err := NewTarget(Stream, "127.0.0.1:0", c)
	if err != nil {
		panic(err)
	}
	e, err := New([]*Target{busy, quiet}, Attendants(2), MetricSink(&metrics.BlackholeSink{}))
	if err != nil {
		panic(err)
	}
	stop := serve(e)
	defer stop()

	flood, err := net.Dial("udp", busy.Addr().String())
	if err != nil {
		panic(err)
	}
	defer flood.Close()

	done := make(chan struct{})
	flooding := sync.WaitGroup{}
	flooding.Add(1)
	go func() {
		defer flooding.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			flood.Write([]byte("noise"))
		}
	}()
	defer func() {
		close(done)
		flooding.Wait()
	}()

	for i := 0; i < 3; i++ {
		start := time.Now()
		conn, err := net.Dial("tcp", quiet.Addr().String())
		if err != nil {
			t.Fatalf("TestBusyTargetDoesNotStarveQuiet: Dial(): %s", err)
		}
		conn.SetDeadline(time.Now().Add(10 * time.Second))
		conn.Write([]byte("hi"))
		b, err := io.ReadAll(conn)
		conn.Close()
		if err != nil || string(b) != "200 OK" {
			t.Errorf("TestBusyTargetDoesNotStarveQuiet(conn %d): got %q, %v, want %q", i, b, err, "200 OK")
		}
		if took := time.Since(start); took > 2*time.Second {
			t.Errorf("TestBusyTargetDoesNotStarveQuiet(conn %d): answered after %s, want under 2s", i, took)
		}
	}
}

func TestPacer(t *testing.T) {
	p := newPacer(40 * time.Millisecond)
	if p.paused() {
		t.Fatalf("TestPacer: new pacer is paused")
	}

	var got []time.Duration
	for i := 0; i < 4; i++ {
		got = append(got, p.failed())
	}
	if diff := pretty.Compare([]time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 40 * time.Millisecond}, got); diff != "" {
		t.Errorf("TestPacer: pauses: -want/+got:\n%s", diff)
	}
	if !p.paused() {
		t.Errorf("TestPacer: not paused after a failure")
	}

	p.succeeded()
	if p.paused() {
		t.Errorf("TestPacer: paused after a success")
	}
	if d := p.failed(); d != 10*time.Millisecond {
		t.Errorf("TestPacer: first pause after a success: got %s, want 10ms", d)
	}
}
