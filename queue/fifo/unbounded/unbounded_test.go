package unbounded

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kr/pretty"
)

func TestPullBuffer(t *testing.T) {
	const size = 100000

	b := New[int]()

	go func() {
		for i := 0; i < size; i++ {
			b.Push(i)
		}
	}()

	for i := 0; i < size; i++ {
		v, ok := b.Pull()
		if !ok {
			t.Fatalf("TestPullBuffer: Pull() returned !ok at index %d", i)
		}
		if v != i {
			t.Errorf("TestPullBuffer: value at index %d was %d, should be %d", i, v, i)
		}
	}
	if b.Len() != 0 {
		t.Errorf("TestPullBuffer: got Len() == %d after draining, want 0", b.Len())
	}
}

func TestDrainAfterClose(t *testing.T) {
	const size = 100000

	b := New[int]()

	for i := 0; i < size; i++ {
		b.Push(i)
	}
	b.Close()

	i := 0
	for {
		v, ok := b.Pull()
		if !ok {
			break
		}
		if v != i {
			t.Errorf("TestDrainAfterClose: value at index %d was %d, should be %d", i, v, i)
		}
		i++
	}
	if i != size {
		t.Errorf("TestDrainAfterClose: got %d values, want %d", i, size)
	}
}

func TestCloseWakesPull(t *testing.T) {
	b := New[string]()

	done := make(chan bool)
	go func() {
		_, ok := b.Pull()
		done <- ok
	}()

	time.Sleep(50 * time.Millisecond)
	b.Close()

	select {
	case ok := <-done:
		if ok {
			t.Errorf("TestCloseWakesPull: Pull() returned ok on a closed, empty Buffer")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("TestCloseWakesPull: Pull() did not return after Close()")
	}

	if b.Push("late") {
		t.Errorf("TestCloseWakesPull: Push() after Close() returned true")
	}
}

func TestLen(t *testing.T) {
	b := New[string]()
	var got []int
	for _, s := range []string{"a", "b", "c"} {
		b.Push(s)
		got = append(got, b.Len())
	}
	b.Pull()
	got = append(got, b.Len())

	if diff := pretty.Diff([]int{1, 2, 3, 2}, got); len(diff) != 0 {
		t.Errorf("TestLen: -want/+got:\n%s", diff)
	}
}

func BenchmarkUnbounded(b *testing.B) {
	items := 100000
	runs := []struct{ items, senders, receivers int }{
		{items, 1, 1},
		{items, 10, 1},
		{items, 100, 1},
		{items, 10, 10},
		{items, 10, 100},
	}

	for _, run := range runs {
		b.Run(
			fmt.Sprintf("BenchmarkUnboundedQueues-items: %d, senders: %d, receivers: %d", run.items, run.senders, run.receivers),
			func(b *testing.B) {
				singleRun(b, New[int], run.items, run.senders, run.receivers)
			},
		)
	}
}

func singleRun(bench *testing.B, n func() *Buffer[int], items, senders, receivers int) {
	for i := 0; i < bench.N; i++ {
		bench.StopTimer()

		b := n()
		sendCh := make(chan int, items)
		wg := sync.WaitGroup{}
		wg.Add(items)

		// Setup senders.
		for i := 0; i < senders; i++ {
			go func() {
				for v := range sendCh {
					b.Push(v)
				}
			}()
		}

		// Setup receivers.
		for i := 0; i < receivers; i++ {
			go func() {
				for {
					if _, ok := b.Pull(); !ok {
						return
					}
					wg.Done()
				}
			}()
		}

		bench.StartTimer()

		// Send to Buffer (which the receivers will read from)
		for i := 0; i < items; i++ {
			sendCh <- i
		}
		close(sendCh)

		wg.Wait()
		b.Close()
	}
}
