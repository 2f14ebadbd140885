/*
Package unbounded holds a FIFO buffer (but not lockfree) that will grow and shrink to
accommodate entries. Pushing never blocks. We can only guarantee FIFO with a single receiver.
With multiple receivers, you are getting close to FIFO order.

Usage is simple:
	b := unbounded.New[net.Conn]()

	// This will never block.
	b.Push(item)

	// This will block until an item becomes available or the Buffer is closed.
	v, ok := b.Pull()

	// This will loop until b.Close() is called and the Buffer is drained.
	for {
		v, ok := b.Pull()
		if !ok {
			break
		}
		fmt.Println(v)
	}
*/
package unbounded

import (
	"sync"
)

type entry[T any] struct {
	v    T
	next *entry[T]
}

// Buffer is a FIFO queue. The queue can grow to infinite size and pushing an item will never
// fail. A Buffer must be created with New() and never copied.
type Buffer[T any] struct {
	ptr  *entry[T]
	last *entry[T]
	len  int

	mu     sync.Mutex
	cond   *sync.Cond
	closed bool
}

// New is the constructor for Buffer.
func New[T any]() *Buffer[T] {
	b := &Buffer[T]{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Push pushes an item onto the Buffer. Items pushed after Close() are dropped and Push returns
// false.
func (b *Buffer[T]) Push(item T) bool {
	q := &entry[T]{v: item}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	if b.ptr == nil {
		b.ptr = q
		b.last = q
	} else {
		b.last.next = q
		b.last = q
	}
	b.len++
	b.mu.Unlock()

	b.cond.Signal()
	return true
}

// pop must be called with mu held.
func (b *Buffer[T]) pop() (val T, ok bool) {
	if b.ptr == nil {
		return val, false
	}
	v := b.ptr.v
	b.ptr = b.ptr.next
	if b.ptr == nil {
		b.last = nil
	}
	b.len--
	return v, true
}

// Pull will block until it can pop an item from the buffer. It returns ok == false once the
// Buffer is closed and empty.
func (b *Buffer[T]) Pull() (val T, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		if v, ok := b.pop(); ok {
			return v, true
		}
		if b.closed {
			return val, false
		}
		b.cond.Wait()
	}
}

// Len returns the number of items waiting in the Buffer.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.len
}

// Close stops the Buffer from accepting new items and wakes everyone blocked in Pull(). Items
// already in the Buffer can still be removed.
func (b *Buffer[T]) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.cond.Broadcast()
}
