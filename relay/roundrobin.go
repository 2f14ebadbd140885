package relay

import (
	"errors"
	"sync/atomic"
)

// RoundRobin hands out the elements of a fixed, non-empty slice in circular order. It is safe
// for concurrent use.
type RoundRobin[T any] struct {
	items []T
	next  uint64
}

// NewRoundRobin is the constructor for RoundRobin. items must not be empty and must not be
// changed afterwards.
func NewRoundRobin[T any](items []T) (*RoundRobin[T], error) {
	if len(items) == 0 {
		return nil, errors.New("RoundRobin needs at least one item")
	}
	return &RoundRobin[T]{items: items}, nil
}

// Next returns the next element. It never runs out: after the last element comes the first.
func (r *RoundRobin[T]) Next() T {
	i := atomic.AddUint64(&r.next, 1) - 1
	return r.items[i%uint64(len(r.items))]
}

// Len returns the number of elements being cycled through.
func (r *RoundRobin[T]) Len() int {
	return len(r.items)
}
