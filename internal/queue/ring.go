// Package queue provides the bounded hand-off used between pipeline stages.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Pop once the ring is closed and empty.
var ErrClosed = errors.New("queue: closed")

// Ring is a fixed-capacity FIFO that never blocks its producer. When full,
// Push evicts the oldest element to admit the newest one. Consumers block in
// Pop until an element arrives, the ring is closed, or their context ends.
type Ring[T any] struct {
	mu     sync.Mutex
	buf    []T
	head   int // index of the oldest element
	n      int
	closed bool
	ready  chan struct{} // signalled (non-blocking) on every push
	done   chan struct{} // closed by Close

	dropped atomic.Uint64
}

// NewRing returns a ring holding at most capacity elements. Capacities below
// one are raised to one.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{
		buf:   make([]T, capacity),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Push appends v. If the ring is full the oldest element is removed and
// returned with evicted=true so the caller can release it. Pushing to a
// closed ring returns v itself as evicted.
func (r *Ring[T]) Push(v T) (old T, evicted bool) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.dropped.Add(1)
		return v, true
	}
	if r.n == len(r.buf) {
		old = r.buf[r.head]
		var zero T
		r.buf[r.head] = zero
		r.head = (r.head + 1) % len(r.buf)
		r.n--
		evicted = true
		r.dropped.Add(1)
	}
	r.buf[(r.head+r.n)%len(r.buf)] = v
	r.n++
	r.mu.Unlock()

	select {
	case r.ready <- struct{}{}:
	default:
	}
	return old, evicted
}

// TryPop removes the oldest element without blocking.
func (r *Ring[T]) TryPop() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.popLocked()
}

func (r *Ring[T]) popLocked() (T, bool) {
	var zero T
	if r.n == 0 {
		return zero, false
	}
	v := r.buf[r.head]
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.n--
	return v, true
}

// Pop removes the oldest element, waiting for one if the ring is empty.
// Elements still buffered when the ring is closed are returned before
// ErrClosed.
func (r *Ring[T]) Pop(ctx context.Context) (T, error) {
	for {
		r.mu.Lock()
		v, ok := r.popLocked()
		closed := r.closed
		r.mu.Unlock()
		if ok {
			return v, nil
		}
		if closed {
			var zero T
			return zero, ErrClosed
		}
		select {
		case <-r.ready:
		case <-r.done:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// Drain removes and returns every buffered element.
func (r *Ring[T]) Drain() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, 0, r.n)
	for {
		v, ok := r.popLocked()
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

// Close stops the ring from accepting elements and wakes blocked consumers.
// It is safe to call more than once.
func (r *Ring[T]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.done)
	}
}

// Len returns the number of buffered elements. It never exceeds Cap.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Dropped returns how many elements were evicted or refused.
func (r *Ring[T]) Dropped() uint64 { return r.dropped.Load() }
