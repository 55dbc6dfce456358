// Package ring provides a fixed-capacity FIFO that overwrites its oldest
// entry when full.
package ring

import (
	"context"
	"sync"
)

// DefaultCapacity is the number of frames an agent keeps.
const DefaultCapacity = 100

// Ring is safe for concurrent use. Every pushed value gets a sequence
// number; readers keep a cursor and never see an entry twice.
type Ring[T any] struct {
	mu     sync.Mutex
	buf    []T
	n      int
	head   uint64
	notify chan struct{}
}

// New creates a ring holding capacity values.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring[T]{
		buf:    make([]T, capacity),
		notify: make(chan struct{}),
	}
}

// Push appends v, overwriting the oldest value when full, and returns its
// sequence number.
func (r *Ring[T]) Push(v T) uint64 {
	r.mu.Lock()
	seq := r.head
	r.buf[seq%uint64(len(r.buf))] = v
	r.head++
	if r.n < len(r.buf) {
		r.n++
	}
	close(r.notify)
	r.notify = make(chan struct{})
	r.mu.Unlock()
	return seq
}

// Snapshot returns the retained values, oldest first.
func (r *Ring[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, 0, r.n)
	for s := r.head - uint64(r.n); s < r.head; s++ {
		out = append(out, r.buf[s%uint64(len(r.buf))])
	}
	return out
}

// Len returns the number of retained values.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// Cap returns the capacity.
func (r *Ring[T]) Cap() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// Head returns the sequence number the next Push will use. A cursor set to
// Head only sees values pushed afterwards.
func (r *Ring[T]) Head() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.head
}

// Clear drops every retained value. Sequence numbers keep increasing.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.n = 0
}

// Resize changes the capacity, keeping the most recent values that fit.
func (r *Ring[T]) Resize(capacity int) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	keep := r.n
	if keep > capacity {
		keep = capacity
	}
	nb := make([]T, capacity)
	for s := r.head - uint64(keep); s < r.head; s++ {
		nb[s%uint64(capacity)] = r.buf[s%uint64(len(r.buf))]
	}
	r.buf = nb
	r.n = keep
}

// Next returns the first value at or after cursor accepted by match (nil
// accepts everything), waiting for new pushes until ctx is done. It returns
// the cursor to use for the following call. A cursor that has fallen behind
// the oldest retained value skips forward.
func (r *Ring[T]) Next(ctx context.Context, cursor uint64, match func(T) bool) (T, uint64, error) {
	for {
		r.mu.Lock()
		oldest := r.head - uint64(r.n)
		if cursor < oldest {
			cursor = oldest
		}
		for ; cursor < r.head; cursor++ {
			v := r.buf[cursor%uint64(len(r.buf))]
			if match == nil || match(v) {
				r.mu.Unlock()
				return v, cursor + 1, nil
			}
		}
		wait := r.notify
		r.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			var zero T
			return zero, cursor, ctx.Err()
		}
	}
}
