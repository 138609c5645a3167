// Package buffer provides a small thread-safe ring buffer with drop-oldest
// overflow semantics, used as the per-subscriber send queue in outputs.
// A slow subscriber loses its oldest queued messages rather than stalling
// the producer.
package buffer

import (
	"sync"

	"github.com/AdamNotts/planefinder-kml/errors"
)

// Ring is a fixed-capacity FIFO. When full, pushing drops the oldest item.
type Ring[T any] struct {
	mu      sync.Mutex
	items   []T
	head    int
	size    int
	dropped int64
}

// NewRing creates a ring with the given capacity.
func NewRing[T any](capacity int) (*Ring[T], error) {
	if capacity <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig,
			"buffer", "NewRing", "capacity must be positive")
	}
	return &Ring[T]{items: make([]T, capacity)}, nil
}

// Push appends v. It returns false if an old item was dropped to make room.
func (r *Ring[T]) Push(v T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == len(r.items) {
		// Overwrite the oldest item.
		r.items[r.head] = v
		r.head = (r.head + 1) % len(r.items)
		r.dropped++
		return false
	}

	r.items[(r.head+r.size)%len(r.items)] = v
	r.size++
	return true
}

// Pop removes and returns the oldest item.
func (r *Ring[T]) Pop() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}

	v := r.items[r.head]
	r.items[r.head] = zero // release reference
	r.head = (r.head + 1) % len(r.items)
	r.size--
	return v, true
}

// PopBatch removes and returns up to max oldest items in FIFO order.
func (r *Ring[T]) PopBatch(max int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if max > r.size {
		max = r.size
	}
	if max <= 0 {
		return nil
	}

	var zero T
	batch := make([]T, 0, max)
	for i := 0; i < max; i++ {
		batch = append(batch, r.items[r.head])
		r.items[r.head] = zero
		r.head = (r.head + 1) % len(r.items)
	}
	r.size -= max
	return batch
}

// Len returns the number of buffered items.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Dropped returns the total number of items discarded on overflow.
func (r *Ring[T]) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
