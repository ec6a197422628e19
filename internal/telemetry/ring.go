package telemetry

import "sync"

// Ring is a fixed-capacity FIFO buffer. When full, Add evicts the oldest item.
type Ring[T any] struct {
	mu    sync.RWMutex
	items []T
	head  int // next write position
	size  int
}

// NewRing creates a ring buffer. Non-positive capacities default to 100.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 100
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Add appends item, evicting the oldest when full.
func (r *Ring[T]) Add(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items[r.head] = item
	r.head = (r.head + 1) % len(r.items)
	if r.size < len(r.items) {
		r.size++
	}
}

// Items returns the buffered items, oldest first. Never nil.
func (r *Ring[T]) Items() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, r.size)
	if r.size < len(r.items) {
		copy(out, r.items[:r.size])
		return out
	}
	n := copy(out, r.items[r.head:])
	copy(out[n:], r.items[:r.head])
	return out
}

// Len returns the number of buffered items.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}
