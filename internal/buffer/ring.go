// ABOUTME: Generic fixed-capacity ring buffer that overwrites the oldest entry when full.
// ABOUTME: Backs the bounded activity log; callers provide their own locking.

package buffer

// Ring keeps the most recent Cap() entries in insertion order.
type Ring[T any] struct {
	entries []T
	start   int
	count   int
}

// NewRing creates a ring holding at most size entries. Sizes below one are
// treated as one.
func NewRing[T any](size int) *Ring[T] {
	if size <= 0 {
		size = 1
	}
	return &Ring[T]{entries: make([]T, size)}
}

// Add appends entry, evicting the oldest entry when the ring is full.
// Returns the evicted entry and true when an eviction happened.
func (r *Ring[T]) Add(entry T) (evicted T, ok bool) {
	if r.count < len(r.entries) {
		r.entries[(r.start+r.count)%len(r.entries)] = entry
		r.count++
		return evicted, false
	}

	evicted = r.entries[r.start]
	r.entries[r.start] = entry
	r.start = (r.start + 1) % len(r.entries)
	return evicted, true
}

// Len returns the number of stored entries.
func (r *Ring[T]) Len() int {
	return r.count
}

// Cap returns the maximum number of entries.
func (r *Ring[T]) Cap() int {
	return len(r.entries)
}

// List returns a copy of the entries, oldest first.
func (r *Ring[T]) List() []T {
	out := make([]T, r.count)
	for i := range r.count {
		out[i] = r.entries[(r.start+i)%len(r.entries)]
	}
	return out
}
