// ABOUTME: Suspend/resume bridge that parks a waiter under a key until an answer arrives.
// ABOUTME: Used to turn an engine's blocking human-input request into an operator round trip.

package bridge

import (
	"context"
	"errors"
	"sync"
)

// ErrDuplicateKey is returned by Register when the key already has a live waiter.
var ErrDuplicateKey = errors.New("key already registered")

// ErrCanceled is returned from Wait when the registration was cancelled
// before a value was delivered.
var ErrCanceled = errors.New("registration canceled")

// Bridge correlates keys with parked waiters. Each key resolves at most once;
// after resolution or cancellation the key is forgotten.
type Bridge[T any] struct {
	mu      sync.Mutex
	pending map[string]*Handle[T]
}

// Handle is the wait side of a registration.
type Handle[T any] struct {
	key    string
	bridge *Bridge[T]
	ch     chan T
	done   chan struct{}
	once   sync.Once
}

// New creates an empty Bridge.
func New[T any]() *Bridge[T] {
	return &Bridge[T]{pending: make(map[string]*Handle[T])}
}

// Register parks a new waiter under key.
func (b *Bridge[T]) Register(key string) (*Handle[T], error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.pending[key]; exists {
		return nil, ErrDuplicateKey
	}
	h := &Handle[T]{
		key:    key,
		bridge: b,
		ch:     make(chan T, 1),
		done:   make(chan struct{}),
	}
	b.pending[key] = h
	return h, nil
}

// Resolve delivers value to the waiter registered under key and removes the
// key. Returns false if the key is unknown or was already resolved.
func (b *Bridge[T]) Resolve(key string, value T) bool {
	b.mu.Lock()
	h, ok := b.pending[key]
	if ok {
		delete(b.pending, key)
	}
	b.mu.Unlock()

	if !ok {
		return false
	}
	// Buffered with capacity 1 and only ever written once.
	h.ch <- value
	return true
}

// Cancel removes the registration under key and wakes its waiter with
// ErrCanceled. Returns false if the key is unknown.
func (b *Bridge[T]) Cancel(key string) bool {
	b.mu.Lock()
	h, ok := b.pending[key]
	if ok {
		delete(b.pending, key)
	}
	b.mu.Unlock()

	if ok {
		h.cancel()
	}
	return ok
}

// Has reports whether key currently has a live waiter.
func (b *Bridge[T]) Has(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pending[key]
	return ok
}

// Pending returns the number of live registrations.
func (b *Bridge[T]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Key returns the key this handle was registered under.
func (h *Handle[T]) Key() string {
	return h.key
}

// Wait blocks until a value is delivered, the registration is cancelled, or
// ctx is done. A context exit also forgets the key so a late Resolve
// reports false.
func (h *Handle[T]) Wait(ctx context.Context) (T, error) {
	var zero T
	select {
	case v := <-h.ch:
		return v, nil
	case <-h.done:
		// A resolve may have raced the cancel; prefer the value.
		select {
		case v := <-h.ch:
			return v, nil
		default:
		}
		return zero, ErrCanceled
	case <-ctx.Done():
		h.bridge.forget(h)
		select {
		case v := <-h.ch:
			return v, nil
		default:
		}
		return zero, ctx.Err()
	}
}

func (h *Handle[T]) cancel() {
	h.once.Do(func() { close(h.done) })
}

// forget drops h from the pending map if it is still the live registration.
func (b *Bridge[T]) forget(h *Handle[T]) {
	b.mu.Lock()
	if cur, ok := b.pending[h.key]; ok && cur == h {
		delete(b.pending, h.key)
	}
	b.mu.Unlock()
}
