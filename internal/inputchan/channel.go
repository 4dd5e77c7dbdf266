// ABOUTME: Unbounded FIFO message stream that a producer keeps feeding while a consumer reads.
// ABOUTME: Feeds follow-up directives and notifications into a long-running engine call.

package inputchan

import (
	"context"
	"iter"
	"sync"
)

// Channel is an unbounded, single-consumer FIFO. Push never blocks. After End,
// the consumer drains whatever is queued and then observes end-of-stream.
type Channel[T any] struct {
	mu     sync.Mutex
	queue  []T
	ended  bool
	notify chan struct{}
}

// New creates an open, empty Channel.
func New[T any]() *Channel[T] {
	return &Channel[T]{notify: make(chan struct{}, 1)}
}

// Push appends v to the queue. Returns false, dropping v, once the channel
// has ended.
func (c *Channel[T]) Push(v T) bool {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return false
	}
	c.queue = append(c.queue, v)
	c.mu.Unlock()

	c.signal()
	return true
}

// End marks the stream finished. Items already queued are still delivered.
// Calling End more than once is a no-op.
func (c *Channel[T]) End() {
	c.mu.Lock()
	c.ended = true
	c.mu.Unlock()

	c.signal()
}

// Ended reports whether End has been called.
func (c *Channel[T]) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

// Len returns the number of queued, unconsumed items.
func (c *Channel[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Next returns the oldest queued item, blocking while the queue is empty and
// the channel is open. ok is false at end-of-stream.
func (c *Channel[T]) Next(ctx context.Context) (v T, ok bool, err error) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			v = c.queue[0]
			var zero T
			c.queue[0] = zero
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return v, true, nil
		}
		if c.ended {
			c.mu.Unlock()
			return v, false, nil
		}
		c.mu.Unlock()

		select {
		case <-c.notify:
		case <-ctx.Done():
			return v, false, ctx.Err()
		}
	}
}

// All yields items in order until end-of-stream or ctx is done.
func (c *Channel[T]) All(ctx context.Context) iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			v, ok, err := c.Next(ctx)
			if err != nil || !ok {
				return
			}
			if !yield(v) {
				return
			}
		}
	}
}

func (c *Channel[T]) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}
