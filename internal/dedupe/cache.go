// ABOUTME: TTL and size bounded window of recently seen command request IDs.
// ABOUTME: Lets operator clients retry commands after a reconnect without applying them twice.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	id     string
	seenAt time.Time
}

// Window remembers request IDs for a fixed TTL. Every ID shares the same TTL,
// so insertion order is also expiry order and both eviction and expiry pop
// from the front of the list.
type Window struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a Window. A background goroutine sweeps expired IDs until
// Close is called.
func New(ttl time.Duration, maxSize int) *Window {
	if maxSize <= 0 {
		maxSize = 1
	}
	w := &Window{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go w.sweepLoop()
	return w
}

// Seen reports whether id was recorded within the TTL. An unseen (or
// expired) id is recorded and false is returned, so exactly one of several
// concurrent callers with the same id gets false.
func (w *Window) Seen(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.expireLocked(now)
	if _, ok := w.index[id]; ok {
		return true
	}
	if w.order.Len() >= w.maxSize {
		w.removeLocked(w.order.Front())
	}
	w.index[id] = w.order.PushBack(&entry{id: id, seenAt: now})
	return false
}

// Forget drops id so a retry with the same id is accepted again. Used when a
// command was rejected before it took effect.
func (w *Window) Forget(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if el, ok := w.index[id]; ok {
		w.removeLocked(el)
	}
}

// Len returns the number of remembered IDs, including any not yet swept.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.order.Len()
}

// Close stops the sweeper. Safe to call more than once.
func (w *Window) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.done)
	}
}

func (w *Window) sweepLoop() {
	interval := w.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.mu.Lock()
			w.expireLocked(w.now())
			w.mu.Unlock()
		case <-w.done:
			return
		}
	}
}

func (w *Window) expireLocked(now time.Time) {
	for el := w.order.Front(); el != nil; el = w.order.Front() {
		if now.Sub(el.Value.(*entry).seenAt) < w.ttl {
			return
		}
		w.removeLocked(el)
	}
}

func (w *Window) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	w.order.Remove(el)
	delete(w.index, el.Value.(*entry).id)
}
