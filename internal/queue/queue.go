// Package queue implements a bounded, mutex+condvar-guarded ring
// buffer used as the handoff primitive between callers and ingester
// workers, and between ingester workers and the writer.
package queue

import (
	"sync"

	"github.com/deso-protocol/go-deadlock"
)

// Queue is a bounded FIFO of arbitrary items, safe for many producers
// and one consumer (the writer inbox) or one producer and one consumer
// (an ingester's inbox).
type Queue struct {
	mu       deadlock.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    []interface{}
	cap      int
	closed   bool
}

// New returns a Queue bounded to capacity items.
func New(capacity int) *Queue {
	q := &Queue{items: make([]interface{}, 0, capacity), cap: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Push blocks until there is room for item, then appends it.
func (q *Queue) Push(item interface{}) bool {
	return q.PushAll([]interface{}{item})
}

// PushAll appends items atomically, as one batch, blocking while the
// queue is already full. Returns false if the queue was closed before
// room became available.
func (q *Queue) PushAll(items []interface{}) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.closed && q.cap > 0 && len(q.items) >= q.cap {
		q.notFull.Wait()
	}
	if q.closed {
		return false
	}
	q.items = append(q.items, items...)
	q.notEmpty.Signal()
	return true
}

// TryPush appends item only if there is room right now, without
// blocking; used by the monitor, where a full inbox is logged and the
// notification dropped rather than stalling the writer.
func (q *Queue) TryPush(item interface{}) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || (q.cap > 0 && len(q.items) >= q.cap) {
		return false
	}
	q.items = append(q.items, item)
	q.notEmpty.Signal()
	return true
}

// TryPopAll drains everything currently queued without blocking.
func (q *Queue) TryPopAll() []interface{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	out := q.items
	q.items = make([]interface{}, 0, q.cap)
	q.notFull.Broadcast()
	return out
}

// PopAll blocks until at least one item is queued (or the queue is
// closed), then drains and returns everything present.
func (q *Queue) PopAll() []interface{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.items) == 0 {
		return nil
	}
	out := q.items
	q.items = make([]interface{}, 0, q.cap)
	q.notFull.Broadcast()
	return out
}

// PopN blocks until at least one item is queued (or the queue is
// closed), then drains and returns at most n of them; n <= 0 means
// unbounded, same as PopAll. Anything left over stays queued for the
// next Pop call instead of being discarded.
func (q *Queue) PopN(n int) []interface{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.items) == 0 {
		return nil
	}
	if n <= 0 || n >= len(q.items) {
		out := q.items
		q.items = make([]interface{}, 0, q.cap)
		q.notFull.Broadcast()
		return out
	}
	out := make([]interface{}, n)
	copy(out, q.items[:n])
	rest := make([]interface{}, len(q.items)-n)
	copy(rest, q.items[n:])
	q.items = rest
	q.notFull.Broadcast()
	return out
}

// Close marks the queue closed; blocked and future Push/PopAll calls
// return immediately. A worker draining a closed queue should finish
// processing whatever PopAll still returns before exiting.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Len reports the current queue depth, used by stats/tests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
