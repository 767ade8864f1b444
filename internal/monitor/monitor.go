// Package monitor implements live subscriptions: a caller registers a
// group of filters and receives note_keys for every future write that
// matches, fed by the writer's post-commit hook and drained through a
// blocking wait call.
package monitor

import (
	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/damus-io/nostrdb-go/internal/note"
	"github.com/damus-io/nostrdb-go/internal/query"
	"github.com/damus-io/nostrdb-go/internal/queue"
	"github.com/damus-io/nostrdb-go/internal/writer"
)

// MaxSubscriptions bounds the number of live subscriptions at once.
const MaxSubscriptions = 32

// MaxFilters bounds the number of filters one subscription may carry.
const MaxFilters = 16

// ErrTooManySubscriptions is returned once MaxSubscriptions are live.
var ErrTooManySubscriptions = errors.New("monitor: too many subscriptions")

// ErrTooManyFilters is returned when a subscription would exceed MaxFilters.
var ErrTooManyFilters = errors.New("monitor: too many filters")

const subInboxCapacity = 4096

type subscription struct {
	id      uint64
	filters []*query.Filter
	inbox   *queue.Queue
}

// Monitor owns the set of live subscriptions and is the writer's
// onCommit callback target.
type Monitor struct {
	mu     chan struct{} // binary semaphore; guards subs and nextID
	subs   map[uint64]*subscription
	nextID uint64
}

// New returns an empty Monitor.
func New() *Monitor {
	m := &Monitor{mu: make(chan struct{}, 1), subs: make(map[uint64]*subscription)}
	m.mu <- struct{}{}
	return m
}

func (m *Monitor) lock()   { <-m.mu }
func (m *Monitor) unlock() { m.mu <- struct{}{} }

// Subscribe registers filters as one subscription and returns its id.
// filters is copied in; the caller's slice is not retained.
func (m *Monitor) Subscribe(filters []*query.Filter) (uint64, error) {
	if len(filters) > MaxFilters {
		return 0, ErrTooManyFilters
	}
	m.lock()
	defer m.unlock()
	if len(m.subs) >= MaxSubscriptions {
		return 0, ErrTooManySubscriptions
	}
	m.nextID++
	id := m.nextID
	cp := make([]*query.Filter, len(filters))
	for i, f := range filters {
		fc := *f
		fc.IDs = append([][32]byte(nil), f.IDs...)
		fc.Authors = append([][32]byte(nil), f.Authors...)
		fc.Kinds = append([]uint64(nil), f.Kinds...)
		fc.Close()
		cp[i] = &fc
	}
	m.subs[id] = &subscription{id: id, filters: cp, inbox: queue.New(subInboxCapacity)}
	return id, nil
}

// Unsubscribe removes a subscription; a wait_for_notes call already
// blocked on it is released by closing its inbox.
func (m *Monitor) Unsubscribe(id uint64) {
	m.lock()
	defer m.unlock()
	if sub, ok := m.subs[id]; ok {
		sub.inbox.Close()
		delete(m.subs, id)
	}
}

// WaitForNotes blocks until at least one note_key is available for
// subid, then returns up to cap of them.
func (m *Monitor) WaitForNotes(subid uint64, capacity int) ([]uint64, error) {
	m.lock()
	sub, ok := m.subs[subid]
	m.unlock()
	if !ok {
		return nil, errors.New("monitor: unknown subscription")
	}
	items := sub.inbox.PopN(capacity)
	out := make([]uint64, 0, len(items))
	for _, it := range items {
		out = append(out, it.(uint64))
	}
	return out, nil
}

// OnCommit is wired as the writer's post-commit callback: for every
// note written in the batch it tests every live subscription's filter
// group and pushes the note_key into any subscription that matches.
// Push failures (a full inbox) are logged and dropped, not retried.
func (m *Monitor) OnCommit(written []writer.WrittenNote) {
	m.lock()
	subs := make([]*subscription, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.unlock()

	for _, n := range written {
		for _, sub := range subs {
			if matchesAny(sub.filters, n.Record) {
				if !sub.inbox.TryPush(n.NoteKey) {
					glog.Warningf("monitor: subscription %d inbox full, dropping note_key %d", sub.id, n.NoteKey)
				}
			}
		}
	}
}

func matchesAny(filters []*query.Filter, rec note.Record) bool {
	for _, f := range filters {
		if f.Matches(rec) {
			return true
		}
	}
	return false
}
