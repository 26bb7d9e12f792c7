package feed

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscriber channel depth.
const DefaultBuffer = 64

// Filter narrows a subscription. Zero values match everything, so
// {Table: "candidates"} receives candidate changes for all elections and
// {ElectionID: id} receives every table for one election.
type Filter struct {
	Table      string
	ElectionID string
}

func (f Filter) matches(e Event) bool {
	if f.Table != "" && f.Table != e.Table {
		return false
	}
	if f.ElectionID != "" && f.ElectionID != e.ElectionID() {
		return false
	}
	return true
}

// Subscription is one subscriber's event stream. Close unsubscribes
// without side effects; events published after Close are not delivered.
type Subscription struct {
	C      <-chan Event
	ch     chan Event
	filter Filter
	bus    *Bus
	id     uint64
}

func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
}

// Bus fans committed change events out to subscribers. Publishing never
// blocks: a subscriber whose buffer is full loses the event, which is
// safe because every event is replaceable state and the subscriber
// re-reads current state on reconnect. Events for the same row reach a
// given subscriber in publish order.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	logger *slog.Logger

	dropped atomic.Uint64
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		logger: logger,
	}
}

func (b *Bus) Subscribe(filter Filter, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	ch := make(chan Event, buffer)
	sub := &Subscription{
		C:      ch,
		ch:     ch,
		filter: filter,
		bus:    b,
		id:     b.nextID,
	}
	b.subs[sub.id] = sub
	return sub
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Publish delivers an event to every matching subscriber.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !sub.filter.matches(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
			b.logger.Warn("subscriber buffer full, dropping event",
				"table", e.Table, "op", string(e.Op))
		}
	}
}

// SubscriberCount reports the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped reports how many events were lost to full subscriber buffers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
