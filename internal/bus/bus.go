// Package bus implements the in-process event bus carrying connection state
// changes and newly ingested samples to subscribers (UI, analytics) without
// coupling the engine to any consumer.
//
// Publish never blocks: each subscriber has a buffered channel and events
// are dropped (and counted) when a subscriber falls behind. Events for one
// device are delivered in publish order; no ordering is promised across
// devices.
package bus

import (
	"log/slog"
	"sync"

	"github.com/wearsync/wearsync/internal/model"
)

// DefaultBuffer is the subscriber channel capacity used when Subscribe is
// called with a non-positive buffer.
const DefaultBuffer = 64

// Subscription is one subscriber's view of the bus. Receive from C; call
// Cancel when done. C is closed after Cancel (or Bus.Close) once any
// in-flight publish completes.
type Subscription struct {
	C      <-chan model.Event
	bus    *Bus
	id     int
	ch     chan model.Event
	closed bool
}

// Cancel removes the subscription and closes C. Safe to call twice.
func (s *Subscription) Cancel() {
	s.bus.cancel(s)
}

// Bus is the publish side. Create one with [New].
type Bus struct {
	mu      sync.Mutex
	subs    map[int]*Subscription
	nextID  int
	dropped uint64
	log     *slog.Logger
}

// New creates an empty bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{subs: make(map[int]*Subscription), log: logger}
}

// Subscribe registers a new subscriber with the given channel buffer
// (DefaultBuffer when buffer <= 0).
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan model.Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{C: ch, bus: b, id: b.nextID, ch: ch}
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers ev to every subscriber. Slow subscribers lose the event
// rather than blocking the ingestion hot path.
func (b *Bus) Publish(ev model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			b.dropped++
			if b.dropped == 1 || b.dropped%1000 == 0 {
				b.log.Warn("event bus dropping events for slow subscriber",
					"dropped_total", b.dropped)
			}
		}
	}
}

// Dropped returns the total number of events dropped across all subscribers.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close cancels every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		b.cancel(s)
	}
}

func (b *Bus) cancel(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(b.subs, s.id)
	close(s.ch)
}
