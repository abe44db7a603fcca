// Package events implements the in-process event bus: ordered,
// best-effort publish/subscribe for kernel lifecycle events. Slow
// subscribers never block publishers; their queues drop the oldest
// entries and receive a BUS_OVERFLOW notice instead.
package events

import (
	"sync"
	"time"

	"github.com/sindri-dev/sindri/pkg/types"
)

// DefaultQueueSize is the per-subscriber queue depth used when the
// subscriber does not ask for one.
const DefaultQueueSize = 256

type subscriber struct {
	ch     chan types.Event
	filter map[types.EventType]bool

	// dropped counts events discarded since the last overflow notice.
	dropped uint64
}

func (s *subscriber) wants(ev types.Event) bool {
	if len(s.filter) == 0 {
		return true
	}
	return s.filter[ev.Type]
}

// Bus is the in-process event bus. Events carrying the same task id are
// delivered to every subscriber in publication order; cross-task order
// is not guaranteed. Delivery is best-effort and never persists.
type Bus struct {
	mu        sync.Mutex
	seq       uint64
	nextSubID uint64
	subs      map[uint64]*subscriber
	queueSize int
	closed    bool
}

// NewBus constructs a bus. queueSize bounds each subscriber's queue;
// zero or negative selects DefaultQueueSize.
func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		subs:      make(map[uint64]*subscriber),
		queueSize: queueSize,
	}
}

// Publish stamps the event with the next process sequence number and
// fans it out. Publish never blocks: full subscriber queues drop their
// oldest entry to admit the new one.
func (b *Bus) Publish(ev types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	b.seq++
	ev.Seq = b.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	for _, sub := range b.subs {
		b.deliver(sub, ev)
	}
}

// Emit is shorthand for Publish(types.NewEvent(...)).
func (b *Bus) Emit(t types.EventType, taskID string, payload map[string]any) {
	b.Publish(types.NewEvent(t, taskID, payload))
}

// deliver enqueues the event for one subscriber, applying the filter,
// the drop-oldest policy, and pending overflow notices. Caller holds
// b.mu.
func (b *Bus) deliver(sub *subscriber, ev types.Event) {
	if !sub.wants(ev) {
		return
	}

	// A subscriber that previously overflowed learns about the gap
	// before receiving anything newer. The notice bypasses the filter.
	if sub.dropped > 0 && len(sub.ch) < cap(sub.ch) {
		b.seq++
		notice := types.Event{
			Type:      types.EventBusOverflow,
			Seq:       b.seq,
			Timestamp: time.Now().UTC(),
			Payload:   map[string]any{"dropped": sub.dropped},
		}
		select {
		case sub.ch <- notice:
			sub.dropped = 0
		default:
		}
	}

	select {
	case sub.ch <- ev:
		return
	default:
	}

	// Queue full: discard the oldest entry to make room.
	select {
	case <-sub.ch:
		sub.dropped++
	default:
	}
	select {
	case sub.ch <- ev:
	default:
		sub.dropped++
	}
}

// Subscribe registers a subscriber. An empty filter receives every
// event; otherwise only the listed types are delivered (BUS_OVERFLOW
// notices are always delivered). The returned cancel function
// unregisters the subscriber and closes its channel; it is safe to call
// more than once.
func (b *Bus) Subscribe(queueSize int, filter ...types.EventType) (<-chan types.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if queueSize <= 0 {
		queueSize = b.queueSize
	}
	sub := &subscriber{ch: make(chan types.Event, queueSize)}
	if len(filter) > 0 {
		sub.filter = make(map[types.EventType]bool, len(filter))
		for _, t := range filter {
			sub.filter[t] = true
		}
	}

	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}

	id := b.nextSubID
	b.nextSubID++
	b.subs[id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// SubscriberCount reports how many subscribers are registered.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close shuts the bus down: all subscriber channels are closed and
// later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
