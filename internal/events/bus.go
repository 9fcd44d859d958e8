package events

import (
	"sync"
)

// Subscription is a handle to a bus subscription. Events arrive on C() in
// publish order for the subscribed type.
type Subscription struct {
	eventType string // empty means all types
	ch        chan Event
}

// C returns the receive channel for this subscription.
func (s *Subscription) C() <-chan Event { return s.ch }

// Bus is a channel-based pub-sub fabric. Each event type is its own topic:
// delivery is FIFO per type per subscriber, with no ordering guarantee
// across types. Publishing never blocks the caller.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]*Subscription // event type -> subscribers
	allSubs []*Subscription            // subscribers to every type
	closed  bool
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string][]*Subscription),
	}
}

// Subscribe registers for a single event type.
// bufSize determines the channel buffer size (defaults to 256 if <= 0).
func (b *Bus) Subscribe(eventType string, bufSize int) *Subscription {
	if bufSize <= 0 {
		bufSize = 256
	}
	sub := &Subscription{eventType: eventType, ch: make(chan Event, bufSize)}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(sub.ch)
		return sub
	}

	b.subs[eventType] = append(b.subs[eventType], sub)
	return sub
}

// SubscribeAll registers for every event type on one channel. Intended for
// audit trails and metrics taps that must see the whole stream.
func (b *Bus) SubscribeAll(bufSize int) *Subscription {
	if bufSize <= 0 {
		bufSize = 256
	}
	sub := &Subscription{ch: make(chan Event, bufSize)}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(sub.ch)
		return sub
	}

	b.allSubs = append(b.allSubs, sub)
	return sub
}

// Unsubscribe removes a subscription and closes its channel. Safe to call
// on an already-removed subscription.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	removed := false
	if sub.eventType == "" {
		b.allSubs, removed = removeSub(b.allSubs, sub)
	} else {
		b.subs[sub.eventType], removed = removeSub(b.subs[sub.eventType], sub)
	}
	if removed {
		close(sub.ch)
	}
}

func removeSub(subs []*Subscription, target *Subscription) ([]*Subscription, bool) {
	for i, s := range subs {
		if s == target {
			return append(subs[:i], subs[i+1:]...), true
		}
	}
	return subs, false
}

// Publish delivers an event to subscribers of its type and to all-type
// subscribers. Non-blocking: a full subscriber channel drops the event for
// that subscriber only.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs[event.EventType()] {
		select {
		case sub.ch <- event:
		default:
			// Channel full, drop for this subscriber
		}
	}

	for _, sub := range b.allSubs {
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// Close closes the bus and all subscriber channels. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, subs := range b.subs {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	for _, sub := range b.allSubs {
		close(sub.ch)
	}
}
