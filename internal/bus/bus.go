// Package bus provides the typed topic-based publish/subscribe fabric
// connecting channels, the agent loop, and the transport layer.
package bus

import (
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
)

// Handler receives every event emitted on a subscribed topic.
type Handler func(Event)

// Event pairs a topic with its typed payload (one of the payload structs
// in types.go).
type Event struct {
	Topic   Topic
	Payload any
}

type subscription struct {
	id      int
	handler Handler
}

// Bus dispatches events synchronously to handlers in registration order.
// Handler panics are caught and logged so sibling handlers still run.
// Safe for concurrent use; each emission iterates a snapshot of handlers,
// so subscriptions added or removed during dispatch take effect on the
// next emission.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic][]subscription
	nextID int
}

func New() *Bus {
	return &Bus{subs: make(map[Topic][]subscription)}
}

// Subscribe registers a handler for a topic and returns a subscription id
// usable with Unsubscribe.
func (b *Bus) Subscribe(topic Topic, h Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: h})
	return id
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (b *Bus) Unsubscribe(topic Topic, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[topic]
	for i, s := range subs {
		if s.id == id {
			b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// ListenerCount returns the number of handlers registered for a topic.
func (b *Bus) ListenerCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Topics returns all topics that currently have at least one listener.
func (b *Bus) Topics() []Topic {
	b.mu.RLock()
	defer b.mu.RUnlock()

	topics := make([]Topic, 0, len(b.subs))
	for t, subs := range b.subs {
		if len(subs) > 0 {
			topics = append(topics, t)
		}
	}
	sort.Slice(topics, func(i, j int) bool { return topics[i] < topics[j] })
	return topics
}

// Emit invokes every handler registered for the topic, in registration
// order, synchronously relative to the caller.
func (b *Bus) Emit(topic Topic, payload any) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs[topic]))
	copy(subs, b.subs[topic])
	b.mu.RUnlock()

	ev := Event{Topic: topic, Payload: payload}
	for _, s := range subs {
		b.safeDispatch(topic, s, ev)
	}
}

func (b *Bus) safeDispatch(topic Topic, s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bus handler panic",
				"topic", topic, "subscription", s.id,
				"panic", r, "stack", string(debug.Stack()))
		}
	}()
	s.handler(ev)
}
