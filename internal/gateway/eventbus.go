package gateway

import (
	"sync"
	"time"
)

// EventType classifies an event for WebSocket clients.
type EventType string

const (
	EventMessage      EventType = "message"
	EventNodeUpdate   EventType = "node_update"
	EventStatus       EventType = "status"
	EventConversation EventType = "conversation"
)

// Event is the JSON envelope broadcast to WebSocket clients.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

type subscriber struct {
	ch chan Event
}

// EventBus fans events out to every registered client. Subscribers are
// channel based so the bus stays independent of the WebSocket layer.
type EventBus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
	size int
}

// NewEventBus constructs a ready EventBus whose subscribers buffer size
// events.
func NewEventBus(size int) *EventBus {
	if size <= 0 {
		size = 64
	}
	return &EventBus{subs: make(map[*subscriber]struct{}), size: size}
}

// Subscribe registers a client. The returned function unsubscribes and
// closes the channel; it is safe to call more than once.
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, b.size)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, unsub
}

// Publish sends e to all current subscribers. A subscriber whose buffer is
// full misses the event; history is available over REST.
func (b *EventBus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Len returns the current subscriber count.
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
