// Package events provides the typed in-process event bus shared by the
// connectivity monitor, the synchronizer and the UI-facing bridges.
package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/siteworks/blockersync/internal/logging"
)

// Type identifies an event on the bus.
type Type string

const (
	ConnectionRestored Type = "connection-restored"
	ConnectionLost     Type = "connection-lost"
	SyncStart          Type = "sync-start"
	ManualSyncStart    Type = "manual-sync-start"
	SyncProgressed     Type = "sync-progress"
	SyncCompleted      Type = "sync-complete"
	SyncErrored        Type = "sync-error"
)

// SyncProgress is the payload of SyncProgressed.
type SyncProgress struct {
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
	Current   string `json:"current"`
}

// SyncComplete is the payload of SyncCompleted.
type SyncComplete struct {
	ItemsProcessed int       `json:"itemsProcessed"`
	ItemsFailed    int       `json:"itemsFailed"`
	Timestamp      time.Time `json:"timestamp"`
}

// SyncError is the payload of SyncErrored.
type SyncError struct {
	Err error `json:"-"`
}

// Event is what subscribers receive. Payload is nil for signal-only events
// (connection transitions, sync-start).
type Event struct {
	Type      Type
	Payload   any
	Timestamp time.Time
}

// Handler consumes a published event. Handlers run synchronously on the
// publisher's goroutine, in subscription order.
type Handler func(Event)

type subscription struct {
	id      int
	handler Handler
}

// Bus is a mutex-guarded publish/subscribe fan-out. A panicking handler is
// recovered and logged without affecting the other handlers.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[Type][]subscription
	log    *logging.Logger
}

// NewBus creates an event bus. A nil logger falls back to the global one.
func NewBus(log *logging.Logger) *Bus {
	if log == nil {
		log = logging.Get()
	}
	return &Bus{
		subs: make(map[Type][]subscription),
		log:  log,
	}
}

// Subscribe registers a handler for an event type and returns its
// unsubscribe function. Unsubscribing twice is harmless.
func (b *Bus) Subscribe(t Type, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[t] = append(b.subs[t], subscription{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[t]
		for i, s := range subs {
			if s.id == id {
				b.subs[t] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers the event to every subscriber of its type, in
// subscription order, on the calling goroutine.
func (b *Bus) Publish(t Type, payload any) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs[t]))
	copy(subs, b.subs[t])
	b.mu.RUnlock()

	ev := Event{Type: t, Payload: payload, Timestamp: time.Now()}
	for _, s := range subs {
		b.deliver(s, ev)
	}
}

// deliver runs one handler, isolating panics so a misbehaving subscriber
// cannot break the others or the publisher.
func (b *Bus) deliver(s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event subscriber panicked", fmt.Errorf("%v", r),
				map[string]any{"event": string(ev.Type)})
		}
	}()
	s.handler(ev)
}

// SubscriberCount returns the number of handlers for an event type.
func (b *Bus) SubscriberCount(t Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[t])
}
