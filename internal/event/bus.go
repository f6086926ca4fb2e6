// ============================================================================
// Beaver-Flow Event Bus - fire-and-forget pub/sub
// ============================================================================
//
// Package: internal/event
// File: bus.go
// Function: Decouples the monitor, orchestrator, chunk processor and worker
//           pool. Producers publish typed events, any number of independent
//           listeners observe them.
//
// Delivery:
//   - Handlers run synchronously on the publisher's goroutine, in
//     registration order (type-specific first, then wildcard).
//   - A panicking handler is recovered and logged; remaining handlers
//     still receive the event.
//   - Publishing never returns an error to the producer.
//
// ============================================================================

package event

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

var log = slog.Default()

// Handler handles one published event
type Handler func(Event)

type subscription struct {
	id        string
	eventType string
	handler   Handler
}

// Bus synchronous publish/subscribe dispatcher, safe for concurrent use
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[string][]subscription // eventType -> subscriptions
	nextID        atomic.Uint64
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{
		subscriptions: make(map[string][]subscription),
	}
}

// Subscribe registers handler for eventType and returns the subscription ID
func (b *Bus) Subscribe(eventType string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := fmt.Sprintf("sub-%d", b.nextID.Add(1))
	b.subscriptions[eventType] = append(b.subscriptions[eventType], subscription{
		id:        id,
		eventType: eventType,
		handler:   handler,
	})
	return id
}

// SubscribeAll registers handler for every event type
func (b *Bus) SubscribeAll(handler Handler) string {
	return b.Subscribe(wildcard, handler)
}

// Unsubscribe removes a subscription, reporting whether it existed
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscriptions {
		for i, sub := range subs {
			if sub.id == id {
				b.subscriptions[eventType] = append(subs[:i:i], subs[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Publish dispatches e to its type-specific handlers, then wildcard handlers
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}

	b.mu.RLock()
	specific := append([]subscription(nil), b.subscriptions[e.EventType()]...)
	wild := append([]subscription(nil), b.subscriptions[wildcard]...)
	b.mu.RUnlock()

	for _, sub := range specific {
		b.safeCall(sub.handler, e)
	}
	for _, sub := range wild {
		b.safeCall(sub.handler, e)
	}
}

func (b *Bus) safeCall(handler Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Event handler panicked",
				"event", e.EventType(),
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	handler(e)
}

// SubscriptionCount total number of active subscriptions
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, subs := range b.subscriptions {
		count += len(subs)
	}
	return count
}

const wildcard = "*"
