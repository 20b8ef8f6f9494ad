package events

import (
	"sync"

	"github.com/n0needt0/go-goodies/log"
)

// Handler receives pipeline events. Handlers run on the controller's tick
// goroutine and must return quickly.
type Handler func(Event)

// Bus fans events out to subscribers. Subscription order is preserved.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers []subscription
}

type subscription struct {
	id int
	fn Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler and returns an id for Unsubscribe.
func (b *Bus) Subscribe(fn Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.handlers = append(b.handlers, subscription{id: b.nextID, fn: fn})
	return b.nextID
}

// Unsubscribe removes a previously registered handler.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.handlers {
		if s.id == id {
			b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
			return
		}
	}
}

// Publish delivers the event to every subscriber in order. A panicking
// handler is logged and skipped so one bad subscriber cannot take down
// the tick goroutine.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	subs := make([]subscription, len(b.handlers))
	copy(subs, b.handlers)
	b.mu.RUnlock()

	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("Recovered from panic in event handler: %v", r)
				}
			}()
			s.fn(e)
		}()
	}
}
