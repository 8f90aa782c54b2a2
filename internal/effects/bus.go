package effects

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Event is a notification as seen by bus subscribers.
type Event struct {
	Name    string
	Payload map[string]any
	At      time.Time
}

// Handler reacts to an event.
type Handler func(ctx context.Context, event Event) error

// AllEvents subscribes a handler to every event name.
const AllEvents = "*"

// Bus provides in-process pub/sub for emitted events. It implements Notifier.
type Bus struct {
	subscribers map[string][]Handler
	mu          sync.RWMutex
	now         func() time.Time
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[string][]Handler), now: time.Now}
}

// Subscribe registers a handler for an event name, or AllEvents.
func (b *Bus) Subscribe(event string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[event] = append(b.subscribers[event], handler)
}

// Emit runs the handlers synchronously and joins their errors.
func (b *Bus) Emit(ctx context.Context, event string, payload map[string]any) error {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.subscribers[event]...)
	handlers = append(handlers, b.subscribers[AllEvents]...)
	b.mu.RUnlock()

	ev := Event{Name: event, Payload: payload, At: b.now()}
	var errs []error
	for _, handler := range handlers {
		if err := handler(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
