package eventbus

import (
	"context"
	"errors"
	"reflect"
	"sync"
)

// EventHandler handles a published event.
type EventHandler func(ctx context.Context, event any) error

// EventBus delivers events to subscribed handlers.
type EventBus interface {
	Publish(ctx context.Context, event any) error
	Subscribe(eventType string, handler EventHandler)
}

// ErrNilEvent is returned when a nil event is published.
var ErrNilEvent = errors.New("eventbus: nil event")

// ErrInvalidEventType is returned when the event type cannot be determined.
var ErrInvalidEventType = errors.New("eventbus: invalid event type")

// ErrNoSubscribers is returned when an event has no handler.
var ErrNoSubscribers = errors.New("eventbus: no subscribers")

// InMemoryBus delivers events synchronously to handlers in subscription order.
type InMemoryBus struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
	strict   bool
}

// Option configures the bus.
type Option func(*InMemoryBus)

// WithStrictDelivery makes Publish fail for events nobody consumes,
// so the outbox keeps them pending until a consumer is registered.
func WithStrictDelivery() Option {
	return func(b *InMemoryBus) {
		b.strict = true
	}
}

// NewInMemoryBus constructs a new in-memory bus.
func NewInMemoryBus(opts ...Option) *InMemoryBus {
	bus := &InMemoryBus{
		handlers: make(map[string][]EventHandler),
	}
	for _, opt := range opts {
		opt(bus)
	}
	return bus
}

// Publish runs every handler of the event's type and joins their errors.
func (b *InMemoryBus) Publish(ctx context.Context, event any) error {
	if event == nil {
		return ErrNilEvent
	}

	eventType := EventType(event)
	if eventType == "" {
		return ErrInvalidEventType
	}

	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.handlers[eventType]...)
	b.mu.RUnlock()

	if len(handlers) == 0 && b.strict {
		return ErrNoSubscribers
	}

	var errs []error
	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Subscribe registers a handler for an event type.
func (b *InMemoryBus) Subscribe(eventType string, handler EventHandler) {
	if eventType == "" || handler == nil {
		return
	}

	b.mu.Lock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
	b.mu.Unlock()
}

// Subscribers reports how many handlers listen to eventType.
func (b *InMemoryBus) Subscribers(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}

// EventType returns the fully-qualified type name for an event instance.
func EventType(event any) string {
	if event == nil {
		return ""
	}
	t := reflect.TypeOf(event)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.String()
}

// EventTypeOf returns the fully-qualified type name for a type parameter.
func EventTypeOf[T any]() string {
	return reflect.TypeOf((*T)(nil)).Elem().String()
}
