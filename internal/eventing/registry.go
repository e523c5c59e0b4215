package eventing

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"telemetry-control/internal/eventbus"
)

// ErrUnknownEventType is returned when no payload type was registered for an envelope.
var ErrUnknownEventType = errors.New("eventing: unknown event type")

// Registry maps event type names to constructors for decoding payloads.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]func() any
}

// NewRegistry constructs a registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]func() any)}
}

// Register registers an event type (value or pointer) under its type name.
func (r *Registry) Register(sample any) {
	if r == nil || sample == nil {
		return
	}
	r.RegisterAs(eventbus.EventType(sample), sample)
}

// RegisterAs registers sample under an explicit name.
func (r *Registry) RegisterAs(name string, sample any) {
	if r == nil || sample == nil || name == "" {
		return
	}
	t := reflect.TypeOf(sample)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	r.mu.Lock()
	r.factories[name] = func() any {
		return reflect.New(t).Interface()
	}
	r.mu.Unlock()
}

// Registered reports whether name can be decoded.
func (r *Registry) Registered(name string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// DecodePayload decodes envelope payload into a concrete event value.
func (r *Registry) DecodePayload(env Envelope) (any, error) {
	if r == nil {
		return nil, errors.New("eventing: nil registry")
	}
	r.mu.RLock()
	factory := r.factories[env.EventType]
	r.mu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, env.EventType)
	}
	target := factory()
	if err := json.Unmarshal(env.Payload, target); err != nil {
		return nil, fmt.Errorf("eventing: decode %s: %w", env.EventType, err)
	}
	value := reflect.ValueOf(target)
	if value.Kind() == reflect.Ptr && !value.IsNil() {
		return value.Elem().Interface(), nil
	}
	return target, nil
}
