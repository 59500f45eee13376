package processor

import (
	"context"
	"fmt"
	"sort"

	"github.com/tidemark/outboxd/pkg/store"
)

// Handler processes one outbox event. Implementations must be idempotent:
// the dispatcher guarantees at-least-once delivery, not exactly-once, so a
// crash between the handler's side effect and the batch commit causes
// redelivery of the same event.
type Handler interface {
	Handle(ctx context.Context, event store.OutboxEvent, chain Enqueuer) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, event store.OutboxEvent, chain Enqueuer) error

func (f HandlerFunc) Handle(ctx context.Context, event store.OutboxEvent, chain Enqueuer) error {
	return f(ctx, event, chain)
}

// Enqueuer lets a handler chain follow-up events inside the in-flight batch
// transaction, preserving the same atomicity as the original producer.
type Enqueuer interface {
	Enqueue(ctx context.Context, eventType string, payload any) error
}

// Registry maps event types to handlers. Registration happens at startup;
// dispatching an unregistered type is a configuration error surfaced through
// the normal retry/dead-letter path, never a silent skip.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to an event type. Empty types and duplicate
// registrations are rejected.
func (r *Registry) Register(eventType string, h Handler) error {
	if eventType == "" {
		return fmt.Errorf("event type must not be empty")
	}
	if h == nil {
		return fmt.Errorf("handler for %q must not be nil", eventType)
	}
	if _, exists := r.handlers[eventType]; exists {
		return fmt.Errorf("handler already registered for event type %q", eventType)
	}
	r.handlers[eventType] = h
	return nil
}

// MustRegister is Register for startup wiring, panicking on misconfiguration.
func (r *Registry) MustRegister(eventType string, h Handler) {
	if err := r.Register(eventType, h); err != nil {
		panic(err)
	}
}

// Resolve returns the handler for an event type.
func (r *Registry) Resolve(eventType string) (Handler, bool) {
	h, ok := r.handlers[eventType]
	return h, ok
}

// EventTypes lists the registered types in sorted order.
func (r *Registry) EventTypes() []string {
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
