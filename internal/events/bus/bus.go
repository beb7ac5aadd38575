// Package bus provides publish/subscribe distribution of lifecycle events.
// Two implementations exist: an in-process bus for single-binary deployments
// and a NATS-backed bus for distributed ones.
package bus

import (
	"context"
	"errors"

	"github.com/agenthub/agenthub/internal/events"
)

var (
	// ErrBusClosed is returned when publishing or subscribing on a closed bus.
	ErrBusClosed = errors.New("event bus is closed")

	// ErrInvalidKind is returned when subscribing to an unknown event kind.
	ErrInvalidKind = errors.New("invalid event kind")
)

// Handler processes a single event. Handlers for the same subscription are
// invoked sequentially in publish order; handlers across subscriptions run
// concurrently.
type Handler func(ctx context.Context, event *events.Event)

// Subscription represents an active registration on the bus.
type Subscription interface {
	// Unsubscribe removes the subscription. It is safe to call more than once.
	Unsubscribe() error

	// IsValid reports whether the subscription is still active.
	IsValid() bool
}

// Bus distributes events to subscribers.
//
// Publish returns after every matching handler has run, so a publisher can
// rely on downstream effects (persistence, fan-out) being complete.
type Bus interface {
	// Publish delivers the event to all subscribers of its kind and to
	// wildcard subscribers.
	Publish(ctx context.Context, event *events.Event) error

	// Subscribe registers a handler for one event kind.
	Subscribe(kind events.Kind, handler Handler) (Subscription, error)

	// SubscribeAll registers a handler for every event kind.
	SubscribeAll(handler Handler) (Subscription, error)

	// Close shuts down the bus. Pending publishes complete first.
	Close() error
}
