package store

import (
	"context"

	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/common/logger"
	"github.com/agenthub/agenthub/internal/events"
	"github.com/agenthub/agenthub/internal/events/bus"
)

// Sink persists every event published on the bus. Because the memory bus
// waits for handlers, an event is durable by the time Publish returns.
type Sink struct {
	store *Store
	sub   bus.Subscription
	log   *logger.Logger
}

// NewSink attaches a persistence subscriber to the bus.
func NewSink(b bus.Bus, store *Store, log *logger.Logger) (*Sink, error) {
	if log == nil {
		log = logger.Default()
	}
	s := &Sink{
		store: store,
		log:   log.WithFields(zap.String("component", "event-sink")),
	}
	sub, err := b.SubscribeAll(s.handle)
	if err != nil {
		return nil, err
	}
	s.sub = sub
	return s, nil
}

func (s *Sink) handle(ctx context.Context, event *events.Event) {
	if err := s.store.Store(ctx, event); err != nil {
		s.log.Error("failed to persist event",
			zap.String("kind", string(event.Kind)),
			zap.String("event_id", event.ID),
			zap.Error(err))
	}
}

// Detach stops persisting events.
func (s *Sink) Detach() error {
	return s.sub.Unsubscribe()
}
