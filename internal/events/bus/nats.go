package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/common/logger"
	"github.com/agenthub/agenthub/internal/events"
)

const (
	subjectPrefix   = "events."
	wildcardSubject = "events.>"
)

// NATSBus is a Bus backed by a NATS connection. Each event kind maps to the
// subject "events.<kind>"; wildcard subscriptions use "events.>".
//
// Unlike MemoryBus, delivery to remote subscribers is asynchronous; Publish
// returns once the broker has accepted the message.
type NATSBus struct {
	conn *nats.Conn
	log  *logger.Logger
}

// NATSOptions configures the NATS connection.
type NATSOptions struct {
	URL           string
	ClientID      string
	MaxReconnects int
}

// NewNATSBus connects to NATS and returns a bus over that connection.
func NewNATSBus(opts NATSOptions, log *logger.Logger) (*NATSBus, error) {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("component", "event-bus"))

	natsOpts := []nats.Option{
		nats.Name(opts.ClientID),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("nats connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			fields := []zap.Field{zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject))
			}
			log.Error("nats async error", fields...)
		}),
	}

	conn, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	log.Info("connected to nats", zap.String("url", conn.ConnectedUrl()))
	return &NATSBus{conn: conn, log: log}, nil
}

// Publish marshals the event as JSON and publishes it to the kind's subject.
func (b *NATSBus) Publish(_ context.Context, event *events.Event) error {
	if event == nil {
		return fmt.Errorf("nil event")
	}
	if !event.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, event.Kind)
	}
	if b.conn.IsClosed() {
		return ErrBusClosed
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.conn.Publish(subjectPrefix+string(event.Kind), data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe registers a handler for one event kind.
func (b *NATSBus) Subscribe(kind events.Kind, handler Handler) (Subscription, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	return b.subscribe(subjectPrefix+string(kind), handler)
}

// SubscribeAll registers a handler for every event kind.
func (b *NATSBus) SubscribeAll(handler Handler) (Subscription, error) {
	return b.subscribe(wildcardSubject, handler)
}

func (b *NATSBus) subscribe(subject string, handler Handler) (Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("nil handler")
	}
	if b.conn.IsClosed() {
		return nil, ErrBusClosed
	}

	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var event events.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.log.Error("failed to unmarshal event",
				zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		defer func() {
			if r := recover(); r != nil {
				b.log.Error("event handler panicked",
					zap.String("subject", msg.Subject), zap.Any("panic", r))
			}
		}()
		handler(context.Background(), &event)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	b.log.Debug("subscriber registered", zap.String("subject", subject))
	return &natsSubscription{sub: sub}, nil
}

// Close drains the connection so queued messages are delivered before the
// connection closes.
func (b *NATSBus) Close() error {
	if b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("failed to drain nats connection: %w", err)
	}
	return nil
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	if !s.sub.IsValid() {
		return nil
	}
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) IsValid() bool {
	return s.sub.IsValid()
}
