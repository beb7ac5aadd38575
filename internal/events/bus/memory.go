package bus

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/common/logger"
	"github.com/agenthub/agenthub/internal/events"
)

// wildcardKind is the internal registration key for SubscribeAll.
const wildcardKind events.Kind = "*"

// MemoryBus is an in-process implementation of Bus. Handlers run
// concurrently per publish; Publish blocks until all of them return.
type MemoryBus struct {
	mu       sync.RWMutex
	subs     map[events.Kind][]*memorySubscription
	closed   bool
	inflight sync.WaitGroup
	log      *logger.Logger
}

// NewMemoryBus creates an in-process event bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	if log == nil {
		log = logger.Default()
	}
	return &MemoryBus{
		subs: make(map[events.Kind][]*memorySubscription),
		log:  log.WithFields(zap.String("component", "event-bus")),
	}
}

// Publish delivers the event to kind and wildcard subscribers and waits for
// every handler to return. A panicking handler is recovered and logged; it
// never takes down the publisher or starves other subscribers.
func (b *MemoryBus) Publish(ctx context.Context, event *events.Event) error {
	if event == nil {
		return fmt.Errorf("nil event")
	}
	if !event.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, event.Kind)
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	targets := make([]*memorySubscription, 0, len(b.subs[event.Kind])+len(b.subs[wildcardKind]))
	targets = append(targets, b.subs[event.Kind]...)
	targets = append(targets, b.subs[wildcardKind]...)
	b.inflight.Add(len(targets))
	b.mu.RUnlock()

	var wg sync.WaitGroup
	wg.Add(len(targets))
	for _, sub := range targets {
		go func(sub *memorySubscription) {
			defer wg.Done()
			defer b.inflight.Done()
			defer func() {
				if r := recover(); r != nil {
					b.log.Error("event handler panicked",
						zap.String("kind", string(event.Kind)),
						zap.String("event_id", event.ID),
						zap.Any("panic", r))
				}
			}()
			// Per-subscription ordering: one handler invocation at a time.
			sub.handlerMu.Lock()
			defer sub.handlerMu.Unlock()
			if !sub.IsValid() {
				return
			}
			sub.handler(ctx, event)
		}(sub)
	}
	wg.Wait()

	return nil
}

// Subscribe registers a handler for one event kind.
func (b *MemoryBus) Subscribe(kind events.Kind, handler Handler) (Subscription, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	return b.subscribe(kind, handler)
}

// SubscribeAll registers a handler that receives every event.
func (b *MemoryBus) SubscribeAll(handler Handler) (Subscription, error) {
	return b.subscribe(wildcardKind, handler)
}

func (b *MemoryBus) subscribe(kind events.Kind, handler Handler) (Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("nil handler")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	sub := &memorySubscription{
		bus:     b,
		kind:    kind,
		handler: handler,
		valid:   true,
	}
	b.subs[kind] = append(b.subs[kind], sub)

	b.log.Debug("subscriber registered", zap.String("kind", string(kind)))
	return sub, nil
}

func (b *MemoryBus) remove(sub *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[sub.kind]
	for i, s := range list {
		if s == sub {
			b.subs[sub.kind] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// Close marks the bus closed and waits for in-flight deliveries to finish.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for kind, list := range b.subs {
		for _, sub := range list {
			sub.invalidate()
		}
		delete(b.subs, kind)
	}
	b.mu.Unlock()

	b.inflight.Wait()
	b.log.Debug("event bus closed")
	return nil
}

type memorySubscription struct {
	bus     *MemoryBus
	kind    events.Kind
	handler Handler

	handlerMu sync.Mutex

	mu    sync.Mutex
	valid bool
}

func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	if !s.valid {
		s.mu.Unlock()
		return nil
	}
	s.valid = false
	s.mu.Unlock()

	s.bus.remove(s)
	return nil
}

func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valid
}

func (s *memorySubscription) invalidate() {
	s.mu.Lock()
	s.valid = false
	s.mu.Unlock()
}
