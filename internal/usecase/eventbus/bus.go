package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"archive-agent/internal/domain"
)

type subscription struct {
	id      uint64
	handler domain.EventHandler
}

// Bus is an in-process, goroutine-safe event bus. Handlers run on their own
// goroutines; Close waits for them.
type Bus struct {
	mu     sync.RWMutex
	typed  map[domain.EventType][]subscription
	all    []subscription
	nextID atomic.Uint64
	logger *slog.Logger
	wg     sync.WaitGroup
	closed atomic.Bool
}

var _ domain.EventBus = (*Bus)(nil)

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		typed:  make(map[domain.EventType][]subscription),
		logger: logger,
	}
}

// NewEvent builds an event stamped now, JSON-encoding payload. A payload
// that fails to encode is dropped.
func NewEvent(t domain.EventType, payload any) domain.Event {
	ev := domain.Event{Type: t, Timestamp: time.Now().UTC()}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			ev.Payload = raw
		}
	}
	return ev
}

// Publish fans out an event to its typed subscribers and to every
// all-event subscriber. Panicking handlers are recovered and logged.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		b.logger.Debug("event dropped after close", "event", string(event.Type))
		return
	}

	b.mu.RLock()
	subs := make([]subscription, 0, len(b.typed[event.Type])+len(b.all))
	subs = append(subs, b.typed[event.Type]...)
	subs = append(subs, b.all...)
	b.mu.RUnlock()

	for _, sub := range subs {
		b.wg.Add(1)
		go b.run(ctx, event, sub.handler)
	}
}

func (b *Bus) run(ctx context.Context, event domain.Event, h domain.EventHandler) {
	defer b.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "event", string(event.Type), "panic", r)
		}
	}()
	h(ctx, event)
}

// Subscribe registers a handler for one event type and returns its
// unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.typed[eventType] = append(b.typed[eventType], subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.typed[eventType] = slices.DeleteFunc(b.typed[eventType], func(s subscription) bool { return s.id == id })
	}
}

// SubscribeAll registers a handler that receives every event.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.all = append(b.all, subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.all = slices.DeleteFunc(b.all, func(s subscription) bool { return s.id == id })
	}
}

// Close stops accepting events and waits for in-flight handlers. It is
// idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}
