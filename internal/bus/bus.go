package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskherd/taskherd/internal/logging"
	"github.com/taskherd/taskherd/internal/resilience"
	"github.com/taskherd/taskherd/internal/storage"
)

// Handler processes a published event. A returned error (or panic) is logged
// and isolated; it never affects other handlers or the publisher.
type Handler func(ctx context.Context, event Event) error

// DefaultHistorySize bounds the in-memory event ring.
const DefaultHistorySize = 1000

// Option configures a Bus.
type Option func(*Bus)

// WithStore attaches a persistence backend; every published event is stored
// under the events collection through a fallback wrapper, so storage loss
// never fails a publish.
func WithStore(store storage.Store) Option {
	return func(b *Bus) { b.store = store }
}

// WithHistorySize overrides the in-memory ring bound.
func WithHistorySize(n int) Option {
	return func(b *Bus) { b.historySize = n }
}

// WithoutHistory disables the in-memory ring.
func WithoutHistory() Option {
	return func(b *Bus) { b.historySize = 0 }
}

type subscription struct {
	id      int
	handler Handler
}

// Bus is an in-process pub/sub event bus.
type Bus struct {
	logger      zerolog.Logger
	store       storage.Store
	historySize int

	mu          sync.Mutex
	subscribers map[string][]subscription
	history     []Event
	nextSubID   int
	nextEventID int
}

// New creates an event bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		logger:      logging.Component("bus"),
		historySize: DefaultHistorySize,
		subscribers: make(map[string][]subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for an event type, or for every event when
// eventType is "*". The returned id unsubscribes the handler.
func (b *Bus) Subscribe(eventType string, handler Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSubID++
	b.subscribers[eventType] = append(b.subscribers[eventType], subscription{id: b.nextSubID, handler: handler})
	return b.nextSubID
}

// Unsubscribe removes a previously registered handler.
func (b *Bus) Unsubscribe(eventType string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[eventType]
	for i, sub := range subs {
		if sub.id == id {
			b.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Publish creates an event, records it, and dispatches it to all handlers for
// its type plus wildcard subscribers, waiting until every handler completes.
func (b *Bus) Publish(ctx context.Context, eventType, source string, data, metadata map[string]any) Event {
	return b.publish(ctx, eventType, source, data, metadata, true)
}

// PublishNoWait is Publish without waiting for handlers; they run
// concurrently after scheduling.
func (b *Bus) PublishNoWait(ctx context.Context, eventType, source string, data, metadata map[string]any) Event {
	return b.publish(ctx, eventType, source, data, metadata, false)
}

func (b *Bus) publish(ctx context.Context, eventType, source string, data, metadata map[string]any, wait bool) Event {
	b.mu.Lock()
	b.nextEventID++
	event := Event{
		EventID:   fmt.Sprintf("%d_%d", b.nextEventID, time.Now().UnixNano()),
		Timestamp: time.Now(),
		EventType: eventType,
		Source:    source,
		Data:      data,
		Metadata:  metadata,
	}
	if b.historySize > 0 {
		b.history = append(b.history, event)
		if len(b.history) > b.historySize {
			b.history = b.history[len(b.history)-b.historySize:]
		}
	}
	handlers := make([]subscription, 0, len(b.subscribers[eventType])+len(b.subscribers[WildcardType]))
	handlers = append(handlers, b.subscribers[eventType]...)
	handlers = append(handlers, b.subscribers[WildcardType]...)
	b.mu.Unlock()

	b.persist(ctx, event)

	var wg sync.WaitGroup
	for _, sub := range handlers {
		wg.Add(1)
		go func(sub subscription) {
			defer wg.Done()
			b.dispatch(ctx, sub, event)
		}(sub)
	}
	if wait {
		wg.Wait()
	}
	return event
}

// dispatch invokes a single handler inside an exception barrier.
func (b *Bus) dispatch(ctx context.Context, sub subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Str("event_type", event.EventType).Msg("handler panicked")
		}
	}()
	if err := sub.handler(ctx, event); err != nil {
		b.logger.Warn().Err(err).Str("event_type", event.EventType).Str("event_id", event.EventID).Msg("handler failed")
	}
}

func (b *Bus) persist(ctx context.Context, event Event) {
	if b.store == nil {
		return
	}
	_ = resilience.Fallback(ctx, "persist event",
		func(ctx context.Context) error {
			return b.store.Store(ctx, storage.CollectionEvents, event.EventID, eventRecord(event))
		},
		func(ctx context.Context) error { return nil },
	)
}

func eventRecord(event Event) map[string]any {
	raw, err := json.Marshal(event)
	if err != nil {
		return map[string]any{"event_id": event.EventID, "event_type": event.EventType}
	}
	var record map[string]any
	if err := json.Unmarshal(raw, &record); err != nil {
		return map[string]any{"event_id": event.EventID, "event_type": event.EventType}
	}
	return record
}

// History returns up to limit retained events matching the optional type and
// source filters, oldest first among the most recent matches.
func (b *Bus) History(eventType, source string, limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	matches := make([]Event, 0, len(b.history))
	for _, event := range b.history {
		if eventType != "" && event.EventType != eventType {
			continue
		}
		if source != "" && event.Source != source {
			continue
		}
		matches = append(matches, event)
	}
	if limit > 0 && len(matches) > limit {
		matches = matches[len(matches)-limit:]
	}
	return matches
}

// WaitFor blocks until an event of the given type is published or the timeout
// elapses, returning nil on timeout. The temporary subscription is removed in
// either case.
func (b *Bus) WaitFor(ctx context.Context, eventType string, timeout time.Duration) *Event {
	done := make(chan Event, 1)
	var once sync.Once
	id := b.Subscribe(eventType, func(_ context.Context, event Event) error {
		once.Do(func() { done <- event })
		return nil
	})
	defer b.Unsubscribe(eventType, id)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case event := <-done:
		return &event
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return nil
	}
}
