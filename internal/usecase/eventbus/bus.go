package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"larkstream/internal/domain"
)

// DefaultMaxInFlight bounds concurrently running handler goroutines.
const DefaultMaxInFlight = 256

type subscription struct {
	id      uint64
	handler domain.EventHandler
}

// Observer receives bus-level counters. Implementations must be cheap and
// non-blocking.
type Observer interface {
	EventDispatched(t domain.EventType)
	EventRejected(t domain.EventType, reason domain.ErrorCode)
	HandlerPanicked(t domain.EventType)
}

// Bus is an in-process, goroutine-safe event bus. Handlers run on their own
// goroutines so a slow consumer never stalls the connection that produced
// the event.
type Bus struct {
	mu       sync.RWMutex
	typed    map[domain.EventType][]subscription
	allSubs  []subscription
	nextID   atomic.Uint64
	logger   *slog.Logger
	wg       sync.WaitGroup
	closed   atomic.Bool
	inflight *semaphore.Weighted
	observer Observer
}

// Option configures a Bus.
type Option func(*Bus)

// WithMaxInFlight caps the number of handler goroutines running at once.
// Dispatch fails fast with domain.ErrOverloaded when the cap is reached.
func WithMaxInFlight(n int64) Option {
	return func(b *Bus) {
		if n > 0 {
			b.inflight = semaphore.NewWeighted(n)
		}
	}
}

// WithObserver attaches an Observer.
func WithObserver(o Observer) Option {
	return func(b *Bus) { b.observer = o }
}

// New creates an event bus.
func New(logger *slog.Logger, opts ...Option) *Bus {
	b := &Bus{
		typed:    make(map[domain.EventType][]subscription),
		logger:   logger,
		inflight: semaphore.NewWeighted(DefaultMaxInFlight),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Publish fans out an event to matching typed subscribers and all-event
// subscribers. Events that cannot be accepted are logged and dropped.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if err := b.Dispatch(ctx, event); err != nil {
		b.logger.Debug("event dropped", "event", string(event.Type), "error", err)
	}
}

// Dispatch is Publish with acceptance reported to the caller. It never waits
// for handlers: each handler is invoked in its own goroutine and panics are
// recovered. It returns domain.ErrClosed after Close, and
// domain.ErrOverloaded when the in-flight cap leaves no room for every
// matching handler. A rejected event reaches no handler.
func (b *Bus) Dispatch(ctx context.Context, event domain.Event) error {
	if b.closed.Load() {
		b.reject(event.Type, domain.CodeClosed)
		return domain.ErrClosed
	}

	b.mu.RLock()
	subs := make([]subscription, 0, len(b.typed[event.Type])+len(b.allSubs))
	subs = append(subs, b.typed[event.Type]...)
	subs = append(subs, b.allSubs...)
	b.mu.RUnlock()

	if len(subs) == 0 {
		return nil
	}
	if !b.inflight.TryAcquire(int64(len(subs))) {
		b.reject(event.Type, domain.CodeOverloaded)
		return domain.NewDomainError("Bus.Dispatch", domain.ErrOverloaded, string(event.Type))
	}

	for _, sub := range subs {
		b.run(ctx, event, sub)
	}
	if b.observer != nil {
		b.observer.EventDispatched(event.Type)
	}
	return nil
}

func (b *Bus) run(ctx context.Context, event domain.Event, sub subscription) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.inflight.Release(1)
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("event handler panicked",
					"event", string(event.Type),
					"message_id", event.MessageID,
					"panic", r,
				)
				if b.observer != nil {
					b.observer.HandlerPanicked(event.Type)
				}
			}
		}()
		sub.handler(ctx, event)
	}()
}

func (b *Bus) reject(t domain.EventType, code domain.ErrorCode) {
	if b.observer != nil {
		b.observer.EventRejected(t, code)
	}
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.typed[eventType] = append(b.typed[eventType], subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.typed[eventType] = without(b.typed[eventType], id)
	}
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.allSubs = append(b.allSubs, subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.allSubs = without(b.allSubs, id)
	}
}

// without returns subs minus the entry with the given id. It copies so
// snapshots taken by Dispatch are never mutated.
func without(subs []subscription, id uint64) []subscription {
	out := make([]subscription, 0, len(subs))
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Close prevents new dispatches and waits for all in-flight handlers to
// finish. Close is idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}
