package events

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"spsh/backend/internal/pool"
)

// Handler reacts to one event. Handlers log their own failures.
type Handler func(ctx context.Context, event Event)

// Publisher is the fire-and-forget side of the bus.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Observer is notified about every dispatched event.
type Observer interface {
	ObserveEvent(name string, handlers int, panicked int)
}

type remoteKey struct{}

// WithRemote marks ctx as carrying an event that arrived from the broker.
func WithRemote(ctx context.Context) context.Context {
	return context.WithValue(ctx, remoteKey{}, true)
}

// IsRemote reports whether the event being handled arrived from the broker.
func IsRemote(ctx context.Context) bool {
	v, _ := ctx.Value(remoteKey{}).(bool)
	return v
}

// Bus dispatches events through an explicit name to handlers table.
//
// Handlers of one event run in registration order. With a single-worker pool
// attached, events are delivered in publish order after Publish returns.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	all      []Handler

	pool     *pool.WorkerPool
	observer Observer
	logger   *zap.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithPool delivers events asynchronously through p.
func WithPool(p *pool.WorkerPool) Option {
	return func(b *Bus) { b.pool = p }
}

// WithObserver registers an Observer.
func WithObserver(o Observer) Option {
	return func(b *Bus) { b.observer = o }
}

// NewBus creates a Bus.
func NewBus(logger *zap.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		handlers: make(map[string][]Handler),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers h for the event called name.
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// SubscribeAll registers h for every event. It runs after the named handlers.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// On registers a typed handler for events of type E.
func On[E Event](b *Bus, h func(ctx context.Context, event E)) {
	var zero E
	b.Subscribe(zero.EventName(), func(ctx context.Context, event Event) {
		if e, ok := event.(E); ok {
			h(ctx, e)
		}
	})
}

// HandlerCount returns the number of handlers registered for name.
func (b *Bus) HandlerCount(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[name])
}

// Publish delivers event to its handlers. It never returns an error.
func (b *Bus) Publish(ctx context.Context, event Event) {
	if b.pool == nil {
		b.Dispatch(ctx, event)
		return
	}

	// the caller's request may end before the handlers run
	detached := context.WithoutCancel(ctx)
	if !b.pool.TrySubmit(func() { b.Dispatch(detached, event) }) {
		b.logger.Warn("event queue full or stopped, dispatching inline",
			zap.String("event", event.EventName()))
		b.Dispatch(ctx, event)
	}
}

// Dispatch runs all handlers of event synchronously.
func (b *Bus) Dispatch(ctx context.Context, event Event) {
	name := event.EventName()

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[name])+len(b.all))
	handlers = append(handlers, b.handlers[name]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	b.logger.Debug("dispatching event",
		zap.String("event", name),
		zap.Int("handlers", len(handlers)),
		zap.Bool("remote", IsRemote(ctx)))

	panicked := 0
	for _, h := range handlers {
		if !b.invoke(ctx, name, h, event) {
			panicked++
		}
	}

	if b.observer != nil {
		b.observer.ObserveEvent(name, len(handlers), panicked)
	}
}

func (b *Bus) invoke(ctx context.Context, name string, h Handler, event Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("event", name),
				zap.Any("panic", r))
			ok = false
		}
	}()
	h(ctx, event)
	return true
}
