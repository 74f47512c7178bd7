// Package eventbus is the in-process observation surface for the session
// store: UI surfaces subscribe here instead of polling store state.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"evalchat/internal/domain"
)

// deliveryBuffer bounds how far a slow subscriber can fall behind before
// publishers start blocking on it.
const deliveryBuffer = 64

type delivery struct {
	ctx   context.Context
	event domain.Event
}

// subscription owns one ordered delivery channel drained by a single
// goroutine, so a subscriber observes events in publish order.
type subscription struct {
	id   uint64
	ch   chan delivery
	stop sync.Once
}

func (s *subscription) close() {
	s.stop.Do(func() { close(s.ch) })
}

// Bus is an in-process, goroutine-safe event bus. Delivery is serialized per
// subscriber: one publisher's consecutive events reach each subscriber in the
// order they were published.
type Bus struct {
	mu      sync.RWMutex
	typed   map[domain.EventType][]*subscription
	allSubs []*subscription
	nextID  atomic.Uint64
	logger  *slog.Logger
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		typed:  make(map[domain.EventType][]*subscription),
		logger: logger,
	}
}

// Publish fans out an event to matching typed subscribers and all-event
// subscribers. Each subscriber consumes from its own queue, so one slow or
// panicking observer cannot reorder delivery or take down the store.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}
	d := delivery{ctx: ctx, event: event}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.typed[event.Type] {
		sub.send(d)
	}
	for _, sub := range b.allSubs {
		sub.send(d)
	}
}

func (s *subscription) send(d delivery) {
	select {
	case s.ch <- d:
	case <-d.ctx.Done():
	}
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	sub := b.start(handler)

	b.mu.Lock()
	b.typed[eventType] = append(b.typed[eventType], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		subs := b.typed[eventType]
		for i, s := range subs {
			if s.id == sub.id {
				b.typed[eventType] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		sub.close()
	}
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	sub := b.start(handler)

	b.mu.Lock()
	b.allSubs = append(b.allSubs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		for i, s := range b.allSubs {
			if s.id == sub.id {
				b.allSubs = append(b.allSubs[:i], b.allSubs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		sub.close()
	}
}

// start creates a subscription and its drain goroutine. The goroutine lives
// until the subscription's channel closes (unsubscribe or bus Close).
func (b *Bus) start(handler domain.EventHandler) *subscription {
	sub := &subscription{
		id: b.nextID.Add(1),
		ch: make(chan delivery, deliveryBuffer),
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for d := range sub.ch {
			b.invoke(handler, d)
		}
	}()
	return sub
}

func (b *Bus) invoke(handler domain.EventHandler, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(d.event.Type),
				"panic", r,
			)
		}
	}()
	handler(d.ctx, d.event)
}

// Close prevents new publishes, stops all subscriptions, and waits for
// queued deliveries to drain. Close is idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}

	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.allSubs))
	for _, typed := range b.typed {
		subs = append(subs, typed...)
	}
	subs = append(subs, b.allSubs...)
	b.typed = make(map[domain.EventType][]*subscription)
	b.allSubs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	b.wg.Wait()
}
