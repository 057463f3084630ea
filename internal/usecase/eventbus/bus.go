// Package eventbus is the in-process event bus. Every subscription owns a
// mailbox drained by a single goroutine, so a subscriber sees events in the
// order they were published while a slow subscriber never blocks Publish or
// the other subscribers.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"ankie/internal/domain"
)

type queued struct {
	ctx   context.Context
	event domain.Event
}

type subscription struct {
	id      uint64
	handler domain.EventHandler

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []queued
	stopped bool
	dropped bool
}

func newSubscription(id uint64, handler domain.EventHandler) *subscription {
	s := &subscription{id: id, handler: handler}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *subscription) enqueue(q queued) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.queue = append(s.queue, q)
	s.cond.Signal()
}

// stop ends the worker. With drop set, pending events are discarded.
func (s *subscription) stop(drop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.dropped = s.dropped || drop
	s.cond.Signal()
}

// next blocks for the next event. ok is false once the worker should exit.
func (s *subscription) next() (q queued, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.stopped {
		s.cond.Wait()
	}
	if s.dropped || len(s.queue) == 0 {
		return queued{}, false
	}
	q = s.queue[0]
	s.queue[0] = queued{}
	s.queue = s.queue[1:]
	return q, true
}

// Bus is an in-process, goroutine-safe event bus.
type Bus struct {
	mu      sync.RWMutex
	typed   map[domain.EventType][]*subscription
	allSubs []*subscription
	nextID  atomic.Uint64
	logger  *slog.Logger
	wg      sync.WaitGroup
	closed  atomic.Bool
}

var _ domain.EventBus = (*Bus)(nil)

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		typed:  make(map[domain.EventType][]*subscription),
		logger: logger,
	}
}

// Publish queues event for matching typed subscribers and all-event
// subscribers. Handlers receive a context that keeps the publisher's values
// but not its cancellation.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}
	q := queued{ctx: context.WithoutCancel(ctx), event: event}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.typed[event.Type] {
		sub.enqueue(q)
	}
	for _, sub := range b.allSubs {
		sub.enqueue(q)
	}
}

func (b *Bus) run(sub *subscription) {
	defer b.wg.Done()
	for {
		q, ok := sub.next()
		if !ok {
			return
		}
		b.deliver(sub, q)
	}
}

func (b *Bus) deliver(sub *subscription, q queued) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(q.event.Type),
				"thread_id", q.event.ThreadID,
				"panic", r,
			)
		}
	}()
	sub.handler(q.ctx, q.event)
}

func (b *Bus) start(handler domain.EventHandler) *subscription {
	sub := newSubscription(b.nextID.Add(1), handler)
	b.wg.Add(1)
	go b.run(sub)
	return sub
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function; events still queued for the handler are dropped.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return func() {}
	}
	sub := b.start(handler)
	b.typed[eventType] = append(b.typed[eventType], sub)

	return func() {
		b.mu.Lock()
		subs := b.typed[eventType]
		for i, s := range subs {
			if s.id == sub.id {
				b.typed[eventType] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		sub.stop(true)
	}
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return func() {}
	}
	sub := b.start(handler)
	b.allSubs = append(b.allSubs, sub)

	return func() {
		b.mu.Lock()
		for i, s := range b.allSubs {
			if s.id == sub.id {
				b.allSubs = append(b.allSubs[:i:i], b.allSubs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		sub.stop(true)
	}
}

// Close prevents new publishes, delivers everything already queued and
// waits for the handlers to finish. Close is idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.mu.RLock()
	for _, subs := range b.typed {
		for _, s := range subs {
			s.stop(false)
		}
	}
	for _, s := range b.allSubs {
		s.stop(false)
	}
	b.mu.RUnlock()
	b.wg.Wait()
}
