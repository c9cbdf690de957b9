package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"carely/internal/domain"
)

type delivery struct {
	ctx   context.Context
	event domain.Event
}

// subscriber owns a mailbox drained by a dedicated worker goroutine, so a
// single subscriber always observes events in publish order. Stream deltas
// depend on this: a gateway client must never see chunk N+1 before chunk N.
type subscriber struct {
	id      uint64
	handler domain.EventHandler
	logger  *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []delivery
	closed bool
}

func (s *subscriber) enqueue(ctx context.Context, event domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, delivery{ctx: ctx, event: event})
	s.cond.Signal()
}

func (s *subscriber) stop() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// run drains the mailbox until stop is called and the queue is empty, so
// Close never drops events that were already published.
func (s *subscriber) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		d := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.invoke(d)
	}
}

func (s *subscriber) invoke(d delivery) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("event handler panicked",
				"event", string(d.event.Type),
				"panic", r,
			)
		}
	}()
	s.handler(d.ctx, d.event)
}

// Bus is an in-process, goroutine-safe event bus with per-subscriber
// ordered delivery.
type Bus struct {
	mu      sync.RWMutex
	typed   map[domain.EventType][]*subscriber
	allSubs []*subscriber
	nextID  atomic.Uint64
	logger  *slog.Logger
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		typed:  make(map[domain.EventType][]*subscriber),
		logger: logger,
	}
}

// Publish fans out an event to matching typed subscribers and all-event
// subscribers. Delivery is asynchronous but FIFO per subscriber.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	typed := make([]*subscriber, len(b.typed[event.Type]))
	copy(typed, b.typed[event.Type])
	allSubs := make([]*subscriber, len(b.allSubs))
	copy(allSubs, b.allSubs)
	b.mu.RUnlock()

	for _, sub := range typed {
		sub.enqueue(ctx, event)
	}
	for _, sub := range allSubs {
		sub.enqueue(ctx, event)
	}
}

func (b *Bus) newSubscriber(handler domain.EventHandler) *subscriber {
	sub := &subscriber{
		id:      b.nextID.Add(1),
		handler: handler,
		logger:  b.logger,
	}
	sub.cond = sync.NewCond(&sub.mu)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		sub.run()
	}()
	return sub
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	sub := b.newSubscriber(handler)

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
		sub.stop()
	}
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	sub := b.newSubscriber(handler)

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
		sub.stop()
	}
}

// Close prevents new publishes, drains every subscriber mailbox, and waits
// for in-flight handlers to finish. Close is idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}

	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.allSubs))
	for _, list := range b.typed {
		subs = append(subs, list...)
	}
	subs = append(subs, b.allSubs...)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	b.wg.Wait()
}
