// Package eventbus implements in-process publish-subscribe routing for
// orchestration events. Each subscriber owns a bounded inbox drained by its
// own goroutine, so a slow subscriber lags and drops rather than blocking
// publishers.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/galaxy-org/galaxy/internal/common/logger"
	"github.com/galaxy-org/galaxy/internal/common/logger/tag"
	"github.com/galaxy-org/galaxy/internal/core"
)

// DefaultInboxSize bounds each subscriber's inbox.
const DefaultInboxSize = 1024

// Handler consumes events delivered to a subscription.
type Handler func(ctx context.Context, event core.Event)

// Bus routes published events to all matching subscribers. Events published
// by a single goroutine are delivered to each subscriber in publish order;
// no ordering holds between different publishers.
type Bus struct {
	ctx       context.Context
	inboxSize int

	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool

	wg sync.WaitGroup
}

type subscriber struct {
	id      uint64
	name    string
	kinds   map[core.EventKind]struct{} // nil matches all kinds
	handler Handler
	inbox   chan core.Event
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
	lagging atomic.Bool
}

// stop signals the drain goroutine to flush and exit. The inbox itself is
// never closed: publishers send on it without holding the bus lock, and a
// send on a closed channel would panic the publishing goroutine.
func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

// Option configures a Bus.
type Option func(*Bus)

// WithInboxSize overrides the per-subscriber inbox bound.
func WithInboxSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.inboxSize = n
		}
	}
}

// New creates a bus. The context is handed to subscriber handlers and stops
// delivery goroutines when cancelled.
func New(ctx context.Context, opts ...Option) *Bus {
	b := &Bus{
		ctx:       ctx,
		inboxSize: DefaultInboxSize,
		subs:      make(map[uint64]*subscriber),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for the given event kinds (all kinds when
// none are given) and returns a function that cancels the subscription.
func (b *Bus) Subscribe(name string, handler Handler, kinds ...core.EventKind) func() {
	sub := &subscriber{
		name:    name,
		handler: handler,
		inbox:   make(chan core.Event, b.inboxSize),
		done:    make(chan struct{}),
	}
	if len(kinds) > 0 {
		sub.kinds = make(map[core.EventKind]struct{}, len(kinds))
		for _, kind := range kinds {
			sub.kinds[kind] = struct{}{}
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go b.drain(sub)

	return func() { b.unsubscribe(sub.id) }
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		sub.stop()
	}
}

// drain delivers inbox events to the handler until the subscription stops or
// the bus context is cancelled. On stop it flushes what is already buffered;
// events published after that are dropped on the floor by the full inbox.
func (b *Bus) drain(sub *subscriber) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-sub.done:
			for {
				select {
				case event := <-sub.inbox:
					sub.handler(b.ctx, event)
				default:
					return
				}
			}
		case event := <-sub.inbox:
			sub.handler(b.ctx, event)
		}
	}
}

// Publish enqueues the event for every matching subscriber. Delivery is
// at-least-once within the process; a full inbox drops the event, counts it,
// and flags the subscriber as lagging.
func (b *Bus) Publish(event core.Event) {
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return
	}

	var lagged []*subscriber
	for _, sub := range subs {
		if !sub.matches(event.Kind()) {
			continue
		}
		select {
		case sub.inbox <- event:
			// Delivered in publish order per publisher: one channel per
			// subscriber, pushed under no lock but from the publisher's
			// goroutine in program order.
		default:
			sub.dropped.Add(1)
			if sub.lagging.CompareAndSwap(false, true) {
				lagged = append(lagged, sub)
			}
		}
	}

	for _, sub := range lagged {
		logger.Warn(b.ctx, "Subscriber lagging, dropping events",
			"subscriber", sub.name, tag.Count, sub.dropped.Load())
		b.Publish(core.DiagnosticEvent{
			EventKind: core.EventSubscriberLagging,
			At:        time.Now(),
			SourceID:  "eventbus",
			Subject:   sub.name,
			Dropped:   sub.dropped.Load(),
		})
	}
}

func (s *subscriber) matches(kind core.EventKind) bool {
	if s.kinds == nil {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

// Dropped returns the total number of dropped events across subscribers.
func (b *Bus) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var total uint64
	for _, sub := range b.subs {
		total += sub.dropped.Load()
	}
	return total
}

// Close stops accepting publishes and waits for subscriber goroutines to
// finish draining.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.stop()
	}
	b.mu.Unlock()
	b.wg.Wait()
}
