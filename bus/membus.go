package bus

import (
	"log/slog"
	"sync"

	"github.com/petal-labs/reactor/core"
)

// MemBusConfig configures an in-memory change bus.
type MemBusConfig struct {
	// StartSeq is the sequence number of the last event published by a
	// previous process, so journal sequence numbers keep increasing across
	// restarts. Zero starts at 1.
	StartSeq uint64

	// Logger receives handler panics. Defaults to slog.Default().
	Logger *slog.Logger
}

// MemBus is an in-memory, synchronous change bus.
//
// Delivery happens on the publishing goroutine when the bus is idle. A
// publish issued while a delivery is in progress (from another goroutine or
// re-entrantly from a handler) is queued and delivered by the active
// dispatcher right afterwards, so every subscriber observes the same global
// order and handlers may publish without deadlocking.
type MemBus struct {
	mu          sync.Mutex
	subs        []*memSub // registration order
	queue       []core.Event
	dispatching bool
	seq         uint64
	closed      bool
	logger      *slog.Logger
}

// NewMemBus creates a new in-memory change bus with the given configuration.
func NewMemBus(config MemBusConfig) *MemBus {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MemBus{
		seq:    config.StartSeq,
		logger: logger,
	}
}

// Publish stamps the event with the next sequence number and delivers it to
// all subscribers in registration order. If the bus is closed, the event is
// silently dropped.
func (b *MemBus) Publish(event core.Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.seq++
	event.Seq = b.seq
	b.queue = append(b.queue, event)
	if b.dispatching {
		b.mu.Unlock()
		return
	}
	b.dispatching = true
	b.mu.Unlock()

	b.dispatch()
}

// dispatch drains the delivery queue. Only one goroutine dispatches at a time.
func (b *MemBus) dispatch() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 || b.closed {
			b.queue = nil
			b.dispatching = false
			b.mu.Unlock()
			return
		}
		event := b.queue[0]
		b.queue = b.queue[1:]
		subs := make([]*memSub, len(b.subs))
		copy(subs, b.subs)
		b.mu.Unlock()

		for _, sub := range subs {
			b.deliver(sub, event)
		}
	}
}

func (b *MemBus) deliver(sub *memSub, event core.Event) {
	if !sub.isActive() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus: subscriber panicked",
				"kind", event.Kind,
				"seq", event.Seq,
				"panic", r,
			)
		}
	}()
	sub.handler(event)
}

// Subscribe registers a handler for all subsequently published events.
func (b *MemBus) Subscribe(handler core.Handler) func() {
	sub := &memSub{handler: handler, active: true}

	b.mu.Lock()
	if !b.closed {
		b.subs = append(b.subs, sub)
	}
	b.mu.Unlock()

	return func() { b.unsubscribe(sub) }
}

func (b *MemBus) unsubscribe(sub *memSub) {
	sub.deactivate()

	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// LastSeq returns the sequence number of the most recently published event.
func (b *MemBus) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// SubscriberCount returns the number of active subscribers.
func (b *MemBus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close shuts down the bus and drops all subscriptions.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, sub := range b.subs {
		sub.deactivate()
	}
	b.subs = nil
	return nil
}

// memSub is an in-memory subscription.
type memSub struct {
	handler core.Handler

	mu     sync.Mutex
	active bool
}

func (s *memSub) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *memSub) deactivate() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

// Compile-time interface checks.
var _ EventBus = (*MemBus)(nil)
var _ Publisher = (*MemBus)(nil)
