package bus

import (
	"sync"
	"time"

	"github.com/petal-labs/reactor/core"
)

// CoalesceConfig controls the behavior of CoalescingPublisher.
type CoalesceConfig struct {
	// Kinds lists the change kinds to coalesce. Other kinds pass through.
	Kinds []core.Kind

	// Interval is how often coalesced events are flushed.
	// Default: 100ms
	Interval time.Duration
}

// CoalescingPublisher wraps a Publisher and coalesces bursts of selected
// change kinds. Within each interval only the latest event per (kind, source)
// is kept; a background ticker forwards the survivors in the order their key
// first appeared. Events of other kinds are forwarded immediately.
type CoalescingPublisher struct {
	next     Publisher
	kinds    map[core.Kind]struct{}
	interval time.Duration

	mu      sync.Mutex
	pending map[coalesceKey]core.Event
	order   []coalesceKey
	closed  bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

type coalesceKey struct {
	kind   core.Kind
	source string
}

// NewCoalescingPublisher creates a publisher that coalesces cfg.Kinds before
// forwarding to next.
func NewCoalescingPublisher(next Publisher, cfg CoalesceConfig) *CoalescingPublisher {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	kinds := make(map[core.Kind]struct{}, len(cfg.Kinds))
	for _, k := range cfg.Kinds {
		kinds[k] = struct{}{}
	}

	cp := &CoalescingPublisher{
		next:     next,
		kinds:    kinds,
		interval: interval,
		pending:  make(map[coalesceKey]core.Event),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	go cp.run()

	return cp
}

// Publish forwards event, or holds it for the next flush if its kind is
// coalesced. After Close, coalesced kinds are dropped.
func (cp *CoalescingPublisher) Publish(event core.Event) {
	if _, ok := cp.kinds[event.Kind]; !ok {
		cp.next.Publish(event)
		return
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed {
		return
	}

	key := coalesceKey{kind: event.Kind, source: event.Source}
	if _, seen := cp.pending[key]; !seen {
		cp.order = append(cp.order, key)
	}
	cp.pending[key] = event
}

// Close flushes any pending events and stops the background ticker.
// It is safe to call Close multiple times.
func (cp *CoalescingPublisher) Close() {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return
	}
	cp.closed = true
	cp.mu.Unlock()

	close(cp.stopCh)
	<-cp.doneCh
}

func (cp *CoalescingPublisher) run() {
	defer close(cp.doneCh)

	ticker := time.NewTicker(cp.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cp.flush()
		case <-cp.stopCh:
			cp.flush()
			return
		}
	}
}

// flush forwards all pending events and clears the pending set.
func (cp *CoalescingPublisher) flush() {
	cp.mu.Lock()
	if len(cp.order) == 0 {
		cp.mu.Unlock()
		return
	}

	// Swap out the pending set so the lock is released during forwarding.
	toFlush := make([]core.Event, 0, len(cp.order))
	for _, key := range cp.order {
		toFlush = append(toFlush, cp.pending[key])
	}
	cp.pending = make(map[coalesceKey]core.Event)
	cp.order = nil
	cp.mu.Unlock()

	for _, e := range toFlush {
		cp.next.Publish(e)
	}
}

// Compile-time interface check.
var _ Publisher = (*CoalescingPublisher)(nil)
