// Package orchestrator runs registered side-effect actions in response to
// change events. Events are buffered until a ready signal arrives, batches
// for a kind never overlap with themselves, and every batch is recorded in a
// progress ledger that callers can query or wait on.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/petal-labs/reactor/bus"
	"github.com/petal-labs/reactor/core"
	"github.com/petal-labs/reactor/queue"
)

var (
	// ErrClosed is returned by operations on an orchestrator after End.
	ErrClosed = errors.New("orchestrator: closed")

	// ErrBatchFailed wraps the error message of a failed batch.
	ErrBatchFailed = errors.New("orchestrator: batch failed")

	// ErrOrchestration reports a fault in the batch bookkeeping itself rather
	// than in one of its actions.
	ErrOrchestration = errors.New("orchestrator: orchestration fault")
)

// DefaultWaitTimeout bounds WaitForChangeActions when no timeout is given.
const DefaultWaitTimeout = 10 * time.Second

// GateState describes the readiness gate.
type GateState string

const (
	// GateBuffering holds events until the ready signal arrives.
	GateBuffering GateState = "buffering"

	// GateDraining means the gate opened and buffered events are still running.
	GateDraining GateState = "draining"

	// GateLive means events are processed as they arrive.
	GateLive GateState = "live"
)

// Config configures an Orchestrator.
type Config struct {
	// Bus delivers change events. Required for Start.
	Bus bus.EventBus

	// ReadyKind opens the readiness gate. Default: core.KindSystemReady.
	ReadyKind core.Kind

	// Kinds is the interest set. Empty means every kind. The ready kind is
	// always added.
	Kinds []core.Kind

	// Aggregation decides the batch status from action outcomes.
	// Default: AggregateAttempted.
	Aggregation AggregationPolicy

	// WaitTimeout is used by WaitForChangeActions when the caller passes zero.
	// Default: DefaultWaitTimeout.
	WaitTimeout time.Duration

	// Handler receives lifecycle events. Optional.
	Handler LifecycleHandler

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Now overrides the clock. Default: time.Now.
	Now func() time.Time
}

// Orchestrator reacts to change events by running the actions registered for
// their kind.
type Orchestrator struct {
	*bus.Subscriber

	readyKind   core.Kind
	aggregation AggregationPolicy
	waitTimeout time.Duration
	handler     LifecycleHandler
	logger      *slog.Logger
	now         func() time.Time

	// batches serializes change processing: one batch at a time, FIFO.
	batches *queue.Queue
	ctx     context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	registry map[core.Kind][]core.Action
	enabled  map[core.Kind]bool
	ready    bool
	pending  []core.Event
	draining int
	ledger   map[string]*record
	order    []string // ledger ids in creation order
	closed   bool
}

// New creates an orchestrator. Every builtin kind and every kind in the
// interest set starts enabled.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	readyKind := cfg.ReadyKind
	if readyKind == "" {
		readyKind = core.KindSystemReady
	}
	waitTimeout := cfg.WaitTimeout
	if waitTimeout <= 0 {
		waitTimeout = DefaultWaitTimeout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	kinds := cfg.Kinds
	if len(kinds) > 0 {
		kinds = append(append([]core.Kind(nil), kinds...), readyKind)
	}

	enabled := make(map[core.Kind]bool)
	for _, k := range core.BuiltinKinds() {
		enabled[k] = true
	}
	for _, k := range kinds {
		enabled[k] = true
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Orchestrator{
		Subscriber:  bus.NewSubscriber("orchestrator", kinds, cfg.Bus, logger),
		readyKind:   readyKind,
		aggregation: cfg.Aggregation,
		waitTimeout: waitTimeout,
		handler:     cfg.Handler,
		logger:      logger,
		now:         now,
		batches:     queue.New(queue.Config{Name: "orchestrator", MaxConcurrent: 1, Logger: logger}),
		ctx:         ctx,
		cancel:      cancel,
		registry:    make(map[core.Kind][]core.Action),
		enabled:     enabled,
		ledger:      make(map[string]*record),
	}
}

// Start attaches the orchestrator to the bus.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return o.Subscriber.Start(o)
}

// InitializeCustomSubscriptions implements bus.Component.
func (o *Orchestrator) InitializeCustomSubscriptions() error {
	o.logger.Info("orchestrator started",
		"ready_kind", o.readyKind,
		"aggregation", o.aggregation.String(),
		"registered_kinds", len(o.RegisteredKinds()),
	)
	return nil
}

// End detaches from the bus and clears the registry, the ledger and the
// pending queue. Batches waiting in line are skipped; a batch already running
// finishes its actions but is no longer recorded. Waiters are released.
func (o *Orchestrator) End() {
	o.Subscriber.Stop()
	o.cancel()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	for _, rec := range o.ledger {
		rec.release()
	}
	o.registry = make(map[core.Kind][]core.Action)
	o.ledger = make(map[string]*record)
	o.order = nil
	o.pending = nil
	o.logger.Info("orchestrator ended")
}

// RegisterActions appends actions to the list for kind. Registration order is
// preserved. A kind seen for the first time starts enabled.
func (o *Orchestrator) RegisterActions(kind core.Kind, actions ...core.Action) error {
	if kind == "" {
		return errors.New("orchestrator: register: empty kind")
	}
	for i, a := range actions {
		if a == nil {
			return fmt.Errorf("orchestrator: register %s: action %d is nil", kind, i)
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	o.registry[kind] = append(o.registry[kind], actions...)
	if _, known := o.enabled[kind]; !known {
		o.enabled[kind] = true
	}
	return nil
}

// Actions returns a copy of the actions registered for kind.
func (o *Orchestrator) Actions(kind core.Kind) []core.Action {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]core.Action(nil), o.registry[kind]...)
}

// RegisteredKinds returns the kinds with at least one action, sorted.
func (o *Orchestrator) RegisteredKinds() []core.Kind {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]core.Kind, 0, len(o.registry))
	for k, actions := range o.registry {
		if len(actions) > 0 {
			out = append(out, k)
		}
	}
	sortKinds(out)
	return out
}

// EnableChangeType marks kind eligible for processing.
func (o *Orchestrator) EnableChangeType(kind core.Kind) {
	o.mu.Lock()
	o.enabled[kind] = true
	o.mu.Unlock()
}

// DisableChangeType stops kind from being processed. Events of a disabled kind
// are dropped, not deferred.
func (o *Orchestrator) DisableChangeType(kind core.Kind) {
	o.mu.Lock()
	o.enabled[kind] = false
	o.mu.Unlock()
}

// EnableAllChangeTypes enables every known kind.
func (o *Orchestrator) EnableAllChangeTypes() {
	o.mu.Lock()
	for k := range o.enabled {
		o.enabled[k] = true
	}
	o.mu.Unlock()
}

// DisableAllChangeTypes disables every known kind. Kinds registered later
// start enabled.
func (o *Orchestrator) DisableAllChangeTypes() {
	o.mu.Lock()
	for k := range o.enabled {
		o.enabled[k] = false
	}
	o.mu.Unlock()
}

// IsChangeTypeEnabled reports whether kind is eligible. Kinds the
// orchestrator has never seen are eligible.
func (o *Orchestrator) IsChangeTypeEnabled(kind core.Kind) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.enabledLocked(kind)
}

func (o *Orchestrator) enabledLocked(kind core.Kind) bool {
	v, known := o.enabled[kind]
	return !known || v
}

// EnabledChangeTypes returns the known kinds currently enabled, sorted.
func (o *Orchestrator) EnabledChangeTypes() []core.Kind {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]core.Kind, 0, len(o.enabled))
	for k, v := range o.enabled {
		if v {
			out = append(out, k)
		}
	}
	sortKinds(out)
	return out
}

// OnStateChange implements bus.Component. Before the ready signal every event
// is buffered. The ready signal opens the gate and queues the buffered events
// in arrival order; later events are queued directly.
func (o *Orchestrator) OnStateChange(event core.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return
	}

	if event.Kind == o.readyKind {
		if o.ready {
			o.logger.Debug("orchestrator: duplicate ready signal ignored")
			return
		}
		o.ready = true
		drained := o.pending
		o.pending = nil
		o.draining = len(drained)
		o.logger.Info("orchestrator: readiness gate open", "buffered", len(drained))
		for _, e := range drained {
			o.enqueueLocked(e, true)
		}
		return
	}

	if !o.ready {
		o.pending = append(o.pending, event)
		o.logger.Debug("orchestrator: event buffered", "kind", event.Kind, "buffered", len(o.pending))
		return
	}
	o.enqueueLocked(event, false)
}

// enqueueLocked hands event to the batch queue. Submit never blocks, so it is
// safe under o.mu and keeps the queue in the order events were accepted.
func (o *Orchestrator) enqueueLocked(event core.Event, drained bool) {
	o.batches.Submit(o.ctx, func(ctx context.Context) (any, error) {
		if drained {
			defer o.drainedOne()
		}
		if err := o.processChangeEvent(ctx, event); err != nil {
			o.logger.Error("orchestrator: batch failed", "kind", event.Kind, "error", err)
		}
		return nil, nil
	})
}

func (o *Orchestrator) drainedOne() {
	o.mu.Lock()
	if o.draining > 0 {
		o.draining--
	}
	o.mu.Unlock()
}

// Flush blocks until every event accepted so far has been processed.
func (o *Orchestrator) Flush(ctx context.Context) error {
	_, err := o.batches.Do(ctx, func(context.Context) (any, error) { return nil, nil })
	return err
}

// Ready reports whether the readiness gate is open.
func (o *Orchestrator) Ready() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ready
}

// Gate returns the readiness gate state.
func (o *Orchestrator) Gate() GateState {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case !o.ready:
		return GateBuffering
	case o.draining > 0:
		return GateDraining
	default:
		return GateLive
	}
}

// PendingCount returns the number of events buffered behind the gate.
func (o *Orchestrator) PendingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// processChangeEvent runs one batch for event. A disabled kind is dropped.
// Otherwise the kind is disabled for the duration of the batch and re-enabled
// afterwards whatever the outcome.
func (o *Orchestrator) processChangeEvent(ctx context.Context, event core.Event) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if !o.enabledLocked(event.Kind) {
		o.mu.Unlock()
		o.logger.Info("orchestrator: change type disabled, event dropped", "kind", event.Kind)
		o.emit(Lifecycle{
			Kind:       LifecycleBatchDropped,
			ChangeKind: event.Kind,
			Time:       o.now(),
		})
		return nil
	}
	o.enabled[event.Kind] = false
	actions := append([]core.Action(nil), o.registry[event.Kind]...)
	batchID := o.batchIDLocked(event.Kind)
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		if !o.closed {
			o.enabled[event.Kind] = true
		}
		o.mu.Unlock()
	}()

	if len(actions) == 0 {
		o.logger.Debug("orchestrator: no actions registered", "kind", event.Kind)
		return nil
	}

	res, err := o.ExecuteActions(ctx, actions, event, batchID)
	if err != nil {
		return err
	}
	if res.Status == StatusError {
		return fmt.Errorf("%w: %s", ErrBatchFailed, res.ID)
	}
	return nil
}

// batchIDLocked derives "{kind}_{unixMillis}", suffixed when two batches of a
// kind start within the same millisecond.
func (o *Orchestrator) batchIDLocked(kind core.Kind) string {
	id := fmt.Sprintf("%s_%d", kind, o.now().UnixMilli())
	if _, taken := o.ledger[id]; !taken {
		return id
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s_%d", id, n)
		if _, taken := o.ledger[candidate]; !taken {
			return candidate
		}
	}
}

// Progress returns a snapshot of the batch with the given id.
func (o *Orchestrator) Progress(id string) (Progress, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.ledger[id]
	if !ok {
		return Progress{}, false
	}
	return rec.progress.clone(), true
}

// Batches returns snapshots of every recorded batch in creation order.
func (o *Orchestrator) Batches() []Progress {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Progress, 0, len(o.order))
	for _, id := range o.order {
		if rec, ok := o.ledger[id]; ok {
			out = append(out, rec.progress.clone())
		}
	}
	return out
}

// LatestBatch returns the most recently created batch for kind.
func (o *Orchestrator) LatestBatch(kind core.Kind) (Progress, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec := o.latestLocked(kind)
	if rec == nil {
		return Progress{}, false
	}
	return rec.progress.clone(), true
}

func (o *Orchestrator) emit(l Lifecycle) {
	if o.handler != nil {
		o.handler(l)
	}
}

func sortKinds(kinds []core.Kind) {
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
}

// Compile-time interface check.
var _ bus.Component = (*Orchestrator)(nil)
