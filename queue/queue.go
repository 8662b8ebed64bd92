// Package queue provides a bounded-concurrency execution queue.
//
// A Queue admits at most N submitted functions at a time and admits waiting
// submissions in the order they were submitted. Each submission's outcome,
// including a recovered panic, is delivered only to its own Future. The same
// primitive serializes orchestration batches (N=1) and throttles outbound
// calls to rate-limited services (N>=2).
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrPanic wraps a panic recovered from a submitted function.
var ErrPanic = errors.New("queue: function panicked")

// Func is a unit of work submitted to a Queue.
type Func func(ctx context.Context) (any, error)

// Config configures a Queue.
type Config struct {
	// Name labels the queue in logs.
	Name string

	// MaxConcurrent is the admission limit (default: 1).
	MaxConcurrent int

	// Logger receives diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Queue runs submitted functions with bounded concurrency and FIFO admission.
type Queue struct {
	name   string
	max    int
	slots  *semaphore.Weighted
	logger *slog.Logger

	mu       sync.Mutex
	pending  []*task
	inFlight int
}

type task struct {
	ctx    context.Context
	fn     Func
	future *Future
}

// New creates a queue with the given configuration.
func New(cfg Config) *Queue {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Queue{
		name:   cfg.Name,
		max:    cfg.MaxConcurrent,
		slots:  semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		logger: cfg.Logger,
	}
}

// Name returns the diagnostic label.
func (q *Queue) Name() string {
	return q.name
}

// MaxConcurrent returns the admission limit.
func (q *Queue) MaxConcurrent() int {
	return q.max
}

// InFlight returns the number of functions currently running.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

// Pending returns the number of submissions waiting for a slot.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Submit enqueues fn and returns immediately. The queue position is fixed
// when Submit is called, so submissions from one goroutine are admitted in
// call order. If ctx is done before fn is admitted, fn never runs and the
// future resolves with ctx.Err().
func (q *Queue) Submit(ctx context.Context, fn Func) *Future {
	if ctx == nil {
		ctx = context.Background()
	}
	f := newFuture()
	q.mu.Lock()
	q.pending = append(q.pending, &task{ctx: ctx, fn: fn, future: f})
	waiting := len(q.pending)
	q.mu.Unlock()

	if waiting > 1 {
		q.logger.Debug("queue: waiting for slot",
			"queue", q.name,
			"pending", waiting,
			"max_concurrent", q.max,
		)
	}
	q.admit()
	return f
}

// Do submits fn and waits for its outcome. If ctx is done first, Do returns
// ctx.Err(); fn keeps running if it was already admitted.
func (q *Queue) Do(ctx context.Context, fn Func) (any, error) {
	return q.Submit(ctx, fn).Wait(ctx)
}

// Run is the typed form of Queue.Do.
func Run[T any](ctx context.Context, q *Queue, fn func(ctx context.Context) (T, error)) (T, error) {
	v, err := q.Do(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	out, _ := v.(T)
	return out, nil
}

// admit starts pending tasks while slots are free.
func (q *Queue) admit() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 || !q.slots.TryAcquire(1) {
			q.mu.Unlock()
			return
		}
		t := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]

		if err := t.ctx.Err(); err != nil {
			q.slots.Release(1)
			q.mu.Unlock()
			t.future.resolve(nil, err)
			continue
		}
		q.inFlight++
		q.mu.Unlock()

		go q.run(t)
	}
}

func (q *Queue) run(t *task) {
	v, err := q.call(t)

	q.mu.Lock()
	q.inFlight--
	q.slots.Release(1)
	q.mu.Unlock()

	t.future.resolve(v, err)
	q.admit()
}

func (q *Queue) call(t *task) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("queue: recovered panic", "queue", q.name, "panic", r)
			v, err = nil, fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return t.fn(t.ctx)
}

// Future is the pending outcome of a submitted function.
type Future struct {
	done chan struct{}
	val  any
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(v any, err error) {
	f.val = v
	f.err = err
	close(f.done)
}

// Done is closed once the outcome is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the outcome is available or ctx is done.
func (f *Future) Wait(ctx context.Context) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome. It must only be called after Done is closed.
func (f *Future) Result() (any, error) {
	<-f.done
	return f.val, f.err
}
