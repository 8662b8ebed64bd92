package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petal-labs/reactor/core"
)

// AggregationPolicy decides a batch status from its action outcomes.
type AggregationPolicy int

const (
	// AggregateAttempted marks a batch completed once every action has been
	// attempted, even if some failed. Failures stay visible per action and in
	// FailedActions.
	AggregateAttempted AggregationPolicy = iota

	// AggregateStrict marks a batch failed if any action failed.
	AggregateStrict
)

// String returns the policy name used in configuration.
func (p AggregationPolicy) String() string {
	switch p {
	case AggregateStrict:
		return "strict"
	default:
		return "attempted"
	}
}

// ParseAggregationPolicy parses "attempted" or "strict". Empty means attempted.
func ParseAggregationPolicy(s string) (AggregationPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "attempted":
		return AggregateAttempted, nil
	case "strict":
		return AggregateStrict, nil
	default:
		return AggregateAttempted, fmt.Errorf("orchestrator: unknown aggregation policy %q", s)
	}
}

func (p AggregationPolicy) aggregate(results []ActionResult) (Status, string) {
	if p != AggregateStrict {
		return StatusCompleted, ""
	}
	var failed []string
	for _, r := range results {
		if r.Err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", r.Name, r.Err))
		}
	}
	if len(failed) == 0 {
		return StatusCompleted, ""
	}
	return StatusError, strings.Join(failed, "; ")
}

// ActionResult is the outcome of one action in a batch.
type ActionResult struct {
	Name    string
	Value   any
	Err     error
	Elapsed time.Duration
}

// BatchResult is the outcome of ExecuteActions.
type BatchResult struct {
	ID      string
	Kind    core.Kind
	Status  Status
	Results []ActionResult // index-aligned with the submitted actions
	Elapsed time.Duration
}

// OK reports whether the batch completed.
func (r *BatchResult) OK() bool {
	return r.Status == StatusCompleted
}

// Failed returns the results of actions that returned an error.
func (r *BatchResult) Failed() []ActionResult {
	var out []ActionResult
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

// ExecuteActions runs actions concurrently against data and records the batch
// under batchID. An empty batchID is derived from the event kind. An empty
// action list is a no-op that creates no record.
//
// Actions run on a context detached from ctx's cancellation; once started they
// run to completion. An action that errors or panics fails on its own and
// never stops its siblings. A fault in the bookkeeping itself marks the batch
// failed and returns an error wrapping ErrOrchestration.
func (o *Orchestrator) ExecuteActions(ctx context.Context, actions []core.Action, data core.Event, batchID string) (result *BatchResult, err error) {
	if len(actions) == 0 {
		return &BatchResult{ID: batchID, Kind: data.Kind, Status: StatusCompleted}, nil
	}

	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = a.Name()
	}

	start := o.now()
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	if batchID == "" {
		batchID = o.batchIDLocked(data.Kind)
	}
	rec := newRecord(batchID, data.Kind, names, start)
	if _, exists := o.ledger[batchID]; !exists {
		o.order = append(o.order, batchID)
	}
	o.ledger[batchID] = rec
	o.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprint(r)
			o.abortBatch(rec, data.Kind, len(actions), start, msg)
			result = nil
			err = fmt.Errorf("%w: batch %s: %s", ErrOrchestration, batchID, msg)
		}
	}()

	o.logger.Info("orchestrator: batch started",
		"batch_id", batchID,
		"kind", data.Kind,
		"actions", len(actions),
	)
	o.emit(Lifecycle{
		Kind:         LifecycleBatchStarted,
		BatchID:      batchID,
		ChangeKind:   data.Kind,
		TotalActions: len(actions),
		Time:         start,
	})

	actx := context.WithoutCancel(ctx)
	results := make([]ActionResult, len(actions))

	// Goroutines return nil for action failures; only bookkeeping faults
	// surface through the group.
	var g errgroup.Group
	for i, a := range actions {
		g.Go(func() (gerr error) {
			defer func() {
				if r := recover(); r != nil {
					gerr = fmt.Errorf("action %s: %v", a.Name(), r)
				}
			}()
			results[i] = o.runAction(actx, rec, i, a, data)
			return nil
		})
	}
	if gerr := g.Wait(); gerr != nil {
		o.abortBatch(rec, data.Kind, len(actions), start, gerr.Error())
		return nil, fmt.Errorf("%w: batch %s: %v", ErrOrchestration, batchID, gerr)
	}

	status, message := o.aggregation.aggregate(results)
	o.finishRecord(rec, status, message)

	elapsed := o.now().Sub(start)
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	o.logger.Info("orchestrator: batch finished",
		"batch_id", batchID,
		"status", status,
		"failed", failed,
		"elapsed", elapsed,
	)
	o.emit(Lifecycle{
		Kind:         LifecycleBatchFinished,
		BatchID:      batchID,
		ChangeKind:   data.Kind,
		Status:       status,
		Error:        message,
		TotalActions: len(actions),
		Time:         o.now(),
		Elapsed:      elapsed,
	})

	return &BatchResult{
		ID:      batchID,
		Kind:    data.Kind,
		Status:  status,
		Results: results,
		Elapsed: elapsed,
	}, nil
}

// abortBatch marks rec failed after an orchestration fault and emits its
// batch.finished event. A handler panicking on that event is logged and
// swallowed.
func (o *Orchestrator) abortBatch(rec *record, kind core.Kind, total int, start time.Time, msg string) {
	o.finishRecord(rec, StatusError, msg)
	batchID := rec.progress.ID
	o.logger.Error("orchestrator: batch aborted", "batch_id", batchID, "error", msg)

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("orchestrator: lifecycle handler panicked", "batch_id", batchID, "panic", r)
		}
	}()
	now := o.now()
	o.emit(Lifecycle{
		Kind:         LifecycleBatchFinished,
		BatchID:      batchID,
		ChangeKind:   kind,
		Status:       StatusError,
		Error:        msg,
		TotalActions: total,
		Time:         now,
		Elapsed:      now.Sub(start),
	})
}

func (o *Orchestrator) runAction(ctx context.Context, rec *record, i int, a core.Action, data core.Event) ActionResult {
	name := a.Name()
	batchID := rec.progress.ID

	start := o.now()
	o.markAction(rec, i, ActionStarted, "")
	o.emit(Lifecycle{
		Kind:       LifecycleActionStarted,
		BatchID:    batchID,
		ChangeKind: data.Kind,
		Action:     name,
		Index:      i,
		Time:       start,
	})

	value, err := invoke(ctx, a, data)
	elapsed := o.now().Sub(start)

	if err != nil {
		o.markAction(rec, i, ActionError, err.Error())
		o.logger.Warn("orchestrator: action failed",
			"batch_id", batchID,
			"action", name,
			"error", err,
		)
		o.emit(Lifecycle{
			Kind:       LifecycleActionFailed,
			BatchID:    batchID,
			ChangeKind: data.Kind,
			Action:     name,
			Index:      i,
			Error:      err.Error(),
			Time:       o.now(),
			Elapsed:    elapsed,
		})
	} else {
		o.markAction(rec, i, ActionCompleted, "")
		o.emit(Lifecycle{
			Kind:       LifecycleActionCompleted,
			BatchID:    batchID,
			ChangeKind: data.Kind,
			Action:     name,
			Index:      i,
			Time:       o.now(),
			Elapsed:    elapsed,
		})
	}

	return ActionResult{Name: name, Value: value, Err: err, Elapsed: elapsed}
}

// invoke runs one action, turning a panic into an error.
func invoke(ctx context.Context, a core.Action, data core.Event) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return a.Execute(ctx, data)
}

func (o *Orchestrator) markAction(rec *record, i int, status ActionStatus, message string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	p := &rec.progress
	a := &p.Actions[i]
	a.Status = status
	a.ErrorMessage = message
	a.Timestamp = o.now()

	switch status {
	case ActionStarted:
		p.CurrentAction = a.Name
	case ActionCompleted:
		p.CompletedActions++
	case ActionError:
		p.FailedActions++
	}
	if status != ActionStarted && p.CurrentAction == a.Name {
		p.CurrentAction = ""
		for _, other := range p.Actions {
			if other.Status == ActionStarted {
				p.CurrentAction = other.Name
				break
			}
		}
	}
}

func (o *Orchestrator) finishRecord(rec *record, status Status, message string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec.finish(status, message, o.now())
}
