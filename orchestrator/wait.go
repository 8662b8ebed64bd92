package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/petal-labs/reactor/core"
)

// WaitForChangeActions waits for the most recent batch of kind to settle.
//
// It returns true immediately when no batch of kind was ever recorded or the
// latest one completed, and (false, error wrapping ErrBatchFailed) when it
// failed. If the batch is still running after timeout it returns false with a
// nil error; zero uses the configured default. Cancelling ctx returns its error.
func (o *Orchestrator) WaitForChangeActions(ctx context.Context, kind core.Kind, timeout time.Duration) (bool, error) {
	o.mu.Lock()
	rec := o.latestLocked(kind)
	if rec == nil {
		o.mu.Unlock()
		return true, nil
	}
	done := rec.done
	o.mu.Unlock()

	if timeout <= 0 {
		timeout = o.waitTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
	default:
		select {
		case <-done:
		case <-timer.C:
			o.logger.Warn("orchestrator: wait timed out",
				"kind", kind,
				"batch_id", o.recordID(rec),
				"timeout", timeout,
			)
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	p := rec.progress
	switch p.Status {
	case StatusCompleted:
		return true, nil
	case StatusError:
		return false, fmt.Errorf("%w: %s: %s", ErrBatchFailed, p.ID, p.ErrorMessage)
	default:
		// Released without settling: the orchestrator ended.
		return false, nil
	}
}

// latestLocked returns the newest record whose id starts with kind + "_".
func (o *Orchestrator) latestLocked(kind core.Kind) *record {
	prefix := string(kind) + "_"
	for i := len(o.order) - 1; i >= 0; i-- {
		id := o.order[i]
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		if rec, ok := o.ledger[id]; ok {
			return rec
		}
	}
	return nil
}

func (o *Orchestrator) recordID(rec *record) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return rec.progress.ID
}
