package orchestrator

import (
	"time"

	"github.com/petal-labs/reactor/core"
)

// LifecycleKind identifies an orchestration lifecycle event.
type LifecycleKind string

const (
	// LifecycleBatchStarted is emitted when a batch record is created.
	LifecycleBatchStarted LifecycleKind = "batch.started"

	// LifecycleActionStarted is emitted right before an action executes.
	LifecycleActionStarted LifecycleKind = "action.started"

	// LifecycleActionCompleted is emitted when an action succeeds.
	LifecycleActionCompleted LifecycleKind = "action.completed"

	// LifecycleActionFailed is emitted when an action returns an error or panics.
	LifecycleActionFailed LifecycleKind = "action.failed"

	// LifecycleBatchFinished is emitted once every action settled, or when
	// the batch aborted on an orchestration fault.
	LifecycleBatchFinished LifecycleKind = "batch.finished"

	// LifecycleBatchDropped is emitted when an event arrives for a disabled kind.
	LifecycleBatchDropped LifecycleKind = "batch.dropped"
)

// String returns the string representation of the LifecycleKind.
func (k LifecycleKind) String() string {
	return string(k)
}

// Lifecycle describes one step of batch processing.
type Lifecycle struct {
	Kind         LifecycleKind
	BatchID      string
	ChangeKind   core.Kind
	Action       string // empty for batch-level events
	Index        int    // position of Action in the batch
	Status       Status // batch status for batch.finished
	Error        string
	TotalActions int
	Time         time.Time
	Elapsed      time.Duration // since batch or action start

	// TraceID and SpanID are set by handlers that correlate with tracing.
	TraceID string
	SpanID  string
}

// LifecycleHandler receives lifecycle events. Action-level events are emitted
// from the goroutines running the actions, so handlers must be safe for
// concurrent use.
type LifecycleHandler func(Lifecycle)

// MultiLifecycleHandler combines multiple handlers into one.
func MultiLifecycleHandler(handlers ...LifecycleHandler) LifecycleHandler {
	return func(l Lifecycle) {
		for _, h := range handlers {
			if h != nil {
				h(l)
			}
		}
	}
}
