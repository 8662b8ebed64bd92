package orchestrator

import (
	"time"

	"github.com/petal-labs/reactor/core"
)

// Status is the aggregate state of a batch.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// ActionStatus is the state of one action within a batch.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionStarted   ActionStatus = "started"
	ActionCompleted ActionStatus = "completed"
	ActionError     ActionStatus = "error"
)

// ActionProgress tracks one action of a batch.
type ActionProgress struct {
	Name         string       `json:"name"`
	Status       ActionStatus `json:"status"`
	ErrorMessage string       `json:"error_message,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
}

// Progress is the ledger record of one batch. Values handed out by the
// orchestrator are snapshots; mutating them has no effect on the ledger.
type Progress struct {
	ID               string     `json:"id"`
	Kind             core.Kind  `json:"kind"`
	Status           Status     `json:"status"`
	StartTime        time.Time  `json:"start_time"`
	EndTime          *time.Time `json:"end_time,omitempty"`
	TotalActions     int        `json:"total_actions"`
	CompletedActions int        `json:"completed_actions"` // succeeded
	FailedActions    int        `json:"failed_actions"`
	CurrentAction    string     `json:"current_action,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`

	// Actions is index-aligned with the submitted action list, so actions
	// sharing a name stay distinguishable.
	Actions []ActionProgress `json:"actions"`
}

// Action returns the progress of the first action named name.
func (p Progress) Action(name string) (ActionProgress, bool) {
	for _, a := range p.Actions {
		if a.Name == name {
			return a, true
		}
	}
	return ActionProgress{}, false
}

// Settled returns the number of actions that reached a final state.
func (p Progress) Settled() int {
	return p.CompletedActions + p.FailedActions
}

func (p Progress) clone() Progress {
	out := p
	out.Actions = make([]ActionProgress, len(p.Actions))
	copy(out.Actions, p.Actions)
	if p.EndTime != nil {
		end := *p.EndTime
		out.EndTime = &end
	}
	return out
}

// record is the mutable ledger entry behind a Progress snapshot.
// Fields are guarded by the orchestrator mutex; done is closed once the
// record reaches a terminal status.
type record struct {
	progress Progress
	done     chan struct{}
	closed   bool
}

func newRecord(id string, kind core.Kind, names []string, now time.Time) *record {
	actions := make([]ActionProgress, len(names))
	for i, name := range names {
		actions[i] = ActionProgress{
			Name:      name,
			Status:    ActionPending,
			Timestamp: now,
		}
	}
	return &record{
		progress: Progress{
			ID:           id,
			Kind:         kind,
			Status:       StatusRunning,
			StartTime:    now,
			TotalActions: len(names),
			Actions:      actions,
		},
		done: make(chan struct{}),
	}
}

// finish moves the record to a terminal status and wakes waiters.
func (r *record) finish(status Status, message string, now time.Time) {
	r.progress.Status = status
	r.progress.ErrorMessage = message
	r.progress.CurrentAction = ""
	end := now
	r.progress.EndTime = &end
	r.release()
}

// release wakes waiters without changing status.
func (r *record) release() {
	if !r.closed {
		r.closed = true
		close(r.done)
	}
}
