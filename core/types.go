// Package core provides the foundational types shared by every reactor package.
//
// This package contains:
//   - Change kinds and their typed payloads (the Payload sum type)
//   - Event: the immutable record published on the change bus
//   - Action: the named, side-effecting unit of work the orchestrator runs
package core

import (
	"context"
	"sort"
)

// Kind discriminates the category of an application change.
type Kind string

const (
	// KindSystemReady opens the orchestrator's readiness gate. Embedding
	// systems publish it exactly once, after all registrations are done.
	KindSystemReady Kind = "system.ready"

	// KindSignedIn is published after a user authenticates.
	KindSignedIn Kind = "auth.signed_in"

	// KindSignedOut is published after a user signs out.
	KindSignedOut Kind = "auth.signed_out"

	// KindOnboardingCompleted is published when first-run setup finishes.
	KindOnboardingCompleted Kind = "onboarding.completed"

	// KindAssessmentUpdated is published when a psychometric assessment is
	// stored or re-scored.
	KindAssessmentUpdated Kind = "assessment.updated"

	// KindSummaryRequested asks for a profile summary to be (re)generated.
	KindSummaryRequested Kind = "profile.summary_requested"
)

// String returns the string representation of the Kind.
func (k Kind) String() string {
	return string(k)
}

// builtinKinds lists kinds with a dedicated payload type.
var builtinKinds = []Kind{
	KindSystemReady,
	KindSignedIn,
	KindSignedOut,
	KindOnboardingCompleted,
	KindAssessmentUpdated,
	KindSummaryRequested,
}

// BuiltinKinds returns the kinds that carry a dedicated payload type, sorted.
func BuiltinKinds() []Kind {
	out := make([]Kind, len(builtinKinds))
	copy(out, builtinKinds)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsBuiltin reports whether k has a dedicated payload type.
func IsBuiltin(k Kind) bool {
	for _, b := range builtinKinds {
		if b == k {
			return true
		}
	}
	return false
}

// Action is a named unit of side-effecting work triggered by a change.
// Actions are registered with, not owned by, the orchestrator; any state they
// keep belongs to the implementation.
type Action interface {
	Name() string
	Description() string
	// Execute performs the work. A returned error is the action's failure
	// reason; it is recorded against the action and never aborts siblings.
	Execute(ctx context.Context, event Event) (any, error)
}

// FuncAction wraps a function as an Action.
// Useful for registering actions inline without a dedicated type.
type FuncAction struct {
	name        string
	description string
	fn          func(ctx context.Context, event Event) (any, error)
}

// NewAction creates a FuncAction with the given name, description and function.
func NewAction(name, description string, fn func(ctx context.Context, event Event) (any, error)) *FuncAction {
	return &FuncAction{
		name:        name,
		description: description,
		fn:          fn,
	}
}

// Name returns the action name.
func (a *FuncAction) Name() string {
	return a.name
}

// Description returns the action description.
func (a *FuncAction) Description() string {
	return a.description
}

// Execute runs the wrapped function.
func (a *FuncAction) Execute(ctx context.Context, event Event) (any, error) {
	return a.fn(ctx, event)
}

// Ensure interface compliance at compile time.
var _ Action = (*FuncAction)(nil)
