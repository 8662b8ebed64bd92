package bus

import (
	"context"

	"github.com/petal-labs/reactor/core"
)

// EventStore journals published change events for diagnostics.
// Journals are never replayed into the orchestrator.
type EventStore interface {
	// Append stores an event.
	Append(ctx context.Context, event core.Event) error

	// List returns events in sequence order.
	// afterSeq: return events with Seq > afterSeq (0 means all)
	// limit: max events to return (0 means no limit)
	List(ctx context.Context, afterSeq uint64, limit int) ([]core.Event, error)

	// LatestSeq returns the highest Seq stored (0 if no events).
	LatestSeq(ctx context.Context) (uint64, error)
}
