package bus

import (
	"context"
	"log/slog"

	"github.com/petal-labs/reactor/core"
)

// StoreSubscriber writes events to an EventStore.
// Its Handle method is a core.Handler for use as a bus subscriber.
type StoreSubscriber struct {
	store  EventStore
	logger *slog.Logger
}

// NewStoreSubscriber creates a new StoreSubscriber.
func NewStoreSubscriber(store EventStore, logger *slog.Logger) *StoreSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSubscriber{
		store:  store,
		logger: logger,
	}
}

// Handle persists a single event to the store.
func (s *StoreSubscriber) Handle(event core.Event) {
	if err := s.store.Append(context.Background(), event); err != nil {
		s.logger.Error("failed to journal event",
			"event_id", event.ID,
			"kind", event.Kind,
			"seq", event.Seq,
			"error", err,
		)
	}
}

// Attach subscribes the journal to b and returns the unsubscribe function.
func (s *StoreSubscriber) Attach(b EventBus) func() {
	return b.Subscribe(s.Handle)
}
