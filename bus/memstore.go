package bus

import (
	"context"
	"sync"

	"github.com/petal-labs/reactor/core"
)

// MemEventStore is a thread-safe in-memory event store.
type MemEventStore struct {
	mu     sync.RWMutex
	events []core.Event
}

// NewMemEventStore creates a new in-memory event store.
func NewMemEventStore() *MemEventStore {
	return &MemEventStore{}
}

func (s *MemEventStore) Append(_ context.Context, event core.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *MemEventStore) List(_ context.Context, afterSeq uint64, limit int) ([]core.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []core.Event
	for _, e := range s.events {
		if afterSeq > 0 && e.Seq <= afterSeq {
			continue
		}
		result = append(result, e)
		if limit > 0 && len(result) >= limit {
			break
		}
	}

	return result, nil
}

func (s *MemEventStore) LatestSeq(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest uint64
	for _, e := range s.events {
		if e.Seq > latest {
			latest = e.Seq
		}
	}
	return latest, nil
}

// Compile-time interface check.
var _ EventStore = (*MemEventStore)(nil)
