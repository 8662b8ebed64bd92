package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/petal-labs/reactor/core"
)

// Sink stores generated summaries.
type Sink interface {
	Store(ctx context.Context, s Summary) error
}

// MemorySink keeps the latest summary per user.
type MemorySink struct {
	mu     sync.RWMutex
	latest map[string]Summary
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{latest: make(map[string]Summary)}
}

// Store implements Sink.
func (m *MemorySink) Store(_ context.Context, s Summary) error {
	m.mu.Lock()
	m.latest[s.UserID] = s
	m.mu.Unlock()
	return nil
}

// Latest returns the most recent summary for userID.
func (m *MemorySink) Latest(userID string) (Summary, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.latest[userID]
	return s, ok
}

// Len returns the number of users with a summary.
func (m *MemorySink) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.latest)
}

// SummarizeAction returns an action that summarizes the triggering event and
// stores the result in sink. The action's value is the Summary.
func SummarizeAction(name string, s *Summarizer, sink Sink) core.Action {
	return core.NewAction(name, "Summarize the user's profile with an LLM", func(ctx context.Context, event core.Event) (any, error) {
		summary, err := s.Summarize(ctx, event)
		if err != nil {
			return nil, err
		}
		if sink != nil {
			if err := sink.Store(ctx, summary); err != nil {
				return nil, fmt.Errorf("store summary for %s: %w", summary.UserID, err)
			}
		}
		return summary, nil
	})
}

var _ Sink = (*MemorySink)(nil)
