// Package schedule publishes change events on cron schedules.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/petal-labs/reactor/bus"
	"github.com/petal-labs/reactor/core"
)

const defaultPollInterval = 5 * time.Second

// Trigger publishes an event of Kind whenever Cron fires.
type Trigger struct {
	Name    string         `yaml:"name" json:"name"`
	Cron    string         `yaml:"cron" json:"cron"`
	Kind    core.Kind      `yaml:"kind" json:"kind"`
	Source  string         `yaml:"source,omitempty" json:"source,omitempty"`
	Payload map[string]any `yaml:"payload,omitempty" json:"payload,omitempty"`
}

// Validate checks the trigger and its cron expression.
func (t Trigger) Validate() error {
	if t.Name == "" {
		return errors.New("trigger name is required")
	}
	if t.Kind == "" {
		return fmt.Errorf("trigger %s: kind is required", t.Name)
	}
	if _, err := ParseUTC(t.Cron); err != nil {
		return fmt.Errorf("trigger %s: %w", t.Name, err)
	}
	if _, err := core.PayloadFromMap(t.Kind, t.Payload); err != nil {
		return fmt.Errorf("trigger %s: %w", t.Name, err)
	}
	return nil
}

// Status is a snapshot of one trigger's schedule.
type Status struct {
	Name      string     `json:"name"`
	Kind      core.Kind  `json:"kind"`
	Cron      string     `json:"cron"`
	NextRunAt time.Time  `json:"next_run_at"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	Fired     int        `json:"fired"`
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	Triggers     []Trigger
	Publisher    bus.Publisher
	PollInterval time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

// Scheduler periodically publishes events for due triggers.
type Scheduler struct {
	publisher    bus.Publisher
	pollInterval time.Duration
	now          func() time.Time
	logger       *slog.Logger

	mu      sync.Mutex
	entries []*entry
	cancel  context.CancelFunc
	done    chan struct{}
}

type entry struct {
	trigger  Trigger
	schedule cron.Schedule
	next     time.Time
	last     *time.Time
	fired    int
}

// NewScheduler validates the triggers and computes their first run.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Publisher == nil {
		return nil, errors.New("schedule: publisher is nil")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	now := cfg.Now().UTC()
	seen := make(map[string]struct{}, len(cfg.Triggers))
	entries := make([]*entry, 0, len(cfg.Triggers))
	for _, t := range cfg.Triggers {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("schedule: %w", err)
		}
		if _, dup := seen[t.Name]; dup {
			return nil, fmt.Errorf("schedule: duplicate trigger %q", t.Name)
		}
		seen[t.Name] = struct{}{}

		sched, _ := ParseUTC(t.Cron)
		entries = append(entries, &entry{
			trigger:  t,
			schedule: sched,
			next:     sched.Next(now),
		})
	}

	return &Scheduler{
		publisher:    cfg.Publisher,
		pollInterval: cfg.PollInterval,
		now:          cfg.Now,
		logger:       cfg.Logger,
		entries:      entries,
	}, nil
}

// Start starts background polling. Calling Start twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.RunOnce()
			}
		}
	}()
}

// Stop stops background polling.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce publishes one event for every due trigger and returns how many
// fired. A trigger that missed several activations fires once.
func (s *Scheduler) RunOnce() int {
	now := s.now().UTC()

	s.mu.Lock()
	var due []core.Event
	for _, e := range s.entries {
		if e.next.After(now) {
			continue
		}
		payload, err := core.PayloadFromMap(e.trigger.Kind, e.trigger.Payload)
		if err != nil {
			// validated at construction
			s.logger.Error("schedule: build payload", "trigger", e.trigger.Name, "error", err)
			continue
		}
		source := e.trigger.Source
		if source == "" {
			source = "schedule:" + e.trigger.Name
		}
		due = append(due, core.NewEvent(payload, source).WithTime(now))

		ran := now
		e.last = &ran
		e.fired++
		e.next = e.schedule.Next(now)
		s.logger.Info("schedule: trigger fired",
			"trigger", e.trigger.Name,
			"kind", e.trigger.Kind,
			"next_run_at", e.next,
		)
	}
	s.mu.Unlock()

	for _, ev := range due {
		s.publisher.Publish(ev)
	}
	return len(due)
}

// Statuses returns a snapshot of every trigger, sorted by name.
func (s *Scheduler) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Status, 0, len(s.entries))
	for _, e := range s.entries {
		st := Status{
			Name:      e.trigger.Name,
			Kind:      e.trigger.Kind,
			Cron:      e.trigger.Cron,
			NextRunAt: e.next,
			Fired:     e.fired,
		}
		if e.last != nil {
			last := *e.last
			st.LastRunAt = &last
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
