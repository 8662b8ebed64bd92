package bus

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/petal-labs/reactor/core"
)

// Component is implemented by anything built on a Subscriber.
type Component interface {
	// OnStateChange receives every published event whose kind is in the
	// subscriber's interest set.
	OnStateChange(event core.Event)

	// InitializeCustomSubscriptions runs once when the subscriber starts,
	// for setup unrelated to the bus.
	InitializeCustomSubscriptions() error
}

// Subscriber is the base components embed to react to selected change kinds.
// The component declares its interest set and implements Component; it never
// touches the bus directly.
type Subscriber struct {
	name   string
	kinds  map[core.Kind]struct{}
	bus    EventBus
	logger *slog.Logger

	mu          sync.Mutex
	started     bool
	unsubscribe func()
}

// NewSubscriber creates a subscription base named name, interested in kinds.
// An empty kinds list means every kind.
func NewSubscriber(name string, kinds []core.Kind, b EventBus, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	set := make(map[core.Kind]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return &Subscriber{
		name:   name,
		kinds:  set,
		bus:    b,
		logger: logger,
	}
}

// Name returns the component name.
func (s *Subscriber) Name() string {
	return s.name
}

// Interested reports whether events of kind k are forwarded.
func (s *Subscriber) Interested(k core.Kind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[k]
	return ok
}

// Kinds returns the interest set, sorted. Nil means every kind.
func (s *Subscriber) Kinds() []core.Kind {
	if len(s.kinds) == 0 {
		return nil
	}
	out := make([]core.Kind, 0, len(s.kinds))
	for k := range s.kinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Start subscribes c to the bus and runs its custom initialization.
// It is the component's post-initialization step; calls after the first
// successful one are no-ops.
func (s *Subscriber) Start(c Component) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.bus == nil {
		return fmt.Errorf("subscriber %s: bus is nil", s.name)
	}

	unsubscribe := s.bus.Subscribe(func(e core.Event) {
		if !s.Interested(e.Kind) {
			return
		}
		c.OnStateChange(e)
	})

	if err := c.InitializeCustomSubscriptions(); err != nil {
		unsubscribe()
		return fmt.Errorf("subscriber %s: custom subscriptions: %w", s.name, err)
	}

	s.unsubscribe = unsubscribe
	s.started = true
	s.logger.Debug("subscriber started", "component", s.name, "kinds", s.Kinds())
	return nil
}

// Stop unsubscribes from the bus. It is safe to call more than once.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	s.started = false
}

// Started reports whether the subscriber is currently attached to the bus.
func (s *Subscriber) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}
