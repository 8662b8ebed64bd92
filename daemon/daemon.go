// Package daemon hosts the orchestrator as a long-running process: it loads
// reactor.yaml, wires the change bus, journal, orchestrator, telemetry,
// scheduler and declared actions, and serves the HTTP API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/reactor/actions"
	"github.com/petal-labs/reactor/bus"
	"github.com/petal-labs/reactor/core"
	"github.com/petal-labs/reactor/llm"
	"github.com/petal-labs/reactor/orchestrator"
	reactorotel "github.com/petal-labs/reactor/otel"
	"github.com/petal-labs/reactor/schedule"
	"github.com/petal-labs/reactor/sse"
)

// Options overrides dependencies New would otherwise build from Config.
type Options struct {
	Logger *slog.Logger

	// TracerProvider and MeterProvider default to the OTLP exporter when
	// telemetry.otlp_endpoint is set, else to the global providers.
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider

	// Provider replaces the iris provider named in llm.provider.
	Provider llm.ChatProvider

	// HTTPClient is used by webhook actions.
	HTTPClient *http.Client

	// Lifecycle receives orchestration lifecycle events after telemetry.
	Lifecycle orchestrator.LifecycleHandler

	Now func() time.Time
}

// Daemon owns every long-lived component of a reactor process.
type Daemon struct {
	cfg    Config
	logger *slog.Logger

	bus       *bus.MemBus
	publisher bus.Publisher
	coalescer *bus.CoalescingPublisher
	journal   bus.EventStore
	orch      *orchestrator.Orchestrator
	scheduler *schedule.Scheduler
	summaries *llm.MemorySink
	observer  *reactorotel.ChangeObserver
	progress  *sse.ProgressStream

	shutdownTracing func(context.Context) error

	mu      sync.Mutex
	started bool
	stopped bool
	detach  []func()
}

// New builds a daemon from cfg. Nothing runs until Start.
func New(cfg Config, opts Options) (*Daemon, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("daemon: invalid config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := &Daemon{
		cfg:       cfg,
		logger:    logger,
		summaries: llm.NewMemorySink(),
		progress:  sse.NewProgressStream(logger),
	}

	ok := false
	defer func() {
		if !ok {
			_ = d.closeResources(context.Background())
		}
	}()

	journal, err := openJournal(cfg.Journal, logger)
	if err != nil {
		return nil, err
	}
	d.journal = journal

	startSeq, err := journal.LatestSeq(context.Background())
	if err != nil {
		return nil, fmt.Errorf("daemon: reading journal sequence: %w", err)
	}
	d.bus = bus.NewMemBus(bus.MemBusConfig{StartSeq: startSeq, Logger: logger})

	d.publisher = d.bus
	if len(cfg.Coalesce.Kinds) > 0 {
		d.coalescer = bus.NewCoalescingPublisher(d.bus, bus.CoalesceConfig{
			Kinds:    cfg.Coalesce.Kinds,
			Interval: cfg.Coalesce.Interval,
		})
		d.publisher = d.coalescer
	}

	tp, mp, err := d.telemetry(opts)
	if err != nil {
		return nil, err
	}
	tracing := reactorotel.NewTracingHandler(tp.Tracer("reactor/orchestrator"))
	metrics, err := reactorotel.NewMetricsHandler(mp.Meter("reactor/orchestrator"))
	if err != nil {
		return nil, fmt.Errorf("daemon: orchestrator metrics: %w", err)
	}
	d.observer, err = reactorotel.NewChangeObserver(mp.Meter("reactor/bus"), tp.Tracer("reactor/bus"))
	if err != nil {
		return nil, fmt.Errorf("daemon: change observer: %w", err)
	}

	aggregation, _ := orchestrator.ParseAggregationPolicy(cfg.Orchestrator.Aggregation)
	d.orch = orchestrator.New(orchestrator.Config{
		Bus:         d.bus,
		ReadyKind:   cfg.Orchestrator.ReadyKind,
		Kinds:       cfg.Orchestrator.Kinds,
		Aggregation: aggregation,
		WaitTimeout: cfg.Orchestrator.WaitTimeout,
		Handler:     reactorotel.Observe(tracing, metrics, d.progress.Handle, opts.Lifecycle),
		Logger:      logger,
		Now:         opts.Now,
	})

	summarizer, err := d.summarizer(opts)
	if err != nil {
		return nil, err
	}

	built, err := actions.BuildAll(cfg.Actions, actions.Deps{
		Publisher:  d.publisher,
		Summarizer: summarizer,
		Sink:       d.summaries,
		HTTPClient: opts.HTTPClient,
		Observer:   d.observer,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("daemon: building actions: %w", err)
	}
	for kind, list := range built {
		if err := d.orch.RegisterActions(kind, list...); err != nil {
			return nil, fmt.Errorf("daemon: %w", err)
		}
	}

	if len(cfg.Schedule.Triggers) > 0 {
		d.scheduler, err = schedule.NewScheduler(schedule.SchedulerConfig{
			Triggers:     cfg.Schedule.Triggers,
			Publisher:    d.publisher,
			PollInterval: cfg.Schedule.PollInterval,
			Now:          opts.Now,
			Logger:       logger,
		})
		if err != nil {
			return nil, fmt.Errorf("daemon: %w", err)
		}
	}

	ok = true
	return d, nil
}

func openJournal(cfg JournalConfig, logger *slog.Logger) (bus.EventStore, error) {
	if cfg.DSN == "" {
		return bus.NewMemEventStore(), nil
	}
	store, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{
		DSN:            cfg.DSN,
		RetentionAge:   cfg.RetentionAge,
		RetentionCount: cfg.RetentionCount,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("daemon: opening journal: %w", err)
	}
	return store, nil
}

func (d *Daemon) telemetry(opts Options) (trace.TracerProvider, metric.MeterProvider, error) {
	mp := opts.MeterProvider
	if mp == nil {
		mp = otelapi.GetMeterProvider()
	}
	if opts.TracerProvider != nil {
		return opts.TracerProvider, mp, nil
	}
	if d.cfg.Telemetry.OTLPEndpoint == "" {
		return otelapi.GetTracerProvider(), mp, nil
	}

	exporterOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(d.cfg.Telemetry.OTLPEndpoint)}
	if d.cfg.Telemetry.Insecure {
		exporterOpts = append(exporterOpts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(context.Background(), exporterOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("daemon: otlp exporter: %w", err)
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", d.cfg.Telemetry.ServiceName),
		)),
	)
	d.shutdownTracing = provider.Shutdown
	d.logger.Info("daemon: exporting traces", "endpoint", d.cfg.Telemetry.OTLPEndpoint)
	return provider, mp, nil
}

func (d *Daemon) summarizer(opts Options) (*llm.Summarizer, error) {
	provider := opts.Provider
	if provider == nil {
		if d.cfg.LLM.Provider == "" {
			return nil, nil
		}
		var err error
		provider, err = llm.NewProvider(d.cfg.LLM.Provider, d.cfg.LLM.APIKey)
		if err != nil {
			return nil, fmt.Errorf("daemon: %w", err)
		}
	}
	s, err := llm.NewSummarizer(provider, llm.Config{
		Model:         d.cfg.LLM.Model,
		System:        d.cfg.LLM.System,
		MaxConcurrent: d.cfg.LLM.MaxConcurrent,
		Timeout:       d.cfg.LLM.Timeout,
		MaxTokens:     d.cfg.LLM.MaxTokens,
		Temperature:   d.cfg.LLM.Temperature,
		Logger:        d.logger,
		Now:           opts.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("daemon: %w", err)
	}
	return s, nil
}

// Start attaches the journal and change observer, starts the orchestrator and
// scheduler, and publishes the ready event. It must be called once.
func (d *Daemon) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return errors.New("daemon: stopped")
	}
	if d.started {
		return errors.New("daemon: already started")
	}

	// Journal first so every event is recorded before it is acted on.
	d.detach = append(d.detach,
		bus.NewStoreSubscriber(d.journal, d.logger).Attach(d.bus),
		d.bus.Subscribe(d.observer.Handle),
	)

	if err := d.orch.Start(); err != nil {
		return fmt.Errorf("daemon: starting orchestrator: %w", err)
	}
	if d.scheduler != nil {
		d.scheduler.Start()
	}
	d.started = true

	d.bus.Publish(core.NewEvent(readyPayload(d.cfg.Orchestrator.ReadyKind), "daemon"))
	d.logger.Info("daemon: started",
		"ready_kind", d.cfg.Orchestrator.ReadyKind,
		"actions", d.cfg.ActionCount(),
		"triggers", len(d.cfg.Schedule.Triggers),
	)
	return nil
}

func readyPayload(kind core.Kind) core.Payload {
	if kind == core.KindSystemReady {
		return core.SystemReady{}
	}
	return core.Custom{Name: kind}
}

// Stop stops triggers, flushes coalesced events, lets queued batches finish
// until ctx is done, then tears everything down in reverse order.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	started := d.started
	d.mu.Unlock()

	var errs []error
	if d.scheduler != nil && started {
		if err := d.scheduler.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping scheduler: %w", err))
		}
	}
	if d.coalescer != nil {
		d.coalescer.Close()
	}
	if started {
		if err := d.orch.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flushing batches: %w", err))
		}
	}
	if err := d.closeResources(ctx); err != nil {
		errs = append(errs, err)
	}
	d.logger.Info("daemon: stopped")
	return errors.Join(errs...)
}

func (d *Daemon) closeResources(ctx context.Context) error {
	var errs []error
	if d.orch != nil {
		d.orch.End()
	}
	if d.coalescer != nil {
		d.coalescer.Close()
	}
	for i := len(d.detach) - 1; i >= 0; i-- {
		d.detach[i]()
	}
	d.detach = nil
	if d.bus != nil {
		if err := d.bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing bus: %w", err))
		}
	}
	if closer, ok := d.journal.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing journal: %w", err))
		}
	}
	if d.shutdownTracing != nil {
		if err := d.shutdownTracing(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down tracing: %w", err))
		}
		d.shutdownTracing = nil
	}
	return errors.Join(errs...)
}

// Publish sends an event through the daemon's publisher, which coalesces the
// configured kinds.
func (d *Daemon) Publish(event core.Event) {
	d.publisher.Publish(event)
}

// Config returns the effective configuration.
func (d *Daemon) Config() Config { return d.cfg }

// Bus returns the change bus.
func (d *Daemon) Bus() *bus.MemBus { return d.bus }

// Journal returns the change journal.
func (d *Daemon) Journal() bus.EventStore { return d.journal }

// Orchestrator returns the orchestrator.
func (d *Daemon) Orchestrator() *orchestrator.Orchestrator { return d.orch }

// Summaries returns the store written by summarize actions.
func (d *Daemon) Summaries() *llm.MemorySink { return d.summaries }

// Progress returns the lifecycle event stream served at /api/batches/stream.
func (d *Daemon) Progress() *sse.ProgressStream { return d.progress }

// Scheduler returns the trigger scheduler, or nil when none is configured.
func (d *Daemon) Scheduler() *schedule.Scheduler { return d.scheduler }
