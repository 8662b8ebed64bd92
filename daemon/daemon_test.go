package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	iriscore "github.com/petal-labs/iris/core"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/petal-labs/reactor/actions"
	"github.com/petal-labs/reactor/core"
	"github.com/petal-labs/reactor/orchestrator"
	"github.com/petal-labs/reactor/schedule"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestDaemon builds and starts a daemon that is stopped on cleanup.
func newTestDaemon(t *testing.T, cfg Config, opts Options) *Daemon {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = noop.NewTracerProvider()
	}
	d, err := New(cfg, opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Stop(ctx)
	})
	settle(t, d)
	return d
}

// settle waits until queued batches, including those queued by running
// batches, have finished.
func settle(t *testing.T, d *Daemon) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		if err := d.Orchestrator().Flush(ctx); err != nil {
			t.Fatalf("Flush() error = %v", err)
		}
	}
}

// hookRecorder is an httptest endpoint that records webhook bodies.
type hookRecorder struct {
	mu     sync.Mutex
	bodies []map[string]any
	status int
}

func newHookServer(t *testing.T, status int) (*hookRecorder, *httptest.Server) {
	t.Helper()
	rec := &hookRecorder{status: status}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		rec.mu.Lock()
		rec.bodies = append(rec.bodies, body)
		rec.mu.Unlock()
		w.WriteHeader(rec.status)
	}))
	t.Cleanup(srv.Close)
	return rec, srv
}

func (h *hookRecorder) received() []map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]map[string]any(nil), h.bodies...)
}

type stubProvider struct {
	output string
}

func (p *stubProvider) ID() string { return "stub" }

func (p *stubProvider) Chat(_ context.Context, req *iriscore.ChatRequest) (*iriscore.ChatResponse, error) {
	return &iriscore.ChatResponse{
		ID:     "resp",
		Model:  req.Model,
		Output: p.output,
	}, nil
}

func journalKinds(t *testing.T, d *Daemon) ([]core.Kind, []uint64) {
	t.Helper()
	events, err := d.Journal().List(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("journal List() error = %v", err)
	}
	kinds := make([]core.Kind, len(events))
	seqs := make([]uint64, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
		seqs[i] = e.Seq
	}
	return kinds, seqs
}

// sameList compares two slices by their printed form.
func sameList[T any](got, want []T) bool {
	return fmt.Sprint(got) == fmt.Sprint(want)
}

func TestDaemon_RunsDeclaredActions(t *testing.T) {
	hooks, srv := newHookServer(t, http.StatusNoContent)

	cfg := DefaultConfig()
	cfg.Actions = map[core.Kind][]actions.Declaration{
		core.KindSignedIn: {
			{Name: "audit", Type: actions.TypeLog},
			{Name: "notify", Type: actions.TypeWebhook, Endpoint: srv.URL},
			{Name: "onboard", Type: actions.TypePublish, Kind: core.KindOnboardingCompleted},
		},
		core.KindOnboardingCompleted: {
			{Name: "welcome", Type: actions.TypeLog, Level: "debug"},
		},
	}
	d := newTestDaemon(t, cfg, Options{})
	if got := d.Orchestrator().Gate(); got != orchestrator.GateLive {
		t.Fatalf("Gate() = %s, want %s", got, orchestrator.GateLive)
	}

	d.Publish(core.NewEvent(core.SignedIn{UserID: "u1"}, "auth"))
	settle(t, d)

	signedIn, ok := d.Orchestrator().LatestBatch(core.KindSignedIn)
	if !ok {
		t.Fatal("no auth.signed_in batch")
	}
	if signedIn.Status != orchestrator.StatusCompleted || signedIn.CompletedActions != 3 {
		t.Errorf("signed_in batch = %s with %d completed, want completed with 3", signedIn.Status, signedIn.CompletedActions)
	}

	onboarding, ok := d.Orchestrator().LatestBatch(core.KindOnboardingCompleted)
	if !ok {
		t.Fatal("publish action did not trigger an onboarding batch")
	}
	if onboarding.Status != orchestrator.StatusCompleted {
		t.Errorf("onboarding batch status = %s, want %s", onboarding.Status, orchestrator.StatusCompleted)
	}

	bodies := hooks.received()
	if len(bodies) != 1 {
		t.Fatalf("got %d webhook deliveries, want 1", len(bodies))
	}
	if bodies[0]["action"] != "notify" || bodies[0]["kind"] != string(core.KindSignedIn) {
		t.Errorf("webhook body = %v", bodies[0])
	}
	payload, _ := bodies[0]["payload"].(map[string]any)
	if len(payload) != 1 || payload["user_id"] != "u1" {
		t.Errorf("webhook payload = %v, want map[user_id:u1]", bodies[0]["payload"])
	}

	kinds, seqs := journalKinds(t, d)
	wantKinds := []core.Kind{core.KindSystemReady, core.KindSignedIn, core.KindOnboardingCompleted}
	if !sameList(kinds, wantKinds) {
		t.Errorf("journal kinds = %v, want %v", kinds, wantKinds)
	}
	if !sameList(seqs, []uint64{1, 2, 3}) {
		t.Errorf("journal seqs = %v, want [1 2 3]", seqs)
	}
}

func TestDaemon_SummarizeActionStoresSummary(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LLM = LLMConfig{Provider: "stub", Model: "stub-model"}
	cfg.Actions = map[core.Kind][]actions.Declaration{
		core.KindAssessmentUpdated: {{Name: "summarize", Type: actions.TypeSummarize}},
	}
	d := newTestDaemon(t, cfg, Options{Provider: &stubProvider{output: "Curious and steady."}})

	d.Publish(core.NewEvent(core.AssessmentUpdated{
		UserID:       "u1",
		AssessmentID: "a1",
		Instrument:   "big-five",
		Scores:       map[string]float64{"openness": 0.8},
	}, "assessments"))
	settle(t, d)

	summary, ok := d.Summaries().Latest("u1")
	if !ok {
		t.Fatal("no summary stored for u1")
	}
	if summary.Text != "Curious and steady." || summary.Provider != "stub" || summary.Kind != core.KindAssessmentUpdated {
		t.Errorf("summary = %+v", summary)
	}
}

func TestDaemon_JournalSequenceSurvivesRestart(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Journal.DSN = filepath.Join(t.TempDir(), "journal.db")

	first, err := New(cfg, Options{Logger: quietLogger(), TracerProvider: noop.NewTracerProvider()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := first.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	first.Publish(core.NewEvent(core.SignedIn{UserID: "u1"}, "auth"))
	if err := first.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	second := newTestDaemon(t, cfg, Options{})
	second.Publish(core.NewEvent(core.SignedOut{UserID: "u1"}, "auth"))
	settle(t, second)

	kinds, seqs := journalKinds(t, second)
	wantKinds := []core.Kind{
		core.KindSystemReady, core.KindSignedIn,
		core.KindSystemReady, core.KindSignedOut,
	}
	if !sameList(kinds, wantKinds) {
		t.Errorf("journal kinds = %v, want %v", kinds, wantKinds)
	}
	if !sameList(seqs, []uint64{1, 2, 3, 4}) {
		t.Errorf("journal seqs = %v, want [1 2 3 4]", seqs)
	}
}

func TestDaemon_CoalescesConfiguredKinds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Coalesce = CoalesceConfig{Kinds: []core.Kind{core.KindAssessmentUpdated}, Interval: time.Hour}

	d, err := New(cfg, Options{Logger: quietLogger(), TracerProvider: noop.NewTracerProvider()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		d.Publish(core.NewEvent(core.AssessmentUpdated{UserID: "u1", AssessmentID: "a1"}, "assessments"))
	}
	d.Publish(core.NewEvent(core.SignedIn{UserID: "u1"}, "auth"))

	// Stop flushes the coalescer before the journal detaches.
	if err := d.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	kinds, _ := journalKinds(t, d)
	want := []core.Kind{core.KindSystemReady, core.KindSignedIn, core.KindAssessmentUpdated}
	if !sameList(kinds, want) {
		t.Errorf("journal kinds = %v, want %v", kinds, want)
	}
}

func TestDaemon_SchedulerPublishesTriggers(t *testing.T) {
	var (
		mu  sync.Mutex
		now = time.Date(2025, 3, 1, 0, 0, 30, 0, time.UTC)
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	cfg := DefaultConfig()
	cfg.Schedule.PollInterval = time.Hour
	cfg.Schedule.Triggers = []schedule.Trigger{{
		Name:    "digest",
		Cron:    "*/5 * * * *",
		Kind:    core.KindSummaryRequested,
		Payload: map[string]any{"user_id": "u1", "scope": "values"},
	}}
	cfg.Actions = map[core.Kind][]actions.Declaration{
		core.KindSummaryRequested: {{Name: "trace", Type: actions.TypeLog}},
	}
	d := newTestDaemon(t, cfg, Options{Now: clock})

	if n := d.Scheduler().RunOnce(); n != 0 {
		t.Fatalf("RunOnce() before due = %d, want 0", n)
	}

	mu.Lock()
	now = now.Add(5 * time.Minute)
	mu.Unlock()
	if n := d.Scheduler().RunOnce(); n != 1 {
		t.Fatalf("RunOnce() when due = %d, want 1", n)
	}
	settle(t, d)

	p, ok := d.Orchestrator().LatestBatch(core.KindSummaryRequested)
	if !ok {
		t.Fatal("trigger did not start a batch")
	}
	if p.Status != orchestrator.StatusCompleted {
		t.Errorf("batch status = %s, want %s", p.Status, orchestrator.StatusCompleted)
	}

	events, err := d.Journal().List(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("journal List() error = %v", err)
	}
	last := events[len(events)-1]
	if last.Source != "schedule:digest" {
		t.Errorf("source = %q, want schedule:digest", last.Source)
	}
	want := core.SummaryRequested{UserID: "u1", Scope: "values"}
	if got, ok := last.Payload.(core.SummaryRequested); !ok || got != want {
		t.Errorf("payload = %#v, want %#v", last.Payload, want)
	}
}

func TestDaemon_RecordsChangeMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	cfg := DefaultConfig()
	cfg.Actions = map[core.Kind][]actions.Declaration{
		core.KindSignedIn: {{Name: "audit", Type: actions.TypeLog}},
	}
	d := newTestDaemon(t, cfg, Options{MeterProvider: mp})
	d.Publish(core.NewEvent(core.SignedIn{UserID: "u1"}, "auth"))
	settle(t, d)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	names := make(map[string]bool)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}
	for _, want := range []string{"reactor.change.events", "reactor.action.executions"} {
		if !names[want] {
			t.Errorf("metric %s not recorded", want)
		}
	}
}

func TestDaemon_StartTwiceAndInvalidConfig(t *testing.T) {
	d := newTestDaemon(t, DefaultConfig(), Options{})
	if err := d.Start(); err == nil {
		t.Error("second Start() succeeded, want error")
	}

	cfg := DefaultConfig()
	cfg.Orchestrator.Aggregation = "most"
	if _, err := New(cfg, Options{Logger: quietLogger()}); err == nil {
		t.Error("New() accepted an unknown aggregation policy")
	}
}
