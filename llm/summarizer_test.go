package llm

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	iriscore "github.com/petal-labs/iris/core"

	"github.com/petal-labs/reactor/core"
)

// mockProvider implements ChatProvider for testing.
type mockProvider struct {
	id     string
	output string
	err    error
	delay  time.Duration

	mu       sync.Mutex
	requests []*iriscore.ChatRequest

	active atomic.Int32
	peak   atomic.Int32
}

func (m *mockProvider) ID() string { return m.id }

func (m *mockProvider) Chat(ctx context.Context, req *iriscore.ChatRequest) (*iriscore.ChatResponse, error) {
	n := m.active.Add(1)
	defer m.active.Add(-1)
	for {
		p := m.peak.Load()
		if n <= p || m.peak.CompareAndSwap(p, n) {
			break
		}
	}

	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	return &iriscore.ChatResponse{
		ID:     "resp-1",
		Model:  "mock-model",
		Output: m.output,
		Usage: iriscore.TokenUsage{
			PromptTokens:     12,
			CompletionTokens: 8,
			TotalTokens:      20,
		},
	}, nil
}

func (m *mockProvider) lastRequest() *iriscore.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return nil
	}
	return m.requests[len(m.requests)-1]
}

func assessment(user string) core.Event {
	return core.NewEvent(core.AssessmentUpdated{
		UserID:       user,
		AssessmentID: "a-1",
		Instrument:   "big-five",
		Scores:       map[string]float64{"openness": 0.8, "agreeableness": 0.55},
	}, "test")
}

func TestSummarize_Assessment(t *testing.T) {
	mock := &mockProvider{id: "mock", output: "  A curious, cooperative person.  "}
	temp := 0.2
	s, err := NewSummarizer(mock, Config{Model: "gpt-test", Temperature: &temp})
	if err != nil {
		t.Fatalf("NewSummarizer() error = %v", err)
	}

	summary, err := s.Summarize(context.Background(), assessment("u1"))
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}

	if summary.UserID != "u1" || summary.Kind != core.KindAssessmentUpdated || summary.Scope != "big-five" {
		t.Errorf("summary subject = (%q, %q, %q), want (u1, %s, big-five)", summary.UserID, summary.Kind, summary.Scope, core.KindAssessmentUpdated)
	}
	if summary.Text != "A curious, cooperative person." {
		t.Errorf("Text = %q, want trimmed output", summary.Text)
	}
	if summary.Provider != "mock" || summary.Model != "mock-model" {
		t.Errorf("provider/model = %s/%s, want mock/mock-model", summary.Provider, summary.Model)
	}
	if summary.InputTokens != 12 || summary.OutputTokens != 8 {
		t.Errorf("tokens = %d in / %d out, want 12 / 8", summary.InputTokens, summary.OutputTokens)
	}

	req := mock.lastRequest()
	if req == nil {
		t.Fatal("provider saw no request")
	}
	if req.Model != iriscore.ModelID("gpt-test") {
		t.Errorf("request model = %q, want gpt-test", req.Model)
	}
	if len(req.Messages) != 2 {
		t.Fatalf("request has %d messages, want 2", len(req.Messages))
	}
	if req.Messages[0].Role != iriscore.RoleSystem || req.Messages[1].Role != iriscore.RoleUser {
		t.Errorf("roles = %s, %s, want system, user", req.Messages[0].Role, req.Messages[1].Role)
	}
	// scores are listed in name order
	content := req.Messages[1].Content
	if strings.Index(content, "agreeableness") >= strings.Index(content, "openness") {
		t.Errorf("scores not sorted by name:\n%s", content)
	}
	if req.Temperature == nil {
		t.Fatal("request temperature not set")
	}
	if got := float64(*req.Temperature); math.Abs(got-0.2) > 1e-6 {
		t.Errorf("temperature = %v, want 0.2", got)
	}
}

func TestSummarize_Errors(t *testing.T) {
	mock := &mockProvider{id: "mock", err: errors.New("rate limited")}
	s, err := NewSummarizer(mock, Config{Model: "m"})
	if err != nil {
		t.Fatalf("NewSummarizer() error = %v", err)
	}

	if _, err := s.Summarize(context.Background(), assessment("u1")); err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("Summarize() error = %v, want provider error", err)
	}

	_, err = s.Summarize(context.Background(), core.NewEvent(core.SignedIn{UserID: "u1"}, "t"))
	if !errors.Is(err, ErrUnsupportedEvent) {
		t.Errorf("Summarize(signed_in) error = %v, want ErrUnsupportedEvent", err)
	}

	empty := &mockProvider{id: "mock", output: "   "}
	s, err = NewSummarizer(empty, Config{Model: "m"})
	if err != nil {
		t.Fatalf("NewSummarizer() error = %v", err)
	}
	if _, err := s.Summarize(context.Background(), assessment("u1")); err == nil || !strings.Contains(err.Error(), "empty summary") {
		t.Errorf("Summarize() error = %v, want empty summary", err)
	}
}

func TestSummarize_BoundedConcurrency(t *testing.T) {
	mock := &mockProvider{id: "mock", output: "ok", delay: 20 * time.Millisecond}
	s, err := NewSummarizer(mock, Config{Model: "m", MaxConcurrent: 2})
	if err != nil {
		t.Fatalf("NewSummarizer() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Summarize(context.Background(), assessment("u1")); err != nil {
				t.Errorf("Summarize() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if peak := mock.peak.Load(); peak > 2 {
		t.Errorf("peak concurrent calls = %d, want <= 2", peak)
	}
	if len(mock.requests) != 6 {
		t.Errorf("provider saw %d requests, want 6", len(mock.requests))
	}
}

func TestSummarize_Timeout(t *testing.T) {
	mock := &mockProvider{id: "mock", output: "late", delay: time.Second}
	s, err := NewSummarizer(mock, Config{Model: "m", Timeout: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewSummarizer() error = %v", err)
	}

	_, err = s.Summarize(context.Background(), assessment("u1"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Summarize() error = %v, want deadline exceeded", err)
	}
}

func TestNewSummarizer_Validation(t *testing.T) {
	if _, err := NewSummarizer(nil, Config{Model: "m"}); err == nil {
		t.Error("NewSummarizer(nil provider) succeeded, want error")
	}
	if _, err := NewSummarizer(&mockProvider{}, Config{}); err == nil {
		t.Error("NewSummarizer(no model) succeeded, want error")
	}
}

func TestPrompt(t *testing.T) {
	prompt, user, scope, err := Prompt(core.NewEvent(core.SummaryRequested{UserID: "u9"}, "t"))
	if err != nil {
		t.Fatalf("Prompt() error = %v", err)
	}
	if user != "u9" || scope != "profile" {
		t.Errorf("user, scope = %q, %q, want u9, profile", user, scope)
	}
	if want := "Write a profile summary for user u9."; prompt != want {
		t.Errorf("prompt = %q, want %q", prompt, want)
	}

	prompt, _, _, err = Prompt(core.NewEvent(core.AssessmentUpdated{UserID: "u1"}, "t"))
	if err != nil {
		t.Fatalf("Prompt() error = %v", err)
	}
	if !strings.Contains(prompt, "no scores reported") {
		t.Errorf("prompt = %q, want no scores note", prompt)
	}

	_, _, _, err = Prompt(core.NewEvent(core.SummaryRequested{}, "t"))
	if !errors.Is(err, ErrUnsupportedEvent) {
		t.Errorf("Prompt(no user) error = %v, want ErrUnsupportedEvent", err)
	}
}

func TestSummarizeAction_StoresInSink(t *testing.T) {
	mock := &mockProvider{id: "mock", output: "summary text"}
	s, err := NewSummarizer(mock, Config{Model: "m"})
	if err != nil {
		t.Fatalf("NewSummarizer() error = %v", err)
	}

	sink := NewMemorySink()
	action := SummarizeAction("summarize", s, sink)
	if action.Name() != "summarize" {
		t.Errorf("Name() = %q, want summarize", action.Name())
	}

	value, err := action.Execute(context.Background(), assessment("u1"))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	summary, ok := value.(Summary)
	if !ok {
		t.Fatalf("Execute() value = %T, want Summary", value)
	}
	if summary.Text != "summary text" {
		t.Errorf("Text = %q, want summary text", summary.Text)
	}

	stored, ok := sink.Latest("u1")
	if !ok {
		t.Fatal("no summary stored for u1")
	}
	if stored.Text != summary.Text || !stored.CreatedAt.Equal(summary.CreatedAt) {
		t.Errorf("stored = %+v, want %+v", stored, summary)
	}
	if sink.Len() != 1 {
		t.Errorf("sink.Len() = %d, want 1", sink.Len())
	}
}

type failingSink struct{}

func (failingSink) Store(context.Context, Summary) error { return errors.New("disk full") }

func TestSummarizeAction_SinkError(t *testing.T) {
	s, err := NewSummarizer(&mockProvider{id: "mock", output: "x"}, Config{Model: "m"})
	if err != nil {
		t.Fatalf("NewSummarizer() error = %v", err)
	}

	_, err = SummarizeAction("summarize", s, failingSink{}).Execute(context.Background(), assessment("u1"))
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("Execute() error = %v, want sink error", err)
	}
}
