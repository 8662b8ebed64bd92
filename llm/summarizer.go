// Package llm generates profile summaries with an iris LLM provider.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	iriscore "github.com/petal-labs/iris/core"

	"github.com/petal-labs/reactor/core"
	"github.com/petal-labs/reactor/queue"
)

const (
	defaultMaxConcurrent = 2
	defaultTimeout       = 60 * time.Second
	defaultSystemPrompt  = "You write short, neutral summaries of a user's profile and assessment results. " +
		"Use plain language and at most five sentences."
)

// ErrUnsupportedEvent is returned for events that carry nothing to summarize.
var ErrUnsupportedEvent = errors.New("llm: event cannot be summarized")

// Config configures a Summarizer.
type Config struct {
	Model string

	// System overrides the default system prompt.
	System string

	// MaxConcurrent bounds in-flight provider calls. Default: 2.
	MaxConcurrent int

	// Timeout bounds a single provider call. Default: 60s.
	Timeout time.Duration

	MaxTokens   *int
	Temperature *float64

	Logger *slog.Logger
	Now    func() time.Time
}

// Summary is the result of one summarization.
type Summary struct {
	UserID       string    `json:"user_id"`
	Kind         core.Kind `json:"kind"`
	Scope        string    `json:"scope,omitempty"`
	Text         string    `json:"text"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CreatedAt    time.Time `json:"created_at"`
}

// Summarizer turns change events into summaries. Provider calls go through a
// bounded queue so a burst of events cannot flood the provider.
type Summarizer struct {
	provider    ChatProvider
	model       string
	system      string
	timeout     time.Duration
	maxTokens   *int
	temperature *float64
	calls       *queue.Queue
	logger      *slog.Logger
	now         func() time.Time
}

// NewSummarizer creates a summarizer backed by provider.
func NewSummarizer(provider ChatProvider, cfg Config) (*Summarizer, error) {
	if provider == nil {
		return nil, errors.New("llm: provider is nil")
	}
	if cfg.Model == "" {
		return nil, errors.New("llm: model is required")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.System == "" {
		cfg.System = defaultSystemPrompt
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Summarizer{
		provider:    provider,
		model:       cfg.Model,
		system:      cfg.System,
		timeout:     cfg.Timeout,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		calls: queue.New(queue.Config{
			Name:          "llm",
			MaxConcurrent: cfg.MaxConcurrent,
			Logger:        cfg.Logger,
		}),
		logger: cfg.Logger,
		now:    cfg.Now,
	}, nil
}

// Summarize builds a prompt from event and asks the provider for a summary.
func (s *Summarizer) Summarize(ctx context.Context, event core.Event) (Summary, error) {
	prompt, userID, scope, err := Prompt(event)
	if err != nil {
		return Summary{}, err
	}

	return queue.Run(ctx, s.calls, func(ctx context.Context) (Summary, error) {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		start := s.now()
		resp, err := s.provider.Chat(ctx, s.request(prompt))
		if err != nil {
			return Summary{}, fmt.Errorf("provider chat failed: %w", err)
		}
		text := strings.TrimSpace(resp.Output)
		if text == "" {
			return Summary{}, fmt.Errorf("provider %s returned an empty summary", s.provider.ID())
		}

		s.logger.Debug("llm: summary generated",
			"provider", s.provider.ID(),
			"user_id", userID,
			"kind", event.Kind,
			"elapsed", s.now().Sub(start),
		)

		model := string(resp.Model)
		if model == "" {
			model = s.model
		}
		return Summary{
			UserID:       userID,
			Kind:         event.Kind,
			Scope:        scope,
			Text:         text,
			Provider:     s.provider.ID(),
			Model:        model,
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			CreatedAt:    s.now(),
		}, nil
	})
}

func (s *Summarizer) request(prompt string) *iriscore.ChatRequest {
	req := &iriscore.ChatRequest{
		Model: iriscore.ModelID(s.model),
		Messages: []iriscore.Message{
			{Role: iriscore.RoleSystem, Content: s.system},
			{Role: iriscore.RoleUser, Content: prompt},
		},
	}
	if s.temperature != nil {
		temp := float32(*s.temperature)
		req.Temperature = &temp
	}
	if s.maxTokens != nil {
		req.MaxTokens = s.maxTokens
	}
	return req
}

// Prompt renders the user prompt for event and returns the user and scope it
// concerns.
func Prompt(event core.Event) (prompt, userID, scope string, err error) {
	switch p := event.Payload.(type) {
	case core.AssessmentUpdated:
		if p.UserID == "" {
			return "", "", "", fmt.Errorf("%w: assessment without user", ErrUnsupportedEvent)
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Summarize the latest %s assessment", orDefault(p.Instrument, "profile"))
		if p.AssessmentID != "" {
			fmt.Fprintf(&b, " (%s)", p.AssessmentID)
		}
		b.WriteString(" for this user.\nScores:\n")
		names := make([]string, 0, len(p.Scores))
		for name := range p.Scores {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "- %s: %.2f\n", name, p.Scores[name])
		}
		if len(names) == 0 {
			b.WriteString("- no scores reported\n")
		}
		return b.String(), p.UserID, p.Instrument, nil

	case core.SummaryRequested:
		if p.UserID == "" {
			return "", "", "", fmt.Errorf("%w: summary request without user", ErrUnsupportedEvent)
		}
		scope := orDefault(p.Scope, "profile")
		return fmt.Sprintf("Write a %s summary for user %s.", scope, p.UserID), p.UserID, scope, nil

	default:
		return "", "", "", fmt.Errorf("%w: %s", ErrUnsupportedEvent, event.Kind)
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
