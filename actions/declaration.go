// Package actions builds orchestrator actions from declarative configuration.
package actions

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/petal-labs/reactor/bus"
	"github.com/petal-labs/reactor/core"
	"github.com/petal-labs/reactor/llm"
)

// Action types.
const (
	TypeLog       = "log"
	TypeWebhook   = "webhook"
	TypePublish   = "publish"
	TypeSummarize = "summarize"
)

// Declaration describes one action in configuration.
type Declaration struct {
	Name        string `yaml:"name" json:"name"`
	Type        string `yaml:"type" json:"type"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// log
	Level   string `yaml:"level,omitempty" json:"level,omitempty"`
	Message string `yaml:"message,omitempty" json:"message,omitempty"`

	// webhook
	Endpoint string            `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Headers  map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Timeout  time.Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Retry    RetryPolicy       `yaml:"retry,omitempty" json:"retry,omitempty"`

	// publish
	Kind    core.Kind      `yaml:"kind,omitempty" json:"kind,omitempty"`
	Payload map[string]any `yaml:"payload,omitempty" json:"payload,omitempty"`
}

// Validate checks the fields required by the declaration's type.
func (d Declaration) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("action name is required")
	}
	switch d.Type {
	case TypeLog:
		if _, err := parseLevel(d.Level); err != nil {
			return fmt.Errorf("action %s: %w", d.Name, err)
		}
	case TypeWebhook:
		if strings.TrimSpace(d.Endpoint) == "" {
			return fmt.Errorf("action %s: webhook endpoint is required", d.Name)
		}
		if !strings.HasPrefix(d.Endpoint, "http://") && !strings.HasPrefix(d.Endpoint, "https://") {
			return fmt.Errorf("action %s: webhook endpoint must be http(s): %q", d.Name, d.Endpoint)
		}
		if d.Retry.MaxAttempts < 0 || d.Retry.Backoff < 0 {
			return fmt.Errorf("action %s: retry values must not be negative", d.Name)
		}
	case TypePublish:
		if d.Kind == "" {
			return fmt.Errorf("action %s: publish kind is required", d.Name)
		}
		if _, err := core.PayloadFromMap(d.Kind, d.Payload); err != nil {
			return fmt.Errorf("action %s: %w", d.Name, err)
		}
	case TypeSummarize:
	case "":
		return fmt.Errorf("action %s: type is required", d.Name)
	default:
		return fmt.Errorf("action %s: unknown type %q", d.Name, d.Type)
	}
	return nil
}

// Deps carries what built actions may need. Only the dependencies used by
// the declared types are required.
type Deps struct {
	Publisher  bus.Publisher
	Summarizer *llm.Summarizer
	Sink       llm.Sink
	HTTPClient *http.Client
	Observer   DeliveryObserver
	Logger     *slog.Logger
}

// Build creates the action for d.
func Build(d Declaration, deps Deps) (core.Action, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch d.Type {
	case TypeLog:
		level, _ := parseLevel(d.Level)
		return newLogAction(d, level, logger), nil
	case TypeWebhook:
		return newWebhookAction(d, deps.HTTPClient, deps.Observer, logger), nil
	case TypePublish:
		if deps.Publisher == nil {
			return nil, fmt.Errorf("action %s: publish requires a bus", d.Name)
		}
		return newPublishAction(d, deps.Publisher), nil
	case TypeSummarize:
		if deps.Summarizer == nil {
			return nil, fmt.Errorf("action %s: summarize requires an llm provider", d.Name)
		}
		return llm.SummarizeAction(d.Name, deps.Summarizer, deps.Sink), nil
	}
	return nil, fmt.Errorf("action %s: unknown type %q", d.Name, d.Type)
}

// BuildAll builds every declaration, keyed by change kind. Kinds are visited in
// sorted order so errors are deterministic; action order within a kind is
// preserved.
func BuildAll(decls map[core.Kind][]Declaration, deps Deps) (map[core.Kind][]core.Action, error) {
	kinds := make([]core.Kind, 0, len(decls))
	for k := range decls {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	out := make(map[core.Kind][]core.Action, len(decls))
	for _, kind := range kinds {
		for _, d := range decls[kind] {
			a, err := Build(d, deps)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", kind, err)
			}
			out[kind] = append(out[kind], a)
		}
	}
	return out, nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

func describe(d Declaration, fallback string) string {
	if d.Description != "" {
		return d.Description
	}
	return fallback
}
