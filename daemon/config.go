package daemon

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petal-labs/reactor/actions"
	"github.com/petal-labs/reactor/core"
	"github.com/petal-labs/reactor/orchestrator"
	"github.com/petal-labs/reactor/schedule"
)

const (
	projectConfigName = "reactor.yaml"
	homeConfigDir     = ".reactor"
	homeConfigName    = "config.yaml"
)

// Config is the reactor.yaml shape.
type Config struct {
	Server       ServerConfig                        `yaml:"server"`
	Orchestrator OrchestratorConfig                  `yaml:"orchestrator"`
	Journal      JournalConfig                       `yaml:"journal"`
	LLM          LLMConfig                           `yaml:"llm"`
	Coalesce     CoalesceConfig                      `yaml:"coalesce"`
	Telemetry    TelemetryConfig                     `yaml:"telemetry"`
	Schedule     ScheduleConfig                      `yaml:"schedule"`
	Actions      map[core.Kind][]actions.Declaration `yaml:"actions"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	CORSOrigin   string        `yaml:"cors_origin"`
	MaxBody      int64         `yaml:"max_body"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// OrchestratorConfig mirrors orchestrator.Config.
type OrchestratorConfig struct {
	ReadyKind   core.Kind     `yaml:"ready_kind"`
	Kinds       []core.Kind   `yaml:"kinds"`
	Aggregation string        `yaml:"aggregation"`
	WaitTimeout time.Duration `yaml:"wait_timeout"`
}

// JournalConfig selects the change journal. An empty DSN keeps the journal
// in memory.
type JournalConfig struct {
	DSN            string        `yaml:"dsn"`
	RetentionAge   time.Duration `yaml:"retention_age"`
	RetentionCount int           `yaml:"retention_count"`
}

// LLMConfig configures the summarizer used by summarize actions.
type LLMConfig struct {
	Provider      string        `yaml:"provider"`
	APIKey        string        `yaml:"api_key"`
	Model         string        `yaml:"model"`
	System        string        `yaml:"system"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxTokens     *int          `yaml:"max_tokens"`
	Temperature   *float64      `yaml:"temperature"`
}

// CoalesceConfig lists bursty kinds published through the coalescer.
type CoalesceConfig struct {
	Kinds    []core.Kind   `yaml:"kinds"`
	Interval time.Duration `yaml:"interval"`
}

// TelemetryConfig enables OTLP trace export when OTLPEndpoint is set.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
	Insecure     bool   `yaml:"insecure"`
}

// ScheduleConfig holds cron triggers.
type ScheduleConfig struct {
	PollInterval time.Duration      `yaml:"poll_interval"`
	Triggers     []schedule.Trigger `yaml:"triggers"`
}

// DefaultConfig returns the configuration used when no file is found.
func DefaultConfig() Config {
	cfg := Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.CORSOrigin == "" {
		c.Server.CORSOrigin = "*"
	}
	if c.Server.MaxBody == 0 {
		c.Server.MaxBody = 1 << 20
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Orchestrator.ReadyKind == "" {
		c.Orchestrator.ReadyKind = core.KindSystemReady
	}
	if c.Orchestrator.WaitTimeout == 0 {
		c.Orchestrator.WaitTimeout = orchestrator.DefaultWaitTimeout
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "reactor"
	}
}

// expandEnv applies ${VAR} expansion to the fields that commonly carry
// secrets or deployment-specific locations.
func (c *Config) expandEnv() {
	c.Server.Host = expandEnvValue(c.Server.Host)
	c.Journal.DSN = expandEnvValue(c.Journal.DSN)
	c.LLM.APIKey = expandEnvValue(c.LLM.APIKey)
	c.LLM.Provider = expandEnvValue(c.LLM.Provider)
	c.LLM.Model = expandEnvValue(c.LLM.Model)
	c.Telemetry.OTLPEndpoint = expandEnvValue(c.Telemetry.OTLPEndpoint)

	for kind, decls := range c.Actions {
		for i := range decls {
			decls[i].Endpoint = expandEnvValue(decls[i].Endpoint)
			decls[i].Headers = expandStringMap(decls[i].Headers)
		}
		c.Actions[kind] = decls
	}
}

// Validate reports every problem found in the configuration.
func (c Config) Validate() error {
	var errs []error

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if _, err := orchestrator.ParseAggregationPolicy(c.Orchestrator.Aggregation); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator.aggregation: %w", err))
	}
	if c.Orchestrator.WaitTimeout < 0 {
		errs = append(errs, errors.New("orchestrator.wait_timeout must not be negative"))
	}
	for _, k := range c.Orchestrator.Kinds {
		if strings.TrimSpace(string(k)) == "" {
			errs = append(errs, errors.New("orchestrator.kinds: empty kind"))
		}
	}
	if c.Journal.RetentionAge < 0 || c.Journal.RetentionCount < 0 {
		errs = append(errs, errors.New("journal retention must not be negative"))
	}

	if c.LLM.Provider != "" && strings.TrimSpace(c.LLM.Model) == "" {
		errs = append(errs, fmt.Errorf("llm.model is required for provider %q", c.LLM.Provider))
	}
	if c.LLM.MaxConcurrent < 0 {
		errs = append(errs, errors.New("llm.max_concurrent must not be negative"))
	}

	for _, k := range c.Coalesce.Kinds {
		if k == c.Orchestrator.ReadyKind {
			errs = append(errs, fmt.Errorf("coalesce.kinds: ready kind %q cannot be coalesced", k))
		}
	}
	if c.Coalesce.Interval < 0 {
		errs = append(errs, errors.New("coalesce.interval must not be negative"))
	}

	kinds := make([]core.Kind, 0, len(c.Actions))
	for k := range c.Actions {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	for _, kind := range kinds {
		if strings.TrimSpace(string(kind)) == "" {
			errs = append(errs, errors.New("actions: empty kind"))
			continue
		}
		if kind == c.Orchestrator.ReadyKind {
			errs = append(errs, fmt.Errorf("actions: ready kind %q cannot have actions", kind))
		}
		seen := make(map[string]struct{})
		for _, d := range c.Actions[kind] {
			if err := d.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("actions.%s: %w", kind, err))
				continue
			}
			if _, dup := seen[d.Name]; dup {
				errs = append(errs, fmt.Errorf("actions.%s: duplicate action %q", kind, d.Name))
			}
			seen[d.Name] = struct{}{}
			if d.Type == actions.TypeSummarize && c.LLM.Provider == "" {
				errs = append(errs, fmt.Errorf("actions.%s: action %s requires llm.provider", kind, d.Name))
			}
		}
	}

	names := make(map[string]struct{}, len(c.Schedule.Triggers))
	for _, t := range c.Schedule.Triggers {
		if err := t.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("schedule: %w", err))
			continue
		}
		if _, dup := names[t.Name]; dup {
			errs = append(errs, fmt.Errorf("schedule: duplicate trigger %q", t.Name))
		}
		names[t.Name] = struct{}{}
	}

	return errors.Join(errs...)
}

// ActionCount returns the number of declared actions across all kinds.
func (c Config) ActionCount() int {
	n := 0
	for _, decls := range c.Actions {
		n += len(decls)
	}
	return n
}

// Load reads, expands and validates the config at path. Unknown fields are
// rejected.
func Load(path string) (Config, error) {
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %q: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config %q: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes, expands and validates a config document.
func Parse(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parsing: %w", err)
	}
	cfg.expandEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DiscoverConfigPath resolves the config location with first-match semantics:
// the explicit path, ./reactor.yaml, then ~/.reactor/config.yaml.
func DiscoverConfigPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverConfigPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverConfigPathFrom is a testable variant of DiscoverConfigPath.
func DiscoverConfigPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 2)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, homeConfigDir, homeConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			// If explicit path is set, not found is an error.
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// LoadDiscovered loads the discovered config, or the defaults when none is
// found. The returned path is empty in that case.
func LoadDiscovered(explicitPath string) (Config, string, error) {
	path, found, err := DiscoverConfigPath(explicitPath)
	if err != nil {
		return Config{}, "", err
	}
	if !found {
		return DefaultConfig(), "", nil
	}
	cfg, err := Load(path)
	if err != nil {
		return Config{}, "", err
	}
	return cfg, path, nil
}

func expandStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return values
	}
	out := make(map[string]string, len(values))
	for key, value := range values {
		out[key] = expandEnvValue(value)
	}
	return out
}

func expandEnvValue(value string) string {
	return os.ExpandEnv(value)
}
