// Package config loads the reactor configuration tree from YAML with
// environment expansion, generates its JSON schema, and watches the
// agent-team file for hot reload.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/reactor/internal/interrupt"
)

// Config is the root configuration document.
type Config struct {
	Provider  ProviderConfig  `yaml:"provider"`
	Runner    RunnerConfig    `yaml:"runner"`
	Exec      ExecConfig      `yaml:"exec"`
	Budget    BudgetConfig    `yaml:"budget"`
	Interrupt InterruptConfig `yaml:"interrupt"`
	Team      TeamConfig      `yaml:"team"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ProviderConfig selects and credentials the LLM provider.
type ProviderConfig struct {
	// Name is the provider: "anthropic" or "openai".
	Name string `yaml:"name"`

	// APIKey authenticates with the provider. Usually supplied via
	// environment expansion, e.g. ${ANTHROPIC_API_KEY}.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's API endpoint (proxies, gateways).
	BaseURL string `yaml:"base_url"`

	// Model is the default model when an agent does not pick one.
	Model string `yaml:"model"`
}

// RunnerConfig tunes the run loop.
type RunnerConfig struct {
	MaxIterations    int    `yaml:"max_iterations"`
	MaxTokens        int    `yaml:"max_tokens"`
	BreakerThreshold int    `yaml:"breaker_threshold"`
	EventBuffer      int    `yaml:"event_buffer"`
	RepairPolicy     string `yaml:"repair_policy"`
}

// ExecConfig tunes the tool scheduler and pipeline.
type ExecConfig struct {
	MaxConcurrency    int           `yaml:"max_concurrency"`
	DefaultTimeout    time.Duration `yaml:"default_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// BudgetConfig tunes the history token budget.
type BudgetConfig struct {
	ContextWindowTokens      int `yaml:"context_window_tokens"`
	ReserveOutputTokens      int `yaml:"reserve_output_tokens"`
	MaxToolResultChars       int `yaml:"max_tool_result_chars"`
	CompressThresholdPercent int `yaml:"compress_threshold_percent"`
}

// InterruptConfig wires human-in-the-loop storage and policy.
type InterruptConfig struct {
	// Store backend: "memory" or "postgres".
	Store string `yaml:"store"`

	// DSN is the postgres connection string when Store is "postgres".
	DSN string `yaml:"dsn"`

	// Policy decides which tools pause, are denied, or run freely.
	Policy interrupt.Policy `yaml:"policy"`

	// Sweep controls expiry sweeps.
	Sweep SweepConfig `yaml:"sweep"`
}

// SweepConfig controls the interrupt expiry sweeper.
type SweepConfig struct {
	// Schedule is a cron expression; empty disables the sweeper.
	Schedule string `yaml:"schedule"`

	// RetainResolved is how long resolved interrupts stay queryable.
	RetainResolved time.Duration `yaml:"retain_resolved"`
}

// TeamConfig points at the agent-team file.
type TeamConfig struct {
	// File is the path to the agent definitions YAML.
	File string `yaml:"file"`

	// DefaultAgent receives fresh conversations; defaults to the team
	// file's default, then the first agent.
	DefaultAgent string `yaml:"default_agent"`

	// MaxHandoffDepth caps control transfers per run.
	MaxHandoffDepth int `yaml:"max_handoff_depth"`

	// Watch reloads the team file on change.
	Watch bool `yaml:"watch"`

	// WatchDebounce coalesces rapid file events.
	WatchDebounce time.Duration `yaml:"watch_debounce"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level          string   `yaml:"level"`
	Format         string   `yaml:"format"`
	AddSource      bool     `yaml:"add_source"`
	RedactPatterns []string `yaml:"redact_patterns"`
}

// MetricsConfig exposes Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	// Endpoint is the OTLP gRPC collector; empty disables export.
	Endpoint string `yaml:"endpoint"`

	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// Load reads, expands, parses, defaults, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML. Environment variables in the
// document are expanded before decoding; unknown fields are rejected.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = "anthropic"
	}
	if cfg.Interrupt.Store == "" {
		cfg.Interrupt.Store = "memory"
	}
	if cfg.Team.MaxHandoffDepth <= 0 {
		cfg.Team.MaxHandoffDepth = 10
	}
	if cfg.Team.WatchDebounce <= 0 {
		cfg.Team.WatchDebounce = 250 * time.Millisecond
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9090"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
}

// Validate rejects configurations the process could not start with.
// Zero values that the owning packages default internally pass here.
func (c *Config) Validate() error {
	switch c.Provider.Name {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("provider.name %q is not supported (anthropic, openai)", c.Provider.Name)
	}

	switch c.Runner.RepairPolicy {
	case "", "strict", "lenient":
	default:
		return fmt.Errorf("runner.repair_policy %q is not supported (strict, lenient)", c.Runner.RepairPolicy)
	}

	switch c.Interrupt.Store {
	case "memory":
	case "postgres":
		if c.Interrupt.DSN == "" {
			return errors.New("interrupt.store postgres requires interrupt.dsn")
		}
	default:
		return fmt.Errorf("interrupt.store %q is not supported (memory, postgres)", c.Interrupt.Store)
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format %q is not supported (json, text)", c.Logging.Format)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not supported", c.Logging.Level)
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing.sampling_rate %v must be within [0, 1]", c.Tracing.SamplingRate)
	}
	return nil
}
