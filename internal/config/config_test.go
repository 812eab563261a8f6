package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/reactor/internal/interrupt"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("REACTOR_TEST_KEY", "sk-test-123")

	doc := `
provider:
  name: openai
  api_key: ${REACTOR_TEST_KEY}
  model: gpt-4o
runner:
  max_iterations: 12
  breaker_threshold: 4
  repair_policy: lenient
exec:
  max_concurrency: 8
  default_timeout: 45s
  max_retries: 3
  backoff_base: 200ms
budget:
  context_window_tokens: 200000
  reserve_output_tokens: 8000
interrupt:
  store: postgres
  dsn: postgres://localhost/reactor?sslmode=disable
  policy:
    require_approval: [deploy]
    denylist: [rm_rf]
    ttl: 10m
  sweep:
    schedule: "@every 30s"
    retain_resolved: 1h
team:
  file: agents.yaml
  watch: true
logging:
  level: debug
  format: json
tracing:
  endpoint: localhost:4317
  sampling_rate: 0.5
`
	path := filepath.Join(t.TempDir(), "reactor.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Provider.Name != "openai" || cfg.Provider.Model != "gpt-4o" {
		t.Fatalf("provider = %+v", cfg.Provider)
	}
	if cfg.Provider.APIKey != "sk-test-123" {
		t.Fatalf("env expansion failed: api_key = %q", cfg.Provider.APIKey)
	}
	if cfg.Runner.MaxIterations != 12 || cfg.Runner.RepairPolicy != "lenient" {
		t.Fatalf("runner = %+v", cfg.Runner)
	}
	if cfg.Exec.DefaultTimeout != 45*time.Second || cfg.Exec.BackoffBase != 200*time.Millisecond {
		t.Fatalf("exec durations = %+v", cfg.Exec)
	}
	if cfg.Budget.ContextWindowTokens != 200000 {
		t.Fatalf("budget = %+v", cfg.Budget)
	}
	if cfg.Interrupt.Store != "postgres" || cfg.Interrupt.Policy.TTL != 10*time.Minute {
		t.Fatalf("interrupt = %+v", cfg.Interrupt)
	}
	if len(cfg.Interrupt.Policy.RequireApproval) != 1 || cfg.Interrupt.Policy.RequireApproval[0] != "deploy" {
		t.Fatalf("policy = %+v", cfg.Interrupt.Policy)
	}
	if cfg.Interrupt.Sweep.Schedule != "@every 30s" || cfg.Interrupt.Sweep.RetainResolved != time.Hour {
		t.Fatalf("sweep = %+v", cfg.Interrupt.Sweep)
	}
	if !cfg.Team.Watch || cfg.Team.File != "agents.yaml" {
		t.Fatalf("team = %+v", cfg.Team)
	}
	if cfg.Tracing.Endpoint != "localhost:4317" || cfg.Tracing.SamplingRate != 0.5 {
		t.Fatalf("tracing = %+v", cfg.Tracing)
	}

	// Untouched sections pick up defaults.
	if cfg.Team.MaxHandoffDepth != 10 || cfg.Team.WatchDebounce != 250*time.Millisecond {
		t.Fatalf("team defaults = %+v", cfg.Team)
	}
	if cfg.Metrics.Listen != ":9090" {
		t.Fatalf("metrics defaults = %+v", cfg.Metrics)
	}
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("parse empty: %v", err)
	}
	if cfg.Provider.Name != "anthropic" {
		t.Fatalf("provider default = %q", cfg.Provider.Name)
	}
	if cfg.Interrupt.Store != "memory" {
		t.Fatalf("store default = %q", cfg.Interrupt.Store)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Fatalf("logging defaults = %+v", cfg.Logging)
	}
	if cfg.Tracing.SamplingRate != 1.0 {
		t.Fatalf("sampling default = %v", cfg.Tracing.SamplingRate)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("provider:\n  name: anthropic\n  api_keyy: oops\n"))
	if err == nil || !strings.Contains(err.Error(), "api_keyy") {
		t.Fatalf("expected unknown-field error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		applyDefaults(cfg)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad provider",
			mutate:  func(c *Config) { c.Provider.Name = "grok" },
			wantErr: "provider.name",
		},
		{
			name:    "bad repair policy",
			mutate:  func(c *Config) { c.Runner.RepairPolicy = "yolo" },
			wantErr: "repair_policy",
		},
		{
			name:    "postgres without dsn",
			mutate:  func(c *Config) { c.Interrupt.Store = "postgres" },
			wantErr: "interrupt.dsn",
		},
		{
			name:    "bad store",
			mutate:  func(c *Config) { c.Interrupt.Store = "redis" },
			wantErr: "interrupt.store",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "logging.format",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "loud" },
			wantErr: "logging.level",
		},
		{
			name:    "sampling rate out of range",
			mutate:  func(c *Config) { c.Tracing.SamplingRate = 1.5 },
			wantErr: "sampling_rate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestPolicyRoundTrip(t *testing.T) {
	cfg, err := Parse([]byte("interrupt:\n  policy:\n    default_decision: ask\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Interrupt.Policy.DefaultDecision != interrupt.DecisionAsk {
		t.Fatalf("default decision = %q", cfg.Interrupt.Policy.DefaultDecision)
	}
}

func TestJSONSchema(t *testing.T) {
	first, err := JSONSchema()
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(first, &doc); err != nil {
		t.Fatalf("schema is not valid JSON: %v", err)
	}
	for _, want := range []string{"provider", "interrupt", "team", "tracing"} {
		if !strings.Contains(string(first), `"`+want+`"`) {
			t.Fatalf("schema missing %q section", want)
		}
	}

	second, err := JSONSchema()
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	if string(first) != string(second) {
		t.Fatal("schema should be cached and stable")
	}

	team, err := TeamSchema()
	if err != nil {
		t.Fatalf("team schema: %v", err)
	}
	if !strings.Contains(string(team), "handoff_targets") {
		t.Fatalf("team schema missing agent fields:\n%s", team)
	}
}
