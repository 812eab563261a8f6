// Package main provides the CLI entry point for the reactor agent engine.
//
// handlers.go contains the handler implementations for all commands.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/reactor/internal/agent"
	"github.com/haasonsaas/reactor/internal/backoff"
	"github.com/haasonsaas/reactor/internal/config"
	"github.com/haasonsaas/reactor/internal/interrupt"
	"github.com/haasonsaas/reactor/internal/multiagent"
	"github.com/haasonsaas/reactor/internal/observability"
	"github.com/haasonsaas/reactor/internal/providers"
	"github.com/haasonsaas/reactor/internal/tools"
	"github.com/haasonsaas/reactor/pkg/models"
)

// =============================================================================
// Run Command Handler
// =============================================================================

// runRun handles the run command: it assembles the full engine from
// configuration, drives the conversation, and services interrupts on
// stdin until the team produces a terminal answer.
func runRun(cmd *cobra.Command, configPath, agentID, threadID string, debug bool, prompt string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logCfg := observability.LogConfig{
		Level:          cfg.Logging.Level,
		Format:         cfg.Logging.Format,
		AddSource:      cfg.Logging.AddSource,
		RedactPatterns: cfg.Logging.RedactPatterns,
	}
	if debug {
		logCfg.Level = "debug"
	}
	slog.SetDefault(observability.NewLogger(logCfg))

	slog.Info("starting reactor",
		"version", version,
		"config", configPath,
		"provider", cfg.Provider.Name,
	)

	metrics := observability.NewMetrics()
	if cfg.Metrics.Enabled {
		stopMetrics, err := serveMetrics(cfg.Metrics.Listen)
		if err != nil {
			return fmt.Errorf("metrics listener: %w", err)
		}
		defer stopMetrics()
	}

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "reactor",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
	})
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			slog.Warn("tracer shutdown failed", "error", err)
		}
	}()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	coordinator := interrupt.NewCoordinator(store, interrupt.CoordinatorConfig{
		Policy:  &cfg.Interrupt.Policy,
		Metrics: metrics,
	})

	if cfg.Interrupt.Sweep.Schedule != "" {
		sweeper, err := interrupt.NewSweeper(coordinator, interrupt.SweeperConfig{
			Schedule:       cfg.Interrupt.Sweep.Schedule,
			RetainResolved: cfg.Interrupt.Sweep.RetainResolved,
		})
		if err != nil {
			return fmt.Errorf("interrupt sweeper: %w", err)
		}
		sweeper.Start(ctx)
		defer sweeper.Stop()
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	budget := agent.NewBudgetManager(agent.BudgetConfig{
		ContextWindowTokens:      cfg.Budget.ContextWindowTokens,
		ReserveOutputTokens:      cfg.Budget.ReserveOutputTokens,
		MaxToolResultChars:       cfg.Budget.MaxToolResultChars,
		CompressThresholdPercent: cfg.Budget.CompressThresholdPercent,
	})

	pipeline := agent.NewPipeline(agent.PipelineConfig{
		DefaultTimeout: cfg.Exec.DefaultTimeout,
		MaxRetries:     cfg.Exec.MaxRetries,
		Backoff: backoff.Policy{
			Base:       cfg.Exec.BackoffBase,
			Max:        cfg.Exec.BackoffMax,
			Multiplier: cfg.Exec.BackoffMultiplier,
		},
		Metrics: metrics,
		Tracer:  tracer,
	}, budget, interrupt.NewPolicyHook(&cfg.Interrupt.Policy))

	scheduler := agent.NewScheduler(agent.SchedulerConfig{
		MaxConcurrency: cfg.Exec.MaxConcurrency,
		Metrics:        metrics,
	}, pipeline, coordinator)

	// The checkpoint sink captures the paused run; the interrupt loop
	// below hands it back to Resume with the human's decision.
	render := &renderer{out: out}
	var checkpoint *agent.RunCheckpoint
	runner := agent.NewRunner(provider, scheduler, budget, agent.RunnerConfig{
		MaxIterations:    cfg.Runner.MaxIterations,
		MaxTokens:        cfg.Runner.MaxTokens,
		BreakerThreshold: cfg.Runner.BreakerThreshold,
		EventBuffer:      cfg.Runner.EventBuffer,
		RepairPolicy:     agent.RepairPolicy(cfg.Runner.RepairPolicy),
		Metrics:          metrics,
		Tracer:           tracer,
	},
		agent.WithEventObserver(render.event),
		agent.WithInterruptCanceler(coordinator),
		agent.WithCheckpointSink(func(_ context.Context, cp *agent.RunCheckpoint) error {
			checkpoint = cp
			return nil
		}),
	)

	team, err := buildTeam(runner, cfg, metrics, nil)
	if err != nil {
		return err
	}
	var current atomic.Pointer[multiagent.Team]
	current.Store(team)

	if cfg.Team.Watch {
		watcher, err := config.NewTeamWatcher(cfg.Team.File, config.WatchConfig{
			Debounce: cfg.Team.WatchDebounce,
		}, func(tf *config.TeamFile) {
			next, err := buildTeam(runner, cfg, metrics, tf)
			if err != nil {
				slog.Error("team reload failed", "error", err)
				return
			}
			current.Store(next)
			slog.Info("team reloaded", "agents", len(tf.Agents))
		})
		if err != nil {
			return fmt.Errorf("team watcher: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("team watcher: %w", err)
		}
		defer watcher.Close()
	}

	userMsg := models.Message{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Role:      models.RoleUser,
		Content:   prompt,
		CreatedAt: time.Now(),
	}

	result, err := current.Load().Run(ctx, multiagent.TeamRequest{
		ThreadID: threadID,
		AgentID:  agentID,
		Messages: []models.Message{userMsg},
	})
	if err != nil {
		return err
	}

	// A paused run waits here for the human decision. Reloaded teams
	// take effect on the resume.
	stdin := bufio.NewScanner(cmd.InOrStdin())
	for result.Result.State == models.RunStateInterrupted {
		intr := result.Result.Interrupt
		if intr == nil || checkpoint == nil {
			return errors.New("run paused without a resumable interrupt")
		}

		render.breakLine()
		resp, err := promptDecision(stdin, out, intr)
		if err != nil {
			return err
		}
		if err := coordinator.Respond(ctx, intr.ThreadID, intr.ID, resp); err != nil {
			return fmt.Errorf("record response: %w", err)
		}

		cp := checkpoint
		checkpoint = nil
		result, err = current.Load().Resume(ctx, multiagent.TeamRequest{
			ThreadID: result.Result.ThreadID,
			State:    result.State,
		}, cp, resp)
		if err != nil {
			return err
		}
	}

	render.breakLine()
	res := result.Result
	if res.State == models.RunStateError {
		if res.Err != nil {
			return fmt.Errorf("run failed: %w", res.Err)
		}
		return errors.New("run failed")
	}

	fmt.Fprintf(out, "\n[agent=%s iters=%d thread=%s]\n",
		result.AgentID, res.Iterations, res.ThreadID)
	return nil
}

// buildProvider connects the configured LLM provider.
func buildProvider(cfg *config.Config) (agent.Provider, error) {
	switch cfg.Provider.Name {
	case "anthropic":
		return providers.NewAnthropic(providers.AnthropicConfig{
			APIKey:  cfg.Provider.APIKey,
			BaseURL: cfg.Provider.BaseURL,
			Model:   cfg.Provider.Model,
		})
	case "openai":
		return providers.NewOpenAI(providers.OpenAIConfig{
			APIKey:  cfg.Provider.APIKey,
			BaseURL: cfg.Provider.BaseURL,
			Model:   cfg.Provider.Model,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider.Name)
	}
}

// openStore opens the configured interrupt store. The returned close
// function is a no-op for the memory store.
func openStore(ctx context.Context, cfg *config.Config) (interrupt.Store, func(), error) {
	switch cfg.Interrupt.Store {
	case "postgres":
		store, err := interrupt.NewPostgresStore(cfg.Interrupt.DSN, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("open interrupt store: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("interrupt store schema: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return interrupt.NewMemoryStore(), func() {}, nil
	}
}

// buildTeam constructs the agent team over the shared builtin tool
// pool. A nil team file loads the one named in the config.
func buildTeam(runner *agent.Runner, cfg *config.Config, metrics *observability.Metrics, tf *config.TeamFile) (*multiagent.Team, error) {
	if tf == nil {
		if cfg.Team.File == "" {
			return nil, errors.New("team.file is required (point it at your agents YAML)")
		}
		loaded, err := config.LoadTeamFile(cfg.Team.File)
		if err != nil {
			return nil, err
		}
		tf = loaded
	}

	defaultAgent := cfg.Team.DefaultAgent
	if defaultAgent == "" {
		defaultAgent = tf.DefaultAgent
	}

	team, err := multiagent.NewTeam(runner, multiagent.TeamConfig{
		Tools:           tools.Builtin(tools.Config{}),
		DefaultAgent:    defaultAgent,
		MaxHandoffDepth: cfg.Team.MaxHandoffDepth,
		Metrics:         metrics,
	}, tf.Agents...)
	if err != nil {
		return nil, fmt.Errorf("build team: %w", err)
	}
	return team, nil
}

// serveMetrics exposes Prometheus metrics on the given address.
func serveMetrics(addr string) (func(), error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", "error", err)
		}
	}()
	slog.Info("metrics listening", "addr", addr)

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}, nil
}

// promptDecision asks the human to settle an interrupt on stdin.
func promptDecision(in *bufio.Scanner, out io.Writer, intr *models.PendingInterrupt) (*models.InterruptResponse, error) {
	fmt.Fprintln(out)

	if intr.Kind == models.InterruptQuestion {
		fmt.Fprintf(out, "? %s\n", intr.Question)
		if len(intr.Options) > 0 {
			fmt.Fprintf(out, "  options: %s\n", strings.Join(intr.Options, ", "))
		}
		fmt.Fprint(out, "answer> ")
		if !in.Scan() {
			return nil, scanErr(in)
		}
		return &models.InterruptResponse{
			Action:      models.ActionAnswer,
			Answer:      strings.TrimSpace(in.Text()),
			RespondedBy: "cli",
			RespondedAt: time.Now(),
		}, nil
	}

	toolName := "(unknown tool)"
	if intr.ToolCall != nil {
		toolName = intr.ToolCall.Name
	}
	fmt.Fprintf(out, "! approval required: %s\n", toolName)
	if intr.ToolCall != nil && len(intr.ToolCall.Input) > 0 {
		fmt.Fprintf(out, "  args: %s\n", compactJSON(intr.ToolCall.Input))
	}
	if !intr.ExpiresAt.IsZero() {
		fmt.Fprintf(out, "  expires: %s\n", intr.ExpiresAt.Format(time.RFC3339))
	}

	for {
		fmt.Fprint(out, "approve? [y]es / [a]lways / [n]o> ")
		if !in.Scan() {
			return nil, scanErr(in)
		}
		resp := &models.InterruptResponse{RespondedBy: "cli", RespondedAt: time.Now()}
		switch strings.ToLower(strings.TrimSpace(in.Text())) {
		case "y", "yes":
			resp.Action = models.ActionAccept
		case "a", "always":
			resp.Action = models.ActionAcceptAlways
		case "n", "no":
			resp.Action = models.ActionDeny
		default:
			fmt.Fprintln(out, "  unrecognized; enter y, a, or n")
			continue
		}
		return resp, nil
	}
}

func scanErr(in *bufio.Scanner) error {
	if err := in.Err(); err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	return errors.New("stdin closed while an interrupt was pending")
}

func compactJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// renderer prints run events as a live transcript. Text deltas stream
// inline; everything else gets its own line.
type renderer struct {
	out io.Writer
	mid bool // an unterminated delta line is open
}

func (r *renderer) event(e *models.RunEvent) {
	switch e.Type {
	case models.EventTextDelta:
		fmt.Fprint(r.out, e.Text)
		r.mid = true

	case models.EventToolStarted:
		r.breakLine()
		fmt.Fprintf(r.out, "* %s (call_id=%s)\n", e.ToolName, e.ToolCallID)

	case models.EventToolCompleted:
		r.breakLine()
		fmt.Fprintf(r.out, "  + %s completed\n", e.ToolName)

	case models.EventToolFailed, models.EventToolTimeout:
		r.breakLine()
		fmt.Fprintf(r.out, "  - %s failed: %s\n", e.ToolName, e.Message)

	case models.EventHandoff:
		r.breakLine()
		if e.Handoff != nil {
			target := e.Handoff.ToAgent
			if target == "" {
				target = "caller"
			}
			fmt.Fprintf(r.out, "-> handoff to %s: %s\n", target, e.Handoff.Reason)
		}

	case models.EventInterruptCreated:
		r.breakLine()
		if e.Interrupt != nil {
			fmt.Fprintf(r.out, "| waiting on %s interrupt %s\n", e.Interrupt.Kind, e.Interrupt.ID)
		}

	case models.EventCompression:
		r.breakLine()
		fmt.Fprintf(r.out, "| history compressed: %s\n", e.Message)

	case models.EventRunCanceled:
		r.breakLine()
		fmt.Fprintln(r.out, "x run canceled")
	}
}

// breakLine terminates an open streaming line before other output.
func (r *renderer) breakLine() {
	if r.mid {
		fmt.Fprintln(r.out)
		r.mid = false
	}
}

// =============================================================================
// Interrupts Command Handlers
// =============================================================================

// runInterruptsList handles the interrupts list command.
func runInterruptsList(cmd *cobra.Command, storeDSN, threadID string) error {
	store, err := interrupt.NewPostgresStore(storeDSN, nil)
	if err != nil {
		return fmt.Errorf("open interrupt store: %w", err)
	}
	defer store.Close()

	pending, err := store.ListPending(cmd.Context(), threadID)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No pending interrupts.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "THREAD\tID\tKIND\tTOOL\tCREATED\tEXPIRES")
	for _, item := range pending {
		tool := "-"
		if item.ToolCall != nil {
			tool = item.ToolCall.Name
		}
		expires := "-"
		if !item.ExpiresAt.IsZero() {
			expires = item.ExpiresAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			item.ThreadID, item.ID, item.Kind, tool,
			item.CreatedAt.Format(time.RFC3339), expires)
	}
	return w.Flush()
}

// runInterruptsRespond handles the interrupts respond command.
func runInterruptsRespond(cmd *cobra.Command, storeDSN, threadID, interruptID, action, answer, by string) error {
	resp := &models.InterruptResponse{
		Answer:      answer,
		RespondedBy: by,
		RespondedAt: time.Now(),
	}
	switch models.InterruptAction(action) {
	case models.ActionAccept, models.ActionAcceptAlways, models.ActionDeny:
		resp.Action = models.InterruptAction(action)
	case models.ActionAnswer:
		if strings.TrimSpace(answer) == "" {
			return errors.New("--action answer requires --answer")
		}
		resp.Action = models.ActionAnswer
	default:
		return fmt.Errorf("unknown action %q (accept, accept_always, deny, answer)", action)
	}

	store, err := interrupt.NewPostgresStore(storeDSN, nil)
	if err != nil {
		return fmt.Errorf("open interrupt store: %w", err)
	}
	defer store.Close()

	// The coordinator path keeps respond semantics (status transition
	// checks, metrics) identical to the in-process flow.
	coordinator := interrupt.NewCoordinator(store, interrupt.CoordinatorConfig{})
	if err := coordinator.Respond(cmd.Context(), threadID, interruptID, resp); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Interrupt %s resolved (%s).\n", interruptID, resp.Action)
	return nil
}

// =============================================================================
// Config Command Handlers
// =============================================================================

// runConfigSchema handles the config schema command.
func runConfigSchema(cmd *cobra.Command, team bool) error {
	var (
		payload []byte
		err     error
	)
	if team {
		payload, err = config.TeamSchema()
	} else {
		payload, err = config.JSONSchema()
	}
	if err != nil {
		return fmt.Errorf("generate schema: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(payload))
	return nil
}

// runConfigValidate handles the config validate command.
func runConfigValidate(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: OK (provider=%s, store=%s)\n",
		configPath, cfg.Provider.Name, cfg.Interrupt.Store)

	if cfg.Team.File == "" {
		fmt.Fprintln(out, "team.file not set; `reactor run` will refuse to start")
		return nil
	}

	tf, err := config.LoadTeamFile(cfg.Team.File)
	if err != nil {
		return fmt.Errorf("team file: %w", err)
	}
	fmt.Fprintf(out, "%s: OK (%d agents)\n", cfg.Team.File, len(tf.Agents))
	return nil
}
