package agent

import (
	"context"
	"log/slog"
	"sync"

	"github.com/haasonsaas/reactor/internal/observability"
	"github.com/haasonsaas/reactor/pkg/models"
)

// InterruptGate decides which tool calls need a human decision and
// registers the pending interrupts for them. The interrupt coordinator
// implements it; a nil gate disables approval pauses entirely.
type InterruptGate interface {
	// NeedsApproval reports whether the call must pause for a human.
	// Pre-approved tools (allowlist hits) return false.
	NeedsApproval(ctx context.Context, call models.ToolCall) bool

	// CreateApproval persists a pending approval interrupt for the call.
	// A (nil, nil) return means the call became pre-approved since the
	// NeedsApproval check and should execute immediately.
	CreateApproval(ctx context.Context, call models.ToolCall) (*models.PendingInterrupt, error)
}

// SchedulerConfig configures batch execution.
type SchedulerConfig struct {
	// MaxConcurrency bounds parallel tool executions. Default: 5
	MaxConcurrency int

	// Logger for scheduling decisions. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics sink; nil disables metric recording.
	Metrics *observability.Metrics
}

func sanitizeSchedulerConfig(cfg SchedulerConfig) SchedulerConfig {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// BatchResult is the outcome of one iteration's tool batch.
type BatchResult struct {
	// Results holds one result per executed call, in the batch's
	// original call order. When the batch pauses on an interrupt,
	// unexecuted calls have no result here.
	Results []models.ToolResult

	// Remaining holds the calls not yet executed when the batch paused,
	// in original order; the interrupted call is first. Empty when the
	// batch ran to completion.
	Remaining []models.ToolCall

	// ErrorCount is the number of error-flagged results. The loop's
	// circuit breaker watches it.
	ErrorCount int

	// Interrupt is set when the batch paused for a human decision.
	Interrupt *models.PendingInterrupt
}

// Interrupted reports whether the batch paused awaiting a human.
func (r BatchResult) Interrupted() bool {
	return r.Interrupt != nil
}

// Scheduler executes a batch of tool calls with controlled concurrency.
// Calls are partitioned into three buckets, keeping their original
// positions: parallel (the default), sequential (tools that must run
// alone), and human-in-the-loop (tools requiring approval). Parallel
// runs first under a semaphore, then sequential in order, then HITL one
// at a time through the interrupt gate.
type Scheduler struct {
	cfg      SchedulerConfig
	pipeline *Pipeline
	gate     InterruptGate
	sem      chan struct{}
}

// NewScheduler creates a scheduler around the given pipeline. A nil
// gate runs approval-marked tools without pausing.
func NewScheduler(cfg SchedulerConfig, pipeline *Pipeline, gate InterruptGate) *Scheduler {
	cfg = sanitizeSchedulerConfig(cfg)
	return &Scheduler{
		cfg:      cfg,
		pipeline: pipeline,
		gate:     gate,
		sem:      make(chan struct{}, cfg.MaxConcurrency),
	}
}

type indexedCall struct {
	idx  int
	call models.ToolCall
}

// ExecuteBatch runs one batch of tool calls and resequences the results
// to the original call order. When a call needs human approval the
// batch pauses: completed results are returned alongside the pending
// interrupt and the unexecuted remainder. Calling ExecuteBatch again
// with the remainder (after the interrupted call is settled) continues
// the batch.
func (s *Scheduler) ExecuteBatch(ctx context.Context, toolset *Toolset, calls []models.ToolCall, emit EmitFunc) BatchResult {
	if len(calls) == 0 {
		return BatchResult{}
	}

	var parallel, sequential, hitl []indexedCall
	for i, call := range calls {
		tool, ok := toolset.Lookup(call.Name)
		switch {
		case ok && s.needsApproval(ctx, tool, call):
			hitl = append(hitl, indexedCall{i, call})
		case ok && IsSequential(tool):
			sequential = append(sequential, indexedCall{i, call})
		default:
			// Unknown tools go through the pipeline for a uniform
			// not-found result.
			parallel = append(parallel, indexedCall{i, call})
		}
	}

	s.cfg.Logger.Debug("scheduling tool batch",
		"total", len(calls),
		"parallel", len(parallel),
		"sequential", len(sequential),
		"hitl", len(hitl))

	results := make([]*models.ToolResult, len(calls))

	s.runParallel(ctx, toolset, parallel, results, emit)
	s.runSequential(ctx, toolset, sequential, results, emit)
	interrupt := s.runHITL(ctx, toolset, hitl, results, emit)

	return s.collect(calls, results, interrupt)
}

func (s *Scheduler) needsApproval(ctx context.Context, tool Tool, call models.ToolCall) bool {
	if s.gate == nil {
		return false
	}
	if RequiresApproval(tool) {
		return true
	}
	return s.gate.NeedsApproval(ctx, call)
}

func (s *Scheduler) runParallel(ctx context.Context, toolset *Toolset, batch []indexedCall, results []*models.ToolResult, emit EmitFunc) {
	if len(batch) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, ic := range batch {
		wg.Add(1)
		go func(idx int, call models.ToolCall) {
			defer wg.Done()

			select {
			case s.sem <- struct{}{}:
				defer func() { <-s.sem }()
			case <-ctx.Done():
				results[idx] = canceledResult(call, ctx.Err())
				return
			}

			res := s.pipeline.Execute(ctx, toolset, call, emit)
			results[idx] = &res
		}(ic.idx, ic.call)
	}
	wg.Wait()
}

func (s *Scheduler) runSequential(ctx context.Context, toolset *Toolset, batch []indexedCall, results []*models.ToolResult, emit EmitFunc) {
	for _, ic := range batch {
		if ctx.Err() != nil {
			results[ic.idx] = canceledResult(ic.call, ctx.Err())
			continue
		}
		res := s.pipeline.Execute(ctx, toolset, ic.call, emit)
		results[ic.idx] = &res
	}
}

// runHITL walks the approval bucket in order. The first interrupt pauses
// the batch; calls after it stay unexecuted and re-enter on resume.
func (s *Scheduler) runHITL(ctx context.Context, toolset *Toolset, batch []indexedCall, results []*models.ToolResult, emit EmitFunc) *models.PendingInterrupt {
	for i, ic := range batch {
		if ctx.Err() != nil {
			results[ic.idx] = canceledResult(ic.call, ctx.Err())
			continue
		}

		interrupt, err := s.gate.CreateApproval(ctx, ic.call)
		if err != nil {
			// The gate failing must not let a guarded call through.
			s.cfg.Logger.Error("approval gate failed",
				"tool", ic.call.Name,
				"tool_call_id", ic.call.ID,
				"error", err)
			toolErr := NewToolError(KindInternal, ic.call.Name, err).
				WithToolCallID(ic.call.ID).
				WithMessage("approval gate unavailable")
			res := toolErr.ToolResult()
			results[ic.idx] = &res
			continue
		}
		if interrupt == nil {
			// Pre-approved since partitioning; run it now.
			res := s.pipeline.Execute(ctx, toolset, ic.call, emit)
			results[ic.idx] = &res
			continue
		}

		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordInterrupt(string(interrupt.Kind), "created")
		}
		if emit != nil {
			event := models.NewRunEvent(models.EventInterruptCreated).
				WithIteration(IterationFromContext(ctx))
			event.Interrupt = interrupt
			event.ToolName = ic.call.Name
			event.ToolCallID = ic.call.ID
			emit(event)
		}
		s.cfg.Logger.Info("batch paused for approval",
			"tool", ic.call.Name,
			"interrupt_id", interrupt.ID,
			"deferred_calls", len(batch)-i-1)
		return interrupt
	}
	return nil
}

// collect resequences results and separates the unexecuted remainder.
func (s *Scheduler) collect(calls []models.ToolCall, results []*models.ToolResult, interrupt *models.PendingInterrupt) BatchResult {
	out := BatchResult{Interrupt: interrupt}
	for i, res := range results {
		if res == nil {
			out.Remaining = append(out.Remaining, calls[i])
			continue
		}
		out.Results = append(out.Results, *res)
		if res.IsError {
			out.ErrorCount++
		}
	}
	return out
}

func canceledResult(call models.ToolCall, cause error) *models.ToolResult {
	res := NewToolError(KindCanceled, call.Name, cause).
		WithToolCallID(call.ID).
		WithMessage("run canceled before execution").
		ToolResult()
	return &res
}
