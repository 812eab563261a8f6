package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/reactor/internal/backoff"
	"github.com/haasonsaas/reactor/internal/observability"
	"github.com/haasonsaas/reactor/pkg/models"
)

// EmitFunc delivers run events. The loop wires it to the run's event
// channel; a nil EmitFunc drops events.
type EmitFunc func(event *models.RunEvent)

// PipelineConfig configures single-call execution behavior.
type PipelineConfig struct {
	// DefaultTimeout bounds one execution attempt.
	// Default: 30s
	DefaultTimeout time.Duration

	// MaxRetries is the number of retries after a transient failure.
	// Zero means the default (2); negative disables retries.
	MaxRetries int

	// Backoff shapes the delay between retries.
	Backoff backoff.Policy

	// Classifier decides which errors are transient. Defaults to
	// DefaultTransientClassifier.
	Classifier TransientClassifier

	// SkipValidation disables JSON-schema argument validation.
	SkipValidation bool

	// Logger for execution events. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics sink; nil disables metric recording.
	Metrics *observability.Metrics

	// Tracer for execution spans; nil disables tracing.
	Tracer *observability.Tracer
}

func sanitizePipelineConfig(cfg PipelineConfig) PipelineConfig {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	} else if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = backoff.DefaultPolicy()
	}
	if cfg.Classifier == nil {
		cfg.Classifier = DefaultTransientClassifier
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// Pipeline executes a single tool call through a fixed stage sequence:
// before-hook, context injection, started event, resolution and argument
// validation, the invocation itself (with timeout, panic recovery, and
// transient-only retry), after-hook, result truncation, and the
// completion event. Failures never surface as Go errors: every outcome
// is a ToolResult, with errors flagged and classified on the result.
type Pipeline struct {
	cfg     PipelineConfig
	budget  *BudgetManager
	hooks   ExecutionHooks
	schemas sync.Map // schema text -> *jsonschema.Schema
}

// NewPipeline creates a pipeline. A nil budget disables result
// truncation; nil hooks default to NopHooks.
func NewPipeline(cfg PipelineConfig, budget *BudgetManager, hooks ExecutionHooks) *Pipeline {
	if hooks == nil {
		hooks = NopHooks{}
	}
	return &Pipeline{
		cfg:    sanitizePipelineConfig(cfg),
		budget: budget,
		hooks:  hooks,
	}
}

// Execute runs one tool call to completion. The returned result always
// carries the call's ID.
func (p *Pipeline) Execute(ctx context.Context, toolset *Toolset, call models.ToolCall, emit EmitFunc) (result models.ToolResult) {
	start := time.Now()

	// A panic anywhere in the stage sequence (hooks included) must not
	// take down the run.
	defer func() {
		if r := recover(); r != nil {
			p.cfg.Logger.Error("pipeline panic",
				"tool", call.Name,
				"tool_call_id", call.ID,
				"panic", fmt.Sprint(r))
			toolErr := NewToolError(KindPanic, call.Name, fmt.Errorf("%w: %v", ErrToolPanic, r)).
				WithToolCallID(call.ID)
			result = toolErr.ToolResult()
			p.finish(ctx, call, &result, start, emit)
		}
	}()

	call, err := p.hooks.BeforeExecution(ctx, call)
	if err != nil {
		toolErr, ok := GetToolError(err)
		if !ok {
			toolErr = NewToolError(KindDenied, call.Name, err)
		}
		toolErr.ToolCallID = call.ID
		result = toolErr.ToolResult()
		p.finish(ctx, call, &result, start, emit)
		return result
	}

	ctx = WithToolCallID(ctx, call.ID)

	if emit != nil {
		emit(models.NewToolEvent(models.EventToolStarted, call.Name, call.ID).
			WithIteration(IterationFromContext(ctx)))
	}

	res := p.resolveAndInvoke(ctx, toolset, call)

	if replaced := p.hooks.AfterExecution(ctx, call, res); replaced != nil {
		res = *replaced
	}
	if res.ToolCallID == "" {
		res.ToolCallID = call.ID
	}

	if p.budget != nil {
		truncated := p.budget.TruncateResult(res.Content)
		if len(truncated) != len(res.Content) {
			res.Content = truncated
			if p.cfg.Metrics != nil {
				p.cfg.Metrics.RecordTruncation("result")
			}
		}
	}

	p.finish(ctx, call, &res, start, emit)
	return res
}

// finish emits the terminal tool event and records metrics.
func (p *Pipeline) finish(ctx context.Context, call models.ToolCall, res *models.ToolResult, start time.Time, emit EmitFunc) {
	duration := time.Since(start)

	status := "success"
	eventType := models.EventToolCompleted
	if res.IsError {
		status = "error"
		eventType = models.EventToolFailed
		if res.ErrorKind == string(KindTimeout) {
			eventType = models.EventToolTimeout
		}
	}

	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordToolExecution(call.Name, status, duration.Seconds())
		if res.IsError && res.ErrorKind != "" {
			p.cfg.Metrics.RecordError("pipeline", res.ErrorKind)
		}
	}

	if emit != nil {
		event := models.NewToolEvent(eventType, call.Name, call.ID).
			WithIteration(IterationFromContext(ctx)).
			WithMeta("duration_ms", duration.Milliseconds())
		if res.IsError {
			event = event.WithMessage(res.Content)
		}
		emit(event)
	}
}

// resolveAndInvoke looks the tool up, validates arguments, and runs the
// retry loop.
func (p *Pipeline) resolveAndInvoke(ctx context.Context, toolset *Toolset, call models.ToolCall) models.ToolResult {
	if err := ctx.Err(); err != nil {
		return NewToolError(KindCanceled, call.Name, err).
			WithToolCallID(call.ID).
			WithMessage("run canceled before execution").
			ToolResult()
	}

	tool, ok := toolset.Lookup(call.Name)
	if !ok {
		toolErr := NewToolError(KindNotFound, call.Name, fmt.Errorf("%w: %s", ErrToolNotFound, call.Name)).
			WithToolCallID(call.ID)
		return toolErr.ToolResult()
	}

	if len(call.Input) > MaxToolArgsSize {
		toolErr := NewToolError(KindInvalidArgs, call.Name,
			fmt.Errorf("arguments exceed %d bytes", MaxToolArgsSize)).
			WithToolCallID(call.ID)
		return toolErr.ToolResult()
	}

	if !p.cfg.SkipValidation {
		if err := p.validateArgs(tool, call.Input); err != nil {
			toolErr := NewToolError(KindInvalidArgs, call.Name, err).
				WithToolCallID(call.ID)
			return toolErr.ToolResult()
		}
	}

	timeout := ToolTimeout(tool, p.cfg.DefaultTimeout)

	var span func(error)
	if p.cfg.Tracer != nil {
		spanCtx, s := p.cfg.Tracer.TraceToolExecution(ctx, call.Name)
		ctx = spanCtx
		span = func(err error) {
			p.cfg.Tracer.RecordError(s, err)
			s.End()
		}
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		attempts = attempt + 1

		res, err := p.invokeWithTimeout(ctx, tool, call, timeout)
		if err == nil {
			if span != nil {
				span(nil)
			}
			if res == nil {
				res = &models.ToolResult{}
			}
			if res.ToolCallID == "" {
				res.ToolCallID = call.ID
			}
			return *res
		}
		lastErr = err

		if !p.cfg.Classifier(err) {
			break
		}
		if ctx.Err() != nil {
			break
		}
		if attempt >= p.cfg.MaxRetries {
			break
		}

		p.cfg.Logger.Debug("retrying tool after transient failure",
			"tool", call.Name,
			"tool_call_id", call.ID,
			"attempt", attempt+1,
			"error", err)
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.RecordToolRetry(call.Name)
		}

		if err := backoff.Sleep(ctx, p.cfg.Backoff, attempt); err != nil {
			lastErr = NewToolError(KindCanceled, call.Name, err).WithToolCallID(call.ID)
			break
		}
	}

	if span != nil {
		span(lastErr)
	}

	toolErr, ok := GetToolError(lastErr)
	if !ok {
		toolErr = NewToolError(ClassifyError(lastErr), call.Name, lastErr).WithToolCallID(call.ID)
	}
	toolErr.Attempts = attempts
	p.cfg.Logger.Warn("tool execution failed",
		"tool", call.Name,
		"tool_call_id", call.ID,
		"kind", string(toolErr.Kind),
		"attempts", attempts,
		"error", lastErr)
	return toolErr.ToolResult()
}

// invokeWithTimeout runs one execution attempt under the per-call
// timeout, converting panics and context expiry into typed errors.
func (p *Pipeline) invokeWithTimeout(ctx context.Context, tool Tool, call models.ToolCall, timeout time.Duration) (*models.ToolResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type execResult struct {
		result *models.ToolResult
		err    error
	}
	resultCh := make(chan execResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				err := NewToolError(KindPanic, call.Name, fmt.Errorf("%w: %v\n%s", ErrToolPanic, r, stack)).
					WithToolCallID(call.ID)
				resultCh <- execResult{err: err}
			}
		}()

		result, err := tool.Execute(execCtx, call.Input)
		if err != nil {
			if toolErr, ok := GetToolError(err); ok {
				if toolErr.ToolCallID == "" {
					toolErr.ToolCallID = call.ID
				}
				resultCh <- execResult{err: toolErr}
				return
			}
			resultCh <- execResult{err: NewToolError(ClassifyError(err), call.Name, err).WithToolCallID(call.ID)}
			return
		}
		resultCh <- execResult{result: result}
	}()

	select {
	case res := <-resultCh:
		return res.result, res.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, NewToolError(KindCanceled, call.Name, ctx.Err()).
				WithToolCallID(call.ID).
				WithMessage("run canceled during execution")
		}
		return nil, NewToolError(KindTimeout, call.Name, ErrToolTimeout).
			WithToolCallID(call.ID).
			WithMessage(fmt.Sprintf("execution timed out after %s", timeout))
	}
}

// validateArgs checks the call's arguments against the tool's declared
// schema. Compiled schemas are cached per pipeline.
func (p *Pipeline) validateArgs(tool Tool, input json.RawMessage) error {
	schema := tool.Schema()
	if len(schema) == 0 {
		return nil
	}

	compiled, err := p.compileSchema(schema)
	if err != nil {
		// A broken schema is the tool author's bug; don't block the call.
		p.cfg.Logger.Warn("tool schema does not compile, skipping validation",
			"tool", tool.Name(), "error", err)
		return nil
	}

	payload := input
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	if err := compiled.Validate(decoded); err != nil {
		return fmt.Errorf("arguments invalid: %w", err)
	}
	return nil
}

func (p *Pipeline) compileSchema(schema json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := p.schemas.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	p.schemas.Store(key, compiled)
	return compiled, nil
}
