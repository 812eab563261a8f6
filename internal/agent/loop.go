package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/reactor/internal/observability"
	"github.com/haasonsaas/reactor/pkg/models"
)

// RunnerConfig configures the run loop.
type RunnerConfig struct {
	// MaxIterations limits reason/act rounds per run.
	// Default: 10
	MaxIterations int

	// MaxTokens is the max tokens for LLM responses. Defaults to the
	// budget manager's output reserve, or 4096 without one.
	MaxTokens int

	// BreakerThreshold is the number of consecutive iterations where
	// every tool result is an error before the run aborts.
	// Default: 3
	BreakerThreshold int

	// EventBuffer is the run event channel capacity.
	// Default: 64
	EventBuffer int

	// RepairPolicy governs malformed tool-call argument handling.
	RepairPolicy RepairPolicy

	// Logger for loop events. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics sink; nil disables metric recording.
	Metrics *observability.Metrics

	// Tracer for run spans; nil disables tracing.
	Tracer *observability.Tracer
}

func sanitizeRunnerConfig(cfg RunnerConfig, budget *BudgetManager) RunnerConfig {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	if cfg.MaxTokens <= 0 {
		if budget != nil {
			cfg.MaxTokens = budget.cfg.ReserveOutputTokens
		} else {
			cfg.MaxTokens = 4096
		}
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = 3
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// InterruptCanceler resolves an open interrupt as canceled when its run
// dies before a human responds. The interrupt coordinator implements it.
type InterruptCanceler interface {
	CancelInterrupt(ctx context.Context, threadID, interruptID string) error
}

// RunRequest describes one run of the loop.
type RunRequest struct {
	// ThreadID identifies the conversation. Generated when empty.
	ThreadID string

	// AgentID identifies the acting agent (used in handoffs and metrics).
	AgentID string

	// Model passed to the provider.
	Model string

	// System is the system prompt.
	System string

	// Messages is the conversation so far, ending with the message the
	// run should respond to.
	Messages []models.Message

	// Toolset is the tools available to this run.
	Toolset *Toolset

	// HandoffPolicyFor resolves the handoff policy for a target agent.
	// Nil treats every handoff as immediate.
	HandoffPolicyFor func(target string) models.HandoffPolicy
}

// RunCheckpoint captures a paused run so it can resume after a human
// responds. The caller persists it through a CheckpointSink and hands it
// back to Resume.
type RunCheckpoint struct {
	RunID     string `json:"run_id"`
	ThreadID  string `json:"thread_id"`
	AgentID   string `json:"agent_id,omitempty"`
	Iteration int    `json:"iteration"`

	// Messages is the history including the assistant message whose
	// batch paused.
	Messages []models.Message `json:"messages"`

	// Calls is the paused batch's full call list, in original order.
	Calls []models.ToolCall `json:"calls"`

	// PartialResults holds results completed before the pause.
	PartialResults []models.ToolResult `json:"partial_results,omitempty"`

	// Remaining holds the unexecuted calls; the gated call is first.
	Remaining []models.ToolCall `json:"remaining"`

	// InterruptID is the pending interrupt the run is waiting on.
	InterruptID string `json:"interrupt_id"`

	// ConsecutiveErrorRuns carries the circuit breaker count across the
	// pause.
	ConsecutiveErrorRuns int `json:"consecutive_error_runs,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Runner drives the reason/act loop.
//
// The loop operates as a state machine:
//
//	┌────────────────────────────────────────────────────────────┐
//	│                                                            │
//	│   ┌─────────┐      ┌─────────┐      ┌──────────────────┐  │
//	│   │ REASON  │─────▶│   ACT   │─────▶│  WAIT_INTERRUPT  │  │
//	│   └─────────┘      └─────────┘      └──────────────────┘  │
//	│        ▲                │                     │            │
//	│        │                │ (tool results)      │ (resume)   │
//	│        └────────────────┴─────────────────────┘            │
//	│                         │                                  │
//	│                         ▼                                  │
//	│        DONE / HANDOFF / INTERRUPTED / ERROR                │
//	│                                                            │
//	└────────────────────────────────────────────────────────────┘
//
// REASON streams the LLM and assembles tool calls; ACT executes the
// batch through the scheduler; an approval pause checkpoints the run and
// returns INTERRUPTED. Resume re-enters ACT with the human's decision
// applied and does not consume an iteration.
type Runner struct {
	provider  Provider
	scheduler *Scheduler
	budget    *BudgetManager
	cfg       RunnerConfig

	compressor  Compressor
	history     HistorySink
	checkpoints CheckpointSink
	canceler    InterruptCanceler
	observer    func(*models.RunEvent)
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithCompressor installs a history compressor, invoked when the
// conversation crosses the budget's compression threshold.
func WithCompressor(c Compressor) RunnerOption {
	return func(r *Runner) { r.compressor = c }
}

// WithHistorySink delivers every appended message to the caller for
// persistence.
func WithHistorySink(sink HistorySink) RunnerOption {
	return func(r *Runner) { r.history = sink }
}

// WithCheckpointSink delivers checkpoints when runs pause on interrupts.
func WithCheckpointSink(sink CheckpointSink) RunnerOption {
	return func(r *Runner) { r.checkpoints = sink }
}

// WithInterruptCanceler lets the loop resolve open interrupts when a run
// is canceled mid-pause.
func WithInterruptCanceler(c InterruptCanceler) RunnerOption {
	return func(r *Runner) { r.canceler = c }
}

// WithEventObserver invokes fn for every emitted event, before channel
// delivery. Callers consuming runs through the sync API (teams, CLIs)
// use it to watch the stream. fn runs on the run goroutine; it must not
// block.
func WithEventObserver(fn func(*models.RunEvent)) RunnerOption {
	return func(r *Runner) { r.observer = fn }
}

// NewRunner creates a run loop around the given provider and scheduler.
// A nil budget disables history truncation and compression checks.
func NewRunner(provider Provider, scheduler *Scheduler, budget *BudgetManager, cfg RunnerConfig, opts ...RunnerOption) *Runner {
	r := &Runner{
		provider:  provider,
		scheduler: scheduler,
		budget:    budget,
		cfg:       sanitizeRunnerConfig(cfg, budget),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// runState is the mutable state of one run. It is touched only by the
// run goroutine.
type runState struct {
	runID     string
	iteration int
	msgs      []models.Message

	// consecutive iterations where every tool result was an error
	allErrorRuns int
}

// Run executes the loop and streams events through the returned channel.
// The channel closes after a terminal run_completed event carrying the
// RunResult. The caller must drain the channel; after cancellation,
// events may be dropped if the buffer fills while the consumer is away.
func (r *Runner) Run(ctx context.Context, req RunRequest) (<-chan *models.RunEvent, error) {
	if r.provider == nil {
		return nil, ErrNoProvider
	}
	if len(req.Messages) == 0 {
		return nil, errors.New("run request has no messages")
	}
	if req.ThreadID == "" {
		req.ThreadID = uuid.NewString()
	}

	events := make(chan *models.RunEvent, r.cfg.EventBuffer)
	go func() {
		st := &runState{
			runID: uuid.NewString(),
			msgs:  append([]models.Message(nil), req.Messages...),
		}
		result := r.newResult(st, req)
		defer close(events)

		ctx, finishSpan := r.traceRun(ctx, req)
		emit := r.emitter(ctx, events)
		defer func() {
			r.finish(req, st, result, emit)
			finishSpan(result.Err)
		}()

		ctx = r.withRunContext(ctx, st, req)
		emit(models.NewRunEvent(models.EventRunStarted).WithMeta("run_id", st.runID))

		r.loop(ctx, req, st, emit, result)
	}()
	return events, nil
}

// RunSync executes the loop and blocks for the terminal result. Loop
// failures are reported on RunResult.Err, not the returned error.
func (r *Runner) RunSync(ctx context.Context, req RunRequest) (*models.RunResult, error) {
	events, err := r.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	return collectResult(events)
}

// Resume continues a checkpointed run with the human's response applied
// to the gated call. The settled batch completes in place; the iteration
// counter does not advance for the resumption itself.
func (r *Runner) Resume(ctx context.Context, req RunRequest, cp *RunCheckpoint, resp *models.InterruptResponse) (<-chan *models.RunEvent, error) {
	if r.provider == nil {
		return nil, ErrNoProvider
	}
	if cp == nil {
		return nil, errors.New("resume requires a checkpoint")
	}
	if len(cp.Remaining) == 0 {
		return nil, errors.New("checkpoint has no pending calls")
	}
	if resp == nil {
		return nil, errors.New("resume requires an interrupt response")
	}
	if req.ThreadID == "" {
		req.ThreadID = cp.ThreadID
	}

	events := make(chan *models.RunEvent, r.cfg.EventBuffer)
	go func() {
		st := &runState{
			runID:        cp.RunID,
			iteration:    cp.Iteration,
			msgs:         append([]models.Message(nil), cp.Messages...),
			allErrorRuns: cp.ConsecutiveErrorRuns,
		}
		result := r.newResult(st, req)
		defer close(events)

		ctx, finishSpan := r.traceRun(ctx, req)
		emit := r.emitter(ctx, events)
		defer func() {
			r.finish(req, st, result, emit)
			finishSpan(result.Err)
		}()

		ctx = r.withRunContext(ctx, st, req)
		emit(models.NewRunEvent(models.EventRunStarted).
			WithMeta("run_id", st.runID).
			WithMeta("resumed", true))

		resolved := models.NewRunEvent(models.EventInterruptResolved).
			WithMeta("action", string(resp.Action))
		resolved.ToolCallID = cp.Remaining[0].ID
		resolved.ToolName = cp.Remaining[0].Name
		emit(resolved)
		if r.cfg.Metrics != nil {
			kind := models.InterruptApproval
			if resp.Action == models.ActionAnswer {
				kind = models.InterruptQuestion
			}
			r.cfg.Metrics.RecordInterrupt(string(kind), string(resp.Action))
		}

		iterCtx := WithIteration(ctx, st.iteration)
		settled := r.settleInterrupt(iterCtx, req, cp.Remaining[0], resp, emit)
		results := append(append([]models.ToolResult(nil), cp.PartialResults...), settled)

		if remaining := cp.Remaining[1:]; len(remaining) > 0 {
			batch := r.scheduler.ExecuteBatch(iterCtx, req.Toolset, remaining, emit)
			results = append(results, batch.Results...)
			if batch.Interrupt != nil {
				r.pause(ctx, req, st, cp.Calls, results, batch.Remaining, batch.Interrupt, emit, result)
				return
			}
		}

		if r.completeTurn(ctx, req, st, cp.Calls, results, emit, result) {
			return
		}
		r.loop(ctx, req, st, emit, result)
	}()
	return events, nil
}

// ResumeSync resumes a checkpointed run and blocks for the terminal
// result.
func (r *Runner) ResumeSync(ctx context.Context, req RunRequest, cp *RunCheckpoint, resp *models.InterruptResponse) (*models.RunResult, error) {
	events, err := r.Resume(ctx, req, cp, resp)
	if err != nil {
		return nil, err
	}
	return collectResult(events)
}

// loop is the reason/act cycle. It mutates result and returns when the
// run reaches a terminal state.
func (r *Runner) loop(ctx context.Context, req RunRequest, st *runState, emit EmitFunc, result *models.RunResult) {
	for {
		if ctx.Err() != nil {
			r.cancelRun(ctx, st, result, emit)
			return
		}
		if st.iteration >= r.cfg.MaxIterations {
			r.reachIterationCap(ctx, st, req, result)
			return
		}

		emit(models.NewRunEvent(models.EventIterationStarted).WithIteration(st.iteration))
		if r.cfg.Metrics != nil {
			r.cfg.Metrics.RecordIteration(req.AgentID)
		}
		iterCtx := WithIteration(ctx, st.iteration)

		r.maybeCompress(ctx, st, emit)

		text, thinking, calls, err := r.reason(iterCtx, req, st, emit)
		if err != nil {
			if ctx.Err() != nil {
				r.cancelRun(ctx, st, result, emit)
				return
			}
			result.State = models.RunStateError
			result.Err = &LoopError{Phase: PhaseReason, Iteration: st.iteration, Cause: err}
			return
		}
		st.iteration++

		assistant := r.newMessage(req.ThreadID, models.RoleAssistant, text)
		assistant.Thinking = thinking
		assistant.ToolCalls = calls
		r.appendMessage(ctx, st, assistant)

		if len(calls) == 0 {
			result.State = models.RunStateDone
			result.FinalText = text
			return
		}

		if handoff, policy := r.detectHandoff(req, calls); handoff != nil && policy == models.HandoffImmediate {
			r.emitHandoff(emit, st, handoff)
			result.State = models.RunStateHandoff
			result.Handoff = handoff
			result.FinalText = text
			return
		}

		batch := r.scheduler.ExecuteBatch(iterCtx, req.Toolset, calls, emit)
		if batch.Interrupt != nil {
			r.pause(ctx, req, st, calls, batch.Results, batch.Remaining, batch.Interrupt, emit, result)
			return
		}

		if r.completeTurn(ctx, req, st, calls, batch.Results, emit, result) {
			return
		}
	}
}

// reason streams one LLM turn, forwarding deltas as events and
// assembling tool-call fragments.
func (r *Runner) reason(ctx context.Context, req RunRequest, st *runState, emit EmitFunc) (string, string, []models.ToolCall, error) {
	msgs := st.msgs
	if r.budget != nil {
		msgs = r.budget.TruncateMessages(msgs)
	}

	creq := &CompletionRequest{
		Model:     req.Model,
		System:    req.System,
		Messages:  msgs,
		Tools:     req.Toolset.Defs(),
		MaxTokens: r.cfg.MaxTokens,
	}

	var finishSpan func(error)
	if r.cfg.Tracer != nil {
		spanCtx, span := r.cfg.Tracer.TraceLLMRequest(ctx, r.provider.Name(), req.Model)
		ctx = spanCtx
		finishSpan = func(err error) {
			r.cfg.Tracer.RecordError(span, err)
			span.End()
		}
	}

	start := time.Now()
	record := func(status string, err error) {
		if r.cfg.Metrics != nil {
			r.cfg.Metrics.RecordLLMRequest(r.provider.Name(), req.Model, status, time.Since(start).Seconds())
		}
		if finishSpan != nil {
			finishSpan(err)
		}
	}

	chunks, err := r.provider.Stream(ctx, creq)
	if err != nil {
		record("error", err)
		return "", "", nil, fmt.Errorf("start stream: %w", err)
	}

	asm := NewAssembler(r.cfg.RepairPolicy, r.cfg.Logger)
	var textB, thinkingB strings.Builder
	for chunk := range chunks {
		if chunk == nil {
			continue
		}
		if chunk.Err != nil {
			record("error", chunk.Err)
			return "", "", nil, fmt.Errorf("stream: %w", chunk.Err)
		}
		if chunk.Thinking != "" {
			thinkingB.WriteString(chunk.Thinking)
			emit(models.NewRunEvent(models.EventThinkingDelta).
				WithText(chunk.Thinking).
				WithIteration(st.iteration))
		}
		if chunk.Text != "" {
			textB.WriteString(chunk.Text)
			emit(models.NewRunEvent(models.EventTextDelta).
				WithText(chunk.Text).
				WithIteration(st.iteration))
		}
		if chunk.Fragment != nil {
			asm.Add(*chunk.Fragment)
		}
	}
	record("ok", nil)

	calls, dropErrs := asm.Finalize()
	for _, dropErr := range dropErrs {
		r.cfg.Logger.Warn("dropped malformed tool call",
			"thread_id", req.ThreadID,
			"iteration", st.iteration,
			"error", dropErr)
	}
	return textB.String(), thinkingB.String(), calls, nil
}

// completeTurn finishes one iteration's batch: appends the tool-result
// message, runs the post-batch handoff check, and updates the circuit
// breaker. Returns true when the run reached a terminal state.
func (r *Runner) completeTurn(ctx context.Context, req RunRequest, st *runState, calls []models.ToolCall, results []models.ToolResult, emit EmitFunc, result *models.RunResult) bool {
	ordered := orderResults(calls, results)
	toolMsg := r.newMessage(req.ThreadID, models.RoleTool, "")
	toolMsg.ToolResults = ordered
	r.appendMessage(ctx, st, toolMsg)

	// Deferred handoffs take effect once the whole batch has finished. A
	// handoff whose own call failed does not transfer control; its error
	// result goes back to the model like any other tool failure.
	if handoff, _ := r.detectHandoff(req, settledCalls(calls, ordered)); handoff != nil {
		r.emitHandoff(emit, st, handoff)
		result.State = models.RunStateHandoff
		result.Handoff = handoff
		return true
	}

	errorCount := 0
	for _, res := range ordered {
		if res.IsError {
			errorCount++
		}
	}
	if len(ordered) > 0 && errorCount == len(ordered) {
		st.allErrorRuns++
	} else {
		st.allErrorRuns = 0
	}
	if st.allErrorRuns >= r.cfg.BreakerThreshold {
		r.tripBreaker(ctx, req, st, result)
		return true
	}
	return false
}

// settledCalls filters a batch down to the calls whose results
// succeeded.
func settledCalls(calls []models.ToolCall, results []models.ToolResult) []models.ToolCall {
	errored := make(map[string]bool, len(results))
	for _, res := range results {
		if res.IsError {
			errored[res.ToolCallID] = true
		}
	}
	if len(errored) == 0 {
		return calls
	}
	out := make([]models.ToolCall, 0, len(calls))
	for _, call := range calls {
		if !errored[call.ID] {
			out = append(out, call)
		}
	}
	return out
}

// pause checkpoints a batch stopped by an approval interrupt. A run
// canceled while pausing resolves the interrupt instead of orphaning it.
func (r *Runner) pause(ctx context.Context, req RunRequest, st *runState, calls []models.ToolCall, partial []models.ToolResult, remaining []models.ToolCall, interrupt *models.PendingInterrupt, emit EmitFunc, result *models.RunResult) {
	if ctx.Err() != nil {
		r.resolveOrphan(req.ThreadID, interrupt.ID)
		r.cancelRun(ctx, st, result, emit)
		return
	}

	cp := &RunCheckpoint{
		RunID:                st.runID,
		ThreadID:             req.ThreadID,
		AgentID:              req.AgentID,
		Iteration:            st.iteration,
		Messages:             append([]models.Message(nil), st.msgs...),
		Calls:                calls,
		PartialResults:       partial,
		Remaining:            remaining,
		InterruptID:          interrupt.ID,
		ConsecutiveErrorRuns: st.allErrorRuns,
		CreatedAt:            time.Now(),
	}
	if r.checkpoints != nil {
		if err := r.checkpoints(ctx, cp); err != nil {
			r.cfg.Logger.Error("checkpoint sink failed; run may not be resumable",
				"run_id", st.runID,
				"interrupt_id", interrupt.ID,
				"error", err)
		}
	} else {
		r.cfg.Logger.Debug("no checkpoint sink configured; paused run is not resumable",
			"run_id", st.runID)
	}

	event := models.NewRunEvent(models.EventRunInterrupted).WithIteration(st.iteration)
	event.Interrupt = interrupt
	emit(event)

	result.State = models.RunStateInterrupted
	result.Interrupt = interrupt
}

// settleInterrupt turns the human's response into the gated call's
// result: approvals execute the call, denials and answers synthesize
// its result directly.
func (r *Runner) settleInterrupt(ctx context.Context, req RunRequest, call models.ToolCall, resp *models.InterruptResponse, emit EmitFunc) models.ToolResult {
	switch resp.Action {
	case models.ActionAccept, models.ActionAcceptAlways:
		return r.scheduler.pipeline.Execute(ctx, req.Toolset, call, emit)
	case models.ActionAnswer:
		return models.ToolResult{ToolCallID: call.ID, Content: resp.Answer}
	default:
		reason := resp.Answer
		if reason == "" {
			reason = "denied by user"
		}
		return NewToolError(KindDenied, call.Name, nil).
			WithToolCallID(call.ID).
			WithMessage(reason).
			ToolResult()
	}
}

func (r *Runner) reachIterationCap(ctx context.Context, st *runState, req RunRequest, result *models.RunResult) {
	capText := fmt.Sprintf("Reached the maximum of %d iterations before finishing. Stopping here; the partial work above is preserved.", r.cfg.MaxIterations)
	r.appendMessage(ctx, st, r.newMessage(req.ThreadID, models.RoleAssistant, capText))

	r.cfg.Logger.Warn("run hit iteration cap",
		"run_id", st.runID,
		"thread_id", req.ThreadID,
		"max_iterations", r.cfg.MaxIterations)

	result.State = models.RunStateDone
	result.FinalText = capText
	result.Err = fmt.Errorf("run stopped after %d iterations: %w", r.cfg.MaxIterations, ErrMaxIterations)
}

func (r *Runner) tripBreaker(ctx context.Context, req RunRequest, st *runState, result *models.RunResult) {
	text := fmt.Sprintf("Stopping: %d consecutive iterations produced only tool errors.", st.allErrorRuns)
	r.appendMessage(ctx, st, r.newMessage(req.ThreadID, models.RoleAssistant, text))

	r.cfg.Logger.Error("circuit breaker tripped",
		"run_id", st.runID,
		"thread_id", req.ThreadID,
		"consecutive_error_iterations", st.allErrorRuns)
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RecordBreakerTrip(req.AgentID)
	}

	result.State = models.RunStateError
	result.FinalText = text
	result.Err = &LoopError{
		Phase:     PhaseBreaker,
		Iteration: st.iteration,
		Message:   text,
		Cause:     ErrBreakerOpen,
	}
}

func (r *Runner) cancelRun(ctx context.Context, st *runState, result *models.RunResult, emit EmitFunc) {
	emit(models.NewRunEvent(models.EventRunCanceled).WithIteration(st.iteration))
	result.State = models.RunStateError
	if err := ctx.Err(); err != nil {
		result.Err = err
	} else {
		result.Err = context.Canceled
	}
}

// maybeCompress invokes the compressor when history crosses the
// compression threshold. Compression failures leave history untouched;
// truncation still bounds the next request.
func (r *Runner) maybeCompress(ctx context.Context, st *runState, emit EmitFunc) {
	if r.budget == nil || r.compressor == nil {
		return
	}
	if !r.budget.NeedsCompression(st.msgs) {
		return
	}

	before := len(st.msgs)
	compressed, err := r.compressor(ctx, st.msgs)
	if err != nil {
		r.cfg.Logger.Warn("history compression failed", "error", err)
		return
	}
	if len(compressed) == 0 {
		r.cfg.Logger.Warn("compressor returned no messages; keeping history")
		return
	}
	st.msgs = compressed
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RecordTruncation("history")
	}
	emit(models.NewRunEvent(models.EventCompression).
		WithIteration(st.iteration).
		WithMeta("messages_before", before).
		WithMeta("messages_after", len(compressed)))
}

// detectHandoff finds the first parseable control-transfer call in the
// batch and resolves its policy. Malformed handoff calls are left for
// the handoff tool itself to reject.
func (r *Runner) detectHandoff(req RunRequest, calls []models.ToolCall) (*models.HandoffRequest, models.HandoffPolicy) {
	for _, call := range calls {
		if !models.IsHandoffCall(call) {
			continue
		}
		handoff, err := models.ParseHandoffArgs(call)
		if err != nil {
			r.cfg.Logger.Warn("ignoring malformed handoff call",
				"tool_call_id", call.ID,
				"error", err)
			continue
		}
		handoff.FromAgent = req.AgentID
		policy := models.HandoffImmediate
		if req.HandoffPolicyFor != nil && req.HandoffPolicyFor(handoff.ToAgent) == models.HandoffDeferred {
			policy = models.HandoffDeferred
		}
		return handoff, policy
	}
	return nil, ""
}

func (r *Runner) emitHandoff(emit EmitFunc, st *runState, handoff *models.HandoffRequest) {
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RecordHandoff(handoff.FromAgent, handoff.ToAgent)
	}
	event := models.NewRunEvent(models.EventHandoff).WithIteration(st.iteration)
	event.Handoff = handoff
	emit(event)
}

// resolveOrphan cancels an interrupt whose run died before returning it.
// The run context is already dead, so it uses its own deadline.
func (r *Runner) resolveOrphan(threadID, interruptID string) {
	if r.canceler == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.canceler.CancelInterrupt(ctx, threadID, interruptID); err != nil {
		r.cfg.Logger.Warn("failed to cancel orphaned interrupt",
			"thread_id", threadID,
			"interrupt_id", interruptID,
			"error", err)
	}
}

func (r *Runner) newResult(st *runState, req RunRequest) *models.RunResult {
	return &models.RunResult{
		RunID:     st.runID,
		ThreadID:  req.ThreadID,
		State:     models.RunStateError,
		StartedAt: time.Now(),
	}
}

// finish emits the terminal event. Exactly one run_completed is emitted
// per run, last.
func (r *Runner) finish(req RunRequest, st *runState, result *models.RunResult, emit EmitFunc) {
	result.Iterations = st.iteration
	result.Messages = append([]models.Message(nil), st.msgs...)
	result.FinishedAt = time.Now()
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RecordRun(req.AgentID, string(result.State))
	}
	event := models.NewRunEvent(models.EventRunCompleted)
	event.Result = result
	emit(event)
}

func (r *Runner) traceRun(ctx context.Context, req RunRequest) (context.Context, func(error)) {
	if r.cfg.Tracer == nil {
		return ctx, func(error) {}
	}
	spanCtx, span := r.cfg.Tracer.TraceRun(ctx, req.ThreadID, req.AgentID)
	return spanCtx, func(err error) {
		r.cfg.Tracer.RecordError(span, err)
		span.End()
	}
}

func (r *Runner) withRunContext(ctx context.Context, st *runState, req RunRequest) context.Context {
	ctx = WithThreadID(ctx, req.ThreadID)
	ctx = WithRunID(ctx, st.runID)
	if req.AgentID != "" {
		ctx = WithAgentID(ctx, req.AgentID)
	}
	return ctx
}

// emitter delivers events without blocking a canceled run: a buffered
// send is tried first, then a blocking send racing the context.
func (r *Runner) emitter(ctx context.Context, events chan<- *models.RunEvent) EmitFunc {
	return func(event *models.RunEvent) {
		if event == nil {
			return
		}
		if r.observer != nil {
			r.observer(event)
		}
		select {
		case events <- event:
		default:
			select {
			case events <- event:
			case <-ctx.Done():
				r.cfg.Logger.Debug("dropped run event after cancellation",
					"type", string(event.Type))
			}
		}
	}
}

func (r *Runner) newMessage(threadID string, role models.Role, content string) models.Message {
	return models.Message{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

func (r *Runner) appendMessage(ctx context.Context, st *runState, msg models.Message) {
	st.msgs = append(st.msgs, msg)
	if r.history != nil {
		if err := r.history(ctx, msg); err != nil {
			r.cfg.Logger.Warn("history sink failed",
				"message_id", msg.ID,
				"role", string(msg.Role),
				"error", err)
		}
	}
}

// orderResults arranges results in the batch's original call order.
// Results for unknown call IDs (an after-hook rewrote the ID, or a
// malformed provider echo) are appended at the end rather than dropped.
func orderResults(calls []models.ToolCall, results []models.ToolResult) []models.ToolResult {
	if len(results) <= 1 {
		return results
	}
	byID := make(map[string]int, len(results))
	for i := range results {
		byID[results[i].ToolCallID] = i
	}
	ordered := make([]models.ToolResult, 0, len(results))
	used := make([]bool, len(results))
	for _, call := range calls {
		if idx, ok := byID[call.ID]; ok && !used[idx] {
			ordered = append(ordered, results[idx])
			used[idx] = true
		}
	}
	for i := range results {
		if !used[i] {
			ordered = append(ordered, results[i])
		}
	}
	return ordered
}

func collectResult(events <-chan *models.RunEvent) (*models.RunResult, error) {
	var result *models.RunResult
	for event := range events {
		if event.Type == models.EventRunCompleted && event.Result != nil {
			result = event.Result
		}
	}
	if result == nil {
		return nil, errors.New("run ended without a result")
	}
	return result, nil
}
