package models

import "time"

// RunEventType defines the closed set of events a run can emit.
type RunEventType string

const (
	// EventRunStarted indicates a run has begun.
	EventRunStarted RunEventType = "run_started"

	// EventIterationStarted indicates a new reason/act iteration.
	EventIterationStarted RunEventType = "iteration_started"

	// EventTextDelta carries a streamed chunk of assistant text.
	EventTextDelta RunEventType = "text_delta"

	// EventThinkingDelta carries a streamed chunk of model reasoning.
	EventThinkingDelta RunEventType = "thinking_delta"

	// EventToolStarted indicates a tool has started executing.
	EventToolStarted RunEventType = "tool_started"

	// EventToolCompleted indicates a tool has completed successfully.
	EventToolCompleted RunEventType = "tool_completed"

	// EventToolFailed indicates a tool has failed.
	EventToolFailed RunEventType = "tool_failed"

	// EventToolTimeout indicates a tool execution timed out.
	EventToolTimeout RunEventType = "tool_timeout"

	// EventInterruptCreated indicates a human response is now required.
	EventInterruptCreated RunEventType = "interrupt_created"

	// EventInterruptResolved indicates a pending interrupt was answered.
	EventInterruptResolved RunEventType = "interrupt_resolved"

	// EventRunInterrupted indicates the run paused awaiting a human.
	EventRunInterrupted RunEventType = "run_interrupted"

	// EventHandoff indicates control is transferring to another agent.
	EventHandoff RunEventType = "handoff"

	// EventCompression indicates history exceeded the compression threshold.
	EventCompression RunEventType = "compression"

	// EventRunCanceled indicates the run's context was canceled.
	EventRunCanceled RunEventType = "run_canceled"

	// EventRunCompleted is the terminal event; Result is always set.
	EventRunCompleted RunEventType = "run_completed"
)

// RunEvent is a lifecycle event emitted on a run's event channel. The set
// of types is closed; consumers can switch exhaustively on Type. Exactly
// one run_completed event is emitted per run, last, carrying the result.
type RunEvent struct {
	// Type identifies the kind of event.
	Type RunEventType `json:"type"`

	// Text carries streamed content for text_delta and thinking_delta.
	Text string `json:"text,omitempty"`

	// Message is a human-readable description of the event.
	Message string `json:"message,omitempty"`

	// ToolName is the name of the tool (for tool events).
	ToolName string `json:"tool_name,omitempty"`

	// ToolCallID is the ID of the tool call (for tool events).
	ToolCallID string `json:"tool_call_id,omitempty"`

	// Iteration is the current loop iteration (0-indexed).
	Iteration int `json:"iteration,omitempty"`

	// Interrupt is set on interrupt_created and run_interrupted events.
	Interrupt *PendingInterrupt `json:"interrupt,omitempty"`

	// Handoff is set on handoff events.
	Handoff *HandoffRequest `json:"handoff,omitempty"`

	// Result is set on the terminal run_completed event.
	Result *RunResult `json:"result,omitempty"`

	// Meta contains additional event-specific metadata.
	Meta map[string]any `json:"meta,omitempty"`
}

// NewRunEvent creates an event of the given type.
func NewRunEvent(eventType RunEventType) *RunEvent {
	return &RunEvent{Type: eventType}
}

// NewToolEvent creates a tool lifecycle event.
func NewToolEvent(eventType RunEventType, toolName, toolCallID string) *RunEvent {
	return &RunEvent{
		Type:       eventType,
		ToolName:   toolName,
		ToolCallID: toolCallID,
	}
}

// WithText attaches streamed content to the event.
func (e *RunEvent) WithText(text string) *RunEvent {
	e.Text = text
	return e
}

// WithMessage adds a message to the event.
func (e *RunEvent) WithMessage(msg string) *RunEvent {
	e.Message = msg
	return e
}

// WithIteration adds the iteration number to the event.
func (e *RunEvent) WithIteration(iter int) *RunEvent {
	e.Iteration = iter
	return e
}

// WithMeta adds a metadata key to the event.
func (e *RunEvent) WithMeta(key string, value any) *RunEvent {
	if e.Meta == nil {
		e.Meta = make(map[string]any)
	}
	e.Meta[key] = value
	return e
}

// RunState is the terminal state of a run.
type RunState string

const (
	// RunStateDone means the model produced a final answer.
	RunStateDone RunState = "done"

	// RunStateHandoff means control transferred to another agent.
	RunStateHandoff RunState = "handoff"

	// RunStateInterrupted means the run paused awaiting a human response.
	RunStateInterrupted RunState = "interrupted"

	// RunStateError means the run failed.
	RunStateError RunState = "error"
)

// RunResult is the outcome of a run, delivered on the terminal event.
type RunResult struct {
	RunID      string            `json:"run_id"`
	ThreadID   string            `json:"thread_id"`
	State      RunState          `json:"state"`
	FinalText  string            `json:"final_text,omitempty"`
	Iterations int               `json:"iterations"`
	Interrupt  *PendingInterrupt `json:"interrupt,omitempty"`
	Handoff    *HandoffRequest   `json:"handoff,omitempty"`

	// Messages is the full conversation history at the end of the run,
	// including everything the run appended. Callers persisting history
	// or chaining runs (handoffs) read it from here.
	Messages []Message `json:"messages,omitempty"`

	Err        error     `json:"-"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}
