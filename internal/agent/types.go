package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/haasonsaas/reactor/pkg/models"
)

// Tool is the interface all executable tools implement.
type Tool interface {
	// Name returns the tool's unique identifier.
	Name() string

	// Description returns a human-readable description for the LLM.
	Description() string

	// Schema returns the JSON schema for the tool's arguments. A nil
	// schema disables argument validation.
	Schema() json.RawMessage

	// Execute runs the tool with the given arguments.
	Execute(ctx context.Context, args json.RawMessage) (*models.ToolResult, error)
}

// SequentialTool marks a tool that must never run concurrently with
// other tools in the same batch.
type SequentialTool interface {
	Tool
	Sequential() bool
}

// ApprovalRequiredTool marks a tool that always requires human approval,
// regardless of the configured approval policy.
type ApprovalRequiredTool interface {
	Tool
	RequiresApproval() bool
}

// TimeoutOverrideTool lets a tool override the pipeline's default
// per-call timeout.
type TimeoutOverrideTool interface {
	Tool
	ExecutionTimeout() time.Duration
}

// ToolDef is the wire-level description of a tool sent to the LLM.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"input_schema,omitempty"`
}

// CompletionRequest is a request to an LLM provider.
type CompletionRequest struct {
	// Model identifies which model to use.
	Model string

	// System is the system prompt.
	System string

	// Messages is the conversation history.
	Messages []models.Message

	// Tools the model may call.
	Tools []ToolDef

	// MaxTokens limits the response length.
	MaxTokens int

	// Temperature controls response randomness (provider default if 0).
	Temperature float64
}

// CompletionChunk is a single streamed piece of an LLM response. Tool
// calls arrive as fragments; the loop assembles them.
type CompletionChunk struct {
	// Text is a piece of assistant text.
	Text string

	// Thinking is a piece of model reasoning, when the provider
	// surfaces it.
	Thinking string

	// Fragment is a piece of a tool call.
	Fragment *models.ToolCallFragment

	// Done signals the end of the stream.
	Done bool

	// Err signals a stream failure; the channel closes after it.
	Err error
}

// Completion is a full, non-streamed LLM response.
type Completion struct {
	Text       string
	Thinking   string
	ToolCalls  []models.ToolCall
	StopReason string
}

// Provider is an LLM invoker. Stream returns chunks on a channel that
// closes when the response ends; Invoke blocks for the full response.
type Provider interface {
	// Name returns the provider identifier (e.g. "anthropic").
	Name() string

	// Stream starts a streaming completion.
	Stream(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Invoke performs a blocking completion.
	Invoke(ctx context.Context, req *CompletionRequest) (*Completion, error)
}

// Compressor summarizes history when the budget manager signals that the
// conversation exceeds the compression threshold. It returns replacement
// messages (typically a summary followed by the retained tail). A nil
// Compressor leaves truncation as the only pressure valve.
type Compressor func(ctx context.Context, msgs []models.Message) ([]models.Message, error)

// HistorySink receives messages as the loop appends them. Persistence is
// the caller's concern; the loop never owns a database for history.
type HistorySink func(ctx context.Context, msg models.Message) error

// CheckpointSink receives a checkpoint when a run pauses on an
// interrupt. The same checkpoint is handed back to Resume.
type CheckpointSink func(ctx context.Context, cp *RunCheckpoint) error
