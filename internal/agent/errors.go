package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/haasonsaas/reactor/pkg/models"
)

// Common sentinel errors for run operations
var (
	// ErrMaxIterations indicates the loop exceeded its iteration limit
	ErrMaxIterations = errors.New("max iterations exceeded")

	// ErrNoProvider indicates no LLM provider is configured
	ErrNoProvider = errors.New("no provider configured")

	// ErrToolNotFound indicates a requested tool doesn't exist
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolTimeout indicates a tool execution timed out
	ErrToolTimeout = errors.New("tool execution timed out")

	// ErrToolPanic indicates a tool panicked during execution
	ErrToolPanic = errors.New("tool panicked")

	// ErrBreakerOpen indicates the circuit breaker aborted the run
	ErrBreakerOpen = errors.New("circuit breaker open")
)

// ErrorKind categorizes tool execution errors. The set is closed; retry
// logic and metrics switch on it rather than inspecting error text.
type ErrorKind string

const (
	// KindInvalidArgs indicates the call's arguments failed validation
	KindInvalidArgs ErrorKind = "invalid_args"

	// KindNotFound indicates the tool doesn't exist
	KindNotFound ErrorKind = "not_found"

	// KindTimeout indicates the tool timed out
	KindTimeout ErrorKind = "timeout"

	// KindCanceled indicates the run's context was canceled
	KindCanceled ErrorKind = "canceled"

	// KindNetwork indicates a network error
	KindNetwork ErrorKind = "network"

	// KindRateLimit indicates the tool was rate limited
	KindRateLimit ErrorKind = "rate_limit"

	// KindPermission indicates a permission error
	KindPermission ErrorKind = "permission"

	// KindExecution indicates a runtime error during execution
	KindExecution ErrorKind = "execution"

	// KindPanic indicates the tool panicked
	KindPanic ErrorKind = "panic"

	// KindDenied indicates a human denied the call
	KindDenied ErrorKind = "denied"

	// KindInternal indicates an unclassified internal failure
	KindInternal ErrorKind = "internal"
)

// Transient returns true if this kind suggests retrying may succeed.
// Timeout, network, and rate limit errors are considered transient.
func (k ErrorKind) Transient() bool {
	switch k {
	case KindTimeout, KindNetwork, KindRateLimit:
		return true
	default:
		return false
	}
}

// TransientClassifier decides whether an error is worth retrying. The
// pipeline uses DefaultTransientClassifier unless a custom one is
// configured.
type TransientClassifier func(error) bool

// DefaultTransientClassifier classifies transience structurally: the kind
// of a wrapped ToolError, context deadline expiry, or a net.Error that
// reports a timeout. Error message text is never inspected.
func DefaultTransientClassifier(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if toolErr, ok := GetToolError(err); ok {
		return toolErr.Kind.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// ToolError represents a structured error from tool execution with
// categorization for retry logic and detailed context about the failure.
type ToolError struct {
	// Kind categorizes the error
	Kind ErrorKind

	// ToolName is the name of the tool that failed
	ToolName string

	// ToolCallID is the ID of the tool call that failed
	ToolCallID string

	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error

	// Attempts is the number of attempts made
	Attempts int
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[tool:%s]", e.Kind))

	if e.ToolName != "" {
		parts = append(parts, e.ToolName)
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	if e.Attempts > 1 {
		parts = append(parts, fmt.Sprintf("(attempts=%d)", e.Attempts))
	}

	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ToolError) Unwrap() error {
	return e.Cause
}

// NewToolError creates a ToolError of the given kind.
func NewToolError(kind ErrorKind, toolName string, cause error) *ToolError {
	err := &ToolError{
		Kind:     kind,
		ToolName: toolName,
		Cause:    cause,
		Attempts: 1,
	}
	if cause != nil {
		err.Message = cause.Error()
	}
	return err
}

// WithToolCallID sets the tool call ID for correlating errors with specific calls.
func (e *ToolError) WithToolCallID(id string) *ToolError {
	e.ToolCallID = id
	return e
}

// WithMessage sets a custom human-readable error message.
func (e *ToolError) WithMessage(msg string) *ToolError {
	e.Message = msg
	return e
}

// WithAttempts sets the number of execution attempts that were made.
func (e *ToolError) WithAttempts(n int) *ToolError {
	e.Attempts = n
	return e
}

// ToolResult renders the error as an error-flagged result for the LLM.
func (e *ToolError) ToolResult() models.ToolResult {
	return models.ToolResult{
		ToolCallID: e.ToolCallID,
		Content:    e.Error(),
		IsError:    true,
		ErrorKind:  string(e.Kind),
	}
}

// ClassifyError maps an arbitrary execution error to an ErrorKind using
// only structural checks: wrapped ToolErrors keep their kind, context
// errors map to timeout/canceled, net.Errors map to network.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return KindInternal
	}
	if toolErr, ok := GetToolError(err); ok {
		return toolErr.Kind
	}
	switch {
	case errors.Is(err, ErrToolNotFound):
		return KindNotFound
	case errors.Is(err, ErrToolTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, ErrToolPanic):
		return KindPanic
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}
	return KindExecution
}

// IsToolError checks if an error is or wraps a ToolError.
func IsToolError(err error) bool {
	var toolErr *ToolError
	return errors.As(err, &toolErr)
}

// GetToolError extracts a ToolError from an error chain using errors.As.
func GetToolError(err error) (*ToolError, bool) {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr, true
	}
	return nil, false
}

// LoopError represents an error from the run loop with context about
// which phase and iteration it occurred in.
type LoopError struct {
	// Phase is the loop phase where the error occurred
	Phase LoopPhase

	// Iteration is the loop iteration where the error occurred
	Iteration int

	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *LoopError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("loop error at %s (iteration %d): %s", e.Phase, e.Iteration, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("loop error at %s (iteration %d): %v", e.Phase, e.Iteration, e.Cause)
	}
	return fmt.Sprintf("loop error at %s (iteration %d)", e.Phase, e.Iteration)
}

// Unwrap returns the underlying error.
func (e *LoopError) Unwrap() error {
	return e.Cause
}

// LoopPhase represents a distinct phase in the run loop lifecycle.
type LoopPhase string

const (
	// PhaseInit is the initialization phase
	PhaseInit LoopPhase = "init"

	// PhaseReason is the LLM streaming phase
	PhaseReason LoopPhase = "reason"

	// PhaseAct is the tool execution phase
	PhaseAct LoopPhase = "act"

	// PhaseWaitInterrupt is the paused phase awaiting a human response
	PhaseWaitInterrupt LoopPhase = "wait_interrupt"

	// PhaseBreaker is the circuit breaker abort phase
	PhaseBreaker LoopPhase = "breaker"

	// PhaseComplete is the completion phase
	PhaseComplete LoopPhase = "complete"
)
