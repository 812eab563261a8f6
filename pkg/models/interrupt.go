package models

import "time"

// InterruptKind distinguishes what the run is waiting on.
type InterruptKind string

const (
	// InterruptApproval asks a human to approve or deny a tool call.
	InterruptApproval InterruptKind = "approval"

	// InterruptQuestion asks a human a free-form question.
	InterruptQuestion InterruptKind = "question"
)

// InterruptAction is a human's response to a pending interrupt.
type InterruptAction string

const (
	// ActionAccept approves the gated tool call once.
	ActionAccept InterruptAction = "accept"

	// ActionAcceptAlways approves the call and allowlists the tool so
	// future calls skip the interrupt.
	ActionAcceptAlways InterruptAction = "accept_always"

	// ActionDeny rejects the gated tool call.
	ActionDeny InterruptAction = "deny"

	// ActionAnswer answers a question interrupt.
	ActionAnswer InterruptAction = "answer"
)

// InterruptStatus is the lifecycle state of a stored interrupt.
type InterruptStatus string

const (
	InterruptPending  InterruptStatus = "pending"
	InterruptResolved InterruptStatus = "resolved"
	InterruptTimedOut InterruptStatus = "timed_out"
	InterruptCanceled InterruptStatus = "canceled"
)

// PendingInterrupt is a paused point in a run that requires a human
// response. Interrupts are addressed by the (ThreadID, ID) pair.
type PendingInterrupt struct {
	ID        string          `json:"id"`
	ThreadID  string          `json:"thread_id"`
	RunID     string          `json:"run_id,omitempty"`
	Kind      InterruptKind   `json:"kind"`
	ToolCall  *ToolCall       `json:"tool_call,omitempty"`
	Question  string          `json:"question,omitempty"`
	Options   []string        `json:"options,omitempty"`
	Status    InterruptStatus `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at,omitempty"`

	// Response is the human's decision, present once Status leaves
	// pending.
	Response *InterruptResponse `json:"response,omitempty"`
}

// InterruptResponse carries a human's decision back to a waiting run.
type InterruptResponse struct {
	Action      InterruptAction `json:"action"`
	Answer      string          `json:"answer,omitempty"`
	RespondedBy string          `json:"responded_by,omitempty"`
	RespondedAt time.Time       `json:"responded_at"`
}

// Approved reports whether the response permits the gated tool call.
func (r InterruptResponse) Approved() bool {
	return r.Action == ActionAccept || r.Action == ActionAcceptAlways
}
