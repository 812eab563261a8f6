package models

import (
	"encoding/json"
	"fmt"
)

// Reserved tool names the run loop recognizes as control transfers rather
// than ordinary tool executions.
const (
	HandoffToolName       = "handoff"
	ReturnControlToolName = "return_control"
)

// HandoffPolicy controls when a detected handoff takes effect.
type HandoffPolicy string

const (
	// HandoffImmediate terminates the run as soon as the handoff call is
	// detected; the rest of the batch is not executed.
	HandoffImmediate HandoffPolicy = "immediate"

	// HandoffDeferred lets the current batch finish, then terminates the
	// run once all results are in.
	HandoffDeferred HandoffPolicy = "deferred"
)

// HandoffRequest asks for control to transfer to another agent.
type HandoffRequest struct {
	// FromAgent is the agent initiating the handoff.
	FromAgent string `json:"from_agent,omitempty"`

	// ToAgent is the target agent.
	ToAgent string `json:"to_agent"`

	// Reason explains why the handoff is happening.
	Reason string `json:"reason,omitempty"`

	// Context is free-form context carried to the target agent.
	Context map[string]any `json:"context,omitempty"`

	// ReturnExpected indicates the source agent expects control back.
	ReturnExpected bool `json:"return_expected,omitempty"`
}

// IsHandoffCall reports whether a tool call is a control transfer.
func IsHandoffCall(call ToolCall) bool {
	return call.Name == HandoffToolName || call.Name == ReturnControlToolName
}

// ParseHandoffArgs decodes a handoff tool call's arguments. A
// return_control call yields a request with an empty ToAgent.
func ParseHandoffArgs(call ToolCall) (*HandoffRequest, error) {
	if !IsHandoffCall(call) {
		return nil, fmt.Errorf("not a handoff call: %s", call.Name)
	}
	req := &HandoffRequest{}
	if len(call.Input) == 0 {
		if call.Name == ReturnControlToolName {
			return req, nil
		}
		return nil, fmt.Errorf("handoff call %s has no arguments", call.ID)
	}
	if err := json.Unmarshal(call.Input, req); err != nil {
		return nil, fmt.Errorf("decode handoff arguments: %w", err)
	}
	if call.Name == HandoffToolName && req.ToAgent == "" {
		return nil, fmt.Errorf("handoff call %s missing to_agent", call.ID)
	}
	return req, nil
}
