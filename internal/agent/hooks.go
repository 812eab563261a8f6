package agent

import (
	"context"

	"github.com/haasonsaas/reactor/pkg/models"
)

// ExecutionHooks extend the tool pipeline at its two fixed extension
// points. BeforeExecution runs before the tool is resolved and may
// rewrite the call's arguments or veto it by returning an error; a
// *ToolError veto keeps its kind, any other error becomes KindDenied.
// AfterExecution observes the finished result and may replace it by
// returning a non-nil result.
//
// Hooks run inside the pipeline: a hook that panics is treated like a
// tool panic.
type ExecutionHooks interface {
	BeforeExecution(ctx context.Context, call models.ToolCall) (models.ToolCall, error)
	AfterExecution(ctx context.Context, call models.ToolCall, result models.ToolResult) *models.ToolResult
}

// NopHooks is the default: it passes calls and results through untouched.
type NopHooks struct{}

func (NopHooks) BeforeExecution(_ context.Context, call models.ToolCall) (models.ToolCall, error) {
	return call, nil
}

func (NopHooks) AfterExecution(_ context.Context, _ models.ToolCall, _ models.ToolResult) *models.ToolResult {
	return nil
}

// HookChain composes hooks: BeforeExecution runs in order, threading the
// possibly-rewritten call and stopping at the first veto; AfterExecution
// runs in reverse order, threading replacements.
type HookChain []ExecutionHooks

func (c HookChain) BeforeExecution(ctx context.Context, call models.ToolCall) (models.ToolCall, error) {
	var err error
	for _, h := range c {
		call, err = h.BeforeExecution(ctx, call)
		if err != nil {
			return call, err
		}
	}
	return call, nil
}

func (c HookChain) AfterExecution(ctx context.Context, call models.ToolCall, result models.ToolResult) *models.ToolResult {
	var replaced *models.ToolResult
	for i := len(c) - 1; i >= 0; i-- {
		if r := c[i].AfterExecution(ctx, call, result); r != nil {
			result = *r
			replaced = r
		}
	}
	return replaced
}
