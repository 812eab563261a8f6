package agent

import "context"

type threadIDKey struct{}
type runIDKey struct{}
type agentIDKey struct{}
type iterationKey struct{}
type toolCallIDKey struct{}

// WithThreadID stores the conversation thread ID in the context.
func WithThreadID(ctx context.Context, threadID string) context.Context {
	if threadID == "" {
		return ctx
	}
	return context.WithValue(ctx, threadIDKey{}, threadID)
}

// ThreadIDFromContext retrieves the thread ID, or "" if absent.
func ThreadIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(threadIDKey{}).(string)
	return id
}

// WithRunID stores the run ID in the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	if runID == "" {
		return ctx
	}
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFromContext retrieves the run ID, or "" if absent.
func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// WithAgentID stores the executing agent's ID in the context.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	if agentID == "" {
		return ctx
	}
	return context.WithValue(ctx, agentIDKey{}, agentID)
}

// AgentIDFromContext retrieves the agent ID, or "" if absent.
func AgentIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(agentIDKey{}).(string)
	return id
}

// WithIteration stores the current loop iteration in the context.
func WithIteration(ctx context.Context, iteration int) context.Context {
	return context.WithValue(ctx, iterationKey{}, iteration)
}

// IterationFromContext retrieves the iteration, or -1 if absent.
func IterationFromContext(ctx context.Context) int {
	if iter, ok := ctx.Value(iterationKey{}).(int); ok {
		return iter
	}
	return -1
}

// WithToolCallID stores the executing tool call's ID in the context.
func WithToolCallID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, toolCallIDKey{}, id)
}

// ToolCallIDFromContext retrieves the tool call ID, or "" if absent.
func ToolCallIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(toolCallIDKey{}).(string)
	return id
}
