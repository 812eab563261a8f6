package multiagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/reactor/internal/agent"
	"github.com/haasonsaas/reactor/pkg/models"
)

// HandoffTool lets an agent request a control transfer to one of its
// configured targets. The run loop detects the call by its reserved
// name; this tool supplies the LLM-facing surface (description, schema)
// and validates arguments when the call executes under a deferred
// policy.
//
// Usage by LLM:
//
//	{
//	  "name": "handoff",
//	  "input": {
//	    "to_agent": "billing",
//	    "reason": "User is asking about an invoice",
//	    "context": {"invoice_id": "INV-2041"},
//	    "return_expected": true
//	  }
//	}
type HandoffTool struct {
	owner   *AgentDefinition
	targets []*AgentDefinition
}

var _ agent.Tool = (*HandoffTool)(nil)

// NewHandoffTool creates a handoff tool for an agent and the targets it
// may reach.
func NewHandoffTool(owner *AgentDefinition, targets ...*AgentDefinition) *HandoffTool {
	return &HandoffTool{
		owner:   owner,
		targets: targets,
	}
}

// Name returns the reserved handoff tool name.
func (h *HandoffTool) Name() string {
	return models.HandoffToolName
}

// Description lists the reachable agents so the model can pick one.
func (h *HandoffTool) Description() string {
	var agentList strings.Builder
	for _, def := range h.targets {
		agentList.WriteString(fmt.Sprintf("\n- %s (%s): %s", def.Name, def.ID, def.Description))
	}

	return fmt.Sprintf(`Transfer control to another specialized agent when a task is outside your expertise or requires capabilities you lack.

Use this tool when:
- The request needs expertise or tools another agent possesses
- You're asked to hand off to a specific agent
- The conversation would benefit from a specialist

Available agents:%s

Provide a clear reason so the receiving agent understands the context. Set return_expected when you need control back afterwards.`, agentList.String())
}

// Schema returns the JSON schema for the tool's input.
func (h *HandoffTool) Schema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"to_agent": map[string]any{
				"type":        "string",
				"description": "The ID of the agent to hand off to",
			},
			"reason": map[string]any{
				"type":        "string",
				"description": "Why this handoff is needed - helps the receiving agent understand the context",
			},
			"context": map[string]any{
				"type":        "object",
				"description": "Facts the receiving agent needs to continue (IDs, decisions made, constraints)",
			},
			"return_expected": map[string]any{
				"type":        "boolean",
				"description": "Whether control should return to you after the target agent completes",
				"default":     false,
			},
		},
		"required": []string{"to_agent", "reason"},
	}

	data, _ := json.Marshal(schema)
	return data
}

// Execute validates a handoff request. The actual transfer is the run
// loop's job; a successful execution only acknowledges the request.
func (h *HandoffTool) Execute(ctx context.Context, args json.RawMessage) (*models.ToolResult, error) {
	var req models.HandoffRequest
	if err := json.Unmarshal(args, &req); err != nil {
		return &models.ToolResult{
			Content:   fmt.Sprintf("Invalid handoff arguments: %v", err),
			IsError:   true,
			ErrorKind: string(agent.KindInvalidArgs),
		}, nil
	}

	target, ok := matchAgent(h.targets, req.ToAgent)
	if !ok {
		return &models.ToolResult{
			Content: fmt.Sprintf("Target agent not found: %s. Available agents: %s",
				req.ToAgent, agentNames(h.targets)),
			IsError:   true,
			ErrorKind: string(agent.KindInvalidArgs),
		}, nil
	}

	if h.owner != nil && target.ID == h.owner.ID {
		return &models.ToolResult{
			Content:   "Cannot hand off to yourself",
			IsError:   true,
			ErrorKind: string(agent.KindInvalidArgs),
		}, nil
	}

	ack := fmt.Sprintf("Control transfer to %s (%s) initiated.", target.Name, target.ID)
	if req.ReturnExpected {
		ack += " Control will return to you when they finish."
	}
	return &models.ToolResult{Content: ack}, nil
}

// matchAgent finds an agent by ID or name: exact ID first, then
// case-insensitive ID or name, then partial name.
func matchAgent(defs []*AgentDefinition, identifier string) (*AgentDefinition, bool) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, false
	}

	for _, def := range defs {
		if def.ID == identifier {
			return def, true
		}
	}

	lower := strings.ToLower(identifier)
	for _, def := range defs {
		if strings.ToLower(def.ID) == lower || strings.ToLower(def.Name) == lower {
			return def, true
		}
	}

	for _, def := range defs {
		if strings.Contains(strings.ToLower(def.Name), lower) {
			return def, true
		}
	}

	return nil, false
}

// agentNames returns a comma-separated list of agent names and IDs.
func agentNames(defs []*AgentDefinition) string {
	names := make([]string, 0, len(defs))
	for _, def := range defs {
		names = append(names, def.Name+" ("+def.ID+")")
	}
	return strings.Join(names, ", ")
}

// ReturnTool lets an agent give control back to whoever handed off to
// it. The team runner pops its return stack when the call lands.
type ReturnTool struct {
	owner *AgentDefinition
}

var _ agent.Tool = (*ReturnTool)(nil)

// NewReturnTool creates a return tool for an agent.
func NewReturnTool(owner *AgentDefinition) *ReturnTool {
	return &ReturnTool{owner: owner}
}

// Name returns the reserved return tool name.
func (r *ReturnTool) Name() string {
	return models.ReturnControlToolName
}

// Description explains when to return control.
func (r *ReturnTool) Description() string {
	return `Return control to the agent that handed off to you.

Use this tool when:
- You have completed the task you were given
- You need to report results back to the requesting agent
- The handoff specified that return was expected

Summarize what you accomplished in the reason.`
}

// Schema returns the JSON schema for the tool's input.
func (r *ReturnTool) Schema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"reason": map[string]any{
				"type":        "string",
				"description": "Summary of what was accomplished",
			},
			"context": map[string]any{
				"type":        "object",
				"description": "Results or facts to carry back to the requesting agent",
			},
		},
		"required": []string{"reason"},
	}

	data, _ := json.Marshal(schema)
	return data
}

// Execute acknowledges the return request. The team runner performs the
// actual pop.
func (r *ReturnTool) Execute(ctx context.Context, args json.RawMessage) (*models.ToolResult, error) {
	var req models.HandoffRequest
	if len(args) > 0 {
		if err := json.Unmarshal(args, &req); err != nil {
			return &models.ToolResult{
				Content:   fmt.Sprintf("Invalid return arguments: %v", err),
				IsError:   true,
				ErrorKind: string(agent.KindInvalidArgs),
			}, nil
		}
	}

	ack := "Returning control to the requesting agent."
	if req.Reason != "" {
		ack = fmt.Sprintf("Returning control to the requesting agent: %s", req.Reason)
	}
	return &models.ToolResult{Content: ack}, nil
}

// ListAgentsTool lets the model discover the team's agents. Grant it
// through the team tool pool when agents should be able to enumerate
// their peers.
type ListAgentsTool struct {
	defs []*AgentDefinition
}

var _ agent.Tool = (*ListAgentsTool)(nil)

// NewListAgentsTool creates a list tool over the given definitions.
func NewListAgentsTool(defs ...*AgentDefinition) *ListAgentsTool {
	return &ListAgentsTool{defs: defs}
}

// Name returns the tool name.
func (l *ListAgentsTool) Name() string {
	return "list_agents"
}

// Description explains the tool.
func (l *ListAgentsTool) Description() string {
	return `List all agents on this team and their specializations.

Use this tool to:
- Discover what agents are available
- Understand each agent's specialization
- Decide which agent to hand off to`
}

// Schema returns an empty object schema; the tool takes no arguments.
func (l *ListAgentsTool) Schema() json.RawMessage {
	schema := map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}

	data, _ := json.Marshal(schema)
	return data
}

// Execute returns the team roster.
func (l *ListAgentsTool) Execute(ctx context.Context, args json.RawMessage) (*models.ToolResult, error) {
	var out strings.Builder
	out.WriteString("Available agents:\n\n")

	for _, def := range l.defs {
		out.WriteString(fmt.Sprintf("## %s\n", def.Name))
		out.WriteString(fmt.Sprintf("- ID: %s\n", def.ID))
		if def.Description != "" {
			out.WriteString(fmt.Sprintf("- Description: %s\n", def.Description))
		}
		if len(def.Tools) > 0 {
			out.WriteString(fmt.Sprintf("- Tools: %s\n", strings.Join(def.Tools, ", ")))
		}
		if len(def.HandoffTargets) > 0 {
			out.WriteString(fmt.Sprintf("- Hands off to: %s\n", strings.Join(def.HandoffTargets, ", ")))
		}
		out.WriteString("\n")
	}

	return &models.ToolResult{Content: out.String()}, nil
}
