// Package multiagent composes single-agent runs into teams.
//
// A team is a set of agent definitions sharing one tool pool. Agents
// transfer control to each other through the reserved handoff tool; the
// Team runner follows those transfers, re-entering the run loop as the
// target agent until a run ends in something other than a handoff.
//
//	┌─────────┐  handoff   ┌─────────┐  handoff   ┌─────────┐
//	│ primary │───────────▶│ billing │───────────▶│ refunds │
//	└─────────┘            └─────────┘            └─────────┘
//	     ▲                                             │
//	     └───────────── return_control ────────────────┘
//
// The package owns no persistence: the handoff stack travels in a
// TeamState the caller stores alongside the conversation.
package multiagent

import (
	"errors"
	"fmt"

	"github.com/haasonsaas/reactor/pkg/models"
)

// AgentDefinition describes one agent in a team.
type AgentDefinition struct {
	// ID is the unique identifier, used as a handoff target.
	ID string `json:"id" yaml:"id"`

	// Name is the human-readable name. Defaults to ID.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Description explains what this agent specializes in. Other agents
	// see it verbatim in their handoff tool description when deciding
	// where to transfer control.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Model is the provider model this agent runs on.
	Model string `json:"model" yaml:"model"`

	// SystemPrompt is the agent's base system prompt.
	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`

	// Tools lists the tools this agent has access to, by name, resolved
	// against the team's tool pool.
	Tools []string `json:"tools,omitempty" yaml:"tools,omitempty"`

	// HandoffTargets lists the agents this one may hand off to. An
	// agent with no targets gets no handoff tool.
	HandoffTargets []string `json:"handoff_targets,omitempty" yaml:"handoff_targets,omitempty"`

	// HandoffPolicy controls when transfers TO this agent take effect:
	// immediate abandons the rest of the source batch, deferred lets it
	// finish first. Defaults to immediate.
	HandoffPolicy models.HandoffPolicy `json:"handoff_policy,omitempty" yaml:"handoff_policy,omitempty"`
}

// Clone creates a deep copy of the agent definition.
func (a *AgentDefinition) Clone() *AgentDefinition {
	if a == nil {
		return nil
	}
	clone := *a
	if a.Tools != nil {
		clone.Tools = make([]string, len(a.Tools))
		copy(clone.Tools, a.Tools)
	}
	if a.HandoffTargets != nil {
		clone.HandoffTargets = make([]string, len(a.HandoffTargets))
		copy(clone.HandoffTargets, a.HandoffTargets)
	}
	return &clone
}

// HasTool checks if the agent has access to a specific tool.
func (a *AgentDefinition) HasTool(toolName string) bool {
	for _, t := range a.Tools {
		if t == toolName {
			return true
		}
	}
	return false
}

// AllowsTarget checks if the agent may hand off to the given agent.
func (a *AgentDefinition) AllowsTarget(agentID string) bool {
	for _, t := range a.HandoffTargets {
		if t == agentID {
			return true
		}
	}
	return false
}

func normalizeAgentDefinition(def *AgentDefinition) *AgentDefinition {
	out := def.Clone()
	if out.Name == "" {
		out.Name = out.ID
	}
	if out.HandoffPolicy == "" {
		out.HandoffPolicy = models.HandoffImmediate
	}
	return out
}

func validateAgentDefinition(def *AgentDefinition) error {
	if def == nil {
		return errors.New("agent definition cannot be nil")
	}
	if def.ID == "" {
		return errors.New("agent ID cannot be empty")
	}
	if def.Model == "" {
		return fmt.Errorf("agent %q has no model", def.ID)
	}
	switch def.HandoffPolicy {
	case "", models.HandoffImmediate, models.HandoffDeferred:
	default:
		return fmt.Errorf("agent %q has unknown handoff policy %q", def.ID, def.HandoffPolicy)
	}
	for _, target := range def.HandoffTargets {
		if target == def.ID {
			return fmt.Errorf("agent %q lists itself as a handoff target", def.ID)
		}
	}
	return nil
}

// ValidateDefinitions checks a full roster: every definition is valid
// on its own, IDs are unique, and every handoff target exists. Config
// loading uses this to reject a team file without building a team.
func ValidateDefinitions(defs ...*AgentDefinition) error {
	if len(defs) == 0 {
		return errors.New("no agent definitions")
	}
	ids := make(map[string]bool, len(defs))
	for _, def := range defs {
		if err := validateAgentDefinition(def); err != nil {
			return err
		}
		if ids[def.ID] {
			return fmt.Errorf("duplicate agent ID %q", def.ID)
		}
		ids[def.ID] = true
	}
	for _, def := range defs {
		for _, target := range def.HandoffTargets {
			if !ids[target] {
				return fmt.Errorf("agent %q hands off to unknown agent %q", def.ID, target)
			}
		}
	}
	return nil
}

// TeamState is the multi-agent bookkeeping for one conversation. The
// caller persists it with the session and hands it back on the next
// run; the Team mutates only its own copy.
type TeamState struct {
	// ActiveAgent is the agent currently holding the conversation.
	ActiveAgent string `json:"active_agent"`

	// ReturnStack is the chain of agents owed control back, most recent
	// last. return_control pops it.
	ReturnStack []string `json:"return_stack,omitempty"`

	// HandoffCount is the total number of control transfers in this
	// conversation's lifetime.
	HandoffCount int `json:"handoff_count,omitempty"`
}

// Clone creates a deep copy of the team state.
func (s *TeamState) Clone() *TeamState {
	if s == nil {
		return &TeamState{}
	}
	clone := *s
	if s.ReturnStack != nil {
		clone.ReturnStack = make([]string, len(s.ReturnStack))
		copy(clone.ReturnStack, s.ReturnStack)
	}
	return &clone
}
