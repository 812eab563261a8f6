package multiagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/reactor/internal/agent"
	"github.com/haasonsaas/reactor/internal/observability"
	"github.com/haasonsaas/reactor/pkg/models"
)

var (
	// ErrUnknownAgent means a handoff or request named an agent the
	// team does not have.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrHandoffNotAllowed means the source agent does not list the
	// target in its handoff targets.
	ErrHandoffNotAllowed = errors.New("handoff not allowed")

	// ErrHandoffDepthExceeded means a single run chained more control
	// transfers than MaxHandoffDepth allows.
	ErrHandoffDepthExceeded = errors.New("handoff depth exceeded")

	// ErrNoReturnTarget means return_control fired with an empty
	// return stack.
	ErrNoReturnTarget = errors.New("no agent to return control to")
)

// TeamConfig configures a team.
type TeamConfig struct {
	// Tools is the shared pool agent definitions draw from by name.
	Tools []agent.Tool

	// DefaultAgent receives fresh conversations. Defaults to the first
	// definition.
	DefaultAgent string

	// MaxHandoffDepth caps control transfers in a single Run.
	// Default: 10
	MaxHandoffDepth int

	// Logger for team events. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics sink; nil disables metric recording.
	Metrics *observability.Metrics
}

func sanitizeTeamConfig(cfg TeamConfig) TeamConfig {
	if cfg.MaxHandoffDepth <= 0 {
		cfg.MaxHandoffDepth = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// TeamRequest asks a team to advance a conversation.
type TeamRequest struct {
	// ThreadID identifies the conversation. Generated when empty.
	ThreadID string

	// AgentID selects the starting agent. Defaults to the state's
	// active agent, then the team default.
	AgentID string

	// Messages is the conversation so far, ending with the message the
	// team should respond to.
	Messages []models.Message

	// State is the team bookkeeping from the previous run, if any.
	State *TeamState
}

// TeamResult is the outcome of a team run.
type TeamResult struct {
	// Result is the terminal run result from the last agent.
	Result *models.RunResult

	// AgentID is the agent that produced the terminal result.
	AgentID string

	// Hops is the chain of control transfers followed, in order.
	Hops []models.HandoffRequest

	// State is the updated team bookkeeping for the caller to persist.
	State *TeamState
}

// boundAgent is a definition with its toolsets resolved. The return
// variant adds return_control for runs entered via a handoff.
type boundAgent struct {
	def        *AgentDefinition
	base       *agent.Toolset
	withReturn *agent.Toolset
}

// Team runs conversations across a set of agents, following handoffs
// from one to the next. Definitions and toolsets are resolved once at
// construction; a Team is safe for concurrent use.
type Team struct {
	runner *agent.Runner
	cfg    TeamConfig
	agents map[string]*boundAgent
	defs   []*AgentDefinition
	logger *slog.Logger
}

// NewTeam builds a team over a runner. Every definition's tools must
// resolve against the pool and every handoff target must name another
// definition.
func NewTeam(runner *agent.Runner, cfg TeamConfig, defs ...*AgentDefinition) (*Team, error) {
	if runner == nil {
		return nil, errors.New("team requires a runner")
	}
	if len(defs) == 0 {
		return nil, errors.New("team requires at least one agent")
	}
	cfg = sanitizeTeamConfig(cfg)

	pool := make(map[string]agent.Tool, len(cfg.Tools))
	for _, tool := range cfg.Tools {
		if tool == nil {
			continue
		}
		if _, exists := pool[tool.Name()]; exists {
			return nil, fmt.Errorf("duplicate tool %q in team pool", tool.Name())
		}
		pool[tool.Name()] = tool
	}

	t := &Team{
		runner: runner,
		cfg:    cfg,
		agents: make(map[string]*boundAgent, len(defs)),
		logger: cfg.Logger.With("component", "team"),
	}

	for _, def := range defs {
		if err := validateAgentDefinition(def); err != nil {
			return nil, err
		}
		norm := normalizeAgentDefinition(def)
		if _, exists := t.agents[norm.ID]; exists {
			return nil, fmt.Errorf("duplicate agent ID %q", norm.ID)
		}
		t.agents[norm.ID] = &boundAgent{def: norm}
		t.defs = append(t.defs, norm)
	}

	// Targets and tool grants resolve after every agent is indexed, so
	// definition order does not matter.
	for _, def := range t.defs {
		tools := make([]agent.Tool, 0, len(def.Tools)+1)
		for _, name := range def.Tools {
			tool, ok := pool[name]
			if !ok {
				return nil, fmt.Errorf("agent %q references unknown tool %q", def.ID, name)
			}
			tools = append(tools, tool)
		}
		if len(def.HandoffTargets) > 0 {
			targets := make([]*AgentDefinition, 0, len(def.HandoffTargets))
			for _, id := range def.HandoffTargets {
				target, ok := t.agents[id]
				if !ok {
					return nil, fmt.Errorf("agent %q hands off to unknown agent %q", def.ID, id)
				}
				targets = append(targets, target.def)
			}
			tools = append(tools, NewHandoffTool(def, targets...))
		}

		ba := t.agents[def.ID]
		base, err := agent.NewToolset(tools...)
		if err != nil {
			return nil, fmt.Errorf("agent %q toolset: %w", def.ID, err)
		}
		withReturn, err := base.With(NewReturnTool(def))
		if err != nil {
			return nil, fmt.Errorf("agent %q toolset: %w", def.ID, err)
		}
		ba.base = base
		ba.withReturn = withReturn
	}

	if t.cfg.DefaultAgent == "" {
		t.cfg.DefaultAgent = t.defs[0].ID
	} else if _, ok := t.agents[t.cfg.DefaultAgent]; !ok {
		return nil, fmt.Errorf("default agent %q is not on the team", t.cfg.DefaultAgent)
	}
	return t, nil
}

// GetAgent returns an agent definition by ID.
func (t *Team) GetAgent(id string) (*AgentDefinition, bool) {
	ba, ok := t.agents[id]
	if !ok {
		return nil, false
	}
	return ba.def, true
}

// Agents returns all definitions in registration order.
func (t *Team) Agents() []*AgentDefinition {
	out := make([]*AgentDefinition, len(t.defs))
	copy(out, t.defs)
	return out
}

// Run advances a conversation, following handoffs until a run ends in
// something other than a control transfer. Chain failures (unknown
// target, depth exceeded) are reported on the result, not the returned
// error.
func (t *Team) Run(ctx context.Context, req TeamRequest) (*TeamResult, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("team run has no messages")
	}
	state := req.State.Clone()

	startID := req.AgentID
	if startID == "" {
		startID = state.ActiveAgent
	}
	if startID == "" {
		startID = t.cfg.DefaultAgent
	}
	current, ok := t.resolve(startID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, startID)
	}

	threadID := req.ThreadID
	if threadID == "" {
		threadID = uuid.NewString()
	}

	state.ActiveAgent = current.def.ID
	res, err := t.runner.RunSync(ctx, t.runRequest(threadID, current, req.Messages, len(state.ReturnStack) > 0))
	if err != nil {
		return nil, fmt.Errorf("run agent %s: %w", current.def.ID, err)
	}
	return t.chain(ctx, threadID, state, current, res)
}

// Resume continues a checkpointed run with the human's response and
// then follows any handoffs the resumed run produces.
func (t *Team) Resume(ctx context.Context, req TeamRequest, cp *agent.RunCheckpoint, resp *models.InterruptResponse) (*TeamResult, error) {
	if cp == nil {
		return nil, errors.New("team resume requires a checkpoint")
	}
	state := req.State.Clone()

	agentID := cp.AgentID
	if agentID == "" {
		agentID = req.AgentID
	}
	if agentID == "" {
		agentID = state.ActiveAgent
	}
	current, ok := t.resolve(agentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}

	threadID := req.ThreadID
	if threadID == "" {
		threadID = cp.ThreadID
	}

	state.ActiveAgent = current.def.ID
	res, err := t.runner.ResumeSync(ctx, t.runRequest(threadID, current, nil, len(state.ReturnStack) > 0), cp, resp)
	if err != nil {
		return nil, fmt.Errorf("resume agent %s: %w", current.def.ID, err)
	}
	return t.chain(ctx, threadID, state, current, res)
}

// chain follows control transfers until a run ends without one.
func (t *Team) chain(ctx context.Context, threadID string, state *TeamState, current *boundAgent, res *models.RunResult) (*TeamResult, error) {
	var hops []models.HandoffRequest

	for {
		if res.State != models.RunStateHandoff || res.Handoff == nil {
			state.ActiveAgent = current.def.ID
			return &TeamResult{Result: res, AgentID: current.def.ID, Hops: hops, State: state}, nil
		}

		handoff := res.Handoff
		hops = append(hops, *handoff)
		state.HandoffCount++

		if len(hops) > t.cfg.MaxHandoffDepth {
			t.logger.Warn("handoff depth exceeded",
				"thread_id", threadID,
				"agent", current.def.ID,
				"max_depth", t.cfg.MaxHandoffDepth)
			err := fmt.Errorf("%w: %d transfers in one run (max %d)",
				ErrHandoffDepthExceeded, len(hops), t.cfg.MaxHandoffDepth)
			return t.failChain(res, state, current, hops, "handoff_depth_exceeded", err), nil
		}

		returning := handoff.ToAgent == ""
		var target *boundAgent
		if returning {
			n := len(state.ReturnStack)
			if n == 0 {
				return t.failChain(res, state, current, hops, "no_return_target", ErrNoReturnTarget), nil
			}
			targetID := state.ReturnStack[n-1]
			state.ReturnStack = state.ReturnStack[:n-1]
			target = t.agents[targetID]
			if target == nil {
				err := fmt.Errorf("%w: %s", ErrUnknownAgent, targetID)
				return t.failChain(res, state, current, hops, "unknown_agent", err), nil
			}
		} else {
			def, ok := matchAgent(t.defs, handoff.ToAgent)
			if !ok {
				err := fmt.Errorf("%w: %s", ErrUnknownAgent, handoff.ToAgent)
				return t.failChain(res, state, current, hops, "unknown_agent", err), nil
			}
			if !current.def.AllowsTarget(def.ID) {
				err := fmt.Errorf("%w: %s -> %s", ErrHandoffNotAllowed, current.def.ID, def.ID)
				return t.failChain(res, state, current, hops, "handoff_not_allowed", err), nil
			}
			target = t.agents[def.ID]
			if handoff.ReturnExpected {
				state.ReturnStack = append(state.ReturnStack, current.def.ID)
			}
		}

		t.logger.Info("control transfer",
			"thread_id", threadID,
			"from", current.def.ID,
			"to", target.def.ID,
			"returning", returning,
			"transfers", len(hops))

		msgs := settleDanglingCalls(threadID, res.Messages, handoff)
		msgs = append(msgs, t.handoffMessage(threadID, current.def, target.def, handoff, returning))

		current = target
		state.ActiveAgent = current.def.ID

		next, err := t.runner.RunSync(ctx, t.runRequest(threadID, current, msgs, len(state.ReturnStack) > 0))
		if err != nil {
			return nil, fmt.Errorf("run agent %s: %w", current.def.ID, err)
		}
		res = next
	}
}

// failChain terminates the chain with a team-level error. The last
// run's result is kept for context with its state overridden.
func (t *Team) failChain(res *models.RunResult, state *TeamState, current *boundAgent, hops []models.HandoffRequest, kind string, err error) *TeamResult {
	if t.cfg.Metrics != nil {
		t.cfg.Metrics.RecordError("team", kind)
	}
	out := *res
	out.State = models.RunStateError
	out.Err = err
	return &TeamResult{Result: &out, AgentID: current.def.ID, Hops: hops, State: state}
}

func (t *Team) resolve(identifier string) (*boundAgent, bool) {
	def, ok := matchAgent(t.defs, identifier)
	if !ok {
		return nil, false
	}
	return t.agents[def.ID], true
}

func (t *Team) policyFor(target string) models.HandoffPolicy {
	if def, ok := matchAgent(t.defs, target); ok {
		return def.HandoffPolicy
	}
	return models.HandoffImmediate
}

func (t *Team) runRequest(threadID string, ba *boundAgent, msgs []models.Message, hasReturn bool) agent.RunRequest {
	toolset := ba.base
	if hasReturn {
		toolset = ba.withReturn
	}
	return agent.RunRequest{
		ThreadID:         threadID,
		AgentID:          ba.def.ID,
		Model:            ba.def.Model,
		System:           ba.def.SystemPrompt,
		Messages:         msgs,
		Toolset:          toolset,
		HandoffPolicyFor: t.policyFor,
	}
}

// handoffMessage builds the cross-agent context message the target
// agent sees first.
func (t *Team) handoffMessage(threadID string, from, to *AgentDefinition, handoff *models.HandoffRequest, returning bool) models.Message {
	var msg string
	if returning {
		msg = fmt.Sprintf("Agent '%s' has returned control to you.", from.Name)
	} else {
		msg = fmt.Sprintf("You are receiving control from agent '%s'.", from.Name)
	}
	if handoff.Reason != "" {
		msg += fmt.Sprintf("\nReason: %s", handoff.Reason)
	}
	if len(handoff.Context) > 0 {
		if data, err := json.Marshal(handoff.Context); err == nil {
			msg += fmt.Sprintf("\n\nShared context:\n%s", data)
		}
	}
	if !returning && handoff.ReturnExpected {
		msg += "\n\nNote: Control should be returned to the previous agent when your task is complete."
	}

	return models.Message{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Role:      models.RoleSystem,
		Content:   msg,
		CreatedAt: time.Now(),
	}
}

// settleDanglingCalls answers tool calls an immediate handoff left
// unexecuted, keeping the history well formed for the next provider
// request.
func settleDanglingCalls(threadID string, msgs []models.Message, handoff *models.HandoffRequest) []models.Message {
	if len(msgs) == 0 {
		return msgs
	}
	last := msgs[len(msgs)-1]
	if last.Role != models.RoleAssistant || len(last.ToolCalls) == 0 {
		return msgs
	}

	results := make([]models.ToolResult, 0, len(last.ToolCalls))
	for _, call := range last.ToolCalls {
		content := "Skipped: control transferred before execution."
		if models.IsHandoffCall(call) {
			if handoff.ToAgent == "" {
				content = "Control returned."
			} else {
				content = fmt.Sprintf("Control transferred to %s.", handoff.ToAgent)
			}
		}
		results = append(results, models.ToolResult{ToolCallID: call.ID, Content: content})
	}

	toolMsg := models.Message{
		ID:          uuid.NewString(),
		ThreadID:    threadID,
		Role:        models.RoleTool,
		ToolResults: results,
		CreatedAt:   time.Now(),
	}
	return append(msgs, toolMsg)
}
