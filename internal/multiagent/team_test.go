package multiagent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/haasonsaas/reactor/internal/agent"
	"github.com/haasonsaas/reactor/pkg/models"
)

// teamProvider replays scripted LLM turns across successive agent runs
// and records every request, so tests can assert which agent ran with
// which prompt, tools, and history.
type teamProvider struct {
	mu    sync.Mutex
	turns []teamTurn
	reqs  []*agent.CompletionRequest
}

type teamTurn struct {
	text  string
	calls []models.ToolCall
}

func (p *teamProvider) Name() string { return "scripted" }

func (p *teamProvider) next(req *agent.CompletionRequest) teamTurn {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs = append(p.reqs, req)
	if len(p.turns) == 0 {
		return teamTurn{text: "done"}
	}
	turn := p.turns[0]
	p.turns = p.turns[1:]
	return turn
}

func (p *teamProvider) Stream(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	turn := p.next(req)
	ch := make(chan *agent.CompletionChunk, 16)
	go func() {
		defer close(ch)
		if turn.text != "" {
			ch <- &agent.CompletionChunk{Text: turn.text}
		}
		for i, call := range turn.calls {
			ch <- &agent.CompletionChunk{Fragment: &models.ToolCallFragment{Index: i, ID: call.ID, Name: call.Name}}
			if args := string(call.Input); args != "" {
				ch <- &agent.CompletionChunk{Fragment: &models.ToolCallFragment{Index: i, ArgsDelta: args}}
			}
		}
		ch <- &agent.CompletionChunk{Done: true}
	}()
	return ch, nil
}

func (p *teamProvider) Invoke(ctx context.Context, req *agent.CompletionRequest) (*agent.Completion, error) {
	turn := p.next(req)
	return &agent.Completion{Text: turn.text, ToolCalls: turn.calls}, nil
}

func (p *teamProvider) recorded() []*agent.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*agent.CompletionRequest, len(p.reqs))
	copy(out, p.reqs)
	return out
}

type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "Echoes the message back." }
func (echoTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"msg":{"type":"string"}},"required":["msg"]}`)
}
func (echoTool) Execute(_ context.Context, args json.RawMessage) (*models.ToolResult, error) {
	var in struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	return &models.ToolResult{Content: "echo: " + in.Msg}, nil
}

type deployTool struct{}

func (deployTool) Name() string        { return "deploy" }
func (deployTool) Description() string { return "Deploys a build to an environment." }
func (deployTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"env":{"type":"string"}},"required":["env"]}`)
}
func (deployTool) Execute(context.Context, json.RawMessage) (*models.ToolResult, error) {
	return &models.ToolResult{Content: "deployed"}, nil
}

// approvalGate flags one tool for human approval.
type approvalGate struct{ tool string }

func (g approvalGate) NeedsApproval(_ context.Context, call models.ToolCall) bool {
	return call.Name == g.tool
}

func (g approvalGate) CreateApproval(_ context.Context, call models.ToolCall) (*models.PendingInterrupt, error) {
	return &models.PendingInterrupt{
		ID:       "int-1",
		Kind:     models.InterruptApproval,
		ToolCall: &call,
		Status:   models.InterruptPending,
	}, nil
}

func newTestTeam(t *testing.T, provider agent.Provider, cfg TeamConfig, defs ...*AgentDefinition) *Team {
	t.Helper()
	return newGatedTeam(t, provider, nil, nil, cfg, defs...)
}

func newGatedTeam(t *testing.T, provider agent.Provider, gate agent.InterruptGate, opts []agent.RunnerOption, cfg TeamConfig, defs ...*AgentDefinition) *Team {
	t.Helper()
	pipe := agent.NewPipeline(agent.PipelineConfig{MaxRetries: -1}, nil, nil)
	sched := agent.NewScheduler(agent.SchedulerConfig{MaxConcurrency: 4}, pipe, gate)
	runner := agent.NewRunner(provider, sched, nil, agent.RunnerConfig{MaxIterations: 8}, opts...)
	team, err := NewTeam(runner, cfg, defs...)
	if err != nil {
		t.Fatalf("new team: %v", err)
	}
	return team
}

func teamFixtures() (primary, billing *AgentDefinition) {
	primary = &AgentDefinition{
		ID:             "primary",
		Name:           "Primary",
		Description:    "General assistant",
		Model:          "model-primary",
		SystemPrompt:   "You are the primary assistant.",
		HandoffTargets: []string{"billing"},
	}
	billing = &AgentDefinition{
		ID:           "billing",
		Name:         "Billing",
		Description:  "Handles invoices and payments",
		Model:        "model-billing",
		SystemPrompt: "You are the billing specialist.",
	}
	return primary, billing
}

func userMessage(content string) models.Message {
	return models.Message{ID: "m1", Role: models.RoleUser, Content: content}
}

func handoffCall(id, target, reason string, returnExpected bool) models.ToolCall {
	input, _ := json.Marshal(map[string]any{
		"to_agent":        target,
		"reason":          reason,
		"return_expected": returnExpected,
	})
	return models.ToolCall{ID: id, Name: models.HandoffToolName, Input: input}
}

func returnCall(id, reason string) models.ToolCall {
	input, _ := json.Marshal(map[string]string{"reason": reason})
	return models.ToolCall{ID: id, Name: models.ReturnControlToolName, Input: input}
}

func echoCall(id, msg string) models.ToolCall {
	input, _ := json.Marshal(map[string]string{"msg": msg})
	return models.ToolCall{ID: id, Name: "echo", Input: input}
}

func hasToolDef(req *agent.CompletionRequest, name string) bool {
	for _, def := range req.Tools {
		if def.Name == name {
			return true
		}
	}
	return false
}

func lastMessage(req *agent.CompletionRequest) models.Message {
	return req.Messages[len(req.Messages)-1]
}

func TestNewTeamValidation(t *testing.T) {
	provider := &teamProvider{}
	pipe := agent.NewPipeline(agent.PipelineConfig{MaxRetries: -1}, nil, nil)
	sched := agent.NewScheduler(agent.SchedulerConfig{}, pipe, nil)
	runner := agent.NewRunner(provider, sched, nil, agent.RunnerConfig{})

	valid := func() *AgentDefinition {
		return &AgentDefinition{ID: "solo", Model: "m"}
	}

	if _, err := NewTeam(nil, TeamConfig{}, valid()); err == nil || !strings.Contains(err.Error(), "runner") {
		t.Fatalf("nil runner: %v", err)
	}
	if _, err := NewTeam(runner, TeamConfig{}); err == nil || !strings.Contains(err.Error(), "at least one agent") {
		t.Fatalf("no agents: %v", err)
	}
	if _, err := NewTeam(runner, TeamConfig{}, valid(), valid()); err == nil || !strings.Contains(err.Error(), "duplicate agent ID") {
		t.Fatalf("duplicate agents: %v", err)
	}
	if _, err := NewTeam(runner, TeamConfig{}, &AgentDefinition{ID: "solo"}); err == nil || !strings.Contains(err.Error(), "no model") {
		t.Fatalf("invalid definition: %v", err)
	}
	if _, err := NewTeam(runner, TeamConfig{Tools: []agent.Tool{echoTool{}, echoTool{}}}, valid()); err == nil || !strings.Contains(err.Error(), "duplicate tool") {
		t.Fatalf("duplicate pool tool: %v", err)
	}

	granted := valid()
	granted.Tools = []string{"ghost"}
	if _, err := NewTeam(runner, TeamConfig{}, granted); err == nil || !strings.Contains(err.Error(), "unknown tool") {
		t.Fatalf("unknown tool grant: %v", err)
	}

	targeting := valid()
	targeting.HandoffTargets = []string{"ghost"}
	if _, err := NewTeam(runner, TeamConfig{}, targeting); err == nil || !strings.Contains(err.Error(), "unknown agent") {
		t.Fatalf("unknown handoff target: %v", err)
	}

	if _, err := NewTeam(runner, TeamConfig{DefaultAgent: "ghost"}, valid()); err == nil || !strings.Contains(err.Error(), "not on the team") {
		t.Fatalf("bad default agent: %v", err)
	}
}

func TestTeamAccessors(t *testing.T) {
	primary, billing := teamFixtures()
	team := newTestTeam(t, &teamProvider{}, TeamConfig{}, primary, billing)

	def, ok := team.GetAgent("billing")
	if !ok || def.Name != "Billing" {
		t.Fatalf("GetAgent(billing) = %+v, %v", def, ok)
	}
	if _, ok := team.GetAgent("ghost"); ok {
		t.Fatal("GetAgent should miss unknown IDs")
	}

	agents := team.Agents()
	if len(agents) != 2 || agents[0].ID != "primary" || agents[1].ID != "billing" {
		t.Fatalf("Agents() = %+v", agents)
	}
}

func TestTeamSingleAgentRun(t *testing.T) {
	provider := &teamProvider{turns: []teamTurn{{text: "All set."}}}
	primary, billing := teamFixtures()
	team := newTestTeam(t, provider, TeamConfig{}, primary, billing)

	res, err := team.Run(context.Background(), TeamRequest{
		ThreadID: "t1",
		Messages: []models.Message{userMessage("hi")},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Result.State != models.RunStateDone {
		t.Fatalf("state = %s, want done", res.Result.State)
	}
	if res.Result.FinalText != "All set." {
		t.Fatalf("final text = %q", res.Result.FinalText)
	}
	if res.AgentID != "primary" {
		t.Fatalf("agent = %q, want default", res.AgentID)
	}
	if len(res.Hops) != 0 || res.State.HandoffCount != 0 {
		t.Fatalf("unexpected transfers: %+v", res)
	}
	if res.State.ActiveAgent != "primary" {
		t.Fatalf("active agent = %q", res.State.ActiveAgent)
	}

	reqs := provider.recorded()
	if len(reqs) != 1 {
		t.Fatalf("provider calls = %d, want 1", len(reqs))
	}
	if reqs[0].System != "You are the primary assistant." || reqs[0].Model != "model-primary" {
		t.Fatalf("request ran wrong agent: system=%q model=%q", reqs[0].System, reqs[0].Model)
	}
	if !hasToolDef(reqs[0], models.HandoffToolName) {
		t.Fatal("agent with targets should expose the handoff tool")
	}
	if hasToolDef(reqs[0], models.ReturnControlToolName) {
		t.Fatal("return_control should be absent with an empty return stack")
	}
}

func TestTeamImmediateHandoff(t *testing.T) {
	provider := &teamProvider{turns: []teamTurn{
		{calls: []models.ToolCall{handoffCall("c1", "billing", "invoice question", false)}},
		{text: "Your invoice is paid."},
	}}
	primary, billing := teamFixtures()
	team := newTestTeam(t, provider, TeamConfig{}, primary, billing)

	res, err := team.Run(context.Background(), TeamRequest{
		ThreadID: "t1",
		Messages: []models.Message{userMessage("what about invoice 42?")},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Result.State != models.RunStateDone || res.Result.FinalText != "Your invoice is paid." {
		t.Fatalf("terminal result = %+v", res.Result)
	}
	if res.AgentID != "billing" {
		t.Fatalf("terminal agent = %q, want billing", res.AgentID)
	}
	if len(res.Hops) != 1 || res.Hops[0].FromAgent != "primary" || res.Hops[0].ToAgent != "billing" {
		t.Fatalf("hops = %+v", res.Hops)
	}
	if res.State.ActiveAgent != "billing" || res.State.HandoffCount != 1 {
		t.Fatalf("state = %+v", res.State)
	}

	reqs := provider.recorded()
	if len(reqs) != 2 {
		t.Fatalf("provider calls = %d, want 2", len(reqs))
	}
	second := reqs[1]
	if second.System != "You are the billing specialist." || second.Model != "model-billing" {
		t.Fatalf("chained request ran wrong agent: system=%q model=%q", second.System, second.Model)
	}

	// The abandoned batch must be settled before the next request: the
	// handoff call gets an answer, then the target sees a context
	// message.
	if len(second.Messages) != 4 {
		t.Fatalf("chained history has %d messages, want 4", len(second.Messages))
	}
	settle := second.Messages[2]
	if settle.Role != models.RoleTool || len(settle.ToolResults) != 1 {
		t.Fatalf("expected settlement message, got %+v", settle)
	}
	if settle.ToolResults[0].ToolCallID != "c1" || !strings.Contains(settle.ToolResults[0].Content, "Control transferred to billing") {
		t.Fatalf("settlement result = %+v", settle.ToolResults[0])
	}
	intro := lastMessage(second)
	if intro.Role != models.RoleSystem {
		t.Fatalf("context message role = %s", intro.Role)
	}
	if !strings.Contains(intro.Content, "You are receiving control from agent 'Primary'") ||
		!strings.Contains(intro.Content, "Reason: invoice question") {
		t.Fatalf("context message = %q", intro.Content)
	}
}

func TestTeamDeferredHandoff(t *testing.T) {
	provider := &teamProvider{turns: []teamTurn{
		{calls: []models.ToolCall{
			echoCall("c1", "hello"),
			handoffCall("c2", "billing", "needs billing", false),
		}},
		{text: "Handled."},
	}}
	primary, billing := teamFixtures()
	primary.Tools = []string{"echo"}
	billing.HandoffPolicy = models.HandoffDeferred
	team := newTestTeam(t, provider, TeamConfig{Tools: []agent.Tool{echoTool{}}}, primary, billing)

	res, err := team.Run(context.Background(), TeamRequest{
		ThreadID: "t1",
		Messages: []models.Message{userMessage("echo then billing")},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.AgentID != "billing" || len(res.Hops) != 1 {
		t.Fatalf("transfer did not land: %+v", res)
	}

	reqs := provider.recorded()
	if len(reqs) != 2 {
		t.Fatalf("provider calls = %d, want 2", len(reqs))
	}

	// Deferred policy lets the whole batch finish: both real results are
	// in the history and no synthetic settlement is added.
	second := reqs[1]
	if len(second.Messages) != 4 {
		t.Fatalf("chained history has %d messages, want 4", len(second.Messages))
	}
	toolMsg := second.Messages[2]
	if toolMsg.Role != models.RoleTool || len(toolMsg.ToolResults) != 2 {
		t.Fatalf("batch results message = %+v", toolMsg)
	}
	if toolMsg.ToolResults[0].Content != "echo: hello" {
		t.Fatalf("first result = %+v", toolMsg.ToolResults[0])
	}
	if !strings.Contains(toolMsg.ToolResults[1].Content, "initiated") {
		t.Fatalf("handoff ack = %+v", toolMsg.ToolResults[1])
	}
	if lastMessage(second).Role != models.RoleSystem {
		t.Fatalf("context message missing: %+v", lastMessage(second))
	}
}

func TestTeamReturnControl(t *testing.T) {
	provider := &teamProvider{turns: []teamTurn{
		{calls: []models.ToolCall{handoffCall("c1", "billing", "check invoice 42", true)}},
		{calls: []models.ToolCall{returnCall("c2", "invoice checked: paid")}},
		{text: "The invoice is paid."},
	}}
	primary, billing := teamFixtures()
	team := newTestTeam(t, provider, TeamConfig{}, primary, billing)

	res, err := team.Run(context.Background(), TeamRequest{
		ThreadID: "t1",
		Messages: []models.Message{userMessage("is invoice 42 paid?")},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Result.State != models.RunStateDone || res.Result.FinalText != "The invoice is paid." {
		t.Fatalf("terminal result = %+v", res.Result)
	}
	if res.AgentID != "primary" {
		t.Fatalf("control did not return: terminal agent = %q", res.AgentID)
	}
	if len(res.Hops) != 2 {
		t.Fatalf("hops = %+v", res.Hops)
	}
	if !res.Hops[0].ReturnExpected || res.Hops[1].ToAgent != "" {
		t.Fatalf("hops = %+v", res.Hops)
	}
	if len(res.State.ReturnStack) != 0 || res.State.ActiveAgent != "primary" || res.State.HandoffCount != 2 {
		t.Fatalf("state = %+v", res.State)
	}

	reqs := provider.recorded()
	if len(reqs) != 3 {
		t.Fatalf("provider calls = %d, want 3", len(reqs))
	}
	if hasToolDef(reqs[0], models.ReturnControlToolName) {
		t.Fatal("first run should not expose return_control")
	}
	if !hasToolDef(reqs[1], models.ReturnControlToolName) {
		t.Fatal("run entered via handoff should expose return_control")
	}
	if hasToolDef(reqs[2], models.ReturnControlToolName) {
		t.Fatal("return_control should disappear once the stack is empty")
	}

	back := lastMessage(reqs[2])
	if !strings.Contains(back.Content, "Agent 'Billing' has returned control to you") ||
		!strings.Contains(back.Content, "invoice checked: paid") {
		t.Fatalf("return context message = %q", back.Content)
	}
}

func TestTeamHandoffDepthExceeded(t *testing.T) {
	provider := &teamProvider{turns: []teamTurn{
		{calls: []models.ToolCall{handoffCall("c1", "b", "ping", false)}},
		{calls: []models.ToolCall{handoffCall("c2", "a", "pong", false)}},
		{calls: []models.ToolCall{handoffCall("c3", "b", "ping", false)}},
		{calls: []models.ToolCall{handoffCall("c4", "a", "pong", false)}},
	}}
	a := &AgentDefinition{ID: "a", Model: "m", HandoffTargets: []string{"b"}}
	b := &AgentDefinition{ID: "b", Model: "m", HandoffTargets: []string{"a"}}
	team := newTestTeam(t, provider, TeamConfig{MaxHandoffDepth: 3}, a, b)

	res, err := team.Run(context.Background(), TeamRequest{
		ThreadID: "t1",
		Messages: []models.Message{userMessage("go")},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Result.State != models.RunStateError {
		t.Fatalf("state = %s, want error", res.Result.State)
	}
	if !errors.Is(res.Result.Err, ErrHandoffDepthExceeded) {
		t.Fatalf("err = %v", res.Result.Err)
	}
	if len(res.Hops) != 4 {
		t.Fatalf("hops = %d, want 4", len(res.Hops))
	}
	if res.AgentID != "b" {
		t.Fatalf("failing agent = %q", res.AgentID)
	}
	if res.State.HandoffCount != 4 {
		t.Fatalf("handoff count = %d", res.State.HandoffCount)
	}
}

func TestTeamHandoffNotAllowed(t *testing.T) {
	provider := &teamProvider{turns: []teamTurn{
		{calls: []models.ToolCall{handoffCall("c1", "refunds", "needs a refund", false)}},
	}}
	primary, billing := teamFixtures()
	refunds := &AgentDefinition{ID: "refunds", Name: "Refunds", Model: "m"}
	team := newTestTeam(t, provider, TeamConfig{}, primary, billing, refunds)

	res, err := team.Run(context.Background(), TeamRequest{
		ThreadID: "t1",
		Messages: []models.Message{userMessage("refund please")},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Result.State != models.RunStateError || !errors.Is(res.Result.Err, ErrHandoffNotAllowed) {
		t.Fatalf("result = %+v", res.Result)
	}
	if res.AgentID != "primary" || len(res.Hops) != 1 {
		t.Fatalf("chain = agent %q, hops %+v", res.AgentID, res.Hops)
	}
}

func TestTeamHandoffUnknownAgent(t *testing.T) {
	provider := &teamProvider{turns: []teamTurn{
		{calls: []models.ToolCall{handoffCall("c1", "oracle", "who knows", false)}},
	}}
	primary, billing := teamFixtures()
	team := newTestTeam(t, provider, TeamConfig{}, primary, billing)

	res, err := team.Run(context.Background(), TeamRequest{
		ThreadID: "t1",
		Messages: []models.Message{userMessage("ask the oracle")},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Result.State != models.RunStateError || !errors.Is(res.Result.Err, ErrUnknownAgent) {
		t.Fatalf("result = %+v", res.Result)
	}
}

func TestTeamReturnWithEmptyStack(t *testing.T) {
	provider := &teamProvider{turns: []teamTurn{
		{calls: []models.ToolCall{returnCall("c1", "done?")}},
	}}
	solo := &AgentDefinition{ID: "solo", Model: "m"}
	team := newTestTeam(t, provider, TeamConfig{}, solo)

	res, err := team.Run(context.Background(), TeamRequest{
		ThreadID: "t1",
		Messages: []models.Message{userMessage("hi")},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Result.State != models.RunStateError || !errors.Is(res.Result.Err, ErrNoReturnTarget) {
		t.Fatalf("result = %+v", res.Result)
	}
}

func TestTeamRunStartsFromState(t *testing.T) {
	provider := &teamProvider{turns: []teamTurn{{text: "still here"}}}
	primary, billing := teamFixtures()
	team := newTestTeam(t, provider, TeamConfig{}, primary, billing)

	res, err := team.Run(context.Background(), TeamRequest{
		ThreadID: "t1",
		Messages: []models.Message{userMessage("follow-up")},
		State:    &TeamState{ActiveAgent: "billing"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.AgentID != "billing" {
		t.Fatalf("agent = %q, want state's active agent", res.AgentID)
	}
	reqs := provider.recorded()
	if reqs[0].System != "You are the billing specialist." {
		t.Fatalf("system = %q", reqs[0].System)
	}
}

func TestTeamRunUnknownStartAgent(t *testing.T) {
	primary, billing := teamFixtures()
	team := newTestTeam(t, &teamProvider{}, TeamConfig{}, primary, billing)

	_, err := team.Run(context.Background(), TeamRequest{
		AgentID:  "ghost",
		Messages: []models.Message{userMessage("hi")},
	})
	if !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("err = %v, want unknown agent", err)
	}

	if _, err := team.Run(context.Background(), TeamRequest{}); err == nil {
		t.Fatal("run without messages should fail")
	}
}

func TestTeamResumeAfterApproval(t *testing.T) {
	provider := &teamProvider{turns: []teamTurn{
		{calls: []models.ToolCall{{ID: "c1", Name: "deploy", Input: json.RawMessage(`{"env":"prod"}`)}}},
		{calls: []models.ToolCall{handoffCall("c2", "billing", "deployment finished", false)}},
		{text: "Deployment verified."},
	}}

	var (
		mu sync.Mutex
		cp *agent.RunCheckpoint
	)
	sink := func(_ context.Context, c *agent.RunCheckpoint) error {
		mu.Lock()
		defer mu.Unlock()
		cp = c
		return nil
	}

	primary, billing := teamFixtures()
	primary.Tools = []string{"deploy"}
	team := newGatedTeam(t, provider, approvalGate{tool: "deploy"},
		[]agent.RunnerOption{agent.WithCheckpointSink(sink)},
		TeamConfig{Tools: []agent.Tool{deployTool{}}},
		primary, billing)

	ctx := context.Background()
	res, err := team.Run(ctx, TeamRequest{
		ThreadID: "t1",
		Messages: []models.Message{userMessage("ship it")},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Result.State != models.RunStateInterrupted {
		t.Fatalf("state = %s, want interrupted", res.Result.State)
	}
	if res.Result.Interrupt == nil || res.Result.Interrupt.ID != "int-1" {
		t.Fatalf("interrupt = %+v", res.Result.Interrupt)
	}
	if res.AgentID != "primary" || res.State.ActiveAgent != "primary" {
		t.Fatalf("paused on wrong agent: %+v", res)
	}

	mu.Lock()
	paused := cp
	mu.Unlock()
	if paused == nil {
		t.Fatal("no checkpoint captured")
	}
	if paused.AgentID != "primary" || len(paused.Remaining) != 1 {
		t.Fatalf("checkpoint = %+v", paused)
	}

	resumed, err := team.Resume(ctx, TeamRequest{ThreadID: "t1", State: res.State}, paused,
		&models.InterruptResponse{Action: models.ActionAccept})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Result.State != models.RunStateDone || resumed.Result.FinalText != "Deployment verified." {
		t.Fatalf("resumed result = %+v", resumed.Result)
	}
	if resumed.AgentID != "billing" || len(resumed.Hops) != 1 {
		t.Fatalf("resume should follow the handoff: %+v", resumed)
	}
	if resumed.State.ActiveAgent != "billing" {
		t.Fatalf("state = %+v", resumed.State)
	}

	if _, err := team.Resume(ctx, TeamRequest{}, nil, &models.InterruptResponse{Action: models.ActionAccept}); err == nil {
		t.Fatal("resume without a checkpoint should fail")
	}
}
