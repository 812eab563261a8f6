package interrupt

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/reactor/internal/agent"
	"github.com/haasonsaas/reactor/pkg/models"
)

// Decision is the outcome of evaluating a tool call against a Policy.
type Decision string

const (
	// DecisionAllow lets the call execute without a human.
	DecisionAllow Decision = "allow"
	// DecisionDeny rejects the call without asking.
	DecisionDeny Decision = "deny"
	// DecisionAsk pauses the run for human approval.
	DecisionAsk Decision = "ask"
)

// Policy configures which tool calls need a human in the loop.
// Patterns support exact names, "prefix*", "*suffix", and "*".
type Policy struct {
	// Allowlist tools always execute without approval.
	Allowlist []string `yaml:"allowlist" json:"allowlist"`

	// Denylist tools are always rejected; the strongest rule.
	Denylist []string `yaml:"denylist" json:"denylist"`

	// RequireApproval tools always pause for a human.
	RequireApproval []string `yaml:"require_approval" json:"require_approval"`

	// DefaultDecision applies when no rule matches. Default: allow.
	DefaultDecision Decision `yaml:"default_decision" json:"default_decision"`

	// TTL is how long a pending interrupt stays answerable. Default: 5m.
	TTL time.Duration `yaml:"ttl" json:"ttl"`
}

// DefaultPolicy permits everything not explicitly flagged.
func DefaultPolicy() *Policy {
	return &Policy{
		DefaultDecision: DecisionAllow,
		TTL:             5 * time.Minute,
	}
}

func normalizePolicy(p *Policy) *Policy {
	if p == nil {
		return DefaultPolicy()
	}
	out := *p
	out.Allowlist = append([]string(nil), p.Allowlist...)
	out.Denylist = append([]string(nil), p.Denylist...)
	out.RequireApproval = append([]string(nil), p.RequireApproval...)
	if out.DefaultDecision == "" {
		out.DefaultDecision = DecisionAllow
	}
	if out.TTL <= 0 {
		out.TTL = 5 * time.Minute
	}
	return &out
}

// Evaluate returns the decision for a tool name with the rule that
// produced it. Denylist outranks allowlist outranks require_approval.
func (p *Policy) Evaluate(toolName string) (Decision, string) {
	if matchesPattern(p.Denylist, toolName) {
		return DecisionDeny, "tool in denylist"
	}
	if matchesPattern(p.Allowlist, toolName) {
		return DecisionAllow, "tool in allowlist"
	}
	if matchesPattern(p.RequireApproval, toolName) {
		return DecisionAsk, "tool requires approval"
	}
	return p.DefaultDecision, "default policy"
}

// matchesPattern reports whether toolName matches any pattern in the
// list. Matching is case-insensitive on trimmed names.
func matchesPattern(patterns []string, toolName string) bool {
	name := normalizeToolName(toolName)
	for _, pattern := range patterns {
		pattern = normalizeToolName(pattern)
		if pattern == "" {
			continue
		}
		if pattern == "*" || pattern == name {
			return true
		}
		if len(pattern) > 1 && pattern[len(pattern)-1] == '*' {
			if strings.HasPrefix(name, pattern[:len(pattern)-1]) {
				return true
			}
		}
		if len(pattern) > 1 && pattern[0] == '*' {
			if strings.HasSuffix(name, pattern[1:]) {
				return true
			}
		}
	}
	return false
}

func normalizeToolName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Allowlist records accept_always grants so later calls to the same
// tool skip the interrupt. Grants are scoped to a thread; the empty
// thread ID grants globally.
type Allowlist struct {
	mu     sync.RWMutex
	grants map[allowKey]struct{}
}

type allowKey struct {
	threadID string
	tool     string
}

// NewAllowlist creates an empty allowlist.
func NewAllowlist() *Allowlist {
	return &Allowlist{grants: make(map[allowKey]struct{})}
}

// Grant allows a tool for a thread ("" for all threads).
func (a *Allowlist) Grant(threadID, toolName string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.grants[allowKey{threadID, normalizeToolName(toolName)}] = struct{}{}
}

// Allowed reports whether the tool was granted for the thread or
// globally.
func (a *Allowlist) Allowed(threadID, toolName string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	name := normalizeToolName(toolName)
	if _, ok := a.grants[allowKey{threadID, name}]; ok {
		return true
	}
	_, ok := a.grants[allowKey{"", name}]
	return ok
}

// Grants returns the granted tools for a thread, including globals.
func (a *Allowlist) Grants(threadID string) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []string
	for key := range a.grants {
		if key.threadID == threadID || key.threadID == "" {
			out = append(out, key.tool)
		}
	}
	return out
}

// PolicyHook vetoes denylisted tool calls inside the execution
// pipeline, before the tool resolves. Approval gating stays with the
// Coordinator; this hook only enforces the hard denials.
type PolicyHook struct {
	policy *Policy
}

// NewPolicyHook creates a pipeline hook enforcing the policy's
// denylist.
func NewPolicyHook(policy *Policy) *PolicyHook {
	return &PolicyHook{policy: normalizePolicy(policy)}
}

func (h *PolicyHook) BeforeExecution(_ context.Context, call models.ToolCall) (models.ToolCall, error) {
	if decision, reason := h.policy.Evaluate(call.Name); decision == DecisionDeny {
		return call, agent.NewToolError(agent.KindDenied, call.Name, nil).
			WithToolCallID(call.ID).
			WithMessage(reason)
	}
	return call, nil
}

func (h *PolicyHook) AfterExecution(_ context.Context, _ models.ToolCall, _ models.ToolResult) *models.ToolResult {
	return nil
}
