package agent

import (
	"fmt"
	"sort"
	"time"
)

const (
	// MaxToolNameLength bounds tool names to keep prompts and logs sane.
	MaxToolNameLength = 256

	// MaxToolArgsSize bounds tool call arguments (10MB).
	MaxToolArgsSize = 10 * 1024 * 1024
)

// Toolset is the explicit set of tools available to a run. It is built
// once, passed by value to the loop, and immutable afterwards, so it is
// safe for concurrent use without locking. There is deliberately no
// package-level registry: two runs can hold entirely different toolsets.
type Toolset struct {
	tools map[string]Tool
	names []string
}

// NewToolset builds a toolset from the given tools. Tool names must be
// non-empty, unique, and at most MaxToolNameLength characters.
func NewToolset(tools ...Tool) (*Toolset, error) {
	ts := &Toolset{
		tools: make(map[string]Tool, len(tools)),
		names: make([]string, 0, len(tools)),
	}
	for _, tool := range tools {
		name := tool.Name()
		if name == "" {
			return nil, fmt.Errorf("tool has empty name")
		}
		if len(name) > MaxToolNameLength {
			return nil, fmt.Errorf("tool name %q exceeds %d characters", name[:32], MaxToolNameLength)
		}
		if _, exists := ts.tools[name]; exists {
			return nil, fmt.Errorf("duplicate tool name %q", name)
		}
		ts.tools[name] = tool
		ts.names = append(ts.names, name)
	}
	sort.Strings(ts.names)
	return ts, nil
}

// MustToolset is like NewToolset but panics on invalid input. Intended
// for wiring code and tests.
func MustToolset(tools ...Tool) *Toolset {
	ts, err := NewToolset(tools...)
	if err != nil {
		panic(err)
	}
	return ts
}

// Lookup returns the tool with the given name.
func (ts *Toolset) Lookup(name string) (Tool, bool) {
	if ts == nil {
		return nil, false
	}
	tool, ok := ts.tools[name]
	return tool, ok
}

// Names returns the sorted tool names.
func (ts *Toolset) Names() []string {
	if ts == nil {
		return nil
	}
	out := make([]string, len(ts.names))
	copy(out, ts.names)
	return out
}

// Len returns the number of tools.
func (ts *Toolset) Len() int {
	if ts == nil {
		return 0
	}
	return len(ts.tools)
}

// With returns a new toolset containing this set's tools plus the given
// extras. The receiver is not modified.
func (ts *Toolset) With(tools ...Tool) (*Toolset, error) {
	all := make([]Tool, 0, ts.Len()+len(tools))
	if ts != nil {
		for _, name := range ts.names {
			all = append(all, ts.tools[name])
		}
	}
	all = append(all, tools...)
	return NewToolset(all...)
}

// Defs returns the wire-level tool definitions for an LLM request,
// ordered by name.
func (ts *Toolset) Defs() []ToolDef {
	if ts == nil {
		return nil
	}
	defs := make([]ToolDef, 0, len(ts.names))
	for _, name := range ts.names {
		tool := ts.tools[name]
		defs = append(defs, ToolDef{
			Name:        tool.Name(),
			Description: tool.Description(),
			Schema:      tool.Schema(),
		})
	}
	return defs
}

// IsSequential reports whether a tool must run alone in its batch.
func IsSequential(tool Tool) bool {
	if st, ok := tool.(SequentialTool); ok {
		return st.Sequential()
	}
	return false
}

// RequiresApproval reports whether a tool unconditionally requires
// human approval.
func RequiresApproval(tool Tool) bool {
	if at, ok := tool.(ApprovalRequiredTool); ok {
		return at.RequiresApproval()
	}
	return false
}

// ToolTimeout returns a tool's timeout override, or fallback when the
// tool declares none.
func ToolTimeout(tool Tool, fallback time.Duration) time.Duration {
	if tt, ok := tool.(TimeoutOverrideTool); ok {
		if d := tt.ExecutionTimeout(); d > 0 {
			return d
		}
	}
	return fallback
}
