package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/reactor/pkg/models"
)

// RepairPolicy controls how the assembler treats tool call arguments
// that remain invalid JSON after repair.
type RepairPolicy string

const (
	// RepairStrict drops the call and reports an error.
	RepairStrict RepairPolicy = "strict"

	// RepairLenient keeps the call with empty-object arguments.
	RepairLenient RepairPolicy = "lenient"
)

// Assembler accumulates streamed tool call fragments and finalizes them
// into complete calls. Providers deliver an ID fragment, a name fragment,
// and any number of argument deltas per call, keyed by a stream index;
// fragments for different calls may interleave. Not safe for concurrent
// use: the loop feeds it from the single stream-consuming goroutine.
type Assembler struct {
	policy RepairPolicy
	logger *slog.Logger
	slots  map[int]*assemblySlot
}

type assemblySlot struct {
	index int
	id    string
	name  string
	args  strings.Builder
}

// NewAssembler creates an assembler with the given repair policy.
func NewAssembler(policy RepairPolicy, logger *slog.Logger) *Assembler {
	if policy == "" {
		policy = RepairLenient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		policy: policy,
		logger: logger,
		slots:  make(map[int]*assemblySlot),
	}
}

// Add merges one fragment into the call being assembled at its index.
// The first non-empty ID and name win; argument deltas append in arrival
// order.
func (a *Assembler) Add(frag models.ToolCallFragment) {
	slot, ok := a.slots[frag.Index]
	if !ok {
		slot = &assemblySlot{index: frag.Index}
		a.slots[frag.Index] = slot
	}
	if slot.id == "" && frag.ID != "" {
		slot.id = frag.ID
	}
	if slot.name == "" && frag.Name != "" {
		slot.name = frag.Name
	}
	if frag.ArgsDelta != "" {
		slot.args.WriteString(frag.ArgsDelta)
	}
}

// Len returns the number of calls currently being assembled.
func (a *Assembler) Len() int {
	return len(a.slots)
}

// Reset discards all accumulated fragments.
func (a *Assembler) Reset() {
	a.slots = make(map[int]*assemblySlot)
}

// Finalize converts the accumulated fragments into complete tool calls,
// ordered by stream index, and resets the assembler. Calls without a
// name are dropped with an error under both policies. Calls without an
// ID get a synthesized one. Invalid argument JSON is repaired when
// possible; what the repair policy does with irreparable arguments is
// the only difference between strict and lenient.
func (a *Assembler) Finalize() ([]models.ToolCall, []error) {
	if len(a.slots) == 0 {
		return nil, nil
	}

	indices := make([]int, 0, len(a.slots))
	for idx := range a.slots {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	calls := make([]models.ToolCall, 0, len(indices))
	var errs []error

	for _, idx := range indices {
		slot := a.slots[idx]

		if slot.name == "" {
			errs = append(errs, fmt.Errorf("tool call at index %d has no name", idx))
			continue
		}

		id := slot.id
		if id == "" {
			id = "call_" + uuid.NewString()
		}

		args, err := normalizeArgs(slot.args.String())
		if err != nil {
			switch a.policy {
			case RepairStrict:
				errs = append(errs, fmt.Errorf("tool call %s (%s): %w", id, slot.name, err))
				continue
			default:
				a.logger.Warn("tool call arguments irreparable, using empty object",
					"tool", slot.name,
					"tool_call_id", id,
					"error", err)
				args = json.RawMessage(`{}`)
			}
		}

		calls = append(calls, models.ToolCall{
			ID:    id,
			Name:  slot.name,
			Input: args,
		})
	}

	a.Reset()
	return calls, errs
}

// normalizeArgs parses accumulated argument text into a JSON object,
// attempting repair of truncated streams first.
func normalizeArgs(raw string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return json.RawMessage(`{}`), nil
	}

	if obj, ok := parseObject(trimmed); ok {
		return obj, nil
	}

	repaired, ok := repairJSON(trimmed)
	if ok {
		if obj, ok := parseObject(repaired); ok {
			return obj, nil
		}
	}

	return nil, fmt.Errorf("arguments are not a JSON object: %s", snippet(trimmed, 80))
}

// parseObject verifies the text is a single JSON object.
func parseObject(s string) (json.RawMessage, bool) {
	if !strings.HasPrefix(s, "{") {
		return nil, false
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &probe); err != nil {
		return nil, false
	}
	return json.RawMessage(s), true
}

// repairJSON attempts to fix JSON truncated mid-stream: it closes an
// unterminated string, drops a trailing comma, completes a dangling
// "key": with null, and balances unclosed braces and brackets. Returns
// false when the text is malformed in a way truncation cannot explain
// (e.g. mismatched closers).
func repairJSON(s string) (string, bool) {
	var stack []byte
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return "", false
			}
			stack = stack[:len(stack)-1]
		}
	}

	var b strings.Builder
	b.WriteString(s)

	// A stream cut mid-escape loses the escape; cut mid-string loses the
	// closing quote.
	if inString {
		if escaped {
			b.WriteByte('\\')
		}
		b.WriteByte('"')
	}

	// Trailing commas and dangling keys appear when the cut lands between
	// elements or right after a colon.
	out := strings.TrimRight(b.String(), " \t\r\n")
	out = strings.TrimRight(out, ",")
	out = strings.TrimRight(out, " \t\r\n")
	if strings.HasSuffix(out, ":") {
		out += "null"
	}

	for i := len(stack) - 1; i >= 0; i-- {
		out += string(stack[i])
	}
	return out, true
}

// snippet truncates s for error messages.
func snippet(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
