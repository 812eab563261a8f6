package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/haasonsaas/reactor/pkg/models"
)

// BudgetConfig bounds how much conversation history reaches the LLM.
type BudgetConfig struct {
	// ContextWindowTokens is the model's total context window.
	ContextWindowTokens int

	// ReserveOutputTokens is held back for the model's response; the
	// input budget is the window minus this reserve.
	ReserveOutputTokens int

	// MaxToolResultChars caps a single tool result's content.
	MaxToolResultChars int

	// CompressThresholdPercent is the fraction of the context window
	// (0-100) at which semantic compression should kick in.
	CompressThresholdPercent int
}

// DefaultBudgetConfig returns the default history budget.
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		ContextWindowTokens:      128000,
		ReserveOutputTokens:      4096,
		MaxToolResultChars:       6000,
		CompressThresholdPercent: 80,
	}
}

func sanitizeBudgetConfig(cfg BudgetConfig) BudgetConfig {
	def := DefaultBudgetConfig()
	if cfg.ContextWindowTokens <= 0 {
		cfg.ContextWindowTokens = def.ContextWindowTokens
	}
	if cfg.ReserveOutputTokens <= 0 {
		cfg.ReserveOutputTokens = def.ReserveOutputTokens
	}
	if cfg.ReserveOutputTokens >= cfg.ContextWindowTokens {
		cfg.ReserveOutputTokens = cfg.ContextWindowTokens / 4
	}
	if cfg.MaxToolResultChars <= 0 {
		cfg.MaxToolResultChars = def.MaxToolResultChars
	}
	if cfg.CompressThresholdPercent <= 0 || cfg.CompressThresholdPercent > 100 {
		cfg.CompressThresholdPercent = def.CompressThresholdPercent
	}
	return cfg
}

// charsPerToken is the estimation heuristic: roughly four characters of
// English text per token.
const charsPerToken = 4

// messageOverheadTokens accounts for role and framing tokens per message.
const messageOverheadTokens = 4

// BudgetManager estimates token usage and truncates history to fit the
// model's context window without ever splitting a tool call from its
// results.
type BudgetManager struct {
	cfg BudgetConfig
}

// NewBudgetManager creates a budget manager, applying defaults to any
// zero config fields.
func NewBudgetManager(cfg BudgetConfig) *BudgetManager {
	return &BudgetManager{cfg: sanitizeBudgetConfig(cfg)}
}

// Config returns the sanitized configuration.
func (b *BudgetManager) Config() BudgetConfig {
	return b.cfg
}

// EstimateTokens estimates the token footprint of a message slice.
func (b *BudgetManager) EstimateTokens(msgs []models.Message) int {
	total := 0
	for i := range msgs {
		total += estimateMessageTokens(&msgs[i])
	}
	return total
}

func estimateMessageTokens(msg *models.Message) int {
	tokens := messageOverheadTokens
	tokens += ceilDiv(len(msg.Content), charsPerToken)
	tokens += ceilDiv(len(msg.Thinking), charsPerToken)
	for i := range msg.ToolCalls {
		call := &msg.ToolCalls[i]
		tokens += ceilDiv(len(call.Name)+len(call.Input), charsPerToken)
	}
	for i := range msg.ToolResults {
		tokens += ceilDiv(len(msg.ToolResults[i].Content), charsPerToken)
	}
	return tokens
}

func ceilDiv(n, d int) int {
	return (n + d - 1) / d
}

// InputBudgetTokens returns the token budget available for history.
func (b *BudgetManager) InputBudgetTokens() int {
	return b.cfg.ContextWindowTokens - b.cfg.ReserveOutputTokens
}

// NeedsCompression reports whether estimated usage has crossed the
// compression threshold. The loop surfaces this to a caller-provided
// Compressor; truncation still applies either way.
func (b *BudgetManager) NeedsCompression(msgs []models.Message) bool {
	threshold := b.cfg.ContextWindowTokens * b.cfg.CompressThresholdPercent / 100
	return b.EstimateTokens(msgs) >= threshold
}

// TruncateMessages drops oldest history until the remainder fits the
// input budget. The system message (when first) and the newest messages
// always survive. Tool calls and their results move as one unit: a kept
// assistant message keeps the tool messages answering it, and a tool
// message never survives without the assistant message that requested
// it. Returns the input unchanged when it already fits.
func (b *BudgetManager) TruncateMessages(msgs []models.Message) []models.Message {
	if len(msgs) == 0 {
		return msgs
	}

	budget := b.InputBudgetTokens()
	if b.EstimateTokens(msgs) <= budget {
		return msgs
	}

	var system *models.Message
	body := msgs
	if msgs[0].Role == models.RoleSystem {
		system = &msgs[0]
		body = msgs[1:]
	}

	remaining := budget
	if system != nil {
		remaining -= estimateMessageTokens(system)
	}

	units := segmentUnits(body)

	// Select whole units newest-backwards. The newest unit is always
	// kept so the model sees what it is being asked about.
	kept := make([][]models.Message, 0, len(units))
	for i := len(units) - 1; i >= 0; i-- {
		unit := units[i]
		cost := 0
		for j := range unit {
			cost += estimateMessageTokens(&unit[j])
		}
		if cost > remaining && len(kept) > 0 {
			break
		}
		kept = append(kept, unit)
		remaining -= cost
	}

	out := make([]models.Message, 0, len(msgs))
	if system != nil {
		out = append(out, *system)
	}
	for i := len(kept) - 1; i >= 0; i-- {
		out = append(out, kept[i]...)
	}
	return out
}

// segmentUnits groups an assistant message carrying tool calls with the
// tool messages that answer it. Each unit is kept or dropped whole.
func segmentUnits(msgs []models.Message) [][]models.Message {
	var units [][]models.Message
	for i := 0; i < len(msgs); {
		msg := msgs[i]
		if msg.Role == models.RoleAssistant && len(msg.ToolCalls) > 0 {
			j := i + 1
			for j < len(msgs) && msgs[j].Role == models.RoleTool && answersCalls(msgs[j], msg.ToolCalls) {
				j++
			}
			units = append(units, msgs[i:j])
			i = j
			continue
		}
		if msg.Role == models.RoleTool {
			// An orphaned tool message has lost its assistant; attach it
			// to the previous unit so pairing rules keep them together,
			// or drop it when nothing precedes it.
			if len(units) > 0 {
				units[len(units)-1] = append(units[len(units)-1], msg)
			}
			i++
			continue
		}
		units = append(units, msgs[i:i+1])
		i++
	}
	return units
}

// answersCalls reports whether every result in the tool message refers
// to one of the given calls.
func answersCalls(msg models.Message, calls []models.ToolCall) bool {
	if len(msg.ToolResults) == 0 {
		return false
	}
	ids := make(map[string]bool, len(calls))
	for _, call := range calls {
		ids[call.ID] = true
	}
	for _, res := range msg.ToolResults {
		if !ids[res.ToolCallID] {
			return false
		}
	}
	return true
}

// TruncateResult caps a single tool result's content. JSON content is
// cut with a binary search for the longest prefix that still repairs to
// valid JSON within the cap; everything else keeps the head and tail of
// the text around a truncation marker.
func (b *BudgetManager) TruncateResult(content string) string {
	limit := b.cfg.MaxToolResultChars
	if len(content) <= limit {
		return content
	}

	if json.Valid([]byte(content)) {
		if out, ok := truncateJSON(content, limit); ok {
			return out
		}
	}
	return truncateChars(content, limit)
}

func truncationMarker(removed int) string {
	return fmt.Sprintf("\n...[truncated %d chars]\n", removed)
}

// truncateJSON binary-searches the longest prefix of the serialized JSON
// that repairs to a valid document and fits the limit alongside the
// marker. Returns false when no usable prefix exists.
func truncateJSON(content string, limit int) (string, bool) {
	// Upper bound on marker length: every digit of the full length.
	maxMarker := len(truncationMarker(len(content)))

	fit := func(cut int) (string, bool) {
		cut = utf8Boundary(content, cut)
		if cut <= 1 {
			return "", false
		}
		repaired, ok := repairJSON(content[:cut])
		if !ok || !json.Valid([]byte(repaired)) {
			return "", false
		}
		if len(repaired)+maxMarker > limit {
			return "", false
		}
		return repaired, true
	}

	lo, hi := 1, limit
	if hi > len(content) {
		hi = len(content)
	}
	best := ""
	for lo <= hi {
		mid := (lo + hi) / 2
		if repaired, ok := fit(mid); ok {
			best = repaired
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	if best == "" {
		return "", false
	}
	return best + truncationMarker(len(content)-len(best)), true
}

// truncateChars keeps the first 60% and final 30% of the limit with the
// marker between them.
func truncateChars(content string, limit int) string {
	head := limit * 60 / 100
	tail := limit * 30 / 100

	headEnd := utf8Boundary(content, head)
	tailStart := utf8BoundaryUp(content, len(content)-tail)

	removed := tailStart - headEnd
	var b strings.Builder
	b.Grow(headEnd + (len(content) - tailStart) + 40)
	b.WriteString(content[:headEnd])
	b.WriteString(truncationMarker(removed))
	b.WriteString(content[tailStart:])
	return b.String()
}

// utf8Boundary rounds an index down to the nearest rune boundary.
func utf8Boundary(s string, i int) int {
	if i >= len(s) {
		return len(s)
	}
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// utf8BoundaryUp rounds an index up to the nearest rune boundary.
func utf8BoundaryUp(s string, i int) int {
	if i <= 0 {
		return 0
	}
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return i
}
