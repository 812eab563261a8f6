// Package tools provides the built-in workspace tools agents run:
// reading, writing, and executing commands inside a resolver-scoped
// workspace root.
package tools

import (
	"encoding/json"

	"github.com/haasonsaas/reactor/internal/agent"
	"github.com/haasonsaas/reactor/pkg/models"
)

// Config controls workspace tool defaults.
type Config struct {
	// Workspace is the directory tools operate in. Default: ".".
	Workspace string

	// MaxReadBytes caps a single file read. Default: 200000.
	MaxReadBytes int

	// MaxOutputBytes caps captured exec output per stream.
	// Default: 100000.
	MaxOutputBytes int
}

// Builtin returns the standard tool pool for a team: read, write, and
// exec, all scoped to the configured workspace.
func Builtin(cfg Config) []agent.Tool {
	return []agent.Tool{
		NewReadTool(cfg),
		NewWriteTool(cfg),
		NewExecTool(cfg),
	}
}

func toolError(message string) *models.ToolResult {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return &models.ToolResult{Content: message, IsError: true}
	}
	return &models.ToolResult{Content: string(payload), IsError: true}
}

func toolJSON(v any) *models.ToolResult {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return toolError("encode result: " + err.Error())
	}
	return &models.ToolResult{Content: string(payload)}
}
