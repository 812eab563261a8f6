package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/reactor/pkg/models"
)

// ExecTool runs shell commands in the workspace. It always requires
// human approval: a policy allowlist or an accept_always grant is the
// only way around the interrupt.
type ExecTool struct {
	resolver  Resolver
	maxOutput int
}

// NewExecTool creates an exec tool scoped to the workspace.
func NewExecTool(cfg Config) *ExecTool {
	limit := cfg.MaxOutputBytes
	if limit <= 0 {
		limit = 100000
	}
	return &ExecTool{
		resolver:  Resolver{Root: cfg.Workspace},
		maxOutput: limit,
	}
}

func (t *ExecTool) Name() string { return "exec" }

func (t *ExecTool) Description() string {
	return "Run a shell command in the workspace and return its output."
}

// RequiresApproval gates every exec call behind a human decision.
func (t *ExecTool) RequiresApproval() bool { return true }

// ExecutionTimeout bounds a command run independently of the pipeline
// default.
func (t *ExecTool) ExecutionTimeout() time.Duration { return 2 * time.Minute }

func (t *ExecTool) Schema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Shell command to execute.",
			},
			"cwd": map[string]any{
				"type":        "string",
				"description": "Working directory (relative to workspace).",
			},
			"env": map[string]any{
				"type":        "object",
				"description": "Environment overrides (string values).",
			},
			"input": map[string]any{
				"type":        "string",
				"description": "Stdin content to pass to the command.",
			},
			"timeout_seconds": map[string]any{
				"type":        "integer",
				"description": "Timeout in seconds (0 = tool default).",
				"minimum":     0,
			},
		},
		"required": []string{"command"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// Execute runs the command synchronously and reports exit code, stdout,
// and stderr. Command failure is a result, not a Go error: the model
// reads the exit code.
func (t *ExecTool) Execute(ctx context.Context, args json.RawMessage) (*models.ToolResult, error) {
	var input struct {
		Command        string            `json:"command"`
		Cwd            string            `json:"cwd"`
		Env            map[string]string `json:"env"`
		Input          string            `json:"input"`
		TimeoutSeconds int               `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	command := strings.TrimSpace(input.Command)
	if command == "" {
		return toolError("command is required"), nil
	}

	runCtx := ctx
	if input.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(input.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	dir, err := t.resolver.Resolve(".")
	if err != nil {
		return toolError(err.Error()), nil
	}
	if input.Cwd != "" {
		if dir, err = t.resolver.Resolve(input.Cwd); err != nil {
			return toolError(err.Error()), nil
		}
	}

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	cmd.Dir = dir
	if len(input.Env) > 0 {
		base := os.Environ()
		for k, v := range input.Env {
			base = append(base, k+"="+v)
		}
		cmd.Env = base
	}

	stdout := newLimitedBuffer(t.maxOutput)
	stderr := newLimitedBuffer(t.maxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if input.Input != "" {
		cmd.Stdin = strings.NewReader(input.Input)
	}

	start := time.Now()
	runErr := cmd.Run()
	if runCtx.Err() != nil {
		return nil, runCtx.Err()
	}

	result := map[string]any{
		"command":     command,
		"cwd":         dir,
		"stdout":      stdout.String(),
		"stderr":      stderr.String(),
		"exit_code":   exitCode(runErr),
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if runErr != nil {
		result["error"] = runErr.Error()
	}
	res := toolJSON(result)
	res.IsError = exitCode(runErr) != 0
	return res, nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// limitedBuffer caps captured output so a chatty command cannot flood
// the conversation.
type limitedBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max > 0 && len(b.buf) >= b.max {
		return len(p), nil
	}
	remaining := b.max - len(b.buf)
	if b.max > 0 && len(p) > remaining {
		b.buf = append(b.buf, p[:remaining]...)
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
