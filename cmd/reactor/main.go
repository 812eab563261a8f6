// Package main provides the CLI entry point for the reactor agent engine.
//
// Reactor runs multi-agent conversations against hosted LLM providers
// (Anthropic, OpenAI) with streaming output, parallel tool execution,
// and human-in-the-loop approval for gated tools.
//
// # Basic Usage
//
// Run a conversation:
//
//	reactor run --config reactor.yaml --agent triage "check disk usage on /var"
//
// Inspect and answer pending interrupts out of band:
//
//	reactor interrupts list --store postgres://localhost/reactor
//	reactor interrupts respond <thread-id> <interrupt-id> --action accept
//
// Work with configuration:
//
//	reactor config schema > reactor.schema.json
//	reactor config validate --config reactor.yaml
//
// # Environment Variables
//
// Configuration files expand environment variables, so credentials are
// usually supplied via:
//
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

func main() {
	// Structured logging by default; `run` replaces this with the
	// configured handler once the config file is loaded.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "reactor",
		Short: "Reactor - multi-agent LLM execution engine",
		Long: `Reactor drives reason/act conversations across a team of agents.

Agents stream model output, execute tools concurrently, hand control to
each other, and pause for human approval on gated tools.

Supported LLM providers: Anthropic (Claude), OpenAI (GPT)
Built-in tools: read, write, exec (approval-gated)`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildInterruptsCmd(),
		buildConfigCmd(),
	)

	return rootCmd
}
