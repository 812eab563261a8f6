// Package main provides the CLI entry point for the reactor agent engine.
//
// commands.go contains all cobra command definitions and their flag
// configurations. Each command builder creates a command and wires it to
// its handler.
package main

import (
	"github.com/spf13/cobra"
)

// defaultConfigName is the config file looked up in the working
// directory when --config is not given.
const defaultConfigName = "reactor.yaml"

// =============================================================================
// Run Command
// =============================================================================

// buildRunCmd creates the "run" command that drives a conversation.
func buildRunCmd() *cobra.Command {
	var (
		configPath string
		agentID    string
		threadID   string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run a conversation against the configured agent team",
		Long: `Run a conversation starting from the given prompt.

The command will:
1. Load configuration and the agent-team file
2. Connect the configured LLM provider
3. Stream the model's text to stdout as it arrives
4. Execute tool calls, printing each tool's lifecycle
5. Pause for approval on gated tools and read the decision from stdin

The run follows agent handoffs until an agent produces a final answer.
SIGINT/SIGTERM cancel the run; an open interrupt is then marked
canceled.`,
		Example: `  # Run against the default agent
  reactor run "summarize the TODO file"

  # Pick the starting agent and config
  reactor run --config prod.yaml --agent researcher "find recent failures"

  # Continue an existing conversation thread
  reactor run --thread th_42 "and what about yesterday?"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, configPath, agentID, threadID, debug, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName,
		"Path to YAML configuration file")
	cmd.Flags().StringVarP(&agentID, "agent", "a", "",
		"Starting agent ID (defaults to the team's default agent)")
	cmd.Flags().StringVar(&threadID, "thread", "",
		"Conversation thread ID (generated when empty)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// =============================================================================
// Interrupts Commands
// =============================================================================

// buildInterruptsCmd creates the "interrupts" command group for
// answering pending interrupts out of band, e.g. from another terminal
// or an operator box.
func buildInterruptsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "interrupts",
		Short: "Inspect and answer pending human-in-the-loop interrupts",
	}
	cmd.AddCommand(buildInterruptsListCmd(), buildInterruptsRespondCmd())
	return cmd
}

func buildInterruptsListCmd() *cobra.Command {
	var (
		storeDSN string
		threadID string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending interrupts from a shared store",
		Example: `  # All pending interrupts
  reactor interrupts list --store postgres://localhost/reactor

  # Pending interrupts for one conversation
  reactor interrupts list --store postgres://localhost/reactor --thread th_42`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInterruptsList(cmd, storeDSN, threadID)
		},
	}

	cmd.Flags().StringVar(&storeDSN, "store", "",
		"Postgres DSN of the interrupt store (required)")
	cmd.Flags().StringVar(&threadID, "thread", "",
		"Filter by conversation thread ID")
	_ = cmd.MarkFlagRequired("store")

	return cmd
}

func buildInterruptsRespondCmd() *cobra.Command {
	var (
		storeDSN string
		action   string
		answer   string
		by       string
	)

	cmd := &cobra.Command{
		Use:   "respond [thread-id] [interrupt-id]",
		Short: "Answer a pending interrupt",
		Long: `Answer a pending interrupt addressed by its thread and interrupt IDs.

Actions:
  accept        approve the gated tool call once
  accept_always approve and allowlist the tool for the thread
  deny          reject the gated tool call
  answer        answer a question interrupt (requires --answer)`,
		Example: `  reactor interrupts respond th_42 int_7 --store postgres://localhost/reactor --action accept

  reactor interrupts respond th_42 int_9 --store postgres://localhost/reactor \
    --action answer --answer "use the staging cluster"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInterruptsRespond(cmd, storeDSN, args[0], args[1], action, answer, by)
		},
	}

	cmd.Flags().StringVar(&storeDSN, "store", "",
		"Postgres DSN of the interrupt store (required)")
	cmd.Flags().StringVar(&action, "action", "accept",
		"Response action: accept, accept_always, deny, answer")
	cmd.Flags().StringVar(&answer, "answer", "",
		"Answer text (for --action answer, or a denial reason)")
	cmd.Flags().StringVar(&by, "by", "",
		"Identity recorded as the responder")
	_ = cmd.MarkFlagRequired("store")

	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Generate and validate configuration",
	}
	cmd.AddCommand(buildConfigSchemaCmd(), buildConfigValidateCmd())
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	var team bool

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Emit the configuration JSON schema",
		Example: `  # Main config schema
  reactor config schema > reactor.schema.json

  # Agent-team file schema
  reactor config schema --team > team.schema.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd, team)
		},
	}

	cmd.Flags().BoolVar(&team, "team", false,
		"Emit the agent-team file schema instead")

	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file and its team file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName,
		"Path to YAML configuration file")

	return cmd
}
