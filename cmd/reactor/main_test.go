package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/haasonsaas/reactor/pkg/models"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"run", "interrupts", "config"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestPromptDecisionApproval(t *testing.T) {
	intr := &models.PendingInterrupt{
		Kind: models.InterruptApproval,
		ToolCall: &models.ToolCall{
			ID:    "call_1",
			Name:  "exec",
			Input: json.RawMessage(`{"command":"ls"}`),
		},
	}

	cases := []struct {
		input string
		want  models.InterruptAction
	}{
		{"y\n", models.ActionAccept},
		{"yes\n", models.ActionAccept},
		{"a\n", models.ActionAcceptAlways},
		{"n\n", models.ActionDeny},
		{"garbage\ny\n", models.ActionAccept}, // re-prompts on junk
	}
	for _, tc := range cases {
		var out bytes.Buffer
		in := bufio.NewScanner(strings.NewReader(tc.input))
		resp, err := promptDecision(in, &out, intr)
		if err != nil {
			t.Fatalf("input %q: %v", tc.input, err)
		}
		if resp.Action != tc.want {
			t.Errorf("input %q: action = %s, want %s", tc.input, resp.Action, tc.want)
		}
		if !strings.Contains(out.String(), "exec") {
			t.Errorf("prompt should name the tool: %s", out.String())
		}
	}
}

func TestPromptDecisionQuestion(t *testing.T) {
	intr := &models.PendingInterrupt{
		Kind:     models.InterruptQuestion,
		Question: "Which cluster?",
		Options:  []string{"staging", "prod"},
	}

	var out bytes.Buffer
	in := bufio.NewScanner(strings.NewReader("staging\n"))
	resp, err := promptDecision(in, &out, intr)
	if err != nil {
		t.Fatalf("promptDecision failed: %v", err)
	}
	if resp.Action != models.ActionAnswer {
		t.Errorf("action = %s, want answer", resp.Action)
	}
	if resp.Answer != "staging" {
		t.Errorf("answer = %q, want staging", resp.Answer)
	}
	if !strings.Contains(out.String(), "Which cluster?") {
		t.Errorf("prompt should show the question: %s", out.String())
	}
}

func TestPromptDecisionStdinClosed(t *testing.T) {
	intr := &models.PendingInterrupt{
		Kind:     models.InterruptApproval,
		ToolCall: &models.ToolCall{ID: "call_1", Name: "exec"},
	}

	var out bytes.Buffer
	in := bufio.NewScanner(strings.NewReader(""))
	if _, err := promptDecision(in, &out, intr); err == nil {
		t.Fatal("expected an error when stdin closes mid-interrupt")
	}
}

func TestRendererStreamsDeltasInline(t *testing.T) {
	var out bytes.Buffer
	r := &renderer{out: &out}

	r.event(models.NewRunEvent(models.EventTextDelta).WithText("Hello"))
	r.event(models.NewRunEvent(models.EventTextDelta).WithText(" world"))
	r.event(models.NewToolEvent(models.EventToolStarted, "read", "call_1"))
	r.event(models.NewToolEvent(models.EventToolCompleted, "read", "call_1"))
	r.breakLine()

	got := out.String()
	if !strings.HasPrefix(got, "Hello world\n") {
		t.Errorf("deltas should stream inline then break: %q", got)
	}
	if !strings.Contains(got, "* read (call_id=call_1)") {
		t.Errorf("missing tool start line: %q", got)
	}
	if !strings.Contains(got, "+ read completed") {
		t.Errorf("missing tool completion line: %q", got)
	}
}

func TestRendererIgnoresLifecycleNoise(t *testing.T) {
	var out bytes.Buffer
	r := &renderer{out: &out}

	r.event(models.NewRunEvent(models.EventRunStarted))
	r.event(models.NewRunEvent(models.EventIterationStarted).WithIteration(0))
	r.event(models.NewRunEvent(models.EventThinkingDelta).WithText("pondering"))
	r.event(models.NewRunEvent(models.EventRunCompleted))

	if out.Len() != 0 {
		t.Errorf("lifecycle events should not print: %q", out.String())
	}
}
