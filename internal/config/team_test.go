package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/reactor/pkg/models"
)

const teamDoc = `
agents:
  - id: triage
    name: Triage
    description: Routes incoming requests
    model: ${TEAM_TEST_MODEL}
    system_prompt: You are the triage agent.
    tools: [echo]
    handoff_targets: [billing]
  - id: billing
    name: Billing
    model: claude-sonnet-4-20250514
    handoff_policy: deferred
default_agent: triage
`

func TestLoadTeamFile(t *testing.T) {
	t.Setenv("TEAM_TEST_MODEL", "claude-opus-4-20250514")

	path := filepath.Join(t.TempDir(), "agents.yaml")
	if err := os.WriteFile(path, []byte(teamDoc), 0o644); err != nil {
		t.Fatalf("write team file: %v", err)
	}

	tf, err := LoadTeamFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(tf.Agents) != 2 || tf.DefaultAgent != "triage" {
		t.Fatalf("team file = %+v", tf)
	}

	triage := tf.Agents[0]
	if triage.Model != "claude-opus-4-20250514" {
		t.Fatalf("env expansion failed: model = %q", triage.Model)
	}
	if len(triage.HandoffTargets) != 1 || triage.HandoffTargets[0] != "billing" {
		t.Fatalf("targets = %v", triage.HandoffTargets)
	}
	if tf.Agents[1].HandoffPolicy != models.HandoffDeferred {
		t.Fatalf("policy = %q", tf.Agents[1].HandoffPolicy)
	}
}

func TestParseTeamFileErrors(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{
			name:    "empty roster",
			doc:     "agents: []\n",
			wantErr: "no agent definitions",
		},
		{
			name: "duplicate ids",
			doc: `
agents:
  - {id: a, model: m}
  - {id: a, model: m}
`,
			wantErr: "duplicate agent ID",
		},
		{
			name: "unknown target",
			doc: `
agents:
  - {id: a, model: m, handoff_targets: [ghost]}
`,
			wantErr: "unknown agent",
		},
		{
			name: "missing model",
			doc: `
agents:
  - {id: a}
`,
			wantErr: "no model",
		},
		{
			name: "bad default agent",
			doc: `
agents:
  - {id: a, model: m}
default_agent: ghost
`,
			wantErr: "not on the roster",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTeamFile([]byte(tt.doc))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
