package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/reactor/internal/multiagent"
)

// TeamFile is the agent-team definition document, kept separate from
// the main config so it can be hot reloaded on its own.
type TeamFile struct {
	// Agents is the team roster.
	Agents []*multiagent.AgentDefinition `yaml:"agents"`

	// DefaultAgent receives fresh conversations. Defaults to the first
	// agent.
	DefaultAgent string `yaml:"default_agent"`
}

// LoadTeamFile reads and validates an agent-team file. Environment
// variables in the document are expanded before decoding.
func LoadTeamFile(path string) (*TeamFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read team file: %w", err)
	}
	return ParseTeamFile(data)
}

// ParseTeamFile builds a TeamFile from raw YAML.
func ParseTeamFile(data []byte) (*TeamFile, error) {
	expanded := os.ExpandEnv(string(data))

	var tf TeamFile
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&tf); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse team file: %w", err)
	}

	if err := multiagent.ValidateDefinitions(tf.Agents...); err != nil {
		return nil, fmt.Errorf("team file: %w", err)
	}
	if tf.DefaultAgent != "" {
		found := false
		for _, def := range tf.Agents {
			if def.ID == tf.DefaultAgent {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("team file: default agent %q is not on the roster", tf.DefaultAgent)
		}
	}
	return &tf, nil
}
