package registry

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
)

// scriptTemplate is the default agent skeleton. Every generated agent
// exposes the fixed lifecycle surface: initialize, a process loop,
// handle_message, and cleanup, exiting 0 on clean shutdown.
var scriptTemplate = template.Must(template.New("agent").Parse(`#!/bin/sh
# {{.ID}} - {{.Name}} ({{.Tier}} tier)
# Generated agent skeleton. Replace the lifecycle hooks with real logic.
# Environment: AGENT_ID, AGENT_PORT, AGENT_TIER are set by the supervisor.

initialize() {
    echo "[$AGENT_ID] initializing on port $AGENT_PORT"
{{- range .Capabilities}}
    echo "[$AGENT_ID] capability: {{.}}"
{{- end}}
}

process() {
    # Main work loop body. Called repeatedly until shutdown.
    sleep 5
}

handle_message() {
    # Entry point for bus messages: $1 is the raw payload.
    echo "[$AGENT_ID] message: $1"
}

cleanup() {
    echo "[$AGENT_ID] shutting down"
}

trap 'cleanup; exit 0' TERM INT

initialize
while :; do
    process
done
`))

// TemplateGenerator writes default script skeletons for agents registered
// without one.
type TemplateGenerator struct {
	agentsDir string
}

// NewTemplateGenerator creates a generator writing into agentsDir.
func NewTemplateGenerator(agentsDir string) *TemplateGenerator {
	return &TemplateGenerator{agentsDir: agentsDir}
}

// ScriptPath returns the canonical script location for an agent id.
func (g *TemplateGenerator) ScriptPath(agentID string) string {
	return filepath.Join(g.agentsDir, agentID+"_agent.sh")
}

// Generate renders the skeleton for def and writes it executable. It
// refuses to overwrite an existing file.
func (g *TemplateGenerator) Generate(def AgentDefinition) (string, error) {
	if err := os.MkdirAll(g.agentsDir, 0o755); err != nil {
		return "", fmt.Errorf("create agents dir: %w", err)
	}
	path := g.ScriptPath(def.ID)
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("script already exists: %s", path)
	}

	var buf bytes.Buffer
	if err := scriptTemplate.Execute(&buf, def); err != nil {
		return "", fmt.Errorf("render agent template: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o755); err != nil {
		return "", fmt.Errorf("write agent script: %w", err)
	}
	return path, nil
}
