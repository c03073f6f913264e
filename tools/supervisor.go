// Package tools defines the tool/plugin boundary: callable tools exposed to
// agents and the supervisor that discovers them. The orchestrator receives
// an explicitly constructed Supervisor instance rather than a process-wide
// singleton, and its lifetime is tied to the conversation run.
package tools

import (
	"context"
	"encoding/json"
)

// Tool is one callable capability exposed to an agent.
type Tool interface {
	// Name returns the tool's unique name.
	Name() string

	// Description returns a human-readable summary shown to the model.
	Description() string

	// Schema returns the JSON Schema of the tool's input.
	Schema() json.RawMessage

	// Invoke runs the tool with the given arguments.
	Invoke(ctx context.Context, args map[string]any) (string, error)
}

// Supervisor starts, health-checks, and exposes callable tools.
type Supervisor interface {
	// Start launches the supervised tool servers and discovers their tools.
	Start(ctx context.Context) error

	// Stop tears down all supervised servers.
	Stop() error

	// ToolsFor returns the tools available to an agent (global tools plus
	// agent-scoped ones). Safe to call repeatedly; the result may grow after
	// late discovery.
	ToolsFor(agentID string) []Tool

	// Healthy probes all supervised servers.
	Healthy(ctx context.Context) error
}
