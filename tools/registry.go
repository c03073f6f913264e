package tools

import (
	"context"
	"encoding/json"
	"sync"
)

// FuncTool adapts a plain function to the Tool interface. Used for
// built-in tools and in tests.
type FuncTool struct {
	ToolName        string
	ToolDescription string
	ToolSchema      json.RawMessage
	Fn              func(ctx context.Context, args map[string]any) (string, error)
}

func (t *FuncTool) Name() string            { return t.ToolName }
func (t *FuncTool) Description() string     { return t.ToolDescription }
func (t *FuncTool) Schema() json.RawMessage { return t.ToolSchema }

func (t *FuncTool) Invoke(ctx context.Context, args map[string]any) (string, error) {
	return t.Fn(ctx, args)
}

// Registry is a static, in-process Supervisor: tools are registered
// directly rather than discovered from subprocesses.
type Registry struct {
	mu      sync.RWMutex
	global  []Tool
	byAgent map[string][]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byAgent: make(map[string][]Tool)}
}

// RegisterGlobal adds a tool available to every agent.
func (r *Registry) RegisterGlobal(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global = append(r.global, tool)
}

// RegisterForAgent adds a tool scoped to one agent.
func (r *Registry) RegisterForAgent(agentID string, tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byAgent[agentID] = append(r.byAgent[agentID], tool)
}

// Start implements Supervisor. A registry has nothing to launch.
func (r *Registry) Start(ctx context.Context) error { return nil }

// Stop implements Supervisor.
func (r *Registry) Stop() error { return nil }

// Healthy implements Supervisor.
func (r *Registry) Healthy(ctx context.Context) error { return nil }

// ToolsFor returns global tools plus the agent's scoped tools.
func (r *Registry) ToolsFor(agentID string) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Tool, 0, len(r.global)+len(r.byAgent[agentID]))
	out = append(out, r.global...)
	out = append(out, r.byAgent[agentID]...)
	return out
}
