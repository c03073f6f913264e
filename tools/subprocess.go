package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/parley/types"
)

// ServerConfig describes one tool server subprocess.
type ServerConfig struct {
	Name    string            `yaml:"name" json:"name"`
	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args" json:"args,omitempty"`
	Env     map[string]string `yaml:"env" json:"env,omitempty"`

	// Agents scopes the server's tools to specific agent ids. Empty means
	// the tools are global.
	Agents []string `yaml:"agents" json:"agents,omitempty"`
}

// Wire format spoken with tool servers: one JSON object per line on
// stdin/stdout.
type rpcRequest struct {
	ID     int64          `json:"id"`
	Method string         `json:"method"` // "list_tools" | "invoke_tool" | "ping"
	Params map[string]any `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type toolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"input_schema"`
}

// SubprocessSupervisor launches configured tool servers, discovers their
// tools over a line-delimited JSON stdio protocol, and exposes them as
// callable Tools. Servers are fail-static: a dead server's tools simply
// stop resolving; there is no restart policy.
type SubprocessSupervisor struct {
	configs []ServerConfig
	logger  *zap.Logger

	mu      sync.Mutex
	servers []*toolServer
	started bool
}

// NewSubprocessSupervisor creates a supervisor for the given server
// configurations.
func NewSubprocessSupervisor(configs []ServerConfig, logger *zap.Logger) *SubprocessSupervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubprocessSupervisor{
		configs: configs,
		logger:  logger.With(zap.String("component", "tool_supervisor")),
	}
}

// Start launches all configured servers in parallel and performs tool
// discovery on each. A single failing server fails Start as a whole;
// already-started servers are stopped.
func (s *SubprocessSupervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	servers := make([]*toolServer, len(s.configs))
	g, gctx := errgroup.WithContext(ctx)
	for i, cfg := range s.configs {
		g.Go(func() error {
			srv, err := startToolServer(gctx, cfg, s.logger)
			if err != nil {
				return fmt.Errorf("start tool server %q: %w", cfg.Name, err)
			}
			servers[i] = srv
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, srv := range servers {
			if srv != nil {
				srv.stop()
			}
		}
		return err
	}

	s.servers = servers
	s.started = true
	s.logger.Info("tool servers started", zap.Int("count", len(servers)))
	return nil
}

// Stop tears down all servers.
func (s *SubprocessSupervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, srv := range s.servers {
		if err := srv.stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.servers = nil
	s.started = false
	return firstErr
}

// ToolsFor returns global tools plus tools from servers scoped to agentID.
func (s *SubprocessSupervisor) ToolsFor(agentID string) []Tool {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Tool
	for _, srv := range s.servers {
		if !srv.servesAgent(agentID) {
			continue
		}
		out = append(out, srv.tools...)
	}
	return out
}

// Healthy pings every server in parallel.
func (s *SubprocessSupervisor) Healthy(ctx context.Context) error {
	s.mu.Lock()
	servers := make([]*toolServer, len(s.servers))
	copy(servers, s.servers)
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			if _, err := srv.call(gctx, "ping", nil); err != nil {
				return types.NewError(types.ErrToolFailure, "tool server unhealthy: "+srv.cfg.Name).WithCause(err)
			}
			return nil
		})
	}
	return g.Wait()
}

// toolServer is one running subprocess plus its discovered tools.
type toolServer struct {
	cfg    ServerConfig
	cmd    *exec.Cmd
	stdin  *json.Encoder
	stdout *bufio.Scanner
	logger *zap.Logger

	mu     sync.Mutex // serializes request/response exchanges
	nextID int64
	tools  []Tool
}

func startToolServer(ctx context.Context, cfg ServerConfig, logger *zap.Logger) (*toolServer, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	srv := &toolServer{
		cfg:    cfg,
		cmd:    cmd,
		stdin:  json.NewEncoder(stdin),
		stdout: scanner,
		logger: logger.With(zap.String("server", cfg.Name)),
	}

	if err := srv.discoverTools(ctx); err != nil {
		srv.stop()
		return nil, err
	}
	return srv, nil
}

func (t *toolServer) servesAgent(agentID string) bool {
	if len(t.cfg.Agents) == 0 {
		return true
	}
	for _, id := range t.cfg.Agents {
		if id == agentID {
			return true
		}
	}
	return false
}

// call performs one request/response exchange. Exchanges are serialized per
// server; the protocol has no interleaving.
func (t *toolServer) call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	req := rpcRequest{ID: t.nextID, Method: method, Params: params}
	if err := t.stdin.Encode(req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	type outcome struct {
		resp rpcResponse
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		if !t.stdout.Scan() {
			err := t.stdout.Err()
			if err == nil {
				err = fmt.Errorf("tool server closed stdout")
			}
			done <- outcome{err: err}
			return
		}
		var resp rpcResponse
		if err := json.Unmarshal(t.stdout.Bytes(), &resp); err != nil {
			done <- outcome{err: fmt.Errorf("decode response: %w", err)}
			return
		}
		done <- outcome{resp: resp}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case o := <-done:
		if o.err != nil {
			return nil, o.err
		}
		if o.resp.ID != req.ID {
			return nil, fmt.Errorf("response id mismatch: got %d want %d", o.resp.ID, req.ID)
		}
		if o.resp.Error != "" {
			return nil, fmt.Errorf("%s", o.resp.Error)
		}
		return o.resp.Result, nil
	}
}

func (t *toolServer) discoverTools(ctx context.Context) error {
	result, err := t.call(ctx, "list_tools", nil)
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}

	var descriptors []toolDescriptor
	if err := json.Unmarshal(result, &descriptors); err != nil {
		return fmt.Errorf("decode tool list: %w", err)
	}

	t.tools = make([]Tool, 0, len(descriptors))
	for _, d := range descriptors {
		t.tools = append(t.tools, &subprocessTool{server: t, descriptor: d})
	}
	t.logger.Info("tools discovered", zap.Int("count", len(t.tools)))
	return nil
}

func (t *toolServer) stop() error {
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	return t.cmd.Wait()
}

// subprocessTool proxies one discovered tool back to its server.
type subprocessTool struct {
	server     *toolServer
	descriptor toolDescriptor
}

func (t *subprocessTool) Name() string            { return t.descriptor.Name }
func (t *subprocessTool) Description() string     { return t.descriptor.Description }
func (t *subprocessTool) Schema() json.RawMessage { return t.descriptor.Schema }

func (t *subprocessTool) Invoke(ctx context.Context, args map[string]any) (string, error) {
	result, err := t.server.call(ctx, "invoke_tool", map[string]any{
		"name": t.descriptor.Name,
		"args": args,
	})
	if err != nil {
		return "", types.NewError(types.ErrToolFailure, "invoke "+t.descriptor.Name).WithCause(err)
	}
	var text string
	if err := json.Unmarshal(result, &text); err != nil {
		return "", types.NewError(types.ErrToolFailure, "decode result of "+t.descriptor.Name).WithCause(err)
	}
	return text, nil
}
