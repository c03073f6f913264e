package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryScoping(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterGlobal(&FuncTool{ToolName: "clock"})
	reg.RegisterForAgent("alice", &FuncTool{ToolName: "journal"})

	aliceTools := reg.ToolsFor("alice")
	require.Len(t, aliceTools, 2)
	assert.Equal(t, "clock", aliceTools[0].Name())
	assert.Equal(t, "journal", aliceTools[1].Name())

	bobTools := reg.ToolsFor("bob")
	require.Len(t, bobTools, 1)
	assert.Equal(t, "clock", bobTools[0].Name())
}

func TestFuncToolInvoke(t *testing.T) {
	tool := &FuncTool{
		ToolName: "echo",
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			return args["text"].(string), nil
		},
	}
	out, err := tool.Invoke(context.Background(), map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", out)
}

// TestHelperToolServer is not a real test: it is re-executed as a
// subprocess by the supervisor tests and acts as a minimal tool server
// speaking the stdio protocol.
func TestHelperToolServer(t *testing.T) {
	if os.Getenv("PARLEY_TOOL_SERVER_HELPER") != "1" {
		t.Skip("helper process only")
	}

	scanner := bufio.NewScanner(os.Stdin)
	enc := json.NewEncoder(os.Stdout)
	for scanner.Scan() {
		var req rpcRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		switch req.Method {
		case "list_tools":
			tools := []toolDescriptor{{
				Name:        "echo",
				Description: "echoes its input",
				Schema:      json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}}}`),
			}}
			result, _ := json.Marshal(tools)
			_ = enc.Encode(rpcResponse{ID: req.ID, Result: result})
		case "ping":
			_ = enc.Encode(rpcResponse{ID: req.ID, Result: json.RawMessage(`"pong"`)})
		case "invoke_tool":
			args, _ := req.Params["args"].(map[string]any)
			text, _ := args["text"].(string)
			result, _ := json.Marshal("echo: " + text)
			_ = enc.Encode(rpcResponse{ID: req.ID, Result: result})
		default:
			_ = enc.Encode(rpcResponse{ID: req.ID, Error: fmt.Sprintf("unknown method %q", req.Method)})
		}
	}
	os.Exit(0)
}

func helperServerConfig(name string, agents ...string) ServerConfig {
	return ServerConfig{
		Name:    name,
		Command: os.Args[0],
		Args:    []string{"-test.run=TestHelperToolServer"},
		Env:     map[string]string{"PARLEY_TOOL_SERVER_HELPER": "1"},
		Agents:  agents,
	}
}

func TestSubprocessSupervisor(t *testing.T) {
	sup := NewSubprocessSupervisor([]ServerConfig{
		helperServerConfig("global-tools"),
		helperServerConfig("alice-tools", "alice"),
	}, nil)

	ctx := context.Background()
	require.NoError(t, sup.Start(ctx))
	defer sup.Stop()

	require.NoError(t, sup.Healthy(ctx))

	aliceTools := sup.ToolsFor("alice")
	require.Len(t, aliceTools, 2)

	bobTools := sup.ToolsFor("bob")
	require.Len(t, bobTools, 1)
	assert.Equal(t, "echo", bobTools[0].Name())
	assert.Equal(t, "echoes its input", bobTools[0].Description())

	out, err := bobTools[0].Invoke(ctx, map[string]any{"text": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", out)
}

func TestSubprocessSupervisorStartFailure(t *testing.T) {
	sup := NewSubprocessSupervisor([]ServerConfig{
		{Name: "missing", Command: "/nonexistent/tool-server"},
	}, nil)

	err := sup.Start(context.Background())
	require.Error(t, err)
	assert.Empty(t, sup.ToolsFor("anyone"))
}
