// Package llm defines the unified client boundary to LLM inference
// backends. The engine only ever talks to the Provider interface; concrete
// adapters live under llm/providers.
package llm

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/parley/types"
)

// Role of a chat message sent to a backend.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of the prompt sent to a backend.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ChatRequest is a backend-agnostic chat completion request.
type ChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Options  map[string]any `json:"options,omitempty"` // temperature, top_p, num_predict, ...
}

// ChatResponse is a complete (non-streamed) backend reply.
type ChatResponse struct {
	Model     string    `json:"model"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// StreamChunk is one increment of a streamed reply. After a chunk with
// Done=true or Err!=nil no further chunks are sent and the channel closes.
type StreamChunk struct {
	Content string       `json:"content,omitempty"`
	Done    bool         `json:"done,omitempty"`
	Err     *types.Error `json:"error,omitempty"`
}

// HealthStatus is the result of a provider health probe.
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
	Models  []string      `json:"models,omitempty"`
}

// Provider is the uniform LLM adapter interface.
//
// Both Completion and Stream must honor ctx cancellation and deadlines: an
// expired context cancels the in-flight request rather than letting its
// result arrive later. Connectivity failures must be reported through
// ConnectionError so callers can distinguish them from generic failures.
type Provider interface {
	// Completion issues a synchronous chat request and returns the full reply.
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Stream issues a streaming chat request and returns a channel of
	// incremental chunks. The channel is closed when the stream ends.
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)

	// HealthCheck performs a lightweight liveness probe against the backend.
	HealthCheck(ctx context.Context) (*HealthStatus, error)

	// Name returns the provider's unique identifier.
	Name() string
}

// ConnectionError wraps a backend-unreachable condition so that it stays
// distinguishable from generic failures across the turn boundary.
func ConnectionError(provider string, cause error) *types.Error {
	return types.NewError(types.ErrLLMConnection, "llm backend unreachable: "+provider).WithCause(cause)
}

// IsConnectionError reports whether err is a connectivity failure raised by
// a provider.
func IsConnectionError(err error) bool {
	var e *types.Error
	if errors.As(err, &e) {
		return e.Code == types.ErrLLMConnection
	}
	return false
}
