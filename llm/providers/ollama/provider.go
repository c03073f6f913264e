// Package ollama adapts a local Ollama instance to the llm.Provider
// interface. It speaks the native Ollama HTTP API: /api/chat for
// completions (NDJSON when streaming) and /api/tags for health probes and
// model presence checks.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/parley/llm"
	"github.com/BaSui01/parley/types"
)

// Config binds one provider instance to one model on one Ollama endpoint.
type Config struct {
	URL        string         `yaml:"url" json:"url"`
	Model      string         `yaml:"model" json:"model"`
	Parameters map[string]any `yaml:"parameters" json:"parameters,omitempty"`
}

// Provider is an llm.Provider backed by a single Ollama model binding.
type Provider struct {
	baseURL string
	model   string
	params  map[string]any
	client  *http.Client
	logger  *zap.Logger
}

// New creates an Ollama provider. The http.Client carries no timeout of its
// own; deadlines come from the caller's context so that a turn deadline can
// cancel the request mid-flight.
func New(cfg Config, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		model:   cfg.Model,
		params:  cfg.Parameters,
		client:  &http.Client{},
		logger:  logger.With(zap.String("component", "ollama_provider"), zap.String("model", cfg.Model)),
	}
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return "ollama/" + p.model
}

type chatPayload struct {
	Model    string         `json:"model"`
	Messages []llm.Message  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatReply struct {
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	Message   struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

func (p *Provider) options(req *llm.ChatRequest) map[string]any {
	if len(req.Options) > 0 {
		return req.Options
	}
	return p.params
}

func (p *Provider) post(ctx context.Context, req *llm.ChatRequest, stream bool) (*http.Response, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	body, err := json.Marshal(chatPayload{
		Model:    model,
		Messages: req.Messages,
		Stream:   stream,
		Options:  p.options(req),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		// Deadline expiry surfaces as a context error, not a connection error.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, llm.ConnectionError(p.Name(), err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var reply chatReply
		_ = json.NewDecoder(resp.Body).Decode(&reply)
		if reply.Error != "" {
			return nil, llm.ConnectionError(p.Name(), fmt.Errorf("status %d: %s", resp.StatusCode, reply.Error))
		}
		return nil, llm.ConnectionError(p.Name(), fmt.Errorf("status %d", resp.StatusCode))
	}
	return resp, nil
}

// Completion issues a synchronous chat request.
func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	resp, err := p.post(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var reply chatReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, llm.ConnectionError(p.Name(), fmt.Errorf("decode chat reply: %w", err))
	}

	return &llm.ChatResponse{
		Model:     reply.Model,
		Content:   reply.Message.Content,
		CreatedAt: reply.CreatedAt,
	}, nil
}

// Stream issues a streaming chat request. Chunks arrive as NDJSON lines;
// each line's message.content is forwarded as one chunk. The returned
// channel closes after the final (done) line, an error, or ctx cancellation.
func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	resp, err := p.post(ctx, req, true)
	if err != nil {
		return nil, err
	}

	out := make(chan llm.StreamChunk, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var reply chatReply
			if err := json.Unmarshal(line, &reply); err != nil {
				p.sendChunk(ctx, out, llm.StreamChunk{Err: llm.ConnectionError(p.Name(), fmt.Errorf("decode stream line: %w", err))})
				return
			}
			if reply.Error != "" {
				p.sendChunk(ctx, out, llm.StreamChunk{Err: llm.ConnectionError(p.Name(), fmt.Errorf("%s", reply.Error))})
				return
			}
			if reply.Message.Content != "" {
				if !p.sendChunk(ctx, out, llm.StreamChunk{Content: reply.Message.Content}) {
					return
				}
			}
			if reply.Done {
				p.sendChunk(ctx, out, llm.StreamChunk{Done: true})
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			p.sendChunk(ctx, out, llm.StreamChunk{Err: llm.ConnectionError(p.Name(), err)})
		}
	}()
	return out, nil
}

func (p *Provider) sendChunk(ctx context.Context, out chan<- llm.StreamChunk, chunk llm.StreamChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

type tagsReply struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// HealthCheck probes /api/tags and verifies the bound model is present.
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("build tags request: %w", err)
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, llm.ConnectionError(p.Name(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, llm.ConnectionError(p.Name(), fmt.Errorf("status %d", resp.StatusCode))
	}

	var tags tagsReply
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, llm.ConnectionError(p.Name(), fmt.Errorf("decode tags: %w", err))
	}

	status := &llm.HealthStatus{Latency: time.Since(start)}
	for _, m := range tags.Models {
		status.Models = append(status.Models, m.Name)
		// Ollama tags carry the full name (llama3:8b); accept a bare prefix.
		if m.Name == p.model || strings.HasPrefix(m.Name, p.model) {
			status.Healthy = true
		}
	}
	if !status.Healthy {
		return status, types.NewError(types.ErrModelNotFound,
			fmt.Sprintf("model %q not found on %s", p.model, p.baseURL))
	}
	return status, nil
}
