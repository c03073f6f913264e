package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/parley/llm"
	"github.com/BaSui01/parley/types"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{URL: srv.URL, Model: "llama3"}, nil)
}

func TestCompletion(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "llama3", payload["model"])
		assert.Equal(t, false, payload["stream"])

		fmt.Fprint(w, `{"model":"llama3","message":{"role":"assistant","content":"hello there"},"done":true}`)
	})

	resp, err := p.Completion(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello there", resp.Content)
}

func TestCompletionConnectionError(t *testing.T) {
	p := New(Config{URL: "http://127.0.0.1:1", Model: "llama3"}, nil)

	_, err := p.Completion(context.Background(), &llm.ChatRequest{})
	require.Error(t, err)
	assert.True(t, llm.IsConnectionError(err))
}

func TestCompletionDeadline(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server cancels the request context when
		// the client gives up; otherwise Close hangs on this handler.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.Completion(ctx, &llm.ChatRequest{})
	require.Error(t, err)
	// A deadline must surface as a context error, not a connection error.
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, llm.IsConnectionError(err))
}

func TestStream(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		for _, tok := range []string{"Hel", "lo", "!"} {
			fmt.Fprintf(w, `{"message":{"role":"assistant","content":%q},"done":false}`+"\n", tok)
		}
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true}`)
	})

	chunks, err := p.Stream(context.Background(), &llm.ChatRequest{})
	require.NoError(t, err)

	var full string
	var done bool
	for chunk := range chunks {
		require.Nil(t, chunk.Err)
		full += chunk.Content
		done = done || chunk.Done
	}
	assert.Equal(t, "Hello!", full)
	assert.True(t, done)
}

func TestStreamBackendError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"error":"model exploded"}`)
	})

	chunks, err := p.Stream(context.Background(), &llm.ChatRequest{})
	require.NoError(t, err)

	var streamErr *types.Error
	for chunk := range chunks {
		if chunk.Err != nil {
			streamErr = chunk.Err
		}
	}
	require.NotNil(t, streamErr)
	assert.Equal(t, types.ErrLLMConnection, streamErr.Code)
}

func TestHealthCheck(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		fmt.Fprint(w, `{"models":[{"name":"llama3:8b"},{"name":"mistral:7b"}]}`)
	})

	status, err := p.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Healthy)
	assert.Len(t, status.Models, 2)
}

func TestHealthCheckModelMissing(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"models":[{"name":"mistral:7b"}]}`)
	})

	status, err := p.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.ErrModelNotFound, types.GetErrorCode(err))
	assert.False(t, status.Healthy)
}
