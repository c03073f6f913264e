package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/parley/llm"
	"github.com/BaSui01/parley/types"
)

// scriptedProvider replays canned replies and records the prompts it saw.
type scriptedProvider struct {
	replies []string
	tokens  [][]string
	err     error
	delay   time.Duration
	calls   int
	prompts [][]llm.Message
}

func (p *scriptedProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	p.prompts = append(p.prompts, req.Messages)
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	reply := p.replies[p.calls%len(p.replies)]
	p.calls++
	return &llm.ChatResponse{Content: reply}, nil
}

func (p *scriptedProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	p.prompts = append(p.prompts, req.Messages)
	if p.err != nil {
		return nil, p.err
	}
	toks := p.tokens[p.calls%len(p.tokens)]
	p.calls++

	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		for _, tok := range toks {
			select {
			case out <- llm.StreamChunk{Content: tok}:
			case <-ctx.Done():
				return
			}
		}
		out <- llm.StreamChunk{Done: true}
	}()
	return out, nil
}

func (p *scriptedProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true}, nil
}

func (p *scriptedProvider) Name() string { return "scripted" }

func testBinding(provider llm.Provider, thinking bool) AgentBinding {
	return AgentBinding{
		ID:       "alice",
		Name:     "Alice",
		Persona:  "You are Alice.",
		Model:    "test-model",
		Thinking: thinking,
		Provider: provider,
	}
}

func TestExecuteAppendsReply(t *testing.T) {
	provider := &scriptedProvider{replies: []string{"Hello from Alice"}}
	exec := NewExecutor(testBinding(provider, false), time.Second, nil, nil, nil)
	st := NewState(nil)
	st.Append(types.NewHumanMessage("start"))

	result := exec.Execute(context.Background(), st)
	require.Nil(t, result.Err)
	require.NotNil(t, result.Message)
	assert.Equal(t, "Hello from Alice", result.Message.Content)
	assert.Equal(t, "alice", result.Message.SpeakerID)
	assert.Equal(t, types.KindAI, result.Message.Kind)
	assert.Equal(t, "Alice", result.Message.Attributes[types.AttrAgentName])

	msgs := st.Messages(false)
	require.Len(t, msgs, 2)
	terminated, _ := st.Terminated()
	assert.False(t, terminated)
}

func TestExecutePrependsPersona(t *testing.T) {
	provider := &scriptedProvider{replies: []string{"hi"}}
	exec := NewExecutor(testBinding(provider, false), time.Second, nil, nil, nil)
	st := NewState(nil)
	st.Append(types.NewHumanMessage("start"))

	exec.Execute(context.Background(), st)

	require.Len(t, provider.prompts, 1)
	prompt := provider.prompts[0]
	require.NotEmpty(t, prompt)
	assert.Equal(t, llm.RoleSystem, prompt[0].Role)
	assert.Equal(t, "You are Alice.", prompt[0].Content)
}

func TestExecutePromptSkipsThoughtsAndMarkers(t *testing.T) {
	provider := &scriptedProvider{replies: []string{"reply text"}}
	exec := NewExecutor(testBinding(provider, false), time.Second, nil, nil, nil)
	st := NewState(nil)
	st.Append(types.NewSystemMessage("scene setup"))
	st.Append(types.NewHumanMessage("start"))
	st.Append(types.NewAIMessage("bob", "secret").WithThought())
	st.Append(types.NewCycleMarker(1, []string{"bob"}))

	exec.Execute(context.Background(), st)

	require.Len(t, provider.prompts, 1)
	prompt := provider.prompts[0]
	// System message already opens the history, so no persona is prepended,
	// and neither the thought nor the marker reaches the model.
	require.Len(t, prompt, 2)
	assert.Equal(t, llm.RoleSystem, prompt[0].Role)
	assert.Equal(t, llm.RoleUser, prompt[1].Role)
}

func TestExecuteEmptyReplyIsNoOp(t *testing.T) {
	provider := &scriptedProvider{replies: []string{"...."}}
	exec := NewExecutor(testBinding(provider, false), time.Second, nil, nil, nil)
	st := NewState(nil)
	st.Append(types.NewHumanMessage("start"))

	result := exec.Execute(context.Background(), st)
	assert.Nil(t, result.Message)
	assert.Nil(t, result.Err)
	assert.Equal(t, 1, st.Len())

	terminated, _ := st.Terminated()
	assert.False(t, terminated)
}

func TestExecuteTimeout(t *testing.T) {
	provider := &scriptedProvider{replies: []string{"late"}, delay: 500 * time.Millisecond}
	exec := NewExecutor(testBinding(provider, false), 20*time.Millisecond, nil, nil, nil)
	st := NewState(nil)
	st.Append(types.NewHumanMessage("start"))

	result := exec.Execute(context.Background(), st)
	require.NotNil(t, result.Err)
	assert.Equal(t, types.ErrAgentTimeout, result.Err.Code)

	msgs := st.Messages(false)
	require.Len(t, msgs, 2)
	last := msgs[len(msgs)-1]
	assert.Equal(t, types.KindSystem, last.Kind)
	assert.Contains(t, last.Content, "timed out")
	assert.Contains(t, last.Content, "Alice")

	terminated, reason := st.Terminated()
	require.True(t, terminated)
	assert.Equal(t, ReasonAgentTimeout, reason)
}

func TestExecuteConnectionError(t *testing.T) {
	provider := &scriptedProvider{err: llm.ConnectionError("scripted", assert.AnError)}
	exec := NewExecutor(testBinding(provider, false), time.Second, nil, nil, nil)
	st := NewState(nil)
	st.Append(types.NewHumanMessage("start"))

	result := exec.Execute(context.Background(), st)
	require.NotNil(t, result.Err)
	assert.Equal(t, types.ErrLLMConnection, result.Err.Code)

	last := st.Messages(false)[st.Len()-1]
	assert.Equal(t, types.KindSystem, last.Kind)
	assert.Contains(t, last.Content, "[Error:")

	terminated, reason := st.Terminated()
	require.True(t, terminated)
	assert.Equal(t, ReasonLLMConnection, reason)
}

func TestExecuteUnexpectedError(t *testing.T) {
	provider := &scriptedProvider{err: assert.AnError}
	exec := NewExecutor(testBinding(provider, false), time.Second, nil, nil, nil)
	st := NewState(nil)
	st.Append(types.NewHumanMessage("start"))

	result := exec.Execute(context.Background(), st)
	require.NotNil(t, result.Err)
	assert.Equal(t, types.ErrUnexpected, result.Err.Code)

	last := st.Messages(false)[st.Len()-1]
	assert.Contains(t, last.Content, "[Unexpected error:")

	terminated, reason := st.Terminated()
	require.True(t, terminated)
	assert.Equal(t, ReasonUnexpected, reason)
}

func TestExecuteExternalCancel(t *testing.T) {
	provider := &scriptedProvider{replies: []string{"late"}, delay: time.Second}
	exec := NewExecutor(testBinding(provider, false), 10*time.Second, nil, nil, nil)
	st := NewState(nil)
	st.Append(types.NewHumanMessage("start"))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	result := exec.Execute(ctx, st)
	assert.Nil(t, result.Message)
	assert.Nil(t, result.Err)
	// No transcript entry for an externally cancelled turn.
	assert.Equal(t, 1, st.Len())

	terminated, reason := st.Terminated()
	require.True(t, terminated)
	assert.Equal(t, ReasonManual, reason)
}

func TestExecuteThinkingStream(t *testing.T) {
	provider := &scriptedProvider{tokens: [][]string{{
		"<thinking>", "pondering", "</thinking>", "The answer", " is 42.",
	}}}

	var sunk []string
	sink := func(agentID, token string) { sunk = append(sunk, token) }
	exec := NewExecutor(testBinding(provider, true), time.Second, sink, nil, nil)
	st := NewState(nil)
	st.Append(types.NewHumanMessage("start"))

	result := exec.Execute(context.Background(), st)
	require.Nil(t, result.Err)
	require.NotNil(t, result.Message)
	assert.Equal(t, "The answer is 42.", result.Message.Content)
	assert.Contains(t, result.Thought, "pondering")
	assert.NotEmpty(t, sunk)
}
