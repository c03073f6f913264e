package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/parley/config"
	"github.com/BaSui01/parley/conversation"
	"github.com/BaSui01/parley/llm"
	"github.com/BaSui01/parley/persistence"
)

// fakeProvider satisfies llm.Provider with canned replies.
type fakeProvider struct {
	reply     string
	delay     time.Duration
	healthErr error
}

func (p *fakeProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &llm.ChatResponse{Content: p.reply}, nil
}

func (p *fakeProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	out := make(chan llm.StreamChunk, 2)
	out <- llm.StreamChunk{Content: p.reply}
	out <- llm.StreamChunk{Done: true}
	close(out)
	return out, nil
}

func (p *fakeProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	if p.healthErr != nil {
		return nil, p.healthErr
	}
	return &llm.HealthStatus{Healthy: true}, nil
}

func (p *fakeProvider) Name() string { return "fake" }

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Agents = map[string]config.AgentConfig{
		"alice": {Name: "Alice", Persona: "Persona A.", Model: "model-a"},
		"bob":   {Name: "Bob", Persona: "Persona B.", Model: "model-b"},
	}
	cfg.Scenarios = []config.ScenarioConfig{{
		Name:          "demo",
		Description:   "Two agents talk.",
		Agents:        []string{"alice", "bob"},
		StartingAgent: "alice",
		FirstMessage:  "Please begin.",
		MaxCycles:     2,
		TurnTimeout:   time.Second,
	}}
	return cfg
}

func newTestService(t *testing.T, provider llm.Provider) (*Service, *httptest.Server) {
	t.Helper()
	svc := NewService(Options{
		Config: testConfig(),
		Store:  persistence.NewMemoryStore(),
		Providers: func(config.AgentConfig) llm.Provider {
			return provider
		},
	})
	srv := httptest.NewServer(svc.Routes())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		svc.Shutdown(ctx)
		srv.Close()
	})
	return svc, srv
}

func decodeResponse(t *testing.T, resp *http.Response) Response {
	t.Helper()
	defer resp.Body.Close()
	var envelope Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return envelope
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func waitForPhase(t *testing.T, svc *Service, phase conversation.Phase) {
	t.Helper()
	require.Eventually(t, func() bool {
		svc.mu.Lock()
		defer svc.mu.Unlock()
		return svc.orch != nil && svc.orch.Status().Phase == phase
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStartRunsConversation(t *testing.T) {
	svc, srv := newTestService(t, &fakeProvider{reply: "A reply with plenty of substance."})

	resp := postJSON(t, srv.URL+"/api/conversation/start", startRequest{Scenario: "demo"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	envelope := decodeResponse(t, resp)
	require.True(t, envelope.Success)

	waitForPhase(t, svc, conversation.PhaseTerminated)

	statusResp, err := http.Get(srv.URL + "/api/conversation/status")
	require.NoError(t, err)
	envelope = decodeResponse(t, statusResp)
	data, _ := json.Marshal(envelope.Data)
	var status conversation.Status
	require.NoError(t, json.Unmarshal(data, &status))
	assert.Equal(t, conversation.PhaseTerminated, status.Phase)
	assert.Equal(t, conversation.ReasonMaxCycles, status.TerminationReason)
	assert.Equal(t, 2, status.CurrentCycle)
}

func TestStartUnknownScenario(t *testing.T) {
	_, srv := newTestService(t, &fakeProvider{reply: "hi"})

	resp := postJSON(t, srv.URL+"/api/conversation/start", startRequest{Scenario: "ghost"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	envelope := decodeResponse(t, resp)
	assert.False(t, envelope.Success)
	assert.Equal(t, "SCENARIO_NOT_FOUND", envelope.Error.Code)
}

func TestStartWhileRunningConflicts(t *testing.T) {
	svc, srv := newTestService(t, &fakeProvider{
		reply: "slow reply with plenty of substance",
		delay: 300 * time.Millisecond,
	})

	resp := postJSON(t, srv.URL+"/api/conversation/start", startRequest{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	waitForPhase(t, svc, conversation.PhaseRunning)

	resp = postJSON(t, srv.URL+"/api/conversation/start", startRequest{})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	envelope := decodeResponse(t, resp)
	assert.Equal(t, "CONVERSATION_ACTIVE", envelope.Error.Code)
}

func TestStartFailsOnUnhealthyBackend(t *testing.T) {
	_, srv := newTestService(t, &fakeProvider{
		healthErr: llm.ConnectionError("fake", assert.AnError),
	})

	resp := postJSON(t, srv.URL+"/api/conversation/start", startRequest{})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestStopWithoutConversation(t *testing.T) {
	_, srv := newTestService(t, &fakeProvider{reply: "hi"})

	resp := postJSON(t, srv.URL+"/api/conversation/stop", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	envelope := decodeResponse(t, resp)
	assert.Equal(t, "NO_CONVERSATION", envelope.Error.Code)
}

func TestStopTerminatesRun(t *testing.T) {
	svc, srv := newTestService(t, &fakeProvider{
		reply: "slow reply with plenty of substance",
		delay: 200 * time.Millisecond,
	})

	resp := postJSON(t, srv.URL+"/api/conversation/start", startRequest{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	waitForPhase(t, svc, conversation.PhaseRunning)

	resp = postJSON(t, srv.URL+"/api/conversation/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	envelope := decodeResponse(t, resp)
	require.True(t, envelope.Success)

	waitForPhase(t, svc, conversation.PhaseTerminated)
}

func TestStateEndpoint(t *testing.T) {
	svc, srv := newTestService(t, &fakeProvider{reply: "A reply with plenty of substance."})

	resp, err := http.Get(srv.URL + "/api/conversation/state")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/conversation/start", startRequest{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	waitForPhase(t, svc, conversation.PhaseTerminated)

	resp, err = http.Get(srv.URL + "/api/conversation/state")
	require.NoError(t, err)
	envelope := decodeResponse(t, resp)
	require.True(t, envelope.Success)

	data, _ := json.Marshal(envelope.Data)
	var rec conversation.Record
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.True(t, rec.ShouldTerminate)
	assert.NotEmpty(t, rec.Messages)
}

func TestScenariosEndpoint(t *testing.T) {
	_, srv := newTestService(t, &fakeProvider{reply: "hi"})

	resp, err := http.Get(srv.URL + "/api/scenarios")
	require.NoError(t, err)
	envelope := decodeResponse(t, resp)
	require.True(t, envelope.Success)

	data, _ := json.Marshal(envelope.Data)
	var scenarios []scenarioInfo
	require.NoError(t, json.Unmarshal(data, &scenarios))
	require.Len(t, scenarios, 1)
	assert.Equal(t, "demo", scenarios[0].Name)
	assert.Equal(t, []string{"alice", "bob"}, scenarios[0].Agents)
}

func TestHistoryEndpoint(t *testing.T) {
	svc, srv := newTestService(t, &fakeProvider{reply: "A reply with plenty of substance."})

	resp := postJSON(t, srv.URL+"/api/conversation/start", startRequest{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	waitForPhase(t, svc, conversation.PhaseTerminated)

	resp, err := http.Get(srv.URL + "/api/conversations")
	require.NoError(t, err)
	envelope := decodeResponse(t, resp)
	require.True(t, envelope.Success)

	data, _ := json.Marshal(envelope.Data)
	var summaries []persistence.Summary
	require.NoError(t, json.Unmarshal(data, &summaries))
	require.Len(t, summaries, 1)
}

func TestHealthz(t *testing.T) {
	_, srv := newTestService(t, &fakeProvider{reply: "hi"})

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
