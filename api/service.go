package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/parley/config"
	"github.com/BaSui01/parley/conversation"
	"github.com/BaSui01/parley/internal/metrics"
	"github.com/BaSui01/parley/llm"
	"github.com/BaSui01/parley/llm/providers/ollama"
	"github.com/BaSui01/parley/persistence"
	"github.com/BaSui01/parley/prompt"
	"github.com/BaSui01/parley/tools"
	"github.com/BaSui01/parley/transport"
	"github.com/BaSui01/parley/types"
)

// providerFactory builds the model binding for one agent. Swappable in
// tests.
type providerFactory func(agent config.AgentConfig) llm.Provider

// Options are the collaborators injected into the service. All fields
// except Config are optional.
type Options struct {
	Config         *config.Config
	Hub            *transport.Hub
	Store          persistence.CheckpointStore
	Supervisor     tools.Supervisor
	Collector      *metrics.Collector
	MetricsHandler http.Handler
	Logger         *zap.Logger

	// Providers overrides the default Ollama factory.
	Providers providerFactory
}

// Service owns the single active conversation run and serves the control
// plane endpoints.
type Service struct {
	cfg            *config.Config
	hub            *transport.Hub
	store          persistence.CheckpointStore
	supervisor     tools.Supervisor
	collector      *metrics.Collector
	metricsHandler http.Handler
	providers      providerFactory
	logger         *zap.Logger

	mu        sync.Mutex
	orch      *conversation.Orchestrator
	cancelRun context.CancelFunc
	runDone   chan struct{}
}

// NewService wires a control plane service from its collaborators.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		cfg:            opts.Config,
		hub:            opts.Hub,
		store:          opts.Store,
		supervisor:     opts.Supervisor,
		collector:      opts.Collector,
		metricsHandler: opts.MetricsHandler,
		providers:      opts.Providers,
		logger:         logger.With(zap.String("component", "api")),
	}
	if s.providers == nil {
		s.providers = func(agent config.AgentConfig) llm.Provider {
			return ollama.New(ollama.Config{
				URL:        opts.Config.LLM.URL,
				Model:      agent.Model,
				Parameters: agent.Parameters,
			}, logger)
		}
	}
	return s
}

// Routes returns the control plane mux.
func (s *Service) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/conversation/start", s.handleStart)
	mux.HandleFunc("POST /api/conversation/stop", s.handleStop)
	mux.HandleFunc("GET /api/conversation/status", s.handleStatus)
	mux.HandleFunc("GET /api/conversation/state", s.handleState)
	mux.HandleFunc("GET /api/conversations", s.handleHistory)
	mux.HandleFunc("GET /api/scenarios", s.handleScenarios)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
	if s.hub != nil {
		mux.HandleFunc("GET /ws", s.hub.HandleEvents)
		mux.HandleFunc("GET /ws/agent/{id}", func(w http.ResponseWriter, r *http.Request) {
			s.hub.HandleThoughts(r.PathValue("id"))(w, r)
		})
	}
	return mux
}

type startRequest struct {
	Scenario string `json:"scenario"`
}

func (s *Service) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if r.Body != nil {
		// An empty body selects the first scenario.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	scenario, ok := s.cfg.Scenario(req.Scenario)
	if !ok {
		WriteError(w, types.NewError(types.ErrScenarioNotFound,
			fmt.Sprintf("scenario %q not found", req.Scenario)), s.logger)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.orch != nil && s.orch.Status().Phase == conversation.PhaseRunning {
		WriteError(w, types.NewError(types.ErrConversationActive,
			"a conversation is already running"), s.logger)
		return
	}

	bindings, err := s.buildBindings(scenario)
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	if err := s.verifyBackends(r.Context(), bindings); err != nil {
		s.writeTypedError(w, err)
		return
	}

	orch := conversation.NewOrchestrator(conversation.Config{
		ScenarioName:  scenario.Name,
		Agents:        bindings,
		StartingAgent: scenario.StartingAgent,
		MaxCycles:     scenario.MaxCycles,
		TurnTimeout:   scenario.TurnTimeout,
		FirstMessage:  scenario.FirstMessage,
		Termination:   scenario.Termination,
	}, s.logger)
	if s.hub != nil {
		orch.SetEventSink(s.hub)
		orch.SetThoughtSink(s.hub.ThoughtSink())
	}
	if s.store != nil {
		orch.SetCheckpointer(s.store)
	}
	if s.supervisor != nil {
		orch.SetSupervisor(s.supervisor)
	}
	if s.collector != nil {
		orch.SetMetrics(s.collector)
	}

	info, err := orch.Start(r.Context())
	if err != nil {
		s.writeTypedError(w, err)
		return
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.orch = orch
	s.cancelRun = cancel
	s.runDone = done

	go func() {
		defer close(done)
		defer cancel()
		if _, err := orch.Run(runCtx); err != nil {
			s.logger.Error("conversation run failed", zap.Error(err))
		}
	}()

	WriteSuccess(w, info)
}

func (s *Service) handleStop(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	orch := s.orch
	done := s.runDone
	s.mu.Unlock()

	if orch == nil {
		WriteError(w, types.NewError(types.ErrNoConversation, "no conversation to stop"), s.logger)
		return
	}

	orch.Stop()
	if done != nil {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			s.logger.Warn("conversation did not stop within the grace period")
		case <-r.Context().Done():
		}
	}
	WriteSuccess(w, orch.Status())
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	orch := s.orch
	s.mu.Unlock()

	if orch == nil {
		WriteSuccess(w, conversation.Status{Phase: conversation.PhaseNotStarted})
		return
	}
	WriteSuccess(w, orch.Status())
}

func (s *Service) handleState(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	orch := s.orch
	s.mu.Unlock()

	if orch == nil {
		WriteError(w, types.NewError(types.ErrNoConversation, "no conversation started"), s.logger)
		return
	}
	rec, ok := orch.CurrentState()
	if !ok {
		WriteError(w, types.NewError(types.ErrNoConversation, "no conversation started"), s.logger)
		return
	}
	WriteSuccess(w, rec)
}

func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		WriteSuccess(w, []persistence.Summary{})
		return
	}
	summaries, err := s.store.ListConversations(r.Context())
	if err != nil {
		WriteError(w, types.NewError(types.ErrUnexpected, "list conversations").WithCause(err), s.logger)
		return
	}
	if summaries == nil {
		summaries = []persistence.Summary{}
	}
	WriteSuccess(w, summaries)
}

// scenarioInfo is the public shape of one catalogue entry.
type scenarioInfo struct {
	Name          string   `json:"name"`
	Description   string   `json:"description,omitempty"`
	Agents        []string `json:"agents"`
	StartingAgent string   `json:"starting_agent"`
	MaxCycles     int      `json:"max_cycles"`
	FirstMessage  string   `json:"first_message"`
}

func (s *Service) handleScenarios(w http.ResponseWriter, r *http.Request) {
	out := make([]scenarioInfo, 0, len(s.cfg.Scenarios))
	for _, sc := range s.cfg.Scenarios {
		out = append(out, scenarioInfo{
			Name:          sc.Name,
			Description:   sc.Description,
			Agents:        sc.Agents,
			StartingAgent: sc.StartingAgent,
			MaxCycles:     sc.MaxCycles,
			FirstMessage:  sc.FirstMessage,
		})
	}
	WriteSuccess(w, out)
}

type healthReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := healthReport{Status: "healthy", Checks: map[string]string{}}

	if s.supervisor != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		if err := s.supervisor.Healthy(ctx); err != nil {
			report.Status = "degraded"
			report.Checks["tool_servers"] = err.Error()
		} else {
			report.Checks["tool_servers"] = "ok"
		}
		cancel()
	}

	status := http.StatusOK
	if report.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	WriteJSON(w, status, report)
}

// buildBindings resolves the scenario roster into executor bindings with
// rendered system prompts and current tool sets.
func (s *Service) buildBindings(scenario config.ScenarioConfig) ([]conversation.AgentBinding, error) {
	bindings := make([]conversation.AgentBinding, 0, len(scenario.Agents))
	for _, id := range scenario.Agents {
		agent, ok := s.cfg.Agents[id]
		if !ok {
			return nil, types.NewError(types.ErrUnknownAgent,
				fmt.Sprintf("agent %q is not configured", id))
		}

		var agentTools []tools.Tool
		if s.supervisor != nil {
			agentTools = s.supervisor.ToolsFor(id)
		}
		toolNames := make([]string, 0, len(agentTools))
		for _, tool := range agentTools {
			toolNames = append(toolNames, tool.Name())
		}

		builder, err := prompt.NewBuilder(agent.PromptTemplate)
		if err != nil {
			return nil, err
		}
		systemPrompt, err := builder.Render(prompt.Context{
			AgentName:    agent.Name,
			Persona:      agent.Persona,
			ScenarioName: scenario.Name,
			Goal:         scenario.Goal,
			MaxCycles:    scenario.MaxCycles,
			Brevity:      scenario.Brevity,
			ToolNames:    toolNames,
		})
		if err != nil {
			return nil, err
		}

		bindings = append(bindings, conversation.AgentBinding{
			ID:           id,
			Name:         agent.Name,
			Persona:      agent.Persona,
			SystemPrompt: systemPrompt,
			Model:        agent.Model,
			Thinking:     agent.Thinking,
			Provider:     s.providers(agent),
			Tools:        agentTools,
		})
	}
	return bindings, nil
}

// verifyBackends health-checks every distinct model binding before the run
// starts, so connectivity and missing models surface as start errors
// instead of first-turn failures.
func (s *Service) verifyBackends(ctx context.Context, bindings []conversation.AgentBinding) error {
	timeout := s.cfg.LLM.HealthTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	seen := make(map[string]struct{}, len(bindings))
	for _, b := range bindings {
		if _, done := seen[b.Model]; done {
			continue
		}
		seen[b.Model] = struct{}{}

		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		_, err := b.Provider.HealthCheck(probeCtx)
		cancel()
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) writeTypedError(w http.ResponseWriter, err error) {
	if typed, ok := err.(*types.Error); ok {
		WriteError(w, typed, s.logger)
		return
	}
	WriteError(w, types.NewError(types.ErrUnexpected, err.Error()).WithCause(err), s.logger)
}

// Shutdown stops any active run and waits briefly for it to finish.
func (s *Service) Shutdown(ctx context.Context) {
	s.mu.Lock()
	orch := s.orch
	cancel := s.cancelRun
	done := s.runDone
	s.mu.Unlock()

	if orch != nil {
		orch.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
}
