package conversation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/parley/internal/metrics"
	"github.com/BaSui01/parley/tools"
	"github.com/BaSui01/parley/types"
)

// Phase of an orchestrated conversation. Terminated is absorbing.
type Phase string

const (
	PhaseNotStarted Phase = "not_started"
	PhaseRunning    Phase = "running"
	PhaseTerminated Phase = "terminated"
)

// Metadata keys recorded on every conversation.
const (
	MetaConversationID = "conversation_id"
	MetaStartedAt      = "started_at"
	MetaScenarioName   = "scenario_name"
	MetaMaxCycles      = "max_cycles"
	MetaAgents         = "agents"
)

// Config describes one conversation run: the resolved scenario.
type Config struct {
	ScenarioName  string
	Agents        []AgentBinding // ordered roster; order defines round-robin rotation
	StartingAgent string
	MaxCycles     int
	TurnTimeout   time.Duration
	FirstMessage  string
	Termination   TerminationConditions
}

// Checkpointer persists serialized conversation state between steps.
type Checkpointer interface {
	SaveCheckpoint(ctx context.Context, conversationID string, state []byte) error
}

// RunInfo is the metadata returned by Start.
type RunInfo struct {
	ConversationID string    `json:"conversation_id"`
	StartedAt      time.Time `json:"started_at"`
	ScenarioName   string    `json:"scenario_name,omitempty"`
	Agents         []string  `json:"agents"`
	MaxCycles      int       `json:"max_cycles"`
}

// Status is the synchronous query surface exposed to observers.
type Status struct {
	Phase             Phase  `json:"phase"`
	ConversationID    string `json:"conversation_id,omitempty"`
	CurrentCycle      int    `json:"current_cycle"`
	MessageCount      int    `json:"message_count"`
	TerminationReason string `json:"termination_reason,omitempty"`
}

// Orchestrator owns the roster for one scenario and drives the turn loop:
// it computes the next speaker, runs the turn executor, consults the policy
// evaluator, and emits structured events. It is the sole writer of the live
// state during a run.
type Orchestrator struct {
	config    Config
	evaluator *Evaluator
	logger    *zap.Logger

	// optional collaborators, injected before Start
	sink       EventSink
	thoughts   ThoughtSink
	checkpoint Checkpointer
	supervisor tools.Supervisor
	collector  *metrics.Collector

	mu             sync.Mutex
	phase          Phase
	state          *State
	executors      map[string]*Executor
	conversationID string
	endedEmitted   bool
	runCancel      context.CancelFunc
}

// NewOrchestrator creates an orchestrator for the given scenario config.
func NewOrchestrator(config Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	agentIDs := make([]string, 0, len(config.Agents))
	for _, a := range config.Agents {
		agentIDs = append(agentIDs, a.ID)
	}
	return &Orchestrator{
		config:    config,
		evaluator: NewEvaluator(agentIDs, config.MaxCycles, config.Termination, logger),
		logger:    logger.With(zap.String("component", "orchestrator")),
		phase:     PhaseNotStarted,
	}
}

// SetEventSink injects the observer broadcast sink.
func (o *Orchestrator) SetEventSink(sink EventSink) { o.sink = sink }

// SetThoughtSink injects the live thought-token sink.
func (o *Orchestrator) SetThoughtSink(sink ThoughtSink) { o.thoughts = sink }

// SetCheckpointer injects checkpoint persistence.
func (o *Orchestrator) SetCheckpointer(cp Checkpointer) { o.checkpoint = cp }

// SetSupervisor injects the tool supervisor used for late tool discovery.
func (o *Orchestrator) SetSupervisor(sup tools.Supervisor) { o.supervisor = sup }

// SetMetrics injects the metrics collector.
func (o *Orchestrator) SetMetrics(c *metrics.Collector) { o.collector = c }

// validate checks the scenario before any state is constructed.
func (o *Orchestrator) validate() error {
	if len(o.config.Agents) < 2 {
		return types.NewError(types.ErrInvalidConfig, "at least two roster agents are required")
	}
	seen := make(map[string]struct{}, len(o.config.Agents))
	for _, a := range o.config.Agents {
		if a.ID == "" {
			return types.NewError(types.ErrInvalidConfig, "agent id must not be empty")
		}
		if a.ID == types.SpeakerUser || a.ID == types.SpeakerSystem {
			return types.NewError(types.ErrInvalidConfig, fmt.Sprintf("agent id %q is reserved", a.ID))
		}
		if _, dup := seen[a.ID]; dup {
			return types.NewError(types.ErrInvalidConfig, fmt.Sprintf("duplicate agent id %q", a.ID))
		}
		seen[a.ID] = struct{}{}
		if a.Provider == nil {
			return types.NewError(types.ErrInvalidConfig, fmt.Sprintf("agent %q has no model binding", a.ID))
		}
	}
	if _, ok := seen[o.config.StartingAgent]; !ok {
		return types.NewError(types.ErrInvalidConfig,
			fmt.Sprintf("starting agent %q not found in roster", o.config.StartingAgent))
	}
	if o.config.FirstMessage == "" {
		return types.NewError(types.ErrInvalidConfig, "an opening message is required")
	}
	if o.config.MaxCycles < 1 {
		return types.NewError(types.ErrInvalidConfig, "max_cycles must be at least 1")
	}
	if o.config.TurnTimeout <= 0 {
		return types.NewError(types.ErrInvalidConfig, "turn_timeout must be positive")
	}
	return nil
}

// Start validates the configuration, constructs the initial state (system
// messages for every roster agent plus the opening human message), resets
// the policy evaluator, and returns the run metadata.
func (o *Orchestrator) Start(ctx context.Context) (*RunInfo, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.validate(); err != nil {
		return nil, err
	}

	agentIDs := make([]string, 0, len(o.config.Agents))
	for _, a := range o.config.Agents {
		agentIDs = append(agentIDs, a.ID)
	}

	o.conversationID = uuid.New().String()
	startedAt := time.Now().UTC()

	st := NewState(map[string]any{
		MetaConversationID: o.conversationID,
		MetaStartedAt:      startedAt.Format(time.RFC3339),
		MetaScenarioName:   o.config.ScenarioName,
		MetaMaxCycles:      o.config.MaxCycles,
		MetaAgents:         agentIDs,
	})

	for _, a := range o.config.Agents {
		msg := types.Message{
			Content:   a.systemPrompt(),
			SpeakerID: a.ID,
			Timestamp: time.Now().UTC(),
			Kind:      types.KindSystem,
			Attributes: map[string]any{
				types.AttrAgentName: a.Name,
				types.AttrPurpose:   "system_prompt",
			},
		}
		st.Append(msg)
		o.collector.ObserveMessage(string(types.KindSystem))
	}

	opening := types.NewHumanMessage(o.config.FirstMessage).WithAttributes(map[string]any{
		types.AttrPurpose: "conversation_starter",
	})
	st.Append(opening)
	o.collector.ObserveMessage(string(types.KindHuman))
	st.SetNextAgent(o.config.StartingAgent)

	o.buildExecutors()
	o.evaluator.Reset()
	o.state = st
	o.phase = PhaseRunning
	o.endedEmitted = false

	o.logger.Info("conversation started",
		zap.String("conversation_id", o.conversationID),
		zap.Strings("agents", agentIDs),
		zap.Int("max_cycles", o.config.MaxCycles),
		zap.String("starting_agent", o.config.StartingAgent),
	)

	o.publish(newEvent(EventConversationStarted, o.conversationID, map[string]any{
		"max_cycles":     o.config.MaxCycles,
		"starting_agent": o.config.StartingAgent,
		"agents":         agentIDs,
	}))

	return &RunInfo{
		ConversationID: o.conversationID,
		StartedAt:      startedAt,
		ScenarioName:   o.config.ScenarioName,
		Agents:         agentIDs,
		MaxCycles:      o.config.MaxCycles,
	}, nil
}

// buildExecutors (re)creates the agent-to-executor bindings. Rebuilding
// never touches the state, so already-appended messages are preserved.
func (o *Orchestrator) buildExecutors() {
	executors := make(map[string]*Executor, len(o.config.Agents))
	for i := range o.config.Agents {
		binding := o.config.Agents[i]
		if o.supervisor != nil {
			binding.Tools = o.supervisor.ToolsFor(binding.ID)
			o.config.Agents[i].Tools = binding.Tools
		}
		executors[binding.ID] = NewExecutor(binding, o.config.TurnTimeout, o.thoughts, o.collector, o.logger)
	}
	o.executors = executors
}

// rebindTools refreshes executor bindings when late tool discovery changed
// an agent's tool set.
func (o *Orchestrator) rebindTools() {
	if o.supervisor == nil {
		return
	}
	changed := false
	for _, a := range o.config.Agents {
		if len(o.supervisor.ToolsFor(a.ID)) != len(a.Tools) {
			changed = true
			break
		}
	}
	if changed {
		o.logger.Info("tool set changed, rebinding executors")
		o.buildExecutors()
	}
}

// RouteNext selects the next speaker. The second return is false when the
// conversation is over; once the termination flag is set this is absorbing.
func (o *Orchestrator) RouteNext(st *State) (string, bool) {
	if terminated, reason := st.Terminated(); terminated {
		o.logger.Debug("routing to termination", zap.String("reason", reason))
		return "", false
	}

	index := make(map[string]int, len(o.config.Agents))
	for i, a := range o.config.Agents {
		index[a.ID] = i
	}

	messages := st.Messages(false)
	for i := len(messages) - 1; i >= 0; i-- {
		if pos, ok := index[messages[i].SpeakerID]; ok && messages[i].Kind != types.KindSystem {
			next := o.config.Agents[(pos+1)%len(o.config.Agents)].ID
			return next, true
		}
	}
	return o.config.StartingAgent, true
}

// Step runs one turn for agentID: execute, register the turn and append
// its cycle marker, then evaluate termination. Failed turns register no
// cycle; their failure is already recorded in the state, never returned as
// an error.
func (o *Orchestrator) Step(ctx context.Context, agentID string) TurnResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.step(ctx, agentID)
}

func (o *Orchestrator) step(ctx context.Context, agentID string) TurnResult {
	st := o.state
	exec, ok := o.executors[agentID]
	if !ok {
		o.logger.Warn("step requested for unknown agent",
			zap.String("agent_id", agentID),
			zap.String("code", string(types.ErrUnknownAgent)),
		)
		return TurnResult{}
	}

	o.rebindTools()

	result := exec.Execute(ctx, st)

	if ctx.Err() != nil && result.Message == nil && result.Err == nil {
		// Cancelled mid-turn: no marker, the turn never completed.
		o.finish(ReasonManual)
		return result
	}

	// Only completed turns count a cycle and get a marker. A failed turn
	// has already recorded its failure as a system message plus a
	// termination flag.
	var cycle int
	if result.Err == nil {
		cycle = o.evaluator.RegisterTurn(agentID)
		st.Append(types.NewCycleMarker(cycle, []string{agentID}))
		st.SetCurrentCycle(cycle)
		o.collector.ObserveMessage(string(types.KindCycleMarker))
	}
	st.SetNextAgent("")

	if result.Message != nil {
		o.publish(newEvent(EventConversationMessage, o.conversationID, map[string]any{
			"agent_id":   agentID,
			"agent_name": exec.Agent().Name,
			"content":    result.Message.Content,
			"timestamp":  result.Message.Timestamp.Format(time.RFC3339),
			"cycle":      cycle,
		}))
	}
	if result.Err != nil {
		o.publish(newEvent(EventConversationError, o.conversationID, map[string]any{
			"agent_id":   agentID,
			"error":      result.Err.Message,
			"error_type": string(result.Err.Code),
		}))
	}

	if terminate, reason := o.evaluator.CheckTermination(st); terminate {
		st.MarkTerminated(reason)
		o.finish(reason)
	} else if next, ok := o.RouteNext(st); ok {
		st.SetNextAgent(next)
	}

	o.saveCheckpoint(ctx)
	return result
}

// finish transitions to the terminated phase and emits the ended event,
// exactly once.
func (o *Orchestrator) finish(reason string) {
	if o.endedEmitted {
		return
	}
	o.endedEmitted = true
	o.phase = PhaseTerminated
	o.collector.ObserveTermination(reason)
	o.logger.Info("conversation completed",
		zap.String("reason", reason),
		zap.Int("cycles_completed", o.evaluator.CyclesCompleted()),
	)
	o.publish(newEvent(EventConversationEnded, o.conversationID, map[string]any{
		"reason":           reason,
		"cycles_completed": o.evaluator.CyclesCompleted(),
		"message_count":    o.state.Len(),
	}))
}

// Run drives the conversation to completion: route, step, repeat until the
// terminal state is reached or ctx is cancelled between turns.
func (o *Orchestrator) Run(ctx context.Context) (*State, error) {
	return o.runLoop(ctx, -1)
}

// RunNCycles runs at most n turns, stopping earlier on termination.
func (o *Orchestrator) RunNCycles(ctx context.Context, n int) (*State, error) {
	return o.runLoop(ctx, n)
}

func (o *Orchestrator) runLoop(ctx context.Context, limit int) (*State, error) {
	o.mu.Lock()
	if o.phase == PhaseNotStarted {
		o.mu.Unlock()
		return nil, types.NewError(types.ErrInvalidConfig, "conversation not started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.runCancel = cancel
	st := o.state
	o.mu.Unlock()
	defer cancel()

	for steps := 0; limit < 0 || steps < limit; steps++ {
		if runCtx.Err() != nil {
			o.mu.Lock()
			st.MarkTerminated(ReasonManual)
			o.finish(ReasonManual)
			o.mu.Unlock()
			break
		}

		agentID, ok := o.RouteNext(st)
		if !ok {
			o.mu.Lock()
			_, reason := st.Terminated()
			o.finish(reason)
			o.mu.Unlock()
			break
		}
		o.Step(runCtx, agentID)
	}
	return st, nil
}

// Stop requests termination. It takes effect between turns at latest; an
// in-flight LLM call is cancelled through the run context.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != nil {
		o.state.MarkTerminated(ReasonManual)
	}
	if o.runCancel != nil {
		o.runCancel()
	}
}

// CurrentState returns a consistent snapshot of the live state.
func (o *Orchestrator) CurrentState() (Record, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == nil {
		return Record{}, false
	}
	return o.state.Snapshot(), true
}

// Status reports the run phase and counters.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := Status{Phase: o.phase, ConversationID: o.conversationID}
	if o.state != nil {
		s.CurrentCycle = o.state.CurrentCycle()
		s.MessageCount = o.state.Len()
		_, s.TerminationReason = o.state.Terminated()
	}
	return s
}

// publish delivers an event to the sink, fire-and-forget.
func (o *Orchestrator) publish(event Event) {
	if o.sink == nil {
		return
	}
	if err := o.sink.Publish(event); err != nil {
		o.collector.ObserveBroadcastFailure()
		o.logger.Error("event broadcast failed",
			zap.String("event_type", string(event.Type)),
			zap.Error(err),
		)
	}
}

// saveCheckpoint persists the serialized state; failures degrade to logs.
func (o *Orchestrator) saveCheckpoint(ctx context.Context) {
	if o.checkpoint == nil {
		return
	}
	data, err := o.state.Serialize()
	if err != nil {
		o.logger.Error("checkpoint serialization failed", zap.Error(err))
		return
	}
	if err := o.checkpoint.SaveCheckpoint(ctx, o.conversationID, data); err != nil {
		o.logger.Error("checkpoint save failed", zap.Error(err))
	}
}
