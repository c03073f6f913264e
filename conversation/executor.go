package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/parley/internal/metrics"
	"github.com/BaSui01/parley/llm"
	"github.com/BaSui01/parley/tools"
	"github.com/BaSui01/parley/types"
)

// AgentBinding wraps everything the executor needs to run one agent's
// turns: identity, persona, model binding, and optional tools.
type AgentBinding struct {
	ID      string
	Name    string
	Persona string

	// SystemPrompt is the rendered system prompt for this agent. Empty
	// falls back to the raw persona.
	SystemPrompt string

	// Model is the display identifier recorded on produced messages.
	Model string

	// Thinking routes generated content through the thought classifier.
	Thinking bool

	Provider llm.Provider
	Tools    []tools.Tool
}

func (a AgentBinding) systemPrompt() string {
	if a.SystemPrompt != "" {
		return a.SystemPrompt
	}
	return a.Persona
}

// TurnResult reports what one executor invocation did to the state.
type TurnResult struct {
	// Message is the appended ai message. Nil for a no-op (empty) turn and
	// for failures.
	Message *types.Message

	// Thought is the captured internal reasoning, when thinking is enabled.
	Thought string

	// Err is set when a fatal failure was converted into a system message
	// and a termination flag. It never propagates as a panic or a returned
	// error past the turn boundary.
	Err *types.Error
}

// Executor produces exactly zero or one new message for a given agent per
// invocation, under a hard per-turn deadline.
type Executor struct {
	agent     AgentBinding
	timeout   time.Duration
	thoughts  ThoughtSink
	collector *metrics.Collector
	logger    *zap.Logger
}

// NewExecutor creates a turn executor for one agent. thoughts and collector
// may be nil.
func NewExecutor(agent AgentBinding, timeout time.Duration, thoughts ThoughtSink, collector *metrics.Collector, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		agent:     agent,
		timeout:   timeout,
		thoughts:  thoughts,
		collector: collector,
		logger: logger.With(
			zap.String("component", "turn_executor"),
			zap.String("agent_id", agent.ID),
		),
	}
}

// Agent returns the executor's binding.
func (e *Executor) Agent() AgentBinding { return e.agent }

// Execute runs one turn for the agent against st. All failure paths are
// converted into recorded system messages plus a termination flag; the
// state is always left valid.
func (e *Executor) Execute(ctx context.Context, st *State) (result TurnResult) {
	start := time.Now()
	e.logger.Info("agent starting turn", zap.String("agent_name", e.agent.Name))

	defer func() {
		if r := recover(); r != nil {
			result = e.recordFailure(st, types.NewError(types.ErrUnexpected, fmt.Sprintf("panic during turn: %v", r)))
			e.collector.ObserveTurn(e.agent.ID, metrics.OutcomeError, time.Since(start))
		}
	}()

	turnCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var visible, thought string
	var err error
	if e.agent.Thinking {
		visible, thought, err = e.streamTurn(turnCtx, st)
	} else {
		visible, err = e.completionTurn(turnCtx, st)
	}

	if err != nil {
		outcome := metrics.OutcomeError
		switch {
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			result = e.recordFailure(st, types.NewError(types.ErrAgentTimeout,
				fmt.Sprintf("[Agent %s timed out after %s]", e.agent.Name, e.timeout)))
			outcome = metrics.OutcomeTimeout
		case ctx.Err() != nil:
			// External cancellation: stop without a transcript entry.
			st.MarkTerminated(ReasonManual)
			result = TurnResult{}
		case llm.IsConnectionError(err):
			result = e.recordFailure(st, types.NewError(types.ErrLLMConnection, err.Error()).WithCause(err))
		default:
			result = e.recordFailure(st, types.NewError(types.ErrUnexpected, err.Error()).WithCause(err))
		}
		e.collector.ObserveTurn(e.agent.ID, outcome, time.Since(start))
		return result
	}

	if IsEmptyReply(visible) {
		e.logger.Warn("agent produced empty reply, skipping message append")
		e.collector.ObserveTurn(e.agent.ID, metrics.OutcomeEmpty, time.Since(start))
		return TurnResult{Thought: thought}
	}

	msg := types.NewAIMessage(e.agent.ID, visible).WithAttributes(map[string]any{
		types.AttrAgentName: e.agent.Name,
		types.AttrModel:     e.agent.Model,
	})
	st.Append(msg)
	e.collector.ObserveMessage(string(types.KindAI))
	e.collector.ObserveTurn(e.agent.ID, metrics.OutcomeOK, time.Since(start))
	e.logger.Info("agent completed turn", zap.Duration("elapsed", time.Since(start)))
	return TurnResult{Message: &msg, Thought: thought}
}

// completionTurn runs a non-streaming turn; the reply passes through
// normalization only.
func (e *Executor) completionTurn(ctx context.Context, st *State) (string, error) {
	resp, err := e.agent.Provider.Completion(ctx, &llm.ChatRequest{Messages: e.buildPrompt(st)})
	if err != nil {
		return "", err
	}
	return Normalize(resp.Content), nil
}

// streamTurn runs a streaming turn through the thought classifier.
func (e *Executor) streamTurn(ctx context.Context, st *State) (string, string, error) {
	chunks, err := e.agent.Provider.Stream(ctx, &llm.ChatRequest{Messages: e.buildPrompt(st)})
	if err != nil {
		return "", "", err
	}

	classifier := NewClassifier(e.agent.ID, e.sinkThought)
	for chunk := range chunks {
		if chunk.Err != nil {
			return "", "", chunk.Err
		}
		if chunk.Content != "" {
			classifier.Feed(chunk.Content)
		}
	}
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	return classifier.Response(), classifier.Thought(), nil
}

func (e *Executor) sinkThought(agentID, token string) {
	e.collector.AddThoughtTokens(agentID, 1)
	if e.thoughts != nil {
		e.thoughts(agentID, token)
	}
}

// buildPrompt converts the thought-filtered transcript into the message
// list sent to the backend, prepending the agent's persona when the history
// does not already open with a system message.
func (e *Executor) buildPrompt(st *State) []llm.Message {
	history := st.Messages(true)
	out := make([]llm.Message, 0, len(history)+1)

	if len(history) == 0 || history[0].Kind != types.KindSystem {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: e.agent.systemPrompt()})
	}

	for _, msg := range history {
		switch msg.Kind {
		case types.KindHuman:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: msg.Content})
		case types.KindAI:
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: msg.Content, Name: msg.SpeakerID})
		case types.KindSystem:
			out = append(out, llm.Message{Role: llm.RoleSystem, Content: msg.Content})
		case types.KindTool:
			out = append(out, llm.Message{Role: llm.RoleTool, Content: msg.Content, Name: msg.SpeakerID})
		case types.KindCycleMarker:
			// Audit records never reach the model.
		default:
			e.logger.Warn("unrecognized message kind in history", zap.String("kind", string(msg.Kind)))
		}
	}
	return out
}

// recordFailure appends a system message describing the failure and flags
// the conversation for termination with the matching reason.
func (e *Executor) recordFailure(st *State, turnErr *types.Error) TurnResult {
	var reason, content string
	switch turnErr.Code {
	case types.ErrAgentTimeout:
		reason = ReasonAgentTimeout
		content = turnErr.Message
	case types.ErrLLMConnection:
		reason = ReasonLLMConnection
		content = fmt.Sprintf("[Error: %s]", turnErr.Message)
	default:
		reason = ReasonUnexpected
		content = fmt.Sprintf("[Unexpected error: %s]", turnErr.Message)
	}

	e.logger.Error("turn failed",
		zap.String("code", string(turnErr.Code)),
		zap.String("reason", reason),
		zap.Error(turnErr),
	)

	msg := types.NewSystemMessage(content).WithAttributes(map[string]any{
		types.AttrError:   string(turnErr.Code),
		types.AttrAgentID: e.agent.ID,
	})
	st.Append(msg)
	st.MarkTerminated(reason)
	e.collector.ObserveMessage(string(types.KindSystem))
	return TurnResult{Err: turnErr}
}
