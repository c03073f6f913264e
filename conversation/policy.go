package conversation

import (
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/parley/types"
)

// Machine-readable termination reasons.
const (
	ReasonManual        = "manual_termination"
	ReasonMaxCycles     = "max_cycles_reached"
	ReasonKeyword       = "keyword_trigger"
	ReasonSilence       = "silence_detected"
	ReasonAgentTimeout  = "agent_timeout"
	ReasonLLMConnection = "llm_connection_error"
	ReasonUnexpected    = "unexpected_error"
)

// keyword checks look at this many trailing non-thought messages
const keywordWindow = 5

// a message is substantive if more than this many word/space characters remain
const substantiveThreshold = 20

var nonWordPattern = regexp.MustCompile(`[^\w\s]`)

// TerminationConditions configure early termination. Immutable once a run
// starts.
type TerminationConditions struct {
	// KeywordTriggers are case-insensitive substrings that end the
	// conversation when found in a recent non-thought message.
	KeywordTriggers []string `yaml:"keyword_triggers" json:"keyword_triggers,omitempty"`

	// SilenceDetection ends the conversation after this many consecutive
	// cycles without a substantive message. Zero disables the check.
	SilenceDetection int `yaml:"silence_detection" json:"silence_detection,omitempty"`
}

// Evaluator tracks the turn/cycle counter and decides when a conversation
// must stop. One cycle is one completed agent turn, not a full roster round.
type Evaluator struct {
	agentIDs   map[string]struct{}
	maxCycles  int
	conditions TerminationConditions
	logger     *zap.Logger

	mu        sync.Mutex
	completed int
}

// NewEvaluator creates an evaluator over the given roster.
func NewEvaluator(agentIDs []string, maxCycles int, conditions TerminationConditions, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	ids := make(map[string]struct{}, len(agentIDs))
	for _, id := range agentIDs {
		ids[id] = struct{}{}
	}
	return &Evaluator{
		agentIDs:   ids,
		maxCycles:  maxCycles,
		conditions: conditions,
		logger:     logger.With(zap.String("component", "cycle_evaluator")),
	}
}

// RegisterTurn records a completed turn for agentID and returns the new
// cycle count. Unknown agents are logged and ignored without incrementing.
func (e *Evaluator) RegisterTurn(agentID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.agentIDs[agentID]; !ok {
		e.logger.Warn("unknown agent attempted to register turn",
			zap.String("agent_id", agentID),
			zap.String("code", string(types.ErrUnknownAgent)),
		)
		return e.completed
	}
	e.completed++
	e.logger.Info("agent completed turn",
		zap.String("agent_id", agentID),
		zap.Int("cycle", e.completed),
	)
	return e.completed
}

// CyclesCompleted returns the current counter value.
func (e *Evaluator) CyclesCompleted() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.completed
}

// Reset zeroes the counter for a fresh run on a reused evaluator.
func (e *Evaluator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.completed = 0
}

// CheckTermination decides whether the conversation must stop. Checks run
// in precedence order and the first match wins. Calling it repeatedly
// without an intervening RegisterTurn returns the same result.
func (e *Evaluator) CheckTermination(st *State) (bool, string) {
	if terminated, reason := st.Terminated(); terminated {
		if reason == "" {
			reason = ReasonManual
		}
		return true, reason
	}

	if e.CyclesCompleted() >= e.maxCycles {
		e.logger.Info("max cycles reached", zap.Int("max_cycles", e.maxCycles))
		return true, ReasonMaxCycles
	}

	messages := st.Messages(true)

	if len(e.conditions.KeywordTriggers) > 0 && e.keywordTriggered(messages) {
		return true, ReasonKeyword
	}

	if e.conditions.SilenceDetection > 0 && e.silenceDetected(messages) {
		return true, ReasonSilence
	}

	return false, ""
}

// keywordTriggered scans the trailing window of non-thought messages for a
// configured trigger, matching case-insensitively on ai/human kinds only.
func (e *Evaluator) keywordTriggered(messages []types.Message) bool {
	window := messages
	if len(window) > keywordWindow {
		window = window[len(window)-keywordWindow:]
	}

	for _, msg := range window {
		if msg.Kind != types.KindAI && msg.Kind != types.KindHuman {
			continue
		}
		content := strings.ToLower(msg.Content)
		for _, keyword := range e.conditions.KeywordTriggers {
			if strings.Contains(content, strings.ToLower(keyword)) {
				e.logger.Info("keyword trigger detected",
					zap.String("keyword", keyword),
					zap.String("agent_id", msg.SpeakerID),
				)
				return true
			}
		}
	}
	return false
}

// silenceDetected reports whether no ai message carries substantive content
// any more. Only consulted once the cycle count reaches the configured
// threshold.
func (e *Evaluator) silenceDetected(messages []types.Message) bool {
	if e.CyclesCompleted() < e.conditions.SilenceDetection {
		return false
	}

	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg.Kind != types.KindAI || msg.IsThought {
			continue
		}
		cleaned := nonWordPattern.ReplaceAllString(strings.TrimSpace(msg.Content), "")
		if len([]rune(cleaned)) > substantiveThreshold {
			return false
		}
	}
	e.logger.Info("silence detected",
		zap.Int("threshold", e.conditions.SilenceDetection))
	return true
}
