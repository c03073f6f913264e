package conversation

import (
	"regexp"
	"strings"
)

// Thought markers recognized by the classifier.
const (
	markerThinkingOpen  = "<thinking>"
	markerThinkingClose = "</thinking>"
	markerFenceOpen     = "```thinking"
	markerFenceClose    = "```"
	markerBracketOpen   = "[THINKING:"
	markerBracketClose  = "]"
)

// Residual whole-pattern filters applied at stream end, in case a marker
// pair slipped through undetected across token boundaries.
var residualThoughtPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
	regexp.MustCompile("(?is)```thinking\n.*?\n```"),
	regexp.MustCompile(`(?is)\[THINKING:.*?\]`),
}

// ThoughtSink receives thought tokens live as they are classified. Sinks
// are fire-and-forget; a slow or failing sink must not stall the stream.
type ThoughtSink func(agentID, token string)

// Classifier is the streaming thought/response token state machine. It
// consumes a token stream single-pass without backtracking and accumulates
// two buffers: internal reasoning and the visible answer.
//
// The classifier is intentionally heuristic. Long ellipsis runs count as
// thinking filler, so ellipsis-heavy prose can be misclassified; that
// trade-off is accepted.
type Classifier struct {
	agentID   string
	sink      ThoughtSink
	thought   strings.Builder
	response  strings.Builder
	inThought bool
}

// NewClassifier creates a classifier for one agent turn. sink may be nil.
func NewClassifier(agentID string, sink ThoughtSink) *Classifier {
	return &Classifier{agentID: agentID, sink: sink}
}

// Feed classifies one incoming token.
func (c *Classifier) Feed(token string) {
	if !c.inThought {
		trimmed := strings.TrimSpace(token)
		if len([]rune(trimmed)) > 5 && isEllipsisRun(trimmed) {
			c.inThought = true
		}
		if strings.Contains(token, markerThinkingOpen) ||
			strings.Contains(token, markerFenceOpen) ||
			strings.Contains(token, markerBracketOpen) {
			c.inThought = true
		}
	}

	if c.inThought {
		c.thought.WriteString(token)
		if c.sink != nil {
			c.sink(c.agentID, token)
		}
		// A single token may both open and close a thought block.
		if strings.Contains(token, markerThinkingClose) ||
			strings.Contains(token, markerFenceClose) ||
			strings.Contains(token, markerBracketClose) {
			c.inThought = false
		}
		return
	}

	c.response.WriteString(token)
}

// isEllipsisRun reports whether s consists entirely of ellipsis/period
// characters.
func isEllipsisRun(s string) bool {
	for _, r := range s {
		if r != '…' && r != '.' {
			return false
		}
	}
	return len(s) > 0
}

// Thought returns the accumulated internal reasoning, unfiltered.
func (c *Classifier) Thought() string {
	return c.thought.String()
}

// Response returns the visible answer: the response buffer with residual
// marker patterns stripped and normalization applied.
func (c *Classifier) Response() string {
	resp := c.response.String()
	for _, p := range residualThoughtPatterns {
		resp = p.ReplaceAllString(resp, "")
	}
	return Normalize(resp)
}
