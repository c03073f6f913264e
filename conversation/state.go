package conversation

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/BaSui01/parley/types"
)

// Record is the serialized, checkpointable layout of a conversation state.
// Field names are the checkpoint wire format and must stay stable.
type Record struct {
	Messages          []types.Message `json:"messages"`
	CurrentCycle      int             `json:"current_cycle"`
	NextAgent         string          `json:"next_agent"`
	Metadata          map[string]any  `json:"metadata"`
	ShouldTerminate   bool            `json:"should_terminate"`
	TerminationReason string          `json:"termination_reason"`
}

// State is the shared conversation data structure: an append-only message
// log plus counters and termination flags.
//
// The orchestrator is the sole writer during a run. Readers (status polling,
// telemetry) get copies, so no caller ever observes a half-applied mutation.
type State struct {
	mu                sync.RWMutex
	messages          []types.Message
	currentCycle      int
	nextAgent         string
	metadata          map[string]any
	shouldTerminate   bool
	terminationReason string
}

// NewState creates an empty conversation state with the given metadata.
// Metadata values are normalized through types.JSONValue so the serialized
// round trip preserves them exactly.
func NewState(metadata map[string]any) *State {
	meta := make(map[string]any, len(metadata))
	for k, v := range metadata {
		meta[k] = types.JSONValue(v)
	}
	return &State{metadata: meta}
}

// Append adds a message to the log. Messages are immutable once appended.
func (s *State) Append(msg types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
}

// Messages returns an order-preserving copy of the log, optionally with
// thought messages filtered out.
func (s *State) Messages(excludeThoughts bool) []types.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Message, 0, len(s.messages))
	for _, m := range s.messages {
		if excludeThoughts && m.IsThought {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Len returns the number of messages in the log.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// CurrentCycle returns the number of completed turns recorded on the state.
func (s *State) CurrentCycle() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentCycle
}

// SetCurrentCycle records the completed-turn count. Written only by the
// orchestrator after RegisterTurn.
func (s *State) SetCurrentCycle(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentCycle = n
}

// NextAgent returns the routing hint recorded by the orchestrator.
func (s *State) NextAgent() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextAgent
}

// SetNextAgent records the routing hint.
func (s *State) SetNextAgent(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAgent = agentID
}

// MarkTerminated flags the conversation for termination. Last writer wins;
// an empty reason is recorded as manual_termination so the invariant
// "terminated implies a reason" always holds.
func (s *State) MarkTerminated(reason string) {
	if reason == "" {
		reason = ReasonManual
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shouldTerminate = true
	s.terminationReason = reason
}

// Terminated returns the termination flag and reason.
func (s *State) Terminated() (bool, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shouldTerminate, s.terminationReason
}

// Metadata returns a copy of the conversation metadata.
func (s *State) Metadata() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]any, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

// SetMetadata sets one metadata entry.
func (s *State) SetMetadata(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[key] = types.JSONValue(value)
}

// Snapshot returns a consistent copy of the full state as a Record.
func (s *State) Snapshot() Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := make([]types.Message, len(s.messages))
	copy(msgs, s.messages)
	meta := make(map[string]any, len(s.metadata))
	for k, v := range s.metadata {
		meta[k] = v
	}
	return Record{
		Messages:          msgs,
		CurrentCycle:      s.currentCycle,
		NextAgent:         s.nextAgent,
		Metadata:          meta,
		ShouldTerminate:   s.shouldTerminate,
		TerminationReason: s.terminationReason,
	}
}

// Serialize encodes the state as JSON for checkpoint persistence.
func (s *State) Serialize() ([]byte, error) {
	rec := s.Snapshot()
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("serialize state: %w", err)
	}
	return data, nil
}

// DeserializeState restores a state from its serialized form. The round
// trip through Serialize/DeserializeState is lossless for all fields.
func DeserializeState(data []byte) (*State, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("deserialize state: %w", err)
	}
	return FromRecord(rec), nil
}

// FromRecord builds a live State from a Record.
func FromRecord(rec Record) *State {
	st := NewState(rec.Metadata)
	st.messages = rec.Messages
	st.currentCycle = rec.CurrentCycle
	st.nextAgent = rec.NextAgent
	st.shouldTerminate = rec.ShouldTerminate
	st.terminationReason = rec.TerminationReason
	return st
}
