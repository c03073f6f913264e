// Package types provides core types used across the parley engine.
// This package has ZERO dependencies on other parley packages to avoid
// circular imports. All other packages should import types from here.
package types

import (
	"fmt"
	"time"
)

// Kind is the closed set of message kinds flowing through a conversation.
// Consumers must match exhaustively; an unrecognized kind is a bug, not a
// silently-ignored case.
type Kind string

const (
	KindHuman       Kind = "human"
	KindAI          Kind = "ai"
	KindSystem      Kind = "system"
	KindTool        Kind = "tool"
	KindCycleMarker Kind = "cycle_marker"
)

// Valid reports whether k is one of the known message kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindHuman, KindAI, KindSystem, KindTool, KindCycleMarker:
		return true
	}
	return false
}

// Reserved speaker identifiers. Agent ids must not collide with these.
const (
	SpeakerUser   = "user"
	SpeakerSystem = "system"
)

// Attribute keys set by the engine on messages it creates.
const (
	AttrAgentName       = "agent_name"
	AttrModel           = "model"
	AttrError           = "error"
	AttrAgentID         = "agent_id"
	AttrPurpose         = "purpose"
	AttrCycleNumber     = "cycle_number"
	AttrAgentsCompleted = "agents_completed"
)

// Message is one immutable transcript record. It is created once by a turn
// executor or the initializer and never mutated after append.
//
// The JSON field names are the checkpoint wire format and must stay stable.
type Message struct {
	Content    string         `json:"content"`
	SpeakerID  string         `json:"agent_id"`
	Timestamp  time.Time      `json:"timestamp"`
	IsThought  bool           `json:"is_thought"`
	Kind       Kind           `json:"message_type"`
	Attributes map[string]any `json:"metadata,omitempty"`
}

// NewMessage creates a message with the given kind, speaker, and content,
// stamped with the current UTC time.
func NewMessage(kind Kind, speakerID, content string) Message {
	return Message{
		Content:   content,
		SpeakerID: speakerID,
		Timestamp: time.Now().UTC(),
		Kind:      kind,
	}
}

// NewHumanMessage creates a human-kind message attributed to the reserved
// "user" speaker.
func NewHumanMessage(content string) Message {
	return NewMessage(KindHuman, SpeakerUser, content)
}

// NewAIMessage creates an ai-kind message attributed to an agent.
func NewAIMessage(agentID, content string) Message {
	return NewMessage(KindAI, agentID, content)
}

// NewSystemMessage creates a system-kind message attributed to the reserved
// "system" speaker.
func NewSystemMessage(content string) Message {
	return NewMessage(KindSystem, SpeakerSystem, content)
}

// NewCycleMarker creates the audit marker appended after each completed
// turn. Markers are never consulted for routing decisions.
func NewCycleMarker(cycle int, agentsCompleted []string) Message {
	return NewMessage(KindCycleMarker, SpeakerSystem,
		fmt.Sprintf("--- Cycle %d Complete ---", cycle)).
		WithAttributes(map[string]any{
			AttrCycleNumber:     cycle,
			AttrAgentsCompleted: agentsCompleted,
		})
}

// WithAttributes returns a copy of the message with the given attribute map.
// Values are normalized through JSONValue so a checkpointed message compares
// equal to its deserialized form field for field.
func (m Message) WithAttributes(attrs map[string]any) Message {
	norm := make(map[string]any, len(attrs))
	for k, v := range attrs {
		norm[k] = JSONValue(v)
	}
	m.Attributes = norm
	return m
}

// JSONValue converts v to the representation encoding/json produces when
// decoding into an untyped value, so attribute and metadata maps survive the
// checkpoint round trip unchanged. Only the value types the engine actually
// stores are converted; anything else passes through as-is.
func JSONValue(v any) any {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case float32:
		return float64(x)
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = JSONValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = JSONValue(e)
		}
		return out
	default:
		return v
	}
}

// WithThought returns a copy of the message flagged as internal reasoning.
func (m Message) WithThought() Message {
	m.IsThought = true
	return m
}
