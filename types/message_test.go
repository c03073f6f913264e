package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindValid(t *testing.T) {
	for _, k := range []Kind{KindHuman, KindAI, KindSystem, KindTool, KindCycleMarker} {
		assert.True(t, k.Valid(), "kind %q should be valid", k)
	}
	assert.False(t, Kind("telepathy").Valid())
	assert.False(t, Kind("").Valid())
}

func TestConstructors(t *testing.T) {
	h := NewHumanMessage("hi")
	assert.Equal(t, KindHuman, h.Kind)
	assert.Equal(t, SpeakerUser, h.SpeakerID)
	assert.False(t, h.Timestamp.IsZero())

	a := NewAIMessage("alice", "hello")
	assert.Equal(t, KindAI, a.Kind)
	assert.Equal(t, "alice", a.SpeakerID)

	s := NewSystemMessage("boom")
	assert.Equal(t, SpeakerSystem, s.SpeakerID)

	m := NewCycleMarker(3, []string{"alice", "bob"})
	assert.Equal(t, KindCycleMarker, m.Kind)
	assert.Equal(t, float64(3), m.Attributes[AttrCycleNumber])
	assert.Equal(t, []any{"alice", "bob"}, m.Attributes[AttrAgentsCompleted])
	assert.Contains(t, m.Content, "Cycle 3")
}

func TestAttributesSurviveRoundTrip(t *testing.T) {
	m := NewCycleMarker(1, []string{"alice"})

	data, err := json.Marshal(m)
	require.NoError(t, err)

	var restored Message
	require.NoError(t, json.Unmarshal(data, &restored))
	assert.Equal(t, m.Attributes, restored.Attributes)
}

func TestMessageWireFormat(t *testing.T) {
	m := NewAIMessage("alice", "hello").WithAttributes(map[string]any{AttrModel: "llama3"})

	data, err := json.Marshal(m)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))

	// Checkpoint wire format: these field names must not drift.
	for _, field := range []string{"content", "agent_id", "timestamp", "is_thought", "message_type", "metadata"} {
		assert.Contains(t, raw, field)
	}
	assert.Equal(t, "ai", raw["message_type"])
	assert.Equal(t, "alice", raw["agent_id"])
}
