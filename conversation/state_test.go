package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/parley/types"
)

func TestStateAppendAndCopy(t *testing.T) {
	st := NewState(map[string]any{"scenario_name": "demo"})
	st.Append(types.NewHumanMessage("hello"))
	st.Append(types.NewAIMessage("alice", "hi there"))

	msgs := st.Messages(false)
	require.Len(t, msgs, 2)

	// Mutating the returned slice must not affect the state.
	msgs[0].Content = "tampered"
	assert.Equal(t, "hello", st.Messages(false)[0].Content)
	assert.Equal(t, 2, st.Len())
}

func TestStateThoughtFilter(t *testing.T) {
	st := NewState(nil)
	st.Append(types.NewAIMessage("alice", "visible"))
	st.Append(types.NewAIMessage("alice", "hidden reasoning").WithThought())

	assert.Len(t, st.Messages(false), 2)

	filtered := st.Messages(true)
	require.Len(t, filtered, 1)
	assert.Equal(t, "visible", filtered[0].Content)
}

func TestStateMarkTerminated(t *testing.T) {
	st := NewState(nil)

	terminated, reason := st.Terminated()
	assert.False(t, terminated)
	assert.Empty(t, reason)

	st.MarkTerminated(ReasonKeyword)
	terminated, reason = st.Terminated()
	assert.True(t, terminated)
	assert.Equal(t, ReasonKeyword, reason)

	// Last writer wins.
	st.MarkTerminated(ReasonMaxCycles)
	_, reason = st.Terminated()
	assert.Equal(t, ReasonMaxCycles, reason)
}

func TestStateMarkTerminatedEmptyReason(t *testing.T) {
	st := NewState(nil)
	st.MarkTerminated("")

	terminated, reason := st.Terminated()
	assert.True(t, terminated)
	assert.Equal(t, ReasonManual, reason)
}

func TestStateMetadataCopy(t *testing.T) {
	st := NewState(map[string]any{"max_cycles": 10})
	meta := st.Metadata()
	meta["max_cycles"] = 99

	// Integer values are held in their JSON-decoded form.
	assert.Equal(t, float64(10), st.Metadata()["max_cycles"])

	st.SetMetadata("started_at", "2026-01-01T00:00:00Z")
	assert.Equal(t, "2026-01-01T00:00:00Z", st.Metadata()["started_at"])
}

func TestStateSerializeRoundTrip(t *testing.T) {
	st := NewState(map[string]any{"scenario_name": "demo", "max_cycles": 10})
	st.Append(types.NewHumanMessage("start"))
	st.Append(types.NewAIMessage("alice", "reply").WithAttributes(map[string]any{
		types.AttrAgentName: "Alice",
	}))
	st.Append(types.NewCycleMarker(3, []string{"alice"}))
	st.SetCurrentCycle(3)
	st.SetNextAgent("bob")
	st.MarkTerminated(ReasonSilence)

	data, err := st.Serialize()
	require.NoError(t, err)

	restored, err := DeserializeState(data)
	require.NoError(t, err)

	want := st.Snapshot()
	got := restored.Snapshot()
	assert.Equal(t, want.CurrentCycle, got.CurrentCycle)
	assert.Equal(t, want.NextAgent, got.NextAgent)
	assert.Equal(t, want.ShouldTerminate, got.ShouldTerminate)
	assert.Equal(t, want.TerminationReason, got.TerminationReason)
	assert.Equal(t, want.Metadata, got.Metadata)
	require.Len(t, got.Messages, len(want.Messages))
	for i := range want.Messages {
		assert.Equal(t, want.Messages[i].Content, got.Messages[i].Content)
		assert.Equal(t, want.Messages[i].SpeakerID, got.Messages[i].SpeakerID)
		assert.Equal(t, want.Messages[i].Kind, got.Messages[i].Kind)
		assert.Equal(t, want.Messages[i].IsThought, got.Messages[i].IsThought)
		assert.Equal(t, want.Messages[i].Attributes, got.Messages[i].Attributes)
	}
}

func TestStateSerializeEmpty(t *testing.T) {
	st := NewState(nil)
	data, err := st.Serialize()
	require.NoError(t, err)

	restored, err := DeserializeState(data)
	require.NoError(t, err)
	assert.Equal(t, 0, restored.Len())

	terminated, reason := restored.Terminated()
	assert.False(t, terminated)
	assert.Empty(t, reason)
}

func TestStateRoundTripProperty(t *testing.T) {
	kinds := []types.Kind{
		types.KindHuman, types.KindAI, types.KindSystem,
		types.KindTool, types.KindCycleMarker,
	}

	rapid.Check(t, func(t *rapid.T) {
		st := NewState(map[string]any{
			"scenario_name": rapid.String().Draw(t, "scenario"),
		})
		count := rapid.IntRange(0, 20).Draw(t, "count")
		for i := 0; i < count; i++ {
			msg := types.Message{
				Content:   rapid.String().Draw(t, "content"),
				SpeakerID: rapid.StringMatching(`[a-z]{1,8}`).Draw(t, "speaker"),
				Timestamp: time.Unix(rapid.Int64Range(0, 1<<32).Draw(t, "ts"), 0).UTC(),
				IsThought: rapid.Bool().Draw(t, "thought"),
				Kind:      rapid.SampledFrom(kinds).Draw(t, "kind"),
			}
			if rapid.Bool().Draw(t, "attrs") {
				msg = msg.WithAttributes(map[string]any{
					types.AttrCycleNumber:     rapid.IntRange(0, 100).Draw(t, "attr_cycle"),
					types.AttrAgentsCompleted: []string{msg.SpeakerID},
				})
			}
			st.Append(msg)
		}
		st.SetCurrentCycle(rapid.IntRange(0, 100).Draw(t, "cycle"))
		st.SetNextAgent(rapid.StringMatching(`[a-z]{0,8}`).Draw(t, "next"))
		if rapid.Bool().Draw(t, "terminate") {
			st.MarkTerminated(rapid.SampledFrom([]string{
				ReasonManual, ReasonMaxCycles, ReasonKeyword, ReasonSilence,
			}).Draw(t, "reason"))
		}

		data, err := st.Serialize()
		require.NoError(t, err)
		restored, err := DeserializeState(data)
		require.NoError(t, err)

		got := restored.Snapshot()
		want := st.Snapshot()
		assert.Equal(t, want.CurrentCycle, got.CurrentCycle)
		assert.Equal(t, want.NextAgent, got.NextAgent)
		assert.Equal(t, want.ShouldTerminate, got.ShouldTerminate)
		assert.Equal(t, want.TerminationReason, got.TerminationReason)
		assert.Equal(t, len(want.Messages), len(got.Messages))
		for i := range want.Messages {
			assert.Equal(t, want.Messages[i].Content, got.Messages[i].Content)
			assert.Equal(t, want.Messages[i].Kind, got.Messages[i].Kind)
			assert.Equal(t, want.Messages[i].IsThought, got.Messages[i].IsThought)
			assert.Equal(t, want.Messages[i].Attributes, got.Messages[i].Attributes)
			assert.True(t, want.Messages[i].Timestamp.Equal(got.Messages[i].Timestamp))
		}
	})
}
