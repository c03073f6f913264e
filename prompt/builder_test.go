package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderDefaultTemplate(t *testing.T) {
	b, err := NewBuilder("")
	require.NoError(t, err)

	out, err := b.Render(Context{
		AgentName:    "Alice",
		Persona:      "A thoughtful philosopher.",
		ScenarioName: "debate",
		Goal:         "Explore the question together.",
		MaxCycles:    10,
		Brevity:      true,
		ToolNames:    []string{"clock", "notes"},
	})
	require.NoError(t, err)

	assert.Contains(t, out, "You are Alice.")
	assert.Contains(t, out, "A thoughtful philosopher.")
	assert.Contains(t, out, "Goal: Explore the question together.")
	assert.Contains(t, out, "at most 10 cycles")
	assert.Contains(t, out, "short and conversational")
	assert.Contains(t, out, "clock, notes")
}

func TestRenderMinimalContext(t *testing.T) {
	b, err := NewBuilder("")
	require.NoError(t, err)

	out, err := b.Render(Context{AgentName: "Bob", Persona: "Just Bob."})
	require.NoError(t, err)

	assert.Contains(t, out, "You are Bob.")
	assert.NotContains(t, out, "Goal:")
	assert.NotContains(t, out, "tools")
}

func TestRenderCustomTemplate(t *testing.T) {
	b, err := NewBuilder("{{ .Persona }} ({{ .AgentName }})")
	require.NoError(t, err)

	out, err := b.Render(Context{AgentName: "Eve", Persona: "Watcher."})
	require.NoError(t, err)
	assert.Equal(t, "Watcher. (Eve)", out)
}

func TestNewBuilderBadTemplate(t *testing.T) {
	_, err := NewBuilder("{{ .Broken")
	require.Error(t, err)
}

func TestCounterFallback(t *testing.T) {
	c := &Counter{}
	assert.Equal(t, 0, c.Count(""))
	assert.Equal(t, 1, c.Count("abc"))
	assert.Equal(t, 3, c.Count("twelve chars"))
}

func TestCounterNilSafe(t *testing.T) {
	var c *Counter
	assert.Equal(t, 1, c.Count("four"))
}
