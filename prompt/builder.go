// Package prompt renders agent system prompts and estimates their token
// cost before a turn is sent to a backend.
package prompt

import (
	"strings"
	"text/template"

	"github.com/BaSui01/parley/types"
)

// Context carries everything a system prompt template may reference.
type Context struct {
	AgentName    string
	Persona      string
	ScenarioName string
	Goal         string
	MaxCycles    int
	Brevity      bool
	ToolNames    []string
}

// defaultTemplate is used when a scenario does not bring its own.
const defaultTemplate = `You are {{ .AgentName }}.

{{ .Persona }}
{{- if .Goal }}

Goal: {{ .Goal }}
{{- end }}
{{- if .ScenarioName }}

Scenario: {{ .ScenarioName }}. The conversation runs for at most {{ .MaxCycles }} cycles.
{{- end }}
{{- if .Brevity }}

Keep your replies short and conversational.
{{- end }}
{{- if .ToolNames }}

You may use these tools: {{ join .ToolNames ", " }}.
{{- end }}`

// Builder renders system prompts from a template.
type Builder struct {
	tmpl *template.Template
}

// NewBuilder parses the given template text. Empty text selects the
// built-in default template.
func NewBuilder(text string) (*Builder, error) {
	if text == "" {
		text = defaultTemplate
	}
	tmpl, err := template.New("system_prompt").
		Funcs(template.FuncMap{"join": strings.Join}).
		Parse(text)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidConfig, "parse prompt template").WithCause(err)
	}
	return &Builder{tmpl: tmpl}, nil
}

// Render produces the system prompt for one agent in one scenario.
func (b *Builder) Render(ctx Context) (string, error) {
	var sb strings.Builder
	if err := b.tmpl.Execute(&sb, ctx); err != nil {
		return "", types.NewError(types.ErrInvalidConfig, "render prompt template").WithCause(err)
	}
	return strings.TrimSpace(sb.String()), nil
}
