package context

import (
	"bytes"
	"fmt"
	"text/template"
	"time"
)

// DefaultPrompt is the built-in system prompt template used when an agent
// has no system prompt of its own. It uses Go text/template syntax with
// PromptData fields.
const DefaultPrompt = `You are {{.AgentName}}, an AI agent in a local chat application.

## Current Context

- Time: {{.Time}}
- Chat: {{.ChatName}}
{{- if .Participants}}
- Participants: {{.Participants}}
{{- end}}

## Response Style

- Be concise and direct. Don't pad responses with filler.
- Use markdown formatting when it helps readability.
- For code or command output, use code blocks.
- When you're unsure, say so.
{{- if .Instructions}}

## Instructions

{{.Instructions}}
{{- end}}
`

// PromptData is the input to the system prompt template.
type PromptData struct {
	Time         string
	AgentName    string
	ChatName     string
	Participants []string
	Instructions string
}

var defaultTemplate = template.Must(template.New("system").Parse(DefaultPrompt))

// RenderSystemPrompt renders DefaultPrompt. An agent's own system prompt is
// passed through Instructions.
func RenderSystemPrompt(data PromptData) (string, error) {
	if data.Time == "" {
		data.Time = time.Now().Format(time.RFC3339)
	}
	if data.AgentName == "" {
		data.AgentName = "Assistant"
	}
	var buf bytes.Buffer
	if err := defaultTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	return buf.String(), nil
}
