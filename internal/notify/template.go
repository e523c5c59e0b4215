package notify

import (
	"bytes"
	"errors"
	"strings"
	"text/template"
)

// DefaultTemplate renders rollback and failure notices.
const DefaultTemplate = `[Command {{.EventLabel}}]
Command: {{.CommandID}}
Target: {{.TargetID}}
{{- if .RollbackCommandID }}
Inverse: {{.RollbackCommandID}}
{{- end }}
{{- if .Trigger }}
Trigger: {{.Trigger}}
{{- end }}
{{- if .Reason }}
Reason: {{.Reason}}
{{- end }}
Time: {{.OccurredAt}}`

// TemplateData provides fields for rendering notification content.
type TemplateData struct {
	Event             string
	EventLabel        string
	CommandID         string
	TargetID          string
	RollbackCommandID string
	Trigger           string
	Reason            string
	Delivered         bool
	OccurredAt        string
}

// Template renders notification content.
type Template struct {
	tpl *template.Template
}

// NewTemplate parses a notification template, falling back to DefaultTemplate.
func NewTemplate(tpl string) (*Template, error) {
	if tpl == "" {
		tpl = DefaultTemplate
	}
	parsed, err := template.New("command-notification").Parse(tpl)
	if err != nil {
		return nil, err
	}
	return &Template{tpl: parsed}, nil
}

// Render applies the template to data.
func (t *Template) Render(data TemplateData) (string, error) {
	if t == nil || t.tpl == nil {
		return "", errors.New("notify template: nil")
	}
	var buf bytes.Buffer
	if err := t.tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}
