package session

import (
	"bytes"
	"context"
	"text/template"
	"time"

	"github.com/devmesh/controlplane/lib/gqlerr"
	"github.com/google/uuid"
)

// VariableSchema describes one substitution variable a SessionTemplate
// expects at instantiation time (spec.md §3).
type VariableSchema struct {
	Name        string
	Required    bool
	Default     string
	Description string
}

// SessionTemplate snapshots an originating session's settings (and,
// optionally, its history) for reuse (spec.md §4.5).
type SessionTemplate struct {
	ID             string
	Name           string
	Tags           []string
	Variables      []VariableSchema
	InitialContext string
	DefaultModel   string
	DefaultFlags   map[string]bool
	History        []Interaction
	UsageCount     int
	LastUsedAt     *time.Time
	CreatedAt      time.Time
}

// CreateSessionTemplate snapshots sessionID's current settings (and history,
// when includeHistory is true) into a new named, reusable SessionTemplate.
func (m *Manager) CreateSessionTemplate(ctx context.Context, sessionID, name string, tags []string, variables []VariableSchema, includeHistory bool) (*SessionTemplate, *gqlerr.Error) {
	sess, ok := m.get(sessionID)
	if !ok {
		return nil, gqlerr.New(gqlerr.CodeSessionNotFound, "session not found: "+sessionID)
	}

	sess.mu.RLock()
	model := sess.Metadata.Model
	flags := cloneFlags(sess.Metadata.Flags)
	var history []Interaction
	if includeHistory {
		history = append([]Interaction{}, sess.History...)
	}
	sess.mu.RUnlock()

	tmpl := &SessionTemplate{
		ID:           uuid.New().String(),
		Name:         name,
		Tags:         tags,
		Variables:    variables,
		DefaultModel: model,
		DefaultFlags: flags,
		History:      history,
		CreatedAt:    time.Now(),
	}

	m.mu.Lock()
	m.templates[tmpl.ID] = tmpl
	m.mu.Unlock()

	m.audit.LogSessionEvent(ctx, sessionID, "session_template_created", map[string]any{"template_id": tmpl.ID, "name": name})
	return tmpl, nil
}

// CreateSessionFromTemplate instantiates a new session from a stored
// template, substituting variables into the template's initial context via
// text/template — the same templating idiom the teacher's prompt composer
// uses for system-prompt rendering, here applied to session bootstrapping
// instead of prompt text.
func (m *Manager) CreateSessionFromTemplate(ctx context.Context, templateID string, name string, variables map[string]string) (ExecuteResult, *gqlerr.Error) {
	m.mu.Lock()
	tmpl, ok := m.templates[templateID]
	m.mu.Unlock()
	if !ok {
		return ExecuteResult{}, gqlerr.New(gqlerr.CodeBadUserInput, "template not found: "+templateID)
	}

	values := map[string]string{}
	for _, v := range tmpl.Variables {
		if val, provided := variables[v.Name]; provided {
			values[v.Name] = val
			continue
		}
		if v.Required {
			return ExecuteResult{}, gqlerr.New(gqlerr.CodeBadUserInput, "missing required template variable: "+v.Name)
		}
		values[v.Name] = v.Default
	}

	initialPrompt, err := renderTemplate(tmpl.InitialContext, values)
	if err != nil {
		return ExecuteResult{}, gqlerr.Wrap(gqlerr.CodeBadUserInput, "failed to render template", err)
	}

	m.mu.Lock()
	tmpl.UsageCount++
	now := time.Now()
	tmpl.LastUsedAt = &now
	m.mu.Unlock()

	result, gerr := m.ExecuteCommand(ctx, initialPrompt, ExecuteOptions{Model: tmpl.DefaultModel, Flags: cloneFlags(tmpl.DefaultFlags)})
	_ = name
	return result, gerr
}

func renderTemplate(text string, values map[string]string) (string, error) {
	if text == "" {
		return "", nil
	}
	t, err := template.New("session").Parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, values); err != nil {
		return "", err
	}
	return buf.String(), nil
}
