package agent_test

import (
	"context"
	"errors"
	"testing"

	"github.com/agentoven/chatbridge/internal/agent"
	"github.com/agentoven/chatbridge/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedModel replays canned completions and records every request.
type scriptedModel struct {
	replies  []*agent.Completion
	err      error
	requests []agent.CompletionRequest
}

func (m *scriptedModel) Name() string { return "scripted" }

func (m *scriptedModel) Complete(_ context.Context, req agent.CompletionRequest) (*agent.Completion, error) {
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.replies) == 0 {
		return &agent.Completion{Content: "done"}, nil
	}
	next := m.replies[0]
	m.replies = m.replies[1:]
	return next, nil
}

type weatherTools struct {
	called map[string]map[string]any
	err    error
}

func (w *weatherTools) Catalog() []models.CatalogEntry {
	return []models.CatalogEntry{{
		Provider: "weather", Tool: "get", Name: "weather.get",
		Description: "Current weather",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{"city": map[string]any{"type": "string"}}},
	}}
}

func (w *weatherTools) CallNamespaced(_ context.Context, name string, args map[string]any) (*models.MCPToolResult, error) {
	if w.called == nil {
		w.called = map[string]map[string]any{}
	}
	w.called[name] = args
	if w.err != nil {
		return nil, w.err
	}
	return &models.MCPToolResult{Content: []models.MCPContent{{Type: "text", Text: "22C"}}}, nil
}

func TestRunToolLoop(t *testing.T) {
	model := &scriptedModel{replies: []*agent.Completion{
		{ToolCalls: []agent.ToolCall{{ID: "call_1", Name: "weather__get", Arguments: `{"city":"Paris"}`}}},
		{Content: "It's 22C in Paris."},
	}}
	tools := &weatherTools{}
	exec := agent.NewExecutor(model, tools, agent.Options{})

	history := []models.ConversationMessage{{Role: models.RoleUser, Content: "hello"}, {Role: models.RoleAssistant, Content: "hi"}}
	turns, err := exec.Run(context.Background(), agent.Request{History: history, Query: "what's the weather"})
	require.NoError(t, err)

	want := []models.Turn{
		models.TextTurn(models.RoleUser, "hello"),
		models.TextTurn(models.RoleAssistant, "hi"),
		models.TextTurn(models.RoleUser, "what's the weather"),
		models.ToolCallTurn("call_1", "weather.get", map[string]any{"city": "Paris"}),
		models.ToolResultTurn("call_1", "weather.get", "22C", models.ToolStatusSuccess),
		models.TextTurn(models.RoleAssistant, "It's 22C in Paris."),
	}
	assert.Equal(t, want, turns)
	assert.Equal(t, map[string]any{"city": "Paris"}, tools.called["weather.get"])

	require.Len(t, model.requests, 2)
	first := model.requests[0]
	require.Len(t, first.Tools, 1)
	assert.Equal(t, "weather__get", first.Tools[0].Name)
	assert.Equal(t, "system", first.Messages[0].Role)
	assert.Len(t, first.Messages, 4)

	second := model.requests[1]
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Equal(t, "call_1", last.ToolCallID)
	assert.Equal(t, "22C", last.Content)
}

func TestRunRepairsArguments(t *testing.T) {
	model := &scriptedModel{replies: []*agent.Completion{
		{ToolCalls: []agent.ToolCall{{ID: "c", Name: "weather__get", Arguments: `{"city": "Paris"`}}},
		{Content: "ok"},
	}}
	tools := &weatherTools{}
	_, err := agent.NewExecutor(model, tools, agent.Options{}).Run(context.Background(), agent.Request{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"city": "Paris"}, tools.called["weather.get"])
}

func TestRunToolFailureBecomesErrorResult(t *testing.T) {
	model := &scriptedModel{replies: []*agent.Completion{
		{ToolCalls: []agent.ToolCall{{ID: "c", Name: "weather__get", Arguments: `{}`}}},
		{Content: "Sorry, the weather service is down."},
	}}
	tools := &weatherTools{err: errors.New("connection reset")}
	turns, err := agent.NewExecutor(model, tools, agent.Options{}).Run(context.Background(), agent.Request{Query: "q"})
	require.NoError(t, err)

	result := turns[2]
	require.Equal(t, models.TurnToolResult, result.Kind)
	assert.Equal(t, models.ToolStatusError, result.Result.Status)
	assert.Contains(t, result.Result.Content, "connection reset")
}

func TestRunMaxTurns(t *testing.T) {
	loop := &agent.Completion{ToolCalls: []agent.ToolCall{{ID: "c", Name: "weather__get", Arguments: `{}`}}}
	model := &scriptedModel{replies: []*agent.Completion{loop, loop, loop}}
	turns, err := agent.NewExecutor(model, &weatherTools{}, agent.Options{MaxTurns: 2}).Run(context.Background(), agent.Request{Query: "q"})
	require.NoError(t, err)

	assert.Len(t, model.requests, 2)
	last := turns[len(turns)-1]
	assert.Equal(t, models.TurnText, last.Kind)
	assert.Contains(t, last.Text, "[Max turns (2) reached]")
}

func TestRunModelError(t *testing.T) {
	model := &scriptedModel{err: errors.New("rate limited")}
	_, err := agent.NewExecutor(model, nil, agent.Options{}).Run(context.Background(), agent.Request{Query: "q"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestSanitizeToolName(t *testing.T) {
	assert.Equal(t, "github__search_code", agent.SanitizeToolName("github.search_code"))
	assert.Equal(t, "my-server__a_b", agent.SanitizeToolName("my-server.a/b"))
}

func TestRenderPrompt(t *testing.T) {
	got := agent.RenderPrompt("Hello {{team_name}}.\nRepo: {{github_repo}}\nBye", map[string]string{"team_name": "core"})
	assert.Equal(t, "Hello core.\nBye", got)

	assert.Contains(t, agent.SystemPrompt("GitHub"), "{{github_repo}}")
	assert.NotContains(t, agent.SystemPrompt("unknown"), "{{github_repo}}")
}

type lookalikeTools struct{ called []string }

func (l *lookalikeTools) Catalog() []models.CatalogEntry {
	return []models.CatalogEntry{
		{Provider: "a", Tool: "b", Name: "a.b"},
		{Provider: "a__b", Tool: "", Name: "a__b"},
	}
}

func (l *lookalikeTools) CallNamespaced(_ context.Context, name string, _ map[string]any) (*models.MCPToolResult, error) {
	l.called = append(l.called, name)
	return &models.MCPToolResult{}, nil
}

func TestToolSpecsSkipSanitizedCollisions(t *testing.T) {
	model := &scriptedModel{replies: []*agent.Completion{
		{ToolCalls: []agent.ToolCall{{ID: "c1", Name: "a__b", Arguments: `{}`}}},
		{Content: "ok"},
	}}
	tools := &lookalikeTools{}
	_, err := agent.NewExecutor(model, tools, agent.Options{}).Run(context.Background(), agent.Request{Query: "go"})
	require.NoError(t, err)

	require.NotEmpty(t, model.requests)
	require.Len(t, model.requests[0].Tools, 1)
	assert.Equal(t, "a__b", model.requests[0].Tools[0].Name)
	assert.Equal(t, []string{"a.b"}, tools.called)
}
