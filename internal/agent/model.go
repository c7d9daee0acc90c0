package agent

import "context"

// Message is one chat-completion message exchanged with a Model.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// ToolCall is a function call requested by the model. Arguments is the raw
// JSON text the model produced.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolSpec advertises one callable function to the model.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

type CompletionRequest struct {
	Messages  []Message
	Tools     []ToolSpec
	MaxTokens int
}

type Completion struct {
	Content          string
	ToolCalls        []ToolCall
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
}

// Model is a chat-completion backend with function calling.
type Model interface {
	Name() string
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
}
