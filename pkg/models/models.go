// Package models holds the data types shared between the chat transport,
// the tool provider registry, the agent runtime and the dispatcher.
package models

import (
	"encoding/json"
	"fmt"
)

// ── Chat Platform ────────────────────────────────────────────

// Post is one chat-platform post. Field names follow the Mattermost wire
// format; CreateAt is epoch milliseconds.
type Post struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	Message   string `json:"message"`
	RootID    string `json:"root_id"`
	CreateAt  int64  `json:"create_at"`
	Type      string `json:"type"`
}

// Root returns the thread root a reply to this post must be addressed to.
func (p Post) Root() string {
	if p.RootID != "" {
		return p.RootID
	}
	return p.ID
}

// Thread is an unordered post collection for one conversation.
// Order lists post IDs in the order the platform returned them.
type Thread struct {
	Order []string        `json:"order"`
	Posts map[string]Post `json:"posts"`
}

// ── Conversation ─────────────────────────────────────────────

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ConversationMessage is one reconstructed turn of a thread.
type ConversationMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ── Agent Output ─────────────────────────────────────────────

// TurnKind tags the variant carried by a Turn.
type TurnKind string

const (
	TurnText       TurnKind = "text"
	TurnToolCall   TurnKind = "tool_call"
	TurnToolResult TurnKind = "tool_result"
)

const (
	ToolStatusSuccess = "success"
	ToolStatusError   = "error"
)

// Turn is one element of an agent transcript. Exactly one of Text, Call or
// Result is meaningful, selected by Kind.
type Turn struct {
	Kind   TurnKind    `json:"kind"`
	Role   Role        `json:"role,omitempty"` // text turns only; empty means assistant
	Text   string      `json:"text,omitempty"`
	Call   *ToolCall   `json:"call,omitempty"`
	Result *ToolResult `json:"result,omitempty"`
}

type ToolCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type ToolResult struct {
	CallID  string `json:"call_id,omitempty"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
	Status  string `json:"status"`
}

func TextTurn(role Role, text string) Turn {
	return Turn{Kind: TurnText, Role: role, Text: text}
}

func ToolCallTurn(id, name string, args map[string]any) Turn {
	return Turn{Kind: TurnToolCall, Call: &ToolCall{ID: id, Name: name, Args: args}}
}

func ToolResultTurn(callID, name, content, status string) Turn {
	return Turn{Kind: TurnToolResult, Result: &ToolResult{CallID: callID, Name: name, Content: content, Status: status}}
}

// Segment is one outbound chat message.
type Segment struct {
	Text string `json:"text"`
}

// Segments wraps plain strings.
func Segments(texts ...string) []Segment {
	out := make([]Segment, 0, len(texts))
	for _, t := range texts {
		out = append(out, Segment{Text: t})
	}
	return out
}

// ── Tool Catalog ─────────────────────────────────────────────

// CatalogEntry is one invocable tool, keyed Name = "<provider>.<tool>".
type CatalogEntry struct {
	Provider    string         `json:"provider"`
	Tool        string         `json:"tool"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// NamespacedTool joins a provider and tool name into the catalog key.
func NamespacedTool(provider, tool string) string {
	return provider + "." + tool
}

// ── MCP Protocol Types ───────────────────────────────────────

type MCPRequest struct {
	Jsonrpc string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      any    `json:"id,omitempty"`
}

type MCPResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *MCPError       `json:"error,omitempty"`
	ID      any             `json:"id"`
}

type MCPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *MCPError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("JSON-RPC error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("JSON-RPC error %d: %s", e.Code, e.Message)
}

type MCPServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type MCPInitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ServerInfo      MCPServerInfo  `json:"serverInfo"`
	Capabilities    map[string]any `json:"capabilities,omitempty"`
}

type MCPToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

type MCPToolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type MCPToolResult struct {
	Content []MCPContent `json:"content"`
	IsError bool         `json:"isError,omitempty"`
}

// Text concatenates the text blocks of the result.
func (r *MCPToolResult) Text() string {
	if r == nil {
		return ""
	}
	var text string
	for _, c := range r.Content {
		if c.Type == "text" || c.Type == "" {
			text += c.Text
		}
	}
	return text
}

// Status reports the result as the success/error marker used in chat output.
func (r *MCPToolResult) Status() string {
	if r != nil && r.IsError {
		return ToolStatusError
	}
	return ToolStatusSuccess
}

type MCPContent struct {
	Type     string `json:"type"` // text, image, resource
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

type MCPResource struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

func (r MCPResource) String() string {
	s := r.URI
	if r.Name != "" {
		s += " (" + r.Name + ")"
	}
	if r.Description != "" {
		s += ": " + r.Description
	}
	return s
}

type MCPPromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

type MCPPrompt struct {
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Arguments   []MCPPromptArgument `json:"arguments,omitempty"`
}

func (p MCPPrompt) String() string {
	if p.Description == "" {
		return p.Name
	}
	return p.Name + ": " + p.Description
}

type MCPResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

type MCPPromptMessage struct {
	Role    string     `json:"role"`
	Content MCPContent `json:"content"`
}

type MCPPromptResult struct {
	Description string             `json:"description,omitempty"`
	Messages    []MCPPromptMessage `json:"messages"`
}
