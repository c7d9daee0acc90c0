// Package mcp connects to MCP (Model Context Protocol) servers and keeps the
// aggregate, provider-namespaced tool catalog used by the command router and
// the agent.
//
// A server is reached over one of two transports:
//   - stdio: the server is spawned as a child process and speaks
//     newline-delimited JSON-RPC on stdin/stdout
//   - http: JSON-RPC requests are POSTed to a URL; plain JSON and SSE
//     framed responses are both accepted
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/agentoven/chatbridge/pkg/models"
	"github.com/rs/zerolog/log"
)

// Provider is a connectable tool backend.
type Provider interface {
	Name() string
	Connect(ctx context.Context) error
	ListTools(ctx context.Context) ([]models.MCPToolInfo, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*models.MCPToolResult, error)
	ListResources(ctx context.Context) ([]models.MCPResource, error)
	ListPrompts(ctx context.Context) ([]models.MCPPrompt, error)
	ReadResource(ctx context.Context, uri string) ([]models.MCPResourceContents, error)
	GetPrompt(ctx context.Context, name string, args map[string]string) (*models.MCPPromptResult, error)
	Close() error
}

// transport moves JSON-RPC frames to and from one server.
type transport interface {
	start(ctx context.Context) error
	call(ctx context.Context, method string, params any) (json.RawMessage, error)
	notify(ctx context.Context, method string, params any) error
	close() error
}

// Client speaks the MCP protocol over a transport.
type Client struct {
	name string
	tr   transport

	mu          sync.RWMutex
	initialized bool
	serverInfo  models.MCPServerInfo
}

// NewClient wraps a transport into an unconnected MCP client.
func NewClient(name string, tr transport) *Client {
	return &Client{name: name, tr: tr}
}

func (c *Client) Name() string { return c.name }

// Connect starts the transport and performs the initialize handshake.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.tr.start(ctx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}

	raw, err := c.tr.call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": models.MCPServerInfo{
			Name:    "chatbridge",
			Version: "0.1.0",
		},
	})
	if err != nil {
		_ = c.tr.close()
		return fmt.Errorf("initialize handshake failed: %w", err)
	}

	var init models.MCPInitializeResult
	if err := json.Unmarshal(raw, &init); err != nil {
		_ = c.tr.close()
		return fmt.Errorf("parse initialize result: %w", err)
	}
	if init.ProtocolVersion != "" && init.ProtocolVersion != protocolVersion {
		log.Warn().
			Str("provider", c.name).
			Str("client", protocolVersion).
			Str("server", init.ProtocolVersion).
			Msg("MCP protocol version mismatch")
	}

	if err := c.tr.notify(ctx, "notifications/initialized", nil); err != nil {
		log.Warn().Err(err).Str("provider", c.name).Msg("Failed to send initialized notification")
	}

	c.mu.Lock()
	c.initialized = true
	c.serverInfo = init.ServerInfo
	c.mu.Unlock()

	log.Info().
		Str("provider", c.name).
		Str("server", init.ServerInfo.Name).
		Str("version", init.ServerInfo.Version).
		Msg("MCP server initialized")
	return nil
}

// ServerInfo returns what the server reported during initialize.
func (c *Client) ServerInfo() models.MCPServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

func (c *Client) request(ctx context.Context, method string, params any, out any) error {
	c.mu.RLock()
	ready := c.initialized
	c.mu.RUnlock()
	if !ready {
		return ErrNotConnected
	}

	raw, err := c.tr.call(ctx, method, params)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: parse result: %w", method, err)
	}
	return nil
}

func (c *Client) ListTools(ctx context.Context) ([]models.MCPToolInfo, error) {
	var resp struct {
		Tools []models.MCPToolInfo `json:"tools"`
	}
	if err := c.request(ctx, "tools/list", nil, &resp); err != nil {
		return nil, err
	}
	log.Debug().Str("provider", c.name).Int("tools", len(resp.Tools)).Msg("Listed tools")
	return resp.Tools, nil
}

func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*models.MCPToolResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	log.Info().Str("provider", c.name).Str("tool", name).Interface("args", args).Msg("Calling tool")

	var result models.MCPToolResult
	if err := c.request(ctx, "tools/call", models.MCPToolCallParams{Name: name, Arguments: args}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) ListResources(ctx context.Context) ([]models.MCPResource, error) {
	var resp struct {
		Resources []models.MCPResource `json:"resources"`
	}
	if err := c.request(ctx, "resources/list", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Resources, nil
}

// ReadResource fetches the contents behind a resource URI.
func (c *Client) ReadResource(ctx context.Context, uri string) ([]models.MCPResourceContents, error) {
	var resp struct {
		Contents []models.MCPResourceContents `json:"contents"`
	}
	if err := c.request(ctx, "resources/read", map[string]any{"uri": uri}, &resp); err != nil {
		return nil, err
	}
	return resp.Contents, nil
}

func (c *Client) ListPrompts(ctx context.Context) ([]models.MCPPrompt, error) {
	var resp struct {
		Prompts []models.MCPPrompt `json:"prompts"`
	}
	if err := c.request(ctx, "prompts/list", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Prompts, nil
}

// GetPrompt renders a prompt with the given arguments.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (*models.MCPPromptResult, error) {
	if args == nil {
		args = map[string]string{}
	}
	var result models.MCPPromptResult
	if err := c.request(ctx, "prompts/get", map[string]any{"name": name, "arguments": args}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Close shuts the transport down. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	c.initialized = false
	c.mu.Unlock()
	return c.tr.close()
}
