package mcp

import (
	"errors"
	"fmt"
)

var (
	// ErrNoProviders is returned by Connect when no configured provider
	// could be connected. It is the only fatal registry error.
	ErrNoProviders = errors.New("no MCP servers could be connected")

	ErrUnknownProvider = errors.New("unknown MCP server")
	ErrUnknownTool     = errors.New("unknown tool")
	ErrNotConnected    = errors.New("MCP client not connected")
	ErrTimeout         = errors.New("timed out")
)

// ConnectError records why one provider was left out of the registry.
type ConnectError struct {
	Provider string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Provider, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ToolError is a failed tool invocation, named by provider and tool.
type ToolError struct {
	Provider string
	Tool     string
	Err      error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("Error calling tool %s on %s: %v", e.Tool, e.Provider, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }
