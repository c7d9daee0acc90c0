package mcp

import (
	"fmt"
	"strings"
	"time"
)

const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// ProviderConfig is one entry of the "mcpServers" map.
type ProviderConfig struct {
	Type    string            `json:"type,omitempty" yaml:"type,omitempty"`
	Command string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Auth    *AuthConfig       `json:"auth,omitempty" yaml:"auth,omitempty"`
	Timeout time.Duration     `json:"-" yaml:"-"`
}

// AuthConfig configures HTTP provider authentication.
// Type is "bearer" (Token) or "api-key" (Header + Key).
type AuthConfig struct {
	Type   string `json:"type" yaml:"type"`
	Token  string `json:"token,omitempty" yaml:"token,omitempty"`
	Header string `json:"header,omitempty" yaml:"header,omitempty"`
	Key    string `json:"key,omitempty" yaml:"key,omitempty"`
}

// Transport resolves the transport kind. A missing type means stdio when a
// command is set and http when only a URL is set.
func (c ProviderConfig) Transport() string {
	t := strings.ToLower(strings.TrimSpace(c.Type))
	switch {
	case t == "sse" || t == "streamable-http" || t == "streamable_http":
		return TransportHTTP
	case t != "":
		return t
	case c.Command == "" && c.URL != "":
		return TransportHTTP
	default:
		return TransportStdio
	}
}

// NewProvider builds an unconnected provider for cfg.
func NewProvider(name string, cfg ProviderConfig) (Provider, error) {
	switch cfg.Transport() {
	case TransportStdio:
		if strings.TrimSpace(cfg.Command) == "" {
			return nil, fmt.Errorf("server %q: command is required for stdio transport", name)
		}
		return NewClient(name, newStdioTransport(name, cfg)), nil
	case TransportHTTP:
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, fmt.Errorf("server %q: url is required for http transport", name)
		}
		return NewClient(name, newHTTPTransport(name, cfg)), nil
	default:
		return nil, fmt.Errorf("server %q: unknown server type %q", name, cfg.Type)
	}
}
