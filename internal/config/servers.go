package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/agentoven/chatbridge/internal/mcp"
	"gopkg.in/yaml.v3"
)

type serversFile struct {
	MCPServers map[string]mcp.ProviderConfig `json:"mcpServers" yaml:"mcpServers"`
}

// LoadServers reads provider definitions from a JSON or YAML file keyed by
// "mcpServers". Values of the form ${VAR} in env, headers and auth are
// expanded from the process environment.
func LoadServers(path string) (map[string]mcp.ProviderConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read servers file: %w", err)
	}
	return ParseServers(raw, filepath.Ext(path))
}

// ParseServers decodes a servers document; ext selects YAML for ".yaml" and
// ".yml" and JSON otherwise.
func ParseServers(raw []byte, ext string) (map[string]mcp.ProviderConfig, error) {
	var doc serversFile
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("parse servers yaml: %w", err)
		}
	default:
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("parse servers json: %w", err)
		}
	}

	out := make(map[string]mcp.ProviderConfig, len(doc.MCPServers))
	for name, cfg := range doc.MCPServers {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("servers file: empty server name")
		}
		out[name] = expand(cfg)
	}
	return out, nil
}

// ServerNames returns the configured names in sorted order.
func ServerNames(servers map[string]mcp.ProviderConfig) []string {
	names := make([]string, 0, len(servers))
	for n := range servers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func expand(cfg mcp.ProviderConfig) mcp.ProviderConfig {
	cfg.Command = os.ExpandEnv(cfg.Command)
	cfg.URL = os.ExpandEnv(cfg.URL)
	cfg.Env = expandMap(cfg.Env)
	cfg.Headers = expandMap(cfg.Headers)
	if cfg.Auth != nil {
		auth := *cfg.Auth
		auth.Token = os.ExpandEnv(auth.Token)
		auth.Key = os.ExpandEnv(auth.Key)
		cfg.Auth = &auth
	}
	return cfg
}

func expandMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = os.ExpandEnv(v)
	}
	return out
}
