package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the chat bridge.
type Config struct {
	Version    string
	LogLevel   string
	LogFormat  string
	Mattermost MattermostConfig
	Dispatch   DispatchConfig
	Agent      AgentConfig
	MCP        MCPConfig
	Admin      AdminConfig
	Telemetry  TelemetryConfig
}

type MattermostConfig struct {
	// Host may be a bare host name or a full URL; a full URL wins over
	// Scheme and Port.
	Host   string
	Scheme string
	Port   int
	Token  string

	TeamName    string
	ChannelName string
	// ChannelID is detected from TeamName/ChannelName when empty.
	ChannelID string
}

// URL is the server root the REST and websocket clients use.
func (m MattermostConfig) URL() string {
	host := strings.TrimRight(strings.TrimSpace(m.Host), "/")
	if strings.Contains(host, "://") {
		return host
	}
	scheme := m.Scheme
	if scheme == "" {
		scheme = "http"
	}
	if m.Port > 0 && !strings.Contains(host, ":") {
		return fmt.Sprintf("%s://%s:%d", scheme, host, m.Port)
	}
	return scheme + "://" + host
}

type DispatchConfig struct {
	CommandPrefix  string
	AgentTimeout   time.Duration
	HistoryTimeout time.Duration
	MaxInFlight    int
	ReactionEmoji  string
}

type AgentConfig struct {
	Type         string // simple | github
	Provider     string // openai | azure | ollama
	Model        string
	APIKey       string
	BaseURL      string
	APIVersion   string
	Timeout      time.Duration
	MaxTurns     int
	MaxTokens    int
	SystemPrompt string // overrides the prompt chosen by Type
	GitHubRepo   string
}

type MCPConfig struct {
	ServersFile    string
	ConnectTimeout time.Duration
	CallTimeout    time.Duration
}

type AdminConfig struct {
	Enabled     bool
	Port        int
	APIKeys     []string
	CORSOrigins []string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// LoadDotenv reads .env files into the process environment. Variables that
// are already set keep their values; a missing file is not an error.
func LoadDotenv(files ...string) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		_ = godotenv.Load(f)
	}
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	provider := strings.ToLower(envStr("DEFAULT_PROVIDER", "openai"))
	return &Config{
		Version:   envStr("CHATBRIDGE_VERSION", "0.1.0"),
		LogLevel:  envStr("LOG_LEVEL", "info"),
		LogFormat: envStr("LOG_FORMAT", "console"),
		Mattermost: MattermostConfig{
			Host:        envStr("MATTERMOST_URL", "localhost"),
			Scheme:      envStr("MATTERMOST_SCHEME", "http"),
			Port:        envInt("MATTERMOST_PORT", 8065),
			Token:       envStr("MATTERMOST_TOKEN", ""),
			TeamName:    envStr("MATTERMOST_TEAM_NAME", "test"),
			ChannelName: envStr("MATTERMOST_CHANNEL_NAME", "mcp-client"),
			ChannelID:   envStr("MATTERMOST_CHANNEL_ID", ""),
		},
		Dispatch: DispatchConfig{
			CommandPrefix:  envStr("COMMAND_PREFIX", "/"),
			AgentTimeout:   envDuration("AGENT_TIMEOUT", 5*time.Minute),
			HistoryTimeout: envDuration("HISTORY_TIMEOUT", 10*time.Second),
			MaxInFlight:    envInt("CHATBRIDGE_MAX_INFLIGHT", 8),
			ReactionEmoji:  envStr("REACTION_EMOJI", "thumbsup"),
		},
		Agent: AgentConfig{
			Type:         strings.ToLower(envStr("AGENT_TYPE", "simple")),
			Provider:     provider,
			Model:        envStr("DEFAULT_MODEL", defaultModel(provider)),
			APIKey:       apiKey(provider),
			BaseURL:      baseURL(provider),
			APIVersion:   envStr("AZURE_OPENAI_API_VERSION", ""),
			Timeout:      envDuration("LLM_TIMEOUT", 2*time.Minute),
			MaxTurns:     envInt("AGENT_MAX_TURNS", 10),
			MaxTokens:    envInt("AGENT_MAX_TOKENS", 4096),
			SystemPrompt: envStr("DEFAULT_SYSTEM_PROMPT", ""),
			GitHubRepo:   envStr("GITHUB_REPOSITORY", ""),
		},
		MCP: MCPConfig{
			ServersFile:    envStr("MCP_SERVERS_FILE", "mcp-servers.json"),
			ConnectTimeout: envDuration("MCP_CONNECT_TIMEOUT", 30*time.Second),
			CallTimeout:    envDuration("MCP_CALL_TIMEOUT", 60*time.Second),
		},
		Admin: AdminConfig{
			Enabled:     envBool("ADMIN_ENABLED", true),
			Port:        envInt("ADMIN_PORT", 8080),
			APIKeys:     envList("CHATBRIDGE_API_KEYS"),
			CORSOrigins: envList("ADMIN_CORS_ORIGINS"),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "chatbridge"),
		},
	}
}

// Validate reports settings the bridge cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Mattermost.Token) == "" {
		errs = append(errs, errors.New("MATTERMOST_TOKEN is required"))
	}
	if strings.TrimSpace(c.Mattermost.Host) == "" {
		errs = append(errs, errors.New("MATTERMOST_URL is required"))
	}
	if c.Dispatch.CommandPrefix == "" {
		errs = append(errs, errors.New("COMMAND_PREFIX must not be empty"))
	}
	switch c.Agent.Type {
	case "simple", "github":
	default:
		errs = append(errs, fmt.Errorf("AGENT_TYPE %q is not one of simple, github", c.Agent.Type))
	}
	if c.Agent.MaxTurns <= 0 {
		errs = append(errs, errors.New("AGENT_MAX_TURNS must be positive"))
	}
	return errors.Join(errs...)
}

func defaultModel(provider string) string {
	switch provider {
	case "azure":
		return envStr("AZURE_OPENAI_DEPLOYMENT", "gpt-4o")
	case "ollama":
		return envStr("OLLAMA_MODEL", "llama3.1")
	default:
		return envStr("OPENAI_MODEL", "gpt-4o")
	}
}

func apiKey(provider string) string {
	switch provider {
	case "azure":
		return envStr("AZURE_OPENAI_API_KEY", "")
	case "ollama":
		return ""
	default:
		return envStr("OPENAI_API_KEY", "")
	}
}

func baseURL(provider string) string {
	switch provider {
	case "azure":
		return envStr("AZURE_OPENAI_ENDPOINT", "")
	case "ollama":
		return envStr("OLLAMA_BASE_URL", "")
	default:
		return envStr("OPENAI_BASE_URL", "")
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// envDuration accepts Go durations ("90s") or a bare number of seconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
