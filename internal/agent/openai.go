package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/rs/zerolog/log"
)

// Supported LLM providers. All of them speak the OpenAI chat-completions API.
const (
	ProviderOpenAI = "openai"
	ProviderAzure  = "azure"
	ProviderOllama = "ollama"
)

const (
	defaultOpenAIModel     = "gpt-4o"
	defaultOllamaURL       = "http://localhost:11434/v1"
	defaultAzureAPIVersion = "2024-02-15-preview"
	defaultMaxTokens       = 4096
)

// ModelConfig selects and configures the LLM backend.
type ModelConfig struct {
	Provider   string
	Model      string
	APIKey     string
	BaseURL    string
	APIVersion string // azure only
	Timeout    time.Duration
}

// OpenAIModel is a Model backed by an OpenAI-compatible endpoint.
type OpenAIModel struct {
	client   openai.Client
	provider string
	model    string
}

// NewOpenAIModel builds a client for cfg.Provider.
func NewOpenAIModel(cfg ModelConfig) (*OpenAIModel, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = ProviderOpenAI
	}

	var opts []option.RequestOption
	model := cfg.Model

	switch provider {
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai: API key is required")
		}
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
		if cfg.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.BaseURL))
		}
		if model == "" {
			model = defaultOpenAIModel
		}

	case ProviderAzure:
		if cfg.BaseURL == "" || cfg.APIKey == "" || model == "" {
			return nil, fmt.Errorf("azure: endpoint, API key and deployment are required")
		}
		version := cfg.APIVersion
		if version == "" {
			version = defaultAzureAPIVersion
		}
		base := strings.TrimRight(cfg.BaseURL, "/") + "/openai/deployments/" + model + "/"
		opts = append(opts,
			option.WithBaseURL(base),
			option.WithHeader("api-key", cfg.APIKey),
			option.WithQuery("api-version", version),
		)

	case ProviderOllama:
		base := cfg.BaseURL
		if base == "" {
			base = defaultOllamaURL
		}
		// Ollama ignores the key but the client requires one.
		opts = append(opts, option.WithBaseURL(base), option.WithAPIKey("ollama"))
		if model == "" {
			return nil, fmt.Errorf("ollama: model is required")
		}

	default:
		return nil, fmt.Errorf("unsupported LLM provider %q", cfg.Provider)
	}

	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}

	return &OpenAIModel{
		client:   openai.NewClient(opts...),
		provider: provider,
		model:    model,
	}, nil
}

func (m *OpenAIModel) Name() string { return m.provider + "/" + m.model }

// Complete sends one chat-completion request with the given tools.
func (m *OpenAIModel) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := openai.ChatCompletionNewParams{
		Model:               m.model,
		Messages:            convertMessages(req.Messages),
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
	}
	if tools := convertTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}

	start := time.Now()
	resp, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("%s chat completion: %w", m.provider, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s chat completion: no choices in response", m.provider)
	}

	choice := resp.Choices[0]
	log.Debug().
		Str("model", m.Name()).
		Int64("duration_ms", time.Since(start).Milliseconds()).
		Int64("prompt_tokens", resp.Usage.PromptTokens).
		Int64("completion_tokens", resp.Usage.CompletionTokens).
		Str("finish_reason", string(choice.FinishReason)).
		Msg("Chat completion finished")

	out := &Completion{
		Content:          choice.Message.Content,
		FinishReason:     string(choice.FinishReason),
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

func convertMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case "system":
			out = append(out, openai.SystemMessage(msg.Content))
		case "user":
			out = append(out, openai.UserMessage(msg.Content))
		case "assistant":
			if len(msg.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(msg.Content))
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCallParam, len(msg.ToolCalls))
			for i, tc := range msg.ToolCalls {
				calls[i] = openai.ChatCompletionMessageToolCallParam{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				}
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Content:   openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(msg.Content)},
					ToolCalls: calls,
				},
			})
		case "tool":
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		}
	}
	return out
}

func convertTools(tools []ToolSpec) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, len(tools))
	for i, t := range tools {
		var params shared.FunctionParameters
		if t.Parameters != nil {
			data, _ := json.Marshal(t.Parameters)
			_ = json.Unmarshal(data, &params)
		}
		out[i] = openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  params,
			},
		}
	}
	return out
}
