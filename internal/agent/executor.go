// Package agent runs the LLM tool-use loop that answers natural-language
// messages:
//
//	system prompt + thread history + query → Model →
//	if tool calls, execute each against the tool catalog →
//	feed results back → repeat until a text answer or max turns.
//
// The returned transcript is what the response assembler walks.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agentoven/chatbridge/pkg/models"
	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultMaxTurns is the maximum number of LLM ↔ tool loops.
const DefaultMaxTurns = 10

var tracer = otel.Tracer("chatbridge/agent")

// Request is one natural-language query in the context of its thread.
type Request struct {
	History  []models.ConversationMessage
	Query    string
	UserID   string
	Metadata map[string]string
}

// Runtime answers a query. The result holds the history, the query as a user
// turn and then the runtime's own turns.
type Runtime interface {
	Run(ctx context.Context, req Request) ([]models.Turn, error)
}

// ToolSource is the tool catalog the agent may call into.
type ToolSource interface {
	Catalog() []models.CatalogEntry
	CallNamespaced(ctx context.Context, name string, args map[string]any) (*models.MCPToolResult, error)
}

type Options struct {
	SystemPrompt string
	MaxTurns     int
	MaxTokens    int
}

// Executor runs the tool-use loop against a Model.
type Executor struct {
	model Model
	tools ToolSource
	opts  Options
}

func NewExecutor(model Model, tools ToolSource, opts Options) *Executor {
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = DefaultMaxTurns
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = SystemPrompt(TypeSimple)
	}
	return &Executor{model: model, tools: tools, opts: opts}
}

// Run executes the loop for req.
func (e *Executor) Run(ctx context.Context, req Request) ([]models.Turn, error) {
	runID := uuid.New().String()
	ctx, span := tracer.Start(ctx, "agent.run")
	span.SetAttributes(
		attribute.String("agent.run_id", runID),
		attribute.String("agent.model", e.model.Name()),
	)
	defer span.End()

	start := time.Now()
	specs, names := e.toolSpecs()

	turns := make([]models.Turn, 0, len(req.History)+4)
	messages := make([]Message, 0, len(req.History)+2)
	messages = append(messages, Message{Role: "system", Content: RenderPrompt(e.opts.SystemPrompt, req.Metadata)})

	for _, m := range req.History {
		turns = append(turns, models.TextTurn(m.Role, m.Content))
		messages = append(messages, Message{Role: string(m.Role), Content: m.Content})
	}
	turns = append(turns, models.TextTurn(models.RoleUser, req.Query))
	messages = append(messages, Message{Role: "user", Content: req.Query})

	var promptTokens, completionTokens int
	for turn := 1; turn <= e.opts.MaxTurns; turn++ {
		resp, err := e.model.Complete(ctx, CompletionRequest{
			Messages:  messages,
			Tools:     specs,
			MaxTokens: e.opts.MaxTokens,
		})
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("model call failed (turn %d): %w", turn, err)
		}
		promptTokens += resp.PromptTokens
		completionTokens += resp.CompletionTokens

		if len(resp.ToolCalls) == 0 {
			turns = append(turns, models.TextTurn(models.RoleAssistant, resp.Content))
			log.Info().
				Str("run_id", runID).
				Str("user_id", req.UserID).
				Int("turns", turn).
				Int("prompt_tokens", promptTokens).
				Int("completion_tokens", completionTokens).
				Int64("total_ms", time.Since(start).Milliseconds()).
				Msg("Agent run complete")
			return turns, nil
		}

		if resp.Content != "" {
			turns = append(turns, models.TextTurn(models.RoleAssistant, resp.Content))
		}
		messages = append(messages, Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})

		for _, tc := range resp.ToolCalls {
			name := tc.Name
			if original, ok := names[tc.Name]; ok {
				name = original
			}
			args := parseArguments(tc.Arguments)
			turns = append(turns, models.ToolCallTurn(tc.ID, name, args))

			content, status := e.executeTool(ctx, name, args)
			turns = append(turns, models.ToolResultTurn(tc.ID, name, content, status))
			messages = append(messages, Message{Role: "tool", Content: content, ToolCallID: tc.ID})
		}

		log.Debug().
			Str("run_id", runID).
			Int("turn", turn).
			Int("tool_calls", len(resp.ToolCalls)).
			Msg("Agent loop continuing")
	}

	log.Warn().
		Str("run_id", runID).
		Int("max_turns", e.opts.MaxTurns).
		Msg("Agent hit max turns")

	turns = append(turns, models.TextTurn(models.RoleAssistant,
		fmt.Sprintf("[Max turns (%d) reached] Stopping before a final answer.", e.opts.MaxTurns)))
	return turns, nil
}

// toolSpecs exposes the catalog with names the model accepts and returns the
// mapping back to catalog names.
func (e *Executor) toolSpecs() ([]ToolSpec, map[string]string) {
	if e.tools == nil {
		return nil, nil
	}
	catalog := e.tools.Catalog()
	specs := make([]ToolSpec, 0, len(catalog))
	names := make(map[string]string, len(catalog))
	for _, ce := range catalog {
		sanitized := SanitizeToolName(ce.Name)
		if prev, dup := names[sanitized]; dup {
			log.Warn().Str("tool", ce.Name).Str("shadowed_by", prev).Msg("Skipping tool whose function name is already taken")
			continue
		}
		names[sanitized] = ce.Name
		params := ce.InputSchema
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		specs = append(specs, ToolSpec{Name: sanitized, Description: ce.Description, Parameters: params})
	}
	return specs, names
}

func (e *Executor) executeTool(ctx context.Context, name string, args map[string]any) (string, string) {
	if e.tools == nil {
		return "Error: no tools available", models.ToolStatusError
	}
	result, err := e.tools.CallNamespaced(ctx, name, args)
	if err != nil {
		log.Warn().Err(err).Str("tool", name).Msg("Agent tool call failed")
		return "Error: " + err.Error(), models.ToolStatusError
	}
	return result.Text(), result.Status()
}

// SanitizeToolName maps a "provider.tool" catalog name onto the function-name
// alphabet accepted by OpenAI-compatible APIs.
func SanitizeToolName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '.':
			b.WriteString("__")
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// parseArguments decodes model-produced JSON arguments, repairing them when
// the model emitted malformed JSON.
func parseArguments(raw string) map[string]any {
	args := map[string]any{}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err == nil {
		if args == nil {
			return map[string]any{}
		}
		return args
	}
	fixed, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		log.Warn().Err(err).Str("arguments", raw).Msg("Unparseable tool arguments")
		return map[string]any{}
	}
	args = map[string]any{}
	if err := json.Unmarshal([]byte(fixed), &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}
