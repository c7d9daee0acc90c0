// Package handlers implements the admin HTTP handlers: provider and tool
// listings plus direct tool, resource and prompt access for operators.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/agentoven/chatbridge/internal/mcp"
	"github.com/agentoven/chatbridge/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Registry is the provider registry as the admin API sees it.
type Registry interface {
	Names() []string
	Tools(provider string) ([]models.MCPToolInfo, error)
	Catalog() []models.CatalogEntry
	Call(ctx context.Context, provider, tool string, args map[string]any) (*models.MCPToolResult, error)
	Resources(ctx context.Context, provider string) ([]models.MCPResource, error)
	ReadResource(ctx context.Context, provider, uri string) ([]models.MCPResourceContents, error)
	Prompts(ctx context.Context, provider string) ([]models.MCPPrompt, error)
	GetPrompt(ctx context.Context, provider, name string, args map[string]string) (*models.MCPPromptResult, error)
}

// Handlers holds all handler dependencies.
type Handlers struct {
	Registry Registry
}

func New(reg Registry) *Handlers {
	return &Handlers{Registry: reg}
}

// ── Providers ───────────────────────────────────────────────

type serverSummary struct {
	Name  string `json:"name"`
	Tools int    `json:"tools"`
}

func (h *Handlers) ListServers(w http.ResponseWriter, r *http.Request) {
	out := []serverSummary{}
	for _, name := range h.Registry.Names() {
		tools, err := h.Registry.Tools(name)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out = append(out, serverSummary{Name: name, Tools: len(tools)})
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *Handlers) ListServerTools(w http.ResponseWriter, r *http.Request) {
	tools, err := h.Registry.Tools(chi.URLParam(r, "name"))
	if err != nil {
		respondRegistryError(w, err)
		return
	}
	if tools == nil {
		tools = []models.MCPToolInfo{}
	}
	respondJSON(w, http.StatusOK, tools)
}

func (h *Handlers) ListTools(w http.ResponseWriter, r *http.Request) {
	catalog := h.Registry.Catalog()
	if catalog == nil {
		catalog = []models.CatalogEntry{}
	}
	respondJSON(w, http.StatusOK, catalog)
}

// ── Invocation ──────────────────────────────────────────────

type callRequest struct {
	Arguments map[string]any `json:"arguments"`
}

type callResponse struct {
	ID       string                `json:"id"`
	Provider string                `json:"provider"`
	Tool     string                `json:"tool"`
	Status   string                `json:"status"`
	Text     string                `json:"text"`
	Result   *models.MCPToolResult `json:"result"`
	Duration string                `json:"duration"`
}

func (h *Handlers) CallTool(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "name")
	tool := chi.URLParam(r, "tool")

	var req callRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	if req.Arguments == nil {
		req.Arguments = map[string]any{}
	}

	id := uuid.New().String()
	start := time.Now()
	result, err := h.Registry.Call(r.Context(), provider, tool, req.Arguments)
	if err != nil {
		log.Warn().Err(err).Str("call_id", id).Str("provider", provider).Str("tool", tool).Msg("Admin tool call failed")
		respondRegistryError(w, err)
		return
	}

	log.Info().Str("call_id", id).Str("provider", provider).Str("tool", tool).Msg("Admin tool call")
	respondJSON(w, http.StatusOK, callResponse{
		ID:       id,
		Provider: provider,
		Tool:     tool,
		Status:   result.Status(),
		Text:     result.Text(),
		Result:   result,
		Duration: time.Since(start).String(),
	})
}

func (h *Handlers) ListResources(w http.ResponseWriter, r *http.Request) {
	res, err := h.Registry.Resources(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		respondRegistryError(w, err)
		return
	}
	if res == nil {
		res = []models.MCPResource{}
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *Handlers) ReadResource(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URI string `json:"uri"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URI == "" {
		respondError(w, http.StatusBadRequest, "uri is required")
		return
	}
	contents, err := h.Registry.ReadResource(r.Context(), chi.URLParam(r, "name"), req.URI)
	if err != nil {
		respondRegistryError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, contents)
}

func (h *Handlers) ListPrompts(w http.ResponseWriter, r *http.Request) {
	prompts, err := h.Registry.Prompts(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		respondRegistryError(w, err)
		return
	}
	if prompts == nil {
		prompts = []models.MCPPrompt{}
	}
	respondJSON(w, http.StatusOK, prompts)
}

func (h *Handlers) GetPrompt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Arguments map[string]string `json:"arguments"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	result, err := h.Registry.GetPrompt(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "prompt"), req.Arguments)
	if err != nil {
		respondRegistryError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// ── Helpers ─────────────────────────────────────────────────

func respondRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, mcp.ErrUnknownProvider), errors.Is(err, mcp.ErrUnknownTool):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, mcp.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, err.Error())
	default:
		var toolErr *mcp.ToolError
		if errors.As(err, &toolErr) {
			respondError(w, http.StatusBadGateway, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
