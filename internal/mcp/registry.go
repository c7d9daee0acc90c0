package mcp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentoven/chatbridge/internal/metrics"
	"github.com/agentoven/chatbridge/pkg/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var tracer = otel.Tracer("chatbridge/mcp")

// Options tunes how the registry connects and calls providers.
type Options struct {
	ConnectTimeout time.Duration
	CallTimeout    time.Duration

	// Factory builds providers from configs. Defaults to NewProvider.
	Factory func(name string, cfg ProviderConfig) (Provider, error)
	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 30 * time.Second
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 60 * time.Second
	}
	if o.Factory == nil {
		o.Factory = NewProvider
	}
	return o
}

type entry struct {
	turn     *semaphore.Weighted // one request to the provider at a time
	provider Provider
	tools    []models.MCPToolInfo
}

// Registry owns the connected providers and their namespaced tool catalog.
// Membership and the catalog are fixed once Connect returns.
type Registry struct {
	opts    Options
	entries map[string]*entry
	names   []string
	catalog []models.CatalogEntry
	index   map[string]models.CatalogEntry
}

// Connect brings up every configured provider concurrently. A provider that
// fails to connect or list its tools is logged and left out. ErrNoProviders
// is returned when none succeed.
func Connect(ctx context.Context, configs map[string]ProviderConfig, opts Options) (*Registry, error) {
	opts = opts.withDefaults()

	var (
		mu        sync.Mutex
		connected = make(map[string]*entry, len(configs))
		failures  []error
	)

	// Goroutines never return an error so one failure cannot cancel the rest.
	g, gctx := errgroup.WithContext(ctx)
	for name, cfg := range configs {
		g.Go(func() error {
			e, err := connectOne(gctx, name, cfg, opts)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				log.Error().Err(err).Str("provider", name).Msg("Failed to connect to MCP server")
				return nil
			}
			connected[name] = e
			return nil
		})
	}
	_ = g.Wait()

	if len(connected) == 0 {
		if len(failures) > 0 {
			return nil, fmt.Errorf("%w: %w", ErrNoProviders, errors.Join(failures...))
		}
		return nil, ErrNoProviders
	}

	r := newRegistry(connected, opts)
	opts.Metrics.SetProviders(len(r.names))
	log.Info().
		Strs("providers", r.names).
		Int("tools", len(r.catalog)).
		Int("failed", len(failures)).
		Msg("MCP registry ready")
	return r, nil
}

func connectOne(ctx context.Context, name string, cfg ProviderConfig, opts Options) (*entry, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = opts.CallTimeout
	}
	p, err := opts.Factory(name, cfg)
	if err != nil {
		return nil, &ConnectError{Provider: name, Err: err}
	}

	cctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	if err := p.Connect(cctx); err != nil {
		_ = p.Close()
		return nil, &ConnectError{Provider: name, Err: err}
	}
	tools, err := p.ListTools(cctx)
	if err != nil {
		_ = p.Close()
		return nil, &ConnectError{Provider: name, Err: fmt.Errorf("list tools: %w", err)}
	}

	log.Info().Str("provider", name).Int("tools", len(tools)).Msg("Connected to MCP server")
	return &entry{turn: semaphore.NewWeighted(1), provider: p, tools: tools}, nil
}

func newRegistry(entries map[string]*entry, opts Options) *Registry {
	r := &Registry{
		opts:    opts,
		entries: entries,
		index:   make(map[string]models.CatalogEntry),
	}
	for name := range entries {
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)

	// Dotted provider or tool names can map two tools onto one key; the
	// first provider in name order keeps it.
	for _, name := range r.names {
		for _, t := range entries[name].tools {
			ce := models.CatalogEntry{
				Provider:    name,
				Tool:        t.Name,
				Name:        models.NamespacedTool(name, t.Name),
				Description: t.Description,
				InputSchema: t.InputSchema,
			}
			if prev, dup := r.index[ce.Name]; dup {
				log.Warn().
					Str("tool", ce.Name).
					Str("provider", name).
					Str("shadowed_by", prev.Provider).
					Msg("Skipping tool whose catalog name is already taken")
				continue
			}
			r.catalog = append(r.catalog, ce)
			r.index[ce.Name] = ce
		}
	}
	return r
}

// Names returns the connected provider names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

func (r *Registry) Has(name string) bool {
	_, ok := r.entries[name]
	return ok
}

// Provider returns the live provider registered under name.
func (r *Registry) Provider(name string) (Provider, bool) {
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.provider, true
}

// Tools returns the tools one provider advertised at connect time.
func (r *Registry) Tools(name string) ([]models.MCPToolInfo, error) {
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	out := make([]models.MCPToolInfo, len(e.tools))
	copy(out, e.tools)
	return out, nil
}

// Catalog returns every tool keyed "provider.tool".
func (r *Registry) Catalog() []models.CatalogEntry {
	out := make([]models.CatalogEntry, len(r.catalog))
	copy(out, r.catalog)
	return out
}

// Lookup resolves a namespaced tool name.
func (r *Registry) Lookup(namespaced string) (models.CatalogEntry, bool) {
	ce, ok := r.index[namespaced]
	return ce, ok
}

// Call invokes tool on provider, one call per provider at a time, bounded by
// the call timeout. Failures are returned as *ToolError.
func (r *Registry) Call(ctx context.Context, provider, tool string, args map[string]any) (*models.MCPToolResult, error) {
	e, ok := r.entries[provider]
	if !ok {
		return nil, &ToolError{Provider: provider, Tool: tool, Err: ErrUnknownProvider}
	}

	ctx, span := tracer.Start(ctx, "mcp.call_tool")
	span.SetAttributes(
		attribute.String("mcp.provider", provider),
		attribute.String("mcp.tool", tool),
	)
	defer span.End()

	start := time.Now()
	ctx, release, err := r.acquire(ctx, e)
	var result *models.MCPToolResult
	if err == nil {
		result, err = e.provider.CallTool(ctx, tool, args)
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		release()
	}
	r.opts.Metrics.ObserveToolCall(provider, err, time.Since(start))

	if err != nil {
		err = deadlineError("tool call", err, start)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, &ToolError{Provider: provider, Tool: tool, Err: err}
	}
	return result, nil
}

// CallNamespaced invokes a catalog entry by its "provider.tool" name.
func (r *Registry) CallNamespaced(ctx context.Context, namespaced string, args map[string]any) (*models.MCPToolResult, error) {
	ce, ok := r.Lookup(namespaced)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, namespaced)
	}
	return r.Call(ctx, ce.Provider, ce.Tool, args)
}

func (r *Registry) Resources(ctx context.Context, provider string) ([]models.MCPResource, error) {
	e, ok := r.entries[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	start := time.Now()
	ctx, release, err := r.acquire(ctx, e)
	if err != nil {
		return nil, deadlineError("request", err, start)
	}
	defer release()
	out, err := e.provider.ListResources(ctx)
	if err != nil {
		return nil, deadlineError("request", err, start)
	}
	return out, nil
}

func (r *Registry) Prompts(ctx context.Context, provider string) ([]models.MCPPrompt, error) {
	e, ok := r.entries[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	start := time.Now()
	ctx, release, err := r.acquire(ctx, e)
	if err != nil {
		return nil, deadlineError("request", err, start)
	}
	defer release()
	out, err := e.provider.ListPrompts(ctx)
	if err != nil {
		return nil, deadlineError("request", err, start)
	}
	return out, nil
}

func (r *Registry) ReadResource(ctx context.Context, provider, uri string) ([]models.MCPResourceContents, error) {
	e, ok := r.entries[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	start := time.Now()
	ctx, release, err := r.acquire(ctx, e)
	if err != nil {
		return nil, deadlineError("request", err, start)
	}
	defer release()
	out, err := e.provider.ReadResource(ctx, uri)
	if err != nil {
		return nil, deadlineError("request", err, start)
	}
	return out, nil
}

func (r *Registry) GetPrompt(ctx context.Context, provider, name string, args map[string]string) (*models.MCPPromptResult, error) {
	e, ok := r.entries[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	start := time.Now()
	ctx, release, err := r.acquire(ctx, e)
	if err != nil {
		return nil, deadlineError("request", err, start)
	}
	defer release()
	out, err := e.provider.GetPrompt(ctx, name, args)
	if err != nil {
		return nil, deadlineError("request", err, start)
	}
	return out, nil
}

// acquire waits for the provider's turn. The call timeout and the caller's
// deadline bound the wait and the request together; release frees the turn.
func (r *Registry) acquire(ctx context.Context, e *entry) (context.Context, func(), error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
	if err := e.turn.Acquire(ctx, 1); err != nil {
		cancel()
		return nil, nil, err
	}
	return ctx, func() {
		e.turn.Release(1)
		cancel()
	}, nil
}

// deadlineError reports an expired deadline as ErrTimeout with the time
// actually spent.
func deadlineError(what string, err error, start time.Time) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		return fmt.Errorf("%s %w after %s", what, ErrTimeout, time.Since(start).Round(time.Millisecond))
	}
	return err
}

// Close closes every provider. Individual failures are logged and joined.
func (r *Registry) Close() error {
	var errs []error
	for _, name := range r.names {
		if err := r.entries[name].provider.Close(); err != nil {
			log.Warn().Err(err).Str("provider", name).Msg("Failed to close MCP server")
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	r.opts.Metrics.SetProviders(0)
	return errors.Join(errs...)
}
