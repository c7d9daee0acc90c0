package mcp_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentoven/chatbridge/internal/mcp"
	"github.com/agentoven/chatbridge/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	name       string
	tools      []models.MCPToolInfo
	connectErr error
	closeErr   error
	callDelay  time.Duration

	mu      sync.Mutex
	calls   []string
	closed  bool
	active  atomic.Int32
	overlap atomic.Bool
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Connect(context.Context) error { return f.connectErr }

func (f *fakeProvider) ListTools(context.Context) ([]models.MCPToolInfo, error) {
	return f.tools, nil
}

func (f *fakeProvider) CallTool(ctx context.Context, name string, args map[string]any) (*models.MCPToolResult, error) {
	if f.active.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.active.Add(-1)

	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()

	if f.callDelay > 0 {
		select {
		case <-time.After(f.callDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &models.MCPToolResult{Content: []models.MCPContent{{Type: "text", Text: name + " ok"}}}, nil
}

func (f *fakeProvider) ListResources(context.Context) ([]models.MCPResource, error) {
	return []models.MCPResource{{URI: "file:///readme", Name: "readme"}}, nil
}

func (f *fakeProvider) ListPrompts(context.Context) ([]models.MCPPrompt, error) {
	return []models.MCPPrompt{{Name: "summarize"}}, nil
}

func (f *fakeProvider) ReadResource(_ context.Context, uri string) ([]models.MCPResourceContents, error) {
	return []models.MCPResourceContents{{URI: uri, Text: "contents of " + uri}}, nil
}

func (f *fakeProvider) GetPrompt(_ context.Context, name string, _ map[string]string) (*models.MCPPromptResult, error) {
	return &models.MCPPromptResult{Description: name}, nil
}

func (f *fakeProvider) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return f.closeErr
}

func factoryFor(providers map[string]*fakeProvider) func(string, mcp.ProviderConfig) (mcp.Provider, error) {
	return func(name string, _ mcp.ProviderConfig) (mcp.Provider, error) {
		p, ok := providers[name]
		if !ok {
			return nil, errors.New("no such fake")
		}
		return p, nil
	}
}

func TestConnectIsolatesFailingProvider(t *testing.T) {
	github := &fakeProvider{name: "github", tools: []models.MCPToolInfo{{Name: "search", Description: "Search code"}}}
	broken := &fakeProvider{name: "broken", connectErr: errors.New("connection refused")}

	reg, err := mcp.Connect(context.Background(), map[string]mcp.ProviderConfig{
		"github": {Command: "github-mcp"},
		"broken": {Command: "broken-mcp"},
	}, mcp.Options{Factory: factoryFor(map[string]*fakeProvider{"github": github, "broken": broken})})
	require.NoError(t, err)
	defer reg.Close()

	assert.Equal(t, []string{"github"}, reg.Names())
	assert.False(t, reg.Has("broken"))
	assert.True(t, broken.closed)

	for _, ce := range reg.Catalog() {
		assert.Equal(t, "github", ce.Provider)
	}
}

func TestConnectNoProviders(t *testing.T) {
	broken := &fakeProvider{name: "broken", connectErr: errors.New("connection refused")}

	_, err := mcp.Connect(context.Background(), map[string]mcp.ProviderConfig{
		"broken": {Command: "broken-mcp"},
	}, mcp.Options{Factory: factoryFor(map[string]*fakeProvider{"broken": broken})})
	require.Error(t, err)
	assert.ErrorIs(t, err, mcp.ErrNoProviders)

	var ce *mcp.ConnectError
	assert.ErrorAs(t, err, &ce)

	_, err = mcp.Connect(context.Background(), nil, mcp.Options{})
	assert.ErrorIs(t, err, mcp.ErrNoProviders)
}

func TestCatalogNamespacesCollidingTools(t *testing.T) {
	a := &fakeProvider{name: "a", tools: []models.MCPToolInfo{{Name: "search"}}}
	b := &fakeProvider{name: "b", tools: []models.MCPToolInfo{{Name: "search"}}}

	reg, err := mcp.Connect(context.Background(), map[string]mcp.ProviderConfig{
		"a": {Command: "a"},
		"b": {Command: "b"},
	}, mcp.Options{Factory: factoryFor(map[string]*fakeProvider{"a": a, "b": b})})
	require.NoError(t, err)

	var names []string
	for _, ce := range reg.Catalog() {
		names = append(names, ce.Name)
	}
	assert.Equal(t, []string{"a.search", "b.search"}, names)

	res, err := reg.CallNamespaced(context.Background(), "b.search", nil)
	require.NoError(t, err)
	assert.Equal(t, "search ok", res.Text())
	assert.Empty(t, a.calls)
	assert.Equal(t, []string{"search"}, b.calls)

	_, err = reg.CallNamespaced(context.Background(), "c.search", nil)
	assert.ErrorIs(t, err, mcp.ErrUnknownTool)
}

func TestCallSerializesPerProvider(t *testing.T) {
	p := &fakeProvider{name: "slow", tools: []models.MCPToolInfo{{Name: "work"}}, callDelay: 10 * time.Millisecond}
	reg, err := mcp.Connect(context.Background(), map[string]mcp.ProviderConfig{"slow": {Command: "slow"}},
		mcp.Options{Factory: factoryFor(map[string]*fakeProvider{"slow": p})})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.Call(context.Background(), "slow", "work", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.False(t, p.overlap.Load())
	assert.Len(t, p.calls, 5)
}

func TestCallTimeoutIsToolError(t *testing.T) {
	p := &fakeProvider{name: "slow", tools: []models.MCPToolInfo{{Name: "work"}}, callDelay: time.Second}
	reg, err := mcp.Connect(context.Background(), map[string]mcp.ProviderConfig{"slow": {Command: "slow"}},
		mcp.Options{CallTimeout: 20 * time.Millisecond, Factory: factoryFor(map[string]*fakeProvider{"slow": p})})
	require.NoError(t, err)

	_, err = reg.Call(context.Background(), "slow", "work", nil)
	require.Error(t, err)

	var te *mcp.ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "slow", te.Provider)
	assert.Equal(t, "work", te.Tool)
	assert.ErrorIs(t, err, mcp.ErrTimeout)
	assert.Contains(t, err.Error(), "Error calling tool work on slow")
}

func TestCallUnknownProvider(t *testing.T) {
	p := &fakeProvider{name: "a"}
	reg, err := mcp.Connect(context.Background(), map[string]mcp.ProviderConfig{"a": {Command: "a"}},
		mcp.Options{Factory: factoryFor(map[string]*fakeProvider{"a": p})})
	require.NoError(t, err)

	_, err = reg.Call(context.Background(), "zzz", "x", nil)
	assert.ErrorIs(t, err, mcp.ErrUnknownProvider)
}

func TestResourcesAndPrompts(t *testing.T) {
	p := &fakeProvider{name: "docs"}
	reg, err := mcp.Connect(context.Background(), map[string]mcp.ProviderConfig{"docs": {Command: "docs"}},
		mcp.Options{Factory: factoryFor(map[string]*fakeProvider{"docs": p})})
	require.NoError(t, err)

	res, err := reg.Resources(context.Background(), "docs")
	require.NoError(t, err)
	assert.Equal(t, "file:///readme (readme)", res[0].String())

	prompts, err := reg.Prompts(context.Background(), "docs")
	require.NoError(t, err)
	assert.Equal(t, "summarize", prompts[0].String())

	contents, err := reg.ReadResource(context.Background(), "docs", "file:///readme")
	require.NoError(t, err)
	assert.Equal(t, "contents of file:///readme", contents[0].Text)

	prompt, err := reg.GetPrompt(context.Background(), "docs", "summarize", nil)
	require.NoError(t, err)
	assert.Equal(t, "summarize", prompt.Description)

	_, err = reg.ReadResource(context.Background(), "nope", "x")
	assert.ErrorIs(t, err, mcp.ErrUnknownProvider)

	require.NoError(t, reg.Close())
	assert.True(t, p.closed)
}

func TestProviderConfigTransport(t *testing.T) {
	assert.Equal(t, mcp.TransportStdio, mcp.ProviderConfig{Command: "npx"}.Transport())
	assert.Equal(t, mcp.TransportHTTP, mcp.ProviderConfig{URL: "http://x"}.Transport())
	assert.Equal(t, mcp.TransportHTTP, mcp.ProviderConfig{Type: "sse", URL: "http://x"}.Transport())

	_, err := mcp.NewProvider("x", mcp.ProviderConfig{Type: "carrier-pigeon"})
	assert.Error(t, err)
	_, err = mcp.NewProvider("x", mcp.ProviderConfig{Type: "stdio"})
	assert.Error(t, err)
}

func TestQueuedCallHonoursCallerDeadline(t *testing.T) {
	p := &fakeProvider{name: "s", tools: []models.MCPToolInfo{{Name: "t"}}, callDelay: 2 * time.Second}
	reg, err := mcp.Connect(context.Background(), map[string]mcp.ProviderConfig{"s": {Command: "s"}},
		mcp.Options{CallTimeout: 5 * time.Second, Factory: factoryFor(map[string]*fakeProvider{"s": p})})
	require.NoError(t, err)

	busyCtx, stopBusy := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = reg.Call(busyCtx, "s", "t", nil)
	}()
	defer func() {
		stopBusy()
		<-done
	}()
	require.Eventually(t, func() bool { return p.active.Load() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = reg.Call(ctx, "s", "t", nil)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Less(t, elapsed, time.Second)
	var te *mcp.ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "s", te.Provider)
	assert.ErrorIs(t, err, mcp.ErrTimeout)
	assert.NotContains(t, err.Error(), "after 5s")

	_, err = reg.Resources(ctx, "s")
	assert.ErrorIs(t, err, mcp.ErrTimeout)
}

func TestCatalogSkipsShadowedNames(t *testing.T) {
	a := &fakeProvider{name: "a", tools: []models.MCPToolInfo{{Name: "b.c"}}}
	ab := &fakeProvider{name: "a.b", tools: []models.MCPToolInfo{{Name: "c"}, {Name: "d"}}}

	reg, err := mcp.Connect(context.Background(), map[string]mcp.ProviderConfig{
		"a":   {Command: "a"},
		"a.b": {Command: "ab"},
	}, mcp.Options{Factory: factoryFor(map[string]*fakeProvider{"a": a, "a.b": ab})})
	require.NoError(t, err)

	seen := map[string]int{}
	for _, ce := range reg.Catalog() {
		seen[ce.Name]++
	}
	assert.Equal(t, map[string]int{"a.b.c": 1, "a.b.d": 1}, seen)

	ce, ok := reg.Lookup("a.b.c")
	require.True(t, ok)
	assert.Equal(t, "a", ce.Provider)
	assert.Equal(t, "b.c", ce.Tool)

	_, err = reg.CallNamespaced(context.Background(), "a.b.c", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"b.c"}, a.calls)
	assert.Empty(t, ab.calls)
}

func TestCloseContinuesPastFailure(t *testing.T) {
	first := &fakeProvider{name: "first", closeErr: errors.New("broken pipe")}
	second := &fakeProvider{name: "second"}

	reg, err := mcp.Connect(context.Background(), map[string]mcp.ProviderConfig{
		"first":  {Command: "first"},
		"second": {Command: "second"},
	}, mcp.Options{Factory: factoryFor(map[string]*fakeProvider{"first": first, "second": second})})
	require.NoError(t, err)

	err = reg.Close()
	require.Error(t, err)
	assert.ErrorIs(t, err, first.closeErr)
	assert.Contains(t, err.Error(), "close first")
	assert.True(t, first.closed)
	assert.True(t, second.closed)
}
