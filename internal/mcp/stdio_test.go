package mcp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/agentoven/chatbridge/internal/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHelperMCPServer is not a real test. It is re-executed as a child
// process by the stdio tests and serves MCP over stdin/stdout.
func TestHelperMCPServer(t *testing.T) {
	if os.Getenv("CHATBRIDGE_MCP_HELPER") != "1" {
		t.Skip("helper process")
	}

	scanner := bufio.NewScanner(os.Stdin)
	out := bufio.NewWriter(os.Stdout)
	for scanner.Scan() {
		var req struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
			ID     any             `json:"id"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil || req.ID == nil {
			continue
		}

		var result any
		switch req.Method {
		case "initialize":
			result = map[string]any{
				"protocolVersion": "2024-11-05",
				"serverInfo":      map[string]any{"name": "helper", "version": "0.0.1"},
			}
		case "tools/list":
			result = map[string]any{"tools": []map[string]any{{"name": "greet", "description": "Say hello"}}}
			if os.Getenv("CHATBRIDGE_MCP_HELPER_STALL") == "1" {
				defer time.Sleep(time.Hour)
			}
		case "tools/call":
			var p struct {
				Arguments map[string]any `json:"arguments"`
			}
			_ = json.Unmarshal(req.Params, &p)
			result = map[string]any{
				"content": []map[string]any{{"type": "text", "text": fmt.Sprintf("hello %v", p.Arguments["name"])}},
				"isError": p.Arguments["name"] == nil,
			}
		default:
			result = map[string]any{}
		}

		// a notification first, to check it is skipped
		fmt.Fprintln(out, `{"jsonrpc":"2.0","method":"notifications/message","params":{}}`)
		frame, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
		fmt.Fprintln(out, string(frame))
		_ = out.Flush()
	}
	os.Exit(0)
}

func TestStdioProvider(t *testing.T) {
	p, err := mcp.NewProvider("helper", mcp.ProviderConfig{
		Command: os.Args[0],
		Args:    []string{"-test.run=^TestHelperMCPServer$"},
		Env:     map[string]string{"CHATBRIDGE_MCP_HELPER": "1"},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, p.Connect(ctx))
	defer p.Close()

	tools, err := p.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "greet", tools[0].Name)

	res, err := p.CallTool(ctx, "greet", map[string]any{"name": "bridge"})
	require.NoError(t, err)
	assert.Equal(t, "hello bridge", res.Text())
	assert.Equal(t, "success", res.Status())

	res, err = p.CallTool(ctx, "greet", nil)
	require.NoError(t, err)
	assert.Equal(t, "error", res.Status())

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}

func TestStdioProviderMissingCommand(t *testing.T) {
	p, err := mcp.NewProvider("ghost", mcp.ProviderConfig{Command: "chatbridge-no-such-binary"})
	require.NoError(t, err)
	assert.Error(t, p.Connect(context.Background()))
}

func TestStdioProviderStalledReaderTimesOut(t *testing.T) {
	p, err := mcp.NewProvider("stalled", mcp.ProviderConfig{
		Command: os.Args[0],
		Args:    []string{"-test.run=^TestHelperMCPServer$"},
		Env:     map[string]string{"CHATBRIDGE_MCP_HELPER": "1", "CHATBRIDGE_MCP_HELPER_STALL": "1"},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, p.Connect(ctx))
	defer p.Close()

	_, err = p.ListTools(ctx)
	require.NoError(t, err)

	// Larger than any pipe buffer, so the write itself blocks.
	big := strings.Repeat("x", 4<<20)
	callCtx, callCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer callCancel()

	start := time.Now()
	_, err = p.CallTool(callCtx, "greet", map[string]any{"name": big})
	require.Error(t, err)
	assert.ErrorIs(t, err, mcp.ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}
