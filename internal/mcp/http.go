package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agentoven/chatbridge/pkg/models"
	"github.com/google/uuid"
)

const sessionHeader = "Mcp-Session-Id"

// httpTransport POSTs JSON-RPC frames to a remote server.
type httpTransport struct {
	name    string
	url     string
	headers map[string]string
	auth    *AuthConfig
	client  *http.Client

	mu        sync.RWMutex
	sessionID string
}

func newHTTPTransport(name string, cfg ProviderConfig) *httpTransport {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &httpTransport{
		name:    name,
		url:     cfg.URL,
		headers: cfg.Headers,
		auth:    cfg.Auth,
		client:  &http.Client{Timeout: timeout},
	}
}

func (t *httpTransport) start(context.Context) error { return nil }

func (t *httpTransport) close() error {
	t.mu.Lock()
	t.sessionID = ""
	t.mu.Unlock()
	t.client.CloseIdleConnections()
	return nil
}

func (t *httpTransport) notify(ctx context.Context, method string, params any) error {
	resp, err := t.post(ctx, newNotification(method, params))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (t *httpTransport) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := uuid.New().String()

	resp, err := t.post(ctx, newRequest(id, method, params))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var rpc *models.MCPResponse
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		rpc, err = readEventStream(resp.Body, id)
	} else {
		var body []byte
		body, err = io.ReadAll(resp.Body)
		if err == nil {
			rpc, err = decodeResponse(body)
		}
	}
	if err != nil {
		return nil, err
	}
	if rpc.Error != nil {
		return nil, rpc.Error
	}
	return rpc.Result, nil
}

func (t *httpTransport) post(ctx context.Context, frame *models.MCPRequest) (*http.Response, error) {
	body, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	t.applyAuth(req)

	t.mu.RLock()
	if t.sessionID != "" {
		req.Header.Set(sessionHeader, t.sessionID)
	}
	t.mu.RUnlock()

	resp, err := t.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s %w", frame.Method, ErrTimeout)
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if sid := resp.Header.Get(sessionHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}
	return resp, nil
}

// applyAuth adds the configured headers and authentication.
func (t *httpTransport) applyAuth(req *http.Request) {
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	if t.auth == nil {
		return
	}
	switch t.auth.Type {
	case "bearer":
		if t.auth.Token != "" {
			req.Header.Set("Authorization", "Bearer "+t.auth.Token)
		}
	case "api-key":
		if t.auth.Header != "" && t.auth.Key != "" {
			req.Header.Set(t.auth.Header, t.auth.Key)
		}
	}
}

// readEventStream returns the first "data:" event that answers id.
func readEventStream(r io.Reader, id string) (*models.MCPResponse, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var data strings.Builder
	flush := func() (*models.MCPResponse, bool) {
		defer data.Reset()
		if data.Len() == 0 {
			return nil, false
		}
		resp, err := decodeResponse([]byte(data.String()))
		if err != nil || idKey(resp.ID) != id {
			return nil, false
		}
		return resp, true
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if resp, ok := flush(); ok {
				return resp, nil
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if resp, ok := flush(); ok {
		return resp, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	return nil, fmt.Errorf("event stream ended without a response")
}
