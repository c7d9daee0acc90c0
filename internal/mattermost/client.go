// Package mattermost is a small Mattermost REST v4 and websocket client that
// covers what the bridge needs: identity, posting, reactions, thread fetches,
// team and channel lookup and the posted-event stream.
package mattermost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/agentoven/chatbridge/pkg/models"
	"github.com/rs/zerolog/log"
)

const apiPrefix = "/api/v4"

type Config struct {
	// URL is the server root, e.g. https://chat.example.com:8065.
	URL        string
	Token      string
	HTTPClient *http.Client
}

type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type Team struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

type Channel struct {
	ID          string `json:"id"`
	TeamID      string `json:"team_id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mattermost %s %s: http %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// Client talks to one Mattermost server as one bot account.
type Client struct {
	http    *http.Client
	baseURL string
	token   string

	mu     sync.RWMutex
	userID string
}

func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.URL), "/"),
		token:   strings.TrimSpace(cfg.Token),
	}
}

// Me fetches the authenticated user and remembers its ID.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var u User
	if err := c.do(ctx, http.MethodGet, "/users/me", nil, &u); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.userID = u.ID
	c.mu.Unlock()
	return &u, nil
}

// UserID is the bot's user ID, known after Me succeeds.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

type createPostRequest struct {
	ChannelID string `json:"channel_id"`
	Message   string `json:"message"`
	RootID    string `json:"root_id,omitempty"`
}

// CreatePost posts message to channelID, threaded under rootID when set.
// Rate-limit and server errors are retried a few times.
func (c *Client) CreatePost(ctx context.Context, channelID, message, rootID string) (*models.Post, error) {
	if strings.TrimSpace(channelID) == "" {
		return nil, fmt.Errorf("channel_id is required")
	}
	req := createPostRequest{ChannelID: channelID, Message: message, RootID: rootID}

	const maxAttempts = 3
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var post models.Post
		err := c.do(ctx, http.MethodPost, "/posts", req, &post)
		if err == nil {
			return &post, nil
		}
		lastErr = err

		var apiErr *APIError
		if !errors.As(err, &apiErr) || attempt == maxAttempts {
			break
		}
		wait, retryable := retryDelay(apiErr.StatusCode, attempt)
		if !retryable {
			break
		}
		log.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("Retrying Mattermost post")
		if err := sleepWithContext(ctx, wait); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// PostMessage is CreatePost without the created post.
func (c *Client) PostMessage(ctx context.Context, channelID, message, rootID string) error {
	_, err := c.CreatePost(ctx, channelID, message, rootID)
	return err
}

// AddReaction reacts to postID as the bot user.
func (c *Client) AddReaction(ctx context.Context, postID, emoji string) error {
	userID := c.UserID()
	if userID == "" {
		return fmt.Errorf("bot user id unknown; call Me first")
	}
	body := map[string]string{"user_id": userID, "post_id": postID, "emoji_name": emoji}
	return c.do(ctx, http.MethodPost, "/reactions", body, nil)
}

// GetThread returns every post in the thread containing postID.
func (c *Client) GetThread(ctx context.Context, postID string) (*models.Thread, error) {
	var th models.Thread
	if err := c.do(ctx, http.MethodGet, "/posts/"+url.PathEscape(postID)+"/thread", nil, &th); err != nil {
		return nil, err
	}
	if th.Posts == nil {
		th.Posts = map[string]models.Post{}
	}
	return &th, nil
}

func (c *Client) GetTeamByName(ctx context.Context, name string) (*Team, error) {
	var t Team
	if err := c.do(ctx, http.MethodGet, "/teams/name/"+url.PathEscape(name), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) GetChannelByName(ctx context.Context, teamID, name string) (*Channel, error) {
	var ch Channel
	path := "/teams/" + url.PathEscape(teamID) + "/channels/name/" + url.PathEscape(name)
	if err := c.do(ctx, http.MethodGet, path, nil, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// ResolveChannel finds a channel ID from team and channel names.
func (c *Client) ResolveChannel(ctx context.Context, teamName, channelName string) (string, error) {
	team, err := c.GetTeamByName(ctx, teamName)
	if err != nil {
		return "", fmt.Errorf("lookup team %q: %w", teamName, err)
	}
	ch, err := c.GetChannelByName(ctx, team.ID, channelName)
	if err != nil {
		return "", fmt.Errorf("lookup channel %q in team %q: %w", channelName, teamName, err)
	}
	return ch.ID, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", path, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("mattermost %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Message: errorMessage(raw)}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func errorMessage(raw []byte) string {
	var body struct {
		Message string `json:"message"`
		ID      string `json:"id"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Message != "" {
		return body.Message
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func retryDelay(status, attempt int) (time.Duration, bool) {
	switch {
	case status == http.StatusTooManyRequests:
		return time.Duration(attempt) * time.Second, true
	case status >= 500 && status <= 599:
		return time.Duration(attempt) * 300 * time.Millisecond, true
	default:
		return 0, false
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// websocketURL maps the server root onto the websocket endpoint.
func (c *Client) websocketURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + apiPrefix + "/websocket"
	return u.String(), nil
}
