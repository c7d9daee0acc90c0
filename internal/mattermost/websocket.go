package mattermost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/agentoven/chatbridge/pkg/models"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	eventPosted = "posted"

	minReconnectDelay = time.Second
	maxReconnectDelay = 30 * time.Second
)

// Event is one websocket frame from the server. Data values are raw so the
// nested post, which Mattermost sends as a JSON string, can be decoded on
// demand.
type Event struct {
	Event     string                     `json:"event"`
	Data      map[string]json.RawMessage `json:"data"`
	Broadcast struct {
		ChannelID string `json:"channel_id"`
		TeamID    string `json:"team_id"`
	} `json:"broadcast"`
	Seq int64 `json:"seq"`
}

// Post decodes the post carried by a "posted" event.
func (e Event) Post() (models.Post, error) {
	raw, ok := e.Data["post"]
	if !ok {
		return models.Post{}, fmt.Errorf("event %q carries no post", e.Event)
	}
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return models.Post{}, fmt.Errorf("decode post string: %w", err)
	}
	var post models.Post
	if err := json.Unmarshal([]byte(encoded), &post); err != nil {
		return models.Post{}, fmt.Errorf("decode post: %w", err)
	}
	return post, nil
}

// PostHandler receives every post created while listening. It must not block
// for long; the read loop waits for it.
type PostHandler func(ctx context.Context, post models.Post)

// Listen streams posted events to handle until ctx is done, reconnecting
// with backoff when the connection drops.
func (c *Client) Listen(ctx context.Context, handle PostHandler) error {
	delay := minReconnectDelay
	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Dur("retry_in", delay).Msg("Mattermost websocket connect failed")
			if err := sleepWithContext(ctx, delay); err != nil {
				return nil
			}
			delay = min(delay*2, maxReconnectDelay)
			continue
		}

		log.Info().Msg("Mattermost websocket connected")
		delay = minReconnectDelay

		readErr := c.consume(ctx, conn, handle)
		_ = conn.Close()
		if ctx.Err() != nil {
			log.Info().Msg("Mattermost websocket stopped")
			return nil
		}
		log.Warn().Err(readErr).Msg("Mattermost websocket disconnected, reconnecting")
		if err := sleepWithContext(ctx, delay); err != nil {
			return nil
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := c.websocketURL()
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	dialer := *websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	challenge := map[string]any{
		"seq":    1,
		"action": "authentication_challenge",
		"data":   map[string]string{"token": c.token},
	}
	if err := conn.WriteJSON(challenge); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send authentication challenge: %w", err)
	}
	return conn, nil
}

func (c *Client) consume(ctx context.Context, conn *websocket.Conn, handle PostHandler) error {
	if conn == nil {
		return errors.New("websocket connection is nil")
	}

	// unblock ReadMessage on shutdown
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil || ev.Event != eventPosted {
			continue
		}
		post, err := ev.Post()
		if err != nil {
			log.Warn().Err(err).Msg("Skipping malformed posted event")
			continue
		}
		handle(ctx, post)
	}
}
