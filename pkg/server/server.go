// Package server wires the chat bridge together: Mattermost transport, MCP
// provider registry, agent runtime, dispatcher and the admin HTTP surface.
//
// Usage:
//
//	srv, err := server.New(ctx, config.Load())
//	defer srv.Close(ctx)
//	err = srv.Run(ctx)
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/agentoven/chatbridge/internal/agent"
	"github.com/agentoven/chatbridge/internal/api"
	"github.com/agentoven/chatbridge/internal/api/handlers"
	"github.com/agentoven/chatbridge/internal/command"
	"github.com/agentoven/chatbridge/internal/config"
	"github.com/agentoven/chatbridge/internal/dispatcher"
	"github.com/agentoven/chatbridge/internal/history"
	"github.com/agentoven/chatbridge/internal/mattermost"
	"github.com/agentoven/chatbridge/internal/mcp"
	"github.com/agentoven/chatbridge/internal/metrics"
	"github.com/agentoven/chatbridge/internal/telemetry"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Server holds the initialized bridge.
type Server struct {
	Config     *config.Config
	Chat       *mattermost.Client
	Registry   *mcp.Registry
	Dispatcher *dispatcher.Dispatcher
	Metrics    *metrics.Metrics

	// Handler is the admin HTTP handler with all routes and middleware.
	Handler http.Handler

	// ShutdownFunc flushes telemetry.
	ShutdownFunc func(context.Context) error
}

// New connects to Mattermost and every configured MCP server and builds the
// dispatcher. It fails when the chat server is unreachable or no MCP server
// connects.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	m := metrics.New()

	chat := mattermost.New(mattermost.Config{URL: cfg.Mattermost.URL(), Token: cfg.Mattermost.Token})
	me, err := chat.Me(ctx)
	if err != nil {
		_ = shutdown(ctx)
		return nil, fmt.Errorf("connect to Mattermost at %s: %w", cfg.Mattermost.URL(), err)
	}
	log.Info().Str("user", me.Username).Str("user_id", me.ID).Msg("Connected to Mattermost")

	channelID := cfg.Mattermost.ChannelID
	if channelID == "" {
		channelID, err = chat.ResolveChannel(ctx, cfg.Mattermost.TeamName, cfg.Mattermost.ChannelName)
		if err != nil {
			log.Warn().Err(err).Msg("Could not detect channel; messages from every channel will be handled")
		} else {
			log.Info().Str("channel_id", channelID).Str("channel", cfg.Mattermost.ChannelName).Msg("Detected channel")
		}
	}

	servers, err := config.LoadServers(cfg.MCP.ServersFile)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}
	log.Info().Int("count", len(servers)).Str("file", cfg.MCP.ServersFile).Msg("Found MCP servers in config")

	reg, err := mcp.Connect(ctx, servers, mcp.Options{
		ConnectTimeout: cfg.MCP.ConnectTimeout,
		CallTimeout:    cfg.MCP.CallTimeout,
		Metrics:        m,
	})
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}

	runtime, err := newAgent(cfg, reg)
	if err != nil {
		_ = reg.Close()
		_ = shutdown(ctx)
		return nil, err
	}

	d, err := dispatcher.New(
		chat,
		command.NewRouter(reg, cfg.Dispatch.CommandPrefix),
		history.New(chat, me.ID, cfg.Dispatch.HistoryTimeout),
		runtime,
		dispatcher.Options{
			BotUserID:     me.ID,
			ChannelID:     channelID,
			CommandPrefix: cfg.Dispatch.CommandPrefix,
			AgentTimeout:  cfg.Dispatch.AgentTimeout,
			MaxInFlight:   int64(cfg.Dispatch.MaxInFlight),
			ReactionEmoji: cfg.Dispatch.ReactionEmoji,
			Metadata: map[string]string{
				"team_name":    cfg.Mattermost.TeamName,
				"channel_name": cfg.Mattermost.ChannelName,
				"github_repo":  cfg.Agent.GitHubRepo,
			},
			Metrics: m,
		},
	)
	if err != nil {
		_ = reg.Close()
		_ = shutdown(ctx)
		return nil, err
	}

	return &Server{
		Config:       cfg,
		Chat:         chat,
		Registry:     reg,
		Dispatcher:   d,
		Metrics:      m,
		Handler:      api.NewRouter(cfg, handlers.New(reg), m),
		ShutdownFunc: shutdown,
	}, nil
}

func newAgent(cfg *config.Config, reg *mcp.Registry) (*agent.Executor, error) {
	model, err := agent.NewOpenAIModel(agent.ModelConfig{
		Provider:   cfg.Agent.Provider,
		Model:      cfg.Agent.Model,
		APIKey:     cfg.Agent.APIKey,
		BaseURL:    cfg.Agent.BaseURL,
		APIVersion: cfg.Agent.APIVersion,
		Timeout:    cfg.Agent.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("init agent model: %w", err)
	}

	prompt := cfg.Agent.SystemPrompt
	if prompt == "" {
		prompt = agent.SystemPrompt(cfg.Agent.Type)
	}
	log.Info().
		Str("agent", cfg.Agent.Type).
		Str("model", model.Name()).
		Int("tools", len(reg.Catalog())).
		Msg("Agent initialized")

	return agent.NewExecutor(model, reg, agent.Options{
		SystemPrompt: prompt,
		MaxTurns:     cfg.Agent.MaxTurns,
		MaxTokens:    cfg.Agent.MaxTokens,
	}), nil
}

// Run listens for posts and serves the admin API until ctx is done, then
// waits for in-flight posts to finish.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.Chat.Listen(ctx, s.Dispatcher.Enqueue)
	})

	if s.Config.Admin.Enabled {
		httpServer := &http.Server{
			Addr:         fmt.Sprintf(":%d", s.Config.Admin.Port),
			Handler:      s.Handler,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 2 * time.Minute,
			IdleTimeout:  120 * time.Second,
		}
		g.Go(func() error {
			log.Info().Int("port", s.Config.Admin.Port).Msg("Admin API listening")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	s.Dispatcher.Wait()
	return err
}

// Close disconnects every MCP server and flushes telemetry.
func (s *Server) Close(ctx context.Context) error {
	var errs []error
	if s.Registry != nil {
		errs = append(errs, s.Registry.Close())
	}
	if s.ShutdownFunc != nil {
		errs = append(errs, s.ShutdownFunc(ctx))
	}
	return errors.Join(errs...)
}
