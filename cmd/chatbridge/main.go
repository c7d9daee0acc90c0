// chatbridge connects a Mattermost channel to MCP tool servers.
//
// Messages starting with the command prefix are handled as direct commands
// against the configured servers; everything else goes to an LLM agent that
// may call the servers' tools. Answers are posted back in the thread.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentoven/chatbridge/internal/config"
	"github.com/agentoven/chatbridge/internal/mcp"
	"github.com/agentoven/chatbridge/pkg/server"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:           "chatbridge",
		Short:         "Bridge a Mattermost channel to MCP tool servers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			config.LoadDotenv(envFile)
			setupLogging(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Dotenv file to load before reading the environment.")

	root.AddCommand(newServeCmd(), newServersCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Listen for chat messages and answer them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			applyFlags(cmd, cfg)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Info().Str("version", cfg.Version).Msg("chatbridge starting")
			srv, err := server.New(ctx, cfg)
			if err != nil {
				log.Error().Err(err).Msg("Failed to initialize")
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				if err := srv.Close(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Shutdown finished with errors")
				}
			}()

			log.Info().
				Strs("servers", srv.Registry.Names()).
				Str("prefix", cfg.Dispatch.CommandPrefix).
				Msg("chatbridge is ready")

			err = srv.Run(ctx)
			log.Info().Msg("Shutting down gracefully...")
			return err
		},
	}
	cmd.Flags().String("servers", "", "MCP servers file (overrides MCP_SERVERS_FILE).")
	cmd.Flags().String("prefix", "", "Command prefix (overrides COMMAND_PREFIX).")
	cmd.Flags().Int("admin-port", 0, "Admin API port (overrides ADMIN_PORT).")
	cmd.Flags().Bool("no-admin", false, "Disable the admin API.")
	return cmd
}

func newServersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Connect to the configured MCP servers and list their tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			applyFlags(cmd, cfg)

			servers, err := config.LoadServers(cfg.MCP.ServersFile)
			if err != nil {
				return err
			}
			reg, err := mcp.Connect(cmd.Context(), servers, mcp.Options{
				ConnectTimeout: cfg.MCP.ConnectTimeout,
				CallTimeout:    cfg.MCP.CallTimeout,
			})
			if err != nil {
				return err
			}
			defer reg.Close()

			out := cmd.OutOrStdout()
			for _, name := range reg.Names() {
				tools, _ := reg.Tools(name)
				fmt.Fprintf(out, "%s (%d tools)\n", name, len(tools))
				for _, t := range tools {
					fmt.Fprintf(out, "  - %s: %s\n", t.Name, t.Description)
				}
			}
			for _, name := range config.ServerNames(servers) {
				if !reg.Has(name) {
					fmt.Fprintf(out, "%s (not connected)\n", name)
				}
			}
			return nil
		},
	}
	cmd.Flags().String("servers", "", "MCP servers file (overrides MCP_SERVERS_FILE).")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), config.Load().Version)
		},
	}
}

// applyFlags lets explicitly set flags win over the environment.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("servers") {
		cfg.MCP.ServersFile, _ = flags.GetString("servers")
	}
	if flags.Lookup("prefix") != nil && flags.Changed("prefix") {
		cfg.Dispatch.CommandPrefix, _ = flags.GetString("prefix")
	}
	if flags.Lookup("admin-port") != nil && flags.Changed("admin-port") {
		cfg.Admin.Port, _ = flags.GetInt("admin-port")
	}
	if flags.Lookup("no-admin") != nil && flags.Changed("no-admin") {
		noAdmin, _ := flags.GetBool("no-admin")
		cfg.Admin.Enabled = !noAdmin
	}
}

func setupLogging(level, format string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if strings.EqualFold(format, "json") {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
