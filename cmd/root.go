// Package cmd is the hiboss CLI: the daemon entry point plus the
// boss-facing management commands that talk to it over the socket.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hiboss-dev/hiboss/internal/config"
	"github.com/hiboss-dev/hiboss/internal/ipc"
)

// Version is set at build time via -ldflags "-X github.com/hiboss-dev/hiboss/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
	token   string
)

var rootCmd = &cobra.Command{
	Use:   "hiboss",
	Short: "Hi-Boss — a local daemon routing messages between you, chat channels, and AI agents",
	Long: "Hi-Boss runs AI agents (Claude Code, Codex) as long-lived workers you talk to\n" +
		"over Telegram or this CLI. Messages are durable envelopes; agents consume them\n" +
		"in turns and reply back to the channel they came from.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/hiboss/config.json5 or $HIBOSS_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "auth token (default: $HIBOSS_TOKEN)")

	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(setupCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(envelopeCmd())
	rootCmd.AddCommand(cronCmd())
	rootCmd.AddCommand(memoryCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hiboss %s\n", Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("HIBOSS_CONFIG"); v != "" {
		return v
	}
	return config.DefaultPath()
}

func loadConfig() (*config.Config, error) {
	return config.Load(resolveConfigPath())
}

func resolveToken() string {
	if token != "" {
		return token
	}
	return os.Getenv("HIBOSS_TOKEN")
}

// dial connects to the running daemon's socket.
func dial(cfg *config.Config) (*ipc.Client, error) {
	client, err := ipc.Dial(cfg.SocketPath(), 3*time.Second)
	if err != nil {
		return nil, fmt.Errorf("daemon not reachable (is `hiboss daemon` running?): %w", err)
	}
	return client, nil
}

// callCtx is the budget for one CLI request.
func callCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if verbose || cfg.Log.Level == "debug" {
		level = slog.LevelDebug
	} else if cfg.Log.Level == "warn" {
		level = slog.LevelWarn
	} else if cfg.Log.Level == "error" {
		level = slog.LevelError
	}

	out := os.Stderr
	if cfg.Log.File != "" {
		if f, err := os.OpenFile(cfg.Log.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600); err == nil {
			out = f
		}
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
