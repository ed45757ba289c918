package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hiboss-dev/hiboss/internal/daemon"
)

// Daemon exit codes.
const (
	exitOK             = 0
	exitError          = 1
	exitAlreadyRunning = 2
	exitCleanupFailed  = 3
)

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the Hi-Boss daemon in the foreground",
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runDaemon())
		},
	}
}

func runDaemon() int {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return exitError
	}
	log := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = daemon.New(cfg, log).Run(ctx)
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, daemon.ErrAlreadyRunning):
		fmt.Fprintln(os.Stderr, "another hiboss daemon is already running")
		return exitAlreadyRunning
	default:
		var cleanup *daemon.CleanupError
		if errors.As(err, &cleanup) {
			fmt.Fprintln(os.Stderr, "shutdown cleanup failed:", cleanup.Err)
			return exitCleanupFailed
		}
		fmt.Fprintln(os.Stderr, "daemon error:", err)
		return exitError
	}
}
