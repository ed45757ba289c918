// Package daemon wires the components together and owns process
// lifecycle: instance lock, startup order, signal-driven shutdown.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hiboss-dev/hiboss/internal/authz"
	"github.com/hiboss-dev/hiboss/internal/channels"
	"github.com/hiboss-dev/hiboss/internal/channels/telegram"
	"github.com/hiboss-dev/hiboss/internal/config"
	"github.com/hiboss-dev/hiboss/internal/executor"
	"github.com/hiboss-dev/hiboss/internal/ipc"
	"github.com/hiboss-dev/hiboss/internal/memory"
	"github.com/hiboss-dev/hiboss/internal/prompts"
	"github.com/hiboss-dev/hiboss/internal/router"
	"github.com/hiboss-dev/hiboss/internal/scheduler"
	"github.com/hiboss-dev/hiboss/internal/sessions"
	"github.com/hiboss-dev/hiboss/internal/store"
)

// CleanupError marks a shutdown that could not release the socket or pid
// file; the process maps it to exit code 3.
type CleanupError struct{ Err error }

func (e *CleanupError) Error() string { return fmt.Sprintf("cleanup failed: %v", e.Err) }
func (e *CleanupError) Unwrap() error { return e.Err }

// Daemon is the assembled process.
type Daemon struct {
	cfg *config.Config
	log *slog.Logger

	store     *store.Store
	authz     *authz.Authorizer
	registry  *channels.Registry
	router    *router.Router
	sessions  *sessions.Manager
	executor  *executor.Executor
	envSched  *scheduler.EnvelopeScheduler
	cronSched *scheduler.CronScheduler
	memory    *memory.Service
	server    *ipc.Server

	lock      *InstanceLock
	startedAt time.Time
}

// New builds the daemon without starting anything.
func New(cfg *config.Config, log *slog.Logger) *Daemon {
	return &Daemon{cfg: cfg, log: log}
}

// Run starts everything, blocks until ctx is cancelled, then shuts down
// in reverse order. ErrAlreadyRunning and *CleanupError are the two
// error classes the caller maps to distinct exit codes.
func (d *Daemon) Run(ctx context.Context) error {
	if err := os.MkdirAll(d.cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	lock, err := AcquireLock(d.cfg.PidPath())
	if err != nil {
		return err
	}
	d.lock = lock

	st, err := store.Open(d.cfg.DatabasePath())
	if err != nil {
		d.lock.Release()
		return err
	}
	d.store = st

	d.assemble()

	if err := d.start(ctx); err != nil {
		d.store.Close()
		d.lock.Release()
		return err
	}
	d.startedAt = time.Now()
	d.log.Info("daemon started", "dataDir", d.cfg.DataDir, "pid", os.Getpid())

	<-ctx.Done()
	d.log.Info("shutting down")
	return d.shutdown()
}

func (d *Daemon) assemble() {
	d.authz = authz.New(d.store)
	d.registry = channels.NewRegistry()
	d.router = router.New(d.store, d.registry, d.log)
	d.sessions = sessions.NewManager(d.store, d.log)
	d.memory = memory.NewService(d.store)

	renderer := prompts.NewRenderer(d.cfg.DataDir)
	d.executor = executor.New(d.store, d.sessions, renderer, d.router,
		d.cfg.Runners.ClaudeBin, d.cfg.Runners.CodexBin, d.log)

	d.envSched = scheduler.NewEnvelopeScheduler(d.store, d.router, d.log)
	d.cronSched = scheduler.NewCronScheduler(d.store, d.envSched.OnEnvelopeCreated, d.log)

	d.router.SetAgentWaker(d.executor.Wake)
	d.router.SetOnCreated(d.envSched.OnEnvelopeCreated)
	d.router.SetOnDone(d.cronSched.OnEnvelopesDone)

	d.server = ipc.NewServer(d.cfg.SocketPath(), d.mapError, d.log)
	d.registerHandlers()
}

func (d *Daemon) start(ctx context.Context) error {
	if d.cfg.Channels.Telegram.Enabled {
		tg, err := telegram.New(d.cfg.Channels.Telegram, d.cfg.AttachmentsDir(),
			d.router.HandleInbound, d.log)
		if err != nil {
			return err
		}
		d.registry.Register(tg)
	}

	g, startCtx := errgroup.WithContext(ctx)
	for _, adapter := range d.registry.All() {
		g.Go(func() error { return adapter.Start(startCtx) })
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("start adapters: %w", err)
	}

	if err := d.server.Start(ctx); err != nil {
		return err
	}

	d.executor.Start(ctx)
	d.envSched.Start(ctx)
	if err := d.cronSched.ReconcileAllSchedules(); err != nil {
		d.log.Error("cron reconcile", "error", err)
	}
	d.wakeBacklogged()
	return nil
}

// wakeBacklogged nudges every agent that has due pending envelopes left
// over from before the restart.
func (d *Daemon) wakeBacklogged() {
	agents, err := d.store.ListAgents()
	if err != nil {
		d.log.Error("list agents at startup", "error", err)
		return
	}
	for _, a := range agents {
		pending, err := d.store.GetPendingEnvelopesForAgent(a.Name, 1)
		if err != nil {
			d.log.Error("check backlog", "agent", a.Name, "error", err)
			continue
		}
		if len(pending) > 0 {
			d.executor.Wake(a.Name, "startup-backlog")
		}
	}
}

func (d *Daemon) shutdown() error {
	var cleanupErr error
	if err := d.server.Stop(); err != nil {
		cleanupErr = err
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, adapter := range d.registry.All() {
		if err := adapter.Stop(stopCtx); err != nil {
			d.log.Warn("adapter stop", "platform", adapter.Platform(), "error", err)
		}
	}

	d.envSched.Stop()
	d.executor.Stop()

	if err := d.store.Close(); err != nil {
		d.log.Warn("store close", "error", err)
	}
	if err := d.lock.Release(); err != nil && cleanupErr == nil {
		cleanupErr = err
	}
	if cleanupErr != nil {
		return &CleanupError{Err: cleanupErr}
	}
	d.log.Info("daemon stopped")
	return nil
}
