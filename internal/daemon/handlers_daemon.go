package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/hiboss-dev/hiboss/internal/authz"
	"github.com/hiboss-dev/hiboss/internal/store"
	"github.com/hiboss-dev/hiboss/pkg/protocol"
)

func (d *Daemon) registerDaemonHandlers() {
	d.server.Register(protocol.MethodDaemonPing, d.handleDaemonPing)
	d.server.Register(protocol.MethodDaemonStatus, d.handleDaemonStatus)
	d.server.Register(protocol.MethodBossVerify, d.handleBossVerify)
	d.server.Register(protocol.MethodSetupCheck, d.handleSetupCheck)
	d.server.Register(protocol.MethodSetupExecute, d.handleSetupExecute)
}

// handleDaemonPing answers without authentication; the liveness probe
// has no token.
func (d *Daemon) handleDaemonPing(_ context.Context, _ json.RawMessage) (any, error) {
	return map[string]any{"ok": true, "pid": os.Getpid()}, nil
}

func (d *Daemon) handleDaemonStatus(_ context.Context, params json.RawMessage) (any, error) {
	if _, err := d.authorize(params, protocol.MethodDaemonStatus); err != nil {
		return nil, err
	}
	agents, err := d.store.ListAgents()
	if err != nil {
		return nil, err
	}
	pending, err := d.store.CountPendingEnvelopes()
	if err != nil {
		return nil, err
	}
	platforms := []string{}
	for _, a := range d.registry.All() {
		platforms = append(platforms, a.Platform())
	}
	return map[string]any{
		"pid":              os.Getpid(),
		"startedAt":        d.startedAt.UnixMilli(),
		"uptimeMs":         time.Since(d.startedAt).Milliseconds(),
		"agents":           len(agents),
		"pendingEnvelopes": pending,
		"adapters":         platforms,
	}, nil
}

// handleBossVerify checks a candidate token against the boss hash. It is
// unauthenticated by design: verifying IS the authentication.
func (d *Daemon) handleBossVerify(_ context.Context, params json.RawMessage) (any, error) {
	var p tokenParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	ok, err := d.store.VerifyBossToken(p.Token)
	if err != nil {
		return nil, err
	}
	return map[string]bool{"valid": ok}, nil
}

func (d *Daemon) handleSetupCheck(_ context.Context, _ json.RawMessage) (any, error) {
	done, err := d.store.SetupCompleted()
	if err != nil {
		return nil, err
	}
	return map[string]bool{"setupCompleted": done}, nil
}

type setupExecuteParams struct {
	Token        string `json:"token"`
	BossName     string `json:"bossName"`
	BossTimezone string `json:"bossTimezone"`
}

// handleSetupExecute runs first-run setup: mint the boss token and record
// the boss identity. Re-running requires the existing boss token.
func (d *Daemon) handleSetupExecute(_ context.Context, params json.RawMessage) (any, error) {
	var p setupExecuteParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	done, err := d.store.SetupCompleted()
	if err != nil {
		return nil, err
	}
	if done {
		ok, err := d.store.VerifyBossToken(p.Token)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("setup already completed: %w", authz.ErrUnauthorized)
		}
	}
	if p.BossTimezone != "" {
		if _, err := time.LoadLocation(p.BossTimezone); err != nil {
			return nil, invalidParams("bossTimezone %q", p.BossTimezone)
		}
	}

	token, err := store.GenerateToken()
	if err != nil {
		return nil, err
	}
	hash, err := store.HashToken(token)
	if err != nil {
		return nil, err
	}

	if err := d.store.SetConfig(store.ConfigBossTokenHash, hash); err != nil {
		return nil, err
	}
	if p.BossName != "" {
		if err := d.store.SetConfig(store.ConfigBossName, p.BossName); err != nil {
			return nil, err
		}
	}
	if p.BossTimezone != "" {
		if err := d.store.SetConfig(store.ConfigBossTimezone, p.BossTimezone); err != nil {
			return nil, err
		}
	}
	if err := d.store.SetConfig(store.ConfigSetupCompleted, "true"); err != nil {
		return nil, err
	}

	// The plaintext boss token is returned exactly once.
	return map[string]string{"bossToken": token}, nil
}
