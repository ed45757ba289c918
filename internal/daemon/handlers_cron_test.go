package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/hiboss-dev/hiboss/internal/authz"
	"github.com/hiboss-dev/hiboss/internal/scheduler"
	"github.com/hiboss-dev/hiboss/internal/store"
)

// newCronTestDaemon wires just enough of the daemon to call cron handlers
// directly: store, authorizer, cron scheduler. Returns the boss token.
func newCronTestDaemon(t *testing.T) (*Daemon, string) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	bossToken, err := store.GenerateToken()
	if err != nil {
		t.Fatalf("generate boss token: %v", err)
	}
	hash, err := store.HashToken(bossToken)
	if err != nil {
		t.Fatalf("hash boss token: %v", err)
	}
	if err := s.SetConfig(store.ConfigBossTokenHash, hash); err != nil {
		t.Fatalf("set boss token hash: %v", err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := &Daemon{
		store:     s,
		authz:     authz.New(s),
		cronSched: scheduler.NewCronScheduler(s, func(*store.Envelope) {}, log),
		log:       log,
	}
	return d, bossToken
}

func registerStandardAgent(t *testing.T, d *Daemon, name string) string {
	t.Helper()
	_, token, err := d.store.RegisterAgent(store.RegisterAgentInput{
		Name:            name,
		Provider:        store.ProviderClaude,
		PermissionLevel: "standard",
	})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return token
}

func mustParams(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return raw
}

func TestCronHandlersEnforceOwnership(t *testing.T) {
	ctx := context.Background()
	d, bossToken := newCronTestDaemon(t)
	alphaToken := registerStandardAgent(t, d, "alpha")
	bravoToken := registerStandardAgent(t, d, "bravo")

	res, err := d.handleCronCreate(ctx, mustParams(t, map[string]any{
		"token":   alphaToken,
		"cron":    "0 9 * * *",
		"to":      "agent:alpha",
		"content": store.EnvelopeContent{Text: "standup"},
	}))
	if err != nil {
		t.Fatalf("create own schedule: %v", err)
	}
	sched := res.(map[string]any)["schedule"].(*store.CronSchedule)
	if sched.AgentName != "alpha" {
		t.Errorf("schedule owner = %q, want alpha", sched.AgentName)
	}

	// An agent cannot create a schedule for someone else.
	_, err = d.handleCronCreate(ctx, mustParams(t, map[string]any{
		"token":     alphaToken,
		"agentName": "bravo",
		"cron":      "0 9 * * *",
		"to":        "agent:bravo",
		"content":   store.EnvelopeContent{Text: "nope"},
	}))
	if !errors.Is(err, authz.ErrUnauthorized) {
		t.Errorf("cross-agent create err = %v, want unauthorized", err)
	}

	// Nor touch another agent's schedules by id.
	mutations := map[string]func(context.Context, json.RawMessage) (any, error){
		"enable":  d.handleCronEnable,
		"disable": d.handleCronDisable,
		"delete":  d.handleCronDelete,
	}
	for name, handler := range mutations {
		_, err := handler(ctx, mustParams(t, map[string]any{
			"token": bravoToken,
			"id":    sched.ID,
		}))
		if !errors.Is(err, authz.ErrUnauthorized) {
			t.Errorf("%s of foreign schedule err = %v, want unauthorized", name, err)
		}
	}

	// Listing is scoped: a filter naming another agent is rejected, and
	// an unfiltered list only shows the caller's own schedules.
	_, err = d.handleCronList(ctx, mustParams(t, map[string]any{
		"token":     bravoToken,
		"agentName": "alpha",
	}))
	if !errors.Is(err, authz.ErrUnauthorized) {
		t.Errorf("cross-agent list err = %v, want unauthorized", err)
	}
	res, err = d.handleCronList(ctx, mustParams(t, map[string]any{"token": bravoToken}))
	if err != nil {
		t.Fatalf("own list: %v", err)
	}
	if got := res.(map[string]any)["schedules"].([]*store.CronSchedule); len(got) != 0 {
		t.Errorf("bravo sees %d schedules, want 0", len(got))
	}

	// The boss can manage any agent's schedule.
	if _, err := d.handleCronDisable(ctx, mustParams(t, map[string]any{
		"token": bossToken,
		"id":    sched.ID,
	})); err != nil {
		t.Fatalf("boss disable: %v", err)
	}
}
