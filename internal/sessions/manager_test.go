package sessions

import (
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/hiboss-dev/hiboss/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(s, log), s
}

func registerAgent(t *testing.T, s *store.Store, in store.RegisterAgentInput) *store.Agent {
	t.Helper()
	if in.Provider == "" {
		in.Provider = store.ProviderClaude
	}
	agent, _, err := s.RegisterAgent(in)
	if err != nil {
		t.Fatalf("register %s: %v", in.Name, err)
	}
	return agent
}

func reload(t *testing.T, s *store.Store, name string) *store.Agent {
	t.Helper()
	a, err := s.GetAgent(name)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	return a
}

func TestDecideNoHandle(t *testing.T) {
	m, s := newTestManager(t)
	agent := registerAgent(t, s, store.RegisterAgentInput{Name: "fresh"})

	d, err := m.Decide(agent, nil, time.Now())
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Mode != ModeOpen || d.Reason != "no-session-handle" {
		t.Errorf("decision = %s/%s, want open/no-session-handle", d.Mode, d.Reason)
	}
	if d.Handle.Provider != store.ProviderClaude {
		t.Errorf("handle provider = %s", d.Handle.Provider)
	}
}

func TestDecideResumeAfterCommit(t *testing.T) {
	m, s := newTestManager(t)
	agent := registerAgent(t, s, store.RegisterAgentInput{Name: "steady"})

	h := &Handle{Provider: store.ProviderClaude, SessionID: "sess-1", CreatedAtMs: time.Now().UnixMilli()}
	if err := m.Commit(agent.Name, h); err != nil {
		t.Fatalf("commit: %v", err)
	}

	d, err := m.Decide(reload(t, s, agent.Name), nil, time.Now())
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Mode != ModeResume || d.Handle.SessionID != "sess-1" {
		t.Errorf("decision = %s handle=%+v, want resume of sess-1", d.Mode, d.Handle)
	}
}

func TestDecideSurvivesRestartViaMetadata(t *testing.T) {
	m, s := newTestManager(t)
	agent := registerAgent(t, s, store.RegisterAgentInput{Name: "durable"})
	h := &Handle{Provider: store.ProviderClaude, SessionID: "sess-2", CreatedAtMs: time.Now().UnixMilli()}
	if err := m.Commit(agent.Name, h); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// A fresh manager simulates daemon restart: only the persisted copy exists.
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m2 := NewManager(s, log)
	d, err := m2.Decide(reload(t, s, agent.Name), nil, time.Now())
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Mode != ModeResume || d.Handle.SessionID != "sess-2" {
		t.Errorf("decision after restart = %s/%+v", d.Mode, d.Handle)
	}
}

func TestDecideProviderMismatch(t *testing.T) {
	m, s := newTestManager(t)
	agent := registerAgent(t, s, store.RegisterAgentInput{Name: "switcher"})
	if err := m.Commit(agent.Name, &Handle{Provider: store.ProviderClaude, SessionID: "old", CreatedAtMs: time.Now().UnixMilli()}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	provider := store.ProviderCodex
	if _, err := s.UpdateAgent(agent.Name, store.AgentPatch{Provider: &provider}); err != nil {
		t.Fatalf("update: %v", err)
	}

	// Restarted manager so the stale in-memory handle does not mask the check.
	m = NewManager(s, slog.New(slog.NewTextHandler(io.Discard, nil)))
	d, err := m.Decide(reload(t, s, agent.Name), nil, time.Now())
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Mode != ModeOpen || d.Reason != "persisted-provider-mismatch" {
		t.Errorf("decision = %s/%s", d.Mode, d.Reason)
	}
	if d.Handle.Provider != store.ProviderCodex {
		t.Errorf("fresh handle provider = %s, want codex", d.Handle.Provider)
	}
}

func TestDecideDailyReset(t *testing.T) {
	m, s := newTestManager(t)
	agent := registerAgent(t, s, store.RegisterAgentInput{
		Name:          "resetter",
		SessionPolicy: store.SessionPolicy{DailyResetAt: "04:00"},
	})

	tz := time.UTC
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, tz)

	// Created yesterday evening, before today's 04:00 boundary.
	stale := &Handle{Provider: store.ProviderClaude, SessionID: "stale",
		CreatedAtMs: time.Date(2026, 8, 23, 22, 0, 0, 0, tz).UnixMilli()}
	if err := m.Commit(agent.Name, stale); err != nil {
		t.Fatalf("commit: %v", err)
	}
	m = NewManager(s, slog.New(slog.NewTextHandler(io.Discard, nil)))
	d, err := m.Decide(reload(t, s, agent.Name), tz, now)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Mode != ModeOpen || d.Reason != "daily-reset-at:04:00" {
		t.Errorf("stale session decision = %s/%s", d.Mode, d.Reason)
	}

	// Created after the boundary: resume.
	live := &Handle{Provider: store.ProviderClaude, SessionID: "live",
		CreatedAtMs: time.Date(2026, 8, 24, 5, 0, 0, 0, tz).UnixMilli()}
	if err := m.Commit(agent.Name, live); err != nil {
		t.Fatalf("commit: %v", err)
	}
	m = NewManager(s, slog.New(slog.NewTextHandler(io.Discard, nil)))
	d, err = m.Decide(reload(t, s, agent.Name), tz, now)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Mode != ModeResume {
		t.Errorf("fresh session decision = %s/%s, want resume", d.Mode, d.Reason)
	}
}

func TestDecideIdleTimeout(t *testing.T) {
	m, s := newTestManager(t)
	agent := registerAgent(t, s, store.RegisterAgentInput{
		Name:          "idler",
		SessionPolicy: store.SessionPolicy{IdleTimeoutMs: 60_000},
	})

	now := time.Now()
	idle := &Handle{Provider: store.ProviderClaude, SessionID: "idle",
		CreatedAtMs:          now.Add(-10 * time.Minute).UnixMilli(),
		LastRunCompletedAtMs: now.Add(-5 * time.Minute).UnixMilli()}
	raw, _ := json.Marshal(idle)
	if err := s.SetAgentMetadataValue(agent.Name, store.MetadataKeySessionHandle, raw); err != nil {
		t.Fatalf("persist: %v", err)
	}

	d, err := m.Decide(reload(t, s, agent.Name), nil, now)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Mode != ModeOpen || d.Reason != "idle-timeout-ms:60000" {
		t.Errorf("decision = %s/%s", d.Mode, d.Reason)
	}
}

func TestRefreshReasonsDrainOnce(t *testing.T) {
	m, s := newTestManager(t)
	agent := registerAgent(t, s, store.RegisterAgentInput{Name: "refreshed"})
	if err := m.Commit(agent.Name, &Handle{Provider: store.ProviderClaude, SessionID: "x", CreatedAtMs: time.Now().UnixMilli()}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	m.RequestRefresh(agent.Name, "manual-refresh")
	m.RequestRefresh(agent.Name, "max-context-length")

	d, err := m.Decide(reload(t, s, agent.Name), nil, time.Now())
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Mode != ModeOpen || d.Reason != "manual-refresh,max-context-length" {
		t.Errorf("decision = %s/%s", d.Mode, d.Reason)
	}
}

func TestRefreshClearsPersistedHandle(t *testing.T) {
	m, s := newTestManager(t)
	agent := registerAgent(t, s, store.RegisterAgentInput{Name: "wiped"})
	if err := m.Commit(agent.Name, &Handle{Provider: store.ProviderClaude, SessionID: "x", CreatedAtMs: time.Now().UnixMilli()}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := m.Refresh(agent.Name, "agent-delete"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	a := reload(t, s, agent.Name)
	if _, ok := a.Metadata[store.MetadataKeySessionHandle]; ok {
		t.Error("persisted handle survived Refresh")
	}
}

func TestCorruptPersistedHandleDiscarded(t *testing.T) {
	m, s := newTestManager(t)
	agent := registerAgent(t, s, store.RegisterAgentInput{Name: "corrupt"})
	// Valid JSON, wrong shape: decodes to no Handle.
	if err := s.SetAgentMetadataValue(agent.Name, store.MetadataKeySessionHandle, json.RawMessage(`123`)); err != nil {
		t.Fatalf("persist: %v", err)
	}

	d, err := m.Decide(reload(t, s, agent.Name), nil, time.Now())
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Mode != ModeOpen {
		t.Errorf("decision = %s/%s, want open", d.Mode, d.Reason)
	}
}

func TestLastResetBoundary(t *testing.T) {
	tz := time.UTC
	cases := []struct {
		name string
		hhmm string
		now  time.Time
		want time.Time
	}{
		{
			name: "after boundary today",
			hhmm: "04:00",
			now:  time.Date(2026, 8, 24, 10, 0, 0, 0, tz),
			want: time.Date(2026, 8, 24, 4, 0, 0, 0, tz),
		},
		{
			name: "before boundary rolls to yesterday",
			hhmm: "04:00",
			now:  time.Date(2026, 8, 24, 2, 0, 0, 0, tz),
			want: time.Date(2026, 8, 23, 4, 0, 0, 0, tz),
		},
		{
			name: "exactly at boundary",
			hhmm: "04:00",
			now:  time.Date(2026, 8, 24, 4, 0, 0, 0, tz),
			want: time.Date(2026, 8, 24, 4, 0, 0, 0, tz),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := lastResetBoundary(tc.hhmm, tz, tc.now)
			if err != nil {
				t.Fatalf("boundary: %v", err)
			}
			if !got.Equal(tc.want) {
				t.Errorf("boundary = %v, want %v", got, tc.want)
			}
		})
	}

	if _, err := lastResetBoundary("25:99", tz, time.Now()); err == nil {
		t.Error("invalid HH:MM accepted")
	}
}
