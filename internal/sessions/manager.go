// Package sessions tracks provider conversation sessions per agent and
// decides, before each turn, whether to open a fresh session or resume
// the persisted one.
package sessions

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hiboss-dev/hiboss/internal/store"
)

// Handle is the runtime session state for one agent. It is persisted into
// the agent's metadata under the sessionHandle key so a best-effort resume
// survives daemon restart.
type Handle struct {
	Provider             string          `json:"provider"`
	SessionID            string          `json:"sessionId,omitempty"`
	Workspace            string          `json:"workspace,omitempty"`
	Model                string          `json:"model,omitempty"`
	ReasoningEffort      string          `json:"reasoningEffort,omitempty"`
	CreatedAtMs          int64           `json:"createdAtMs"`
	LastRunCompletedAtMs int64           `json:"lastRunCompletedAtMs,omitempty"`
	CodexCumulativeUsage *store.RunUsage `json:"codexCumulativeUsage,omitempty"`
}

// Mode is the open-mode decision for a turn.
type Mode string

const (
	ModeOpen   Mode = "open"
	ModeResume Mode = "resume"
)

// Decision carries the mode, its reason string, and the handle to use.
// For ModeOpen the handle is fresh; for ModeResume it is the persisted one.
type Decision struct {
	Mode   Mode
	Reason string
	Handle *Handle
}

// Manager handles session lifecycle, persistence, and the refresh queue.
type Manager struct {
	store *store.Store
	log   *slog.Logger

	mu        sync.Mutex
	handles   map[string]*Handle
	refreshes map[string][]string // agent → queued refresh reasons
}

func NewManager(s *store.Store, log *slog.Logger) *Manager {
	return &Manager{
		store:     s,
		log:       log.With("component", "sessions"),
		handles:   make(map[string]*Handle),
		refreshes: make(map[string][]string),
	}
}

// RequestRefresh queues a refresh reason for the agent's next turn. It
// never interrupts an in-flight turn.
func (m *Manager) RequestRefresh(agentName, reason string) {
	m.mu.Lock()
	m.refreshes[agentName] = append(m.refreshes[agentName], reason)
	delete(m.handles, agentName)
	m.mu.Unlock()
	m.log.Info("session refresh queued", "agent", agentName, "reason", reason)
}

// Refresh drops the agent's runtime and persisted session state
// immediately, in addition to queueing the reason.
func (m *Manager) Refresh(agentName, reason string) error {
	m.RequestRefresh(agentName, reason)
	if err := m.store.SetAgentMetadataValue(agentName, store.MetadataKeySessionHandle, nil); err != nil {
		return fmt.Errorf("clear session handle: %w", err)
	}
	return nil
}

// Decide evaluates the open-mode decision for one agent at now, draining
// any queued refresh reasons. bossTZ is the boss timezone for the
// dailyResetAt boundary; nil means local time.
func (m *Manager) Decide(agent *store.Agent, bossTZ *time.Location, now time.Time) (*Decision, error) {
	m.mu.Lock()
	reasons := m.refreshes[agent.Name]
	delete(m.refreshes, agent.Name)
	m.mu.Unlock()

	if len(reasons) > 0 {
		return m.openDecision(agent, now, strings.Join(reasons, ",")), nil
	}

	handle, err := m.persistedHandle(agent)
	if err != nil {
		return nil, err
	}
	if handle == nil {
		return m.openDecision(agent, now, "no-session-handle"), nil
	}
	if handle.Provider != agent.Provider {
		return m.openDecision(agent, now, "persisted-provider-mismatch"), nil
	}

	policy := agent.SessionPolicy
	if policy.DailyResetAt != "" {
		boundary, err := lastResetBoundary(policy.DailyResetAt, bossTZ, now)
		if err != nil {
			return nil, err
		}
		if handle.CreatedAtMs < boundary.UnixMilli() {
			return m.openDecision(agent, now, "daily-reset-at:"+policy.DailyResetAt), nil
		}
	}
	if policy.IdleTimeoutMs > 0 {
		last := handle.LastRunCompletedAtMs
		if last == 0 {
			last = handle.CreatedAtMs
		}
		if now.UnixMilli()-last > policy.IdleTimeoutMs {
			return m.openDecision(agent, now,
				fmt.Sprintf("idle-timeout-ms:%d", policy.IdleTimeoutMs)), nil
		}
	}

	return &Decision{Mode: ModeResume, Reason: "resume", Handle: handle}, nil
}

func (m *Manager) openDecision(agent *store.Agent, now time.Time, reason string) *Decision {
	h := &Handle{
		Provider:        agent.Provider,
		Workspace:       agent.Workspace,
		Model:           agent.Model,
		ReasoningEffort: agent.ReasoningEffort,
		CreatedAtMs:     now.UnixMilli(),
	}
	m.log.Debug("opening session", "agent", agent.Name, "reason", reason)
	return &Decision{Mode: ModeOpen, Reason: reason, Handle: h}
}

// persistedHandle reads the handle cached in memory or from the agent's
// metadata. Corrupt persisted handles are discarded, not fatal.
func (m *Manager) persistedHandle(agent *store.Agent) (*Handle, error) {
	m.mu.Lock()
	if h, ok := m.handles[agent.Name]; ok {
		m.mu.Unlock()
		return h, nil
	}
	m.mu.Unlock()

	raw, ok := agent.Metadata[store.MetadataKeySessionHandle]
	if !ok {
		return nil, nil
	}
	var h Handle
	if err := json.Unmarshal(raw, &h); err != nil {
		m.log.Warn("discarding corrupt session handle", "agent", agent.Name, "error", err)
		return nil, nil
	}
	return &h, nil
}

// Commit records the post-turn session state: updated sessionId and
// lastRunCompletedAtMs, cached in memory and persisted to metadata. The
// caller completes the run row first so accounting survives a failed
// session write.
func (m *Manager) Commit(agentName string, h *Handle) error {
	h.LastRunCompletedAtMs = time.Now().UnixMilli()

	m.mu.Lock()
	m.handles[agentName] = h
	m.mu.Unlock()

	raw, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("encode session handle: %w", err)
	}
	if err := m.store.SetAgentMetadataValue(agentName, store.MetadataKeySessionHandle, raw); err != nil {
		return fmt.Errorf("persist session handle: %w", err)
	}
	return nil
}

// Drop forgets an agent's runtime state without touching persistence,
// used when the agent is deleted.
func (m *Manager) Drop(agentName string) {
	m.mu.Lock()
	delete(m.handles, agentName)
	delete(m.refreshes, agentName)
	m.mu.Unlock()
}

// lastResetBoundary computes the most recent occurrence of the HH:MM wall
// time in tz at or before now.
func lastResetBoundary(hhmm string, tz *time.Location, now time.Time) (time.Time, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, fmt.Errorf("dailyResetAt %q: %w", hhmm, err)
	}
	if tz == nil {
		tz = time.Local
	}
	local := now.In(tz)
	boundary := time.Date(local.Year(), local.Month(), local.Day(),
		t.Hour(), t.Minute(), 0, 0, tz)
	if boundary.After(now) {
		boundary = boundary.AddDate(0, 0, -1)
	}
	return boundary, nil
}
