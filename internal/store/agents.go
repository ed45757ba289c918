package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hiboss-dev/hiboss/internal/address"
)

// RegisterAgentInput carries the fields accepted at registration.
// Metadata is opaque except for the reserved sessionHandle key, which is
// stripped from user input.
type RegisterAgentInput struct {
	Name            string
	Description     string
	Workspace       string
	Provider        string
	Model           string
	ReasoningEffort string
	PermissionLevel string
	SessionPolicy   SessionPolicy
	Metadata        map[string]json.RawMessage
}

// RegisterAgent validates the input, generates a fresh token, and persists
// the agent row. The plaintext token is returned exactly once.
func (s *Store) RegisterAgent(in RegisterAgentInput) (*Agent, string, error) {
	name := address.NormalizeAgentName(in.Name)
	if !address.ValidAgentName(name) {
		return nil, "", fmt.Errorf("agent name %q: %w", in.Name, ErrInvariant)
	}
	if !ValidProvider(in.Provider) {
		return nil, "", fmt.Errorf("provider %q: %w", in.Provider, ErrInvariant)
	}
	if !ValidReasoningEffort(in.ReasoningEffort) {
		return nil, "", fmt.Errorf("reasoning effort %q: %w", in.ReasoningEffort, ErrInvariant)
	}
	level := in.PermissionLevel
	if level == "" {
		level = "restricted"
	}

	token, err := GenerateToken()
	if err != nil {
		return nil, "", err
	}
	hash, err := HashToken(token)
	if err != nil {
		return nil, "", err
	}

	meta := in.Metadata
	if meta != nil {
		delete(meta, MetadataKeySessionHandle)
	}

	agent := &Agent{
		Name:            name,
		TokenHash:       hash,
		Description:     in.Description,
		Workspace:       in.Workspace,
		Provider:        in.Provider,
		Model:           in.Model,
		ReasoningEffort: in.ReasoningEffort,
		PermissionLevel: level,
		SessionPolicy:   in.SessionPolicy,
		Metadata:        meta,
		CreatedAt:       nowMs(),
	}

	policyJSON, err := marshalJSON(agent.SessionPolicy)
	if err != nil {
		return nil, "", err
	}
	metaJSON, err := marshalJSON(agent.Metadata)
	if err != nil {
		return nil, "", err
	}

	_, err = s.db.Exec(`INSERT INTO agents
		(name, token, description, workspace, provider, model, reasoning_effort,
		 permission_level, session_policy, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		agent.Name, agent.TokenHash, nullString(agent.Description),
		nullString(agent.Workspace), agent.Provider, nullString(agent.Model),
		nullString(agent.ReasoningEffort), agent.PermissionLevel,
		policyJSON, metaJSON, agent.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, "", alreadyExists("agent", name)
		}
		return nil, "", fmt.Errorf("insert agent: %w", err)
	}
	return agent, token, nil
}

const agentColumns = `name, token, description, workspace, provider, model,
	reasoning_effort, permission_level, session_policy, metadata, created_at, last_seen_at`

func scanAgent(row interface{ Scan(...any) error }) (*Agent, error) {
	var (
		a                                     Agent
		desc, ws, model, effort, policy, meta sql.NullString
		lastSeen                              sql.NullInt64
	)
	err := row.Scan(&a.Name, &a.TokenHash, &desc, &ws, &a.Provider, &model,
		&effort, &a.PermissionLevel, &policy, &meta, &a.CreatedAt, &lastSeen)
	if err != nil {
		return nil, err
	}
	a.Description = desc.String
	a.Workspace = ws.String
	a.Model = model.String
	a.ReasoningEffort = effort.String
	a.LastSeenAt = int64Ptr(lastSeen)
	if policy.Valid && policy.String != "" {
		if err := json.Unmarshal([]byte(policy.String), &a.SessionPolicy); err != nil {
			return nil, fmt.Errorf("decode session policy for %s: %w", a.Name, err)
		}
	}
	if meta.Valid && meta.String != "" && meta.String != "null" {
		if err := json.Unmarshal([]byte(meta.String), &a.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", a.Name, err)
		}
	}
	return &a, nil
}

// GetAgent fetches one agent by (case-insensitive) name.
func (s *Store) GetAgent(name string) (*Agent, error) {
	name = address.NormalizeAgentName(name)
	row := s.db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE name = ?`, name)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("agent", name)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// ListAgents returns all agents ordered by name.
func (s *Store) ListAgents() ([]*Agent, error) {
	rows, err := s.db.Query(`SELECT ` + agentColumns + ` FROM agents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// AgentPatch updates a subset of mutable agent fields. Names are immutable.
type AgentPatch struct {
	Description     *string
	Workspace       *string
	Provider        *string
	Model           *string
	ReasoningEffort *string
	PermissionLevel *string
}

// UpdateAgent applies a patch. Empty patch is a no-op.
func (s *Store) UpdateAgent(name string, p AgentPatch) (*Agent, error) {
	name = address.NormalizeAgentName(name)
	if p.Provider != nil && !ValidProvider(*p.Provider) {
		return nil, fmt.Errorf("provider %q: %w", *p.Provider, ErrInvariant)
	}
	if p.ReasoningEffort != nil && !ValidReasoningEffort(*p.ReasoningEffort) {
		return nil, fmt.Errorf("reasoning effort %q: %w", *p.ReasoningEffort, ErrInvariant)
	}

	sets := []string{}
	args := []any{}
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if p.Description != nil {
		add("description", nullString(*p.Description))
	}
	if p.Workspace != nil {
		add("workspace", nullString(*p.Workspace))
	}
	if p.Provider != nil {
		add("provider", *p.Provider)
	}
	if p.Model != nil {
		add("model", nullString(*p.Model))
	}
	if p.ReasoningEffort != nil {
		add("reasoning_effort", nullString(*p.ReasoningEffort))
	}
	if p.PermissionLevel != nil {
		add("permission_level", *p.PermissionLevel)
	}
	if len(sets) > 0 {
		args = append(args, name)
		res, err := s.db.Exec(`UPDATE agents SET `+strings.Join(sets, ", ")+` WHERE name = ?`, args...)
		if err != nil {
			return nil, fmt.Errorf("update agent: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, notFound("agent", name)
		}
	}
	return s.GetAgent(name)
}

// SetAgentSessionPolicy replaces an agent's session policy.
func (s *Store) SetAgentSessionPolicy(name string, policy SessionPolicy) error {
	name = address.NormalizeAgentName(name)
	policyJSON, err := marshalJSON(policy)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE agents SET session_policy = ? WHERE name = ?`, policyJSON, name)
	if err != nil {
		return fmt.Errorf("set session policy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("agent", name)
	}
	return nil
}

// SetAgentMetadataValue writes one metadata key. A nil value deletes the key.
func (s *Store) SetAgentMetadataValue(name, key string, value json.RawMessage) error {
	agent, err := s.GetAgent(name)
	if err != nil {
		return err
	}
	meta := agent.Metadata
	if meta == nil {
		meta = map[string]json.RawMessage{}
	}
	if value == nil {
		delete(meta, key)
	} else {
		meta[key] = value
	}
	metaJSON, err := marshalJSON(meta)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(`UPDATE agents SET metadata = ? WHERE name = ?`, metaJSON, agent.Name); err != nil {
		return fmt.Errorf("set metadata: %w", err)
	}
	return nil
}

// TouchAgentLastSeen records agent activity.
func (s *Store) TouchAgentLastSeen(name string) error {
	_, err := s.db.Exec(`UPDATE agents SET last_seen_at = ? WHERE name = ?`,
		nowMs(), address.NormalizeAgentName(name))
	return err
}

// DeleteAgent removes an agent. Bindings and cron schedules cascade; the
// schedules' pending envelopes are closed to done first so no orphaned
// pending work survives.
func (s *Store) DeleteAgent(name string) error {
	name = address.NormalizeAgentName(name)
	return s.RunInTransaction(func(tx *sql.Tx) error {
		rows, err := tx.Query(`SELECT pending_envelope_id FROM cron_schedules
			WHERE agent_name = ? AND pending_envelope_id IS NOT NULL`, name)
		if err != nil {
			return fmt.Errorf("collect cron envelopes: %w", err)
		}
		var envIDs []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			envIDs = append(envIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range envIDs {
			if _, err := tx.Exec(`UPDATE envelopes SET status = 'done'
				WHERE id = ? AND status = 'pending'`, id); err != nil {
				return fmt.Errorf("close cron envelope: %w", err)
			}
		}

		res, err := tx.Exec(`DELETE FROM agents WHERE name = ?`, name)
		if err != nil {
			return fmt.Errorf("delete agent: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return notFound("agent", name)
		}
		return nil
	})
}

// FindAgentByToken resolves a presented agent token to its agent, or
// ErrNotFound. Each candidate hash is checked in constant time.
func (s *Store) FindAgentByToken(token string) (*Agent, error) {
	agents, err := s.ListAgents()
	if err != nil {
		return nil, err
	}
	for _, a := range agents {
		if VerifyToken(token, a.TokenHash) {
			return a, nil
		}
	}
	return nil, fmt.Errorf("agent token: %w", ErrNotFound)
}

// VerifyBossToken reports whether token matches the stored boss token hash.
func (s *Store) VerifyBossToken(token string) (bool, error) {
	hash, err := s.GetConfig(ConfigBossTokenHash)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return VerifyToken(token, hash), nil
}

// isUniqueViolation matches SQLite's unique-constraint error text. The
// modernc driver surfaces constraint failures as plain errors.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
