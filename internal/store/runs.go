package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/hiboss-dev/hiboss/internal/address"
)

// CreateAgentRun opens the audit record for a turn, status running.
func (s *Store) CreateAgentRun(agentName string, envelopeIDs []string) (*AgentRun, error) {
	run := &AgentRun{
		ID:          uuid.NewString(),
		AgentName:   address.NormalizeAgentName(agentName),
		EnvelopeIDs: envelopeIDs,
		StartedAt:   nowMs(),
		Status:      RunStatusRunning,
	}
	idsJSON, err := marshalJSON(run.EnvelopeIDs)
	if err != nil {
		return nil, err
	}
	_, err = s.db.Exec(`INSERT INTO agent_runs
		(id, agent_name, envelope_ids, started_at, status)
		VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.AgentName, idsJSON, run.StartedAt, run.Status)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

func clampUsage(u RunUsage) RunUsage {
	if u.ContextLength < 0 {
		u.ContextLength = 0
	}
	if u.InputTokens < 0 {
		u.InputTokens = 0
	}
	if u.OutputTokens < 0 {
		u.OutputTokens = 0
	}
	if u.TotalTokens < 0 {
		u.TotalTokens = 0
	}
	return u
}

// CompleteAgentRun closes a run successfully with its response and usage.
func (s *Store) CompleteAgentRun(id, response string, usage RunUsage) error {
	return s.finishRun(id, RunStatusCompleted, response, "", usage)
}

// FailAgentRun closes a run with an error message.
func (s *Store) FailAgentRun(id, errMsg string, usage RunUsage) error {
	return s.finishRun(id, RunStatusFailed, "", errMsg, usage)
}

// CancelAgentRun closes a run as cancelled, recording the abort reason.
func (s *Store) CancelAgentRun(id, reason string) error {
	return s.finishRun(id, RunStatusCancelled, "", reason, RunUsage{})
}

func (s *Store) finishRun(id, status, response, errMsg string, usage RunUsage) error {
	usage = clampUsage(usage)
	res, err := s.db.Exec(`UPDATE agent_runs SET completed_at = ?, status = ?,
		response = ?, error = ?, context_length = ?, input_tokens = ?,
		output_tokens = ?, total_tokens = ?
		WHERE id = ? AND status = 'running'`,
		nowMs(), status, nullString(response), nullString(errMsg),
		usage.ContextLength, usage.InputTokens, usage.OutputTokens,
		usage.TotalTokens, id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("run", id)
	}
	return nil
}

const runColumns = `id, agent_name, envelope_ids, started_at, completed_at,
	status, response, error, context_length, input_tokens, output_tokens, total_tokens`

func scanRun(row interface{ Scan(...any) error }) (*AgentRun, error) {
	var (
		r                      AgentRun
		idsJSON                string
		completedAt            sql.NullInt64
		response, errStr       sql.NullString
		ctxLen, in, out, total sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.AgentName, &idsJSON, &r.StartedAt, &completedAt,
		&r.Status, &response, &errStr, &ctxLen, &in, &out, &total)
	if err != nil {
		return nil, err
	}
	r.CompletedAt = int64Ptr(completedAt)
	r.Response = response.String
	r.Error = errStr.String
	r.Usage = RunUsage{
		ContextLength: int(ctxLen.Int64),
		InputTokens:   in.Int64,
		OutputTokens:  out.Int64,
		TotalTokens:   total.Int64,
	}
	if idsJSON != "" && idsJSON != "null" {
		if err := json.Unmarshal([]byte(idsJSON), &r.EnvelopeIDs); err != nil {
			return nil, fmt.Errorf("decode envelope ids for %s: %w", r.ID, err)
		}
	}
	return &r, nil
}

// GetAgentRun fetches one run by id.
func (s *Store) GetAgentRun(id string) (*AgentRun, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM agent_runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("run", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListAgentRuns returns an agent's most recent runs, newest first.
func (s *Store) ListAgentRuns(agentName string, limit int) ([]*AgentRun, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM agent_runs
		WHERE agent_name = ? ORDER BY started_at DESC, id DESC LIMIT ?`,
		address.NormalizeAgentName(agentName), limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*AgentRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LatestAgentRun returns the most recent run for an agent, or ErrNotFound.
func (s *Store) LatestAgentRun(agentName string) (*AgentRun, error) {
	runs, err := s.ListAgentRuns(agentName, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, notFound("run", agentName)
	}
	return runs[0], nil
}
