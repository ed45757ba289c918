package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/hiboss-dev/hiboss/internal/address"
)

// CreateCronScheduleInput carries the fields accepted at schedule creation.
type CreateCronScheduleInput struct {
	AgentName string
	Cron      string
	Timezone  string
	To        string
	Content   EnvelopeContent
	Metadata  *EnvelopeMeta
}

// CreateCronSchedule validates and persists a schedule, enabled by default.
func (s *Store) CreateCronSchedule(in CreateCronScheduleInput) (*CronSchedule, error) {
	agentName := address.NormalizeAgentName(in.AgentName)
	if _, err := s.GetAgent(agentName); err != nil {
		return nil, err
	}
	if !gronx.New().IsValid(in.Cron) {
		return nil, fmt.Errorf("cron expression %q: %w", in.Cron, ErrInvariant)
	}
	if in.Timezone != "" {
		if _, err := time.LoadLocation(in.Timezone); err != nil {
			return nil, fmt.Errorf("timezone %q: %w", in.Timezone, ErrInvariant)
		}
	}
	if _, err := address.Parse(in.To); err != nil {
		return nil, fmt.Errorf("to address: %v: %w", err, ErrInvariant)
	}

	cs := &CronSchedule{
		ID:        uuid.NewString(),
		AgentName: agentName,
		Cron:      in.Cron,
		Timezone:  in.Timezone,
		Enabled:   true,
		To:        in.To,
		Content:   in.Content,
		Metadata:  in.Metadata,
		CreatedAt: nowMs(),
	}

	var attsJSON, metaJSON sql.NullString
	if len(cs.Content.Attachments) > 0 {
		v, err := marshalJSON(cs.Content.Attachments)
		if err != nil {
			return nil, err
		}
		attsJSON = sql.NullString{String: v, Valid: true}
	}
	if !cs.Metadata.IsZero() {
		v, err := marshalJSON(cs.Metadata)
		if err != nil {
			return nil, err
		}
		metaJSON = sql.NullString{String: v, Valid: true}
	}

	_, err := s.db.Exec(`INSERT INTO cron_schedules
		(id, agent_name, cron, timezone, enabled, to_address,
		 content_text, content_attachments, metadata, created_at)
		VALUES (?, ?, ?, ?, 1, ?, ?, ?, ?, ?)`,
		cs.ID, cs.AgentName, cs.Cron, nullString(cs.Timezone), cs.To,
		nullString(cs.Content.Text), attsJSON, metaJSON, cs.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert cron schedule: %w", err)
	}
	return cs, nil
}

const cronColumns = `id, agent_name, cron, timezone, enabled, to_address,
	content_text, content_attachments, metadata, pending_envelope_id, created_at, updated_at`

func scanCron(row interface{ Scan(...any) error }) (*CronSchedule, error) {
	var (
		cs                            CronSchedule
		enabled                       int
		tz, text, atts, meta, pending sql.NullString
		updatedAt                     sql.NullInt64
	)
	err := row.Scan(&cs.ID, &cs.AgentName, &cs.Cron, &tz, &enabled, &cs.To,
		&text, &atts, &meta, &pending, &cs.CreatedAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	cs.Timezone = tz.String
	cs.Enabled = enabled != 0
	cs.Content.Text = text.String
	cs.PendingEnvelopeID = pending.String
	cs.UpdatedAt = int64Ptr(updatedAt)
	if atts.Valid && atts.String != "" && atts.String != "null" {
		if err := json.Unmarshal([]byte(atts.String), &cs.Content.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments for %s: %w", cs.ID, err)
		}
	}
	if meta.Valid && meta.String != "" && meta.String != "null" {
		var m EnvelopeMeta
		if err := json.Unmarshal([]byte(meta.String), &m); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", cs.ID, err)
		}
		cs.Metadata = &m
	}
	return &cs, nil
}

// GetCronSchedule fetches one schedule by exact id.
func (s *Store) GetCronSchedule(id string) (*CronSchedule, error) {
	row := s.db.QueryRow(`SELECT `+cronColumns+` FROM cron_schedules WHERE id = ?`, id)
	cs, err := scanCron(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("cron schedule", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get cron schedule: %w", err)
	}
	return cs, nil
}

// FindCronScheduleByIDPrefix resolves a short schedule id (≥ 8 chars).
func (s *Store) FindCronScheduleByIDPrefix(prefix string) (*CronSchedule, error) {
	if len(prefix) < 8 {
		return nil, fmt.Errorf("id prefix must be at least 8 chars: %w", ErrInvariant)
	}
	rows, err := s.db.Query(`SELECT `+cronColumns+` FROM cron_schedules
		WHERE id LIKE ? || '%' LIMIT 10`, prefix)
	if err != nil {
		return nil, fmt.Errorf("find cron schedule by prefix: %w", err)
	}
	defer rows.Close()

	var matches []*CronSchedule
	for rows.Next() {
		cs, err := scanCron(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, notFound("cron schedule", prefix)
	case 1:
		return matches[0], nil
	default:
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = m.ID
		}
		return nil, &AmbiguousPrefixError{Prefix: prefix, Candidates: ids}
	}
}

// ListCronSchedules returns all schedules, or one agent's when agentName != "".
func (s *Store) ListCronSchedules(agentName string) ([]*CronSchedule, error) {
	query := `SELECT ` + cronColumns + ` FROM cron_schedules ORDER BY created_at ASC, id ASC`
	args := []any{}
	if agentName != "" {
		query = `SELECT ` + cronColumns + ` FROM cron_schedules
			WHERE agent_name = ? ORDER BY created_at ASC, id ASC`
		args = append(args, address.NormalizeAgentName(agentName))
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cron schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*CronSchedule
	for rows.Next() {
		cs, err := scanCron(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, cs)
	}
	return schedules, rows.Err()
}

// SetCronScheduleEnabled flips the enabled flag. Disabling never touches
// the schedule's already-materialized pending envelope.
func (s *Store) SetCronScheduleEnabled(id string, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	res, err := s.db.Exec(`UPDATE cron_schedules SET enabled = ?, updated_at = ? WHERE id = ?`,
		v, nowMs(), id)
	if err != nil {
		return fmt.Errorf("set cron enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("cron schedule", id)
	}
	return nil
}

// DeleteCronSchedule removes a schedule and closes its pending envelope so
// the materialized work does not outlive the schedule.
func (s *Store) DeleteCronSchedule(id string) error {
	return s.RunInTransaction(func(tx *sql.Tx) error {
		var pending sql.NullString
		err := tx.QueryRow(`SELECT pending_envelope_id FROM cron_schedules WHERE id = ?`, id).Scan(&pending)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("cron schedule", id)
		}
		if err != nil {
			return fmt.Errorf("load cron schedule: %w", err)
		}
		if pending.Valid && pending.String != "" {
			if _, err := tx.Exec(`UPDATE envelopes SET status = 'done'
				WHERE id = ? AND status = 'pending'`, pending.String); err != nil {
				return fmt.Errorf("close cron envelope: %w", err)
			}
		}
		if _, err := tx.Exec(`DELETE FROM cron_schedules WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete cron schedule: %w", err)
		}
		return nil
	})
}

// MaterializeCronEnvelope atomically inserts the schedule's next envelope
// and records it as the schedule's single pending envelope. It is a no-op
// returning ErrAlreadyExists when a pending envelope is already recorded.
func (s *Store) MaterializeCronEnvelope(scheduleID string, e *Envelope) error {
	return s.RunInTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE cron_schedules SET pending_envelope_id = ?, updated_at = ?
			WHERE id = ? AND pending_envelope_id IS NULL`, e.ID, nowMs(), scheduleID)
		if err != nil {
			return fmt.Errorf("claim cron slot: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := s.getCronTx(tx, scheduleID); err != nil {
				return err
			}
			return alreadyExists("cron pending envelope", scheduleID)
		}
		return insertEnvelope(tx, e)
	})
}

func (s *Store) getCronTx(tx *sql.Tx, id string) (*CronSchedule, error) {
	row := tx.QueryRow(`SELECT `+cronColumns+` FROM cron_schedules WHERE id = ?`, id)
	cs, err := scanCron(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("cron schedule", id)
	}
	return cs, err
}

// ClearCronPendingEnvelope releases a schedule's pending slot, but only if
// it still points at envelopeID.
func (s *Store) ClearCronPendingEnvelope(scheduleID, envelopeID string) error {
	_, err := s.db.Exec(`UPDATE cron_schedules SET pending_envelope_id = NULL, updated_at = ?
		WHERE id = ? AND pending_envelope_id = ?`, nowMs(), scheduleID, envelopeID)
	if err != nil {
		return fmt.Errorf("clear cron pending: %w", err)
	}
	return nil
}

// FindCronScheduleByPendingEnvelope maps a consumed envelope back to its
// schedule, or ErrNotFound when the envelope is not cron-materialized.
func (s *Store) FindCronScheduleByPendingEnvelope(envelopeID string) (*CronSchedule, error) {
	row := s.db.QueryRow(`SELECT `+cronColumns+` FROM cron_schedules
		WHERE pending_envelope_id = ?`, envelopeID)
	cs, err := scanCron(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("cron schedule", envelopeID)
	}
	if err != nil {
		return nil, fmt.Errorf("find cron by envelope: %w", err)
	}
	return cs, nil
}
