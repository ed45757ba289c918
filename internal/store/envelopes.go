package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const envelopeColumns = `id, "from", "to", from_boss, content_text,
	content_attachments, metadata, deliver_at, status, created_at`

func scanEnvelope(row interface{ Scan(...any) error }) (*Envelope, error) {
	var (
		e                Envelope
		fromBoss         int
		text, atts, meta sql.NullString
		deliverAt        sql.NullInt64
	)
	err := row.Scan(&e.ID, &e.From, &e.To, &fromBoss, &text, &atts, &meta,
		&deliverAt, &e.Status, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.FromBoss = fromBoss != 0
	e.Content.Text = text.String
	e.DeliverAt = int64Ptr(deliverAt)
	if atts.Valid && atts.String != "" && atts.String != "null" {
		if err := json.Unmarshal([]byte(atts.String), &e.Content.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments for %s: %w", e.ID, err)
		}
	}
	if meta.Valid && meta.String != "" && meta.String != "null" {
		var m EnvelopeMeta
		if err := json.Unmarshal([]byte(meta.String), &m); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", e.ID, err)
		}
		e.Metadata = &m
	}
	return &e, nil
}

func encodeEnvelope(e *Envelope) (attsJSON, metaJSON sql.NullString, err error) {
	if len(e.Content.Attachments) > 0 {
		s, err := marshalJSON(e.Content.Attachments)
		if err != nil {
			return attsJSON, metaJSON, err
		}
		attsJSON = sql.NullString{String: s, Valid: true}
	}
	if !e.Metadata.IsZero() {
		s, err := marshalJSON(e.Metadata)
		if err != nil {
			return attsJSON, metaJSON, err
		}
		metaJSON = sql.NullString{String: s, Valid: true}
	}
	return attsJSON, metaJSON, nil
}

// InsertEnvelope persists a new envelope in its own transaction.
// Insertion is idempotent only on a caller-supplied id.
func (s *Store) InsertEnvelope(e *Envelope) error {
	return s.RunInTransaction(func(tx *sql.Tx) error {
		return insertEnvelope(tx, e)
	})
}

// insertEnvelope writes one envelope row through q, which may be a
// transaction carrying additional side-records (cron links, setup rows).
func insertEnvelope(q querier, e *Envelope) error {
	attsJSON, metaJSON, err := encodeEnvelope(e)
	if err != nil {
		return err
	}
	fromBoss := 0
	if e.FromBoss {
		fromBoss = 1
	}
	_, err = q.Exec(`INSERT INTO envelopes
		(id, "from", "to", from_boss, content_text, content_attachments,
		 metadata, deliver_at, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.From, e.To, fromBoss, nullString(e.Content.Text),
		attsJSON, metaJSON, nullInt64(e.DeliverAt), e.Status, e.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return alreadyExists("envelope", e.ID)
		}
		return fmt.Errorf("insert envelope: %w", err)
	}
	return nil
}

// GetEnvelope fetches one envelope by exact id.
func (s *Store) GetEnvelope(id string) (*Envelope, error) {
	row := s.db.QueryRow(`SELECT `+envelopeColumns+` FROM envelopes WHERE id = ?`, id)
	e, err := scanEnvelope(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("envelope", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get envelope: %w", err)
	}
	return e, nil
}

// FindEnvelopeByIDPrefix resolves a short id (≥ 8 hex chars). Multiple
// matches return an AmbiguousPrefixError listing candidate ids.
func (s *Store) FindEnvelopeByIDPrefix(prefix string) (*Envelope, error) {
	if len(prefix) < 8 {
		return nil, fmt.Errorf("id prefix must be at least 8 chars: %w", ErrInvariant)
	}
	rows, err := s.db.Query(`SELECT `+envelopeColumns+` FROM envelopes
		WHERE id LIKE ? || '%' LIMIT 10`, prefix)
	if err != nil {
		return nil, fmt.Errorf("find envelope by prefix: %w", err)
	}
	defer rows.Close()

	var matches []*Envelope
	for rows.Next() {
		e, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, notFound("envelope", prefix)
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

// EnvelopeFilter narrows ListEnvelopes. Zero values mean "any".
type EnvelopeFilter struct {
	To     string
	Status string
	Limit  int
}

// ListEnvelopes returns envelopes newest-first.
func (s *Store) ListEnvelopes(f EnvelopeFilter) ([]*Envelope, error) {
	query := `SELECT ` + envelopeColumns + ` FROM envelopes WHERE 1=1`
	args := []any{}
	if f.To != "" {
		query += ` AND "to" = ?`
		args = append(args, f.To)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list envelopes: %w", err)
	}
	defer rows.Close()

	var envelopes []*Envelope
	for rows.Next() {
		e, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, e)
	}
	return envelopes, rows.Err()
}

// GetPendingEnvelopesForAgent returns the due pending envelopes for one
// agent inbox, ordered by (created_at, id) ascending — the only order the
// agent's turn input ever sees.
func (s *Store) GetPendingEnvelopesForAgent(name string, limit int) ([]*Envelope, error) {
	rows, err := s.db.Query(`SELECT `+envelopeColumns+` FROM envelopes
		WHERE "to" = ? AND status = 'pending'
		  AND (deliver_at IS NULL OR deliver_at <= ?)
		ORDER BY created_at ASC, id ASC LIMIT ?`,
		"agent:"+name, nowMs(), limit)
	if err != nil {
		return nil, fmt.Errorf("pending envelopes: %w", err)
	}
	defer rows.Close()

	var envelopes []*Envelope
	for rows.Next() {
		e, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, e)
	}
	return envelopes, rows.Err()
}

// MarkEnvelopesDone flips rows still pending to done and returns the ids
// actually flipped. The conditional update makes the transition
// at-most-once under concurrent callers.
func (s *Store) MarkEnvelopesDone(ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var flipped []string
	err := s.RunInTransaction(func(tx *sql.Tx) error {
		for _, id := range ids {
			res, err := tx.Exec(`UPDATE envelopes SET status = 'done'
				WHERE id = ? AND status = 'pending'`, id)
			if err != nil {
				return fmt.Errorf("mark done %s: %w", id, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				flipped = append(flipped, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return flipped, nil
}

// NextPendingDeliverAt returns the earliest future deliver_at among
// pending envelopes, or nil when none is scheduled.
func (s *Store) NextPendingDeliverAt() (*int64, error) {
	var next sql.NullInt64
	err := s.db.QueryRow(`SELECT MIN(deliver_at) FROM envelopes
		WHERE status = 'pending' AND deliver_at IS NOT NULL`).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("next deliver_at: %w", err)
	}
	return int64Ptr(next), nil
}

// DuePendingEnvelopes returns pending envelopes whose scheduled delivery
// time has arrived, oldest first.
func (s *Store) DuePendingEnvelopes(now int64, limit int) ([]*Envelope, error) {
	rows, err := s.db.Query(`SELECT `+envelopeColumns+` FROM envelopes
		WHERE status = 'pending' AND deliver_at IS NOT NULL AND deliver_at <= ?
		ORDER BY deliver_at ASC, id ASC LIMIT ?`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("due envelopes: %w", err)
	}
	defer rows.Close()

	var envelopes []*Envelope
	for rows.Next() {
		e, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, e)
	}
	return envelopes, rows.Err()
}

// PendingChannelEnvelopes returns pending immediate envelopes addressed to
// channels — deliveries that failed at send time and await a retry.
func (s *Store) PendingChannelEnvelopes(limit int) ([]*Envelope, error) {
	rows, err := s.db.Query(`SELECT `+envelopeColumns+` FROM envelopes
		WHERE status = 'pending' AND deliver_at IS NULL AND "to" LIKE 'channel:%'
		ORDER BY created_at ASC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("pending channel envelopes: %w", err)
	}
	defer rows.Close()

	var envelopes []*Envelope
	for rows.Next() {
		e, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, e)
	}
	return envelopes, rows.Err()
}

// SetEnvelopeChannelMessageID records the adapter's message id after a
// successful outbound send.
func (s *Store) SetEnvelopeChannelMessageID(id, channelMessageID string) error {
	e, err := s.GetEnvelope(id)
	if err != nil {
		return err
	}
	meta := e.Metadata
	if meta == nil {
		meta = &EnvelopeMeta{}
	}
	meta.ChannelMessageID = channelMessageID
	metaJSON, err := marshalJSON(meta)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(`UPDATE envelopes SET metadata = ? WHERE id = ?`, metaJSON, id); err != nil {
		return fmt.Errorf("set channel message id: %w", err)
	}
	return nil
}

// CountPendingEnvelopes reports the pending backlog size for daemon.status.
func (s *Store) CountPendingEnvelopes() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM envelopes WHERE status = 'pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}
