package store

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/hiboss-dev/hiboss/internal/address"
)

// StoreMemory appends one recall entry for an agent.
func (s *Store) StoreMemory(agentName, content string) (*Memory, error) {
	agentName = address.NormalizeAgentName(agentName)
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("memory content required: %w", ErrInvariant)
	}
	m := &Memory{
		ID:        uuid.NewString(),
		AgentName: agentName,
		Content:   content,
		CreatedAt: nowMs(),
	}
	_, err := s.db.Exec(`INSERT INTO memories (id, agent_name, content, created_at)
		VALUES (?, ?, ?, ?)`, m.ID, m.AgentName, m.Content, m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert memory: %w", err)
	}
	return m, nil
}

// RecallMemories returns an agent's entries newest-first, optionally
// filtered by a case-insensitive substring query.
func (s *Store) RecallMemories(agentName, query string, limit int) ([]*Memory, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT id, agent_name, content, created_at FROM memories WHERE agent_name = ?`
	args := []any{address.NormalizeAgentName(agentName)}
	if query != "" {
		q += ` AND content LIKE '%' || ? || '%' COLLATE NOCASE`
		args = append(args, query)
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("recall memories: %w", err)
	}
	defer rows.Close()

	var memories []*Memory
	for rows.Next() {
		var m Memory
		if err := rows.Scan(&m.ID, &m.AgentName, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		memories = append(memories, &m)
	}
	return memories, rows.Err()
}

// ClearMemories deletes all of an agent's entries, returning the count removed.
func (s *Store) ClearMemories(agentName string) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM memories WHERE agent_name = ?`,
		address.NormalizeAgentName(agentName))
	if err != nil {
		return 0, fmt.Errorf("clear memories: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
