package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/hiboss-dev/hiboss/internal/address"
)

// CreateBinding pairs an agent with an adapter instance. At most one
// binding per (agent, adapter type); an adapter token binds one agent.
func (s *Store) CreateBinding(agentName, adapterType, adapterToken string) (*Binding, error) {
	agentName = address.NormalizeAgentName(agentName)
	if adapterType == "" || adapterToken == "" {
		return nil, fmt.Errorf("adapter type and token required: %w", ErrInvariant)
	}
	if _, err := s.GetAgent(agentName); err != nil {
		return nil, err
	}

	b := &Binding{
		ID:           uuid.NewString(),
		AgentName:    agentName,
		AdapterType:  adapterType,
		AdapterToken: adapterToken,
		CreatedAt:    nowMs(),
	}
	_, err := s.db.Exec(`INSERT INTO agent_bindings
		(id, agent_name, adapter_type, adapter_token, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		b.ID, b.AgentName, b.AdapterType, b.AdapterToken, b.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, alreadyExists("binding", agentName+"/"+adapterType)
		}
		return nil, fmt.Errorf("insert binding: %w", err)
	}
	return b, nil
}

// DeleteBinding removes an agent's binding for one adapter type.
func (s *Store) DeleteBinding(agentName, adapterType string) error {
	res, err := s.db.Exec(`DELETE FROM agent_bindings WHERE agent_name = ? AND adapter_type = ?`,
		address.NormalizeAgentName(agentName), adapterType)
	if err != nil {
		return fmt.Errorf("delete binding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("binding", agentName+"/"+adapterType)
	}
	return nil
}

func scanBinding(row interface{ Scan(...any) error }) (*Binding, error) {
	var b Binding
	if err := row.Scan(&b.ID, &b.AgentName, &b.AdapterType, &b.AdapterToken, &b.CreatedAt); err != nil {
		return nil, err
	}
	return &b, nil
}

const bindingColumns = `id, agent_name, adapter_type, adapter_token, created_at`

// GetAgentBindingByType fetches an agent's binding for one adapter type.
func (s *Store) GetAgentBindingByType(agentName, adapterType string) (*Binding, error) {
	row := s.db.QueryRow(`SELECT `+bindingColumns+` FROM agent_bindings
		WHERE agent_name = ? AND adapter_type = ?`,
		address.NormalizeAgentName(agentName), adapterType)
	b, err := scanBinding(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("binding", agentName+"/"+adapterType)
	}
	if err != nil {
		return nil, fmt.Errorf("get binding: %w", err)
	}
	return b, nil
}

// GetBindingByAdapter resolves an adapter instance (type + token) to its binding.
func (s *Store) GetBindingByAdapter(adapterType, adapterToken string) (*Binding, error) {
	row := s.db.QueryRow(`SELECT `+bindingColumns+` FROM agent_bindings
		WHERE adapter_type = ? AND adapter_token = ?`, adapterType, adapterToken)
	b, err := scanBinding(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("binding", adapterType)
	}
	if err != nil {
		return nil, fmt.Errorf("get binding by adapter: %w", err)
	}
	return b, nil
}

// ListBindings returns all bindings, or one agent's when agentName != "".
func (s *Store) ListBindings(agentName string) ([]*Binding, error) {
	query := `SELECT ` + bindingColumns + ` FROM agent_bindings ORDER BY agent_name, adapter_type`
	args := []any{}
	if agentName != "" {
		query = `SELECT ` + bindingColumns + ` FROM agent_bindings WHERE agent_name = ? ORDER BY adapter_type`
		args = append(args, address.NormalizeAgentName(agentName))
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	defer rows.Close()

	var bindings []*Binding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, b)
	}
	return bindings, rows.Err()
}
