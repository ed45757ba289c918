package daemon

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hiboss-dev/hiboss/internal/authz"
	"github.com/hiboss-dev/hiboss/pkg/protocol"
)

func (d *Daemon) registerMemoryHandlers() {
	d.server.Register(protocol.MethodMemoryStore, d.handleMemoryStore)
	d.server.Register(protocol.MethodMemoryRecall, d.handleMemoryRecall)
	d.server.Register(protocol.MethodMemoryClear, d.handleMemoryClear)
}

type memoryParams struct {
	Token     string `json:"token"`
	AgentName string `json:"agentName"`
	Content   string `json:"content"`
	Query     string `json:"query"`
	Limit     int    `json:"limit"`
}

// memoryAgent resolves which agent's memory the call targets: agents act
// on their own, the boss names any agent.
func memoryAgent(principal *authz.Principal, p memoryParams) (string, error) {
	if principal.IsBoss {
		if p.AgentName == "" {
			return "", invalidParams("agentName is required")
		}
		return p.AgentName, nil
	}
	if p.AgentName != "" && p.AgentName != principal.Agent.Name {
		return "", fmt.Errorf("an agent may only use its own memory: %w", authz.ErrUnauthorized)
	}
	return principal.Agent.Name, nil
}

func (d *Daemon) handleMemoryStore(_ context.Context, params json.RawMessage) (any, error) {
	principal, err := d.authorize(params, protocol.MethodMemoryStore)
	if err != nil {
		return nil, err
	}
	var p memoryParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	name, err := memoryAgent(principal, p)
	if err != nil {
		return nil, err
	}
	m, err := d.memory.Store(name, p.Content)
	if err != nil {
		return nil, err
	}
	return map[string]any{"memory": m}, nil
}

func (d *Daemon) handleMemoryRecall(_ context.Context, params json.RawMessage) (any, error) {
	principal, err := d.authorize(params, protocol.MethodMemoryRecall)
	if err != nil {
		return nil, err
	}
	var p memoryParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	name, err := memoryAgent(principal, p)
	if err != nil {
		return nil, err
	}
	memories, err := d.memory.Recall(name, p.Query, p.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"memories": memories}, nil
}

func (d *Daemon) handleMemoryClear(_ context.Context, params json.RawMessage) (any, error) {
	principal, err := d.authorize(params, protocol.MethodMemoryClear)
	if err != nil {
		return nil, err
	}
	var p memoryParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	name, err := memoryAgent(principal, p)
	if err != nil {
		return nil, err
	}
	n, err := d.memory.Clear(name)
	if err != nil {
		return nil, err
	}
	return map[string]any{"cleared": n}, nil
}
