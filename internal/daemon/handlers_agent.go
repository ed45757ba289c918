package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/hiboss-dev/hiboss/internal/authz"
	"github.com/hiboss-dev/hiboss/internal/store"
	"github.com/hiboss-dev/hiboss/pkg/protocol"
)

func (d *Daemon) registerAgentHandlers() {
	d.server.Register(protocol.MethodAgentRegister, d.handleAgentRegister)
	d.server.Register(protocol.MethodAgentList, d.handleAgentList)
	d.server.Register(protocol.MethodAgentStatus, d.handleAgentStatus)
	d.server.Register(protocol.MethodAgentSet, d.handleAgentSet)
	d.server.Register(protocol.MethodAgentDelete, d.handleAgentDelete)
	d.server.Register(protocol.MethodAgentBind, d.handleAgentBind)
	d.server.Register(protocol.MethodAgentUnbind, d.handleAgentUnbind)
	d.server.Register(protocol.MethodAgentRefresh, d.handleAgentRefresh)
	d.server.Register(protocol.MethodAgentAbort, d.handleAgentAbort)
	d.server.Register(protocol.MethodAgentSelf, d.handleAgentSelf)
	d.server.Register(protocol.MethodAgentSessionPolicySet, d.handleSessionPolicySet)
}

type agentRegisterParams struct {
	Token           string                     `json:"token"`
	Name            string                     `json:"name"`
	Description     string                     `json:"description"`
	Workspace       string                     `json:"workspace"`
	Provider        string                     `json:"provider"`
	Model           string                     `json:"model"`
	ReasoningEffort string                     `json:"reasoningEffort"`
	PermissionLevel string                     `json:"permissionLevel"`
	SessionPolicy   store.SessionPolicy        `json:"sessionPolicy"`
	Metadata        map[string]json.RawMessage `json:"metadata"`
}

func (d *Daemon) handleAgentRegister(_ context.Context, params json.RawMessage) (any, error) {
	if _, err := d.authorize(params, protocol.MethodAgentRegister); err != nil {
		return nil, err
	}
	var p agentRegisterParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.PermissionLevel != "" && !authz.ValidLevel(p.PermissionLevel) {
		return nil, invalidParams("permission level %q", p.PermissionLevel)
	}
	agent, token, err := d.store.RegisterAgent(store.RegisterAgentInput{
		Name:            p.Name,
		Description:     p.Description,
		Workspace:       p.Workspace,
		Provider:        p.Provider,
		Model:           p.Model,
		ReasoningEffort: p.ReasoningEffort,
		PermissionLevel: p.PermissionLevel,
		SessionPolicy:   p.SessionPolicy,
		Metadata:        p.Metadata,
	})
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(d.cfg.AgentDir(agent.Name)+"/internal_space", 0o700); err != nil {
		d.log.Warn("create agent home", "agent", agent.Name, "error", err)
	}
	return map[string]any{"agent": agent, "token": token}, nil
}

func (d *Daemon) handleAgentList(_ context.Context, params json.RawMessage) (any, error) {
	if _, err := d.authorize(params, protocol.MethodAgentList); err != nil {
		return nil, err
	}
	agents, err := d.store.ListAgents()
	if err != nil {
		return nil, err
	}
	return map[string]any{"agents": agents}, nil
}

type agentNameParams struct {
	Token string `json:"token"`
	Name  string `json:"name"`
}

func (d *Daemon) handleAgentStatus(_ context.Context, params json.RawMessage) (any, error) {
	if _, err := d.authorize(params, protocol.MethodAgentStatus); err != nil {
		return nil, err
	}
	var p agentNameParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	agent, err := d.store.GetAgent(p.Name)
	if err != nil {
		return nil, err
	}
	runs, err := d.store.ListAgentRuns(agent.Name, 5)
	if err != nil {
		return nil, err
	}
	pending, err := d.store.GetPendingEnvelopesForAgent(agent.Name, executorBatchProbe)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"agent":            agent,
		"recentRuns":       runs,
		"pendingEnvelopes": len(pending),
		"inflightRunId":    d.executor.InflightRunID(agent.Name),
	}, nil
}

// executorBatchProbe bounds the pending count reported by agent.status.
const executorBatchProbe = 100

type agentSetParams struct {
	Token           string  `json:"token"`
	Name            string  `json:"name"`
	Description     *string `json:"description"`
	Workspace       *string `json:"workspace"`
	Provider        *string `json:"provider"`
	Model           *string `json:"model"`
	ReasoningEffort *string `json:"reasoningEffort"`
	PermissionLevel *string `json:"permissionLevel"`
}

func (d *Daemon) handleAgentSet(_ context.Context, params json.RawMessage) (any, error) {
	principal, err := d.authorize(params, protocol.MethodAgentSet)
	if err != nil {
		return nil, err
	}
	var p agentSetParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.PermissionLevel != nil {
		if !authz.ValidLevel(*p.PermissionLevel) {
			return nil, invalidParams("permission level %q", *p.PermissionLevel)
		}
		if *p.PermissionLevel == "boss" && !principal.IsBoss {
			return nil, fmt.Errorf("raising an agent to boss requires the boss: %w", authz.ErrUnauthorized)
		}
	}
	agent, err := d.store.UpdateAgent(p.Name, store.AgentPatch{
		Description:     p.Description,
		Workspace:       p.Workspace,
		Provider:        p.Provider,
		Model:           p.Model,
		ReasoningEffort: p.ReasoningEffort,
		PermissionLevel: p.PermissionLevel,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"agent": agent}, nil
}

func (d *Daemon) handleAgentDelete(_ context.Context, params json.RawMessage) (any, error) {
	if _, err := d.authorize(params, protocol.MethodAgentDelete); err != nil {
		return nil, err
	}
	var p agentNameParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	agent, err := d.store.GetAgent(p.Name)
	if err != nil {
		return nil, err
	}

	// Best-effort: drop runtime state and stop any in-flight turn first.
	if err := d.sessions.Refresh(agent.Name, "agent-delete"); err != nil {
		d.log.Warn("refresh before delete", "agent", agent.Name, "error", err)
	}
	d.executor.AbortCurrentRun(agent.Name, "agent-delete")

	if err := d.store.DeleteAgent(agent.Name); err != nil {
		return nil, err
	}
	d.sessions.Drop(agent.Name)
	if err := os.RemoveAll(d.cfg.AgentDir(agent.Name)); err != nil {
		d.log.Warn("remove agent home", "agent", agent.Name, "error", err)
	}
	return map[string]bool{"deleted": true}, nil
}

type agentBindParams struct {
	Token        string `json:"token"`
	Name         string `json:"name"`
	AdapterType  string `json:"adapterType"`
	AdapterToken string `json:"adapterToken"`
}

func (d *Daemon) handleAgentBind(_ context.Context, params json.RawMessage) (any, error) {
	if _, err := d.authorize(params, protocol.MethodAgentBind); err != nil {
		return nil, err
	}
	var p agentBindParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	binding, err := d.store.CreateBinding(p.Name, p.AdapterType, p.AdapterToken)
	if err != nil {
		return nil, err
	}
	return map[string]any{"binding": binding}, nil
}

type agentUnbindParams struct {
	Token       string `json:"token"`
	Name        string `json:"name"`
	AdapterType string `json:"adapterType"`
}

func (d *Daemon) handleAgentUnbind(_ context.Context, params json.RawMessage) (any, error) {
	if _, err := d.authorize(params, protocol.MethodAgentUnbind); err != nil {
		return nil, err
	}
	var p agentUnbindParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	d.executor.AbortCurrentRun(p.Name, "agent-unbind")
	if err := d.store.DeleteBinding(p.Name, p.AdapterType); err != nil {
		return nil, err
	}
	return map[string]bool{"unbound": true}, nil
}

type agentRefreshParams struct {
	Token  string `json:"token"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

func (d *Daemon) handleAgentRefresh(_ context.Context, params json.RawMessage) (any, error) {
	principal, err := d.authorize(params, protocol.MethodAgentRefresh)
	if err != nil {
		return nil, err
	}
	var p agentRefreshParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if !principal.IsBoss && principal.Agent.Name != p.Name {
		return nil, fmt.Errorf("an agent may only refresh its own session: %w", authz.ErrUnauthorized)
	}
	reason := p.Reason
	if reason == "" {
		reason = "manual-refresh"
	}
	if err := d.executor.RequestSessionRefresh(p.Name, reason); err != nil {
		return nil, err
	}
	return map[string]bool{"refreshed": true}, nil
}

type agentAbortParams struct {
	Token  string `json:"token"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

func (d *Daemon) handleAgentAbort(_ context.Context, params json.RawMessage) (any, error) {
	if _, err := d.authorize(params, protocol.MethodAgentAbort); err != nil {
		return nil, err
	}
	var p agentAbortParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	reason := p.Reason
	if reason == "" {
		reason = "manual-abort"
	}
	aborted := d.executor.AbortCurrentRun(p.Name, reason)
	return map[string]bool{"aborted": aborted}, nil
}

// handleAgentSelf returns the calling agent's own record. Boss callers
// have no self.
func (d *Daemon) handleAgentSelf(_ context.Context, params json.RawMessage) (any, error) {
	principal, err := d.authorize(params, protocol.MethodAgentSelf)
	if err != nil {
		return nil, err
	}
	if principal.IsBoss {
		return nil, invalidParams("agent.self requires an agent token")
	}
	return map[string]any{"agent": principal.Agent}, nil
}

type sessionPolicyParams struct {
	Token         string              `json:"token"`
	Name          string              `json:"name"`
	SessionPolicy store.SessionPolicy `json:"sessionPolicy"`
}

func (d *Daemon) handleSessionPolicySet(_ context.Context, params json.RawMessage) (any, error) {
	if _, err := d.authorize(params, protocol.MethodAgentSessionPolicySet); err != nil {
		return nil, err
	}
	var p sessionPolicyParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.SessionPolicy.DailyResetAt != "" {
		if _, err := time.Parse("15:04", p.SessionPolicy.DailyResetAt); err != nil {
			return nil, invalidParams("dailyResetAt %q", p.SessionPolicy.DailyResetAt)
		}
	}
	if p.SessionPolicy.IdleTimeoutMs < 0 || p.SessionPolicy.MaxContextLength < 0 {
		return nil, invalidParams("session policy values must be non-negative")
	}
	if err := d.store.SetAgentSessionPolicy(p.Name, p.SessionPolicy); err != nil {
		return nil, err
	}
	agent, err := d.store.GetAgent(p.Name)
	if err != nil {
		return nil, err
	}
	return map[string]any{"agent": agent}, nil
}
