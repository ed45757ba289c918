package daemon

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hiboss-dev/hiboss/internal/address"
	"github.com/hiboss-dev/hiboss/internal/authz"
	"github.com/hiboss-dev/hiboss/internal/store"
	"github.com/hiboss-dev/hiboss/pkg/protocol"
)

func (d *Daemon) registerCronHandlers() {
	d.server.Register(protocol.MethodCronCreate, d.handleCronCreate)
	d.server.Register(protocol.MethodCronList, d.handleCronList)
	d.server.Register(protocol.MethodCronEnable, d.handleCronEnable)
	d.server.Register(protocol.MethodCronDisable, d.handleCronDisable)
	d.server.Register(protocol.MethodCronDelete, d.handleCronDelete)
}

// cronOwner resolves which agent a cron call targets: agents act on
// their own schedules, the boss names any agent.
func cronOwner(principal *authz.Principal, agentName string) (string, error) {
	if principal.IsBoss {
		return agentName, nil
	}
	if agentName == "" {
		return principal.Agent.Name, nil
	}
	if address.NormalizeAgentName(agentName) != principal.Agent.Name {
		return "", fmt.Errorf("an agent may only manage its own schedules: %w", authz.ErrUnauthorized)
	}
	return principal.Agent.Name, nil
}

type cronCreateParams struct {
	Token     string                `json:"token"`
	AgentName string                `json:"agentName"`
	Cron      string                `json:"cron"`
	Timezone  string                `json:"timezone"`
	To        string                `json:"to"`
	Content   store.EnvelopeContent `json:"content"`
	Metadata  *store.EnvelopeMeta   `json:"metadata"`
}

func (d *Daemon) handleCronCreate(_ context.Context, params json.RawMessage) (any, error) {
	principal, err := d.authorize(params, protocol.MethodCronCreate)
	if err != nil {
		return nil, err
	}
	var p cronCreateParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	owner, err := cronOwner(principal, p.AgentName)
	if err != nil {
		return nil, err
	}
	schedule, err := d.cronSched.CreateSchedule(store.CreateCronScheduleInput{
		AgentName: owner,
		Cron:      p.Cron,
		Timezone:  p.Timezone,
		To:        p.To,
		Content:   p.Content,
		Metadata:  p.Metadata,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"schedule": schedule}, nil
}

type cronListParams struct {
	Token     string `json:"token"`
	AgentName string `json:"agentName"`
}

func (d *Daemon) handleCronList(_ context.Context, params json.RawMessage) (any, error) {
	principal, err := d.authorize(params, protocol.MethodCronList)
	if err != nil {
		return nil, err
	}
	var p cronListParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	owner, err := cronOwner(principal, p.AgentName)
	if err != nil {
		return nil, err
	}
	schedules, err := d.store.ListCronSchedules(owner)
	if err != nil {
		return nil, err
	}
	return map[string]any{"schedules": schedules}, nil
}

type cronIDParams struct {
	Token string `json:"token"`
	ID    string `json:"id"`
}

// resolveCron accepts a full id or an unambiguous short prefix and
// enforces that non-boss callers own the schedule.
func (d *Daemon) resolveCron(principal *authz.Principal, id string) (*store.CronSchedule, error) {
	cs, err := d.store.GetCronSchedule(id)
	if err != nil {
		cs, err = d.store.FindCronScheduleByIDPrefix(id)
	}
	if err != nil {
		return nil, err
	}
	if !principal.IsBoss && cs.AgentName != principal.Agent.Name {
		return nil, fmt.Errorf("schedule %s belongs to another agent: %w", cs.ID, authz.ErrUnauthorized)
	}
	return cs, nil
}

func (d *Daemon) handleCronEnable(_ context.Context, params json.RawMessage) (any, error) {
	principal, err := d.authorize(params, protocol.MethodCronEnable)
	if err != nil {
		return nil, err
	}
	var p cronIDParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	cs, err := d.resolveCron(principal, p.ID)
	if err != nil {
		return nil, err
	}
	if err := d.cronSched.EnableSchedule(cs.ID); err != nil {
		return nil, err
	}
	schedule, err := d.store.GetCronSchedule(cs.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"schedule": schedule}, nil
}

func (d *Daemon) handleCronDisable(_ context.Context, params json.RawMessage) (any, error) {
	principal, err := d.authorize(params, protocol.MethodCronDisable)
	if err != nil {
		return nil, err
	}
	var p cronIDParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	cs, err := d.resolveCron(principal, p.ID)
	if err != nil {
		return nil, err
	}
	if err := d.cronSched.DisableSchedule(cs.ID); err != nil {
		return nil, err
	}
	schedule, err := d.store.GetCronSchedule(cs.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"schedule": schedule}, nil
}

func (d *Daemon) handleCronDelete(_ context.Context, params json.RawMessage) (any, error) {
	principal, err := d.authorize(params, protocol.MethodCronDelete)
	if err != nil {
		return nil, err
	}
	var p cronIDParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	cs, err := d.resolveCron(principal, p.ID)
	if err != nil {
		return nil, err
	}
	if err := d.cronSched.DeleteSchedule(cs.ID); err != nil {
		return nil, err
	}
	return map[string]bool{"deleted": true}, nil
}
