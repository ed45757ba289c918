package daemon

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hiboss-dev/hiboss/internal/address"
	"github.com/hiboss-dev/hiboss/internal/authz"
	"github.com/hiboss-dev/hiboss/internal/channels"
	"github.com/hiboss-dev/hiboss/internal/router"
	"github.com/hiboss-dev/hiboss/internal/store"
	"github.com/hiboss-dev/hiboss/pkg/protocol"
)

func (d *Daemon) registerEnvelopeHandlers() {
	d.server.Register(protocol.MethodEnvelopeSend, d.handleEnvelopeSend)
	d.server.Register(protocol.MethodEnvelopeList, d.handleEnvelopeList)
	d.server.Register(protocol.MethodEnvelopeGet, d.handleEnvelopeGet)
	d.server.Register(protocol.MethodReactionSet, d.handleReactionSet)
}

type envelopeSendParams struct {
	Token     string                `json:"token"`
	ID        string                `json:"id"`
	From      string                `json:"from"`
	To        string                `json:"to"`
	Content   store.EnvelopeContent `json:"content"`
	Metadata  *store.EnvelopeMeta   `json:"metadata"`
	DeliverAt *int64                `json:"deliverAt"`
}

func (d *Daemon) handleEnvelopeSend(ctx context.Context, params json.RawMessage) (any, error) {
	principal, err := d.authorize(params, protocol.MethodEnvelopeSend)
	if err != nil {
		return nil, err
	}
	var p envelopeSendParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}

	// The sender address follows the principal: boss omits from, agents
	// must be who they claim.
	if principal.IsBoss {
		if p.From == "" {
			return nil, invalidParams("from is required")
		}
	} else {
		self := address.Agent(principal.Agent.Name).String()
		if p.From == "" {
			p.From = self
		} else if p.From != self {
			return nil, fmt.Errorf("agent may only send as itself: %w", authz.ErrUnauthorized)
		}
	}

	env, err := d.router.RouteEnvelope(ctx, router.Input{
		ID:        p.ID,
		From:      p.From,
		To:        p.To,
		FromBoss:  principal.IsBoss,
		Content:   p.Content,
		Metadata:  p.Metadata,
		DeliverAt: p.DeliverAt,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"envelope": env}, nil
}

type envelopeListParams struct {
	Token  string `json:"token"`
	To     string `json:"to"`
	Status string `json:"status"`
	Limit  int    `json:"limit"`
}

func (d *Daemon) handleEnvelopeList(_ context.Context, params json.RawMessage) (any, error) {
	if _, err := d.authorize(params, protocol.MethodEnvelopeList); err != nil {
		return nil, err
	}
	var p envelopeListParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Status != "" && p.Status != store.EnvelopeStatusPending && p.Status != store.EnvelopeStatusDone {
		return nil, invalidParams("status %q", p.Status)
	}
	envelopes, err := d.store.ListEnvelopes(store.EnvelopeFilter{
		To:     p.To,
		Status: p.Status,
		Limit:  p.Limit,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"envelopes": envelopes}, nil
}

type envelopeGetParams struct {
	Token string `json:"token"`
	ID    string `json:"id"`
}

// handleEnvelopeGet resolves full ids and unambiguous short prefixes.
func (d *Daemon) handleEnvelopeGet(_ context.Context, params json.RawMessage) (any, error) {
	if _, err := d.authorize(params, protocol.MethodEnvelopeGet); err != nil {
		return nil, err
	}
	var p envelopeGetParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	env, err := d.store.GetEnvelope(p.ID)
	if err != nil {
		env, err = d.store.FindEnvelopeByIDPrefix(p.ID)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"envelope": env}, nil
}

type reactionSetParams struct {
	Token            string `json:"token"`
	Channel          string `json:"channel"` // channel:<adapter>:<chat>
	ChannelMessageID string `json:"channelMessageId"`
	Emoji            string `json:"emoji"`
}

func (d *Daemon) handleReactionSet(ctx context.Context, params json.RawMessage) (any, error) {
	if _, err := d.authorize(params, protocol.MethodReactionSet); err != nil {
		return nil, err
	}
	var p reactionSetParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	addr, err := address.Parse(p.Channel)
	if err != nil || !addr.IsChannel() {
		return nil, invalidParams("channel address %q", p.Channel)
	}
	adapter, err := d.registry.Get(addr.Adapter)
	if err != nil {
		return nil, invalidParams("%v", err)
	}
	setter, ok := adapter.(channels.ReactionSetter)
	if !ok {
		return nil, invalidParams("adapter %s does not support reactions", addr.Adapter)
	}
	if err := setter.SetReaction(ctx, addr.ChatID, p.ChannelMessageID, p.Emoji); err != nil {
		return nil, err
	}
	return map[string]bool{"set": true}, nil
}
