package router

import (
	"context"
	"errors"

	"github.com/hiboss-dev/hiboss/internal/address"
	"github.com/hiboss-dev/hiboss/internal/channels"
	"github.com/hiboss-dev/hiboss/internal/store"
)

// HandleInbound routes one chat message to the agent bound to its chat.
// Messages from unbound chats are dropped with a log line; adapters feed
// this from their pumps, so it never returns an error.
func (r *Router) HandleInbound(ctx context.Context, msg channels.Inbound) {
	binding, err := r.store.GetBindingByAdapter(msg.Platform, msg.ChatID)
	if errors.Is(err, store.ErrNotFound) {
		r.log.Debug("inbound from unbound chat dropped",
			"platform", msg.Platform, "chat", msg.ChatID)
		return
	}
	if err != nil {
		r.log.Error("inbound binding lookup failed",
			"platform", msg.Platform, "chat", msg.ChatID, "error", err)
		return
	}

	fromBoss := false
	if bossID, err := r.store.GetConfig(store.AdapterBossIDKey(msg.Platform)); err == nil {
		fromBoss = bossID != "" && (bossID == msg.AuthorID || bossID == msg.ChatID)
	}

	in := Input{
		From:     address.Channel(msg.Platform, msg.ChatID).String(),
		To:       address.Agent(binding.AgentName).String(),
		FromBoss: fromBoss,
		Content: store.EnvelopeContent{
			Text:        msg.Text,
			Attachments: msg.Attachments,
		},
		Metadata: &store.EnvelopeMeta{
			ChannelMessageID: msg.MessageID,
			Author:           msg.AuthorID,
			FromName:         msg.AuthorName,
		},
	}
	if _, err := r.RouteEnvelope(ctx, in); err != nil {
		r.log.Error("inbound envelope rejected",
			"platform", msg.Platform, "chat", msg.ChatID, "error", err)
	}
}
