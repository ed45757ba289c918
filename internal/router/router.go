// Package router validates, persists, and dispatches envelopes. It is the
// single entry point for new envelopes from every source: IPC, chat
// adapters, cron materialization, and agent replies.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hiboss-dev/hiboss/internal/address"
	"github.com/hiboss-dev/hiboss/internal/channels"
	"github.com/hiboss-dev/hiboss/internal/store"
)

// DeliveryError reports a persisted envelope whose synchronous channel
// delivery failed. The envelope stays pending for the scheduler to retry.
type DeliveryError struct {
	EnvelopeID string
	Err        error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery of envelope %s failed: %v", e.EnvelopeID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Input is a new envelope before validation.
type Input struct {
	ID        string // optional; callers that may retry supply their own
	From      string
	To        string
	FromBoss  bool
	Content   store.EnvelopeContent
	Metadata  *store.EnvelopeMeta
	DeliverAt *int64
}

// Router owns envelope routing. Wakers and hooks are wired once at daemon
// startup, before any envelope flows.
type Router struct {
	store    *store.Store
	registry *channels.Registry
	log      *slog.Logger

	mu        sync.RWMutex
	wakeAgent func(name, trigger string)
	onCreated func(e *store.Envelope)
	onDone    func(ids []string)
}

func New(s *store.Store, registry *channels.Registry, log *slog.Logger) *Router {
	return &Router{
		store:    s,
		registry: registry,
		log:      log.With("component", "router"),
	}
}

// SetAgentWaker installs the executor's wake function.
func (r *Router) SetAgentWaker(fn func(name, trigger string)) {
	r.mu.Lock()
	r.wakeAgent = fn
	r.mu.Unlock()
}

// SetOnCreated installs the envelope scheduler's notification hook.
func (r *Router) SetOnCreated(fn func(e *store.Envelope)) {
	r.mu.Lock()
	r.onCreated = fn
	r.mu.Unlock()
}

// SetOnDone installs the cron scheduler's done hook.
func (r *Router) SetOnDone(fn func(ids []string)) {
	r.mu.Lock()
	r.onDone = fn
	r.mu.Unlock()
}

// NotifyDone runs the done hook for envelope ids that were flipped.
func (r *Router) NotifyDone(ids []string) {
	if len(ids) == 0 {
		return
	}
	r.mu.RLock()
	fn := r.onDone
	r.mu.RUnlock()
	if fn != nil {
		fn(ids)
	}
}

// RouteEnvelope validates, persists, and dispatches one envelope.
func (r *Router) RouteEnvelope(ctx context.Context, in Input) (*store.Envelope, error) {
	from, err := address.Parse(in.From)
	if err != nil {
		return nil, fmt.Errorf("from address: %v: %w", err, store.ErrInvariant)
	}
	to, err := address.Parse(in.To)
	if err != nil {
		return nil, fmt.Errorf("to address: %v: %w", err, store.ErrInvariant)
	}
	if in.Content.Text == "" && len(in.Content.Attachments) == 0 {
		return nil, fmt.Errorf("envelope content is empty: %w", store.ErrInvariant)
	}

	if in.Metadata != nil {
		if !store.ValidParseMode(in.Metadata.ParseMode) {
			return nil, fmt.Errorf("parse mode %q: %w", in.Metadata.ParseMode, store.ErrInvariant)
		}
		if !to.IsChannel() && (in.Metadata.ParseMode != "" || in.Metadata.ReplyToMessageID != "") {
			return nil, fmt.Errorf("parseMode/replyToMessageId require a channel destination: %w", store.ErrInvariant)
		}
	}

	if to.IsAgent() {
		if _, err := r.store.GetAgent(to.Agent); err != nil {
			return nil, err
		}
	}
	if to.IsChannel() {
		if !from.IsAgent() {
			return nil, fmt.Errorf("channel destination requires an agent sender: %w", store.ErrInvariant)
		}
		if _, err := r.store.GetAgentBindingByType(from.Agent, to.Adapter); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("agent %s has no %s binding: %w", from.Agent, to.Adapter, store.ErrInvariant)
			}
			return nil, err
		}
	}

	now := time.Now().UnixMilli()
	if in.DeliverAt != nil && *in.DeliverAt < now {
		return nil, fmt.Errorf("deliverAt is in the past: %w", store.ErrInvariant)
	}

	e := &store.Envelope{
		ID:        in.ID,
		From:      from.String(),
		To:        to.String(),
		FromBoss:  in.FromBoss,
		Content:   in.Content,
		Metadata:  in.Metadata,
		DeliverAt: in.DeliverAt,
		Status:    store.EnvelopeStatusPending,
		CreatedAt: now,
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	if err := r.store.InsertEnvelope(e); err != nil {
		return nil, err
	}
	r.log.Info("envelope routed", "id", e.ID, "from", e.From, "to", e.To,
		"deferred", e.DeliverAt != nil)

	if err := r.Dispatch(ctx, e); err != nil {
		return e, err
	}
	return e, nil
}

// Dispatch delivers an already-persisted pending envelope. Future
// deliveries are left to the envelope scheduler; agent deliveries wake
// the executor; channel deliveries send through the adapter.
func (r *Router) Dispatch(ctx context.Context, e *store.Envelope) error {
	if e.DeliverAt != nil && *e.DeliverAt > time.Now().UnixMilli() {
		r.mu.RLock()
		fn := r.onCreated
		r.mu.RUnlock()
		if fn != nil {
			fn(e)
		}
		return nil
	}

	to, err := address.Parse(e.To)
	if err != nil {
		return err
	}
	if to.IsAgent() {
		r.mu.RLock()
		wake := r.wakeAgent
		r.mu.RUnlock()
		if wake != nil {
			wake(to.Agent, "envelope:"+e.ID)
		}
		return nil
	}
	return r.deliverToChannel(ctx, e, to)
}

func (r *Router) deliverToChannel(ctx context.Context, e *store.Envelope, to address.Address) error {
	adapter, err := r.registry.Get(to.Adapter)
	if err != nil {
		return &DeliveryError{EnvelopeID: e.ID, Err: err}
	}

	opts := channels.SendOptions{}
	if e.Metadata != nil {
		opts.ParseMode = e.Metadata.ParseMode
		opts.ReplyToMessageID = e.Metadata.ReplyToMessageID
	}

	var lastMsgID string
	if e.Content.Text != "" {
		res, err := adapter.SendText(ctx, to.ChatID, e.Content.Text, opts)
		if err != nil {
			return &DeliveryError{EnvelopeID: e.ID, Err: err}
		}
		lastMsgID = res.ChannelMessageID
	}
	for _, att := range e.Content.Attachments {
		res, err := adapter.SendAttachment(ctx, to.ChatID, att, opts)
		if err != nil {
			return &DeliveryError{EnvelopeID: e.ID, Err: err}
		}
		lastMsgID = res.ChannelMessageID
	}

	flipped, err := r.store.MarkEnvelopesDone([]string{e.ID})
	if err != nil {
		return err
	}
	if lastMsgID != "" {
		if err := r.store.SetEnvelopeChannelMessageID(e.ID, lastMsgID); err != nil {
			r.log.Warn("record channel message id", "envelope", e.ID, "error", err)
		}
	}
	r.NotifyDone(flipped)
	return nil
}
