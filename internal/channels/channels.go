// Package channels defines the chat adapter contract and the registry the
// daemon uses to route envelopes to and from chat platforms.
package channels

import (
	"context"
	"fmt"
	"sync"

	"github.com/hiboss-dev/hiboss/internal/store"
)

// SendOptions carries per-message delivery options.
type SendOptions struct {
	ParseMode        string // plain|markdownv2|html, "" = plain
	ReplyToMessageID string
}

// SendResult is the adapter's acknowledgement of a delivered message.
type SendResult struct {
	ChannelMessageID string
}

// Inbound is one chat message normalized by an adapter.
type Inbound struct {
	Platform    string
	ChatID      string
	MessageID   string
	AuthorID    string
	AuthorName  string
	Text        string
	Attachments []store.Attachment
}

// InboundHandler receives normalized inbound messages. Adapters call it
// from their message pumps; it must be safe for concurrent use.
type InboundHandler func(ctx context.Context, msg Inbound)

// Adapter is one chat platform connection.
type Adapter interface {
	Platform() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SendText(ctx context.Context, chatID, text string, opts SendOptions) (*SendResult, error)
	SendAttachment(ctx context.Context, chatID string, att store.Attachment, opts SendOptions) (*SendResult, error)
}

// ReactionSetter is implemented by adapters that support message reactions.
type ReactionSetter interface {
	SetReaction(ctx context.Context, chatID, channelMessageID, emoji string) error
}

// Registry holds the running adapters by platform name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Platform()] = a
}

// Get returns the adapter for a platform, or an error naming it.
func (r *Registry) Get(platform string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[platform]
	if !ok {
		return nil, fmt.Errorf("no adapter for platform %q", platform)
	}
	return a, nil
}

// All returns the registered adapters.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	return out
}
