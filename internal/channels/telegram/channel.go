// Package telegram connects the daemon to the Telegram Bot API via long
// polling and maps messages to and from envelopes.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/time/rate"

	"github.com/hiboss-dev/hiboss/internal/channels"
	"github.com/hiboss-dev/hiboss/internal/config"
	"github.com/hiboss-dev/hiboss/internal/store"
)

const Platform = "telegram"

// Channel connects to Telegram via the Bot API using long polling.
type Channel struct {
	bot            *telego.Bot
	cfg            config.TelegramConfig
	handler        channels.InboundHandler
	attachmentsDir string
	log            *slog.Logger

	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter // chatID → outbound limiter

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

func New(cfg config.TelegramConfig, attachmentsDir string, handler channels.InboundHandler, log *slog.Logger) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Token, telego.WithDefaultLogger(false, true))
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Channel{
		bot:            bot,
		cfg:            cfg,
		handler:        handler,
		attachmentsDir: attachmentsDir,
		log:            log.With("component", "telegram"),
		limiters:       make(map[string]*rate.Limiter),
	}, nil
}

func (c *Channel) Platform() string { return Platform }

// Start begins long polling for updates and pumps messages to the handler.
func (c *Channel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}
	c.log.Info("telegram bot connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					c.handleMessage(pollCtx, update.Message)
				}
			}
		}
	}()
	return nil
}

// Stop cancels long polling and waits for the pump to exit.
func (c *Channel) Stop(ctx context.Context) error {
	if c.pollCancel == nil {
		return nil
	}
	c.pollCancel()
	select {
	case <-c.pollDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (c *Channel) handleMessage(ctx context.Context, msg *telego.Message) {
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	in := channels.Inbound{
		Platform:  Platform,
		ChatID:    chatID,
		MessageID: strconv.Itoa(msg.MessageID),
		Text:      msg.Text,
	}
	if msg.From != nil {
		in.AuthorID = strconv.FormatInt(msg.From.ID, 10)
		in.AuthorName = msg.From.FirstName
		if msg.From.Username != "" {
			in.AuthorName = msg.From.Username
		}
	}
	if msg.Caption != "" && in.Text == "" {
		in.Text = msg.Caption
	}

	atts, err := c.downloadAttachments(ctx, msg)
	if err != nil {
		c.log.Warn("attachment download failed", "chat", chatID, "error", err)
	}
	in.Attachments = atts

	c.handler(ctx, in)
}

// limiter returns the outbound rate limiter for one chat.
func (c *Channel) limiter(chatID string) *rate.Limiter {
	c.limitMu.Lock()
	defer c.limitMu.Unlock()
	l, ok := c.limiters[chatID]
	if !ok {
		rpm := c.cfg.RateLimitRPM
		if rpm <= 0 {
			rpm = 20
		}
		l = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 3)
		c.limiters[chatID] = l
	}
	return l
}

func (c *Channel) SendText(ctx context.Context, chatID, text string, opts channels.SendOptions) (*channels.SendResult, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram chat id %q: %w", chatID, err)
	}
	if err := c.limiter(chatID).Wait(ctx); err != nil {
		return nil, err
	}

	params := tu.Message(tu.ID(id), text)
	switch opts.ParseMode {
	case store.ParseModeMarkdownV2:
		params.ParseMode = telego.ModeMarkdownV2
	case store.ParseModeHTML:
		params.ParseMode = telego.ModeHTML
	}
	if opts.ReplyToMessageID != "" {
		if replyID, err := strconv.Atoi(opts.ReplyToMessageID); err == nil {
			params.ReplyParameters = &telego.ReplyParameters{MessageID: replyID}
		}
	}

	sent, err := c.bot.SendMessage(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("telegram send: %w", err)
	}
	return &channels.SendResult{ChannelMessageID: strconv.Itoa(sent.MessageID)}, nil
}

func (c *Channel) SendAttachment(ctx context.Context, chatID string, att store.Attachment, opts channels.SendOptions) (*channels.SendResult, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram chat id %q: %w", chatID, err)
	}
	if err := c.limiter(chatID).Wait(ctx); err != nil {
		return nil, err
	}

	file, err := attachmentFile(att)
	if err != nil {
		return nil, err
	}
	params := tu.Document(tu.ID(id), file)
	sent, err := c.bot.SendDocument(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("telegram send document: %w", err)
	}
	return &channels.SendResult{ChannelMessageID: strconv.Itoa(sent.MessageID)}, nil
}

// SetReaction sets a single emoji reaction on a message.
func (c *Channel) SetReaction(ctx context.Context, chatID, channelMessageID, emoji string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", chatID, err)
	}
	msgID, err := strconv.Atoi(channelMessageID)
	if err != nil {
		return fmt.Errorf("telegram message id %q: %w", channelMessageID, err)
	}
	var reactions []telego.ReactionType
	if emoji != "" {
		reactions = []telego.ReactionType{
			&telego.ReactionTypeEmoji{Type: telego.ReactionEmoji, Emoji: emoji},
		}
	}
	err = c.bot.SetMessageReaction(ctx, &telego.SetMessageReactionParams{
		ChatID:    tu.ID(id),
		MessageID: msgID,
		Reaction:  reactions,
	})
	if err != nil {
		return fmt.Errorf("telegram set reaction: %w", err)
	}
	return nil
}
