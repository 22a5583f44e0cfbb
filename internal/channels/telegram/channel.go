// Package telegram connects to the Telegram Bot API via long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/opengate-ai/opengate/internal/bus"
	"github.com/opengate-ai/opengate/internal/channels"
)

// Config holds the Telegram adapter settings.
type Config struct {
	Token     string `json:"token"`
	AccountID string `json:"accountId,omitempty"`
	Proxy     string `json:"proxy,omitempty"`
}

// Channel is the Telegram adapter.
type Channel struct {
	*channels.BaseChannel
	bot        *telego.Bot
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

func New(cfg Config, msgBus *bus.MessageBus) (*Channel, error) {
	var opts []telego.BotOption
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", cfg.AccountID, msgBus),
		bot:         bot,
	}, nil
}

// BotName returns the bot username, used to build mention patterns.
func (c *Channel) BotName() string { return c.bot.Username() }

// Start begins long polling for updates.
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

	c.SetRunning(true)
	slog.Info("telegram.connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram.updates_closed")
					return
				}
				if update.Message != nil {
					c.handleMessage(update.Message)
				}
			}
		}
	}()
	return nil
}

// Stop cancels polling and waits for the update goroutine so Telegram
// releases the getUpdates lock before a restart.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram.poll_exit_timeout")
		}
	}
	return nil
}

func (c *Channel) handleMessage(message *telego.Message) {
	user := message.From
	if user == nil {
		return
	}
	text := message.Text
	if text == "" {
		text = message.Caption
	}
	if text == "" {
		// Service messages (member joins, title changes) carry no text.
		return
	}

	senderID := strconv.FormatInt(user.ID, 10)
	if user.Username != "" {
		senderID = senderID + "|" + user.Username
	}

	isGroup := message.Chat.Type == "group" || message.Chat.Type == "supergroup"
	peer := bus.Peer{Kind: bus.PeerDM, ID: strconv.FormatInt(message.Chat.ID, 10), Name: message.Chat.Title}
	threadID := ""
	if isGroup {
		peer.Kind = bus.PeerGroup
		// Forum topics map to threads; the General topic (1) is the
		// plain group conversation.
		if message.Chat.IsForum && message.MessageThreadID > 1 {
			peer.Kind = bus.PeerThread
			threadID = strconv.Itoa(message.MessageThreadID)
		}
	}

	c.HandleInbound(bus.InboundMessage{
		Peer:       peer,
		MessageID:  strconv.Itoa(message.MessageID),
		Text:       text,
		SenderID:   senderID,
		SenderName: user.FirstName,
		ThreadID:   threadID,
	})
}

// Send delivers one outbound message, marking the sent id so the echo
// tracker can drop it if Telegram replays it inbound.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.To, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", msg.To, err)
	}

	params := tu.Message(tu.ID(chatID), msg.Text)
	if msg.ThreadID != "" {
		if threadID, err := strconv.Atoi(msg.ThreadID); err == nil && threadID > 1 {
			params.MessageThreadID = threadID
		}
	}
	if msg.ReplyTo != "" {
		if replyID, err := strconv.Atoi(msg.ReplyTo); err == nil {
			params.ReplyParameters = &telego.ReplyParameters{MessageID: replyID}
		}
	}

	sent, err := c.bot.SendMessage(ctx, params)
	if err != nil {
		return fmt.Errorf("telegram send to %s: %w", msg.To, err)
	}
	c.MarkOutbound(strconv.Itoa(sent.MessageID))
	return nil
}
