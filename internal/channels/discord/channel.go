// Package discord connects to the Discord gateway via discordgo.
package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/opengate-ai/opengate/internal/bus"
	"github.com/opengate-ai/opengate/internal/channels"
)

// messageChunkLimit is Discord's hard cap per message.
const messageChunkLimit = 2000

// Config holds the Discord adapter settings.
type Config struct {
	Token     string `json:"token"`
	AccountID string `json:"accountId,omitempty"`
}

// Channel is the Discord adapter.
type Channel struct {
	*channels.BaseChannel
	session *discordgo.Session
	botID   string
	botName string
}

func New(cfg Config, msgBus *bus.MessageBus) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{
		BaseChannel: channels.NewBaseChannel("discord", cfg.AccountID, msgBus),
		session:     session,
	}, nil
}

// BotName returns the bot username, used to build mention patterns.
func (c *Channel) BotName() string { return c.botName }

func (c *Channel) Start(ctx context.Context) error {
	c.session.AddHandler(c.handleMessage)
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch bot identity: %w", err)
	}
	c.botID = user.ID
	c.botName = user.Username
	c.SetRunning(true)
	slog.Info("discord.connected", "username", user.Username)
	return nil
}

func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	return c.session.Close()
}

func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botID || m.Author.Bot {
		return
	}
	if m.Content == "" {
		return
	}

	peer := bus.Peer{Kind: bus.PeerGroup, ID: m.ChannelID}
	if m.GuildID == "" {
		peer.Kind = bus.PeerDM
	}

	c.HandleInbound(bus.InboundMessage{
		Peer:       peer,
		MessageID:  m.ID,
		Text:       m.Content,
		SenderID:   m.Author.ID + "|" + m.Author.Username,
		SenderName: resolveDisplayName(m),
	})
}

// Send delivers one outbound message, chunked to Discord's length cap.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	for _, chunk := range chunkText(msg.Text, messageChunkLimit) {
		sent, err := c.session.ChannelMessageSend(msg.To, chunk)
		if err != nil {
			return fmt.Errorf("discord send to %s: %w", msg.To, err)
		}
		c.MarkOutbound(sent.ID)
	}
	return nil
}

func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

// chunkText splits text into pieces of at most limit bytes, breaking at
// newlines when possible.
func chunkText(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var out []string
	for len(text) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if text[i-1] == '\n' {
				cut = i
				break
			}
		}
		out = append(out, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}
