// Package channels connects external chat platforms (Telegram, Discord,
// WebSocket relays) to the agent runtime via the message bus. Adapters
// publish inbound messages; the manager dispatches outbound replies.
package channels

import (
	"context"
	"strings"
	"sync"

	"github.com/opengate-ai/opengate/internal/bus"
)

// Internal channel names excluded from outbound dispatch.
var internalChannels = map[string]bool{
	"cli":    true,
	"system": true,
	"cron":   true,
}

// IsInternalChannel reports whether a channel name is internal.
func IsInternalChannel(name string) bool { return internalChannels[name] }

// Channel is the adapter contract. Start must return once the adapter
// is listening; Send delivers one outbound payload.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
}

// BaseChannel carries the shared adapter state. Implementations embed
// it and call HandleInbound / MarkOutbound.
type BaseChannel struct {
	name      string
	accountID string
	bus       *bus.MessageBus
	echo      *EchoTracker

	mu      sync.Mutex
	running bool
}

func NewBaseChannel(name, accountID string, msgBus *bus.MessageBus) *BaseChannel {
	if accountID == "" {
		accountID = "default"
	}
	return &BaseChannel{
		name:      name,
		accountID: accountID,
		bus:       msgBus,
		echo:      NewEchoTracker(0),
	}
}

func (c *BaseChannel) Name() string      { return c.name }
func (c *BaseChannel) AccountID() string { return c.accountID }

func (c *BaseChannel) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *BaseChannel) SetRunning(running bool) {
	c.mu.Lock()
	c.running = running
	c.mu.Unlock()
}

// Bus returns the message bus reference.
func (c *BaseChannel) Bus() *bus.MessageBus { return c.bus }

// MarkOutbound records a message id the adapter just sent, so the
// platform echoing it back is not mistaken for user input.
func (c *BaseChannel) MarkOutbound(messageID string) {
	c.echo.MarkOutbound(messageID)
}

// HandleInbound publishes a received message to the bus, dropping
// echoes of our own sends.
func (c *BaseChannel) HandleInbound(msg bus.InboundMessage) {
	if c.echo.IsEcho(msg.MessageID) {
		return
	}
	if msg.Channel == "" {
		msg.Channel = c.name
	}
	if msg.AccountID == "" {
		msg.AccountID = c.accountID
	}
	c.bus.PublishInbound(msg)
}

// Truncate shortens a string to maxLen, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// SplitCompoundID splits a "id|username" sender id into its parts.
func SplitCompoundID(senderID string) (id, username string) {
	if idx := strings.IndexByte(senderID, '|'); idx > 0 {
		return senderID[:idx], senderID[idx+1:]
	}
	return senderID, ""
}
