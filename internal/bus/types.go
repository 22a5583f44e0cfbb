// Package bus mediates between the gateway, the agent runtime, and the
// channel adapters. Both sides depend on the bus rather than on each
// other, which breaks the gateway↔channel-manager cycle.
package bus

import "context"

// Peer kinds.
const (
	PeerDM     = "dm"
	PeerGroup  = "group"
	PeerThread = "thread"
)

// Peer identifies the other side of a channel conversation.
type Peer struct {
	Kind string `json:"kind"` // "dm", "group", or "thread"
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// InboundMessage is a message received from a channel adapter.
type InboundMessage struct {
	Channel     string            `json:"channel"`
	AccountID   string            `json:"account_id,omitempty"`
	Peer        Peer              `json:"peer"`
	MessageID   string            `json:"message_id,omitempty"`
	Text        string            `json:"text"`
	Attachments []string          `json:"attachments,omitempty"`
	SenderID    string            `json:"sender_id"`
	SenderName  string            `json:"sender_name,omitempty"`
	ThreadID    string            `json:"thread_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is a reply to be delivered by a channel adapter.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	To       string            `json:"to"`
	Text     string            `json:"text"`
	ThreadID string            `json:"thread_id,omitempty"`
	ReplyTo  string            `json:"reply_to,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Event is a server-side event to broadcast to WebSocket subscribers.
type Event struct {
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription. The gateway
// subscribes each WS connection; the channel manager subscribes for
// outbound delivery instructions.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageRouter abstracts inbound/outbound message routing between
// channel adapters and the agent runtime.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	SubscribeOutbound(ctx context.Context) (OutboundMessage, bool)
}
