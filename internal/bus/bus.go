package bus

import (
	"context"
	"log/slog"
	"sync"
)

const (
	inboundBuffer  = 256
	outboundBuffer = 256
)

// MessageBus is the concrete in-process bus: buffered inbound/outbound
// queues plus an event pub/sub registry.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu   sync.RWMutex
	subs map[string]EventHandler
}

var _ MessageRouter = (*MessageBus)(nil)
var _ EventPublisher = (*MessageBus)(nil)

func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  make(chan InboundMessage, inboundBuffer),
		outbound: make(chan OutboundMessage, outboundBuffer),
		subs:     make(map[string]EventHandler),
	}
}

// PublishInbound queues an inbound message for the consumer loop.
// A full queue drops the message rather than blocking the adapter's
// receive path.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	select {
	case b.inbound <- msg:
	default:
		slog.Warn("bus.inbound_dropped", "channel", msg.Channel, "peer", msg.Peer.ID)
	}
}

// ConsumeInbound blocks until a message is available or ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case <-ctx.Done():
		return InboundMessage{}, false
	case msg := <-b.inbound:
		return msg, true
	}
}

// PublishOutbound queues a reply for delivery by the channel manager.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	select {
	case b.outbound <- msg:
	default:
		slog.Warn("bus.outbound_dropped", "channel", msg.Channel, "to", msg.To)
	}
}

// SubscribeOutbound blocks until an outbound message is available or ctx
// is done.
func (b *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case <-ctx.Done():
		return OutboundMessage{}, false
	case msg := <-b.outbound:
		return msg, true
	}
}

// Subscribe registers an event handler under an id. Re-subscribing the
// same id replaces the previous handler.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[id] = handler
}

// Unsubscribe removes a handler.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Broadcast delivers an event to every subscriber. Handlers are invoked
// on the caller's goroutine from a snapshot list, so a subscriber added
// or removed mid-broadcast never deadlocks the registry lock.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}
