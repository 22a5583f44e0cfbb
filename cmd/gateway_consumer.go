package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/opengate-ai/opengate/internal/bus"
	"github.com/opengate-ai/opengate/internal/channels"
	"github.com/opengate-ai/opengate/internal/config"
	"github.com/opengate-ai/opengate/internal/sessions"
	"github.com/opengate-ai/opengate/pkg/protocol"
)

// Inbound dedupe: webhook retries and client double-taps deliver the
// same platform message id more than once.
const (
	inboundDedupeTTL = 20 * time.Minute
	inboundDedupeCap = 5000
)

// groupExtraPrompt is appended to the system prompt for group-chat runs.
const groupExtraPrompt = "You are in a GROUP chat with multiple participants, not a private 1-on-1 conversation.\n" +
	"- The current message includes a [From: sender] tag identifying who addressed you.\n" +
	"- Keep responses concise and focused; long replies are disruptive in groups.\n" +
	"- Address the group naturally."

type consumerDeps struct {
	cfg      *config.Config
	bus      *bus.MessageBus
	store    *sessions.Store
	links    *sessions.IdentityLinks
	dispatch *chatDispatcher
	gates    map[string]*channels.GroupGate
}

// consumeInbound reads inbound messages from the channel adapters and
// routes them through the auto-reply pipeline: rate limit, dedupe,
// group gating, the /stop command, the debouncer, and finally a chat
// run whose reply is delivered back to the originating channel.
func consumeInbound(ctx context.Context, d *consumerDeps) {
	slog.Info("inbound consumer started")

	dedupe := bus.NewDedupeCache(inboundDedupeTTL, inboundDedupeCap)
	limiter := channels.NewInboundRateLimiter()

	delivery := newDeliveryRouter(d.bus, d.store)
	d.bus.Subscribe("delivery", delivery.handle)
	defer d.bus.Unsubscribe("delivery")

	process := func(msg bus.InboundMessage) {
		route := sessions.ResolveAgentRoute(d.cfg.RouterConfig(), d.links, msg.Channel, msg.AccountID, routePeer(msg))

		// Record where replies for this session go before the run
		// starts, so chat.final delivery has a target.
		if _, err := d.store.Update(route.SessionKey, func(e *sessions.Entry) {
			e.Channel = msg.Channel
			e.LastChannel = msg.Channel
			e.LastTo = msg.Peer.ID
			e.LastAccountID = msg.AccountID
			e.LastThreadID = msg.ThreadID
			e.Delivery = &sessions.DeliveryContext{
				Channel:   msg.Channel,
				To:        msg.Peer.ID,
				AccountID: msg.AccountID,
				ThreadID:  msg.ThreadID,
				ReplyTo:   msg.MessageID,
			}
			e.Touch(time.Now().UnixMilli())
		}); err != nil {
			slog.Error("inbound: session update failed", "session", route.SessionKey, "error", err)
			return
		}

		text := msg.Text
		extraPrompt := ""
		if msg.Peer.Kind == bus.PeerGroup || msg.Peer.Kind == bus.PeerThread {
			if msg.SenderName != "" {
				text = fmt.Sprintf("[From: %s]\n%s", msg.SenderName, text)
			}
			extraPrompt = groupExtraPrompt
		}

		slog.Info("inbound: scheduling run",
			"channel", msg.Channel,
			"peer", msg.Peer.ID,
			"kind", msg.Peer.Kind,
			"agent", route.AgentID,
			"session", route.SessionKey,
			"matched_by", route.MatchedBy,
		)

		if _, err := d.dispatch.send(route.SessionKey, text, nil, "", extraPrompt); err != nil {
			slog.Error("inbound: run enqueue failed", "session", route.SessionKey, "error", err)
		}
	}

	window := time.Duration(d.cfg.Gateway.InboundDebounceMs) * time.Millisecond
	if d.cfg.Gateway.InboundDebounceMs == 0 {
		window = 2 * time.Second
	}
	var debouncer *bus.InboundDebouncer
	if window > 0 {
		debouncer = bus.NewInboundDebouncer(window, process)
		defer debouncer.Stop()
		slog.Info("inbound debounce configured", "window", window)
	}

	for {
		msg, ok := d.bus.ConsumeInbound(ctx)
		if !ok {
			if debouncer != nil {
				debouncer.Flush()
			}
			slog.Info("inbound consumer stopped")
			return
		}

		if !limiter.Allow(msg.Channel + "|" + msg.SenderID) {
			slog.Debug("inbound: rate limited", "channel", msg.Channel, "sender", msg.SenderID)
			continue
		}

		if msg.MessageID != "" {
			key := fmt.Sprintf("%s|%s|%s|%s", msg.Channel, msg.SenderID, msg.Peer.ID, msg.MessageID)
			if dedupe.IsDuplicate(key) {
				slog.Debug("inbound: duplicate dropped", "key", key)
				continue
			}
		}

		if !d.passesGroupGate(msg) {
			continue
		}

		// /stop bypasses the debouncer so an abort is never merged into
		// the message it is trying to cancel.
		if strings.TrimSpace(msg.Text) == "/stop" {
			d.handleStop(msg)
			continue
		}

		if debouncer != nil {
			debouncer.Push(msg)
		} else {
			process(msg)
		}
	}
}

// passesGroupGate applies the channel's group gate, honoring a
// session-level always-active override.
func (d *consumerDeps) passesGroupGate(msg bus.InboundMessage) bool {
	gate := d.gates[msg.Channel]
	if gate == nil || msg.Peer.Kind != bus.PeerGroup {
		return true
	}
	if gate.Accept(msg) {
		return true
	}
	route := sessions.ResolveAgentRoute(d.cfg.RouterConfig(), d.links, msg.Channel, msg.AccountID, routePeer(msg))
	if entry, ok, err := d.store.Get(route.SessionKey); err == nil && ok &&
		entry.GroupActivation == sessions.ActivationAlways {
		return gate.AcceptActivated(msg)
	}
	slog.Debug("inbound: group gate dropped", "channel", msg.Channel, "peer", msg.Peer.ID)
	return false
}

// handleStop cancels the session's active run and reports the result
// back to the channel.
func (d *consumerDeps) handleStop(msg bus.InboundMessage) {
	route := sessions.ResolveAgentRoute(d.cfg.RouterConfig(), d.links, msg.Channel, msg.AccountID, routePeer(msg))
	cancelled := d.dispatch.Abort(route.SessionKey, "")
	slog.Info("inbound: /stop", "session", route.SessionKey, "cancelled", cancelled)

	feedback := "No active task to stop."
	if cancelled {
		feedback = "Task stopped."
	}
	d.bus.PublishOutbound(bus.OutboundMessage{
		Channel:  msg.Channel,
		To:       msg.Peer.ID,
		Text:     feedback,
		ThreadID: msg.ThreadID,
		ReplyTo:  msg.MessageID,
	})
}

func routePeer(msg bus.InboundMessage) sessions.RoutePeer {
	return sessions.RoutePeer{
		Kind:     sessions.PeerKind(msg.Peer.Kind),
		ID:       msg.Peer.ID,
		ThreadID: msg.ThreadID,
	}
}

// deliveryRouter forwards terminal chat events for channel-originated
// sessions back to their channel, using the delivery context recorded
// on the session entry.
type deliveryRouter struct {
	bus   *bus.MessageBus
	store *sessions.Store

	mu   sync.Mutex
	runs map[string]string // runID -> sessionKey, for chat.error routing
}

func newDeliveryRouter(msgBus *bus.MessageBus, store *sessions.Store) *deliveryRouter {
	return &deliveryRouter{bus: msgBus, store: store, runs: make(map[string]string)}
}

func (r *deliveryRouter) handle(event bus.Event) {
	switch event.Name {
	case protocol.EventChatStarted:
		if p, ok := event.Payload.(protocol.ChatStartedPayload); ok {
			r.mu.Lock()
			r.runs[p.RunID] = p.SessionKey
			r.mu.Unlock()
		}
	case protocol.EventChatFinal:
		if p, ok := event.Payload.(protocol.ChatFinalPayload); ok {
			r.forget(p.RunID)
			r.deliver(p.SessionKey, p.Message.Content)
		}
	case protocol.EventChatError:
		if p, ok := event.Payload.(protocol.ChatErrorPayload); ok {
			sessionKey := r.forget(p.RunID)
			if sessionKey != "" {
				r.deliver(sessionKey, "Something went wrong handling that message. Please try again.")
			}
		}
	case protocol.EventChatAborted:
		if p, ok := event.Payload.(protocol.ChatAbortedPayload); ok {
			r.forget(p.RunID)
		}
	}
}

func (r *deliveryRouter) forget(runID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := r.runs[runID]
	delete(r.runs, runID)
	return key
}

// deliver publishes text to the session's delivery target. Sessions
// without a delivery context (pure WS sessions) and silent replies are
// skipped, as are sessions whose send policy denies outbound delivery.
func (r *deliveryRouter) deliver(sessionKey, text string) {
	if sessionKey == "" || text == "" {
		return
	}
	entry, ok, err := r.store.Get(sessionKey)
	if err != nil || !ok || entry.Delivery == nil {
		return
	}
	if entry.SendPolicy == sessions.SendDeny {
		slog.Debug("delivery suppressed by send policy", "session", sessionKey)
		return
	}
	r.bus.PublishOutbound(bus.OutboundMessage{
		Channel:  entry.Delivery.Channel,
		To:       entry.Delivery.To,
		Text:     text,
		ThreadID: entry.Delivery.ThreadID,
		ReplyTo:  entry.Delivery.ReplyTo,
	})
}
