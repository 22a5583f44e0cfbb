// Package wsbridge is a generic WebSocket relay adapter: it dials a
// remote bridge, reads JSON-framed inbound messages, and writes
// outbound replies on the same connection. Useful for connecting
// platforms that are bridged by an external process.
package wsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/opengate-ai/opengate/internal/bus"
	"github.com/opengate-ai/opengate/internal/channels"
)

// reconnectBackoff caps the delay between dial attempts.
const (
	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
)

// Config holds the relay settings.
type Config struct {
	// Name registers the adapter under a custom channel name, so several
	// bridges can coexist ("whatsapp-bridge", "irc-bridge"). Defaults to
	// "wsbridge".
	Name      string `json:"name,omitempty"`
	URL       string `json:"url"`
	AccountID string `json:"accountId,omitempty"`
	// Token is sent as a Bearer header when set.
	Token string `json:"token,omitempty"`
}

// frame is the relay wire format, both directions.
type frame struct {
	Kind       string `json:"kind"` // "message"
	PeerKind   string `json:"peerKind,omitempty"`
	PeerID     string `json:"peerId,omitempty"`
	PeerName   string `json:"peerName,omitempty"`
	MessageID  string `json:"messageId,omitempty"`
	Text       string `json:"text,omitempty"`
	SenderID   string `json:"senderId,omitempty"`
	SenderName string `json:"senderName,omitempty"`
	ThreadID   string `json:"threadId,omitempty"`
	To         string `json:"to,omitempty"`
}

// Channel is the relay adapter.
type Channel struct {
	*channels.BaseChannel
	cfg Config

	mu      sync.Mutex
	writeMu sync.Mutex // serializes Write; coder/websocket allows one writer
	conn    *websocket.Conn
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(cfg Config, msgBus *bus.MessageBus) *Channel {
	name := cfg.Name
	if name == "" {
		name = "wsbridge"
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel(name, cfg.AccountID, msgBus),
		cfg:         cfg,
	}
}

// Start launches the dial/read loop. The adapter reconnects with
// backoff until Stop.
func (c *Channel) Start(ctx context.Context) error {
	if c.cfg.URL == "" {
		return fmt.Errorf("wsbridge: url not configured")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.SetRunning(true)
	go c.run(runCtx)
	return nil
}

func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close(websocket.StatusNormalClosure, "shutdown")
	}
	c.mu.Unlock()
	if c.done != nil {
		<-c.done
	}
	return nil
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)
	backoff := reconnectMin
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := c.dial(ctx)
		if err != nil {
			slog.Warn("wsbridge.dial_failed", "channel", c.Name(), "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, reconnectMax)
			continue
		}
		backoff = reconnectMin
		slog.Info("wsbridge.connected", "channel", c.Name(), "url", c.cfg.URL)

		c.readLoop(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	opts := &websocket.DialOptions{}
	if c.cfg.Token != "" {
		opts.HTTPHeader = map[string][]string{
			"Authorization": {"Bearer " + c.cfg.Token},
		}
	}
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, opts)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(1 << 20)
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return conn, nil
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("wsbridge.read_failed", "channel", c.Name(), "error", err)
			}
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Debug("wsbridge.bad_frame", "channel", c.Name(), "error", err)
			continue
		}
		if f.Kind != "message" || f.Text == "" {
			continue
		}
		kind := f.PeerKind
		if kind == "" {
			kind = bus.PeerDM
		}
		c.HandleInbound(bus.InboundMessage{
			Peer:       bus.Peer{Kind: kind, ID: f.PeerID, Name: f.PeerName},
			MessageID:  f.MessageID,
			Text:       f.Text,
			SenderID:   f.SenderID,
			SenderName: f.SenderName,
			ThreadID:   f.ThreadID,
		})
	}
}

// Send writes one outbound frame to the relay.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("wsbridge %s: not connected", c.Name())
	}
	data, err := json.Marshal(frame{
		Kind:     "message",
		To:       msg.To,
		Text:     msg.Text,
		ThreadID: msg.ThreadID,
	})
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
