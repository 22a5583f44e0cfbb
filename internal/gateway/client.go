package gateway

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/opengate-ai/opengate/pkg/protocol"
)

const (
	// sendQueueCap bounds the per-connection outbound queue.
	sendQueueCap = 256
	// maxDropped is the number of dropped frames after which a stalled
	// connection is force-closed.
	maxDropped = 64

	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second

	maxFrameBytes = 1 << 20
)

// Client is one WebSocket connection. Frames are written only by the
// write pump; producers enqueue onto sendq.
type Client struct {
	id         string
	conn       *websocket.Conn
	server     *Server
	remoteAddr string

	sendq   chan []byte
	dropped atomic.Int64

	limiter *rate.Limiter

	mu       sync.RWMutex
	authed   bool
	role     string
	scopes   []string
	authVia  string
	protocol int
	nonce    string

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, s *Server) *Client {
	c := &Client{
		id:         uuid.NewString(),
		conn:       conn,
		server:     s,
		remoteAddr: conn.RemoteAddr().String(),
		sendq:      make(chan []byte, sendQueueCap),
		closed:     make(chan struct{}),
	}
	if rpm := s.cfg.Gateway.RateLimitRPM; rpm > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 5)
	}
	return c
}

// Authed reports whether the connection passed the connect handshake.
func (c *Client) Authed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authed
}

// Scopes returns the connection's granted scope set.
func (c *Client) Scopes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.scopes
}

// Nonce returns the challenge nonce issued to this connection.
func (c *Client) Nonce() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nonce
}

func (c *Client) setAuthed(via, role string, scopes []string, proto int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authed = true
	c.authVia = via
	c.role = role
	c.scopes = scopes
	c.protocol = proto
}

// Run drives the connection: issues the challenge, then pumps frames
// until the peer disconnects or the connection is force-closed.
func (c *Client) Run(ctx context.Context) {
	go c.writePump()

	c.sendChallenge()
	c.readLoop(ctx)
}

// sendChallenge issues connect.challenge with a fresh 32-byte nonce.
func (c *Client) sendChallenge() {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		slog.Error("gateway.nonce_failed", "error", err)
		c.Close()
		return
	}
	nonce := base64.StdEncoding.EncodeToString(buf)

	c.mu.Lock()
	c.nonce = nonce
	c.mu.Unlock()

	c.SendEvent(protocol.NewEvent(protocol.EventConnectChallenge, map[string]any{
		"nonce":     nonce,
		"timestamp": time.Now().UnixMilli(),
	}, 0))
}

func (c *Client) readLoop(ctx context.Context) {
	c.conn.SetReadLimit(maxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("gateway.read_error", "id", c.id, "error", err)
			}
			return
		}

		req, err := protocol.DecodeRequest(data)
		if err != nil {
			c.SendResponse(protocol.NewError(nil, protocol.ErrInvalidRequest, err.Error()))
			continue
		}

		resp := c.server.router.Dispatch(ctx, c, req)
		if resp != nil {
			c.SendResponse(resp)
		}
	}
}

// SendEvent enqueues an event frame for this connection.
func (c *Client) SendEvent(frame *protocol.EventFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	c.enqueue(data)
}

// SendResponse enqueues an RPC response frame.
func (c *Client) SendResponse(resp *protocol.ResponseFrame) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	c.enqueue(data)
}

// enqueue pushes a frame onto the send queue without blocking. A full
// queue counts against the slow-consumer budget; exceeding it closes
// the connection so one stalled client cannot back-pressure broadcasts.
func (c *Client) enqueue(data []byte) {
	select {
	case <-c.closed:
		return
	default:
	}

	select {
	case c.sendq <- data:
	default:
		n := c.dropped.Add(1)
		if n > maxDropped {
			slog.Warn("gateway.slow_consumer", "id", c.id, "dropped", n)
			c.Close()
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case data := <-c.sendq:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

// Close tears down the connection. Safe to call multiple times.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}
