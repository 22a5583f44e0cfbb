package cmd

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opengate-ai/opengate/internal/config"
	"github.com/opengate-ai/opengate/internal/gateway"
	"github.com/opengate-ai/opengate/pkg/protocol"
)

const rpcTimeout = 30 * time.Second

var gatewayURL string

// wsClient is the CLI side of the gateway RPC protocol: one WebSocket
// connection, responses matched to requests by id, events fanned out on a
// channel for callers that stream.
type wsClient struct {
	conn *websocket.Conn

	mu      sync.Mutex
	nextID  int
	pending map[string]chan protocol.ResponseFrame

	events chan protocol.EventFrame
	done   chan struct{}

	readErr error
}

// dialGateway connects, waits for the connect.challenge event, and completes
// the connect handshake using the token from the loaded config.
func dialGateway() (*wsClient, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	url := gatewayURL
	if url == "" {
		url = fmt.Sprintf("ws://%s:%d/ws", cfg.Gateway.Host, cfg.Gateway.Port)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &wsClient{
		conn:    conn,
		pending: make(map[string]chan protocol.ResponseFrame),
		events:  make(chan protocol.EventFrame, 64),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	if err := c.waitChallenge(); err != nil {
		c.Close()
		return nil, err
	}

	params := gateway.ConnectParams{MaxProtocol: protocol.ProtocolVersion}
	params.Auth.Token = cfg.Gateway.Token
	params.Auth.Password = cfg.Gateway.Password
	params.Client.Name = "opengate-cli"
	params.Client.Version = Version
	params.Client.Platform = runtime.GOOS
	if _, err := c.Call(protocol.MethodConnect, params); err != nil {
		c.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}
	return c, nil
}

func (c *wsClient) waitChallenge() error {
	select {
	case ev, ok := <-c.events:
		if !ok {
			return fmt.Errorf("connection closed before challenge: %v", c.readErr)
		}
		if ev.Event != protocol.EventConnectChallenge {
			return fmt.Errorf("expected %s, got %s", protocol.EventConnectChallenge, ev.Event)
		}
		return nil
	case <-time.After(rpcTimeout):
		return fmt.Errorf("timed out waiting for %s", protocol.EventConnectChallenge)
	}
}

func (c *wsClient) readLoop() {
	defer close(c.done)
	defer close(c.events)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.readErr = err
			c.failPending(err)
			return
		}
		var probe struct {
			Event string          `json:"event"`
			ID    json.RawMessage `json:"id"`
		}
		if err := json.Unmarshal(data, &probe); err != nil {
			continue
		}
		if probe.Event != "" {
			var ev protocol.EventFrame
			if json.Unmarshal(data, &ev) == nil {
				select {
				case c.events <- ev:
				default: // drop if the caller is not draining
				}
			}
			continue
		}
		var resp protocol.ResponseFrame
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		key := idKey(resp.ID)
		c.mu.Lock()
		ch := c.pending[key]
		delete(c.pending, key)
		c.mu.Unlock()
		if ch != nil {
			ch <- resp
		}
	}
}

func (c *wsClient) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, ch := range c.pending {
		delete(c.pending, key)
		ch <- protocol.ResponseFrame{Error: &protocol.ErrorBody{
			Code:    protocol.ErrUnavailable,
			Message: err.Error(),
		}}
	}
}

func idKey(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

// Call sends a request and blocks for the matching response.
func (c *wsClient) Call(method string, params any) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		raw = b
	}

	c.mu.Lock()
	c.nextID++
	id := strconv.Itoa(c.nextID)
	ch := make(chan protocol.ResponseFrame, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req := protocol.RequestFrame{
		Type:   protocol.FrameTypeRequest,
		ID:     json.RawMessage(strconv.Quote(id)),
		Method: method,
		Params: raw,
	}
	if err := c.writeJSON(req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-time.After(rpcTimeout):
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: timed out after %s", method, rpcTimeout)
	}
}

// CallInto calls the method and unmarshals the result into out.
func (c *wsClient) CallInto(method string, params, out any) error {
	res, err := c.Call(method, params)
	if err != nil {
		return err
	}
	if out == nil || len(res) == 0 {
		return nil
	}
	return json.Unmarshal(res, out)
}

// Events returns the stream of server-pushed events. Closed when the
// connection drops.
func (c *wsClient) Events() <-chan protocol.EventFrame { return c.events }

func (c *wsClient) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(v)
}

func (c *wsClient) Close() error { return c.conn.Close() }
