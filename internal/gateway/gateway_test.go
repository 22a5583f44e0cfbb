package gateway

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/opengate-ai/opengate/internal/bus"
	"github.com/opengate-ai/opengate/internal/config"
	"github.com/opengate-ai/opengate/internal/providers"
	"github.com/opengate-ai/opengate/internal/sessions"
	"github.com/opengate-ai/opengate/pkg/protocol"
)

type fakeDispatcher struct {
	mu     sync.Mutex
	sends  []string
	runSeq int
}

func (f *fakeDispatcher) Send(ctx context.Context, sessionKey, message string, images []providers.Image) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runSeq++
	f.sends = append(f.sends, sessionKey+"|"+message)
	return fmt.Sprintf("run-%d", f.runSeq), nil
}

func (f *fakeDispatcher) Abort(sessionKey, runID string) bool { return runID != "" }

func (f *fakeDispatcher) Spawn(ctx context.Context, parentKey, prompt, model string) (string, string, error) {
	return "agent:main:spawn:child", "run-spawn", nil
}

func (f *fakeDispatcher) History(sessionKey string, limit int) ([]protocol.ChatMessage, error) {
	return []protocol.ChatMessage{{Role: "user", Content: "hi"}}, nil
}

func (f *fakeDispatcher) Inject(sessionKey, role, content string) error { return nil }
func (f *fakeDispatcher) Reset(sessionKey string) error                 { return nil }
func (f *fakeDispatcher) Delete(sessionKey string) (bool, error)        { return true, nil }

func (f *fakeDispatcher) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, string, *fakeDispatcher) {
	t.Helper()
	cfg := config.Default()
	cfg.StateDir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}

	disp := &fakeDispatcher{}
	s := NewServer(cfg, bus.NewMessageBus(), sessions.NewStore(cfg.StateDir), disp)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	addr, start := StartTestServer(s, ctx)
	start()
	return s, addr, disp
}

type wsConn struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialWS(t *testing.T, addr string) *wsConn {
	t.Helper()
	var conn *websocket.Conn
	var err error
	for i := 0; i < 20; i++ {
		conn, _, err = websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
		if err == nil {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wsConn{t: t, conn: conn}
}

// call sends a request and reads frames until the matching response,
// discarding interleaved events.
func (w *wsConn) call(id int, method string, params any) *protocol.ResponseFrame {
	w.t.Helper()
	req := map[string]any{"type": "req", "id": id, "method": method}
	if params != nil {
		req["params"] = params
	}
	require.NoError(w.t, w.conn.WriteJSON(req))

	want := fmt.Sprintf("%d", id)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		w.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := w.conn.ReadMessage()
		require.NoError(w.t, err)
		var resp protocol.ResponseFrame
		if json.Unmarshal(data, &resp) == nil && string(resp.ID) == want && (resp.Result != nil || resp.Error != nil) {
			return &resp
		}
	}
	w.t.Fatalf("no response for %s", method)
	return nil
}

// readEvent reads frames until an event with the given name arrives.
func (w *wsConn) readEvent(name string, timeout time.Duration) (*protocol.EventFrame, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		w.conn.SetReadDeadline(deadline)
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			return nil, false
		}
		var ev protocol.EventFrame
		if json.Unmarshal(data, &ev) == nil && ev.Event == name {
			return &ev, true
		}
	}
	return nil, false
}

func (w *wsConn) connect() map[string]any {
	w.t.Helper()
	ch, ok := w.readEvent(protocol.EventConnectChallenge, 5*time.Second)
	require.True(w.t, ok, "no connect.challenge")
	var payload map[string]any
	require.NoError(w.t, json.Unmarshal(ch.Payload, &payload))
	require.NotEmpty(w.t, payload["nonce"])

	resp := w.call(1, protocol.MethodConnect, map[string]any{
		"maxProtocol": 3,
		"client":      map[string]any{"name": "test", "version": "0", "platform": "test"},
	})
	require.Nil(w.t, resp.Error)
	var hello map[string]any
	require.NoError(w.t, json.Unmarshal(resp.Result, &hello))
	return hello
}

func TestConnectHandshakeLoopback(t *testing.T) {
	_, addr, _ := newTestServer(t, nil)
	ws := dialWS(t, addr)

	hello := ws.connect()
	require.EqualValues(t, 3, hello["protocol"])
	auth := hello["auth"].(map[string]any)
	require.Equal(t, AuthLocalDirect, auth["method"])
	require.Contains(t, hello, "snapshot")
}

func TestMethodsRequireAuth(t *testing.T) {
	_, addr, _ := newTestServer(t, nil)
	ws := dialWS(t, addr)

	resp := ws.call(7, protocol.MethodChatSend, map[string]any{"sessionKey": "agent:main:main", "message": "hi"})
	require.NotNil(t, resp.Error)
	require.Equal(t, protocol.ErrAuthRequired, resp.Error.Code)

	// ping is allowed pre-auth
	resp = ws.call(8, protocol.MethodPing, nil)
	require.Nil(t, resp.Error)
}

func TestChatSendAndMethodNotFound(t *testing.T) {
	_, addr, disp := newTestServer(t, nil)
	ws := dialWS(t, addr)
	ws.connect()

	resp := ws.call(2, protocol.MethodChatSend, map[string]any{"sessionKey": "agent:main:main", "message": "hello"})
	require.Nil(t, resp.Error)
	var res map[string]string
	require.NoError(t, json.Unmarshal(resp.Result, &res))
	require.Equal(t, "run-1", res["runId"])
	require.Equal(t, 1, disp.sendCount())

	resp = ws.call(3, "no.such.method", nil)
	require.NotNil(t, resp.Error)
	require.Equal(t, protocol.ErrMethodNotFound, resp.Error.Code)
}

func TestIdempotentRetryReturnsCachedRun(t *testing.T) {
	_, addr, disp := newTestServer(t, nil)
	ws := dialWS(t, addr)
	ws.connect()

	params := map[string]any{"sessionKey": "agent:main:main", "message": "hi", "idempotencyKey": "K1"}
	first := ws.call(2, protocol.MethodChatSend, params)
	second := ws.call(3, protocol.MethodChatSend, params)

	require.Nil(t, first.Error)
	require.Nil(t, second.Error)
	require.JSONEq(t, string(first.Result), string(second.Result))
	require.Equal(t, 1, disp.sendCount(), "dedupe must prevent a second run")

	// distinct key executes again
	params["idempotencyKey"] = "K2"
	third := ws.call(4, protocol.MethodChatSend, params)
	require.Nil(t, third.Error)
	require.NotEqual(t, string(first.Result), string(third.Result))
	require.Equal(t, 2, disp.sendCount())
}

func TestMessageTooLongRejected(t *testing.T) {
	_, addr, _ := newTestServer(t, func(c *config.Config) { c.Gateway.MaxMessageChars = 10 })
	ws := dialWS(t, addr)
	ws.connect()

	resp := ws.call(2, protocol.MethodChatSend, map[string]any{
		"sessionKey": "agent:main:main",
		"message":    strings.Repeat("x", 11),
	})
	require.NotNil(t, resp.Error)
	require.Equal(t, protocol.ErrInvalidRequest, resp.Error.Code)
}

func TestBroadcastSeqAndReplay(t *testing.T) {
	s, addr, _ := newTestServer(t, nil)
	ws := dialWS(t, addr)
	ws.connect()

	s.Broadcast(protocol.EventChatDelta, protocol.ChatDeltaPayload{RunID: "r1", Text: "a"})
	s.Broadcast(protocol.EventChatDelta, protocol.ChatDeltaPayload{RunID: "r1", Text: "b"})

	first, ok := ws.readEvent(protocol.EventChatDelta, 3*time.Second)
	require.True(t, ok)
	second, ok := ws.readEvent(protocol.EventChatDelta, 3*time.Second)
	require.True(t, ok)
	require.Equal(t, uint64(0), first.Seq)
	require.Equal(t, uint64(1), second.Seq)

	resp := ws.call(5, protocol.MethodEventReplay, map[string]any{"runId": "r1", "afterSeq": 0})
	require.Nil(t, resp.Error)
	var res struct {
		Events []protocol.EventFrame `json:"events"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &res))
	require.Len(t, res.Events, 1)
	require.Equal(t, uint64(1), res.Events[0].Seq)
}

func TestScopeGuardFiltersEvents(t *testing.T) {
	s, addr, _ := newTestServer(t, nil)
	ws := dialWS(t, addr)

	_, ok := ws.readEvent(protocol.EventConnectChallenge, 5*time.Second)
	require.True(t, ok)
	resp := ws.call(1, protocol.MethodConnect, map[string]any{
		"maxProtocol": 3,
		"role":        "viewer",
		"scopes":      []string{protocol.ScopeOperatorAdmin},
	})
	require.Nil(t, resp.Error)

	// chat events need operator.read, which this connection lacks;
	// tick is unguarded.
	s.Broadcast(protocol.EventChatDelta, protocol.ChatDeltaPayload{RunID: "r9", Text: "x"})
	s.Broadcast(protocol.EventTick, map[string]any{"ts": 1})

	ev, ok := ws.readEvent(protocol.EventTick, 3*time.Second)
	require.True(t, ok)
	require.Equal(t, protocol.EventTick, ev.Event)
}

func TestAuthorizeRemoteToken(t *testing.T) {
	cfg := config.Default()
	cfg.StateDir = t.TempDir()
	cfg.Gateway.Token = "sekrit"
	s := NewServer(cfg, bus.NewMessageBus(), sessions.NewStore(cfg.StateDir), &fakeDispatcher{})

	tests := []struct {
		name       string
		token      string
		wantMethod string
		wantReason string
	}{
		{"match", "sekrit", AuthToken, ""},
		{"mismatch", "wrong", "", protocol.AuthReasonTokenMismatch},
		{"missing", "", "", protocol.AuthReasonTokenMissing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &ConnectParams{}
			p.Auth.Token = tt.token
			method, reason := s.authorize("203.0.113.5:4411", "nonce", p)
			require.Equal(t, tt.wantMethod, method)
			require.Equal(t, tt.wantReason, reason)
		})
	}

	// loopback bypasses token entirely
	method, _ := s.authorize("127.0.0.1:5000", "nonce", &ConnectParams{})
	require.Equal(t, AuthLocalDirect, method)
	method, _ = s.authorize("[::1]:5000", "nonce", &ConnectParams{})
	require.Equal(t, AuthLocalDirect, method)
}

func TestAuthorizePassword(t *testing.T) {
	cfg := config.Default()
	cfg.StateDir = t.TempDir()
	cfg.Gateway.AuthMode = "password"
	cfg.Gateway.Password = "hunter2"
	s := NewServer(cfg, bus.NewMessageBus(), sessions.NewStore(cfg.StateDir), &fakeDispatcher{})

	p := &ConnectParams{}
	p.Auth.Password = "hunter2"
	method, _ := s.authorize("203.0.113.5:1", "n", p)
	require.Equal(t, AuthPassword, method)

	p.Auth.Password = "nope"
	method, reason := s.authorize("203.0.113.5:1", "n", p)
	require.Empty(t, method)
	require.Equal(t, protocol.AuthReasonPasswordMismatch, reason)
}

func TestAuthorizeDeviceIdentity(t *testing.T) {
	cfg := config.Default()
	cfg.StateDir = t.TempDir()
	cfg.Gateway.Token = "tok"
	s := NewServer(cfg, bus.NewMessageBus(), sessions.NewStore(cfg.StateDir), &fakeDispatcher{})

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pubB64 := base64.StdEncoding.EncodeToString(pub)
	require.NoError(t, s.devices.Approve("dev-1", pubB64, "laptop"))

	nonce := "challenge-nonce"
	signedAt := time.Now().UnixMilli()
	sig := ed25519.Sign(priv, []byte(DeviceSigningBase("dev-1", signedAt, nonce)))

	p := &ConnectParams{DeviceIdentity: &DeviceIdentity{
		ID:        "dev-1",
		PublicKey: pubB64,
		Signature: base64.StdEncoding.EncodeToString(sig),
		SignedAt:  signedAt,
		Nonce:     nonce,
	}}
	method, _ := s.authorize("203.0.113.5:1", nonce, p)
	require.Equal(t, AuthDevice, method)

	// unapproved device fails with device_unknown
	p.DeviceIdentity.ID = "dev-2"
	sig2 := ed25519.Sign(priv, []byte(DeviceSigningBase("dev-2", signedAt, nonce)))
	p.DeviceIdentity.Signature = base64.StdEncoding.EncodeToString(sig2)
	method, reason := s.authorize("203.0.113.5:1", nonce, p)
	require.Empty(t, method)
	require.Equal(t, protocol.AuthReasonDeviceUnknown, reason)

	// nonce mismatch fails even for approved devices
	p.DeviceIdentity.ID = "dev-1"
	p.DeviceIdentity.Nonce = "stale"
	method, _ = s.authorize("203.0.113.5:1", nonce, p)
	require.Empty(t, method)
}

func TestSlowConsumerForceClose(t *testing.T) {
	cfg := config.Default()
	cfg.StateDir = t.TempDir()
	s := NewServer(cfg, bus.NewMessageBus(), sessions.NewStore(cfg.StateDir), &fakeDispatcher{})

	// Upgrade a raw connection whose write pump never runs, so every
	// enqueue past the queue capacity counts as a drop.
	upgrader := websocket.Upgrader{}
	clientCh := make(chan *Client, 1)
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		clientCh <- NewClient(conn, s)
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"", nil)
	require.NoError(t, err)
	defer ws.Close()

	c := <-clientCh
	frame := protocol.NewEvent(protocol.EventTick, map[string]any{"n": 1}, 0)
	for i := 0; i < sendQueueCap+maxDropped+1; i++ {
		c.SendEvent(frame)
	}

	select {
	case <-c.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("slow consumer was not closed")
	}
}

func TestDedupeCacheEvictionAndTTL(t *testing.T) {
	now := time.Unix(1000, 0)
	d := newRPCDedupe(60*time.Second, 3)
	d.now = func() time.Time { return now }

	d.record("chat.send", "a", "ra", nil)
	now = now.Add(time.Second)
	d.record("chat.send", "b", "rb", nil)
	now = now.Add(time.Second)
	d.record("chat.send", "c", "rc", nil)

	if _, hit := d.lookup("chat.send", "a"); !hit {
		t.Fatal("expected hit for a")
	}

	// capacity exceeded: oldest (a) is evicted
	now = now.Add(time.Second)
	d.record("chat.send", "d", "rd", nil)
	if _, hit := d.lookup("chat.send", "a"); hit {
		t.Fatal("a should have been evicted")
	}
	if _, hit := d.lookup("chat.send", "d"); !hit {
		t.Fatal("expected hit for d")
	}

	// TTL expiry is lazy on read
	now = now.Add(2 * time.Minute)
	if _, hit := d.lookup("chat.send", "d"); hit {
		t.Fatal("d should have expired")
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, addr, _ := newTestServer(t, nil)

	var resp *http.Response
	var err error
	for i := 0; i < 20; i++ {
		resp, err = http.Get("http://" + addr + "/health")
		if err == nil {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
