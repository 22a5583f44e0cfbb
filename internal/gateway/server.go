// Package gateway implements the WebSocket control plane: connection
// auth, RPC dispatch, and scoped event broadcast with slow-consumer
// protection.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opengate-ai/opengate/internal/bus"
	"github.com/opengate-ai/opengate/internal/channels"
	"github.com/opengate-ai/opengate/internal/config"
	"github.com/opengate-ai/opengate/internal/cron"
	"github.com/opengate-ai/opengate/internal/providers"
	"github.com/opengate-ai/opengate/internal/sessions"
	"github.com/opengate-ai/opengate/pkg/protocol"
)

// Dispatcher starts and controls chat runs on behalf of RPC methods.
// The concrete implementation wires the run queue, session pool, and
// turn runner together.
type Dispatcher interface {
	// Send enqueues a user message as a chat run and returns its run id.
	Send(ctx context.Context, sessionKey, message string, images []providers.Image) (runID string, err error)
	// Abort cancels the run, or the session's active run when runID is
	// empty. Reports whether anything was aborted.
	Abort(sessionKey, runID string) bool
	// Spawn creates a child session under parentKey and starts a run
	// with the given prompt.
	Spawn(ctx context.Context, parentKey, prompt, model string) (sessionKey, runID string, err error)
	// History returns the session transcript, newest last.
	History(sessionKey string, limit int) ([]protocol.ChatMessage, error)
	// Inject appends a message to the session transcript without
	// triggering a run.
	Inject(sessionKey, role, content string) error
	// Reset clears the session transcript and drops its pooled state.
	Reset(sessionKey string) error
	// Delete removes the session entirely.
	Delete(sessionKey string) (bool, error)
}

// Server is the gateway WebSocket/HTTP server.
type Server struct {
	cfg      *config.Config
	events   bus.EventPublisher
	sessions *sessions.Store
	channels *channels.Manager
	cron     *cron.Service
	dispatch Dispatcher
	devices  *DeviceStore

	router *MethodRouter
	dedupe *rpcDedupe
	seq    *protocol.SeqTracker

	upgrader websocket.Upgrader
	clients  map[string]*Client
	mu       sync.RWMutex

	startedAt  time.Time
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a gateway server. cron and channels may be nil in
// tests; the corresponding RPC methods then report UNAVAILABLE.
func NewServer(cfg *config.Config, events bus.EventPublisher, sess *sessions.Store, dispatch Dispatcher) *Server {
	s := &Server{
		cfg:       cfg,
		events:    events,
		sessions:  sess,
		dispatch:  dispatch,
		devices:   NewDeviceStore(cfg.StatePath()),
		dedupe:    newRPCDedupe(dedupeTTL, dedupeCapacity),
		seq:       protocol.NewSeqTracker(0),
		clients:   make(map[string]*Client),
		startedAt: time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.router = NewMethodRouter(s)
	return s
}

// SetCronService wires the cron service for cron.* methods.
func (s *Server) SetCronService(c *cron.Service) { s.cron = c }

// SetChannelManager wires the channel manager for channels.* methods.
func (s *Server) SetChannelManager(m *channels.Manager) { s.channels = m }

// Router returns the method router for registering additional handlers.
func (s *Server) Router() *MethodRouter { return s.router }

// checkOrigin validates the WS upgrade origin against the allow-list.
// No configured origins = allow all; an empty Origin header (CLI, SDK,
// channel bridges) is always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("security.cors_rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	s.mux = mux
	return mux
}

// Start begins listening and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	slog.Info("gateway.starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("gateway.upgrade_failed", "error", err)
		return
	}

	client := NewClient(conn, s)
	s.registerClient(client)

	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

// seqProbe extracts the broadcast topic from an event payload: the run
// id when present, otherwise the event name.
type seqProbe struct {
	RunID string `json:"runId"`
}

// Broadcast stamps the event with its per-topic sequence number and
// fans it out to every connection whose scope set passes the guard.
// Sequence numbers advance exactly once per event regardless of how
// many connections receive it.
func (s *Server) Broadcast(name string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte("null")
	}
	topic := name
	var probe seqProbe
	if json.Unmarshal(raw, &probe) == nil && probe.RunID != "" {
		topic = probe.RunID
	}
	frame := s.seq.Next(topic, &protocol.EventFrame{Event: name, Payload: raw})

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		if !client.Authed() {
			continue
		}
		if !protocol.ScopeAllows(client.Scopes(), name) {
			continue
		}
		client.SendEvent(frame)
	}
}

// Replay returns retained frames for a topic after the given sequence
// number, oldest first. Best effort: evicted frames are gone.
func (s *Server) Replay(topic string, after uint64) []*protocol.EventFrame {
	return s.seq.Replay(topic, after)
}

// AttachBus subscribes the server to the event bus so runner, cron, and
// channel events reach WS clients. Call once during wiring.
func (s *Server) AttachBus() {
	s.events.Subscribe("gateway", func(event bus.Event) {
		s.Broadcast(event.Name, event.Payload)
	})
}

// DetachBus removes the bus subscription.
func (s *Server) DetachBus() { s.events.Unsubscribe("gateway") }

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c
	slog.Info("gateway.client_connected", "id", c.id, "remote", c.remoteAddr)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
	slog.Info("gateway.client_disconnected", "id", c.id)
}

// ClientCount returns the number of live connections.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// snapshot builds the state summary included in the hello response.
func (s *Server) snapshot() map[string]any {
	snap := map[string]any{}

	if s.sessions != nil {
		if items, err := s.sessions.List(); err == nil {
			snap["sessions"] = items
		}
	}
	if s.channels != nil {
		snap["channels"] = s.channels.Status()
	}

	agents := []string{config.DefaultAgentID}
	for id := range s.cfg.Agents.List {
		if id != config.DefaultAgentID {
			agents = append(agents, id)
		}
	}
	snap["agents"] = agents
	return snap
}

// StartTestServer creates a listener on a random loopback port and
// returns the actual address and a start function. Used by integration
// tests.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}

	s.httpServer = &http.Server{Handler: mux}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		go s.httpServer.Serve(ln)
	}

	return addr, start
}
