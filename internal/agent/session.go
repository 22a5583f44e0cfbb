// Package agent owns the in-memory runtime of agent conversations: the
// session pool, system prompt assembly, and the turn runner.
package agent

import (
	"sync"

	"github.com/opengate-ai/opengate/internal/providers"
	"github.com/opengate-ai/opengate/internal/tools"
)

// Session is the live state of one conversation, keyed by session_id.
// All fields behind mu; the turn worker is the only writer during a run
// but history reads (chat.history) can come from any connection.
type Session struct {
	SessionID  string
	SessionKey string

	mu           sync.Mutex
	messages     []providers.Message
	systemPrompt string
	promptStale  bool
	tools        *tools.Registry
	client       providers.StreamClient
	model        string
}

func newSession(sessionID, sessionKey string, client providers.StreamClient, model string, reg *tools.Registry) *Session {
	return &Session{
		SessionID:   sessionID,
		SessionKey:  sessionKey,
		client:      client,
		model:       model,
		tools:       reg,
		promptStale: true,
	}
}

// SetSystemPrompt replaces the assembled prompt and clears staleness.
func (s *Session) SetSystemPrompt(prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.systemPrompt = prompt
	s.promptStale = false
}

// InvalidatePrompt forces reassembly on the next turn.
func (s *Session) InvalidatePrompt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.promptStale = true
}

// SetTools swaps the tool registry used by subsequent turns.
func (s *Session) SetTools(reg *tools.Registry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools = reg
}

// SetClient rebinds the LLM client and model.
func (s *Session) SetClient(client providers.StreamClient, model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = client
	s.model = model
}

// History returns a copy of the transcript, capped to the last limit
// messages when limit > 0.
func (s *Session) History(limit int) []providers.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]providers.Message, len(msgs))
	copy(out, msgs)
	return out
}

// Append adds messages to the transcript.
func (s *Session) Append(msgs ...providers.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msgs...)
}

// Inject inserts a single message with the given role, for the
// chat.inject RPC.
func (s *Session) Inject(role, content string) {
	s.Append(providers.Message{Role: role, Content: content})
}

func (s *Session) snapshot() (msgs []providers.Message, prompt string, stale bool, reg *tools.Registry, client providers.StreamClient, model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs = make([]providers.Message, len(s.messages))
	copy(msgs, s.messages)
	return msgs, s.systemPrompt, s.promptStale, s.tools, s.client, s.model
}

// Pool maps session_id to live Sessions. Eviction is explicit: Drop is
// called on registry reset/delete, never by an LRU sweep.
type Pool struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewPool() *Pool {
	return &Pool{sessions: make(map[string]*Session)}
}

// Acquire returns the live session for sessionID, creating one when
// absent.
func (p *Pool) Acquire(sessionID, sessionKey string, client providers.StreamClient, model string, reg *tools.Registry) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[sessionID]; ok {
		return s
	}
	s := newSession(sessionID, sessionKey, client, model, reg)
	p.sessions[sessionID] = s
	return s
}

// Get returns the live session, if any.
func (p *Pool) Get(sessionID string) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[sessionID]
	return s, ok
}

// Drop discards a session's in-memory state.
func (p *Pool) Drop(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, sessionID)
}

// Len reports the number of live sessions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}
