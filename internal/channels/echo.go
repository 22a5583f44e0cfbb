package channels

import (
	"sync"
	"time"
)

// defaultEchoWindow is how long an outbound message id is remembered.
const defaultEchoWindow = 30 * time.Second

// EchoTracker remembers recently sent message ids so platforms that
// echo our own sends back on the inbound stream don't trigger replies.
type EchoTracker struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewEchoTracker(window time.Duration) *EchoTracker {
	if window <= 0 {
		window = defaultEchoWindow
	}
	return &EchoTracker{
		window: window,
		now:    time.Now,
		seen:   make(map[string]time.Time),
	}
}

// MarkOutbound records a just-sent message id.
func (t *EchoTracker) MarkOutbound(messageID string) {
	if messageID == "" {
		return
	}
	t.mu.Lock()
	t.pruneLocked()
	t.seen[messageID] = t.now()
	t.mu.Unlock()
}

// IsEcho reports whether messageID was sent by us within the window.
// A hit consumes the entry.
func (t *EchoTracker) IsEcho(messageID string) bool {
	if messageID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.seen[messageID]
	if !ok {
		return false
	}
	delete(t.seen, messageID)
	return t.now().Sub(at) < t.window
}

func (t *EchoTracker) pruneLocked() {
	cutoff := t.now().Add(-t.window)
	for id, at := range t.seen {
		if at.Before(cutoff) {
			delete(t.seen, id)
		}
	}
}
