package bus

import (
	"strings"
	"sync"
	"time"
)

// InboundDebouncer batches rapid messages from the same peer. Each new
// message resets the peer's timer; when the timer fires, the pending
// batch is merged into a single inbound message and handed to flush.
type InboundDebouncer struct {
	mu      sync.Mutex
	pending map[string]*debounceEntry
	window  time.Duration
	flush   func(InboundMessage)
	stopped bool
}

type debounceEntry struct {
	msgs  []InboundMessage
	timer *time.Timer
}

// NewInboundDebouncer creates a debouncer with the given window.
func NewInboundDebouncer(window time.Duration, flush func(InboundMessage)) *InboundDebouncer {
	return &InboundDebouncer{
		pending: make(map[string]*debounceEntry),
		window:  window,
		flush:   flush,
	}
}

// Push appends a message to its peer's pending batch and (re)arms the
// flush timer.
func (d *InboundDebouncer) Push(msg InboundMessage) {
	key := msg.Channel + "|" + msg.Peer.Kind + "|" + msg.Peer.ID

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	entry, ok := d.pending[key]
	if !ok {
		entry = &debounceEntry{}
		d.pending[key] = entry
	}
	entry.msgs = append(entry.msgs, msg)

	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.timer = time.AfterFunc(d.window, func() { d.fire(key) })
}

func (d *InboundDebouncer) fire(key string) {
	d.mu.Lock()
	entry, ok := d.pending[key]
	if !ok || len(entry.msgs) == 0 {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	msgs := entry.msgs
	d.mu.Unlock()

	d.flush(mergeBatch(msgs))
}

// Flush delivers all pending batches immediately. Used on shutdown so
// queued messages are not silently lost.
func (d *InboundDebouncer) Flush() {
	d.mu.Lock()
	keys := make([]string, 0, len(d.pending))
	for k, e := range d.pending {
		if e.timer != nil {
			e.timer.Stop()
		}
		keys = append(keys, k)
	}
	d.mu.Unlock()

	for _, k := range keys {
		d.fire(k)
	}
}

// Stop cancels all pending timers without flushing.
func (d *InboundDebouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for _, e := range d.pending {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	d.pending = make(map[string]*debounceEntry)
}

// mergeBatch collapses a batch into one message: the last message's
// envelope with all texts joined by newlines and attachments concatenated.
func mergeBatch(msgs []InboundMessage) InboundMessage {
	if len(msgs) == 1 {
		return msgs[0]
	}
	merged := msgs[len(msgs)-1]
	parts := make([]string, 0, len(msgs))
	var attachments []string
	for _, m := range msgs {
		if m.Text != "" {
			parts = append(parts, m.Text)
		}
		attachments = append(attachments, m.Attachments...)
	}
	merged.Text = strings.Join(parts, "\n")
	merged.Attachments = attachments
	return merged
}
