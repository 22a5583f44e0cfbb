package protocol

import "sync"

// SeqTracker hands out monotone sequence numbers per run/topic, starting
// at 0, and retains a bounded ring of recent frames per topic so clients
// that detect a gap can request a best-effort replay.
type SeqTracker struct {
	mu     sync.Mutex
	next   map[string]uint64
	ring   map[string][]*EventFrame
	window int
}

// DefaultReplayWindow is the number of frames retained per topic for
// replay requests.
const DefaultReplayWindow = 256

// NewSeqTracker creates a tracker retaining window frames per topic.
// window <= 0 uses DefaultReplayWindow.
func NewSeqTracker(window int) *SeqTracker {
	if window <= 0 {
		window = DefaultReplayWindow
	}
	return &SeqTracker{
		next:   make(map[string]uint64),
		ring:   make(map[string][]*EventFrame),
		window: window,
	}
}

// Next stamps and records an event frame for the topic, returning the
// frame with its sequence number assigned.
func (t *SeqTracker) Next(topic string, frame *EventFrame) *EventFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	frame.Seq = t.next[topic]
	t.next[topic]++
	buf := append(t.ring[topic], frame)
	if len(buf) > t.window {
		buf = buf[len(buf)-t.window:]
	}
	t.ring[topic] = buf
	return frame
}

// Replay returns retained frames for the topic with seq > after, oldest
// first. Frames evicted from the ring are gone; callers get what remains.
func (t *SeqTracker) Replay(topic string, after uint64) []*EventFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*EventFrame
	for _, f := range t.ring[topic] {
		if f.Seq > after {
			out = append(out, f)
		}
	}
	return out
}

// Drop forgets a topic entirely. Called when a run completes and its
// replay window is no longer useful.
func (t *SeqTracker) Drop(topic string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.next, topic)
	delete(t.ring, topic)
}
