package scheduler

import (
	"strings"
	"sync"
	"time"
)

// DefaultCoalesceInterval is the minimum spacing between emitted delta
// batches for one run.
const DefaultCoalesceInterval = 150 * time.Millisecond

// Coalescer batches streamed text chunks so downstream consumers see at
// most one delta per interval. Emission runs on the pushing goroutine
// or on the flush timer; emit must be safe for either.
type Coalescer struct {
	interval time.Duration
	emit     func(text string)
	now      func() time.Time

	mu      sync.Mutex
	buf     strings.Builder
	lastAt  time.Time
	timer   *time.Timer
	stopped bool
}

func NewCoalescer(interval time.Duration, emit func(text string)) *Coalescer {
	if interval <= 0 {
		interval = DefaultCoalesceInterval
	}
	return &Coalescer{interval: interval, emit: emit, now: time.Now}
}

// Push appends text and emits immediately when the interval since the
// last emission has elapsed; otherwise a timer is armed to force-flush.
func (c *Coalescer) Push(text string) {
	if text == "" {
		return
	}
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.buf.WriteString(text)
	now := c.now()
	if c.lastAt.IsZero() || now.Sub(c.lastAt) >= c.interval {
		out := c.takeLocked(now)
		c.mu.Unlock()
		c.emit(out)
		return
	}
	if c.timer == nil {
		wait := c.interval - now.Sub(c.lastAt)
		c.timer = time.AfterFunc(wait, c.timerFlush)
	}
	c.mu.Unlock()
}

// Flush force-emits whatever is buffered. Used at end of turn.
func (c *Coalescer) Flush() {
	c.mu.Lock()
	if c.buf.Len() == 0 {
		c.mu.Unlock()
		return
	}
	out := c.takeLocked(c.now())
	c.mu.Unlock()
	c.emit(out)
}

// Stop flushes and disables further emission.
func (c *Coalescer) Stop() {
	c.Flush()
	c.mu.Lock()
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
}

func (c *Coalescer) timerFlush() {
	c.mu.Lock()
	if c.stopped || c.buf.Len() == 0 {
		c.timer = nil
		c.mu.Unlock()
		return
	}
	out := c.takeLocked(c.now())
	c.mu.Unlock()
	c.emit(out)
}

// takeLocked drains the buffer, resets the timer state, and stamps
// lastAt. Caller holds mu.
func (c *Coalescer) takeLocked(now time.Time) string {
	out := c.buf.String()
	c.buf.Reset()
	c.lastAt = now
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	return out
}
