package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/opengate-ai/opengate/internal/bus"
)

// sendRetries and sendBackoff shape the outbound retry policy for
// recoverable network failures.
const (
	sendRetries = 3
	sendBackoff = 500 * time.Millisecond
)

// Manager owns adapter lifecycle and routes outbound messages from the
// bus to the right adapter.
type Manager struct {
	bus *bus.MessageBus

	mu       sync.RWMutex
	channels map[string]Channel
	cancel   context.CancelFunc
}

func NewManager(msgBus *bus.MessageBus) *Manager {
	return &Manager{
		bus:      msgBus,
		channels: make(map[string]Channel),
	}
}

// Register adds an adapter under its name.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

// Get returns an adapter by name.
func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Names returns the registered channel names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.channels))
	for name := range m.channels {
		out = append(out, name)
	}
	return out
}

// Status reports the running state of every adapter.
func (m *Manager) Status() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.channels))
	for name, ch := range m.channels {
		out[name] = ch.IsRunning()
	}
	return out
}

// StartAll starts every adapter and the outbound dispatcher. The
// dispatcher always runs; adapters may be registered later.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	dispatchCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	chans := make(map[string]Channel, len(m.channels))
	for name, ch := range m.channels {
		chans[name] = ch
	}
	m.mu.Unlock()

	go m.dispatchOutbound(dispatchCtx)

	if len(chans) == 0 {
		slog.Warn("channels.none_enabled")
		return nil
	}
	for name, ch := range chans {
		slog.Info("channels.starting", "channel", name)
		if err := ch.Start(ctx); err != nil {
			slog.Error("channels.start_failed", "channel", name, "error", err)
		}
	}
	return nil
}

// StopAll stops the dispatcher and every adapter.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	chans := make(map[string]Channel, len(m.channels))
	for name, ch := range m.channels {
		chans[name] = ch
	}
	m.mu.Unlock()

	for name, ch := range chans {
		if err := ch.Stop(ctx); err != nil {
			slog.Error("channels.stop_failed", "channel", name, "error", err)
		}
	}
	return nil
}

// dispatchOutbound consumes the bus outbound queue and delivers each
// message through its adapter, retrying recoverable network errors.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	slog.Info("channels.dispatcher_started")
	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			if ctx.Err() != nil {
				slog.Info("channels.dispatcher_stopped")
				return
			}
			continue
		}
		if IsInternalChannel(msg.Channel) {
			continue
		}
		ch, exists := m.Get(msg.Channel)
		if !exists {
			slog.Warn("channels.unknown_outbound", "channel", msg.Channel)
			continue
		}
		if err := m.sendWithRetry(ctx, ch, msg); err != nil {
			slog.Error("channels.send_failed", "channel", msg.Channel, "to", msg.To, "error", err)
		}
	}
}

// Send delivers directly to one adapter, with the same retry policy as
// the dispatcher.
func (m *Manager) Send(ctx context.Context, channelName, to, text string) error {
	ch, exists := m.Get(channelName)
	if !exists {
		return fmt.Errorf("channel %s not found", channelName)
	}
	return m.sendWithRetry(ctx, ch, bus.OutboundMessage{Channel: channelName, To: to, Text: text})
}

func (m *Manager) sendWithRetry(ctx context.Context, ch Channel, msg bus.OutboundMessage) error {
	backoff := sendBackoff
	var err error
	for attempt := 0; attempt <= sendRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err = ch.Send(ctx, msg); err == nil {
			return nil
		}
		if !isRecoverable(err) {
			return err
		}
		slog.Warn("channels.send_retry", "channel", ch.Name(), "attempt", attempt+1, "error", err)
	}
	return err
}

// isRecoverable reports whether a send error is a transient network
// failure worth retrying.
func isRecoverable(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, os.ErrDeadlineExceeded)
}
