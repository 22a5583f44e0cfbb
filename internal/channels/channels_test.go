package channels

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/opengate-ai/opengate/internal/bus"
)

func TestEchoTrackerConsumesHit(t *testing.T) {
	tr := NewEchoTracker(0)
	tr.MarkOutbound("m1")
	if !tr.IsEcho("m1") {
		t.Fatal("marked message not detected as echo")
	}
	if tr.IsEcho("m1") {
		t.Fatal("echo entry not consumed")
	}
	if tr.IsEcho("m2") {
		t.Fatal("unknown message reported as echo")
	}
}

func TestEchoTrackerWindowExpiry(t *testing.T) {
	tr := NewEchoTracker(30 * time.Second)
	now := time.Now()
	tr.now = func() time.Time { return now }
	tr.MarkOutbound("m1")
	now = now.Add(31 * time.Second)
	if tr.IsEcho("m1") {
		t.Fatal("expired entry still an echo")
	}
}

func groupMsg(sender, text string) bus.InboundMessage {
	return bus.InboundMessage{
		Channel:  "tg",
		Peer:     bus.Peer{Kind: bus.PeerGroup, ID: "G7"},
		SenderID: sender,
		Text:     text,
	}
}

func TestGroupGateMention(t *testing.T) {
	g := &GroupGate{BotName: "clawd"}
	if g.Accept(groupMsg("u1", "hello")) {
		t.Fatal("unmentioned group message accepted")
	}
	if !g.Accept(groupMsg("u1", "@clawd hello")) {
		t.Fatal("@-mention rejected")
	}
	if !g.Accept(groupMsg("u1", "hey CLAWD, ping")) {
		t.Fatal("case-insensitive bare-name mention rejected")
	}
}

func TestGroupGateAlwaysActivate(t *testing.T) {
	g := &GroupGate{BotName: "clawd", AlwaysActivate: true}
	if !g.Accept(groupMsg("u1", "hello")) {
		t.Fatal("always-active group rejected plain message")
	}
}

func TestGroupGateAllowFrom(t *testing.T) {
	g := &GroupGate{BotName: "clawd", AllowFrom: []string{"alice", "ops-*"}}
	if g.Accept(groupMsg("mallory", "@clawd hi")) {
		t.Fatal("disallowed sender accepted")
	}
	if !g.Accept(groupMsg("alice", "@clawd hi")) {
		t.Fatal("exact allowed sender rejected")
	}
	if !g.Accept(groupMsg("ops-7", "@clawd hi")) {
		t.Fatal("wildcard allowed sender rejected")
	}
	if !g.Accept(groupMsg("123|alice", "@clawd hi")) {
		t.Fatal("compound id username part not matched")
	}
}

func TestGroupGateDMsAlwaysPass(t *testing.T) {
	g := &GroupGate{BotName: "clawd", AllowFrom: []string{"nobody"}}
	msg := bus.InboundMessage{Peer: bus.Peer{Kind: bus.PeerDM, ID: "u1"}, SenderID: "u1", Text: "hi"}
	if !g.Accept(msg) {
		t.Fatal("DM blocked by group gate")
	}
}

func TestCustomMentionPatterns(t *testing.T) {
	g := &GroupGate{BotName: "clawd", MentionPatterns: []string{`\bhey bot\b`}}
	if !g.Accept(groupMsg("u1", "Hey Bot, status?")) {
		t.Fatal("custom pattern not matched")
	}
}

type stubChannel struct {
	*BaseChannel
	mu    sync.Mutex
	sent  []bus.OutboundMessage
	fails int
	err   error
}

func (s *stubChannel) Start(ctx context.Context) error { s.SetRunning(true); return nil }
func (s *stubChannel) Stop(ctx context.Context) error  { s.SetRunning(false); return nil }
func (s *stubChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fails > 0 {
		s.fails--
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *stubChannel) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func TestManagerDispatchOutbound(t *testing.T) {
	b := bus.NewMessageBus()
	m := NewManager(b)
	stub := &stubChannel{BaseChannel: NewBaseChannel("tg", "", b)}
	m.Register(stub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.StartAll(ctx); err != nil {
		t.Fatal(err)
	}
	defer m.StopAll(ctx)

	b.PublishOutbound(bus.OutboundMessage{Channel: "tg", To: "U42", Text: "hi"})
	b.PublishOutbound(bus.OutboundMessage{Channel: "system", To: "x", Text: "skip internal"})
	b.PublishOutbound(bus.OutboundMessage{Channel: "missing", To: "x", Text: "skip unknown"})

	deadline := time.After(2 * time.Second)
	for stub.sentCount() < 1 {
		select {
		case <-deadline:
			t.Fatal("outbound not dispatched")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if stub.sentCount() != 1 {
		t.Fatalf("sent = %d, want 1", stub.sentCount())
	}
}

func TestBaseChannelDropsEchoes(t *testing.T) {
	b := bus.NewMessageBus()
	base := NewBaseChannel("tg", "acct", b)

	base.MarkOutbound("m1")
	base.HandleInbound(bus.InboundMessage{MessageID: "m1", Text: "echoed"})
	base.HandleInbound(bus.InboundMessage{MessageID: "m2", Text: "real"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := b.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no inbound message")
	}
	if msg.MessageID != "m2" {
		t.Fatalf("got %q, echo not dropped", msg.MessageID)
	}
	if msg.Channel != "tg" || msg.AccountID != "acct" {
		t.Fatalf("channel fields not stamped: %+v", msg)
	}
}

func TestInboundRateLimiter(t *testing.T) {
	r := NewInboundRateLimiter()
	allowed := 0
	for i := 0; i < 20; i++ {
		if r.Allow("u1") {
			allowed++
		}
	}
	if allowed != inboundBurst {
		t.Fatalf("allowed = %d, want burst %d", allowed, inboundBurst)
	}
	if !r.Allow("u2") {
		t.Fatal("fresh sender blocked")
	}
}
