package bus

import (
	"context"
	"testing"
	"time"
)

func TestInboundRoundTrip(t *testing.T) {
	b := NewMessageBus()
	b.PublishInbound(InboundMessage{Channel: "telegram", Text: "hi", Peer: Peer{Kind: PeerDM, ID: "42"}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := b.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("expected a message")
	}
	if msg.Channel != "telegram" || msg.Text != "hi" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestConsumeInboundHonorsContext(t *testing.T) {
	b := NewMessageBus()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := b.ConsumeInbound(ctx); ok {
		t.Fatal("expected false on cancelled context")
	}
}

func TestBroadcastSnapshotsSubscribers(t *testing.T) {
	b := NewMessageBus()
	got := make(chan string, 2)
	b.Subscribe("a", func(ev Event) { got <- "a:" + ev.Name })
	b.Subscribe("b", func(ev Event) {
		// unsubscribing mid-broadcast must not deadlock
		b.Unsubscribe("a")
		got <- "b:" + ev.Name
	})

	b.Broadcast(Event{Name: "chat.final"})
	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(time.Second):
			t.Fatal("handler not invoked")
		}
	}
}

func TestDedupeCache(t *testing.T) {
	c := NewDedupeCache(time.Minute, 100)
	if c.IsDuplicate("k1") {
		t.Fatal("first sighting must not be a duplicate")
	}
	if !c.IsDuplicate("k1") {
		t.Fatal("second sighting must be a duplicate")
	}
	if c.IsDuplicate("k2") {
		t.Fatal("distinct key must not be a duplicate")
	}
}

func TestDedupeCacheExpiry(t *testing.T) {
	c := NewDedupeCache(time.Minute, 100)
	base := time.Now()
	c.now = func() time.Time { return base }
	c.IsDuplicate("k1")

	c.now = func() time.Time { return base.Add(61 * time.Second) }
	if c.IsDuplicate("k1") {
		t.Fatal("expired entry must not count as duplicate")
	}
}

func TestDedupeCacheEvictsOldestAtCap(t *testing.T) {
	c := NewDedupeCache(time.Hour, 3)
	base := time.Now()
	tick := 0
	c.now = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Second) }

	c.IsDuplicate("a")
	c.IsDuplicate("b")
	c.IsDuplicate("c")
	c.IsDuplicate("d") // evicts a

	if c.Len() != 3 {
		t.Fatalf("len = %d, want 3", c.Len())
	}
	if c.IsDuplicate("a") {
		t.Fatal("evicted key should read as fresh")
	}
}

func TestDebouncerMergesBatch(t *testing.T) {
	flushed := make(chan InboundMessage, 1)
	d := NewInboundDebouncer(30*time.Millisecond, func(m InboundMessage) { flushed <- m })
	defer d.Stop()

	peer := Peer{Kind: PeerDM, ID: "7"}
	d.Push(InboundMessage{Channel: "telegram", Peer: peer, Text: "one", Attachments: []string{"a.png"}})
	d.Push(InboundMessage{Channel: "telegram", Peer: peer, Text: "two", MessageID: "m2"})

	select {
	case m := <-flushed:
		if m.Text != "one\ntwo" {
			t.Fatalf("text = %q, want merged", m.Text)
		}
		if m.MessageID != "m2" {
			t.Fatalf("envelope should come from the last message, got %q", m.MessageID)
		}
		if len(m.Attachments) != 1 {
			t.Fatalf("attachments = %v", m.Attachments)
		}
	case <-time.After(time.Second):
		t.Fatal("debouncer never flushed")
	}
}

func TestDebouncerSeparatesPeers(t *testing.T) {
	flushed := make(chan InboundMessage, 2)
	d := NewInboundDebouncer(20*time.Millisecond, func(m InboundMessage) { flushed <- m })
	defer d.Stop()

	d.Push(InboundMessage{Channel: "telegram", Peer: Peer{Kind: PeerDM, ID: "1"}, Text: "a"})
	d.Push(InboundMessage{Channel: "telegram", Peer: Peer{Kind: PeerDM, ID: "2"}, Text: "b"})

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case m := <-flushed:
			seen[m.Text] = true
		case <-time.After(time.Second):
			t.Fatal("missing flush")
		}
	}
	if !seen["a"] || !seen["b"] {
		t.Fatalf("batches merged across peers: %v", seen)
	}
}

func TestDebouncerFlushDrainsPending(t *testing.T) {
	flushed := make(chan InboundMessage, 1)
	d := NewInboundDebouncer(time.Hour, func(m InboundMessage) { flushed <- m })

	d.Push(InboundMessage{Channel: "discord", Peer: Peer{Kind: PeerGroup, ID: "g"}, Text: "queued"})
	d.Flush()

	select {
	case m := <-flushed:
		if m.Text != "queued" {
			t.Fatalf("text = %q", m.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("Flush did not deliver pending batch")
	}
}

func TestDebouncerStopDiscards(t *testing.T) {
	flushed := make(chan InboundMessage, 1)
	d := NewInboundDebouncer(10*time.Millisecond, func(m InboundMessage) { flushed <- m })

	d.Push(InboundMessage{Channel: "discord", Peer: Peer{Kind: PeerDM, ID: "x"}, Text: "dropped"})
	d.Stop()
	d.Push(InboundMessage{Channel: "discord", Peer: Peer{Kind: PeerDM, ID: "x"}, Text: "after stop"})

	select {
	case m := <-flushed:
		t.Fatalf("unexpected flush after Stop: %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}
