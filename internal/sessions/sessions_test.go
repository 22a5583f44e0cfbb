package sessions

import (
	"os"
	"path/filepath"
	"testing"
)

func TestKeyCanonicalization(t *testing.T) {
	if got := DMKey("main", "U42"); got != "agent:main:dm:u42" {
		t.Fatalf("DMKey = %q", got)
	}
	if got := GroupKey("ops", "telegram", "-100123"); got != "agent:ops:group:telegram:-100123" {
		t.Fatalf("GroupKey = %q", got)
	}
	if got := ThreadKey("main", "discord", "Chan", "77"); got != "agent:main:thread:discord:chan:77" {
		t.Fatalf("ThreadKey = %q", got)
	}
	if got := CronKey("main", "job1", "run1"); got != "agent:main:cron:job1:run1" {
		t.Fatalf("CronKey = %q", got)
	}
	if got := SpawnKey("main", "ab12"); got != "agent:main:spawn:ab12" {
		t.Fatalf("SpawnKey = %q", got)
	}
}

func TestParse(t *testing.T) {
	agent, scope := Parse("agent:main:group:telegram:-100")
	if agent != "main" || scope != "group:telegram:-100" {
		t.Fatalf("Parse = %q, %q", agent, scope)
	}
	if id, _ := Parse("bogus"); id != "" {
		t.Fatal("malformed key should parse to empty")
	}
	if !IsCron("agent:main:cron:j:r") || IsCron("agent:main:main") {
		t.Fatal("IsCron misclassified")
	}
	if !IsSpawned("agent:main:spawn:x") || IsSpawned("agent:main:dm:u1") {
		t.Fatal("IsSpawned misclassified")
	}
}

func TestRoutePrecedence(t *testing.T) {
	cfg := RouterConfig{
		DefaultAgent: "main",
		DMScope:      DMScopeMain,
		Bindings: []Binding{
			{AgentID: "support", Match: BindingMatch{
				Channel: "telegram",
				Peer:    &BindingPeer{Kind: "group", ID: "-100555"},
			}},
			{AgentID: "ops", Match: BindingMatch{Channel: "discord"}},
		},
	}

	tests := []struct {
		name      string
		channel   string
		peer      RoutePeer
		agent     string
		key       string
		matchedBy string
	}{
		{
			name:      "peer binding wins",
			channel:   "telegram",
			peer:      RoutePeer{Kind: PeerGroup, ID: "-100555"},
			agent:     "support",
			key:       "agent:support:group:telegram:-100555",
			matchedBy: MatchedByBinding,
		},
		{
			name:      "channel-level binding",
			channel:   "discord",
			peer:      RoutePeer{Kind: PeerDM, ID: "u1"},
			agent:     "ops",
			key:       "agent:ops:main",
			matchedBy: MatchedByBinding,
		},
		{
			name:      "unmatched peer falls to default",
			channel:   "telegram",
			peer:      RoutePeer{Kind: PeerGroup, ID: "-100999"},
			agent:     "main",
			key:       "agent:main:group:telegram:-100999",
			matchedBy: MatchedByDefault,
		},
		{
			name:      "dm collapses to main under main scope",
			channel:   "telegram",
			peer:      RoutePeer{Kind: PeerDM, ID: "U42"},
			agent:     "main",
			key:       "agent:main:main",
			matchedBy: MatchedByDefault,
		},
		{
			name:      "thread gets full key",
			channel:   "telegram",
			peer:      RoutePeer{Kind: PeerThread, ID: "-100999", ThreadID: "7"},
			agent:     "main",
			key:       "agent:main:thread:telegram:-100999:7",
			matchedBy: MatchedByDefault,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := ResolveAgentRoute(cfg, nil, tt.channel, "acct", tt.peer)
			if r.AgentID != tt.agent || r.SessionKey != tt.key || r.MatchedBy != tt.matchedBy {
				t.Fatalf("got %+v", r)
			}
		})
	}
}

func TestRoutePerPeerDMScope(t *testing.T) {
	cfg := RouterConfig{DefaultAgent: "main", DMScope: DMScopePerPeer}
	r := ResolveAgentRoute(cfg, nil, "telegram", "", RoutePeer{Kind: PeerDM, ID: "U42"})
	if r.SessionKey != "agent:main:dm:u42" {
		t.Fatalf("SessionKey = %q", r.SessionKey)
	}
}

func TestRouteBindingAccountFilter(t *testing.T) {
	cfg := RouterConfig{
		DefaultAgent: "main",
		DMScope:      DMScopeMain,
		Bindings: []Binding{
			{AgentID: "work", Match: BindingMatch{Channel: "telegram", AccountID: "workbot"}},
		},
	}
	r := ResolveAgentRoute(cfg, nil, "telegram", "workbot", RoutePeer{Kind: PeerDM, ID: "u1"})
	if r.AgentID != "work" {
		t.Fatalf("account-matched binding not applied: %+v", r)
	}
	r = ResolveAgentRoute(cfg, nil, "telegram", "personalbot", RoutePeer{Kind: PeerDM, ID: "u1"})
	if r.AgentID != "main" {
		t.Fatalf("binding leaked across accounts: %+v", r)
	}
}

func TestRouteIdentityLink(t *testing.T) {
	dir := t.TempDir()
	links, err := NewIdentityLinks(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := links.Link("alice", "telegram:555"); err != nil {
		t.Fatal(err)
	}

	cfg := RouterConfig{DefaultAgent: "main", DMScope: DMScopePerPeer}
	r := ResolveAgentRoute(cfg, links, "telegram", "", RoutePeer{Kind: PeerDM, ID: "555"})
	if r.MatchedBy != MatchedByIdentity {
		t.Fatalf("MatchedBy = %q", r.MatchedBy)
	}
	if r.SessionKey != "agent:main:dm:alice" {
		t.Fatalf("SessionKey = %q", r.SessionKey)
	}

	// Unlinked peer falls through to default.
	r = ResolveAgentRoute(cfg, links, "telegram", "", RoutePeer{Kind: PeerDM, ID: "556"})
	if r.MatchedBy != MatchedByDefault {
		t.Fatalf("MatchedBy = %q", r.MatchedBy)
	}
}

func TestIdentityLinksCaseInsensitive(t *testing.T) {
	links, err := NewIdentityLinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := links.Link("bob", "Discord:Bob#1"); err != nil {
		t.Fatal(err)
	}
	if canonical, ok := links.Lookup("discord:bob#1"); !ok || canonical != "bob" {
		t.Fatalf("Lookup = %q, %v", canonical, ok)
	}
	// Re-linking the same scoped id is a no-op.
	if err := links.Link("bob", "discord:bob#1"); err != nil {
		t.Fatal(err)
	}
}

func TestStoreEnsureAndUpdate(t *testing.T) {
	s := NewStore(t.TempDir())

	entry, err := s.Ensure("agent:main:main", func(e *Entry) { e.Channel = "telegram" })
	if err != nil {
		t.Fatal(err)
	}
	if entry.SessionID == "" {
		t.Fatal("SessionID not assigned")
	}
	if entry.Channel != "telegram" {
		t.Fatal("init callback not applied")
	}

	// Ensure on an existing key must not re-run init.
	again, err := s.Ensure("agent:main:main", func(e *Entry) { e.Channel = "discord" })
	if err != nil {
		t.Fatal(err)
	}
	if again.SessionID != entry.SessionID || again.Channel != "telegram" {
		t.Fatalf("Ensure mutated existing entry: %+v", again)
	}

	updated, err := s.Update("agent:main:main", func(e *Entry) { e.ModelOverride = "gpt-4o" })
	if err != nil {
		t.Fatal(err)
	}
	if updated.ModelOverride != "gpt-4o" || updated.SessionID != entry.SessionID {
		t.Fatalf("Update result: %+v", updated)
	}
	if updated.UpdatedAt == 0 {
		t.Fatal("UpdatedAt not bumped")
	}
}

func TestStoreResetRegeneratesSession(t *testing.T) {
	s := NewStore(t.TempDir())
	key := "agent:main:dm:u1"
	before, err := s.Update(key, func(e *Entry) {
		e.ModelOverride = "gpt-4o"
		e.Model = "gpt-4o-mini"
		e.Channel = "telegram"
		e.InputTokens = 500
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Reset(key); err != nil {
		t.Fatal(err)
	}
	after, ok, err := s.Get(key)
	if err != nil || !ok {
		t.Fatalf("Get after reset: ok=%v err=%v", ok, err)
	}
	if after.SessionID == before.SessionID {
		t.Fatal("reset must regenerate the session id")
	}
	if after.Model != "gpt-4o-mini" || after.Channel != "telegram" {
		t.Fatal("reset must keep settings")
	}
	if after.InputTokens != 0 {
		t.Fatal("reset must clear usage counters")
	}
}

func TestStoreDelete(t *testing.T) {
	s := NewStore(t.TempDir())
	if _, err := s.Ensure("agent:main:spawn:x", nil); err != nil {
		t.Fatal(err)
	}
	existed, err := s.Delete("agent:main:spawn:x")
	if err != nil || !existed {
		t.Fatalf("Delete: existed=%v err=%v", existed, err)
	}
	existed, err = s.Delete("agent:main:spawn:x")
	if err != nil || existed {
		t.Fatalf("second Delete: existed=%v err=%v", existed, err)
	}
	if _, ok, _ := s.Get("agent:main:spawn:x"); ok {
		t.Fatal("entry survived delete")
	}
}

func TestStorePersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	s1 := NewStore(dir)
	if _, err := s1.Update("agent:main:main", func(e *Entry) { e.LastTo = "42" }); err != nil {
		t.Fatal(err)
	}

	s2 := NewStore(dir)
	entry, ok, err := s2.Get("agent:main:main")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if entry.LastTo != "42" {
		t.Fatalf("LastTo = %q", entry.LastTo)
	}

	if _, err := os.Stat(filepath.Join(dir, "sessions", "store.json")); err != nil {
		t.Fatalf("backing file missing: %v", err)
	}
}
