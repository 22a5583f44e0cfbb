package sessions

// Routing maps an inbound (channel, account, peer) triple to a target
// agent and session key. Precedence: peer bindings (exact config
// matches) win over identity links (normalized alias lookup), which win
// over the default scope.

// BindingPeer pins a binding to a specific chat target. An empty ID
// matches any peer of the given kind on the channel.
type BindingPeer struct {
	Kind string `json:"kind"` // "dm", "group", or "thread"
	ID   string `json:"id,omitempty"`
}

// BindingMatch specifies which messages a binding applies to.
type BindingMatch struct {
	Channel   string       `json:"channel"`
	AccountID string       `json:"accountId,omitempty"`
	Peer      *BindingPeer `json:"peer,omitempty"`
}

// Binding maps a channel/peer pattern to an agent.
type Binding struct {
	AgentID string       `json:"agentId"`
	Match   BindingMatch `json:"match"`
}

// DM session scoping modes.
const (
	DMScopeMain    = "main"
	DMScopePerPeer = "per-peer"
)

// RouterConfig is the slice of gateway config the routing engine needs.
type RouterConfig struct {
	DefaultAgent string
	DMScope      string // "main" or "per-peer"
	Bindings     []Binding
}

// Route matched-by values.
const (
	MatchedByBinding  = "binding.peer"
	MatchedByIdentity = "identity_link"
	MatchedByDefault  = "default"
)

// Route is the routing decision for one inbound message.
type Route struct {
	AgentID    string
	SessionKey string
	MatchedBy  string
}

// RoutePeer is the inbound peer as seen by the routing engine.
type RoutePeer struct {
	Kind     PeerKind
	ID       string
	ThreadID string // set for thread-kind peers
}

// ResolveAgentRoute maps an inbound event to (agent, session key).
// links may be nil when no identity map is configured.
func ResolveAgentRoute(cfg RouterConfig, links *IdentityLinks, channel, accountID string, peer RoutePeer) Route {
	peerID := NormalizePeerID(peer.ID)

	// 1. Peer bindings: exact configuration matches.
	for _, b := range cfg.Bindings {
		m := b.Match
		if m.Channel != channel {
			continue
		}
		if m.AccountID != "" && m.AccountID != accountID {
			continue
		}
		if m.Peer == nil {
			// Channel-level binding: applies to the whole channel.
			return Route{
				AgentID:    b.AgentID,
				SessionKey: keyFor(b.AgentID, cfg.DMScope, channel, peer, peerID),
				MatchedBy:  MatchedByBinding,
			}
		}
		if m.Peer.Kind != string(peer.Kind) {
			continue
		}
		if m.Peer.ID != "" && NormalizePeerID(m.Peer.ID) != peerID {
			continue
		}
		return Route{
			AgentID:    b.AgentID,
			SessionKey: keyFor(b.AgentID, cfg.DMScope, channel, peer, peerID),
			MatchedBy:  MatchedByBinding,
		}
	}

	// 2. Identity links: substitute the canonical id for the peer id.
	if links != nil {
		if canonical, ok := links.Lookup(peerID, channel+":"+peerID); ok {
			return Route{
				AgentID:    cfg.DefaultAgent,
				SessionKey: keyFor(cfg.DefaultAgent, cfg.DMScope, channel, peer, NormalizePeerID(canonical)),
				MatchedBy:  MatchedByIdentity,
			}
		}
	}

	// 3. Default scope.
	return Route{
		AgentID:    cfg.DefaultAgent,
		SessionKey: keyFor(cfg.DefaultAgent, cfg.DMScope, channel, peer, peerID),
		MatchedBy:  MatchedByDefault,
	}
}

// keyFor builds the session key for an agent + peer under the configured
// DM scope. Groups and threads always get their full key; dmScope only
// collapses DMs.
func keyFor(agentID, dmScope, channel string, peer RoutePeer, peerID string) string {
	switch peer.Kind {
	case PeerGroup:
		return GroupKey(agentID, channel, peerID)
	case PeerThread:
		return ThreadKey(agentID, channel, peerID, peer.ThreadID)
	default:
		if dmScope == DMScopeMain {
			return MainKey(agentID)
		}
		return DMKey(agentID, peerID)
	}
}
