package channels

import (
	"regexp"
	"strings"
	"sync"

	"github.com/opengate-ai/opengate/internal/bus"
)

// GroupGate decides whether a group message should reach the agent.
// DMs always pass; group messages must clear the sender allowlist and,
// unless the group is always-active, mention the bot.
type GroupGate struct {
	// AllowFrom restricts group senders; empty allows everyone.
	// Entries are exact ids/usernames or wildcard patterns ("ops-*").
	AllowFrom []string
	// AlwaysActivate accepts every allowed group message, no mention
	// needed.
	AlwaysActivate bool
	// BotName derives the implicit "@name" and "name" mention patterns.
	BotName string
	// MentionPatterns are extra user-configured regex patterns.
	MentionPatterns []string

	once     sync.Once
	compiled []*regexp.Regexp
}

// Accept reports whether the inbound message passes the gate.
func (g *GroupGate) Accept(msg bus.InboundMessage) bool {
	if msg.Peer.Kind != bus.PeerGroup {
		return true
	}
	if len(g.AllowFrom) > 0 && !g.senderAllowed(msg.SenderID, msg.SenderName) {
		return false
	}
	if g.AlwaysActivate {
		return true
	}
	return g.mentioned(msg.Text)
}

// AcceptActivated is Accept with the mention requirement waived. Used
// when the session itself is marked always-active; the sender allowlist
// still applies.
func (g *GroupGate) AcceptActivated(msg bus.InboundMessage) bool {
	if msg.Peer.Kind != bus.PeerGroup {
		return true
	}
	return len(g.AllowFrom) == 0 || g.senderAllowed(msg.SenderID, msg.SenderName)
}

func (g *GroupGate) senderAllowed(senderID, senderName string) bool {
	id, user := SplitCompoundID(senderID)
	for _, pattern := range g.AllowFrom {
		pattern = strings.TrimPrefix(pattern, "@")
		for _, candidate := range []string{senderID, id, user, senderName} {
			if candidate != "" && matchWildcard(pattern, candidate) {
				return true
			}
		}
	}
	return false
}

// mentioned checks the text against the mention patterns,
// case-insensitively.
func (g *GroupGate) mentioned(text string) bool {
	g.once.Do(g.compile)
	for _, re := range g.compiled {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func (g *GroupGate) compile() {
	add := func(expr string) {
		if re, err := regexp.Compile("(?i)" + expr); err == nil {
			g.compiled = append(g.compiled, re)
		}
	}
	for _, p := range g.MentionPatterns {
		add(p)
	}
	if g.BotName != "" {
		quoted := regexp.QuoteMeta(g.BotName)
		add(`@` + quoted + `\b`)
		add(`\b` + quoted + `\b`)
	}
}

// matchWildcard matches candidate against pattern, where '*' matches
// any run of characters. Comparison is case-insensitive.
func matchWildcard(pattern, candidate string) bool {
	pattern = strings.ToLower(pattern)
	candidate = strings.ToLower(candidate)
	if !strings.Contains(pattern, "*") {
		return pattern == candidate
	}
	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(candidate, parts[0]) {
		return false
	}
	candidate = candidate[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(candidate, part)
		if idx < 0 {
			return false
		}
		candidate = candidate[idx+len(part):]
	}
	return strings.HasSuffix(candidate, parts[len(parts)-1])
}
