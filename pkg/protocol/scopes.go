package protocol

import "strings"

// Connection scopes. A connection's scope set is compared against the
// per-event guard table before broadcast delivery.
const (
	ScopeOperatorRead      = "operator.read"
	ScopeOperatorWrite     = "operator.write"
	ScopeOperatorAdmin     = "operator.admin"
	ScopeOperatorApprovals = "operator.approvals"
)

// OperatorScopes is the full scope set granted to operator-role
// connections (and loopback connections).
func OperatorScopes() []string {
	return []string{
		ScopeOperatorRead,
		ScopeOperatorWrite,
		ScopeOperatorAdmin,
		ScopeOperatorApprovals,
	}
}

// eventGuards maps event-name prefixes to the scope set required to
// receive them. Longest prefix wins. Events with no guard entry are
// unguarded and delivered to every connection.
var eventGuards = []struct {
	prefix string
	scopes []string
}{
	{"node.pair.", []string{ScopeOperatorAdmin}},
	{"device.pair.", []string{ScopeOperatorAdmin}},
	{"exec.approval.", []string{ScopeOperatorApprovals}},
	{"agent", []string{ScopeOperatorRead}},
	{"chat", []string{ScopeOperatorRead}},
	{"cron", []string{ScopeOperatorRead}},
	{"system.", []string{ScopeOperatorRead}},
	{"sessions.", []string{ScopeOperatorRead}},
	{"presence", []string{ScopeOperatorRead}},
}

// unguarded events are always delivered regardless of scope.
var unguardedEvents = map[string]bool{
	EventConnectChallenge: true,
	EventTick:             true,
	EventShutdown:         true,
}

// GuardFor returns the required scope set for an event name, or nil when
// the event is unguarded.
func GuardFor(event string) []string {
	if unguardedEvents[event] {
		return nil
	}
	var best []string
	bestLen := -1
	for _, g := range eventGuards {
		if strings.HasPrefix(event, g.prefix) && len(g.prefix) > bestLen {
			best = g.scopes
			bestLen = len(g.prefix)
		}
	}
	return best
}

// ScopeAllows reports whether a connection holding the given scope set may
// receive the event: true when the event has no guard, or when the sets
// intersect.
func ScopeAllows(connScopes []string, event string) bool {
	guard := GuardFor(event)
	if len(guard) == 0 {
		return true
	}
	for _, need := range guard {
		for _, have := range connScopes {
			if need == have {
				return true
			}
		}
	}
	return false
}
