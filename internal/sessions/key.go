// Package sessions owns the session registry: canonical session keys,
// the persistent SessionKey → SessionEntry store, identity links, and
// the routing engine that maps inbound channel traffic to a session.
//
// Session keys follow the canonical format:
//
//	agent:{agentId}:{scope}
//
// Where {scope} is one of:
//
//	Main:   main
//	DM:     dm:{peerId}
//	Group:  group:{channel}:{peerId}
//	Thread: thread:{channel}:{peerId}:{threadId}
//	Cron:   cron:{jobId}:{runId}      (isolated cron runs)
//	Spawn:  spawn:{label}             (sub-agent sessions)
//
// The peer portion is case-insensitive and always normalized to
// lowercase, so "U42" and "u42" address the same session.
package sessions

import (
	"fmt"
	"strings"
)

// PeerKind distinguishes conversation scopes.
type PeerKind string

const (
	PeerDM     PeerKind = "dm"
	PeerGroup  PeerKind = "group"
	PeerThread PeerKind = "thread"
)

// MaxSpawnDepth bounds sub-agent chains. A spawn request that would
// exceed this depth is rejected.
const MaxSpawnDepth = 8

// NormalizePeerID lowercases the peer portion of a key.
func NormalizePeerID(id string) string { return strings.ToLower(id) }

// MainKey builds the shared "main" session key for an agent.
func MainKey(agentID string) string {
	return fmt.Sprintf("agent:%s:main", agentID)
}

// DMKey builds the per-peer DM session key.
func DMKey(agentID, peerID string) string {
	return fmt.Sprintf("agent:%s:dm:%s", agentID, NormalizePeerID(peerID))
}

// GroupKey builds the group session key.
func GroupKey(agentID, channel, peerID string) string {
	return fmt.Sprintf("agent:%s:group:%s:%s", agentID, channel, NormalizePeerID(peerID))
}

// ThreadKey builds the per-thread session key.
func ThreadKey(agentID, channel, peerID, threadID string) string {
	return fmt.Sprintf("agent:%s:thread:%s:%s:%s", agentID, channel, NormalizePeerID(peerID), threadID)
}

// CronKey builds the isolated session key for one cron job run.
func CronKey(agentID, jobID, runID string) string {
	return fmt.Sprintf("agent:%s:cron:%s:%s", agentID, jobID, runID)
}

// SpawnKey builds the session key for a spawned sub-agent.
func SpawnKey(agentID, label string) string {
	return fmt.Sprintf("agent:%s:spawn:%s", agentID, label)
}

// Parse extracts the agentID and scope from a canonical session key.
// Returns ("", "") when the key is not in the expected format.
func Parse(key string) (agentID, scope string) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return "", ""
	}
	return parts[1], parts[2]
}

// AgentID returns the agent portion of a key, or "" when malformed.
func AgentID(key string) string {
	id, _ := Parse(key)
	return id
}

// IsCron reports whether the key addresses an isolated cron session.
func IsCron(key string) bool {
	_, scope := Parse(key)
	return strings.HasPrefix(scope, "cron:")
}

// IsSpawned reports whether the key addresses a sub-agent session.
func IsSpawned(key string) bool {
	_, scope := Parse(key)
	return strings.HasPrefix(scope, "spawn:")
}
