// Package hooks is the lifecycle extension runtime. Components and
// plugins register handlers against named events; the agent runner
// fires them at fixed points in a turn. Handler failures are logged
// and never abort the turn.
package hooks

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Lifecycle event names fired by the agent runner.
const (
	EventSessionStart       = "session_start"
	EventBeforePromptBuild  = "before_prompt_build"
	EventBeforeModelResolve = "before_model_resolve"
	EventBeforeAgentStart   = "before_agent_start"
	EventLLMInput           = "llm_input"
	EventLLMOutput          = "llm_output"
	EventBeforeToolCall     = "before_tool_call"
	EventAfterToolCall      = "after_tool_call"
	EventToolResultPersist  = "tool_result_persist"
	EventBeforeMessageWrite = "before_message_write"
	EventAgentEnd           = "agent_end"
	EventSessionEnd         = "session_end"
	EventAgentBootstrap     = "agent:bootstrap"
)

// Result is the optional dictionary a handler may return.
type Result map[string]any

// Handler processes one lifecycle event. payload is shared across
// handlers and may be mutated in place (llm_input, agent:bootstrap).
type Handler func(ctx context.Context, payload map[string]any) (Result, error)

type registration struct {
	name    string
	handler Handler
}

// Registry maps event names to ordered handler lists. Registration may
// happen at any time; dispatch snapshots the list so the lock is never
// held across handler calls.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]registration
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string][]registration)}
}

// Register appends a handler for event. name identifies the handler in
// logs only.
func (r *Registry) Register(event, name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[event] = append(r.handlers[event], registration{name: name, handler: h})
}

// Count returns how many handlers are registered for event.
func (r *Registry) Count(event string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[event])
}

func (r *Registry) snapshot(event string) []registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	regs := r.handlers[event]
	out := make([]registration, len(regs))
	copy(out, regs)
	return out
}

// Fire dispatches event to all handlers in registration order and
// returns their non-nil results. A handler error is logged and skipped.
func (r *Registry) Fire(ctx context.Context, event string, payload map[string]any) []Result {
	regs := r.snapshot(event)
	if len(regs) == 0 {
		return nil
	}
	var results []Result
	for _, reg := range regs {
		res, err := reg.handler(ctx, payload)
		if err != nil {
			slog.Warn("hooks.handler_failed", "event", event, "handler", reg.name, "error", err)
			continue
		}
		if res != nil {
			results = append(results, res)
		}
	}
	return results
}

// AgentStartOverrides is the merged outcome of before_agent_start.
type AgentStartOverrides struct {
	PrependContext string
	SystemPrompt   string
	HasPrompt      bool
}

// MergeAgentStart applies the before_agent_start merge rule: all
// prependContext strings join with a blank line; the last systemPrompt
// wins.
func MergeAgentStart(results []Result) AgentStartOverrides {
	var out AgentStartOverrides
	var parts []string
	for _, res := range results {
		if v, ok := res["prependContext"].(string); ok && v != "" {
			parts = append(parts, v)
		}
		if v, ok := res["systemPrompt"].(string); ok {
			out.SystemPrompt = v
			out.HasPrompt = true
		}
	}
	out.PrependContext = strings.Join(parts, "\n\n")
	return out
}
