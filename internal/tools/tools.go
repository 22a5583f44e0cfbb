// Package tools defines the tool-invocation contract. Tool bodies
// (bash, read, write, web, …) are external collaborators; the core only
// needs their schema, their execute entry point, and uniform failure
// semantics: a tool failure becomes a result with IsError=true fed back
// to the model, never an aborted turn.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/opengate-ai/opengate/internal/providers"
)

// Content is one block of a tool result.
type Content struct {
	Text  string           `json:"text,omitempty"`
	Image *providers.Image `json:"image,omitempty"`
}

// Result is the outcome of one tool execution.
type Result struct {
	Content []Content      `json:"content"`
	Details map[string]any `json:"details,omitempty"`
	IsError bool           `json:"is_error,omitempty"`
}

// Text returns the concatenated text blocks, the form fed to the model.
func (r *Result) Text() string {
	var out string
	for _, c := range r.Content {
		out += c.Text
	}
	return out
}

// TextResult builds a plain text result.
func TextResult(text string) *Result {
	return &Result{Content: []Content{{Text: text}}}
}

// ErrorResult builds an error result from a tool failure.
func ErrorResult(err error) *Result {
	return &Result{Content: []Content{{Text: err.Error()}}, IsError: true}
}

// Tool is one invocable tool. Execute must honor ctx cancellation at its
// suspension points; the turn runner cancels ctx on abort. onUpdate may
// be nil; tools use it for incremental progress (long bash runs etc.).
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any // JSON Schema
	Execute(ctx context.Context, callID string, args map[string]any, onUpdate func(string)) (*Result, error)
}

// Registry holds the tool set offered to agent sessions.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Definitions returns provider-facing schemas for all tools, sorted by
// name for deterministic prompts.
func (r *Registry) Definitions() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]providers.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, providers.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs a tool by name, converting every failure mode — unknown
// tool, returned error, panic — into an IsError result.
func (r *Registry) Execute(ctx context.Context, name, callID string, args map[string]any, onUpdate func(string)) (result *Result) {
	tool, ok := r.Get(name)
	if !ok {
		return ErrorResult(fmt.Errorf("unknown tool: %s", name))
	}

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("tool panic", "tool", name, "panic", rec)
			result = ErrorResult(fmt.Errorf("tool %s panicked: %v", name, rec))
		}
	}()

	res, err := tool.Execute(ctx, callID, args, onUpdate)
	if err != nil {
		return ErrorResult(err)
	}
	if res == nil {
		res = TextResult("")
	}
	return res
}
