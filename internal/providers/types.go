// Package providers defines the contract between the gateway core and
// the external LLM streaming client. The wire protocols (HTTP/SSE to the
// actual providers) live behind the StreamClient interface; the core
// only consumes the typed event sequence.
package providers

import "context"

// Message is one conversation message.
type Message struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	Images     []Image    `json:"images,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // for role="tool"
}

// Image is a base64-encoded image for vision-capable models.
type Image struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDefinition describes a tool available to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage tracks token consumption for one turn.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// StreamRequest is the input for one model turn.
type StreamRequest struct {
	SystemPrompt string           `json:"system_prompt,omitempty"`
	Messages     []Message        `json:"messages"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
	Model        string           `json:"model"`
	MaxTokens    int              `json:"max_tokens,omitempty"`
	Temperature  float64          `json:"temperature,omitempty"`
	SessionID    string           `json:"session_id,omitempty"`
}

// EventType discriminates stream events.
type EventType string

const (
	EventTextDelta     EventType = "text_delta"
	EventThinkingDelta EventType = "thinking_delta"
	EventToolCallEnd   EventType = "toolcall_end"
	EventDone          EventType = "done"
	EventError         EventType = "error"
)

// Stop reasons carried by done events.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// StreamEvent is one element of the model's event sequence. The Type
// field selects which payload fields are meaningful:
//
//	text_delta, thinking_delta → Text
//	toolcall_end               → ToolCall
//	done                       → StopReason, Usage
//	error                      → ErrMessage, ErrReason
type StreamEvent struct {
	Type       EventType `json:"type"`
	Text       string    `json:"text,omitempty"`
	ToolCall   *ToolCall `json:"tool_call,omitempty"`
	StopReason string    `json:"stop_reason,omitempty"`
	Usage      *Usage    `json:"usage,omitempty"`
	ErrMessage string    `json:"err_message,omitempty"`
	ErrReason  string    `json:"err_reason,omitempty"`
}

// StreamClient is the external LLM streaming client. Stream returns a
// lazily-consumed event sequence; the implementation must deliver
// exactly one done (or error) event and then close the channel. Retries
// for transient HTTP failures belong inside the client, not the core.
type StreamClient interface {
	Stream(ctx context.Context, req StreamRequest) (<-chan StreamEvent, error)
	Name() string
	DefaultModel() string
}
