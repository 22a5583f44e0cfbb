package providers

import (
	"context"
	"sync"
)

// ScriptClient is a deterministic StreamClient that replays pre-recorded
// turns. Used by integration tests and the offline echo mode of the CLI;
// each call to Stream consumes the next scripted turn.
type ScriptClient struct {
	mu    sync.Mutex
	turns [][]StreamEvent
	calls []StreamRequest
	model string
}

var _ StreamClient = (*ScriptClient)(nil)

// NewScriptClient creates a client replaying the given turns in order.
// When the script is exhausted, further turns produce an empty done.
func NewScriptClient(turns ...[]StreamEvent) *ScriptClient {
	return &ScriptClient{turns: turns, model: "script-1"}
}

// TextTurn is a convenience: a turn streaming the chunks then a clean done.
func TextTurn(chunks ...string) []StreamEvent {
	events := make([]StreamEvent, 0, len(chunks)+1)
	for _, c := range chunks {
		events = append(events, StreamEvent{Type: EventTextDelta, Text: c})
	}
	events = append(events, StreamEvent{
		Type:       EventDone,
		StopReason: StopEndTurn,
		Usage:      &Usage{InputTokens: 10, OutputTokens: len(chunks)},
	})
	return events
}

// ToolTurn is a convenience: a turn requesting one tool call.
func ToolTurn(callID, name string, args map[string]any) []StreamEvent {
	return []StreamEvent{
		{Type: EventToolCallEnd, ToolCall: &ToolCall{ID: callID, Name: name, Arguments: args}},
		{Type: EventDone, StopReason: StopToolUse, Usage: &Usage{InputTokens: 10, OutputTokens: 5}},
	}
}

func (s *ScriptClient) Name() string         { return "script" }
func (s *ScriptClient) DefaultModel() string { return s.model }

// Calls returns the requests seen so far.
func (s *ScriptClient) Calls() []StreamRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StreamRequest, len(s.calls))
	copy(out, s.calls)
	return out
}

// Stream replays the next scripted turn. Delivery honors ctx
// cancellation between events, mirroring a real streaming read.
func (s *ScriptClient) Stream(ctx context.Context, req StreamRequest) (<-chan StreamEvent, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	var turn []StreamEvent
	if len(s.turns) > 0 {
		turn = s.turns[0]
		s.turns = s.turns[1:]
	} else {
		turn = []StreamEvent{{Type: EventDone, StopReason: StopEndTurn, Usage: &Usage{}}}
	}
	s.mu.Unlock()

	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		for _, ev := range turn {
			select {
			case <-ctx.Done():
				return
			case out <- ev:
			}
		}
	}()
	return out, nil
}
