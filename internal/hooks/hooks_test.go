package hooks

import (
	"context"
	"errors"
	"testing"
)

func TestFireOrderAndErrorIsolation(t *testing.T) {
	r := NewRegistry()
	var order []string
	r.Register(EventSessionStart, "first", func(ctx context.Context, p map[string]any) (Result, error) {
		order = append(order, "first")
		return Result{"n": 1}, nil
	})
	r.Register(EventSessionStart, "broken", func(ctx context.Context, p map[string]any) (Result, error) {
		order = append(order, "broken")
		return nil, errors.New("boom")
	})
	r.Register(EventSessionStart, "last", func(ctx context.Context, p map[string]any) (Result, error) {
		order = append(order, "last")
		return Result{"n": 2}, nil
	})

	results := r.Fire(context.Background(), EventSessionStart, map[string]any{})
	if len(order) != 3 || order[0] != "first" || order[1] != "broken" || order[2] != "last" {
		t.Fatalf("dispatch order = %v", order)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2 (error handler skipped)", len(results))
	}
}

func TestFireMutatesSharedPayload(t *testing.T) {
	r := NewRegistry()
	r.Register(EventLLMInput, "tagger", func(ctx context.Context, p map[string]any) (Result, error) {
		p["tag"] = "x"
		return nil, nil
	})
	payload := map[string]any{}
	r.Fire(context.Background(), EventLLMInput, payload)
	if payload["tag"] != "x" {
		t.Fatalf("payload not mutated: %v", payload)
	}
}

func TestMergeAgentStart(t *testing.T) {
	results := []Result{
		{"prependContext": "a"},
		{"systemPrompt": "p1"},
		{"prependContext": "b", "systemPrompt": "p2"},
	}
	merged := MergeAgentStart(results)
	if merged.PrependContext != "a\n\nb" {
		t.Fatalf("prependContext = %q", merged.PrependContext)
	}
	if !merged.HasPrompt || merged.SystemPrompt != "p2" {
		t.Fatalf("systemPrompt = %q (has=%v), want last one", merged.SystemPrompt, merged.HasPrompt)
	}
}

func TestMergeAgentStartEmpty(t *testing.T) {
	merged := MergeAgentStart(nil)
	if merged.HasPrompt || merged.PrependContext != "" {
		t.Fatalf("expected zero overrides, got %+v", merged)
	}
}
