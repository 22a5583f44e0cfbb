package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opengate-ai/opengate/internal/bus"
	"github.com/opengate-ai/opengate/internal/hooks"
	"github.com/opengate-ai/opengate/internal/providers"
	"github.com/opengate-ai/opengate/internal/scheduler"
	"github.com/opengate-ai/opengate/internal/sessions"
	"github.com/opengate-ai/opengate/internal/tools"
	"github.com/opengate-ai/opengate/pkg/protocol"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// maxTurns bounds the tool-use loop within one run.
const maxTurns = 24

// TurnRequest describes one chat run.
type TurnRequest struct {
	RunID      string
	SessionKey string
	Message    string
	Images     []providers.Image
	// Model overrides the session's model for this run only.
	Model string
	// PromptOverride is appended after bootstrap content and skills.
	PromptOverride string
	// SkillAllowList filters the skill section; nil allows all.
	SkillAllowList []string
}

// TurnResult is the outcome of a completed (non-aborted) run.
type TurnResult struct {
	Content    string
	StopReason string
	Usage      providers.Usage
	// Silent is set when the model answered with the no-reply token;
	// Content is cleared so delivery is suppressed.
	Silent bool
}

// Runner executes chat runs against live sessions. One Runner serves
// all sessions; per-session serialization is the queue's job.
type Runner struct {
	Pool     *Pool
	Store    *sessions.Store
	Hooks    *hooks.Registry
	Prompt   *PromptBuilder
	Events   bus.EventPublisher
	Aborts   *scheduler.AbortRegistry
	Tools    *tools.Registry
	Client   providers.StreamClient
	Tracer   trace.Tracer
	MaxTok   int
	Temp     float64
	Coalesce time.Duration
}

func (r *Runner) tracer() trace.Tracer {
	if r.Tracer != nil {
		return r.Tracer
	}
	return noop.NewTracerProvider().Tracer("agent")
}

func (r *Runner) publish(name string, payload any) {
	if r.Events != nil {
		r.Events.Broadcast(bus.Event{Name: name, Payload: payload})
	}
}

// RunTurn executes one run: prompt assembly, the LLM/tool loop, and
// transcript persistence. An aborted run emits chat.aborted and returns
// (nil, nil); an LLM failure emits chat.error and returns the error.
func (r *Runner) RunTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	ctx, span := r.tracer().Start(ctx, "agent.run",
		trace.WithAttributes(
			attribute.String("run.id", req.RunID),
			attribute.String("session.key", req.SessionKey),
		))
	defer span.End()

	entry, err := r.Store.Ensure(req.SessionKey, nil)
	if err != nil {
		return nil, fmt.Errorf("ensure session %s: %w", req.SessionKey, err)
	}

	model := entry.Model
	if model == "" {
		model = r.Client.DefaultModel()
	}
	if req.Model != "" {
		model = req.Model
	}

	sess := r.Pool.Acquire(entry.SessionID, req.SessionKey, r.Client, model, r.Tools)

	hookPayload := map[string]any{
		"sessionKey": req.SessionKey,
		"sessionId":  entry.SessionID,
		"runId":      req.RunID,
		"model":      model,
	}
	r.Hooks.Fire(ctx, hooks.EventSessionStart, hookPayload)
	r.Hooks.Fire(ctx, hooks.EventBeforePromptBuild, hookPayload)
	r.Hooks.Fire(ctx, hooks.EventBeforeModelResolve, hookPayload)
	if m, ok := hookPayload["model"].(string); ok && m != "" {
		model = m
	}

	msgs, prompt, stale, reg, client, boundModel := sess.snapshot()
	if req.Model == "" && boundModel != "" {
		model = boundModel
	}
	if stale || req.PromptOverride != "" {
		prompt = r.Prompt.Build(ctx, req.SessionKey, req.SkillAllowList, req.PromptOverride)
		sess.SetSystemPrompt(prompt)
	}

	overrides := hooks.MergeAgentStart(r.Hooks.Fire(ctx, hooks.EventBeforeAgentStart, hookPayload))
	if overrides.HasPrompt {
		prompt = overrides.SystemPrompt
		sess.SetSystemPrompt(prompt)
	}
	if overrides.PrependContext != "" {
		prompt = overrides.PrependContext + "\n\n" + prompt
	}

	r.publish(protocol.EventChatStarted, protocol.ChatStartedPayload{
		RunID:      req.RunID,
		SessionKey: req.SessionKey,
	})

	deltas := scheduler.NewCoalescer(r.Coalesce, func(text string) {
		if r.Aborts != nil && r.Aborts.IsAborted(req.RunID) {
			return
		}
		r.publish(protocol.EventChatDelta, protocol.ChatDeltaPayload{RunID: req.RunID, Text: text})
	})
	thinking := scheduler.NewCoalescer(r.Coalesce, func(text string) {
		if r.Aborts != nil && r.Aborts.IsAborted(req.RunID) {
			return
		}
		r.publish(protocol.EventChatThinking, protocol.ChatDeltaPayload{RunID: req.RunID, Text: text})
	})
	defer deltas.Stop()
	defer thinking.Stop()

	userMsg := providers.Message{Role: "user", Content: req.Message, Images: req.Images}
	messages := append(filterOrphanToolMessages(msgs), userMsg)

	// New messages are buffered and written to the session only after
	// the run completes, so concurrent readers never see a half-run.
	pending := []providers.Message{userMsg}

	var totalUsage providers.Usage
	var finalContent, stopReason string

	for turn := 0; turn < maxTurns; turn++ {
		if err := ctx.Err(); err != nil {
			return r.aborted(req), nil
		}

		llmPayload := map[string]any{"messages": messages, "model": model, "runId": req.RunID}
		r.Hooks.Fire(ctx, hooks.EventLLMInput, llmPayload)
		if mutated, ok := llmPayload["messages"].([]providers.Message); ok {
			messages = mutated
		}

		streamReq := providers.StreamRequest{
			SystemPrompt: prompt,
			Messages:     messages,
			Tools:        reg.Definitions(),
			Model:        model,
			MaxTokens:    r.MaxTok,
			Temperature:  r.Temp,
			SessionID:    entry.SessionID,
		}

		events, err := client.Stream(ctx, streamReq)
		if err != nil {
			return nil, r.failRun(req, fmt.Errorf("llm stream: %w", err))
		}

		var turnCalls []providers.ToolCall
		var turnText string
		var done *providers.StreamEvent

	stream:
		for {
			select {
			case <-ctx.Done():
				return r.aborted(req), nil
			case ev, ok := <-events:
				if !ok {
					break stream
				}
				switch ev.Type {
				case providers.EventTextDelta:
					turnText += ev.Text
					deltas.Push(ev.Text)
				case providers.EventThinkingDelta:
					thinking.Push(ev.Text)
				case providers.EventToolCallEnd:
					if ev.ToolCall != nil {
						turnCalls = append(turnCalls, *ev.ToolCall)
					}
				case providers.EventDone:
					done = &ev
					r.Hooks.Fire(ctx, hooks.EventLLMOutput, map[string]any{
						"runId": req.RunID, "stopReason": ev.StopReason, "usage": ev.Usage,
					})
				case providers.EventError:
					return nil, r.failRun(req, &RunError{Message: ev.ErrMessage, Reason: ev.ErrReason})
				}
			}
		}

		if done == nil {
			return nil, r.failRun(req, errors.New("llm stream ended without done event"))
		}
		if done.Usage != nil {
			totalUsage.InputTokens += done.Usage.InputTokens
			totalUsage.OutputTokens += done.Usage.OutputTokens
		}
		stopReason = done.StopReason

		if done.StopReason != providers.StopToolUse || len(turnCalls) == 0 {
			finalContent = turnText
			break
		}

		// Assistant message with tool calls is persisted before its
		// results so the transcript pairing holds.
		assistantMsg := providers.Message{Role: "assistant", Content: turnText, ToolCalls: turnCalls}
		messages = append(messages, assistantMsg)
		pending = append(pending, assistantMsg)

		toolMsgs, err := r.executeToolCalls(ctx, req, reg, turnCalls)
		if err != nil {
			return r.aborted(req), nil
		}
		messages = append(messages, toolMsgs...)
		pending = append(pending, toolMsgs...)
	}

	deltas.Stop()
	thinking.Stop()

	finalContent = SanitizeAssistantContent(finalContent)
	silent := IsSilentReply(finalContent)
	if silent {
		slog.Info("agent.silent_reply", "session", req.SessionKey, "run", req.RunID)
	}

	assistantMsg := providers.Message{Role: "assistant", Content: finalContent}
	r.Hooks.Fire(ctx, hooks.EventBeforeMessageWrite, map[string]any{
		"runId": req.RunID, "role": "assistant", "content": finalContent,
	})
	pending = append(pending, assistantMsg)
	sess.Append(pending...)

	if _, err := r.Store.Update(req.SessionKey, func(e *sessions.Entry) {
		e.AddUsage(int64(totalUsage.InputTokens), int64(totalUsage.OutputTokens))
		e.Model = model
		e.ModelProvider = client.Name()
	}); err != nil {
		slog.Warn("agent.store_update_failed", "session", req.SessionKey, "error", err)
	}

	r.Hooks.Fire(ctx, hooks.EventAgentEnd, hookPayload)
	r.Hooks.Fire(ctx, hooks.EventSessionEnd, hookPayload)

	result := &TurnResult{Content: finalContent, StopReason: stopReason, Usage: totalUsage, Silent: silent}
	if silent {
		result.Content = ""
	}

	r.publish(protocol.EventChatFinal, protocol.ChatFinalPayload{
		RunID:      req.RunID,
		SessionKey: req.SessionKey,
		Message:    protocol.ChatMessage{Role: "assistant", Content: result.Content},
		Usage:      protocol.ChatUsage{Input: totalUsage.InputTokens, Output: totalUsage.OutputTokens},
		StopReason: stopReason,
	})
	return result, nil
}

// executeToolCalls runs a turn's tool calls sequentially, firing hooks
// and events around each. Returns ctx.Err when aborted mid-way.
func (r *Runner) executeToolCalls(ctx context.Context, req TurnRequest, reg *tools.Registry, calls []providers.ToolCall) ([]providers.Message, error) {
	var out []providers.Message
	for _, tc := range calls {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		r.Hooks.Fire(ctx, hooks.EventBeforeToolCall, map[string]any{
			"runId": req.RunID, "toolCallId": tc.ID, "name": tc.Name, "arguments": tc.Arguments,
		})
		r.publish(protocol.EventChatToolStart, protocol.ChatToolStartPayload{
			RunID: req.RunID, ToolCallID: tc.ID, Name: tc.Name, Arguments: tc.Arguments,
		})

		toolCtx, span := r.tracer().Start(ctx, "agent.tool",
			trace.WithAttributes(attribute.String("tool.name", tc.Name)))
		start := time.Now()
		result := reg.Execute(toolCtx, tc.Name, tc.ID, tc.Arguments, nil)
		span.End()

		if result.IsError {
			slog.Warn("agent.tool_error", "tool", tc.Name, "run", req.RunID, "error", truncate(result.Text(), 200))
		} else {
			slog.Debug("agent.tool_done", "tool", tc.Name, "run", req.RunID, "took", time.Since(start))
		}

		r.Hooks.Fire(ctx, hooks.EventAfterToolCall, map[string]any{
			"runId": req.RunID, "toolCallId": tc.ID, "name": tc.Name, "isError": result.IsError,
		})
		r.Hooks.Fire(ctx, hooks.EventToolResultPersist, map[string]any{
			"runId": req.RunID, "toolCallId": tc.ID, "result": result,
		})
		r.publish(protocol.EventChatToolEnd, protocol.ChatToolEndPayload{
			RunID: req.RunID, ToolCallID: tc.ID, Result: result.Text(), IsError: result.IsError,
		})

		out = append(out, providers.Message{
			Role:       "tool",
			Content:    result.Text(),
			ToolCallID: tc.ID,
		})
	}
	return out, nil
}

func (r *Runner) aborted(req TurnRequest) *TurnResult {
	r.publish(protocol.EventChatAborted, protocol.ChatAbortedPayload{RunID: req.RunID})
	return nil
}

func (r *Runner) failRun(req TurnRequest, err error) error {
	var re *RunError
	reason := "llm_error"
	msg := err.Error()
	if errors.As(err, &re) {
		reason = re.Reason
		msg = re.Message
	}
	r.publish(protocol.EventChatError, protocol.ChatErrorPayload{
		RunID: req.RunID, Message: msg, Reason: reason,
	})
	return err
}

// RunError is a typed LLM failure surfaced as chat.error.
type RunError struct {
	Message string
	Reason  string
}

func (e *RunError) Error() string { return e.Message }

// filterOrphanToolMessages drops tool messages whose tool_call_id does
// not match a call id in the preceding assistant message. Providers
// that require strict ID pairing reject such transcripts.
func filterOrphanToolMessages(msgs []providers.Message) []providers.Message {
	out := make([]providers.Message, 0, len(msgs))
	var lastCallIDs map[string]bool
	for _, m := range msgs {
		switch m.Role {
		case "assistant":
			lastCallIDs = nil
			if len(m.ToolCalls) > 0 {
				lastCallIDs = make(map[string]bool, len(m.ToolCalls))
				for _, tc := range m.ToolCalls {
					lastCallIDs[tc.ID] = true
				}
			}
			out = append(out, m)
		case "tool":
			if lastCallIDs != nil && lastCallIDs[m.ToolCallID] {
				out = append(out, m)
			}
		default:
			lastCallIDs = nil
			out = append(out, m)
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
