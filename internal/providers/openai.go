package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAIClient speaks the OpenAI-compatible chat completions protocol
// (OpenAI, OpenRouter, Groq, DeepSeek, vLLM, ...). It is the default
// StreamClient implementation.
type OpenAIClient struct {
	name         string
	apiKey       string
	apiBase      string
	defaultModel string
	client       *http.Client

	maxRetries int
	baseDelay  time.Duration
}

// NewOpenAIClient creates a client for an OpenAI-compatible endpoint.
// Empty apiBase defaults to the OpenAI API.
func NewOpenAIClient(name, apiKey, apiBase, defaultModel string) *OpenAIClient {
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	return &OpenAIClient{
		name:         name,
		apiKey:       apiKey,
		apiBase:      strings.TrimRight(apiBase, "/"),
		defaultModel: defaultModel,
		client:       &http.Client{Timeout: 300 * time.Second},
		maxRetries:   3,
		baseDelay:    time.Second,
	}
}

func (p *OpenAIClient) Name() string         { return p.name }
func (p *OpenAIClient) DefaultModel() string { return p.defaultModel }

// Stream opens a streaming completion and converts the SSE chunks into
// the typed event sequence. Only the connection phase is retried; once
// bytes flow, failures surface as an error event.
func (p *OpenAIClient) Stream(ctx context.Context, req StreamRequest) (<-chan StreamEvent, error) {
	body := p.buildRequestBody(req)

	respBody, err := p.connectWithRetry(ctx, body)
	if err != nil {
		return nil, err
	}

	events := make(chan StreamEvent)
	go func() {
		defer close(events)
		defer respBody.Close()
		p.consume(ctx, respBody, events)
	}()
	return events, nil
}

func (p *OpenAIClient) connectWithRetry(ctx context.Context, body map[string]any) (io.ReadCloser, error) {
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			delay := p.baseDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		rc, retryable, err := p.doRequest(ctx, body)
		if err == nil {
			return rc, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	return nil, lastErr
}

func (p *OpenAIClient) doRequest(ctx context.Context, body map[string]any) (io.ReadCloser, bool, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, false, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, false, fmt.Errorf("%s: create request: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, true, fmt.Errorf("%s: request failed: %w", p.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, retryable, fmt.Errorf("%s: HTTP %d: %s", p.name, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp.Body, false, nil
}

type oaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			ToolCalls        []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type toolCallAcc struct {
	id      string
	name    string
	rawArgs string
}

func (p *OpenAIClient) consume(ctx context.Context, respBody io.Reader, events chan<- StreamEvent) {
	accumulators := make(map[int]*toolCallAcc)
	var maxIndex int
	finishReason := ""
	var usage *Usage

	emit := func(ev StreamEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk oaiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}

		if chunk.Usage != nil {
			usage = &Usage{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens}
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.Delta.ReasoningContent != "" {
			if !emit(StreamEvent{Type: EventThinkingDelta, Text: choice.Delta.ReasoningContent}) {
				return
			}
		}
		if choice.Delta.Content != "" {
			if !emit(StreamEvent{Type: EventTextDelta, Text: choice.Delta.Content}) {
				return
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			acc, ok := accumulators[tc.Index]
			if !ok {
				acc = &toolCallAcc{id: tc.ID}
				accumulators[tc.Index] = acc
				if tc.Index > maxIndex {
					maxIndex = tc.Index
				}
			}
			if tc.ID != "" {
				acc.id = tc.ID
			}
			if tc.Function.Name != "" {
				acc.name = strings.TrimSpace(tc.Function.Name)
			}
			acc.rawArgs += tc.Function.Arguments
		}
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		emit(StreamEvent{Type: EventError, ErrMessage: err.Error(), ErrReason: "stream_read"})
		return
	}

	// Completed tool calls are emitted after the stream closes, once
	// their argument fragments are whole.
	for i := 0; i <= maxIndex; i++ {
		acc, ok := accumulators[i]
		if !ok {
			continue
		}
		args := make(map[string]any)
		_ = json.Unmarshal([]byte(acc.rawArgs), &args)
		if !emit(StreamEvent{Type: EventToolCallEnd, ToolCall: &ToolCall{ID: acc.id, Name: acc.name, Arguments: args}}) {
			return
		}
	}

	stop := StopEndTurn
	switch {
	case len(accumulators) > 0 || finishReason == "tool_calls":
		stop = StopToolUse
	case finishReason == "length":
		stop = StopMaxTokens
	}
	emit(StreamEvent{Type: EventDone, StopReason: stop, Usage: usage})
}

// buildRequestBody converts the internal message shape to the OpenAI
// wire format: tool_calls gain the type+function wrapper with arguments
// as a JSON string, and images become data-URI content parts.
func (p *OpenAIClient) buildRequestBody(req StreamRequest) map[string]any {
	msgs := make([]map[string]any, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, map[string]any{"role": "system", "content": req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msg := map[string]any{"role": m.Role}

		if m.Role == "user" && len(m.Images) > 0 {
			var parts []map[string]any
			for _, img := range m.Images {
				parts = append(parts, map[string]any{
					"type": "image_url",
					"image_url": map[string]any{
						"url": fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Data),
					},
				})
			}
			if m.Content != "" {
				parts = append(parts, map[string]any{"type": "text", "text": m.Content})
			}
			msg["content"] = parts
		} else if m.Content != "" || len(m.ToolCalls) == 0 {
			msg["content"] = m.Content
		}

		if len(m.ToolCalls) > 0 {
			toolCalls := make([]map[string]any, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				argsJSON, _ := json.Marshal(tc.Arguments)
				toolCalls[i] = map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name":      tc.Name,
						"arguments": string(argsJSON),
					},
				}
			}
			msg["tool_calls"] = toolCalls
		}
		if m.ToolCallID != "" {
			msg["tool_call_id"] = m.ToolCallID
		}
		msgs = append(msgs, msg)
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	body := map[string]any{
		"model":          model,
		"messages":       msgs,
		"stream":         true,
		"stream_options": map[string]any{"include_usage": true},
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, len(req.Tools))
		for i, t := range req.Tools {
			tools[i] = map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.Parameters,
				},
			}
		}
		body["tools"] = tools
		body["tool_choice"] = "auto"
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	return body
}
