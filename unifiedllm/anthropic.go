package unifiedllm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	anthropicBaseURL    = "https://api.anthropic.com"
	anthropicAPIVersion = "2023-06-01"
)

// AnthropicProvider streams responses from the Anthropic Messages API.
type AnthropicProvider struct {
	httpClient *http.Client
	baseURL    string
}

// NewAnthropicProvider creates an AnthropicProvider with default transport.
func NewAnthropicProvider() *AnthropicProvider {
	return &AnthropicProvider{httpClient: &http.Client{}, baseURL: anthropicBaseURL}
}

// Stream implements StreamProvider.
func (p *AnthropicProvider) Stream(ctx context.Context, config StreamConfig, events chan<- StreamEvent) (*Message, error) {
	baseURL := p.baseURL
	if config.ModelConfig != nil && config.ModelConfig.BaseURL != "" {
		baseURL = config.ModelConfig.BaseURL
	}

	body, err := json.Marshal(buildAnthropicBody(&config))
	if err != nil {
		return nil, &APIError{ProviderError: ProviderError{Provider: "anthropic", Message: "encode request", Cause: err}}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, &NetworkError{ProviderError: ProviderError{Provider: "anthropic", Message: err.Error(), Cause: err}}
	}
	req.Header.Set("x-api-key", config.APIKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
	req.Header.Set("content-type", "application/json")
	if config.ModelConfig != nil {
		for k, v := range config.ModelConfig.Headers {
			req.Header.Set(k, v)
		}
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("anthropic stream: %w", ErrCancelled)
		}
		return nil, &NetworkError{ProviderError: ProviderError{Provider: "anthropic", Message: err.Error(), Cause: err}}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, ClassifyHTTPStatus("anthropic", resp.StatusCode, apiErrorText(payload), retryAfterHeader(resp))
	}

	return p.consumeStream(ctx, &config, resp.Body, events)
}

// consumeStream reads the SSE body and assembles the assistant message.
func (p *AnthropicProvider) consumeStream(ctx context.Context, config *StreamConfig, body io.Reader, events chan<- StreamEvent) (*Message, error) {
	var content []Content
	var usage Usage
	stopReason := StopReasonStop
	argBuffers := map[int][]byte{}
	var streamErr *Message

	sendEvent(ctx, events, StreamEvent{Type: StreamStart})

	err := readSSE(ctx, body, func(ev SSEEvent) error {
		switch ev.Event {
		case "message_start":
			var data anthropicMessageStart
			if json.Unmarshal([]byte(ev.Data), &data) == nil {
				usage.Input = data.Message.Usage.InputTokens
				usage.CacheRead = data.Message.Usage.CacheReadInputTokens
				usage.CacheWrite = data.Message.Usage.CacheCreationInputTokens
				u := usage
				sendEvent(ctx, events, StreamEvent{Type: StreamInputUsage, Usage: &u})
			}
		case "content_block_start":
			var data anthropicBlockStart
			if json.Unmarshal([]byte(ev.Data), &data) != nil {
				return nil
			}
			idx := data.Index
			for len(content) <= idx {
				content = append(content, Content{})
			}
			switch data.ContentBlock.Type {
			case "text":
				content[idx] = TextContent("")
			case "thinking":
				content[idx] = ThinkingContent("", "")
			case "tool_use":
				content[idx] = ToolCallContent(data.ContentBlock.ID, data.ContentBlock.Name, nil)
				sendEvent(ctx, events, StreamEvent{
					Type:         StreamToolCallStart,
					ContentIndex: idx,
					ToolCallID:   data.ContentBlock.ID,
					ToolCallName: data.ContentBlock.Name,
				})
			}
		case "content_block_delta":
			var data anthropicBlockDelta
			if json.Unmarshal([]byte(ev.Data), &data) != nil {
				return nil
			}
			idx := data.Index
			if idx >= len(content) {
				return nil
			}
			switch data.Delta.Type {
			case "text_delta":
				content[idx].Text += data.Delta.Text
				sendEvent(ctx, events, StreamEvent{Type: StreamTextDelta, ContentIndex: idx, Delta: data.Delta.Text})
			case "thinking_delta":
				content[idx].Thinking += data.Delta.Thinking
				sendEvent(ctx, events, StreamEvent{Type: StreamThinkingDelta, ContentIndex: idx, Delta: data.Delta.Thinking})
			case "signature_delta":
				content[idx].Signature = data.Delta.Signature
			case "input_json_delta":
				argBuffers[idx] = append(argBuffers[idx], data.Delta.PartialJSON...)
				sendEvent(ctx, events, StreamEvent{Type: StreamToolCallDelta, ContentIndex: idx, Delta: data.Delta.PartialJSON})
			}
		case "content_block_stop":
			var data struct {
				Index int `json:"index"`
			}
			if json.Unmarshal([]byte(ev.Data), &data) != nil {
				return nil
			}
			if buf, ok := argBuffers[data.Index]; ok && data.Index < len(content) {
				args := json.RawMessage(buf)
				if !json.Valid(args) {
					args = json.RawMessage("{}")
				}
				content[data.Index].Arguments = args
				sendEvent(ctx, events, StreamEvent{Type: StreamToolCallEnd, ContentIndex: data.Index})
			}
		case "message_delta":
			var data anthropicMessageDelta
			if json.Unmarshal([]byte(ev.Data), &data) == nil {
				switch data.Delta.StopReason {
				case "tool_use":
					stopReason = StopReasonToolUse
				case "max_tokens":
					stopReason = StopReasonLength
				default:
					stopReason = StopReasonStop
				}
				usage.Output = data.Usage.OutputTokens
			}
		case "message_stop":
			return stopStream{}
		case "error":
			streamErr = streamErrorMessage(config, "anthropic", ev.Data, usage)
			return stopStream{}
		case "ping":
		}
		return nil
	})

	if err != nil && !errors.As(err, &stopStream{}) {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("anthropic stream: %w", ErrCancelled)
		}
		return nil, &NetworkError{ProviderError: ProviderError{Provider: "anthropic", Message: err.Error(), Cause: err}}
	}

	if streamErr != nil {
		sendEvent(ctx, events, StreamEvent{Type: StreamFailed, Message: streamErr})
		return streamErr, nil
	}

	// Tool call blocks may arrive without a trailing arguments buffer.
	for i := range content {
		if content[i].Type == ContentToolCall && content[i].Arguments == nil {
			content[i].Arguments = json.RawMessage("{}")
		}
		if content[i].Type == ContentToolCall {
			stopReason = StopReasonToolUse
		}
	}

	usage.TotalTokens = usage.Input + usage.Output + usage.CacheRead + usage.CacheWrite
	message := AssistantMessage(content, stopReason, config.Model, "anthropic", usage)
	final := usage
	sendEvent(ctx, events, StreamEvent{Type: StreamDone, Usage: &final, Message: message})
	return message, nil
}

// buildAnthropicBody translates a StreamConfig into a Messages API request.
func buildAnthropicBody(config *StreamConfig) map[string]any {
	bp := PlaceBreakpoints(config.Cache, len(config.Messages))
	cacheControl := map[string]any{"type": "ephemeral"}

	var messages []map[string]any
	for i, msg := range config.Messages {
		var entry map[string]any
		switch msg.Role {
		case RoleUser:
			entry = map[string]any{"role": "user", "content": contentToAnthropic(msg.Content)}
		case RoleAssistant:
			entry = map[string]any{"role": "assistant", "content": contentToAnthropic(msg.Content)}
		case RoleToolResult:
			entry = map[string]any{
				"role": "user",
				"content": []map[string]any{{
					"type":        "tool_result",
					"tool_use_id": msg.ToolCallID,
					"content":     msg.TextContent(),
					"is_error":    msg.IsError,
				}},
			}
		default:
			continue
		}
		if i == bp.MessageIndex {
			if blocks, ok := entry["content"].([]map[string]any); ok && len(blocks) > 0 {
				blocks[len(blocks)-1]["cache_control"] = cacheControl
			}
		}
		messages = append(messages, entry)
	}

	maxTokens := config.MaxTokens
	if maxTokens == 0 {
		maxTokens = 8192
		if config.ModelConfig != nil && config.ModelConfig.MaxTokens > 0 {
			maxTokens = config.ModelConfig.MaxTokens
		}
	}

	body := map[string]any{
		"model":      config.Model,
		"max_tokens": maxTokens,
		"stream":     true,
		"messages":   messages,
	}

	if config.SystemPrompt != "" {
		system := map[string]any{"type": "text", "text": config.SystemPrompt}
		if bp.System {
			system["cache_control"] = cacheControl
		}
		body["system"] = []map[string]any{system}
	}

	if len(config.Tools) > 0 {
		tools := make([]map[string]any, len(config.Tools))
		for i, t := range config.Tools {
			tools[i] = map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": t.Parameters,
			}
		}
		if bp.Tools {
			tools[len(tools)-1]["cache_control"] = cacheControl
		}
		body["tools"] = tools
	}

	if config.ThinkingLevel != "" && config.ThinkingLevel != ThinkingOff {
		body["thinking"] = map[string]any{
			"type":          "enabled",
			"budget_tokens": config.ThinkingLevel.BudgetTokens(),
		}
	}

	if config.Temperature >= 0 {
		body["temperature"] = config.Temperature
	}

	return body
}

func contentToAnthropic(content []Content) []map[string]any {
	var out []map[string]any
	for _, c := range content {
		switch c.Type {
		case ContentText:
			out = append(out, map[string]any{"type": "text", "text": c.Text})
		case ContentImage:
			out = append(out, map[string]any{
				"type":   "image",
				"source": map[string]any{"type": "base64", "media_type": c.MimeType, "data": c.Data},
			})
		case ContentThinking:
			out = append(out, map[string]any{
				"type":      "thinking",
				"thinking":  c.Thinking,
				"signature": c.Signature,
			})
		case ContentToolCall:
			args := c.Arguments
			if args == nil {
				args = json.RawMessage("{}")
			}
			out = append(out, map[string]any{
				"type":  "tool_use",
				"id":    c.ID,
				"name":  c.Name,
				"input": args,
			})
		}
	}
	return out
}

// streamErrorMessage finalizes a mid-stream vendor error as an assistant
// message with an error stop reason, so overflow classification still
// applies at the stream-event level.
func streamErrorMessage(config *StreamConfig, provider, detail string, usage Usage) *Message {
	msg := ErrorMessageFor(config.Model, provider, detail)
	msg.Usage = usage
	return msg
}

// apiErrorText extracts the error message from a vendor error payload,
// falling back to the raw body.
func apiErrorText(payload []byte) string {
	var wrapper struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(payload, &wrapper) == nil && wrapper.Error.Message != "" {
		return wrapper.Error.Message
	}
	return string(payload)
}

// retryAfterHeader parses a Retry-After header as a delay.
func retryAfterHeader(resp *http.Response) time.Duration {
	value := resp.Header.Get("Retry-After")
	if value == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return 0
}

// Anthropic SSE payload shapes.

type anthropicUsage struct {
	InputTokens              uint64 `json:"input_tokens"`
	OutputTokens             uint64 `json:"output_tokens"`
	CacheCreationInputTokens uint64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     uint64 `json:"cache_read_input_tokens"`
}

type anthropicMessageStart struct {
	Message struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
}

type anthropicBlockStart struct {
	Index        int `json:"index"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
}

type anthropicBlockDelta struct {
	Index int `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		Signature   string `json:"signature"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
}

type anthropicMessageDelta struct {
	Delta struct {
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage anthropicUsage `json:"usage"`
}
