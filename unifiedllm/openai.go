package unifiedllm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// OpenAICompatProvider streams responses from any vendor implementing the
// OpenAI Chat Completions API. Behavioral differences between vendors are
// handled via OpenAICompat flags on the ModelConfig, never by matching
// provider name strings.
type OpenAICompatProvider struct {
	httpClient *http.Client
}

// NewOpenAICompatProvider creates an OpenAICompatProvider with default
// transport.
func NewOpenAICompatProvider() *OpenAICompatProvider {
	return &OpenAICompatProvider{httpClient: &http.Client{}}
}

// Stream implements StreamProvider.
func (p *OpenAICompatProvider) Stream(ctx context.Context, config StreamConfig, events chan<- StreamEvent) (*Message, error) {
	model := config.ModelConfig
	if model == nil {
		fallback := OpenAIModel(config.Model, config.Model)
		model = &fallback
	}
	provider := model.Provider
	compat := model.compatOrDefault()

	body, err := json.Marshal(buildOpenAIBody(&config, model, compat))
	if err != nil {
		return nil, &APIError{ProviderError: ProviderError{Provider: provider, Message: "encode request", Cause: err}}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, model.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &NetworkError{ProviderError: ProviderError{Provider: provider, Message: err.Error(), Cause: err}}
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("authorization", "Bearer "+config.APIKey)
	for k, v := range model.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s stream: %w", provider, ErrCancelled)
		}
		return nil, &NetworkError{ProviderError: ProviderError{Provider: provider, Message: err.Error(), Cause: err}}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, ClassifyHTTPStatus(provider, resp.StatusCode, apiErrorText(payload), retryAfterHeader(resp))
	}

	return p.consumeStream(ctx, &config, provider, compat, resp.Body, events)
}

// toolCallBuffer accumulates one streamed tool call by choice index.
type toolCallBuffer struct {
	id   string
	name string
	args []byte
}

func (p *OpenAICompatProvider) consumeStream(ctx context.Context, config *StreamConfig, provider string, compat OpenAICompat, body io.Reader, events chan<- StreamEvent) (*Message, error) {
	var content []Content
	var usage Usage
	var sentInputUsage bool
	stopReason := StopReasonStop
	var buffers []*toolCallBuffer
	textIndex, thinkingIndex := -1, -1

	sendEvent(ctx, events, StreamEvent{Type: StreamStart})

	err := readSSE(ctx, body, func(ev SSEEvent) error {
		if ev.Data == "[DONE]" {
			return stopStream{}
		}
		var chunk openAIChunk
		if json.Unmarshal([]byte(ev.Data), &chunk) != nil {
			return nil
		}

		if chunk.Usage != nil {
			usage.Input = chunk.Usage.PromptTokens
			usage.Output = chunk.Usage.CompletionTokens
			usage.TotalTokens = chunk.Usage.TotalTokens
			if chunk.Usage.PromptTokensDetails != nil {
				usage.CacheRead = chunk.Usage.PromptTokensDetails.CachedTokens
			}
			if !sentInputUsage {
				sentInputUsage = true
				u := usage
				sendEvent(ctx, events, StreamEvent{Type: StreamInputUsage, Usage: &u})
			}
		}

		for _, choice := range chunk.Choices {
			delta := choice.Delta

			reasoning := delta.ReasoningContent
			if compat.ThinkingFormat == ThinkingFormatXAI {
				reasoning = delta.Reasoning
			}
			if reasoning != "" {
				if thinkingIndex == -1 {
					content = append(content, ThinkingContent("", ""))
					thinkingIndex = len(content) - 1
				}
				content[thinkingIndex].Thinking += reasoning
				sendEvent(ctx, events, StreamEvent{Type: StreamThinkingDelta, ContentIndex: thinkingIndex, Delta: reasoning})
			}

			if delta.Content != "" {
				if textIndex == -1 {
					content = append(content, TextContent(""))
					textIndex = len(content) - 1
				}
				content[textIndex].Text += delta.Content
				sendEvent(ctx, events, StreamEvent{Type: StreamTextDelta, ContentIndex: textIndex, Delta: delta.Content})
			}

			for _, tc := range delta.ToolCalls {
				for len(buffers) <= tc.Index {
					buffers = append(buffers, &toolCallBuffer{})
				}
				buf := buffers[tc.Index]
				if tc.ID != "" {
					buf.id = tc.ID
				}
				if tc.Function.Name != "" {
					buf.name = tc.Function.Name
					sendEvent(ctx, events, StreamEvent{
						Type:         StreamToolCallStart,
						ContentIndex: len(content) + tc.Index,
						ToolCallID:   buf.id,
						ToolCallName: buf.name,
					})
				}
				if tc.Function.Arguments != "" {
					buf.args = append(buf.args, tc.Function.Arguments...)
					sendEvent(ctx, events, StreamEvent{
						Type:         StreamToolCallDelta,
						ContentIndex: len(content) + tc.Index,
						Delta:        tc.Function.Arguments,
					})
				}
			}

			switch choice.FinishReason {
			case "stop":
				stopReason = StopReasonStop
			case "length":
				stopReason = StopReasonLength
			case "tool_calls":
				stopReason = StopReasonToolUse
			}
		}
		return nil
	})

	if err != nil && !errors.As(err, &stopStream{}) {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s stream: %w", provider, ErrCancelled)
		}
		return nil, &NetworkError{ProviderError: ProviderError{Provider: provider, Message: err.Error(), Cause: err}}
	}

	for _, buf := range buffers {
		args := json.RawMessage(buf.args)
		if !json.Valid(args) {
			args = json.RawMessage("{}")
		}
		content = append(content, ToolCallContent(buf.id, buf.name, args))
		sendEvent(ctx, events, StreamEvent{Type: StreamToolCallEnd, ContentIndex: len(content) - 1})
	}
	if len(buffers) > 0 {
		stopReason = StopReasonToolUse
	}

	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.Input + usage.Output + usage.CacheRead
	}
	message := AssistantMessage(content, stopReason, config.Model, provider, usage)
	final := usage
	sendEvent(ctx, events, StreamEvent{Type: StreamDone, Usage: &final, Message: message})
	return message, nil
}

// buildOpenAIBody translates a StreamConfig into a Chat Completions request.
func buildOpenAIBody(config *StreamConfig, model *ModelConfig, compat OpenAICompat) map[string]any {
	var messages []map[string]any

	if config.SystemPrompt != "" {
		role := "system"
		if compat.SupportsDeveloperRole {
			role = "developer"
		}
		messages = append(messages, map[string]any{"role": role, "content": config.SystemPrompt})
	}

	for _, msg := range config.Messages {
		switch msg.Role {
		case RoleUser:
			messages = append(messages, map[string]any{"role": "user", "content": contentToOpenAI(msg.Content)})
		case RoleAssistant:
			entry := map[string]any{"role": "assistant"}
			var parts []map[string]any
			var toolCalls []map[string]any
			for _, c := range msg.Content {
				switch c.Type {
				case ContentText:
					parts = append(parts, map[string]any{"type": "text", "text": c.Text})
				case ContentToolCall:
					args := string(c.Arguments)
					if args == "" {
						args = "{}"
					}
					toolCalls = append(toolCalls, map[string]any{
						"id":   c.ID,
						"type": "function",
						"function": map[string]any{
							"name":      c.Name,
							"arguments": args,
						},
					})
				}
			}
			if len(parts) > 0 {
				entry["content"] = parts
			}
			if len(toolCalls) > 0 {
				entry["tool_calls"] = toolCalls
			}
			messages = append(messages, entry)
		case RoleToolResult:
			entry := map[string]any{
				"role":         "tool",
				"tool_call_id": msg.ToolCallID,
				"content":      msg.TextContent(),
			}
			if compat.RequiresToolResultName {
				entry["name"] = msg.ToolName
			}
			messages = append(messages, entry)
		}
	}

	maxTokens := config.MaxTokens
	if maxTokens == 0 {
		maxTokens = model.MaxTokens
	}

	body := map[string]any{
		"model":    config.Model,
		"stream":   true,
		"messages": messages,
	}
	if compat.SupportsUsageInStreaming {
		body["stream_options"] = map[string]any{"include_usage": true}
	}

	switch compat.MaxTokensField {
	case MaxTokensFieldMaxCompletionTokens:
		body["max_completion_tokens"] = maxTokens
	default:
		body["max_tokens"] = maxTokens
	}

	if len(config.Tools) > 0 {
		tools := make([]map[string]any, len(config.Tools))
		for i, t := range config.Tools {
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
	}

	if config.ThinkingLevel != "" && config.ThinkingLevel != ThinkingOff && compat.SupportsReasoningEffort {
		body["reasoning_effort"] = config.ThinkingLevel.ReasoningEffort()
	}

	if config.Temperature >= 0 {
		body["temperature"] = config.Temperature
	}

	return body
}

func contentToOpenAI(content []Content) any {
	if len(content) == 1 && content[0].Type == ContentText {
		return content[0].Text
	}
	var parts []map[string]any
	for _, c := range content {
		switch c.Type {
		case ContentText:
			parts = append(parts, map[string]any{"type": "text", "text": c.Text})
		case ContentImage:
			parts = append(parts, map[string]any{
				"type": "image_url",
				"image_url": map[string]any{
					"url": "data:" + c.MimeType + ";base64," + c.Data,
				},
			})
		}
	}
	return parts
}

// OpenAI Chat Completions chunk shapes.

type openAIChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			Reasoning        string `json:"reasoning"`
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
		PromptTokens        uint64 `json:"prompt_tokens"`
		CompletionTokens    uint64 `json:"completion_tokens"`
		TotalTokens         uint64 `json:"total_tokens"`
		PromptTokensDetails *struct {
			CachedTokens uint64 `json:"cached_tokens"`
		} `json:"prompt_tokens_details"`
	} `json:"usage"`
}
