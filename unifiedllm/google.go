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

// GoogleProvider streams responses from the Google Generative AI
// (Gemini) API using streamGenerateContent with alt=sse.
type GoogleProvider struct {
	httpClient *http.Client
}

// NewGoogleProvider creates a GoogleProvider with default transport.
func NewGoogleProvider() *GoogleProvider {
	return &GoogleProvider{httpClient: &http.Client{}}
}

// Stream implements StreamProvider.
func (p *GoogleProvider) Stream(ctx context.Context, config StreamConfig, events chan<- StreamEvent) (*Message, error) {
	model := config.ModelConfig
	if model == nil {
		fallback := GoogleModel(config.Model, config.Model)
		model = &fallback
	}
	provider := model.Provider

	body, err := json.Marshal(buildGoogleBody(&config))
	if err != nil {
		return nil, &APIError{ProviderError: ProviderError{Provider: provider, Message: "encode request", Cause: err}}
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse&key=%s",
		model.BaseURL, config.Model, config.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &NetworkError{ProviderError: ProviderError{Provider: provider, Message: err.Error(), Cause: err}}
	}
	req.Header.Set("content-type", "application/json")
	for k, v := range model.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("google stream: %w", ErrCancelled)
		}
		return nil, &NetworkError{ProviderError: ProviderError{Provider: provider, Message: err.Error(), Cause: err}}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, ClassifyHTTPStatus(provider, resp.StatusCode, apiErrorText(payload), retryAfterHeader(resp))
	}

	var content []Content
	var usage Usage
	var sentInputUsage bool
	stopReason := StopReasonStop
	textIndex := -1

	sendEvent(ctx, events, StreamEvent{Type: StreamStart})

	err = readSSE(ctx, resp.Body, func(ev SSEEvent) error {
		var chunk googleChunk
		if json.Unmarshal([]byte(ev.Data), &chunk) != nil {
			return nil
		}

		for _, candidate := range chunk.Candidates {
			for _, part := range candidate.Content.Parts {
				if part.Text != "" {
					if textIndex == -1 {
						content = append(content, TextContent(""))
						textIndex = len(content) - 1
					}
					content[textIndex].Text += part.Text
					sendEvent(ctx, events, StreamEvent{Type: StreamTextDelta, ContentIndex: textIndex, Delta: part.Text})
				}
				if part.FunctionCall != nil {
					// Gemini delivers function calls whole, not as deltas.
					args := part.FunctionCall.Args
					if args == nil {
						args = json.RawMessage("{}")
					}
					idx := len(content)
					id := fmt.Sprintf("google-fc-%d", idx)
					content = append(content, ToolCallContent(id, part.FunctionCall.Name, args))
					sendEvent(ctx, events, StreamEvent{
						Type:         StreamToolCallStart,
						ContentIndex: idx,
						ToolCallID:   id,
						ToolCallName: part.FunctionCall.Name,
					})
					sendEvent(ctx, events, StreamEvent{Type: StreamToolCallDelta, ContentIndex: idx, Delta: string(args)})
					sendEvent(ctx, events, StreamEvent{Type: StreamToolCallEnd, ContentIndex: idx})
					stopReason = StopReasonToolUse
				}
			}
			switch candidate.FinishReason {
			case "MAX_TOKENS", "RECITATION":
				stopReason = StopReasonLength
			}
		}

		if chunk.UsageMetadata != nil {
			usage.Input = chunk.UsageMetadata.PromptTokenCount
			usage.Output = chunk.UsageMetadata.CandidatesTokenCount
			usage.TotalTokens = chunk.UsageMetadata.TotalTokenCount
			usage.CacheRead = chunk.UsageMetadata.CachedContentTokenCount
			if !sentInputUsage {
				sentInputUsage = true
				u := usage
				sendEvent(ctx, events, StreamEvent{Type: StreamInputUsage, Usage: &u})
			}
		}
		return nil
	})

	if err != nil && !errors.As(err, &stopStream{}) {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("google stream: %w", ErrCancelled)
		}
		return nil, &NetworkError{ProviderError: ProviderError{Provider: provider, Message: err.Error(), Cause: err}}
	}

	message := AssistantMessage(content, stopReason, config.Model, provider, usage)
	final := usage
	sendEvent(ctx, events, StreamEvent{Type: StreamDone, Usage: &final, Message: message})
	return message, nil
}

// buildGoogleBody translates a StreamConfig into a generateContent request.
func buildGoogleBody(config *StreamConfig) map[string]any {
	var contents []map[string]any

	for _, msg := range config.Messages {
		switch msg.Role {
		case RoleUser:
			contents = append(contents, map[string]any{
				"role":  "user",
				"parts": contentToGoogleParts(msg.Content),
			})
		case RoleAssistant:
			contents = append(contents, map[string]any{
				"role":  "model",
				"parts": contentToGoogleParts(msg.Content),
			})
		case RoleToolResult:
			contents = append(contents, map[string]any{
				"role": "user",
				"parts": []map[string]any{{
					"functionResponse": map[string]any{
						"name":     msg.ToolName,
						"response": map[string]any{"result": msg.TextContent()},
					},
				}},
			})
		}
	}

	body := map[string]any{"contents": contents}

	if config.SystemPrompt != "" {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": config.SystemPrompt}},
		}
	}

	if len(config.Tools) > 0 {
		decls := make([]map[string]any, len(config.Tools))
		for i, t := range config.Tools {
			decls[i] = map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			}
		}
		body["tools"] = []map[string]any{{"functionDeclarations": decls}}
	}

	genConfig := map[string]any{}
	if config.MaxTokens > 0 {
		genConfig["maxOutputTokens"] = config.MaxTokens
	}
	if config.Temperature >= 0 {
		genConfig["temperature"] = config.Temperature
	}
	if len(genConfig) > 0 {
		body["generationConfig"] = genConfig
	}

	return body
}

func contentToGoogleParts(content []Content) []map[string]any {
	var parts []map[string]any
	for _, c := range content {
		switch c.Type {
		case ContentText:
			parts = append(parts, map[string]any{"text": c.Text})
		case ContentImage:
			parts = append(parts, map[string]any{
				"inlineData": map[string]any{"mimeType": c.MimeType, "data": c.Data},
			})
		case ContentToolCall:
			args := c.Arguments
			if args == nil {
				args = json.RawMessage("{}")
			}
			parts = append(parts, map[string]any{
				"functionCall": map[string]any{"name": c.Name, "args": args},
			})
		}
	}
	return parts
}

// Google streamGenerateContent chunk shapes.

type googleChunk struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text         string `json:"text"`
				FunctionCall *struct {
					Name string          `json:"name"`
					Args json.RawMessage `json:"args"`
				} `json:"functionCall"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount        uint64 `json:"promptTokenCount"`
		CandidatesTokenCount    uint64 `json:"candidatesTokenCount"`
		TotalTokenCount         uint64 `json:"totalTokenCount"`
		CachedContentTokenCount uint64 `json:"cachedContentTokenCount"`
	} `json:"usageMetadata"`
}
