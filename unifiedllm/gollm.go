package unifiedllm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmProvider adapts a gollm.LLM instance to the StreamProvider contract.
// It covers the providers gollm supports (OpenAI, Anthropic, Ollama, and
// friends) through a single dependency, at the cost of flattening
// multi-turn structure into a prompt transcript. Use the native adapters
// when full tool-call streaming fidelity matters.
type GollmProvider struct {
	provider string
	llm      gollm.LLM
}

// GollmOption configures a GollmProvider.
type GollmOption func(*gollmConfig)

type gollmConfig struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption
}

// WithGollmAPIKey sets the API key.
func WithGollmAPIKey(key string) GollmOption {
	return func(c *gollmConfig) { c.apiKey = key }
}

// WithGollmModel sets the default model.
func WithGollmModel(model string) GollmOption {
	return func(c *gollmConfig) { c.model = model }
}

// WithGollmMaxTokens sets the default output token cap.
func WithGollmMaxTokens(n int) GollmOption {
	return func(c *gollmConfig) { c.maxTokens = n }
}

// WithGollmOptions appends extra gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmOption {
	return func(c *gollmConfig) { c.extraOpts = append(c.extraOpts, opts...) }
}

// NewGollmProvider creates a GollmProvider for the named gollm provider.
// If no API key is given, gollm reads it from the environment.
func NewGollmProvider(provider string, opts ...GollmOption) (*GollmProvider, error) {
	cfg := &gollmConfig{maxTokens: 4096, temperature: 0.7}
	for _, opt := range opts {
		opt(cfg)
	}

	model := cfg.model
	if model == "" {
		switch provider {
		case "anthropic":
			model = "claude-sonnet-4-5-20250514"
		default:
			model = "gpt-4o-mini"
		}
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // the retry engine owns retries
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(cfg.apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, fmt.Errorf("create gollm LLM for provider %s: %w", provider, err)
	}
	return &GollmProvider{provider: provider, llm: llm}, nil
}

// NewGollmProviderFromLLM wraps an existing gollm.LLM instance.
func NewGollmProviderFromLLM(provider string, llm gollm.LLM) *GollmProvider {
	return &GollmProvider{provider: provider, llm: llm}
}

// Stream implements StreamProvider.
func (p *GollmProvider) Stream(ctx context.Context, config StreamConfig, events chan<- StreamEvent) (*Message, error) {
	prompt := p.translateRequest(&config)

	sendEvent(ctx, events, StreamEvent{Type: StreamStart})

	if !p.llm.SupportsStreaming() {
		text, err := p.llm.Generate(ctx, prompt)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("gollm generate: %w", ErrCancelled)
			}
			return nil, p.translateError(err)
		}
		sendEvent(ctx, events, StreamEvent{Type: StreamTextDelta, ContentIndex: 0, Delta: text})
		return p.finish(ctx, &config, text, events), nil
	}

	stream, err := p.llm.Stream(ctx, prompt)
	if err != nil {
		return nil, p.translateError(err)
	}
	defer stream.Close()

	var fullText strings.Builder
	for {
		token, err := stream.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("gollm stream: %w", ErrCancelled)
			}
			return nil, p.translateError(err)
		}
		if token == nil {
			continue
		}
		fullText.WriteString(token.Text)
		sendEvent(ctx, events, StreamEvent{Type: StreamTextDelta, ContentIndex: 0, Delta: token.Text})
	}

	return p.finish(ctx, &config, fullText.String(), events), nil
}

// finish assembles the assistant message and emits the done event.
func (p *GollmProvider) finish(ctx context.Context, config *StreamConfig, text string, events chan<- StreamEvent) *Message {
	content := []Content{TextContent(text)}
	stopReason := StopReasonStop

	if calls := parseEmbeddedToolCalls(text); len(calls) > 0 {
		content = content[:0]
		if cleaned := stripToolCallJSON(text); cleaned != "" {
			content = append(content, TextContent(cleaned))
		}
		content = append(content, calls...)
		stopReason = StopReasonToolUse
	}

	// gollm does not expose usage; estimate from text length so the
	// context tracker still has something to record.
	usage := Usage{
		Input:  estimatePromptTokens(config),
		Output: uint64(len(text) / 4),
	}
	usage.TotalTokens = usage.Input + usage.Output

	message := AssistantMessage(content, stopReason, config.Model, p.provider, usage)
	final := usage
	sendEvent(ctx, events, StreamEvent{Type: StreamDone, Usage: &final, Message: message})
	return message
}

// translateRequest flattens the unified messages into a gollm prompt.
func (p *GollmProvider) translateRequest(config *StreamConfig) *gollm.Prompt {
	var userParts []string
	for _, msg := range config.Messages {
		switch msg.Role {
		case RoleUser:
			userParts = append(userParts, msg.TextContent())
		case RoleAssistant:
			if text := msg.TextContent(); text != "" {
				userParts = append(userParts, "[Assistant]: "+text)
			}
		case RoleToolResult:
			prefix := "[Tool Result]"
			if msg.IsError {
				prefix = "[Tool Error]"
			}
			userParts = append(userParts, prefix+": "+msg.TextContent())
		}
	}

	promptText := strings.Join(userParts, "\n")
	if promptText == "" {
		promptText = "Hello"
	}

	var promptOpts []gollm.PromptOption
	if config.SystemPrompt != "" {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(config.SystemPrompt, gollm.CacheTypeEphemeral))
	}
	if config.MaxTokens > 0 {
		promptOpts = append(promptOpts, gollm.WithMaxLength(config.MaxTokens))
	}
	if len(config.Tools) > 0 {
		tools := make([]gollm.Tool, 0, len(config.Tools))
		for _, t := range config.Tools {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		promptOpts = append(promptOpts, gollm.WithTools(tools))
	}

	return gollm.NewPrompt(promptText, promptOpts...)
}

// translateError classifies a gollm error into the unified taxonomy. gollm
// collapses HTTP detail into error strings, so classification is by
// message content.
func (p *GollmProvider) translateError(err error) error {
	msg := err.Error()
	lower := strings.ToLower(msg)
	base := ProviderError{Provider: p.provider, Message: msg, Cause: err}

	switch {
	case strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key"):
		return &AuthError{ProviderError: base}
	case strings.Contains(lower, "403") || strings.Contains(lower, "forbidden"):
		return &AuthError{ProviderError: base}
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit"):
		return &RateLimitError{ProviderError: base}
	case IsContextOverflow(lower):
		return &ContextOverflowError{ProviderError: base}
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "connection"):
		return &NetworkError{ProviderError: base}
	case strings.Contains(lower, "500") || strings.Contains(lower, "internal server"):
		return &NetworkError{ProviderError: base}
	default:
		return &APIError{ProviderError: base}
	}
}

// parseEmbeddedToolCalls extracts tool calls gollm returns embedded as JSON
// in the response text.
func parseEmbeddedToolCalls(text string) []Content {
	start := strings.Index(text, `[{"name"`)
	if start == -1 {
		return nil
	}

	var rawCalls []struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(text[start:]), &rawCalls); err != nil {
		return nil
	}

	var calls []Content
	for _, rc := range rawCalls {
		args := rc.Arguments
		if args == nil {
			args = json.RawMessage("{}")
		}
		calls = append(calls, ToolCallContent("call_"+uuid.New().String()[:8], rc.Name, args))
	}
	return calls
}

// stripToolCallJSON removes the embedded tool call JSON from the text.
func stripToolCallJSON(text string) string {
	if idx := strings.Index(text, `[{"name"`); idx != -1 {
		return strings.TrimSpace(text[:idx])
	}
	return text
}

// estimatePromptTokens roughly counts request tokens at ~4 bytes each.
func estimatePromptTokens(config *StreamConfig) uint64 {
	total := len(config.SystemPrompt)
	for _, msg := range config.Messages {
		for _, c := range msg.Content {
			total += len(c.Text) + len(c.Thinking) + len(c.Arguments)
		}
	}
	return uint64(total / 4)
}
