// Package unifiedllm presents heterogeneous model APIs as a single
// streaming interface.
//
// # Architecture
//
// The package is organized in four layers:
//
//   - Data model: Content, Message, Usage, StopReason, and the role-tagged
//     JSON encoding used for persistence.
//   - Provider contract: StreamProvider, StreamConfig, and StreamEvent,
//     plus the classified error taxonomy and the context overflow
//     catalogue shared by every adapter.
//   - Provider utilities: the retry engine, the cache breakpoint placer,
//     and ModelConfig with per-vendor compatibility quirk flags.
//   - Adapters: AnthropicProvider (Messages API), OpenAICompatProvider
//     (Chat Completions, covering OpenAI/xAI/Groq/OpenRouter/Mistral/
//     DeepSeek via OpenAICompat flags), GoogleProvider (Gemini),
//     GollmProvider (wrapping github.com/teilomillet/gollm), and
//     MockProvider for tests.
//
// # Quick Start
//
//	model := unifiedllm.AnthropicModel("claude-sonnet-4-5", "Claude Sonnet")
//	registry := unifiedllm.DefaultProviderRegistry()
//
//	events := make(chan unifiedllm.StreamEvent, 64)
//	go func() {
//	    for ev := range events {
//	        fmt.Print(ev.Delta)
//	    }
//	}()
//
//	msg, err := registry.Stream(ctx, model, unifiedllm.StreamConfig{
//	    Model:        model.ID,
//	    APIKey:       os.Getenv("ANTHROPIC_API_KEY"),
//	    SystemPrompt: "You are helpful.",
//	    Messages:     []unifiedllm.Message{*unifiedllm.UserMessage("Hello")},
//	    Temperature:  -1,
//	}, events)
//
// # Error Classification
//
// Adapters fail with one of RateLimitError, NetworkError, AuthError,
// APIError, or ContextOverflowError, or wrap ErrCancelled on context
// cancellation. IsRetryable and the Retry helper implement the backoff
// policy; IsContextOverflow unifies overflow detection across vendors at
// both the HTTP and stream-event levels.
package unifiedllm
