package unifiedllm

// APIProtocol identifies which wire protocol a model speaks.
type APIProtocol string

const (
	ProtocolAnthropicMessages  APIProtocol = "anthropic_messages"
	ProtocolOpenAICompletions  APIProtocol = "openai_completions"
	ProtocolGoogleGenerativeAI APIProtocol = "google_generative_ai"
	ProtocolGollm              APIProtocol = "gollm"
)

// MaxTokensField selects which field name carries the output token cap.
type MaxTokensField string

const (
	MaxTokensFieldMaxTokens           MaxTokensField = "max_tokens"
	MaxTokensFieldMaxCompletionTokens MaxTokensField = "max_completion_tokens"
)

// ThinkingFormat selects how a provider streams reasoning content.
type ThinkingFormat string

const (
	ThinkingFormatOpenAI ThinkingFormat = "openai" // delta.reasoning_content
	ThinkingFormatXAI    ThinkingFormat = "xai"    // delta.reasoning
)

// OpenAICompat enumerates behavioral quirks of OpenAI-compatible vendors.
// New adapters opt into behavior explicitly through these flags rather
// than by matching provider name strings.
type OpenAICompat struct {
	// Supports the "developer" role for system-level instructions.
	SupportsDeveloperRole bool
	// Supports the reasoning_effort request parameter.
	SupportsReasoningEffort bool
	// Includes usage data in streaming responses.
	SupportsUsageInStreaming bool
	// Field name used for the output token cap.
	MaxTokensField MaxTokensField
	// Tool result messages must include a "name" field.
	RequiresToolResultName bool
	// How reasoning content appears in stream deltas.
	ThinkingFormat ThinkingFormat
}

// OpenAICompatOpenAI returns compat flags for native OpenAI.
func OpenAICompatOpenAI() OpenAICompat {
	return OpenAICompat{
		SupportsDeveloperRole:    true,
		SupportsReasoningEffort:  true,
		SupportsUsageInStreaming: true,
		MaxTokensField:           MaxTokensFieldMaxCompletionTokens,
		ThinkingFormat:           ThinkingFormatOpenAI,
	}
}

// OpenAICompatXAI returns compat flags for xAI (Grok).
func OpenAICompatXAI() OpenAICompat {
	return OpenAICompat{
		SupportsUsageInStreaming: true,
		MaxTokensField:           MaxTokensFieldMaxTokens,
		ThinkingFormat:           ThinkingFormatXAI,
	}
}

// OpenAICompatGroq returns compat flags for Groq.
func OpenAICompatGroq() OpenAICompat {
	return OpenAICompat{
		SupportsUsageInStreaming: true,
		MaxTokensField:           MaxTokensFieldMaxTokens,
		ThinkingFormat:           ThinkingFormatOpenAI,
	}
}

// OpenAICompatOpenRouter returns compat flags for OpenRouter.
func OpenAICompatOpenRouter() OpenAICompat {
	return OpenAICompat{
		SupportsUsageInStreaming: true,
		MaxTokensField:           MaxTokensFieldMaxCompletionTokens,
		ThinkingFormat:           ThinkingFormatOpenAI,
	}
}

// OpenAICompatMistral returns compat flags for Mistral.
func OpenAICompatMistral() OpenAICompat {
	return OpenAICompat{
		SupportsUsageInStreaming: true,
		MaxTokensField:           MaxTokensFieldMaxTokens,
		RequiresToolResultName:   true,
		ThinkingFormat:           ThinkingFormatOpenAI,
	}
}

// OpenAICompatDeepSeek returns compat flags for DeepSeek.
func OpenAICompatDeepSeek() OpenAICompat {
	return OpenAICompat{
		SupportsUsageInStreaming: true,
		MaxTokensField:           MaxTokensFieldMaxCompletionTokens,
		ThinkingFormat:           ThinkingFormatOpenAI,
	}
}

// ModelConfig knows everything needed to call a model: protocol, endpoint,
// window size, and vendor quirks.
type ModelConfig struct {
	// Model identifier sent to the API.
	ID string
	// Human-friendly name.
	Name string
	// Wire protocol.
	API APIProtocol
	// Provider name (e.g. "openai", "anthropic", "xai").
	Provider string
	// Base URL without trailing slash.
	BaseURL string
	// Whether the model supports thinking/reasoning.
	Reasoning bool
	// Context window size in tokens.
	ContextWindow int
	// Default max output tokens.
	MaxTokens int
	// Extra request headers.
	Headers map[string]string
	// Quirk flags for OpenAI-compatible vendors.
	Compat *OpenAICompat
}

// AnthropicModel creates a ModelConfig for an Anthropic model.
func AnthropicModel(id, name string) ModelConfig {
	return ModelConfig{
		ID:            id,
		Name:          name,
		API:           ProtocolAnthropicMessages,
		Provider:      "anthropic",
		BaseURL:       "https://api.anthropic.com",
		ContextWindow: 200_000,
		MaxTokens:     8192,
	}
}

// OpenAIModel creates a ModelConfig for an OpenAI model.
func OpenAIModel(id, name string) ModelConfig {
	compat := OpenAICompatOpenAI()
	return ModelConfig{
		ID:            id,
		Name:          name,
		API:           ProtocolOpenAICompletions,
		Provider:      "openai",
		BaseURL:       "https://api.openai.com/v1",
		ContextWindow: 128_000,
		MaxTokens:     4096,
		Compat:        &compat,
	}
}

// GoogleModel creates a ModelConfig for a Google Gemini model.
func GoogleModel(id, name string) ModelConfig {
	return ModelConfig{
		ID:            id,
		Name:          name,
		API:           ProtocolGoogleGenerativeAI,
		Provider:      "google",
		BaseURL:       "https://generativelanguage.googleapis.com",
		ContextWindow: 1_000_000,
		MaxTokens:     8192,
	}
}

// OpenAICompatibleModel creates a ModelConfig for a vendor speaking the
// OpenAI Chat Completions protocol with explicit quirk flags.
func OpenAICompatibleModel(id, name, provider, baseURL string, compat OpenAICompat) ModelConfig {
	return ModelConfig{
		ID:            id,
		Name:          name,
		API:           ProtocolOpenAICompletions,
		Provider:      provider,
		BaseURL:       baseURL,
		ContextWindow: 128_000,
		MaxTokens:     4096,
		Compat:        &compat,
	}
}

// compatOrDefault returns the configured quirk flags or safe defaults.
func (m *ModelConfig) compatOrDefault() OpenAICompat {
	if m != nil && m.Compat != nil {
		return *m.Compat
	}
	return OpenAICompat{
		SupportsUsageInStreaming: true,
		MaxTokensField:           MaxTokensFieldMaxTokens,
		ThinkingFormat:           ThinkingFormatOpenAI,
	}
}
