package unifiedllm

import "testing"

func TestAnthropicModelDefaults(t *testing.T) {
	model := AnthropicModel("claude-sonnet-4-5", "Claude Sonnet 4.5")
	if model.API != ProtocolAnthropicMessages {
		t.Errorf("unexpected protocol: %s", model.API)
	}
	if model.Provider != "anthropic" {
		t.Errorf("unexpected provider: %s", model.Provider)
	}
	if model.Compat != nil {
		t.Error("anthropic models carry no OpenAI compat flags")
	}
	if model.ContextWindow != 200_000 {
		t.Errorf("unexpected context window: %d", model.ContextWindow)
	}
}

func TestOpenAIModelDefaults(t *testing.T) {
	model := OpenAIModel("gpt-4o", "GPT-4o")
	if model.API != ProtocolOpenAICompletions {
		t.Errorf("unexpected protocol: %s", model.API)
	}
	compat := model.Compat
	if compat == nil {
		t.Fatal("openai models must carry compat flags")
	}
	if !compat.SupportsDeveloperRole || !compat.SupportsReasoningEffort {
		t.Error("openai compat flags wrong")
	}
	if compat.MaxTokensField != MaxTokensFieldMaxCompletionTokens {
		t.Errorf("unexpected max tokens field: %s", compat.MaxTokensField)
	}
}

func TestCompatVariants(t *testing.T) {
	xai := OpenAICompatXAI()
	if xai.ThinkingFormat != ThinkingFormatXAI {
		t.Errorf("xai thinking format wrong: %s", xai.ThinkingFormat)
	}
	if xai.SupportsDeveloperRole {
		t.Error("xai does not support developer role")
	}

	groq := OpenAICompatGroq()
	if !groq.SupportsUsageInStreaming {
		t.Error("groq supports usage in streaming")
	}

	mistral := OpenAICompatMistral()
	if !mistral.RequiresToolResultName {
		t.Error("mistral requires tool result names")
	}

	deepseek := OpenAICompatDeepSeek()
	if deepseek.MaxTokensField != MaxTokensFieldMaxCompletionTokens {
		t.Errorf("deepseek max tokens field wrong: %s", deepseek.MaxTokensField)
	}
}

func TestDefaultProviderRegistry(t *testing.T) {
	registry := DefaultProviderRegistry()
	for _, protocol := range []APIProtocol{
		ProtocolAnthropicMessages,
		ProtocolOpenAICompletions,
		ProtocolGoogleGenerativeAI,
	} {
		if !registry.Has(protocol) {
			t.Errorf("missing built-in provider for %s", protocol)
		}
	}
	if len(registry.Protocols()) != 3 {
		t.Errorf("expected 3 protocols, got %d", len(registry.Protocols()))
	}
}

func TestRegistryUnknownProtocol(t *testing.T) {
	registry := NewProviderRegistry()
	model := AnthropicModel("claude-sonnet-4-5", "Claude")
	_, err := registry.Stream(t.Context(), model, StreamConfig{Model: model.ID}, nil)
	if err == nil {
		t.Fatal("expected error for unregistered protocol")
	}
}
