package unifiedllm

import (
	"context"
	"fmt"
	"sync"
)

// ProviderRegistry maps API protocols to StreamProvider implementations.
// Insertion order is irrelevant; registration replaces any prior entry.
type ProviderRegistry struct {
	providers map[APIProtocol]StreamProvider
	mu        sync.RWMutex
}

// NewProviderRegistry creates an empty registry.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{providers: make(map[APIProtocol]StreamProvider)}
}

// DefaultProviderRegistry returns a registry with all built-in providers.
func DefaultProviderRegistry() *ProviderRegistry {
	r := NewProviderRegistry()
	r.Register(ProtocolAnthropicMessages, NewAnthropicProvider())
	r.Register(ProtocolOpenAICompletions, NewOpenAICompatProvider())
	r.Register(ProtocolGoogleGenerativeAI, NewGoogleProvider())
	return r
}

// Register adds or replaces the provider for a protocol.
func (r *ProviderRegistry) Register(protocol APIProtocol, provider StreamProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[protocol] = provider
}

// Get returns the provider for a protocol, or nil if none is registered.
func (r *ProviderRegistry) Get(protocol APIProtocol) StreamProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[protocol]
}

// Has reports whether a protocol is registered.
func (r *ProviderRegistry) Has(protocol APIProtocol) bool {
	return r.Get(protocol) != nil
}

// Protocols returns all registered protocols.
func (r *ProviderRegistry) Protocols() []APIProtocol {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]APIProtocol, 0, len(r.providers))
	for p := range r.providers {
		out = append(out, p)
	}
	return out
}

// Stream routes a request to the provider registered for the model's
// protocol.
func (r *ProviderRegistry) Stream(ctx context.Context, model ModelConfig, config StreamConfig, events chan<- StreamEvent) (*Message, error) {
	provider := r.Get(model.API)
	if provider == nil {
		return nil, &APIError{ProviderError: ProviderError{
			Provider: model.Provider,
			Message:  fmt.Sprintf("no provider registered for protocol %q", model.API),
		}}
	}
	if config.ModelConfig == nil {
		config.ModelConfig = &model
	}
	return provider.Stream(ctx, config, events)
}
