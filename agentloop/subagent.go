package agentloop

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/martinemde/lodestar/unifiedllm"
)

// defaultSubAgentMaxTurns bounds sub-agent execution.
const defaultSubAgentMaxTurns = 10

// SubAgentTool delegates a tool call to a nested agent loop with its own
// system prompt, model, tool set, and turn cap. Each invocation starts a
// fresh conversation; the parent's cancellation handle is forwarded, and
// child events surface on the parent as tool execution updates and
// progress messages. Sub-agents never carry sub-agent tools themselves.
type SubAgentTool struct {
	toolName        string
	toolDescription string
	systemPrompt    string
	model           unifiedllm.ModelConfig
	apiKey          string
	provider        unifiedllm.StreamProvider
	tools           []Tool
	thinkingLevel   unifiedllm.ThinkingLevel
	maxTokens       int
	cacheConfig     unifiedllm.CacheConfig
	toolExecution   ToolExecutionStrategy
	retryConfig     unifiedllm.RetryConfig
	maxTurns        int
}

// SubAgentOption configures a SubAgentTool.
type SubAgentOption func(*SubAgentTool)

// SubAgentDescription sets the tool description shown to the parent model.
func SubAgentDescription(desc string) SubAgentOption {
	return func(s *SubAgentTool) { s.toolDescription = desc }
}

// SubAgentSystemPrompt sets the child loop's system prompt.
func SubAgentSystemPrompt(prompt string) SubAgentOption {
	return func(s *SubAgentTool) { s.systemPrompt = prompt }
}

// SubAgentModel sets the child loop's model.
func SubAgentModel(model unifiedllm.ModelConfig) SubAgentOption {
	return func(s *SubAgentTool) { s.model = model }
}

// SubAgentAPIKey sets the child loop's API key.
func SubAgentAPIKey(key string) SubAgentOption {
	return func(s *SubAgentTool) { s.apiKey = key }
}

// SubAgentTools sets the child's tool set. Sub-agent tools are filtered
// out so delegation cannot recurse.
func SubAgentTools(tools ...Tool) SubAgentOption {
	return func(s *SubAgentTool) {
		s.tools = s.tools[:0]
		for _, t := range tools {
			if _, nested := t.(*SubAgentTool); nested {
				continue
			}
			s.tools = append(s.tools, t)
		}
	}
}

// SubAgentThinking sets the child's thinking level.
func SubAgentThinking(level unifiedllm.ThinkingLevel) SubAgentOption {
	return func(s *SubAgentTool) { s.thinkingLevel = level }
}

// SubAgentMaxTokens sets the child's output token cap.
func SubAgentMaxTokens(n int) SubAgentOption {
	return func(s *SubAgentTool) { s.maxTokens = n }
}

// SubAgentMaxTurns overrides the child's turn cap.
func SubAgentMaxTurns(n int) SubAgentOption {
	return func(s *SubAgentTool) { s.maxTurns = n }
}

// SubAgentToolExecution sets the child's scheduler strategy.
func SubAgentToolExecution(strategy ToolExecutionStrategy) SubAgentOption {
	return func(s *SubAgentTool) { s.toolExecution = strategy }
}

// SubAgentRetryConfig sets the child's retry policy.
func SubAgentRetryConfig(cfg unifiedllm.RetryConfig) SubAgentOption {
	return func(s *SubAgentTool) { s.retryConfig = cfg }
}

// NewSubAgentTool creates a sub-agent tool with the given name and
// provider.
func NewSubAgentTool(name string, provider unifiedllm.StreamProvider, opts ...SubAgentOption) *SubAgentTool {
	s := &SubAgentTool{
		toolName:        name,
		toolDescription: fmt.Sprintf("Delegate a task to the %q sub-agent", name),
		provider:        provider,
		cacheConfig:     unifiedllm.DefaultCacheConfig(),
		toolExecution:   ParallelExecution(),
		retryConfig:     unifiedllm.DefaultRetryConfig(),
		maxTurns:        defaultSubAgentMaxTurns,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SubAgentTool) Name() string        { return s.toolName }
func (s *SubAgentTool) Label() string       { return s.toolName }
func (s *SubAgentTool) Description() string { return s.toolDescription }

func (s *SubAgentTool) ParametersSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task": map[string]any{
				"type":        "string",
				"description": "The task to delegate to this sub-agent",
			},
		},
		"required": []string{"task"},
	}
}

// Execute runs the child loop to completion and returns its final
// assistant text.
func (s *SubAgentTool) Execute(ctx context.Context, tc ToolContext, args json.RawMessage) (*ToolResult, error) {
	params, err := ParseArgs[struct {
		Task string `json:"task"`
	}](args)
	if err != nil {
		return nil, err
	}
	if params.Task == "" {
		return nil, &InvalidArgsError{Text: "missing required 'task' parameter"}
	}

	actx := &AgentContext{
		SystemPrompt: s.systemPrompt,
		Tools:        s.tools,
	}
	limits := DefaultExecutionLimits()
	limits.MaxTurns = s.maxTurns

	cfg := &AgentLoopConfig{
		Provider:        s.provider,
		Model:           s.model,
		APIKey:          s.apiKey,
		ThinkingLevel:   s.thinkingLevel,
		MaxTokens:       s.maxTokens,
		ExecutionLimits: &limits,
		Cache:           s.cacheConfig,
		ToolExecution:   s.toolExecution,
		Retry:           s.retryConfig,
	}

	emitter := NewEventEmitter()
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for ev := range emitter.Events() {
			s.forward(tc, ev)
		}
	}()

	prompt := UserAgentMessage(params.Task)
	newMessages := AgentLoop(ctx, []AgentMessage{prompt}, actx, cfg, emitter)

	emitter.Close()
	<-forwarded

	if err := ctx.Err(); err != nil {
		return nil, ErrToolCancelled
	}

	result := finalAssistantText(newMessages)
	return &ToolResult{
		Content: []unifiedllm.Content{unifiedllm.TextContent(result)},
		Details: map[string]any{
			"subAgent": s.toolName,
			"messages": len(newMessages),
		},
	}, nil
}

// forward translates child loop events into parent-side updates.
func (s *SubAgentTool) forward(tc ToolContext, ev AgentEvent) {
	switch ev.Kind {
	case EventMessageUpdate:
		if ev.Delta != nil && ev.Delta.Kind == DeltaText {
			tc.Update(TextResult(ev.Delta.Delta))
		}
	case EventToolExecutionStart:
		tc.Progress(fmt.Sprintf("[sub-agent calling tool: %s]", ev.ToolName))
	}
}

// finalAssistantText extracts the last assistant text from the child's
// new messages.
func finalAssistantText(messages []AgentMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i].Llm
		if msg == nil || msg.Role != unifiedllm.RoleAssistant {
			continue
		}
		if text := msg.TextContent(); text != "" {
			return text
		}
	}
	return "(sub-agent produced no text output)"
}
