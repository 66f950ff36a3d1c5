package agentloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/martinemde/lodestar/unifiedllm"
)

// QueueMode controls how queued user messages are drained.
type QueueMode string

const (
	// QueueOneAtATime delivers the head of the queue per checkpoint.
	QueueOneAtATime QueueMode = "oneAtATime"
	// QueueAll delivers every pending message at once.
	QueueAll QueueMode = "all"
)

// Agent is the stateful wrapper around the loop. It owns the
// conversation, the tool set, the steering and follow-up queues, and the
// in-flight guard. The context persists across Prompt invocations.
type Agent struct {
	mu sync.Mutex

	systemPrompt  string
	model         unifiedllm.ModelConfig
	apiKey        string
	thinkingLevel unifiedllm.ThinkingLevel
	maxTokens     int
	temperature   float64
	messages      []AgentMessage
	tools         []Tool
	provider      unifiedllm.StreamProvider

	steeringQueue []AgentMessage
	followUpQueue []AgentMessage
	steeringMode  QueueMode
	followUpMode  QueueMode

	contextConfig       *ContextConfig
	compactor           Compactor
	executionLimits     *ExecutionLimits
	cacheConfig         unifiedllm.CacheConfig
	toolExecution       ToolExecutionStrategy
	retryConfig         unifiedllm.RetryConfig
	loopDetectionWindow int
	logger              *slog.Logger

	beforeTurn BeforeTurnFunc
	afterTurn  AfterTurnFunc
	onError    OnErrorFunc

	inFlight bool
	cancel   context.CancelFunc
	emitter  *EventEmitter
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithSystemPrompt sets the system prompt.
func WithSystemPrompt(prompt string) AgentOption {
	return func(a *Agent) { a.systemPrompt = prompt }
}

// WithModel sets the model configuration.
func WithModel(model unifiedllm.ModelConfig) AgentOption {
	return func(a *Agent) { a.model = model }
}

// WithAPIKey sets the provider API key.
func WithAPIKey(key string) AgentOption {
	return func(a *Agent) { a.apiKey = key }
}

// WithThinking sets the thinking level hint.
func WithThinking(level unifiedllm.ThinkingLevel) AgentOption {
	return func(a *Agent) { a.thinkingLevel = level }
}

// WithMaxTokens sets the output token cap.
func WithMaxTokens(n int) AgentOption {
	return func(a *Agent) { a.maxTokens = n }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) AgentOption {
	return func(a *Agent) { a.temperature = t }
}

// WithTools sets the tool set.
func WithTools(tools ...Tool) AgentOption {
	return func(a *Agent) { a.tools = tools }
}

// WithContextConfig enables the default compactor with the given budget.
func WithContextConfig(cfg ContextConfig) AgentOption {
	return func(a *Agent) { a.contextConfig = &cfg }
}

// WithCompactor installs a custom compaction strategy.
func WithCompactor(c Compactor) AgentOption {
	return func(a *Agent) { a.compactor = c }
}

// WithExecutionLimits bounds invocations.
func WithExecutionLimits(limits ExecutionLimits) AgentOption {
	return func(a *Agent) { a.executionLimits = &limits }
}

// WithCacheConfig sets the prompt caching strategy.
func WithCacheConfig(cfg unifiedllm.CacheConfig) AgentOption {
	return func(a *Agent) { a.cacheConfig = cfg }
}

// WithToolExecution sets the scheduler strategy.
func WithToolExecution(strategy ToolExecutionStrategy) AgentOption {
	return func(a *Agent) { a.toolExecution = strategy }
}

// WithRetryConfig sets the provider retry policy.
func WithRetryConfig(cfg unifiedllm.RetryConfig) AgentOption {
	return func(a *Agent) { a.retryConfig = cfg }
}

// WithSteeringMode sets how the steering queue drains.
func WithSteeringMode(mode QueueMode) AgentOption {
	return func(a *Agent) { a.steeringMode = mode }
}

// WithFollowUpMode sets how the follow-up queue drains.
func WithFollowUpMode(mode QueueMode) AgentOption {
	return func(a *Agent) { a.followUpMode = mode }
}

// WithLoopDetection enables repeated-tool-call detection over a window.
func WithLoopDetection(window int) AgentOption {
	return func(a *Agent) { a.loopDetectionWindow = window }
}

// WithLogger sets the ambient logger.
func WithLogger(logger *slog.Logger) AgentOption {
	return func(a *Agent) { a.logger = logger }
}

// WithMessages seeds the conversation history.
func WithMessages(messages []AgentMessage) AgentOption {
	return func(a *Agent) { a.messages = messages }
}

// WithSkills appends a skills index to the system prompt.
func WithSkills(skills *SkillSet) AgentOption {
	return func(a *Agent) {
		fragment := skills.FormatForPrompt()
		if fragment == "" {
			return
		}
		if a.systemPrompt == "" {
			a.systemPrompt = fragment
		} else {
			a.systemPrompt = a.systemPrompt + "\n\n" + fragment
		}
	}
}

// OnBeforeTurn installs the pre-turn callback. Returning false ends the
// invocation without a provider call.
func OnBeforeTurn(f BeforeTurnFunc) AgentOption {
	return func(a *Agent) { a.beforeTurn = f }
}

// OnAfterTurn installs the post-turn callback.
func OnAfterTurn(f AfterTurnFunc) AgentOption {
	return func(a *Agent) { a.afterTurn = f }
}

// OnError installs the terminal-error callback.
func OnError(f OnErrorFunc) AgentOption {
	return func(a *Agent) { a.onError = f }
}

// NewAgent creates an Agent bound to a provider.
func NewAgent(provider unifiedllm.StreamProvider, opts ...AgentOption) *Agent {
	contextConfig := DefaultContextConfig()
	limits := DefaultExecutionLimits()
	a := &Agent{
		provider:        provider,
		steeringMode:    QueueOneAtATime,
		followUpMode:    QueueOneAtATime,
		contextConfig:   &contextConfig,
		executionLimits: &limits,
		cacheConfig:     unifiedllm.DefaultCacheConfig(),
		toolExecution:   ParallelExecution(),
		retryConfig:     unifiedllm.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Messages returns a copy of the conversation history.
func (a *Agent) Messages() []AgentMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]AgentMessage, len(a.messages))
	copy(out, a.messages)
	return out
}

// IsInFlight reports whether an invocation is running.
func (a *Agent) IsInFlight() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inFlight
}

// Steer enqueues a user message for mid-loop injection, observed at the
// scheduler's steering checkpoints.
func (a *Agent) Steer(msg AgentMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.steeringQueue = append(a.steeringQueue, msg)
}

// SteerText enqueues a text steering message.
func (a *Agent) SteerText(text string) {
	a.Steer(UserAgentMessage(text))
}

// FollowUp enqueues a user message observed after the loop would
// otherwise terminate.
func (a *Agent) FollowUp(msg AgentMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.followUpQueue = append(a.followUpQueue, msg)
}

// FollowUpText enqueues a text follow-up message.
func (a *Agent) FollowUpText(text string) {
	a.FollowUp(UserAgentMessage(text))
}

// ClearQueues drops all pending steering and follow-up messages.
func (a *Agent) ClearQueues() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.steeringQueue = nil
	a.followUpQueue = nil
}

// Abort trips the running invocation's cancellation handle. The loop
// finalizes the partial assistant message, drains pending events, and
// emits agentEnd.
func (a *Agent) Abort() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
	}
}

// Reset clears messages, queues, and the in-flight flag.
func (a *Agent) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = nil
	a.steeringQueue = nil
	a.followUpQueue = nil
	a.inFlight = false
	a.cancel = nil
}

// SaveMessages returns the canonical JSON representation of the history.
func (a *Agent) SaveMessages() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return SaveMessages(a.messages)
}

// RestoreMessages replaces the history from a SaveMessages payload. It
// refuses while an invocation is in flight.
func (a *Agent) RestoreMessages(data string) error {
	messages, err := RestoreMessages(data)
	if err != nil {
		return err
	}
	return a.ReplaceMessages(messages)
}

// ReplaceMessages atomically replaces the history between invocations.
func (a *Agent) ReplaceMessages(messages []AgentMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inFlight {
		return errors.New("cannot replace messages while an invocation is in flight")
	}
	a.messages = messages
	return nil
}

// Prompt sends a text prompt and starts an invocation. Events stream on
// the returned channel, which closes after agentEnd.
func (a *Agent) Prompt(ctx context.Context, text string) (<-chan AgentEvent, error) {
	return a.PromptMessages(ctx, []AgentMessage{UserAgentMessage(text)})
}

// PromptMessages sends prompt messages and starts an invocation. Calling
// it while in flight is an error; use Steer or FollowUp instead.
func (a *Agent) PromptMessages(ctx context.Context, prompts []AgentMessage) (<-chan AgentEvent, error) {
	return a.start(ctx, func(loopCtx context.Context, actx *AgentContext, cfg *AgentLoopConfig, emitter *EventEmitter) {
		AgentLoop(loopCtx, prompts, actx, cfg, emitter)
	})
}

// Continue resumes the loop from the current context, the continuation
// entrypoint after reactive compaction of a context overflow.
func (a *Agent) Continue(ctx context.Context) (<-chan AgentEvent, error) {
	a.mu.Lock()
	if len(a.messages) == 0 {
		a.mu.Unlock()
		return nil, errors.New("no messages to continue from")
	}
	last := a.messages[len(a.messages)-1]
	a.mu.Unlock()
	if last.Role() == string(unifiedllm.RoleAssistant) {
		return nil, errors.New("cannot continue from an assistant message")
	}

	return a.start(ctx, func(loopCtx context.Context, actx *AgentContext, cfg *AgentLoopConfig, emitter *EventEmitter) {
		// Entry validation already happened under the wrapper's guard.
		_, _ = AgentLoopContinue(loopCtx, actx, cfg, emitter)
	})
}

type runFunc func(ctx context.Context, actx *AgentContext, cfg *AgentLoopConfig, emitter *EventEmitter)

// start flips the in-flight guard, snapshots the context, and runs the
// loop on its own goroutine.
func (a *Agent) start(ctx context.Context, run runFunc) (<-chan AgentEvent, error) {
	a.mu.Lock()
	if a.inFlight {
		emitter := a.emitter
		a.mu.Unlock()
		if emitter != nil {
			emitter.Emit(AgentEvent{
				Kind: EventInputRejected,
				Text: "agent is already streaming; use Steer or FollowUp",
			})
		}
		return nil, fmt.Errorf("agent is already streaming; use Steer or FollowUp")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	emitter := NewEventEmitter()
	a.inFlight = true
	a.cancel = cancel
	a.emitter = emitter

	messages := make([]AgentMessage, len(a.messages))
	copy(messages, a.messages)
	actx := &AgentContext{
		SystemPrompt: a.systemPrompt,
		Messages:     messages,
		Tools:        a.tools,
	}
	cfg := a.buildConfig()
	a.mu.Unlock()

	go func() {
		defer cancel()
		run(loopCtx, actx, cfg, emitter)

		a.mu.Lock()
		a.messages = actx.Messages
		a.inFlight = false
		a.cancel = nil
		a.emitter = nil
		a.mu.Unlock()

		emitter.Close()
	}()

	return emitter.Events(), nil
}

// buildConfig assembles the loop configuration, wiring the queues in as
// drain closures honoring the configured queue modes. Callers hold a.mu.
func (a *Agent) buildConfig() *AgentLoopConfig {
	steeringMode := a.steeringMode
	followUpMode := a.followUpMode

	return &AgentLoopConfig{
		Provider:      a.provider,
		Model:         a.model,
		APIKey:        a.apiKey,
		ThinkingLevel: a.thinkingLevel,
		MaxTokens:     a.maxTokens,
		Temperature:   a.temperature,
		GetSteeringMessages: func() []AgentMessage {
			a.mu.Lock()
			defer a.mu.Unlock()
			return drainQueue(&a.steeringQueue, steeringMode)
		},
		GetFollowUpMessages: func() []AgentMessage {
			a.mu.Lock()
			defer a.mu.Unlock()
			return drainQueue(&a.followUpQueue, followUpMode)
		},
		ContextConfig:       a.contextConfig,
		Compactor:           a.compactor,
		ExecutionLimits:     a.executionLimits,
		Cache:               a.cacheConfig,
		ToolExecution:       a.toolExecution,
		Retry:               a.retryConfig,
		BeforeTurn:          a.beforeTurn,
		AfterTurn:           a.afterTurn,
		OnError:             a.onError,
		LoopDetectionWindow: a.loopDetectionWindow,
		Logger:              a.logger,
	}
}

// drainQueue pops from a queue per the configured mode.
func drainQueue(queue *[]AgentMessage, mode QueueMode) []AgentMessage {
	if len(*queue) == 0 {
		return nil
	}
	if mode == QueueAll {
		out := *queue
		*queue = nil
		return out
	}
	out := []AgentMessage{(*queue)[0]}
	*queue = (*queue)[1:]
	return out
}
