package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/martinemde/lodestar/unifiedllm"
)

// BeforeTurnFunc is invoked before each provider call. Returning false
// terminates the invocation; no assistant message is synthesized.
type BeforeTurnFunc func(messages []AgentMessage, turnIndex int) bool

// AfterTurnFunc is invoked after each successful provider call.
type AfterTurnFunc func(messages []AgentMessage, usage unifiedllm.Usage)

// OnErrorFunc is invoked when the loop terminates on a provider error.
type OnErrorFunc func(errText string)

// GetMessagesFunc drains queued user messages (steering or follow-up).
type GetMessagesFunc func() []AgentMessage

// ConvertToLlmFunc converts agent history to provider messages before
// each call. The default drops extension messages.
type ConvertToLlmFunc func(messages []AgentMessage) []unifiedllm.Message

// TransformContextFunc rewrites the history before conversion (pruning,
// custom compaction).
type TransformContextFunc func(messages []AgentMessage) []AgentMessage

// AgentContext is the mutable conversation bundle: owned by the caller or
// the Agent wrapper, borrowed exclusively by the loop for the duration of
// one invocation.
type AgentContext struct {
	SystemPrompt string
	Messages     []AgentMessage
	Tools        []Tool
}

// AgentLoopConfig configures one loop invocation.
type AgentLoopConfig struct {
	Provider      unifiedllm.StreamProvider
	Model         unifiedllm.ModelConfig
	APIKey        string
	ThinkingLevel unifiedllm.ThinkingLevel
	MaxTokens     int
	Temperature   float64 // zero or negative means unset

	ConvertToLlm     ConvertToLlmFunc
	TransformContext TransformContextFunc

	GetSteeringMessages GetMessagesFunc
	GetFollowUpMessages GetMessagesFunc

	// ContextConfig enables the default compactor; Compactor overrides it.
	ContextConfig *ContextConfig
	Compactor     Compactor

	ExecutionLimits *ExecutionLimits
	Cache           unifiedllm.CacheConfig
	ToolExecution   ToolExecutionStrategy
	Retry           unifiedllm.RetryConfig

	BeforeTurn BeforeTurnFunc
	AfterTurn  AfterTurnFunc
	OnError    OnErrorFunc

	// LoopDetectionWindow enables repeated-tool-call detection when > 0.
	LoopDetectionWindow int

	// Logger for retries, limit trips, and provider failures. Nil
	// disables logging.
	Logger *slog.Logger
}

func (cfg *AgentLoopConfig) logger() *slog.Logger {
	if cfg.Logger != nil {
		return cfg.Logger
	}
	return slog.New(slog.DiscardHandler)
}

// AgentLoop starts a loop invocation with new prompt messages. It drives
// turns until the model stops requesting tools and the queues are empty,
// emitting events on the emitter throughout, and returns every message
// appended during the invocation.
func AgentLoop(ctx context.Context, prompts []AgentMessage, actx *AgentContext, cfg *AgentLoopConfig, emitter *EventEmitter) []AgentMessage {
	newMessages := make([]AgentMessage, 0, len(prompts))

	emitter.Emit(AgentEvent{Kind: EventAgentStart})
	emitter.Emit(AgentEvent{Kind: EventTurnStart, TurnIndex: 0})

	for _, prompt := range prompts {
		p := prompt
		actx.Messages = append(actx.Messages, p)
		newMessages = append(newMessages, p)
		emitter.Emit(AgentEvent{Kind: EventMessageStart, Message: &p})
		emitter.Emit(AgentEvent{Kind: EventMessageEnd, Message: &p})
	}

	run := &loopRun{ctx: ctx, actx: actx, cfg: cfg, emitter: emitter}
	run.loop(&newMessages)

	emitter.Emit(AgentEvent{Kind: EventAgentEnd, Messages: newMessages})
	return newMessages
}

// AgentLoopContinue resumes a loop from existing context, e.g. after a
// context overflow was handled by compaction. It refuses to start when
// the context is empty or ends with an assistant message.
func AgentLoopContinue(ctx context.Context, actx *AgentContext, cfg *AgentLoopConfig, emitter *EventEmitter) ([]AgentMessage, error) {
	if len(actx.Messages) == 0 {
		return nil, errors.New("cannot continue: no messages in context")
	}
	if last := actx.Messages[len(actx.Messages)-1]; last.Role() == string(unifiedllm.RoleAssistant) {
		return nil, errors.New("cannot continue from an assistant message")
	}

	var newMessages []AgentMessage

	emitter.Emit(AgentEvent{Kind: EventAgentStart})
	emitter.Emit(AgentEvent{Kind: EventTurnStart, TurnIndex: 0})

	run := &loopRun{ctx: ctx, actx: actx, cfg: cfg, emitter: emitter}
	run.loop(&newMessages)

	emitter.Emit(AgentEvent{Kind: EventAgentEnd, Messages: newMessages})
	return newMessages, nil
}

// loopRun carries the state of one invocation through the turn cycle.
type loopRun struct {
	ctx       context.Context
	actx      *AgentContext
	cfg       *AgentLoopConfig
	emitter   *EventEmitter
	tracker   *ExecutionTracker
	ctxTrack  *ContextTracker
	turnIndex int

	// In-flight provider stream state.
	partial        *unifiedllm.Message
	messageStarted bool
}

// loop is the outer/inner turn cycle shared by AgentLoop and
// AgentLoopContinue. The first TurnStart has already been emitted.
func (r *loopRun) loop(newMessages *[]AgentMessage) {
	cfg := r.cfg
	if cfg.ExecutionLimits != nil {
		r.tracker = NewExecutionTracker(*cfg.ExecutionLimits)
	}
	r.ctxTrack = NewContextTracker(nil)

	firstTurn := true
	pending := r.drainSteering()

	// Outer loop: follow-ups after the agent would otherwise stop.
	for {
		if r.ctx.Err() != nil {
			return
		}

		// Inner loop: one provider call plus tool executions per pass.
		for {
			if r.ctx.Err() != nil {
				return
			}

			if !firstTurn {
				r.turnIndex++
				r.emitter.Emit(AgentEvent{Kind: EventTurnStart, TurnIndex: r.turnIndex})
			}
			firstTurn = false

			for _, msg := range pending {
				r.appendMessage(msg, newMessages)
			}
			pending = nil

			if r.tracker != nil {
				if reason, tripped := r.tracker.CheckLimits(); tripped {
					cfg.logger().Warn("execution limit reached", "reason", reason)
					marker := ExtensionOf("limit", map[string]any{
						"text": fmt.Sprintf("[Agent stopped: %s]", reason),
					})
					r.appendMessage(marker, newMessages)
					return
				}
			}

			if cfg.BeforeTurn != nil && !cfg.BeforeTurn(r.actx.Messages, r.turnIndex) {
				return
			}

			r.compact()

			message, cancelled := r.streamAssistantResponse(newMessages)

			if cancelled || message.StopReason == unifiedllm.StopReasonAborted {
				r.emitter.Emit(AgentEvent{Kind: EventTurnEnd, TurnIndex: r.turnIndex})
				return
			}
			if message.StopReason == unifiedllm.StopReasonError {
				if cfg.OnError != nil {
					cfg.OnError(message.ErrorMessage)
				}
				r.emitter.Emit(AgentEvent{Kind: EventTurnEnd, TurnIndex: r.turnIndex})
				return
			}

			if cfg.AfterTurn != nil {
				cfg.AfterTurn(r.actx.Messages, message.Usage)
			}

			toolCalls := message.ToolCalls()
			var toolResults []unifiedllm.Message
			var steeringAfterTools []AgentMessage

			if len(toolCalls) > 0 {
				scheduler := &toolScheduler{
					tools:    r.actx.Tools,
					strategy: cfg.ToolExecution,
					emitter:  r.emitter,
				}
				toolResults, steeringAfterTools = scheduler.run(r.ctx, toolCalls, cfg.GetSteeringMessages)
				for i := range toolResults {
					result := toolResults[i]
					am := AgentMessage{Llm: &result}
					r.actx.Messages = append(r.actx.Messages, am)
					*newMessages = append(*newMessages, am)
				}
			}

			r.recordTurn(message)
			r.emitter.Emit(AgentEvent{
				Kind:        EventTurnEnd,
				TurnIndex:   r.turnIndex,
				Message:     lastAssistant(r.actx.Messages),
				ToolResults: toolResults,
			})

			r.detectLoop(newMessages)

			if len(steeringAfterTools) > 0 {
				pending = steeringAfterTools
				continue
			}
			pending = r.drainSteering()

			if len(toolCalls) == 0 && len(pending) == 0 {
				break
			}
		}

		if cfg.GetFollowUpMessages != nil {
			if followUps := cfg.GetFollowUpMessages(); len(followUps) > 0 {
				pending = followUps
				continue
			}
		}
		return
	}
}

// appendMessage records a message in context and the new-message log and
// emits its start/end pair.
func (r *loopRun) appendMessage(msg AgentMessage, newMessages *[]AgentMessage) {
	m := msg
	r.actx.Messages = append(r.actx.Messages, m)
	*newMessages = append(*newMessages, m)
	r.emitter.Emit(AgentEvent{Kind: EventMessageStart, Message: &m})
	r.emitter.Emit(AgentEvent{Kind: EventMessageEnd, Message: &m})
}

func (r *loopRun) drainSteering() []AgentMessage {
	if r.cfg.GetSteeringMessages == nil {
		return nil
	}
	return r.cfg.GetSteeringMessages()
}

// compact applies the configured compaction and resets the context
// tracker, since message positions no longer match past usage reports.
func (r *loopRun) compact() {
	cfg := r.cfg
	compactor := cfg.Compactor
	if compactor == nil {
		if cfg.ContextConfig == nil {
			return
		}
		compactor = CompactMessages
	}
	contextCfg := DefaultContextConfig()
	if cfg.ContextConfig != nil {
		contextCfg = *cfg.ContextConfig
	}
	before := r.actx.Messages
	r.actx.Messages = compactor(before, contextCfg)
	if !sameSlice(before, r.actx.Messages) {
		r.ctxTrack.Reset()
	}
}

// sameSlice reports whether two slices share identity (same header).
func sameSlice(a, b []AgentMessage) bool {
	if len(a) != len(b) {
		return false
	}
	return len(a) == 0 || &a[0] == &b[0]
}

// recordTurn feeds the execution tracker and the context tracker with the
// turn's token consumption.
func (r *loopRun) recordTurn(message *unifiedllm.Message) {
	turnTokens := int(message.Usage.Input + message.Usage.Output)
	if turnTokens == 0 {
		turnTokens = MessageTokens(AgentMessage{Llm: message}, DefaultEstimator())
	}
	if r.tracker != nil {
		r.tracker.RecordTurn(turnTokens)
	}
	// The report covers the conversation through this assistant message;
	// tool results appended after it are left to the estimator.
	covered := len(r.actx.Messages)
	for i := len(r.actx.Messages) - 1; i >= 0; i-- {
		if r.actx.Messages[i].Llm == message {
			covered = i + 1
			break
		}
	}
	r.ctxTrack.RecordUsage(covered, message.Usage)

	if r.cfg.ContextConfig != nil {
		estimate := r.ctxTrack.Estimate(r.actx.Messages)
		threshold := r.cfg.ContextConfig.MaxContextTokens * 8 / 10
		if threshold > 0 && estimate > threshold {
			r.cfg.logger().Warn("context usage high",
				"estimated_tokens", estimate,
				"max_context_tokens", r.cfg.ContextConfig.MaxContextTokens)
		}
	}
}

// detectLoop injects a steering warning when the recent tool calls repeat.
func (r *loopRun) detectLoop(newMessages *[]AgentMessage) {
	window := r.cfg.LoopDetectionWindow
	if window <= 0 || !DetectLoop(r.actx.Messages, window) {
		return
	}
	warning := fmt.Sprintf(
		"Loop detected: the last %d tool calls follow a repeating pattern. Try a different approach.", window)
	r.cfg.logger().Warn("tool call loop detected", "window", window)
	r.appendMessage(UserAgentMessage(warning), newMessages)
}

// streamAssistantResponse calls the provider (with retry), forwarding
// stream events as message events, and appends the resulting assistant
// message to context. The returned flag reports cancellation.
func (r *loopRun) streamAssistantResponse(newMessages *[]AgentMessage) (*unifiedllm.Message, bool) {
	cfg := r.cfg

	messages := r.actx.Messages
	if cfg.TransformContext != nil {
		messages = cfg.TransformContext(messages)
	}
	var llmMessages []unifiedllm.Message
	if cfg.ConvertToLlm != nil {
		llmMessages = cfg.ConvertToLlm(messages)
	} else {
		llmMessages = ConvertToLlm(messages)
	}

	model := cfg.Model
	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = -1
	}
	streamCfg := unifiedllm.StreamConfig{
		Model:         model.ID,
		SystemPrompt:  r.actx.SystemPrompt,
		Messages:      llmMessages,
		Tools:         ToolDefinitions(r.actx.Tools),
		ThinkingLevel: cfg.ThinkingLevel,
		APIKey:        cfg.APIKey,
		MaxTokens:     cfg.MaxTokens,
		Temperature:   temperature,
		Cache:         cfg.Cache,
		ModelConfig:   &model,
	}

	onRetry := func(err error, attempt int, delay time.Duration) {
		cfg.logger().Warn("provider error, retrying",
			"attempt", attempt, "delay", delay, "error", err)
	}

	message, err := unifiedllm.Retry(r.ctx, cfg.Retry, onRetry, func(ctx context.Context) (*unifiedllm.Message, error) {
		return r.streamOnce(ctx, streamCfg)
	})

	if err != nil {
		if errors.Is(err, unifiedllm.ErrCancelled) || errors.Is(err, context.Canceled) || r.ctx.Err() != nil {
			aborted := r.finalizeAborted(streamCfg.Model)
			am := AgentMessage{Llm: aborted}
			r.actx.Messages = append(r.actx.Messages, am)
			*newMessages = append(*newMessages, am)
			r.emitter.Emit(AgentEvent{Kind: EventMessageEnd, Message: &am})
			return aborted, true
		}

		cfg.logger().Warn("provider error", "error", err)
		message = unifiedllm.ErrorMessageFor(streamCfg.Model, model.Provider, err.Error())
	}

	am := AgentMessage{Llm: message}
	r.actx.Messages = append(r.actx.Messages, am)
	*newMessages = append(*newMessages, am)
	if !r.messageStarted {
		r.emitter.Emit(AgentEvent{Kind: EventMessageStart, Message: &am})
	}
	r.messageStarted = false
	r.emitter.Emit(AgentEvent{Kind: EventMessageEnd, Message: &am})
	return message, false
}

// streamOnce runs a single provider attempt, translating stream events to
// message events in real time.
func (r *loopRun) streamOnce(ctx context.Context, streamCfg unifiedllm.StreamConfig) (*unifiedllm.Message, error) {
	events := make(chan unifiedllm.StreamEvent, 64)
	type outcome struct {
		message *unifiedllm.Message
		err     error
	}
	done := make(chan outcome, 1)

	go func() {
		message, err := r.cfg.Provider.Stream(ctx, streamCfg, events)
		close(events)
		done <- outcome{message, err}
	}()

	r.resetPartial(streamCfg.Model)
	for ev := range events {
		r.forwardStreamEvent(ev)
	}
	result := <-done

	if result.err != nil {
		if errors.Is(result.err, unifiedllm.ErrCancelled) || errors.Is(result.err, context.Canceled) || ctx.Err() != nil {
			// Leave the partial open; the abort path finalizes it with
			// an aborted stop reason.
			return nil, result.err
		}
		// A started message must still get its end event; pair it with
		// the partial carrying the failure before any retry begins.
		if r.messageStarted {
			r.partial.StopReason = unifiedllm.StopReasonError
			r.partial.ErrorMessage = result.err.Error()
			am := AgentMessage{Llm: r.partial}
			r.emitter.Emit(AgentEvent{Kind: EventMessageEnd, Message: &am})
			r.messageStarted = false
		}
		return nil, result.err
	}
	return result.message, nil
}

// forwardStreamEvent translates one provider event into message events,
// growing the partial assistant message as deltas arrive.
func (r *loopRun) forwardStreamEvent(ev unifiedllm.StreamEvent) {
	switch ev.Type {
	case unifiedllm.StreamStart:
		r.startPartial()
	case unifiedllm.StreamTextDelta:
		r.growContent(ev.ContentIndex, unifiedllm.ContentText)
		r.partial.Content[ev.ContentIndex].Text += ev.Delta
		r.emitUpdate(DeltaText, ev.Delta)
	case unifiedllm.StreamThinkingDelta:
		r.growContent(ev.ContentIndex, unifiedllm.ContentThinking)
		r.partial.Content[ev.ContentIndex].Thinking += ev.Delta
		r.emitUpdate(DeltaThinking, ev.Delta)
	case unifiedllm.StreamToolCallStart:
		r.growContent(ev.ContentIndex, unifiedllm.ContentToolCall)
		r.partial.Content[ev.ContentIndex].ID = ev.ToolCallID
		r.partial.Content[ev.ContentIndex].Name = ev.ToolCallName
	case unifiedllm.StreamToolCallDelta:
		r.growContent(ev.ContentIndex, unifiedllm.ContentToolCall)
		r.partial.Content[ev.ContentIndex].Arguments = append(
			r.partial.Content[ev.ContentIndex].Arguments, ev.Delta...)
		r.emitUpdate(DeltaToolCall, ev.Delta)
	case unifiedllm.StreamInputUsage:
		if ev.Usage != nil {
			r.partial.Usage = *ev.Usage
		}
	}
}

// Partial-message state for the in-flight provider stream.

func (r *loopRun) resetPartial(model string) {
	r.partial = &unifiedllm.Message{
		Role:      unifiedllm.RoleAssistant,
		Model:     model,
		Provider:  r.cfg.Model.Provider,
		Timestamp: unifiedllm.NowMillis(),
	}
	r.messageStarted = false
}

func (r *loopRun) startPartial() {
	if r.messageStarted {
		return
	}
	r.messageStarted = true
	am := AgentMessage{Llm: r.partial}
	r.emitter.Emit(AgentEvent{Kind: EventMessageStart, Message: &am})
}

func (r *loopRun) growContent(index int, kind unifiedllm.ContentType) {
	r.startPartial()
	for len(r.partial.Content) <= index {
		r.partial.Content = append(r.partial.Content, unifiedllm.Content{})
	}
	if r.partial.Content[index].Type == "" {
		r.partial.Content[index].Type = kind
	}
}

func (r *loopRun) emitUpdate(kind DeltaKind, delta string) {
	am := AgentMessage{Llm: r.partial}
	r.emitter.Emit(AgentEvent{
		Kind:    EventMessageUpdate,
		Message: &am,
		Delta:   &StreamDelta{Kind: kind, Delta: delta},
	})
}

// finalizeAborted turns the partial stream state into an aborted
// assistant message. A never-started stream still produces a message so
// callers can observe the abort in history.
func (r *loopRun) finalizeAborted(model string) *unifiedllm.Message {
	msg := r.partial
	if msg == nil {
		msg = &unifiedllm.Message{
			Role:      unifiedllm.RoleAssistant,
			Model:     model,
			Provider:  r.cfg.Model.Provider,
			Timestamp: unifiedllm.NowMillis(),
		}
	}
	if !r.messageStarted {
		am := AgentMessage{Llm: msg}
		r.emitter.Emit(AgentEvent{Kind: EventMessageStart, Message: &am})
	}
	r.messageStarted = false
	msg.StopReason = unifiedllm.StopReasonAborted
	for i := range msg.Content {
		if msg.Content[i].Type == unifiedllm.ContentToolCall && !json.Valid(msg.Content[i].Arguments) {
			msg.Content[i].Arguments = json.RawMessage("{}")
		}
	}
	return msg
}

// lastAssistant returns the most recent assistant message in history.
func lastAssistant(messages []AgentMessage) *AgentMessage {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Llm != nil && messages[i].Llm.Role == unifiedllm.RoleAssistant {
			return &messages[i]
		}
	}
	return nil
}
