package agentloop

import (
	"context"
	"errors"
	"sync"

	"github.com/martinemde/lodestar/unifiedllm"
)

// skipReason is the synthesized result text for tool calls short-circuited
// by a queued steering message.
const skipReason = "Skipped due to queued user message"

// StrategyKind selects how a turn's tool calls are dispatched.
type StrategyKind string

const (
	StrategySequential StrategyKind = "sequential"
	StrategyParallel   StrategyKind = "parallel"
	StrategyBatched    StrategyKind = "batched"
)

// ToolExecutionStrategy configures the tool scheduler. Steering
// checkpoints depend on the kind: sequential checks between every call,
// parallel once after the whole batch, batched between FIFO groups.
type ToolExecutionStrategy struct {
	Kind      StrategyKind
	BatchSize int // used by StrategyBatched
}

// SequentialExecution runs tools one at a time.
func SequentialExecution() ToolExecutionStrategy {
	return ToolExecutionStrategy{Kind: StrategySequential}
}

// ParallelExecution dispatches all tools concurrently. This is the
// default.
func ParallelExecution() ToolExecutionStrategy {
	return ToolExecutionStrategy{Kind: StrategyParallel}
}

// BatchedExecution dispatches tools in FIFO groups of size n.
func BatchedExecution(n int) ToolExecutionStrategy {
	if n < 1 {
		n = 1
	}
	return ToolExecutionStrategy{Kind: StrategyBatched, BatchSize: n}
}

// toolScheduler runs the tool calls of one assistant turn and synthesizes
// tool result messages in the order the model requested them.
type toolScheduler struct {
	tools    []Tool
	strategy ToolExecutionStrategy
	emitter  *EventEmitter
}

// run executes calls per the strategy. It returns the result messages in
// request order plus any steering messages that interrupted the batch.
func (s *toolScheduler) run(ctx context.Context, calls []unifiedllm.Content, getSteering GetMessagesFunc) ([]unifiedllm.Message, []AgentMessage) {
	switch s.strategy.Kind {
	case StrategySequential:
		return s.runGrouped(ctx, calls, 1, getSteering)
	case StrategyBatched:
		return s.runGrouped(ctx, calls, s.strategy.BatchSize, getSteering)
	default:
		return s.runParallel(ctx, calls, getSteering)
	}
}

// runGrouped dispatches calls in FIFO groups of size n with a steering
// checkpoint between groups. n=1 is sequential execution.
func (s *toolScheduler) runGrouped(ctx context.Context, calls []unifiedllm.Content, n int, getSteering GetMessagesFunc) ([]unifiedllm.Message, []AgentMessage) {
	results := make([]unifiedllm.Message, len(calls))
	var steering []AgentMessage

	for start := 0; start < len(calls); start += n {
		end := min(start+n, len(calls))

		if ctx.Err() != nil {
			s.fillCancelled(results, calls, start)
			return results, steering
		}

		group := calls[start:end]
		if len(group) == 1 {
			results[start] = s.executeOne(ctx, group[0])
		} else {
			s.executeConcurrent(ctx, group, results[start:end])
		}

		if getSteering != nil && end < len(calls) {
			if queued := getSteering(); len(queued) > 0 {
				steering = queued
				for i := end; i < len(calls); i++ {
					results[i] = s.skipOne(calls[i])
				}
				return results, steering
			}
		}
	}

	if getSteering != nil {
		steering = getSteering()
	}
	return results, steering
}

// runParallel dispatches every call concurrently and checks steering once
// after the batch resolves.
func (s *toolScheduler) runParallel(ctx context.Context, calls []unifiedllm.Content, getSteering GetMessagesFunc) ([]unifiedllm.Message, []AgentMessage) {
	results := make([]unifiedllm.Message, len(calls))
	s.executeConcurrent(ctx, calls, results)

	var steering []AgentMessage
	if getSteering != nil {
		steering = getSteering()
	}
	return results, steering
}

func (s *toolScheduler) executeConcurrent(ctx context.Context, calls []unifiedllm.Content, results []unifiedllm.Message) {
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, call unifiedllm.Content) {
			defer wg.Done()
			results[idx] = s.executeOne(ctx, call)
		}(i, call)
	}
	wg.Wait()
}

// executeOne runs a single tool call through the full pipeline:
// lookup, execute with a derived child context, emit, synthesize.
func (s *toolScheduler) executeOne(ctx context.Context, call unifiedllm.Content) unifiedllm.Message {
	s.emitter.Emit(AgentEvent{
		Kind:       EventToolExecutionStart,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Args:       call.Arguments,
	})

	var result *ToolResult
	var execErr error

	tool := findTool(s.tools, call.Name)
	if tool == nil {
		execErr = &ToolNotFoundError{Name: call.Name}
	} else if err := ctx.Err(); err != nil {
		execErr = ErrToolCancelled
	} else {
		callCtx, cancel := context.WithCancel(ctx)
		tc := ToolContext{
			CallID:   call.ID,
			ToolName: call.Name,
			OnUpdate: func(partial *ToolResult) {
				s.emitter.Emit(AgentEvent{
					Kind:       EventToolExecutionUpdate,
					ToolCallID: call.ID,
					ToolName:   call.Name,
					Result:     partial,
				})
			},
			OnProgress: func(text string) {
				s.emitter.Emit(AgentEvent{
					Kind:       EventProgressMessage,
					ToolCallID: call.ID,
					ToolName:   call.Name,
					Text:       text,
				})
			},
		}
		result, execErr = tool.Execute(callCtx, tc, call.Arguments)
		cancel()
	}

	isError := false
	if execErr != nil {
		isError = true
		text := execErr.Error()
		if errors.Is(execErr, context.Canceled) {
			text = ErrToolCancelled.Error()
		}
		result = TextResult(text)
	} else if result == nil {
		result = TextResult("")
	}

	s.emitter.Emit(AgentEvent{
		Kind:       EventToolExecutionEnd,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Result:     result,
		IsError:    isError,
	})

	return s.emitResultMessage(call, result.Content, isError)
}

// skipOne synthesizes a skipped result for a call short-circuited by
// steering.
func (s *toolScheduler) skipOne(call unifiedllm.Content) unifiedllm.Message {
	result := TextResult(skipReason)

	s.emitter.Emit(AgentEvent{
		Kind:       EventToolExecutionStart,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Args:       call.Arguments,
	})
	s.emitter.Emit(AgentEvent{
		Kind:       EventToolExecutionEnd,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Result:     result,
		IsError:    true,
	})

	return s.emitResultMessage(call, result.Content, true)
}

// fillCancelled synthesizes cancelled results for calls never dispatched.
func (s *toolScheduler) fillCancelled(results []unifiedllm.Message, calls []unifiedllm.Content, from int) {
	for i := from; i < len(calls); i++ {
		result := TextResult(ErrToolCancelled.Error())
		s.emitter.Emit(AgentEvent{
			Kind:       EventToolExecutionStart,
			ToolCallID: calls[i].ID,
			ToolName:   calls[i].Name,
			Args:       calls[i].Arguments,
		})
		s.emitter.Emit(AgentEvent{
			Kind:       EventToolExecutionEnd,
			ToolCallID: calls[i].ID,
			ToolName:   calls[i].Name,
			Result:     result,
			IsError:    true,
		})
		results[i] = s.emitResultMessage(calls[i], result.Content, true)
	}
}

func (s *toolScheduler) emitResultMessage(call unifiedllm.Content, content []unifiedllm.Content, isError bool) unifiedllm.Message {
	msg := unifiedllm.ToolResultMessage(call.ID, call.Name, content, isError)
	am := AgentMessage{Llm: msg}
	s.emitter.Emit(AgentEvent{Kind: EventMessageStart, Message: &am})
	s.emitter.Emit(AgentEvent{Kind: EventMessageEnd, Message: &am})
	return *msg
}
