package agentloop

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/martinemde/lodestar/unifiedllm"
)

func mockModel() unifiedllm.ModelConfig {
	return unifiedllm.ModelConfig{ID: "mock", Name: "Mock", Provider: "mock"}
}

func baseLoopConfig(provider unifiedllm.StreamProvider) *AgentLoopConfig {
	return &AgentLoopConfig{
		Provider: provider,
		Model:    mockModel(),
		APIKey:   "test",
		Retry:    unifiedllm.NoRetry(),
	}
}

// runAgentLoop drives one invocation synchronously and returns the new
// messages plus every emitted event.
func runAgentLoop(t *testing.T, prompts []AgentMessage, actx *AgentContext, cfg *AgentLoopConfig) ([]AgentMessage, []AgentEvent) {
	t.Helper()
	emitter := NewEventEmitter()
	newMessages := AgentLoop(context.Background(), prompts, actx, cfg, emitter)
	emitter.Close()

	var events []AgentEvent
	for ev := range emitter.Events() {
		events = append(events, ev)
	}
	return newMessages, events
}

func eventKinds(events []AgentEvent) []EventKind {
	kinds := make([]EventKind, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func TestSingleTextTurn(t *testing.T) {
	provider := unifiedllm.NewMockProvider(unifiedllm.MockResponse{
		Text:  "hi",
		Usage: unifiedllm.Usage{Input: 5, Output: 1, TotalTokens: 6},
	})
	actx := &AgentContext{SystemPrompt: "You are helpful."}

	newMessages, events := runAgentLoop(t,
		[]AgentMessage{UserAgentMessage("hello")}, actx, baseLoopConfig(provider))

	want := []EventKind{
		EventAgentStart,
		EventTurnStart,
		EventMessageStart, // user
		EventMessageEnd,
		EventMessageStart, // assistant
		EventMessageUpdate,
		EventMessageEnd,
		EventTurnEnd,
		EventAgentEnd,
	}
	got := eventKinds(events)
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	if len(actx.Messages) != 2 {
		t.Fatalf("expected context length 2, got %d", len(actx.Messages))
	}
	assistant := actx.Messages[1].Llm
	if assistant.TextContent() != "hi" || assistant.StopReason != unifiedllm.StopReasonStop {
		t.Errorf("unexpected assistant message: %+v", assistant)
	}
	if assistant.Usage.Input != 5 || assistant.Usage.Output != 1 {
		t.Errorf("unexpected usage: %+v", assistant.Usage)
	}
	if len(newMessages) != 2 {
		t.Errorf("expected 2 new messages, got %d", len(newMessages))
	}
}

func TestToolCallRoundTrip(t *testing.T) {
	provider := unifiedllm.NewMockProvider(
		unifiedllm.MockResponse{ToolCalls: []unifiedllm.MockToolCall{
			{Name: "read_file", Arguments: json.RawMessage(`{"path":"a.txt"}`)},
		}},
		unifiedllm.MockResponse{Text: "done"},
	)
	readFile := &FuncTool{
		ToolName:        "read_file",
		ToolDescription: "Read a file",
		Fn: func(ctx context.Context, tc ToolContext, args json.RawMessage) (*ToolResult, error) {
			return TextResult("OK"), nil
		},
	}
	actx := &AgentContext{Tools: []Tool{readFile}}

	_, events := runAgentLoop(t,
		[]AgentMessage{UserAgentMessage("read a.txt")}, actx, baseLoopConfig(provider))

	// Context: user, assistant(toolUse), toolResult, assistant(stop).
	if len(actx.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(actx.Messages))
	}

	first := actx.Messages[1].Llm
	if first.StopReason != unifiedllm.StopReasonToolUse {
		t.Errorf("unexpected first stop reason: %s", first.StopReason)
	}
	callID := first.ToolCalls()[0].ID

	result := actx.Messages[2].Llm
	if result.Role != unifiedllm.RoleToolResult {
		t.Fatalf("expected tool result between assistant turns, got %s", result.Role)
	}
	if result.ToolCallID != callID || result.ToolName != "read_file" {
		t.Errorf("result not paired with call: %+v", result)
	}
	if result.TextContent() != "OK" || result.IsError {
		t.Errorf("unexpected result: %+v", result)
	}

	last := actx.Messages[3].Llm
	if last.TextContent() != "done" || last.StopReason != unifiedllm.StopReasonStop {
		t.Errorf("unexpected final message: %+v", last)
	}

	// Tool execution start/end pair for the call id.
	var starts, ends int
	for _, ev := range events {
		switch ev.Kind {
		case EventToolExecutionStart:
			if ev.ToolCallID == callID {
				starts++
			}
		case EventToolExecutionEnd:
			if ev.ToolCallID == callID {
				ends++
			}
		}
	}
	if starts != 1 || ends != 1 {
		t.Errorf("expected exactly one start/end pair, got %d/%d", starts, ends)
	}
}

func TestToolErrorContinuesLoop(t *testing.T) {
	provider := unifiedllm.NewMockProvider(
		unifiedllm.MockResponse{ToolCalls: []unifiedllm.MockToolCall{{Name: "bad"}}},
		unifiedllm.MockResponse{Text: "recovered"},
	)
	bad := &FuncTool{
		ToolName: "bad",
		Fn: func(ctx context.Context, tc ToolContext, args json.RawMessage) (*ToolResult, error) {
			return nil, &ToolFailedError{Text: "disk on fire"}
		},
	}
	actx := &AgentContext{Tools: []Tool{bad}}

	runAgentLoop(t, []AgentMessage{UserAgentMessage("go")}, actx, baseLoopConfig(provider))

	result := actx.Messages[2].Llm
	if !result.IsError || !strings.Contains(result.TextContent(), "disk on fire") {
		t.Errorf("tool failure must become an is-error result: %+v", result)
	}
	last := actx.Messages[len(actx.Messages)-1].Llm
	if last.TextContent() != "recovered" {
		t.Error("loop must continue after tool failure")
	}
}

func TestUnknownToolReportsError(t *testing.T) {
	provider := unifiedllm.NewMockProvider(
		unifiedllm.MockResponse{ToolCalls: []unifiedllm.MockToolCall{{Name: "ghost"}}},
		unifiedllm.MockResponse{Text: "ok"},
	)
	actx := &AgentContext{}

	runAgentLoop(t, []AgentMessage{UserAgentMessage("go")}, actx, baseLoopConfig(provider))

	result := actx.Messages[2].Llm
	if !result.IsError || !strings.Contains(result.TextContent(), "Tool not found") {
		t.Errorf("unknown tool must produce an error result: %+v", result)
	}
}

func TestRetryOnRateLimit(t *testing.T) {
	provider := unifiedllm.NewMockProvider(
		unifiedllm.MockResponse{Err: &unifiedllm.RateLimitError{
			ProviderError: unifiedllm.ProviderError{Provider: "mock", Message: "slow down"},
			RetryAfter:    50 * time.Millisecond,
		}},
		unifiedllm.MockResponse{Err: &unifiedllm.RateLimitError{
			ProviderError: unifiedllm.ProviderError{Provider: "mock", Message: "slow down"},
			RetryAfter:    50 * time.Millisecond,
		}},
		unifiedllm.MockResponse{Text: "finally"},
	)
	cfg := baseLoopConfig(provider)
	cfg.Retry = unifiedllm.DefaultRetryConfig()
	actx := &AgentContext{}

	start := time.Now()
	runAgentLoop(t, []AgentMessage{UserAgentMessage("hello")}, actx, cfg)

	if provider.Calls() != 3 {
		t.Errorf("expected 3 provider invocations, got %d", provider.Calls())
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("expected two waits honoring the 50ms hint, took %v", elapsed)
	}
	last := actx.Messages[len(actx.Messages)-1].Llm
	if last.TextContent() != "finally" || last.StopReason != unifiedllm.StopReasonStop {
		t.Errorf("expected normal delivery after retries: %+v", last)
	}
}

func TestPermanentProviderErrorTerminates(t *testing.T) {
	provider := unifiedllm.NewMockProvider(unifiedllm.MockResponse{
		Err: &unifiedllm.AuthError{ProviderError: unifiedllm.ProviderError{
			Provider: "mock", Message: "invalid api key"}},
	})
	cfg := baseLoopConfig(provider)
	var reported string
	cfg.OnError = func(text string) { reported = text }
	actx := &AgentContext{}

	runAgentLoop(t, []AgentMessage{UserAgentMessage("hello")}, actx, cfg)

	last := actx.Messages[len(actx.Messages)-1].Llm
	if last.StopReason != unifiedllm.StopReasonError {
		t.Fatalf("expected error stop reason, got %s", last.StopReason)
	}
	if !strings.Contains(last.ErrorMessage, "invalid api key") {
		t.Errorf("error text lost: %q", last.ErrorMessage)
	}
	if !strings.Contains(reported, "invalid api key") {
		t.Errorf("on-error callback not invoked: %q", reported)
	}
}

func TestContextOverflowThenContinue(t *testing.T) {
	provider := unifiedllm.NewMockProvider(
		unifiedllm.MockResponse{ErrorText: "prompt is too long: 210000 tokens > 200000 maximum"},
		unifiedllm.MockResponse{Text: "fits now"},
	)
	cfg := baseLoopConfig(provider)
	actx := &AgentContext{}

	runAgentLoop(t, []AgentMessage{UserAgentMessage("huge prompt")}, actx, cfg)

	errMsg := actx.Messages[len(actx.Messages)-1].Llm
	if !errMsg.IsContextOverflow() {
		t.Fatal("expected overflow classification on the error message")
	}

	// Caller reaction: drop the failed assistant message, compact, and
	// re-enter through the continuation entrypoint.
	actx.Messages = actx.Messages[:len(actx.Messages)-1]
	actx.Messages = CompactMessages(actx.Messages, DefaultContextConfig())

	emitter := NewEventEmitter()
	newMessages, err := AgentLoopContinue(context.Background(), actx, cfg, emitter)
	emitter.Close()
	for range emitter.Events() {
	}
	if err != nil {
		t.Fatalf("continue: %v", err)
	}

	if len(newMessages) != 1 {
		t.Fatalf("expected 1 new message from continuation, got %d", len(newMessages))
	}
	last := actx.Messages[len(actx.Messages)-1].Llm
	if last.TextContent() != "fits now" {
		t.Errorf("unexpected continuation result: %+v", last)
	}
	if len(actx.Messages) != 2 {
		t.Errorf("expected user + assistant after continuation, got %d messages", len(actx.Messages))
	}
}

func TestContinueRefusesAfterAssistant(t *testing.T) {
	provider := unifiedllm.MockText("hi")
	cfg := baseLoopConfig(provider)
	actx := &AgentContext{Messages: []AgentMessage{
		{Llm: unifiedllm.AssistantMessage(
			[]unifiedllm.Content{unifiedllm.TextContent("x")},
			unifiedllm.StopReasonStop, "m", "p", unifiedllm.Usage{})},
	}}

	emitter := NewEventEmitter()
	defer emitter.Close()
	if _, err := AgentLoopContinue(context.Background(), actx, cfg, emitter); err == nil {
		t.Error("expected refusal when the last message is an assistant message")
	}

	empty := &AgentContext{}
	if _, err := AgentLoopContinue(context.Background(), empty, cfg, emitter); err == nil {
		t.Error("expected refusal on empty context")
	}
}

func TestExecutionLimitAppendsMarker(t *testing.T) {
	provider := unifiedllm.NewMockProvider(
		unifiedllm.MockResponse{ToolCalls: []unifiedllm.MockToolCall{{Name: "noop"}}},
		unifiedllm.MockResponse{Text: "should not be reached"},
	)
	noop := &FuncTool{
		ToolName: "noop",
		Fn: func(ctx context.Context, tc ToolContext, args json.RawMessage) (*ToolResult, error) {
			return TextResult("done"), nil
		},
	}
	cfg := baseLoopConfig(provider)
	limits := ExecutionLimits{MaxTurns: 1, MaxTotalTokens: 1_000_000, MaxDuration: time.Minute}
	cfg.ExecutionLimits = &limits
	actx := &AgentContext{Tools: []Tool{noop}}

	runAgentLoop(t, []AgentMessage{UserAgentMessage("go")}, actx, cfg)

	if provider.Calls() != 1 {
		t.Errorf("expected 1 provider call under a 1-turn cap, got %d", provider.Calls())
	}
	last := actx.Messages[len(actx.Messages)-1]
	if !last.IsExtension() || last.Extension.Kind != "limit" {
		t.Fatalf("expected limit marker extension, got %+v", last)
	}
	text, _ := last.Extension.Data["text"].(string)
	if !strings.Contains(text, "Max turns") {
		t.Errorf("marker must describe the limit: %q", text)
	}
}

func TestBeforeTurnFalseTerminates(t *testing.T) {
	provider := unifiedllm.MockText("never")
	cfg := baseLoopConfig(provider)
	cfg.BeforeTurn = func(messages []AgentMessage, turnIndex int) bool { return false }
	actx := &AgentContext{}

	_, events := runAgentLoop(t, []AgentMessage{UserAgentMessage("go")}, actx, cfg)

	if provider.Calls() != 0 {
		t.Errorf("before-turn false must skip the provider, got %d calls", provider.Calls())
	}
	// No assistant message is synthesized.
	if len(actx.Messages) != 1 {
		t.Errorf("expected only the prompt in context, got %d messages", len(actx.Messages))
	}
	kinds := eventKinds(events)
	if kinds[len(kinds)-1] != EventAgentEnd {
		t.Errorf("expected agentEnd last, got %s", kinds[len(kinds)-1])
	}
}

func TestFollowUpRunsAnotherCycle(t *testing.T) {
	provider := unifiedllm.NewMockProvider(
		unifiedllm.MockResponse{Text: "first answer"},
		unifiedllm.MockResponse{Text: "second answer"},
	)
	cfg := baseLoopConfig(provider)
	delivered := false
	cfg.GetFollowUpMessages = func() []AgentMessage {
		if delivered {
			return nil
		}
		delivered = true
		return []AgentMessage{UserAgentMessage("and another thing")}
	}
	actx := &AgentContext{}

	runAgentLoop(t, []AgentMessage{UserAgentMessage("first")}, actx, cfg)

	if provider.Calls() != 2 {
		t.Fatalf("expected 2 provider calls, got %d", provider.Calls())
	}
	// user, assistant, follow-up user, assistant
	if len(actx.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(actx.Messages))
	}
	if actx.Messages[2].Llm.TextContent() != "and another thing" {
		t.Errorf("follow-up not injected as user message: %+v", actx.Messages[2].Llm)
	}
	if actx.Messages[3].Llm.TextContent() != "second answer" {
		t.Errorf("unexpected final answer: %+v", actx.Messages[3].Llm)
	}
}

func TestAbortFinalizesAndStops(t *testing.T) {
	provider := unifiedllm.NewMockProvider(unifiedllm.MockResponse{
		Text:  "slow",
		Delay: 300 * time.Millisecond,
	})
	cfg := baseLoopConfig(provider)
	actx := &AgentContext{}

	ctx, cancel := context.WithCancel(context.Background())
	emitter := NewEventEmitter()
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	AgentLoop(ctx, []AgentMessage{UserAgentMessage("go")}, actx, cfg, emitter)
	emitter.Close()

	var events []AgentEvent
	for ev := range emitter.Events() {
		events = append(events, ev)
	}
	kinds := eventKinds(events)
	if kinds[len(kinds)-1] != EventAgentEnd {
		t.Fatalf("expected agentEnd last, got %s", kinds[len(kinds)-1])
	}

	last := actx.Messages[len(actx.Messages)-1].Llm
	if last.Role != unifiedllm.RoleAssistant || last.StopReason != unifiedllm.StopReasonAborted {
		t.Errorf("expected aborted assistant message, got %+v", last)
	}
}

func TestLoopDetectionInjectsWarning(t *testing.T) {
	responses := make([]unifiedllm.MockResponse, 0, 5)
	for i := 0; i < 4; i++ {
		responses = append(responses, unifiedllm.MockResponse{
			ToolCalls: []unifiedllm.MockToolCall{{Name: "same", Arguments: json.RawMessage(`{"x":1}`)}},
		})
	}
	responses = append(responses, unifiedllm.MockResponse{Text: "stopping"})
	provider := unifiedllm.NewMockProvider(responses...)

	same := &FuncTool{
		ToolName: "same",
		Fn: func(ctx context.Context, tc ToolContext, args json.RawMessage) (*ToolResult, error) {
			return TextResult("same output"), nil
		},
	}
	cfg := baseLoopConfig(provider)
	cfg.LoopDetectionWindow = 3
	actx := &AgentContext{Tools: []Tool{same}}

	runAgentLoop(t, []AgentMessage{UserAgentMessage("go")}, actx, cfg)

	found := false
	for _, msg := range actx.Messages {
		if msg.Llm != nil && strings.Contains(msg.Llm.TextContent(), "Loop detected") {
			found = true
		}
	}
	if !found {
		t.Error("expected loop detection warning in history")
	}
}
