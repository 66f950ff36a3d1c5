package unifiedllm

import (
	"encoding/json"
	"testing"
)

func TestUsageCacheHitRate(t *testing.T) {
	u := Usage{Input: 90, CacheRead: 10}
	if got := u.CacheHitRate(); got != 0.1 {
		t.Errorf("expected 0.1, got %v", got)
	}

	zero := Usage{}
	if got := zero.CacheHitRate(); got != 0 {
		t.Errorf("expected 0 for empty usage, got %v", got)
	}
}

func TestUsageAdd(t *testing.T) {
	a := Usage{Input: 10, Output: 5, CacheRead: 2, CacheWrite: 1, TotalTokens: 18}
	b := Usage{Input: 1, Output: 1, TotalTokens: 2}
	sum := a.Add(b)
	if sum.Input != 11 || sum.Output != 6 || sum.CacheRead != 2 || sum.TotalTokens != 20 {
		t.Errorf("unexpected sum: %+v", sum)
	}
}

func TestMessageTextContent(t *testing.T) {
	msg := &Message{
		Role: RoleAssistant,
		Content: []Content{
			TextContent("hello "),
			ThinkingContent("hidden", ""),
			TextContent("world"),
		},
	}
	if got := msg.TextContent(); got != "hello world" {
		t.Errorf("expected %q, got %q", "hello world", got)
	}
	if got := msg.ThinkingText(); got != "hidden" {
		t.Errorf("expected %q, got %q", "hidden", got)
	}
}

func TestMessageToolCalls(t *testing.T) {
	msg := &Message{
		Role: RoleAssistant,
		Content: []Content{
			TextContent("using a tool"),
			ToolCallContent("c1", "read_file", json.RawMessage(`{"path":"a.txt"}`)),
			ToolCallContent("c2", "shell", json.RawMessage(`{"command":"ls"}`)),
		},
	}
	calls := msg.ToolCalls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(calls))
	}
	if calls[0].ID != "c1" || calls[1].ID != "c2" {
		t.Errorf("unexpected call order: %q, %q", calls[0].ID, calls[1].ID)
	}
}

func TestMessageIsContextOverflow(t *testing.T) {
	msg := ErrorMessageFor("m", "anthropic", "prompt is too long: 210000 tokens > 200000 maximum")
	if !msg.IsContextOverflow() {
		t.Error("expected overflow message to classify as overflow")
	}

	plain := ErrorMessageFor("m", "anthropic", "invalid request")
	if plain.IsContextOverflow() {
		t.Error("expected non-overflow message to not classify")
	}

	ok := AssistantMessage([]Content{TextContent("hi")}, StopReasonStop, "m", "p", Usage{})
	if ok.IsContextOverflow() {
		t.Error("successful message must not classify as overflow")
	}
}

func TestMessageClone(t *testing.T) {
	original := &Message{
		Role: RoleAssistant,
		Content: []Content{
			ToolCallContent("c1", "shell", json.RawMessage(`{"command":"ls"}`)),
		},
	}
	clone := original.Clone()
	clone.Content[0].Arguments[2] = 'X'
	if string(original.Content[0].Arguments) != `{"command":"ls"}` {
		t.Error("clone shares argument backing with original")
	}
}

func TestThinkingLevelMappings(t *testing.T) {
	budgets := map[ThinkingLevel]int{
		ThinkingOff:     0,
		ThinkingMinimal: 128,
		ThinkingLow:     512,
		ThinkingMedium:  2048,
		ThinkingHigh:    8192,
	}
	for level, want := range budgets {
		if got := level.BudgetTokens(); got != want {
			t.Errorf("%s: expected budget %d, got %d", level, want, got)
		}
	}

	if got := ThinkingMinimal.ReasoningEffort(); got != "low" {
		t.Errorf("expected low, got %q", got)
	}
	if got := ThinkingHigh.ReasoningEffort(); got != "high" {
		t.Errorf("expected high, got %q", got)
	}
	if got := ThinkingOff.ReasoningEffort(); got != "" {
		t.Errorf("expected empty effort for off, got %q", got)
	}
}
