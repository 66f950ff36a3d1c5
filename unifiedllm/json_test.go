package unifiedllm

import (
	"encoding/json"
	"reflect"
	"testing"
)

func roundtripMessage(t *testing.T, msg Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Message
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(msg, back) {
		t.Errorf("roundtrip mismatch:\n  in:  %+v\n  out: %+v", msg, back)
	}
}

func TestUserMessageRoundtrip(t *testing.T) {
	roundtripMessage(t, Message{
		Role:      RoleUser,
		Content:   []Content{TextContent("Hello")},
		Timestamp: 123456,
	})
}

func TestAssistantMessageRoundtrip(t *testing.T) {
	roundtripMessage(t, Message{
		Role: RoleAssistant,
		Content: []Content{
			TextContent("Hi there"),
			ToolCallContent("tc-1", "read_file", json.RawMessage(`{"path":"foo.go"}`)),
		},
		StopReason: StopReasonToolUse,
		Model:      "claude-sonnet",
		Provider:   "anthropic",
		Usage:      Usage{Input: 100, Output: 50, CacheRead: 10, CacheWrite: 5, TotalTokens: 165},
		Timestamp:  789,
	})
}

func TestAssistantErrorMessageRoundtrip(t *testing.T) {
	roundtripMessage(t, Message{
		Role:         RoleAssistant,
		Content:      []Content{TextContent("")},
		StopReason:   StopReasonError,
		Model:        "m",
		Provider:     "p",
		Timestamp:    1,
		ErrorMessage: "rate limited",
	})
}

func TestToolResultMessageRoundtrip(t *testing.T) {
	roundtripMessage(t, Message{
		Role:       RoleToolResult,
		Content:    []Content{TextContent("exit code 0")},
		ToolCallID: "tc-1",
		ToolName:   "shell",
		IsError:    false,
		Timestamp:  999,
	})
	roundtripMessage(t, Message{
		Role:       RoleToolResult,
		Content:    []Content{TextContent("boom")},
		ToolCallID: "tc-2",
		ToolName:   "shell",
		IsError:    true,
		Timestamp:  1000,
	})
}

func TestContentVariantsRoundtrip(t *testing.T) {
	variants := []Content{
		TextContent("hello"),
		ImageContent("base64data", "image/png"),
		ThinkingContent("let me think...", "sig123"),
		ToolCallContent("tc-1", "shell", json.RawMessage(`{"command":"ls"}`)),
	}
	for _, c := range variants {
		data, err := json.Marshal(c)
		if err != nil {
			t.Fatalf("marshal %s: %v", c.Type, err)
		}
		var back Content
		if err := json.Unmarshal(data, &back); err != nil {
			t.Fatalf("unmarshal %s: %v", c.Type, err)
		}
		if !reflect.DeepEqual(c, back) {
			t.Errorf("%s roundtrip mismatch: %+v vs %+v", c.Type, c, back)
		}
	}
}

func TestUnknownFieldsIgnored(t *testing.T) {
	payload := `{"role":"user","content":[{"type":"text","text":"hi"}],"timestamp":5,"futureField":true}`
	var msg Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		t.Fatalf("unmarshal with unknown field: %v", err)
	}
	if msg.TextContent() != "hi" {
		t.Errorf("expected text preserved, got %q", msg.TextContent())
	}
}

func TestUnknownRoleRejected(t *testing.T) {
	var msg Message
	if err := json.Unmarshal([]byte(`{"role":"wizard","content":[]}`), &msg); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestRoleDiscriminantWritten(t *testing.T) {
	data, err := json.Marshal(*UserMessage("x"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	if raw["role"] != "user" {
		t.Errorf("expected role discriminant, got %v", raw["role"])
	}
	if _, present := raw["usage"]; present {
		t.Error("user message must not carry assistant fields")
	}
}
