package agentloop

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/martinemde/lodestar/unifiedllm"
)

func sampleConversation() []AgentMessage {
	return []AgentMessage{
		UserAgentMessage("Read the file"),
		{Llm: &unifiedllm.Message{
			Role: unifiedllm.RoleAssistant,
			Content: []unifiedllm.Content{
				unifiedllm.ToolCallContent("tc-1", "read_file", json.RawMessage(`{"path":"main.go"}`)),
			},
			StopReason: unifiedllm.StopReasonToolUse,
			Model:      "mock",
			Provider:   "mock",
			Timestamp:  100,
		}},
		{Llm: unifiedllm.ToolResultMessage("tc-1", "read_file",
			[]unifiedllm.Content{unifiedllm.TextContent("package main")}, false)},
		ExtensionOf("status", map[string]any{"state": "running"}),
		{Llm: &unifiedllm.Message{
			Role:       unifiedllm.RoleAssistant,
			Content:    []unifiedllm.Content{unifiedllm.TextContent("done")},
			StopReason: unifiedllm.StopReasonStop,
			Model:      "mock",
			Provider:   "mock",
			Usage:      unifiedllm.Usage{Input: 10, Output: 2, TotalTokens: 12},
			Timestamp:  200,
		}},
	}
}

func TestSaveRestoreRoundtrip(t *testing.T) {
	conversation := sampleConversation()
	saved, err := SaveMessages(conversation)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	restored, err := RestoreMessages(saved)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !reflect.DeepEqual(conversation, restored) {
		t.Errorf("roundtrip mismatch:\n  in:  %+v\n  out: %+v", conversation, restored)
	}
}

func TestExtensionRoundtrip(t *testing.T) {
	ext := ExtensionOf("notification", map[string]any{"text": "build finished"})
	data, err := json.Marshal(ext)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	if raw["role"] != RoleExtension {
		t.Errorf("expected extension discriminant, got %v", raw["role"])
	}

	var back AgentMessage
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.IsExtension() || back.Extension.Kind != "notification" {
		t.Errorf("extension lost in roundtrip: %+v", back)
	}
}

func TestConvertToLlmDropsExtensions(t *testing.T) {
	conversation := sampleConversation()
	llm := ConvertToLlm(conversation)
	if len(llm) != 4 {
		t.Fatalf("expected 4 llm messages, got %d", len(llm))
	}
	for _, msg := range llm {
		if msg.Role != unifiedllm.RoleUser &&
			msg.Role != unifiedllm.RoleAssistant &&
			msg.Role != unifiedllm.RoleToolResult {
			t.Errorf("unexpected role reached provider conversion: %s", msg.Role)
		}
	}
}

func TestAgentMessageRole(t *testing.T) {
	if got := UserAgentMessage("x").Role(); got != "user" {
		t.Errorf("expected user, got %q", got)
	}
	if got := ExtensionOf("k", nil).Role(); got != RoleExtension {
		t.Errorf("expected extension, got %q", got)
	}
}
