package agentloop

import (
	"fmt"
	"strings"

	"github.com/martinemde/lodestar/unifiedllm"
)

// ContextConfig bounds how much conversation is sent to the model.
type ContextConfig struct {
	// Compaction budget in tokens.
	MaxContextTokens int
	// Tokens reserved for the system prompt inside the budget.
	SystemPromptTokens int
	// Trailing messages always kept verbatim.
	KeepRecent int
	// Leading messages always kept (initial instructions, etc.).
	KeepFirst int
	// Head+tail line budget for oversized tool outputs.
	ToolOutputMaxLines int
}

// DefaultContextConfig returns the default compaction budget.
func DefaultContextConfig() ContextConfig {
	return ContextConfig{
		MaxContextTokens:   100_000,
		SystemPromptTokens: 4_000,
		KeepRecent:         10,
		KeepFirst:          2,
		ToolOutputMaxLines: 50,
	}
}

// Compactor reduces a conversation to fit a token budget. It must be pure
// and must never leave a tool call without its matching tool result.
type Compactor func(messages []AgentMessage, cfg ContextConfig) []AgentMessage

// CompactMessages is the default tiered compactor. Tiers run in order,
// stopping as soon as the conversation fits the budget:
//
//  1. Oversized tool outputs are reduced to head+tail lines.
//  2. Assistant turns older than KeepRecent become a one-line synopsis
//     and their paired tool results are dropped.
//  3. The middle is dropped, keeping KeepFirst and KeepRecent messages
//     with a marker recording how many were removed.
//
// Extension messages pass tiers 1 and 2 untouched; tier 3 drops them from
// the middle like any other message.
//
// If the conversation already fits, the input is returned unchanged.
func CompactMessages(messages []AgentMessage, cfg ContextConfig) []AgentMessage {
	est := DefaultEstimator()
	budget := cfg.MaxContextTokens - cfg.SystemPromptTokens
	if budget < 0 {
		budget = 0
	}

	if TotalTokens(messages, est) <= budget {
		return messages
	}

	// Tier 1: truncate tool outputs.
	messages = truncateToolOutputs(messages, cfg.ToolOutputMaxLines)
	if TotalTokens(messages, est) <= budget {
		return messages
	}

	// Tier 2: summarize old assistant turns.
	messages = repairToolPairing(summarizeOldTurns(messages, cfg.KeepRecent))
	if TotalTokens(messages, est) <= budget {
		return messages
	}

	// Tier 3: drop the middle.
	return dropMiddle(messages, cfg)
}

// truncateToolOutputs replaces oversized tool result text with the first
// and last maxLines/2 lines around an elision marker.
func truncateToolOutputs(messages []AgentMessage, maxLines int) []AgentMessage {
	if maxLines <= 0 {
		return messages
	}
	out := make([]AgentMessage, len(messages))
	copy(out, messages)
	for i, msg := range out {
		if msg.Llm == nil || msg.Llm.Role != unifiedllm.RoleToolResult {
			continue
		}
		truncated := false
		clone := msg.Llm.Clone()
		for j, c := range clone.Content {
			if c.Type != unifiedllm.ContentText {
				continue
			}
			if reduced := TruncateLines(c.Text, maxLines); reduced != c.Text {
				clone.Content[j].Text = reduced
				truncated = true
			}
		}
		if truncated {
			out[i] = AgentMessage{Llm: clone}
		}
	}
	return out
}

// TruncateLines keeps the first and last maxLines/2 lines of text,
// replacing the middle with an omission marker.
func TruncateLines(text string, maxLines int) string {
	lines := strings.Split(text, "\n")
	if len(lines) <= maxLines {
		return text
	}
	head := maxLines / 2
	tail := maxLines - head
	omitted := len(lines) - head - tail
	return strings.Join(lines[:head], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tail:], "\n")
}

// summarizeOldTurns replaces assistant turns outside the KeepRecent tail
// with a one-line synopsis and drops their paired tool results.
func summarizeOldTurns(messages []AgentMessage, keepRecent int) []AgentMessage {
	if keepRecent >= len(messages) {
		return messages
	}
	cutoff := len(messages) - keepRecent

	// Tool call ids whose assistant turn is being summarized.
	dropped := map[string]bool{}
	out := make([]AgentMessage, 0, len(messages))
	for i, msg := range messages {
		if i >= cutoff || msg.Llm == nil {
			out = append(out, msg)
			continue
		}
		switch msg.Llm.Role {
		case unifiedllm.RoleAssistant:
			calls := msg.Llm.ToolCalls()
			for _, call := range calls {
				dropped[call.ID] = true
			}
			synopsis := fmt.Sprintf("[Assistant used %d tool(s)]", len(calls))
			summary := unifiedllm.AssistantMessage(
				[]unifiedllm.Content{unifiedllm.TextContent(synopsis)},
				msg.Llm.StopReason, msg.Llm.Model, msg.Llm.Provider, msg.Llm.Usage)
			summary.Timestamp = msg.Llm.Timestamp
			out = append(out, AgentMessage{Llm: summary})
		case unifiedllm.RoleToolResult:
			if dropped[msg.Llm.ToolCallID] {
				continue
			}
			out = append(out, msg)
		default:
			out = append(out, msg)
		}
	}
	return out
}

// dropMiddle keeps the first KeepFirst and last KeepRecent messages,
// replacing the middle with a marker recording the removal.
func dropMiddle(messages []AgentMessage, cfg ContextConfig) []AgentMessage {
	length := len(messages)
	if length <= cfg.KeepFirst+cfg.KeepRecent {
		return messages
	}
	firstEnd := cfg.KeepFirst
	recentStart := length - cfg.KeepRecent
	if firstEnd >= recentStart {
		return messages
	}

	removed := recentStart - firstEnd
	marker := AgentMessage{Llm: unifiedllm.UserMessage(fmt.Sprintf(
		"[Context truncated: %d messages removed to fit context window]", removed))}

	out := make([]AgentMessage, 0, cfg.KeepFirst+cfg.KeepRecent+1)
	out = append(out, messages[:firstEnd]...)
	out = append(out, marker)
	out = append(out, messages[recentStart:]...)
	return repairToolPairing(out)
}

// repairToolPairing removes tool results whose originating call was
// dropped and synthesizes results for calls left dangling, so the
// call/result pairing invariant survives compaction.
func repairToolPairing(messages []AgentMessage) []AgentMessage {
	callIDs := map[string]bool{}
	for _, msg := range messages {
		if msg.Llm != nil && msg.Llm.Role == unifiedllm.RoleAssistant {
			for _, call := range msg.Llm.ToolCalls() {
				callIDs[call.ID] = true
			}
		}
	}

	resultIDs := map[string]bool{}
	out := make([]AgentMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.Llm != nil && msg.Llm.Role == unifiedllm.RoleToolResult {
			if !callIDs[msg.Llm.ToolCallID] {
				continue
			}
			resultIDs[msg.Llm.ToolCallID] = true
		}
		out = append(out, msg)
	}

	// A dangling call would make the next provider request invalid;
	// synthesize an elided result right after its assistant message.
	var repaired []AgentMessage
	for _, msg := range out {
		repaired = append(repaired, msg)
		if msg.Llm == nil || msg.Llm.Role != unifiedllm.RoleAssistant {
			continue
		}
		for _, call := range msg.Llm.ToolCalls() {
			if resultIDs[call.ID] {
				continue
			}
			resultIDs[call.ID] = true
			repaired = append(repaired, AgentMessage{Llm: unifiedllm.ToolResultMessage(
				call.ID, call.Name,
				[]unifiedllm.Content{unifiedllm.TextContent("[Result elided during context compaction]")},
				true)})
		}
	}
	return repaired
}
