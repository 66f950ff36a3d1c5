// Package unifiedllm defines the provider-agnostic message model and the
// streaming provider contract used by the agent loop.
package unifiedllm

import (
	"encoding/json"
	"strings"
	"time"
)

// Role identifies who produced a message in a conversation.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "toolResult"
)

// ContentType is the discriminator tag for Content.
type ContentType string

const (
	ContentText     ContentType = "text"
	ContentImage    ContentType = "image"
	ContentThinking ContentType = "thinking"
	ContentToolCall ContentType = "toolCall"
)

// Content is a tagged union representing one block of a message. Which
// fields are meaningful depends on Type.
type Content struct {
	Type ContentType `json:"type"`

	// Text content.
	Text string `json:"text,omitempty"`

	// Image content (base64 payload).
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`

	// Thinking content.
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// Tool call content.
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// TextContent creates a text Content block.
func TextContent(text string) Content {
	return Content{Type: ContentText, Text: text}
}

// ImageContent creates an image Content block from base64 data.
func ImageContent(data, mimeType string) Content {
	return Content{Type: ContentImage, Data: data, MimeType: mimeType}
}

// ThinkingContent creates a thinking Content block.
func ThinkingContent(thinking, signature string) Content {
	return Content{Type: ContentThinking, Thinking: thinking, Signature: signature}
}

// ToolCallContent creates a tool call Content block.
func ToolCallContent(id, name string, arguments json.RawMessage) Content {
	return Content{Type: ContentToolCall, ID: id, Name: name, Arguments: arguments}
}

// StopReason describes why an assistant response ended.
type StopReason string

const (
	StopReasonStop    StopReason = "stop"
	StopReasonLength  StopReason = "length"
	StopReasonToolUse StopReason = "toolUse"
	StopReasonError   StopReason = "error"
	StopReasonAborted StopReason = "aborted"
)

// Usage tracks token consumption for one assistant response.
type Usage struct {
	Input       uint64 `json:"input"`
	Output      uint64 `json:"output"`
	CacheRead   uint64 `json:"cacheRead"`
	CacheWrite  uint64 `json:"cacheWrite"`
	TotalTokens uint64 `json:"totalTokens"`
}

// Add returns a new Usage that is the sum of u and other.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		Input:       u.Input + other.Input,
		Output:      u.Output + other.Output,
		CacheRead:   u.CacheRead + other.CacheRead,
		CacheWrite:  u.CacheWrite + other.CacheWrite,
		TotalTokens: u.TotalTokens + other.TotalTokens,
	}
}

// CacheHitRate returns the fraction of input tokens served from cache
// (0.0-1.0). Returns 0 if no input tokens were processed.
func (u Usage) CacheHitRate() float64 {
	denom := u.Input + u.CacheRead
	if denom == 0 {
		return 0
	}
	return float64(u.CacheRead) / float64(denom)
}

// Message is the fundamental unit of conversation, discriminated by Role.
// User messages carry content and a timestamp; assistant messages add a
// stop reason, model/provider identifiers, usage, and an optional error
// text; tool result messages carry the originating call id and an error
// flag. JSON encoding is role-tagged; see json.go.
type Message struct {
	Role      Role
	Content   []Content
	Timestamp int64 // unix milliseconds

	// Assistant fields.
	StopReason   StopReason
	Model        string
	Provider     string
	Usage        Usage
	ErrorMessage string

	// Tool result fields.
	ToolCallID string
	ToolName   string
	IsError    bool
}

// NowMillis returns the current time in unix milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// UserMessage creates a user Message with a single text block.
func UserMessage(text string) *Message {
	return &Message{
		Role:      RoleUser,
		Content:   []Content{TextContent(text)},
		Timestamp: NowMillis(),
	}
}

// UserMessageBlocks creates a user Message from content blocks.
func UserMessageBlocks(blocks ...Content) *Message {
	return &Message{Role: RoleUser, Content: blocks, Timestamp: NowMillis()}
}

// AssistantMessage creates an assistant Message.
func AssistantMessage(blocks []Content, stopReason StopReason, model, provider string, usage Usage) *Message {
	return &Message{
		Role:       RoleAssistant,
		Content:    blocks,
		StopReason: stopReason,
		Model:      model,
		Provider:   provider,
		Usage:      usage,
		Timestamp:  NowMillis(),
	}
}

// ErrorMessageFor creates an assistant Message carrying a provider failure.
func ErrorMessageFor(model, provider, errText string) *Message {
	return &Message{
		Role:         RoleAssistant,
		Content:      []Content{TextContent("")},
		StopReason:   StopReasonError,
		Model:        model,
		Provider:     provider,
		Timestamp:    NowMillis(),
		ErrorMessage: errText,
	}
}

// ToolResultMessage creates a tool result Message.
func ToolResultMessage(toolCallID, toolName string, blocks []Content, isError bool) *Message {
	return &Message{
		Role:       RoleToolResult,
		Content:    blocks,
		ToolCallID: toolCallID,
		ToolName:   toolName,
		IsError:    isError,
		Timestamp:  NowMillis(),
	}
}

// TextContent returns the concatenation of all text blocks.
func (m *Message) TextContent() string {
	var sb strings.Builder
	for _, c := range m.Content {
		if c.Type == ContentText {
			sb.WriteString(c.Text)
		}
	}
	return sb.String()
}

// ThinkingText returns the concatenation of all thinking blocks.
func (m *Message) ThinkingText() string {
	var sb strings.Builder
	for _, c := range m.Content {
		if c.Type == ContentThinking {
			sb.WriteString(c.Thinking)
		}
	}
	return sb.String()
}

// ToolCalls returns all tool call blocks in emission order.
func (m *Message) ToolCalls() []Content {
	var calls []Content
	for _, c := range m.Content {
		if c.Type == ContentToolCall {
			calls = append(calls, c)
		}
	}
	return calls
}

// IsContextOverflow reports whether this assistant message carries a
// provider error matching the context overflow catalogue.
func (m *Message) IsContextOverflow() bool {
	return m.Role == RoleAssistant &&
		m.StopReason == StopReasonError &&
		IsContextOverflow(m.ErrorMessage)
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	dup := *m
	dup.Content = make([]Content, len(m.Content))
	for i, c := range m.Content {
		dup.Content[i] = c
		if c.Arguments != nil {
			dup.Content[i].Arguments = append(json.RawMessage(nil), c.Arguments...)
		}
	}
	return &dup
}

// ThinkingLevel is a hint for how many tokens the model may spend on
// hidden reasoning. Providers map it to their native parameter.
type ThinkingLevel string

const (
	ThinkingOff     ThinkingLevel = "off"
	ThinkingMinimal ThinkingLevel = "minimal"
	ThinkingLow     ThinkingLevel = "low"
	ThinkingMedium  ThinkingLevel = "medium"
	ThinkingHigh    ThinkingLevel = "high"
)

// BudgetTokens maps the level to an Anthropic-style thinking token budget.
func (l ThinkingLevel) BudgetTokens() int {
	switch l {
	case ThinkingMinimal:
		return 128
	case ThinkingLow:
		return 512
	case ThinkingMedium:
		return 2048
	case ThinkingHigh:
		return 8192
	default:
		return 0
	}
}

// ReasoningEffort maps the level to an OpenAI-style reasoning effort string.
func (l ThinkingLevel) ReasoningEffort() string {
	switch l {
	case ThinkingMinimal, ThinkingLow:
		return "low"
	case ThinkingMedium:
		return "medium"
	case ThinkingHigh:
		return "high"
	default:
		return ""
	}
}

// ToolDefinition is the serializable description of a tool sent to the LLM.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}
