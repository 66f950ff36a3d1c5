package agentloop

import (
	"encoding/json"
	"fmt"

	"github.com/martinemde/lodestar/unifiedllm"
)

// RoleExtension is the persistence discriminant for extension messages.
const RoleExtension = "extension"

// ExtensionMessage is an app-specific entry carried in conversation
// history but never sent to a provider. UIs and callers use it to
// interleave notifications without polluting the model's context.
type ExtensionMessage struct {
	Kind string         `json:"kind"`
	Data map[string]any `json:"data,omitempty"`
}

// AgentMessage is either a standard LLM message or an extension. Exactly
// one of the fields is non-nil.
type AgentMessage struct {
	Llm       *unifiedllm.Message
	Extension *ExtensionMessage
}

// LlmMessage wraps an LLM message as an AgentMessage.
func LlmMessage(msg *unifiedllm.Message) AgentMessage {
	return AgentMessage{Llm: msg}
}

// UserAgentMessage creates an AgentMessage wrapping a text user message.
func UserAgentMessage(text string) AgentMessage {
	return AgentMessage{Llm: unifiedllm.UserMessage(text)}
}

// ExtensionOf creates an AgentMessage wrapping an extension entry.
func ExtensionOf(kind string, data map[string]any) AgentMessage {
	return AgentMessage{Extension: &ExtensionMessage{Kind: kind, Data: data}}
}

// Role returns the message's persistence role discriminant.
func (m AgentMessage) Role() string {
	if m.Llm != nil {
		return string(m.Llm.Role)
	}
	return RoleExtension
}

// AsLlm returns the wrapped LLM message, or nil for extensions.
func (m AgentMessage) AsLlm() *unifiedllm.Message {
	return m.Llm
}

// IsExtension reports whether the message is an extension entry.
func (m AgentMessage) IsExtension() bool {
	return m.Extension != nil
}

type extensionJSON struct {
	Role string         `json:"role"`
	Kind string         `json:"kind"`
	Data map[string]any `json:"data,omitempty"`
}

// MarshalJSON encodes the message with its role discriminant.
func (m AgentMessage) MarshalJSON() ([]byte, error) {
	if m.Llm != nil {
		return json.Marshal(m.Llm)
	}
	if m.Extension != nil {
		return json.Marshal(extensionJSON{
			Role: RoleExtension,
			Kind: m.Extension.Kind,
			Data: m.Extension.Data,
		})
	}
	return nil, fmt.Errorf("empty agent message")
}

// UnmarshalJSON decodes a role-tagged message, routing on the role field.
func (m *AgentMessage) UnmarshalJSON(data []byte) error {
	var probe struct {
		Role string `json:"role"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if probe.Role == RoleExtension {
		var ext extensionJSON
		if err := json.Unmarshal(data, &ext); err != nil {
			return err
		}
		*m = AgentMessage{Extension: &ExtensionMessage{Kind: ext.Kind, Data: ext.Data}}
		return nil
	}
	var llm unifiedllm.Message
	if err := json.Unmarshal(data, &llm); err != nil {
		return err
	}
	*m = AgentMessage{Llm: &llm}
	return nil
}

// ConvertToLlm is the default history conversion: extensions are dropped
// and only LLM-compatible messages are handed to the provider.
func ConvertToLlm(messages []AgentMessage) []unifiedllm.Message {
	out := make([]unifiedllm.Message, 0, len(messages))
	for _, m := range messages {
		if m.Llm != nil {
			out = append(out, *m.Llm)
		}
	}
	return out
}

// SaveMessages serializes a history as a canonical JSON array.
func SaveMessages(messages []AgentMessage) (string, error) {
	data, err := json.Marshal(messages)
	if err != nil {
		return "", fmt.Errorf("save messages: %w", err)
	}
	return string(data), nil
}

// RestoreMessages parses a history saved with SaveMessages. Unknown
// fields are ignored; the round-trip is lossless for all defined fields.
func RestoreMessages(data string) ([]AgentMessage, error) {
	var messages []AgentMessage
	if err := json.Unmarshal([]byte(data), &messages); err != nil {
		return nil, fmt.Errorf("restore messages: %w", err)
	}
	return messages, nil
}
