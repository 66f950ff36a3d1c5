package unifiedllm

import (
	"encoding/json"
	"fmt"
)

// messageJSON is the wire shadow for Message. All role variants share it;
// unknown fields are ignored on read.
type messageJSON struct {
	Role         Role       `json:"role"`
	Content      []Content  `json:"content"`
	Timestamp    int64      `json:"timestamp"`
	StopReason   StopReason `json:"stopReason,omitempty"`
	Model        string     `json:"model,omitempty"`
	Provider     string     `json:"provider,omitempty"`
	Usage        *Usage     `json:"usage,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	ToolCallID   string     `json:"toolCallId,omitempty"`
	ToolName     string     `json:"toolName,omitempty"`
	IsError      *bool      `json:"isError,omitempty"`
}

// MarshalJSON encodes the message as a role-tagged object, writing only the
// fields that belong to the role variant.
func (m Message) MarshalJSON() ([]byte, error) {
	out := messageJSON{
		Role:      m.Role,
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
	switch m.Role {
	case RoleUser:
		// Content and timestamp only.
	case RoleAssistant:
		out.StopReason = m.StopReason
		out.Model = m.Model
		out.Provider = m.Provider
		usage := m.Usage
		out.Usage = &usage
		out.ErrorMessage = m.ErrorMessage
	case RoleToolResult:
		out.ToolCallID = m.ToolCallID
		out.ToolName = m.ToolName
		isError := m.IsError
		out.IsError = &isError
	default:
		return nil, fmt.Errorf("unknown message role: %q", m.Role)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a role-tagged message object.
func (m *Message) UnmarshalJSON(data []byte) error {
	var in messageJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	switch in.Role {
	case RoleUser, RoleAssistant, RoleToolResult:
	default:
		return fmt.Errorf("unknown message role: %q", in.Role)
	}
	*m = Message{
		Role:         in.Role,
		Content:      in.Content,
		Timestamp:    in.Timestamp,
		StopReason:   in.StopReason,
		Model:        in.Model,
		Provider:     in.Provider,
		ErrorMessage: in.ErrorMessage,
		ToolCallID:   in.ToolCallID,
		ToolName:     in.ToolName,
	}
	if in.Usage != nil {
		m.Usage = *in.Usage
	}
	if in.IsError != nil {
		m.IsError = *in.IsError
	}
	return nil
}
