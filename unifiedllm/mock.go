package unifiedllm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MockToolCall is one scripted tool invocation.
type MockToolCall struct {
	Name      string
	Arguments json.RawMessage
}

// MockResponse is one scripted provider response. Exactly one of Text,
// ToolCalls, ErrorText, or Err should be set.
type MockResponse struct {
	// Text response with stop reason "stop".
	Text string
	// Tool call response with stop reason "toolUse".
	ToolCalls []MockToolCall
	// Assistant message with stop reason "error" carrying this text
	// (exercises stream-level error handling, e.g. overflow phrases).
	ErrorText string
	// Classified error returned instead of a message.
	Err error
	// Usage attached to the response.
	Usage Usage
	// Simulated latency before responding.
	Delay time.Duration
}

// MockProvider replays a scripted sequence of responses. It is safe for
// concurrent use and records how many times Stream was invoked.
type MockProvider struct {
	mu        sync.Mutex
	responses []MockResponse
	calls     int
}

// NewMockProvider creates a MockProvider with the given script.
func NewMockProvider(responses ...MockResponse) *MockProvider {
	return &MockProvider{responses: responses}
}

// MockText creates a provider whose first response is the given text;
// later calls get the default reply of an exhausted script.
func MockText(text string) *MockProvider {
	return &MockProvider{responses: []MockResponse{{Text: text}}}
}

// Calls returns how many times Stream has been invoked.
func (p *MockProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Stream implements StreamProvider.
func (p *MockProvider) Stream(ctx context.Context, config StreamConfig, events chan<- StreamEvent) (*Message, error) {
	p.mu.Lock()
	p.calls++
	var response MockResponse
	if len(p.responses) == 0 {
		response = MockResponse{Text: "(no more scripted responses)"}
	} else {
		response = p.responses[0]
		p.responses = p.responses[1:]
	}
	p.mu.Unlock()

	if response.Delay > 0 {
		timer := time.NewTimer(response.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("mock stream: %w", ErrCancelled)
		case <-timer.C:
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("mock stream: %w", ErrCancelled)
	}

	if response.Err != nil {
		return nil, response.Err
	}

	sendEvent(ctx, events, StreamEvent{Type: StreamStart})

	if response.ErrorText != "" {
		msg := ErrorMessageFor(config.Model, "mock", response.ErrorText)
		msg.Usage = response.Usage
		sendEvent(ctx, events, StreamEvent{Type: StreamFailed, Message: msg})
		return msg, nil
	}

	var message *Message
	if len(response.ToolCalls) > 0 {
		content := make([]Content, len(response.ToolCalls))
		for i, call := range response.ToolCalls {
			id := fmt.Sprintf("mock-tool-%d", i)
			args := call.Arguments
			if args == nil {
				args = json.RawMessage("{}")
			}
			content[i] = ToolCallContent(id, call.Name, args)
			sendEvent(ctx, events, StreamEvent{
				Type:         StreamToolCallStart,
				ContentIndex: i,
				ToolCallID:   id,
				ToolCallName: call.Name,
			})
			sendEvent(ctx, events, StreamEvent{Type: StreamToolCallDelta, ContentIndex: i, Delta: string(args)})
			sendEvent(ctx, events, StreamEvent{Type: StreamToolCallEnd, ContentIndex: i})
		}
		message = AssistantMessage(content, StopReasonToolUse, "mock", "mock", response.Usage)
	} else {
		sendEvent(ctx, events, StreamEvent{Type: StreamTextDelta, ContentIndex: 0, Delta: response.Text})
		message = AssistantMessage([]Content{TextContent(response.Text)}, StopReasonStop, "mock", "mock", response.Usage)
	}

	usage := response.Usage
	sendEvent(ctx, events, StreamEvent{Type: StreamDone, Usage: &usage, Message: message})
	return message, nil
}
