package agentloop

import (
	"encoding/json"
	"sync"

	"github.com/martinemde/lodestar/unifiedllm"
)

// EventKind identifies the type of agent event.
type EventKind string

const (
	EventAgentStart          EventKind = "agentStart"
	EventAgentEnd            EventKind = "agentEnd"
	EventTurnStart           EventKind = "turnStart"
	EventTurnEnd             EventKind = "turnEnd"
	EventMessageStart        EventKind = "messageStart"
	EventMessageUpdate       EventKind = "messageUpdate"
	EventMessageEnd          EventKind = "messageEnd"
	EventToolExecutionStart  EventKind = "toolExecutionStart"
	EventToolExecutionUpdate EventKind = "toolExecutionUpdate"
	EventToolExecutionEnd    EventKind = "toolExecutionEnd"
	EventProgressMessage     EventKind = "progressMessage"
	EventInputRejected       EventKind = "inputRejected"
)

// DeltaKind identifies the type of streaming delta.
type DeltaKind string

const (
	DeltaText     DeltaKind = "text"
	DeltaThinking DeltaKind = "thinking"
	DeltaToolCall DeltaKind = "toolCallDelta"
)

// StreamDelta is one incremental update to a streaming message.
type StreamDelta struct {
	Kind  DeltaKind `json:"kind"`
	Delta string    `json:"delta"`
}

// AgentEvent is one event on the loop's event stream. Which fields are
// populated depends on Kind.
type AgentEvent struct {
	Kind EventKind

	// Message events.
	Message *AgentMessage
	Delta   *StreamDelta

	// Turn events.
	TurnIndex   int
	ToolResults []unifiedllm.Message

	// Tool execution events.
	ToolCallID string
	ToolName   string
	Args       json.RawMessage
	Result     *ToolResult
	IsError    bool

	// Progress and rejection text.
	Text string

	// AgentEnd: every message appended during the invocation.
	Messages []AgentMessage
}

// EventEmitter is a single-producer/single-consumer unbounded ordered
// event queue. Emit never blocks, however slowly the consumer drains, so
// the loop is never backpressured by a slow UI.
type EventEmitter struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []AgentEvent
	closed bool
	out    chan AgentEvent
}

// NewEventEmitter creates an emitter and starts its delivery pump.
func NewEventEmitter() *EventEmitter {
	e := &EventEmitter{out: make(chan AgentEvent)}
	e.cond = sync.NewCond(&e.mu)
	go e.pump()
	return e
}

// Emit appends an event to the queue. Events after Close are dropped.
func (e *EventEmitter) Emit(ev AgentEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.queue = append(e.queue, ev)
	e.cond.Signal()
}

// Events returns the read-only event channel. It is closed after Close
// once all queued events have been delivered.
func (e *EventEmitter) Events() <-chan AgentEvent {
	return e.out
}

// Close stops the emitter. Queued events are still delivered. Safe to
// call multiple times.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		e.cond.Signal()
	}
}

func (e *EventEmitter) pump() {
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.cond.Wait()
		}
		if len(e.queue) == 0 && e.closed {
			e.mu.Unlock()
			close(e.out)
			return
		}
		ev := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()

		e.out <- ev
	}
}
