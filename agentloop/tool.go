package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/martinemde/lodestar/unifiedllm"
)

// ErrToolCancelled is returned by tools when their context is cancelled.
var ErrToolCancelled = errors.New("Cancelled")

// ToolFailedError is a tool execution failure the model can see and
// self-correct from.
type ToolFailedError struct{ Text string }

func (e *ToolFailedError) Error() string { return e.Text }

// ToolNotFoundError indicates the model requested an unregistered tool.
type ToolNotFoundError struct{ Name string }

func (e *ToolNotFoundError) Error() string { return "Tool not found: " + e.Name }

// InvalidArgsError indicates the call arguments failed schema validation.
type InvalidArgsError struct{ Text string }

func (e *InvalidArgsError) Error() string { return "Invalid arguments: " + e.Text }

// ToolResult is the outcome of executing a tool. Content enters the
// model's history; Details is an opaque payload for UIs only.
type ToolResult struct {
	Content []unifiedllm.Content `json:"content"`
	Details any                  `json:"details,omitempty"`
}

// TextResult creates a ToolResult with a single text block.
func TextResult(text string) *ToolResult {
	return &ToolResult{Content: []unifiedllm.Content{unifiedllm.TextContent(text)}}
}

// ToolContext carries per-call plumbing into a tool execution. OnUpdate
// surfaces interim result snapshots as toolExecutionUpdate events;
// OnProgress surfaces short status lines as progressMessage events.
// Neither reaches the model; only the returned ToolResult enters history.
type ToolContext struct {
	CallID     string
	ToolName   string
	OnUpdate   func(*ToolResult)
	OnProgress func(text string)
}

// Update delivers an interim result snapshot, if a listener is attached.
func (tc ToolContext) Update(result *ToolResult) {
	if tc.OnUpdate != nil {
		tc.OnUpdate(result)
	}
}

// Progress delivers a status line, if a listener is attached.
func (tc ToolContext) Progress(text string) {
	if tc.OnProgress != nil {
		tc.OnProgress(text)
	}
}

// Tool is the contract a tool must implement. Implementations must be
// safe to invoke concurrently; they receive their own argument values and
// a context derived from the invocation's cancellation handle.
type Tool interface {
	// Name is the unique identifier used in tool calls.
	Name() string
	// Label is a human-readable name for UIs.
	Label() string
	// Description tells the model what the tool does.
	Description() string
	// ParametersSchema is the JSON Schema for the arguments.
	ParametersSchema() map[string]any
	// Execute runs the tool. Errors are recorded as is-error tool
	// results; they never abort the turn.
	Execute(ctx context.Context, tc ToolContext, args json.RawMessage) (*ToolResult, error)
}

// FuncTool adapts a function to the Tool interface.
type FuncTool struct {
	ToolName        string
	ToolLabel       string
	ToolDescription string
	Schema          map[string]any
	Fn              func(ctx context.Context, tc ToolContext, args json.RawMessage) (*ToolResult, error)
}

func (t *FuncTool) Name() string { return t.ToolName }

func (t *FuncTool) Label() string {
	if t.ToolLabel != "" {
		return t.ToolLabel
	}
	return t.ToolName
}

func (t *FuncTool) Description() string { return t.ToolDescription }

func (t *FuncTool) ParametersSchema() map[string]any {
	if t.Schema != nil {
		return t.Schema
	}
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (t *FuncTool) Execute(ctx context.Context, tc ToolContext, args json.RawMessage) (*ToolResult, error) {
	return t.Fn(ctx, tc, args)
}

// findTool returns the tool with the given name, or nil.
func findTool(tools []Tool, name string) Tool {
	for _, t := range tools {
		if t.Name() == name {
			return t
		}
	}
	return nil
}

// ToolDefinitions builds the serializable definitions for a provider
// request.
func ToolDefinitions(tools []Tool) []unifiedllm.ToolDefinition {
	defs := make([]unifiedllm.ToolDefinition, len(tools))
	for i, t := range tools {
		defs[i] = unifiedllm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.ParametersSchema(),
		}
	}
	return defs
}

// SchemaFor derives a JSON Schema parameters map from a Go struct type
// using its json tags and jsonschema struct tags.
func SchemaFor[T any]() map[string]any {
	reflector := &jsonschema.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: false,
	}
	var v T
	schema := reflector.Reflect(&v)

	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out
}

// ParseArgs unmarshals call arguments into a typed struct, converting
// failures into InvalidArgsError.
func ParseArgs[T any](raw json.RawMessage) (T, error) {
	var args T
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return args, &InvalidArgsError{Text: fmt.Sprintf("parse arguments: %v", err)}
	}
	return args, nil
}
