// Package tools holds the tool registry the model calls into.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"agentcore/pkg/agent/llm"
	"agentcore/pkg/agent/middleware/metrics"
	"agentcore/pkg/logx"
	"agentcore/pkg/telemetry"
)

// Tool call outcomes reported to the metrics recorder.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeInvalid = "invalid"
	OutcomeUnknown = "unknown"
)

// Handler executes a tool call. input holds the decoded JSON arguments and
// has already passed schema validation. The returned value is serialized
// into the tool result.
type Handler func(ctx context.Context, input map[string]any) (any, error)

type entry struct {
	handler    Handler
	schema     *gojsonschema.Schema
	definition llm.ToolDefinition
}

// Registry maps tool names to their schema and handler. Safe for concurrent use.
type Registry struct {
	tracer   telemetry.Tracer
	recorder metrics.Recorder
	logger   *logx.Logger
	tools    map[string]*entry
	order    []string
	mu       sync.RWMutex
}

// Option configures a Registry.
type Option func(*Registry)

// WithTracer emits a "tool.execute" span per call.
func WithTracer(t telemetry.Tracer) Option {
	return func(r *Registry) { r.tracer = telemetry.OrNop(t) }
}

// WithRecorder counts tool calls by outcome.
func WithRecorder(m metrics.Recorder) Option {
	return func(r *Registry) {
		if m != nil {
			r.recorder = m
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tracer:   telemetry.Nop(),
		recorder: metrics.Nop(),
		logger:   logx.NewLogger("tools"),
		tools:    make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool. Names are unique; a second registration of the same
// name fails with ErrDuplicateTool and leaves the first in place.
func (r *Registry) Register(name, description string, schema llm.InputSchema, handler Handler) error {
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("tool %q: handler cannot be nil", name)
	}
	if schema.Type == "" {
		schema.Type = "object"
	}
	if schema.Properties == nil {
		schema.Properties = map[string]llm.Property{}
	}

	raw, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("tool %q: encoding schema: %w", name, err)
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("tool %q: invalid schema: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}
	r.tools[name] = &entry{
		definition: llm.ToolDefinition{Name: name, Description: description, InputSchema: schema},
		schema:     compiled,
		handler:    handler,
	}
	r.order = append(r.order, name)
	return nil
}

// Definitions returns the tool definitions in registration order.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]llm.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].definition)
	}
	return defs
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Execute runs one tool call. It never returns an error: unknown tools,
// invalid input and handler failures all come back as a ToolResult with
// IsError set so the model can react to them.
func (r *Registry) Execute(ctx context.Context, call llm.ToolCall) llm.ToolResult {
	ctx, end := r.tracer.StartSpan(ctx, "tool.execute", map[string]any{
		"tool":    call.Name,
		"call_id": call.ID,
	})

	result, outcome, err := r.execute(ctx, call)
	r.recorder.ObserveToolCall(metrics.ConversationID(ctx), call.Name, outcome)
	if err != nil {
		r.logger.Warn("tool %s (%s) %s: %v", call.Name, call.ID, outcome, err)
	}
	end(err)
	return result
}

func (r *Registry) execute(ctx context.Context, call llm.ToolCall) (llm.ToolResult, string, error) {
	r.mu.RLock()
	tool, ok := r.tools[call.Name]
	r.mu.RUnlock()

	if !ok {
		err := fmt.Errorf("%w %q", ErrUnknownTool, call.Name)
		return errorResult(call.ID, err), OutcomeUnknown, err
	}

	input := call.Input
	if input == nil {
		input = map[string]any{}
	}
	if err := validate(call.Name, tool.schema, input); err != nil {
		return errorResult(call.ID, err), OutcomeInvalid, err
	}

	value, err := invoke(ctx, tool.handler, input)
	if err != nil {
		execErr := &ExecutionError{Tool: call.Name, CallID: call.ID, Err: err}
		return errorResult(call.ID, execErr), OutcomeError, execErr
	}

	content, err := Serialize(value)
	if err != nil {
		execErr := &ExecutionError{Tool: call.Name, CallID: call.ID, Err: err}
		return errorResult(call.ID, execErr), OutcomeError, execErr
	}
	return llm.ToolResult{ToolCallID: call.ID, Content: content}, OutcomeOK, nil
}

func validate(name string, schema *gojsonschema.Schema, input map[string]any) error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(input))
	if err != nil {
		return &ValidationError{Tool: name, Violations: []string{err.Error()}}
	}
	if result.Valid() {
		return nil
	}
	violations := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		violations = append(violations, desc.String())
	}
	return &ValidationError{Tool: name, Violations: violations}
}

// invoke calls the handler, turning a panic into an error.
func invoke(ctx context.Context, handler Handler, input map[string]any) (value any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return handler(ctx, input)
}

// Serialize renders a handler return value as tool result content. Strings
// and raw JSON pass through; everything else is encoded as JSON.
func Serialize(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case json.RawMessage:
		return string(v), nil
	case []byte:
		return string(v), nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("result is not JSON serializable: %w", err)
	}
	return string(data), nil
}

func errorResult(callID string, err error) llm.ToolResult {
	return llm.ToolResult{ToolCallID: callID, Content: err.Error(), IsError: true}
}
