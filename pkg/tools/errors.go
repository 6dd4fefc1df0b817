package tools

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDuplicateTool is returned when a name is registered twice.
var ErrDuplicateTool = errors.New("tool already registered")

// ErrUnknownTool matches results for calls naming an unregistered tool.
var ErrUnknownTool = errors.New("unknown tool")

// ValidationError reports tool input that does not satisfy the tool's schema.
// It never ends a turn; the violations are shown to the model.
type ValidationError struct {
	Tool       string
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid input for tool %q: %s", e.Tool, strings.Join(e.Violations, "; "))
}

// ExecutionError wraps a failure raised by a tool handler.
type ExecutionError struct {
	Err    error
	Tool   string
	CallID string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %q failed: %v", e.Tool, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
