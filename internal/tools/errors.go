package tools

import (
	"errors"
	"fmt"
)

// ErrUnknownTool is returned when a key resolves to no registered tool.
var ErrUnknownTool = errors.New("unknown tool")

// ValidationError reports tool input that does not match the tool's schema.
// It is local to one action and never aborts the surrounding turn.
type ValidationError struct {
	Tool  string
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("tool %s: invalid input field %q: %s", e.Tool, e.Field, e.Msg)
	}
	return fmt.Sprintf("tool %s: invalid input: %s", e.Tool, e.Msg)
}

// ExecutionError wraps a handler-level failure, preserving the original
// cause for audit logging.
type ExecutionError struct {
	Tool  string
	Cause error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s execution failed: %v", e.Tool, e.Cause)
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}
