package tools

import (
	"errors"
	"fmt"
)

// ErrorKind classifies tool failures for the executor.
type ErrorKind string

const (
	// KindSchemaValidation is fatal to the step, not the task.
	KindSchemaValidation ErrorKind = "SchemaValidationError"
	// KindTimeout is retryable up to retry_num.
	KindTimeout ErrorKind = "ToolTimeout"
	// KindProvider bubbles to the executor.
	KindProvider ErrorKind = "ToolProviderError"
	// KindNotFound is fatal to the task.
	KindNotFound ErrorKind = "ToolNotFound"
)

// Error carries the failing tool and its classification.
type Error struct {
	Kind ErrorKind
	Tool string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Tool, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the executor may retry the call.
func (e *Error) Retryable() bool { return e.Kind == KindTimeout }

func newError(kind ErrorKind, tool string, err error) *Error {
	return &Error{Kind: kind, Tool: tool, Err: err}
}

// KindOf returns the classification of err, or "" when err is not a tool error.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// IsKind reports whether err is a tool error of the given kind.
func IsKind(err error, kind ErrorKind) bool { return KindOf(err) == kind }
