package planner

import (
	"errors"
	"fmt"
	"strings"
)

// ErrPlanInvalid is returned when no valid decomposition was produced within the retry budget.
var ErrPlanInvalid = errors.New("plan invalid")

// ValidationError describes one problem with a decomposition.
type ValidationError struct {
	Ordinal int
	Message string
}

func (e ValidationError) Error() string {
	if e.Ordinal > 0 {
		return fmt.Sprintf("task %d: %s", e.Ordinal, e.Message)
	}
	return e.Message
}

// ValidationErrors aggregates every problem found in one decomposition.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	parts := make([]string, len(v))
	for i, e := range v {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}
