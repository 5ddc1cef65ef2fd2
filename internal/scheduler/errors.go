package scheduler

import (
	"context"
	"errors"

	"github.com/mohammad-safakhou/linsight/internal/budget"
	"github.com/mohammad-safakhou/linsight/internal/eventbus"
	"github.com/mohammad-safakhou/linsight/internal/executor"
	"github.com/mohammad-safakhou/linsight/internal/llm"
	"github.com/mohammad-safakhou/linsight/internal/planner"
	"github.com/mohammad-safakhou/linsight/internal/tools"
)

// Stable codes carried by ERROR_MESSAGE events.
const (
	CodePlanningFailed = 11050
	CodeTaskFailed     = 11051
	CodeStorage        = 11052
	CodeToolNotFound   = 11053
	CodeTimeout        = 11054
	CodeTokenBudget    = 11055
	// CodeAmendRejected does not end the version.
	CodeAmendRejected  = 11056
)

var (
	// ErrAmendRejected is reported when an SOP amendment arrives after the final answer exists.
	ErrAmendRejected = errors.New("sop amendment rejected")
	// ErrStalled means no task can make progress although the root has not finished.
	ErrStalled = errors.New("task tree stalled")
)

// Class is the handling category of an error.
type Class string

const (
	ClassTransient     Class = "Transient"
	ClassValidation    Class = "Validation"
	ClassAuthorization Class = "Authorization"
	ClassFatal         Class = "Fatal"
)

// Classification is what the scheduler reports for a version-ending error.
type Classification struct {
	Class   Class
	Code    int
	Message string
}

// Classify maps err to its class, stable code and user-facing message.
func Classify(err error) Classification {
	switch {
	case err == nil:
		return Classification{}
	case errors.Is(err, planner.ErrPlanInvalid):
		return Classification{ClassValidation, CodePlanningFailed, "The task could not be planned: " + err.Error()}
	case errors.Is(err, eventbus.ErrStorageUnavailable), errors.Is(err, eventbus.ErrStreamClosed):
		return Classification{ClassFatal, CodeStorage, "Session state could not be stored: " + err.Error()}
	case tools.IsKind(err, tools.KindNotFound), errors.Is(err, executor.ErrToolNotFound):
		return Classification{ClassFatal, CodeToolNotFound, "A selected tool is not available: " + err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return Classification{ClassTransient, CodeTimeout, "The session exceeded its execution time limit."}
	case errors.Is(err, budget.ErrBudget):
		if budget.IsTime(err) {
			return Classification{ClassFatal, CodeTimeout, "The session exceeded its execution time limit."}
		}
		return Classification{ClassFatal, CodeTokenBudget, "The session used up its token budget: " + err.Error()}
	case llm.IsTransient(err):
		return Classification{ClassTransient, CodePlanningFailed, "The language model is unavailable: " + err.Error()}
	}
	return Classification{ClassFatal, CodeStorage, err.Error()}
}
