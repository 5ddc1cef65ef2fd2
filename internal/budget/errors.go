package budget

import (
	"errors"
	"fmt"
)

// ErrBudget matches every ErrExceeded through errors.Is.
var ErrBudget = errors.New("budget exceeded")

// ErrExceeded is returned when usage surpasses configured limits.
type ErrExceeded struct {
	Kind  string
	Usage string
	Limit string
}

func (e ErrExceeded) Error() string {
	if e.Limit != "" {
		return fmt.Sprintf("budget %s exceeded: usage=%s limit=%s", e.Kind, e.Usage, e.Limit)
	}
	return fmt.Sprintf("budget %s exceeded: usage=%s", e.Kind, e.Usage)
}

func (e ErrExceeded) Is(target error) bool { return target == ErrBudget }

// IsTime reports whether err is a breach of the time limit.
func IsTime(err error) bool {
	var ex ErrExceeded
	return errors.As(err, &ex) && ex.Kind == "time"
}
