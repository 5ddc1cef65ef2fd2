package invite

import (
	"errors"
	"fmt"
	"net/http"
)

// CodedError carries the stable code and HTTP status surfaced to clients.
type CodedError struct {
	Code       int
	HTTPStatus int
	Message    string
}

func (e *CodedError) Error() string { return fmt.Sprintf("%d: %s", e.Code, e.Message) }

var (
	// ErrUseUp means the user has no bound code with remaining uses.
	ErrUseUp = &CodedError{Code: 11030, HTTPStatus: http.StatusPaymentRequired, Message: "linsight usage exhausted, bind a new invite code"}
	// ErrBind covers bind refusals for well-formed codes.
	ErrBind = &CodedError{Code: 11031, HTTPStatus: http.StatusPaymentRequired, Message: "invite code cannot be bound"}
	// ErrInvalid covers unknown codes and checksum failures.
	ErrInvalid = &CodedError{Code: 11032, HTTPStatus: http.StatusPaymentRequired, Message: "invite code is invalid"}

	// ErrNotFound is returned by stores for unknown codes.
	ErrNotFound = errors.New("invite code not found")
)

// AsCoded extracts the CodedError wrapped in err.
func AsCoded(err error) (*CodedError, bool) {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
