package signal

import (
	"errors"
	"fmt"
)

const (
	CodeBadRequest       = 400
	CodeForbidden        = 403
	CodeNotFound         = 404
	CodeMethodNotAllowed = 405
	CodeRequestTimeout   = 408
	CodeInternal         = 500
)

var (
	ErrConnClosed     = errors.New("signal connection is closed")
	ErrRequestTimeout = NewError(CodeRequestTimeout, "request timed out")
)

// Error is returned to the remote side as an error response.
type Error struct {
	Code   int
	Reason string
}

func NewError(code int, reason string) *Error {
	return &Error{Code: code, Reason: reason}
}

func NewErrorf(code int, format string, args ...interface{}) *Error {
	return &Error{Code: code, Reason: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s [code: %d]", e.Reason, e.Code)
}

// AsError coerces err into an *Error, defaulting to an internal error.
func AsError(err error) *Error {
	var serr *Error
	if errors.As(err, &serr) {
		return serr
	}
	return &Error{Code: CodeInternal, Reason: err.Error()}
}
