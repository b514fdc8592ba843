// Package apperr centralizes the error taxonomy the API layer dispatches on,
// generalizing the teacher's ad hoc jsonErr(w, code, msg) calls into a single
// typed error that carries its own HTTP status.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	Validation        Code = "VALIDATION"
	Auth              Code = "AUTH"
	Forbidden         Code = "FORBIDDEN"
	NotFound          Code = "NOT_FOUND"
	InsufficientFunds Code = "INSUFFICIENT_FUNDS"
	InsufficientAsset Code = "INSUFFICIENT_ASSET"
	IllegalState      Code = "ILLEGAL_STATE"
	Conflict          Code = "CONFLICT"
	Internal          Code = "INTERNAL"
)

// Error is a typed, user-facing error. The API layer inspects Code to pick
// an HTTP status; it never pattern-matches on Message.
type Error struct {
	Code    Code
	Message string
	err     error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches an underlying error for logging while keeping a safe,
// user-facing message and code.
func Wrap(code Code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, err: err}
}

// As extracts an *Error from err, if any step in its chain is one.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HTTPStatus maps a Code to the status code spec.md §7 requires.
func HTTPStatus(code Code) int {
	switch code {
	case Validation:
		return http.StatusUnprocessableEntity
	case Auth:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case InsufficientFunds, InsufficientAsset, IllegalState:
		return http.StatusBadRequest
	case Conflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
