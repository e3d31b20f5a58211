// Package apperr defines the error taxonomy shared by the attendance core and
// the HTTP layer. Expected business outcomes (conflicts) are errors with a
// stable code that callers branch on, not system failures.
package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies an error for transport mapping.
type Kind int

const (
	KindAuth Kind = iota + 1
	KindForbidden
	KindNotFound
	KindConflict
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Conflict codes returned by the attendance state machine.
const (
	CodeAlreadyCheckedIn  = "ALREADY_CHECKED_IN"
	CodeAlreadyCheckedOut = "ALREADY_CHECKED_OUT"
	CodeNotCheckedIn      = "NOT_CHECKED_IN"
)

// Other stable codes.
const (
	CodeUnauthorized          = "UNAUTHORIZED"
	CodeLocationMismatch      = "LOCATION_MISMATCH"
	CodeLocationInactive      = "LOCATION_INACTIVE"
	CodeOutOfZone             = "OUT_OF_ZONE"
	CodeIPNotAllowed          = "IP_NOT_ALLOWED"
	CodeNotFound              = "NOT_FOUND"
	CodeInvalidRequest        = "INVALID_REQUEST"
	CodeCheckoutBeforeCheckin = "CHECKOUT_BEFORE_CHECKIN"
)

// Error is a classified application error.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same kind and code, so callers can write
// errors.Is(err, apperr.Conflict(apperr.CodeNotCheckedIn, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Code == "" || e.Code == t.Code)
}

// Auth returns an authentication error (missing, invalid or expired credential).
func Auth(message string, err error) *Error {
	return &Error{Kind: KindAuth, Code: CodeUnauthorized, Message: message, Err: err}
}

// Forbidden returns an authorization error for a valid credential acting out of scope.
func Forbidden(code, message string) *Error {
	return &Error{Kind: KindForbidden, Code: code, Message: message}
}

// NotFound returns an error for an unknown or inactive entity.
func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Code: CodeNotFound, Message: message}
}

// Conflict returns an expected state-machine conflict.
func Conflict(code, message string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: message}
}

// Validation returns an error for a malformed request.
func Validation(message string) *Error {
	return &Error{Kind: KindValidation, Code: CodeInvalidRequest, Message: message}
}

// KindOf returns the kind of the first *Error in the chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// CodeOf returns the code of the first *Error in the chain, or "".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HTTPStatus maps an error to its HTTP status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// KindForStatus is the inverse of HTTPStatus for API clients. 0 means the
// status carries no classified error.
func KindForStatus(status int) Kind {
	switch status {
	case http.StatusUnauthorized:
		return KindAuth
	case http.StatusForbidden:
		return KindForbidden
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusConflict:
		return KindConflict
	case http.StatusBadRequest:
		return KindValidation
	default:
		return 0
	}
}
