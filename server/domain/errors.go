package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping. Handlers never switch on
// message text, only on Kind.
type Kind string

const (
	KindInvalidInput       Kind = "INVALID_INPUT"
	KindUnauthenticated    Kind = "UNAUTHENTICATED"
	KindForbidden          Kind = "FORBIDDEN"
	KindNotFound           Kind = "NOT_FOUND"
	KindConflict           Kind = "CONFLICT"
	KindPreconditionFailed Kind = "PRECONDITION_FAILED"
	KindTooManyRequests    Kind = "TOO_MANY_REQUESTS"
	KindUpstreamFailure    Kind = "UPSTREAM_FAILURE"
	KindInternal           Kind = "INTERNAL"
)

// Error is the single error type crossing package boundaries.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is match on Kind so callers can compare against sentinel
// constructors without caring about message text.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func InvalidInput(format string, args ...any) *Error {
	return newError(KindInvalidInput, format, args...)
}

func Unauthenticated(format string, args ...any) *Error {
	return newError(KindUnauthenticated, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return newError(KindForbidden, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newError(KindNotFound, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return newError(KindConflict, format, args...)
}

func PreconditionFailed(format string, args ...any) *Error {
	return newError(KindPreconditionFailed, format, args...)
}

func TooManyRequests(format string, args ...any) *Error {
	return newError(KindTooManyRequests, format, args...)
}

// Upstream wraps a transient store/cache failure after adapter-level retry
// has been exhausted.
func Upstream(cause error, format string, args ...any) *Error {
	e := newError(KindUpstreamFailure, format, args...)
	e.cause = cause
	return e
}

func Internal(cause error, format string, args ...any) *Error {
	e := newError(KindInternal, format, args...)
	e.cause = cause
	return e
}

// KindOf extracts the Kind from any error, defaulting to Internal for
// errors that did not come from this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error kind to its wire status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidInput, KindPreconditionFailed:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTooManyRequests:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
