// -----------------------------------------------------------------------
// Error taxonomy - typed error kinds surfaced across the API boundary
// -----------------------------------------------------------------------

package models

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies an error for propagation policy and HTTP mapping.
type ErrorKind string

const (
	KindInvalidInput       ErrorKind = "invalid_input"
	KindNotFound           ErrorKind = "not_found"
	KindConflictingState   ErrorKind = "conflicting_state"
	KindStorageUnavailable ErrorKind = "storage_unavailable"
	KindLLMError           ErrorKind = "llm_error"
	KindLLMTimeout         ErrorKind = "llm_timeout"
	KindHITLTimeout        ErrorKind = "hitl_timeout"
	KindValidationFailed   ErrorKind = "validation_failed"
	KindPathUnsafe         ErrorKind = "path_unsafe"
	KindDependencyCycle    ErrorKind = "dependency_cycle"
	KindCancelled          ErrorKind = "cancelled"
	KindInternal           ErrorKind = "internal"
)

// Error carries an ErrorKind alongside a human-readable message.
// All service-layer operations return these; handlers map kinds to
// HTTP status codes and never leak stack traces.
type Error struct {
	Kind    ErrorKind
	Message string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Wrapped
}

// NewError creates a typed error with a formatted message.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates a typed error wrapping an underlying cause.
func WrapError(kind ErrorKind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Wrapped: err}
}

// KindOf extracts the ErrorKind from an error chain, defaulting to internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// MessageOf returns the client-safe message for an error.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

// HTTPStatus maps an error kind to its HTTP status code.
func HTTPStatus(kind ErrorKind) int {
	switch kind {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflictingState:
		return http.StatusConflict
	case KindPathUnsafe, KindValidationFailed, KindDependencyCycle:
		return http.StatusUnprocessableEntity
	case KindStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
