// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation   = errors.New("validation error")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrUnavailable  = errors.New("unavailable")
	ErrInternal     = errors.New("internal error")
)

// Pipeline failure kinds. An *Error carries one of these as its Kind so that
// callers can tell which stage failed independently of the HTTP class.
var (
	ErrAuthorization = errors.New("authorization error")
	ErrExport        = errors.New("export error")
	ErrDispatch      = errors.New("dispatch error")
	ErrTransport     = errors.New("transport error")
	ErrImport        = errors.New("import error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel  error  // Wrapped sentinel for errors.Is() classification
	Kind      error  // Pipeline stage (ErrExport, ErrTransport, ...), may be nil
	Message   string // Human-readable message
	Field     string // For validation errors (e.g., "action", "path")
	Resource  string // For not found/conflict (e.g., "agent", "queue item")
	Op        string // Operation that failed (e.g., "transport.deliver")
	Cause     error  // Underlying error
	Retryable bool   // Transport failures that may succeed on redelivery
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes the sentinel, the stage kind and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 3)
	if e.Sentinel != nil {
		errs = append(errs, e.Sentinel)
	}
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
	}
}

// Unauthorized reports missing or invalid credentials.
func Unauthorized(message string) error {
	return &Error{
		Sentinel: ErrUnauthorized,
		Message:  message,
	}
}

// Forbidden reports a request rejected by an authorization strategy.
func Forbidden(message string) error {
	return &Error{
		Sentinel: ErrForbidden,
		Kind:     ErrAuthorization,
		Message:  message,
	}
}

// Unavailable reports a component that cannot serve requests right now.
func Unavailable(resource, reason string) error {
	return &Error{
		Sentinel: ErrUnavailable,
		Message:  fmt.Sprintf("%s unavailable: %s", resource, reason),
		Resource: resource,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Export wraps a repository or packaging failure raised while exporting.
func Export(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Kind:     ErrExport,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Dispatch wraps a failure to place a package into any queue.
func Dispatch(op string, cause error) error {
	return &Error{
		Sentinel: ErrUnavailable,
		Kind:     ErrDispatch,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Transport wraps a network or protocol failure talking to an endpoint.
func Transport(op string, cause error, retryable bool) error {
	return &Error{
		Sentinel:  ErrUnavailable,
		Kind:      ErrTransport,
		Message:   fmt.Sprintf("%s: %v", op, cause),
		Op:        op,
		Cause:     cause,
		Retryable: retryable,
	}
}

// Import wraps a malformed or unreadable inbound package.
func Import(op string, cause error) error {
	return &Error{
		Sentinel: ErrValidation,
		Kind:     ErrImport,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Retryable reports whether redelivering after err may succeed.
// Errors without classification are treated as retryable; validation,
// import, authorization and non-retryable transport failures are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		if errors.Is(appErr.Kind, ErrTransport) {
			return appErr.Retryable
		}
	}
	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrImport),
		errors.Is(err, ErrForbidden),
		errors.Is(err, ErrUnauthorized):
		return false
	}
	return true
}
