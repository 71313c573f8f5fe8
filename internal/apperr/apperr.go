// Package apperr classifies errors crossing service boundaries so the HTTP
// layer can map them onto stable wire codes and status codes.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies the class of an error.
type Kind int

const (
	Internal Kind = iota
	AuthInvalid
	TenantDisabled
	RateLimited
	NotFound
	PermissionDenied
	NoPermission
	Validation
	ConfigMismatch
	Timeout
	UpstreamUnavailable
)

// Code returns the stable wire code for the kind.
func (k Kind) Code() string {
	switch k {
	case AuthInvalid:
		return "AUTH_INVALID"
	case TenantDisabled:
		return "TENANT_DISABLED"
	case RateLimited:
		return "RATE_LIMITED"
	case NotFound:
		return "NOT_FOUND"
	case PermissionDenied:
		return "PERMISSION_DENIED"
	case NoPermission:
		return "NO_PERMISSION"
	case Validation:
		return "VALIDATION_ERROR"
	case ConfigMismatch:
		return "CONFIG_MISMATCH"
	case Timeout:
		return "TIMEOUT"
	case UpstreamUnavailable:
		return "SERVICE_UNAVAILABLE"
	default:
		return "INTERNAL_ERROR"
	}
}

// HTTPStatus returns the HTTP status code the kind maps to.
func (k Kind) HTTPStatus() int {
	switch k {
	case AuthInvalid:
		return http.StatusUnauthorized
	case TenantDisabled, PermissionDenied, NoPermission:
		return http.StatusForbidden
	case RateLimited:
		return http.StatusTooManyRequests
	case NotFound:
		return http.StatusNotFound
	case Validation, ConfigMismatch:
		return http.StatusUnprocessableEntity
	case Timeout, UpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified error with a user-facing message, an optional
// structured details map, and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetail attaches a key/value pair to the error's details map.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates a classified error with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a classified error wrapping a cause. The cause is kept for
// logs and errors.Is/As; only the message is user-visible.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the kind from err, walking the wrap chain. Unclassified
// errors report Internal; context deadline errors report Timeout.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return Internal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
