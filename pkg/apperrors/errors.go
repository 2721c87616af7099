package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a domain error
type Kind string

const (
	KindPermissionDenied Kind = "permission_denied"
	KindInvalidArgument  Kind = "invalid_argument"
	KindNotFound         Kind = "not_found"
	KindExternalService  Kind = "external_service_error"
	KindStateConflict    Kind = "state_conflict"
)

// Error is a classified domain error. Message is safe to show to callers;
// Err carries the underlying cause, if any.
type Error struct {
	Kind    Kind
	Message string
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

// Is matches another *Error of the same kind so that
// errors.Is(err, apperrors.ErrNotFound) works for any message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons
var (
	ErrPermissionDenied = &Error{Kind: KindPermissionDenied}
	ErrInvalidArgument  = &Error{Kind: KindInvalidArgument}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrExternalService  = &Error{Kind: KindExternalService}
	ErrStateConflict    = &Error{Kind: KindStateConflict}
)

// PermissionDenied returns an error for an actor lacking a capability
func PermissionDenied(format string, args ...any) error {
	return &Error{Kind: KindPermissionDenied, Message: fmt.Sprintf(format, args...)}
}

// InvalidArgument returns an error for a malformed role, tier or range
func InvalidArgument(format string, args ...any) error {
	return &Error{Kind: KindInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

// NotFound returns an error for a missing entity
func NotFound(entity string) error {
	return &Error{Kind: KindNotFound, Message: entity + " not found"}
}

// StateConflict returns an error for a transition invalid in the current state
func StateConflict(format string, args ...any) error {
	return &Error{Kind: KindStateConflict, Message: fmt.Sprintf(format, args...)}
}

// ExternalService wraps a transport-level failure of a collaborator
func ExternalService(service string, err error) error {
	return &Error{Kind: KindExternalService, Message: service + " call failed", Err: err}
}

// KindOf returns the kind of err, or "" for unclassified errors
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsPermissionDenied checks if an error is a permission error
func IsPermissionDenied(err error) bool { return KindOf(err) == KindPermissionDenied }

// IsInvalidArgument checks if an error is a validation error
func IsInvalidArgument(err error) bool { return KindOf(err) == KindInvalidArgument }

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsExternalService checks if an error is an external collaborator failure
func IsExternalService(err error) bool { return KindOf(err) == KindExternalService }

// IsStateConflict checks if an error is a state conflict
func IsStateConflict(err error) bool { return KindOf(err) == KindStateConflict }

// HTTPStatus maps an error to the status code returned by the API
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindStateConflict:
		return http.StatusConflict
	case KindExternalService:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
