// Package apperror defines the failure taxonomy shared by the domain services and the transport.
package apperror

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalid marks malformed or missing input.
	ErrInvalid = errors.New("invalid")
	// ErrUnauthorized marks a missing or rejected credential, or a requester that does not own the entity.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound marks a referenced entity that does not exist.
	ErrNotFound = errors.New("not_found")
	// ErrConflict marks a write rejected by a store uniqueness constraint. Safe to retry the whole request.
	ErrConflict = errors.New("conflict")
	// ErrTransient marks store contention or an exceeded store-access deadline. Safe to retry the whole request.
	ErrTransient = errors.New("transient")
)

var kinds = []error{ErrInvalid, ErrUnauthorized, ErrNotFound, ErrConflict, ErrTransient}

// ServiceError carries a stable "<operation>.<reason>" code, a taxonomy kind and a human-readable detail.
type ServiceError struct {
	operation string
	reason    string
	code      string
	kind      error
	detail    string
	err       error
}

// New builds a ServiceError. kind may be nil for internal failures.
func New(operation, reason string, kind error, detail string, cause error) *ServiceError {
	return &ServiceError{
		operation: operation,
		reason:    reason,
		code:      fmt.Sprintf("%s.%s", operation, reason),
		kind:      kind,
		detail:    detail,
		err:       cause,
	}
}

func (e *ServiceError) Error() string {
	message := e.code
	if e.detail != "" {
		message = fmt.Sprintf("%s: %s", message, e.detail)
	}
	if e.err != nil {
		message = fmt.Sprintf("%s: %v", message, e.err)
	}
	return message
}

// Unwrap exposes both the kind sentinel and the underlying cause to errors.Is / errors.As.
func (e *ServiceError) Unwrap() []error {
	wrapped := make([]error, 0, 2)
	if e.kind != nil {
		wrapped = append(wrapped, e.kind)
	}
	if e.err != nil {
		wrapped = append(wrapped, e.err)
	}
	return wrapped
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

// Operation returns the operation half of the code.
func (e *ServiceError) Operation() string {
	return e.operation
}

// Reason returns the reason half of the code.
func (e *ServiceError) Reason() string {
	return e.reason
}

// Kind returns the taxonomy sentinel, or nil for internal failures.
func (e *ServiceError) Kind() error {
	return e.kind
}

// Detail returns the human-readable detail.
func (e *ServiceError) Detail() string {
	return e.detail
}

// KindOf returns the first taxonomy sentinel found in err's chain, or nil.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// KindName returns the wire name of err's kind, "internal" when it has none.
func KindName(err error) string {
	kind := KindOf(err)
	if kind == nil {
		return "internal"
	}
	return kind.Error()
}

// Retryable reports whether the caller may retry the whole request.
func Retryable(err error) bool {
	kind := KindOf(err)
	return kind == ErrConflict || kind == ErrTransient
}
