package capability

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a capability id is not registered.
var ErrNotFound = errors.New("capability not found")

// ErrorKind classifies capability failures.
type ErrorKind string

const (
	ErrNotConfigured ErrorKind = "not_configured"
	ErrInvalidParams ErrorKind = "invalid_params"
	ErrUpstream      ErrorKind = "upstream"
	ErrTimeout       ErrorKind = "timeout"
	ErrEmpty         ErrorKind = "empty"
	ErrRateLimited   ErrorKind = "rate_limited"
)

// Error is the failure type of every capability invocation.
type Error struct {
	Kind       ErrorKind
	Capability string
	Message    string
	Err        error
}

// NewError creates a capability error.
func NewError(kind ErrorKind, capabilityID, message string, err error) *Error {
	return &Error{Kind: kind, Capability: capabilityID, Message: message, Err: err}
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("capability %s: %s", e.Capability, e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the ErrorKind of err, or ErrUpstream for foreign errors.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ErrUpstream
}
