// Package apperr defines the error categories surfaced to clients.
//
// Lower layers wrap their sentinels with fmt.Errorf("%w: ...") so callers can
// still use errors.Is, while the transport only ever looks at the Kind.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindPermission Kind = "permission"
	KindTransient  Kind = "transient"
	KindIntegrity  Kind = "integrity"
	KindInternal   Kind = "internal"
)

type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func Validation(msg string) error { return New(KindValidation, msg) }

func NotFound(msg string) error { return New(KindNotFound, msg) }

func Conflict(msg string) error { return New(KindConflict, msg) }

func Permission(msg string) error { return New(KindPermission, msg) }

func Transient(msg string, cause error) error { return Wrap(KindTransient, msg, cause) }

// KindOf reports the category of err. Errors that carry no category are
// internal, except context expiry which callers may retry.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindInternal
}

// Retryable reports whether the operation that produced err may be retried as-is.
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}

// PublicMessage is the only text clients see for a category; details stay
// in the logs.
func PublicMessage(kind Kind) string {
	switch kind {
	case KindValidation:
		return "invalid request"
	case KindNotFound:
		return "not found"
	case KindConflict:
		return "conflict"
	case KindPermission:
		return "permission denied"
	case KindTransient:
		return "temporarily unavailable, retry later"
	case KindIntegrity:
		return "integrity violation"
	default:
		return "internal error"
	}
}
