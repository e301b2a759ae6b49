// Package failure defines the error taxonomy shared by the fetch, mutation and
// resource layers.
package failure

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the machine-distinguishable class of a failure.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindConflict          Kind = "conflict"
	KindInvalidTransition Kind = "invalid_transition"
	KindNotFound          Kind = "not_found"
	KindUnauthorized      Kind = "unauthorized"
	KindNetwork           Kind = "network"
	KindServer            Kind = "server"
	KindUnknown           Kind = "unknown"
)

// Error is a classified failure with an optional human-readable message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a failure of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies err under kind.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func Validation(message string) *Error { return New(KindValidation, message) }

func Conflict(message string) *Error { return New(KindConflict, message) }

func InvalidTransition(message string) *Error { return New(KindInvalidTransition, message) }

// KindOf reports the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether a failed read may be retried automatically.
// Client-side and definitive server answers are not retryable, nor is a
// cancelled context.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch KindOf(err) {
	case KindValidation, KindConflict, KindInvalidTransition, KindNotFound, KindUnauthorized:
		return false
	default:
		return true
	}
}

// MessageOr returns the server-provided message carried by err, or fallback
// when there is none.
func MessageOr(err error, fallback string) string {
	var fe *Error
	if errors.As(err, &fe) && fe.Message != "" {
		return fe.Message
	}
	return fallback
}

// WithFallback makes sure a failed mutation carries a human-readable
// message: the server's if it sent one, fallback otherwise. Unclassified
// errors become server errors.
func WithFallback(err error, fallback string) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Message != "" {
		return err
	}
	kind := KindOf(err)
	if kind == KindUnknown {
		kind = KindServer
	}
	return Wrap(kind, fallback, err)
}
