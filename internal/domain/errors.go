// Package domain holds the entity definitions, identifier construction, and
// redaction rules shared by every other cumments package.
package domain

import "github.com/pkg/errors"

// Kind classifies an error for the HTTP layer without tying callers to a
// concrete error type. Handlers switch on Kind to pick a status code; the
// wrapped error still carries the human-readable message via Error().
type Kind int

const (
	// KindInternal is the zero value: an unclassified, unexpected failure.
	KindInternal Kind = iota
	KindInvalidInput
	KindPowFailed
	KindAuthFailed
	KindNotFound
	KindConflict
	KindUpstreamUnavailable
)

// Error is a classified cumments error. It wraps an underlying cause so
// errors.Is/errors.As and errors.Wrap chains keep working normally.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a classified error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies an existing error, preserving it as the cause.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Wrapf is Wrap with fmt-style message formatting.
func Wrapf(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: errors.Wrapf(cause, format, args...).Error(), Cause: cause}
}

// KindOf extracts the Kind of err if it (or something it wraps) is a *Error,
// defaulting to KindInternal otherwise.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return KindInternal
}

// IsInvalidInput reports whether err is classified as invalid input.
func IsInvalidInput(err error) bool { return KindOf(err) == KindInvalidInput }
