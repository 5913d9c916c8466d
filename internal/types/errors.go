package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a pipeline error. Kinds decide whether a failure is
// recovered per-record (dead-letter), queued (pending child), or fatal to the
// batch, and map onto HTTP status codes at the API edge.
type ErrorKind string

const (
	KindConnection    ErrorKind = "connection"
	KindNormalization ErrorKind = "normalization"
	KindTypeCoercion  ErrorKind = "type_coercion"
	KindValidation    ErrorKind = "validation"
	KindIdentity      ErrorKind = "identity"
	KindDelta         ErrorKind = "delta"
	KindResolve       ErrorKind = "resolve"
	KindSync          ErrorKind = "sync"
	KindAlreadyExists ErrorKind = "already_exists"
	KindNotFound      ErrorKind = "not_found"
	KindAuth          ErrorKind = "authentication"
	KindAuthz         ErrorKind = "authorization"
	KindConfig        ErrorKind = "configuration"
)

// Error is the domain error carried across stage boundaries. It wraps an
// optional cause and an optional structured details map.
type Error struct {
	Kind    ErrorKind
	Message string
	Details map[string]any
	cause   error
}

// E builds a domain error of the given kind.
func E(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a domain error around a cause.
func Wrap(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithDetails attaches a structured details map and returns the same error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// KindOf extracts the ErrorKind from err's chain, or KindSync if err carries
// no domain classification.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindSync
}

// IsKind reports whether err's chain carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var de *Error
	return errors.As(err, &de) && de.Kind == kind
}
