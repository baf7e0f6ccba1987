// Package result provides the success/failure carrier used on every
// request path, together with the closed error taxonomy.
package result

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure. The set is closed: every error crossing a
// catga boundary maps to exactly one kind.
type Kind int

const (
	// KindNone means no error
	KindNone Kind = iota

	// KindValidation - the input was invalid (nil request, empty batch, bad payload)
	KindValidation

	// KindNotFound - no handler or entity for the request
	KindNotFound

	// KindConflict - optimistic concurrency conflict
	KindConflict

	// KindUnavailable - a dependency is temporarily unavailable (retryable)
	KindUnavailable

	// KindTimeout - an internal deadline fired (retryable)
	KindTimeout

	// KindInternal - any unclassified failure
	KindInternal

	// KindCancelled - the caller cancelled
	KindCancelled

	// KindUnauthorized - the caller is not allowed
	KindUnauthorized
)

// String returns the machine code for the kind.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "NONE"
	case KindValidation:
		return "VALIDATION"
	case KindNotFound:
		return "NOT_FOUND"
	case KindConflict:
		return "CONFLICT"
	case KindUnavailable:
		return "UNAVAILABLE"
	case KindTimeout:
		return "TIMEOUT"
	case KindInternal:
		return "INTERNAL"
	case KindCancelled:
		return "CANCELLED"
	case KindUnauthorized:
		return "UNAUTHORIZED"
	default:
		return "UNKNOWN"
	}
}

// Retryable reports whether an operation failing with this kind may be
// retried. Only transient kinds qualify.
func (k Kind) Retryable() bool {
	return k == KindUnavailable || k == KindTimeout
}

// Error is a classified failure with a short machine code and a human
// message. It wraps the underlying cause when one exists.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError builds a classified error. The code defaults to the kind's
// machine code when empty.
func NewError(kind Kind, code, message string) *Error {
	if code == "" {
		code = kind.String()
	}
	return &Error{Kind: kind, Code: code, Message: message}
}

// WrapError classifies an existing error, preserving it as the cause.
func WrapError(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return &Error{Kind: kind, Code: kind.String(), Message: err.Error(), Cause: err}
}

// Classify maps an arbitrary error to its kind. Context errors map to
// Cancelled/Timeout, already-classified errors keep their kind, and
// everything else is Internal.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// Result carries either a value or a classified error. The zero value
// is a success with the zero value of T.
type Result[T any] struct {
	value T
	err   *Error
}

// Ok returns a successful result.
func Ok[T any](value T) Result[T] {
	return Result[T]{value: value}
}

// Fail returns a failed result with the given kind and message.
func Fail[T any](kind Kind, message string) Result[T] {
	return Result[T]{err: NewError(kind, "", message)}
}

// Failf returns a failed result with a formatted message.
func Failf[T any](kind Kind, format string, args ...any) Result[T] {
	return Result[T]{err: NewError(kind, "", fmt.Sprintf(format, args...))}
}

// FailWith returns a failed result carrying the given error.
func FailWith[T any](err *Error) Result[T] {
	if err == nil {
		var zero T
		return Ok(zero)
	}
	return Result[T]{err: err}
}

// FromError classifies err and returns a failed result; a nil error
// yields a success with the zero value.
func FromError[T any](err error) Result[T] {
	if err == nil {
		var zero T
		return Ok(zero)
	}
	return Result[T]{err: WrapError(Classify(err), err)}
}

// IsSuccess reports whether the result carries a value.
func (r Result[T]) IsSuccess() bool {
	return r.err == nil
}

// Value returns the carried value. Valid only when IsSuccess.
func (r Result[T]) Value() T {
	return r.value
}

// Err returns the carried error, nil on success.
func (r Result[T]) Err() *Error {
	return r.err
}

// Kind returns the failure kind, KindNone on success.
func (r Result[T]) Kind() Kind {
	if r.err == nil {
		return KindNone
	}
	return r.err.Kind
}

// Map converts the carried value, preserving failures.
func Map[T, U any](r Result[T], fn func(T) U) Result[U] {
	if r.err != nil {
		return Result[U]{err: r.err}
	}
	return Ok(fn(r.value))
}

// Erase drops the value type, keeping success/failure state. Used at
// the behavior boundary where requests are handled as any.
func Erase[T any](r Result[T]) Result[any] {
	if r.err != nil {
		return Result[any]{err: r.err}
	}
	return Ok[any](r.value)
}

// Restore narrows an erased result back to T. A value of the wrong
// dynamic type fails with Internal.
func Restore[T any](r Result[any]) Result[T] {
	if r.Err() != nil {
		return Result[T]{err: r.Err()}
	}
	if r.Value() == nil {
		var zero T
		return Ok(zero)
	}
	v, ok := r.Value().(T)
	if !ok {
		return Failf[T](KindInternal, "unexpected response type %T", r.Value())
	}
	return Ok(v)
}
