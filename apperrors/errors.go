// Package apperrors provides the error taxonomy shared across the process
// supervisor, the process-user substrate, the test container, and the
// runner. A container's dispatch step also uses it as an explicit
// control-flow signal: aborting a test returns an *Error with KindAbort
// instead of panicking, and the container type-switches on it.
package apperrors

import (
	"errors"
	"fmt"

	"github.com/systest/systest/outcome"
)

// Kind classifies an Error for the purposes the container and runner care
// about: does this stop just the current check, the whole test, or is it
// a framework-level fault that should not be mistaken for a test failure.
type Kind string

const (
	KindProcessError   Kind = "PROCESS_ERROR"
	KindProcessTimeout Kind = "PROCESS_TIMEOUT"
	KindAbort          Kind = "ABORT"
	KindInfrastructure Kind = "INFRASTRUCTURE"
	KindUnexpected     Kind = "UNEXPECTED"
)

// Error is the application-specific error type threaded through the
// process, procuser, container, and runner packages.
type Error struct {
	Kind    Kind
	Message string
	Outcome outcome.Outcome // only meaningful when Kind == KindAbort
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// ProcessError wraps a failure from starting, signaling, or waiting on a
// supervised process.
func ProcessError(message string, err error) *Error {
	return &Error{Kind: KindProcessError, Message: message, Err: err}
}

// ProcessTimeout reports a foreground process or a wait call exceeding its
// allotted timeout.
func ProcessTimeout(message string) *Error {
	return &Error{Kind: KindProcessTimeout, Message: message}
}

// Abort signals that a test should stop immediately and settle on the
// given outcome, without unwinding via a panic.
func Abort(o outcome.Outcome, reason string) *Error {
	return &Error{Kind: KindAbort, Message: reason, Outcome: o}
}

// Infrastructure reports a framework-level fault unrelated to the test
// under execution (a writer that can't open its output file, a descriptor
// the registry can't construct, and so on).
func Infrastructure(message string, err error) *Error {
	return &Error{Kind: KindInfrastructure, Message: message, Err: err}
}

// Unexpected wraps a recovered panic or any other fault with no more
// specific classification.
func Unexpected(message string, err error) *Error {
	return &Error{Kind: KindUnexpected, Message: message, Err: err}
}

// As reports whether err (or something it wraps) is an *Error, writing it
// into target on success.
func As(err error, target **Error) bool {
	return errors.As(err, target)
}

// Is reports whether err (or something it wraps) is an *Error of the
// given Kind.
func Is(err error, k Kind) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind == k
	}
	return false
}

// Wrap wraps err with additional context, preserving its Kind (and, for an
// abort, its Outcome) if it is already an *Error, otherwise classifying it
// as KindUnexpected.
func Wrap(err error, message string) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return &Error{
			Kind:    appErr.Kind,
			Message: fmt.Sprintf("%s: %s", message, appErr.Message),
			Outcome: appErr.Outcome,
			Err:     err,
		}
	}
	return &Error{Kind: KindUnexpected, Message: message, Err: err}
}
