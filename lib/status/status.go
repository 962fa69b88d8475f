// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

// Package status defines the typed error kinds used at component
// boundaries. Leaf packages return *status.Error values; callers
// classify them with Kind and decide whether a failure is retryable,
// user-visible, or a session-state transition.
package status

import (
	"errors"
	"fmt"
	"strings"
)

// Code enumerates the error kinds. The zero value OK is never carried
// by an *Error.
type Code int

const (
	OK Code = iota
	InvalidArgument
	NotFound
	AlreadyExists
	FailedPrecondition
	DeadlineExceeded
	ResourceExhausted
	Unavailable
	Aborted
	Internal
)

// String returns the canonical name of a code, as printed by the CLI.
func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case InvalidArgument:
		return "INVALID_ARGUMENT"
	case NotFound:
		return "NOT_FOUND"
	case AlreadyExists:
		return "ALREADY_EXISTS"
	case FailedPrecondition:
		return "FAILED_PRECONDITION"
	case DeadlineExceeded:
		return "DEADLINE_EXCEEDED"
	case ResourceExhausted:
		return "RESOURCE_EXHAUSTED"
	case Unavailable:
		return "UNAVAILABLE"
	case Aborted:
		return "ABORTED"
	case Internal:
		return "INTERNAL"
	default:
		return fmt.Sprintf("CODE(%d)", int(c))
	}
}

// Error is a typed error. It wraps an optional cause so that
// errors.Is/As keep working through status boundaries.
type Error struct {
	Code  Code
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil || strings.HasSuffix(e.Msg, e.Cause.Error()) {
		return e.Msg
	}
	return e.Msg + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

// Errorf constructs a typed error with a formatted message. A final
// %w verb wraps a cause as with fmt.Errorf.
func Errorf(code Code, format string, args ...any) *Error {
	wrapped := fmt.Errorf(format, args...)
	return &Error{Code: code, Msg: wrapped.Error(), Cause: errors.Unwrap(wrapped)}
}

// Wrap attaches a code and message prefix to an existing error.
// Returns nil if err is nil.
func Wrap(code Code, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Msg: msg, Cause: err}
}

// Kind returns the code carried by err, walking the wrap chain.
// Errors with no embedded *Error classify as Internal; nil is OK.
func Kind(err error) Code {
	if err == nil {
		return OK
	}
	var st *Error
	if errors.As(err, &st) {
		return st.Code
	}
	return Internal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return Kind(err) == code
}
