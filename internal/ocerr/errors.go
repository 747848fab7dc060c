// Package ocerr defines the error taxonomy shared by every layer of the
// storage engine (KVStore, journal, object store, pipeline). Every error
// that crosses a component boundary is either one of these Kinds or wraps
// one via errors.Is/As.
package ocerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that need to branch on it (the
// pipeline deciding whether an error is fatal, a submitter deciding
// whether to retry).
type Kind int

const (
	// Unknown is the zero value of Kind; KindOf reports it for errors
	// that are not an *Error.
	Unknown Kind = iota
	NotFound
	AlreadyExists
	NoData
	InvalidArgument
	NoSpace
	Io
	Corruption
	Busy
	ReplaySkip
	Fatal
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not-found"
	case AlreadyExists:
		return "already-exists"
	case NoData:
		return "no-data"
	case InvalidArgument:
		return "invalid-argument"
	case NoSpace:
		return "no-space"
	case Io:
		return "io"
	case Corruption:
		return "corruption"
	case Busy:
		return "busy"
	case ReplaySkip:
		return "replay-skip"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned across component boundaries.
type Error struct {
	Kind    Kind
	Op      string
	Cause   error
	Message string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Cause)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error with no wrapped cause.
func New(op string, kind Kind, msg string) *Error {
	return &Error{Op: op, Kind: kind, Message: msg}
}

// Wrap constructs an *Error of the given kind wrapping cause. If cause is
// nil, Wrap returns nil so it is safe to use as `return ocerr.Wrap(...)`
// on a possibly-nil error at the end of a function.
func Wrap(op string, kind Kind, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Op: op, Kind: kind, Cause: cause}
}

// Is reports whether err (or any error it wraps) is an *Error of kind k.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, or
// Unknown otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}
