// Package apperr defines the error kinds every dispatch operation reports.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindInvalidTransition   Kind = "invalid_transition"
	KindStaleAssignment     Kind = "stale_assignment"
	KindNoDriversAvailable  Kind = "no_drivers_available"
	KindInvalidArgument     Kind = "invalid_argument"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindNotFound            Kind = "not_found"
)

// Sentinels for errors.Is; an *Error matches the sentinel of its kind.
var (
	ErrInvalidTransition   = &Error{Kind: KindInvalidTransition}
	ErrStaleAssignment     = &Error{Kind: KindStaleAssignment}
	ErrNoDriversAvailable  = &Error{Kind: KindNoDriversAvailable}
	ErrInvalidArgument     = &Error{Kind: KindInvalidArgument}
	ErrUpstreamUnavailable = &Error{Kind: KindUpstreamUnavailable}
	ErrNotFound            = &Error{Kind: KindNotFound}
)

type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	s := string(e.Kind)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	// only bare sentinels match by kind
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func InvalidArgument(op, format string, args ...any) *Error {
	return New(KindInvalidArgument, op, format, args...)
}

func InvalidTransition(op, format string, args ...any) *Error {
	return New(KindInvalidTransition, op, format, args...)
}

func StaleAssignment(op, format string, args ...any) *Error {
	return New(KindStaleAssignment, op, format, args...)
}

func NotFound(op, format string, args ...any) *Error {
	return New(KindNotFound, op, format, args...)
}

// Upstream wraps a routing/store/broker failure. Already-typed errors pass through.
func Upstream(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return Wrap(KindUpstreamUnavailable, op, err)
}

// KindOf returns the kind of err, or "" for untyped errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// Retryable reports whether a caller may retry the operation after backing off.
func Retryable(err error) bool {
	k := KindOf(err)
	return k == KindUpstreamUnavailable || k == KindNoDriversAvailable
}
