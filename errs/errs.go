// Package errs defines the error kinds shared by the ticket and playback engines.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failed operation. A Kind is itself an error so callers can
// write errors.Is(err, errs.NotFound).
type Kind int

const (
	Unknown Kind = iota
	NotFound
	InvalidState
	DuplicateTicket
	AlreadyClaimed
	AlreadyClosed
	Unresolvable
	ResourceUnavailable
	Forbidden
)

var kindNames = map[Kind]string{
	Unknown:             "unknown",
	NotFound:            "not found",
	InvalidState:        "invalid state",
	DuplicateTicket:     "duplicate ticket",
	AlreadyClaimed:      "already claimed",
	AlreadyClosed:       "already closed",
	Unresolvable:        "unresolvable",
	ResourceUnavailable: "resource unavailable",
	Forbidden:           "forbidden",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) Error() string { return k.String() }

// Error is the typed failure returned by engine operations.
type Error struct {
	Kind    Kind
	Op      string
	Subject string
	Err     error
}

// E builds an *Error. err may be nil.
func E(kind Kind, op, subject string, err error) *Error {
	return &Error{Kind: kind, Op: op, Subject: subject, Err: err}
}

// Reason returns the wrapped cause text, or an empty string.
func (e *Error) Reason() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.String()
	if e.Subject != "" {
		msg += " (" + e.Subject + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// KindOf reports the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return Unknown
}

// SubjectOf returns the subject recorded on the first *Error in err's chain.
func SubjectOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Subject
	}
	return ""
}
