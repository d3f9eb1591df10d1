// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package errors implements the error type used throughout the sync
// engine. Errors carry an interpretable kind (the engine's failure
// taxonomy) and a severity, so that callers can decide uniformly
// whether an operation may be retried, must be surfaced to the user,
// or indicates a programming error. Errors may be chained, attributing
// one error to another.
//
// Errors are safely serialized as JSON, and thus retain their kind
// and severity across the relay transport.
package errors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/grailbio/zksync/log"
)

// Separator defines the separation string inserted between
// chained errors in error messages.
var Separator = ":\n\t"

// Kind defines the type of error. Kinds are semantically
// meaningful, and are interpreted by the receiver of an error
// (e.g., to determine whether a sync operation should be retried).
type Kind int

const (
	// Other indicates an unknown error.
	Other Kind = iota
	// Canceled indicates a context cancellation.
	Canceled
	// Timeout indicates an operation time out.
	Timeout
	// NotExist indicates a nonexistent resource.
	NotExist
	// NotAllowed indicates a permission failure, for example a
	// key hierarchy level that does not cover the requested scope.
	NotAllowed
	// Exists indicates that a resource already exists.
	Exists
	// Invalid indicates that the caller supplied invalid parameters.
	Invalid
	// Precondition indicates that a precondition was not met.
	Precondition
	// Unavailable indicates that a resource was unavailable.
	Unavailable
	// TooManyTries indicates a retry budget was exhausted.
	TooManyTries
	// Remote indicates an error returned by the relay, as distinct
	// from errors in the machinery used to reach it.
	Remote
	// WeakDerivation indicates that a key derivation was requested
	// with parameters below the engine's minimum strength.
	WeakDerivation
	// Integrity indicates an authentication failure: the data was
	// tampered with, or decrypted with the wrong key or binding.
	Integrity
	// UnknownKey indicates that a payload refers to a key that is
	// not available in the current encryption context.
	UnknownKey
	// Encryption indicates a failure of an underlying cryptographic
	// primitive.
	Encryption
	// Net indicates a network error talking to the relay.
	Net
	// RateLimited indicates that the relay throttled the request.
	RateLimited
	// Conflict indicates that two replica states could not be
	// merged. Merges are deterministic, so this is always a bug.
	Conflict

	maxKind
)

var kinds = map[Kind]string{
	Other:          "unknown error",
	Canceled:       "operation was canceled",
	Timeout:        "operation timed out",
	NotExist:       "resource does not exist",
	NotAllowed:     "access denied",
	Exists:         "resource already exists",
	Invalid:        "invalid argument",
	Precondition:   "precondition failed",
	Unavailable:    "resource unavailable",
	TooManyTries:   "too many tries",
	Remote:         "remote error",
	WeakDerivation: "weak key derivation input",
	Integrity:      "integrity violation",
	UnknownKey:     "unknown key",
	Encryption:     "encryption error",
	Net:            "network error",
	RateLimited:    "rate limited",
	Conflict:       "unresolvable conflict",
}

// String returns a human-readable explanation of the error kind k.
func (k Kind) String() string {
	return kinds[k]
}

// Severity defines an Error's severity. An Error's severity determines
// whether an error-producing operation may be retried or not.
type Severity int

const (
	// Retriable indicates that the failing operation can be safely retried,
	// regardless of application context.
	Retriable Severity = -2
	// Temporary indicates that the underlying error condition is likely
	// temporary, and can be possibly be retried. However, such errors
	// should be retried in an application specific context.
	Temporary Severity = -1
	// Unknown indicates the error's severity is unknown. This is the default
	// severity level.
	Unknown Severity = 0
	// Fatal indicates that the underlying error condition is unrecoverable;
	// retrying is unlikely to help.
	Fatal Severity = 1
)

var severities = map[Severity]string{
	Retriable: "retriable",
	Temporary: "temporary",
	Unknown:   "unknown",
	Fatal:     "fatal",
}

// String returns a human-readable explanation of the error severity s.
func (s Severity) String() string {
	return severities[s]
}

// Error is the standard error type, carrying a kind (error code),
// message (error message), and potentially an underlying error.
// Errors should be constructed by errors.E, which interprets
// arguments according to a set of rules.
type Error struct {
	// Kind is the error's type.
	Kind Kind
	// Severity is an optional severity.
	Severity Severity
	// Message is an optional error message associated with this error.
	Message string
	// RetryAfter is the delay requested by the relay before the
	// operation may be retried. It is set only for RateLimited errors.
	RetryAfter time.Duration
	// Err is the error that caused this error, if any.
	// Errors can form chains through Err: the full chain is printed
	// by Error().
	Err error
}

// E constructs a new errors from the provided arguments. It is meant
// as a convenient way to construct, annotate, and wrap errors.
//
// Arguments are interpreted according to their types:
//
//   - Kind: sets the Error's kind
//   - Severity: set the Error's severity
//   - time.Duration: sets the Error's RetryAfter
//   - string: sets the Error's message; multiple strings are
//     separated by a single space
//   - *Error: copies the error and sets the error's cause
//   - error: sets the Error's cause
//
// If an unrecognized argument type is encountered, an error with
// kind Invalid is returned.
//
// If a kind is not provided, but an underlying error is, E attempts to
// interpret the underlying error according to a set of conventions,
// in order:
//
//   - If the os.IsNotExist(error) returns true, its kind is set to NotExist.
//   - If the error is context.Canceled, its kind is set to Canceled.
//   - If the error is context.DeadlineExceeded or implements
//     interface { Timeout() bool } and Timeout() returns true, then its
//     kind is set to Timeout
//   - If the error implements interface { Temporary() bool } and
//     Temporary() returns true, then its severity is set to at least
//     Temporary.
//
// If the underlying error is another *Error, and a kind is not provided,
// the returned error inherits that error's kind.
func E(args ...interface{}) error {
	if len(args) == 0 {
		panic("no args")
	}
	e := new(Error)
	var msg strings.Builder
	for _, arg := range args {
		switch arg := arg.(type) {
		case Kind:
			e.Kind = arg
		case Severity:
			e.Severity = arg
		case time.Duration:
			e.RetryAfter = arg
		case string:
			if msg.Len() > 0 {
				msg.WriteString(" ")
			}
			msg.WriteString(arg)
		case *Error:
			copy := *arg
			if len(args) == 1 {
				// In this case, we're not adding anything new;
				// just return the copy.
				return &copy
			}
			e.Err = &copy
		case error:
			e.Err = arg
		default:
			_, file, line, _ := runtime.Caller(1)
			log.Error.Printf("errors.E: bad call (type %T) from %s:%d: %v", arg, file, line, arg)
			return &Error{
				Kind:    Invalid,
				Message: fmt.Sprintf("unknown type %T, value %v in error call", arg, arg),
			}
		}
	}
	e.Message = msg.String()
	if e.Err == nil {
		return e
	}
	switch prev := e.Err.(type) {
	case *Error:
		if prev.Kind == e.Kind || e.Kind == Other {
			e.Kind = prev.Kind
			prev.Kind = Other
		}
		if prev.Severity == e.Severity || e.Severity == Unknown {
			e.Severity = prev.Severity
			prev.Severity = Unknown
		}
		if e.RetryAfter == 0 {
			e.RetryAfter = prev.RetryAfter
		}
	default:
		// Classify common error types.
		if err, ok := e.Err.(interface {
			Temporary() bool
		}); ok && err.Temporary() && e.Severity == Unknown {
			e.Severity = Temporary
		}
		if e.Kind != Other {
			break
		}
		if os.IsNotExist(e.Err) {
			e.Kind = NotExist
		} else if errors.Is(e.Err, context.Canceled) {
			e.Kind = Canceled
		} else if errors.Is(e.Err, context.DeadlineExceeded) {
			e.Kind = Timeout
			if e.Severity == Unknown {
				e.Severity = Temporary
			}
		} else if err, ok := e.Err.(interface {
			Timeout() bool
		}); ok && err.Timeout() {
			e.Kind = Timeout
		}
	}
	return e
}

// Recover recovers any error into an *Error. If the passed-in Error is already
// an error, it is simply returned; otherwise it is wrapped in an error.
func Recover(err error) *Error {
	if err == nil {
		return nil
	}
	if err, ok := err.(*Error); ok {
		return err
	}
	return E(err).(*Error)
}

// Error returns a human readable string describing this error.
// It uses the separator defined by errors.Separator.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b bytes.Buffer
	e.writeError(&b)
	return b.String()
}

// Unwrap returns the underlying cause so that the standard library's
// errors.Is and errors.As traverse the chain.
func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) writeError(b *bytes.Buffer) {
	if e.Message != "" {
		pad(b, ": ")
		b.WriteString(e.Message)
	}
	if e.Kind != Other {
		pad(b, ": ")
		b.WriteString(e.Kind.String())
	}
	if e.Severity != Unknown {
		pad(b, " ")
		b.WriteByte('(')
		b.WriteString(e.Severity.String())
		b.WriteByte(')')
	}
	if e.RetryAfter > 0 {
		pad(b, " ")
		fmt.Fprintf(b, "[retry after %s]", e.RetryAfter)
	}

	if e.Err == nil {
		return
	}
	if err, ok := e.Err.(*Error); ok {
		pad(b, Separator)
		b.WriteString(err.Error())
	} else {
		pad(b, ": ")
		b.WriteString(e.Err.Error())
	}
}

// Timeout tells whether this error is a timeout error.
func (e *Error) Timeout() bool {
	return e.Kind == Timeout
}

// Temporary tells whether this error is temporary.
func (e *Error) Temporary() bool {
	return e.Severity <= Temporary
}

type jsonError struct {
	Kind       Kind       `json:"kind"`
	Severity   Severity   `json:"severity,omitempty"`
	Message    string     `json:"message,omitempty"`
	RetryAfter int64      `json:"retry_after_ms,omitempty"`
	Next       *jsonError `json:"next,omitempty"`
	Err        string     `json:"err,omitempty"`
}

func (je *jsonError) toError() *Error {
	e := &Error{
		Kind:       je.Kind,
		Severity:   je.Severity,
		Message:    je.Message,
		RetryAfter: time.Duration(je.RetryAfter) * time.Millisecond,
	}
	if e.Kind < 0 || e.Kind >= maxKind {
		e.Kind = Other
	}
	if je.Next != nil {
		e.Err = je.Next.toError()
	} else if je.Err != "" {
		e.Err = errors.New(je.Err)
	}
	return e
}

func (e *Error) toJSONError() *jsonError {
	je := &jsonError{
		Kind:       e.Kind,
		Severity:   e.Severity,
		Message:    e.Message,
		RetryAfter: e.RetryAfter.Milliseconds(),
	}
	if e.Err == nil {
		return je
	}
	switch arg := e.Err.(type) {
	case *Error:
		je.Next = arg.toJSONError()
	default:
		je.Err = arg.Error()
	}
	return je
}

// MarshalJSON encodes the error for transport. Since underlying errors
// may be of types unknown to the receiver, the encoding replaces these
// with their error strings.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.toJSONError())
}

// UnmarshalJSON decodes an error encoded by MarshalJSON.
func (e *Error) UnmarshalJSON(p []byte) error {
	var je jsonError
	if err := json.Unmarshal(p, &je); err != nil {
		return err
	}
	*e = *je.toError()
	return nil
}

// Is tells whether an error has a specified kind, except for the
// indeterminate kind Other. In the case an error has kind Other, the
// chain is traversed until a non-Other error is encountered.
func Is(kind Kind, err error) bool {
	if err == nil {
		return false
	}
	return is(kind, Recover(err))
}

func is(kind Kind, e *Error) bool {
	if e.Kind != Other {
		return e.Kind == kind
	}
	if e.Err != nil {
		if e2, ok := e.Err.(*Error); ok {
			return is(kind, e2)
		}
	}
	return false
}

// KindOf returns the first non-Other kind in err's chain.
func KindOf(err error) Kind {
	for e := Recover(err); e != nil; {
		if e.Kind != Other {
			return e.Kind
		}
		next, ok := e.Err.(*Error)
		if !ok {
			break
		}
		e = next
	}
	return Other
}

// IsTemporary tells whether the provided error is likely temporary.
func IsTemporary(err error) bool {
	return Recover(err).Temporary()
}

// Retryable tells whether a sync operation failing with err should be
// retried. Network and availability failures are retryable;
// cryptographic and derivation failures never are, regardless of
// severity.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case Integrity, WeakDerivation, Encryption, Conflict, Invalid, NotAllowed, Canceled:
		return false
	case Net, Timeout, Unavailable, RateLimited:
		return true
	}
	return IsTemporary(err)
}

// RetryAfterOf returns the relay-requested retry delay carried by err,
// or zero.
func RetryAfterOf(err error) time.Duration {
	var d time.Duration
	Visit(err, func(err error) {
		if e, ok := err.(*Error); ok && d == 0 {
			d = e.RetryAfter
		}
	})
	return d
}

// Match tells whether every nonempty field in err1
// matches the corresponding fields in err2. The comparison
// recurses on chained errors. Match is designed to aid in
// testing errors.
func Match(err1, err2 error) bool {
	var (
		e1 = Recover(err1)
		e2 = Recover(err2)
	)
	if e1.Kind != Other && e1.Kind != e2.Kind {
		return false
	}
	if e1.Severity != Unknown && e1.Severity != e2.Severity {
		return false
	}
	if e1.Message != "" && e1.Message != e2.Message {
		return false
	}
	if e1.Err != nil {
		if e2.Err == nil {
			return false
		}
		switch e1.Err.(type) {
		case *Error:
			return Match(e1.Err, e2.Err)
		default:
			return e1.Err.Error() == e2.Err.Error()
		}
	}
	return true
}

// Visit calls the given function for every error object in the chain, including
// itself.  Recursion stops after the function finds an error object of type
// other than *Error.
func Visit(err error, callback func(err error)) {
	callback(err)
	for {
		next, ok := err.(*Error)
		if !ok {
			break
		}
		err = next.Err
		if err == nil {
			break
		}
		callback(err)
	}
}

// New is synonymous with errors.New, and is provided here so that
// users need only import one errors package.
func New(msg string) error {
	return errors.New(msg)
}

func pad(b *bytes.Buffer, s string) {
	if b.Len() == 0 {
		return
	}
	b.WriteString(s)
}
