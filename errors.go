// Package dataplane implements a streaming tar demultiplexer and a
// resumable, hash-verified file-transfer client.
package dataplane

import (
	"errors"
	"strings"
)

// Error is the dataplane error domain type.
//
// Errors coming from dataplane components should be able to be inspected as
// ([errors.As]) an *Error at some point in the error chain.
//
// Implementers of dataplane components should create an Error at the system
// boundary (e.g. when reading from a child process's stdout or a socket)
// and intermediate layers should not wrap in another Error except to add
// additional [ErrorKind] information. That is to say, use [fmt.Errorf] with
// a "%w" verb in preference to creating a containing Error.
type Error struct {
	Inner   error
	Kind    ErrorKind
	Message string
	Op      string
}

// Assert this implements all the cool features.
var (
	_ error                       = (*Error)(nil)
	_ interface{ Is(error) bool } = (*Error)(nil)
	_ interface{ Unwrap() error } = (*Error)(nil)
)

// Error implements error.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(" ")
	}
	b.WriteString("[")
	switch e.Kind {
	case ErrTransient,
		ErrIntegrity,
		ErrProtocol,
		ErrResource,
		ErrNotFound,
		ErrInternal,
		ErrInvalid:
		b.WriteString(string(e.Kind))
	default:
		b.WriteString("???")
	}
	b.WriteString("]: ")
	if e.Message != "" {
		b.WriteString(e.Message)
	}
	if e.Message != "" && e.Inner != nil {
		b.WriteString(": ")
	}
	if e.Op == "" && e.Message == "" {
		b.Reset()
	}
	if e.Inner != nil {
		b.WriteString(e.Inner.Error())
	}
	return b.String()
}

// Is enables [errors.Is].
//
// It compares the error kind. Callers should compare against a declared
// [ErrorKind] over a specific error.
func (e *Error) Is(kind error) bool {
	switch kind {
	case ErrVersionDependent:
		return !errors.Is(e, ErrTransient) && !errors.Is(e, ErrPermanent)
	default:
	}
	return errors.Is(e.Kind, kind)
}

// Unwrap enables [errors.Unwrap].
func (e *Error) Unwrap() error {
	return e.Inner
}

// ErrorKind represents classes of errors to be checked against.
//
// If an error is unsure which kind to use, ErrInternal should be used.
type ErrorKind string

// Defined error kinds, per the error taxonomy in §7.
var (
	// ErrTransient indicates the caller may retry the operation with a
	// reasonable chance of success: a dropped connection, a read-ahead
	// miss on a PipeSource that's still alive, a server timeout before
	// the idle-reconnect budget is exhausted.
	ErrTransient = ErrorKind("transient")
	// ErrIntegrity indicates data that was received didn't match its
	// expected checksum: a tar header checksum mismatch, a running SHA
	// digest that disagrees with the metadata blob, an MD5 checkpoint
	// mismatch on resume.
	ErrIntegrity = ErrorKind("integrity")
	// ErrProtocol indicates a peer sent something the state machine
	// didn't expect: an unknown protocol version, a malformed frame,
	// a header out of sequence.
	ErrProtocol = ErrorKind("protocol")
	// ErrResource indicates a local resource constraint: out of disk
	// space, a closed PipeSource with no remaining users, a forced-exit
	// child process.
	ErrResource = ErrorKind("resource")
	// ErrNotFound indicates the requested file, session, or server
	// doesn't exist.
	ErrNotFound = ErrorKind("not found")
	// ErrInternal is a non-specific internal error.
	ErrInternal = ErrorKind("internal")
	// ErrInvalid indicates an invalid request from a caller of this
	// module, as opposed to a peer over the wire.
	ErrInvalid = ErrorKind("invalid")

	// ErrPermanent marks an error that will never succeed on retry, for
	// use with [ErrVersionDependent] comparisons.
	ErrPermanent = ErrorKind("permanent")

	// ErrVersionDependent should only be used for an [Is] comparison.
	// It's true for any error that's not marked as transient or permanent.
	ErrVersionDependent = ErrorKind("version dependent")
)

// Error implements error.
func (e ErrorKind) Error() string {
	return string(e)
}
