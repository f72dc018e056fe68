package dcache

import (
	"errors"

	"github.com/marmos91/cacheinspect/pkg/kernel"
	"github.com/marmos91/cacheinspect/pkg/snapshot"
)

// Error represents a failure of a dentry cache operation.
//
// Error matches its code with errors.Is, so callers can write
//
//	if errors.Is(err, dcache.ErrNegative) { ... }
type Error struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable reason
	Message string

	// Path is the path being resolved or walked (if applicable)
	Path string

	// Addr is the object the failure refers to when there is no path
	Addr snapshot.Address

	// Err is the underlying snapshot or kernel error (if any)
	Err error
}

// Error renders "<path|addr>: <reason>".
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg += " (" + e.Err.Error() + ")"
	}
	switch {
	case e.Path != "":
		return e.Path + ": " + msg
	case !e.Addr.IsNull():
		return e.Addr.String() + ": " + msg
	default:
		return msg
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches an ErrorCode target.
func (e *Error) Is(target error) bool {
	code, ok := target.(ErrorCode)
	return ok && code == e.Code
}

// ErrorCode represents the category of a dentry cache error.
//
// ErrorCode implements error so codes can be used directly as errors.Is
// targets.
type ErrorCode int

const (
	// ErrUnreadable indicates a structural read failed (broken pointer,
	// mapped-out page). The sub-operation is abandoned.
	ErrUnreadable ErrorCode = iota

	// ErrExcluded indicates content was deliberately stripped from the
	// snapshot. It is tallied, never fatal.
	ErrExcluded

	// ErrNotFound indicates a path component has no matching dentry
	ErrNotFound

	// ErrMountNotFound indicates no mount point is a prefix of the path
	ErrMountNotFound

	// ErrNegative indicates the path resolved to a dentry without inode
	ErrNegative

	// ErrMalformed indicates a cyclic or over-long structure; the subtree
	// is abandoned without aborting its siblings
	ErrMalformed

	// ErrInvalidArgument indicates a bad path or option
	ErrInvalidArgument
)

func (c ErrorCode) String() string {
	switch c {
	case ErrUnreadable:
		return "unreadable"
	case ErrExcluded:
		return "excluded"
	case ErrNotFound:
		return "not found"
	case ErrMountNotFound:
		return "mount point not found"
	case ErrNegative:
		return "negative dentry"
	case ErrMalformed:
		return "malformed"
	case ErrInvalidArgument:
		return "invalid argument"
	default:
		return "unknown"
	}
}

func (c ErrorCode) Error() string {
	return c.String()
}

// classify maps a kernel or snapshot error to a dcache code. A list that
// breaks after its head was read is malformed even when the broken link was
// merely unreadable.
func classify(err error) ErrorCode {
	var le *kernel.ListError
	switch {
	case errors.Is(err, kernel.ErrIndexMalformed), errors.As(err, &le):
		return ErrMalformed
	case errors.Is(err, snapshot.ErrExcluded):
		return ErrExcluded
	default:
		return ErrUnreadable
	}
}

func wrap(err error, path string, addr snapshot.Address, msg string) *Error {
	return &Error{Code: classify(err), Message: msg, Path: path, Addr: addr, Err: err}
}
