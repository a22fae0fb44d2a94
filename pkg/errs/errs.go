// Package errs defines the error taxonomy shared by every GigaVector
// component. Every core operation returns either a nil error or an error
// that wraps one of the sentinel Kinds below via Wrap, so callers can use
// errors.Is against the sentinels regardless of which component raised them.
package errs

import (
	"errors"
	"fmt"
)

// Kind tags an error with one of GigaVector's error taxonomy buckets.
type Kind int

const (
	// KindInvalidArgument covers null input, dimension mismatch, malformed
	// filter expressions, and unknown message types.
	KindInvalidArgument Kind = iota
	// KindNotFound covers absent or tombstoned ids and missing reverse lookups.
	KindNotFound
	// KindNotTrained covers codebook/index use before training.
	KindNotTrained
	// KindCapacityExceeded covers over max_entries / max_message_bytes.
	KindCapacityExceeded
	// KindIO covers socket or file read/write failure.
	KindIO
	// KindProtocol covers framing errors, truncated payloads, oversize length.
	KindProtocol
	// KindInternal covers allocation failure, lock poisoning, invariant violation.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindNotFound:
		return "NotFound"
	case KindNotTrained:
		return "NotTrained"
	case KindCapacityExceeded:
		return "CapacityExceeded"
	case KindIO:
		return "Io"
	case KindProtocol:
		return "Protocol"
	case KindInternal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// Sentinel errors. Use errors.Is(err, errs.NotFound) etc. to classify.
var (
	InvalidArgument  = errors.New("invalid argument")
	NotFound         = errors.New("not found")
	NotTrained       = errors.New("not trained")
	CapacityExceeded = errors.New("capacity exceeded")
	IO               = errors.New("io error")
	Protocol         = errors.New("protocol error")
	Internal         = errors.New("internal error")
)

func sentinelFor(k Kind) error {
	switch k {
	case KindInvalidArgument:
		return InvalidArgument
	case KindNotFound:
		return NotFound
	case KindNotTrained:
		return NotTrained
	case KindCapacityExceeded:
		return CapacityExceeded
	case KindIO:
		return IO
	case KindProtocol:
		return Protocol
	default:
		return Internal
	}
}

// Error wraps an underlying error with an operation name and a taxonomy Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("gigavector: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("gigavector: %s: %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target matches this error's Kind sentinel or the
// wrapped error chain.
func (e *Error) Is(target error) bool {
	if target == sentinelFor(e.Kind) {
		return true
	}
	return errors.Is(e.Err, target)
}

// New creates a new tagged error for op with the given Kind and message.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Newf is like New but with fmt.Sprintf-style formatting.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap tags err with op and Kind, preserving the original error as the cause.
// Wrap(KindX, op, nil) returns nil so call sites can wrap unconditionally.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind tag from err, defaulting to KindInternal when err
// was not produced by this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
