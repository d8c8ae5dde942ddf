package keyagg

import (
	"fmt"
)

// Error represents a keyagg error with an error code.
//
// Contract violations (exhausted capacity, reads of missing keys, calls on a
// shell Writer) are raised with panic(*Error); recoverable conditions such as
// ErrShrink are returned. Both compare equal to the matching sentinel under
// errors.Is.
type Error struct {
	Code Code
	Op   string
	Err  error // wrapped error
}

func (e *Error) Error() string {
	msg := e.Code.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("keyagg: %s: %v", msg, e.Err)
	}
	return "keyagg: " + msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Code classifies keyagg errors.
type Code int

const (
	// CodeCapacityExhausted: no free slot in the local shard, the global
	// high-water mark, or any other worker's shard.
	CodeCapacityExhausted Code = iota + 1
	// CodeKeyNotFound: a point read was issued for a key that was never aggregated.
	CodeKeyNotFound
	// CodeNotAllocated: the Writer is a zero value with no backing aggregator.
	CodeNotAllocated
	// CodeShrink: Grow was asked for a capacity below the current one.
	CodeShrink
	// CodeDisposed: the table has already released its storage.
	CodeDisposed
	// CodeInvalidWorker: the worker id is outside [0, Workers()).
	CodeInvalidWorker
	// CodeStorageMismatch: caller-owned storage does not match the table shape.
	CodeStorageMismatch
)

func (c Code) String() string {
	switch c {
	case CodeCapacityExhausted:
		return "capacity exhausted"
	case CodeKeyNotFound:
		return "key not found"
	case CodeNotAllocated:
		return "aggregator not allocated"
	case CodeShrink:
		return "shrinking is not supported"
	case CodeDisposed:
		return "table disposed"
	case CodeInvalidWorker:
		return "invalid worker id"
	case CodeStorageMismatch:
		return "storage does not match table shape"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// Sentinels for errors.Is.
var (
	ErrCapacityExhausted = &Error{Code: CodeCapacityExhausted}
	ErrKeyNotFound       = &Error{Code: CodeKeyNotFound}
	ErrNotAllocated      = &Error{Code: CodeNotAllocated}
	ErrShrink            = &Error{Code: CodeShrink}
	ErrDisposed          = &Error{Code: CodeDisposed}
	ErrInvalidWorker     = &Error{Code: CodeInvalidWorker}
	ErrStorageMismatch   = &Error{Code: CodeStorageMismatch}
)

func opError(code Code, op string) *Error {
	return &Error{Code: code, Op: op}
}
