package remote

import (
	"errors"
	"fmt"
)

// TransientError means the write may succeed later: the store was
// unreachable, timed out, throttled, or failed server-side.
type TransientError struct {
	Op     OpType
	Path   string
	Status int // 0 when no response was received
	Cause  error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("remote: %s %s: transient failure (status %d): %v", e.Op, e.Path, e.Status, e.Cause)
	}
	return fmt.Sprintf("remote: %s %s: transient failure: %v", e.Op, e.Path, e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// RejectedError means the store refused the write for a reason that will not
// change on retry (validation, permission, precondition).
type RejectedError struct {
	Op      OpType
	Path    string
	Status  int
	Code    string // document store error.status, e.g. PERMISSION_DENIED
	Message string
}

func (e *RejectedError) Error() string {
	code := e.Code
	if code == "" {
		code = fmt.Sprintf("status %d", e.Status)
	}
	if e.Message != "" {
		return fmt.Sprintf("remote: %s %s: rejected (%s): %s", e.Op, e.Path, code, e.Message)
	}
	return fmt.Sprintf("remote: %s %s: rejected (%s)", e.Op, e.Path, code)
}

// ErrPanic wraps a panic recovered from a Writer.
type ErrPanic struct {
	Value any
}

func (e *ErrPanic) Error() string {
	return fmt.Sprintf("remote: writer panicked: %v", e.Value)
}

// Outcome is the classification of a write result.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeTransient
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeRejected:
		return "rejected"
	}
	return "transient"
}

// Classify maps a Writer result to an Outcome. Only *RejectedError is
// permanent; every other error, including unknown ones, is transient so that
// no user write is dropped on an ambiguous failure.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}
	if IsRejected(err) {
		return OutcomeRejected
	}
	return OutcomeTransient
}

// IsRejected reports whether err carries a *RejectedError.
func IsRejected(err error) bool {
	var rej *RejectedError
	return errors.As(err, &rej)
}
