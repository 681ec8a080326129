package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/arcsim/internal/arc"
	"github.com/roach88/arcsim/internal/capture"
	"github.com/roach88/arcsim/internal/dispatch"
)

// ErrorCode is the stable, machine-readable category of a failure. It is
// what task_failed events and scenario assertions refer to.
type ErrorCode string

const (
	// ErrCodeDanglingAccess: an unowned relation was read after its target
	// was deallocated.
	ErrCodeDanglingAccess ErrorCode = "DANGLING_ACCESS"

	// ErrCodeConstruction: a capture list was rejected.
	ErrCodeConstruction ErrorCode = "CONSTRUCTION_ERROR"

	// ErrCodeDeallocated: an operation named a node that is already gone.
	ErrCodeDeallocated ErrorCode = "DEALLOCATED"

	// ErrCodeUnknownNode: an operation named a node never allocated.
	ErrCodeUnknownNode ErrorCode = "UNKNOWN_NODE"

	// ErrCodeRootDropped: a root was dropped twice.
	ErrCodeRootDropped ErrorCode = "ROOT_DROPPED"

	// ErrCodeFrozen: a body wrote to a value capture.
	ErrCodeFrozen ErrorCode = "FROZEN_CAPTURE"

	// ErrCodePanic: a body panicked.
	ErrCodePanic ErrorCode = "PANIC"

	// ErrCodePersist: an event could not be written to the store.
	ErrCodePersist ErrorCode = "PERSIST_FAILED"

	// ErrCodeTask: any other error returned by a body.
	ErrCodeTask ErrorCode = "TASK_ERROR"
)

// Classify maps an error from any layer to its ErrorCode. It returns ""
// for a nil error.
func Classify(err error) ErrorCode {
	var re *RuntimeError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &re):
		return re.Code
	case arc.IsDanglingAccess(err):
		return ErrCodeDanglingAccess
	case capture.IsConstructionError(err):
		return ErrCodeConstruction
	case errors.Is(err, arc.ErrDeallocated):
		return ErrCodeDeallocated
	case errors.Is(err, arc.ErrUnknownNode):
		return ErrCodeUnknownNode
	case errors.Is(err, arc.ErrRootDropped):
		return ErrCodeRootDropped
	case errors.Is(err, capture.ErrFrozen):
		return ErrCodeFrozen
	}
	var pe *dispatch.PanicError
	if errors.As(err, &pe) {
		return ErrCodePanic
	}
	return ErrCodeTask
}

// RuntimeError is an engine-level failure carrying its session context.
type RuntimeError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Session identifies the affected engine run.
	Session string

	// Seq is the event sequence number involved, if any.
	Seq int64

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.Seq != 0 {
		return fmt.Sprintf("%s: %s (session=%s, seq=%d)", e.Code, e.Message, e.Session, e.Seq)
	}
	if e.Session != "" {
		return fmt.Sprintf("%s: %s (session=%s)", e.Code, e.Message, e.Session)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// IsPersistError reports whether err is a store write failure.
func IsPersistError(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == ErrCodePersist
	}
	return false
}

// NewPersistError wraps a store failure for the event at seq.
func NewPersistError(session string, seq int64, err error) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodePersist,
		Message: fmt.Sprintf("persist event: %v", err),
		Session: session,
		Seq:     seq,
		Err:     err,
	}
}
