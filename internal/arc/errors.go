package arc

import (
	"errors"
	"fmt"

	"github.com/roach88/arcsim/internal/ir"
)

// Sentinel errors returned by heap operations. Callers match them with
// errors.Is; the returned errors wrap them with the offending node.
var (
	// ErrUnknownNode is returned for handles the heap never issued.
	ErrUnknownNode = errors.New("unknown node")

	// ErrDeallocated is returned when operating on a deallocated node.
	ErrDeallocated = errors.New("node already deallocated")

	// ErrRootDropped is returned when a root is dropped twice.
	ErrRootDropped = errors.New("root already dropped")

	// ErrCountUnderflow is returned by Release when no Retain is outstanding.
	ErrCountUnderflow = errors.New("release without matching retain")

	// ErrInvalidKind is returned for relation kinds outside strong/weak/unowned.
	ErrInvalidKind = errors.New("invalid relation kind")
)

// DanglingAccessError is returned when an unowned relation is dereferenced
// after its target was deallocated. It is recoverable: callers are expected
// to reset the relation (ClearField) instead of touching it again.
type DanglingAccessError struct {
	Holder ir.NodeID // Node (or capture environment) owning the relation
	Field  string    // Field or captured name
	Target ir.NodeID // Deallocated target
	Label  string    // Target label, if any
}

// Error implements the error interface.
func (e *DanglingAccessError) Error() string {
	target := e.Target.String()
	if e.Label != "" {
		target = fmt.Sprintf("%s (%s)", target, e.Label)
	}
	return fmt.Sprintf("DANGLING_ACCESS: unowned %s.%s refers to deallocated %s", e.Holder, e.Field, target)
}

// IsDanglingAccess reports whether err is (or wraps) a DanglingAccessError.
func IsDanglingAccess(err error) bool {
	var de *DanglingAccessError
	return errors.As(err, &de)
}

// DoubleDeallocationError is the panic value raised when a node would be
// deallocated a second time. It signals a bug in the reference counter and
// is never returned as an error.
type DoubleDeallocationError struct {
	Node ir.NodeID
}

// Error implements the error interface.
func (e *DoubleDeallocationError) Error() string {
	return fmt.Sprintf("DOUBLE_DEALLOCATION: node %s deallocated twice", e.Node)
}

func nodeErr(sentinel error, id ir.NodeID) error {
	return fmt.Errorf("%w: %s", sentinel, id)
}
