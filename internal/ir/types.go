package ir

import (
	"fmt"
	"strconv"
	"strings"
)

// NodeID is a stable handle to an object in the heap arena.
// The zero value means "no node".
type NodeID uint64

// None is the absent node handle.
const None NodeID = 0

// String renders the handle as "#n" (or "nil" for None).
func (id NodeID) String() string {
	if id == None {
		return "nil"
	}
	return "#" + strconv.FormatUint(uint64(id), 10)
}

// RelationKind is the ownership tag stored on every edge of the object graph.
type RelationKind int

const (
	// Strong edges keep their target alive (+1 strong count).
	Strong RelationKind = iota + 1
	// Weak edges do not count and read as absent once the target is gone.
	Weak
	// Unowned edges do not count and fail on access once the target is gone.
	Unowned
)

// String implements fmt.Stringer.
func (k RelationKind) String() string {
	switch k {
	case Strong:
		return "strong"
	case Weak:
		return "weak"
	case Unowned:
		return "unowned"
	default:
		return fmt.Sprintf("RelationKind(%d)", int(k))
	}
}

// ParseRelationKind parses "strong", "weak" or "unowned" (case-insensitive).
// An empty string defaults to Strong.
func ParseRelationKind(s string) (RelationKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "strong":
		return Strong, nil
	case "weak":
		return Weak, nil
	case "unowned":
		return Unowned, nil
	default:
		return 0, fmt.Errorf("invalid relation kind %q: must be strong, weak, or unowned", s)
	}
}

// CaptureKind selects how a deferred task captures one name.
type CaptureKind int

const (
	// CaptureValue copies the current value and freezes it.
	CaptureValue CaptureKind = iota + 1
	// CaptureStrong holds a strong relation to a node.
	CaptureStrong
	// CaptureWeak holds a weak relation to a node.
	CaptureWeak
	// CaptureUnowned holds an unowned relation to a node.
	CaptureUnowned
	// CaptureAmbient is the default rule used without a capture list:
	// storage cells by reference, nodes strongly.
	CaptureAmbient
)

// String implements fmt.Stringer.
func (k CaptureKind) String() string {
	switch k {
	case CaptureValue:
		return "value"
	case CaptureStrong:
		return "strong"
	case CaptureWeak:
		return "weak"
	case CaptureUnowned:
		return "unowned"
	case CaptureAmbient:
		return "ambient"
	default:
		return fmt.Sprintf("CaptureKind(%d)", int(k))
	}
}

// Relation maps a relation capture to the edge kind it installs.
// Returns false for CaptureValue and CaptureAmbient.
func (k CaptureKind) Relation() (RelationKind, bool) {
	switch k {
	case CaptureStrong:
		return Strong, true
	case CaptureWeak:
		return Weak, true
	case CaptureUnowned:
		return Unowned, true
	default:
		return 0, false
	}
}

// ParseCaptureKind parses a capture kind name. Empty means ambient.
func ParseCaptureKind(s string) (CaptureKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ambient", "default":
		return CaptureAmbient, nil
	case "value":
		return CaptureValue, nil
	case "strong":
		return CaptureStrong, nil
	case "weak":
		return CaptureWeak, nil
	case "unowned":
		return CaptureUnowned, nil
	default:
		return 0, fmt.Errorf("invalid capture kind %q: must be value, strong, weak, unowned, or ambient", s)
	}
}

// TaskState is the lifecycle state of a deferred task.
type TaskState string

const (
	TaskPending   TaskState = "PENDING"
	TaskRunning   TaskState = "RUNNING"
	TaskCompleted TaskState = "COMPLETED"
	TaskFailed    TaskState = "FAILED"
)

// EventType names an entry of the runtime event log.
type EventType string

const (
	EventAllocate   EventType = "allocate"
	EventRootAdd    EventType = "root_add"
	EventRootDrop   EventType = "root_drop"
	EventRetain     EventType = "retain"
	EventRelease    EventType = "release"
	EventFieldSet   EventType = "field_set"
	EventFieldClear EventType = "field_clear"
	EventDeallocate EventType = "deallocate"
	EventCapture    EventType = "capture"
	EventTaskSubmit EventType = "task_submit"
	EventTaskRun    EventType = "task_run"
	EventTaskDone   EventType = "task_done"
	EventTaskFailed EventType = "task_failed"
	EventObserve    EventType = "observe"
	EventCellStore  EventType = "cell_store"
	EventLeakReport EventType = "leak_report"
)

// IsEventType reports whether s names a known event type.
func IsEventType(s string) bool {
	switch EventType(s) {
	case EventAllocate, EventRootAdd, EventRootDrop, EventRetain, EventRelease,
		EventFieldSet, EventFieldClear, EventDeallocate, EventCapture,
		EventTaskSubmit, EventTaskRun, EventTaskDone, EventTaskFailed,
		EventObserve, EventCellStore, EventLeakReport:
		return true
	}
	return false
}

// Event is one entry of the runtime event log.
// Seq is stamped from the logical clock, never from wall time.
type Event struct {
	ID      string    `json:"id"`
	Session string    `json:"session"`
	Seq     int64     `json:"seq"`
	Type    EventType `json:"type"`
	Node    NodeID    `json:"node,omitempty"`
	Target  NodeID    `json:"target,omitempty"`
	Field   string    `json:"field,omitempty"`
	Kind    string    `json:"kind,omitempty"`
	Task    string    `json:"task,omitempty"`
	Queue   string    `json:"queue,omitempty"`
	Detail  IRObject  `json:"detail,omitempty"`
}
