package harness

import (
	"github.com/roach88/arcsim/internal/arc"
	"github.com/roach88/arcsim/internal/ir"
)

// TraceEvent is one engine event as it appears in a scenario trace. The
// session token and content-addressed id are left out so traces compare
// equal across sessions.
type TraceEvent struct {
	Seq    int64       `json:"seq"`
	Type   string      `json:"type"`
	Node   ir.NodeID   `json:"node,omitempty"`
	Target ir.NodeID   `json:"target,omitempty"`
	Field  string      `json:"field,omitempty"`
	Kind   string      `json:"kind,omitempty"`
	Task   string      `json:"task,omitempty"`
	Queue  string      `json:"queue,omitempty"`
	Detail ir.IRObject `json:"detail,omitempty"`
}

func traceEvent(ev ir.Event) TraceEvent {
	return TraceEvent{
		Seq:    ev.Seq,
		Type:   string(ev.Type),
		Node:   ev.Node,
		Target: ev.Target,
		Field:  ev.Field,
		Kind:   ev.Kind,
		Task:   ev.Task,
		Queue:  ev.Queue,
		Detail: ev.Detail,
	}
}

// irObject renders the event for canonical JSON, omitting empty fields.
func (e TraceEvent) irObject() ir.IRObject {
	obj := ir.IRObject{
		"seq":  ir.IRInt(e.Seq),
		"type": ir.IRString(e.Type),
	}
	if e.Node != ir.None {
		obj["node"] = ir.IRInt(e.Node)
	}
	if e.Target != ir.None {
		obj["target"] = ir.IRInt(e.Target)
	}
	for key, val := range map[string]string{"field": e.Field, "kind": e.Kind, "task": e.Task, "queue": e.Queue} {
		if val != "" {
			obj[key] = ir.IRString(val)
		}
	}
	if len(e.Detail) > 0 {
		obj["detail"] = e.Detail
	}
	return obj
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step expectation and assertion held.
	Pass bool `json:"pass"`

	// Session is the engine session the scenario ran in.
	Session string `json:"session"`

	// Trace is the full event log in seq order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains the failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Leaks is the leak report taken after the last step.
	Leaks arc.LeakReport `json:"leaks"`

	// Names maps every scenario name (node variables and deferred tasks)
	// to the node it denotes.
	Names map[string]ir.NodeID `json:"names"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Names:  make(map[string]ir.NodeID),
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// NameOf returns the scenario name bound to id, or its "#n" form.
func (r *Result) NameOf(id ir.NodeID) string {
	best := ""
	for name, n := range r.Names {
		if n == id && (best == "" || name < best) {
			best = name
		}
	}
	if best == "" {
		return id.String()
	}
	return best
}
