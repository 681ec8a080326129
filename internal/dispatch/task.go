package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/arcsim/internal/capture"
	"github.com/roach88/arcsim/internal/ir"
)

// Body is the work a deferred task performs against its capture
// environment. The environment may be nil for a task that captures nothing.
type Body func(ctx context.Context, env *capture.Environment) error

// Task is a deferred unit of work owned by a queue until it runs.
type Task struct {
	id    string
	seq   int64
	queue string
	env   *capture.Environment
	body  Body

	mu    sync.Mutex
	state ir.TaskState
	err   error
	done  chan struct{}
}

func newTask(seq int64, queue string, env *capture.Environment, body Body) *Task {
	return &Task{
		id:    fmt.Sprintf("task-%d", seq),
		seq:   seq,
		queue: queue,
		env:   env,
		body:  body,
		state: ir.TaskPending,
		done:  make(chan struct{}),
	}
}

// ID returns the task id, unique per scheduler.
func (t *Task) ID() string { return t.id }

// Seq returns the logical clock value stamped at submission.
func (t *Task) Seq() int64 { return t.seq }

// Queue returns the queue the task was submitted to.
func (t *Task) Queue() string { return t.queue }

// Env returns the task's capture environment.
func (t *Task) Env() *capture.Environment { return t.env }

// State returns the current lifecycle state.
func (t *Task) State() ir.TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the failure recorded for a Failed task.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed once the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// transition performs a validated state change. The expected prior state
// makes double runs observable instead of silently re-running a body.
func (t *Task) transition(from, to ir.TaskState, err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != from {
		return fmt.Errorf("invalid transition for %s: expected %s, got %s", t.id, from, t.state)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition for %s: %s -> %s", t.id, from, to)
	}
	t.state = to
	t.err = err
	if IsTerminal(to) {
		close(t.done)
	}
	return nil
}

// IsTerminal reports whether the state is final.
func IsTerminal(s ir.TaskState) bool {
	return s == ir.TaskCompleted || s == ir.TaskFailed
}

func isAllowedTransition(from, to ir.TaskState) bool {
	switch from {
	case ir.TaskPending:
		return to == ir.TaskRunning
	case ir.TaskRunning:
		return to == ir.TaskCompleted || to == ir.TaskFailed
	default:
		return false
	}
}
