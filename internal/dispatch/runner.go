package dispatch

import (
	"context"
	"log/slog"

	"github.com/roach88/arcsim/internal/ir"
)

// runner executes a single task. It is shared by both backings so the
// lifecycle and failure policy are identical.
type runner struct {
	logger *slog.Logger
	hook   Hook
}

func (r *runner) notify(t *Task, state ir.TaskState) {
	if r.hook != nil {
		r.hook(t, state)
	}
}

// run moves t through Running to a terminal state. A failing body is logged
// and recorded; it never stops the caller's loop. The environment is
// released before the terminal state is published, so a waiter on Done sees
// the captures already dropped.
func (r *runner) run(ctx context.Context, t *Task) {
	if err := t.transition(ir.TaskPending, ir.TaskRunning, nil); err != nil {
		r.logger.Error("task not runnable", "task", t.id, "queue", t.queue, "error", err)
		return
	}
	r.notify(t, ir.TaskRunning)

	err := r.invoke(ctx, t)

	if t.env != nil {
		if rerr := t.env.Release(); rerr != nil {
			r.logger.Error("release capture environment",
				"task", t.id,
				"env", t.env.Node().String(),
				"error", rerr)
		}
	}

	to := ir.TaskCompleted
	if err != nil {
		to = ir.TaskFailed
		r.logger.Warn("task failed",
			"task", t.id,
			"queue", t.queue,
			"error", err)
	} else {
		r.logger.Debug("task completed", "task", t.id, "queue", t.queue)
	}
	if terr := t.transition(ir.TaskRunning, to, err); terr != nil {
		r.logger.Error("task state", "task", t.id, "error", terr)
		return
	}
	r.notify(t, to)
}

func (r *runner) invoke(ctx context.Context, t *Task) (err error) {
	if t.body == nil {
		return nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = newPanicError(rec)
		}
	}()
	return t.body(ctx, t.env)
}
