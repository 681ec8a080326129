package dispatch

import (
	"context"
	"slices"
	"sync"

	"github.com/roach88/arcsim/internal/capture"
	"github.com/roach88/arcsim/internal/ir"
)

// DefaultQueue is used when a task is submitted without a queue name.
const DefaultQueue = "main"

// Scheduler is the deterministic, single-threaded backing. Nothing runs
// until the caller drives it with RunPending or RunAll.
//
// Thread-safety: Submit may be called from any goroutine, including from a
// running body. RunPending and RunAll must not be called concurrently with
// each other.
type Scheduler struct {
	runner
	clock Clock

	mu     sync.Mutex
	queues map[string]*taskQueue
	order  []string // queue names in first-submission order
	tasks  []*Task  // every task in submission order
}

// NewScheduler creates a Scheduler with no queues.
func NewScheduler(opts ...Option) *Scheduler {
	cfg := newConfig(opts)
	return &Scheduler{
		runner: runner{logger: cfg.logger, hook: cfg.hook},
		clock:  cfg.clock,
		queues: make(map[string]*taskQueue),
	}
}

// Submit appends a task to queue and returns immediately.
func (s *Scheduler) Submit(queue string, env *capture.Environment, body Body) *Task {
	if queue == "" {
		queue = DefaultQueue
	}

	s.mu.Lock()
	q, ok := s.queues[queue]
	if !ok {
		q = newTaskQueue()
		s.queues[queue] = q
		s.order = append(s.order, queue)
	}
	t := newTask(s.clock.Next(), queue, env, body)
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()

	// Publish Pending before the task becomes runnable.
	s.notify(t, ir.TaskPending)
	q.Enqueue(t)
	s.logger.Debug("task submitted", "task", t.id, "queue", queue)
	return t
}

// RunPending runs queue until it is empty, including tasks submitted to it
// while it runs. It returns the number of tasks run. The context is checked
// between tasks; a cancelled context leaves the remaining tasks pending.
func (s *Scheduler) RunPending(ctx context.Context, queue string) (int, error) {
	if queue == "" {
		queue = DefaultQueue
	}
	s.mu.Lock()
	q, ok := s.queues[queue]
	s.mu.Unlock()
	if !ok {
		return 0, nil
	}

	ran := 0
	for {
		if err := ctx.Err(); err != nil {
			return ran, err
		}
		t, ok := q.TryDequeue()
		if !ok {
			return ran, nil
		}
		s.run(ctx, t)
		ran++
	}
}

// RunAll drains every queue, visiting queues in first-submission order and
// repeating until no queue has pending work.
func (s *Scheduler) RunAll(ctx context.Context) (int, error) {
	total := 0
	for {
		progressed := false
		for _, name := range s.Queues() {
			n, err := s.RunPending(ctx, name)
			total += n
			if err != nil {
				return total, err
			}
			if n > 0 {
				progressed = true
			}
		}
		if !progressed {
			return total, nil
		}
	}
}

// Pending returns the number of tasks waiting on queue.
func (s *Scheduler) Pending(queue string) int {
	s.mu.Lock()
	q, ok := s.queues[queue]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	return q.Len()
}

// Queues returns the queue names in first-submission order.
func (s *Scheduler) Queues() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.order)
}

// Tasks returns every submitted task in submission order.
func (s *Scheduler) Tasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.tasks)
}
