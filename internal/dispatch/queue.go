package dispatch

import "sync"

// taskQueue is a thread-safe unbounded FIFO of tasks.
//
// The queue is unbounded so Submit never blocks, including when a running
// body submits more work to its own queue.
//
// A buffered signal channel of size 1 announces availability, which lets
// worker goroutines wait with select alongside a context.
type taskQueue struct {
	mu     sync.Mutex
	tasks  []*Task
	closed bool
	signal chan struct{}
}

func newTaskQueue() *taskQueue {
	return &taskQueue{
		tasks:  make([]*Task, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a task to the back of the queue.
// Returns false if the queue is closed.
func (q *taskQueue) Enqueue(t *Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.tasks = append(q.tasks, t)
	q.notify()
	return true
}

// TryDequeue removes the front task without blocking.
func (q *taskQueue) TryDequeue() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil, false
	}
	t := q.tasks[0]
	q.tasks[0] = nil // release the reference held by the backing array
	if len(q.tasks) == 1 {
		q.tasks = q.tasks[:0]
	} else {
		q.tasks = q.tasks[1:]
	}

	// Several consumers may wait on one signal; pass it on while work remains.
	if len(q.tasks) > 0 {
		q.notify()
	}
	return t, true
}

// Wait returns a channel that signals when tasks may be available.
// The channel is closed once the queue is closed.
func (q *taskQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued tasks.
func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Close stops accepting tasks and wakes all waiters.
func (q *taskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// notify must be called with q.mu held.
func (q *taskQueue) notify() {
	if q.closed {
		return
	}
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
