package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/arcsim/internal/capture"
	"github.com/roach88/arcsim/internal/ir"
)

// ErrStopped is returned when submitting to a stopped Dispatcher.
var ErrStopped = errors.New("dispatch: dispatcher is stopped")

// GlobalQueue is the predeclared concurrent queue of every Dispatcher.
const GlobalQueue = "global"

// QueueKind selects how a Dispatcher runs a queue.
type QueueKind int

const (
	// Serial queues run one task at a time in submission order.
	Serial QueueKind = iota + 1
	// Concurrent queues hand tasks to the shared worker pool; tasks may
	// overlap and finish in any order.
	Concurrent
)

// String implements fmt.Stringer.
func (k QueueKind) String() string {
	switch k {
	case Serial:
		return "serial"
	case Concurrent:
		return "concurrent"
	default:
		return fmt.Sprintf("QueueKind(%d)", int(k))
	}
}

type declaredQueue struct {
	kind  QueueKind
	tasks *taskQueue
}

// Dispatcher is the goroutine-backed implementation of the queue contract.
// Each serial queue owns one goroutine; concurrent queues share a pool of
// workers sized by WithWorkers.
//
// A Sync call from a body on the same serial queue deadlocks, as it would
// with any serial executor.
type Dispatcher struct {
	runner
	clock Clock

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	queues  map[string]*declaredQueue
	pool    *taskQueue
	stopped bool

	inflight sync.WaitGroup // submitted tasks not yet finished
	workers  sync.WaitGroup // worker goroutines
}

// NewDispatcher starts the worker pool. Call Stop to release it.
func NewDispatcher(opts ...Option) *Dispatcher {
	cfg := newConfig(opts)
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		runner: runner{logger: cfg.logger, hook: cfg.hook},
		clock:  cfg.clock,
		ctx:    ctx,
		cancel: cancel,
		queues: make(map[string]*declaredQueue),
		pool:   newTaskQueue(),
	}
	d.queues[GlobalQueue] = &declaredQueue{kind: Concurrent, tasks: d.pool}

	d.workers.Add(cfg.workers)
	for range cfg.workers {
		go d.serve(d.pool)
	}
	return d
}

// Declare creates a queue of the given kind. Declaring an existing queue
// with the same kind is a no-op.
func (d *Dispatcher) Declare(name string, kind QueueKind) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.declareLocked(name, kind)
	return err
}

func (d *Dispatcher) declareLocked(name string, kind QueueKind) (*declaredQueue, error) {
	if d.stopped {
		return nil, ErrStopped
	}
	if q, ok := d.queues[name]; ok {
		if q.kind != kind {
			return nil, fmt.Errorf("queue %q already declared %s", name, q.kind)
		}
		return q, nil
	}

	var q *declaredQueue
	switch kind {
	case Serial:
		q = &declaredQueue{kind: Serial, tasks: newTaskQueue()}
		d.workers.Add(1)
		go d.serve(q.tasks)
	case Concurrent:
		q = &declaredQueue{kind: Concurrent, tasks: d.pool}
	default:
		return nil, fmt.Errorf("invalid queue kind %s", kind)
	}
	d.queues[name] = q
	d.logger.Debug("queue declared", "queue", name, "kind", kind.String())
	return q, nil
}

// Async submits a task and returns immediately. An undeclared queue is
// declared serial.
func (d *Dispatcher) Async(queue string, env *capture.Environment, body Body) (*Task, error) {
	if queue == "" {
		queue = DefaultQueue
	}

	d.mu.Lock()
	q, ok := d.queues[queue]
	if !ok {
		var err error
		if q, err = d.declareLocked(queue, Serial); err != nil {
			d.mu.Unlock()
			return nil, err
		}
	}
	if d.stopped {
		d.mu.Unlock()
		return nil, ErrStopped
	}
	t := newTask(d.clock.Next(), queue, env, body)
	d.inflight.Add(1)
	d.mu.Unlock()

	d.notify(t, ir.TaskPending)
	if !q.tasks.Enqueue(t) {
		d.inflight.Done()
		return nil, ErrStopped
	}
	return t, nil
}

// Sync submits a task and blocks until it finished or ctx is done. The
// returned error is the body's failure, or ctx.Err() if the wait was
// abandoned (the task still runs).
func (d *Dispatcher) Sync(ctx context.Context, queue string, env *capture.Environment, body Body) (*Task, error) {
	t, err := d.Async(queue, env, body)
	if err != nil {
		return nil, err
	}
	select {
	case <-t.Done():
		return t, t.Err()
	case <-ctx.Done():
		return t, ctx.Err()
	}
}

// Wait blocks until every submitted task has finished.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

// Stop rejects further submissions, waits for submitted work to drain and
// then shuts the workers down. Stop is idempotent.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		d.workers.Wait()
		return
	}
	d.stopped = true
	d.mu.Unlock()

	d.inflight.Wait()

	d.mu.Lock()
	for _, q := range d.queues {
		q.tasks.Close()
	}
	d.mu.Unlock()
	d.cancel()
	d.workers.Wait()
}

// serve runs tasks from q until it is closed and empty.
func (d *Dispatcher) serve(q *taskQueue) {
	defer d.workers.Done()
	for {
		if t, ok := q.TryDequeue(); ok {
			d.run(d.ctx, t)
			d.inflight.Done()
			continue
		}
		select {
		case _, open := <-q.Wait():
			if !open {
				return
			}
		case <-d.ctx.Done():
			return
		}
	}
}
