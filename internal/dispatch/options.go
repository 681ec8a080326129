package dispatch

import (
	"log/slog"
	"sync/atomic"

	"github.com/roach88/arcsim/internal/ir"
)

// Clock stamps submitted tasks with a strictly increasing sequence number.
// engine.Clock and testutil.DeterministicClock satisfy it.
type Clock interface {
	Next() int64
}

// Hook observes task lifecycle changes: once with TaskPending at submission,
// then at every transition. It may be called from worker goroutines.
type Hook func(t *Task, state ir.TaskState)

// Option configures a Scheduler or Dispatcher.
type Option func(*config)

type config struct {
	logger  *slog.Logger
	clock   Clock
	hook    Hook
	workers int
}

// WithLogger sets the logger used for task failures.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithClock sets the clock used to stamp task ids.
func WithClock(clock Clock) Option {
	return func(c *config) {
		c.clock = clock
	}
}

// WithHook registers a lifecycle observer.
func WithHook(hook Hook) Option {
	return func(c *config) {
		c.hook = hook
	}
}

// WithWorkers sets the size of the worker pool backing concurrent queues.
// Only meaningful for a Dispatcher. Default is 4.
func WithWorkers(n int) Option {
	return func(c *config) {
		if n <= 0 {
			panic("dispatch: WithWorkers requires n > 0")
		}
		c.workers = n
	}
}

func newConfig(opts []Option) config {
	cfg := config{workers: 4}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.clock == nil {
		cfg.clock = &counter{}
	}
	return cfg
}

type counter struct {
	seq atomic.Int64
}

func (c *counter) Next() int64 {
	return c.seq.Add(1)
}
