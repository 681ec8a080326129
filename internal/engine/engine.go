package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/roach88/arcsim/internal/arc"
	"github.com/roach88/arcsim/internal/capture"
	"github.com/roach88/arcsim/internal/dispatch"
	"github.com/roach88/arcsim/internal/ir"
	"github.com/roach88/arcsim/internal/store"
)

// Engine is the in-process surface of the simulator: one heap, one task
// runner and one event log, identified by a session token. The runner is
// the deterministic Scheduler unless WithDispatcher selects real queues.
//
// Thread-safety: every method is safe for concurrent use. Graph mutations
// are serialized by the heap; the event log by the engine's own mutex.
// RunPending and RunAll must not run concurrently with each other.
type Engine struct {
	heap     *arc.Heap
	sched    *dispatch.Scheduler
	store    *store.Store
	clock    Sequencer
	sessions SessionGenerator
	logger   *slog.Logger
	session  string
	scenario string
	workers  int

	disp     *dispatch.Dispatcher
	dmu      sync.Mutex
	inflight []*dispatch.Task // dispatched tasks RunPending/RunAll have not waited for

	mu         sync.Mutex
	events     []ir.Event
	persistErr error
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore persists every event to s. The store is not closed by the
// engine.
func WithStore(s *store.Store) Option {
	return func(e *Engine) {
		e.store = s
	}
}

// WithLogger sets the structured logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithSessionGenerator sets the source of the session token.
// Default is UUIDv7Generator.
func WithSessionGenerator(g SessionGenerator) Option {
	return func(e *Engine) {
		e.sessions = g
	}
}

// WithClock sets the event sequencer. Default is a fresh Clock.
func WithClock(c Sequencer) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithDispatcher runs deferred tasks on goroutine-backed queues with a pool
// of the given number of workers instead of the deterministic scheduler.
// Tasks start as soon as Defer submits them; RunPending and RunAll only wait
// for them. The "global" queue is concurrent, every other queue serial.
// Call Close to stop the workers.
func WithDispatcher(workers int) Option {
	return func(e *Engine) {
		e.workers = workers
	}
}

// WithScenario records the scenario name on the stored session.
func WithScenario(name string) Option {
	return func(e *Engine) {
		e.scenario = name
	}
}

// New creates an engine and, when a store is configured, registers its
// session.
func New(ctx context.Context, opts ...Option) (*Engine, error) {
	e := &Engine{
		clock:    NewClock(),
		sessions: UUIDv7Generator{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.workers < 0 {
		return nil, fmt.Errorf("dispatcher workers must be positive, got %d", e.workers)
	}
	e.session = e.sessions.Generate()

	e.heap = arc.NewHeap(arc.WithEventSink(e.record), arc.WithLogger(e.logger))
	e.sched = dispatch.NewScheduler(dispatch.WithLogger(e.logger), dispatch.WithHook(e.onTask))
	if e.workers > 0 {
		e.disp = dispatch.NewDispatcher(
			dispatch.WithLogger(e.logger),
			dispatch.WithHook(e.onTask),
			dispatch.WithWorkers(e.workers))
	}

	if e.store != nil {
		err := e.store.WriteSession(ctx, store.Session{Token: e.session, Scenario: e.scenario})
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("register session: %w", err)
		}
	}

	e.logger.Debug("engine session started", "session", e.session, "scenario", e.scenario)
	return e, nil
}

// Session returns the session token.
func (e *Engine) Session() string {
	return e.session
}

// Heap returns the underlying heap.
func (e *Engine) Heap() *arc.Heap {
	return e.heap
}

// Scheduler returns the underlying scheduler.
func (e *Engine) Scheduler() *dispatch.Scheduler {
	return e.sched
}

// Dispatcher returns the goroutine-backed runner, or nil when the engine
// runs on the deterministic scheduler.
func (e *Engine) Dispatcher() *dispatch.Dispatcher {
	return e.disp
}

// Close stops the dispatcher once its submitted tasks finished. It is a
// no-op on the deterministic scheduler and safe to call more than once.
func (e *Engine) Close() {
	if e.disp != nil {
		e.disp.Stop()
	}
}

// =============================================================================
// Object graph
// =============================================================================

// Allocate creates a node held by a fresh root.
func (e *Engine) Allocate(label string) (ir.NodeID, *arc.Root) {
	return e.heap.Allocate(arc.WithLabel(label))
}

// NewRoot adds another root holding id.
func (e *Engine) NewRoot(id ir.NodeID) (*arc.Root, error) {
	return e.heap.NewRoot(id)
}

// DropRoot removes a root's hold, possibly cascading deallocation.
func (e *Engine) DropRoot(r *arc.Root) error {
	return e.heap.DropRoot(r)
}

// SetField establishes or replaces holder.field.
func (e *Engine) SetField(holder ir.NodeID, field string, target ir.NodeID, kind ir.RelationKind) error {
	return e.heap.SetField(holder, field, target, kind)
}

// ClearField resets holder.field to absent.
func (e *Engine) ClearField(holder ir.NodeID, field string) error {
	return e.heap.ClearField(holder, field)
}

// Load resolves holder.field.
func (e *Engine) Load(holder ir.NodeID, field string) (ir.NodeID, bool, error) {
	return e.heap.Load(holder, field)
}

// Retain increments the strong count of id.
func (e *Engine) Retain(id ir.NodeID) error {
	return e.heap.Retain(id)
}

// Release decrements the strong count of id.
func (e *Engine) Release(id ir.NodeID) error {
	return e.heap.Release(id)
}

// OnDeallocate registers an observer fired once when id deallocates.
func (e *Engine) OnDeallocate(id ir.NodeID, fn arc.DeallocFunc) error {
	return e.heap.OnDeallocate(id, fn)
}

// IsLive reports whether id is allocated and not yet deallocated.
func (e *Engine) IsLive(id ir.NodeID) bool {
	return e.heap.IsLive(id)
}

// =============================================================================
// Cells and deferred work
// =============================================================================

// NewCell creates a storage cell and records its initial value.
func (e *Engine) NewCell(name string, v ir.IRValue) *capture.Cell {
	c := capture.NewCell(name, v)
	e.record(ir.Event{Type: ir.EventCellStore, Field: name, Detail: valueDetail(c.Load())})
	return c
}

// Assign stores v in c and records the store.
func (e *Engine) Assign(c *capture.Cell, v ir.IRValue) {
	c.Store(v)
	e.record(ir.Event{Type: ir.EventCellStore, Field: c.Name(), Detail: valueDetail(c.Load())})
}

// DeferOption configures a single Defer call.
type DeferOption func(*deferConfig)

type deferConfig struct {
	name string
}

// Named labels the task's capture environment "closure:<name>".
func Named(name string) DeferOption {
	return func(c *deferConfig) {
		c.name = name
	}
}

// Defer builds the capture environment for specs and submits body to queue.
// Construction errors are returned synchronously and nothing is submitted.
func (e *Engine) Defer(body dispatch.Body, specs []capture.Spec, queue string, opts ...DeferOption) (*dispatch.Task, error) {
	var cfg deferConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	label := "closure"
	if cfg.name != "" {
		label = "closure:" + cfg.name
	}

	env, err := capture.BuildLabeled(e.heap, label, specs...)
	if err != nil {
		e.logger.Warn("capture construction failed", "closure", label, "error", err)
		return nil, err
	}
	for _, spec := range specs {
		ev := ir.Event{Type: ir.EventCapture, Node: env.Node(), Field: spec.Name, Kind: spec.Kind.String()}
		if target, ok := spec.Source.Node(); ok {
			ev.Target = target
		}
		e.record(ev)
	}
	if e.disp == nil {
		return e.sched.Submit(queue, env, body), nil
	}

	t, err := e.disp.Async(queue, env, body)
	if err != nil {
		_ = env.Release()
		return nil, err
	}
	e.dmu.Lock()
	e.inflight = append(e.inflight, t)
	e.dmu.Unlock()
	return t, nil
}

// Observe records a value seen by a body. A nil v records an absent value.
func (e *Engine) Observe(name string, v ir.IRValue) {
	e.record(ir.Event{Type: ir.EventObserve, Field: name, Detail: valueDetail(v)})
}

// RunPending runs queue until it is empty. With a dispatcher it waits for
// the queue's submitted tasks, including ones they submit in turn.
func (e *Engine) RunPending(ctx context.Context, queue string) (int, error) {
	if e.disp == nil {
		return e.sched.RunPending(ctx, queue)
	}
	if queue == "" {
		queue = dispatch.DefaultQueue
	}
	return e.awaitDispatched(ctx, func(t *dispatch.Task) bool {
		return t.Queue() == queue
	})
}

// RunAll runs every queue until none has pending work.
func (e *Engine) RunAll(ctx context.Context) (int, error) {
	if e.disp == nil {
		return e.sched.RunAll(ctx)
	}
	return e.awaitDispatched(ctx, func(*dispatch.Task) bool { return true })
}

// awaitDispatched waits for the in-flight tasks selected by match until no
// selected task is left, and returns how many finished.
func (e *Engine) awaitDispatched(ctx context.Context, match func(*dispatch.Task) bool) (int, error) {
	finished := 0
	for {
		e.dmu.Lock()
		var batch, rest []*dispatch.Task
		for _, t := range e.inflight {
			if match(t) {
				batch = append(batch, t)
			} else {
				rest = append(rest, t)
			}
		}
		e.inflight = rest
		e.dmu.Unlock()

		if len(batch) == 0 {
			return finished, nil
		}
		for i, t := range batch {
			select {
			case <-t.Done():
				finished++
			case <-ctx.Done():
				e.dmu.Lock()
				e.inflight = append(e.inflight, batch[i:]...)
				e.dmu.Unlock()
				return finished, ctx.Err()
			}
		}
	}
}

// =============================================================================
// Diagnostics
// =============================================================================

// Snapshot copies the current object graph.
func (e *Engine) Snapshot() arc.Snapshot {
	return e.heap.Snapshot()
}

// Leaks runs the leak analysis on the current graph. It does not record an
// event; see ReportLeaks.
func (e *Engine) Leaks() arc.LeakReport {
	return arc.FindLeaks(e.heap.Snapshot())
}

// ReportLeaks runs the leak analysis and records the result in the log.
func (e *Engine) ReportLeaks() arc.LeakReport {
	report := e.Leaks()
	cycles := make(ir.IRArray, 0, len(report.Cycles))
	for _, c := range report.Cycles {
		cycles = append(cycles, nodeArray(c))
	}
	e.record(ir.Event{Type: ir.EventLeakReport, Detail: ir.IRObject{
		"leaked":   nodeArray(report.Leaked),
		"cycles":   cycles,
		"retained": nodeArray(report.Retained),
	}})
	if !report.Empty() {
		e.logger.Info("leaks found", "session", e.session, "leaked", len(report.Leaked), "cycles", len(report.Cycles))
	}
	return report
}

// Events returns a copy of the event log in seq order.
func (e *Engine) Events() []ir.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.events)
}

// Err returns the first store write failure, if any. Persistence failures
// are logged and do not stop the simulation.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.persistErr
}

// record stamps ev and appends it to the log. It is the heap's event sink,
// so it runs under the heap mutex and must not call back into the heap.
func (e *Engine) record(ev ir.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ev.Seq = e.clock.Next()
	ev.Session = e.session
	if len(ev.Detail) == 0 {
		ev.Detail = nil
	}
	id, err := ir.EventID(ev)
	if err != nil {
		e.logger.Error("event id", "seq", ev.Seq, "type", ev.Type, "error", err)
	}
	ev.ID = id
	e.events = append(e.events, ev)

	if e.store == nil || id == "" {
		return
	}
	if err := e.store.WriteEvent(context.Background(), ev); err != nil {
		e.logger.Error("persist event",
			"session", e.session,
			"seq", ev.Seq,
			"type", ev.Type,
			"error", err)
		if e.persistErr == nil {
			e.persistErr = NewPersistError(e.session, ev.Seq, err)
		}
	}
}

// onTask translates scheduler lifecycle changes into events.
func (e *Engine) onTask(t *dispatch.Task, state ir.TaskState) {
	ev := ir.Event{Task: t.ID(), Queue: t.Queue()}
	if env := t.Env(); env != nil {
		ev.Node = env.Node()
	}
	switch state {
	case ir.TaskPending:
		ev.Type = ir.EventTaskSubmit
	case ir.TaskRunning:
		ev.Type = ir.EventTaskRun
	case ir.TaskCompleted:
		ev.Type = ir.EventTaskDone
	case ir.TaskFailed:
		ev.Type = ir.EventTaskFailed
		ev.Detail = ir.IRObject{
			"code":    ir.IRString(Classify(t.Err())),
			"message": ir.IRString(failureMessage(t.Err())),
		}
	default:
		return
	}
	e.record(ev)
}

// failureMessage renders a task failure without the panic stack, so the
// event log stays deterministic.
func failureMessage(err error) string {
	if pe, ok := err.(*dispatch.PanicError); ok {
		return fmt.Sprintf("panic: %v", pe.Value)
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// valueDetail renders a value for an event. Null and absent values are
// flagged separately because canonical JSON carries no null; values that
// still do not canonicalize are kept as text.
func valueDetail(v ir.IRValue) ir.IRObject {
	switch v.(type) {
	case nil:
		return ir.IRObject{"absent": ir.IRBool(true)}
	case ir.IRNull:
		return ir.IRObject{"null": ir.IRBool(true)}
	}
	if _, err := ir.MarshalCanonical(v); err != nil {
		return ir.IRObject{"repr": ir.IRString(ir.Format(v))}
	}
	return ir.IRObject{"value": v}
}

func nodeArray(ids []ir.NodeID) ir.IRArray {
	arr := make(ir.IRArray, 0, len(ids))
	for _, id := range ids {
		arr = append(arr, ir.IRInt(id))
	}
	return arr
}
