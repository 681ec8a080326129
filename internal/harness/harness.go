package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/arcsim/internal/arc"
	"github.com/roach88/arcsim/internal/capture"
	"github.com/roach88/arcsim/internal/dispatch"
	"github.com/roach88/arcsim/internal/engine"
	"github.com/roach88/arcsim/internal/ir"
	"github.com/roach88/arcsim/internal/store"
	"github.com/roach88/arcsim/internal/testutil"
)

// DefaultSession is the session token used when a scenario sets none.
const DefaultSession = "test-session"

// Option configures a scenario run.
type Option func(*config)

type config struct {
	store   *store.Store
	logger  *slog.Logger
	session string
}

// WithStore persists the run's events to s.
func WithStore(s *store.Store) Option {
	return func(c *config) {
		c.store = s
	}
}

// WithSession overrides the scenario's session token.
func WithSession(token string) Option {
	return func(c *config) {
		c.session = token
	}
}

// WithLogger sets the logger for the run. Logs are discarded by default.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// binding is a node variable: the node and the root that variable holds.
type binding struct {
	node ir.NodeID
	root *arc.Root
}

// Harness executes one scenario against a fresh engine.
type Harness struct {
	engine *engine.Engine
	logger *slog.Logger
	result *Result

	cells map[string]*capture.Cell
	vars  map[string]binding
	tasks map[string]*dispatch.Task
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh engine with a deterministic clock and a
// fixed session token, so two runs produce the same trace.
//
// Execution flow:
//  1. Create the engine (persisting to a store if one is given)
//  2. Execute the steps in order, checking expected step errors
//  3. Record a final leak report
//  4. Evaluate assertions against the final state and trace
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	cfg := config{logger: testutil.DiscardLogger()}
	for _, opt := range opts {
		opt(&cfg)
	}

	session := cfg.session
	if session == "" {
		session = scenario.Session
	}
	if session == "" {
		session = DefaultSession
	}
	engOpts := []engine.Option{
		engine.WithLogger(cfg.logger),
		engine.WithClock(testutil.NewDeterministicClock()),
		engine.WithSessionGenerator(testutil.NewFixedSessionGenerator(session)),
		engine.WithScenario(scenario.Name),
	}
	if cfg.store != nil {
		engOpts = append(engOpts, engine.WithStore(cfg.store))
	}
	eng, err := engine.New(ctx, engOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	h := &Harness{
		engine: eng,
		logger: cfg.logger,
		result: NewResult(),
		cells:  make(map[string]*capture.Cell),
		vars:   make(map[string]binding),
		tasks:  make(map[string]*dispatch.Task),
	}
	h.result.Session = eng.Session()

	for i, step := range scenario.Steps {
		err := h.executeStep(ctx, step)
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		h.checkStepError(i, step, err)
	}

	h.result.Leaks = eng.ReportLeaks()
	for _, ev := range eng.Events() {
		h.result.Trace = append(h.result.Trace, traceEvent(ev))
	}
	if err := eng.Err(); err != nil {
		return nil, fmt.Errorf("failed to persist events: %w", err)
	}

	actx := &AssertionContext{Engine: eng, Tasks: h.tasks}
	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions, actx) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

// checkStepError compares a step's outcome with its expected error code.
func (h *Harness) checkStepError(i int, step Step, err error) {
	want := engine.ErrorCode(step.Error)
	got := engine.Classify(err)
	switch {
	case want == "" && err != nil:
		h.result.AddError(fmt.Sprintf("steps[%d]: unexpected error: %v", i, err))
	case want != "" && err == nil:
		h.result.AddError(fmt.Sprintf("steps[%d]: expected error %s, step succeeded", i, want))
	case want != got:
		h.result.AddError(fmt.Sprintf("steps[%d]: expected error %s, got %s: %v", i, want, got, err))
	default:
		h.logger.Debug("step completed", "step", i, "error", got)
	}
}

func (h *Harness) executeStep(ctx context.Context, step Step) error {
	eng := h.engine
	switch {
	case step.Var != nil:
		v, err := ir.FromAny(step.Var.Value)
		if err != nil {
			return fmt.Errorf("var %s: %w", step.Var.Name, err)
		}
		h.cells[step.Var.Name] = eng.NewCell(step.Var.Name, v)
		return nil

	case step.Assign != nil:
		v, err := ir.FromAny(step.Assign.Value)
		if err != nil {
			return fmt.Errorf("assign %s: %w", step.Assign.Name, err)
		}
		eng.Assign(h.cells[step.Assign.Name], v)
		return nil

	case step.Alloc != nil:
		label := step.Alloc.Label
		if label == "" {
			label = step.Alloc.Name
		}
		id, root := eng.Allocate(label)
		h.bind(step.Alloc.Name, binding{node: id, root: root})
		return nil

	case step.Root != nil:
		b := h.vars[step.Root.Of]
		root, err := eng.NewRoot(b.node)
		if err != nil {
			return err
		}
		h.bind(step.Root.Name, binding{node: b.node, root: root})
		return nil

	case step.Set != nil:
		return h.set(step.Set)

	case step.Clear != nil:
		return eng.ClearField(h.node(step.Clear.Holder), step.Clear.Field)

	case step.Load != nil:
		id, ok, err := eng.Load(h.node(step.Load.Holder), step.Load.Field)
		if err != nil {
			return err
		}
		h.observeNode(step.Load.Holder+"."+step.Load.Field, id, ok)
		return nil

	case step.Drop != "":
		return h.drop(step.Drop)

	case step.Defer != nil:
		return h.deferTask(step.Defer)

	case step.Run != "":
		_, err := eng.RunPending(ctx, step.Run)
		return err

	case step.RunAll:
		_, err := eng.RunAll(ctx)
		return err
	}
	return nil
}

func (h *Harness) bind(name string, b binding) {
	h.vars[name] = b
	h.result.Names[name] = b.node
}

// node resolves a node variable or a task name (its environment).
func (h *Harness) node(name string) ir.NodeID {
	if b, ok := h.vars[name]; ok {
		return b.node
	}
	if t, ok := h.tasks[name]; ok {
		return t.Env().Node()
	}
	return ir.None
}

func (h *Harness) set(s *SetStep) error {
	kind, err := ir.ParseRelationKind(s.Kind)
	if err != nil {
		return err
	}
	return h.engine.SetField(h.node(s.Holder), s.Field, h.node(s.Target), kind)
}

func (h *Harness) drop(name string) error {
	return h.engine.DropRoot(h.vars[name].root)
}

func (h *Harness) observeNode(name string, id ir.NodeID, ok bool) {
	if !ok {
		h.engine.Observe(name, nil)
		return
	}
	h.engine.Observe(name, ir.IRString(h.result.NameOf(id)))
}

func (h *Harness) deferTask(d *DeferStep) error {
	specs := make([]capture.Spec, 0, len(d.Captures))
	for _, c := range d.Captures {
		kind, err := ir.ParseCaptureKind(c.Kind)
		if err != nil {
			return err
		}
		var src capture.Source
		switch {
		case c.From == "":
			v, err := ir.FromAny(c.Value)
			if err != nil {
				return fmt.Errorf("capture %s: %w", c.captureName(), err)
			}
			src = capture.FromValue(v)
		case h.cells[c.From] != nil:
			src = capture.FromCell(h.cells[c.From])
		default:
			src = capture.FromNode(h.node(c.From))
		}
		specs = append(specs, capture.Spec{Name: c.captureName(), Source: src, Kind: kind})
	}

	task, err := h.engine.Defer(h.body(d.Body), specs, d.Queue, engine.Named(d.Name))
	if err != nil {
		return err
	}
	h.tasks[d.Name] = task
	h.result.Names[d.Name] = task.Env().Node()

	if d.StoreIn != nil {
		kind, err := ir.ParseRelationKind(d.StoreIn.Kind)
		if err != nil {
			return err
		}
		return h.engine.SetField(h.node(d.StoreIn.Holder), d.StoreIn.Field, task.Env().Node(), kind)
	}
	return nil
}

// errBodyFailed is returned by a body's fail operation.
var errBodyFailed = errors.New("body failed")

// body compiles the operation list into a task body. The first failing
// operation ends the body with its error.
func (h *Harness) body(ops []BodyOp) dispatch.Body {
	return func(_ context.Context, env *capture.Environment) error {
		for _, op := range ops {
			if err := h.runOp(env, op); err != nil {
				return err
			}
		}
		return nil
	}
}

func (h *Harness) runOp(env *capture.Environment, op BodyOp) error {
	switch {
	case op.Observe != "":
		if isRelation(env, op.Observe) {
			return h.load(env, op.Observe)
		}
		v, err := env.Value(op.Observe)
		if err != nil {
			return err
		}
		h.engine.Observe(op.Observe, v)
	case op.Load != "":
		return h.load(env, op.Load)
	case op.Assign != nil:
		v, err := ir.FromAny(op.Assign.Value)
		if err != nil {
			return err
		}
		return env.Set(op.Assign.Name, v)
	case op.Clear != "":
		return env.Clear(op.Clear)
	case op.Set != nil:
		return h.set(op.Set)
	case op.Drop != "":
		return h.drop(op.Drop)
	case op.Fail != "":
		return fmt.Errorf("%w: %s", errBodyFailed, op.Fail)
	case op.Panic != "":
		panic(op.Panic)
	}
	return nil
}

// isRelation reports whether name is bound to a node rather than a value.
func isRelation(env *capture.Environment, name string) bool {
	_, err := env.Value(name)
	return errors.Is(err, capture.ErrKindMismatch)
}

func (h *Harness) load(env *capture.Environment, name string) error {
	id, ok, err := env.Resolve(name)
	if err != nil {
		return err
	}
	h.observeNode(name, id, ok)
	return nil
}
