package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/arcsim/internal/engine"
	"github.com/roach88/arcsim/internal/ir"
)

// Scenario is a scripted program run against a fresh engine, followed by
// assertions on the resulting graph and trace.
type Scenario struct {
	// Name uniquely identifies this scenario (and names its golden file).
	Name string `yaml:"name" json:"name"`

	// Description explains what this scenario demonstrates.
	Description string `yaml:"description" json:"description"`

	// Session is an optional fixed session token. Defaults to
	// "test-session" so traces are reproducible.
	Session string `yaml:"session,omitempty" json:"session,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps" json:"steps"`

	// Assertions are evaluated after the last step.
	Assertions []Assertion `yaml:"assertions" json:"assertions"`
}

// Step is one scenario instruction. Exactly one field is set.
type Step struct {
	// Var declares a storage cell with an initial value.
	Var *ValueStep `yaml:"var,omitempty" json:"var,omitempty"`

	// Assign stores a new value in a cell.
	Assign *ValueStep `yaml:"assign,omitempty" json:"assign,omitempty"`

	// Alloc creates a node held by a new variable.
	Alloc *AllocStep `yaml:"alloc,omitempty" json:"alloc,omitempty"`

	// Root binds another variable to an existing node.
	Root *RootStep `yaml:"root,omitempty" json:"root,omitempty"`

	// Set establishes a relation between two node variables.
	Set *SetStep `yaml:"set,omitempty" json:"set,omitempty"`

	// Clear resets a field to absent.
	Clear *FieldRef `yaml:"clear,omitempty" json:"clear,omitempty"`

	// Load reads a field and records what it resolved to.
	Load *FieldRef `yaml:"load,omitempty" json:"load,omitempty"`

	// Drop ends a node variable's scope, dropping its root.
	Drop string `yaml:"drop,omitempty" json:"drop,omitempty"`

	// Defer builds a capture environment and submits a task.
	Defer *DeferStep `yaml:"defer,omitempty" json:"defer,omitempty"`

	// Run drains one queue.
	Run string `yaml:"run,omitempty" json:"run,omitempty"`

	// RunAll drains every queue.
	RunAll bool `yaml:"run_all,omitempty" json:"run_all,omitempty"`

	// Error is the error code this step is expected to fail with.
	Error string `yaml:"error,omitempty" json:"error,omitempty"`
}

// ValueStep names a cell and a value.
type ValueStep struct {
	Name  string `yaml:"name" json:"name"`
	Value any    `yaml:"value" json:"value"`
}

// AllocStep allocates a node.
type AllocStep struct {
	Name  string `yaml:"name" json:"name"`
	Label string `yaml:"label,omitempty" json:"label,omitempty"`
}

// RootStep binds Name to the node Of denotes, with a root of its own.
type RootStep struct {
	Name string `yaml:"name" json:"name"`
	Of   string `yaml:"of" json:"of"`
}

// SetStep sets Holder.Field to Target. Kind defaults to strong.
type SetStep struct {
	Holder string `yaml:"holder" json:"holder"`
	Field  string `yaml:"field" json:"field"`
	Target string `yaml:"target" json:"target"`
	Kind   string `yaml:"kind,omitempty" json:"kind,omitempty"`
}

// FieldRef names a field of a node. Kind is only used when a deferred
// environment is stored in the field.
type FieldRef struct {
	Holder string `yaml:"holder" json:"holder"`
	Field  string `yaml:"field" json:"field"`
	Kind   string `yaml:"kind,omitempty" json:"kind,omitempty"`
}

// DeferStep submits a task whose body is a list of operations.
type DeferStep struct {
	// Name identifies the task in assertions; its environment is labeled
	// "closure:<name>".
	Name string `yaml:"name" json:"name"`

	// Queue defaults to "main".
	Queue string `yaml:"queue,omitempty" json:"queue,omitempty"`

	// Captures is the capture list. An empty list captures nothing.
	Captures []CaptureStep `yaml:"captures,omitempty" json:"captures,omitempty"`

	// Body runs when the task is dispatched.
	Body []BodyOp `yaml:"body,omitempty" json:"body,omitempty"`

	// StoreIn stores the environment in a node's field, as when a closure
	// is assigned to a property of its owner.
	StoreIn *FieldRef `yaml:"store_in,omitempty" json:"store_in,omitempty"`
}

// CaptureStep is one capture list entry. From names a scenario variable;
// Value captures a literal instead. Name defaults to From.
type CaptureStep struct {
	Name  string `yaml:"name,omitempty" json:"name,omitempty"`
	From  string `yaml:"from,omitempty" json:"from,omitempty"`
	Value any    `yaml:"value,omitempty" json:"value,omitempty"`
	Kind  string `yaml:"kind,omitempty" json:"kind,omitempty"`
}

// BodyOp is one operation of a deferred body. Exactly one field is set.
// Observe, Load, Assign and Clear refer to captured names; Set and Drop to
// scenario variables.
type BodyOp struct {
	Observe string     `yaml:"observe,omitempty" json:"observe,omitempty"`
	Load    string     `yaml:"load,omitempty" json:"load,omitempty"`
	Assign  *ValueStep `yaml:"assign,omitempty" json:"assign,omitempty"`
	Clear   string     `yaml:"clear,omitempty" json:"clear,omitempty"`
	Set     *SetStep   `yaml:"set,omitempty" json:"set,omitempty"`
	Drop    string     `yaml:"drop,omitempty" json:"drop,omitempty"`
	Fail    string     `yaml:"fail,omitempty" json:"fail,omitempty"`
	Panic   string     `yaml:"panic,omitempty" json:"panic,omitempty"`
}

// Assertion validates the final state or the trace.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type" json:"type"`

	// Names lists variables or task names (live, deallocated, dealloc_order).
	Names []string `yaml:"names,omitempty" json:"names,omitempty"`

	// Name is a single variable or observation name (observed, strong_count).
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Values is the expected sequence of observations; null means absent.
	Values []any `yaml:"values,omitempty" json:"values,omitempty"`

	// Count is the expected strong count.
	Count int `yaml:"count,omitempty" json:"count,omitempty"`

	// Task and Code check a task's failure; an empty Code expects success.
	Task string `yaml:"task,omitempty" json:"task,omitempty"`
	Code string `yaml:"code,omitempty" json:"code,omitempty"`

	// Tasks is the expected run order.
	Tasks []string `yaml:"tasks,omitempty" json:"tasks,omitempty"`

	// Leaked and Cycles describe the expected leak report. Both empty
	// expects no leaks.
	Leaked []string   `yaml:"leaked,omitempty" json:"leaked,omitempty"`
	Cycles [][]string `yaml:"cycles,omitempty" json:"cycles,omitempty"`
}

// Assertion type constants.
const (
	AssertLive         = "live"
	AssertDeallocated  = "deallocated"
	AssertDeallocOrder = "dealloc_order"
	AssertLeaks        = "leaks"
	AssertObserved     = "observed"
	AssertTaskError    = "task_error"
	AssertRunOrder     = "run_order"
	AssertStrongCount  = "strong_count"
)

// LoadScenario reads a scenario file. Files ending in .cue are evaluated
// with CUE; anything else is parsed as YAML. Both reject unknown fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario *Scenario
	if strings.EqualFold(filepath.Ext(path), ".cue") {
		scenario, err = ParseCUE(path, data)
	} else {
		scenario, err = ParseYAML(data)
	}
	if err != nil {
		return nil, err
	}
	return scenario, nil
}

// ParseYAML parses and validates a YAML scenario.
func ParseYAML(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // catches typos like "assertion:" vs "assertions:"
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := Validate(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// ParseCUE evaluates a CUE scenario, which must be fully concrete, and
// validates it. filename is used in error positions only.
func ParseCUE(filename string, data []byte) (*Scenario, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(data, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile CUE: %w", err)
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("CUE scenario is not concrete: %w", err)
	}

	data, err := v.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to export CUE: %w", err)
	}
	var scenario Scenario
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	decoder.UseNumber()
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to decode CUE scenario: %w", err)
	}
	if err := Validate(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// nameKind is what a scenario name denotes during validation.
type nameKind int

const (
	nameCell nameKind = iota + 1
	nameNode
	nameTask
)

// Validate checks a scenario statically: required fields, exactly one
// action per step, and that every name is declared before it is used.
func Validate(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	names := make(map[string]nameKind)
	declare := func(where, name string, kind nameKind) error {
		if name == "" {
			return fmt.Errorf("%s: name is required", where)
		}
		if _, dup := names[name]; dup {
			return fmt.Errorf("%s: %q is already declared", where, name)
		}
		names[name] = kind
		return nil
	}
	use := func(where, name string, kinds ...nameKind) error {
		k, ok := names[name]
		if !ok {
			return fmt.Errorf("%s: %q is not declared", where, name)
		}
		for _, want := range kinds {
			if k == want {
				return nil
			}
		}
		return fmt.Errorf("%s: %q cannot be used here", where, name)
	}

	for i, step := range s.Steps {
		where := fmt.Sprintf("steps[%d]", i)
		if n := step.actions(); n != 1 {
			return fmt.Errorf("%s: exactly one action is required, found %d", where, n)
		}
		if step.Error != "" {
			if err := validateCode(step.Error); err != nil {
				return fmt.Errorf("%s: %w", where, err)
			}
		}

		var err error
		switch {
		case step.Var != nil:
			err = declare(where+".var", step.Var.Name, nameCell)
		case step.Assign != nil:
			err = use(where+".assign", step.Assign.Name, nameCell)
		case step.Alloc != nil:
			err = declare(where+".alloc", step.Alloc.Name, nameNode)
		case step.Root != nil:
			err = use(where+".root", step.Root.Of, nameNode)
			if err == nil {
				err = declare(where+".root", step.Root.Name, nameNode)
			}
		case step.Set != nil:
			err = validateSet(where+".set", step.Set, use, nameNode, nameTask)
		case step.Clear != nil:
			err = validateField(where+".clear", step.Clear, use)
		case step.Load != nil:
			err = validateField(where+".load", step.Load, use)
		case step.Drop != "":
			err = use(where+".drop", step.Drop, nameNode)
		case step.Defer != nil:
			err = validateDefer(where+".defer", step.Defer, use)
			if err == nil {
				err = declare(where+".defer", step.Defer.Name, nameTask)
			}
		}
		if err != nil {
			return err
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a, use); err != nil {
			return err
		}
	}
	return nil
}

// actions counts the step's set action fields.
func (s Step) actions() int {
	n := 0
	for _, set := range []bool{
		s.Var != nil, s.Assign != nil, s.Alloc != nil, s.Root != nil,
		s.Set != nil, s.Clear != nil, s.Load != nil, s.Drop != "",
		s.Defer != nil, s.Run != "", s.RunAll,
	} {
		if set {
			n++
		}
	}
	return n
}

type useFunc func(where, name string, kinds ...nameKind) error

func validateSet(where string, set *SetStep, use useFunc, targets ...nameKind) error {
	if set.Field == "" {
		return fmt.Errorf("%s: field is required", where)
	}
	if _, err := ir.ParseRelationKind(set.Kind); err != nil {
		return fmt.Errorf("%s: %w", where, err)
	}
	if err := use(where, set.Holder, nameNode, nameTask); err != nil {
		return err
	}
	return use(where, set.Target, targets...)
}

func validateField(where string, f *FieldRef, use useFunc) error {
	if f.Field == "" {
		return fmt.Errorf("%s: field is required", where)
	}
	return use(where, f.Holder, nameNode, nameTask)
}

func validateDefer(where string, d *DeferStep, use useFunc) error {
	captured := make(map[string]bool)
	for j, c := range d.Captures {
		cw := fmt.Sprintf("%s.captures[%d]", where, j)
		if (c.From == "") == (c.Value == nil) {
			return fmt.Errorf("%s: exactly one of from or value is required", cw)
		}
		if c.From != "" {
			if err := use(cw, c.From, nameCell, nameNode, nameTask); err != nil {
				return err
			}
		}
		if _, err := ir.ParseCaptureKind(c.Kind); err != nil {
			return fmt.Errorf("%s: %w", cw, err)
		}
		captured[c.captureName()] = true
	}

	for j, op := range d.Body {
		ow := fmt.Sprintf("%s.body[%d]", where, j)
		if n := op.actions(); n != 1 {
			return fmt.Errorf("%s: exactly one operation is required, found %d", ow, n)
		}
		for _, name := range []string{op.Observe, op.Load, op.Clear} {
			if name != "" && !captured[name] {
				return fmt.Errorf("%s: %q is not captured", ow, name)
			}
		}
		if op.Assign != nil && !captured[op.Assign.Name] {
			return fmt.Errorf("%s: %q is not captured", ow, op.Assign.Name)
		}
		if op.Set != nil {
			if err := validateSet(ow+".set", op.Set, use, nameNode, nameTask); err != nil {
				return err
			}
		}
		if op.Drop != "" {
			if err := use(ow+".drop", op.Drop, nameNode); err != nil {
				return err
			}
		}
	}

	if d.StoreIn != nil {
		if err := validateField(where+".store_in", d.StoreIn, use); err != nil {
			return err
		}
		if _, err := ir.ParseRelationKind(d.StoreIn.Kind); err != nil {
			return fmt.Errorf("%s.store_in: %w", where, err)
		}
	}
	return nil
}

func (c CaptureStep) captureName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.From
}

func (op BodyOp) actions() int {
	n := 0
	for _, set := range []bool{
		op.Observe != "", op.Load != "", op.Assign != nil, op.Clear != "",
		op.Set != nil, op.Drop != "", op.Fail != "", op.Panic != "",
	} {
		if set {
			n++
		}
	}
	return n
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, use useFunc) error {
	where := fmt.Sprintf("assertions[%d]", index)
	if a.Type == "" {
		return fmt.Errorf("%s: type is required", where)
	}

	switch a.Type {
	case AssertLive, AssertDeallocated, AssertDeallocOrder:
		if len(a.Names) == 0 {
			return fmt.Errorf("%s: names list is required for %s", where, a.Type)
		}
		for _, name := range a.Names {
			if err := use(where, name, nameNode, nameTask); err != nil {
				return err
			}
		}
	case AssertLeaks:
		for _, name := range a.Leaked {
			if err := use(where, name, nameNode, nameTask); err != nil {
				return err
			}
		}
		for _, cycle := range a.Cycles {
			for _, name := range cycle {
				if err := use(where, name, nameNode, nameTask); err != nil {
					return err
				}
			}
		}
	case AssertObserved:
		if a.Name == "" {
			return fmt.Errorf("%s: name is required for observed", where)
		}
	case AssertTaskError:
		if err := use(where, a.Task, nameTask); err != nil {
			return err
		}
		if a.Code != "" {
			if err := validateCode(a.Code); err != nil {
				return fmt.Errorf("%s: %w", where, err)
			}
		}
	case AssertRunOrder:
		if len(a.Tasks) == 0 {
			return fmt.Errorf("%s: tasks list is required for run_order", where)
		}
		for _, name := range a.Tasks {
			if err := use(where, name, nameTask); err != nil {
				return err
			}
		}
	case AssertStrongCount:
		if err := use(where, a.Name, nameNode, nameTask); err != nil {
			return err
		}
		if a.Count < 0 {
			return fmt.Errorf("%s: count must be non-negative", where)
		}
	default:
		return fmt.Errorf("%s: unknown assertion type %q", where, a.Type)
	}
	return nil
}

var knownCodes = []engine.ErrorCode{
	engine.ErrCodeDanglingAccess,
	engine.ErrCodeConstruction,
	engine.ErrCodeDeallocated,
	engine.ErrCodeUnknownNode,
	engine.ErrCodeRootDropped,
	engine.ErrCodeFrozen,
	engine.ErrCodePanic,
	engine.ErrCodeTask,
}

func validateCode(code string) error {
	for _, known := range knownCodes {
		if engine.ErrorCode(code) == known {
			return nil
		}
	}
	return fmt.Errorf("unknown error code %q", code)
}
