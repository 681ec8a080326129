package capture

import (
	"fmt"
	"sync"

	"github.com/roach88/arcsim/internal/arc"
	"github.com/roach88/arcsim/internal/ir"
)

type sourceKind int

const (
	sourceNone sourceKind = iota
	sourceCell
	sourceNode
	sourceValue
)

// Source is what a capture reads at build time.
type Source struct {
	kind  sourceKind
	cell  *Cell
	node  ir.NodeID
	value ir.IRValue
}

// FromCell captures from a storage cell.
func FromCell(c *Cell) Source {
	return Source{kind: sourceCell, cell: c}
}

// FromNode captures the node a variable currently denotes.
func FromNode(id ir.NodeID) Source {
	return Source{kind: sourceNode, node: id}
}

// FromValue captures a literal.
func FromValue(v ir.IRValue) Source {
	if v == nil {
		v = ir.IRNull{}
	}
	return Source{kind: sourceValue, value: v}
}

// Node returns the node a node source denotes.
func (s Source) Node() (ir.NodeID, bool) {
	return s.node, s.kind == sourceNode
}

// String implements fmt.Stringer.
func (s Source) String() string {
	switch s.kind {
	case sourceCell:
		return "cell " + s.cell.Name()
	case sourceNode:
		return "node " + s.node.String()
	case sourceValue:
		return "value " + ir.Format(s.value)
	default:
		return "<none>"
	}
}

// Spec is one entry of a capture list. Name is the name the body uses,
// which need not match the source variable's name.
type Spec struct {
	Name   string
	Source Source
	Kind   ir.CaptureKind
}

// Value builds a by-copy capture.
func Value(name string, src Source) Spec {
	return Spec{Name: name, Source: src, Kind: ir.CaptureValue}
}

// Strong builds a strong capture.
func Strong(name string, src Source) Spec {
	return Spec{Name: name, Source: src, Kind: ir.CaptureStrong}
}

// Weak builds a weak capture.
func Weak(name string, src Source) Spec {
	return Spec{Name: name, Source: src, Kind: ir.CaptureWeak}
}

// Unowned builds an unowned capture.
func Unowned(name string, src Source) Spec {
	return Spec{Name: name, Source: src, Kind: ir.CaptureUnowned}
}

// Ambient builds a capture that follows the default rule.
func Ambient(name string, src Source) Spec {
	return Spec{Name: name, Source: src, Kind: ir.CaptureAmbient}
}

type slotMode int

const (
	slotFrozen slotMode = iota + 1
	slotCell
	slotRelation
)

type slot struct {
	spec     Spec
	mode     slotMode
	frozen   ir.IRValue
	cell     *Cell
	relation ir.RelationKind
	target   ir.NodeID
}

// Environment is the immutable set of bindings a deferred body sees.
//
// Thread-safety: accessors are safe for concurrent use. Value captures are
// immutable, cell captures go through the cell's lock and relation captures
// through the heap.
type Environment struct {
	heap  *arc.Heap
	node  ir.NodeID
	root  *arc.Root
	names []string
	slots map[string]*slot

	mu       sync.Mutex
	released bool
}

// Build constructs an environment labeled "closure".
func Build(heap *arc.Heap, specs ...Spec) (*Environment, error) {
	return BuildLabeled(heap, "closure", specs...)
}

// BuildLabeled constructs an environment from a capture list. Every spec is
// validated before anything is allocated, so a ConstructionError leaves the
// heap untouched.
func BuildLabeled(heap *arc.Heap, label string, specs ...Spec) (*Environment, error) {
	env := &Environment{
		heap:  heap,
		slots: make(map[string]*slot, len(specs)),
	}

	for _, spec := range specs {
		s, err := resolve(heap, spec)
		if err != nil {
			return nil, err
		}
		if _, dup := env.slots[spec.Name]; dup {
			return nil, constructionErr(ErrCodeDuplicateName, spec.Name, "name captured twice")
		}
		env.slots[spec.Name] = s
		env.names = append(env.names, spec.Name)
	}

	env.node, env.root = heap.Allocate(arc.WithLabel(label))
	for _, name := range env.names {
		s := env.slots[name]
		if s.mode != slotRelation {
			continue
		}
		if err := heap.SetField(env.node, name, s.target, s.relation); err != nil {
			_ = env.root.Drop()
			return nil, constructionErr(ErrCodeDeadSource, name, "install %s relation: %v", s.relation, err)
		}
	}
	return env, nil
}

// resolve validates one spec and decides how it is stored.
func resolve(heap *arc.Heap, spec Spec) (*slot, error) {
	if spec.Name == "" {
		return nil, constructionErr(ErrCodeEmptyName, "", "capture of %s has no name", spec.Source)
	}
	if spec.Source.kind == sourceNone {
		return nil, constructionErr(ErrCodeMissingSource, spec.Name, "capture has no source")
	}
	if spec.Source.kind == sourceNode && !heap.IsLive(spec.Source.node) {
		return nil, constructionErr(ErrCodeDeadSource, spec.Name, "%s is not live", spec.Source.node)
	}

	s := &slot{spec: spec}
	src := spec.Source
	switch spec.Kind {
	case ir.CaptureValue:
		switch src.kind {
		case sourceCell:
			s.mode, s.frozen = slotFrozen, src.cell.Load()
		case sourceValue:
			s.mode, s.frozen = slotFrozen, ir.Clone(src.value)
		default:
			// Copying a reference copies the pointer, not the object.
			s.mode, s.relation, s.target = slotRelation, ir.Strong, src.node
		}

	case ir.CaptureStrong:
		switch src.kind {
		case sourceNode:
			s.mode, s.relation, s.target = slotRelation, ir.Strong, src.node
		case sourceCell:
			s.mode, s.cell = slotCell, src.cell
		default:
			return nil, constructionErr(ErrCodeNonNodeRelation, spec.Name, "strong capture of %s", src)
		}

	case ir.CaptureWeak, ir.CaptureUnowned:
		if src.kind != sourceNode {
			return nil, constructionErr(ErrCodeNonNodeRelation, spec.Name, "%s capture of %s", spec.Kind, src)
		}
		rel, _ := spec.Kind.Relation()
		s.mode, s.relation, s.target = slotRelation, rel, src.node

	case ir.CaptureAmbient:
		switch src.kind {
		case sourceNode:
			s.mode, s.relation, s.target = slotRelation, ir.Strong, src.node
		case sourceCell:
			s.mode, s.cell = slotCell, src.cell
		default:
			s.mode, s.frozen = slotFrozen, ir.Clone(src.value)
		}

	default:
		return nil, constructionErr(ErrCodeInvalidKind, spec.Name, "unknown capture kind %s", spec.Kind)
	}
	return s, nil
}

// Node returns the environment's own heap identity.
func (e *Environment) Node() ir.NodeID {
	return e.node
}

// Names returns the captured names in capture-list order.
func (e *Environment) Names() []string {
	return append([]string(nil), e.names...)
}

// Kind returns how name was captured.
func (e *Environment) Kind(name string) (ir.CaptureKind, bool) {
	s, ok := e.slots[name]
	if !ok {
		return 0, false
	}
	return s.spec.Kind, true
}

// Value returns the value bound to name: the frozen copy for a value capture,
// the cell's current contents for a capture by reference.
func (e *Environment) Value(name string) (ir.IRValue, error) {
	s, err := e.slot(name)
	if err != nil {
		return nil, err
	}
	switch s.mode {
	case slotFrozen:
		return ir.Clone(s.frozen), nil
	case slotCell:
		return s.cell.Load(), nil
	default:
		return nil, fmt.Errorf("%w: %q holds a node", ErrKindMismatch, name)
	}
}

// Set writes through a capture by reference. Value captures reject writes.
func (e *Environment) Set(name string, v ir.IRValue) error {
	s, err := e.slot(name)
	if err != nil {
		return err
	}
	switch s.mode {
	case slotCell:
		s.cell.Store(v)
		return nil
	case slotFrozen:
		return fmt.Errorf("%w: %q", ErrFrozen, name)
	default:
		return fmt.Errorf("%w: %q holds a node", ErrKindMismatch, name)
	}
}

// Resolve dereferences a relation capture, freshly at each call:
//   - strong: the target
//   - weak: the target, or (ir.None, false) once it was deallocated
//   - unowned: the target, or *arc.DanglingAccessError once it was deallocated
func (e *Environment) Resolve(name string) (ir.NodeID, bool, error) {
	s, err := e.slot(name)
	if err != nil {
		return ir.None, false, err
	}
	if s.mode != slotRelation {
		return ir.None, false, fmt.Errorf("%w: %q is not a node capture", ErrKindMismatch, name)
	}
	return e.heap.Load(e.node, name)
}

// Clear resets a relation capture to absent, the capture-list equivalent of
// assigning nil to a weak or unowned variable.
func (e *Environment) Clear(name string) error {
	s, err := e.slot(name)
	if err != nil {
		return err
	}
	if s.mode != slotRelation {
		return fmt.Errorf("%w: %q is not a node capture", ErrKindMismatch, name)
	}
	return e.heap.ClearField(e.node, name)
}

// Release drops the environment's own root. Strong captures are released
// when the environment node deallocates, which is immediately unless the
// environment was stored in some node's field. Release is idempotent.
func (e *Environment) Release() error {
	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		return nil
	}
	e.released = true
	e.mu.Unlock()
	return e.root.Drop()
}

// Released reports whether Release was called.
func (e *Environment) Released() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released
}

func (e *Environment) slot(name string) (*slot, error) {
	s, ok := e.slots[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCapture, name)
	}
	return s, nil
}
