package arc

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/roach88/arcsim/internal/ir"
)

// DeallocFunc observes the deallocation of a node.
// It runs outside the heap mutex and may mutate the heap.
type DeallocFunc func(id ir.NodeID, label string)

// EventSink receives one event per heap mutation, in mutation order.
// It is called with the heap mutex held and must not call back into the heap.
type EventSink func(ev ir.Event)

type nodeState int

const (
	stateLive nodeState = iota
	stateDeallocated
)

type relStatus int

const (
	relActive      relStatus = iota
	relInvalidated           // weak relation whose target was deallocated
	relDangling              // unowned relation whose target was deallocated
)

// relation is one typed edge held in a node field.
type relation struct {
	kind   ir.RelationKind
	holder ir.NodeID
	field  string
	target ir.NodeID
	status relStatus
}

type node struct {
	id        ir.NodeID
	label     string
	strong    int
	retains   int // part of strong owed to Retain, not to relations
	roots     int
	pins      int
	fields    map[string]*relation
	incoming  map[*relation]struct{} // weak and unowned relations targeting this node
	state     nodeState
	queued    bool
	callbacks []DeallocFunc
}

func (n *node) held() bool {
	return n.strong+n.roots+n.pins > 0
}

// Heap is the arena of nodes plus the reference counter.
//
// Thread-safety: all methods are safe for concurrent use. Mutations are
// serialized by a single mutex; deallocation callbacks run after it is
// released.
type Heap struct {
	mu     sync.Mutex
	nodes  []*node // nodes[id-1]; slots are never reused
	order  []ir.NodeID
	sink   EventSink
	logger *slog.Logger
}

// HeapOption configures a Heap.
type HeapOption func(*Heap)

// WithEventSink registers the sink receiving heap events.
func WithEventSink(sink EventSink) HeapOption {
	return func(h *Heap) {
		h.sink = sink
	}
}

// WithLogger sets the logger used for debug output.
func WithLogger(logger *slog.Logger) HeapOption {
	return func(h *Heap) {
		h.logger = logger
	}
}

// NewHeap creates an empty heap.
func NewHeap(opts ...HeapOption) *Heap {
	h := &Heap{logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// mutation collects the side effects of one locked operation.
type mutation struct {
	work  []*node
	fired []firedCallbacks
}

type firedCallbacks struct {
	id    ir.NodeID
	label string
	fns   []DeallocFunc
}

// AllocOption configures a single allocation.
type AllocOption func(*node)

// WithLabel names the node in traces, leak reports and errors.
func WithLabel(label string) AllocOption {
	return func(n *node) {
		n.label = label
	}
}

// Allocate creates a node held by a fresh root (a local variable in scope).
func (h *Heap) Allocate(opts ...AllocOption) (ir.NodeID, *Root) {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := &node{
		id:       ir.NodeID(len(h.nodes) + 1),
		roots:    1,
		fields:   make(map[string]*relation),
		incoming: make(map[*relation]struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	h.nodes = append(h.nodes, n)

	detail := ir.IRObject{}
	if n.label != "" {
		detail["label"] = ir.IRString(n.label)
	}
	h.emit(ir.Event{Type: ir.EventAllocate, Node: n.id, Detail: detail})

	return n.id, &Root{heap: h, node: n.id}
}

// NewRoot adds another root holding a live node (+1 root count).
func (h *Heap) NewRoot(id ir.NodeID) (*Root, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	n, err := h.liveNode(id)
	if err != nil {
		return nil, err
	}
	n.roots++
	h.emit(ir.Event{Type: ir.EventRootAdd, Node: id, Detail: ir.IRObject{"roots": ir.IRInt(n.roots)}})
	return &Root{heap: h, node: id}, nil
}

// DropRoot removes the root's hold on its node, deallocating the node (and
// anything only it kept alive) when nothing else holds it.
func (h *Heap) DropRoot(r *Root) error {
	if r == nil || r.heap != h {
		return fmt.Errorf("drop root: root does not belong to this heap")
	}

	m := &mutation{}
	err := h.locked(m, func() error {
		if r.dropped {
			return nodeErr(ErrRootDropped, r.node)
		}
		n, err := h.lookup(r.node)
		if err != nil {
			return err
		}
		r.dropped = true
		n.roots--
		h.emit(ir.Event{Type: ir.EventRootDrop, Node: n.id, Detail: ir.IRObject{"roots": ir.IRInt(n.roots)}})
		h.reclaim(n, m)
		return nil
	})
	h.fire(m)
	return err
}

// Retain increments the strong count of a live node.
func (h *Heap) Retain(id ir.NodeID) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	n, err := h.liveNode(id)
	if err != nil {
		return err
	}
	n.strong++
	n.retains++
	h.emit(ir.Event{Type: ir.EventRetain, Node: id, Detail: ir.IRObject{"strong": ir.IRInt(n.strong)}})
	return nil
}

// Release gives back a count taken by Retain. Counts owned by strong
// relations can only be dropped through ClearField, SetField or the holder's
// deallocation. When the count reaches zero and no root holds the node, it
// is deallocated.
func (h *Heap) Release(id ir.NodeID) error {
	m := &mutation{}
	err := h.locked(m, func() error {
		n, err := h.liveNode(id)
		if err != nil {
			return err
		}
		if n.retains == 0 {
			return nodeErr(ErrCountUnderflow, id)
		}
		n.retains--
		n.strong--
		h.emit(ir.Event{Type: ir.EventRelease, Node: id, Detail: ir.IRObject{"strong": ir.IRInt(n.strong)}})
		h.reclaim(n, m)
		return nil
	})
	h.fire(m)
	return err
}

// SetField establishes or replaces the relation stored in holder.field.
//
// The prior relation is removed (and its target released) before the new
// relation is installed; the log records the removal as a field_clear. Holder and target are pinned for the duration of
// the update so neither can be reclaimed half way; if nothing else holds
// them afterwards they are reclaimed when the pins are removed.
//
// Passing ir.None as target resets the slot to absent.
func (h *Heap) SetField(holder ir.NodeID, field string, target ir.NodeID, kind ir.RelationKind) error {
	if target == ir.None {
		return h.ClearField(holder, field)
	}
	if kind != ir.Strong && kind != ir.Weak && kind != ir.Unowned {
		return fmt.Errorf("%w: %d", ErrInvalidKind, int(kind))
	}

	m := &mutation{}
	err := h.locked(m, func() error {
		hn, err := h.liveNode(holder)
		if err != nil {
			return fmt.Errorf("set field %q: holder: %w", field, err)
		}
		tn, err := h.liveNode(target)
		if err != nil {
			return fmt.Errorf("set field %q: target: %w", field, err)
		}

		hn.pins++
		tn.pins++

		if old := hn.fields[field]; old != nil {
			delete(hn.fields, field)
			h.emit(ir.Event{Type: ir.EventFieldClear, Node: holder, Target: old.target, Field: field, Kind: old.kind.String()})
			h.detach(old, m)
			h.drain(m)
		}

		rel := &relation{kind: kind, holder: holder, field: field, target: target}
		hn.fields[field] = rel
		if kind == ir.Strong {
			tn.strong++
		} else {
			tn.incoming[rel] = struct{}{}
		}
		h.emit(ir.Event{Type: ir.EventFieldSet, Node: holder, Target: target, Field: field, Kind: kind.String()})

		hn.pins--
		tn.pins--
		h.reclaim(hn, m)
		h.reclaim(tn, m)
		return nil
	})
	h.fire(m)
	return err
}

// ClearField resets holder.field to absent, releasing a strong target.
// Clearing an empty slot is a no-op. This is the explicit "set to nil" that
// makes a dangling unowned slot safe to read again.
func (h *Heap) ClearField(holder ir.NodeID, field string) error {
	m := &mutation{}
	err := h.locked(m, func() error {
		hn, err := h.liveNode(holder)
		if err != nil {
			return fmt.Errorf("clear field %q: %w", field, err)
		}
		old := hn.fields[field]
		if old == nil {
			return nil
		}
		hn.pins++
		delete(hn.fields, field)
		h.emit(ir.Event{Type: ir.EventFieldClear, Node: holder, Target: old.target, Field: field, Kind: old.kind.String()})
		h.detach(old, m)
		hn.pins--
		h.reclaim(hn, m)
		return nil
	})
	h.fire(m)
	return err
}

// Load resolves holder.field freshly:
//   - empty slot: (None, false, nil)
//   - strong, or weak/unowned with live target: (target, true, nil)
//   - weak with deallocated target: (None, false, nil)
//   - unowned with deallocated target: *DanglingAccessError
func (h *Heap) Load(holder ir.NodeID, field string) (ir.NodeID, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	hn, err := h.liveNode(holder)
	if err != nil {
		return ir.None, false, fmt.Errorf("load field %q: %w", field, err)
	}
	rel := hn.fields[field]
	if rel == nil {
		return ir.None, false, nil
	}
	switch rel.status {
	case relInvalidated:
		return ir.None, false, nil
	case relDangling:
		de := &DanglingAccessError{Holder: holder, Field: field, Target: rel.target}
		if tn, err := h.lookup(rel.target); err == nil {
			de.Label = tn.label
		}
		return ir.None, false, de
	default:
		return rel.target, true, nil
	}
}

// FieldKind reports the kind of relation stored in holder.field.
func (h *Heap) FieldKind(holder ir.NodeID, field string) (ir.RelationKind, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	hn, err := h.lookup(holder)
	if err != nil || hn.fields[field] == nil {
		return 0, false
	}
	return hn.fields[field].kind, true
}

// OnDeallocate registers an observer fired exactly once when id deallocates.
func (h *Heap) OnDeallocate(id ir.NodeID, fn DeallocFunc) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	n, err := h.liveNode(id)
	if err != nil {
		return fmt.Errorf("on deallocate: %w", err)
	}
	n.callbacks = append(n.callbacks, fn)
	return nil
}

// IsLive reports whether the node exists and has not been deallocated.
func (h *Heap) IsLive(id ir.NodeID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	n, err := h.lookup(id)
	return err == nil && n.state == stateLive
}

// StrongCount returns the number of strong relations targeting id.
// Roots are counted separately (RootCount).
func (h *Heap) StrongCount(id ir.NodeID) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	n, err := h.lookup(id)
	if err != nil {
		return 0, err
	}
	return n.strong, nil
}

// RootCount returns the number of roots holding id.
func (h *Heap) RootCount(id ir.NodeID) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	n, err := h.lookup(id)
	if err != nil {
		return 0, err
	}
	return n.roots, nil
}

// Label returns the label given at allocation.
func (h *Heap) Label(id ir.NodeID) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	n, err := h.lookup(id)
	if err != nil {
		return ""
	}
	return n.label
}

// Len returns the number of nodes ever allocated.
func (h *Heap) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.nodes)
}

// DeallocationOrder returns the ids of deallocated nodes in the order they
// were deallocated.
func (h *Heap) DeallocationOrder() []ir.NodeID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.order)
}

// locked runs fn under the mutex and drains the deallocation work list
// before releasing it.
func (h *Heap) locked(m *mutation, fn func() error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	err := fn()
	h.drain(m)
	return err
}

func (h *Heap) lookup(id ir.NodeID) (*node, error) {
	if id == ir.None || int(id) > len(h.nodes) {
		return nil, nodeErr(ErrUnknownNode, id)
	}
	return h.nodes[id-1], nil
}

func (h *Heap) liveNode(id ir.NodeID) (*node, error) {
	n, err := h.lookup(id)
	if err != nil {
		return nil, err
	}
	if n.state != stateLive {
		return nil, nodeErr(ErrDeallocated, id)
	}
	return n, nil
}

// reclaim queues n for deallocation if nothing holds it any more.
func (h *Heap) reclaim(n *node, m *mutation) {
	if n.state != stateLive || n.queued || n.held() {
		return
	}
	n.queued = true
	m.work = append(m.work, n)
}

// detach removes rel's effect on its target.
func (h *Heap) detach(rel *relation, m *mutation) {
	tn, err := h.lookup(rel.target)
	if err != nil {
		return
	}
	if rel.kind == ir.Strong {
		if rel.status == relActive && tn.state == stateLive {
			tn.strong--
			h.reclaim(tn, m)
		}
		return
	}
	delete(tn.incoming, rel)
}

// drain deallocates queued nodes in FIFO order. Deallocations append to the
// work list, so a whole cascade is processed here.
func (h *Heap) drain(m *mutation) {
	for len(m.work) > 0 {
		n := m.work[0]
		m.work[0] = nil
		m.work = m.work[1:]
		h.deallocate(n, m)
	}
}

func (h *Heap) deallocate(n *node, m *mutation) {
	if n.state == stateDeallocated {
		panic(&DoubleDeallocationError{Node: n.id})
	}
	n.state = stateDeallocated
	h.order = append(h.order, n.id)

	detail := ir.IRObject{}
	if n.label != "" {
		detail["label"] = ir.IRString(n.label)
	}
	h.emit(ir.Event{Type: ir.EventDeallocate, Node: n.id, Detail: detail})
	h.logger.Debug("node deallocated", "node", n.id.String(), "label", n.label)

	for rel := range n.incoming {
		switch rel.kind {
		case ir.Weak:
			rel.status = relInvalidated
		case ir.Unowned:
			rel.status = relDangling
		}
	}
	n.incoming = nil

	names := make([]string, 0, len(n.fields))
	for name := range n.fields {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		h.detach(n.fields[name], m)
	}
	n.fields = nil

	if len(n.callbacks) > 0 {
		m.fired = append(m.fired, firedCallbacks{id: n.id, label: n.label, fns: n.callbacks})
		n.callbacks = nil
	}
}

// fire runs deallocation callbacks outside the mutex.
func (h *Heap) fire(m *mutation) {
	for _, fc := range m.fired {
		for _, fn := range fc.fns {
			fn(fc.id, fc.label)
		}
	}
	m.fired = nil
}

func (h *Heap) emit(ev ir.Event) {
	if h.sink != nil {
		h.sink(ev)
	}
}

// Root is a local variable holding a node (a strong hold that is not a
// field of any object).
type Root struct {
	heap    *Heap
	node    ir.NodeID
	dropped bool // guarded by heap.mu
}

// Node returns the held node.
func (r *Root) Node() ir.NodeID {
	return r.node
}

// Drop removes this root's hold. Dropping twice returns ErrRootDropped.
func (r *Root) Drop() error {
	return r.heap.DropRoot(r)
}

// Dropped reports whether the root was dropped.
func (r *Root) Dropped() bool {
	r.heap.mu.Lock()
	defer r.heap.mu.Unlock()
	return r.dropped
}
