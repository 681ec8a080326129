package arc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/arcsim/internal/ir"
)

// deallocRecorder collects deallocation callbacks in firing order.
type deallocRecorder struct {
	mu    sync.Mutex
	order []string
	count map[ir.NodeID]int
}

func newDeallocRecorder() *deallocRecorder {
	return &deallocRecorder{count: make(map[ir.NodeID]int)}
}

func (r *deallocRecorder) observe(t *testing.T, h *Heap, ids ...ir.NodeID) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, h.OnDeallocate(id, func(id ir.NodeID, label string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.order = append(r.order, label)
			r.count[id]++
		}))
	}
}

func (r *deallocRecorder) labels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// =============================================================================
// Allocation and roots
// =============================================================================

func TestHeap_AllocateIsRooted(t *testing.T) {
	h := NewHeap()

	id, root := h.Allocate(WithLabel("bori"))
	require.NotNil(t, root)
	assert.Equal(t, ir.NodeID(1), id)
	assert.Equal(t, id, root.Node())
	assert.True(t, h.IsLive(id))
	assert.Equal(t, "bori", h.Label(id))

	roots, err := h.RootCount(id)
	require.NoError(t, err)
	assert.Equal(t, 1, roots)

	strong, err := h.StrongCount(id)
	require.NoError(t, err)
	assert.Equal(t, 0, strong)
}

func TestHeap_DropRootDeallocates(t *testing.T) {
	h := NewHeap()
	rec := newDeallocRecorder()

	id, root := h.Allocate(WithLabel("choco"))
	rec.observe(t, h, id)

	require.NoError(t, root.Drop())
	assert.False(t, h.IsLive(id))
	assert.True(t, root.Dropped())
	assert.Equal(t, []string{"choco"}, rec.labels())
}

func TestHeap_DropRootTwice(t *testing.T) {
	h := NewHeap()
	_, root := h.Allocate()

	require.NoError(t, root.Drop())
	err := root.Drop()
	assert.ErrorIs(t, err, ErrRootDropped)
}

func TestHeap_DropRootForeignHeap(t *testing.T) {
	h1, h2 := NewHeap(), NewHeap()
	_, root := h1.Allocate()
	assert.Error(t, h2.DropRoot(root))
	assert.Error(t, h2.DropRoot(nil))
}

func TestHeap_SeveralRootsOneInstance(t *testing.T) {
	h := NewHeap()
	rec := newDeallocRecorder()

	dog, dog1 := h.Allocate(WithLabel("dog"))
	rec.observe(t, h, dog)
	dog2, err := h.NewRoot(dog)
	require.NoError(t, err)
	dog3, err := h.NewRoot(dog)
	require.NoError(t, err)

	roots, _ := h.RootCount(dog)
	assert.Equal(t, 3, roots)

	require.NoError(t, dog3.Drop())
	require.NoError(t, dog2.Drop())
	assert.True(t, h.IsLive(dog), "one root still holds the instance")
	assert.Empty(t, rec.labels())

	require.NoError(t, dog1.Drop())
	assert.False(t, h.IsLive(dog))
	assert.Equal(t, []string{"dog"}, rec.labels())
}

func TestHeap_NewRootOnDeallocated(t *testing.T) {
	h := NewHeap()
	id, root := h.Allocate()
	require.NoError(t, root.Drop())

	_, err := h.NewRoot(id)
	assert.ErrorIs(t, err, ErrDeallocated)

	_, err = h.NewRoot(ir.NodeID(42))
	assert.ErrorIs(t, err, ErrUnknownNode)
}

// =============================================================================
// Retain / Release
// =============================================================================

func TestHeap_RetainRelease(t *testing.T) {
	h := NewHeap()
	rec := newDeallocRecorder()

	id, root := h.Allocate(WithLabel("x"))
	rec.observe(t, h, id)

	require.NoError(t, h.Retain(id))
	require.NoError(t, root.Drop())
	assert.True(t, h.IsLive(id), "strong count keeps the node alive")

	require.NoError(t, h.Release(id))
	assert.False(t, h.IsLive(id))
	assert.Equal(t, []string{"x"}, rec.labels())
}

func TestHeap_ReleaseRootedStaysLive(t *testing.T) {
	h := NewHeap()
	id, _ := h.Allocate()

	require.NoError(t, h.Retain(id))
	require.NoError(t, h.Release(id))
	assert.True(t, h.IsLive(id), "root still holds it")
}

func TestHeap_ReleaseUnderflow(t *testing.T) {
	h := NewHeap()
	id, _ := h.Allocate()

	err := h.Release(id)
	assert.ErrorIs(t, err, ErrCountUnderflow)

	strong, _ := h.StrongCount(id)
	assert.Equal(t, 0, strong, "strong count never goes negative")
}

func TestHeap_ReleaseCannotTakeRelationCount(t *testing.T) {
	h := NewHeap()
	a, _ := h.Allocate(WithLabel("a"))
	b, bRoot := h.Allocate(WithLabel("b"))
	require.NoError(t, h.SetField(a, "ref", b, ir.Strong))

	assert.ErrorIs(t, h.Release(b), ErrCountUnderflow)
	strong, _ := h.StrongCount(b)
	assert.Equal(t, 1, strong, "the relation's count is untouched")

	require.NoError(t, bRoot.Drop())
	assert.True(t, h.IsLive(b), "a.ref still owns b")
	got, ok, err := h.Load(a, "ref")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, b, got)
}

func TestHeap_ReleaseOnlyMatchesRetains(t *testing.T) {
	h := NewHeap()
	a, _ := h.Allocate()
	b, bRoot := h.Allocate()
	require.NoError(t, h.SetField(a, "ref", b, ir.Strong))
	require.NoError(t, h.Retain(b))

	require.NoError(t, h.Release(b))
	assert.ErrorIs(t, h.Release(b), ErrCountUnderflow)

	require.NoError(t, bRoot.Drop())
	assert.True(t, h.IsLive(b))
	require.NoError(t, h.ClearField(a, "ref"))
	assert.False(t, h.IsLive(b))
}

func TestHeap_RetainDeallocated(t *testing.T) {
	h := NewHeap()
	id, root := h.Allocate()
	require.NoError(t, root.Drop())

	assert.ErrorIs(t, h.Retain(id), ErrDeallocated)
	assert.ErrorIs(t, h.Release(id), ErrDeallocated)
	assert.ErrorIs(t, h.Retain(ir.None), ErrUnknownNode)
}

// =============================================================================
// Fields and relations
// =============================================================================

func TestHeap_StrongFieldKeepsTargetAlive(t *testing.T) {
	h := NewHeap()
	person, personRoot := h.Allocate(WithLabel("person"))
	dog, dogRoot := h.Allocate(WithLabel("dog"))

	require.NoError(t, h.SetField(person, "pet", dog, ir.Strong))
	strong, _ := h.StrongCount(dog)
	assert.Equal(t, 1, strong)

	require.NoError(t, dogRoot.Drop())
	assert.True(t, h.IsLive(dog))

	require.NoError(t, personRoot.Drop())
	assert.False(t, h.IsLive(person))
	assert.False(t, h.IsLive(dog), "dropping the owner cascades")
	assert.Equal(t, []ir.NodeID{person, dog}, h.DeallocationOrder())
}

func TestHeap_SetFieldReplacesPriorRelation(t *testing.T) {
	h := NewHeap()
	rec := newDeallocRecorder()

	owner, _ := h.Allocate(WithLabel("owner"))
	first, firstRoot := h.Allocate(WithLabel("first"))
	second, secondRoot := h.Allocate(WithLabel("second"))
	rec.observe(t, h, first, second)

	require.NoError(t, h.SetField(owner, "ref", first, ir.Strong))
	require.NoError(t, firstRoot.Drop())
	require.NoError(t, secondRoot.Drop())
	assert.True(t, h.IsLive(first))
	assert.False(t, h.IsLive(second), "second had no holder")

	third, _ := h.Allocate(WithLabel("third"))
	require.NoError(t, h.SetField(owner, "ref", third, ir.Strong))
	assert.False(t, h.IsLive(first), "prior target released")
	assert.Equal(t, []string{"second", "first"}, rec.labels())

	got, ok, err := h.Load(owner, "ref")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, third, got)
}

func TestHeap_SetFieldSameTargetKeepsCount(t *testing.T) {
	h := NewHeap()
	owner, _ := h.Allocate()
	target, targetRoot := h.Allocate()

	require.NoError(t, h.SetField(owner, "ref", target, ir.Strong))
	require.NoError(t, targetRoot.Drop())

	// Re-assigning the only strong holder must not reclaim the target.
	require.NoError(t, h.SetField(owner, "ref", target, ir.Strong))
	assert.True(t, h.IsLive(target))
	strong, _ := h.StrongCount(target)
	assert.Equal(t, 1, strong)
}

func TestHeap_DowngradeOnlyHolderToWeak(t *testing.T) {
	h := NewHeap()
	rec := newDeallocRecorder()
	owner, _ := h.Allocate()
	target, targetRoot := h.Allocate(WithLabel("target"))
	rec.observe(t, h, target)

	require.NoError(t, h.SetField(owner, "ref", target, ir.Strong))
	require.NoError(t, targetRoot.Drop())

	require.NoError(t, h.SetField(owner, "ref", target, ir.Weak))
	assert.False(t, h.IsLive(target), "no strong holder left after the pin is released")
	assert.Equal(t, []string{"target"}, rec.labels())

	got, ok, err := h.Load(owner, "ref")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, ir.None, got)
}

func TestHeap_SetFieldErrors(t *testing.T) {
	h := NewHeap()
	a, _ := h.Allocate()
	b, bRoot := h.Allocate()
	require.NoError(t, bRoot.Drop())

	assert.ErrorIs(t, h.SetField(a, "ref", b, ir.Strong), ErrDeallocated)
	assert.ErrorIs(t, h.SetField(ir.NodeID(99), "ref", a, ir.Strong), ErrUnknownNode)
	assert.ErrorIs(t, h.SetField(a, "ref", a, ir.RelationKind(9)), ErrInvalidKind)
}

func TestHeap_WeakRelationInvalidated(t *testing.T) {
	h := NewHeap()
	bori, _ := h.Allocate(WithLabel("bori"))
	gildong, gildongRoot := h.Allocate(WithLabel("gildong"))

	require.NoError(t, h.SetField(bori, "owner", gildong, ir.Weak))
	strong, _ := h.StrongCount(gildong)
	assert.Equal(t, 0, strong, "weak relations do not count")

	got, ok, err := h.Load(bori, "owner")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, gildong, got)

	require.NoError(t, gildongRoot.Drop())
	got, ok, err = h.Load(bori, "owner")
	require.NoError(t, err)
	assert.False(t, ok, "weak relation reads as absent after deallocation")
	assert.Equal(t, ir.None, got)
}

func TestHeap_UnownedRelationDangles(t *testing.T) {
	h := NewHeap()
	bori, _ := h.Allocate(WithLabel("bori1"))
	gildong, gildongRoot := h.Allocate(WithLabel("gildong1"))

	require.NoError(t, h.SetField(bori, "owner", gildong, ir.Unowned))
	require.NoError(t, gildongRoot.Drop())
	assert.False(t, h.IsLive(gildong), "unowned relations do not count")

	_, _, err := h.Load(bori, "owner")
	require.Error(t, err)
	assert.True(t, IsDanglingAccess(err))

	var de *DanglingAccessError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, bori, de.Holder)
	assert.Equal(t, "owner", de.Field)
	assert.Equal(t, gildong, de.Target)
	assert.Equal(t, "gildong1", de.Label)
	assert.Contains(t, de.Error(), "DANGLING_ACCESS")

	// Resetting to nil makes the slot safe again.
	require.NoError(t, h.ClearField(bori, "owner"))
	got, ok, err := h.Load(bori, "owner")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, ir.None, got)
}

func TestHeap_SetFieldNoneClears(t *testing.T) {
	h := NewHeap()
	a, _ := h.Allocate()
	b, bRoot := h.Allocate()
	require.NoError(t, h.SetField(a, "ref", b, ir.Strong))
	require.NoError(t, bRoot.Drop())

	require.NoError(t, h.SetField(a, "ref", ir.None, ir.Strong))
	assert.False(t, h.IsLive(b))
	_, ok := h.FieldKind(a, "ref")
	assert.False(t, ok)

	require.NoError(t, h.ClearField(a, "missing"), "clearing an empty slot is a no-op")
}

func TestHeap_LoadOnDeallocatedHolder(t *testing.T) {
	h := NewHeap()
	a, root := h.Allocate()
	require.NoError(t, root.Drop())

	_, _, err := h.Load(a, "ref")
	assert.ErrorIs(t, err, ErrDeallocated)
}

func TestHeap_FieldKind(t *testing.T) {
	h := NewHeap()
	a, _ := h.Allocate()
	b, _ := h.Allocate()
	require.NoError(t, h.SetField(a, "ref", b, ir.Unowned))

	kind, ok := h.FieldKind(a, "ref")
	assert.True(t, ok)
	assert.Equal(t, ir.Unowned, kind)
}

// =============================================================================
// Cycles
// =============================================================================

func TestHeap_StrongCycleLeaks(t *testing.T) {
	h := NewHeap()
	rec := newDeallocRecorder()

	a, aRoot := h.Allocate(WithLabel("A"))
	b, bRoot := h.Allocate(WithLabel("B"))
	rec.observe(t, h, a, b)

	require.NoError(t, h.SetField(a, "ref", b, ir.Strong))
	require.NoError(t, h.SetField(b, "ref", a, ir.Strong))
	require.NoError(t, aRoot.Drop())
	require.NoError(t, bRoot.Drop())

	assert.True(t, h.IsLive(a))
	assert.True(t, h.IsLive(b))
	assert.Empty(t, rec.labels(), "no deallocation for a leaked cycle")

	report := FindLeaks(h.Snapshot())
	assert.Equal(t, []ir.NodeID{a, b}, report.Leaked)
	assert.Equal(t, [][]ir.NodeID{{a, b}}, report.Cycles)

	// Breaking one edge with a weak relation reclaims both, B first.
	require.NoError(t, h.SetField(a, "ref", b, ir.Weak))
	assert.False(t, h.IsLive(a))
	assert.False(t, h.IsLive(b))
	assert.Equal(t, []string{"B", "A"}, rec.labels())
	assert.Equal(t, 1, rec.count[a])
	assert.Equal(t, 1, rec.count[b])
	assert.True(t, FindLeaks(h.Snapshot()).Empty())
}

func TestHeap_WeakCycleReclaimedOnRootDrop(t *testing.T) {
	for _, kind := range []ir.RelationKind{ir.Weak, ir.Unowned} {
		t.Run(kind.String(), func(t *testing.T) {
			h := NewHeap()
			rec := newDeallocRecorder()

			a, aRoot := h.Allocate(WithLabel("A"))
			b, bRoot := h.Allocate(WithLabel("B"))
			rec.observe(t, h, a, b)

			require.NoError(t, h.SetField(a, "ref", b, kind))
			require.NoError(t, h.SetField(b, "ref", a, kind))
			require.NoError(t, aRoot.Drop())
			require.NoError(t, bRoot.Drop())

			assert.False(t, h.IsLive(a))
			assert.False(t, h.IsLive(b))
			assert.ElementsMatch(t, []string{"A", "B"}, rec.labels())
		})
	}
}

func TestHeap_SelfReferenceLeaks(t *testing.T) {
	h := NewHeap()
	a, root := h.Allocate()
	require.NoError(t, h.SetField(a, "me", a, ir.Strong))
	require.NoError(t, root.Drop())

	assert.True(t, h.IsLive(a))
	report := FindLeaks(h.Snapshot())
	assert.Equal(t, [][]ir.NodeID{{a}}, report.Cycles)
}

// =============================================================================
// Callbacks
// =============================================================================

func TestHeap_CallbackMayMutateHeap(t *testing.T) {
	h := NewHeap()
	var order []string

	parent, parentRoot := h.Allocate(WithLabel("parent"))
	child, _ := h.Allocate(WithLabel("child"))
	keep, keepRoot := h.Allocate(WithLabel("keep"))

	// parent's deinit releases a node it retained manually and drops the
	// root of another one.
	require.NoError(t, h.Retain(child))
	require.NoError(t, h.OnDeallocate(parent, func(id ir.NodeID, label string) {
		order = append(order, label)
		require.NoError(t, h.Release(child))
		require.NoError(t, keepRoot.Drop())
	}))
	require.NoError(t, h.OnDeallocate(child, func(_ ir.NodeID, label string) {
		order = append(order, label)
	}))
	require.NoError(t, h.OnDeallocate(keep, func(_ ir.NodeID, label string) {
		order = append(order, label)
	}))

	// child is still held by its own root.
	require.NoError(t, parentRoot.Drop())
	assert.Equal(t, []string{"parent", "keep"}, order)
	assert.True(t, h.IsLive(child))
	assert.False(t, h.IsLive(keep))
}

func TestHeap_CallbackFiresOnce(t *testing.T) {
	h := NewHeap()
	calls := 0
	a, root := h.Allocate()
	require.NoError(t, h.OnDeallocate(a, func(ir.NodeID, string) { calls++ }))

	require.NoError(t, root.Drop())
	assert.ErrorIs(t, root.Drop(), ErrRootDropped)
	assert.Equal(t, 1, calls)

	assert.ErrorIs(t, h.OnDeallocate(a, func(ir.NodeID, string) {}), ErrDeallocated)
}

func TestHeap_DoubleDeallocationPanics(t *testing.T) {
	h := NewHeap()
	a, root := h.Allocate()
	require.NoError(t, root.Drop())

	n := h.nodes[a-1]
	assert.PanicsWithError(t, (&DoubleDeallocationError{Node: a}).Error(), func() {
		h.deallocate(n, &mutation{})
	})
}

// =============================================================================
// Events
// =============================================================================

func TestHeap_EmitsEventsInMutationOrder(t *testing.T) {
	var types []ir.EventType
	h := NewHeap(WithEventSink(func(ev ir.Event) {
		types = append(types, ev.Type)
	}))

	a, aRoot := h.Allocate()
	b, _ := h.Allocate()
	require.NoError(t, h.SetField(b, "ref", a, ir.Strong))
	require.NoError(t, aRoot.Drop())
	require.NoError(t, h.ClearField(b, "ref"))

	assert.Equal(t, []ir.EventType{
		ir.EventAllocate,
		ir.EventAllocate,
		ir.EventFieldSet,
		ir.EventRootDrop,
		ir.EventFieldClear,
		ir.EventDeallocate,
	}, types)
}

func TestHeap_ReplacementLogsFieldClear(t *testing.T) {
	var events []ir.Event
	h := NewHeap(WithEventSink(func(ev ir.Event) {
		events = append(events, ev)
	}))

	a, _ := h.Allocate()
	b, bRoot := h.Allocate()
	c, cRoot := h.Allocate()
	require.NoError(t, h.SetField(a, "ref", b, ir.Strong))
	require.NoError(t, bRoot.Drop())
	require.NoError(t, cRoot.Drop())
	events = nil

	require.NoError(t, h.SetField(a, "ref", c, ir.Weak))

	require.Len(t, events, 4)
	assert.Equal(t, ir.EventFieldClear, events[0].Type)
	assert.Equal(t, b, events[0].Target)
	assert.Equal(t, "strong", events[0].Kind)
	assert.Equal(t, ir.EventDeallocate, events[1].Type)
	assert.Equal(t, b, events[1].Node)
	assert.Equal(t, ir.EventFieldSet, events[2].Type)
	assert.Equal(t, c, events[2].Target)
	assert.Equal(t, ir.EventDeallocate, events[3].Type, "c is held only weakly")
	assert.Equal(t, c, events[3].Node)
}

func TestHeap_ConcurrentMutations(t *testing.T) {
	h := NewHeap()
	owner, _ := h.Allocate()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, root := h.Allocate()
			_ = h.SetField(owner, "last", id, ir.Strong)
			_ = root.Drop()
		}()
	}
	wg.Wait()

	// Exactly one allocation survives: the one currently in owner.last.
	live := h.Snapshot().Live()
	assert.Len(t, live, 2)
	assert.True(t, FindLeaks(h.Snapshot()).Empty())
}
