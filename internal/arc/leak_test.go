package arc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/arcsim/internal/ir"
)

func TestFindLeaks_NoLeaks(t *testing.T) {
	h := NewHeap()
	a, _ := h.Allocate()
	b, _ := h.Allocate()
	require.NoError(t, h.SetField(a, "ref", b, ir.Strong))

	report := FindLeaks(h.Snapshot())
	assert.True(t, report.Empty())
	assert.Empty(t, report.Cycles)
	assert.Empty(t, report.Retained)
}

func TestFindLeaks_ReachableThroughRootedChain(t *testing.T) {
	h := NewHeap()
	a, _ := h.Allocate()
	b, bRoot := h.Allocate()
	c, cRoot := h.Allocate()
	require.NoError(t, h.SetField(a, "next", b, ir.Strong))
	require.NoError(t, h.SetField(b, "next", c, ir.Strong))
	require.NoError(t, h.SetField(c, "back", b, ir.Strong))
	require.NoError(t, bRoot.Drop())
	require.NoError(t, cRoot.Drop())

	// b and c form a cycle but a still reaches it.
	assert.True(t, FindLeaks(h.Snapshot()).Empty())
}

func TestFindLeaks_RetainedByCycle(t *testing.T) {
	h := NewHeap()
	a, aRoot := h.Allocate(WithLabel("A"))
	b, bRoot := h.Allocate(WithLabel("B"))
	tail, tailRoot := h.Allocate(WithLabel("tail"))
	require.NoError(t, h.SetField(a, "ref", b, ir.Strong))
	require.NoError(t, h.SetField(b, "ref", a, ir.Strong))
	require.NoError(t, h.SetField(b, "tail", tail, ir.Strong))
	require.NoError(t, aRoot.Drop())
	require.NoError(t, bRoot.Drop())
	require.NoError(t, tailRoot.Drop())

	report := FindLeaks(h.Snapshot())
	assert.Equal(t, []ir.NodeID{a, b, tail}, report.Leaked)
	assert.Equal(t, [][]ir.NodeID{{a, b}}, report.Cycles)
	assert.Equal(t, []ir.NodeID{tail}, report.Retained)
	assert.True(t, report.Contains(tail))
	assert.False(t, report.Contains(ir.NodeID(99)))
}

func TestFindLeaks_IgnoresWeakEdgesForReachability(t *testing.T) {
	h := NewHeap()
	rooted, _ := h.Allocate()
	a, aRoot := h.Allocate()
	b, bRoot := h.Allocate()
	require.NoError(t, h.SetField(a, "ref", b, ir.Strong))
	require.NoError(t, h.SetField(b, "ref", a, ir.Strong))
	require.NoError(t, h.SetField(rooted, "peek", a, ir.Weak))
	require.NoError(t, aRoot.Drop())
	require.NoError(t, bRoot.Drop())

	report := FindLeaks(h.Snapshot())
	assert.Equal(t, []ir.NodeID{a, b}, report.Leaked, "a weak path from a root does not explain liveness")
}

func TestFindLeaks_SeparateCyclesSorted(t *testing.T) {
	h := NewHeap()
	ids := make([]ir.NodeID, 4)
	roots := make([]*Root, 4)
	for i := range ids {
		ids[i], roots[i] = h.Allocate()
	}
	// 1<->4 and 2<->3
	require.NoError(t, h.SetField(ids[3], "ref", ids[0], ir.Strong))
	require.NoError(t, h.SetField(ids[0], "ref", ids[3], ir.Strong))
	require.NoError(t, h.SetField(ids[2], "ref", ids[1], ir.Strong))
	require.NoError(t, h.SetField(ids[1], "ref", ids[2], ir.Strong))
	for _, r := range roots {
		require.NoError(t, r.Drop())
	}

	report := FindLeaks(h.Snapshot())
	assert.Equal(t, [][]ir.NodeID{{ids[0], ids[3]}, {ids[1], ids[2]}}, report.Cycles)
	assert.Empty(t, report.Retained)
}

func TestFindLeaks_DoesNotMutate(t *testing.T) {
	h := NewHeap()
	a, aRoot := h.Allocate()
	require.NoError(t, h.SetField(a, "me", a, ir.Strong))
	require.NoError(t, aRoot.Drop())

	before := h.Snapshot()
	_ = FindLeaks(before)
	assert.Equal(t, before, h.Snapshot())
	assert.True(t, h.IsLive(a))
}

func TestSnapshot_FieldsAndHash(t *testing.T) {
	build := func() Snapshot {
		h := NewHeap()
		a, _ := h.Allocate(WithLabel("a"))
		b, bRoot := h.Allocate(WithLabel("b"))
		require.NoError(t, h.SetField(a, "zeta", b, ir.Weak))
		require.NoError(t, h.SetField(a, "alpha", b, ir.Unowned))
		require.NoError(t, bRoot.Drop())
		return h.Snapshot()
	}

	snap := build()
	a, ok := snap.Node(1)
	require.True(t, ok)
	require.Len(t, a.Fields, 2)
	assert.Equal(t, "alpha", a.Fields[0].Name)
	assert.Equal(t, "zeta", a.Fields[1].Name)
	assert.False(t, a.Fields[0].Resolved)
	assert.False(t, a.Fields[1].Resolved)
	assert.Equal(t, []ir.NodeID{1}, snap.Live())

	_, ok = snap.Node(ir.None)
	assert.False(t, ok)

	h1, err := ir.SnapshotHash(snap.IRObject())
	require.NoError(t, err)
	h2, err := ir.SnapshotHash(build().IRObject())
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "equal graphs hash equally")
}
