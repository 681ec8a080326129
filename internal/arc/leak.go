package arc

import (
	"cmp"
	"slices"

	"github.com/roach88/arcsim/internal/ir"
)

// LeakReport lists live nodes that no root can reach through strong
// relations. Such nodes can only be kept alive by a strong cycle.
type LeakReport struct {
	// Leaked is every unreachable live node, ascending.
	Leaked []ir.NodeID `json:"leaked"`

	// Cycles groups leaked nodes that sit on a strong cycle (strongly
	// connected components of size > 1, or a node referencing itself).
	Cycles [][]ir.NodeID `json:"cycles"`

	// Retained are leaked nodes that are not on a cycle themselves but are
	// kept alive by one.
	Retained []ir.NodeID `json:"retained"`
}

// Empty reports whether nothing leaked.
func (r LeakReport) Empty() bool {
	return len(r.Leaked) == 0
}

// Contains reports whether id is part of the report.
func (r LeakReport) Contains(id ir.NodeID) bool {
	_, found := slices.BinarySearch(r.Leaked, id)
	return found
}

// FindLeaks marks every node reachable from a root along strong relations;
// any live node left unmarked is leaked. It is a pure read-only analysis of
// the snapshot and never changes the heap.
//
// Weak and unowned edges are not followed: they never keep a node alive, so
// reaching a node only through them does not explain its liveness.
func FindLeaks(s Snapshot) LeakReport {
	marked := make(map[ir.NodeID]bool)
	var stack []ir.NodeID
	for _, n := range s.Nodes {
		if n.Live && n.Roots > 0 {
			marked[n.ID] = true
			stack = append(stack, n.ID)
		}
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n, _ := s.Node(id)
		for _, f := range n.Fields {
			if f.Kind != ir.Strong || marked[f.Target] {
				continue
			}
			marked[f.Target] = true
			stack = append(stack, f.Target)
		}
	}

	report := LeakReport{Leaked: []ir.NodeID{}, Cycles: [][]ir.NodeID{}, Retained: []ir.NodeID{}}
	leaked := make(map[ir.NodeID]bool)
	for _, n := range s.Nodes {
		if n.Live && !marked[n.ID] {
			leaked[n.ID] = true
			report.Leaked = append(report.Leaked, n.ID)
		}
	}
	if len(leaked) == 0 {
		return report
	}

	onCycle := make(map[ir.NodeID]bool)
	for _, scc := range strongComponents(s, report.Leaked, leaked) {
		if len(scc) == 1 && !selfReferencing(s, scc[0]) {
			continue
		}
		slices.Sort(scc)
		for _, id := range scc {
			onCycle[id] = true
		}
		report.Cycles = append(report.Cycles, scc)
	}
	slices.SortFunc(report.Cycles, func(a, b []ir.NodeID) int {
		return cmp.Compare(a[0], b[0])
	})
	for _, id := range report.Leaked {
		if !onCycle[id] {
			report.Retained = append(report.Retained, id)
		}
	}
	return report
}

func selfReferencing(s Snapshot, id ir.NodeID) bool {
	n, _ := s.Node(id)
	for _, f := range n.Fields {
		if f.Kind == ir.Strong && f.Target == id {
			return true
		}
	}
	return false
}

// strongComponents runs Tarjan's algorithm over the strong edges between
// the given nodes.
func strongComponents(s Snapshot, ids []ir.NodeID, within map[ir.NodeID]bool) [][]ir.NodeID {
	var (
		index   = make(map[ir.NodeID]int)
		lowlink = make(map[ir.NodeID]int)
		onStack = make(map[ir.NodeID]bool)
		stack   []ir.NodeID
		next    int
		result  [][]ir.NodeID
	)

	var connect func(v ir.NodeID)
	connect = func(v ir.NodeID) {
		index[v] = next
		lowlink[v] = next
		next++
		stack = append(stack, v)
		onStack[v] = true

		n, _ := s.Node(v)
		for _, f := range n.Fields {
			w := f.Target
			if f.Kind != ir.Strong || !within[w] {
				continue
			}
			if _, seen := index[w]; !seen {
				connect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], index[w])
			}
		}

		if lowlink[v] == index[v] {
			var scc []ir.NodeID
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			result = append(result, scc)
		}
	}

	for _, id := range ids {
		if _, seen := index[id]; !seen {
			connect(id)
		}
	}
	return result
}
