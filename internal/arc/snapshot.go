package arc

import (
	"cmp"
	"slices"

	"github.com/roach88/arcsim/internal/ir"
)

// Snapshot is a read-only copy of the object graph at one instant.
// It is safe to analyse without holding the heap mutex.
type Snapshot struct {
	Nodes []NodeInfo `json:"nodes"`
}

// NodeInfo describes one node of a Snapshot.
type NodeInfo struct {
	ID     ir.NodeID   `json:"id"`
	Label  string      `json:"label,omitempty"`
	Live   bool        `json:"live"`
	Strong int         `json:"strong"`
	Roots  int         `json:"roots"`
	Fields []FieldInfo `json:"fields,omitempty"`
}

// FieldInfo describes one relation held by a node.
type FieldInfo struct {
	Name     string          `json:"name"`
	Kind     ir.RelationKind `json:"kind"`
	Target   ir.NodeID       `json:"target"`
	Resolved bool            `json:"resolved"` // false once a weak/unowned target is gone
}

// Snapshot copies the current graph. Fields are sorted by name and nodes by
// id, so equal graphs produce equal snapshots.
func (h *Heap) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	snap := Snapshot{Nodes: make([]NodeInfo, 0, len(h.nodes))}
	for _, n := range h.nodes {
		info := NodeInfo{
			ID:     n.id,
			Label:  n.label,
			Live:   n.state == stateLive,
			Strong: n.strong,
			Roots:  n.roots + n.pins,
		}
		for name, rel := range n.fields {
			info.Fields = append(info.Fields, FieldInfo{
				Name:     name,
				Kind:     rel.kind,
				Target:   rel.target,
				Resolved: rel.status == relActive,
			})
		}
		slices.SortFunc(info.Fields, func(a, b FieldInfo) int {
			return cmp.Compare(a.Name, b.Name)
		})
		snap.Nodes = append(snap.Nodes, info)
	}
	return snap
}

// Node returns the info for id, if present.
func (s Snapshot) Node(id ir.NodeID) (NodeInfo, bool) {
	if id == ir.None || int(id) > len(s.Nodes) {
		return NodeInfo{}, false
	}
	return s.Nodes[id-1], true
}

// Live returns the ids of live nodes in ascending order.
func (s Snapshot) Live() []ir.NodeID {
	var ids []ir.NodeID
	for _, n := range s.Nodes {
		if n.Live {
			ids = append(ids, n.ID)
		}
	}
	return ids
}

// IRObject renders the snapshot for canonical hashing and golden traces.
func (s Snapshot) IRObject() ir.IRObject {
	nodes := make(ir.IRArray, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		obj := ir.IRObject{
			"id":     ir.IRInt(n.ID),
			"live":   ir.IRBool(n.Live),
			"strong": ir.IRInt(n.Strong),
			"roots":  ir.IRInt(n.Roots),
		}
		if n.Label != "" {
			obj["label"] = ir.IRString(n.Label)
		}
		if len(n.Fields) > 0 {
			fields := make(ir.IRArray, 0, len(n.Fields))
			for _, f := range n.Fields {
				fields = append(fields, ir.IRObject{
					"name":     ir.IRString(f.Name),
					"kind":     ir.IRString(f.Kind.String()),
					"target":   ir.IRInt(f.Target),
					"resolved": ir.IRBool(f.Resolved),
				})
			}
			obj["fields"] = fields
		}
		nodes = append(nodes, obj)
	}
	return ir.IRObject{"nodes": nodes}
}
