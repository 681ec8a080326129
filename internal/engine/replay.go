package engine

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/arcsim/internal/arc"
	"github.com/roach88/arcsim/internal/ir"
)

// ErrCorruptLog is returned when an event log cannot have been produced by
// a single engine session.
var ErrCorruptLog = errors.New("corrupt event log")

// VerifyEvents checks that events form one well-formed session log: a
// single session, strictly increasing seq, and ids that match the content.
func VerifyEvents(events []ir.Event) error {
	var (
		session string
		lastSeq int64
	)
	for i, ev := range events {
		if i == 0 {
			session = ev.Session
		} else if ev.Session != session {
			return fmt.Errorf("%w: event %d belongs to session %q, want %q", ErrCorruptLog, i, ev.Session, session)
		}
		if ev.Seq <= lastSeq {
			return fmt.Errorf("%w: seq %d after %d", ErrCorruptLog, ev.Seq, lastSeq)
		}
		lastSeq = ev.Seq

		id, err := ir.EventID(ev)
		if err != nil {
			return fmt.Errorf("%w: seq %d: %v", ErrCorruptLog, ev.Seq, err)
		}
		if id != ev.ID {
			return fmt.Errorf("%w: seq %d: id %s does not match content (%s)", ErrCorruptLog, ev.Seq, ev.ID, id)
		}
	}
	return nil
}

// replayField mirrors one relation while a log is replayed.
type replayField struct {
	kind     ir.RelationKind
	target   ir.NodeID
	resolved bool
}

type replayNode struct {
	info   arc.NodeInfo
	fields map[string]*replayField
}

// Rebuild reconstructs the object graph described by an event log, so a
// stored session can be inspected (and leak-checked) without re-running it.
// The result equals the Snapshot the heap would have produced after the
// last event.
func Rebuild(events []ir.Event) (arc.Snapshot, error) {
	var nodes []*replayNode

	get := func(ev ir.Event, id ir.NodeID) (*replayNode, error) {
		if id == ir.None || int(id) > len(nodes) {
			return nil, fmt.Errorf("%w: seq %d (%s) names unknown node %s", ErrCorruptLog, ev.Seq, ev.Type, id)
		}
		return nodes[id-1], nil
	}

	for _, ev := range events {
		switch ev.Type {
		case ir.EventAllocate:
			if int(ev.Node) != len(nodes)+1 {
				return arc.Snapshot{}, fmt.Errorf("%w: seq %d allocates %s out of order", ErrCorruptLog, ev.Seq, ev.Node)
			}
			n := &replayNode{
				info:   arc.NodeInfo{ID: ev.Node, Live: true, Roots: 1, Label: detailString(ev.Detail, "label")},
				fields: make(map[string]*replayField),
			}
			nodes = append(nodes, n)

		case ir.EventRootAdd, ir.EventRootDrop:
			n, err := get(ev, ev.Node)
			if err != nil {
				return arc.Snapshot{}, err
			}
			n.info.Roots = detailInt(ev.Detail, "roots")

		case ir.EventRetain, ir.EventRelease:
			n, err := get(ev, ev.Node)
			if err != nil {
				return arc.Snapshot{}, err
			}
			n.info.Strong = detailInt(ev.Detail, "strong")

		case ir.EventFieldSet:
			holder, err := get(ev, ev.Node)
			if err != nil {
				return arc.Snapshot{}, err
			}
			target, err := get(ev, ev.Target)
			if err != nil {
				return arc.Snapshot{}, err
			}
			kind, err := ir.ParseRelationKind(ev.Kind)
			if err != nil {
				return arc.Snapshot{}, fmt.Errorf("%w: seq %d: %v", ErrCorruptLog, ev.Seq, err)
			}
			if old := holder.fields[ev.Field]; old != nil {
				unlink(nodes, old)
			}
			holder.fields[ev.Field] = &replayField{kind: kind, target: ev.Target, resolved: true}
			if kind == ir.Strong {
				target.info.Strong++
			}

		case ir.EventFieldClear:
			holder, err := get(ev, ev.Node)
			if err != nil {
				return arc.Snapshot{}, err
			}
			if old := holder.fields[ev.Field]; old != nil {
				unlink(nodes, old)
				delete(holder.fields, ev.Field)
			}

		case ir.EventDeallocate:
			n, err := get(ev, ev.Node)
			if err != nil {
				return arc.Snapshot{}, err
			}
			n.info.Live = false
			for _, other := range nodes {
				for _, f := range other.fields {
					if f.target == n.info.ID && f.kind != ir.Strong {
						f.resolved = false
					}
				}
			}
			for _, f := range n.fields {
				unlink(nodes, f)
			}
			n.fields = nil
		}
	}

	snap := arc.Snapshot{Nodes: make([]arc.NodeInfo, 0, len(nodes))}
	for _, n := range nodes {
		info := n.info
		for name, f := range n.fields {
			info.Fields = append(info.Fields, arc.FieldInfo{
				Name:     name,
				Kind:     f.kind,
				Target:   f.target,
				Resolved: f.resolved,
			})
		}
		slices.SortFunc(info.Fields, func(a, b arc.FieldInfo) int {
			return cmp.Compare(a.Name, b.Name)
		})
		snap.Nodes = append(snap.Nodes, info)
	}
	return snap, nil
}

// unlink removes the strong count a live relation contributes to its target.
func unlink(nodes []*replayNode, f *replayField) {
	if f.kind != ir.Strong || int(f.target) > len(nodes) {
		return
	}
	target := nodes[f.target-1]
	if target.info.Live {
		target.info.Strong--
	}
}

func detailString(d ir.IRObject, key string) string {
	if s, ok := d[key].(ir.IRString); ok {
		return string(s)
	}
	return ""
}

func detailInt(d ir.IRObject, key string) int {
	if n, ok := d[key].(ir.IRInt); ok {
		return int(n)
	}
	return 0
}
