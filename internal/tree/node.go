package tree

import (
	"sort"

	"fieldops/pkg/domain"
)

// Node is an immutable tree node. A node and its Children slice must never be
// modified once reachable from a store; edits allocate new nodes along the path
// and share every untouched sibling.
type Node struct {
	Record   domain.Record
	Children []*Node
}

// NewNode wraps a record and its children.
func NewNode(record domain.Record, children ...*Node) *Node {
	return &Node{Record: record, Children: children}
}

// ID returns the record identifier.
func (n *Node) ID() string {
	if n == nil || n.Record == nil {
		return ""
	}
	return n.Record.RecordID()
}

// Kind returns the record kind.
func (n *Node) Kind() domain.NodeKind {
	if n == nil || n.Record == nil {
		return ""
	}
	return n.Record.Kind()
}

// Child returns the direct child with the given id and its position.
func (n *Node) Child(id string) (*Node, int) {
	for i, c := range n.Children {
		if c.ID() == id {
			return c, i
		}
	}
	return nil, -1
}

// Walk visits the node and its descendants depth first, pre-order. Returning
// false from fn skips the node's children.
func (n *Node) Walk(path Path, fn func(Path, *Node) bool) {
	if n == nil {
		return
	}
	here := path.Child(n.ID())
	if !fn(here, n) {
		return
	}
	for _, c := range n.Children {
		c.Walk(here, fn)
	}
}

// Count returns the number of nodes in the subtree.
func (n *Node) Count() int {
	total := 0
	n.Walk(nil, func(Path, *Node) bool { total++; return true })
	return total
}

func (n *Node) withRecord(record domain.Record) *Node {
	return &Node{Record: record, Children: n.Children}
}

func (n *Node) withChildren(children []*Node) *Node {
	return &Node{Record: n.Record, Children: children}
}

// Reidentify returns a copy of the subtree with every occurrence of from, in
// node ids, parent references and line items, replaced by to. Nodes without an
// occurrence are shared. The second result counts the rewritten records.
func Reidentify(n *Node, from, to string) (*Node, int) {
	if n == nil {
		return nil, 0
	}
	record, changed := n.Record.Reidentify(from, to)
	count := 0
	if changed {
		count++
	}
	var children []*Node
	for i, c := range n.Children {
		next, k := Reidentify(c, from, to)
		if k == 0 {
			continue
		}
		if children == nil {
			children = make([]*Node, len(n.Children))
			copy(children, n.Children)
		}
		children[i] = next
		count += k
	}
	if count == 0 {
		return n, 0
	}
	if children == nil {
		children = n.Children
	}
	return &Node{Record: record, Children: children}, count
}

// Build assembles a bloc tree from the backend's flat records. Children are
// ordered by planting date, planned start and date respectively, ties broken by
// id, so that identical snapshots always yield identical trees.
func Build(s domain.BlocSnapshot) *Node {
	wps := make(map[string][]domain.WorkPackage)
	for _, wp := range s.WorkPackages {
		wps[wp.FieldOperationID] = append(wps[wp.FieldOperationID], wp)
	}
	ops := make(map[string][]domain.FieldOperation)
	for _, op := range s.Operations {
		ops[op.CropCycleID] = append(ops[op.CropCycleID], op)
	}
	cycles := make([]domain.CropCycle, 0, len(s.Cycles))
	for _, c := range s.Cycles {
		if c.BlocID == s.Bloc.ID {
			cycles = append(cycles, c)
		}
	}
	sort.SliceStable(cycles, func(i, j int) bool {
		if !cycles[i].PlantingDate.Equal(cycles[j].PlantingDate) {
			return cycles[i].PlantingDate.Before(cycles[j].PlantingDate)
		}
		return cycles[i].ID < cycles[j].ID
	})

	root := &Node{Record: s.Bloc}
	for _, c := range cycles {
		cycleNode := &Node{Record: c}
		cycleOps := ops[c.ID]
		sort.SliceStable(cycleOps, func(i, j int) bool {
			if !cycleOps[i].PlannedStartDate.Equal(cycleOps[j].PlannedStartDate) {
				return cycleOps[i].PlannedStartDate.Before(cycleOps[j].PlannedStartDate)
			}
			return cycleOps[i].ID < cycleOps[j].ID
		})
		for _, op := range cycleOps {
			opNode := &Node{Record: op}
			opWPs := wps[op.ID]
			sort.SliceStable(opWPs, func(i, j int) bool {
				if !opWPs[i].Date.Equal(opWPs[j].Date) {
					return opWPs[i].Date.Before(opWPs[j].Date)
				}
				return opWPs[i].ID < opWPs[j].ID
			})
			for _, wp := range opWPs {
				opNode.Children = append(opNode.Children, &Node{Record: wp})
			}
			cycleNode.Children = append(cycleNode.Children, opNode)
		}
		root.Children = append(root.Children, cycleNode)
	}
	return root
}

// Flatten is the inverse of Build.
func Flatten(root *Node) domain.BlocSnapshot {
	var s domain.BlocSnapshot
	root.Walk(nil, func(_ Path, n *Node) bool {
		switch r := n.Record.(type) {
		case domain.Bloc:
			s.Bloc = r
		case domain.CropCycle:
			s.Cycles = append(s.Cycles, r)
		case domain.FieldOperation:
			s.Operations = append(s.Operations, r)
		case domain.WorkPackage:
			s.WorkPackages = append(s.WorkPackages, r)
		}
		return true
	})
	return s
}
