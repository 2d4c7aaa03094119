package tree

import (
	"fmt"

	"fieldops/pkg/domain"
)

// Patch is an edit applied to the node addressed by a path.
type Patch interface {
	patch()
}

// SetRecord replaces the target's record and keeps its children. The record
// must keep the target's identifier.
type SetRecord struct {
	Record domain.Record
}

// InsertChild adds a subtree under the target. A negative or out of range Index
// appends.
type InsertChild struct {
	Node  *Node
	Index int
}

// RemoveChild detaches the target's child with the given identifier together
// with its subtree.
type RemoveChild struct {
	ID string
}

// ReplaceNode swaps the whole subtree at the target. The replacement may carry a
// different identifier, which is how reconciliation renames nodes.
type ReplaceNode struct {
	Node *Node
}

func (SetRecord) patch()   {}
func (InsertChild) patch() {}
func (RemoveChild) patch() {}
func (ReplaceNode) patch() {}

// indexDelta lists the subtrees entering and leaving the tree relative to the
// parent path they hang from.
type indexDelta struct {
	parent  Path
	added   *Node
	removed *Node
}

// applyPatch transforms target and returns the replacement, the inverse patch
// and the path the inverse must be applied at.
func applyPatch(target *Node, at Path, p Patch) (*Node, Patch, Path, indexDelta, error) {
	switch p := p.(type) {
	case SetRecord:
		if p.Record == nil {
			return nil, nil, nil, indexDelta{}, fmt.Errorf("set record at %s: nil record", at)
		}
		if p.Record.RecordID() != target.ID() {
			return nil, nil, nil, indexDelta{}, fmt.Errorf("set record at %s: id %s does not match", at, p.Record.RecordID())
		}
		return target.withRecord(p.Record), SetRecord{Record: target.Record}, at, indexDelta{}, nil
	case InsertChild:
		if p.Node == nil || p.Node.ID() == "" {
			return nil, nil, nil, indexDelta{}, fmt.Errorf("insert at %s: child without id", at)
		}
		if existing, _ := target.Child(p.Node.ID()); existing != nil {
			return nil, nil, nil, indexDelta{}, fmt.Errorf("insert at %s: child %s already present", at, p.Node.ID())
		}
		children := insertAt(target.Children, p.Node, p.Index)
		return target.withChildren(children), RemoveChild{ID: p.Node.ID()}, at, indexDelta{parent: at, added: p.Node}, nil
	case RemoveChild:
		child, idx := target.Child(p.ID)
		if child == nil {
			return nil, nil, nil, indexDelta{}, domain.NodeNotFound{ID: p.ID}
		}
		children := make([]*Node, 0, len(target.Children)-1)
		children = append(children, target.Children[:idx]...)
		children = append(children, target.Children[idx+1:]...)
		return target.withChildren(children), InsertChild{Node: child, Index: idx}, at, indexDelta{parent: at, removed: child}, nil
	case ReplaceNode:
		if p.Node == nil || p.Node.ID() == "" {
			return nil, nil, nil, indexDelta{}, fmt.Errorf("replace at %s: node without id", at)
		}
		inverseAt := at.WithLast(p.Node.ID())
		return p.Node, ReplaceNode{Node: target}, inverseAt, indexDelta{parent: at.Parent(), added: p.Node, removed: target}, nil
	default:
		return nil, nil, nil, indexDelta{}, fmt.Errorf("unsupported patch %T", p)
	}
}

func insertAt(children []*Node, n *Node, idx int) []*Node {
	out := make([]*Node, 0, len(children)+1)
	if idx < 0 || idx > len(children) {
		idx = len(children)
	}
	out = append(out, children[:idx]...)
	out = append(out, n)
	return append(out, children[idx:]...)
}

// rewrite copies the spine from n down to the node at rel (rel[0] is n's own id)
// and replaces that node with the result of fn. Siblings are shared.
func rewrite(n *Node, rel Path, fn func(*Node) (*Node, error)) (*Node, error) {
	if n == nil || len(rel) == 0 || n.ID() != rel[0] {
		return nil, domain.NodeNotFound{ID: rel.Last()}
	}
	if len(rel) == 1 {
		return fn(n)
	}
	child, idx := n.Child(rel[1])
	if child == nil {
		return nil, domain.NodeNotFound{ID: rel[1]}
	}
	next, err := rewrite(child, rel[1:], fn)
	if err != nil {
		return nil, err
	}
	children := make([]*Node, len(n.Children))
	copy(children, n.Children)
	children[idx] = next
	return n.withChildren(children), nil
}

// lookup returns the node at rel below n (rel[0] is n's own id).
func lookup(n *Node, rel Path) (*Node, bool) {
	if n == nil || len(rel) == 0 || n.ID() != rel[0] {
		return nil, false
	}
	cur := n
	for _, id := range rel[1:] {
		next, _ := cur.Child(id)
		if next == nil {
			return nil, false
		}
		cur = next
	}
	return cur, true
}
