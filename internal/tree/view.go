package tree

import "fieldops/pkg/domain"

// View adapts a bloc root to the read-only interface used by rules.
type View struct {
	root *Node
}

var _ domain.RuleView = View{}

// NewView wraps a bloc root.
func NewView(root *Node) View { return View{root: root} }

// Bloc implements domain.RuleView.
func (v View) Bloc() domain.Bloc {
	if v.root == nil {
		return domain.Bloc{}
	}
	b, _ := v.root.Record.(domain.Bloc)
	return b
}

// Cycles implements domain.RuleView.
func (v View) Cycles() []domain.CropCycle {
	if v.root == nil {
		return nil
	}
	out := make([]domain.CropCycle, 0, len(v.root.Children))
	for _, c := range v.root.Children {
		if cycle, ok := c.Record.(domain.CropCycle); ok {
			out = append(out, cycle)
		}
	}
	return out
}

// FindCycle implements domain.RuleView.
func (v View) FindCycle(id string) (domain.CropCycle, bool) {
	n := v.cycleNode(id)
	if n == nil {
		return domain.CropCycle{}, false
	}
	c, ok := n.Record.(domain.CropCycle)
	return c, ok
}

// Operations implements domain.RuleView.
func (v View) Operations(cycleID string) []domain.FieldOperation {
	n := v.cycleNode(cycleID)
	if n == nil {
		return nil
	}
	out := make([]domain.FieldOperation, 0, len(n.Children))
	for _, c := range n.Children {
		if op, ok := c.Record.(domain.FieldOperation); ok {
			out = append(out, op)
		}
	}
	return out
}

// FindOperation implements domain.RuleView.
func (v View) FindOperation(id string) (domain.FieldOperation, bool) {
	n := v.operationNode(id)
	if n == nil {
		return domain.FieldOperation{}, false
	}
	op, ok := n.Record.(domain.FieldOperation)
	return op, ok
}

// WorkPackages implements domain.RuleView.
func (v View) WorkPackages(operationID string) []domain.WorkPackage {
	n := v.operationNode(operationID)
	if n == nil {
		return nil
	}
	out := make([]domain.WorkPackage, 0, len(n.Children))
	for _, c := range n.Children {
		if wp, ok := c.Record.(domain.WorkPackage); ok {
			out = append(out, wp)
		}
	}
	return out
}

func (v View) cycleNode(id string) *Node {
	if v.root == nil {
		return nil
	}
	n, _ := v.root.Child(id)
	return n
}

func (v View) operationNode(id string) *Node {
	if v.root == nil {
		return nil
	}
	for _, c := range v.root.Children {
		if n, _ := c.Child(id); n != nil {
			return n
		}
	}
	return nil
}
