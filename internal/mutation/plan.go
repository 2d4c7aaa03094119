package mutation

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fieldops/internal/tree"
	"fieldops/pkg/domain"
)

// plan is a mutation resolved against the current tree: where to patch, what to
// tell the rules and which single remote call commits it.
type plan struct {
	name    string
	blocID  string
	cycleID string
	path    tree.Path
	patch   tree.Patch
	change  domain.Change
	tempID  string
	// holderID is the node whose record carries tempID: the created node itself,
	// or the owner of a created line item.
	holderID string
	remote   func(ctx context.Context, b domain.Backend) (string, error)
}

// isCreate reports whether m needs a temporary identifier.
func isCreate(m Mutation) bool {
	switch m.(type) {
	case CreateBloc, StartCropCycle, CreateFieldOperation, CreateWorkPackage, AddLineItem:
		return true
	}
	return false
}

// lockKeys returns the node identifiers m must hold exclusively. Deleting a node
// also holds its current descendants. Edits validated against their parent hold
// it too: a work package's area is bounded by its operation's planned area, and
// closing a cycle decides whether the bloc may start another.
func (c *Coordinator) lockKeys(m Mutation) ([]string, error) {
	switch m := m.(type) {
	case CreateBloc:
		return nil, nil
	case RenameBloc:
		return []string{c.resolve(m.BlocID)}, nil
	case StartCropCycle:
		return []string{c.resolve(m.Cycle.BlocID)}, nil
	case UpdateCropCycle:
		return []string{c.resolve(m.Cycle.ID)}, nil
	case CloseCropCycle:
		return c.withParent(m.CycleID), nil
	case CreateFieldOperation:
		return []string{c.resolve(m.Operation.CropCycleID)}, nil
	case UpdateFieldOperation:
		return []string{c.resolve(m.Operation.ID)}, nil
	case DeleteFieldOperation:
		return c.subtreeKeys(m.OperationID), nil
	case CreateWorkPackage:
		return []string{c.resolve(m.WorkPackage.FieldOperationID)}, nil
	case UpdateWorkPackage:
		return c.withParent(m.WorkPackage.ID), nil
	case DeleteWorkPackage:
		return []string{c.resolve(m.WorkPackageID)}, nil
	case AddLineItem:
		return []string{c.resolve(m.Item.OwnerID)}, nil
	case UpdateLineItem:
		return []string{c.resolve(m.Item.OwnerID)}, nil
	case RemoveLineItem:
		return []string{c.resolve(m.OwnerID)}, nil
	default:
		return nil, fmt.Errorf("unsupported mutation %T", m)
	}
}

func (c *Coordinator) withParent(id string) []string {
	id = c.resolve(id)
	keys := []string{id}
	if path, ok := c.store.PathOf(id); ok && len(path) > 1 {
		keys = append(keys, path.Parent().Last())
	}
	return keys
}

func (c *Coordinator) subtreeKeys(id string) []string {
	id = c.resolve(id)
	keys := []string{id}
	if _, n, ok := c.store.Lookup(id); ok {
		n.Walk(nil, func(_ tree.Path, child *tree.Node) bool {
			keys = append(keys, child.ID())
			return true
		})
	}
	return keys
}

// plan resolves m against the current tree. It runs with the node locks held.
func (c *Coordinator) plan(m Mutation, tempID string) (plan, error) {
	var (
		p   plan
		err error
	)
	switch m := m.(type) {
	case CreateBloc:
		b := m.Bloc
		b.ID = tempID
		p, err = c.planInsert(tree.Path{}, b)
	case RenameBloc:
		p, err = c.planUpdate(domain.KindBloc, m.BlocID, func(r domain.Record) (domain.Record, error) {
			b := r.(domain.Bloc)
			b.Name = m.NewName
			return b, nil
		})
	case StartCropCycle:
		p, err = c.planStartCycle(m.Cycle, tempID)
	case UpdateCropCycle:
		p, err = c.planUpdate(domain.KindCropCycle, m.Cycle.ID, func(r domain.Record) (domain.Record, error) {
			cur := r.(domain.CropCycle)
			cur.Type = m.Cycle.Type
			cur.CycleNumber = m.Cycle.CycleNumber
			cur.PlantingDate = m.Cycle.PlantingDate
			cur.PlannedHarvestDate = m.Cycle.PlannedHarvestDate
			cur.ExpectedYieldTonsPerHa = m.Cycle.ExpectedYieldTonsPerHa
			return cur, nil
		})
	case CloseCropCycle:
		p, err = c.planUpdate(domain.KindCropCycle, m.CycleID, func(r domain.Record) (domain.Record, error) {
			cur := r.(domain.CropCycle)
			if cur.Status == domain.CycleClosed {
				return nil, domain.ValidationError{Result: domain.Result{Violations: []domain.Violation{{
					Rule: "cycle_open", Severity: domain.SeverityBlock, Kind: domain.KindCropCycle, EntityID: cur.ID,
					Message: fmt.Sprintf("crop cycle %s is already closed", cur.ID),
				}}}}
			}
			harvest := m.HarvestDate
			if harvest.IsZero() {
				harvest = c.store.NowFunc()()
			}
			cur.Status = domain.CycleClosed
			cur.HarvestDate = &harvest
			return cur, nil
		})
	case CreateFieldOperation:
		op := m.Operation
		var parent tree.Path
		if parent, err = c.locate(domain.KindCropCycle, op.CropCycleID); err != nil {
			break
		}
		op.ID, op.CropCycleID = tempID, parent.Last()
		if op.Status == "" {
			op.Status = domain.OperationPlanned
		}
		op.LineItems = adoptLines(op.LineItems, tempID)
		op.EstimatedCost, op.ActualCost = decimal.Zero, decimal.Zero
		p, err = c.planInsert(parent, op)
	case UpdateFieldOperation:
		p, err = c.planUpdate(domain.KindFieldOperation, m.Operation.ID, func(r domain.Record) (domain.Record, error) {
			cur := r.(domain.FieldOperation)
			in := m.Operation
			cur.Name, cur.Method = in.Name, in.Method
			cur.PlannedStartDate, cur.PlannedEndDate = in.PlannedStartDate, in.PlannedEndDate
			cur.PlannedArea, cur.ActualArea = in.PlannedArea, in.ActualArea
			if in.Status != "" {
				cur.Status = in.Status
			}
			return cur, nil
		})
	case DeleteFieldOperation:
		p, err = c.planDelete(domain.KindFieldOperation, m.OperationID)
	case CreateWorkPackage:
		wp := m.WorkPackage
		var parent tree.Path
		if parent, err = c.locate(domain.KindFieldOperation, wp.FieldOperationID); err != nil {
			break
		}
		wp.ID, wp.FieldOperationID = tempID, parent.Last()
		if wp.Status == "" {
			wp.Status = domain.WorkNotStarted
		}
		wp.LineItems = adoptLines(wp.LineItems, tempID)
		wp.EstimatedCost, wp.ActualCost = decimal.Zero, decimal.Zero
		wp.Quantity = wp.PlannedArea * wp.Rate
		p, err = c.planInsert(parent, wp)
	case UpdateWorkPackage:
		p, err = c.planUpdate(domain.KindWorkPackage, m.WorkPackage.ID, func(r domain.Record) (domain.Record, error) {
			cur := r.(domain.WorkPackage)
			in := m.WorkPackage
			cur.Date = in.Date
			cur.PlannedArea, cur.ActualArea, cur.Rate = in.PlannedArea, in.ActualArea, in.Rate
			if in.Status != "" {
				cur.Status = in.Status
			}
			return cur, nil
		})
	case DeleteWorkPackage:
		p, err = c.planDelete(domain.KindWorkPackage, m.WorkPackageID)
	case AddLineItem:
		var item domain.LineItem
		p, item, err = c.planLines(m.Item.OwnerID, func(owner string, items []domain.LineItem) ([]domain.LineItem, domain.LineItem, error) {
			li := m.Item
			li.ID, li.OwnerID = tempID, owner
			out := make([]domain.LineItem, 0, len(items)+1)
			out = append(out, items...)
			return append(out, li), li, nil
		})
		if err == nil {
			p.tempID = tempID
			p.remote = func(ctx context.Context, b domain.Backend) (string, error) {
				return b.CreateNode(ctx, domain.KindLineItem, item)
			}
		}
	case UpdateLineItem:
		var item domain.LineItem
		p, item, err = c.planLines(m.Item.OwnerID, func(owner string, items []domain.LineItem) ([]domain.LineItem, domain.LineItem, error) {
			idx := lineIndex(items, m.Item.ID)
			if idx < 0 {
				return nil, domain.LineItem{}, domain.NodeNotFound{Kind: domain.KindLineItem, ID: m.Item.ID}
			}
			li := m.Item
			li.ID, li.OwnerID = items[idx].ID, owner
			out := make([]domain.LineItem, len(items))
			copy(out, items)
			out[idx] = li
			return out, li, nil
		})
		if err == nil {
			p.remote = func(ctx context.Context, b domain.Backend) (string, error) {
				return item.ID, b.UpdateNode(ctx, domain.KindLineItem, item.ID, item)
			}
		}
	case RemoveLineItem:
		var item domain.LineItem
		p, item, err = c.planLines(m.OwnerID, func(_ string, items []domain.LineItem) ([]domain.LineItem, domain.LineItem, error) {
			idx := lineIndex(items, m.ItemID)
			if idx < 0 {
				return nil, domain.LineItem{}, domain.NodeNotFound{Kind: domain.KindLineItem, ID: m.ItemID}
			}
			out := make([]domain.LineItem, 0, len(items)-1)
			out = append(out, items[:idx]...)
			out = append(out, items[idx+1:]...)
			return out, items[idx], nil
		})
		if err == nil {
			p.remote = func(ctx context.Context, b domain.Backend) (string, error) {
				return item.ID, b.DeleteNode(ctx, domain.KindLineItem, item.ID)
			}
		}
	default:
		return plan{}, fmt.Errorf("unsupported mutation %T", m)
	}
	if err != nil {
		return plan{}, err
	}
	p.name = m.Name()
	return p, nil
}

// locate resolves id, following reconciled temporary identifiers, and checks the
// node kind.
func (c *Coordinator) locate(kind domain.NodeKind, id string) (tree.Path, error) {
	path, n, ok := c.store.Lookup(c.resolve(id))
	if !ok || n.Kind() != kind {
		return nil, domain.NodeNotFound{Kind: kind, ID: id}
	}
	return path, nil
}

func (c *Coordinator) planInsert(parent tree.Path, rec domain.Record) (plan, error) {
	if err := domain.ValidateRecord(rec); err != nil {
		return plan{}, err
	}
	id := rec.RecordID()
	p := plan{
		path:     parent,
		patch:    tree.InsertChild{Node: tree.NewNode(rec), Index: -1},
		change:   domain.Change{Kind: rec.Kind(), Action: domain.ActionCreate, After: rec},
		tempID:   id,
		holderID: id,
		remote: func(ctx context.Context, b domain.Backend) (string, error) {
			return b.CreateNode(ctx, rec.Kind(), rec)
		},
	}
	switch rec.Kind() {
	case domain.KindBloc:
		p.blocID = id
	case domain.KindCropCycle:
		p.blocID, p.cycleID = parent.BlocID(), id
	default:
		p.blocID = parent.BlocID()
		p.cycleID, _ = parent.CycleID()
	}
	return p, nil
}

func (c *Coordinator) planStartCycle(cycle domain.CropCycle, tempID string) (plan, error) {
	parent, err := c.locate(domain.KindBloc, cycle.BlocID)
	if err != nil {
		return plan{}, err
	}
	bloc, _ := c.store.Get(parent)
	cycle.ID, cycle.BlocID = tempID, parent.Last()
	cycle.Status = domain.CycleActive
	cycle.HarvestDate = nil
	cycle.Totals = domain.CycleTotals{}
	cycle.GrowthStage = ""
	if cycle.CycleNumber == 0 {
		cycle.CycleNumber = len(bloc.Children) + 1
	}
	return c.planInsert(parent, cycle)
}

func (c *Coordinator) planUpdate(kind domain.NodeKind, id string, edit func(domain.Record) (domain.Record, error)) (plan, error) {
	path, err := c.locate(kind, id)
	if err != nil {
		return plan{}, err
	}
	n, _ := c.store.Get(path)
	after, err := edit(n.Record)
	if err != nil {
		return plan{}, err
	}
	if err := domain.ValidateRecord(after); err != nil {
		return plan{}, err
	}
	realID := path.Last()
	p := plan{
		blocID: path.BlocID(),
		path:   path,
		patch:  tree.SetRecord{Record: after},
		change: domain.Change{Kind: kind, Action: domain.ActionUpdate, Before: n.Record, After: after},
		remote: func(ctx context.Context, b domain.Backend) (string, error) {
			return realID, b.UpdateNode(ctx, kind, realID, after)
		},
	}
	p.cycleID, _ = path.CycleID()
	return p, nil
}

func (c *Coordinator) planDelete(kind domain.NodeKind, id string) (plan, error) {
	path, err := c.locate(kind, id)
	if err != nil {
		return plan{}, err
	}
	n, _ := c.store.Get(path)
	realID := path.Last()
	p := plan{
		blocID: path.BlocID(),
		path:   path.Parent(),
		patch:  tree.RemoveChild{ID: realID},
		change: domain.Change{Kind: kind, Action: domain.ActionDelete, Before: n.Record},
		remote: func(ctx context.Context, b domain.Backend) (string, error) {
			return realID, b.DeleteNode(ctx, kind, realID)
		},
	}
	p.cycleID, _ = path.CycleID()
	return p, nil
}

// planLines edits the line items of an operation or work package. Rules see the
// edit as an update of the owner record.
func (c *Coordinator) planLines(ownerID string, edit func(owner string, items []domain.LineItem) ([]domain.LineItem, domain.LineItem, error)) (plan, domain.LineItem, error) {
	path, n, ok := c.store.Lookup(c.resolve(ownerID))
	if !ok {
		return plan{}, domain.LineItem{}, domain.NodeNotFound{ID: ownerID}
	}
	kind := n.Kind()
	if kind != domain.KindFieldOperation && kind != domain.KindWorkPackage {
		return plan{}, domain.LineItem{}, domain.NodeNotFound{Kind: domain.KindFieldOperation, ID: ownerID}
	}
	items, item, err := edit(path.Last(), domain.LineItemsOf(n.Record))
	if err != nil {
		return plan{}, item, err
	}
	after, _ := domain.WithLineItems(n.Record, items)
	if err := domain.ValidateRecord(after); err != nil {
		return plan{}, item, err
	}
	p := plan{
		blocID:   path.BlocID(),
		path:     path,
		patch:    tree.SetRecord{Record: after},
		change:   domain.Change{Kind: kind, Action: domain.ActionUpdate, Before: n.Record, After: after},
		holderID: path.Last(),
	}
	p.cycleID, _ = path.CycleID()
	return p, item, nil
}

func lineIndex(items []domain.LineItem, id string) int {
	for i, item := range items {
		if item.ID == id {
			return i
		}
	}
	return -1
}

// adoptLines points line items at their new owner and gives unnamed ones a
// client-side identifier.
func adoptLines(items []domain.LineItem, ownerID string) []domain.LineItem {
	if len(items) == 0 {
		return nil
	}
	out := make([]domain.LineItem, len(items))
	for i, item := range items {
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		item.OwnerID = ownerID
		out[i] = item
	}
	return out
}
