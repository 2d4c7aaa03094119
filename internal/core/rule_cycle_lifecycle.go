package core

import (
	"context"

	"fieldops/pkg/domain"
)

// NewSingleActiveCycleRule returns the rule allowing at most one active crop
// cycle per bloc.
func NewSingleActiveCycleRule() domain.Rule {
	return singleActiveCycleRule{}
}

type singleActiveCycleRule struct{}

func (singleActiveCycleRule) Name() string { return "single_active_cycle" }

func (r singleActiveCycleRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	touched := false
	for _, change := range changes {
		if change.Kind == domain.KindCropCycle {
			touched = true
			break
		}
	}
	if !touched {
		return res, nil
	}
	var active []string
	for _, c := range view.Cycles() {
		if c.Active() {
			active = append(active, c.ID)
		}
	}
	if len(active) > 1 {
		bloc := view.Bloc()
		res.Violations = append(res.Violations, block(r.Name(), domain.KindBloc, bloc.ID,
			"bloc %s would have %d active crop cycles %v", bloc.Name, len(active), active))
	}
	return res, nil
}

// NewCycleEditableRule returns the rule rejecting operation and work package
// edits under closed crop cycles.
func NewCycleEditableRule() domain.Rule {
	return cycleEditableRule{}
}

type cycleEditableRule struct{}

func (cycleEditableRule) Name() string { return "cycle_editable" }

func (r cycleEditableRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		var cycleID string
		switch rec := subject(change).(type) {
		case domain.FieldOperation:
			cycleID = rec.CropCycleID
		case domain.WorkPackage:
			op, ok := view.FindOperation(rec.FieldOperationID)
			if !ok {
				continue
			}
			cycleID = op.CropCycleID
		default:
			continue
		}
		cycle, ok := view.FindCycle(cycleID)
		if !ok || cycle.Active() {
			continue
		}
		res.Violations = append(res.Violations, block(r.Name(), change.Kind, subject(change).RecordID(),
			"crop cycle %s is closed; %s %s cannot be %sd", cycle.ID, change.Kind, subject(change).RecordID(), change.Action))
	}
	return res, nil
}

// NewBlocAreaImmutableRule returns the rule rejecting changes to a bloc's area
// after creation.
func NewBlocAreaImmutableRule() domain.Rule {
	return blocAreaImmutableRule{}
}

type blocAreaImmutableRule struct{}

func (blocAreaImmutableRule) Name() string { return "bloc_area_immutable" }

func (r blocAreaImmutableRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Action != domain.ActionUpdate {
			continue
		}
		before, ok1 := change.Before.(domain.Bloc)
		after, ok2 := change.After.(domain.Bloc)
		if ok1 && ok2 && before.AreaHectares != after.AreaHectares {
			res.Violations = append(res.Violations, block(r.Name(), domain.KindBloc, before.ID,
				"bloc %s area is fixed at %.2f ha", before.Name, before.AreaHectares))
		}
	}
	return res, nil
}
