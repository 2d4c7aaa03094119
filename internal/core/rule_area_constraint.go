package core

import (
	"context"

	"fieldops/pkg/domain"
)

// NewAreaConstraintRule returns the rule keeping actual areas within planned
// areas and planned areas within the bloc.
func NewAreaConstraintRule() domain.Rule {
	return areaConstraintRule{}
}

type areaConstraintRule struct{}

func (areaConstraintRule) Name() string { return "area_constraint" }

func (r areaConstraintRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	blocArea := view.Bloc().AreaHectares
	for _, change := range changes {
		switch rec := change.After.(type) {
		case domain.FieldOperation:
			res.Violations = append(res.Violations, r.checkOperation(view, rec, blocArea)...)
		case domain.WorkPackage:
			res.Violations = append(res.Violations, r.checkWorkPackage(view, rec, blocArea)...)
		}
	}
	return res, nil
}

func (r areaConstraintRule) checkOperation(view domain.RuleView, op domain.FieldOperation, blocArea float64) []domain.Violation {
	var out []domain.Violation
	if op.PlannedArea > blocArea {
		out = append(out, block(r.Name(), domain.KindFieldOperation, op.ID,
			"field operation %s planned area %.2f ha exceeds bloc area %.2f ha", op.Name, op.PlannedArea, blocArea))
	}
	if op.ActualArea > op.PlannedArea {
		out = append(out, block(r.Name(), domain.KindFieldOperation, op.ID,
			"field operation %s actual area %.2f ha exceeds planned area %.2f ha", op.Name, op.ActualArea, op.PlannedArea))
	}
	for _, wp := range view.WorkPackages(op.ID) {
		if wp.ActualArea > op.PlannedArea {
			out = append(out, block(r.Name(), domain.KindWorkPackage, wp.ID,
				"work package %s actual area %.2f ha exceeds operation planned area %.2f ha", wp.ID, wp.ActualArea, op.PlannedArea))
		}
	}
	return out
}

func (r areaConstraintRule) checkWorkPackage(view domain.RuleView, wp domain.WorkPackage, blocArea float64) []domain.Violation {
	var out []domain.Violation
	if wp.ActualArea > wp.PlannedArea {
		out = append(out, block(r.Name(), domain.KindWorkPackage, wp.ID,
			"work package %s actual area %.2f ha exceeds planned area %.2f ha", wp.ID, wp.ActualArea, wp.PlannedArea))
	}
	if wp.ActualArea > blocArea {
		out = append(out, block(r.Name(), domain.KindWorkPackage, wp.ID,
			"work package %s actual area %.2f ha exceeds bloc area %.2f ha", wp.ID, wp.ActualArea, blocArea))
	}
	if op, ok := view.FindOperation(wp.FieldOperationID); ok && wp.ActualArea > op.PlannedArea {
		out = append(out, block(r.Name(), domain.KindWorkPackage, wp.ID,
			"work package %s actual area %.2f ha exceeds operation planned area %.2f ha", wp.ID, wp.ActualArea, op.PlannedArea))
	}
	return out
}
