package core

import (
	"context"
	"errors"
	"time"

	"fieldops/internal/mutation"
	"fieldops/pkg/domain"
)

func (s *Service) recordAudit(ctx context.Context, m Mutation, res Result, err error, started time.Time) {
	if m == nil {
		return
	}
	kind, action, id := mutationTarget(m)
	if res.ID != "" {
		id = res.ID
	}
	now := s.clock.Now()
	entry := AuditEntry{
		Operation: m.Name(),
		Kind:      kind,
		Action:    action,
		EntityID:  id,
		TempID:    res.TempID,
		Status:    AuditStatusSuccess,
		Duration:  now.Sub(started),
		Timestamp: now,
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
		if errors.Is(err, mutation.ErrCancelled) {
			s.inst.Logger.Debug("mutation cancelled", "mutation", m.Name(), "temp_id", res.TempID)
		}
	}
	s.audit.Record(ctx, entry)
}

// mutationTarget reports the record kind, action and, when already known, the
// identifier a mutation affects.
func mutationTarget(m Mutation) (domain.NodeKind, domain.Action, string) {
	switch m := m.(type) {
	case mutation.CreateBloc:
		return domain.KindBloc, domain.ActionCreate, ""
	case mutation.RenameBloc:
		return domain.KindBloc, domain.ActionUpdate, m.BlocID
	case mutation.StartCropCycle:
		return domain.KindCropCycle, domain.ActionCreate, ""
	case mutation.UpdateCropCycle:
		return domain.KindCropCycle, domain.ActionUpdate, m.Cycle.ID
	case mutation.CloseCropCycle:
		return domain.KindCropCycle, domain.ActionUpdate, m.CycleID
	case mutation.CreateFieldOperation:
		return domain.KindFieldOperation, domain.ActionCreate, ""
	case mutation.UpdateFieldOperation:
		return domain.KindFieldOperation, domain.ActionUpdate, m.Operation.ID
	case mutation.DeleteFieldOperation:
		return domain.KindFieldOperation, domain.ActionDelete, m.OperationID
	case mutation.CreateWorkPackage:
		return domain.KindWorkPackage, domain.ActionCreate, ""
	case mutation.UpdateWorkPackage:
		return domain.KindWorkPackage, domain.ActionUpdate, m.WorkPackage.ID
	case mutation.DeleteWorkPackage:
		return domain.KindWorkPackage, domain.ActionDelete, m.WorkPackageID
	case mutation.AddLineItem:
		return domain.KindLineItem, domain.ActionCreate, ""
	case mutation.UpdateLineItem:
		return domain.KindLineItem, domain.ActionUpdate, m.Item.ID
	case mutation.RemoveLineItem:
		return domain.KindLineItem, domain.ActionDelete, m.ItemID
	default:
		return "", "", ""
	}
}
