// Package mutation applies edits to the cached tree optimistically, commits them
// to the backend and reconciles or rolls back the local state.
package mutation

import (
	"strings"
	"time"

	"fieldops/pkg/domain"
)

// TempPrefix marks identifiers assigned locally to records the backend has not
// created yet.
const TempPrefix = "tmp-"

// IsTemp reports whether id was assigned by the coordinator.
func IsTemp(id string) bool { return strings.HasPrefix(id, TempPrefix) }

// Mutation is one edit intent. The set of implementations is closed; the
// coordinator handles each of them explicitly.
type Mutation interface {
	// Name identifies the mutation in logs, metrics and spans.
	Name() string
	mutation()
}

// CreateBloc adds a new bloc. The ID field is ignored.
type CreateBloc struct {
	Bloc domain.Bloc
}

// RenameBloc changes a bloc's display name. The area cannot change.
type RenameBloc struct {
	BlocID  string
	NewName string
}

// StartCropCycle opens a new active cycle on Cycle.BlocID. A zero CycleNumber is
// assigned the next number on the bloc.
type StartCropCycle struct {
	Cycle domain.CropCycle
}

// UpdateCropCycle edits a cycle's planning fields. Status, harvest date and
// totals are not taken from the input.
type UpdateCropCycle struct {
	Cycle domain.CropCycle
}

// CloseCropCycle closes a cycle at harvest. A zero HarvestDate means now.
type CloseCropCycle struct {
	CycleID     string
	HarvestDate time.Time
}

// CreateFieldOperation adds an operation under Operation.CropCycleID.
type CreateFieldOperation struct {
	Operation domain.FieldOperation
}

// UpdateFieldOperation edits an operation's own fields. Line items are edited
// through the line item mutations.
type UpdateFieldOperation struct {
	Operation domain.FieldOperation
}

// DeleteFieldOperation removes an operation and its work packages.
type DeleteFieldOperation struct {
	OperationID string
}

// CreateWorkPackage adds a work package under WorkPackage.FieldOperationID.
type CreateWorkPackage struct {
	WorkPackage domain.WorkPackage
}

// UpdateWorkPackage edits a work package's own fields.
type UpdateWorkPackage struct {
	WorkPackage domain.WorkPackage
}

// DeleteWorkPackage removes a work package.
type DeleteWorkPackage struct {
	WorkPackageID string
}

// AddLineItem appends a line item to the operation or work package Item.OwnerID.
type AddLineItem struct {
	Item domain.LineItem
}

// UpdateLineItem replaces the line item Item.ID owned by Item.OwnerID.
type UpdateLineItem struct {
	Item domain.LineItem
}

// RemoveLineItem drops a line item from its owner.
type RemoveLineItem struct {
	OwnerID string
	ItemID  string
}

func (CreateBloc) Name() string           { return "create_bloc" }
func (RenameBloc) Name() string           { return "rename_bloc" }
func (StartCropCycle) Name() string       { return "start_crop_cycle" }
func (UpdateCropCycle) Name() string      { return "update_crop_cycle" }
func (CloseCropCycle) Name() string       { return "close_crop_cycle" }
func (CreateFieldOperation) Name() string { return "create_field_operation" }
func (UpdateFieldOperation) Name() string { return "update_field_operation" }
func (DeleteFieldOperation) Name() string { return "delete_field_operation" }
func (CreateWorkPackage) Name() string    { return "create_work_package" }
func (UpdateWorkPackage) Name() string    { return "update_work_package" }
func (DeleteWorkPackage) Name() string    { return "delete_work_package" }
func (AddLineItem) Name() string          { return "add_line_item" }
func (UpdateLineItem) Name() string       { return "update_line_item" }
func (RemoveLineItem) Name() string       { return "remove_line_item" }

func (CreateBloc) mutation()           {}
func (RenameBloc) mutation()           {}
func (StartCropCycle) mutation()       {}
func (UpdateCropCycle) mutation()      {}
func (CloseCropCycle) mutation()       {}
func (CreateFieldOperation) mutation() {}
func (UpdateFieldOperation) mutation() {}
func (DeleteFieldOperation) mutation() {}
func (CreateWorkPackage) mutation()    {}
func (UpdateWorkPackage) mutation()    {}
func (DeleteWorkPackage) mutation()    {}
func (AddLineItem) mutation()          {}
func (UpdateLineItem) mutation()       {}
func (RemoveLineItem) mutation()       {}
