// Package domain defines the field-operations records, value types, and
// rule evaluation primitives shared by the operations cache.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// NodeKind identifies the type of record held in the operations tree.
type NodeKind string

// Supported node kinds used in paths, change records and backend calls.
const (
	// KindBloc identifies a bloc (a managed land parcel) record.
	KindBloc NodeKind = "bloc"
	// KindCropCycle identifies a plantation or ratoon cycle on a bloc.
	KindCropCycle NodeKind = "crop_cycle"
	// KindFieldOperation identifies a planned field activity within a cycle.
	KindFieldOperation NodeKind = "field_operation"
	// KindWorkPackage identifies a dated unit of work within an operation.
	KindWorkPackage NodeKind = "work_package"
	// KindLineItem identifies a product, equipment or resource line.
	KindLineItem NodeKind = "line_item"
)

// CycleType distinguishes a first planting from a regrowth cycle.
type CycleType string

// Canonical crop cycle types.
const (
	CyclePlantation CycleType = "plantation"
	CycleRatoon     CycleType = "ratoon"
)

// CycleStatus enumerates crop cycle lifecycle states.
type CycleStatus string

// Canonical crop cycle statuses. Closed cycles are never reopened.
const (
	CycleActive CycleStatus = "active"
	CycleClosed CycleStatus = "closed"
)

// OperationStatus enumerates field operation workflow states.
type OperationStatus string

// Canonical field operation statuses.
const (
	OperationPlanned    OperationStatus = "planned"
	OperationInProgress OperationStatus = "in-progress"
	OperationCompleted  OperationStatus = "completed"
	OperationCancelled  OperationStatus = "cancelled"
)

// WorkPackageStatus enumerates work package progress states.
type WorkPackageStatus string

// Canonical work package statuses.
const (
	WorkNotStarted WorkPackageStatus = "not-started"
	WorkInProgress WorkPackageStatus = "in-progress"
	WorkCompleted  WorkPackageStatus = "completed"
)

// LineCategory classifies a line item.
type LineCategory string

// Line item categories.
const (
	LineProduct   LineCategory = "product"
	LineEquipment LineCategory = "equipment"
	LineResource  LineCategory = "resource"
)

// GrowthStage is the phenological classification of a crop cycle.
type GrowthStage string

// Growth stages in chronological order. Sprouting only occurs on ratoons and
// germination only on plantations; both share ordinal zero.
const (
	StageGermination GrowthStage = "germination"
	StageSprouting   GrowthStage = "sprouting"
	StageTillering   GrowthStage = "tillering"
	StageGrandGrowth GrowthStage = "grand-growth"
	StageMaturation  GrowthStage = "maturation"
	StageRipening    GrowthStage = "ripening"
	StageHarvested   GrowthStage = "harvested"
)

// Ordinal returns the chronological position of the stage.
func (s GrowthStage) Ordinal() int {
	switch s {
	case StageGermination, StageSprouting:
		return 0
	case StageTillering:
		return 1
	case StageGrandGrowth:
		return 2
	case StageMaturation:
		return 3
	case StageRipening:
		return 4
	case StageHarvested:
		return 5
	default:
		return -1
	}
}

// Record is implemented by every value stored in the operations tree. Records are
// immutable values; mutation means replacing a record by identity.
type Record interface {
	RecordID() string
	Kind() NodeKind
	// ParentID returns the identifier of the owning record, empty for blocs.
	ParentID() string
	// Reidentify returns a copy with every occurrence of from (own id or parent
	// reference) replaced by to, reporting whether anything changed.
	Reidentify(from, to string) (Record, bool)
}

// Bloc is a managed land parcel. Its area is fixed once created.
type Bloc struct {
	ID           string  `json:"id"`
	Name         string  `json:"name" validate:"required"`
	AreaHectares float64 `json:"area_hectares" validate:"gt=0"`
}

// RecordID implements Record.
func (b Bloc) RecordID() string { return b.ID }

// Kind implements Record.
func (Bloc) Kind() NodeKind { return KindBloc }

// ParentID implements Record.
func (Bloc) ParentID() string { return "" }

// Reidentify implements Record.
func (b Bloc) Reidentify(from, to string) (Record, bool) {
	if b.ID != from {
		return b, false
	}
	b.ID = to
	return b, true
}

// CycleTotals carries the derived rollup of a crop cycle. Monetary values are
// rounded to two decimal places.
type CycleTotals struct {
	EstimatedTotalCost     decimal.Decimal `json:"estimated_total_cost"`
	ActualTotalCost        decimal.Decimal `json:"actual_total_cost"`
	TotalRevenue           decimal.Decimal `json:"total_revenue"`
	NetProfit              decimal.Decimal `json:"net_profit"`
	ProfitPerHectare       decimal.Decimal `json:"profit_per_hectare"`
	ProfitMarginPercent    decimal.Decimal `json:"profit_margin_percent"`
	ExpectedTotalYieldTons float64         `json:"expected_total_yield_tons"`
	ActualYieldTons        float64         `json:"actual_yield_tons"`
	ActualYieldTonsPerHa   float64         `json:"actual_yield_tons_per_ha"`
}

// Equal reports whether two rollups carry the same values.
func (t CycleTotals) Equal(o CycleTotals) bool {
	return t.EstimatedTotalCost.Equal(o.EstimatedTotalCost) &&
		t.ActualTotalCost.Equal(o.ActualTotalCost) &&
		t.TotalRevenue.Equal(o.TotalRevenue) &&
		t.NetProfit.Equal(o.NetProfit) &&
		t.ProfitPerHectare.Equal(o.ProfitPerHectare) &&
		t.ProfitMarginPercent.Equal(o.ProfitMarginPercent) &&
		t.ExpectedTotalYieldTons == o.ExpectedTotalYieldTons &&
		t.ActualYieldTons == o.ActualYieldTons &&
		t.ActualYieldTonsPerHa == o.ActualYieldTonsPerHa
}

// CropCycle is one plantation or ratoon on a bloc. Totals are derived by the
// aggregation engine and GrowthStage is filled in on read; neither is hand-set.
type CropCycle struct {
	ID                     string      `json:"id"`
	BlocID                 string      `json:"bloc_id" validate:"required"`
	Type                   CycleType   `json:"type" validate:"oneof=plantation ratoon"`
	CycleNumber            int         `json:"cycle_number" validate:"gte=1"`
	Status                 CycleStatus `json:"status" validate:"oneof=active closed"`
	PlantingDate           time.Time   `json:"planting_date" validate:"required"`
	PlannedHarvestDate     time.Time   `json:"planned_harvest_date"`
	HarvestDate            *time.Time  `json:"harvest_date,omitempty"`
	ExpectedYieldTonsPerHa float64     `json:"expected_yield_tons_per_ha" validate:"gte=0"`
	Totals                 CycleTotals `json:"totals"`
	GrowthStage            GrowthStage `json:"growth_stage,omitempty"`
}

// RecordID implements Record.
func (c CropCycle) RecordID() string { return c.ID }

// Kind implements Record.
func (CropCycle) Kind() NodeKind { return KindCropCycle }

// ParentID implements Record.
func (c CropCycle) ParentID() string { return c.BlocID }

// Reidentify implements Record.
func (c CropCycle) Reidentify(from, to string) (Record, bool) {
	changed := false
	if c.ID == from {
		c.ID, changed = to, true
	}
	if c.BlocID == from {
		c.BlocID, changed = to, true
	}
	return c, changed
}

// Active reports whether the cycle still accepts operation edits.
func (c CropCycle) Active() bool { return c.Status == CycleActive }

// LineItem is a product, equipment or resource entry attached to an operation or
// work package.
type LineItem struct {
	ID              string          `json:"id"`
	OwnerID         string          `json:"owner_id"`
	Category        LineCategory    `json:"category" validate:"oneof=product equipment resource"`
	Name            string          `json:"name" validate:"required"`
	Unit            string          `json:"unit,omitempty"`
	PlannedQuantity float64         `json:"planned_quantity" validate:"gte=0"`
	ActualQuantity  float64         `json:"actual_quantity" validate:"gte=0"`
	EstimatedCost   decimal.Decimal `json:"estimated_cost" validate:"gte=0"`
	ActualCost      decimal.Decimal `json:"actual_cost" validate:"gte=0"`
}

// RecordID implements Record.
func (l LineItem) RecordID() string { return l.ID }

// Kind implements Record.
func (LineItem) Kind() NodeKind { return KindLineItem }

// ParentID implements Record.
func (l LineItem) ParentID() string { return l.OwnerID }

// Reidentify implements Record.
func (l LineItem) Reidentify(from, to string) (Record, bool) {
	changed := false
	if l.ID == from {
		l.ID, changed = to, true
	}
	if l.OwnerID == from {
		l.OwnerID, changed = to, true
	}
	return l, changed
}

// FieldOperation is a planned activity (fertilising, planting, weeding, ...) in a
// crop cycle. EstimatedCost and ActualCost are rollups.
type FieldOperation struct {
	ID               string          `json:"id"`
	CropCycleID      string          `json:"crop_cycle_id" validate:"required"`
	Name             string          `json:"name" validate:"required"`
	Method           string          `json:"method,omitempty"`
	PlannedStartDate time.Time       `json:"planned_start_date"`
	PlannedEndDate   time.Time       `json:"planned_end_date"`
	PlannedArea      float64         `json:"planned_area" validate:"gte=0"`
	ActualArea       float64         `json:"actual_area" validate:"gte=0"`
	Status           OperationStatus `json:"status" validate:"oneof=planned in-progress completed cancelled"`
	LineItems        []LineItem      `json:"line_items,omitempty" validate:"dive"`
	EstimatedCost    decimal.Decimal `json:"estimated_cost"`
	ActualCost       decimal.Decimal `json:"actual_cost"`
}

// RecordID implements Record.
func (o FieldOperation) RecordID() string { return o.ID }

// Kind implements Record.
func (FieldOperation) Kind() NodeKind { return KindFieldOperation }

// ParentID implements Record.
func (o FieldOperation) ParentID() string { return o.CropCycleID }

// Reidentify implements Record.
func (o FieldOperation) Reidentify(from, to string) (Record, bool) {
	changed := false
	if o.ID == from {
		o.ID, changed = to, true
	}
	if o.CropCycleID == from {
		o.CropCycleID, changed = to, true
	}
	if items, ok := reidentifyLines(o.LineItems, from, to); ok {
		o.LineItems, changed = items, true
	}
	return o, changed
}

// WorkPackage is a dated unit of work inside an operation. Quantity,
// EstimatedCost and ActualCost are derived.
type WorkPackage struct {
	ID               string            `json:"id"`
	FieldOperationID string            `json:"field_operation_id" validate:"required"`
	Date             time.Time         `json:"date"`
	PlannedArea      float64           `json:"planned_area" validate:"gte=0"`
	ActualArea       float64           `json:"actual_area" validate:"gte=0"`
	Rate             float64           `json:"rate" validate:"gte=0"`
	Quantity         float64           `json:"quantity"`
	Status           WorkPackageStatus `json:"status" validate:"oneof=not-started in-progress completed"`
	LineItems        []LineItem        `json:"line_items,omitempty" validate:"dive"`
	EstimatedCost    decimal.Decimal   `json:"estimated_cost"`
	ActualCost       decimal.Decimal   `json:"actual_cost"`
}

// RecordID implements Record.
func (w WorkPackage) RecordID() string { return w.ID }

// Kind implements Record.
func (WorkPackage) Kind() NodeKind { return KindWorkPackage }

// ParentID implements Record.
func (w WorkPackage) ParentID() string { return w.FieldOperationID }

// Reidentify implements Record.
func (w WorkPackage) Reidentify(from, to string) (Record, bool) {
	changed := false
	if w.ID == from {
		w.ID, changed = to, true
	}
	if w.FieldOperationID == from {
		w.FieldOperationID, changed = to, true
	}
	if items, ok := reidentifyLines(w.LineItems, from, to); ok {
		w.LineItems, changed = items, true
	}
	return w, changed
}

// RevenueEntry is an observation-sourced sale or harvest record. The cache only
// reads these.
type RevenueEntry struct {
	ID          string          `json:"id"`
	CropCycleID string          `json:"crop_cycle_id"`
	Date        time.Time       `json:"date"`
	Amount      decimal.Decimal `json:"amount"`
	Tons        float64         `json:"tons"`
}

// LineItemsOf returns the line items carried by an operation or work package.
func LineItemsOf(r Record) []LineItem {
	switch v := r.(type) {
	case FieldOperation:
		return v.LineItems
	case WorkPackage:
		return v.LineItems
	default:
		return nil
	}
}

// WithLineItems returns a copy of an operation or work package carrying items.
func WithLineItems(r Record, items []LineItem) (Record, bool) {
	switch v := r.(type) {
	case FieldOperation:
		v.LineItems = items
		return v, true
	case WorkPackage:
		v.LineItems = items
		return v, true
	default:
		return r, false
	}
}

func reidentifyLines(items []LineItem, from, to string) ([]LineItem, bool) {
	var out []LineItem
	for i, item := range items {
		next, ok := item.Reidentify(from, to)
		if !ok {
			continue
		}
		if out == nil {
			out = make([]LineItem, len(items))
			copy(out, items)
		}
		out[i] = next.(LineItem)
	}
	if out == nil {
		return items, false
	}
	return out, true
}
