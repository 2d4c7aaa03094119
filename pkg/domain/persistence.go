package domain

import "context"

// BlocSnapshot is the flat, foreign-keyed form of one bloc's records as the
// backend stores them. Line items travel inside their owning record.
type BlocSnapshot struct {
	Bloc         Bloc             `json:"bloc"`
	Cycles       []CropCycle      `json:"cycles"`
	Operations   []FieldOperation `json:"operations"`
	WorkPackages []WorkPackage    `json:"work_packages"`
}

// Backend is the remote persistence contract the cache writes through. Every
// failure is treated as an opaque RemoteError.
type Backend interface {
	CreateNode(ctx context.Context, kind NodeKind, record Record) (string, error)
	UpdateNode(ctx context.Context, kind NodeKind, id string, record Record) error
	DeleteNode(ctx context.Context, kind NodeKind, id string) error
	FetchSubtree(ctx context.Context, blocID string) (BlocSnapshot, error)
}

// TotalsWriter is implemented by backends that keep their own copy of the cycle
// rollup. The returned totals are the backend's view after the write.
type TotalsWriter interface {
	WriteCycleTotals(ctx context.Context, cycleID string, totals CycleTotals) (CycleTotals, error)
}

// RevenueFeed supplies observation-sourced revenue per crop cycle.
type RevenueFeed interface {
	RevenueEntries(cycleID string) []RevenueEntry
}

// StaticRevenue is a RevenueFeed over a fixed map.
type StaticRevenue map[string][]RevenueEntry

// RevenueEntries implements RevenueFeed.
func (s StaticRevenue) RevenueEntries(cycleID string) []RevenueEntry {
	return s[cycleID]
}
