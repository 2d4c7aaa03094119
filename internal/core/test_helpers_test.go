package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fieldops/internal/infra/persistence/memory"
	"fieldops/pkg/domain"
)

var (
	planted  = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	fixedNow = planted.AddDate(0, 0, 100)
)

func fixedClock() ServiceOption {
	return WithClock(ClockFunc(func() time.Time { return fixedNow }))
}

// seededBackend holds bloc b1 (25.5 ha) with active plantation c1 and the
// "Base Fertilizer" operation op1 carrying line item li1 estimated at 18000.
func seededBackend(opts ...memory.Option) *memory.Store {
	store := memory.NewStore(opts...)
	store.ImportState(memory.Snapshot{
		Blocs: map[string]domain.Bloc{"b1": {ID: "b1", Name: "North", AreaHectares: 25.5}},
		Cycles: map[string]domain.CropCycle{"c1": {
			ID: "c1", BlocID: "b1", Type: domain.CyclePlantation, CycleNumber: 1, Status: domain.CycleActive,
			PlantingDate: planted, PlannedHarvestDate: planted.AddDate(1, 0, 0), ExpectedYieldTonsPerHa: 80,
		}},
		Operations: map[string]domain.FieldOperation{"op1": {
			ID: "op1", CropCycleID: "c1", Name: "Base Fertilizer", PlannedArea: 25.5, Status: domain.OperationPlanned,
		}},
		LineItems: []domain.LineItem{baseFertilizerLine()},
	})
	return store
}

func baseFertilizerLine() domain.LineItem {
	return domain.LineItem{
		ID: "li1", OwnerID: "op1", Category: domain.LineProduct, Name: "Urea", Unit: "kg",
		PlannedQuantity: 500, EstimatedCost: decimal.NewFromInt(18000),
	}
}

func newSeededService(t *testing.T, backend *memory.Store, opts ...ServiceOption) *Service {
	t.Helper()
	svc := NewService(backend, append([]ServiceOption{fixedClock()}, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})
	if _, err := svc.Fetch(context.Background(), "b1"); err != nil {
		t.Fatalf("fetch seeded bloc: %v", err)
	}
	return svc
}

type auditRecorderStub struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (a *auditRecorderStub) Record(_ context.Context, entry AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
}

func (a *auditRecorderStub) recorded() []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]AuditEntry, len(a.entries))
	copy(out, a.entries)
	return out
}

func mustCycle(t *testing.T, svc *Service, id string) domain.CropCycle {
	t.Helper()
	cycle, ok := svc.Cycle(id)
	if !ok {
		t.Fatalf("cycle %s not cached", id)
	}
	return cycle
}
