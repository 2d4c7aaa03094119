package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldops/internal/blob"
	"fieldops/internal/core"
	"fieldops/internal/infra/persistence/memory"
	"fieldops/internal/observability"
	"fieldops/pkg/domain"
)

var planted = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

func newArchive(store blob.Store) *Archive {
	n := 0
	return New(store,
		WithInstruments(observability.Instruments{Clock: func() time.Time { return planted }}),
		WithIDGenerator(func() string { n++; return fmt.Sprintf("id%d", n) }),
	)
}

func seeded() *memory.Store {
	store := memory.NewStore()
	store.ImportState(memory.Snapshot{
		Blocs: map[string]domain.Bloc{"b1": {ID: "b1", Name: "North", AreaHectares: 25.5}},
		Cycles: map[string]domain.CropCycle{"c1": {
			ID: "c1", BlocID: "b1", Type: domain.CyclePlantation, CycleNumber: 1, Status: domain.CycleActive,
			PlantingDate: planted, PlannedHarvestDate: planted.AddDate(1, 0, 0), ExpectedYieldTonsPerHa: 80,
		}},
		Operations: map[string]domain.FieldOperation{"op1": {
			ID: "op1", CropCycleID: "c1", Name: "Base Fertilizer", PlannedArea: 25.5, Status: domain.OperationPlanned,
		}},
		LineItems: []domain.LineItem{{
			ID: "li1", OwnerID: "op1", Category: domain.LineProduct, Name: "Urea", Unit: "kg",
			PlannedQuantity: 500, EstimatedCost: decimal.NewFromInt(18000),
		}},
	})
	return store
}

func closeService(t *testing.T, svc *core.Service) {
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})
}

func TestSaveWritesChronologicalKeys(t *testing.T) {
	a := newArchive(blob.NewMemory())
	ctx := context.Background()

	first, err := a.Save(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "snapshots/20240201T000000.000000000Z-id1.json", first.Key)

	second, err := a.Save(ctx, []domain.BlocSnapshot{{Bloc: domain.Bloc{ID: "b9", Name: "South", AreaHectares: 3}}})
	require.NoError(t, err)

	latest, err := a.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.Key, latest.Key)

	doc, err := a.Load(ctx, latest.Key)
	require.NoError(t, err)
	assert.Equal(t, FormatVersion, doc.Version)
	require.Len(t, doc.Blocs, 1)
	assert.Equal(t, "b9", doc.Blocs[0].Bloc.ID)
	assert.Equal(t, planted, doc.CreatedAt)
}

func TestLatestWithoutArchives(t *testing.T) {
	a := newArchive(blob.NewMemory())
	_, err := a.Latest(context.Background())
	assert.ErrorIs(t, err, ErrNoArchive)

	_, err = a.Load(context.Background(), "snapshots/missing.json")
	assert.ErrorIs(t, err, ErrNoArchive)
}

func TestLoadRejectsUnknownVersion(t *testing.T) {
	store := blob.NewMemory()
	_, err := store.Put(context.Background(), "snapshots/x.json", strings.NewReader(`{"version":7,"blocs":[]}`), blob.PutOptions{})
	require.NoError(t, err)
	_, err = New(store).Load(context.Background(), "snapshots/x.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported version 7")
}

func TestListIgnoresOtherPrefixes(t *testing.T) {
	store := blob.NewMemory()
	_, err := store.Put(context.Background(), "exports/report.json", strings.NewReader("{}"), blob.PutOptions{})
	require.NoError(t, err)
	a := newArchive(store)
	_, err = a.Save(context.Background(), nil)
	require.NoError(t, err)
	infos, err := a.List(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.True(t, strings.HasPrefix(infos[0].Key, DefaultPrefix))
}

func TestWithPrefixAddsSeparator(t *testing.T) {
	a := New(blob.NewMemory(), WithPrefix("estate-7"))
	info, err := a.Save(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(info.Key, "estate-7/"), info.Key)
}

func TestPruneKeepsNewest(t *testing.T) {
	a := newArchive(blob.NewMemory())
	ctx := context.Background()
	var keys []string
	for range 4 {
		info, err := a.Save(ctx, nil)
		require.NoError(t, err)
		keys = append(keys, info.Key)
	}
	removed, err := a.Prune(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	infos, err := a.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, keys[3], infos[0].Key)
}

func TestSnapshotAndRestoreWarmStartSession(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory()
	a := newArchive(store)

	svc := core.NewService(seeded())
	closeService(t, svc)
	_, err := svc.Fetch(ctx, "b1")
	require.NoError(t, err)
	_, err = a.Snapshot(ctx, svc)
	require.NoError(t, err)

	offline := memory.NewStore(memory.WithFault(func(memory.Call) error { return errors.New("offline") }))
	warm := core.NewService(offline)
	closeService(t, warm)
	doc, err := newArchive(store).Restore(ctx, warm)
	require.NoError(t, err)
	require.Len(t, doc.Blocs, 1)

	root, err := warm.Fetch(ctx, "b1")
	require.NoError(t, err, "restored blocs are served without the backend")
	assert.Equal(t, 3, root.Count())
	totals, err := warm.Totals("c1")
	require.NoError(t, err)
	assert.True(t, totals.EstimatedTotalCost.Equal(decimal.NewFromInt(18000)), totals.EstimatedTotalCost.String())
}

func TestRestoreWithoutArchiveLeavesSessionEmpty(t *testing.T) {
	warm := core.NewInMemoryService()
	closeService(t, warm)
	_, err := newArchive(blob.NewMemory()).Restore(context.Background(), warm)
	assert.ErrorIs(t, err, ErrNoArchive)
	assert.Empty(t, warm.Export())
}
