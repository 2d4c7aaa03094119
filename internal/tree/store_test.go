package tree

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldops/pkg/domain"
)

var planted = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

func fixtureSnapshot() domain.BlocSnapshot {
	return domain.BlocSnapshot{
		Bloc: domain.Bloc{ID: "b1", Name: "North", AreaHectares: 25.5},
		Cycles: []domain.CropCycle{
			{ID: "c1", BlocID: "b1", Type: domain.CyclePlantation, CycleNumber: 1, Status: domain.CycleActive, PlantingDate: planted},
		},
		Operations: []domain.FieldOperation{
			{ID: "op2", CropCycleID: "c1", Name: "Weeding", PlannedArea: 10, Status: domain.OperationPlanned, PlannedStartDate: planted.AddDate(0, 1, 0)},
			{ID: "op1", CropCycleID: "c1", Name: "Base Fertilizer", PlannedArea: 25.5, Status: domain.OperationPlanned, PlannedStartDate: planted,
				LineItems: []domain.LineItem{{ID: "li1", OwnerID: "op1", Category: domain.LineProduct, Name: "NPK", EstimatedCost: decimal.NewFromInt(18000)}}},
		},
		WorkPackages: []domain.WorkPackage{
			{ID: "wp1", FieldOperationID: "op1", PlannedArea: 12, Date: planted, Status: domain.WorkNotStarted},
		},
	}
}

func hydrated(t *testing.T, opts ...Option) (*Store, *Node) {
	t.Helper()
	s := NewStore(opts...)
	root, err := s.Hydrate(Build(fixtureSnapshot()))
	require.NoError(t, err)
	return s, root
}

func TestBuildOrdersChildrenAndFlattenRoundTrips(t *testing.T) {
	root := Build(fixtureSnapshot())
	cycle := root.Children[0]
	require.Len(t, cycle.Children, 2)
	assert.Equal(t, "op1", cycle.Children[0].ID(), "operations ordered by planned start")
	assert.Equal(t, 5, root.Count())

	flat := Flatten(root)
	assert.Equal(t, "b1", flat.Bloc.ID)
	assert.Len(t, flat.Operations, 2)
	assert.Len(t, flat.WorkPackages, 1)
	assert.Equal(t, root, Build(flat))
}

func TestIndexResolvesPaths(t *testing.T) {
	s, _ := hydrated(t)
	p, ok := s.PathOf("wp1")
	require.True(t, ok)
	assert.Equal(t, NewPath("b1", "c1", "op1", "wp1"), p)

	n, ok := s.Get(p)
	require.True(t, ok)
	assert.Equal(t, domain.KindWorkPackage, n.Kind())

	_, ok = s.Get(NewPath("b1", "c1", "missing"))
	assert.False(t, ok)
}

func TestApplyDeltaCopiesOnlyTheSpine(t *testing.T) {
	s, before := hydrated(t)
	op, _ := s.Get(NewPath("b1", "c1", "op2"))
	updated := op.Record.(domain.FieldOperation)
	updated.ActualArea = 4

	_, after, err := s.ApplyDelta(NewPath("b1", "c1", "op2"), SetRecord{Record: updated}, nil)
	require.NoError(t, err)
	assert.NotSame(t, before, after)
	assert.NotSame(t, before.Children[0], after.Children[0])
	assert.Same(t, before.Children[0].Children[0], after.Children[0].Children[0], "untouched sibling is shared")
	assert.Equal(t, 4.0, after.Children[0].Children[1].Record.(domain.FieldOperation).ActualArea)
}

func TestRestoreIsExactWhenNothingElseChanged(t *testing.T) {
	s, before := hydrated(t)
	wp := NewNode(domain.WorkPackage{ID: "wp2", FieldOperationID: "op1"})
	tok, _, err := s.ApplyDelta(NewPath("b1", "c1", "op1"), InsertChild{Node: wp, Index: -1}, nil)
	require.NoError(t, err)
	_, ok := s.PathOf("wp2")
	require.True(t, ok)

	require.NoError(t, s.Restore(tok))
	current, _ := s.Bloc("b1")
	assert.Same(t, before, current)
	_, ok = s.PathOf("wp2")
	assert.False(t, ok, "restored index drops the inserted node")
}

func TestRestoreKeepsUnrelatedEdits(t *testing.T) {
	s, _ := hydrated(t)
	op1, _ := s.Get(NewPath("b1", "c1", "op1"))
	first := op1.Record.(domain.FieldOperation)
	first.Method = "broadcast"
	tok, _, err := s.ApplyDelta(NewPath("b1", "c1", "op1"), SetRecord{Record: first}, nil)
	require.NoError(t, err)

	op2, _ := s.Get(NewPath("b1", "c1", "op2"))
	second := op2.Record.(domain.FieldOperation)
	second.Method = "manual"
	_, _, err = s.ApplyDelta(NewPath("b1", "c1", "op2"), SetRecord{Record: second}, nil)
	require.NoError(t, err)

	require.NoError(t, s.Restore(tok))
	got1, _ := s.Get(NewPath("b1", "c1", "op1"))
	got2, _ := s.Get(NewPath("b1", "c1", "op2"))
	assert.Equal(t, "", got1.Record.(domain.FieldOperation).Method)
	assert.Equal(t, "manual", got2.Record.(domain.FieldOperation).Method)
}

func TestRemoveCascadesIndexAndRestoreReinserts(t *testing.T) {
	s, _ := hydrated(t)
	tok, err := s.Remove(NewPath("b1", "c1", "op1"))
	require.NoError(t, err)
	_, ok := s.PathOf("wp1")
	assert.False(t, ok)

	require.NoError(t, s.Restore(tok))
	p, ok := s.PathOf("wp1")
	require.True(t, ok)
	assert.Equal(t, NewPath("b1", "c1", "op1", "wp1"), p)
	cycle, _ := s.Get(NewPath("b1", "c1"))
	assert.Equal(t, "op1", cycle.Children[0].ID(), "original position restored")
}

func TestGuardRejectionLeavesStoreUntouched(t *testing.T) {
	s, before := hydrated(t)
	boom := errors.New("rejected")
	_, _, err := s.ApplyDelta(NewPath("b1", "c1"), RemoveChild{ID: "op1"}, func(_, _ *Node) error { return boom })
	require.ErrorIs(t, err, boom)
	current, _ := s.Bloc("b1")
	assert.Same(t, before, current)
	_, ok := s.PathOf("wp1")
	assert.True(t, ok)
}

func TestMissingSegmentReturnsNodeNotFound(t *testing.T) {
	s, _ := hydrated(t)
	_, _, err := s.ApplyDelta(NewPath("b1", "nope", "op1"), RemoveChild{ID: "wp1"}, nil)
	var nf domain.NodeNotFound
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "nope", nf.ID)

	_, _, err = s.ApplyDelta(NewPath("ghost"), SetRecord{Record: domain.Bloc{ID: "ghost"}}, nil)
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, domain.KindBloc, nf.Kind)
}

func TestReplaceRenamesAndReindexes(t *testing.T) {
	s, _ := hydrated(t)
	p, n, ok := s.Lookup("op1")
	require.True(t, ok)
	renamed, count := Reidentify(n, "op1", "op-9")
	assert.Equal(t, 2, count, "operation record and its work package")

	_, err := s.Replace(p, renamed)
	require.NoError(t, err)
	_, ok = s.PathOf("op1")
	assert.False(t, ok)
	wpPath, ok := s.PathOf("wp1")
	require.True(t, ok)
	assert.Equal(t, NewPath("b1", "c1", "op-9", "wp1"), wpPath)
	wp, _ := s.Get(wpPath)
	assert.Equal(t, "op-9", wp.Record.(domain.WorkPackage).FieldOperationID)
}

func TestEvictMakesTokensStale(t *testing.T) {
	var events []Event
	s, _ := hydrated(t, WithObserver(func(ev Event) { events = append(events, ev) }))
	tok, err := s.Remove(NewPath("b1", "c1", "op2"))
	require.NoError(t, err)
	assert.True(t, s.Live(tok))
	assert.True(t, s.Evict("b1"))
	assert.False(t, s.Live(tok))
	assert.ErrorIs(t, s.Restore(tok), ErrStaleToken)
	assert.Empty(t, s.Blocs())

	require.Len(t, events, 3)
	assert.Equal(t, CauseHydrate, events[0].Cause)
	assert.Equal(t, []string{"c1"}, events[1].CycleIDs)
	assert.Equal(t, CauseEvict, events[2].Cause)
}

func TestRootLevelInsertAndRestore(t *testing.T) {
	s := NewStore()
	tok, root, err := s.ApplyDelta(Path{}, InsertChild{Node: NewNode(domain.Bloc{ID: "tmp-1", Name: "New", AreaHectares: 3})}, nil)
	require.NoError(t, err)
	assert.Equal(t, "tmp-1", root.ID())
	gen, ok := s.Generation("tmp-1")
	require.True(t, ok)
	assert.NotZero(t, gen)

	require.NoError(t, s.Restore(tok))
	_, ok = s.Bloc("tmp-1")
	assert.False(t, ok)
}

func TestReducerRunsOnEnclosingCycle(t *testing.T) {
	var seen []string
	reducer := func(bloc *Node, cycleID string) *Node {
		seen = append(seen, cycleID)
		return bloc
	}
	s, _ := hydrated(t, WithReducer(reducer))
	_, err := s.Remove(NewPath("b1", "c1", "op1", "wp1"))
	require.NoError(t, err)
	assert.Equal(t, []string{AllCycles, "c1"}, seen)
}

func TestCycleReadDerivesGrowthStage(t *testing.T) {
	now := planted.AddDate(0, 0, 45)
	s, _ := hydrated(t, WithNowFunc(func() time.Time { return now }))
	c, ok := s.Cycle("c1")
	require.True(t, ok)
	assert.Equal(t, domain.StageTillering, c.GrowthStage)

	raw, _ := s.Get(NewPath("b1", "c1"))
	assert.Empty(t, raw.Record.(domain.CropCycle).GrowthStage, "stage is never stored")

	now = planted.AddDate(0, 0, 200)
	cycles := s.Cycles("b1")
	require.Len(t, cycles, 1)
	assert.Equal(t, domain.StageGrandGrowth, cycles[0].GrowthStage)
}

func TestExportImportState(t *testing.T) {
	s, _ := hydrated(t)
	state := s.ExportState()
	other := NewStore()
	require.NoError(t, other.ImportState(state))
	assert.Equal(t, s.Blocs(), other.Blocs())
	a, _ := s.Bloc("b1")
	b, _ := other.Bloc("b1")
	assert.Equal(t, a, b)
}

func TestPathHelpers(t *testing.T) {
	p := NewPath("b1", "c1", "op1")
	assert.Equal(t, "b1", p.BlocID())
	id, ok := p.CycleID()
	assert.True(t, ok)
	assert.Equal(t, "c1", id)
	assert.Equal(t, NewPath("b1", "c1"), p.Parent())
	assert.Equal(t, NewPath("b1", "c1", "op1", "wp1"), p.Child("wp1"))
	assert.Equal(t, NewPath("b1", "c1", "op9"), p.WithLast("op9"))
	assert.Equal(t, "/b1/c1/op1", p.String())
	_, ok = NewPath("b1").CycleID()
	assert.False(t, ok)
}
