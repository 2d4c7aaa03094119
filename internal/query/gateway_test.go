package query

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldops/internal/mutation"
	"fieldops/internal/observability"
	"fieldops/internal/tree"
	"fieldops/pkg/domain"
)

var planted = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

type fakeFetcher struct {
	mu    sync.Mutex
	blocs map[string]domain.BlocSnapshot
	fail  error
	calls atomic.Int32
	gate  chan struct{}
}

func newFakeFetcher(names ...string) *fakeFetcher {
	f := &fakeFetcher{blocs: make(map[string]domain.BlocSnapshot)}
	for _, id := range names {
		f.set(id, "North")
	}
	return f
}

func (f *fakeFetcher) set(id, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocs[id] = domain.BlocSnapshot{
		Bloc: domain.Bloc{ID: id, Name: name, AreaHectares: 25.5},
		Cycles: []domain.CropCycle{{ID: id + "-c1", BlocID: id, Type: domain.CyclePlantation, CycleNumber: 1,
			Status: domain.CycleActive, PlantingDate: planted}},
		Operations: []domain.FieldOperation{{ID: id + "-op1", CropCycleID: id + "-c1", Name: "Weeding",
			Status: domain.OperationPlanned, PlannedStartDate: planted}},
	}
}

func (f *fakeFetcher) FetchSubtree(ctx context.Context, blocID string) (domain.BlocSnapshot, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return domain.BlocSnapshot{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return domain.BlocSnapshot{}, f.fail
	}
	snap, ok := f.blocs[blocID]
	if !ok {
		return domain.BlocSnapshot{}, &domain.RemoteError{Kind: domain.RemoteNotFound, Message: blocID}
	}
	return snap, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newGateway(f Fetcher, opts ...Option) (*Gateway, *tree.Store, *observability.ExpvarMetricsRecorder, *clock) {
	store := tree.NewStore()
	metrics := observability.NewExpvarMetricsRecorder("")
	clk := &clock{now: planted}
	opts = append([]Option{WithInstruments(observability.Instruments{Metrics: metrics, Clock: clk.Now})}, opts...)
	return New(store, f, opts...), store, metrics, clk
}

func blocName(t *testing.T, root *tree.Node) string {
	t.Helper()
	require.NotNil(t, root)
	return root.Record.(domain.Bloc).Name
}

func TestFetchMissThenHit(t *testing.T) {
	f := newFakeFetcher("b1")
	g, store, metrics, _ := newGateway(f)
	ctx := context.Background()

	root, err := g.Fetch(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "North", blocName(t, root))
	cached, ok := store.Bloc("b1")
	require.True(t, ok)
	assert.Same(t, cached, root)

	again, err := g.Fetch(ctx, "b1")
	require.NoError(t, err)
	assert.Same(t, root, again)
	assert.Equal(t, int32(1), f.calls.Load())

	snap := metrics.Snapshot()
	assert.Equal(t, int64(1), snap.Events[observability.EventCacheMiss])
	assert.Equal(t, int64(1), snap.Events[observability.EventCacheHit])
	assert.Equal(t, int64(1), snap.Results["fetch_subtree"]["success"])
}

func TestConcurrentFetchesShareOneBackendCall(t *testing.T) {
	f := newFakeFetcher("b1")
	f.gate = make(chan struct{})
	g, _, _, _ := newGateway(f)

	var wg sync.WaitGroup
	roots := make([]*tree.Node, 8)
	for i := range roots {
		wg.Add(1)
		go func() {
			defer wg.Done()
			root, err := g.Fetch(context.Background(), "b1")
			assert.NoError(t, err)
			roots[i] = root
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(f.gate)
	wg.Wait()

	assert.Equal(t, int32(1), f.calls.Load())
	for _, r := range roots {
		assert.Same(t, roots[0], r)
	}
}

func TestExpiredEntryIsRefetched(t *testing.T) {
	f := newFakeFetcher("b1")
	g, _, _, clk := newGateway(f, WithTTL(time.Minute))
	ctx := context.Background()

	_, err := g.Fetch(ctx, "b1")
	require.NoError(t, err)
	clk.Advance(59 * time.Second)
	assert.False(t, g.Stale("b1"))

	clk.Advance(time.Second)
	assert.True(t, g.Stale("b1"))
	f.set("b1", "North renamed")
	root, err := g.Fetch(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "North renamed", blocName(t, root))
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestInvalidateMarksStaleWithoutBlockingReaders(t *testing.T) {
	f := newFakeFetcher("b1")
	g, store, _, _ := newGateway(f)
	ctx := context.Background()
	_, err := g.Fetch(ctx, "b1")
	require.NoError(t, err)

	assert.True(t, g.Invalidate("b1-op1"), "any node id resolves to its bloc")
	assert.True(t, g.Stale("b1"))
	_, ok := store.Bloc("b1")
	assert.True(t, ok, "cached tree stays readable")
	assert.False(t, g.Invalidate("unknown"))

	_, err = g.Fetch(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.calls.Load())
	assert.False(t, g.Stale("b1"))
}

func TestRefetchDeferredWhileMutationInFlight(t *testing.T) {
	f := newFakeFetcher("b1")
	tracker := mutation.NewTracker()
	g, store, metrics, _ := newGateway(f, WithInFlight(tracker))
	ctx := context.Background()

	first, err := g.Fetch(ctx, "b1")
	require.NoError(t, err)

	tracker.Begin("b1")
	f.set("b1", "Server copy")
	g.Invalidate("b1")
	root, err := g.Fetch(ctx, "b1")
	require.NoError(t, err)
	assert.Same(t, first, root, "local tree served while the mutation is pending")
	assert.True(t, g.Deferred("b1"))
	assert.Equal(t, int64(1), metrics.Snapshot().Events[observability.EventFetchDeferred])

	_, err = g.Fetch(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.calls.Load(), "no extra backend call while deferred")

	tracker.End("b1")
	g.Wait()
	assert.False(t, g.Deferred("b1"))
	cur, ok := store.Bloc("b1")
	require.True(t, ok)
	assert.Equal(t, "Server copy", blocName(t, cur))
	assert.False(t, g.Stale("b1"))
}

// pausingFetcher takes its snapshot and then, when armed, holds the response
// until released.
type pausingFetcher struct {
	*fakeFetcher
	armed   atomic.Bool
	read    chan struct{}
	release chan struct{}
}

func newPausingFetcher(f *fakeFetcher) *pausingFetcher {
	return &pausingFetcher{fakeFetcher: f, read: make(chan struct{}), release: make(chan struct{})}
}

func (p *pausingFetcher) FetchSubtree(ctx context.Context, blocID string) (domain.BlocSnapshot, error) {
	snap, err := p.fakeFetcher.FetchSubtree(ctx, blocID)
	if p.armed.CompareAndSwap(true, false) {
		close(p.read)
		<-p.release
	}
	return snap, err
}

// renamingBackend writes bloc renames through to the fake fetcher's data.
type renamingBackend struct {
	*fakeFetcher
}

func (b renamingBackend) CreateNode(context.Context, domain.NodeKind, domain.Record) (string, error) {
	return "", errors.New("create not supported")
}

func (b renamingBackend) UpdateNode(_ context.Context, _ domain.NodeKind, id string, record domain.Record) error {
	if bloc, ok := record.(domain.Bloc); ok {
		b.set(id, bloc.Name)
	}
	return nil
}

func (b renamingBackend) DeleteNode(context.Context, domain.NodeKind, string) error { return nil }

func TestReadTakenBeforeCommitDoesNotOverwriteIt(t *testing.T) {
	f := newFakeFetcher("b1")
	pf := newPausingFetcher(f)
	tracker := mutation.NewTracker()
	g, store, _, _ := newGateway(pf, WithInFlight(tracker))
	coord := mutation.New(store, renamingBackend{f}, mutation.WithTracker(tracker))
	ctx := context.Background()

	_, err := g.Fetch(ctx, "b1")
	require.NoError(t, err)

	g.Invalidate("b1")
	pf.armed.Store(true)
	done := make(chan *tree.Node, 1)
	go func() {
		root, err := g.Fetch(ctx, "b1")
		assert.NoError(t, err)
		done <- root
	}()
	<-pf.read

	_, err = coord.Execute(ctx, mutation.RenameBloc{BlocID: "b1", NewName: "South"})
	require.NoError(t, err)
	cur, _ := store.Bloc("b1")
	require.Equal(t, "South", blocName(t, cur))

	close(pf.release)
	select {
	case root := <-done:
		assert.Equal(t, "South", blocName(t, root), "the older read is not merged")
	case <-time.After(2 * time.Second):
		t.Fatalf("fetch did not return")
	}
	g.Wait()

	cur, _ = store.Bloc("b1")
	assert.Equal(t, "South", blocName(t, cur))
	assert.Equal(t, int32(3), f.calls.Load(), "the read is re-issued after the commit")
	assert.False(t, g.Stale("b1"))
}

func TestDeferredRefetchIsSharedWithReaders(t *testing.T) {
	f := newFakeFetcher("b1")
	tracker := mutation.NewTracker()
	g, store, _, _ := newGateway(f, WithInFlight(tracker))
	ctx := context.Background()
	_, err := g.Fetch(ctx, "b1")
	require.NoError(t, err)

	tracker.Begin("b1")
	g.Invalidate("b1")
	_, err = g.Fetch(ctx, "b1")
	require.NoError(t, err)
	require.True(t, g.Deferred("b1"))

	f.set("b1", "Server copy")
	f.gate = make(chan struct{})
	tracker.End("b1")
	require.Eventually(t, func() bool { return f.calls.Load() == 3 }, 2*time.Second, 5*time.Millisecond)

	done := make(chan *tree.Node, 1)
	go func() {
		root, err := g.Fetch(ctx, "b1")
		assert.NoError(t, err)
		done <- root
	}()
	time.Sleep(20 * time.Millisecond)
	close(f.gate)

	select {
	case root := <-done:
		assert.Equal(t, "Server copy", blocName(t, root))
	case <-time.After(2 * time.Second):
		t.Fatalf("fetch did not return")
	}
	g.Wait()
	assert.Equal(t, int32(3), f.calls.Load(), "the reader joined the deferred refetch")
	cur, _ := store.Bloc("b1")
	assert.Equal(t, "Server copy", blocName(t, cur))
}

func TestCloseAbandonsDeferredRefetch(t *testing.T) {
	f := newFakeFetcher("b1")
	tracker := mutation.NewTracker()
	g, store, _, _ := newGateway(f, WithInFlight(tracker))
	ctx := context.Background()
	_, err := g.Fetch(ctx, "b1")
	require.NoError(t, err)

	tracker.Begin("b1")
	g.Invalidate("b1")
	f.set("b1", "Server copy")
	_, err = g.Fetch(ctx, "b1")
	require.NoError(t, err)

	g.Close()
	g.Wait()
	cur, _ := store.Bloc("b1")
	assert.Equal(t, "North", blocName(t, cur))
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestFetchOfEvictedBlocWaitsForMutations(t *testing.T) {
	f := newFakeFetcher("b1")
	tracker := mutation.NewTracker()
	g, store, _, _ := newGateway(f, WithInFlight(tracker))
	tracker.Begin("b1")

	done := make(chan *tree.Node, 1)
	go func() {
		root, err := g.Fetch(context.Background(), "b1")
		assert.NoError(t, err)
		done <- root
	}()
	select {
	case <-done:
		t.Fatalf("fetch merged while a mutation was in flight")
	case <-time.After(30 * time.Millisecond):
	}
	_, ok := store.Bloc("b1")
	assert.False(t, ok)

	tracker.End("b1")
	select {
	case root := <-done:
		assert.Equal(t, "North", blocName(t, root))
	case <-time.After(2 * time.Second):
		t.Fatalf("fetch did not resume")
	}

	ctx, cancel := context.WithCancel(context.Background())
	store.Evict("b1")
	tracker.Begin("b1")
	cancel()
	_, err := g.Fetch(ctx, "b1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFetchErrorsAreRemoteErrors(t *testing.T) {
	f := newFakeFetcher()
	g, _, metrics, _ := newGateway(f)

	_, err := g.Fetch(context.Background(), "missing")
	var rerr *domain.RemoteError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, domain.RemoteNotFound, rerr.Kind)

	f.fail = errors.New("dial tcp: refused")
	_, err = g.Fetch(context.Background(), "missing")
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, domain.RemoteUnknown, rerr.Kind)
	assert.Equal(t, int64(2), metrics.Snapshot().Results["fetch_subtree"]["error"])
}

func TestFetchManyPreservesOrder(t *testing.T) {
	f := newFakeFetcher("b1", "b2", "b3")
	g, _, _, _ := newGateway(f, WithFetchLimit(2))

	roots, err := g.FetchMany(context.Background(), []string{"b3", "b1", "b2"})
	require.NoError(t, err)
	require.Len(t, roots, 3)
	assert.Equal(t, "b3", roots[0].ID())
	assert.Equal(t, "b1", roots[1].ID())
	assert.Equal(t, "b2", roots[2].ID())

	_, err = g.FetchMany(context.Background(), []string{"b1", "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch bloc nope")
}

func TestLocallyCreatedBlocCountsAsFresh(t *testing.T) {
	f := newFakeFetcher()
	g, store, _, clk := newGateway(f, WithTTL(time.Minute))
	_, err := store.Hydrate(tree.Build(domain.BlocSnapshot{Bloc: domain.Bloc{ID: "local", Name: "L", AreaHectares: 1}}))
	require.NoError(t, err)

	root, err := g.Fetch(context.Background(), "local")
	require.NoError(t, err)
	assert.Equal(t, "local", root.ID())
	assert.Zero(t, f.calls.Load())

	clk.Advance(time.Minute)
	g.Forget("local")
	assert.False(t, g.Stale("local"), "forgotten entries restart the clock")
}
