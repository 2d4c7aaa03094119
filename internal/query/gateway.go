// Package query serves bloc trees to readers. Misses and stale entries are
// fetched once from the backend no matter how many readers ask; a fetched tree
// is merged into the store only while no mutation is in flight on its bloc and
// none began after the read.
package query

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"fieldops/internal/observability"
	"fieldops/internal/tree"
	"fieldops/pkg/domain"
)

// DefaultTTL is how long a fetched bloc is served before it is refetched.
const DefaultTTL = 5 * time.Minute

const defaultFetchLimit = 4

// Fetcher loads a bloc subtree from the backend. domain.Backend satisfies it.
type Fetcher interface {
	FetchSubtree(ctx context.Context, blocID string) (domain.BlocSnapshot, error)
}

// InFlight reports unsettled mutations per bloc. *mutation.Tracker satisfies it.
type InFlight interface {
	InFlight(blocID string) int
	Epoch(blocID string) uint64
	Idle(blocID string) <-chan struct{}
	IfIdleSince(blocID string, epoch uint64, fn func()) bool
}

type entry struct {
	fetchedAt time.Time
	stale     bool
}

// Gateway fronts the tree store for reads.
type Gateway struct {
	store      *tree.Store
	fetcher    Fetcher
	inflight   InFlight
	ttl        time.Duration
	fetchLimit int
	inst       observability.Instruments

	flight    singleflight.Group
	mu        sync.Mutex
	entries   map[string]*entry
	deferred  map[string]struct{}
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithTTL sets the freshness window. Non-positive values keep the default.
func WithTTL(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.ttl = d
		}
	}
}

// WithInFlight shares the mutation coordinator's tracker.
func WithInFlight(t InFlight) Option {
	return func(g *Gateway) {
		if t != nil {
			g.inflight = t
		}
	}
}

// WithFetchLimit bounds concurrent backend fetches issued by FetchMany.
func WithFetchLimit(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.fetchLimit = n
		}
	}
}

// WithInstruments sets the logger, metrics recorder, tracer and clock.
func WithInstruments(in observability.Instruments) Option {
	return func(g *Gateway) { g.inst = in }
}

// New constructs a gateway reading through fetcher into store.
func New(store *tree.Store, fetcher Fetcher, opts ...Option) *Gateway {
	g := &Gateway{
		store:      store,
		fetcher:    fetcher,
		inflight:   alwaysIdle{},
		ttl:        DefaultTTL,
		fetchLimit: defaultFetchLimit,
		entries:    make(map[string]*entry),
		deferred:   make(map[string]struct{}),
		closed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.inst = g.inst.Normalize()
	return g
}

// Fetch returns the current tree for blocID, loading it when it is missing,
// expired or invalidated. Concurrent calls for the same bloc share one backend
// request. While mutations are in flight on the bloc the cached tree is
// returned and the merge is re-issued once they settle.
func (g *Gateway) Fetch(ctx context.Context, blocID string) (*tree.Node, error) {
	if root, ok := g.fresh(blocID); ok {
		g.inst.Metrics.Count(ctx, observability.EventCacheHit)
		return root, nil
	}
	if g.Deferred(blocID) {
		if root, ok := g.store.Bloc(blocID); ok {
			return root, nil
		}
	}
	g.inst.Metrics.Count(ctx, observability.EventCacheMiss)
	return g.load(ctx, blocID)
}

// FetchMany fetches several blocs concurrently, returning roots in the order
// requested. The first failure cancels the rest.
func (g *Gateway) FetchMany(ctx context.Context, blocIDs []string) ([]*tree.Node, error) {
	out := make([]*tree.Node, len(blocIDs))
	grp, ctx := errgroup.WithContext(ctx)
	grp.SetLimit(g.fetchLimit)
	for i, id := range blocIDs {
		grp.Go(func() error {
			root, err := g.Fetch(ctx, id)
			if err != nil {
				return fmt.Errorf("fetch bloc %s: %w", id, err)
			}
			out[i] = root
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Invalidate marks the bloc owning id as stale. Readers keep getting the cached
// tree until the next Fetch reloads it. It reports whether a cached bloc was
// marked.
func (g *Gateway) Invalidate(id string) bool {
	blocID := id
	if path, ok := g.store.PathOf(id); ok {
		blocID = path.BlocID()
	}
	if _, ok := g.store.Bloc(blocID); !ok {
		return false
	}
	g.mu.Lock()
	e := g.entryLocked(blocID)
	e.stale = true
	g.mu.Unlock()
	g.inst.Logger.Debug("bloc invalidated", "bloc", blocID, "key", id)
	return true
}

// Stale reports whether the next Fetch of blocID goes to the backend.
func (g *Gateway) Stale(blocID string) bool {
	_, ok := g.fresh(blocID)
	return !ok
}

// Forget drops freshness bookkeeping for an evicted bloc.
func (g *Gateway) Forget(blocID string) {
	g.mu.Lock()
	delete(g.entries, blocID)
	g.mu.Unlock()
}

// Deferred reports whether a refetch of blocID is waiting for mutations to
// settle.
func (g *Gateway) Deferred(blocID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.deferred[blocID]
	return ok
}

// Close stops deferred refetches that have not started yet.
func (g *Gateway) Close() {
	g.closeOnce.Do(func() { close(g.closed) })
}

// Wait blocks until every deferred refetch goroutine has returned.
func (g *Gateway) Wait() { g.wg.Wait() }

func (g *Gateway) fresh(blocID string) (*tree.Node, bool) {
	root, ok := g.store.Bloc(blocID)
	if !ok {
		return nil, false
	}
	g.mu.Lock()
	e := g.entryLocked(blocID)
	expired := e.stale || g.inst.Clock().Sub(e.fetchedAt) >= g.ttl
	g.mu.Unlock()
	return root, !expired
}

// entryLocked returns the bookkeeping for blocID, starting the clock for blocs
// that reached the store without a fetch (created or imported locally).
func (g *Gateway) entryLocked(blocID string) *entry {
	e, ok := g.entries[blocID]
	if !ok {
		e = &entry{fetchedAt: g.inst.Clock()}
		g.entries[blocID] = e
	}
	return e
}

// fetched is the outcome of one backend read shared by every caller of load.
type fetched struct {
	root *tree.Node
	// deferred is set when the read could not be merged and a refetch must be
	// re-issued once the bloc settles.
	deferred bool
}

func (g *Gateway) load(ctx context.Context, blocID string) (*tree.Node, error) {
	v, err, _ := g.flight.Do(blocID, func() (any, error) {
		return g.fetchAndMerge(ctx, blocID)
	})
	if err != nil {
		return nil, err
	}
	res := v.(fetched)
	if res.deferred {
		// Scheduled after Do returns so the refetch starts a new flight instead
		// of joining this one.
		g.deferRefetch(ctx, blocID)
	}
	return res.root, nil
}

func (g *Gateway) fetchAndMerge(ctx context.Context, blocID string) (fetched, error) {
	epoch := g.inflight.Epoch(blocID)
	var snap domain.BlocSnapshot
	err := g.inst.Run(ctx, "fetch_subtree", func(ctx context.Context) error {
		var err error
		snap, err = g.fetcher.FetchSubtree(ctx, blocID)
		return err
	})
	if err != nil {
		rerr := domain.AsRemoteError(err)
		g.inst.Logger.Warn("fetch bloc failed", "bloc", blocID, "kind", rerr.Kind, "error", rerr.Message)
		return fetched{}, rerr
	}
	root := tree.Build(snap)
	if root == nil || root.ID() != blocID {
		return fetched{}, &domain.RemoteError{Kind: domain.RemoteInternal,
			Message: fmt.Sprintf("backend returned bloc %q for %q", snap.Bloc.ID, blocID)}
	}

	var (
		merged   *tree.Node
		mergeErr error
	)
	if g.inflight.IfIdleSince(blocID, epoch, func() { merged, mergeErr = g.store.Hydrate(root) }) {
		if mergeErr != nil {
			return fetched{}, mergeErr
		}
		g.mu.Lock()
		g.entries[blocID] = &entry{fetchedAt: g.inst.Clock()}
		g.mu.Unlock()
		return fetched{root: merged}, nil
	}

	// A mutation is in flight or began after the read: the snapshot may predate
	// it, so serve the local tree and read again once the bloc settles.
	if cur, ok := g.store.Bloc(blocID); ok {
		return fetched{root: cur, deferred: true}, nil
	}
	// Evicted while its mutations are still in flight: nothing local to serve.
	select {
	case <-g.inflight.Idle(blocID):
	case <-ctx.Done():
		return fetched{}, ctx.Err()
	}
	return g.fetchAndMerge(ctx, blocID)
}

func (g *Gateway) deferRefetch(ctx context.Context, blocID string) {
	g.mu.Lock()
	if _, ok := g.deferred[blocID]; ok {
		g.mu.Unlock()
		return
	}
	g.deferred[blocID] = struct{}{}
	g.mu.Unlock()
	g.inst.Metrics.Count(ctx, observability.EventFetchDeferred)
	g.inst.Logger.Debug("refetch deferred", "bloc", blocID, "in_flight", g.inflight.InFlight(blocID))

	idle := g.inflight.Idle(blocID)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		select {
		case <-idle:
		case <-g.closed:
			g.clearDeferred(blocID)
			return
		}
		g.clearDeferred(blocID)
		if _, ok := g.store.Bloc(blocID); !ok {
			return
		}
		if _, err := g.load(context.WithoutCancel(ctx), blocID); err != nil {
			g.inst.Logger.Warn("deferred refetch failed", "bloc", blocID, "error", err)
		}
	}()
}

func (g *Gateway) clearDeferred(blocID string) {
	g.mu.Lock()
	delete(g.deferred, blocID)
	g.mu.Unlock()
}

type alwaysIdle struct{}

func (alwaysIdle) InFlight(string) int { return 0 }

func (alwaysIdle) Epoch(string) uint64 { return 0 }

func (alwaysIdle) Idle(string) <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (alwaysIdle) IfIdleSince(_ string, _ uint64, fn func()) bool {
	fn()
	return true
}
