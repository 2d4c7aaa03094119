package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fieldops/internal/events"
	"fieldops/internal/growth"
	"fieldops/internal/infra/persistence/memory"
	"fieldops/internal/mutation"
	"fieldops/internal/observability"
	"fieldops/internal/query"
	"fieldops/internal/rollup"
	"fieldops/internal/tree"
	"fieldops/pkg/domain"
)

// Service is one cache session over a backend: reads go through the query
// gateway, writes through the mutation coordinator, and both share one tree
// store whose changes are published on the events hub.
type Service struct {
	backend     domain.Backend
	store       *tree.Store
	engine      *rollup.Engine
	hub         *events.Hub
	coordinator *mutation.Coordinator
	gateway     *query.Gateway
	inst        observability.Instruments
	clock       Clock
	audit       AuditRecorder

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewService constructs a session writing through backend.
func NewService(backend domain.Backend, opts ...ServiceOption) *Service {
	cfg := defaultServiceOptions()
	for _, opt := range opts {
		opt(&cfg)
	}
	feed := cfg.revenue
	if feed == nil {
		if f, ok := backend.(domain.RevenueFeed); ok {
			feed = f
		}
	}
	inst := observability.Instruments{
		Logger:  cfg.logger,
		Metrics: cfg.metrics,
		Tracer:  cfg.tracer,
		Clock:   cfg.clock.Now,
	}.Normalize()

	engine := rollup.NewEngine(feed)
	hub := events.NewHub()
	store := tree.NewStore(
		tree.WithReducer(engine.Reduce),
		tree.WithObserver(hub.Observe),
		tree.WithNowFunc(inst.Clock),
	)
	tracker := mutation.NewTracker()
	coordinator := mutation.New(store, backend,
		mutation.WithRules(cfg.rules),
		mutation.WithTracker(tracker),
		mutation.WithInstruments(inst),
	)
	gateway := query.New(store, backend,
		query.WithTTL(cfg.cacheTTL),
		query.WithInFlight(tracker),
		query.WithFetchLimit(cfg.fetchLimit),
		query.WithInstruments(inst),
	)
	return &Service{
		backend:     backend,
		store:       store,
		engine:      engine,
		hub:         hub,
		coordinator: coordinator,
		gateway:     gateway,
		inst:        inst,
		clock:       cfg.clock,
		audit:       cfg.audit,
	}
}

// NewInMemoryService creates a session over a fresh in-memory backend.
func NewInMemoryService(opts ...ServiceOption) *Service {
	return NewService(memory.NewStore(), opts...)
}

// Backend returns the backend the session writes through.
func (s *Service) Backend() domain.Backend { return s.backend }

// Store returns the shared tree store.
func (s *Service) Store() *tree.Store { return s.store }

// Fetch returns the bloc tree, loading it from the backend when it is missing
// or stale.
func (s *Service) Fetch(ctx context.Context, blocID string) (*Node, error) {
	return s.gateway.Fetch(ctx, s.coordinator.Resolve(blocID))
}

// FetchMany loads several blocs concurrently.
func (s *Service) FetchMany(ctx context.Context, blocIDs []string) ([]*Node, error) {
	resolved := make([]string, len(blocIDs))
	for i, id := range blocIDs {
		resolved[i] = s.coordinator.Resolve(id)
	}
	return s.gateway.FetchMany(ctx, resolved)
}

// Invalidate marks the bloc owning id as stale.
func (s *Service) Invalidate(id string) bool {
	return s.gateway.Invalidate(s.coordinator.Resolve(id))
}

// Tree returns the cached bloc tree without touching the backend.
func (s *Service) Tree(blocID string) (*Node, bool) {
	return s.store.Bloc(s.coordinator.Resolve(blocID))
}

// Cycle returns a cached crop cycle with its current growth stage.
func (s *Service) Cycle(cycleID string) (domain.CropCycle, bool) {
	return s.store.Cycle(s.coordinator.Resolve(cycleID))
}

// GrowthProgress returns the share, in percent, of the cycle's nominal duration
// that has elapsed.
func (s *Service) GrowthProgress(cycleID string) (float64, error) {
	cycle, ok := s.Cycle(cycleID)
	if !ok {
		return 0, domain.NodeNotFound{Kind: domain.KindCropCycle, ID: cycleID}
	}
	return growth.Progress(cycle, s.clock.Now()), nil
}

// Totals recomputes a cached cycle's rollup.
func (s *Service) Totals(cycleID string) (domain.CycleTotals, error) {
	cycleID = s.coordinator.Resolve(cycleID)
	path, n, ok := s.store.Lookup(cycleID)
	if !ok || n.Kind() != domain.KindCropCycle {
		return domain.CycleTotals{}, domain.NodeNotFound{Kind: domain.KindCropCycle, ID: cycleID}
	}
	bloc, ok := s.store.Bloc(path.BlocID())
	if !ok {
		return domain.CycleTotals{}, domain.NodeNotFound{Kind: domain.KindBloc, ID: path.BlocID()}
	}
	return s.engine.Totals(n, bloc.Record.(domain.Bloc).AreaHectares), nil
}

// Subscribe registers for change notifications on cycleID, or every cycle with
// events.AllCycles.
func (s *Service) Subscribe(cycleID string) *Subscription {
	return s.hub.Subscribe(cycleID)
}

// Resolve maps a reconciled temporary identifier to its backend identifier.
func (s *Service) Resolve(id string) string { return s.coordinator.Resolve(id) }

// Begin applies m optimistically. The caller commits or cancels the returned
// pending mutation.
func (s *Service) Begin(ctx context.Context, m Mutation) (*Pending, error) {
	started := s.clock.Now()
	p, err := s.coordinator.Begin(ctx, m)
	if err != nil {
		s.recordAudit(ctx, m, Result{Mutation: m.Name()}, err, started)
		return nil, err
	}
	s.watch(ctx, m, p, started)
	return p, nil
}

// Execute applies m and waits for the remote commit.
func (s *Service) Execute(ctx context.Context, m Mutation) (Result, error) {
	started := s.clock.Now()
	res, err := s.coordinator.Execute(ctx, m)
	s.recordAudit(ctx, m, res, err, started)
	return res, err
}

// Submit applies m and commits it in the background.
func (s *Service) Submit(ctx context.Context, m Mutation) (*Pending, error) {
	started := s.clock.Now()
	p, err := s.coordinator.Submit(ctx, m)
	if err != nil {
		s.recordAudit(ctx, m, Result{Mutation: m.Name()}, err, started)
		return nil, err
	}
	s.watch(ctx, m, p, started)
	return p, nil
}

// watch audits p once it settles, whoever commits it.
func (s *Service) watch(ctx context.Context, m Mutation, p *Pending, started time.Time) {
	ctx = context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-p.Done()
		res, err := p.Wait(ctx)
		s.recordAudit(ctx, m, res, err, started)
	}()
}

// Detach drops a bloc from the cache. In-flight mutations on it still reach
// the backend.
func (s *Service) Detach(blocID string) bool {
	blocID = s.coordinator.Resolve(blocID)
	ok := s.coordinator.Detach(blocID)
	s.gateway.Forget(blocID)
	return ok
}

// Export flattens every cached bloc.
func (s *Service) Export() []domain.BlocSnapshot { return s.store.ExportState() }

// Import installs snapshots into the cache, replacing cached copies.
func (s *Service) Import(snapshots []domain.BlocSnapshot) error {
	if err := s.store.ImportState(snapshots); err != nil {
		return fmt.Errorf("import state: %w", err)
	}
	return nil
}

// Close stops deferred refetches and waits for background commits, refetches
// and audit records to finish, or for ctx to end.
func (s *Service) Close(ctx context.Context) error {
	s.closeOnce.Do(s.gateway.Close)
	done := make(chan struct{})
	go func() {
		s.coordinator.Wait()
		s.gateway.Wait()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CreateBloc creates a bloc and returns it with its backend identifier.
func (s *Service) CreateBloc(ctx context.Context, bloc domain.Bloc) (domain.Bloc, error) {
	res, err := s.Execute(ctx, mutation.CreateBloc{Bloc: bloc})
	if err != nil {
		return domain.Bloc{}, err
	}
	return lookup[domain.Bloc](s, domain.KindBloc, res.ID)
}

// StartCropCycle opens a new active cycle on cycle.BlocID.
func (s *Service) StartCropCycle(ctx context.Context, cycle domain.CropCycle) (domain.CropCycle, error) {
	res, err := s.Execute(ctx, mutation.StartCropCycle{Cycle: cycle})
	if err != nil {
		return domain.CropCycle{}, err
	}
	created, ok := s.store.Cycle(res.ID)
	if !ok {
		return domain.CropCycle{}, domain.NodeNotFound{Kind: domain.KindCropCycle, ID: res.ID}
	}
	return created, nil
}

// CloseCropCycle closes a cycle at harvestDate.
func (s *Service) CloseCropCycle(ctx context.Context, cycleID string, harvestDate time.Time) (domain.CropCycle, error) {
	res, err := s.Execute(ctx, mutation.CloseCropCycle{CycleID: cycleID, HarvestDate: harvestDate})
	if err != nil {
		return domain.CropCycle{}, err
	}
	closed, ok := s.store.Cycle(res.ID)
	if !ok {
		return domain.CropCycle{}, domain.NodeNotFound{Kind: domain.KindCropCycle, ID: res.ID}
	}
	return closed, nil
}

// CreateFieldOperation adds an operation and returns it with its rollup.
func (s *Service) CreateFieldOperation(ctx context.Context, op domain.FieldOperation) (domain.FieldOperation, error) {
	res, err := s.Execute(ctx, mutation.CreateFieldOperation{Operation: op})
	if err != nil {
		return domain.FieldOperation{}, err
	}
	return lookup[domain.FieldOperation](s, domain.KindFieldOperation, res.ID)
}

// CreateWorkPackage adds a work package and returns it with its rollup.
func (s *Service) CreateWorkPackage(ctx context.Context, wp domain.WorkPackage) (domain.WorkPackage, error) {
	res, err := s.Execute(ctx, mutation.CreateWorkPackage{WorkPackage: wp})
	if err != nil {
		return domain.WorkPackage{}, err
	}
	return lookup[domain.WorkPackage](s, domain.KindWorkPackage, res.ID)
}

// AddLineItem attaches a line item to an operation or work package.
func (s *Service) AddLineItem(ctx context.Context, item domain.LineItem) (domain.LineItem, error) {
	res, err := s.Execute(ctx, mutation.AddLineItem{Item: item})
	if err != nil {
		return domain.LineItem{}, err
	}
	_, owner, ok := s.store.Lookup(s.coordinator.Resolve(item.OwnerID))
	if ok {
		for _, li := range domain.LineItemsOf(owner.Record) {
			if li.ID == res.ID {
				return li, nil
			}
		}
	}
	return domain.LineItem{}, domain.NodeNotFound{Kind: domain.KindLineItem, ID: res.ID}
}

func lookup[T domain.Record](s *Service, kind domain.NodeKind, id string) (T, error) {
	var zero T
	_, n, ok := s.store.Lookup(id)
	if !ok {
		return zero, domain.NodeNotFound{Kind: kind, ID: id}
	}
	rec, ok := n.Record.(T)
	if !ok {
		return zero, domain.NodeNotFound{Kind: kind, ID: id}
	}
	return rec, nil
}
