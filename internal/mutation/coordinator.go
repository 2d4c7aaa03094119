package mutation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"fieldops/internal/observability"
	"fieldops/internal/tree"
	"fieldops/pkg/domain"
)

// ErrCancelled is reported by a pending mutation withdrawn before its commit.
var ErrCancelled = errors.New("mutation: cancelled before commit")

// ErrSettled is returned when cancelling a mutation that already settled.
var ErrSettled = errors.New("mutation: already settled")

// Result describes a settled mutation.
type Result struct {
	Mutation string
	// ID is the identifier of the affected record; for creates, the one the
	// backend assigned.
	ID     string
	TempID string
	// Discarded is set when the bloc was evicted while the remote call was in
	// flight; the tree was left alone.
	Discarded bool
}

// Coordinator orchestrates optimistic apply, remote commit and reconciliation
// or rollback against a tree store.
type Coordinator struct {
	store   *tree.Store
	backend domain.Backend
	rules   *domain.RulesEngine
	tracker *Tracker
	locks   *nodeLocks
	inst    observability.Instruments

	seq     atomic.Uint64
	mu      sync.RWMutex
	aliases map[string]string
	wg      sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRules evaluates every candidate tree against engine before it becomes
// visible.
func WithRules(engine *domain.RulesEngine) Option {
	return func(c *Coordinator) { c.rules = engine }
}

// WithTracker shares an in-flight tracker, typically with the query gateway.
func WithTracker(t *Tracker) Option {
	return func(c *Coordinator) {
		if t != nil {
			c.tracker = t
		}
	}
}

// WithInstruments sets the logger, metrics recorder and tracer.
func WithInstruments(in observability.Instruments) Option {
	return func(c *Coordinator) { c.inst = in }
}

// New constructs a coordinator writing through backend.
func New(store *tree.Store, backend domain.Backend, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:   store,
		backend: backend,
		tracker: NewTracker(),
		locks:   newNodeLocks(),
		aliases: make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.inst = c.inst.Normalize()
	return c
}

// Tracker exposes the in-flight tracker.
func (c *Coordinator) Tracker() *Tracker { return c.tracker }

// Resolve maps a reconciled temporary identifier to the backend identifier.
// Other identifiers are returned unchanged.
func (c *Coordinator) Resolve(id string) string { return c.resolve(id) }

func (c *Coordinator) resolve(id string) string {
	if !IsTemp(id) {
		return id
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if real, ok := c.aliases[id]; ok {
		return real
	}
	return id
}

func (c *Coordinator) alias(tempID, realID string) {
	c.mu.Lock()
	c.aliases[tempID] = realID
	c.mu.Unlock()
}

func (c *Coordinator) nextTempID() string {
	return fmt.Sprintf("%s%d", TempPrefix, c.seq.Add(1))
}

// Begin applies m optimistically and returns the pending mutation. It waits,
// in arrival order, behind unsettled mutations touching the same nodes; giving
// up because ctx ended yields ConcurrentMutationConflict. Validation failures
// leave the tree untouched.
func (c *Coordinator) Begin(ctx context.Context, m Mutation) (*Pending, error) {
	if m == nil {
		return nil, fmt.Errorf("begin: nil mutation")
	}
	var tempID string
	if isCreate(m) {
		tempID = c.nextTempID()
	}
	held, err := c.acquire(ctx, m, tempID)
	if err != nil {
		return nil, err
	}

	p, err := c.plan(m, tempID)
	if err == nil {
		// Counted before the tree changes so a concurrent refetch cannot merge
		// over the optimistic state.
		c.tracker.Begin(p.blocID)
		var tok tree.Token
		var root *tree.Node
		tok, root, err = c.store.ApplyDelta(p.path, p.patch, c.guard(ctx, p.change))
		if err == nil {
			c.inst.Logger.Debug("mutation applied", "mutation", p.name, "bloc", p.blocID, "temp_id", tempID)
			return &Pending{c: c, plan: p, token: tok, root: root, keys: held, done: make(chan struct{})}, nil
		}
		c.tracker.End(p.blocID)
	}
	c.locks.releaseAll(held)
	var nf domain.NodeNotFound
	if errors.As(err, &nf) {
		c.inst.Logger.Warn("mutation target missing", "mutation", m.Name(), "kind", nf.Kind, "id", nf.ID)
	}
	return nil, err
}

// acquire takes the node locks m needs. The keys are computed again once held,
// since a temporary identifier may have been reconciled or the tree changed
// while waiting; if more are needed everything is released and the union is
// requested again.
func (c *Coordinator) acquire(ctx context.Context, m Mutation, tempID string) ([]string, error) {
	want := []string{tempID}
	for {
		keys, err := c.lockKeys(m)
		if err != nil {
			return nil, err
		}
		want = append(want, keys...)
		held, blocked, err := c.locks.acquireAll(ctx, want)
		if err != nil {
			c.inst.Logger.Debug("mutation gave up waiting", "mutation", m.Name(), "node", blocked)
			return nil, domain.ConcurrentMutationConflict{NodeID: blocked, Err: err}
		}
		now, err := c.lockKeys(m)
		if err != nil {
			c.locks.releaseAll(held)
			return nil, err
		}
		if !slices.ContainsFunc(now, func(k string) bool { return k != "" && !slices.Contains(held, k) }) {
			return held, nil
		}
		c.locks.releaseAll(held)
		want = append(held, now...)
	}
}

// Execute begins m and commits it synchronously.
func (c *Coordinator) Execute(ctx context.Context, m Mutation) (Result, error) {
	p, err := c.Begin(ctx, m)
	if err != nil {
		return Result{Mutation: m.Name()}, err
	}
	return p.Commit(ctx)
}

// Submit begins m and commits it in the background. The commit ignores
// cancellation of ctx once started; callers observe it through Done.
func (c *Coordinator) Submit(ctx context.Context, m Mutation) (*Pending, error) {
	p, err := c.Begin(ctx, m)
	if err != nil {
		return nil, err
	}
	commitCtx := context.WithoutCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_, _ = p.Commit(commitCtx)
	}()
	return p, nil
}

// Wait blocks until every background commit started by Submit has settled.
func (c *Coordinator) Wait() { c.wg.Wait() }

// Detach drops a bloc from the cache. Mutations in flight on it still complete
// remotely but their results are discarded.
func (c *Coordinator) Detach(blocID string) bool {
	blocID = c.resolve(blocID)
	ok := c.store.Evict(blocID)
	if ok {
		c.inst.Logger.Info("bloc detached", "bloc", blocID, "in_flight", c.tracker.InFlight(blocID))
	}
	return ok
}

func (c *Coordinator) guard(ctx context.Context, change domain.Change) tree.Guard {
	if c.rules == nil {
		return nil
	}
	return func(_, after *tree.Node) error {
		res, err := c.rules.Evaluate(ctx, tree.NewView(after), []domain.Change{change})
		if err != nil {
			return fmt.Errorf("evaluate rules: %w", err)
		}
		for _, v := range res.Violations {
			if v.Severity != domain.SeverityBlock {
				c.inst.Logger.Warn("rule violation", "rule", v.Rule, "severity", v.Severity, "entity", v.EntityID, "message", v.Message)
			}
		}
		if res.HasBlocking() {
			return domain.ValidationError{Result: res}
		}
		return nil
	}
}

func (c *Coordinator) commit(ctx context.Context, p *Pending) (Result, error) {
	defer c.settle(p)
	pl := p.plan
	res := Result{Mutation: pl.name, TempID: pl.tempID}

	var id string
	err := c.inst.Run(ctx, pl.name, func(ctx context.Context) error {
		var err error
		id, err = pl.remote(ctx, c.backend)
		if err == nil && pl.tempID != "" && id == "" {
			err = &domain.RemoteError{Kind: domain.RemoteInternal, Message: "backend returned no identifier"}
		}
		return err
	})
	if err != nil {
		rerr := domain.AsRemoteError(err)
		c.rollback(ctx, p, &res)
		c.inst.Logger.Warn("mutation rolled back", "mutation", pl.name, "kind", rerr.Kind, "error", rerr.Message)
		return res, rerr
	}

	res.ID = id
	if pl.tempID != "" {
		// Published once the tree carries the real id; mutations queued on the
		// temporary id resolve it after this commit settles.
		defer c.alias(pl.tempID, id)
	}
	if !c.store.Live(p.token) {
		res.Discarded = true
		c.inst.Metrics.Count(ctx, observability.EventResultDiscarded)
		c.inst.Logger.Info("bloc evicted while in flight, result discarded", "mutation", pl.name, "bloc", p.token.BlocID())
		return res, nil
	}
	if pl.tempID != "" {
		if err := c.reconcile(ctx, pl, id); err != nil {
			c.inst.Logger.Warn("reconcile identifiers", "temp_id", pl.tempID, "id", id, "error", err)
		}
	}
	c.writeTotals(ctx, pl, id)
	return res, nil
}

func (c *Coordinator) rollback(ctx context.Context, p *Pending, res *Result) {
	c.inst.Metrics.Count(ctx, observability.EventRollback)
	err := c.store.Restore(p.token)
	switch {
	case err == nil:
	case errors.Is(err, tree.ErrStaleToken):
		res.Discarded = true
		c.inst.Metrics.Count(ctx, observability.EventResultDiscarded)
	default:
		c.inst.Logger.Error("rollback failed", "mutation", p.plan.name, "bloc", p.token.BlocID(), "error", err)
	}
}

// reconcile swaps the temporary identifier for the real one in a single pass
// over the subtree holding it.
func (c *Coordinator) reconcile(ctx context.Context, pl plan, realID string) error {
	path, n, ok := c.store.Lookup(pl.holderID)
	if !ok {
		return domain.NodeNotFound{ID: pl.holderID}
	}
	next, changed := tree.Reidentify(n, pl.tempID, realID)
	if changed == 0 {
		return nil
	}
	if _, err := c.store.Replace(path, next); err != nil {
		return err
	}
	c.inst.Metrics.Count(ctx, observability.EventTempIDReconciled)
	return nil
}

// writeTotals sends the cycle rollup to backends that keep their own copy and
// reports divergence. The local rollup stays authoritative.
func (c *Coordinator) writeTotals(ctx context.Context, pl plan, realID string) {
	w, ok := c.backend.(domain.TotalsWriter)
	if !ok || pl.cycleID == "" {
		return
	}
	cycleID := pl.cycleID
	if cycleID == pl.tempID {
		cycleID = realID
	}
	cycle, ok := c.store.Cycle(cycleID)
	if !ok {
		return
	}
	reported, err := w.WriteCycleTotals(ctx, cycleID, cycle.Totals)
	if err != nil {
		c.inst.Logger.Warn("write cycle totals", "cycle", cycleID, "error", err)
		return
	}
	if !reported.Equal(cycle.Totals) {
		c.inst.Metrics.Count(ctx, observability.EventTotalsDivergence)
		c.inst.Logger.Warn("backend totals diverge from rollup", "cycle", cycleID,
			"backend_actual", reported.ActualTotalCost.String(), "local_actual", cycle.Totals.ActualTotalCost.String(),
			"backend_estimated", reported.EstimatedTotalCost.String(), "local_estimated", cycle.Totals.EstimatedTotalCost.String())
	}
}

func (c *Coordinator) settle(p *Pending) {
	c.locks.releaseAll(p.keys)
	c.tracker.End(p.plan.blocID)
}

// Pending is a mutation applied locally and awaiting its single remote commit.
type Pending struct {
	c     *Coordinator
	plan  plan
	token tree.Token
	root  *tree.Node
	keys  []string

	once   sync.Once
	done   chan struct{}
	result Result
	err    error
}

// Tree returns the optimistic bloc root produced by the mutation.
func (p *Pending) Tree() *tree.Node { return p.root }

// TempID returns the temporary identifier assigned to a created record.
func (p *Pending) TempID() string { return p.plan.tempID }

// BlocID returns the bloc the mutation applies to.
func (p *Pending) BlocID() string { return p.plan.blocID }

// Done is closed once the mutation has settled.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Commit issues the remote call. Only the first call does work; later calls
// return the same outcome.
func (p *Pending) Commit(ctx context.Context) (Result, error) {
	p.once.Do(func() {
		p.result, p.err = p.c.commit(ctx, p)
		close(p.done)
	})
	<-p.done
	return p.result, p.err
}

// Wait blocks until the mutation settles or ctx ends.
func (p *Pending) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Cancel withdraws a mutation that has not been committed, restoring the tree.
func (p *Pending) Cancel() error {
	cancelled := false
	p.once.Do(func() {
		cancelled = true
		defer close(p.done)
		defer p.c.settle(p)
		p.result = Result{Mutation: p.plan.name, TempID: p.plan.tempID}
		p.err = ErrCancelled
		if err := p.c.store.Restore(p.token); err != nil && !errors.Is(err, tree.ErrStaleToken) {
			p.c.inst.Logger.Error("cancel restore failed", "mutation", p.plan.name, "error", err)
		}
	})
	if !cancelled {
		return ErrSettled
	}
	return nil
}
