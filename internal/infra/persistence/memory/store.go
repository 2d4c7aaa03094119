// Package memory provides an in-memory implementation of the remote backend
// used for tests, demos and as the state engine of the sql-backed stores.
package memory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fieldops/pkg/domain"
)

// Compile-time contract assertions ensuring memory.Store serves every backend
// capability the cache looks for.
var (
	_ domain.Backend      = (*Store)(nil)
	_ domain.TotalsWriter = (*Store)(nil)
	_ domain.RevenueFeed  = (*Store)(nil)
)

type (
	// Bloc aliases domain.Bloc.
	Bloc = domain.Bloc
	// CropCycle aliases domain.CropCycle.
	CropCycle = domain.CropCycle
	// FieldOperation aliases domain.FieldOperation.
	FieldOperation = domain.FieldOperation
	// WorkPackage aliases domain.WorkPackage.
	WorkPackage = domain.WorkPackage
	// LineItem aliases domain.LineItem.
	LineItem = domain.LineItem
	// RevenueEntry aliases domain.RevenueEntry.
	RevenueEntry = domain.RevenueEntry
)

// Call identifies a backend request, as seen by fault injectors.
type Call struct {
	Op   string
	Kind domain.NodeKind
	ID   string
}

// Call operations.
const (
	CallCreate      = "create"
	CallUpdate      = "update"
	CallDelete      = "delete"
	CallFetch       = "fetch"
	CallWriteTotals = "write_totals"
)

type lineRecord struct {
	item LineItem
	seq  uint64
}

type memoryState struct {
	blocs        map[string]Bloc
	cycles       map[string]CropCycle
	operations   map[string]FieldOperation
	workPackages map[string]WorkPackage
	lines        map[string]lineRecord
	revenue      map[string][]RevenueEntry
	seq          uint64
}

// Snapshot captures a point-in-time copy of the store state. Operations and work
// packages are stored without their line items; LineItems holds every item in
// insertion order.
type Snapshot struct {
	Blocs        map[string]Bloc           `json:"blocs"`
	Cycles       map[string]CropCycle      `json:"cycles"`
	Operations   map[string]FieldOperation `json:"operations"`
	WorkPackages map[string]WorkPackage    `json:"work_packages"`
	LineItems    []LineItem                `json:"line_items"`
	Revenue      map[string][]RevenueEntry `json:"revenue"`
}

func newMemoryState() memoryState {
	return memoryState{
		blocs:        make(map[string]Bloc),
		cycles:       make(map[string]CropCycle),
		operations:   make(map[string]FieldOperation),
		workPackages: make(map[string]WorkPackage),
		lines:        make(map[string]lineRecord),
		revenue:      make(map[string][]RevenueEntry),
	}
}

func (s memoryState) clone() memoryState {
	out := memoryState{
		blocs:        maps.Clone(s.blocs),
		cycles:       maps.Clone(s.cycles),
		operations:   maps.Clone(s.operations),
		workPackages: maps.Clone(s.workPackages),
		lines:        maps.Clone(s.lines),
		revenue:      make(map[string][]RevenueEntry, len(s.revenue)),
		seq:          s.seq,
	}
	for k, v := range s.revenue {
		out.revenue[k] = slices.Clone(v)
	}
	return out
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	s := state.clone()
	records := make([]lineRecord, 0, len(s.lines))
	for _, rec := range s.lines {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].seq < records[j].seq })
	items := make([]LineItem, len(records))
	for i, rec := range records {
		items[i] = rec.item
	}
	return Snapshot{
		Blocs:        s.blocs,
		Cycles:       s.cycles,
		Operations:   s.operations,
		WorkPackages: s.workPackages,
		LineItems:    items,
		Revenue:      s.revenue,
	}
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := newMemoryState()
	maps.Copy(state.blocs, s.Blocs)
	maps.Copy(state.cycles, s.Cycles)
	maps.Copy(state.operations, s.Operations)
	maps.Copy(state.workPackages, s.WorkPackages)
	for _, item := range s.LineItems {
		state.putLine(item)
	}
	for k, v := range s.Revenue {
		state.revenue[k] = slices.Clone(v)
	}
	return state
}

// Store is an in-memory backend. Every write runs against a cloned state that
// replaces the current one only when the write, and the optional persister,
// succeed.
type Store struct {
	mu      sync.RWMutex
	state   memoryState
	newID   func(domain.NodeKind) string
	latency time.Duration
	fault   func(Call) error
	persist func(context.Context, Snapshot) error
}

// Option configures a Store.
type Option func(*Store)

// WithIDGenerator replaces the uuid identifier source.
func WithIDGenerator(fn func(domain.NodeKind) string) Option {
	return func(s *Store) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// WithLatency delays every call by d, returning early when the caller's context
// ends.
func WithLatency(d time.Duration) Option {
	return func(s *Store) { s.latency = d }
}

// WithFault installs a fault injector consulted before every call.
func WithFault(fn func(Call) error) Option {
	return func(s *Store) { s.fault = fn }
}

// WithPersister runs fn with the candidate state before each write is accepted.
// A persister error fails the write and leaves the state untouched.
func WithPersister(fn func(context.Context, Snapshot) error) Option {
	return func(s *Store) { s.persist = fn }
}

// NewStore constructs an empty in-memory backend.
func NewStore(opts ...Option) *Store {
	s := &Store{
		state: newMemoryState(),
		newID: func(domain.NodeKind) string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetFault replaces the fault injector at runtime. A nil fn clears it.
func (s *Store) SetFault(fn func(Call) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = fn
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(snapshot)
}

// ListBlocs returns every stored bloc ordered by identifier.
func (s *Store) ListBlocs() []Bloc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Collect(maps.Values(s.state.blocs))
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddRevenue records observation-sourced revenue for a crop cycle.
func (s *Store) AddRevenue(ctx context.Context, entries ...RevenueEntry) error {
	return s.mutate(ctx, func(st *memoryState) error {
		for _, e := range entries {
			if _, ok := st.cycles[e.CropCycleID]; !ok {
				return notFound(domain.KindCropCycle, e.CropCycleID)
			}
			if e.Amount.IsNegative() || e.Tons < 0 {
				return rejected("revenue entry %s: amount and tons must be non-negative", e.ID)
			}
			if e.ID == "" {
				e.ID = uuid.NewString()
			}
			st.revenue[e.CropCycleID] = append(st.revenue[e.CropCycleID], e)
		}
		return nil
	})
}

// RevenueEntries implements domain.RevenueFeed.
func (s *Store) RevenueEntries(cycleID string) []RevenueEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.state.revenue[cycleID])
}

// CreateNode stores a new record and returns the identifier it was assigned.
// Line items embedded in operations and work packages are stored with it.
func (s *Store) CreateNode(ctx context.Context, kind domain.NodeKind, record domain.Record) (string, error) {
	if err := s.enter(ctx, Call{Op: CallCreate, Kind: kind}); err != nil {
		return "", err
	}
	if err := checkRecord(kind, record); err != nil {
		return "", err
	}
	var id string
	err := s.mutate(ctx, func(st *memoryState) error {
		id = s.newID(kind)
		return st.insert(id, record, s.newID)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// UpdateNode replaces the editable fields of an existing record. Derived
// values, parents and embedded line items are kept as stored.
func (s *Store) UpdateNode(ctx context.Context, kind domain.NodeKind, id string, record domain.Record) error {
	if err := s.enter(ctx, Call{Op: CallUpdate, Kind: kind, ID: id}); err != nil {
		return err
	}
	if err := checkRecord(kind, record); err != nil {
		return err
	}
	return s.mutate(ctx, func(st *memoryState) error {
		return st.update(id, record)
	})
}

// DeleteNode removes an operation, work package or line item together with
// everything it owns. Blocs and crop cycles are never deleted.
func (s *Store) DeleteNode(ctx context.Context, kind domain.NodeKind, id string) error {
	if err := s.enter(ctx, Call{Op: CallDelete, Kind: kind, ID: id}); err != nil {
		return err
	}
	return s.mutate(ctx, func(st *memoryState) error {
		return st.remove(kind, id)
	})
}

// FetchSubtree returns the bloc with every record below it.
func (s *Store) FetchSubtree(ctx context.Context, blocID string) (domain.BlocSnapshot, error) {
	if err := s.enter(ctx, Call{Op: CallFetch, Kind: domain.KindBloc, ID: blocID}); err != nil {
		return domain.BlocSnapshot{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := &s.state
	bloc, ok := st.blocs[blocID]
	if !ok {
		return domain.BlocSnapshot{}, notFound(domain.KindBloc, blocID)
	}
	lines := st.linesByOwner()
	snap := domain.BlocSnapshot{Bloc: bloc}
	for _, c := range sortedValues(st.cycles, func(c CropCycle) bool { return c.BlocID == blocID }) {
		snap.Cycles = append(snap.Cycles, c)
		for _, op := range sortedValues(st.operations, func(o FieldOperation) bool { return o.CropCycleID == c.ID }) {
			op.LineItems = lines[op.ID]
			snap.Operations = append(snap.Operations, op)
			for _, wp := range sortedValues(st.workPackages, func(w WorkPackage) bool { return w.FieldOperationID == op.ID }) {
				wp.LineItems = lines[wp.ID]
				snap.WorkPackages = append(snap.WorkPackages, wp)
			}
		}
	}
	return snap, nil
}

// WriteCycleTotals stores totals on the cycle. Cost totals are recomputed from
// the stored line items, so the result shows the backend's own view.
func (s *Store) WriteCycleTotals(ctx context.Context, cycleID string, totals domain.CycleTotals) (domain.CycleTotals, error) {
	if err := s.enter(ctx, Call{Op: CallWriteTotals, Kind: domain.KindCropCycle, ID: cycleID}); err != nil {
		return domain.CycleTotals{}, err
	}
	var stored domain.CycleTotals
	err := s.mutate(ctx, func(st *memoryState) error {
		cycle, ok := st.cycles[cycleID]
		if !ok {
			return notFound(domain.KindCropCycle, cycleID)
		}
		estimated, actual := st.cycleCosts(cycleID)
		totals.EstimatedTotalCost = estimated.Round(2)
		totals.ActualTotalCost = actual.Round(2)
		cycle.Totals = totals
		st.cycles[cycleID] = cycle
		stored = totals
		return nil
	})
	return stored, err
}

func (s *Store) enter(ctx context.Context, call Call) error {
	if s.latency > 0 {
		timer := time.NewTimer(s.latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return unavailable(ctx.Err())
		}
	} else if err := ctx.Err(); err != nil {
		return unavailable(err)
	}
	s.mu.RLock()
	fault := s.fault
	s.mu.RUnlock()
	if fault == nil {
		return nil
	}
	if err := fault(call); err != nil {
		var rerr *domain.RemoteError
		if errors.As(err, &rerr) {
			return rerr
		}
		return unavailable(err)
	}
	return nil
}

func (s *Store) mutate(ctx context.Context, fn func(*memoryState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.state.clone()
	if err := fn(&next); err != nil {
		return err
	}
	if s.persist != nil {
		if err := s.persist(ctx, snapshotFromMemoryState(next)); err != nil {
			return &domain.RemoteError{Kind: domain.RemoteUnavailable, Message: fmt.Sprintf("persist state: %v", err), Err: err}
		}
	}
	s.state = next
	return nil
}

func (st *memoryState) insert(id string, record domain.Record, newID func(domain.NodeKind) string) error {
	switch r := record.(type) {
	case Bloc:
		r.ID = id
		st.blocs[id] = r
	case CropCycle:
		if _, ok := st.blocs[r.BlocID]; !ok {
			return notFound(domain.KindBloc, r.BlocID)
		}
		if r.Active() {
			for _, c := range st.cycles {
				if c.BlocID == r.BlocID && c.Active() {
					return rejected("bloc %s already has active crop cycle %s", r.BlocID, c.ID)
				}
			}
		}
		r.ID = id
		r.Totals = domain.CycleTotals{}
		r.GrowthStage = ""
		st.cycles[id] = r
	case FieldOperation:
		cycle, ok := st.cycles[r.CropCycleID]
		if !ok {
			return notFound(domain.KindCropCycle, r.CropCycleID)
		}
		if !cycle.Active() {
			return rejected("crop cycle %s is closed", cycle.ID)
		}
		if err := st.adoptLines(id, r.LineItems, newID); err != nil {
			return err
		}
		r.ID, r.LineItems = id, nil
		r.EstimatedCost, r.ActualCost = decimal.Zero, decimal.Zero
		st.operations[id] = r
	case WorkPackage:
		if _, ok := st.operations[r.FieldOperationID]; !ok {
			return notFound(domain.KindFieldOperation, r.FieldOperationID)
		}
		if err := st.adoptLines(id, r.LineItems, newID); err != nil {
			return err
		}
		r.ID, r.LineItems = id, nil
		r.Quantity = r.PlannedArea * r.Rate
		r.EstimatedCost, r.ActualCost = decimal.Zero, decimal.Zero
		st.workPackages[id] = r
	case LineItem:
		if !st.ownsLines(r.OwnerID) {
			return notFound(domain.KindFieldOperation, r.OwnerID)
		}
		r.ID = id
		st.putLine(r)
	default:
		return rejected("unsupported record %T", record)
	}
	return nil
}

func (st *memoryState) update(id string, record domain.Record) error {
	switch r := record.(type) {
	case Bloc:
		cur, ok := st.blocs[id]
		if !ok {
			return notFound(domain.KindBloc, id)
		}
		if r.AreaHectares != cur.AreaHectares {
			return rejected("bloc %s area is immutable", id)
		}
		cur.Name = r.Name
		st.blocs[id] = cur
	case CropCycle:
		cur, ok := st.cycles[id]
		if !ok {
			return notFound(domain.KindCropCycle, id)
		}
		if !cur.Active() && r.Active() {
			return rejected("crop cycle %s is closed and cannot be reopened", id)
		}
		r.ID, r.BlocID = cur.ID, cur.BlocID
		r.Totals = cur.Totals
		r.GrowthStage = ""
		st.cycles[id] = r
	case FieldOperation:
		cur, ok := st.operations[id]
		if !ok {
			return notFound(domain.KindFieldOperation, id)
		}
		if r.CropCycleID != cur.CropCycleID {
			return rejected("field operation %s cannot move to crop cycle %s", id, r.CropCycleID)
		}
		r.ID, r.LineItems = id, nil
		r.EstimatedCost, r.ActualCost = cur.EstimatedCost, cur.ActualCost
		st.operations[id] = r
	case WorkPackage:
		cur, ok := st.workPackages[id]
		if !ok {
			return notFound(domain.KindWorkPackage, id)
		}
		if r.FieldOperationID != cur.FieldOperationID {
			return rejected("work package %s cannot move to field operation %s", id, r.FieldOperationID)
		}
		r.ID, r.LineItems = id, nil
		r.Quantity = r.PlannedArea * r.Rate
		r.EstimatedCost, r.ActualCost = cur.EstimatedCost, cur.ActualCost
		st.workPackages[id] = r
	case LineItem:
		cur, ok := st.lines[id]
		if !ok {
			return notFound(domain.KindLineItem, id)
		}
		if r.OwnerID != cur.item.OwnerID {
			return rejected("line item %s cannot move to %s", id, r.OwnerID)
		}
		r.ID = id
		st.putLine(r)
	default:
		return rejected("unsupported record %T", record)
	}
	return nil
}

func (st *memoryState) remove(kind domain.NodeKind, id string) error {
	switch kind {
	case domain.KindFieldOperation:
		if _, ok := st.operations[id]; !ok {
			return notFound(kind, id)
		}
		for wpID, wp := range st.workPackages {
			if wp.FieldOperationID == id {
				st.dropLines(wpID)
				delete(st.workPackages, wpID)
			}
		}
		st.dropLines(id)
		delete(st.operations, id)
	case domain.KindWorkPackage:
		if _, ok := st.workPackages[id]; !ok {
			return notFound(kind, id)
		}
		st.dropLines(id)
		delete(st.workPackages, id)
	case domain.KindLineItem:
		if _, ok := st.lines[id]; !ok {
			return notFound(kind, id)
		}
		delete(st.lines, id)
	case domain.KindBloc, domain.KindCropCycle:
		return rejected("%s records cannot be deleted", kind)
	default:
		return rejected("unsupported kind %q", kind)
	}
	return nil
}

func (st *memoryState) adoptLines(ownerID string, items []LineItem, newID func(domain.NodeKind) string) error {
	for _, item := range items {
		if item.ID == "" {
			item.ID = newID(domain.KindLineItem)
		}
		if _, exists := st.lines[item.ID]; exists {
			return rejected("line item %s already exists", item.ID)
		}
		item.OwnerID = ownerID
		st.putLine(item)
	}
	return nil
}

func (st *memoryState) putLine(item LineItem) {
	rec, ok := st.lines[item.ID]
	if !ok {
		st.seq++
		rec.seq = st.seq
	}
	rec.item = item
	st.lines[item.ID] = rec
}

func (st *memoryState) dropLines(ownerID string) {
	for id, rec := range st.lines {
		if rec.item.OwnerID == ownerID {
			delete(st.lines, id)
		}
	}
}

func (st *memoryState) ownsLines(id string) bool {
	if _, ok := st.operations[id]; ok {
		return true
	}
	_, ok := st.workPackages[id]
	return ok
}

func (st *memoryState) linesByOwner() map[string][]LineItem {
	records := slices.Collect(maps.Values(st.lines))
	sort.Slice(records, func(i, j int) bool { return records[i].seq < records[j].seq })
	out := make(map[string][]LineItem)
	for _, rec := range records {
		out[rec.item.OwnerID] = append(out[rec.item.OwnerID], rec.item)
	}
	return out
}

func (st *memoryState) cycleCosts(cycleID string) (decimal.Decimal, decimal.Decimal) {
	owners := make(map[string]struct{})
	for id, op := range st.operations {
		if op.CropCycleID == cycleID {
			owners[id] = struct{}{}
		}
	}
	for id, wp := range st.workPackages {
		if _, ok := owners[wp.FieldOperationID]; ok {
			owners[id] = struct{}{}
		}
	}
	estimated, actual := decimal.Zero, decimal.Zero
	for _, rec := range st.lines {
		if _, ok := owners[rec.item.OwnerID]; ok {
			estimated = estimated.Add(rec.item.EstimatedCost)
			actual = actual.Add(rec.item.ActualCost)
		}
	}
	return estimated, actual
}

func sortedValues[T domain.Record](m map[string]T, keep func(T) bool) []T {
	var out []T
	for _, v := range m {
		if keep(v) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordID() < out[j].RecordID() })
	return out
}

func checkRecord(kind domain.NodeKind, record domain.Record) error {
	if record == nil {
		return rejected("%s record is required", kind)
	}
	if record.Kind() != kind {
		return rejected("record kind %s does not match %s", record.Kind(), kind)
	}
	if err := domain.ValidateRecord(record); err != nil {
		return &domain.RemoteError{Kind: domain.RemoteRejected, Message: err.Error(), Err: err}
	}
	return nil
}

func rejected(format string, args ...any) error {
	return &domain.RemoteError{Kind: domain.RemoteRejected, Message: fmt.Sprintf(format, args...)}
}

func notFound(kind domain.NodeKind, id string) error {
	return &domain.RemoteError{Kind: domain.RemoteNotFound, Message: fmt.Sprintf("%s %s not found", kind, id)}
}

func unavailable(err error) error {
	return &domain.RemoteError{Kind: domain.RemoteUnavailable, Message: err.Error(), Err: err}
}
