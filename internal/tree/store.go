// Package tree holds the canonical in-memory snapshot of every cached bloc as
// an immutable, path-copied tree with an identifier index.
package tree

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"fieldops/internal/growth"
	"fieldops/pkg/domain"
)

// AllCycles asks a Reducer to recompute every cycle under the bloc.
const AllCycles = "*"

// ErrStaleToken is returned when a token refers to a bloc tree that has been
// evicted or replaced by a fresh fetch since the token was issued.
var ErrStaleToken = errors.New("tree: snapshot token no longer applies")

// Reducer recomputes derived values of one cycle (or AllCycles) in a bloc tree
// and returns the new root. It must be pure and deterministic.
type Reducer func(bloc *Node, cycleID string) *Node

// Guard inspects a candidate bloc tree before it becomes visible. A non-nil
// error rejects the patch and leaves the store untouched. before is nil when a
// bloc is being created.
type Guard func(before, after *Node) error

// Cause tells observers why a tree changed.
type Cause string

// Change causes reported in events.
const (
	CauseApply   Cause = "apply"
	CauseRestore Cause = "restore"
	CauseHydrate Cause = "hydrate"
	CauseEvict   Cause = "evict"
)

// Event describes a visible change to one bloc tree.
type Event struct {
	BlocID   string
	CycleIDs []string
	Cause    Cause
}

// Token is an opaque reference to the state of a bloc before a patch, sufficient
// to restore it.
type Token struct {
	blocID  string
	gen     uint64
	before  *Node
	after   *Node
	at      Path
	inverse Patch
	delta   indexDelta
}

// BlocID returns the bloc the token belongs to.
func (t Token) BlocID() string { return t.blocID }

// Valid reports whether the token was issued by a successful patch.
func (t Token) Valid() bool { return t.blocID != "" }

type rootEntry struct {
	node *Node
	gen  uint64
}

// Store owns the current bloc roots. Readers never mutate it; all writes go
// through ApplyDelta, Restore, Hydrate and Evict, each of which swaps a root
// under a short critical section.
type Store struct {
	mu       sync.RWMutex
	roots    map[string]*rootEntry
	index    map[string]Path
	gen      uint64
	reducer  Reducer
	observer func(Event)
	nowFn    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithReducer installs the derived-value reducer run after every patch.
func WithReducer(r Reducer) Option {
	return func(s *Store) { s.reducer = r }
}

// WithObserver registers a callback invoked after each visible change, outside
// the store lock.
func WithObserver(fn func(Event)) Option {
	return func(s *Store) { s.observer = fn }
}

// WithNowFunc overrides the clock used to derive growth stages on read.
func WithNowFunc(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.nowFn = fn
		}
	}
}

// NewStore constructs an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		roots: make(map[string]*rootEntry),
		index: make(map[string]Path),
		nowFn: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NowFunc exposes the store clock.
func (s *Store) NowFunc() func() time.Time { return s.nowFn }

// Get returns the node at path.
func (s *Store) Get(path Path) (*Node, bool) {
	if len(path) == 0 {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.roots[path[0]]
	if !ok {
		return nil, false
	}
	return lookup(entry.node, path)
}

// Bloc returns the root of a cached bloc.
func (s *Store) Bloc(blocID string) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.roots[blocID]
	if !ok {
		return nil, false
	}
	return entry.node, true
}

// Blocs lists the cached bloc identifiers in sorted order.
func (s *Store) Blocs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.roots))
	for id := range s.roots {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// PathOf resolves a node identifier through the index.
func (s *Store) PathOf(id string) (Path, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return NewPath(p...), true
}

// Lookup resolves a node identifier to its path and node.
func (s *Store) Lookup(id string) (Path, *Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.index[id]
	if !ok {
		return nil, nil, false
	}
	entry, ok := s.roots[p[0]]
	if !ok {
		return nil, nil, false
	}
	n, ok := lookup(entry.node, p)
	if !ok {
		return nil, nil, false
	}
	return NewPath(p...), n, true
}

// Cycle returns a crop cycle with its growth stage derived for the current time.
func (s *Store) Cycle(id string) (domain.CropCycle, bool) {
	_, n, ok := s.Lookup(id)
	if !ok {
		return domain.CropCycle{}, false
	}
	c, ok := n.Record.(domain.CropCycle)
	if !ok {
		return domain.CropCycle{}, false
	}
	return growth.Decorate(c, s.nowFn()), true
}

// Cycles returns the cycles of a bloc with derived growth stages.
func (s *Store) Cycles(blocID string) []domain.CropCycle {
	root, ok := s.Bloc(blocID)
	if !ok {
		return nil
	}
	now := s.nowFn()
	out := make([]domain.CropCycle, 0, len(root.Children))
	for _, child := range root.Children {
		if c, ok := child.Record.(domain.CropCycle); ok {
			out = append(out, growth.Decorate(c, now))
		}
	}
	return out
}

// Generation returns the generation of a cached bloc root. Generations change
// when a bloc is hydrated, created or evicted, never on patches.
func (s *Store) Generation(blocID string) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.roots[blocID]
	if !ok {
		return 0, false
	}
	return entry.gen, true
}

// Live reports whether tok still refers to the cached generation of its bloc.
func (s *Store) Live(tok Token) bool {
	if !tok.Valid() {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.roots[tok.blocID]
	return ok && entry.gen == tok.gen
}

// ApplyDelta applies a patch at path, re-runs the reducer on the enclosing
// cycle and, when guard accepts the candidate, makes it visible. It returns a
// token that restores the previous state and the new bloc root.
func (s *Store) ApplyDelta(path Path, p Patch, guard Guard) (Token, *Node, error) {
	s.mu.Lock()
	tok, ev, err := s.applyLocked(path, p, guard)
	s.mu.Unlock()
	if err != nil {
		return Token{}, nil, err
	}
	s.emit(ev)
	return tok, tok.after, nil
}

// Replace swaps the subtree at path.
func (s *Store) Replace(path Path, n *Node) (Token, error) {
	tok, _, err := s.ApplyDelta(path, ReplaceNode{Node: n}, nil)
	return tok, err
}

// Remove detaches the subtree at path.
func (s *Store) Remove(path Path) (Token, error) {
	if len(path) == 0 {
		return Token{}, fmt.Errorf("remove: empty path")
	}
	tok, _, err := s.ApplyDelta(path.Parent(), RemoveChild{ID: path.Last()}, nil)
	return tok, err
}

// Restore returns the bloc to the state captured by tok. When nothing else has
// touched the bloc since, the previous root is reinstated as is; otherwise the
// inverse patch is applied to the current tree and the cycle re-reduced, so
// unrelated edits made in the meantime survive.
func (s *Store) Restore(tok Token) error {
	if !tok.Valid() {
		return ErrStaleToken
	}
	s.mu.Lock()
	ev, err := s.restoreLocked(tok)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.emit(ev)
	return nil
}

func (s *Store) restoreLocked(tok Token) (Event, error) {
	entry, ok := s.roots[tok.blocID]
	if tok.after == nil {
		// The patch removed the bloc root itself.
		if ok {
			return Event{}, ErrStaleToken
		}
		s.roots[tok.blocID] = &rootEntry{node: tok.before, gen: tok.gen}
		s.reindex(tok.delta.reversed())
		return Event{BlocID: tok.blocID, CycleIDs: cycleIDs(tok.before), Cause: CauseRestore}, nil
	}
	if !ok || entry.gen != tok.gen {
		return Event{}, ErrStaleToken
	}
	if entry.node == tok.after {
		switch {
		case tok.before == nil:
			delete(s.roots, tok.blocID)
		case tok.before.ID() != tok.blocID:
			delete(s.roots, tok.blocID)
			entry.node = tok.before
			s.roots[tok.before.ID()] = entry
		default:
			entry.node = tok.before
		}
		s.reindex(tok.delta.reversed())
		return Event{BlocID: tok.blocID, CycleIDs: touchedCycles(tok.before, tok.at), Cause: CauseRestore}, nil
	}
	if tok.before == nil {
		// A created bloc that has since been edited: drop it entirely.
		removed := entry.node
		delete(s.roots, tok.blocID)
		s.reindex(indexDelta{parent: Path{}, removed: removed})
		return Event{BlocID: tok.blocID, Cause: CauseRestore}, nil
	}
	_, ev, err := s.applyLocked(tok.at, tok.inverse, nil)
	if err != nil {
		return Event{}, err
	}
	ev.Cause = CauseRestore
	return ev, nil
}

func (s *Store) applyLocked(path Path, p Patch, guard Guard) (Token, Event, error) {
	var (
		blocID  string
		entry   *rootEntry
		before  *Node
		after   *Node
		inverse Patch
		invAt   Path
		delta   indexDelta
	)
	if len(path) == 0 {
		switch p := p.(type) {
		case InsertChild:
			if p.Node == nil || p.Node.ID() == "" {
				return Token{}, Event{}, fmt.Errorf("insert bloc: node without id")
			}
			blocID = p.Node.ID()
			if _, exists := s.roots[blocID]; exists {
				return Token{}, Event{}, fmt.Errorf("insert bloc: %s already cached", blocID)
			}
			s.gen++
			entry = &rootEntry{gen: s.gen}
			after = p.Node
			inverse, invAt = RemoveChild{ID: blocID}, Path{}
			delta = indexDelta{parent: Path{}, added: p.Node}
		case RemoveChild:
			blocID = p.ID
			var ok bool
			if entry, ok = s.roots[blocID]; !ok {
				return Token{}, Event{}, domain.NodeNotFound{Kind: domain.KindBloc, ID: blocID}
			}
			before = entry.node
			inverse, invAt = InsertChild{Node: before, Index: -1}, Path{}
			delta = indexDelta{parent: Path{}, removed: before}
		default:
			return Token{}, Event{}, fmt.Errorf("unsupported patch %T at root", p)
		}
	} else {
		blocID = path[0]
		var ok bool
		if entry, ok = s.roots[blocID]; !ok {
			return Token{}, Event{}, domain.NodeNotFound{Kind: domain.KindBloc, ID: blocID}
		}
		before = entry.node
		var err error
		after, err = rewrite(before, path, func(target *Node) (*Node, error) {
			next, inv, at, d, err := applyPatch(target, path, p)
			if err != nil {
				return nil, err
			}
			inverse, invAt, delta = inv, at, d
			return next, nil
		})
		if err != nil {
			return Token{}, Event{}, err
		}
	}

	cycleID := affectedCycle(path, p)
	if after != nil && s.reducer != nil && cycleID != "" {
		after = s.reducer(after, cycleID)
	}
	if guard != nil {
		if err := guard(before, after); err != nil {
			return Token{}, Event{}, err
		}
	}

	newBlocID := blocID
	if after != nil {
		newBlocID = after.ID()
	}
	switch {
	case after == nil:
		delete(s.roots, blocID)
	case newBlocID != blocID:
		delete(s.roots, blocID)
		s.roots[newBlocID] = &rootEntry{node: after, gen: entry.gen}
	default:
		entry.node = after
		s.roots[blocID] = entry
	}
	s.reindex(delta)

	tok := Token{
		blocID:  newBlocID,
		gen:     entry.gen,
		before:  before,
		after:   after,
		at:      invAt,
		inverse: inverse,
		delta:   delta,
	}
	ev := Event{BlocID: newBlocID, Cause: CauseApply}
	switch {
	case cycleID == AllCycles && after != nil:
		ev.CycleIDs = cycleIDs(after)
	case cycleID != "" && cycleID != AllCycles:
		ev.CycleIDs = []string{cycleID}
	}
	if rm, ok := p.(RemoveChild); ok && len(path) == 1 {
		ev.CycleIDs = []string{rm.ID}
	}
	return tok, ev, nil
}

// Hydrate installs a freshly fetched bloc tree, replacing any cached copy. All
// cycles are reduced and the bloc gets a new generation, so tokens issued
// against the previous copy become stale.
func (s *Store) Hydrate(root *Node) (*Node, error) {
	if root == nil || root.ID() == "" {
		return nil, fmt.Errorf("hydrate: bloc without id")
	}
	if s.reducer != nil {
		root = s.reducer(root, AllCycles)
	}
	s.mu.Lock()
	if prev, ok := s.roots[root.ID()]; ok {
		s.reindex(indexDelta{parent: Path{}, removed: prev.node})
	}
	s.gen++
	s.roots[root.ID()] = &rootEntry{node: root, gen: s.gen}
	s.reindex(indexDelta{parent: Path{}, added: root})
	s.mu.Unlock()
	s.emit(Event{BlocID: root.ID(), CycleIDs: cycleIDs(root), Cause: CauseHydrate})
	return root, nil
}

// Evict drops a bloc tree. Outstanding tokens for it become stale.
func (s *Store) Evict(blocID string) bool {
	s.mu.Lock()
	entry, ok := s.roots[blocID]
	if ok {
		delete(s.roots, blocID)
		s.reindex(indexDelta{parent: Path{}, removed: entry.node})
	}
	s.mu.Unlock()
	if ok {
		s.emit(Event{BlocID: blocID, CycleIDs: cycleIDs(entry.node), Cause: CauseEvict})
	}
	return ok
}

// ExportState flattens every cached bloc, sorted by bloc id.
func (s *Store) ExportState() []domain.BlocSnapshot {
	ids := s.Blocs()
	out := make([]domain.BlocSnapshot, 0, len(ids))
	for _, id := range ids {
		if root, ok := s.Bloc(id); ok {
			out = append(out, Flatten(root))
		}
	}
	return out
}

// ImportState hydrates every snapshot.
func (s *Store) ImportState(snapshots []domain.BlocSnapshot) error {
	for _, snap := range snapshots {
		if _, err := s.Hydrate(Build(snap)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) emit(ev Event) {
	if s.observer != nil && ev.BlocID != "" {
		s.observer(ev)
	}
}

func (d indexDelta) reversed() indexDelta {
	return indexDelta{parent: d.parent, added: d.removed, removed: d.added}
}

func (s *Store) reindex(d indexDelta) {
	if d.removed != nil {
		d.removed.Walk(d.parent, func(_ Path, n *Node) bool {
			delete(s.index, n.ID())
			return true
		})
	}
	if d.added != nil {
		d.added.Walk(d.parent, func(p Path, n *Node) bool {
			s.index[n.ID()] = p
			return true
		})
	}
}

func affectedCycle(path Path, p Patch) string {
	switch len(path) {
	case 0:
		return AllCycles
	case 1:
		switch p := p.(type) {
		case InsertChild:
			if p.Node.Kind() == domain.KindCropCycle {
				return p.Node.ID()
			}
		case SetRecord, ReplaceNode:
			return AllCycles
		}
		return ""
	case 2:
		if r, ok := p.(ReplaceNode); ok && r.Node != nil {
			return r.Node.ID()
		}
		return path[1]
	default:
		return path[1]
	}
}

func cycleIDs(root *Node) []string {
	if root == nil {
		return nil
	}
	out := make([]string, 0, len(root.Children))
	for _, c := range root.Children {
		out = append(out, c.ID())
	}
	return out
}

func touchedCycles(root *Node, at Path) []string {
	if id, ok := at.CycleID(); ok {
		return []string{id}
	}
	return cycleIDs(root)
}
