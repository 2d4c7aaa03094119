package mutation

import "sync"

// Tracker counts in-flight mutations per bloc. The query gateway consults it to
// hold back refetch results until a bloc has settled. Every Begin also advances
// the bloc's epoch, so a read taken before a mutation can be told apart from one
// taken after it settled.
type Tracker struct {
	mu      sync.Mutex
	counts  map[string]int
	epochs  map[string]uint64
	waiters map[string][]chan struct{}
}

// NewTracker constructs an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		counts:  make(map[string]int),
		epochs:  make(map[string]uint64),
		waiters: make(map[string][]chan struct{}),
	}
}

// Begin records a mutation entering flight on blocID.
func (t *Tracker) Begin(blocID string) {
	t.mu.Lock()
	t.counts[blocID]++
	t.epochs[blocID]++
	t.mu.Unlock()
}

// Epoch returns how many mutations have begun on blocID.
func (t *Tracker) Epoch(blocID string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.epochs[blocID]
}

// End records a mutation settling. Idle waiters are released when the count
// drops to zero.
func (t *Tracker) End(blocID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.counts[blocID] <= 1 {
		delete(t.counts, blocID)
		for _, ch := range t.waiters[blocID] {
			close(ch)
		}
		delete(t.waiters, blocID)
		return
	}
	t.counts[blocID]--
}

// InFlight returns the number of unsettled mutations on blocID.
func (t *Tracker) InFlight(blocID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[blocID]
}

// Idle returns a channel closed once blocID has no mutation in flight. It is
// already closed when the bloc is idle.
func (t *Tracker) Idle(blocID string) <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan struct{})
	if t.counts[blocID] == 0 {
		close(ch)
		return ch
	}
	t.waiters[blocID] = append(t.waiters[blocID], ch)
	return ch
}

// IfIdleSince runs fn only when blocID has no mutation in flight and none has
// begun since epoch was read, reporting whether it ran. No mutation can begin on
// the bloc while fn runs.
func (t *Tracker) IfIdleSince(blocID string, epoch uint64, fn func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.counts[blocID] > 0 || t.epochs[blocID] != epoch {
		return false
	}
	fn()
	return true
}
