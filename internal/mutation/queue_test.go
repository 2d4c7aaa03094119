package mutation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not reached")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNodeLocksGrantInArrivalOrder(t *testing.T) {
	l := newNodeLocks()
	ctx := context.Background()
	require.NoError(t, l.acquire(ctx, "op1"))

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, l.acquire(ctx, "op1"))
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			l.release("op1")
		}(i)
		waitFor(t, func() bool { return l.waiting("op1") == i })
	}

	l.release("op1")
	wg.Wait()
	assert.Equal(t, []int{1, 2, 3}, order)
	assert.Zero(t, l.waiting("op1"))
	require.NoError(t, l.acquire(ctx, "op1"), "queue removed once drained")
}

func TestNodeLocksCancelledWaiterLeavesQueue(t *testing.T) {
	l := newNodeLocks()
	require.NoError(t, l.acquire(context.Background(), "wp1"))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- l.acquire(ctx, "wp1") }()
	waitFor(t, func() bool { return l.waiting("wp1") == 1 })
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.Zero(t, l.waiting("wp1"))

	l.release("wp1")
	require.NoError(t, l.acquire(context.Background(), "wp1"))
}

func TestAcquireAllReleasesPartialHoldings(t *testing.T) {
	l := newNodeLocks()
	require.NoError(t, l.acquire(context.Background(), "op2"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	held, blocked, err := l.acquireAll(ctx, []string{"wp1", "op2", "", "op1", "op1"})
	require.Error(t, err)
	assert.Nil(t, held)
	assert.Equal(t, "op2", blocked)

	held, _, err = l.acquireAll(context.Background(), []string{"op1"})
	require.NoError(t, err, "op1 was released after the failure")
	assert.Equal(t, []string{"op1"}, held)
}

func TestUniqueSortedDropsEmptyAndDuplicates(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, uniqueSorted([]string{"c", "", "a", "b", "a"}))
	assert.Empty(t, uniqueSorted(nil))
}

func TestTrackerIdle(t *testing.T) {
	tr := NewTracker()
	select {
	case <-tr.Idle("b1"):
	default:
		t.Fatalf("idle bloc should report immediately")
	}

	tr.Begin("b1")
	tr.Begin("b1")
	idle := tr.Idle("b1")
	assert.Equal(t, 2, tr.InFlight("b1"))

	tr.End("b1")
	select {
	case <-idle:
		t.Fatalf("bloc still has a mutation in flight")
	default:
	}

	tr.End("b1")
	select {
	case <-idle:
	case <-time.After(time.Second):
		t.Fatalf("idle channel not closed")
	}
	assert.Zero(t, tr.InFlight("b1"))
	tr.End("b1")
	assert.Zero(t, tr.InFlight("b1"))
}

func TestTrackerIfIdleSince(t *testing.T) {
	tr := NewTracker()
	ran := false
	assert.True(t, tr.IfIdleSince("b1", tr.Epoch("b1"), func() { ran = true }))
	assert.True(t, ran)

	epoch := tr.Epoch("b1")
	tr.Begin("b1")
	assert.False(t, tr.IfIdleSince("b1", tr.Epoch("b1"), func() { t.Fatalf("ran while busy") }))
	assert.True(t, tr.IfIdleSince("b2", tr.Epoch("b2"), func() {}), "other blocs are unaffected")

	tr.End("b1")
	assert.False(t, tr.IfIdleSince("b1", epoch, func() { t.Fatalf("ran with a read older than the last mutation") }))
	assert.Equal(t, epoch+1, tr.Epoch("b1"))
	assert.True(t, tr.IfIdleSince("b1", tr.Epoch("b1"), func() {}))
}
