package mutation

import (
	"context"
	"sort"
	"sync"
)

// nodeLocks grants exclusive access per node identifier in arrival order.
type nodeLocks struct {
	mu     sync.Mutex
	queues map[string]*nodeQueue
}

type nodeQueue struct {
	waiters []chan struct{}
}

func newNodeLocks() *nodeLocks {
	return &nodeLocks{queues: make(map[string]*nodeQueue)}
}

// acquire blocks until key is free or ctx is done.
func (l *nodeLocks) acquire(ctx context.Context, key string) error {
	l.mu.Lock()
	q, busy := l.queues[key]
	if !busy {
		l.queues[key] = &nodeQueue{}
		l.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	q.waiters = append(q.waiters, ch)
	l.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, w := range q.waiters {
			if w == ch {
				q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
				l.mu.Unlock()
				return ctx.Err()
			}
		}
		// Granted while we were giving up: pass the lock on.
		l.releaseLocked(key)
		l.mu.Unlock()
		return ctx.Err()
	}
}

func (l *nodeLocks) release(key string) {
	l.mu.Lock()
	l.releaseLocked(key)
	l.mu.Unlock()
}

func (l *nodeLocks) releaseLocked(key string) {
	q, ok := l.queues[key]
	if !ok {
		return
	}
	if len(q.waiters) == 0 {
		delete(l.queues, key)
		return
	}
	next := q.waiters[0]
	q.waiters = q.waiters[1:]
	close(next)
}

// acquireAll takes every key in sorted order so that overlapping key sets never
// deadlock. On failure the keys already held are released and the key that
// could not be taken is returned.
func (l *nodeLocks) acquireAll(ctx context.Context, keys []string) ([]string, string, error) {
	keys = uniqueSorted(keys)
	for i, key := range keys {
		if err := l.acquire(ctx, key); err != nil {
			l.releaseAll(keys[:i])
			return nil, key, err
		}
	}
	return keys, "", nil
}

func (l *nodeLocks) releaseAll(keys []string) {
	for _, key := range keys {
		l.release(key)
	}
}

// waiting reports how many callers are queued behind the holder of key.
func (l *nodeLocks) waiting(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if q, ok := l.queues[key]; ok {
		return len(q.waiters)
	}
	return 0
}

func uniqueSorted(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
