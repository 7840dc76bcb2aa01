package ledger

import (
	"context"
	"sync"
)

// tenantLocks hands out one exclusive lock per tenant. Entries are reference
// counted and dropped when no appender holds or waits on them.
type tenantLocks struct {
	mu    sync.Mutex
	locks map[string]*tenantLock
}

type tenantLock struct {
	sem  chan struct{}
	refs int
}

func newTenantLocks() *tenantLocks {
	return &tenantLocks{locks: make(map[string]*tenantLock)}
}

// acquire blocks until tenantID's lock is held or ctx is done.
func (t *tenantLocks) acquire(ctx context.Context, tenantID string) (func(), error) {
	t.mu.Lock()
	l, ok := t.locks[tenantID]
	if !ok {
		l = &tenantLock{sem: make(chan struct{}, 1)}
		t.locks[tenantID] = l
	}
	l.refs++
	t.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
		return func() {
			<-l.sem
			t.release(tenantID, l)
		}, nil
	case <-ctx.Done():
		t.release(tenantID, l)
		return nil, ctx.Err()
	}
}

func (t *tenantLocks) release(tenantID string, l *tenantLock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(t.locks, tenantID)
	}
}

// size reports the number of live tenant entries.
func (t *tenantLocks) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
