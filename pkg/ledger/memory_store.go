package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/auditchain/pkg/canonicalize"
)

// MemoryStore is an in-process Store. Events are copied on the way in and
// out, so callers never share state with the stored chain.
type MemoryStore struct {
	mu     sync.RWMutex
	chains map[string][]Event
	ids    map[string]map[string]struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chains: make(map[string][]Event),
		ids:    make(map[string]map[string]struct{}),
	}
}

func (s *MemoryStore) Tip(_ context.Context, tenantID string) (Tip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.chains[tenantID]
	if len(events) == 0 {
		return Tip{}, nil
	}
	return tipOf(events[len(events)-1]), nil
}

func (s *MemoryStore) AppendIfTip(_ context.Context, expected canonicalize.Hash, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.chains[ev.TenantID]
	var current Tip
	if len(events) > 0 {
		current = tipOf(events[len(events)-1])
	}
	if current.Hash != expected || ev.Sequence != current.Sequence+1 {
		return ErrTipMismatch
	}
	ids := s.ids[ev.TenantID]
	if _, dup := ids[ev.ID]; dup {
		return fmt.Errorf("%w: %q", ErrDuplicateEventID, ev.ID)
	}
	if ids == nil {
		ids = make(map[string]struct{})
		s.ids[ev.TenantID] = ids
	}

	ids[ev.ID] = struct{}{}
	s.chains[ev.TenantID] = append(events, cloneEvent(ev))
	return nil
}

func (s *MemoryStore) Scan(_ context.Context, tenantID string, q Query) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.chains[tenantID]
	start := q.AfterSequence
	if start > uint64(len(events)) {
		start = uint64(len(events))
	}

	results := make([]Event, 0)
	for _, ev := range events[start:] {
		if q.pastEnd(ev) {
			break
		}
		if !q.matches(ev) {
			continue
		}
		results = append(results, cloneEvent(ev))
		if q.Limit > 0 && len(results) >= q.Limit {
			break
		}
	}
	return results, nil
}
