package ledger

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store used by tests and by the kernel's
// development mode. Entries are held per tenant in append order.
type MemoryStore struct {
	mu     sync.RWMutex
	chains map[string][]*Entry
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chains: make(map[string][]*Entry)}
}

// AppendEntry appends a copy of the entry to the tenant's chain.
func (s *MemoryStore) AppendEntry(_ context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.chains[entry.TenantID] = append(s.chains[entry.TenantID], &cp)
	return nil
}

// TailEntry returns the latest entry of the tenant's chain, or nil.
func (s *MemoryStore) TailEntry(_ context.Context, tenantID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[tenantID]
	if len(chain) == 0 {
		return nil, nil
	}
	cp := *chain[len(chain)-1]
	return &cp, nil
}

// ChainPage returns up to limit entries after afterID in append order.
func (s *MemoryStore) ChainPage(_ context.Context, tenantID, afterID string, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.chains[tenantID]
	start := 0
	if afterID != "" {
		for i, entry := range chain {
			if entry.ID == afterID {
				start = i + 1
				break
			}
		}
	}

	page := make([]*Entry, 0, limit)
	for i := start; i < len(chain) && len(page) < limit; i++ {
		cp := *chain[i]
		page = append(page, &cp)
	}
	return page, nil
}

// CountByAction returns per-action entry counts for a tenant.
func (s *MemoryStore) CountByAction(_ context.Context, tenantID string) (map[ActionType]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[ActionType]int64)
	for _, entry := range s.chains[tenantID] {
		counts[entry.Action]++
	}
	return counts, nil
}

// Tamper overwrites a stored entry in place. It exists so tests can break a
// chain post-hoc and assert that Verify reports the exact entry.
func (s *MemoryStore) Tamper(tenantID string, index int, mutate func(*Entry)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.chains[tenantID]
	if index < 0 || index >= len(chain) {
		return false
	}
	mutate(chain[index])
	return true
}
