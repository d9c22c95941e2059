package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/decisio/decisio/pkg/kernel"
)

// MemoryRunStore is an in-memory kernel.RunStore used by tests and by the
// kernel's development mode. All reads return deep copies.
type MemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string]*kernel.Run
}

// NewMemoryRunStore creates an empty in-memory run store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[string]*kernel.Run)}
}

// CreateRun persists a newly admitted run.
func (s *MemoryRunStore) CreateRun(_ context.Context, run *kernel.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	s.runs[run.ID] = run.Snapshot()
	return nil
}

// SaveRun replaces the stored state of a run.
func (s *MemoryRunStore) SaveRun(_ context.Context, run *kernel.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; !exists {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}
	s.runs[run.ID] = run.Snapshot()
	return nil
}

// GetRun retrieves a run by ID.
func (s *MemoryRunStore) GetRun(_ context.Context, id string) (*kernel.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run.Snapshot(), nil
}

// ListRuns lists runs in reverse creation order.
func (s *MemoryRunStore) ListRuns(_ context.Context, tenantID string, limit, offset int) ([]*kernel.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*kernel.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if tenantID == "" || run.TenantID == tenantID {
			matched = append(matched, run)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if offset >= len(matched) {
		return []*kernel.Run{}, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}

	out := make([]*kernel.Run, len(matched))
	for i, run := range matched {
		out[i] = run.Snapshot()
	}
	return out, nil
}

// CountActiveRuns counts a tenant's non-terminal runs.
func (s *MemoryRunStore) CountActiveRuns(_ context.Context, tenantID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, run := range s.runs {
		if run.TenantID == tenantID && run.Status.IsActive() {
			count++
		}
	}
	return count, nil
}
