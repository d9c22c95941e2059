package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/decisio/decisio/pkg/ledger"
)

// Shared fixtures for the kernel tests: an in-memory run store, a fault
// injectable ledger store, and scriptable collaborators.

// memRunStore is a minimal in-memory RunStore. The production stores live in
// pkg/stores; a local copy here avoids an import cycle.
type memRunStore struct {
	mu   sync.Mutex
	runs map[string]*Run

	failSaves bool
}

func newMemRunStore() *memRunStore {
	return &memRunStore{runs: make(map[string]*Run)}
}

func (s *memRunStore) CreateRun(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	s.runs[run.ID] = run.Snapshot()
	return nil
}

func (s *memRunStore) SaveRun(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSaves {
		return fmt.Errorf("injected save failure")
	}
	s.runs[run.ID] = run.Snapshot()
	return nil
}

func (s *memRunStore) GetRun(_ context.Context, id string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s not found", id)
	}
	return run.Snapshot(), nil
}

func (s *memRunStore) ListRuns(_ context.Context, tenantID string, limit, offset int) ([]*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []*Run
	for _, run := range s.runs {
		if tenantID == "" || run.TenantID == tenantID {
			matched = append(matched, run.Snapshot())
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *memRunStore) CountActiveRuns(_ context.Context, tenantID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, run := range s.runs {
		if run.TenantID == tenantID && run.Status.IsActive() {
			count++
		}
	}
	return count, nil
}

// flakyLedgerStore wraps the in-memory ledger store and fails the next N
// appends when armed.
type flakyLedgerStore struct {
	*ledger.MemoryStore

	mu       sync.Mutex
	failNext int
}

func newFlakyLedgerStore() *flakyLedgerStore {
	return &flakyLedgerStore{MemoryStore: ledger.NewMemoryStore()}
}

func (s *flakyLedgerStore) arm(n int) {
	s.mu.Lock()
	s.failNext = n
	s.mu.Unlock()
}

func (s *flakyLedgerStore) AppendEntry(ctx context.Context, entry *ledger.Entry) error {
	s.mu.Lock()
	if s.failNext > 0 {
		s.failNext--
		s.mu.Unlock()
		return fmt.Errorf("injected append failure")
	}
	s.mu.Unlock()
	return s.MemoryStore.AppendEntry(ctx, entry)
}

func newTestLedger(store ledger.Store) *ledger.Ledger {
	keys, err := ledger.NewKeyring(1, map[int]string{1: strings.Repeat("0f", 32)})
	if err != nil {
		panic(err)
	}
	return ledger.New(store, keys)
}

// fakeCollabs implements all five collaborator interfaces with overridable
// behavior. Unset hooks return canned successful payloads.
type fakeCollabs struct {
	mu       sync.Mutex
	calls    map[StageKind]int
	compile  func(attempt int) (json.RawMessage, error)
	forecast func(attempt int) (json.RawMessage, error)
	optimize func(attempt int, input json.RawMessage) (json.RawMessage, error)
	diagnose func(attempt int) (json.RawMessage, error)
	explain  func(attempt int, outcome json.RawMessage) (json.RawMessage, error)
}

func newFakeCollabs() *fakeCollabs {
	return &fakeCollabs{calls: make(map[StageKind]int)}
}

func (f *fakeCollabs) record(stage StageKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[stage]++
	return f.calls[stage]
}

func (f *fakeCollabs) callCount(stage StageKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[stage]
}

func (f *fakeCollabs) Compile(_ context.Context, _ Goal) (json.RawMessage, error) {
	n := f.record(StageCompile)
	if f.compile != nil {
		return f.compile(n)
	}
	return json.RawMessage(`{"problem": "structured"}`), nil
}

func (f *fakeCollabs) Forecast(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
	n := f.record(StageForecast)
	if f.forecast != nil {
		return f.forecast(n)
	}
	return json.RawMessage(`{"forecast": [0.4, 0.5, 0.6]}`), nil
}

func (f *fakeCollabs) Optimize(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
	n := f.record(StageOptimize)
	if f.optimize != nil {
		return f.optimize(n, input)
	}
	return json.RawMessage(`{"solution": {"kpi": 42}}`), nil
}

func (f *fakeCollabs) Diagnose(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
	n := f.record(StageDiagnose)
	if f.diagnose != nil {
		return f.diagnose(n)
	}
	return json.RawMessage(`{"relaxed": true}`), nil
}

func (f *fakeCollabs) Explain(_ context.Context, outcome json.RawMessage) (json.RawMessage, error) {
	n := f.record(StageExplain)
	if f.explain != nil {
		return f.explain(n, outcome)
	}
	return json.RawMessage(`{"narrative": "done"}`), nil
}

func (f *fakeCollabs) set() Collaborators {
	return Collaborators{
		Compiler:      f,
		Forecaster:    f,
		Optimizer:     f,
		Diagnostician: f,
		Explainer:     f,
	}
}

// capturingPublisher collects published events for assertions.
type capturingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *capturingPublisher) Publish(_ context.Context, event Event) error {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
	return nil
}

func (p *capturingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func newTestRun(tenant string) *Run {
	now := time.Now().UTC()
	return &Run{
		ID:       uuid.New().String(),
		TenantID: tenant,
		Goal: Goal{
			TenantID:    tenant,
			Text:        "maximize contribution margin within the Q3 budget",
			SubmittedAt: now,
		},
		Status:       RunStatusPending,
		StageResults: []StageResult{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// fastPolicies keeps backoff out of the test critical path.
func fastPolicies() map[StageKind]StagePolicy {
	policies := make(map[StageKind]StagePolicy, len(Stages))
	for _, stage := range Stages {
		policies[stage] = StagePolicy{
			Timeout:     5 * time.Second,
			MaxAttempts: 3,
			BackoffBase: time.Millisecond,
			BackoffMax:  5 * time.Millisecond,
		}
	}
	return policies
}
