package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/decisio/decisio/pkg/ledger"
)

// AdmissionPolicy is an optional hook evaluated before a goal is admitted.
// A violation is reported as an invalid-goal error and the run is never created.
type AdmissionPolicy interface {
	Admit(ctx context.Context, goal Goal) error
}

// SchedulerConfig bounds the scheduler. The zero value takes defaults.
type SchedulerConfig struct {
	// PerTenantCap is the maximum number of concurrently non-terminal runs one
	// tenant may hold. Excess submissions are rejected with Throttled rather
	// than queued: backpressure is explicit, never hidden.
	PerTenantCap int

	// GlobalWorkers bounds run workers across all tenants.
	GlobalWorkers int

	// StagePolicies overrides per-stage timeout/retry policy.
	StagePolicies map[StageKind]StagePolicy

	// LedgerCommitRetries overrides how many times a failed ledger append is
	// retried before the run stalls.
	LedgerCommitRetries int
}

const (
	defaultPerTenantCap  = 4
	defaultGlobalWorkers = 32
)

func (c SchedulerConfig) normalize() SchedulerConfig {
	if c.PerTenantCap <= 0 {
		c.PerTenantCap = defaultPerTenantCap
	}
	if c.GlobalWorkers <= 0 {
		c.GlobalWorkers = defaultGlobalWorkers
	}
	return c
}

// TenantScheduler admits goals, multiplexes RunManager workers across tenants,
// and enforces per-tenant concurrency caps and isolation. Each run is driven
// by exactly one worker executing stages strictly sequentially; many runs
// execute concurrently up to the global worker bound.
type TenantScheduler struct {
	cfg      SchedulerConfig
	executor *StageExecutor
	ledger   *ledger.Ledger
	store    RunStore
	policy   AdmissionPolicy
	events   EventPublisher
	logger   zerolog.Logger
	validate *validator.Validate
	clock    func() time.Time

	mu             sync.Mutex
	managers       map[string]*RunManager // run id -> active manager
	tenantActive   map[string]int         // tenant id -> non-terminal run count
	tenantOf       map[string]string      // run id -> tenant id, active runs only
	pendingCancels map[string]bool        // cancellations awaiting recovery

	sem    chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// NewTenantScheduler creates a scheduler. The admission policy is optional.
func NewTenantScheduler(
	cfg SchedulerConfig,
	executor *StageExecutor,
	ldg *ledger.Ledger,
	store RunStore,
	policy AdmissionPolicy,
	events EventPublisher,
	logger zerolog.Logger,
) *TenantScheduler {
	cfg = cfg.normalize()
	return &TenantScheduler{
		cfg:            cfg,
		executor:       executor,
		ledger:         ldg,
		store:          store,
		policy:         policy,
		events:         events,
		logger:         logger.With().Str("component", "scheduler").Logger(),
		validate:       validator.New(validator.WithRequiredStructEnabled()),
		clock:          time.Now,
		managers:       make(map[string]*RunManager),
		tenantActive:   make(map[string]int),
		tenantOf:       make(map[string]string),
		pendingCancels: make(map[string]bool),
		sem:            make(chan struct{}, cfg.GlobalWorkers),
	}
}

// Submit validates and admits a goal, creating a run and starting its worker.
// It fails with a throttled error when the tenant is at capacity and with an
// invalid-goal error when the goal fails structural validation or admission
// policy. The returned run id can be polled immediately.
func (s *TenantScheduler) Submit(ctx context.Context, goal Goal) (string, error) {
	if goal.SubmittedAt.IsZero() {
		goal.SubmittedAt = s.clock()
	}
	if err := s.validate.Struct(goal); err != nil {
		return "", NewInvalidGoalError("goal failed structural validation", err)
	}
	if s.policy != nil {
		if err := s.policy.Admit(ctx, goal); err != nil {
			if kerr, ok := err.(*Error); ok {
				return "", kerr
			}
			return "", NewInvalidGoalError("goal rejected by admission policy", err)
		}
	}

	now := s.clock()
	run := &Run{
		ID:           uuid.New().String(),
		TenantID:     goal.TenantID,
		Goal:         goal,
		Status:       RunStatusPending,
		StageResults: []StageResult{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	// Reserve the tenant slot under the lock so concurrent submissions for one
	// tenant cannot both pass the cap check. Another tenant's count is never
	// consulted.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", NewInvalidGoalError("scheduler is shut down", nil).WithCode(ErrCodeInternal)
	}
	if s.tenantActive[goal.TenantID] >= s.cfg.PerTenantCap {
		s.mu.Unlock()
		return "", NewThrottledError(fmt.Sprintf("tenant %s is at its concurrency cap (%d)", goal.TenantID, s.cfg.PerTenantCap))
	}
	s.tenantActive[goal.TenantID]++
	s.tenantOf[run.ID] = goal.TenantID
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		s.tenantActive[goal.TenantID]--
		if s.tenantActive[goal.TenantID] <= 0 {
			delete(s.tenantActive, goal.TenantID)
		}
		delete(s.tenantOf, run.ID)
		delete(s.managers, run.ID)
		s.mu.Unlock()
	}

	// Admission is ledgered before the run exists anywhere else.
	if _, err := s.ledger.Commit(ctx, goal.TenantID, ledger.ActionRunCreated, run); err != nil {
		release()
		return "", NewLedgerError("failed to ledger run admission", err)
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		release()
		return "", NewLedgerError("failed to persist admitted run", err).WithCode(ErrCodeInternal)
	}

	manager := NewRunManager(run, s.executor, s.ledger, s.store, s.cfg.StagePolicies, s.events, s.logger)
	manager.setLedgerRetryAttempts(s.cfg.LedgerCommitRetries)
	s.mu.Lock()
	s.managers[run.ID] = manager
	s.mu.Unlock()

	s.publishAdmitted(run)
	s.startWorker(manager, release)

	s.logger.Info().Str("run_id", run.ID).Str("tenant_id", run.TenantID).Msg("run admitted")
	return run.ID, nil
}

// startWorker drives a run on the global worker pool.
func (s *TenantScheduler) startWorker(manager *RunManager, release func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer release()

		s.sem <- struct{}{}
		defer func() { <-s.sem }()

		// The worker owns the run for its lifetime; submission contexts are
		// request-scoped and must not cancel execution.
		if err := manager.Execute(context.Background()); err != nil {
			s.logger.Error().Err(err).Str("run_id", manager.run.ID).Msg("run stalled")
		}
	}()
}

// Cancel requests cooperative cancellation of a run. It is a no-op when the
// run is already terminal. Cancellation of a stalled run is remembered and
// applied when the run is recovered.
func (s *TenantScheduler) Cancel(ctx context.Context, runID string) error {
	s.mu.Lock()
	if manager, ok := s.managers[runID]; ok {
		s.mu.Unlock()
		manager.RequestCancel()
		return nil
	}
	s.mu.Unlock()

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return NewInvalidGoalError("run not found", err).WithCode(ErrCodeNotFound)
	}
	if run.Status.IsTerminal() {
		return nil
	}

	s.mu.Lock()
	s.pendingCancels[runID] = true
	s.mu.Unlock()
	return nil
}

// Status returns a read-only snapshot of a run. Repeated polling without
// further action returns identical snapshots.
func (s *TenantScheduler) Status(ctx context.Context, runID string) (*Run, error) {
	s.mu.Lock()
	manager, ok := s.managers[runID]
	s.mu.Unlock()
	if ok {
		return manager.Snapshot(), nil
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, NewInvalidGoalError("run not found", err).WithCode(ErrCodeNotFound)
	}
	return run.Snapshot(), nil
}

// ActiveRuns returns the number of non-terminal runs a tenant currently holds.
func (s *TenantScheduler) ActiveRuns(tenantID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tenantActive[tenantID]
}

// Recover scans the store for non-terminal runs without an active worker and
// restarts them. It runs once at process start and then periodically via
// RecoverLoop so runs stalled on ledger failures are resumed rather than
// dropped.
func (s *TenantScheduler) Recover(ctx context.Context) (int, error) {
	const pageSize = 200
	recovered := 0
	for offset := 0; ; offset += pageSize {
		runs, err := s.store.ListRuns(ctx, "", pageSize, offset)
		if err != nil {
			return recovered, fmt.Errorf("failed to list runs for recovery: %w", err)
		}
		for _, run := range runs {
			if run.Status.IsTerminal() {
				continue
			}
			if s.resume(run) {
				recovered++
			}
		}
		if len(runs) < pageSize {
			return recovered, nil
		}
	}
}

// defaultRecoverInterval paces the periodic recovery sweep.
const defaultRecoverInterval = 30 * time.Second

// RecoverLoop re-runs Recover on a fixed interval so runs stalled after a
// ledger outage are picked up without a process restart. It blocks until ctx
// is done or the scheduler shuts down; zero or negative intervals take the
// default.
func (s *TenantScheduler) RecoverLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultRecoverInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}

		resumed, err := s.Recover(ctx)
		switch {
		case err != nil:
			s.logger.Error().Err(err).Msg("periodic recovery sweep failed")
		case resumed > 0:
			s.logger.Info().Int("resumed", resumed).Msg("periodic recovery resumed stalled runs")
		}
	}
}

// resume restarts one non-terminal run, honoring a pending cancellation.
// It reports whether a worker was started.
func (s *TenantScheduler) resume(run *Run) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if _, active := s.managers[run.ID]; active {
		s.mu.Unlock()
		return false
	}
	// Recovered runs were admitted before the restart; they re-occupy their
	// tenant slot without a cap check.
	s.tenantActive[run.TenantID]++
	s.tenantOf[run.ID] = run.TenantID
	cancelPending := s.pendingCancels[run.ID]
	delete(s.pendingCancels, run.ID)

	manager := NewRunManager(run, s.executor, s.ledger, s.store, s.cfg.StagePolicies, s.events, s.logger)
	manager.setLedgerRetryAttempts(s.cfg.LedgerCommitRetries)
	if cancelPending {
		manager.RequestCancel()
	}
	s.managers[run.ID] = manager
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		s.tenantActive[run.TenantID]--
		if s.tenantActive[run.TenantID] <= 0 {
			delete(s.tenantActive, run.TenantID)
		}
		delete(s.tenantOf, run.ID)
		delete(s.managers, run.ID)
		s.mu.Unlock()
	}

	s.logger.Info().Str("run_id", run.ID).Str("tenant_id", run.TenantID).
		Str("status", string(run.Status)).Msg("resuming run")
	s.startWorker(manager, release)
	return true
}

// Shutdown stops admitting and waits for in-flight workers to finish, up to
// the context deadline.
func (s *TenantScheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out with workers still running: %w", ctx.Err())
	}
}

func (s *TenantScheduler) publishAdmitted(run *Run) {
	if s.events == nil {
		return
	}
	_ = s.events.Publish(context.Background(), Event{
		Type:      EventTypeRunAdmitted,
		Timestamp: s.clock(),
		TenantID:  run.TenantID,
		RunID:     run.ID,
		Message:   "run admitted",
		Level:     "info",
	})
}
