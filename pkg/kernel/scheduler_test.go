package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// blockingCollabs wraps fakeCollabs so the optimize stage blocks until
// released, keeping runs in flight for concurrency assertions.
type blockingCollabs struct {
	*fakeCollabs
	release chan struct{}
	once    sync.Once
}

func newBlockingCollabs() *blockingCollabs {
	b := &blockingCollabs{fakeCollabs: newFakeCollabs(), release: make(chan struct{})}
	b.optimize = func(int, json.RawMessage) (json.RawMessage, error) {
		<-b.release
		return json.RawMessage(`{"solution": {}}`), nil
	}
	return b
}

func (b *blockingCollabs) unblock() {
	b.once.Do(func() { close(b.release) })
}

func newTestScheduler(t *testing.T, cfg SchedulerConfig, collabs Collaborators) (*TenantScheduler, *memRunStore, *flakyLedgerStore) {
	t.Helper()

	executor, err := NewStageExecutor(collabs)
	if err != nil {
		t.Fatalf("executor: %v", err)
	}
	store := newMemRunStore()
	ledgerStore := newFlakyLedgerStore()
	if cfg.StagePolicies == nil {
		cfg.StagePolicies = fastPolicies()
	}
	scheduler := NewTenantScheduler(cfg, executor, newTestLedger(ledgerStore), store, nil, nil, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = scheduler.Shutdown(ctx)
	})
	return scheduler, store, ledgerStore
}

func testGoal(tenant string) Goal {
	return Goal{
		TenantID: tenant,
		Text:     "cut warehouse overtime without missing SLAs",
	}
}

func waitTerminal(t *testing.T, scheduler *TenantScheduler, runID string) *Run {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		run, err := scheduler.Status(context.Background(), runID)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if run.Status.IsTerminal() {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never reached a terminal status", runID)
	return nil
}

func TestSubmitRunsToCompletion(t *testing.T) {
	scheduler, store, _ := newTestScheduler(t, SchedulerConfig{}, newFakeCollabs().set())

	runID, err := scheduler.Submit(context.Background(), testGoal("acme-retail"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	run := waitTerminal(t, scheduler, runID)
	if run.Status != RunStatusCompleted {
		t.Fatalf("status = %s, want completed", run.Status)
	}

	stored, err := store.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if stored.Status != RunStatusCompleted {
		t.Fatalf("stored status = %s", stored.Status)
	}
}

func TestSubmitRejectsInvalidGoals(t *testing.T) {
	scheduler, _, _ := newTestScheduler(t, SchedulerConfig{}, newFakeCollabs().set())

	tests := []struct {
		name string
		goal Goal
	}{
		{"empty tenant", Goal{Text: "a perfectly good goal"}},
		{"empty text", Goal{TenantID: "acme-retail"}},
		{"text too short", Goal{TenantID: "acme-retail", Text: "hi"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := scheduler.Submit(context.Background(), tt.goal)
			if !IsInvalid(err) {
				t.Fatalf("error = %v, want invalid-goal", err)
			}
		})
	}
}

func TestSubmitThrottlesAtTenantCap(t *testing.T) {
	collabs := newBlockingCollabs()
	scheduler, _, _ := newTestScheduler(t, SchedulerConfig{PerTenantCap: 2, GlobalWorkers: 8}, collabs.set())
	defer collabs.unblock()

	if _, err := scheduler.Submit(context.Background(), testGoal("acme-retail")); err != nil {
		t.Fatalf("submit 1: %v", err)
	}
	if _, err := scheduler.Submit(context.Background(), testGoal("acme-retail")); err != nil {
		t.Fatalf("submit 2: %v", err)
	}

	_, err := scheduler.Submit(context.Background(), testGoal("acme-retail"))
	if !IsThrottled(err) {
		t.Fatalf("error = %v, want throttled", err)
	}

	// Another tenant is unaffected by acme-retail's cap.
	if _, err := scheduler.Submit(context.Background(), testGoal("rival-corp")); err != nil {
		t.Fatalf("other tenant submit: %v", err)
	}

	if n := scheduler.ActiveRuns("acme-retail"); n != 2 {
		t.Fatalf("active runs = %d, want 2", n)
	}
}

func TestSlotReleasedAfterTerminal(t *testing.T) {
	collabs := newBlockingCollabs()
	scheduler, _, _ := newTestScheduler(t, SchedulerConfig{PerTenantCap: 1, GlobalWorkers: 4}, collabs.set())

	first, err := scheduler.Submit(context.Background(), testGoal("acme-retail"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := scheduler.Submit(context.Background(), testGoal("acme-retail")); !IsThrottled(err) {
		t.Fatalf("error = %v, want throttled at cap 1", err)
	}

	collabs.unblock()
	waitTerminal(t, scheduler, first)

	// The slot frees once the run is terminal; submission succeeds again.
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, err = scheduler.Submit(context.Background(), testGoal("acme-retail"))
		if err == nil {
			return
		}
		if !IsThrottled(err) {
			t.Fatalf("submit after completion: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("slot was never released after the run completed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCancelActiveRun(t *testing.T) {
	collabs := newBlockingCollabs()
	scheduler, _, _ := newTestScheduler(t, SchedulerConfig{}, collabs.set())

	runID, err := scheduler.Submit(context.Background(), testGoal("acme-retail"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := scheduler.Cancel(context.Background(), runID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	collabs.unblock()

	run := waitTerminal(t, scheduler, runID)
	if run.Status != RunStatusCancelled {
		t.Fatalf("status = %s, want cancelled", run.Status)
	}
}

func TestCancelTerminalRunIsNoOp(t *testing.T) {
	scheduler, _, _ := newTestScheduler(t, SchedulerConfig{}, newFakeCollabs().set())

	runID, err := scheduler.Submit(context.Background(), testGoal("acme-retail"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitTerminal(t, scheduler, runID)

	if err := scheduler.Cancel(context.Background(), runID); err != nil {
		t.Fatalf("cancel of terminal run: %v", err)
	}
}

func TestCancelUnknownRun(t *testing.T) {
	scheduler, _, _ := newTestScheduler(t, SchedulerConfig{}, newFakeCollabs().set())

	err := scheduler.Cancel(context.Background(), "no-such-run")
	if !IsInvalid(err) {
		t.Fatalf("error = %v, want invalid", err)
	}
}

func TestStatusUnknownRun(t *testing.T) {
	scheduler, _, _ := newTestScheduler(t, SchedulerConfig{}, newFakeCollabs().set())

	_, err := scheduler.Status(context.Background(), "no-such-run")
	var kerr *Error
	if !errors.As(err, &kerr) {
		t.Fatalf("error = %v, want *Error", err)
	}
	if kerr.Code != ErrCodeNotFound {
		t.Fatalf("code = %s, want NOT_FOUND", kerr.Code)
	}
}

func TestRecoverRestartsInterruptedRuns(t *testing.T) {
	collabs := newFakeCollabs()
	scheduler, store, _ := newTestScheduler(t, SchedulerConfig{}, collabs.set())

	// A run left mid-pipeline by a crashed process: compiled, then nothing.
	run := newTestRun("acme-retail")
	run.Status = RunStatusCompiling
	run.CurrentStage = StageCompile
	run.StageResults = append(run.StageResults, StageResult{
		Stage:      StageCompile,
		Attempt:    1,
		StartedAt:  run.CreatedAt,
		FinishedAt: run.CreatedAt,
		Outcome:    StageOutcomeOK,
		Payload:    json.RawMessage(`{"problem": "structured"}`),
	})
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	recovered, err := scheduler.Recover(context.Background())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("recovered %d runs, want 1", recovered)
	}

	final := waitTerminal(t, scheduler, run.ID)
	if final.Status != RunStatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	// The cached compile result was reused.
	if collabs.callCount(StageCompile) != 0 {
		t.Fatal("compile re-ran during recovery")
	}
}

func TestRecoverSkipsTerminalRuns(t *testing.T) {
	scheduler, store, _ := newTestScheduler(t, SchedulerConfig{}, newFakeCollabs().set())

	run := newTestRun("acme-retail")
	run.Status = RunStatusCompleted
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	recovered, err := scheduler.Recover(context.Background())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != 0 {
		t.Fatalf("recovered %d runs, want 0", recovered)
	}
}

func TestCancelBeforeRecoveryIsHonored(t *testing.T) {
	collabs := newBlockingCollabs()
	scheduler, store, _ := newTestScheduler(t, SchedulerConfig{}, collabs.set())
	defer collabs.unblock()

	// A stalled, workerless run: cancellation is remembered, then applied on
	// the recovery that follows.
	run := newTestRun("acme-retail")
	run.Status = RunStatusCompiling
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	if err := scheduler.Cancel(context.Background(), run.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := scheduler.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}

	final := waitTerminal(t, scheduler, run.ID)
	if final.Status != RunStatusCancelled {
		t.Fatalf("status = %s, want cancelled", final.Status)
	}
}

func TestSubmitAfterShutdown(t *testing.T) {
	scheduler, _, _ := newTestScheduler(t, SchedulerConfig{}, newFakeCollabs().set())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := scheduler.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	_, err := scheduler.Submit(context.Background(), testGoal("acme-retail"))
	if err == nil {
		t.Fatal("submit succeeded after shutdown")
	}
}

func TestStatusWhileRunExecutes(t *testing.T) {
	collabs := newFakeCollabs()
	collabs.forecast = func(int) (json.RawMessage, error) {
		time.Sleep(30 * time.Millisecond)
		return json.RawMessage(`{"forecast": [0.4]}`), nil
	}
	scheduler, _, _ := newTestScheduler(t, SchedulerConfig{}, collabs.set())

	runID, err := scheduler.Submit(context.Background(), testGoal("acme-retail"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Hammer Status from several goroutines while the worker drives stage
	// transitions. Snapshots must always be internally consistent.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				run, err := scheduler.Status(context.Background(), runID)
				if err != nil {
					t.Errorf("status: %v", err)
					return
				}
				for _, r := range run.StageResults {
					if r.Stage == "" || r.Outcome == "" {
						t.Errorf("snapshot holds a half-written stage result: %+v", r)
						return
					}
				}
				if run.Status == RunStatusCompleted && run.Terminal == nil {
					t.Error("completed snapshot without a terminal result")
					return
				}
			}
		}()
	}

	final := waitTerminal(t, scheduler, runID)
	close(stop)
	wg.Wait()
	if final.Status != RunStatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
}

func TestRecoverLoopResumesStalledRuns(t *testing.T) {
	collabs := newFakeCollabs()
	scheduler, store, _ := newTestScheduler(t, SchedulerConfig{}, collabs.set())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go scheduler.RecoverLoop(ctx, 10*time.Millisecond)

	// A run that stalled after startup recovery already swept: no worker owns
	// it, so only the periodic sweep can resume it.
	run := newTestRun("acme-retail")
	run.Status = RunStatusCompiling
	run.CurrentStage = StageCompile
	run.StageResults = append(run.StageResults, StageResult{
		Stage:      StageCompile,
		Attempt:    1,
		StartedAt:  run.CreatedAt,
		FinishedAt: run.CreatedAt,
		Outcome:    StageOutcomeOK,
		Payload:    json.RawMessage(`{"problem": "structured"}`),
	})
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	final := waitTerminal(t, scheduler, run.ID)
	if final.Status != RunStatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
}
