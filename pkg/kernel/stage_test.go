package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestExecutorSuccessfulAttempt(t *testing.T) {
	collabs := newFakeCollabs()
	executor, err := NewStageExecutor(collabs.set())
	if err != nil {
		t.Fatalf("executor: %v", err)
	}

	result, err := executor.Execute(context.Background(), StageCompile, 1, testGoal("acme-retail"), nil, time.Second)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Outcome != StageOutcomeOK {
		t.Fatalf("outcome = %s, want ok", result.Outcome)
	}
	if result.Stage != StageCompile || result.Attempt != 1 {
		t.Fatalf("result identity = %s/%d", result.Stage, result.Attempt)
	}
	if string(result.Payload) != `{"problem": "structured"}` {
		t.Fatalf("payload = %s", result.Payload)
	}
	if result.FinishedAt.Before(result.StartedAt) {
		t.Fatal("finished before started")
	}
}

func TestExecutorTimeoutIsTransient(t *testing.T) {
	collabs := newFakeCollabs()
	collabs.forecast = func(int) (json.RawMessage, error) {
		time.Sleep(200 * time.Millisecond)
		return nil, context.DeadlineExceeded
	}
	executor, _ := NewStageExecutor(collabs.set())

	result, err := executor.Execute(context.Background(), StageForecast, 1, Goal{}, nil, 10*time.Millisecond)
	if !IsTransient(err) {
		t.Fatalf("error = %v, want transient", err)
	}
	var kerr *Error
	if !errors.As(err, &kerr) || kerr.Code != ErrCodeTimeout {
		t.Fatalf("code = %v, want TIMEOUT", err)
	}
	if result.Outcome != StageOutcomeTimeout {
		t.Fatalf("outcome = %s, want timeout", result.Outcome)
	}
}

func TestExecutorUntaggedErrorIsTerminal(t *testing.T) {
	collabs := newFakeCollabs()
	collabs.optimize = func(int, json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("solver core dumped")
	}
	executor, _ := NewStageExecutor(collabs.set())

	result, err := executor.Execute(context.Background(), StageOptimize, 1, Goal{}, nil, time.Second)
	if !IsTerminal(err) {
		t.Fatalf("error = %v, want terminal", err)
	}
	var kerr *Error
	if !errors.As(err, &kerr) {
		t.Fatalf("error = %v, want *Error", err)
	}
	if kerr.Code != ErrCodeCollaborator {
		t.Fatalf("code = %s, want COLLABORATOR_FAILED", kerr.Code)
	}
	if kerr.Stage != StageOptimize {
		t.Fatalf("stage = %s, want optimize", kerr.Stage)
	}
	if result.Outcome != StageOutcomeError {
		t.Fatalf("outcome = %s, want error", result.Outcome)
	}
	if result.ErrorDetail == "" {
		t.Fatal("error detail not recorded")
	}
}

func TestExecutorPreservesDeclaredClass(t *testing.T) {
	collabs := newFakeCollabs()
	collabs.optimize = func(int, json.RawMessage) (json.RawMessage, error) {
		return nil, NewTransientError("solver pool saturated", nil)
	}
	executor, _ := NewStageExecutor(collabs.set())

	_, err := executor.Execute(context.Background(), StageOptimize, 1, Goal{}, nil, time.Second)
	if !IsTransient(err) {
		t.Fatalf("error = %v, want transient class preserved", err)
	}
	var kerr *Error
	if !errors.As(err, &kerr) || kerr.Stage != StageOptimize {
		t.Fatalf("stage not tagged on declared error: %v", err)
	}
}

func TestExecutorUnknownStage(t *testing.T) {
	executor, _ := NewStageExecutor(newFakeCollabs().set())

	result, err := executor.Execute(context.Background(), StageKind("audit"), 1, Goal{}, nil, time.Second)
	if !IsTerminal(err) {
		t.Fatalf("error = %v, want terminal", err)
	}
	var kerr *Error
	if !errors.As(err, &kerr) || kerr.Code != ErrCodeInternal {
		t.Fatalf("code = %v, want INTERNAL_ERROR", err)
	}
	if result.Outcome != StageOutcomeError {
		t.Fatalf("outcome = %s, want error", result.Outcome)
	}
}

func TestExecutorRejectsIncompleteCollaborators(t *testing.T) {
	collabs := newFakeCollabs().set()
	collabs.Explainer = nil
	if _, err := NewStageExecutor(collabs); err == nil {
		t.Fatal("executor accepted a collaborator set with a nil explainer")
	}
}

func TestStagePolicyBackoff(t *testing.T) {
	policy := StagePolicy{
		BackoffBase: 100 * time.Millisecond,
		BackoffMax:  time.Second,
	}.normalize()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{10, time.Second},
	}
	for _, tt := range tests {
		if got := policy.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestStagePolicyNormalizeDefaults(t *testing.T) {
	policy := StagePolicy{}.normalize()
	def := DefaultStagePolicy()
	if policy != def {
		t.Fatalf("normalized zero policy = %+v, want defaults %+v", policy, def)
	}

	// Explicit values survive normalization.
	policy = StagePolicy{Timeout: time.Minute, MaxAttempts: 5}.normalize()
	if policy.Timeout != time.Minute || policy.MaxAttempts != 5 {
		t.Fatalf("normalize overwrote explicit fields: %+v", policy)
	}
	if policy.BackoffBase != def.BackoffBase {
		t.Fatalf("backoff base = %s, want default", policy.BackoffBase)
	}
}
