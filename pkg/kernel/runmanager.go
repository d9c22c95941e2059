package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/decisio/decisio/pkg/ledger"
)

// tracerName identifies kernel spans in the exported trace stream.
const tracerName = "github.com/decisio/decisio/pkg/kernel"

// ledgerRetryPolicy bounds the commit retry loop. A ledger commit must succeed
// before any transition is durable; when the budget is exhausted the run
// stalls with a ledger error instead of progressing with a diverged chain.
type ledgerRetryPolicy struct {
	attempts int
	backoff  time.Duration
}

var defaultLedgerRetry = ledgerRetryPolicy{attempts: 5, backoff: 200 * time.Millisecond}

// RunManager owns one run's finite state machine for the run's lifetime. It
// sequences stage executions, applies retry policy, and records every
// transition in the decision ledger before mutating run state (write-ahead
// ordering: a transition that is not in the ledger never happened).
type RunManager struct {
	// mu guards run: the worker mutates it through commitThen while Snapshot
	// serves concurrent status queries.
	mu       sync.Mutex
	run      *Run
	executor *StageExecutor
	ledger   *ledger.Ledger
	store    RunStore
	policies map[StageKind]StagePolicy
	events   EventPublisher
	logger   zerolog.Logger
	tracer   trace.Tracer

	ledgerRetry ledgerRetryPolicy
	cancelled   atomic.Bool
	clock       func() time.Time
}

// NewRunManager creates the manager that will drive the given run. The run
// must already be persisted with status pending and its admission recorded in
// the ledger.
func NewRunManager(
	run *Run,
	executor *StageExecutor,
	ldg *ledger.Ledger,
	store RunStore,
	policies map[StageKind]StagePolicy,
	events EventPublisher,
	logger zerolog.Logger,
) *RunManager {
	normalized := make(map[StageKind]StagePolicy, len(Stages))
	for _, stage := range Stages {
		normalized[stage] = policies[stage].normalize()
	}
	return &RunManager{
		run:         run,
		executor:    executor,
		ledger:      ldg,
		store:       store,
		policies:    normalized,
		events:      events,
		logger:      logger.With().Str("run_id", run.ID).Str("tenant_id", run.TenantID).Logger(),
		tracer:      otel.Tracer(tracerName),
		ledgerRetry: defaultLedgerRetry,
		clock:       time.Now,
	}
}

// setLedgerRetryAttempts overrides the commit retry budget. Zero or negative
// keeps the default.
func (m *RunManager) setLedgerRetryAttempts(attempts int) {
	if attempts > 0 {
		m.ledgerRetry.attempts = attempts
	}
}

// RequestCancel flags the run for cooperative cancellation. The flag is
// observed at the next stage boundary; the stage currently executing finishes
// or times out naturally, since collaborators may hold side effects that must
// not be abandoned mid-flight.
func (m *RunManager) RequestCancel() {
	m.cancelled.Store(true)
}

// Snapshot returns a read-only copy of the run. Safe to call from any
// goroutine while the run executes.
func (m *RunManager) Snapshot() *Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.run.Snapshot()
}

// stageOutcomeContext is the input handed to the explainer. It describes the
// pipeline outcome, successful or not, so the user always receives a narrative.
type stageOutcomeContext struct {
	Success     bool            `json:"success"`
	GoalText    string          `json:"goal_text"`
	Solution    json.RawMessage `json:"solution,omitempty"`
	Diagnosis   json.RawMessage `json:"diagnosis,omitempty"`
	FailedStage StageKind       `json:"failed_stage,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// diagnoseInput is the input handed to the diagnostician: the problem that the
// optimizer rejected and the infeasibility detail it reported.
type diagnoseInput struct {
	Problem json.RawMessage `json:"problem"`
	Detail  string          `json:"infeasibility_detail"`
}

// Execute drives the run from its current status to a terminal status. It
// returns the kernel error that stalled the run, or nil once the run is
// terminal. Execute never runs concurrently for the same run.
func (m *RunManager) Execute(ctx context.Context) (err error) {
	if m.run.Status.IsTerminal() {
		return nil
	}

	ctx, span := m.tracer.Start(ctx, "run.execute", trace.WithAttributes(
		attribute.String("run.id", m.run.ID),
		attribute.String("tenant.id", m.run.TenantID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "run stalled")
		} else {
			span.SetAttributes(attribute.String("run.status", string(m.run.Status)))
		}
		span.End()
	}()

	var (
		problem   json.RawMessage
		solution  json.RawMessage
		diagnosis json.RawMessage
		failure   *Error
	)

	// Compile, forecast, optimize in documented order; the diagnose detour
	// grants the optimizer exactly one additional attempt on infeasibility.
	pipeline := func() {
		var err error
		problem, err = m.stagePayload(ctx, StageCompile, nil)
		if err != nil {
			failure = m.asKernelError(StageCompile, err)
			return
		}
		if m.checkCancelled() {
			return
		}

		forecast, err := m.stagePayload(ctx, StageForecast, problem)
		if err != nil {
			failure = m.asKernelError(StageForecast, err)
			return
		}
		if m.checkCancelled() {
			return
		}

		solution, err = m.stagePayload(ctx, StageOptimize, forecast)
		if err == nil {
			return
		}
		kerr := m.asKernelError(StageOptimize, err)
		if kerr.Code != ErrCodeInfeasible {
			failure = kerr
			return
		}
		if m.checkCancelled() {
			return
		}

		// Infeasibility detour: diagnose, then retry the optimizer once with
		// the relaxed constraints. A second infeasibility is irreducible.
		input, merr := json.Marshal(diagnoseInput{Problem: forecast, Detail: kerr.Error()})
		if merr != nil {
			failure = NewTerminalError("failed to build diagnose input", merr).WithStage(StageDiagnose)
			return
		}
		diagnosis, err = m.stagePayload(ctx, StageDiagnose, input)
		if err != nil {
			failure = kerr // the original infeasibility remains the terminal cause
			return
		}
		if m.checkCancelled() {
			return
		}

		solution, err = m.runStage(ctx, StageOptimize, diagnosis)
		if err != nil {
			failure = m.asKernelError(StageOptimize, err)
		}
	}

	if m.checkCancelled() {
		return m.finishCancelled(ctx)
	}
	pipeline()

	if failure != nil && IsLedger(failure) {
		return m.stall(ctx, failure)
	}
	if m.cancelled.Load() {
		return m.finishCancelled(ctx)
	}

	// Explain always runs, narrating the failure when there is one.
	outcome := stageOutcomeContext{
		Success:   failure == nil,
		GoalText:  m.run.Goal.Text,
		Solution:  solution,
		Diagnosis: diagnosis,
	}
	if failure != nil {
		outcome.FailedStage = failure.Stage
		outcome.Error = failure.Error()
	}
	outcomeRaw, err := json.Marshal(outcome)
	if err != nil {
		return m.finishFailed(ctx, NewTerminalError("failed to build explain input", err).WithStage(StageExplain), nil)
	}

	explanation, explainErr := m.stagePayload(ctx, StageExplain, outcomeRaw)
	if explainErr != nil && IsLedger(explainErr) {
		return m.stall(ctx, explainErr)
	}

	switch {
	case failure != nil:
		// The original failure stays authoritative even when explain also failed.
		return m.finishFailed(ctx, failure, explanation)
	case explainErr != nil:
		return m.finishFailed(ctx, m.asKernelError(StageExplain, explainErr), nil)
	default:
		return m.finishCompleted(ctx, solution, explanation)
	}
}

// stagePayload returns the cached payload when the stage already has a
// successful result (crash recovery resumes mid-pipeline instead of redoing
// completed work), otherwise it executes the stage.
func (m *RunManager) stagePayload(ctx context.Context, stage StageKind, input json.RawMessage) (json.RawMessage, error) {
	if r := m.run.LastResult(stage); r != nil && r.Outcome == StageOutcomeOK {
		return r.Payload, nil
	}
	return m.runStage(ctx, stage, input)
}

// runStage executes one stage under its policy: per-attempt timeout, bounded
// retries for transient errors, exponential backoff between attempts. Every
// attempt start and outcome is committed to the ledger before the run state
// reflects it.
func (m *RunManager) runStage(ctx context.Context, stage StageKind, input json.RawMessage) (payload json.RawMessage, err error) {
	ctx, span := m.tracer.Start(ctx, "stage."+string(stage), trace.WithAttributes(
		attribute.String("run.id", m.run.ID),
		attribute.String("stage", string(stage)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "stage failed")
		}
		span.End()
	}()

	if m.run.Status.IsTerminal() {
		return nil, NewInvalidTransitionError(m.run.Status, stage.Status())
	}
	if !CanTransition(m.run.Status, stage.Status()) {
		return nil, NewInvalidTransitionError(m.run.Status, stage.Status()).WithRun(m.run.ID)
	}

	policy := m.policies[stage]
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		startPayload := map[string]any{
			"run_id":  m.run.ID,
			"stage":   stage,
			"attempt": attempt,
		}
		if err := m.commitThen(ctx, ledger.ActionStageStarted, startPayload, func() {
			m.run.Status = stage.Status()
			m.run.CurrentStage = stage
		}); err != nil {
			return nil, err
		}
		m.publish(EventTypeStageStarted, stage, fmt.Sprintf("stage %s attempt %d started", stage, attempt), "info")

		result, execErr := m.executor.Execute(ctx, stage, attempt, m.run.Goal, input, policy.Timeout)

		if execErr == nil {
			if err := m.commitThen(ctx, ledger.ActionStageCompleted, result, func() {
				m.run.StageResults = append(m.run.StageResults, result)
			}); err != nil {
				return nil, err
			}
			m.publish(EventTypeStageCompleted, stage, fmt.Sprintf("stage %s completed", stage), "info")
			m.logger.Debug().Str("stage", string(stage)).Int("attempt", attempt).
				Dur("duration", result.Duration()).Msg("stage completed")
			return result.Payload, nil
		}

		if err := m.commitThen(ctx, ledger.ActionStageFailed, result, func() {
			m.run.StageResults = append(m.run.StageResults, result)
		}); err != nil {
			return nil, err
		}
		m.publish(EventTypeStageFailed, stage, result.ErrorDetail, "error")
		lastErr = execErr

		if !IsRetryable(execErr) {
			m.logger.Warn().Str("stage", string(stage)).Int("attempt", attempt).
				Err(execErr).Msg("stage failed terminally")
			return nil, execErr
		}
		if attempt == policy.MaxAttempts {
			m.logger.Warn().Str("stage", string(stage)).Int("attempts", attempt).
				Err(execErr).Msg("stage retry budget exhausted")
			return nil, m.asKernelError(stage, execErr).WithCode(ErrCodeRetriesExhausted)
		}
		if m.cancelled.Load() {
			return nil, lastErr
		}

		backoff := policy.Backoff(attempt)
		m.publish(EventTypeStageRetried, stage,
			fmt.Sprintf("retrying stage %s after transient failure (attempt %d/%d)", stage, attempt+1, policy.MaxAttempts), "warning")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, NewTransientError("run context cancelled during backoff", ctx.Err()).WithStage(stage)
		}
	}

	return nil, lastErr
}

// commitThen durably commits a ledger entry and only then applies the state
// mutation and persists the run. Commit failures are retried with backoff;
// when the budget is exhausted the transition is abandoned unapplied.
func (m *RunManager) commitThen(ctx context.Context, action ledger.ActionType, payload any, apply func()) error {
	ctx, span := m.tracer.Start(ctx, "ledger.commit",
		trace.WithAttributes(attribute.String("ledger.action", string(action))))
	defer span.End()

	var commitErr error
	for attempt := 1; attempt <= m.ledgerRetry.attempts; attempt++ {
		_, commitErr = m.ledger.Commit(ctx, m.run.TenantID, action, payload)
		if commitErr == nil {
			break
		}
		m.logger.Error().Err(commitErr).Str("action", string(action)).
			Int("attempt", attempt).Msg("ledger commit failed")
		m.publish(EventTypeLedgerCommitFailed, m.run.CurrentStage,
			fmt.Sprintf("ledger commit for %s failed (attempt %d/%d)", action, attempt, m.ledgerRetry.attempts), "error")
		if attempt == m.ledgerRetry.attempts {
			span.RecordError(commitErr)
			span.SetStatus(codes.Error, "commit retry budget exhausted")
			return NewLedgerError("ledger commit failed, run stalled", commitErr).WithRun(m.run.ID)
		}
		select {
		case <-time.After(m.ledgerRetry.backoff * time.Duration(attempt)):
		case <-ctx.Done():
			span.SetStatus(codes.Error, "commit interrupted")
			return NewLedgerError("ledger commit interrupted", ctx.Err()).WithRun(m.run.ID)
		}
	}

	m.mu.Lock()
	apply()
	m.run.UpdatedAt = m.clock()
	snapshot := m.run.Snapshot()
	m.mu.Unlock()

	if err := m.store.SaveRun(ctx, snapshot); err != nil {
		// The ledger entry exists; run state will catch up on recovery. The
		// query surface may briefly trail the ledger but never skips ahead.
		m.logger.Error().Err(err).Msg("failed to persist run state after ledger commit")
	}
	return nil
}

// finishCompleted moves the run to completed with its terminal result.
func (m *RunManager) finishCompleted(ctx context.Context, solution, explanation json.RawMessage) error {
	terminal := &TerminalResult{Success: true, Solution: solution, Explanation: explanation}
	if err := m.commitThen(ctx, ledger.ActionRunCompleted, terminal, func() {
		m.run.Status = RunStatusCompleted
		m.run.CurrentStage = ""
		m.run.Terminal = terminal
	}); err != nil {
		return m.stall(ctx, err)
	}
	m.publish(EventTypeRunCompleted, "", "run completed", "info")
	m.logger.Info().Msg("run completed")
	return nil
}

// finishFailed moves the run to failed, attaching the failing stage and the
// explanation when one was produced.
func (m *RunManager) finishFailed(ctx context.Context, failure *Error, explanation json.RawMessage) error {
	terminal := &TerminalResult{
		Success:     false,
		Explanation: explanation,
		FailedStage: failure.Stage,
		Error:       failure.Error(),
	}
	if err := m.commitThen(ctx, ledger.ActionRunFailed, terminal, func() {
		m.run.Status = RunStatusFailed
		m.run.CurrentStage = ""
		m.run.Terminal = terminal
	}); err != nil {
		return m.stall(ctx, err)
	}
	m.publish(EventTypeRunFailed, failure.Stage, failure.Error(), "error")
	m.logger.Warn().Str("failed_stage", string(failure.Stage)).Msg("run failed")
	return nil
}

// finishCancelled moves the run to cancelled at a stage boundary.
func (m *RunManager) finishCancelled(ctx context.Context) error {
	terminal := &TerminalResult{Success: false, Error: "run cancelled by client"}
	if err := m.commitThen(ctx, ledger.ActionRunCancelled, terminal, func() {
		m.run.Status = RunStatusCancelled
		m.run.CurrentStage = ""
		m.run.Terminal = terminal
	}); err != nil {
		return m.stall(ctx, err)
	}
	m.publish(EventTypeRunCancelled, "", "run cancelled", "warning")
	m.logger.Info().Msg("run cancelled")
	return nil
}

// stall leaves the run non-terminal after a ledger failure. The scheduler
// resumes stalled runs on its next recovery tick.
func (m *RunManager) stall(_ context.Context, err error) error {
	m.publish(EventTypeLedgerStalled, m.run.CurrentStage, "run stalled on ledger commit", "error")
	m.logger.Error().Err(err).Msg("run stalled: ledger commit could not be made durable")
	if kerr, ok := err.(*Error); ok {
		return kerr
	}
	return NewLedgerError("run stalled", err).WithRun(m.run.ID)
}

// checkCancelled reports whether the cancellation flag is set. It performs no
// transition by itself; the caller decides when the boundary is reached.
func (m *RunManager) checkCancelled() bool {
	return m.cancelled.Load()
}

// asKernelError normalizes an error into a classified *Error with stage context.
func (m *RunManager) asKernelError(stage StageKind, err error) *Error {
	if err == nil {
		return nil
	}
	if kerr, ok := err.(*Error); ok {
		if kerr.Stage == "" {
			kerr.Stage = stage
		}
		return kerr
	}
	return NewTerminalError("stage failed", err).WithStage(stage)
}

// publish emits a kernel event, ignoring publisher absence and failures.
func (m *RunManager) publish(eventType string, stage StageKind, message, level string) {
	if m.events == nil {
		return
	}
	_ = m.events.Publish(context.Background(), Event{
		Type:      eventType,
		Timestamp: m.clock(),
		TenantID:  m.run.TenantID,
		RunID:     m.run.ID,
		Stage:     stage,
		Message:   message,
		Level:     level,
	})
}
