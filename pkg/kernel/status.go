package kernel

import "fmt"

// RunStatus represents the lifecycle state of a decision run.
type RunStatus string

const (
	// RunStatusPending indicates the run is admitted but not yet started.
	RunStatusPending RunStatus = "pending"

	// RunStatusCompiling indicates the goal is being compiled into a structured problem.
	RunStatusCompiling RunStatus = "compiling"

	// RunStatusForecasting indicates forecasts are being produced for the problem.
	RunStatusForecasting RunStatus = "forecasting"

	// RunStatusOptimizing indicates the optimizer is solving the problem.
	RunStatusOptimizing RunStatus = "optimizing"

	// RunStatusDiagnosing indicates an infeasible problem is being diagnosed.
	RunStatusDiagnosing RunStatus = "diagnosing"

	// RunStatusExplaining indicates the final narrative is being generated.
	// This stage runs on failure paths as well, so the user always gets an explanation.
	RunStatusExplaining RunStatus = "explaining"

	// RunStatusCompleted indicates the run finished with a usable result.
	RunStatusCompleted RunStatus = "completed"

	// RunStatusFailed indicates the run failed and no further stages will execute.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was cancelled by the client.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
// A terminal run is read-only and retained for audit and query.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// IsActive returns true if the run still counts against its tenant's concurrency cap.
func (s RunStatus) IsActive() bool {
	return !s.IsTerminal()
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusCompiling, RunStatusForecasting,
		RunStatusOptimizing, RunStatusDiagnosing, RunStatusExplaining,
		RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// legalTransitions is the documented forward order of the run state machine.
// failed and cancelled are reachable from any non-terminal state and are
// handled in CanTransition rather than listed per state.
var legalTransitions = map[RunStatus][]RunStatus{
	RunStatusPending:     {RunStatusCompiling},
	RunStatusCompiling:   {RunStatusForecasting, RunStatusExplaining},
	RunStatusForecasting: {RunStatusOptimizing, RunStatusExplaining},
	RunStatusOptimizing:  {RunStatusDiagnosing, RunStatusExplaining},
	RunStatusDiagnosing:  {RunStatusOptimizing, RunStatusExplaining},
	RunStatusExplaining:  {RunStatusCompleted},
	RunStatusCompleted:   {},
	RunStatusFailed:      {},
	RunStatusCancelled:   {},
}

// CanTransition reports whether moving a run from one status to another is legal.
// Skipping or reordering pipeline stages is never legal; the only forward jumps
// allowed are into explaining, which also narrates failures.
func CanTransition(from, to RunStatus) bool {
	if from.IsTerminal() {
		return false
	}
	if to == RunStatusFailed || to == RunStatusCancelled {
		return true
	}
	// Re-entering the current stage is legal: retries and crash recovery start
	// a fresh attempt of the stage the run was already in.
	if from == to && from != RunStatusPending {
		return true
	}
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StageKind identifies one pipeline stage executed via a StageExecutor.
type StageKind string

const (
	// StageCompile turns the natural-language goal into a structured problem.
	StageCompile StageKind = "compile"

	// StageForecast produces forecasts with confidence intervals for the problem.
	StageForecast StageKind = "forecast"

	// StageOptimize solves the structured problem and produces a solution with KPIs.
	StageOptimize StageKind = "optimize"

	// StageDiagnose identifies irreducible infeasibility and suggests relaxations.
	StageDiagnose StageKind = "diagnose"

	// StageExplain generates the user-facing narrative, including of failures.
	StageExplain StageKind = "explain"
)

// Stages lists all stage kinds in pipeline order.
// Diagnose participates only on the infeasibility detour.
var Stages = []StageKind{StageCompile, StageForecast, StageOptimize, StageDiagnose, StageExplain}

// Validate checks if the stage kind is valid.
func (k StageKind) Validate() error {
	switch k {
	case StageCompile, StageForecast, StageOptimize, StageDiagnose, StageExplain:
		return nil
	default:
		return fmt.Errorf("invalid stage kind: %s", k)
	}
}

// Status returns the run status a run carries while this stage executes.
func (k StageKind) Status() RunStatus {
	switch k {
	case StageCompile:
		return RunStatusCompiling
	case StageForecast:
		return RunStatusForecasting
	case StageOptimize:
		return RunStatusOptimizing
	case StageDiagnose:
		return RunStatusDiagnosing
	case StageExplain:
		return RunStatusExplaining
	default:
		return RunStatusFailed
	}
}

// StageOutcome represents the result classification of one stage attempt.
type StageOutcome string

const (
	// StageOutcomeOK indicates the attempt succeeded.
	StageOutcomeOK StageOutcome = "ok"

	// StageOutcomeError indicates the attempt failed with a collaborator error.
	StageOutcomeError StageOutcome = "error"

	// StageOutcomeTimeout indicates the attempt exceeded the stage timeout.
	// Timeouts are classified as transient and retried within budget.
	StageOutcomeTimeout StageOutcome = "timeout"
)

// Validate checks if the stage outcome is valid.
func (o StageOutcome) Validate() error {
	switch o {
	case StageOutcomeOK, StageOutcomeError, StageOutcomeTimeout:
		return nil
	default:
		return fmt.Errorf("invalid stage outcome: %s", o)
	}
}
