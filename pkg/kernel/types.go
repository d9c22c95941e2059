package kernel

import (
	"context"
	"encoding/json"
	"time"
)

// Goal is the immutable input to a run: a free-text objective submitted by a
// tenant, optionally accompanied by structured constraints. Goals are never
// mutated after creation.
type Goal struct {
	// TenantID identifies the tenant that owns this goal.
	TenantID string `json:"tenant_id" validate:"required,min=1,max=128"`

	// Text is the free-text objective (e.g. "maximize Q3 margin within budget").
	Text string `json:"text" validate:"required,min=3,max=8192"`

	// Constraints are optional structured constraints, opaque to the kernel.
	Constraints json.RawMessage `json:"constraints,omitempty"`

	// SubmittedAt is when the goal was submitted.
	SubmittedAt time.Time `json:"submitted_at"`
}

// StageResult records one attempt at executing a pipeline stage.
// Multiple results may exist for one stage when the attempt is retried; only
// the last one is authoritative for forward progress.
type StageResult struct {
	// Stage is the pipeline stage this attempt belongs to.
	Stage StageKind `json:"stage"`

	// Attempt is the 1-based attempt number within the stage's retry budget.
	Attempt int `json:"attempt"`

	// StartedAt is when the attempt started.
	StartedAt time.Time `json:"started_at"`

	// FinishedAt is when the attempt finished, succeeded or not.
	FinishedAt time.Time `json:"finished_at"`

	// Outcome classifies the attempt result.
	Outcome StageOutcome `json:"outcome"`

	// Payload is the stage-specific output, opaque to the kernel.
	Payload json.RawMessage `json:"payload,omitempty"`

	// ErrorDetail carries the collaborator error verbatim when the attempt failed.
	ErrorDetail string `json:"error_detail,omitempty"`
}

// Duration returns the wall-clock duration of the attempt.
func (r StageResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// TerminalResult is the final outcome attached to a run once it reaches a
// terminal status.
type TerminalResult struct {
	// Success indicates whether the pipeline produced a usable decision.
	Success bool `json:"success"`

	// Solution is the optimizer output for successful runs.
	Solution json.RawMessage `json:"solution,omitempty"`

	// Explanation is the narrative produced by the explainer. It is present on
	// failure paths as well, since explain runs regardless of outcome.
	Explanation json.RawMessage `json:"explanation,omitempty"`

	// FailedStage names the stage whose failure terminated the run.
	FailedStage StageKind `json:"failed_stage,omitempty"`

	// Error is the human-readable summary of the terminal failure.
	Error string `json:"error,omitempty"`
}

// Run is the central kernel entity: one end-to-end execution of the decision
// pipeline for a single submitted goal. A run is owned exclusively by its
// RunManager until it reaches a terminal status, after which it is read-only.
type Run struct {
	// ID is the unique identifier for this run.
	ID string `json:"id"`

	// TenantID identifies the tenant that owns this run.
	TenantID string `json:"tenant_id"`

	// Goal is the immutable goal this run executes.
	Goal Goal `json:"goal"`

	// Status is the current lifecycle state.
	Status RunStatus `json:"status"`

	// CurrentStage is the stage being executed, empty before the first stage
	// and after a terminal status is reached.
	CurrentStage StageKind `json:"current_stage,omitempty"`

	// StageResults is the ordered list of stage attempts.
	StageResults []StageResult `json:"stage_results"`

	// Terminal is the final result, set once Status is terminal.
	Terminal *TerminalResult `json:"terminal_result,omitempty"`

	// CreatedAt is when the run was admitted.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the run last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot returns a deep copy of the run safe to hand to readers.
// Runs are mutated only by their owning RunManager; every external observation
// goes through a snapshot so no shared mutable reference escapes.
func (r *Run) Snapshot() *Run {
	cp := *r
	cp.StageResults = make([]StageResult, len(r.StageResults))
	copy(cp.StageResults, r.StageResults)
	for i := range cp.StageResults {
		cp.StageResults[i].Payload = cloneRaw(r.StageResults[i].Payload)
	}
	cp.Goal.Constraints = cloneRaw(r.Goal.Constraints)
	if r.Terminal != nil {
		t := *r.Terminal
		t.Solution = cloneRaw(r.Terminal.Solution)
		t.Explanation = cloneRaw(r.Terminal.Explanation)
		cp.Terminal = &t
	}
	return &cp
}

// LastResult returns the authoritative (latest) stage result for a stage,
// or nil when the stage has not been attempted.
func (r *Run) LastResult(stage StageKind) *StageResult {
	for i := len(r.StageResults) - 1; i >= 0; i-- {
		if r.StageResults[i].Stage == stage {
			return &r.StageResults[i]
		}
	}
	return nil
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	cp := make(json.RawMessage, len(raw))
	copy(cp, raw)
	return cp
}

// RunStore persists runs and their stage results. Implementations must be safe
// for concurrent use; the kernel guarantees that only one RunManager writes a
// given run at a time.
type RunStore interface {
	// CreateRun persists a newly admitted run.
	CreateRun(ctx context.Context, run *Run) error

	// SaveRun persists the current state of a run, replacing the stored copy.
	SaveRun(ctx context.Context, run *Run) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns lists runs for a tenant in reverse creation order.
	// An empty tenant lists runs across all tenants.
	ListRuns(ctx context.Context, tenantID string, limit, offset int) ([]*Run, error)

	// CountActiveRuns counts the tenant's runs in a non-terminal status.
	CountActiveRuns(ctx context.Context, tenantID string) (int, error)
}
