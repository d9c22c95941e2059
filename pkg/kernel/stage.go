package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// StagePolicy bounds one stage's execution: a per-attempt timeout and a retry
// budget with exponential backoff. Only transient errors consume retries;
// terminal errors fail the stage on the first attempt.
type StagePolicy struct {
	// Timeout is the wall-clock budget for a single attempt.
	Timeout time.Duration `json:"timeout"`

	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int `json:"max_attempts"`

	// BackoffBase is the delay before the first retry; doubled each retry.
	BackoffBase time.Duration `json:"backoff_base"`

	// BackoffMax caps the retry delay.
	BackoffMax time.Duration `json:"backoff_max"`
}

// DefaultStagePolicy is applied to stages without an explicit policy.
func DefaultStagePolicy() StagePolicy {
	return StagePolicy{
		Timeout:     30 * time.Second,
		MaxAttempts: 3,
		BackoffBase: time.Second,
		BackoffMax:  time.Minute,
	}
}

// normalize fills zero fields with defaults.
func (p StagePolicy) normalize() StagePolicy {
	def := DefaultStagePolicy()
	if p.Timeout <= 0 {
		p.Timeout = def.Timeout
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = def.BackoffBase
	}
	if p.BackoffMax <= 0 {
		p.BackoffMax = def.BackoffMax
	}
	return p
}

// Backoff returns the delay before retrying after the given 1-based attempt.
func (p StagePolicy) Backoff(attempt int) time.Duration {
	delay := p.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.BackoffMax {
			return p.BackoffMax
		}
	}
	if delay > p.BackoffMax {
		delay = p.BackoffMax
	}
	return delay
}

// StageExecutor is the uniform adapter around the collaborator set. It invokes
// exactly one collaborator per call, enforces the stage timeout, measures
// duration, and normalizes the result into a StageResult. It never retries;
// retry policy belongs to the RunManager.
type StageExecutor struct {
	collaborators Collaborators
	clock         func() time.Time
}

// NewStageExecutor creates a stage executor over a validated collaborator set.
func NewStageExecutor(collaborators Collaborators) (*StageExecutor, error) {
	if err := collaborators.Validate(); err != nil {
		return nil, err
	}
	return &StageExecutor{
		collaborators: collaborators,
		clock:         time.Now,
	}, nil
}

// Execute runs one attempt of a stage with the given timeout and returns the
// normalized result. The returned error, when non-nil, is always a classified
// *Error; the StageResult is populated in every case.
func (e *StageExecutor) Execute(ctx context.Context, stage StageKind, attempt int, goal Goal, input json.RawMessage, timeout time.Duration) (StageResult, error) {
	result := StageResult{
		Stage:     stage,
		Attempt:   attempt,
		StartedAt: e.clock(),
	}

	if err := stage.Validate(); err != nil {
		result.FinishedAt = e.clock()
		result.Outcome = StageOutcomeError
		result.ErrorDetail = err.Error()
		kerr := NewTerminalError("unknown stage kind", err).WithStage(stage).WithCode(ErrCodeInternal)
		return result, kerr
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := e.collaborators.invoke(execCtx, stage, goal, input)
	result.FinishedAt = e.clock()

	if err == nil {
		result.Outcome = StageOutcomeOK
		result.Payload = payload
		return result, nil
	}

	// Timeouts resolve as transient errors so the retry budget applies.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		result.Outcome = StageOutcomeTimeout
		kerr := NewTransientError("stage timed out", err).WithStage(stage).WithCode(ErrCodeTimeout)
		result.ErrorDetail = kerr.Error()
		return result, kerr
	}

	result.Outcome = StageOutcomeError
	kerr := e.classify(stage, err)
	result.ErrorDetail = kerr.Error()
	return result, kerr
}

// classify normalizes a collaborator failure into a classified *Error.
// Collaborators tag their own errors; an untagged error is treated as terminal
// since the kernel must not invent retry semantics for unknown failures.
func (e *StageExecutor) classify(stage StageKind, err error) *Error {
	var kerr *Error
	if errors.As(err, &kerr) {
		if kerr.Stage == "" {
			kerr.Stage = stage
		}
		return kerr
	}
	return NewTerminalError("collaborator failed", err).WithStage(stage).WithCode(ErrCodeCollaborator)
}
