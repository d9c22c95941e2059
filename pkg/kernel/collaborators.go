package kernel

import (
	"context"
	"encoding/json"
)

// The kernel invokes analytical collaborators through the narrow interfaces
// below. Collaborators run outside the kernel; their internals, prompts, and
// models are not the kernel's concern. Every collaborator classifies its own
// failures by returning a *Error with the appropriate class: the kernel never
// infers whether a failure is transient or terminal.

// Compiler turns a natural-language goal into a structured optimization problem.
type Compiler interface {
	// Compile parses the goal text and constraints into a structured problem.
	Compile(ctx context.Context, goal Goal) (json.RawMessage, error)
}

// Forecaster produces forecasts with confidence intervals for a structured problem.
type Forecaster interface {
	// Forecast augments the problem with forecasts and confidence intervals.
	Forecast(ctx context.Context, problem json.RawMessage) (json.RawMessage, error)
}

// Optimizer solves a structured problem and returns a solution with KPIs.
// An infeasible problem is reported as a terminal *Error with code
// ErrCodeInfeasible, which routes the run through the diagnose stage.
type Optimizer interface {
	// Optimize solves the problem.
	Optimize(ctx context.Context, problem json.RawMessage) (json.RawMessage, error)
}

// Diagnostician analyzes an infeasible problem and suggests relaxed constraints.
type Diagnostician interface {
	// Diagnose returns a relaxed-constraints suggestion for the problem.
	Diagnose(ctx context.Context, problem json.RawMessage) (json.RawMessage, error)
}

// Explainer narrates the outcome of a run, successful or not.
type Explainer interface {
	// Explain produces the user-facing narrative for the given outcome context.
	Explain(ctx context.Context, outcome json.RawMessage) (json.RawMessage, error)
}

// Collaborators is the fixed set of pipeline collaborators wired into the
// kernel at process start. Dispatch is by StageKind over this closed set, so
// the state machine stays exhaustive and statically checkable.
type Collaborators struct {
	Compiler      Compiler
	Forecaster    Forecaster
	Optimizer     Optimizer
	Diagnostician Diagnostician
	Explainer     Explainer
}

// Validate checks that every collaborator slot is populated.
func (c Collaborators) Validate() error {
	if c.Compiler == nil {
		return NewInvalidGoalError("collaborator set is missing a compiler", nil).WithCode(ErrCodeInternal)
	}
	if c.Forecaster == nil {
		return NewInvalidGoalError("collaborator set is missing a forecaster", nil).WithCode(ErrCodeInternal)
	}
	if c.Optimizer == nil {
		return NewInvalidGoalError("collaborator set is missing an optimizer", nil).WithCode(ErrCodeInternal)
	}
	if c.Diagnostician == nil {
		return NewInvalidGoalError("collaborator set is missing a diagnostician", nil).WithCode(ErrCodeInternal)
	}
	if c.Explainer == nil {
		return NewInvalidGoalError("collaborator set is missing an explainer", nil).WithCode(ErrCodeInternal)
	}
	return nil
}

// invoke dispatches one stage to its collaborator.
func (c Collaborators) invoke(ctx context.Context, stage StageKind, goal Goal, input json.RawMessage) (json.RawMessage, error) {
	switch stage {
	case StageCompile:
		return c.Compiler.Compile(ctx, goal)
	case StageForecast:
		return c.Forecaster.Forecast(ctx, input)
	case StageOptimize:
		return c.Optimizer.Optimize(ctx, input)
	case StageDiagnose:
		return c.Diagnostician.Diagnose(ctx, input)
	case StageExplain:
		return c.Explainer.Explain(ctx, input)
	default:
		return nil, NewTerminalError("unknown stage kind", nil).WithStage(stage).WithCode(ErrCodeInternal)
	}
}
