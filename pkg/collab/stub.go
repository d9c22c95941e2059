// Package collab provides the collaborator implementations the kernel can be
// wired with: a deterministic in-process stub set for development and tests,
// and an HTTP client set for real collaborator services.
package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/decisio/decisio/pkg/kernel"
)

// StubOptions configures the stub collaborator set.
type StubOptions struct {
	// Latency is an artificial per-call delay, useful for exercising timeouts.
	Latency time.Duration
}

// NewStubCollaborators returns a fully populated collaborator set with
// deterministic behavior. The stub optimizer reports infeasibility when the
// compiled problem carries `"infeasible": true`, and the stub diagnostician
// relaxes exactly that marker, so the full diagnose detour can be exercised
// end to end without any external service.
func NewStubCollaborators(opts StubOptions) kernel.Collaborators {
	return kernel.Collaborators{
		Compiler:      &StubCompiler{opts: opts},
		Forecaster:    &StubForecaster{opts: opts},
		Optimizer:     &StubOptimizer{opts: opts},
		Diagnostician: &StubDiagnostician{opts: opts},
		Explainer:     &StubExplainer{opts: opts},
	}
}

func (o StubOptions) wait(ctx context.Context) error {
	if o.Latency <= 0 {
		return nil
	}
	select {
	case <-time.After(o.Latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stubProblem is the structured problem the stub compiler emits.
type stubProblem struct {
	Objective   string          `json:"objective"`
	Constraints json.RawMessage `json:"constraints,omitempty"`
	Infeasible  bool            `json:"infeasible,omitempty"`
	Relaxations []string        `json:"relaxations,omitempty"`
	Forecast    []stubInterval  `json:"forecast,omitempty"`
}

type stubInterval struct {
	Period string  `json:"period"`
	Mean   float64 `json:"mean"`
	Lower  float64 `json:"lower"`
	Upper  float64 `json:"upper"`
}

// StubCompiler compiles a goal into a structured problem.
type StubCompiler struct {
	opts StubOptions
}

// Compile implements kernel.Compiler.
func (c *StubCompiler) Compile(ctx context.Context, goal kernel.Goal) (json.RawMessage, error) {
	if err := c.opts.wait(ctx); err != nil {
		return nil, err
	}
	if goal.Text == "" {
		return nil, kernel.NewTerminalError("goal text is empty", nil).WithCode(kernel.ErrCodeInvalidGoal)
	}

	problem := stubProblem{Objective: goal.Text, Constraints: goal.Constraints}
	if len(goal.Constraints) > 0 {
		var marker struct {
			Infeasible bool `json:"infeasible"`
		}
		// Unknown constraint shapes are fine; the marker is opt-in.
		_ = json.Unmarshal(goal.Constraints, &marker)
		problem.Infeasible = marker.Infeasible
	}
	return json.Marshal(problem)
}

// StubForecaster attaches a deterministic forecast to the problem.
type StubForecaster struct {
	opts StubOptions
}

// Forecast implements kernel.Forecaster.
func (f *StubForecaster) Forecast(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	if err := f.opts.wait(ctx); err != nil {
		return nil, err
	}
	var problem stubProblem
	if err := json.Unmarshal(input, &problem); err != nil {
		return nil, kernel.NewTerminalError("forecaster received a malformed problem", err)
	}

	problem.Forecast = []stubInterval{
		{Period: "t+1", Mean: 100, Lower: 90, Upper: 110},
		{Period: "t+2", Mean: 105, Lower: 92, Upper: 118},
		{Period: "t+3", Mean: 111, Lower: 95, Upper: 127},
	}
	return json.Marshal(problem)
}

// StubOptimizer solves the problem unless it carries the infeasibility marker.
type StubOptimizer struct {
	opts StubOptions
}

// Optimize implements kernel.Optimizer.
func (o *StubOptimizer) Optimize(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	if err := o.opts.wait(ctx); err != nil {
		return nil, err
	}
	var problem stubProblem
	if err := json.Unmarshal(input, &problem); err != nil {
		return nil, kernel.NewTerminalError("optimizer received a malformed problem", err)
	}
	if problem.Infeasible {
		return nil, kernel.NewTerminalError("problem is infeasible under the given constraints", nil).
			WithCode(kernel.ErrCodeInfeasible)
	}

	solution := map[string]any{
		"objective": problem.Objective,
		"decisions": []map[string]any{
			{"action": "reallocate", "amount": 0.42},
			{"action": "hold", "amount": 0.58},
		},
		"kpis":        map[string]float64{"expected_value": 1.07, "risk": 0.12},
		"relaxations": problem.Relaxations,
	}
	return json.Marshal(solution)
}

// StubDiagnostician relaxes the infeasibility marker and records what changed.
type StubDiagnostician struct {
	opts StubOptions
}

// Diagnose implements kernel.Diagnostician.
func (d *StubDiagnostician) Diagnose(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	if err := d.opts.wait(ctx); err != nil {
		return nil, err
	}
	var wrapper struct {
		Problem json.RawMessage `json:"problem"`
		Detail  string          `json:"infeasibility_detail"`
	}
	if err := json.Unmarshal(input, &wrapper); err != nil {
		return nil, kernel.NewTerminalError("diagnostician received malformed input", err)
	}
	var problem stubProblem
	if err := json.Unmarshal(wrapper.Problem, &problem); err != nil {
		return nil, kernel.NewTerminalError("diagnostician received a malformed problem", err)
	}

	problem.Infeasible = false
	problem.Relaxations = append(problem.Relaxations, "dropped binding constraint marked infeasible")
	return json.Marshal(problem)
}

// StubExplainer narrates the outcome, successful or not.
type StubExplainer struct {
	opts StubOptions
}

// Explain implements kernel.Explainer.
func (e *StubExplainer) Explain(ctx context.Context, outcome json.RawMessage) (json.RawMessage, error) {
	if err := e.opts.wait(ctx); err != nil {
		return nil, err
	}
	var parsed struct {
		Success     bool            `json:"success"`
		GoalText    string          `json:"goal_text"`
		FailedStage string          `json:"failed_stage"`
		Error       string          `json:"error"`
		Diagnosis   json.RawMessage `json:"diagnosis"`
	}
	if err := json.Unmarshal(outcome, &parsed); err != nil {
		return nil, kernel.NewTerminalError("explainer received malformed outcome context", err)
	}

	narrative := fmt.Sprintf("The goal %q was achieved with the recommended plan.", parsed.GoalText)
	if !parsed.Success {
		narrative = fmt.Sprintf("The goal %q could not be achieved: stage %s failed (%s).",
			parsed.GoalText, parsed.FailedStage, parsed.Error)
	}
	if len(parsed.Diagnosis) > 0 {
		narrative += " Constraints were relaxed after an infeasibility diagnosis."
	}

	explanation := map[string]any{
		"narrative": narrative,
		"scenarios": []string{"baseline", "optimistic", "pessimistic"},
	}
	return json.Marshal(explanation)
}
