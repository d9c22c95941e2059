package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/decisio/decisio/pkg/kernel"
)

func newSubmitCommand() *cobra.Command {
	var (
		constraints string
		wait        bool
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit <goal text>",
		Short: "Submit a business goal for orchestration",
		Long: `Submit a goal to the daemon. The goal is admitted, assigned a run id, and
driven through the decision pipeline asynchronously. With --wait the command
polls until the run reaches a terminal status and prints the result.`,
		Example: `  # Fire and forget
  decisio submit "reduce fulfillment cost by 10%" --tenant acme-retail

  # Wait for the outcome
  decisio submit "raise Q3 margin" --tenant acme-retail --wait

  # Structured constraints for the compiler
  decisio submit "rebalance inventory" --tenant acme-retail \
    --constraints '{"max_budget": 50000, "regions": ["eu", "us"]}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenantID == "" {
				return fmt.Errorf("--tenant is required")
			}

			body := map[string]any{
				"tenant_id": tenantID,
				"text":      args[0],
			}
			if constraints != "" {
				if !json.Valid([]byte(constraints)) {
					return fmt.Errorf("--constraints must be valid JSON")
				}
				body["constraints"] = json.RawMessage(constraints)
			}

			client := newAPIClient()
			var submitted struct {
				RunID  string `json:"run_id"`
				Status string `json:"status"`
			}
			if err := client.do(cmd.Context(), http.MethodPost, "/runs", body, &submitted); err != nil {
				return err
			}

			if !wait {
				if jsonOutput {
					return printJSON(submitted)
				}
				fmt.Printf("Run %s submitted (%s)\n", submitted.RunID, submitted.Status)
				return nil
			}

			run, err := waitForTerminal(cmd.Context(), client, submitted.RunID, timeout)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(run)
			}
			printRunSummary(run)
			return nil
		},
	}

	cmd.Flags().StringVar(&constraints, "constraints", "", "goal constraints as a JSON object")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the run to finish")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "how long to wait with --wait")

	return cmd
}

// waitForTerminal polls the run until it reaches a terminal status.
func waitForTerminal(ctx context.Context, client *apiClient, runID string, timeout time.Duration) (*kernel.Run, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		var run kernel.Run
		if err := client.do(ctx, http.MethodGet, "/runs/"+runID, nil, &run); err != nil {
			return nil, err
		}
		if run.Status.IsTerminal() {
			return &run, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timed out waiting for run %s (last status: %s)", runID, run.Status)
		case <-ticker.C:
		}
	}
}

func printRunSummary(run *kernel.Run) {
	fmt.Printf("Run:      %s\n", run.ID)
	fmt.Printf("Tenant:   %s\n", run.TenantID)
	fmt.Printf("Status:   %s\n", run.Status)
	fmt.Printf("Stages:   %d executed\n", len(run.StageResults))
	if run.Terminal == nil {
		return
	}
	if run.Terminal.Success {
		if len(run.Terminal.Explanation) > 0 {
			fmt.Printf("Explanation:\n  %s\n", string(run.Terminal.Explanation))
		}
		return
	}
	fmt.Printf("Error:    %s\n", run.Terminal.Error)
	if run.Terminal.FailedStage != "" {
		fmt.Printf("Failed at: %s\n", run.Terminal.FailedStage)
	}
}
