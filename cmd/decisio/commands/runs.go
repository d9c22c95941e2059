package commands

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/decisio/decisio/pkg/kernel"
)

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and manage decision runs",
	}

	cmd.AddCommand(newRunsListCommand())
	cmd.AddCommand(newRunsGetCommand())
	cmd.AddCommand(newRunsCancelCommand())

	return cmd
}

func newRunsListCommand() *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a tenant's runs",
		Example: `  decisio runs list --tenant acme-retail
  decisio runs list --tenant acme-retail --limit 10 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenantID == "" {
				return fmt.Errorf("--tenant is required")
			}

			client := newAPIClient()
			var listed struct {
				Runs []*kernel.Run `json:"runs"`
			}
			path := fmt.Sprintf("/runs?tenant=%s&limit=%d&offset=%d", tenantID, limit, offset)
			if err := client.do(cmd.Context(), http.MethodGet, path, nil, &listed); err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(listed.Runs)
			}
			if len(listed.Runs) == 0 {
				fmt.Println("No runs found")
				return nil
			}
			fmt.Printf("%-38s %-12s %-10s %s\n", "RUN", "STATUS", "STAGE", "GOAL")
			for _, run := range listed.Runs {
				stage := string(run.CurrentStage)
				if stage == "" {
					stage = "-"
				}
				goal := run.Goal.Text
				if len(goal) > 48 {
					goal = goal[:45] + "..."
				}
				fmt.Printf("%-38s %-12s %-10s %s\n", run.ID, run.Status, stage, goal)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum runs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "pagination offset")

	return cmd
}

func newRunsGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "get <run-id>",
		Short:   "Show one run in full",
		Example: `  decisio runs get 2f1d9c4e-... --tenant acme-retail`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient()
			var run kernel.Run
			if err := client.do(cmd.Context(), http.MethodGet, "/runs/"+args[0], nil, &run); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(run)
			}
			printRunSummary(&run)
			for _, result := range run.StageResults {
				status := string(result.Outcome)
				if result.ErrorDetail != "" {
					status += ": " + result.ErrorDetail
				}
				fmt.Printf("  %-10s attempt %d  %-8s %s\n",
					result.Stage, result.Attempt, result.Duration(), status)
			}
			return nil
		},
	}
}

func newRunsCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "cancel <run-id>",
		Short:   "Request cooperative cancellation of a run",
		Long:    `Request cancellation. The stage currently executing finishes first; the run moves to cancelled at the next stage boundary.`,
		Example: `  decisio runs cancel 2f1d9c4e-... --tenant acme-retail`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient()
			if err := client.do(cmd.Context(), http.MethodPost, "/runs/"+args[0]+"/cancel", struct{}{}, nil); err != nil {
				return err
			}
			fmt.Printf("Cancellation requested for run %s\n", args[0])
			return nil
		},
	}
}
