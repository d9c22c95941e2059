package commands

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/decisio/decisio/pkg/ledger"
)

func newLedgerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the decision ledger",
		Long: `Read and verify the tamper-evident audit ledger. Every run transition is
recorded as a hash-chained, HMAC-signed entry; verification recomputes the
whole chain and reports the first broken link, if any.`,
	}

	cmd.AddCommand(newLedgerChainCommand())
	cmd.AddCommand(newLedgerVerifyCommand())
	cmd.AddCommand(newLedgerIntegrityCommand())
	cmd.AddCommand(newLedgerOverrideCommand())

	return cmd
}

func requireTenantArg(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	if tenantID != "" {
		return tenantID, nil
	}
	return "", fmt.Errorf("tenant is required (argument or --tenant)")
}

func newLedgerChainCommand() *cobra.Command {
	var (
		since string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "chain [tenant]",
		Short: "Print a tenant's ledger chain in commit order",
		Example: `  decisio ledger chain acme-retail
  decisio ledger chain acme-retail --since 7c2a... --limit 100`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenantArg(args)
			if err != nil {
				return err
			}

			client := newAPIClient()
			var page struct {
				Entries []*ledger.Entry `json:"entries"`
				Next    string          `json:"next,omitempty"`
			}
			path := fmt.Sprintf("/ledger/%s/chain?since=%s&limit=%d", tenant, since, limit)
			if err := client.do(cmd.Context(), http.MethodGet, path, nil, &page); err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(page)
			}
			if len(page.Entries) == 0 {
				fmt.Println("Chain is empty")
				return nil
			}
			for _, entry := range page.Entries {
				fmt.Printf("%s  %-16s key=v%d  %s\n",
					entry.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
					entry.Action, entry.KeyVersion, entry.ID)
			}
			if page.Next != "" {
				fmt.Printf("More entries, continue with --since %s\n", page.Next)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&since, "since", "", "resume after this entry id")
	cmd.Flags().IntVar(&limit, "limit", 256, "maximum entries per page")

	return cmd
}

func newLedgerVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [tenant]",
		Short: "Verify a tenant's chain end to end (admin)",
		Long: `Walk the tenant's whole chain, confirming parent linkage and recomputing
every HMAC signature. Requires the admin token in DECISIO_ADMIN_TOKEN.`,
		Example: `  DECISIO_ADMIN_TOKEN=... decisio ledger verify acme-retail`,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenantArg(args)
			if err != nil {
				return err
			}

			client := newAPIClient()
			var report ledger.VerificationReport
			if err := client.do(cmd.Context(), http.MethodGet, "/ledger/"+tenant+"/verify", nil, &report); err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(report)
			}
			if report.Valid {
				fmt.Printf("Chain for %s is intact (%d entries verified)\n", tenant, report.EntriesChecked)
				return nil
			}
			fmt.Printf("Chain for %s is BROKEN after %d entries\n", tenant, report.EntriesChecked)
			if report.BrokenAt != nil {
				fmt.Printf("First broken entry: %s\n", *report.BrokenAt)
			}
			fmt.Printf("Reason: %s\n", report.Reason)
			return fmt.Errorf("ledger verification failed")
		},
	}
}

func newLedgerIntegrityCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "integrity [tenant]",
		Short:   "Show per-action entry counts for a tenant",
		Example: `  decisio ledger integrity acme-retail`,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenantArg(args)
			if err != nil {
				return err
			}

			client := newAPIClient()
			var counts struct {
				Actions map[ledger.ActionType]int64 `json:"actions"`
			}
			if err := client.do(cmd.Context(), http.MethodGet, "/ledger/"+tenant+"/integrity", nil, &counts); err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(counts)
			}
			if len(counts.Actions) == 0 {
				fmt.Println("No entries recorded")
				return nil
			}
			for action, n := range counts.Actions {
				fmt.Printf("%-18s %d\n", action, n)
			}
			return nil
		},
	}
}

func newLedgerOverrideCommand() *cobra.Command {
	var (
		actor  string
		reason string
	)

	cmd := &cobra.Command{
		Use:   "override [tenant]",
		Short: "Record a manual override in the ledger (admin)",
		Long: `Append a signed manual_override entry documenting a human intervention.
The chain is never rewritten; the override becomes part of the audit trail.
Requires the admin token in DECISIO_ADMIN_TOKEN.`,
		Example: `  DECISIO_ADMIN_TOKEN=... decisio ledger override acme-retail \
    --actor ops@acme --reason "replayed explain stage after incident 4821"`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenantArg(args)
			if err != nil {
				return err
			}
			if actor == "" || reason == "" {
				return fmt.Errorf("--actor and --reason are required")
			}

			client := newAPIClient()
			var entry ledger.Entry
			body := map[string]string{"actor": actor, "reason": reason}
			if err := client.do(cmd.Context(), http.MethodPost, "/ledger/"+tenant+"/override", body, &entry); err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(entry)
			}
			fmt.Printf("Override recorded as entry %s\n", entry.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "", "who performed the intervention")
	cmd.Flags().StringVar(&reason, "reason", "", "why the intervention was needed")

	return cmd
}
