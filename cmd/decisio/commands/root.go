package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	serverURL  string
	tenantID   string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "decisio",
		Short: "Decisio - Business Decision Orchestration Kernel",
		Long: `Decisio orchestrates business-decision runs through a fixed-stage pipeline
(compile, forecast, optimize, diagnose, explain) with a tamper-evident
decision ledger recording every transition.

Features:
  - Hash-chained, HMAC-signed per-tenant audit ledger
  - Per-tenant admission caps with explicit backpressure
  - Rego-based goal admission policies
  - Pluggable collaborator services (in-process stubs or remote HTTP)
  - SQLite or in-memory persistence with crash recovery`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "daemon address for client commands")
	rootCmd.PersistentFlags().StringVarP(&tenantID, "tenant", "t", "", "tenant id for client commands")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newSubmitCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newLedgerCommand())

	return rootCmd
}
