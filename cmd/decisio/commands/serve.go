package commands

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/decisio/decisio/pkg/api"
	"github.com/decisio/decisio/pkg/collab"
	"github.com/decisio/decisio/pkg/config"
	"github.com/decisio/decisio/pkg/kernel"
	"github.com/decisio/decisio/pkg/ledger"
	"github.com/decisio/decisio/pkg/policy"
	"github.com/decisio/decisio/pkg/stores"
	"github.com/decisio/decisio/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Decisio daemon",
		Long: `Start the orchestration daemon: the HTTP API, the tenant scheduler, and
the decision ledger.

Without --config the daemon runs a development profile: in-memory storage,
stub collaborators, and an ephemeral ledger key. Production deployments
must provide a config file with sqlite storage and persistent master keys.`,
		Example: `  # Development profile, everything in memory
  decisio serve

  # Production profile
  decisio serve --config /etc/decisio/config.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	return cmd
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	tele, err := telemetry.NewTelemetry(telemetryConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace.Std())
		defer cancel()
		_ = tele.Shutdown(shutdownCtx)
	}()
	logger := tele.Logger

	// Storage. The sqlite store backs both runs and the ledger; the memory
	// pair is for development and tests.
	var (
		runStore    kernel.RunStore
		ledgerStore ledger.Store
		health      func(context.Context) error
	)
	switch cfg.Storage.Driver {
	case "sqlite":
		st, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Storage.Path})
		if err != nil {
			return fmt.Errorf("failed to create store: %w", err)
		}
		if err := st.Init(ctx); err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		runStore = st
		ledgerStore = st
		health = st.HealthCheck
		logger.Info().Str("path", cfg.Storage.Path).Msg("sqlite storage ready")
	default:
		runStore = stores.NewMemoryRunStore()
		ledgerStore = ledger.NewMemoryStore()
		logger.Warn().Msg("using in-memory storage, all state is lost on restart")
	}

	// Ledger keyring. An empty key set is a development convenience only:
	// chains signed with a generated key cannot be verified after restart.
	masters := cfg.Ledger.MasterKeys
	if len(masters) == 0 {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return fmt.Errorf("failed to generate development key: %w", err)
		}
		masters = map[int]string{cfg.Ledger.KeyVersion: hex.EncodeToString(key)}
		logger.Warn().Msg("no ledger master keys configured, generated an ephemeral development key")
	}
	keys, err := ledger.NewKeyring(cfg.Ledger.KeyVersion, masters)
	if err != nil {
		return fmt.Errorf("failed to build keyring: %w", err)
	}
	ldg := ledger.New(ledgerStore, keys)

	// Collaborators.
	var collaborators kernel.Collaborators
	switch cfg.Collaborators.Mode {
	case "remote":
		collaborators = collab.NewRemoteCollaborators(collab.RemoteOptions{
			BaseURL:   cfg.Collaborators.BaseURL,
			AuthToken: cfg.Collaborators.AuthToken,
		})
		logger.Info().Str("base_url", cfg.Collaborators.BaseURL).Msg("using remote collaborators")
	default:
		collaborators = collab.NewStubCollaborators(collab.StubOptions{
			Latency: cfg.Collaborators.StubLatency.Std(),
		})
		logger.Info().Msg("using in-process stub collaborators")
	}
	executor, err := kernel.NewStageExecutor(collaborators)
	if err != nil {
		return fmt.Errorf("failed to create stage executor: %w", err)
	}

	// Goal admission policy.
	var admission kernel.AdmissionPolicy
	if cfg.Policy.Enabled {
		engine, err := policy.NewEngine(logger, tele.Config.Environment)
		if err != nil {
			return fmt.Errorf("failed to create policy engine: %w", err)
		}
		engine.SetMetrics(tele.Metrics)
		if len(cfg.Policy.Paths) > 0 {
			if err := engine.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
				return fmt.Errorf("failed to load policies: %w", err)
			}
		}
		admission = engine
		logger.Info().Int("policies", len(engine.ListPolicies())).Msg("goal admission policy enabled")
	}

	scheduler := kernel.NewTenantScheduler(
		kernel.SchedulerConfig{
			PerTenantCap:        cfg.Scheduler.PerTenantCap,
			GlobalWorkers:       cfg.Scheduler.GlobalWorkers,
			StagePolicies:       cfg.StagePolicies(),
			LedgerCommitRetries: cfg.Ledger.CommitRetries,
		},
		executor, ldg, runStore, admission, tele.Bus, logger,
	)

	// Resume runs interrupted by the previous process, then keep sweeping so
	// runs stalled on ledger failures resume without a restart.
	resumed, err := scheduler.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover runs: %w", err)
	}
	if resumed > 0 {
		logger.Info().Int("runs", resumed).Msg("resumed interrupted runs")
	}
	tele.Metrics.SetActiveRuns(float64(resumed))
	go scheduler.RecoverLoop(ctx, cfg.Scheduler.RecoverInterval.Std())

	server := api.NewServer(api.Options{
		Listen:              cfg.Server.Listen,
		AdminToken:          cfg.Server.AdminToken,
		EnforceTenantHeader: cfg.Server.EnforceTenantHeader,
		MetricsHandler:      tele.Metrics.Handler(),
		Metrics:             tele.Metrics,
		Tracer:              tele.Tracer,
		HealthCheck:         health,
	}, scheduler, ldg, runStore, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace.Std())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api shutdown failed")
	}
	if err := scheduler.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("scheduler shutdown failed")
	}
	return nil
}

// telemetryConfig maps the daemon's flat telemetry section onto the richer
// telemetry package config.
func telemetryConfig(cfg *config.Config) *telemetry.Config {
	tcfg := telemetry.DefaultConfig()
	if cfg.Telemetry.LogLevel != "" {
		tcfg.Logging.Level = cfg.Telemetry.LogLevel
	}
	if cfg.Telemetry.LogFormat != "" {
		tcfg.Logging.Format = cfg.Telemetry.LogFormat
	}
	tcfg.Tracing.Enabled = cfg.Telemetry.TracingEnabled
	if cfg.Telemetry.TracingEndpoint != "" {
		tcfg.Tracing.Exporter = "otlp"
		tcfg.Tracing.Endpoint = cfg.Telemetry.TracingEndpoint
	}
	if cfg.Telemetry.TracingSampling > 0 {
		tcfg.Tracing.SamplingRate = cfg.Telemetry.TracingSampling
	}
	return tcfg
}
