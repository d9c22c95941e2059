package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/decisio/decisio/pkg/kernel"
)

// Environment variables that override file-provided secrets.
const (
	EnvAdminToken        = "DECISIO_ADMIN_TOKEN"
	EnvCollaboratorToken = "DECISIO_COLLABORATOR_TOKEN"
	EnvLedgerKeys        = "DECISIO_LEDGER_MASTER_KEYS"
	EnvLedgerKeyVersion  = "DECISIO_LEDGER_KEY_VERSION"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the root Decisio configuration.
type Config struct {
	Server        ServerConfig       `yaml:"server"`
	Storage       StorageConfig      `yaml:"storage"`
	Ledger        LedgerConfig       `yaml:"ledger"`
	Scheduler     SchedulerConfig    `yaml:"scheduler"`
	Collaborators CollaboratorConfig `yaml:"collaborators"`
	Policy        PolicyConfig       `yaml:"policy"`
	Telemetry     TelemetryConfig    `yaml:"telemetry"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	// Listen is the address the API binds to.
	Listen string `yaml:"listen" validate:"required"`

	// AdminToken guards the verification and override endpoints. Empty
	// disables those endpoints entirely.
	AdminToken string `yaml:"admin_token"`

	// EnforceTenantHeader requires X-Decisio-Tenant to match the tenant
	// owning the addressed run.
	EnforceTenantHeader bool `yaml:"enforce_tenant_header"`

	// ShutdownGrace bounds graceful shutdown on SIGTERM.
	ShutdownGrace Duration `yaml:"shutdown_grace"`
}

// StorageConfig selects the run and ledger store backend.
type StorageConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `yaml:"driver" validate:"required,oneof=sqlite memory"`

	// Path is the SQLite database file. Required for the sqlite driver.
	Path string `yaml:"path" validate:"required_if=Driver sqlite"`
}

// LedgerConfig configures ledger signing keys.
type LedgerConfig struct {
	// KeyVersion selects which master key signs new entries.
	KeyVersion int `yaml:"key_version" validate:"min=1"`

	// MasterKeys maps key version to hex-encoded master key material.
	// Retired versions stay listed so old chain segments still verify.
	// May be empty only with the in-memory store, where the daemon
	// generates an ephemeral development key.
	MasterKeys map[int]string `yaml:"master_keys"`

	// CommitRetries is how many times a failed ledger append is retried
	// before the run stalls.
	CommitRetries int `yaml:"commit_retries" validate:"min=1"`
}

// SchedulerConfig configures admission and concurrency.
type SchedulerConfig struct {
	PerTenantCap  int `yaml:"per_tenant_cap" validate:"min=1"`
	GlobalWorkers int `yaml:"global_workers" validate:"min=1"`

	// RecoverInterval paces the periodic sweep that restarts stalled runs.
	RecoverInterval Duration `yaml:"recover_interval"`

	// Stages overrides the retry policy per stage; Default applies to
	// stages without an override.
	Default StageConfig                      `yaml:"default_stage"`
	Stages  map[kernel.StageKind]StageConfig `yaml:"stages"`
}

// StageConfig is the per-stage execution policy.
type StageConfig struct {
	Timeout     Duration `yaml:"timeout"`
	MaxAttempts int      `yaml:"max_attempts"`
	BackoffBase Duration `yaml:"backoff_base"`
	BackoffMax  Duration `yaml:"backoff_max"`
}

// CollaboratorConfig selects collaborator wiring.
type CollaboratorConfig struct {
	// Mode is "stub" or "remote".
	Mode string `yaml:"mode" validate:"required,oneof=stub remote"`

	// BaseURL is the collaborator service root. Required in remote mode.
	BaseURL string `yaml:"base_url" validate:"required_if=Mode remote,omitempty,url"`

	// AuthToken authenticates to the collaborator service.
	AuthToken string `yaml:"auth_token"`

	// StubLatency adds artificial delay to stub collaborators.
	StubLatency Duration `yaml:"stub_latency"`
}

// PolicyConfig configures goal admission policy.
type PolicyConfig struct {
	// Enabled turns Rego admission evaluation on.
	Enabled bool `yaml:"enabled"`

	// Paths lists .rego files or directories to load.
	Paths []string `yaml:"paths" validate:"required_if=Enabled true"`
}

// TelemetryConfig configures logging, metrics and tracing.
type TelemetryConfig struct {
	LogLevel  string `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error"`
	LogFormat string `yaml:"log_format" validate:"omitempty,oneof=json console"`

	// TracingEndpoint is an OTLP gRPC collector address. Empty uses the
	// stdout exporter in debug builds and disables export otherwise.
	TracingEndpoint string  `yaml:"tracing_endpoint"`
	TracingEnabled  bool    `yaml:"tracing_enabled"`
	TracingSampling float64 `yaml:"tracing_sampling" validate:"min=0,max=1"`
}

// Default returns the configuration used when no file is given: in-memory
// storage, stub collaborators, and a generated-key ledger suitable only for
// development.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:        ":8080",
			ShutdownGrace: Duration(15 * time.Second),
		},
		Storage: StorageConfig{
			Driver: "memory",
		},
		Ledger: LedgerConfig{
			KeyVersion:    1,
			MasterKeys:    map[int]string{},
			CommitRetries: 5,
		},
		Scheduler: SchedulerConfig{
			PerTenantCap:    4,
			GlobalWorkers:   32,
			RecoverInterval: Duration(30 * time.Second),
			Default: StageConfig{
				Timeout:     Duration(30 * time.Second),
				MaxAttempts: 3,
				BackoffBase: Duration(time.Second),
				BackoffMax:  Duration(time.Minute),
			},
		},
		Collaborators: CollaboratorConfig{
			Mode: "stub",
		},
		Telemetry: TelemetryConfig{
			LogLevel:        "info",
			LogFormat:       "json",
			TracingSampling: 1.0,
		},
	}
}

// Load reads, overlays environment secrets onto, and validates the
// configuration at path. An empty path yields the defaults (still subject to
// environment overrides and validation).
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		dec := yaml.NewDecoder(strings.NewReader(string(data)))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays secret-bearing environment variables onto the config.
func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvAdminToken); v != "" {
		c.Server.AdminToken = v
	}
	if v := os.Getenv(EnvCollaboratorToken); v != "" {
		c.Collaborators.AuthToken = v
	}
	if v := os.Getenv(EnvLedgerKeys); v != "" {
		keys, err := parseKeySet(v)
		if err != nil {
			return err
		}
		c.Ledger.MasterKeys = keys
	}
	if v := os.Getenv(EnvLedgerKeyVersion); v != "" {
		version, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvLedgerKeyVersion, err)
		}
		c.Ledger.KeyVersion = version
	}
	return nil
}

// parseKeySet parses "1:hexkey,2:hexkey" into a version-keyed map.
func parseKeySet(raw string) (map[int]string, error) {
	keys := make(map[int]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		version, hexKey, found := strings.Cut(pair, ":")
		if !found {
			return nil, fmt.Errorf("malformed ledger key entry %q, want version:hex", pair)
		}
		v, err := strconv.Atoi(strings.TrimSpace(version))
		if err != nil {
			return nil, fmt.Errorf("malformed ledger key version %q: %w", version, err)
		}
		keys[v] = strings.TrimSpace(hexKey)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%s is set but contains no keys", EnvLedgerKeys)
	}
	return keys, nil
}

// Validate checks the configuration for structural and cross-field errors.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if len(c.Ledger.MasterKeys) > 0 {
		if _, ok := c.Ledger.MasterKeys[c.Ledger.KeyVersion]; !ok {
			return fmt.Errorf("ledger key_version %d has no matching master key", c.Ledger.KeyVersion)
		}
	} else if c.Storage.Driver == "sqlite" {
		return fmt.Errorf("ledger.master_keys is required with persistent storage")
	}
	for stage := range c.Scheduler.Stages {
		if err := validStage(stage); err != nil {
			return err
		}
	}
	return nil
}

func validStage(stage kernel.StageKind) error {
	for _, known := range kernel.Stages {
		if stage == known {
			return nil
		}
	}
	return fmt.Errorf("unknown stage %q in scheduler.stages", stage)
}

// StagePolicies materializes the scheduler's stage configuration into kernel
// policies, filling unset fields from the default stage config.
func (c *Config) StagePolicies() map[kernel.StageKind]kernel.StagePolicy {
	base := c.Scheduler.Default.policy(kernel.DefaultStagePolicy())
	out := make(map[kernel.StageKind]kernel.StagePolicy, len(kernel.Stages))
	for _, stage := range kernel.Stages {
		out[stage] = base
	}
	for stage, sc := range c.Scheduler.Stages {
		out[stage] = sc.policy(base)
	}
	return out
}

// policy overlays non-zero fields onto base.
func (sc StageConfig) policy(base kernel.StagePolicy) kernel.StagePolicy {
	p := base
	if sc.Timeout > 0 {
		p.Timeout = sc.Timeout.Std()
	}
	if sc.MaxAttempts > 0 {
		p.MaxAttempts = sc.MaxAttempts
	}
	if sc.BackoffBase > 0 {
		p.BackoffBase = sc.BackoffBase.Std()
	}
	if sc.BackoffMax > 0 {
		p.BackoffMax = sc.BackoffMax.Std()
	}
	return p
}
