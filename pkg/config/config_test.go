package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/decisio/decisio/pkg/kernel"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "decisio.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Listen != ":8080" {
		t.Errorf("listen = %q", cfg.Server.Listen)
	}
	if cfg.Storage.Driver != "memory" {
		t.Errorf("driver = %q", cfg.Storage.Driver)
	}
	if cfg.Collaborators.Mode != "stub" {
		t.Errorf("collaborator mode = %q", cfg.Collaborators.Mode)
	}
}

func TestLoadFullFile(t *testing.T) {
	path := writeConfig(t, `
server:
  listen: ":9090"
  enforce_tenant_header: true
storage:
  driver: sqlite
  path: /tmp/decisio-test.db
ledger:
  key_version: 2
  master_keys:
    1: "6f6c646b65796f6c646b65796f6c646b"
    2: "6e65776b65796e65776b65796e65776b"
scheduler:
  per_tenant_cap: 2
  global_workers: 8
  default_stage:
    timeout: 10s
    max_attempts: 2
  stages:
    optimize:
      timeout: 2m
      max_attempts: 5
collaborators:
  mode: remote
  base_url: https://collab.internal:8443
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Listen != ":9090" || !cfg.Server.EnforceTenantHeader {
		t.Errorf("server section not applied: %+v", cfg.Server)
	}
	if cfg.Ledger.KeyVersion != 2 || len(cfg.Ledger.MasterKeys) != 2 {
		t.Errorf("ledger section not applied: %+v", cfg.Ledger)
	}

	policies := cfg.StagePolicies()
	if got := policies[kernel.StageCompile].Timeout; got != 10*time.Second {
		t.Errorf("compile timeout = %v, want default-stage 10s", got)
	}
	if got := policies[kernel.StageOptimize].Timeout; got != 2*time.Minute {
		t.Errorf("optimize timeout = %v, want override 2m", got)
	}
	if got := policies[kernel.StageOptimize].MaxAttempts; got != 5 {
		t.Errorf("optimize attempts = %d, want 5", got)
	}
	// Unset override fields fall back to the default stage config.
	if got := policies[kernel.StageOptimize].BackoffBase; got != time.Second {
		t.Errorf("optimize backoff base = %v, want 1s", got)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "server:\n  listne: \":8080\"\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for a misspelled field")
	}
}

func TestLoadRejectsUnknownStage(t *testing.T) {
	path := writeConfig(t, `
scheduler:
  stages:
    transmogrify:
      max_attempts: 2
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an unknown stage")
	}
}

func TestLoadRejectsMissingCurrentKey(t *testing.T) {
	path := writeConfig(t, `
ledger:
  key_version: 3
  master_keys:
    1: "6f6c646b65796f6c646b65796f6c646b"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for a key_version without a key")
	}
}

func TestSQLiteRequiresMasterKeys(t *testing.T) {
	path := writeConfig(t, `
storage:
  driver: sqlite
  path: /tmp/decisio-test.db
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for persistent storage without ledger keys")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvAdminToken, "from-env")
	t.Setenv(EnvLedgerKeys, "1:6f6c646b65796f6c646b65796f6c646b, 2:6e65776b65796e65776b65796e65776b")
	t.Setenv(EnvLedgerKeyVersion, "2")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.AdminToken != "from-env" {
		t.Errorf("admin token = %q", cfg.Server.AdminToken)
	}
	if cfg.Ledger.KeyVersion != 2 {
		t.Errorf("key version = %d", cfg.Ledger.KeyVersion)
	}
	if len(cfg.Ledger.MasterKeys) != 2 {
		t.Errorf("master keys = %v", cfg.Ledger.MasterKeys)
	}
}

func TestEnvMalformedKeySet(t *testing.T) {
	t.Setenv(EnvLedgerKeys, "not-a-pair")
	if _, err := Load(""); err == nil {
		t.Fatal("expected an error for a malformed key set")
	}
}
