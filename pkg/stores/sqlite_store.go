// Package stores provides durable persistence for the orchestration kernel:
// runs and their stage results, and the append-only ledger entries. The SQLite
// implementation runs in WAL mode with embedded migrations.
package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/decisio/decisio/pkg/kernel"
	"github.com/decisio/decisio/pkg/ledger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout preserves the exact ledger commit timestamps that are part of
// the signed preimage.
const timeLayout = time.RFC3339Nano

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements kernel.RunStore and ledger.Store using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations from the embedded filesystem.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// --- kernel.RunStore ---

// CreateRun persists a newly admitted run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *kernel.Run) error {
	query := `
		INSERT INTO runs (
			id, tenant_id, goal_text, goal_constraints, goal_submitted_at,
			status, current_stage, stage_results, terminal_result, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	row, err := runToRow(run)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, query,
		row.id, row.tenantID, row.goalText, row.goalConstraints, row.goalSubmittedAt,
		row.status, row.currentStage, row.stageResults, row.terminalResult,
		row.createdAt, row.updatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// SaveRun replaces the stored state of a run.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *kernel.Run) error {
	query := `
		UPDATE runs
		SET status = ?, current_stage = ?, stage_results = ?, terminal_result = ?, updated_at = ?
		WHERE id = ?
	`

	row, err := runToRow(run)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, query,
		row.status, row.currentStage, row.stageResults, row.terminalResult, row.updatedAt, row.id,
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*kernel.Run, error) {
	query := `
		SELECT id, tenant_id, goal_text, goal_constraints, goal_submitted_at,
		       status, current_stage, stage_results, terminal_result, created_at, updated_at
		FROM runs
		WHERE id = ?
	`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs in reverse creation order. An empty tenant id lists
// runs across all tenants (used only by kernel recovery, never exposed to a
// tenant-facing surface).
func (s *SQLiteStore) ListRuns(ctx context.Context, tenantID string, limit, offset int) ([]*kernel.Run, error) {
	query := `
		SELECT id, tenant_id, goal_text, goal_constraints, goal_submitted_at,
		       status, current_stage, stage_results, terminal_result, created_at, updated_at
		FROM runs
		WHERE (? = '' OR tenant_id = ?)
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*kernel.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// CountActiveRuns counts a tenant's non-terminal runs.
func (s *SQLiteStore) CountActiveRuns(ctx context.Context, tenantID string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM runs
		WHERE tenant_id = ? AND status NOT IN (?, ?, ?)
	`

	var count int
	err := s.db.QueryRowContext(ctx, query, tenantID,
		kernel.RunStatusCompleted, kernel.RunStatusFailed, kernel.RunStatusCancelled,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active runs: %w", err)
	}
	return count, nil
}

// --- ledger.Store ---

// AppendEntry persists a committed ledger entry. Entries are append-only; no
// update or delete path exists.
func (s *SQLiteStore) AppendEntry(ctx context.Context, entry *ledger.Entry) error {
	query := `
		INSERT INTO ledger_entries (
			id, tenant_id, parent_id, action_type, payload_hash, key_version, hmac_signature, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		entry.TenantID,
		entry.ParentID,
		string(entry.Action),
		entry.PayloadHash,
		entry.KeyVersion,
		entry.Signature,
		entry.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

// TailEntry returns the latest entry of a tenant's chain, or nil when the
// chain is empty.
func (s *SQLiteStore) TailEntry(ctx context.Context, tenantID string) (*ledger.Entry, error) {
	query := `
		SELECT id, tenant_id, parent_id, action_type, payload_hash, key_version, hmac_signature, created_at
		FROM ledger_entries
		WHERE tenant_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`

	entry, err := scanEntry(s.db.QueryRowContext(ctx, query, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chain tail: %w", err)
	}
	return entry, nil
}

// ChainPage returns up to limit entries of a tenant's chain in append order,
// starting after the given entry ID (or from the head when afterID is empty).
func (s *SQLiteStore) ChainPage(ctx context.Context, tenantID, afterID string, limit int) ([]*ledger.Entry, error) {
	query := `
		SELECT id, tenant_id, parent_id, action_type, payload_hash, key_version, hmac_signature, created_at
		FROM ledger_entries
		WHERE tenant_id = ?
		  AND (? = '' OR seq > COALESCE((SELECT seq FROM ledger_entries WHERE id = ? AND tenant_id = ?), 0))
		ORDER BY seq ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID, afterID, afterID, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain page: %w", err)
	}
	defer rows.Close()

	entries := []*ledger.Entry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger entries: %w", err)
	}
	return entries, nil
}

// CountByAction returns per-action entry counts for a tenant.
func (s *SQLiteStore) CountByAction(ctx context.Context, tenantID string) (map[ledger.ActionType]int64, error) {
	query := `
		SELECT action_type, COUNT(*)
		FROM ledger_entries
		WHERE tenant_id = ?
		GROUP BY action_type
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to count ledger entries: %w", err)
	}
	defer rows.Close()

	counts := make(map[ledger.ActionType]int64)
	for rows.Next() {
		var action string
		var count int64
		if err := rows.Scan(&action, &count); err != nil {
			return nil, fmt.Errorf("failed to scan ledger count: %w", err)
		}
		counts[ledger.ActionType(action)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger counts: %w", err)
	}
	return counts, nil
}

// --- row mapping ---

type runRow struct {
	id              string
	tenantID        string
	goalText        string
	goalConstraints sql.NullString
	goalSubmittedAt string
	status          string
	currentStage    sql.NullString
	stageResults    string
	terminalResult  sql.NullString
	createdAt       string
	updatedAt       string
}

// runToRow encodes a run for storage. Stage results and the terminal record
// pass through json.Marshal, which compacts any raw payload bytes; goal
// constraints are stored verbatim.
func runToRow(run *kernel.Run) (*runRow, error) {
	results, err := json.Marshal(run.StageResults)
	if err != nil {
		return nil, fmt.Errorf("failed to encode stage results: %w", err)
	}

	row := &runRow{
		id:              run.ID,
		tenantID:        run.TenantID,
		goalText:        run.Goal.Text,
		goalSubmittedAt: run.Goal.SubmittedAt.UTC().Format(timeLayout),
		status:          string(run.Status),
		stageResults:    string(results),
		createdAt:       run.CreatedAt.UTC().Format(timeLayout),
		updatedAt:       run.UpdatedAt.UTC().Format(timeLayout),
	}
	if len(run.Goal.Constraints) > 0 {
		row.goalConstraints = sql.NullString{String: string(run.Goal.Constraints), Valid: true}
	}
	if run.CurrentStage != "" {
		row.currentStage = sql.NullString{String: string(run.CurrentStage), Valid: true}
	}
	if run.Terminal != nil {
		terminal, err := json.Marshal(run.Terminal)
		if err != nil {
			return nil, fmt.Errorf("failed to encode terminal result: %w", err)
		}
		row.terminalResult = sql.NullString{String: string(terminal), Valid: true}
	}
	return row, nil
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*kernel.Run, error) {
	var row runRow
	if err := sc.Scan(
		&row.id, &row.tenantID, &row.goalText, &row.goalConstraints, &row.goalSubmittedAt,
		&row.status, &row.currentStage, &row.stageResults, &row.terminalResult,
		&row.createdAt, &row.updatedAt,
	); err != nil {
		return nil, err
	}

	submittedAt, err := time.Parse(timeLayout, row.goalSubmittedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse goal submission time: %w", err)
	}
	createdAt, err := time.Parse(timeLayout, row.createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse run creation time: %w", err)
	}
	updatedAt, err := time.Parse(timeLayout, row.updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse run update time: %w", err)
	}

	run := &kernel.Run{
		ID:       row.id,
		TenantID: row.tenantID,
		Goal: kernel.Goal{
			TenantID:    row.tenantID,
			Text:        row.goalText,
			SubmittedAt: submittedAt,
		},
		Status:       kernel.RunStatus(row.status),
		StageResults: []kernel.StageResult{},
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
	}
	if row.goalConstraints.Valid {
		run.Goal.Constraints = json.RawMessage(row.goalConstraints.String)
	}
	if row.currentStage.Valid {
		run.CurrentStage = kernel.StageKind(row.currentStage.String)
	}
	if err := json.Unmarshal([]byte(row.stageResults), &run.StageResults); err != nil {
		return nil, fmt.Errorf("failed to decode stage results: %w", err)
	}
	if row.terminalResult.Valid {
		terminal := &kernel.TerminalResult{}
		if err := json.Unmarshal([]byte(row.terminalResult.String), terminal); err != nil {
			return nil, fmt.Errorf("failed to decode terminal result: %w", err)
		}
		run.Terminal = terminal
	}
	return run, nil
}

func scanEntry(sc scanner) (*ledger.Entry, error) {
	var (
		entry     ledger.Entry
		parentID  sql.NullString
		action    string
		createdAt string
	)
	if err := sc.Scan(
		&entry.ID, &entry.TenantID, &parentID, &action,
		&entry.PayloadHash, &entry.KeyVersion, &entry.Signature, &createdAt,
	); err != nil {
		return nil, err
	}

	entry.Action = ledger.ActionType(action)
	if parentID.Valid {
		parent := parentID.String
		entry.ParentID = &parent
	}
	ts, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ledger timestamp: %w", err)
	}
	entry.CreatedAt = ts
	return &entry, nil
}
