package history

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/artpar/freighter/internal/core/invoice"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens the ledger at path, creating its directory, and runs
// migrations. ":memory:" opens a private in-memory ledger.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, NewHistoryError("NewSQLiteStore", "", err.Error(), ErrConnectionFailed)
		}
	}

	db, err := sqlx.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, NewHistoryError("NewSQLiteStore", "", "failed to open database", ErrConnectionFailed)
	}
	// One connection keeps ":memory:" databases shared across queries.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewHistoryError("NewSQLiteStore", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewHistoryError("NewSQLiteStore", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) StartRun(ctx context.Context, run *Run) error {
	return startRun(ctx, s.db, run)
}

func (s *SQLiteStore) FinishRun(ctx context.Context, id string, bill *invoice.BillOfLading, runErr error, finishedAt time.Time) error {
	return s.WithTx(ctx, func(tx Store) error {
		return tx.FinishRun(ctx, id, bill, runErr, finishedAt)
	})
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	return getRun(ctx, s.db, id)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, opts ListOptions) ([]Run, error) {
	return listRuns(ctx, s.db, opts)
}

// =============================================================================
// Transaction Support
// =============================================================================

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewHistoryError("WithTx", "", "failed to begin transaction", ErrTxFailed)
	}

	txS := &txSQLiteStore{tx: tx}

	if err := fn(txS); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewHistoryError("WithTx", "", fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewHistoryError("WithTx", "", "failed to commit transaction", ErrTxFailed)
	}

	return nil
}

// =============================================================================
// Transaction Store
// =============================================================================

// txSQLiteStore implements Store within a transaction.
type txSQLiteStore struct {
	tx *sqlx.Tx
}

func (s *txSQLiteStore) StartRun(ctx context.Context, run *Run) error {
	return startRun(ctx, s.tx, run)
}

func (s *txSQLiteStore) FinishRun(ctx context.Context, id string, bill *invoice.BillOfLading, runErr error, finishedAt time.Time) error {
	return finishRun(ctx, s.tx, id, bill, runErr, finishedAt)
}

func (s *txSQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	return getRun(ctx, s.tx, id)
}

func (s *txSQLiteStore) ListRuns(ctx context.Context, opts ListOptions) ([]Run, error) {
	return listRuns(ctx, s.tx, opts)
}

func (s *txSQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	return fn(s)
}

func (s *txSQLiteStore) Close() error {
	return nil
}

// =============================================================================
// Run Operations
// =============================================================================

// runRow represents a run row in the database.
type runRow struct {
	ID           string  `db:"id"`
	Action       string  `db:"action"`
	Team         string  `db:"team"`
	Project      string  `db:"project"`
	Environment  string  `db:"environment"`
	DataCenter   string  `db:"data_center"`
	Service      string  `db:"service"`
	Tags         string  `db:"tags"`
	PID          int     `db:"pid"`
	Status       string  `db:"status"`
	ErrorMessage string  `db:"error_message"`
	StartedAt    string  `db:"started_at"`
	FinishedAt   *string `db:"finished_at"`
}

// outcomeRow represents an outcome row in the database.
type outcomeRow struct {
	RunID      string `db:"run_id"`
	Host       string `db:"host"`
	Service    string `db:"service"`
	Successful bool   `db:"successful"`
}

func startRun(ctx context.Context, exec executor, run *Run) error {
	tagsJSON, err := json.Marshal(run.Tags)
	if err != nil {
		return NewHistoryError("StartRun", run.ID, "failed to serialize tags", err)
	}
	if run.Status == "" {
		run.Status = StatusRunning
	}

	query := `
		INSERT INTO runs (
			id, action, team, project, environment, data_center, service,
			tags, pid, status, error_message, started_at
		) VALUES (
			:id, :action, :team, :project, :environment, :data_center, :service,
			:tags, :pid, :status, :error_message, :started_at
		)`

	row := runRow{
		ID:           run.ID,
		Action:       run.Action,
		Team:         run.Team,
		Project:      run.Project,
		Environment:  run.Environment,
		DataCenter:   run.DataCenter,
		Service:      run.Service,
		Tags:         string(tagsJSON),
		PID:          run.PID,
		Status:       string(run.Status),
		ErrorMessage: run.Error,
		StartedAt:    run.StartedAt.UTC().Format(time.RFC3339Nano),
	}

	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: runs.id") {
			return NewHistoryError("StartRun", run.ID, "run already recorded", ErrDuplicateID)
		}
		return NewHistoryError("StartRun", run.ID, err.Error(), err)
	}
	return nil
}

func finishRun(ctx context.Context, exec executor, id string, bill *invoice.BillOfLading, runErr error, finishedAt time.Time) error {
	status, message := StatusSucceeded, ""
	if runErr != nil {
		status, message = StatusFailed, runErr.Error()
	} else if bill != nil && bill.Failed() {
		status = StatusFailed
	}

	query := `
		UPDATE runs SET
			status = :status,
			error_message = :error_message,
			finished_at = :finished_at
		WHERE id = :id`

	result, err := exec.NamedExecContext(ctx, query, map[string]any{
		"id":            id,
		"status":        string(status),
		"error_message": message,
		"finished_at":   finishedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return NewHistoryError("FinishRun", id, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewHistoryError("FinishRun", id, "run not found", ErrNotFound)
	}

	for _, o := range outcomesFromBill(bill) {
		_, err := exec.NamedExecContext(ctx, `
			INSERT OR REPLACE INTO outcomes (run_id, host, service, successful)
			VALUES (:run_id, :host, :service, :successful)`,
			outcomeRow{RunID: id, Host: o.Host, Service: o.Service, Successful: o.Successful})
		if err != nil {
			return NewHistoryError("FinishRun", id, "failed to record outcome", err)
		}
	}

	return nil
}

func getRun(ctx context.Context, exec executor, id string) (*Run, error) {
	var row runRow
	err := exec.GetContext(ctx, &row, `SELECT * FROM runs WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewHistoryError("GetRun", id, "run not found", ErrNotFound)
		}
		return nil, NewHistoryError("GetRun", id, err.Error(), err)
	}

	run := rowToRun(&row)

	var outcomes []outcomeRow
	err = exec.SelectContext(ctx, &outcomes,
		`SELECT * FROM outcomes WHERE run_id = ? ORDER BY host, successful DESC, service`, id)
	if err != nil {
		return nil, NewHistoryError("GetRun", id, err.Error(), err)
	}
	for _, o := range outcomes {
		run.Outcomes = append(run.Outcomes, Outcome{Host: o.Host, Service: o.Service, Successful: o.Successful})
	}

	return run, nil
}

func listRuns(ctx context.Context, exec executor, opts ListOptions) ([]Run, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM runs ORDER BY started_at DESC LIMIT ? OFFSET ?`

	var rows []runRow
	if err := exec.SelectContext(ctx, &rows, query, opts.Limit, opts.Offset); err != nil {
		return nil, NewHistoryError("ListRuns", "", err.Error(), err)
	}

	runs := make([]Run, 0, len(rows))
	for _, row := range rows {
		runs = append(runs, *rowToRun(&row))
	}
	return runs, nil
}

func rowToRun(row *runRow) *Run {
	startedAt, _ := time.Parse(time.RFC3339Nano, row.StartedAt)

	var tags []string
	_ = json.Unmarshal([]byte(row.Tags), &tags)

	run := &Run{
		ID:          row.ID,
		Action:      row.Action,
		Team:        row.Team,
		Project:     row.Project,
		Environment: row.Environment,
		DataCenter:  row.DataCenter,
		Service:     row.Service,
		Tags:        tags,
		PID:         row.PID,
		Status:      Status(row.Status),
		Error:       row.ErrorMessage,
		StartedAt:   startedAt,
	}
	if row.FinishedAt != nil {
		t, _ := time.Parse(time.RFC3339Nano, *row.FinishedAt)
		run.FinishedAt = &t
	}
	return run
}
