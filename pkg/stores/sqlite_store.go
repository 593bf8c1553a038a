package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/cogworks/cogworks/pkg/engine"
	"github.com/cogworks/cogworks/pkg/pipeline"
)

//go:embed migrations/sqlite/*.sql
var sqliteMigrations embed.FS

const activeStates = `('pending', 'running', 'awaiting_approval')`

// SQLiteStore implements engine.RunStore on SQLite. Snapshots are stored as
// JSON next to the columns needed for lookups; outcomes are an append-only
// table.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (c Config) inMemory() bool {
	return c.Path == ":memory:" || strings.Contains(c.Path, "mode=memory")
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: is a separate database.
	if cfg.inMemory() {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database and applies connection pragmas.
func (s *SQLiteStore) Init(ctx context.Context) error {
	pragmas := "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	if !s.cfg.inMemory() {
		pragmas += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}
	sep := "?"
	if strings.Contains(s.cfg.Path, "?") {
		sep = "&"
	}

	db, err := sql.Open("sqlite", s.cfg.Path+sep+pragmas)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
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

// DB returns the underlying handle, shared with SQLiteQueue.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Migrate runs the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(sqliteMigrations, "migrations/sqlite")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
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

func millis(t time.Time) int64 { return t.UnixMilli() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

// encodeSnapshot serializes run without its outcome log, which lives in
// its own table.
func encodeSnapshot(run *engine.RunSnapshot) (string, error) {
	c := *run
	c.Outcomes = nil
	b, err := json.Marshal(&c)
	if err != nil {
		return "", fmt.Errorf("failed to encode run snapshot: %w", err)
	}
	return string(b), nil
}

func ensureWorkItem(ctx context.Context, tx *sql.Tx, wi pipeline.WorkItemID, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO work_items (id, updated_at) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`,
		int64(wi), millis(now))
	if err != nil {
		return fmt.Errorf("failed to upsert work item: %w", err)
	}
	return nil
}

// CreateRun inserts a new run. It returns engine.ErrRunActive when the work
// item already has an active run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *engine.RunSnapshot) error {
	data, err := encodeSnapshot(run)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := ensureWorkItem(ctx, tx, run.WorkItem, run.CreatedAt); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, work_item, pipeline, state, accumulated, snapshot, created_at, updated_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID.String(),
		int64(run.WorkItem),
		string(run.Pipeline),
		string(run.State),
		run.Accumulated.Float64(),
		data,
		millis(run.CreatedAt),
		millis(run.UpdatedAt),
		nullMillis(run.FinishedAt),
	)
	if isUniqueViolation(err) {
		return engine.ErrRunActive
	}
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return tx.Commit()
}

// SaveRun overwrites the run's snapshot.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *engine.RunSnapshot) error {
	data, err := encodeSnapshot(run)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET state = ?, accumulated = ?, snapshot = ?, updated_at = ?, finished_at = ?
		WHERE id = ?
	`,
		string(run.State),
		run.Accumulated.Float64(),
		data,
		millis(run.UpdatedAt),
		nullMillis(run.FinishedAt),
		run.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.ErrRunNotFound
	}
	return nil
}

// AppendOutcome appends o to the run's outcome log.
func (s *SQLiteStore) AppendOutcome(ctx context.Context, run pipeline.RunID, o engine.NodeOutcome) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to encode outcome: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO outcomes (run_id, seq, node, attempt, status, data, recorded_at)
		SELECT r.id, COALESCE((SELECT MAX(seq) FROM outcomes WHERE run_id = r.id), 0) + 1, ?, ?, ?, ?, ?
		FROM runs r WHERE r.id = ?
	`,
		string(o.Node),
		o.Attempt,
		string(o.Status),
		string(data),
		millis(time.Now()),
		run.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to append outcome: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.ErrRunNotFound
	}
	return nil
}

// GetRun loads a run with its full outcome log.
func (s *SQLiteStore) GetRun(ctx context.Context, id pipeline.RunID) (*engine.RunSnapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM runs WHERE id = ?`, id.String()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	run := &engine.RunSnapshot{}
	if err := json.Unmarshal([]byte(data), run); err != nil {
		return nil, fmt.Errorf("failed to decode run %s: %w", id, err)
	}

	outcomes, err := s.listOutcomes(ctx, id)
	if err != nil {
		return nil, err
	}
	run.Outcomes = outcomes
	return run, nil
}

func (s *SQLiteStore) listOutcomes(ctx context.Context, id pipeline.RunID) ([]engine.NodeOutcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM outcomes WHERE run_id = ? ORDER BY seq`, id.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []engine.NodeOutcome
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		var o engine.NodeOutcome
		if err := json.Unmarshal([]byte(data), &o); err != nil {
			return nil, fmt.Errorf("failed to decode outcome: %w", err)
		}
		outcomes = append(outcomes, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outcomes: %w", err)
	}
	return outcomes, nil
}

// ActiveRun returns the work item's active run, or engine.ErrNoActiveRun.
func (s *SQLiteStore) ActiveRun(ctx context.Context, wi pipeline.WorkItemID) (*engine.RunSnapshot, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM runs WHERE work_item = ? AND state IN `+activeStates, int64(wi)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrNoActiveRun
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active run: %w", err)
	}
	return s.getRunByText(ctx, id)
}

// ListActiveRuns returns every non-terminal run, oldest first.
func (s *SQLiteStore) ListActiveRuns(ctx context.Context) ([]*engine.RunSnapshot, error) {
	ids, err := s.queryRunIDs(ctx,
		`SELECT id FROM runs WHERE state IN `+activeStates+` ORDER BY created_at`)
	if err != nil {
		return nil, err
	}

	runs := make([]*engine.RunSnapshot, 0, len(ids))
	for _, id := range ids {
		run, err := s.getRunByText(ctx, id)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// ListRuns returns the runs of a work item, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, wi pipeline.WorkItemID, limit int) ([]*engine.RunSnapshot, error) {
	if limit <= 0 {
		limit = 20
	}
	ids, err := s.queryRunIDs(ctx,
		`SELECT id FROM runs WHERE work_item = ? ORDER BY created_at DESC LIMIT ?`, int64(wi), limit)
	if err != nil {
		return nil, err
	}

	runs := make([]*engine.RunSnapshot, 0, len(ids))
	for _, id := range ids {
		run, err := s.getRunByText(ctx, id)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// queryRunIDs collects ids before loading runs, so a single-connection
// pool is never asked for a second connection while rows are open.
func (s *SQLiteStore) queryRunIDs(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return ids, nil
}

func (s *SQLiteStore) getRunByText(ctx context.Context, id string) (*engine.RunSnapshot, error) {
	runID, err := pipeline.ParseRunID(id)
	if err != nil {
		return nil, fmt.Errorf("corrupt run id: %w", err)
	}
	return s.GetRun(ctx, runID)
}

// GetWorkItem returns the work item. Unknown work items are returned with
// zero values.
func (s *SQLiteStore) GetWorkItem(ctx context.Context, wi pipeline.WorkItemID) (*engine.WorkItem, error) {
	out := &engine.WorkItem{ID: wi}

	var (
		held      bool
		reason    string
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT held, held_reason, updated_at FROM work_items WHERE id = ?`, int64(wi)).
		Scan(&held, &reason, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get work item: %w", err)
	}
	out.Held = held
	out.HeldReason = reason
	out.UpdatedAt = time.UnixMilli(updatedAt).UTC()

	var total float64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(accumulated), 0) FROM runs WHERE work_item = ?`, int64(wi)).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to sum work item cost: %w", err)
	}
	if out.Accumulated, err = pipeline.NewTokenCost(total); err != nil {
		return nil, err
	}

	var id, state string
	err = s.db.QueryRowContext(ctx,
		`SELECT id, state FROM runs WHERE work_item = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, int64(wi)).
		Scan(&id, &state)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to get current run: %w", err)
	default:
		runID, err := pipeline.ParseRunID(id)
		if err != nil {
			return nil, fmt.Errorf("corrupt run id: %w", err)
		}
		out.CurrentRun = &runID
		out.State = engine.RunState(state)
	}

	return out, nil
}

// SetHeld sets or clears the work item's content-safety hold.
func (s *SQLiteStore) SetHeld(ctx context.Context, wi pipeline.WorkItemID, held bool, reason string) error {
	if !held {
		reason = ""
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO work_items (id, held, held_reason, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET held = excluded.held, held_reason = excluded.held_reason, updated_at = excluded.updated_at
	`, int64(wi), held, reason, millis(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to set hold on work item %s: %w", wi, err)
	}
	return nil
}

var _ engine.RunStore = (*SQLiteStore)(nil)
