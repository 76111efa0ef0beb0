package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"klinefeed/internal/partition"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ Registry = (*SQLiteStore)(nil)
var _ RunLog = (*SQLiteStore)(nil)

// SQLiteStore implements Registry and RunLog backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies the
// schema, and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	slog.Info("sqlite registry opened", "path", dbPath)
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS materializations (
			asset           TEXT NOT NULL,
			partition_key   TEXT NOT NULL,
			row_count       INTEGER NOT NULL,
			run_id          TEXT NOT NULL,
			materialized_at INTEGER NOT NULL,
			PRIMARY KEY (asset, partition_key)
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id          TEXT PRIMARY KEY,
			kind        TEXT NOT NULL,
			started_at  INTEGER NOT NULL,
			finished_at INTEGER,
			planned     INTEGER NOT NULL DEFAULT 0,
			succeeded   INTEGER NOT NULL DEFAULT 0,
			failed      INTEGER NOT NULL DEFAULT 0,
			skip_reason TEXT NOT NULL DEFAULT '',
			error       TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", strings.TrimSpace(stmt)[:40], err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Registry implementation
// ---------------------------------------------------------------------------

// MarkMaterialized inserts or refreshes a materialization row.
func (s *SQLiteStore) MarkMaterialized(ctx context.Context, m Materialization) error {
	if m.MaterializedAt.IsZero() {
		m.MaterializedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO materializations (asset, partition_key, row_count, run_id, materialized_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(asset, partition_key) DO UPDATE SET
			row_count = excluded.row_count,
			run_id = excluded.run_id,
			materialized_at = excluded.materialized_at`,
		m.Asset, m.PartitionKey, m.RowCount, m.RunID, m.MaterializedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("marking %s %s: %w", m.Asset, m.PartitionKey, err)
	}
	return nil
}

// ListMaterialized returns all partition keys of asset in one query.
func (s *SQLiteStore) ListMaterialized(ctx context.Context, asset string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT partition_key FROM materializations WHERE asset = ? ORDER BY partition_key`, asset)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", asset, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ListPartitions returns the materializations of asset belonging to symbol.
// Per-symbol assets are keyed by the bare symbol; weekly assets by
// SYMBOL|date.
func (s *SQLiteStore) ListPartitions(ctx context.Context, asset, symbol string) ([]Materialization, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT asset, partition_key, row_count, run_id, materialized_at
		FROM materializations
		WHERE asset = ? AND (partition_key = ? OR substr(partition_key, 1, ?) = ?)
		ORDER BY partition_key`,
		asset, symbol, len(symbol)+len(partition.Separator), symbol+partition.Separator)
	if err != nil {
		return nil, fmt.Errorf("listing %s for %s: %w", asset, symbol, err)
	}
	defer rows.Close()

	var out []Materialization
	for rows.Next() {
		var (
			m  Materialization
			ms int64
		)
		if err := rows.Scan(&m.Asset, &m.PartitionKey, &m.RowCount, &m.RunID, &ms); err != nil {
			return nil, err
		}
		m.MaterializedAt = time.UnixMilli(ms).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// RunLog implementation
// ---------------------------------------------------------------------------

// SaveRun inserts a run or overwrites the row with the same ID.
func (s *SQLiteStore) SaveRun(ctx context.Context, r Run) error {
	var finished sql.NullInt64
	if !r.FinishedAt.IsZero() {
		finished = sql.NullInt64{Int64: r.FinishedAt.UnixMilli(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs
			(id, kind, started_at, finished_at, planned, succeeded, failed, skip_reason, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Kind, r.StartedAt.UnixMilli(), finished, r.Planned, r.Succeeded, r.Failed, r.SkipReason, r.Err)
	if err != nil {
		return fmt.Errorf("saving run %s: %w", r.ID, err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, started_at, finished_at, planned, succeeded, failed, skip_reason, error
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r        Run
			started  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.Kind, &started, &finished, &r.Planned, &r.Succeeded, &r.Failed, &r.SkipReason, &r.Err); err != nil {
			return nil, err
		}
		r.StartedAt = time.UnixMilli(started).UTC()
		if finished.Valid {
			r.FinishedAt = time.UnixMilli(finished.Int64).UTC()
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
