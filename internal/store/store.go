// Package store persists partition snapshots and records which partitions
// have been materialized.
package store

import (
	"context"
	"errors"
	"time"

	"klinefeed/internal/domain"
	"klinefeed/internal/partition"
)

// ErrNotFound is returned when a snapshot has never been written.
var ErrNotFound = errors.New("snapshot not found")

// SnapshotStore persists observation snapshots addressed by partition.
type SnapshotStore interface {
	// WriteWeekly replaces the snapshot of one symbol × week partition.
	WriteWeekly(ctx context.Context, asset string, key partition.Key, rows []domain.Observation) error

	// ReadWeekly returns the snapshot of one symbol × week partition.
	ReadWeekly(ctx context.Context, asset string, key partition.Key) ([]domain.Observation, error)

	// WriteSymbol replaces the snapshot of a per-symbol asset.
	WriteSymbol(ctx context.Context, asset, symbol string, rows []domain.Observation) error

	// ReadSymbol returns the snapshot of a per-symbol asset.
	ReadSymbol(ctx context.Context, asset, symbol string) ([]domain.Observation, error)
}

// Materialization is one successful write of a partition.
type Materialization struct {
	Asset          string
	PartitionKey   string
	RowCount       int
	RunID          string
	MaterializedAt time.Time
}

// Registry tracks which partitions exist. The set only grows.
type Registry interface {
	// MarkMaterialized records (or refreshes) a partition.
	MarkMaterialized(ctx context.Context, m Materialization) error

	// ListMaterialized returns every partition key of an asset as one
	// point-in-time snapshot.
	ListMaterialized(ctx context.Context, asset string) ([]string, error)

	// ListPartitions returns the materializations of one symbol, ordered by
	// partition key.
	ListPartitions(ctx context.Context, asset, symbol string) ([]Materialization, error)
}

// Run is the log entry for one scheduler tick or manual invocation.
type Run struct {
	ID         string
	Kind       string
	StartedAt  time.Time
	FinishedAt time.Time
	Planned    int
	Succeeded  int
	Failed     int
	SkipReason string
	Err        string
}

// RunLog persists tick outcomes.
type RunLog interface {
	// SaveRun inserts or updates a run by ID.
	SaveRun(ctx context.Context, r Run) error

	// ListRuns returns the most recent runs, newest first, up to limit.
	ListRuns(ctx context.Context, limit int) ([]Run, error)
}
