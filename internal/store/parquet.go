package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"klinefeed/internal/domain"
	"klinefeed/internal/partition"
)

// Compile-time interface check.
var _ SnapshotStore = (*ParquetStore)(nil)

// ParquetStore implements SnapshotStore using Parquet files on disk.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record type (on-disk schema)
// ---------------------------------------------------------------------------

// ObservationRecord is the Parquet schema for kline observations.
type ObservationRecord struct {
	Symbol     string  `parquet:"symbol"`
	StartTime  int64   `parquet:"start_time_utc,timestamp(millisecond)"` // Unix ms
	Open       float64 `parquet:"open"`
	High       float64 `parquet:"high"`
	Low        float64 `parquet:"low"`
	Close      float64 `parquet:"close"`
	Volume     float64 `parquet:"volume"`
	Turnover   float64 `parquet:"turnover"`
	IngestedAt int64   `parquet:"ingested_at,timestamp(microsecond)"` // Unix µs
}

func toRecords(rows []domain.Observation) []ObservationRecord {
	records := make([]ObservationRecord, len(rows))
	for i, o := range rows {
		records[i] = ObservationRecord{
			Symbol:     o.Symbol,
			StartTime:  o.StartTime.UnixMilli(),
			Open:       o.Open,
			High:       o.High,
			Low:        o.Low,
			Close:      o.Close,
			Volume:     o.Volume,
			Turnover:   o.Turnover,
			IngestedAt: o.IngestedAt.UnixMicro(),
		}
	}
	return records
}

func fromRecords(records []ObservationRecord) []domain.Observation {
	rows := make([]domain.Observation, len(records))
	for i, r := range records {
		rows[i] = domain.Observation{
			Symbol:     r.Symbol,
			StartTime:  time.UnixMilli(r.StartTime).UTC(),
			Open:       r.Open,
			High:       r.High,
			Low:        r.Low,
			Close:      r.Close,
			Volume:     r.Volume,
			Turnover:   r.Turnover,
			IngestedAt: time.UnixMicro(r.IngestedAt).UTC(),
		}
	}
	return rows
}

// ---------------------------------------------------------------------------
// SnapshotStore implementation
// ---------------------------------------------------------------------------

// WriteWeekly writes one weekly partition to
//
//	<DataDir>/<asset>/<SYMBOL>/<YYYY-MM-DD>.parquet
//
// replacing any previous snapshot. An empty rows slice still produces a file
// so that a pre-launch week reads back as empty rather than missing.
func (s *ParquetStore) WriteWeekly(ctx context.Context, asset string, key partition.Key, rows []domain.Observation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := s.weeklyPath(asset, key)
	if err := writeParquetFile(path, toRecords(rows)); err != nil {
		return fmt.Errorf("writing %s %s: %w", asset, key, err)
	}
	return nil
}

// ReadWeekly reads one weekly partition.
func (s *ParquetStore) ReadWeekly(_ context.Context, asset string, key partition.Key) ([]domain.Observation, error) {
	records, err := readParquetFile[ObservationRecord](s.weeklyPath(asset, key))
	if err != nil {
		return nil, fmt.Errorf("reading %s %s: %w", asset, key, err)
	}
	return fromRecords(records), nil
}

// WriteSymbol writes a per-symbol snapshot to
//
//	<DataDir>/<asset>/<SYMBOL>.parquet
func (s *ParquetStore) WriteSymbol(ctx context.Context, asset, symbol string, rows []domain.Observation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := writeParquetFile(s.symbolPath(asset, symbol), toRecords(rows)); err != nil {
		return fmt.Errorf("writing %s %s: %w", asset, symbol, err)
	}
	return nil
}

// ReadSymbol reads a per-symbol snapshot.
func (s *ParquetStore) ReadSymbol(_ context.Context, asset, symbol string) ([]domain.Observation, error) {
	records, err := readParquetFile[ObservationRecord](s.symbolPath(asset, symbol))
	if err != nil {
		return nil, fmt.Errorf("reading %s %s: %w", asset, symbol, err)
	}
	return fromRecords(records), nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// weeklyPath returns the filesystem path for a weekly partition file.
// Layout: <dataDir>/<asset>/<SYMBOL>/<YYYY-MM-DD>.parquet
func (s *ParquetStore) weeklyPath(asset string, key partition.Key) string {
	date := key.WeekStart.UTC().Format(partition.DateLayout)
	return filepath.Join(s.DataDir, asset, strings.ToUpper(key.Symbol), date+".parquet")
}

// symbolPath returns the filesystem path for a per-symbol file.
// Layout: <dataDir>/<asset>/<SYMBOL>.parquet
func (s *ParquetStore) symbolPath(asset, symbol string) string {
	return filepath.Join(s.DataDir, asset, strings.ToUpper(symbol)+".parquet")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

// writeParquetFile writes records next to path and renames the result into
// place, so readers never observe a partially written file.
func writeParquetFile[T any](path string, records []T) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()

	if err := parquet.Write(f, records); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rows, nil
}
