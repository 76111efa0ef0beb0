// Package merge combines weekly snapshots and the recent-window snapshot of a
// symbol into one continuous, deduplicated series.
package merge

import (
	"sort"
	"time"

	"klinefeed/internal/domain"
)

// Snapshot is the materialized output of one weekly partition.
type Snapshot struct {
	WeekStart time.Time
	Rows      []domain.Observation
}

// Result is a merged series plus bookkeeping for logging and metrics.
type Result struct {
	Series []domain.Observation
	// Watermark is the latest start time present in the weekly data; zero
	// when there was none.
	Watermark time.Time
	// Appended is the number of recent rows at or after the watermark.
	Appended int
	// Combined is the row count before deduplication.
	Combined int
	// Removed is the number of duplicate rows dropped.
	Removed int
}

type rowKey struct {
	symbol string
	start  int64
}

// Merge concatenates the weekly snapshots in week order, appends recent rows
// starting at or after the weekly high watermark, and keeps one row per
// (symbol, start time): the one with the latest IngestedAt. On equal
// IngestedAt the row that came first in concatenation order wins, so weekly
// data beats the recent snapshot and an earlier week beats a later copy.
//
// The output is sorted by start time, then symbol.
func Merge(weekly []Snapshot, recent []domain.Observation) Result {
	ordered := append([]Snapshot(nil), weekly...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].WeekStart.Before(ordered[j].WeekStart)
	})

	var combined []domain.Observation
	for _, s := range ordered {
		combined = append(combined, s.Rows...)
	}

	var res Result
	for i, o := range combined {
		if i == 0 || o.StartTime.After(res.Watermark) {
			res.Watermark = o.StartTime
		}
	}

	for _, o := range recent {
		if len(combined) > 0 && o.StartTime.Before(res.Watermark) {
			continue
		}
		combined = append(combined, o)
		res.Appended++
	}
	res.Combined = len(combined)

	best := make(map[rowKey]int, len(combined))
	for i, o := range combined {
		k := rowKey{symbol: o.Symbol, start: o.StartTime.UnixNano()}
		j, seen := best[k]
		if !seen || o.IngestedAt.After(combined[j].IngestedAt) {
			best[k] = i
		}
	}

	series := make([]domain.Observation, 0, len(best))
	for _, i := range best {
		series = append(series, combined[i])
	}
	sort.Slice(series, func(i, j int) bool {
		if !series[i].StartTime.Equal(series[j].StartTime) {
			return series[i].StartTime.Before(series[j].StartTime)
		}
		return series[i].Symbol < series[j].Symbol
	})

	res.Series = series
	res.Removed = res.Combined - len(series)
	return res
}
