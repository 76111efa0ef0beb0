// Package planner decides which weekly partitions to backfill on a
// scheduling tick.
package planner

import (
	"log/slog"
	"sort"

	"klinefeed/internal/partition"
	"klinefeed/internal/reference"
)

// DefaultMaxPartitionsPerRun caps one tick's batch. Backfilling everything at
// once runs into the exchange's API limits.
const DefaultMaxPartitionsPerRun = 100

// SkipNoMissing is the skip reason when nothing needs fetching.
const SkipNoMissing = "no missing price data within bounds"

// Stats counts what happened to candidate keys during one planning pass.
type Stats struct {
	All           int
	Materialized  int
	Malformed     int
	Missing       int
	UnknownSymbol int
	PreLaunch     int
	Valid         int
	Selected      int
}

// Result is the outcome of one planning pass. When Keys is empty the tick is
// a no-op and SkipReason says why.
type Result struct {
	Keys       []partition.Key
	SkipReason string
	Stats      Stats
}

// Skipped reports whether the pass produced no work.
func (r Result) Skipped() bool { return len(r.Keys) == 0 }

// KeyParser decodes a registry entry into a key.
type KeyParser func(s string) (partition.Key, error)

// Planner computes backfill batches. It holds no state between passes.
type Planner struct {
	maxPerRun int
	parse     KeyParser
	log       *slog.Logger
}

// New creates a Planner. A non-positive maxPerRun selects the default and a
// nil parse selects partition.Parse.
func New(maxPerRun int, parse KeyParser, log *slog.Logger) *Planner {
	if maxPerRun <= 0 {
		maxPerRun = DefaultMaxPartitionsPerRun
	}
	if parse == nil {
		parse = partition.Parse
	}
	if log == nil {
		log = slog.Default()
	}
	return &Planner{maxPerRun: maxPerRun, parse: parse, log: log.With("component", "planner")}
}

// Plan returns at most maxPerRun keys from all that are not materialized,
// belong to a known symbol, and do not start before that symbol's launch
// date. Keys are ordered most recent week first, then by symbol descending.
//
// materialized is an opaque snapshot from the partition registry; entries
// the parser rejects are counted as malformed, logged and ignored.
func (p *Planner) Plan(all []partition.Key, materialized []string, symbols reference.Table) Result {
	stats := Stats{All: len(all)}

	done := make(map[string]struct{}, len(materialized))
	for _, s := range materialized {
		k, err := p.parse(s)
		if err != nil {
			stats.Malformed++
			p.log.Warn("skipping malformed materialized key", "err", err)
			continue
		}
		done[k.String()] = struct{}{}
	}
	stats.Materialized = len(done)

	var valid []partition.Key
	for _, k := range all {
		if _, ok := done[k.String()]; ok {
			continue
		}
		stats.Missing++

		sym, ok := symbols.Lookup(k.Symbol)
		if !ok {
			stats.UnknownSymbol++
			p.log.Debug("skipping key for unknown symbol", "key", k.String())
			continue
		}
		if k.WeekStart.Before(sym.LaunchDate()) {
			stats.PreLaunch++
			continue
		}
		valid = append(valid, k)
	}
	stats.Valid = len(valid)

	p.log.Info("found valid missing partitions", "count", stats.Valid,
		"missing", stats.Missing, "preLaunch", stats.PreLaunch, "unknown", stats.UnknownSymbol)

	if len(valid) == 0 {
		return Result{SkipReason: SkipNoMissing, Stats: stats}
	}

	sort.Slice(valid, func(i, j int) bool {
		if !valid[i].WeekStart.Equal(valid[j].WeekStart) {
			return valid[i].WeekStart.After(valid[j].WeekStart)
		}
		return valid[i].Symbol > valid[j].Symbol
	})
	if len(valid) > p.maxPerRun {
		valid = valid[:p.maxPerRun]
	}
	stats.Selected = len(valid)

	return Result{Keys: valid, Stats: stats}
}
