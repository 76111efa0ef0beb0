// Package pipeline executes fetch, merge and training-window units over the
// fixed asset graph:
//
//	raw_prices_15min_weekly ─┐
//	                         ├─> stg_prices_15min ─> stg_prices_15min_model_train
//	raw_prices_15min_recent ─┘
//
// Every unit is independent. A failure is recorded against its own partition
// or symbol and never aborts the rest of the batch.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"klinefeed/internal/domain"
	"klinefeed/internal/exchange/bybit"
	"klinefeed/internal/gather"
	"klinefeed/internal/merge"
	"klinefeed/internal/metrics"
	"klinefeed/internal/partition"
	"klinefeed/internal/planner"
	"klinefeed/internal/reference"
	"klinefeed/internal/store"
	"klinefeed/internal/train"
)

// Asset names, also used as directory names by the snapshot store.
const (
	AssetWeekly = "raw_prices_15min_weekly"
	AssetRecent = "raw_prices_15min_recent"
	AssetMerged = "stg_prices_15min"
	AssetTrain  = "stg_prices_15min_model_train"
)

// Fetcher retrieves the closed buckets of a range.
type Fetcher interface {
	Fetch(ctx context.Context, req bybit.Request) ([]domain.Observation, error)
}

// Config tunes a Runner.
type Config struct {
	Workers          int
	Category         domain.Category
	Interval         domain.Granularity
	TrainDays        int
	TrainMinDays     int
	MaxPartitionsRun int
}

// Runner wires the fetcher, stores and pure components together.
type Runner struct {
	fetcher   Fetcher
	snapshots store.SnapshotStore
	registry  store.Registry
	symbols   reference.Table
	space     *partition.Space
	planner   *planner.Planner
	cfg       Config
	now       func() time.Time
	log       *slog.Logger

	// symbolLocks serialises writes to one symbol's merged, training and
	// recent files. The backfill and recent jobs rebuild concurrently.
	symbolLocks sync.Map // symbol -> *sync.Mutex
}

// NewRunner creates a Runner.
func NewRunner(f Fetcher, snapshots store.SnapshotStore, registry store.Registry,
	symbols reference.Table, space *partition.Space, cfg Config) *Runner {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Category == "" {
		cfg.Category = domain.CategoryLinear
	}
	if cfg.Interval == "" {
		cfg.Interval = domain.Granularity15m
	}
	log := slog.Default().With("component", "pipeline")
	return &Runner{
		fetcher:   f,
		snapshots: snapshots,
		registry:  registry,
		symbols:   symbols,
		space:     space,
		planner:   planner.New(cfg.MaxPartitionsRun, space.ParseKey, log),
		cfg:       cfg,
		now:       time.Now,
		log:       log,
	}
}

// Symbols returns the tracked symbols.
func (r *Runner) Symbols() []string { return r.space.Symbols() }

// Outcome is the result of one unit of work.
type Outcome struct {
	Partition string
	Rows      int
	Err       error
}

// BatchReport summarises a fan-out over partitions or symbols.
type BatchReport struct {
	RunID     string
	Asset     string
	Outcomes  []Outcome
	Succeeded int
	Failed    int
}

// Symbols returns the distinct symbols of the successful outcomes, sorted.
// These are the symbols whose downstream assets are now stale.
func (b BatchReport) Symbols() []string {
	seen := make(map[string]struct{})
	for _, o := range b.Outcomes {
		if o.Err != nil {
			continue
		}
		sym := o.Partition
		if k, err := partition.Parse(o.Partition); err == nil {
			sym = k.Symbol
		}
		seen[sym] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Err joins the failures of the batch.
func (b BatchReport) Err() error {
	var errs []error
	for _, o := range b.Outcomes {
		if o.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", o.Partition, o.Err))
		}
	}
	return errors.Join(errs...)
}

// ------------------------------------------------------------------
// Planning
// ------------------------------------------------------------------

// Plan reads one snapshot of the materialized weekly keys and selects the
// next backfill batch.
func (r *Runner) Plan(ctx context.Context) (planner.Result, error) {
	res, err := r.Preview(ctx)
	if err != nil {
		return res, err
	}
	if res.Skipped() {
		metrics.PlanSkipsTotal.Inc()
	} else {
		metrics.PartitionsPlannedTotal.Add(float64(len(res.Keys)))
	}
	return res, nil
}

// Preview computes the next backfill batch without recording metrics.
func (r *Runner) Preview(ctx context.Context) (planner.Result, error) {
	materialized, err := r.registry.ListMaterialized(ctx, AssetWeekly)
	if err != nil {
		return planner.Result{}, fmt.Errorf("loading materialized partitions: %w", err)
	}
	return r.planner.Plan(r.space.AllKeys(r.now()), materialized, r.symbols), nil
}

// ------------------------------------------------------------------
// Weekly and recent fetches
// ------------------------------------------------------------------

// RunWeekly fetches, stores and registers each weekly partition.
func (r *Runner) RunWeekly(ctx context.Context, runID string, keys []partition.Key) BatchReport {
	outcomes := make([]Outcome, len(keys))
	r.fanOut(ctx, len(keys), func(i int) {
		outcomes[i] = r.runWeeklyKey(ctx, runID, keys[i])
	}, func(i int, err error) {
		outcomes[i] = Outcome{Partition: keys[i].String(), Err: err}
	})
	return r.report(runID, AssetWeekly, outcomes)
}

func (r *Runner) runWeeklyKey(ctx context.Context, runID string, key partition.Key) Outcome {
	out := Outcome{Partition: key.String()}
	log := r.log.With("runID", runID, "partition", out.Partition)

	sym, ok := r.symbols.Lookup(key.Symbol)
	if !ok {
		out.Err = fmt.Errorf("unknown symbol %s", key.Symbol)
		return out
	}
	if !r.space.Contains(key, r.now()) {
		out.Err = &domain.MalformedKeyError{Key: out.Partition, Reason: "not a closed week of the partition space"}
		return out
	}

	start, end := key.Window()
	var rows []domain.Observation
	if start.Before(sym.LaunchDate()) {
		log.Info("week precedes listing, materializing empty", "launch", sym.LaunchTime)
		rows = []domain.Observation{}
	} else {
		log.Info("fetching week", "start", start, "end", end)
		var err error
		rows, err = r.fetcher.Fetch(ctx, r.request(key.Symbol, gather.DateRange{Start: start, End: end}))
		if err != nil {
			metrics.FetchFailuresTotal.WithLabelValues(AssetWeekly).Inc()
			out.Err = err
			return out
		}
	}

	if err := r.snapshots.WriteWeekly(ctx, AssetWeekly, key, rows); err != nil {
		out.Err = err
		return out
	}
	if err := r.mark(ctx, AssetWeekly, out.Partition, len(rows), runID); err != nil {
		out.Err = err
		return out
	}
	metrics.RowsFetchedTotal.WithLabelValues(AssetWeekly, key.Symbol).Add(float64(len(rows)))
	out.Rows = len(rows)
	return out
}

// RefreshRecent fetches the current partial week of each symbol and replaces
// its recent snapshot.
func (r *Runner) RefreshRecent(ctx context.Context, runID string, symbols []string) BatchReport {
	start, end := r.space.RecentWindow(r.now())
	window := gather.DateRange{Start: start, End: end}

	outcomes := make([]Outcome, len(symbols))
	r.fanOut(ctx, len(symbols), func(i int) {
		outcomes[i] = r.refreshRecentSymbol(ctx, runID, symbols[i], window)
	}, func(i int, err error) {
		outcomes[i] = Outcome{Partition: symbols[i], Err: err}
	})
	return r.report(runID, AssetRecent, outcomes)
}

func (r *Runner) refreshRecentSymbol(ctx context.Context, runID, symbol string, window gather.DateRange) Outcome {
	out := Outcome{Partition: symbol}
	if _, ok := r.symbols.Lookup(symbol); !ok {
		out.Err = fmt.Errorf("unknown symbol %s", symbol)
		return out
	}

	rows := []domain.Observation{}
	if !window.Empty() {
		var err error
		rows, err = r.fetcher.Fetch(ctx, r.request(symbol, window))
		if err != nil {
			metrics.FetchFailuresTotal.WithLabelValues(AssetRecent).Inc()
			out.Err = err
			return out
		}
	}

	unlock := r.lockSymbol(symbol)
	err := r.snapshots.WriteSymbol(ctx, AssetRecent, symbol, rows)
	unlock()
	if err != nil {
		out.Err = err
		return out
	}
	if err := r.mark(ctx, AssetRecent, symbol, len(rows), runID); err != nil {
		out.Err = err
		return out
	}
	metrics.RowsFetchedTotal.WithLabelValues(AssetRecent, symbol).Add(float64(len(rows)))
	out.Rows = len(rows)
	return out
}

func (r *Runner) request(symbol string, window gather.DateRange) bybit.Request {
	return bybit.Request{
		Symbol:   symbol,
		Category: r.cfg.Category,
		Interval: r.cfg.Interval,
		Start:    window.Start,
		End:      window.End,
		Limit:    bybit.DefaultLimit,
	}
}

// ------------------------------------------------------------------
// Merge and training window
// ------------------------------------------------------------------

// SymbolOutcome is the result of rebuilding one symbol's derived assets.
type SymbolOutcome struct {
	Symbol    string
	Merged    int
	Removed   int
	TrainRows int
	Err       error
}

// RebuildReport summarises a rebuild pass.
type RebuildReport struct {
	RunID    string
	Outcomes []SymbolOutcome
	Failed   int
}

// Rebuild recomputes the merged series and then the training dataset of each
// given symbol, and of no other. A symbol with too little history keeps its
// merged series but gets no training dataset.
func (r *Runner) Rebuild(ctx context.Context, runID string, symbols []string) RebuildReport {
	outcomes := make([]SymbolOutcome, len(symbols))
	r.fanOut(ctx, len(symbols), func(i int) {
		outcomes[i] = r.rebuildSymbol(ctx, runID, symbols[i])
	}, func(i int, err error) {
		outcomes[i] = SymbolOutcome{Symbol: symbols[i], Err: err}
	})

	rep := RebuildReport{RunID: runID, Outcomes: outcomes}
	for _, o := range outcomes {
		if o.Err != nil {
			rep.Failed++
		}
	}
	return rep
}

func (r *Runner) rebuildSymbol(ctx context.Context, runID, symbol string) SymbolOutcome {
	out := SymbolOutcome{Symbol: symbol}
	log := r.log.With("runID", runID, "symbol", symbol)

	unlock := r.lockSymbol(symbol)
	defer unlock()

	weekly, err := r.loadWeekly(ctx, symbol)
	if err != nil {
		out.Err = err
		return out
	}
	recent, err := r.snapshots.ReadSymbol(ctx, AssetRecent, symbol)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		out.Err = err
		return out
	}
	if len(weekly) == 0 && len(recent) == 0 {
		out.Err = fmt.Errorf("no materialized price data for %s", symbol)
		return out
	}
	log.Info("combining snapshots", "weeks", len(weekly), "recent", len(recent))

	res := merge.Merge(weekly, recent)
	if res.Appended > 0 {
		log.Info("added this week", "rows", res.Appended, "total", res.Combined)
	} else {
		log.Info("no observations to append from this week")
	}
	log.Info("removed duplicates", "count", res.Removed)
	metrics.DuplicatesRemovedTotal.WithLabelValues(symbol).Add(float64(res.Removed))

	if err := r.snapshots.WriteSymbol(ctx, AssetMerged, symbol, res.Series); err != nil {
		out.Err = err
		return out
	}
	if err := r.mark(ctx, AssetMerged, symbol, len(res.Series), runID); err != nil {
		out.Err = err
		return out
	}
	out.Merged, out.Removed = len(res.Series), res.Removed

	slice, err := train.Select(res.Series, r.now(), r.cfg.TrainDays, r.cfg.TrainMinDays)
	if err != nil {
		var ih *domain.InsufficientHistoryError
		if errors.As(err, &ih) {
			metrics.InsufficientHistoryTotal.WithLabelValues(symbol).Inc()
		}
		log.Warn("training dataset rejected", "err", err)
		out.Err = err
		return out
	}
	if err := r.snapshots.WriteSymbol(ctx, AssetTrain, symbol, slice); err != nil {
		out.Err = err
		return out
	}
	if err := r.mark(ctx, AssetTrain, symbol, len(slice), runID); err != nil {
		out.Err = err
		return out
	}
	out.TrainRows = len(slice)
	return out
}

// loadWeekly reads every registered weekly snapshot of symbol.
func (r *Runner) loadWeekly(ctx context.Context, symbol string) ([]merge.Snapshot, error) {
	parts, err := r.registry.ListPartitions(ctx, AssetWeekly, symbol)
	if err != nil {
		return nil, err
	}
	snaps := make([]merge.Snapshot, 0, len(parts))
	for _, p := range parts {
		key, err := r.space.ParseKey(p.PartitionKey)
		if err != nil {
			r.log.Warn("skipping malformed registered key", "err", err)
			continue
		}
		rows, err := r.snapshots.ReadWeekly(ctx, AssetWeekly, key)
		if errors.Is(err, store.ErrNotFound) {
			r.log.Warn("registered partition has no snapshot", "partition", p.PartitionKey)
			continue
		}
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, merge.Snapshot{WeekStart: key.WeekStart, Rows: rows})
	}
	return snaps, nil
}

// ------------------------------------------------------------------
// Helpers
// ------------------------------------------------------------------

// lockSymbol blocks until the caller owns symbol's per-symbol files and
// returns the release func.
func (r *Runner) lockSymbol(symbol string) func() {
	v, _ := r.symbolLocks.LoadOrStore(symbol, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (r *Runner) mark(ctx context.Context, asset, key string, rows int, runID string) error {
	err := r.registry.MarkMaterialized(ctx, store.Materialization{
		Asset:          asset,
		PartitionKey:   key,
		RowCount:       rows,
		RunID:          runID,
		MaterializedAt: r.now().UTC(),
	})
	if err == nil {
		metrics.MaterializedTotal.WithLabelValues(asset).Inc()
	}
	return err
}

// fanOut runs work(i) for i in [0, n) on the configured number of workers.
// Items not started before ctx is cancelled are passed to skip.
func (r *Runner) fanOut(ctx context.Context, n int, work func(i int), skip func(i int, err error)) {
	if n == 0 {
		return
	}
	ch := make(chan int, n)
	for i := 0; i < n; i++ {
		ch <- i
	}
	close(ch)

	var (
		wg   sync.WaitGroup
		done atomic.Int64
	)
	workers := min(r.cfg.Workers, n)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range ch {
				if err := ctx.Err(); err != nil {
					skip(i, err)
					continue
				}
				work(i)
				done.Add(1)
			}
		}()
	}
	wg.Wait()
	r.log.Debug("fan-out done", "items", n, "ran", done.Load())
}

func (r *Runner) report(runID, asset string, outcomes []Outcome) BatchReport {
	rep := BatchReport{RunID: runID, Asset: asset, Outcomes: outcomes}
	for _, o := range outcomes {
		if o.Err != nil {
			rep.Failed++
			r.log.Error("partition failed", "runID", runID, "asset", asset, "partition", o.Partition, "err", o.Err)
		} else {
			rep.Succeeded++
		}
	}
	r.log.Info("batch done", "runID", runID, "asset", asset, "succeeded", rep.Succeeded, "failed", rep.Failed)
	return rep
}
