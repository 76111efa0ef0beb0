package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klinefeed/internal/domain"
	"klinefeed/internal/exchange/bybit"
	"klinefeed/internal/partition"
	"klinefeed/internal/reference"
	"klinefeed/internal/store"
)

// fakeFetcher returns one row per closed 15-minute bucket in the requested
// range and records every call.
type fakeFetcher struct {
	mu       sync.Mutex
	calls    []bybit.Request
	fail     map[string]error
	ingested time.Time
}

func (f *fakeFetcher) Fetch(ctx context.Context, req bybit.Request) ([]domain.Observation, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	err := f.fail[req.Symbol]
	f.mu.Unlock()

	if !req.End.After(req.Start) {
		return nil, &domain.InvalidRangeError{Start: req.Start, End: req.End}
	}
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rows []domain.Observation
	for t := req.Start; !t.Add(15 * time.Minute).After(req.End); t = t.Add(15 * time.Minute) {
		rows = append(rows, domain.Observation{
			Symbol:     req.Symbol,
			StartTime:  t,
			Open:       1,
			High:       2,
			Low:        0.5,
			Close:      1.5,
			IngestedAt: f.ingested,
		})
	}
	return rows, nil
}

func (f *fakeFetcher) symbolsCalled() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int)
	for _, c := range f.calls {
		out[c.Symbol]++
	}
	return out
}

type harness struct {
	runner  *Runner
	fetcher *fakeFetcher
	parquet *store.ParquetStore
	sqlite  *store.SQLiteStore
	now     time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	sqlite, err := store.NewSQLiteStore(filepath.Join(dir, "klinefeed.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	symbols := reference.NewTable([]domain.Symbol{
		{Name: "BTCUSDT", LaunchTime: time.Date(2020, 3, 25, 0, 0, 0, 0, time.UTC)},
		{Name: "ETHUSDT", LaunchTime: time.Date(2021, 3, 15, 0, 0, 0, 0, time.UTC)},
		{Name: "SOLUSDT", LaunchTime: time.Date(2025, 1, 8, 10, 0, 0, 0, time.UTC)},
	})
	space := partition.NewSpace(symbols.Names(), time.Date(2024, 12, 30, 0, 0, 0, 0, time.UTC), time.Monday)
	now := time.Date(2025, 1, 15, 8, 20, 0, 0, time.UTC)

	f := &fakeFetcher{fail: map[string]error{}, ingested: now}
	parquet := store.NewParquetStore(filepath.Join(dir, "data"))
	r := NewRunner(f, parquet, sqlite, symbols, space, Config{
		Workers:          3,
		TrainDays:        365,
		TrainMinDays:     14,
		MaxPartitionsRun: 100,
	})
	r.now = func() time.Time { return now }

	return &harness{runner: r, fetcher: f, parquet: parquet, sqlite: sqlite, now: now}
}

func TestRunWeeklyIsolatesFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fetcher.fail["ETHUSDT"] = &domain.FetchError{Endpoint: "/v5/market/kline", Status: 502, Err: errors.New("bad gateway")}

	week := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)
	keys := []partition.Key{
		partition.NewKey("BTCUSDT", week),
		partition.NewKey("ETHUSDT", week),
		partition.NewKey("BTCUSDT", week.AddDate(0, 0, -7)),
	}

	rep := h.runner.RunWeekly(ctx, "run-1", keys)
	assert.Equal(t, 2, rep.Succeeded)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, []string{"BTCUSDT"}, rep.Symbols())

	var fe *domain.FetchError
	assert.True(t, errors.As(rep.Outcomes[1].Err, &fe))
	assert.Equal(t, 672, rep.Outcomes[0].Rows)

	keysDone, err := h.sqlite.ListMaterialized(ctx, AssetWeekly)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT|2024-12-30", "BTCUSDT|2025-01-06"}, keysDone)

	rows, err := h.parquet.ReadWeekly(ctx, AssetWeekly, keys[0])
	require.NoError(t, err)
	require.Len(t, rows, 672)
	assert.Equal(t, time.Date(2025, 1, 12, 23, 45, 0, 0, time.UTC), rows[len(rows)-1].StartTime)
}

func TestRunWeeklyPreLaunchMaterializesEmpty(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	key := partition.NewKey("SOLUSDT", time.Date(2024, 12, 30, 0, 0, 0, 0, time.UTC))
	rep := h.runner.RunWeekly(ctx, "run-1", []partition.Key{key})
	require.Equal(t, 1, rep.Succeeded)
	assert.Empty(t, h.fetcher.symbolsCalled(), "no fetch for a pre-launch week")

	rows, err := h.parquet.ReadWeekly(ctx, AssetWeekly, key)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestRunWeeklyRejectsKeysOutsideSpace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	keys := []partition.Key{
		partition.NewKey("BTCUSDT", time.Date(2025, 1, 7, 0, 0, 0, 0, time.UTC)),  // a Tuesday
		partition.NewKey("BTCUSDT", time.Date(2025, 1, 13, 0, 0, 0, 0, time.UTC)), // still open
	}
	rep := h.runner.RunWeekly(ctx, "run-1", keys)
	assert.Equal(t, 2, rep.Failed)
	for _, o := range rep.Outcomes {
		var mke *domain.MalformedKeyError
		assert.True(t, errors.As(o.Err, &mke), "%s: %v", o.Partition, o.Err)
	}
	assert.Empty(t, h.fetcher.symbolsCalled())
}

func TestRunWeeklyCancelled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	week := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)
	rep := h.runner.RunWeekly(ctx, "run-1", []partition.Key{
		partition.NewKey("BTCUSDT", week),
		partition.NewKey("ETHUSDT", week),
	})
	assert.Equal(t, 2, rep.Failed)
	for _, o := range rep.Outcomes {
		assert.ErrorIs(t, o.Err, context.Canceled)
	}

	keys, err := h.sqlite.ListMaterialized(context.Background(), AssetWeekly)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestBackfillThenRecentBuildsDerivedAssets(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, NewBackfillJob(h.runner, h.sqlite).Run(ctx))

	// BTC and ETH for two closed weeks; SOL weeks precede its listing date.
	weekly, err := h.sqlite.ListMaterialized(ctx, AssetWeekly)
	require.NoError(t, err)
	assert.Len(t, weekly, 4)
	assert.Equal(t, map[string]int{"BTCUSDT": 2, "ETHUSDT": 2}, h.fetcher.symbolsCalled())

	// A second tick has nothing to do.
	plan, err := h.runner.Plan(ctx)
	require.NoError(t, err)
	assert.True(t, plan.Skipped())

	require.NoError(t, NewRecentJob(h.runner, h.sqlite).Run(ctx))

	merged, err := h.parquet.ReadSymbol(ctx, AssetMerged, "BTCUSDT")
	require.NoError(t, err)
	first := time.Date(2024, 12, 30, 0, 0, 0, 0, time.UTC)
	last := time.Date(2025, 1, 15, 8, 0, 0, 0, time.UTC)
	assert.Equal(t, first, merged[0].StartTime)
	assert.Equal(t, last, merged[len(merged)-1].StartTime)
	assert.Len(t, merged, int(last.Sub(first)/(15*time.Minute))+1)

	trainRows, err := h.parquet.ReadSymbol(ctx, AssetTrain, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, len(merged), len(trainRows))

	// SOL only has the recent window: merged, but too short to train on.
	solMerged, err := h.parquet.ReadSymbol(ctx, AssetMerged, "SOLUSDT")
	require.NoError(t, err)
	assert.NotEmpty(t, solMerged)
	_, err = h.parquet.ReadSymbol(ctx, AssetTrain, "SOLUSDT")
	assert.ErrorIs(t, err, store.ErrNotFound)

	runs, err := h.sqlite.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, r := range runs {
		assert.False(t, r.FinishedAt.IsZero(), "run %s not finished", r.ID)
	}
}

func TestBackfillJobReportsPartitionFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fetcher.fail["ETHUSDT"] = &domain.FetchError{Endpoint: "/v5/market/kline", Status: 502, Err: errors.New("bad gateway")}

	err := NewBackfillJob(h.runner, h.sqlite).Run(ctx)
	require.Error(t, err)
	var fe *domain.FetchError
	assert.True(t, errors.As(err, &fe))
	assert.Contains(t, err.Error(), "2 of 4")

	runs, err := h.sqlite.ListRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 2, runs[0].Failed)
	assert.NotEmpty(t, runs[0].Err)

	// The successful symbol was still rebuilt.
	_, err = h.parquet.ReadSymbol(ctx, AssetMerged, "BTCUSDT")
	assert.NoError(t, err)
}

func TestRebuildOnlyTouchesGivenSymbols(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	week := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)
	h.runner.RunWeekly(ctx, "run-1", []partition.Key{
		partition.NewKey("BTCUSDT", week),
		partition.NewKey("ETHUSDT", week),
	})

	rep := h.runner.Rebuild(ctx, "run-2", []string{"ETHUSDT"})
	require.Len(t, rep.Outcomes, 1)

	_, err := h.parquet.ReadSymbol(ctx, AssetMerged, "ETHUSDT")
	assert.NoError(t, err)
	_, err = h.parquet.ReadSymbol(ctx, AssetMerged, "BTCUSDT")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// overlapStore records the largest number of WriteSymbol calls in flight at
// once for any one symbol.
type overlapStore struct {
	*store.ParquetStore
	mu       sync.Mutex
	inFlight map[string]int
	maxSeen  int
}

func (s *overlapStore) WriteSymbol(ctx context.Context, asset, symbol string, rows []domain.Observation) error {
	s.mu.Lock()
	s.inFlight[symbol]++
	if s.inFlight[symbol] > s.maxSeen {
		s.maxSeen = s.inFlight[symbol]
	}
	s.mu.Unlock()

	time.Sleep(5 * time.Millisecond)
	err := s.ParquetStore.WriteSymbol(ctx, asset, symbol, rows)

	s.mu.Lock()
	s.inFlight[symbol]--
	s.mu.Unlock()
	return err
}

func TestConcurrentRebuildsOfOneSymbolDoNotOverlap(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	week := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)
	h.runner.RunWeekly(ctx, "run-1", []partition.Key{partition.NewKey("BTCUSDT", week)})

	tracked := &overlapStore{ParquetStore: h.parquet, inFlight: map[string]int{}}
	h.runner.snapshots = tracked

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h.runner.Rebuild(ctx, fmt.Sprintf("run-%d", i+2), []string{"BTCUSDT"})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, tracked.maxSeen)
	merged, err := h.parquet.ReadSymbol(ctx, AssetMerged, "BTCUSDT")
	require.NoError(t, err)
	assert.Len(t, merged, 672)
}

func TestRebuildInsufficientHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.runner.RunWeekly(ctx, "run-1", []partition.Key{
		partition.NewKey("BTCUSDT", time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)),
	})
	rep := h.runner.Rebuild(ctx, "run-2", []string{"BTCUSDT", "DOGEUSDT"})

	require.Len(t, rep.Outcomes, 2)
	assert.Equal(t, 2, rep.Failed)

	var ih *domain.InsufficientHistoryError
	require.True(t, errors.As(rep.Outcomes[0].Err, &ih), fmt.Sprint(rep.Outcomes[0].Err))
	assert.Equal(t, 6, ih.Observed)
	assert.Equal(t, 14, ih.Required)
	assert.Equal(t, 672, rep.Outcomes[0].Merged)

	assert.Error(t, rep.Outcomes[1].Err, "symbol with no data")
}

func TestRefreshRecentAtWeekBoundary(t *testing.T) {
	h := newHarness(t)
	monday := time.Date(2025, 1, 13, 0, 0, 0, 0, time.UTC)
	h.runner.now = func() time.Time { return monday }

	rep := h.runner.RefreshRecent(context.Background(), "run-1", []string{"BTCUSDT"})
	require.Equal(t, 1, rep.Succeeded)
	assert.Empty(t, h.fetcher.symbolsCalled())

	rows, err := h.parquet.ReadSymbol(context.Background(), AssetRecent, "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, rows)
}
