package bybit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klinefeed/internal/domain"
)

func newFetcher(url string) *RangeFetcher {
	f := NewRangeFetcher(NewClient(url, WithRateLimit(0, 1)), fastRetry)
	f.now = func() time.Time { return time.Date(2025, 1, 13, 8, 20, 0, 0, time.FixedZone("CET", 3600)) }
	return f
}

func TestFetchInvalidRange(t *testing.T) {
	var calls int32
	srv := klineServer(t, &calls)
	defer srv.Close()

	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := newFetcher(srv.URL).Fetch(context.Background(), Request{Symbol: "BTCUSDT", Start: at, End: at})

	var ir *domain.InvalidRangeError
	require.True(t, errors.As(err, &ir))
	assert.Equal(t, at, ir.Start)
	assert.EqualValues(t, 0, atomic.LoadInt32(&calls), "no request may be made")

	_, err = newFetcher(srv.URL).Fetch(context.Background(), Request{Symbol: "BTCUSDT", Start: at, End: at.Add(-time.Hour)})
	assert.True(t, errors.As(err, &ir))
}

func TestFetchWeekReturnsClosedBucketsOnly(t *testing.T) {
	var calls int32
	srv := klineServer(t, &calls)
	defer srv.Close()

	start := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 7)
	rows, err := newFetcher(srv.URL).Fetch(context.Background(), Request{Symbol: "BTCUSDT", Start: start, End: end})
	require.NoError(t, err)

	require.Len(t, rows, DefaultLimit)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	assert.Equal(t, start, rows[0].StartTime)
	assert.Equal(t, time.Date(2025, 1, 12, 23, 45, 0, 0, time.UTC), rows[len(rows)-1].StartTime)

	wantIngested := time.Date(2025, 1, 13, 7, 20, 0, 0, time.UTC)
	for i, o := range rows {
		assert.Equal(t, "BTCUSDT", o.Symbol)
		assert.Equal(t, wantIngested, o.IngestedAt)
		assert.Equal(t, time.UTC, o.IngestedAt.Location())
		if i > 0 {
			assert.Equal(t, 15*time.Minute, o.StartTime.Sub(rows[i-1].StartTime))
		}
	}
}

func TestFetchPaginates(t *testing.T) {
	var calls int32
	srv := klineServer(t, &calls)
	defer srv.Close()

	start := time.Date(2025, 1, 13, 0, 0, 0, 0, time.UTC)
	end := start.Add(10 * 15 * time.Minute)
	rows, err := newFetcher(srv.URL).Fetch(context.Background(), Request{Symbol: "ETHUSDT", Start: start, End: end, Limit: 4})
	require.NoError(t, err)

	require.Len(t, rows, 10)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
	assert.Equal(t, start, rows[0].StartTime)
	assert.Equal(t, end.Add(-15*time.Minute), rows[9].StartTime)
}

func TestFetchShorterThanOneBucket(t *testing.T) {
	var calls int32
	srv := klineServer(t, &calls)
	defer srv.Close()

	start := time.Date(2025, 1, 13, 0, 0, 0, 0, time.UTC)
	rows, err := newFetcher(srv.URL).Fetch(context.Background(), Request{Symbol: "BTCUSDT", Start: start, End: start.Add(5 * time.Minute)})
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.EqualValues(t, 0, atomic.LoadInt32(&calls))
}

func TestFetchRetriesTransientFailures(t *testing.T) {
	var calls int32
	inner := klineServer(t, new(int32))
	defer inner.Close()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		http.Redirect(w, r, inner.URL+r.URL.RequestURI(), http.StatusTemporaryRedirect)
	}))
	defer srv.Close()

	start := time.Date(2025, 1, 13, 0, 0, 0, 0, time.UTC)
	rows, err := newFetcher(srv.URL).Fetch(context.Background(), Request{Symbol: "BTCUSDT", Start: start, End: start.Add(time.Hour)})
	require.NoError(t, err)
	assert.Len(t, rows, 4)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestFetchRetriesClientTimeout(t *testing.T) {
	var calls int32
	inner := klineServer(t, new(int32))
	defer inner.Close()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			time.Sleep(300 * time.Millisecond)
		}
		http.Redirect(w, r, inner.URL+r.URL.RequestURI(), http.StatusTemporaryRedirect)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, WithRateLimit(0, 1), WithHTTPClient(&http.Client{Timeout: 100 * time.Millisecond}))
	f := NewRangeFetcher(client, fastRetry)

	start := time.Date(2025, 1, 13, 0, 0, 0, 0, time.UTC)
	rows, err := f.Fetch(context.Background(), Request{Symbol: "BTCUSDT", Start: start, End: start.Add(time.Hour)})
	require.NoError(t, err)
	assert.Len(t, rows, 4)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestFetchGivesUpAfterMaxAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "busy", http.StatusBadGateway)
	}))
	defer srv.Close()

	start := time.Date(2025, 1, 13, 0, 0, 0, 0, time.UTC)
	rows, err := newFetcher(srv.URL).Fetch(context.Background(), Request{Symbol: "BTCUSDT", Start: start, End: start.Add(time.Hour)})
	require.Error(t, err)
	assert.Nil(t, rows)

	var fe *domain.FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, http.StatusBadGateway, fe.Status)
	assert.EqualValues(t, fastRetry.MaxAttempts, atomic.LoadInt32(&calls))
}

func TestFetchDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad", http.StatusBadRequest)
	}))
	defer srv.Close()

	start := time.Date(2025, 1, 13, 0, 0, 0, 0, time.UTC)
	_, err := newFetcher(srv.URL).Fetch(context.Background(), Request{Symbol: "BTCUSDT", Start: start, End: start.Add(time.Hour)})
	require.Error(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestFetchCancelled(t *testing.T) {
	var calls int32
	srv := klineServer(t, &calls)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Date(2025, 1, 13, 0, 0, 0, 0, time.UTC)
	rows, err := newFetcher(srv.URL).Fetch(ctx, Request{Symbol: "BTCUSDT", Start: start, End: start.Add(time.Hour)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Nil(t, rows)
}
