package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klinefeed/internal/domain"
	"klinefeed/internal/util"
)

var fastRetry = util.RetryPolicy{
	MaxAttempts:  3,
	InitialDelay: time.Millisecond,
	MaxDelay:     5 * time.Millisecond,
	Jitter:       0.5,
}

func writeResult(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"retCode": 0,
		"retMsg":  "OK",
		"result":  result,
	})
}

// klineServer serves synthetic 15-minute klines for every bucket in the
// requested inclusive [start, end], newest first and capped at limit, the
// way the exchange does.
func klineServer(t *testing.T, calls *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		q := r.URL.Query()
		start, _ := strconv.ParseInt(q.Get("start"), 10, 64)
		end, _ := strconv.ParseInt(q.Get("end"), 10, 64)
		limit, _ := strconv.Atoi(q.Get("limit"))

		step := int64(15 * time.Minute / time.Millisecond)
		var rows [][]string
		for ms := end - end%step; ms >= start && len(rows) < limit; ms -= step {
			p := fmt.Sprintf("%d.5", ms/step%1000)
			rows = append(rows, []string{strconv.FormatInt(ms, 10), p, p, p, p, "10", "100"})
		}
		writeResult(w, map[string]any{"symbol": q.Get("symbol"), "category": q.Get("category"), "list": rows})
	}))
}

func TestGetKlineEncodesQueryAndSortsAscending(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		writeResult(w, map[string]any{
			"symbol": "BTCUSDT",
			"list": [][]string{
				{"1736726400000", "94000.1", "94100", "93900", "94050.25", "12.5", "1175000"},
				{"1736725500000", "93950", "94010", "93900", "94000.1", "8", "752000"},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithRateLimit(0, 1))
	start := time.Date(2025, 1, 12, 23, 45, 0, 0, time.UTC)
	klines, err := c.GetKline(context.Background(), KlineRequest{
		Category: domain.CategoryLinear,
		Symbol:   "BTCUSDT",
		Interval: domain.Granularity15m,
		Start:    start,
		End:      start.Add(15 * time.Minute),
		Limit:    DefaultLimit,
	})
	require.NoError(t, err)

	require.NotNil(t, got)
	assert.Equal(t, klinePath, got.URL.Path)
	q := got.URL.Query()
	assert.Equal(t, "linear", q.Get("category"))
	assert.Equal(t, "BTCUSDT", q.Get("symbol"))
	assert.Equal(t, "15", q.Get("interval"))
	assert.Equal(t, "1736725500000", q.Get("start"))
	assert.Equal(t, "1736726400000", q.Get("end"))
	assert.Equal(t, "672", q.Get("limit"))

	require.Len(t, klines, 2)
	assert.Equal(t, start, klines[0].StartTime)
	assert.Equal(t, start.Add(15*time.Minute), klines[1].StartTime)
	assert.Equal(t, "94050.25", klines[1].Close.String())
	assert.Equal(t, "1175000", klines[1].Turnover.String())
}

func TestGetKlineRejectsBadRequest(t *testing.T) {
	c := NewClient("http://127.0.0.1:0")
	base := KlineRequest{Category: domain.CategoryLinear, Symbol: "BTCUSDT", Interval: domain.Granularity15m, Limit: 10}

	bad := base
	bad.Limit = 1001
	_, err := c.GetKline(context.Background(), bad)
	assert.Error(t, err)

	bad = base
	bad.Interval = "M"
	_, err = c.GetKline(context.Background(), bad)
	assert.Error(t, err)

	bad = base
	bad.Category = "option"
	_, err = c.GetKline(context.Background(), bad)
	assert.Error(t, err)
}

func TestGetMarkPriceKline(t *testing.T) {
	var path, category string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path, category = r.URL.Path, r.URL.Query().Get("category")
		writeResult(w, map[string]any{
			"list": [][]string{{"1736726400000", "1.5", "1.6", "1.4", "1.55"}},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithRateLimit(0, 1))
	klines, err := c.GetMarkPriceKline(context.Background(), KlineRequest{
		Category: domain.CategorySpot,
		Symbol:   "XRPUSDT",
		Interval: domain.Granularity15m,
		Start:    time.UnixMilli(1736726400000),
		End:      time.UnixMilli(1736726400000),
		Limit:    1,
	})
	require.NoError(t, err)
	assert.Equal(t, markPriceKlinePath, path)
	assert.Equal(t, "linear", category)
	require.Len(t, klines, 1)
	assert.Equal(t, "1.55", klines[0].Close.String())
	assert.True(t, klines[0].Volume.IsZero())
}

func TestErrorMapping(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if code := int(status.Load()); code != http.StatusOK {
			http.Error(w, "nope", code)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"retCode": 10001, "retMsg": "params error", "result": map[string]any{}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithRateLimit(0, 1))
	req := KlineRequest{Category: domain.CategoryLinear, Symbol: "BTCUSDT", Interval: domain.Granularity15m, Limit: 10}

	_, err := c.GetKline(context.Background(), req)
	var fe *domain.FetchError
	require.True(t, errors.As(err, &fe))
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 10001, apiErr.Code)
	assert.False(t, Retryable(err))

	cases := map[int]bool{
		http.StatusInternalServerError: true,
		http.StatusBadGateway:          true,
		http.StatusTooManyRequests:     true,
		http.StatusBadRequest:          false,
		http.StatusForbidden:           false,
	}
	for code, want := range cases {
		status.Store(int32(code))
		_, err := c.GetKline(context.Background(), req)
		require.True(t, errors.As(err, &fe), "status %d", code)
		assert.Equal(t, code, fe.Status)
		assert.Equal(t, want, Retryable(err), "status %d", code)
	}
}

func TestRetryableContextErrors(t *testing.T) {
	assert.False(t, Retryable(context.Canceled))
	assert.False(t, Retryable(fmt.Errorf("page 1: %w", context.DeadlineExceeded)))

	// The HTTP client's own timeout surfaces as a transport failure.
	timeout := &domain.FetchError{Endpoint: klinePath, Err: fmt.Errorf("Get: %w", context.DeadlineExceeded)}
	assert.True(t, Retryable(timeout))
}

func TestGetInstrumentsInfoFollowsCursor(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		assert.Equal(t, instrumentsInfoPath, r.URL.Path)
		switch r.URL.Query().Get("cursor") {
		case "":
			writeResult(w, map[string]any{
				"list": []map[string]string{
					{"symbol": "BTCUSDT", "status": "Trading", "baseCoin": "BTC", "quoteCoin": "USDT", "launchTime": "1585526400000"},
					{"symbol": "OLDUSDT", "status": "Closed", "baseCoin": "OLD", "quoteCoin": "USDT", "launchTime": "1585526400000"},
				},
				"nextPageCursor": "page2",
			})
		case "page2":
			writeResult(w, map[string]any{
				"list": []map[string]string{
					{"symbol": "ETHUSDT", "status": "Trading", "baseCoin": "ETH", "quoteCoin": "USDT", "launchTime": "1615766400000"},
				},
				"nextPageCursor": "",
			})
		default:
			t.Errorf("unexpected call %d", n)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithRateLimit(0, 1))
	insts, err := c.GetInstrumentsInfo(context.Background(), domain.CategoryLinear, "")
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
	require.Len(t, insts, 3)
	assert.Equal(t, time.UnixMilli(1585526400000).UTC(), insts[0].LaunchTime)

	syms := Symbols(insts)
	require.Len(t, syms, 2)
	assert.Equal(t, "BTCUSDT", syms[0].Name)
	assert.Equal(t, "ETHUSDT", syms[1].Name)
}
