package bybit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"klinefeed/internal/domain"
	"klinefeed/internal/util"
)

// Request describes a half-open range [Start, End) of buckets to fetch.
type Request struct {
	Symbol    string
	Category  domain.Category
	Interval  domain.Granularity
	Start     time.Time
	End       time.Time
	Limit     int
	MarkPrice bool
}

// RangeFetcher turns a logical time range into a complete, ascending list of
// closed buckets, paging and retrying as needed.
type RangeFetcher struct {
	client *Client
	policy util.RetryPolicy
	now    func() time.Time
	log    *slog.Logger
}

// NewRangeFetcher creates a RangeFetcher that retries each page under policy.
func NewRangeFetcher(client *Client, policy util.RetryPolicy) *RangeFetcher {
	return &RangeFetcher{
		client: client,
		policy: policy,
		now:    time.Now,
		log:    slog.Default().With("component", "range-fetcher"),
	}
}

// Fetch returns every bucket whose start lies in [req.Start, req.End), sorted
// ascending and stamped with one ingestion time. The exchange treats its end
// bound as inclusive, so one bucket width is subtracted before the call to
// fetch only closed buckets.
//
// An empty or inverted range fails with *domain.InvalidRangeError before any
// request is made. If any page fails or ctx is cancelled, no rows are
// returned.
func (f *RangeFetcher) Fetch(ctx context.Context, req Request) ([]domain.Observation, error) {
	if !req.End.After(req.Start) {
		return nil, &domain.InvalidRangeError{Start: req.Start, End: req.End}
	}
	if req.Interval == "" {
		req.Interval = domain.Granularity15m
	}
	if req.Category == "" {
		req.Category = domain.CategoryLinear
	}
	if req.Limit == 0 {
		req.Limit = DefaultLimit
	}
	width := req.Interval.Duration()
	if width == 0 {
		return nil, fmt.Errorf("fetch %s: unsupported interval %q", req.Symbol, req.Interval)
	}

	start, end := req.Start.UTC(), req.End.UTC()
	pageEnd := end.Add(-width)
	if pageEnd.Before(start) {
		// No bucket in range has closed yet.
		return []domain.Observation{}, nil
	}

	var klines []Kline
	for page := 1; ; page++ {
		kr := KlineRequest{
			Category: req.Category,
			Symbol:   req.Symbol,
			Interval: req.Interval,
			Start:    start,
			End:      pageEnd,
			Limit:    req.Limit,
		}

		var rows []Kline
		err := util.Retry(ctx, f.policy, func() error {
			if err := ctx.Err(); err != nil {
				return util.Permanent(err)
			}
			var err error
			if req.MarkPrice {
				rows, err = f.client.GetMarkPriceKline(ctx, kr)
			} else {
				rows, err = f.client.GetKline(ctx, kr)
			}
			if err != nil && !Retryable(err) {
				return util.Permanent(err)
			}
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("fetch %s [%s, %s) page %d: %w", req.Symbol,
				start.Format(time.RFC3339), end.Format(time.RFC3339), page, err)
		}

		klines = append(klines, rows...)
		f.log.Debug("fetched page", "symbol", req.Symbol, "page", page, "rows", len(rows))

		// A short page means the range is exhausted; otherwise keep walking
		// back from the oldest bucket seen.
		if len(rows) < req.Limit {
			break
		}
		oldest := rows[0].StartTime
		if !oldest.After(start) {
			break
		}
		pageEnd = oldest.Add(-width)
	}

	ingestedAt := f.now().UTC()
	seen := make(map[int64]struct{}, len(klines))
	out := make([]domain.Observation, 0, len(klines))
	for _, k := range klines {
		if k.StartTime.Before(start) || !k.StartTime.Before(end) {
			continue
		}
		ms := k.StartTime.UnixMilli()
		if _, dup := seen[ms]; dup {
			continue
		}
		seen[ms] = struct{}{}
		out = append(out, domain.Observation{
			Symbol:     req.Symbol,
			StartTime:  k.StartTime,
			Open:       k.Open.InexactFloat64(),
			High:       k.High.InexactFloat64(),
			Low:        k.Low.InexactFloat64(),
			Close:      k.Close.InexactFloat64(),
			Volume:     k.Volume.InexactFloat64(),
			Turnover:   k.Turnover.InexactFloat64(),
			IngestedAt: ingestedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })

	f.log.Info("fetched range", "symbol", req.Symbol, "start", start, "end", end, "rows", len(out))
	return out, nil
}
