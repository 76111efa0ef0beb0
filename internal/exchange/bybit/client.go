// Package bybit is a read-only client for the Bybit v5 market data REST API
// and the range fetcher built on top of it.
package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"klinefeed/internal/domain"
	"klinefeed/internal/util"
)

const (
	// DefaultBaseURL is the public testnet; production deployments override it.
	DefaultBaseURL = "https://api-testnet.bybit.com"

	klinePath           = "/v5/market/kline"
	markPriceKlinePath  = "/v5/market/mark-price-kline"
	instrumentsInfoPath = "/v5/market/instruments-info"

	// MaxLimit is the largest page the kline endpoints accept.
	MaxLimit = 1000
	// DefaultLimit is one week of 15-minute buckets.
	DefaultLimit = 7 * 24 * 4

	requestTimeout = 30 * time.Second
	maxBodyBytes   = 16 << 20

	// Bybit retCode for a rejected request parameter.
	retCodeParamError = 10001
)

// Client issues GET requests against the market data endpoints. It is safe
// for concurrent use; all callers share one rate limiter.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *util.RateLimiter
	log        *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimit caps outgoing requests. A non-positive rate disables the cap.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) { c.limiter = util.NewRateLimiter(perSecond, burst) }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// NewClient creates a Client. An empty baseURL selects DefaultBaseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: requestTimeout},
		limiter:    util.NewRateLimiter(10, 1),
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("component", "bybit")
	return c
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string { return c.baseURL }

// KlineRequest selects one page of klines. Start and End are both inclusive
// bounds on a bucket's start time, as the exchange interprets them.
type KlineRequest struct {
	Category domain.Category
	Symbol   string
	Interval domain.Granularity
	Start    time.Time
	End      time.Time
	Limit    int
}

func (r KlineRequest) query(withCategory bool) (url.Values, error) {
	if r.Symbol == "" {
		return nil, errors.New("symbol is required")
	}
	if _, err := domain.ParseGranularity(string(r.Interval)); err != nil {
		return nil, err
	}
	if r.Limit < 1 || r.Limit > MaxLimit {
		return nil, fmt.Errorf("limit %d out of range [1, %d]", r.Limit, MaxLimit)
	}
	q := url.Values{}
	if withCategory {
		if !r.Category.Valid() {
			return nil, fmt.Errorf("unknown category %q", r.Category)
		}
		q.Set("category", string(r.Category))
	}
	q.Set("symbol", r.Symbol)
	q.Set("interval", string(r.Interval))
	q.Set("start", strconv.FormatInt(r.Start.UnixMilli(), 10))
	q.Set("end", strconv.FormatInt(r.End.UnixMilli(), 10))
	q.Set("limit", strconv.Itoa(r.Limit))
	return q, nil
}

// Kline is one bucket as reported by the exchange. Mark-price klines carry
// no volume or turnover.
type Kline struct {
	StartTime time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	Turnover  decimal.Decimal
}

// GetKline fetches one page of trade klines, sorted by start time ascending.
func (c *Client) GetKline(ctx context.Context, req KlineRequest) ([]Kline, error) {
	q, err := req.query(true)
	if err != nil {
		return nil, fmt.Errorf("kline request: %w", err)
	}
	return c.getKlines(ctx, klinePath, q)
}

// GetMarkPriceKline fetches one page of mark-price klines, sorted by start
// time ascending. Spot has no mark price, so the category defaults to linear.
func (c *Client) GetMarkPriceKline(ctx context.Context, req KlineRequest) ([]Kline, error) {
	if req.Category == "" || req.Category == domain.CategorySpot {
		req.Category = domain.CategoryLinear
	}
	q, err := req.query(true)
	if err != nil {
		return nil, fmt.Errorf("mark price kline request: %w", err)
	}
	return c.getKlines(ctx, markPriceKlinePath, q)
}

func (c *Client) getKlines(ctx context.Context, path string, q url.Values) ([]Kline, error) {
	var result struct {
		Symbol string     `json:"symbol"`
		List   [][]string `json:"list"`
	}
	if err := c.get(ctx, path, q, &result); err != nil {
		return nil, err
	}

	klines := make([]Kline, 0, len(result.List))
	for i, row := range result.List {
		k, err := parseKline(row)
		if err != nil {
			return nil, &domain.FetchError{Endpoint: path, Err: fmt.Errorf("row %d: %w", i, err)}
		}
		klines = append(klines, k)
	}
	// The exchange returns newest first.
	sort.Slice(klines, func(i, j int) bool { return klines[i].StartTime.Before(klines[j].StartTime) })
	return klines, nil
}

func parseKline(row []string) (Kline, error) {
	if len(row) < 5 {
		return Kline{}, fmt.Errorf("expected at least 5 fields, got %d", len(row))
	}
	ms, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return Kline{}, fmt.Errorf("start time %q: %w", row[0], err)
	}

	vals := make([]decimal.Decimal, 6)
	for i := 1; i < len(row) && i <= 6; i++ {
		d, err := decimal.NewFromString(row[i])
		if err != nil {
			return Kline{}, fmt.Errorf("field %d %q: %w", i, row[i], err)
		}
		vals[i-1] = d
	}
	return Kline{
		StartTime: time.UnixMilli(ms).UTC(),
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
		Turnover:  vals[5],
	}, nil
}

// Instrument is the subset of instruments-info the pipeline uses.
type Instrument struct {
	Symbol     string
	Status     string
	BaseCoin   string
	QuoteCoin  string
	LaunchTime time.Time
}

// Trading reports whether the instrument is currently listed.
func (i Instrument) Trading() bool { return i.Status == "Trading" }

type instrumentJSON struct {
	Symbol     string `json:"symbol"`
	Status     string `json:"status"`
	BaseCoin   string `json:"baseCoin"`
	QuoteCoin  string `json:"quoteCoin"`
	LaunchTime string `json:"launchTime"`
}

// GetInstrumentsInfo lists instruments in a category, following the
// pagination cursor. An empty symbol lists all of them.
func (c *Client) GetInstrumentsInfo(ctx context.Context, category domain.Category, symbol string) ([]Instrument, error) {
	if !category.Valid() {
		return nil, fmt.Errorf("instruments info: unknown category %q", category)
	}

	var out []Instrument
	cursor := ""
	for {
		q := url.Values{}
		q.Set("category", string(category))
		q.Set("limit", "1000")
		if symbol != "" {
			q.Set("symbol", symbol)
		}
		if cursor != "" {
			q.Set("cursor", cursor)
		}

		var result struct {
			List           []instrumentJSON `json:"list"`
			NextPageCursor string           `json:"nextPageCursor"`
		}
		if err := c.get(ctx, instrumentsInfoPath, q, &result); err != nil {
			return nil, err
		}
		for _, raw := range result.List {
			inst := Instrument{
				Symbol:    raw.Symbol,
				Status:    raw.Status,
				BaseCoin:  raw.BaseCoin,
				QuoteCoin: raw.QuoteCoin,
			}
			if raw.LaunchTime != "" {
				ms, err := strconv.ParseInt(raw.LaunchTime, 10, 64)
				if err != nil {
					return nil, &domain.FetchError{Endpoint: instrumentsInfoPath,
						Err: fmt.Errorf("%s launchTime %q: %w", raw.Symbol, raw.LaunchTime, err)}
				}
				inst.LaunchTime = time.UnixMilli(ms).UTC()
			}
			out = append(out, inst)
		}

		if result.NextPageCursor == "" || result.NextPageCursor == cursor || len(result.List) == 0 {
			break
		}
		cursor = result.NextPageCursor
	}
	return out, nil
}

// Symbols converts listed instruments to symbol descriptors.
func Symbols(instruments []Instrument) []domain.Symbol {
	var out []domain.Symbol
	for _, inst := range instruments {
		if !inst.Trading() || inst.LaunchTime.IsZero() {
			continue
		}
		out = append(out, domain.Symbol{Name: inst.Symbol, LaunchTime: inst.LaunchTime})
	}
	return out
}

// ------------------------------------------------------------------
// Transport
// ------------------------------------------------------------------

type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// APIError is a non-zero retCode in an otherwise successful response.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("retCode %d: %s", e.Code, e.Message)
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	u := c.baseURL + path + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return &domain.FetchError{Endpoint: path, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &domain.FetchError{Endpoint: path, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return &domain.FetchError{Endpoint: path, Status: resp.StatusCode, Err: err}
	}
	c.log.Debug("request done", "path", path, "query", q.Encode(),
		"status", resp.StatusCode, "bytes", len(body), "elapsed", time.Since(start).Round(time.Millisecond))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &domain.FetchError{Endpoint: path, Status: resp.StatusCode,
			Err: fmt.Errorf("unexpected response: %s", truncate(body, 200))}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return &domain.FetchError{Endpoint: path, Status: resp.StatusCode, Err: fmt.Errorf("decoding response: %w", err)}
	}
	if env.RetCode != 0 {
		return &domain.FetchError{Endpoint: path, Status: resp.StatusCode,
			Err: &APIError{Code: env.RetCode, Message: env.RetMsg}}
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return &domain.FetchError{Endpoint: path, Status: resp.StatusCode, Err: fmt.Errorf("decoding result: %w", err)}
	}
	return nil
}

// Retryable reports whether a failed call might succeed if repeated.
// Cancellation of the caller's context, caller errors, client-side HTTP
// statuses other than 429 and rejected parameters are final. Transport
// failures, including the HTTP client's own timeout, are retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var ir *domain.InvalidRangeError
	if errors.As(err, &ir) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code != retCodeParamError
	}
	// get returns the bare ctx error when the caller gave up, so a context
	// error inside a FetchError is a per-request timeout.
	var fe *domain.FetchError
	if errors.As(err, &fe) {
		if fe.Status == http.StatusTooManyRequests {
			return true
		}
		return fe.Status < 400 || fe.Status >= 500
	}
	return false
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
