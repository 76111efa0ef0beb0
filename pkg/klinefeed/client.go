// Package klinefeed is a Go client for the klinefeed status API.
package klinefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"klinefeed/internal/httpapi"
)

// Client provides a Go SDK for interacting with the klinefeed status server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new klinefeed API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// GetPlan retrieves the batch the next backfill tick would select.
func (c *Client) GetPlan(ctx context.Context) (httpapi.PlanResponse, error) {
	var out httpapi.PlanResponse
	err := c.get(ctx, "/api/plan", nil, &out)
	return out, err
}

// GetSymbols retrieves the reference table.
func (c *Client) GetSymbols(ctx context.Context) ([]httpapi.SymbolJSON, error) {
	var out []httpapi.SymbolJSON
	err := c.get(ctx, "/api/symbols", nil, &out)
	return out, err
}

// GetPartitions retrieves registry entries of asset for symbol. An empty asset
// selects the weekly snapshots.
func (c *Client) GetPartitions(ctx context.Context, symbol, asset string) ([]httpapi.PartitionJSON, error) {
	q := url.Values{}
	if asset != "" {
		q.Set("asset", asset)
	}
	var out []httpapi.PartitionJSON
	err := c.get(ctx, "/api/partitions/"+url.PathEscape(symbol), q, &out)
	return out, err
}

// GetRuns retrieves the most recent ticks, newest first.
func (c *Client) GetRuns(ctx context.Context, limit int) ([]httpapi.RunJSON, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []httpapi.RunJSON
	err := c.get(ctx, "/api/runs", q, &out)
	return out, err
}

// GetSeries retrieves the last limit rows of a per-symbol asset.
func (c *Client) GetSeries(ctx context.Context, symbol, asset string, limit int) (httpapi.SeriesResponse, error) {
	q := url.Values{}
	if asset != "" {
		q.Set("asset", asset)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out httpapi.SeriesResponse
	err := c.get(ctx, "/api/series/"+url.PathEscape(symbol), q, &out)
	return out, err
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("GET %s: %s: %s", path, resp.Status, apiErr.Error)
		}
		return fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}
