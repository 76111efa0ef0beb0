// Package httpapi serves a read-only JSON view of the pipeline state next to
// the Prometheus /metrics endpoint.
package httpapi

import (
	"time"

	"klinefeed/internal/domain"
	"klinefeed/internal/planner"
	"klinefeed/internal/store"
)

// PlanResponse describes the batch the next backfill tick would select.
type PlanResponse struct {
	Keys       []string      `json:"keys"`
	SkipReason string        `json:"skipReason,omitempty"`
	Stats      planner.Stats `json:"stats"`
}

// SymbolJSON is one row of the reference table.
type SymbolJSON struct {
	Symbol     string    `json:"symbol"`
	LaunchTime time.Time `json:"launchTime"`
}

// PartitionJSON is one registry entry.
type PartitionJSON struct {
	Asset          string    `json:"asset"`
	PartitionKey   string    `json:"partitionKey"`
	RowCount       int       `json:"rowCount"`
	RunID          string    `json:"runId"`
	MaterializedAt time.Time `json:"materializedAt"`
}

// RunJSON is one run log entry.
type RunJSON struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Planned    int        `json:"planned"`
	Succeeded  int        `json:"succeeded"`
	Failed     int        `json:"failed"`
	SkipReason string     `json:"skipReason,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// ObservationJSON is one price bucket.
type ObservationJSON struct {
	StartTime  time.Time `json:"startTime"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     float64   `json:"volume"`
	Turnover   float64   `json:"turnover"`
	IngestedAt time.Time `json:"ingestedAt"`
}

// SeriesResponse holds the tail of one per-symbol asset.
type SeriesResponse struct {
	Symbol string            `json:"symbol"`
	Asset  string            `json:"asset"`
	Total  int               `json:"total"`
	Rows   []ObservationJSON `json:"rows"`
}

func toPlanResponse(res planner.Result) PlanResponse {
	keys := make([]string, len(res.Keys))
	for i, k := range res.Keys {
		keys[i] = k.String()
	}
	return PlanResponse{Keys: keys, SkipReason: res.SkipReason, Stats: res.Stats}
}

func toPartitionJSON(m store.Materialization) PartitionJSON {
	return PartitionJSON{
		Asset:          m.Asset,
		PartitionKey:   m.PartitionKey,
		RowCount:       m.RowCount,
		RunID:          m.RunID,
		MaterializedAt: m.MaterializedAt,
	}
}

func toRunJSON(r store.Run) RunJSON {
	out := RunJSON{
		ID:         r.ID,
		Kind:       r.Kind,
		StartedAt:  r.StartedAt,
		Planned:    r.Planned,
		Succeeded:  r.Succeeded,
		Failed:     r.Failed,
		SkipReason: r.SkipReason,
		Error:      r.Err,
	}
	if !r.FinishedAt.IsZero() {
		t := r.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

func toObservationJSON(o domain.Observation) ObservationJSON {
	return ObservationJSON{
		StartTime:  o.StartTime,
		Open:       o.Open,
		High:       o.High,
		Low:        o.Low,
		Close:      o.Close,
		Volume:     o.Volume,
		Turnover:   o.Turnover,
		IngestedAt: o.IngestedAt,
	}
}
