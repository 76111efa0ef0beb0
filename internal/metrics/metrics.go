// Package metrics exposes pipeline counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RowsFetchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "klinefeed_rows_fetched_total", Help: "Kline rows fetched from the exchange"},
		[]string{"asset", "symbol"},
	)
	FetchFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "klinefeed_fetch_failures_total", Help: "Partitions whose fetch failed after retries"},
		[]string{"asset"},
	)
	PartitionsPlannedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "klinefeed_partitions_planned_total", Help: "Weekly partitions selected by the backfill planner"},
	)
	PlanSkipsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "klinefeed_plan_skips_total", Help: "Backfill ticks that found no missing partitions"},
	)
	MaterializedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "klinefeed_partitions_materialized_total", Help: "Partitions written and registered"},
		[]string{"asset"},
	)
	DuplicatesRemovedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "klinefeed_duplicates_removed_total", Help: "Duplicate rows dropped while merging"},
		[]string{"symbol"},
	)
	InsufficientHistoryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "klinefeed_insufficient_history_total", Help: "Training datasets rejected for short history"},
		[]string{"symbol"},
	)
	RunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "klinefeed_run_duration_seconds",
			Help:    "Wall time of one scheduled run",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		RowsFetchedTotal,
		FetchFailuresTotal,
		PartitionsPlannedTotal,
		PlanSkipsTotal,
		MaterializedTotal,
		DuplicatesRemovedTotal,
		InsufficientHistoryTotal,
		RunDuration,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
