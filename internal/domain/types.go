// Package domain defines the core value types shared across the ingestion
// pipeline: symbols, bucket granularities, and price observations.
package domain

import (
	"fmt"
	"time"
)

// Symbol describes a tradable instrument and the instant before which the
// exchange has no data for it.
type Symbol struct {
	Name       string
	LaunchTime time.Time
}

// LaunchDate truncates LaunchTime to its UTC calendar date. A week starting
// on that date is the first one that can hold data.
func (s Symbol) LaunchDate() time.Time {
	u := s.LaunchTime.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// Category is the exchange market segment.
type Category string

const (
	CategorySpot    Category = "spot"
	CategoryLinear  Category = "linear"
	CategoryInverse Category = "inverse"
)

// Valid reports whether c is a known market segment.
func (c Category) Valid() bool {
	switch c {
	case CategorySpot, CategoryLinear, CategoryInverse:
		return true
	}
	return false
}

// Granularity is the width of one kline bucket, encoded the way the exchange
// expects it in the "interval" query parameter.
type Granularity string

const (
	Granularity1m  Granularity = "1"
	Granularity3m  Granularity = "3"
	Granularity5m  Granularity = "5"
	Granularity15m Granularity = "15"
	Granularity30m Granularity = "30"
	Granularity1h  Granularity = "60"
	Granularity2h  Granularity = "120"
	Granularity4h  Granularity = "240"
	Granularity6h  Granularity = "360"
	Granularity12h Granularity = "720"
	Granularity1d  Granularity = "D"
	Granularity1w  Granularity = "W"
)

var granularityWidths = map[Granularity]time.Duration{
	Granularity1m:  time.Minute,
	Granularity3m:  3 * time.Minute,
	Granularity5m:  5 * time.Minute,
	Granularity15m: 15 * time.Minute,
	Granularity30m: 30 * time.Minute,
	Granularity1h:  time.Hour,
	Granularity2h:  2 * time.Hour,
	Granularity4h:  4 * time.Hour,
	Granularity6h:  6 * time.Hour,
	Granularity12h: 12 * time.Hour,
	Granularity1d:  24 * time.Hour,
	Granularity1w:  7 * 24 * time.Hour,
}

// ParseGranularity validates an interval string.
func ParseGranularity(s string) (Granularity, error) {
	g := Granularity(s)
	if _, ok := granularityWidths[g]; !ok {
		return "", fmt.Errorf("unsupported granularity %q", s)
	}
	return g, nil
}

// Duration returns the bucket width, or zero for an unknown granularity.
func (g Granularity) Duration() time.Duration {
	return granularityWidths[g]
}

// Observation is one time-bucketed price record. StartTime is the left edge
// of the bucket; IngestedAt records when the row was retrieved and breaks
// ties between overlapping fetches of the same bucket.
type Observation struct {
	Symbol     string
	StartTime  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     float64
	Turnover   float64
	IngestedAt time.Time
}
