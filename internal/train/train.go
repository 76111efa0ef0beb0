// Package train cuts the trailing training dataset out of a merged series.
package train

import (
	"time"

	"klinefeed/internal/domain"
)

const day = 24 * time.Hour

// Select keeps the rows of series that start within nDays before now and
// returns them in input order. It fails with *domain.InsufficientHistoryError
// when the kept rows span fewer than minDays whole days; an empty selection
// spans zero days.
func Select(series []domain.Observation, now time.Time, nDays, minDays int) ([]domain.Observation, error) {
	cutoff := now.Add(-time.Duration(nDays) * day)

	var (
		out      []domain.Observation
		min, max time.Time
	)
	for _, o := range series {
		if o.StartTime.Before(cutoff) {
			continue
		}
		if len(out) == 0 || o.StartTime.Before(min) {
			min = o.StartTime
		}
		if len(out) == 0 || o.StartTime.After(max) {
			max = o.StartTime
		}
		out = append(out, o)
	}

	observed := 0
	if len(out) > 0 {
		observed = int(max.Sub(min) / day)
	}
	if observed < minDays {
		return nil, &domain.InsufficientHistoryError{Observed: observed, Required: minDays}
	}
	return out, nil
}
