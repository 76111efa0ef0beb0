// Package gather defines the unit of work the scheduler triggers.
package gather

import (
	"context"
	"time"
)

// Gatherer is one scheduled ingestion job.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run performs one pass. It returns when the pass is done or ctx is
	// cancelled.
	Run(ctx context.Context) error
}

// DateRange represents a half-open time range [Start, End).
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Empty reports whether the range holds no instant.
func (r DateRange) Empty() bool { return !r.End.After(r.Start) }
