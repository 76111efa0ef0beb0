package domain

import (
	"fmt"
	"time"
)

// InvalidRangeError is returned when a fetch is requested for a range whose
// end is not strictly after its start. It is a caller error and never
// retried.
type InvalidRangeError struct {
	Start time.Time
	End   time.Time
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid range: start (%s) should be before end (%s)",
		e.Start.UTC().Format(time.RFC3339), e.End.UTC().Format(time.RFC3339))
}

// FetchError wraps a transport failure or a non-success response from the
// exchange.
type FetchError struct {
	Endpoint string
	Status   int
	Err      error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.Endpoint, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.Endpoint, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// MalformedKeyError is returned when a partition key string cannot be parsed.
type MalformedKeyError struct {
	Key    string
	Reason string
}

func (e *MalformedKeyError) Error() string {
	return fmt.Sprintf("malformed partition key %q: %s", e.Key, e.Reason)
}

// InsufficientHistoryError is returned when a training window spans fewer
// days than required.
type InsufficientHistoryError struct {
	Observed int
	Required int
}

func (e *InsufficientHistoryError) Error() string {
	return fmt.Sprintf("not enough data to create training dataset, received %d days while %d are required",
		e.Observed, e.Required)
}
