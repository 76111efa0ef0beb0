package util

import (
	"fmt"
	"strings"
	"time"
)

// WeekCalendar computes week boundaries for a fixed first day of the week.
// All boundaries are UTC midnights.
type WeekCalendar struct {
	weekDay time.Weekday
}

// NewWeekCalendar creates a WeekCalendar whose weeks start on weekDay.
func NewWeekCalendar(weekDay time.Weekday) *WeekCalendar {
	return &WeekCalendar{
		weekDay: weekDay,
	}
}

// WeekDay returns the first day of the week.
func (wc *WeekCalendar) WeekDay() time.Weekday { return wc.weekDay }

// StartOfWeek returns the most recent week boundary at or before t.
func (wc *WeekCalendar) StartOfWeek(t time.Time) time.Time {
	u := t.UTC()
	day := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	offset := (int(day.Weekday()) - int(wc.weekDay) + 7) % 7
	return day.AddDate(0, 0, -offset)
}

// FirstWeekOnOrAfter returns the first week boundary at or after t.
func (wc *WeekCalendar) FirstWeekOnOrAfter(t time.Time) time.Time {
	start := wc.StartOfWeek(t)
	if start.Before(t.UTC()) {
		start = start.AddDate(0, 0, 7)
	}
	return start
}

// IsWeekStart reports whether t is exactly a week boundary.
func (wc *WeekCalendar) IsWeekStart(t time.Time) bool {
	return wc.StartOfWeek(t).Equal(t.UTC())
}

// ParseWeekday accepts full or three-letter English day names.
func ParseWeekday(s string) (time.Weekday, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		full := strings.ToLower(d.String())
		if name == full || name == full[:3] {
			return d, nil
		}
	}
	return time.Monday, fmt.Errorf("unknown week day %q", s)
}
