// Package partition defines the addressing scheme for fetch units: a
// two-dimensional symbol × week key space for historical backfill and a
// symbol-only space for the always-current recent window.
package partition

import (
	"sort"
	"strings"
	"time"

	"klinefeed/internal/domain"
	"klinefeed/internal/util"
)

// Separator joins the symbol and week dimensions in a key string.
const Separator = "|"

// DateLayout formats the week dimension of a key.
const DateLayout = "2006-01-02"

// Week is the length of one weekly partition.
const Week = 7 * 24 * time.Hour

// Key addresses one weekly fetch unit: the half-open interval
// [WeekStart, WeekStart+7d) of a single symbol.
type Key struct {
	Symbol    string
	WeekStart time.Time
}

// NewKey builds a Key, normalising the week start to UTC.
func NewKey(symbol string, weekStart time.Time) Key {
	return Key{Symbol: symbol, WeekStart: weekStart.UTC()}
}

// String encodes the key as SYMBOL|YYYY-MM-DD.
func (k Key) String() string {
	return k.Symbol + Separator + k.WeekStart.UTC().Format(DateLayout)
}

// Window returns the half-open time range covered by the key.
func (k Key) Window() (start, end time.Time) {
	start = k.WeekStart.UTC()
	return start, start.Add(Week)
}

// Parse decodes a key produced by Key.String. A non-nil error is always a
// *domain.MalformedKeyError.
func Parse(s string) (Key, error) {
	symbol, week, ok := strings.Cut(s, Separator)
	if !ok {
		return Key{}, &domain.MalformedKeyError{Key: s, Reason: "missing separator " + Separator}
	}
	if symbol == "" {
		return Key{}, &domain.MalformedKeyError{Key: s, Reason: "empty symbol"}
	}
	if strings.Contains(week, Separator) {
		return Key{}, &domain.MalformedKeyError{Key: s, Reason: "too many dimensions"}
	}
	t, err := time.Parse(DateLayout, week)
	if err != nil {
		return Key{}, &domain.MalformedKeyError{Key: s, Reason: "bad week date: " + err.Error()}
	}
	return Key{Symbol: symbol, WeekStart: t}, nil
}

// Space enumerates every weekly key for a set of symbols from a start date.
type Space struct {
	symbols  []string
	start    time.Time
	calendar *util.WeekCalendar
}

// NewSpace creates a key space. The first week is the first week boundary on
// or after start.
func NewSpace(symbols []string, start time.Time, weekDay time.Weekday) *Space {
	syms := append([]string(nil), symbols...)
	sort.Strings(syms)
	return &Space{
		symbols:  syms,
		start:    start.UTC(),
		calendar: util.NewWeekCalendar(weekDay),
	}
}

// Symbols returns the symbols of the space in ascending order.
func (s *Space) Symbols() []string {
	return append([]string(nil), s.symbols...)
}

// ParseKey decodes a key and checks that its week date falls on the space's
// week day. A non-nil error is always a *domain.MalformedKeyError.
func (s *Space) ParseKey(str string) (Key, error) {
	k, err := Parse(str)
	if err != nil {
		return Key{}, err
	}
	if !s.calendar.IsWeekStart(k.WeekStart) {
		return Key{}, &domain.MalformedKeyError{Key: str, Reason: "week date is not a " + s.calendar.WeekDay().String()}
	}
	return k, nil
}

// Weeks returns every week start whose window has fully closed at now.
func (s *Space) Weeks(now time.Time) []time.Time {
	var weeks []time.Time
	for w := s.calendar.FirstWeekOnOrAfter(s.start); !w.Add(Week).After(now); w = w.AddDate(0, 0, 7) {
		weeks = append(weeks, w)
	}
	return weeks
}

// AllKeys returns the cross product of symbols and closed weeks at now.
func (s *Space) AllKeys(now time.Time) []Key {
	weeks := s.Weeks(now)
	keys := make([]Key, 0, len(weeks)*len(s.symbols))
	for _, sym := range s.symbols {
		for _, w := range weeks {
			keys = append(keys, Key{Symbol: sym, WeekStart: w})
		}
	}
	return keys
}

// Contains reports whether k belongs to the space at now: known symbol,
// aligned week start, within range and closed.
func (s *Space) Contains(k Key, now time.Time) bool {
	i := sort.SearchStrings(s.symbols, k.Symbol)
	if i == len(s.symbols) || s.symbols[i] != k.Symbol {
		return false
	}
	if !s.calendar.IsWeekStart(k.WeekStart) {
		return false
	}
	if k.WeekStart.Before(s.calendar.FirstWeekOnOrAfter(s.start)) {
		return false
	}
	return !k.WeekStart.Add(Week).After(now)
}

// RecentWindow returns the partially elapsed current week [weekStart, now).
func (s *Space) RecentWindow(now time.Time) (start, end time.Time) {
	return s.calendar.StartOfWeek(now), now.UTC()
}
