// Package partition computes time-range partition layouts shared by the SQL backends.
package partition

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrUnknownPeriod is returned for period names other than day and month.
var ErrUnknownPeriod = errors.New("eventfeed partition: unknown period")

const (
	defaultLookaheadDay   = 30 * 24 * time.Hour
	defaultLookaheadMonth = 90 * 24 * time.Hour
	dayLayout             = "20060102"
	monthLayout           = "200601"
)

// Period is the partition granularity.
type Period int

const (
	// Day maintains daily partitions.
	Day Period = iota + 1
	// Month maintains monthly partitions.
	Month
)

// ParsePeriod parses "day" or "month".
func ParsePeriod(s string) (Period, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "day", "daily":
		return Day, nil
	case "month", "monthly":
		return Month, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownPeriod, s)
	}
}

func (p Period) String() string {
	switch p {
	case Day:
		return "day"
	case Month:
		return "month"
	default:
		return "unknown"
	}
}

// Valid reports whether p is Day or Month.
func (p Period) Valid() bool {
	return p == Day || p == Month
}

// DefaultLookahead is how far ahead partitions are created when no lookahead is configured.
func (p Period) DefaultLookahead() time.Duration {
	if p == Month {
		return defaultLookaheadMonth
	}

	return defaultLookaheadDay
}

// Start truncates t to the beginning of its period in UTC.
func (p Period) Start(t time.Time) time.Time {
	t = t.UTC()
	switch p {
	case Day:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case Month:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return t
	}
}

// Next returns the start of the period after the one starting at t.
func (p Period) Next(t time.Time) time.Time {
	switch p {
	case Day:
		return t.AddDate(0, 0, 1)
	case Month:
		return t.AddDate(0, 1, 0)
	default:
		return t
	}
}

// Suffix formats the period starting at start, e.g. p202503 or p20250301.
func (p Period) Suffix(start time.Time) string {
	if p == Month {
		return "p" + start.UTC().Format(monthLayout)
	}

	return "p" + start.UTC().Format(dayLayout)
}

// ParseSuffix is the inverse of Suffix. It accepts a bare suffix or a name ending in _<suffix>.
func (p Period) ParseSuffix(name string) (time.Time, bool) {
	if i := strings.LastIndexByte(name, '_'); i >= 0 {
		name = name[i+1:]
	}
	if !strings.HasPrefix(name, "p") {
		return time.Time{}, false
	}
	layout := dayLayout
	if p == Month {
		layout = monthLayout
	}
	t, err := time.ParseInLocation(layout, name[1:], time.UTC)
	if err != nil {
		return time.Time{}, false
	}

	return t, true
}

// Range is a half-open partition interval [From, To).
type Range struct {
	Suffix string
	From   time.Time
	To     time.Time
}

// Ahead lists the ranges from the period containing now until the first range ending
// at or after now+lookahead.
func Ahead(p Period, now time.Time, lookahead time.Duration) []Range {
	if !p.Valid() {
		return nil
	}
	start := p.Start(now)
	end := now.Add(lookahead)

	var out []Range
	for {
		next := p.Next(start)
		out = append(out, Range{Suffix: p.Suffix(start), From: start, To: next})
		if !next.Before(end) {
			return out
		}
		start = next
	}
}

// Expired returns the names whose upper bound is at or before now-retention, sorted.
// A non-positive retention never expires anything.
func Expired(upper map[string]time.Time, now time.Time, retention time.Duration) []string {
	if retention <= 0 {
		return nil
	}
	cutoff := now.Add(-retention)

	out := make([]string, 0)
	for name, to := range upper {
		if !to.After(cutoff) {
			out = append(out, name)
		}
	}
	sort.Strings(out)

	return out
}
