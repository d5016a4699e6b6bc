package partition

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrNameConflict is returned when a range to create is named like an existing partition
// with a different bound.
var ErrNameConflict = errors.New("eventfeed partition: name already used by another range")

// Existing is a range partition already attached to a table.
type Existing struct {
	Name string
	// To is the exclusive upper bound.
	To time.Time
}

// Layout describes the partitions a table should carry.
type Layout struct {
	Period    Period
	Lookahead time.Duration
	// Retention expires partitions whose upper bound is at or before now-Retention.
	// Zero keeps everything.
	Retention time.Duration
	// AppendOnly skips ranges below the newest existing bound. MySQL can only split its
	// MAXVALUE partition, so it never fills holes.
	AppendOnly bool
}

// Change is the work that brings a table up to its layout.
type Change struct {
	// Add is ordered by From.
	Add []Range
	// Drop is ordered by name.
	Drop []string
}

// Empty reports whether there is nothing to do.
func (c Change) Empty() bool {
	return len(c.Add) == 0 && len(c.Drop) == 0
}

// AddNames lists the names of the ranges to create.
func (c Change) AddNames() []string {
	names := make([]string, 0, len(c.Add))
	for _, r := range c.Add {
		names = append(names, r.Suffix)
	}

	return names
}

// Plan compares existing partitions with the ranges needed from now through the lookahead.
func (l Layout) Plan(existing []Existing, now time.Time) (Change, error) {
	now = now.UTC()

	var newest time.Time
	byName := make(map[string]time.Time, len(existing))
	byBound := make(map[int64]struct{}, len(existing))
	for _, e := range existing {
		byName[e.Name] = e.To
		byBound[e.To.Unix()] = struct{}{}
		if e.To.After(newest) {
			newest = e.To
		}
	}

	var change Change
	for _, r := range Ahead(l.Period, now, l.Lookahead) {
		if l.AppendOnly && !r.To.After(newest) {
			continue
		}
		if _, ok := byBound[r.To.Unix()]; ok {
			continue
		}
		if _, ok := byName[r.Suffix]; ok {
			return Change{}, fmt.Errorf("%w: %s", ErrNameConflict, r.Suffix)
		}
		byName[r.Suffix] = r.To
		change.Add = append(change.Add, r)
	}
	sort.Slice(change.Add, func(i, j int) bool {
		return change.Add[i].From.Before(change.Add[j].From)
	})

	expiring := make(map[string]time.Time, len(existing))
	for _, e := range existing {
		expiring[e.Name] = e.To
	}
	change.Drop = Expired(expiring, now, l.Retention)

	return change, nil
}
