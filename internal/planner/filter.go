package planner

import (
	"fmt"
	"strings"
	"time"

	"github.com/samber/mo"

	"github.com/macjediwizard/calmirror/internal/model"
)

// Filter is an optional structural predicate for a pass or a query.
type Filter struct {
	// ResourceURL restricts work to one object, fetched directly.
	ResourceURL string
	// CollectionURL restricts work to one collection.
	CollectionURL string
	// TimeRange bounds fetched objects by start time.
	TimeRange mo.Option[model.TimeRange]
}

// IsZero reports whether the filter selects everything.
func (f Filter) IsZero() bool {
	return f.ResourceURL == "" && f.CollectionURL == "" && f.TimeRange.IsAbsent()
}

// matchesCollection reports whether a collection passes the collection
// predicate.
func (f Filter) matchesCollection(url string) bool {
	if f.CollectionURL == "" {
		return true
	}
	return strings.TrimSuffix(f.CollectionURL, "/") == strings.TrimSuffix(url, "/")
}

// TimeRangeFromBounds builds a range from "start after" and "end before"
// bounds. Zero bounds are open; both zero yields no range.
func TimeRangeFromBounds(startAfter, endBefore time.Time) mo.Option[model.TimeRange] {
	if startAfter.IsZero() && endBefore.IsZero() {
		return mo.None[model.TimeRange]()
	}
	return mo.Some(model.TimeRange{Start: startAfter.UTC(), End: endBefore.UTC()})
}

// ParseTimeRange parses optional RFC 3339 or YYYY-MM-DD bounds.
func ParseTimeRange(start, end string) (mo.Option[model.TimeRange], error) {
	after, err := parseBound(start)
	if err != nil {
		return mo.None[model.TimeRange](), fmt.Errorf("invalid start: %w", err)
	}
	before, err := parseBound(end)
	if err != nil {
		return mo.None[model.TimeRange](), fmt.Errorf("invalid end: %w", err)
	}
	if !after.IsZero() && !before.IsZero() && !before.After(after) {
		return mo.None[model.TimeRange](), fmt.Errorf("end %s is not after start %s", end, start)
	}
	return TimeRangeFromBounds(after, before), nil
}

func parseBound(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
