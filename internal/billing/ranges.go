package billing

import (
	"strings"
	"time"
)

// Named ranges accepted by listing and reporting endpoints.
const (
	RangeToday     = "today"
	RangeYesterday = "yesterday"
	Range7d        = "7d"
	Range30d       = "30d"
	Range90d       = "90d"
	RangeAll       = "all"
)

const day = 24 * time.Hour

// TimeRange bounds a query. From is inclusive, To exclusive; nil is unbounded.
type TimeRange struct {
	Name string
	From *time.Time
	To   *time.Time
}

// Key identifies the range for cache keys and logs.
func (r TimeRange) Key() string {
	if r.Name != "" {
		return r.Name
	}
	var b strings.Builder
	if r.From != nil {
		b.WriteString(r.From.UTC().Format(time.RFC3339))
	}
	b.WriteString("..")
	if r.To != nil {
		b.WriteString(r.To.UTC().Format(time.RFC3339))
	}
	return b.String()
}

// ParseRange resolves a named range relative to now (UTC days). An empty name
// means all time.
func ParseRange(name string, now time.Time) (TimeRange, error) {
	now = now.UTC()
	startOfDay := now.Truncate(day)
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "", RangeAll:
		return TimeRange{Name: RangeAll}, nil
	case RangeToday:
		return TimeRange{Name: name, From: &startOfDay}, nil
	case RangeYesterday:
		from := startOfDay.Add(-day)
		return TimeRange{Name: name, From: &from, To: &startOfDay}, nil
	case Range7d, Range30d, Range90d:
		days := map[string]int{Range7d: 7, Range30d: 30, Range90d: 90}[name]
		from := now.Add(-time.Duration(days) * day)
		return TimeRange{Name: name, From: &from}, nil
	}
	return TimeRange{}, invalidf("unknown range %q", name)
}

// ParseWindow combines a named range with explicit from/to bounds, which take
// precedence. Bounds are RFC 3339 timestamps or YYYY-MM-DD dates; a date used
// as the upper bound includes that whole day.
func ParseWindow(name, from, to string, now time.Time) (TimeRange, error) {
	r, err := ParseRange(name, now)
	if err != nil {
		return TimeRange{}, err
	}
	if strings.TrimSpace(from) == "" && strings.TrimSpace(to) == "" {
		return r, nil
	}
	r.Name = ""
	if from != "" {
		t, _, err := parseBound(from)
		if err != nil {
			return TimeRange{}, err
		}
		r.From = &t
	}
	if to != "" {
		t, dateOnly, err := parseBound(to)
		if err != nil {
			return TimeRange{}, err
		}
		if dateOnly {
			t = t.Add(day)
		}
		r.To = &t
	}
	if r.From != nil && r.To != nil && !r.From.Before(*r.To) {
		return TimeRange{}, invalidf("from must be before to")
	}
	return r, nil
}

func parseBound(raw string) (time.Time, bool, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), false, nil
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t.UTC(), true, nil
	}
	return time.Time{}, false, invalidf("invalid time %q", raw)
}
