// Package period provides UTC billing period boundary helpers.
package period

import (
	"errors"
	"strings"
	"time"
)

// Type selects the billing period granularity.
type Type string

const (
	TypeMonthly Type = "monthly"
	TypeDaily   Type = "daily"
)

var ErrInvalidType = errors.New("invalid_period_type")

// Parse normalizes a raw period type string.
func Parse(raw string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(TypeMonthly), "":
		return TypeMonthly, nil
	case string(TypeDaily):
		return TypeDaily, nil
	default:
		return "", ErrInvalidType
	}
}

// Start returns the inclusive period start containing t.
func Start(t time.Time, pt Type) time.Time {
	t = t.UTC()
	switch pt {
	case TypeDaily:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
}

// End returns the exclusive period end for the period starting at start.
func End(start time.Time, pt Type) time.Time {
	start = Start(start, pt)
	switch pt {
	case TypeDaily:
		return start.AddDate(0, 0, 1)
	default:
		return start.AddDate(0, 1, 0)
	}
}

// Contains reports whether ts falls inside the period starting at start.
func Contains(ts, start time.Time, pt Type) bool {
	start = Start(start, pt)
	end := End(start, pt)
	ts = ts.UTC()
	return !ts.Before(start) && ts.Before(end)
}

// Current returns the period start for the given instant.
func Current(now time.Time, pt Type) time.Time {
	return Start(now, pt)
}

// Proration returns the elapsed fraction of the period containing at,
// clamped to [0, 1].
func Proration(at time.Time, pt Type) float64 {
	start := Start(at, pt)
	end := End(start, pt)
	total := end.Sub(start)
	if total <= 0 {
		return 0
	}
	elapsed := at.UTC().Sub(start)
	if elapsed < 0 {
		return 0
	}
	if elapsed > total {
		return 1
	}
	return float64(elapsed) / float64(total)
}
