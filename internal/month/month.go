// Package month handles the "YYYY-MM" reference month keys used across
// allocations, balances and invoices. Lexicographic order of valid keys
// matches chronological order, which FIFO consumption relies on.
package month

import (
	"errors"
	"time"
)

const layout = "2006-01"

var ErrInvalidMonth = errors.New("invalid_month")

// Validate reports whether key is a well-formed "YYYY-MM" reference month.
func Validate(key string) error {
	if _, err := time.Parse(layout, key); err != nil {
		return ErrInvalidMonth
	}
	return nil
}

// Start returns midnight UTC on the first day of the month.
func Start(key string) (time.Time, error) {
	t, err := time.Parse(layout, key)
	if err != nil {
		return time.Time{}, ErrInvalidMonth
	}
	return t.UTC(), nil
}

// End returns the last instant before the following month starts.
func End(key string) (time.Time, error) {
	start, err := Start(key)
	if err != nil {
		return time.Time{}, err
	}
	return start.AddDate(0, 1, 0).Add(-time.Nanosecond), nil
}

// AddMonths shifts a reference month by n months.
func AddMonths(key string, n int) (string, error) {
	start, err := Start(key)
	if err != nil {
		return "", err
	}
	return start.AddDate(0, n, 0).Format(layout), nil
}

// FromTime formats t as a reference month in UTC.
func FromTime(t time.Time) string {
	return t.UTC().Format(layout)
}
