// Package timeutil handles the calendar-day strings both services exchange.
package timeutil

import (
	"fmt"
	"strings"
	"time"
)

// DayLayout is the wire format for calendar days on both services.
const DayLayout = "2006-01-02"

// ParseDay parses a wire-format day into UTC midnight.
func ParseDay(value string) (time.Time, error) {
	parsed, err := time.ParseInLocation(DayLayout, strings.TrimSpace(value), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid day %q (expected YYYY-MM-DD)", value)
	}
	return parsed, nil
}

// FormatDay renders a time as a wire-format day.
func FormatDay(value time.Time) string {
	return value.Format(DayLayout)
}

// NormalizeDay round-trips a day string through parsing, rejecting anything
// that is not a plain calendar day.
func NormalizeDay(value string) (string, error) {
	parsed, err := ParseDay(value)
	if err != nil {
		return "", err
	}
	return FormatDay(parsed), nil
}

// DaysAgo returns the instant the given number of days before now.
func DaysAgo(now time.Time, days int) time.Time {
	return now.AddDate(0, 0, -days)
}
