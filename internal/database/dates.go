package database

import (
	"strings"
	"time"
)

// TimeLayout matches SQLite's datetime('now') so stored timestamps compare
// lexically against SQL-generated ones.
const TimeLayout = "2006-01-02 15:04:05"

// DateLayout is the stored form of calendar dates.
const DateLayout = "2006-01-02"

// FormatTime renders t in UTC using TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a stored timestamp. RFC 3339 values are accepted too.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// FormatDate renders the calendar date of t in its own location.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// CompactDate turns 2006-01-02 into 20060102.
func CompactDate(date string) string {
	return strings.ReplaceAll(date, "-", "")
}
