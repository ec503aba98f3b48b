package collect

import (
	"strings"
	"time"
)

// dateLayouts are tried in order. Month/day order is ambiguous for slashed
// dates; US order wins.
var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"02/01/2006",
	"January 2, 2006",
	"2 January 2006",
	"2. January 2006",
	"Jan 2, 2006",
	"2 Jan 2006",
	"2006/01/02",
}

// parseDate parses the date formats seen in aggregator CSVs. It returns the
// zero time when nothing matches.
func parseDate(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
