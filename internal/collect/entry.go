package collect

import (
	"time"

	"github.com/lisadonlon/RegulatoryKB/internal/textmatch"
)

// Entry is one regulatory update as announced by a source.
type Entry struct {
	Date     time.Time // calendar date, midnight UTC; zero if unparseable
	RawDate  string
	Agency   string
	Category string
	Title    string
	Link     string
	Snippet  string
	Source   string
	// DirectLink is true when Link points at the update itself rather than
	// an index page or agency homepage.
	DirectLink bool
}

// DateString returns the entry date as YYYY-MM-DD, or "" if unknown.
func (e Entry) DateString() string {
	if e.Date.IsZero() {
		return ""
	}
	return e.Date.Format("2006-01-02")
}

// IdentityKey is normalized(agency) | normalized(title) | date.
func (e Entry) IdentityKey() string {
	return textmatch.Normalize(e.Agency) + "|" + textmatch.Normalize(e.Title) + "|" + e.DateString()
}

// Window is an inclusive range of calendar days.
type Window struct {
	Start time.Time
	End   time.Time
}

// NewWindow covers the daysBack days before now, plus today.
func NewWindow(now time.Time, daysBack int) Window {
	end := day(now)
	if daysBack < 0 {
		daysBack = 0
	}
	return Window{Start: end.AddDate(0, 0, -daysBack), End: end}
}

// Contains reports whether t falls on a day inside the window.
func (w Window) Contains(t time.Time) bool {
	d := day(t)
	return !d.Before(w.Start) && !d.After(w.End)
}

func day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
