package filter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/lisadonlon/RegulatoryKB/internal/collect"
)

var (
	// A four-digit year delimited by start/end, whitespace, ':', '-' or '/'.
	yearRe = regexp.MustCompile(`(?:^|[:\s\-/])(\d{4})(?:[:\s\-/]|$)`)
	// Document numbers such as "MDCG 2020-16" or "ISO 13485:2016".
	docYearRe = regexp.MustCompile(`(?i)(?:MDCG|ISO|IEC|FDA|EU)\s*(\d{4})`)
)

// fresh reports whether the entry announces something new rather than
// discussing an old document.
func (f *Filter) fresh(e collect.Entry) (bool, string) {
	fc := f.cfg.Freshness
	if !fc.Enabled {
		return true, ""
	}

	current := f.now().Year()
	cutoff := current - fc.MaxDocumentAgeYears
	oldest := 0
	for _, re := range []*regexp.Regexp{yearRe, docYearRe} {
		for _, m := range re.FindAllStringSubmatch(e.Title, -1) {
			y, err := strconv.Atoi(m[1])
			if err != nil || y < 2000 || y > current {
				continue
			}
			if oldest == 0 || y < oldest {
				oldest = y
			}
		}
	}
	if oldest == 0 || oldest >= cutoff {
		return true, ""
	}

	text := strings.ToLower(e.Title + " " + e.Category)
	for _, kw := range f.newContent {
		if strings.Contains(text, kw) {
			return true, ""
		}
	}
	for _, kw := range f.discussion {
		if strings.Contains(text, kw) {
			return false, fmt.Sprintf("discussion of %d document", oldest)
		}
	}
	return false, fmt.Sprintf("document from %d (older than %d)", oldest, cutoff)
}
