package archive

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	mdcgRe = regexp.MustCompile(`mdcg\s*(\d{4})[- ]?(\d+)`)
	isoRe  = regexp.MustCompile(`\b(iso|iec)\s*(\d{4,5})(?:[- :](\d+))?`)
	cfrRe  = regexp.MustCompile(`21\s*cfr\s*(?:part\s*)?(\d+)`)
	ivdrRe = regexp.MustCompile(`\bivdr\b`)
	mdrRe  = regexp.MustCompile(`\bmdr\b`)
	ukRe   = regexp.MustCompile(`\buk\b`)
)

// Identifier extracts a normalized series identifier such as
// "MDCG 2020-16", "ISO 13485", "IEC 62304-1", "21 CFR Part 820" or
// "MDR 2017/745". It returns "" when the title names no known series.
func Identifier(title string) string {
	t := strings.ToLower(title)

	if m := mdcgRe.FindStringSubmatch(t); m != nil {
		return fmt.Sprintf("MDCG %s-%s", m[1], m[2])
	}
	if m := isoRe.FindStringSubmatch(t); m != nil {
		id := strings.ToUpper(m[1]) + " " + m[2]
		// A four-digit "part" after a colon is the edition year.
		if m[3] != "" && len(m[3]) < 4 {
			id += "-" + m[3]
		}
		return id
	}
	if m := cfrRe.FindStringSubmatch(t); m != nil {
		return "21 CFR Part " + m[1]
	}
	switch {
	case ivdrRe.MatchString(t) && strings.Contains(t, "2017"):
		return "IVDR 2017/746"
	case ukRe.MatchString(t) && mdrRe.MatchString(t) && strings.Contains(t, "2002"):
		return "UK MDR 2002"
	case mdrRe.MatchString(t) && strings.Contains(t, "2017"):
		return "MDR 2017/745"
	case strings.Contains(t, "imdrf") && strings.Contains(t, "samd") && strings.Contains(t, "definition"):
		return "IMDRF SaMD N12"
	}
	return ""
}

// Jurisdiction maps an issuing agency to the archive jurisdiction.
func Jurisdiction(agency string) string {
	a := strings.ToUpper(strings.TrimSpace(agency))
	switch {
	case a == "":
		return "Other"
	case strings.Contains(a, "FDA"), strings.Contains(a, "CDRH"):
		return "US"
	case a == "EU", a == "EC", strings.Contains(a, "MDCG"), strings.Contains(a, "EMA"),
		strings.Contains(a, "EUROPEAN"), strings.HasPrefix(a, "EU "):
		return "EU"
	case strings.Contains(a, "MHRA"), a == "UK":
		return "UK"
	case strings.Contains(a, "TGA"):
		return "Australia"
	case strings.Contains(a, "HEALTH CANADA"), a == "HC":
		return "Canada"
	case strings.Contains(a, "PMDA"):
		return "Japan"
	case strings.Contains(a, "HPRA"):
		return "Ireland"
	case strings.Contains(a, "ISO"), strings.Contains(a, "IEC"), strings.Contains(a, "IMDRF"), strings.Contains(a, "WHO"):
		return "International"
	}
	return "Other"
}
