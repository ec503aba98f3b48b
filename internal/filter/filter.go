// Package filter scores collected entries for medical-device regulatory
// relevance and assigns an alert tier.
package filter

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/lisadonlon/RegulatoryKB/internal/collect"
	"github.com/lisadonlon/RegulatoryKB/internal/config"
)

// AlertLevel is the daily-alert tier of an entry.
type AlertLevel string

const (
	AlertNone     AlertLevel = "none"
	AlertHigh     AlertLevel = "high"
	AlertCritical AlertLevel = "critical"
)

// FilteredEntry is an included entry with its score.
type FilteredEntry struct {
	collect.Entry
	Score             float64
	MatchedKeywords   []string
	MatchedCategories []string
	Combination       bool
	Alert             AlertLevel
}

// ShouldAlert reports whether the entry belongs in a daily alert.
func (f FilteredEntry) ShouldAlert() bool {
	return f.Alert == AlertHigh || f.Alert == AlertCritical
}

// Excluded is an entry the filter rejected, with the reason.
type Excluded struct {
	collect.Entry
	Reason string
}

// Result holds the outcome of one filter pass.
type Result struct {
	TotalInput   int
	Included     []FilteredEntry
	Excluded     []Excluded
	HighPriority []FilteredEntry
}

// ByCategory groups included entries by category. Entries without a
// category go under "Other".
func (r *Result) ByCategory() map[string][]FilteredEntry {
	out := make(map[string][]FilteredEntry)
	for _, e := range r.Included {
		cat := e.Category
		if cat == "" {
			cat = "Other"
		}
		out[cat] = append(out[cat], e)
	}
	return out
}

type keyword struct {
	term    string
	pattern *regexp.Regexp
	weight  float64
}

// Filter applies the configured category, keyword and freshness rules.
// It holds no mutable state and is safe for concurrent use.
type Filter struct {
	cfg        config.Filter
	include    []keyword
	exclude    []keyword
	override   []keyword
	device     []keyword
	critical   []keyword
	high       []keyword
	newContent []string
	discussion []string
	now        func() time.Time
}

// New compiles the rules in cfg.
func New(cfg config.Filter) *Filter {
	f := &Filter{cfg: cfg, now: time.Now}
	weights := make(map[string]float64, len(cfg.Scoring.Weights))
	for k, w := range cfg.Scoring.Weights {
		weights[strings.ToLower(k)] = w
	}
	f.include = compile(cfg.IncludeKeywords, func(term string) float64 {
		if w, ok := weights[strings.ToLower(term)]; ok {
			return w
		}
		return cfg.Scoring.DefaultWeight
	})
	f.exclude = compile(cfg.ExcludeKeywords, nil)
	f.override = compile(cfg.OverrideTerms, nil)
	f.device = compile(cfg.DeviceIndicators, nil)
	f.critical = compile(cfg.Alerts.Critical, nil)
	f.high = compile(cfg.Alerts.High, nil)
	f.newContent = lowerAll(cfg.Freshness.NewContentKeywords)
	f.discussion = lowerAll(cfg.Freshness.DiscussionKeywords)
	return f
}

// compile builds whole-word, case-insensitive patterns. A trailing plural
// "s" or "es" still matches.
func compile(terms []string, weight func(string) float64) []keyword {
	out := make([]keyword, 0, len(terms))
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		k := keyword{
			term:    t,
			pattern: regexp.MustCompile(`(?i)(?:^|[^\pL\pN])` + regexp.QuoteMeta(t) + `(?:s|es)?(?:[^\pL\pN]|$)`),
		}
		if weight != nil {
			k.weight = weight(t)
		}
		out = append(out, k)
	}
	return out
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

func matches(kws []keyword, text string) []keyword {
	var out []keyword
	for _, k := range kws {
		if k.pattern.MatchString(text) {
			out = append(out, k)
		}
	}
	return out
}

func anyMatch(kws []keyword, text string) bool {
	for _, k := range kws {
		if k.pattern.MatchString(text) {
			return true
		}
	}
	return false
}

// Apply filters entries. Included entries are stable-sorted by score, so
// ties keep fetch order.
func (f *Filter) Apply(entries []collect.Entry) *Result {
	r := &Result{TotalInput: len(entries)}
	for _, e := range entries {
		fe, reason := f.Evaluate(e)
		if reason != "" {
			r.Excluded = append(r.Excluded, Excluded{Entry: e, Reason: reason})
			continue
		}
		r.Included = append(r.Included, fe)
	}

	sort.SliceStable(r.Included, func(i, j int) bool {
		return r.Included[i].Score > r.Included[j].Score
	})
	for _, fe := range r.Included {
		if fe.ShouldAlert() {
			r.HighPriority = append(r.HighPriority, fe)
		}
	}
	sort.SliceStable(r.HighPriority, func(i, j int) bool {
		a, b := r.HighPriority[i], r.HighPriority[j]
		if (a.Alert == AlertCritical) != (b.Alert == AlertCritical) {
			return a.Alert == AlertCritical
		}
		return a.Score > b.Score
	})

	slog.Info("filtered entries",
		"input", r.TotalInput, "included", len(r.Included),
		"excluded", len(r.Excluded), "high_priority", len(r.HighPriority))
	return r
}

// Evaluate scores one entry. A non-empty reason means the entry is
// excluded.
func (f *Filter) Evaluate(e collect.Entry) (FilteredEntry, string) {
	if ok, reason := f.fresh(e); !ok {
		return FilteredEntry{}, reason
	}

	text := strings.Join([]string{e.Title, e.Category, e.Agency, e.Snippet}, " ")
	combination := anyMatch(f.override, text)
	excludes := matches(f.exclude, e.Title+" "+e.Category)
	catIncluded, catExcluded, matchedCats := f.categoryMatch(e.Category)
	hasDevice := anyMatch(f.device, text)

	included := matches(f.include, text)
	var sum float64
	kws := make([]string, 0, len(included))
	for _, k := range included {
		sum += k.weight
		kws = append(kws, k.term)
	}
	if catIncluded && !catExcluded {
		sum += f.cfg.Scoring.CategoryWeight
	}
	score := 0.0
	if sat := f.cfg.Scoring.Saturation; sat > 0 {
		score = min(1, sum/sat)
	}
	if !combination {
		score -= f.cfg.Scoring.ExcludePenalty * float64(len(excludes))
	}
	score = max(0, min(1, score))

	// An override term keeps an otherwise rejected entry regardless of score.
	overridden := combination && (catExcluded || len(excludes) > 0)
	deviceOK := hasDevice || !f.cfg.RequireDeviceIndicator
	var reason string
	switch {
	case len(excludes) >= 2 && !combination:
		reason = "multiple exclude keywords"
	case catIncluded && !catExcluded && len(excludes) == 0:
		if len(included) == 0 && !deviceOK {
			reason = "category match without device indicator"
		}
	case catIncluded && !catExcluded:
		if !hasDevice && !combination {
			reason = "exclude keyword without device indicator"
		}
	case catExcluded || len(excludes) > 0:
		if !combination {
			reason = "excluded category or keyword"
		}
	case len(included) == 0:
		reason = "no matching category or keyword"
	case !deviceOK:
		reason = "no device indicator"
	}
	if reason == "" && !overridden && score < f.cfg.Scoring.MinRelevance {
		reason = "below relevance floor"
	}
	if reason != "" {
		return FilteredEntry{}, reason
	}

	return FilteredEntry{
		Entry:             e,
		Score:             score,
		MatchedKeywords:   kws,
		MatchedCategories: matchedCats,
		Combination:       combination,
		Alert:             f.alertLevel(text),
	}, ""
}

// categoryMatch compares case-insensitively, substring in either direction.
func (f *Filter) categoryMatch(category string) (included, excluded bool, matched []string) {
	cat := strings.ToLower(strings.TrimSpace(category))
	if cat == "" {
		return false, false, nil
	}
	for _, c := range f.cfg.IncludeCategories {
		lc := strings.ToLower(c)
		if strings.Contains(cat, lc) || strings.Contains(lc, cat) {
			included = true
			matched = append(matched, c)
		}
	}
	for _, c := range f.cfg.ExcludeCategories {
		lc := strings.ToLower(c)
		if strings.Contains(cat, lc) || strings.Contains(lc, cat) {
			excluded = true
		}
	}
	return included, excluded, matched
}

func (f *Filter) alertLevel(text string) AlertLevel {
	if anyMatch(f.critical, text) {
		return AlertCritical
	}
	if len(matches(f.high, text)) >= 2 {
		return AlertHigh
	}
	return AlertNone
}
