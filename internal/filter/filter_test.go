package filter

import (
	"reflect"
	"testing"
	"time"

	"github.com/lisadonlon/RegulatoryKB/internal/collect"
	"github.com/lisadonlon/RegulatoryKB/internal/config"
)

func defaultFilter(t *testing.T) *Filter {
	t.Helper()
	cfg, err := config.Parse(config.DefaultConfigYAML)
	if err != nil {
		t.Fatalf("parsing default config: %v", err)
	}
	f := New(cfg.Filter)
	f.now = func() time.Time { return time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC) }
	return f
}

func TestDeviceGuidanceWithTwoHighKeywords(t *testing.T) {
	f := defaultFilter(t)
	e := collect.Entry{
		Agency:   "FDA",
		Category: "Medical Devices",
		Title:    "FDA issues draft guidance on AI-enabled device software functions",
	}

	fe, reason := f.Evaluate(e)
	if reason != "" {
		t.Fatalf("expected entry to pass, excluded: %s", reason)
	}
	if fe.Alert != AlertHigh {
		t.Errorf("expected alert level high, got %q", fe.Alert)
	}
	if fe.Score <= 0 || fe.Score > 1 {
		t.Errorf("score out of range: %v", fe.Score)
	}
	if len(fe.MatchedCategories) == 0 {
		t.Error("expected matched categories")
	}
}

func TestOverrideTermCancelsExcludedCategory(t *testing.T) {
	f := defaultFilter(t)
	e := collect.Entry{
		Agency:   "FDA",
		Category: "Pharmaceuticals",
		Title:    "Final guidance for drug-coated balloon submissions",
		Snippet:  "Applies to any combination product where the device is the primary mode of action.",
	}

	fe, reason := f.Evaluate(e)
	if reason != "" {
		t.Fatalf("expected override to include entry, excluded: %s", reason)
	}
	if !fe.Combination {
		t.Error("expected combination flag")
	}

	e.Snippet = "Applies to tablets."
	if _, reason := f.Evaluate(e); reason == "" {
		t.Error("expected exclusion without override term")
	}
}

func TestOverrideTermBypassesRelevanceFloor(t *testing.T) {
	f := defaultFilter(t)
	e := collect.Entry{
		Agency:   "FDA",
		Category: "Pharmaceuticals",
		Title:    "Labeling requirements for combination products",
	}

	fe, reason := f.Evaluate(e)
	if reason != "" {
		t.Fatalf("expected override to include entry without include keywords, excluded: %s", reason)
	}
	if !fe.Combination {
		t.Error("expected combination flag")
	}
	if len(fe.MatchedKeywords) != 0 {
		t.Errorf("expected no include keywords, got %v", fe.MatchedKeywords)
	}

	res := f.Apply([]collect.Entry{e})
	if len(res.Included) != 1 {
		t.Fatalf("expected Apply to include the entry, got %d included", len(res.Included))
	}
}

func TestCriticalKeywordWins(t *testing.T) {
	f := defaultFilter(t)
	fe, reason := f.Evaluate(collect.Entry{
		Agency:   "MHRA",
		Category: "UK - Alerts",
		Title:    "Field safety notice: infusion pump recall",
	})
	if reason != "" {
		t.Fatalf("excluded: %s", reason)
	}
	if fe.Alert != AlertCritical {
		t.Errorf("expected critical, got %q", fe.Alert)
	}
}

func TestSingleHighKeywordIsNotAlert(t *testing.T) {
	f := defaultFilter(t)
	fe, reason := f.Evaluate(collect.Entry{
		Agency:   "EU",
		Category: "EU - MDCG",
		Title:    "MDCG publishes notified body survey results",
	})
	if reason != "" {
		t.Fatalf("excluded: %s", reason)
	}
	if fe.Alert != AlertNone {
		t.Errorf("expected no alert with one high keyword, got %q", fe.Alert)
	}
}

func TestExcludedWithoutDeviceIndicator(t *testing.T) {
	f := defaultFilter(t)
	tests := []struct {
		name  string
		entry collect.Entry
	}{
		{"pharma category", collect.Entry{Agency: "EMA", Category: "Pharmaceuticals", Title: "New biosimilar approved"}},
		{"two exclude keywords", collect.Entry{Agency: "FDA", Category: "Medical Devices", Title: "Generic drug and vaccine pricing update"}},
		{"no match at all", collect.Entry{Agency: "FDA", Category: "Food", Title: "Food additive labelling"}},
		{"unrelated", collect.Entry{Agency: "Misc", Category: "Other", Title: "Staff newsletter"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, reason := f.Evaluate(tt.entry); reason == "" {
				t.Errorf("expected %q to be excluded", tt.entry.Title)
			}
		})
	}
}

func TestFreshness(t *testing.T) {
	f := defaultFilter(t)
	tests := []struct {
		title string
		fresh bool
	}{
		{"MDCG 2020-16 webinar recap", false},
		{"ISO 13485:2016 overview", false},
		{"MDCG 2020-16 rev.3 published", true},
		{"MDCG 2025-4 on clinical evaluation", true},
		{"Guidance on cybersecurity", true},
		{"Notes on ISO 14971:2019", false},
	}
	for _, tt := range tests {
		ok, reason := f.fresh(collect.Entry{Title: tt.title})
		if ok != tt.fresh {
			t.Errorf("fresh(%q) = %v (%s), want %v", tt.title, ok, reason, tt.fresh)
		}
	}
}

func TestScoreFormula(t *testing.T) {
	cfg := config.Filter{
		IncludeCategories: []string{"Medical Devices"},
		IncludeKeywords:   []string{"guidance", "SaMD", "recall"},
		ExcludeKeywords:   []string{"drug"},
		DeviceIndicators:  []string{"SaMD"},
		Scoring: config.Scoring{
			DefaultWeight:  1.0,
			CategoryWeight: 0,
			Weights:        map[string]float64{"samd": 2.0},
			Saturation:     4.0,
			ExcludePenalty: 0.2,
			MinRelevance:   0.1,
		},
	}
	f := New(cfg)

	fe, reason := f.Evaluate(collect.Entry{Category: "Medical Devices", Title: "SaMD guidance"})
	if reason != "" {
		t.Fatalf("excluded: %s", reason)
	}
	if fe.Score != 0.75 {
		t.Errorf("expected (2+1)/4 = 0.75, got %v", fe.Score)
	}

	fe, reason = f.Evaluate(collect.Entry{Category: "Medical Devices", Title: "SaMD guidance for drug labelling"})
	if reason != "" {
		t.Fatalf("excluded: %s", reason)
	}
	if diff := fe.Score - 0.55; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected 0.75 - 0.2 = 0.55, got %v", fe.Score)
	}

	if _, reason := f.Evaluate(collect.Entry{Category: "Medical Devices", Title: "SaMD"}); reason != "" {
		t.Errorf("expected 0.5 to pass the floor, got %s", reason)
	}
}

func TestApplyIsDeterministicAndStable(t *testing.T) {
	f := defaultFilter(t)
	entries := []collect.Entry{
		{Agency: "EU", Category: "EU - MDCG", Title: "MDCG guidance on notified body audits", Link: "a"},
		{Agency: "EU", Category: "EU - MDCG", Title: "MDCG guidance on notified body audits", Link: "b"},
		{Agency: "FDA", Category: "Medical Devices", Title: "Urgent recall of SaMD", Link: "c"},
		{Agency: "EMA", Category: "Pharmaceuticals", Title: "New vaccine guidance", Link: "d"},
	}

	first := f.Apply(entries)
	second := f.Apply(entries)
	if !reflect.DeepEqual(first, second) {
		t.Fatal("expected identical results across runs")
	}
	if len(first.Included) != 3 || len(first.Excluded) != 1 {
		t.Fatalf("expected 3 included, 1 excluded; got %d, %d", len(first.Included), len(first.Excluded))
	}
	var links []string
	for _, fe := range first.Included {
		if fe.Link == "a" || fe.Link == "b" {
			links = append(links, fe.Link)
		}
	}
	if !reflect.DeepEqual(links, []string{"a", "b"}) {
		t.Errorf("expected equal scores to keep fetch order, got %v", links)
	}
	if len(first.HighPriority) == 0 || first.HighPriority[0].Alert != AlertCritical {
		t.Errorf("expected critical entry first in high priority, got %+v", first.HighPriority)
	}
	if got := first.ByCategory()["EU - MDCG"]; len(got) != 2 {
		t.Errorf("expected 2 entries in EU - MDCG, got %d", len(got))
	}
}
