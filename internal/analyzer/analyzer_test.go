package analyzer

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lisadonlon/RegulatoryKB/internal/archive"
	"github.com/lisadonlon/RegulatoryKB/internal/collect"
	"github.com/lisadonlon/RegulatoryKB/internal/config"
	"github.com/lisadonlon/RegulatoryKB/internal/database"
	"github.com/lisadonlon/RegulatoryKB/internal/filter"
	"github.com/lisadonlon/RegulatoryKB/internal/logging"
	"github.com/lisadonlon/RegulatoryKB/internal/resolver"
	"github.com/lisadonlon/RegulatoryKB/internal/textmatch"
)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type fakeArchive struct {
	urls      map[string]bool
	docs      []database.Document
	importErr map[string]error
	imported  []string
	nextID    int64
}

func (f *fakeArchive) DocumentExists(ctx context.Context, url string) (bool, error) {
	return f.urls[textmatch.NormalizeURL(url)], nil
}

func (f *fakeArchive) FindByTitleSimilarity(ctx context.Context, title, jurisdiction string) (*database.Document, float64, error) {
	var best *database.Document
	var bestScore float64
	for i := range f.docs {
		if s := textmatch.Similarity(title, f.docs[i].Title); s > bestScore {
			best, bestScore = &f.docs[i], s
		}
	}
	return best, bestScore, nil
}

func (f *fakeArchive) ImportDocument(ctx context.Context, source string, meta archive.Metadata) (int64, error) {
	if err := f.importErr[source]; err != nil {
		return 0, err
	}
	f.imported = append(f.imported, source)
	f.nextID++
	return f.nextID, nil
}

func (f *fakeArchive) DetectPriorVersion(ctx context.Context, docID int64) (*archive.VersionDiff, error) {
	return &archive.VersionDiff{NewDocID: docID}, nil
}

type fakeResolver struct {
	results map[string]resolver.Result
	calls   int
}

func (f *fakeResolver) Resolve(ctx context.Context, url string) resolver.Result {
	f.calls++
	if r, ok := f.results[url]; ok {
		return r
	}
	return resolver.Result{OriginalURL: url, Error: "HTTP 404", NeedsManual: true}
}

func entry(title, link string) filter.FilteredEntry {
	return filter.FilteredEntry{
		Entry: collect.Entry{
			Date:     time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC),
			Agency:   "FDA",
			Category: "Medical Devices - Guidance",
			Title:    title,
			Link:     link,
		},
		Score:           0.8,
		MatchedKeywords: []string{"guidance"},
	}
}

func direct(url string) resolver.Result {
	return resolver.Result{Success: true, OriginalURL: url, ResolvedURL: url, DocumentType: resolver.TypePDF}
}

func newTestAnalyzer(t *testing.T, arc *fakeArchive, res *fakeResolver) (*Analyzer, *database.DB) {
	t.Helper()
	db := openTestDB(t)
	a := New(db, arc, res, config.Analyzer{TitleMatchThreshold: 0.92, AmbiguousFloor: 0.75}, logging.NewNop())
	return a, db
}

func TestAnalyzeClassifications(t *testing.T) {
	arc := &fakeArchive{
		urls: map[string]bool{"fda.gov/held.pdf": true, "fda.gov/final/held-again.pdf": true},
		docs: []database.Document{
			{ID: 7, Title: "Cybersecurity in Medical Devices: Quality System Considerations"},
			{ID: 8, Title: "Predetermined Change Control Plans for Machine Learning-Enabled Device Software Functions"},
		},
	}
	res := &fakeResolver{results: map[string]resolver.Result{
		"https://fda.gov/new.pdf":    direct("https://fda.gov/new.pdf"),
		"https://bit.ly/x":           {Success: true, OriginalURL: "https://bit.ly/x", ResolvedURL: "https://fda.gov/final/held-again.pdf", DocumentType: resolver.TypePDF},
		"https://iso.org/standard/1": {OriginalURL: "https://iso.org/standard/1", IsPaid: true, NeedsManual: true},
		"https://fda.gov/page":       {Success: true, ResolvedURL: "https://fda.gov/page", DocumentType: resolver.TypeHTML, NeedsManual: true},
	}}
	a, db := newTestAnalyzer(t, arc, res)

	entries := []filter.FilteredEntry{
		entry("Some held guidance", "https://www.fda.gov/held.pdf"),
		entry("Cybersecurity in Medical Devices - Quality System Considerations", "https://fda.gov/cyber"),
		entry("Predetermined Change Control Plans for AI-Enabled Device Software Functions", "https://fda.gov/pccp"),
		entry("New draft guidance", "https://fda.gov/new.pdf"),
		entry("Shortened link to held doc", "https://bit.ly/x"),
		entry("ISO 14971 amendment", "https://iso.org/standard/1"),
		entry("Press release", "https://fda.gov/page"),
		entry("Broken link", "https://fda.gov/gone"),
	}
	s := a.Analyze(context.Background(), entries, Options{})

	if len(s.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", s.Errors)
	}
	want := []struct {
		class  Classification
		reason string
	}{
		{InKB, ""},
		{InKB, ""},
		{RequiresManual, ReasonAmbiguousTitle},
		{NewDownloadable, ""},
		{InKB, ""},
		{RequiresManual, resolver.ReasonPaywalled},
		{RequiresManual, resolver.ReasonNotDocument},
		{RequiresManual, resolver.ReasonUnresolved},
	}
	for i, w := range want {
		got := s.Results[i]
		if got.Classification != w.class || got.ManualReason != w.reason {
			t.Errorf("%q: got %s/%q, want %s/%q", got.Entry.Title, got.Classification, got.ManualReason, w.class, w.reason)
		}
	}
	if s.Results[0].Match == nil || s.Results[0].Match.Type != MatchURL {
		t.Errorf("expected url match, got %+v", s.Results[0].Match)
	}
	if m := s.Results[1].Match; m == nil || m.DocID != 7 || m.Type != MatchTitle {
		t.Errorf("expected title match on doc 7, got %+v", m)
	}
	if m := s.Results[2].Match; m == nil || m.DocID != 8 || m.Confidence >= 0.92 {
		t.Errorf("expected ambiguous match on doc 8, got %+v", m)
	}
	if s.InKB != 3 || s.New != 1 || s.Manual != 4 || s.PendingCreated != 1 {
		t.Errorf("unexpected counts: %+v", s)
	}

	pending, err := db.ListPending(nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].URL != "https://fda.gov/new.pdf" || pending[0].Status != database.StatusPending {
		t.Errorf("unexpected pending queue: %+v", pending)
	}
	if s.Results[3].PendingID != pending[0].ID {
		t.Errorf("result should carry pending id %d, got %d", pending[0].ID, s.Results[3].PendingID)
	}
	if res.calls != 5 {
		t.Errorf("archive hits should not be resolved, got %d resolver calls", res.calls)
	}
}

func TestAnalyzeIsIdempotentForQueue(t *testing.T) {
	res := &fakeResolver{results: map[string]resolver.Result{"https://fda.gov/new.pdf": direct("https://fda.gov/new.pdf")}}
	a, db := newTestAnalyzer(t, &fakeArchive{}, res)
	entries := []filter.FilteredEntry{entry("New draft guidance", "https://fda.gov/new.pdf")}

	first := a.Analyze(context.Background(), entries, Options{})
	second := a.Analyze(context.Background(), entries, Options{})
	if first.PendingCreated != 1 || second.PendingCreated != 0 {
		t.Errorf("expected one queue row across runs, got %d then %d", first.PendingCreated, second.PendingCreated)
	}
	if first.Results[0].PendingID != second.Results[0].PendingID {
		t.Error("expected second run to report the existing pending id")
	}
	counts, _ := db.PendingCountsByStatus()
	if counts[database.StatusPending] != 1 {
		t.Errorf("unexpected counts %v", counts)
	}
}

func TestAnalyzeNoQueue(t *testing.T) {
	res := &fakeResolver{results: map[string]resolver.Result{"https://fda.gov/new.pdf": direct("https://fda.gov/new.pdf")}}
	a, db := newTestAnalyzer(t, &fakeArchive{}, res)
	s := a.Analyze(context.Background(), []filter.FilteredEntry{entry("New", "https://fda.gov/new.pdf")}, Options{NoQueue: true})
	if s.New != 1 || s.PendingCreated != 0 {
		t.Errorf("unexpected summary %+v", s)
	}
	if items, _ := db.ListPending(nil, 0); len(items) != 0 {
		t.Errorf("expected empty queue, got %d", len(items))
	}
}

type failingArchive struct{ fakeArchive }

func (f *failingArchive) FindByTitleSimilarity(ctx context.Context, title, jurisdiction string) (*database.Document, float64, error) {
	if strings.Contains(title, "boom") {
		return nil, 0, errors.New("database is locked")
	}
	return nil, 0, nil
}

func TestAnalyzeIsolatesEntryFailures(t *testing.T) {
	res := &fakeResolver{results: map[string]resolver.Result{"https://fda.gov/new.pdf": direct("https://fda.gov/new.pdf")}}
	a, _ := newTestAnalyzer(t, nil, res)
	a.archive = &failingArchive{}

	s := a.Analyze(context.Background(), []filter.FilteredEntry{
		entry("boom", "https://fda.gov/boom"),
		entry("fine", "https://fda.gov/new.pdf"),
	}, Options{})
	if len(s.Errors) != 1 || len(s.Results) != 1 || s.Results[0].Classification != NewDownloadable {
		t.Errorf("expected one error and one classified entry, got %+v", s)
	}
}

func TestQueueTransitions(t *testing.T) {
	db := openTestDB(t)
	q := NewQueue(db, &fakeArchive{}, logging.NewNop())
	a, _, _ := db.InsertPending(database.NewPending{Title: "A", URL: "https://fda.gov/a.pdf"})
	b, _, _ := db.InsertPending(database.NewPending{Title: "B", URL: "https://fda.gov/b.pdf"})

	if err := q.Approve([]int64{a}); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if err := q.Reject([]int64{a}); !errors.Is(err, database.ErrInvalidTransition) {
		t.Errorf("reject after approve: expected ErrInvalidTransition, got %v", err)
	}
	if err := q.Reject([]int64{b}); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if err := q.MarkDownloaded(b, 1); !errors.Is(err, database.ErrInvalidTransition) {
		t.Errorf("download after reject: expected ErrInvalidTransition, got %v", err)
	}

	err := q.Approve([]int64{b, 999})
	var terr *database.TransitionError
	if !errors.As(err, &terr) || terr.ID != b || terr.From != database.StatusRejected {
		t.Errorf("expected transition error for %d, got %v", b, err)
	}
	if !errors.Is(err, database.ErrNotFound) {
		t.Errorf("expected not-found for 999 joined in, got %v", err)
	}

	got, _ := q.Get(a)
	if got.Status != database.StatusApproved {
		t.Errorf("expected approved, got %s", got.Status)
	}
}

func TestDownloadApproved(t *testing.T) {
	db := openTestDB(t)
	arc := &fakeArchive{importErr: map[string]error{
		"https://fda.gov/bad.pdf": &archive.DownloadError{URL: "https://fda.gov/bad.pdf", Status: 404},
	}}
	q := NewQueue(db, arc, logging.NewNop())

	good, _, _ := db.InsertPending(database.NewPending{Title: "Good", URL: "https://fda.gov/good.pdf", RelevanceScore: 0.9})
	bad, _, _ := db.InsertPending(database.NewPending{Title: "Bad", URL: "https://fda.gov/bad.pdf", RelevanceScore: 0.5})
	waiting, _, _ := db.InsertPending(database.NewPending{Title: "Waiting", URL: "https://fda.gov/wait.pdf"})
	if err := q.Approve([]int64{good, bad}); err != nil {
		t.Fatal(err)
	}

	report, err := q.DownloadApproved(context.Background())
	if err != nil {
		t.Fatalf("DownloadApproved: %v", err)
	}
	if report.Downloaded != 1 || report.Failed != 1 {
		t.Errorf("unexpected report %+v", report)
	}
	if len(arc.imported) != 1 || arc.imported[0] != "https://fda.gov/good.pdf" {
		t.Errorf("unexpected imports %v", arc.imported)
	}

	g, _ := db.GetPending(good)
	if g.Status != database.StatusDownloaded || g.ArchiveDocID == nil || *g.ArchiveDocID != 1 {
		t.Errorf("unexpected good row %+v", g)
	}
	b, _ := db.GetPending(bad)
	if b.Status != database.StatusFailed || b.ErrorMessage == nil || !strings.Contains(*b.ErrorMessage, "404") {
		t.Errorf("unexpected bad row %+v", b)
	}
	w, _ := db.GetPending(waiting)
	if w.Status != database.StatusPending {
		t.Errorf("unapproved row should be untouched, got %s", w.Status)
	}

	again, _ := q.DownloadApproved(context.Background())
	if len(again.Outcomes) != 0 {
		t.Errorf("second pass should find nothing approved, got %d", len(again.Outcomes))
	}
}

func TestDownloadApprovedSkipsClaimedItem(t *testing.T) {
	db := openTestDB(t)
	arc := &fakeArchive{}
	q := NewQueue(db, arc, logging.NewNop())
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	held, _, _ := db.InsertPending(database.NewPending{Title: "Held", URL: "https://fda.gov/held.pdf", RelevanceScore: 0.9})
	free, _, _ := db.InsertPending(database.NewPending{Title: "Free", URL: "https://fda.gov/free.pdf", RelevanceScore: 0.5})
	if err := q.Approve([]int64{held, free}); err != nil {
		t.Fatal(err)
	}
	if ok, err := db.ClaimPending(held, now.Add(-time.Minute), DefaultClaimTTL); err != nil || !ok {
		t.Fatalf("ClaimPending: %v, %v", ok, err)
	}

	report, err := q.DownloadApproved(context.Background())
	if err != nil {
		t.Fatalf("DownloadApproved: %v", err)
	}
	if report.Downloaded != 1 || report.Failed != 0 || report.Skipped != 1 {
		t.Errorf("unexpected report %+v", report)
	}
	if len(arc.imported) != 1 || arc.imported[0] != "https://fda.gov/free.pdf" {
		t.Errorf("unexpected imports %v", arc.imported)
	}
	if h, _ := db.GetPending(held); h.Status != database.StatusApproved {
		t.Errorf("claimed row should stay approved, got %s", h.Status)
	}

	// Once the claim goes stale the row is picked up.
	q.now = func() time.Time { return now.Add(time.Hour) }
	report, err = q.DownloadApproved(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Downloaded != 1 || report.Skipped != 0 {
		t.Errorf("unexpected report after TTL %+v", report)
	}
}
