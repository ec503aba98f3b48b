package archive

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lisadonlon/RegulatoryKB/internal/config"
	"github.com/lisadonlon/RegulatoryKB/internal/database"
	"github.com/lisadonlon/RegulatoryKB/internal/logging"
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

func pdfBody(marker string) string {
	return "%PDF-1.7\n" + marker + "\n" + strings.Repeat("0", 2048)
}

type testEnv struct {
	store *Store
	srv   *httptest.Server
	dir   string
	hits  *atomic.Int32
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	hits := &atomic.Int32{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v2.pdf", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, pdfBody("rev2"))
	})
	mux.HandleFunc("/v3", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="mdcg_2020-16_rev3.pdf"`)
		fmt.Fprint(w, pdfBody("rev3"))
	})
	mux.HandleFunc("/mirror.pdf", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, pdfBody("rev2"))
	})
	mux.HandleFunc("/fake.pdf", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		fmt.Fprint(w, "<!DOCTYPE html><html><body>Please log in"+strings.Repeat(" ", 2048)+"</body></html>")
	})
	mux.HandleFunc("/missing.pdf", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	})
	mux.HandleFunc("/flaky.pdf", func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, pdfBody("flaky"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	store := NewStore(openTestDB(t), dir, config.Archive{
		Timeout:          5 * time.Second,
		Attempts:         2,
		MaxDownloadBytes: 1 << 20,
		MinDocumentBytes: 1024,
	}, "archive-test", logging.NewNop())
	store.policy.BaseDelay = 0
	return &testEnv{store: store, srv: srv, dir: dir, hits: hits}
}

func TestImportDocument(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	url := env.srv.URL + "/v2.pdf"

	id, err := env.store.ImportDocument(ctx, url, Metadata{Title: "MDCG 2020-16 rev.2 Guidance on IVD classification", Agency: "EU", ExpectedType: "pdf"})
	if err != nil {
		t.Fatalf("ImportDocument: %v", err)
	}

	doc, err := env.store.db.GetDocument(id)
	if err != nil || doc == nil {
		t.Fatalf("GetDocument: %v %v", doc, err)
	}
	if doc.Jurisdiction != "EU" || doc.Identifier != "MDCG 2020-16" || doc.MimeType != "application/pdf" {
		t.Errorf("unexpected document: %+v", doc)
	}
	if !strings.HasPrefix(doc.FilePath, filepath.Join(env.dir, "eu")) || filepath.Ext(doc.FilePath) != ".pdf" {
		t.Errorf("unexpected file path %q", doc.FilePath)
	}
	if _, err := os.Stat(doc.FilePath); err != nil {
		t.Errorf("archived file missing: %v", err)
	}

	exists, err := env.store.DocumentExists(ctx, "HTTP://"+strings.TrimPrefix(url, "http://")+"?utm=x")
	if err != nil || !exists {
		t.Errorf("expected DocumentExists to match normalized url, got %v %v", exists, err)
	}

	again, err := env.store.ImportDocument(ctx, env.srv.URL+"/mirror.pdf", Metadata{Title: "Mirror copy", Agency: "EU"})
	if err != nil {
		t.Fatalf("re-import: %v", err)
	}
	if again != id {
		t.Errorf("expected identical content to return doc %d, got %d", id, again)
	}
	entries, _ := os.ReadDir(filepath.Join(env.dir, "eu"))
	if len(entries) != 1 {
		t.Errorf("expected one archived file, got %d", len(entries))
	}
}

func TestDetectPriorVersionSupersedes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	oldID, err := env.store.ImportDocument(ctx, env.srv.URL+"/v2.pdf", Metadata{Title: "MDCG 2020-16 rev.2", Agency: "MDCG"})
	if err != nil {
		t.Fatal(err)
	}
	newID, err := env.store.ImportDocument(ctx, env.srv.URL+"/v3", Metadata{Title: "MDCG 2020-16 rev.3", Agency: "MDCG", ExpectedType: "pdf"})
	if err != nil {
		t.Fatal(err)
	}

	diff, err := env.store.DetectPriorVersion(ctx, newID)
	if err != nil {
		t.Fatalf("DetectPriorVersion: %v", err)
	}
	if !diff.Superseded || diff.OldDocID != oldID || diff.ContentMismatch {
		t.Errorf("unexpected diff: %+v", diff)
	}
	if len(diff.Warnings()) != 1 {
		t.Errorf("expected one warning, got %v", diff.Warnings())
	}

	old, _ := env.store.db.GetDocument(oldID)
	if old.IsLatest || old.SupersededBy == nil || *old.SupersededBy != newID {
		t.Errorf("expected old document superseded by %d, got %+v", newID, old)
	}

	diff, err = env.store.DetectPriorVersion(ctx, newID)
	if err != nil {
		t.Fatal(err)
	}
	if diff.Superseded {
		t.Error("second detection should not report supersession again")
	}

	newDoc, _ := env.store.db.GetDocument(newID)
	if filepath.Base(newDoc.FilePath) != "MDCG_2020-16_rev.3.pdf" {
		t.Errorf("unexpected filename %q", filepath.Base(newDoc.FilePath))
	}
}

func TestDetectContentMismatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.store.ImportDocument(ctx, env.srv.URL+"/fake.pdf", Metadata{Title: "Guidance that is really a login page", Agency: "FDA", ExpectedType: "pdf"})
	if err != nil {
		t.Fatal(err)
	}
	diff, err := env.store.DetectPriorVersion(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !diff.ContentMismatch || !strings.Contains(diff.MismatchReason, "HTML") {
		t.Errorf("expected html content mismatch, got %+v", diff)
	}
}

func TestImportDownloadErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.store.ImportDocument(ctx, env.srv.URL+"/missing.pdf", Metadata{Title: "Missing"})
	if !errors.Is(err, ErrDownload) {
		t.Fatalf("expected ErrDownload, got %v", err)
	}
	var derr *DownloadError
	if !errors.As(err, &derr) || derr.Status != http.StatusNotFound {
		t.Errorf("expected 404 DownloadError, got %v", err)
	}
	if n := env.hits.Load(); n != 1 {
		t.Errorf("404 should not be retried, got %d requests", n)
	}

	env.hits.Store(0)
	if _, err := env.store.ImportDocument(ctx, env.srv.URL+"/flaky.pdf", Metadata{Title: "Flaky"}); err != nil {
		t.Errorf("expected retry to recover from 503, got %v", err)
	}

	if _, err := env.store.ImportDocument(ctx, env.srv.URL+"/v2.pdf", Metadata{}); err == nil {
		t.Error("expected error for missing title")
	}
}

func TestImportLocalFile(t *testing.T) {
	env := newTestEnv(t)
	src := filepath.Join(t.TempDir(), "iso.pdf")
	if err := os.WriteFile(src, []byte(pdfBody("local")), 0o644); err != nil {
		t.Fatal(err)
	}
	id, err := env.store.ImportDocument(context.Background(), src, Metadata{Title: "ISO 14971:2019", Agency: "ISO"})
	if err != nil {
		t.Fatalf("ImportDocument: %v", err)
	}
	doc, _ := env.store.db.GetDocument(id)
	if doc.URL != "" || doc.Jurisdiction != "International" || doc.Identifier != "ISO 14971" {
		t.Errorf("unexpected document: %+v", doc)
	}
}

func TestFindByTitleSimilarity(t *testing.T) {
	env := newTestEnv(t)
	db := env.store.db
	db.InsertDocument(database.Document{Title: "Cybersecurity in Medical Devices: Quality System Considerations", Jurisdiction: "US"})
	db.InsertDocument(database.Document{Title: "IEC 62304 Medical device software life cycle", Jurisdiction: "International"})
	db.InsertDocument(database.Document{Title: "Cybersecurity in Medical Devices - Quality System Considerations", Jurisdiction: "EU"})

	doc, score, err := env.store.FindByTitleSimilarity(context.Background(), "Cybersecurity in medical devices: quality system considerations", "US")
	if err != nil {
		t.Fatal(err)
	}
	if doc == nil || doc.Jurisdiction != "US" || score < 0.99 {
		t.Errorf("expected exact US match, got %+v score %v", doc, score)
	}

	doc, _, _ = env.store.FindByTitleSimilarity(context.Background(), "IEC 62304 medical device software lifecycle", "US")
	if doc == nil || doc.Jurisdiction != "International" {
		t.Errorf("expected international document to be searched, got %+v", doc)
	}

	doc, score, _ = env.store.FindByTitleSimilarity(context.Background(), "anything", "Japan")
	if doc != nil || score != 0 {
		t.Errorf("expected no candidates for Japan, got %+v", doc)
	}
}

func TestIdentifier(t *testing.T) {
	tests := map[string]string{
		"MDCG 2020-16 rev.3 Guidance on classification": "MDCG 2020-16",
		"mdcg 2019 11 qualification of software":         "MDCG 2019-11",
		"ISO 13485:2016 Quality management":               "ISO 13485",
		"IEC 62304-1 software":                            "IEC 62304-1",
		"21 CFR Part 820 QMSR final rule":                 "21 CFR Part 820",
		"Regulation (EU) 2017/745 MDR consolidated":       "MDR 2017/745",
		"IVDR 2017/746 corrigendum":                       "IVDR 2017/746",
		"UK MDR 2002 amendment":                           "UK MDR 2002",
		"Draft guidance on AI-enabled devices":            "",
	}
	for title, want := range tests {
		if got := Identifier(title); got != want {
			t.Errorf("Identifier(%q) = %q, want %q", title, got, want)
		}
	}
}

func TestJurisdiction(t *testing.T) {
	tests := map[string]string{
		"FDA":           "US",
		"EU":            "EU",
		"MDCG":          "EU",
		"MHRA":          "UK",
		"TGA":           "Australia",
		"Health Canada": "Canada",
		"IMDRF":         "International",
		"":              "Other",
		"MedTech Dive":  "Other",
	}
	for agency, want := range tests {
		if got := Jurisdiction(agency); got != want {
			t.Errorf("Jurisdiction(%q) = %q, want %q", agency, got, want)
		}
	}
}
