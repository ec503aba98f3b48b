package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lisadonlon/RegulatoryKB/internal/archive"
	"github.com/lisadonlon/RegulatoryKB/internal/compose"
	"github.com/lisadonlon/RegulatoryKB/internal/config"
	"github.com/lisadonlon/RegulatoryKB/internal/database"
	"github.com/lisadonlon/RegulatoryKB/internal/logging"
	"github.com/lisadonlon/RegulatoryKB/internal/mail"
	"github.com/lisadonlon/RegulatoryKB/internal/reply"
)

type mockProvider struct{ calls int }

func (m *mockProvider) Name() string { return "mock/test" }

func (m *mockProvider) Generate(_ context.Context, prompt string, _ int) (string, error) {
	m.calls++
	if strings.Contains(prompt, "tldr_bullets") {
		return `{"tldr_bullets": ["Two device updates from FDA this week"]}`, nil
	}
	return "WHAT HAPPENED: FDA published an update.\nWHY IT MATTERS: Manufacturers must review it.\nACTION NEEDED: Read it.", nil
}

func (m *mockProvider) IsConfigured(context.Context) bool { return true }

type fakeSender struct{ sent []mail.Outgoing }

func (f *fakeSender) Send(_ context.Context, msg mail.Outgoing) (string, error) {
	f.sent = append(f.sent, msg)
	return fmt.Sprintf("digest-%d@test", len(f.sent)), nil
}

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func pdfBody(name string) []byte {
	return []byte("%PDF-1.4\n" + strings.Repeat(name+" regulatory content\n", 300))
}

// newFeedServer serves one RSS feed of two device updates dated today and
// the PDFs they link to.
func newFeedServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/feed.xml", func(w http.ResponseWriter, r *http.Request) {
		pub := time.Now().UTC().Format(time.RFC1123Z)
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprintf(w, `<?xml version="1.0"?>
<rss version="2.0"><channel><title>CDRH</title>
<item><title>FDA issues draft guidance on cybersecurity for medical device software</title>
<link>%[1]s/docs/cyber.pdf</link><pubDate>%[2]s</pubDate>
<description>Draft guidance on premarket cybersecurity submissions.</description></item>
<item><title>FDA announces Class I recall of infusion pump medical device</title>
<link>%[1]s/docs/recall.pdf</link><pubDate>%[2]s</pubDate>
<description>Urgent recall of infusion pumps.</description></item>
</channel></rss>`, srv.URL, pub)
	})
	mux.HandleFunc("/docs/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write(pdfBody(r.URL.Path))
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, feedURL string) *config.Config {
	t.Helper()
	cfg, err := config.Parse(config.DefaultConfigYAML)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Sources.IndexOfIndexes.Enabled = false
	cfg.Sources.Feeds = []config.Feed{{
		URL:      feedURL,
		Name:     "FDA CDRH",
		Agency:   "FDA",
		Category: "Medical Devices - Guidance",
	}}
	cfg.Sources.Fetch.Attempts = 1
	cfg.Summarization.FetchContent = false
	cfg.Summarization.Attempts = 1
	cfg.Archive.Attempts = 1
	cfg.Output.DataDir = t.TempDir()
	cfg.Digest.Recipients = []string{"lisa@example.com"}
	cfg.Digest.SendAttempts = 1
	cfg.Reply.SendConfirmation = false
	return cfg
}

func newTestService(t *testing.T, cfg *config.Config) (*Service, *fakeSender) {
	t.Helper()
	sender := &fakeSender{}
	s, err := NewWithDeps(cfg, openTestDB(t), Deps{Provider: &mockProvider{}, Sender: sender}, logging.NewNop())
	if err != nil {
		t.Fatalf("NewWithDeps: %v", err)
	}
	return s, sender
}

func TestRunFull(t *testing.T) {
	srv := newFeedServer(t)
	s, sender := newTestService(t, testConfig(t, srv.URL+"/feed.xml"))
	ctx := context.Background()

	res := s.RunFull(ctx, compose.Weekly, Options{})
	if err := res.Err(); err != nil {
		for _, st := range res.Steps {
			t.Logf("%s: %s %v", st.Name, st.Summary, st.Err)
		}
		t.Fatalf("RunFull: %v", err)
	}
	names := make([]string, len(res.Steps))
	for i, st := range res.Steps {
		names[i] = st.Name
	}
	if got := strings.Join(names, ","); got != "Fetch,Filter,Analyze,Summarize,Compose,Deliver" {
		t.Errorf("steps = %s", got)
	}

	if len(sender.sent) != 1 || sender.sent[0].To[0] != "lisa@example.com" {
		t.Fatalf("expected one digest to lisa@example.com, got %+v", sender.sent)
	}
	if res.Digest.EntryCount() != 2 || res.Digest.Digest.Status != database.DigestSent {
		t.Errorf("digest = %+v", res.Digest.Digest)
	}
	if !strings.Contains(sender.sent[0].Text, "Manufacturers must review it.") {
		t.Errorf("digest text lacks summaries:\n%s", sender.sent[0].Text)
	}

	pending, err := s.ListPending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Errorf("expected 2 pending downloads, got %d", len(pending))
	}

	runs, err := s.DB().ListRunReports(5)
	if err != nil || len(runs) != 1 {
		t.Fatalf("run reports = %v, %v", runs, err)
	}
	if runs[0].RunID != res.RunID || runs[0].Status != "succeeded" || runs[0].EntriesFetched != 2 || runs[0].DigestID == nil {
		t.Errorf("run report = %+v", runs[0])
	}

	// A reader replies with an entry id from the digest.
	entryID := res.Digest.Sections[0].Lines[0].EntryID
	out := s.DownloadByEntryID(ctx, []string{entryID}, "")
	if len(out) != 1 || out[0].Status != reply.StatusDownloaded {
		t.Fatalf("download outcome = %+v", out)
	}
	entry, _ := s.DB().GetDigestEntry(entryID)
	if entry.DownloadStatus != database.DownloadDone {
		t.Errorf("entry status = %s", entry.DownloadStatus)
	}

	// Approving the queue imports the other document; the one already
	// downloaded is found in the archive.
	if _, err := s.ApproveAll(); err != nil {
		t.Fatal(err)
	}
	report, err := s.DownloadApproved(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Downloaded != 2 || report.Failed != 0 {
		t.Errorf("download report = %+v", report)
	}
	st, err := s.Status()
	if err != nil {
		t.Fatal(err)
	}
	if st.Stats.Documents != 2 || st.Stats.DigestsSent != 1 || st.Provider != "mock/test" || !st.MailSender {
		t.Errorf("status = %+v %+v", st, st.Stats)
	}
}

func TestRunFullMarksArchivedEntries(t *testing.T) {
	srv := newFeedServer(t)
	s, sender := newTestService(t, testConfig(t, srv.URL+"/feed.xml"))
	ctx := context.Background()

	docID, err := s.archive.ImportDocument(ctx, srv.URL+"/docs/cyber.pdf", archive.Metadata{
		Title:  "Cybersecurity in medical devices",
		Agency: "FDA",
	})
	if err != nil {
		t.Fatalf("ImportDocument: %v", err)
	}

	res := s.RunFull(ctx, compose.Weekly, Options{})
	if err := res.Err(); err != nil {
		t.Fatalf("RunFull: %v", err)
	}
	if res.Digest.EntryCount() != 2 {
		t.Fatalf("expected both entries in the digest, got %d", res.Digest.EntryCount())
	}

	var held *compose.Line
	for _, sec := range res.Digest.Sections {
		for i, l := range sec.Lines {
			if strings.HasSuffix(l.Entry.Link, "/docs/cyber.pdf") {
				held = &sec.Lines[i]
			}
		}
	}
	if held == nil {
		t.Fatal("archived entry missing from digest")
	}
	entry, err := s.DB().GetDigestEntry(held.EntryID)
	if err != nil || entry == nil {
		t.Fatalf("GetDigestEntry: %v", err)
	}
	if entry.DownloadStatus != database.DownloadDone || entry.KBDocID == nil || *entry.KBDocID != docID {
		t.Errorf("archived entry = status %s kb_doc_id %v, want downloaded #%d", entry.DownloadStatus, entry.KBDocID, docID)
	}
	if !strings.Contains(sender.sent[0].Text, fmt.Sprintf("Already in the knowledge base (KB #%d)", docID)) {
		t.Errorf("digest does not mark the archived entry:\n%s", sender.sent[0].Text)
	}

	pending, err := s.ListPending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || !strings.HasSuffix(pending[0].URL, "/docs/recall.pdf") {
		t.Errorf("expected only the recall queued, got %+v", pending)
	}

	// Asking for the archived entry is a no-op.
	out := s.DownloadByEntryID(ctx, []string{held.EntryID}, "")
	if len(out) != 1 || !out[0].Succeeded() {
		t.Errorf("download outcome = %+v", out)
	}
	if st, _ := s.Status(); st.Stats.Documents != 1 {
		t.Errorf("expected no second import, documents = %d", st.Stats.Documents)
	}
}

func TestRunFullDryRun(t *testing.T) {
	srv := newFeedServer(t)
	s, sender := newTestService(t, testConfig(t, srv.URL+"/feed.xml"))

	res := s.RunFull(context.Background(), compose.Weekly, Options{DryRun: true})
	if err := res.Err(); err != nil {
		t.Fatalf("RunFull: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Error("dry run must not send")
	}
	if _, err := os.Stat(res.Delivery.PreviewPath); err != nil {
		t.Errorf("preview not written: %v", err)
	}
	if pending, _ := s.ListPending(); len(pending) != 0 {
		t.Errorf("dry run queued %d downloads", len(pending))
	}
	if d, _ := s.DB().LatestSentDigest(); d != nil {
		t.Error("dry-run digest must not be marked sent")
	}
}

func TestSendDigestSkipsQueue(t *testing.T) {
	srv := newFeedServer(t)
	s, sender := newTestService(t, testConfig(t, srv.URL+"/feed.xml"))

	res := s.SendDigest(context.Background(), compose.Daily, Options{})
	if err := res.Err(); err != nil {
		t.Fatalf("SendDigest: %v", err)
	}
	for _, st := range res.Steps {
		if st.Name == "Analyze" {
			t.Error("SendDigest should not analyze")
		}
	}
	if len(sender.sent) != 1 || !strings.Contains(sender.sent[0].Subject, "Daily Alert") {
		t.Errorf("sent = %+v", sender.sent)
	}

	// The same alerts are not repeated in the next daily digest.
	res = s.SendDigest(context.Background(), compose.Daily, Options{})
	if res.Err() != nil || res.Digest != nil || len(sender.sent) != 1 {
		t.Errorf("second daily sent again: %+v", res.Steps)
	}
}

func TestRunFullFailsWhenEverySourceFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()
	s, sender := newTestService(t, testConfig(t, srv.URL+"/feed.xml"))

	res := s.RunFull(context.Background(), compose.Weekly, Options{})
	if res.Err() == nil || len(res.Steps) != 1 {
		t.Fatalf("expected fetch failure, got %+v", res.Steps)
	}
	if len(sender.sent) != 0 {
		t.Error("nothing should be sent")
	}
	runs, _ := s.DB().ListRunReports(1)
	if len(runs) != 1 || runs[0].Status != "failed" || runs[0].ErrorMessage == nil {
		t.Errorf("run report = %+v", runs)
	}
}

func TestSync(t *testing.T) {
	srv := newFeedServer(t)
	s, _ := newTestService(t, testConfig(t, srv.URL+"/feed.xml"))

	res, err := s.Sync(context.Background(), 7, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Filter.Included) != 2 || res.Analysis.New != 2 || res.Analysis.PendingCreated != 0 {
		t.Errorf("sync = %+v %+v", res.Filter, res.Analysis)
	}

	res, err = s.Sync(context.Background(), 7, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Analysis.PendingCreated != 2 {
		t.Errorf("queued %d", res.Analysis.PendingCreated)
	}
	if err := s.Reject([]int64{1}); err != nil {
		t.Fatal(err)
	}
	if pending, _ := s.ListPending(); len(pending) != 1 {
		t.Errorf("pending after reject = %d", len(pending))
	}
}

func TestGenerateSummaries(t *testing.T) {
	srv := newFeedServer(t)
	s, _ := newTestService(t, testConfig(t, srv.URL+"/feed.xml"))

	res, err := s.GenerateSummaries(context.Background(), SummaryOptions{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entries) != 1 || res.Batch.Generated != 1 {
		t.Errorf("result = %d entries, %+v", len(res.Entries), res.Batch)
	}
	n, _, err := s.CacheStats()
	if err != nil || n != 1 {
		t.Errorf("cache = %d, %v", n, err)
	}
}

func TestRunnerBindsCadences(t *testing.T) {
	srv := newFeedServer(t)
	s, _ := newTestService(t, testConfig(t, srv.URL+"/feed.xml"))

	r, err := s.Runner()
	if err != nil {
		t.Fatal(err)
	}
	ran, err := r.RunDue(context.Background())
	if err != nil {
		t.Fatalf("RunDue: %v", err)
	}
	// No inbox is configured, so reply_poll is not bound.
	if len(ran) != 3 {
		t.Errorf("ran = %v", ran)
	}
}
