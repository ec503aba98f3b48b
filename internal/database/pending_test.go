package database

import (
	"errors"
	"testing"
	"time"
)

func queue(t *testing.T, db *DB, url string, score float64) int64 {
	t.Helper()
	id, created, err := db.InsertPending(NewPending{
		Title: "Doc " + url, URL: url, Agency: "FDA", Category: "Medical Devices",
		EntryDate: "2026-02-01", RelevanceScore: score, Keywords: []string{"guidance", "AI"},
	})
	if err != nil {
		t.Fatalf("InsertPending: %v", err)
	}
	if !created {
		t.Fatalf("expected %s to be newly queued", url)
	}
	return id
}

func TestInsertPendingIsIdempotentByURL(t *testing.T) {
	db := openTestDB(t)
	id := queue(t, db, "https://fda.gov/x.pdf", 0.5)

	again, created, err := db.InsertPending(NewPending{Title: "Other", URL: "https://fda.gov/x.pdf"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created {
		t.Error("expected duplicate URL not to create a row")
	}
	if again != id {
		t.Errorf("expected existing id %d, got %d", id, again)
	}

	p, err := db.GetPending(id)
	if err != nil || p == nil {
		t.Fatalf("GetPending: %v", err)
	}
	if p.Title != "Doc https://fda.gov/x.pdf" || p.Status != StatusPending {
		t.Errorf("unexpected row %+v", p)
	}
	if len(p.Keywords) != 2 || p.Keywords[1] != "AI" {
		t.Errorf("keywords not round-tripped: %v", p.Keywords)
	}
}

func TestGetPendingNotFound(t *testing.T) {
	db := openTestDB(t)
	p, err := db.GetPending(42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != nil {
		t.Error("expected nil for missing row")
	}
}

func TestPendingLifecycle(t *testing.T) {
	db := openTestDB(t)
	id := queue(t, db, "https://fda.gov/a.pdf", 0.9)

	if err := db.TransitionPending(id, StatusApproved, nil, nil); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := db.TransitionPending(id, StatusDownloaded, ptr(int64(7)), nil); err != nil {
		t.Fatalf("mark downloaded: %v", err)
	}
	p, _ := db.GetPending(id)
	if p.Status != StatusDownloaded || p.ArchiveDocID == nil || *p.ArchiveDocID != 7 {
		t.Errorf("unexpected row after download: %+v", p)
	}
}

func TestRejectAfterApproveFails(t *testing.T) {
	db := openTestDB(t)
	id := queue(t, db, "https://fda.gov/a.pdf", 0.9)
	if err := db.TransitionPending(id, StatusApproved, nil, nil); err != nil {
		t.Fatal(err)
	}

	err := db.TransitionPending(id, StatusRejected, nil, nil)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	var te *TransitionError
	if !errors.As(err, &te) || te.From != StatusApproved || te.To != StatusRejected {
		t.Errorf("unexpected transition error %#v", err)
	}
	p, _ := db.GetPending(id)
	if p.Status != StatusApproved {
		t.Errorf("status changed despite rejection: %s", p.Status)
	}
}

func TestDownloadAfterRejectFails(t *testing.T) {
	db := openTestDB(t)
	id := queue(t, db, "https://fda.gov/a.pdf", 0.9)
	if err := db.TransitionPending(id, StatusRejected, nil, nil); err != nil {
		t.Fatal(err)
	}
	for _, to := range []PendingStatus{StatusDownloaded, StatusFailed, StatusApproved, StatusPending} {
		if err := db.TransitionPending(id, to, nil, nil); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("rejected -> %s: expected ErrInvalidTransition, got %v", to, err)
		}
	}
}

func TestTransitionMissingRow(t *testing.T) {
	db := openTestDB(t)
	err := db.TransitionPending(99, StatusApproved, nil, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCanTransition(t *testing.T) {
	legal := [][2]PendingStatus{
		{StatusPending, StatusApproved},
		{StatusPending, StatusRejected},
		{StatusApproved, StatusDownloaded},
		{StatusApproved, StatusFailed},
	}
	for _, tr := range legal {
		if !CanTransition(tr[0], tr[1]) {
			t.Errorf("%s -> %s should be legal", tr[0], tr[1])
		}
	}
	illegal := [][2]PendingStatus{
		{StatusApproved, StatusPending},
		{StatusApproved, StatusRejected},
		{StatusRejected, StatusDownloaded},
		{StatusDownloaded, StatusFailed},
		{StatusFailed, StatusApproved},
		{StatusPending, StatusDownloaded},
	}
	for _, tr := range illegal {
		if CanTransition(tr[0], tr[1]) {
			t.Errorf("%s -> %s should be illegal", tr[0], tr[1])
		}
	}
}

func TestListPendingOrderingAndFilter(t *testing.T) {
	db := openTestDB(t)
	low := queue(t, db, "https://a/1.pdf", 0.2)
	high := queue(t, db, "https://a/2.pdf", 0.8)
	mid := queue(t, db, "https://a/3.pdf", 0.5)
	db.TransitionPending(mid, StatusRejected, nil, nil)

	all, err := db.ListPending(nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != high || all[2].ID != low {
		t.Errorf("expected relevance order, got %+v", all)
	}

	pending, err := db.ListPending([]PendingStatus{StatusPending}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Errorf("expected 2 pending, got %d", len(pending))
	}

	limited, _ := db.ListPending(nil, 1)
	if len(limited) != 1 {
		t.Errorf("expected limit 1, got %d", len(limited))
	}
}

func TestApproveAllPending(t *testing.T) {
	db := openTestDB(t)
	queue(t, db, "https://a/1.pdf", 0.2)
	queue(t, db, "https://a/2.pdf", 0.3)
	rej := queue(t, db, "https://a/3.pdf", 0.4)
	db.TransitionPending(rej, StatusRejected, nil, nil)

	n, err := db.ApproveAllPending()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 approved, got %d", n)
	}
	counts, _ := db.PendingCountsByStatus()
	if counts[StatusApproved] != 2 || counts[StatusRejected] != 1 || counts[StatusPending] != 0 {
		t.Errorf("unexpected counts %v", counts)
	}
}

func TestClaimPending(t *testing.T) {
	db := openTestDB(t)
	id := queue(t, db, "https://fda.gov/claim.pdf", 0.5)
	now := time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)

	if ok, err := db.ClaimPending(id, now, 30*time.Minute); err != nil || ok {
		t.Fatalf("claiming an unapproved row = %v, %v", ok, err)
	}
	if err := db.TransitionPending(id, StatusApproved, nil, nil); err != nil {
		t.Fatal(err)
	}
	if ok, err := db.ClaimPending(id, now, 30*time.Minute); err != nil || !ok {
		t.Fatalf("first claim = %v, %v", ok, err)
	}
	if ok, _ := db.ClaimPending(id, now.Add(time.Minute), 30*time.Minute); ok {
		t.Error("second claim within the TTL must fail")
	}
	if ok, _ := db.ClaimPending(id, now.Add(time.Hour), 30*time.Minute); !ok {
		t.Error("expected stale claim to be taken over")
	}

	docID := int64(3)
	if err := db.TransitionPending(id, StatusDownloaded, &docID, nil); err != nil {
		t.Fatal(err)
	}
	if ok, _ := db.ClaimPending(id, now.Add(2*time.Hour), 30*time.Minute); ok {
		t.Error("a downloaded row cannot be claimed")
	}
}

func TestScanPendingToleratesBadKeywords(t *testing.T) {
	db := openTestDB(t)
	id := queue(t, db, "https://fda.gov/kw.pdf", 0.5)
	if _, err := db.conn.Exec("UPDATE pending_downloads SET keywords = 'not json' WHERE id = ?", id); err != nil {
		t.Fatal(err)
	}

	p, err := db.GetPending(id)
	if err != nil || p == nil {
		t.Fatalf("GetPending: %v", err)
	}
	if p.Keywords != nil {
		t.Errorf("expected unreadable keywords dropped, got %v", p.Keywords)
	}
}
