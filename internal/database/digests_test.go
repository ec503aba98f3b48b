package database

import (
	"errors"
	"testing"
	"time"
)

func item(hash, title string) DigestItemInput {
	return DigestItemInput{
		EntryHash: hash, Title: title, Link: "https://fda.gov/" + hash,
		Agency: "FDA", Category: "Medical Devices", EntryDate: "2026-03-01",
	}
}

func recordAndSend(t *testing.T, db *DB, typ, date, lookback string, items ...DigestItemInput) (*Digest, []DigestEntry) {
	t.Helper()
	d, entries, err := db.RecordDigest(typ, date, lookback, items)
	if err != nil {
		t.Fatalf("RecordDigest: %v", err)
	}
	if err := db.MarkDigestSent(d.ID, "<"+typ+date+"@test>", time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("MarkDigestSent: %v", err)
	}
	return d, entries
}

func TestRecordDigestAssignsSequentialIDs(t *testing.T) {
	db := openTestDB(t)
	d, entries, err := db.RecordDigest("weekly", "2026-03-02", "2026-01-26",
		[]DigestItemInput{item("h1", "One"), item("h2", "Two"), item("h3", "Three")})
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != DigestComposed || d.EntryCount != 3 {
		t.Errorf("unexpected digest %+v", d)
	}
	want := []string{"20260302-01", "20260302-02", "20260302-03"}
	for i, e := range entries {
		if e.EntryID != want[i] {
			t.Errorf("entry %d: got %s want %s", i, e.EntryID, want[i])
		}
		if e.DownloadStatus != DownloadPending {
			t.Errorf("entry %d: unexpected status %s", i, e.DownloadStatus)
		}
	}
}

func TestRecordDigestReusesHashWithinLookback(t *testing.T) {
	db := openTestDB(t)
	_, daily := recordAndSend(t, db, "daily", "2026-03-02", "2026-01-26", item("same", "AI guidance"))
	_, weekly := recordAndSend(t, db, "weekly", "2026-03-09", "2026-02-02",
		item("new", "Something else"), item("same", "AI guidance"))

	if len(weekly) != 2 {
		t.Fatalf("expected 2 weekly entries, got %d", len(weekly))
	}
	if weekly[1].EntryID != daily[0].EntryID {
		t.Errorf("same hash got a second id: %s vs %s", weekly[1].EntryID, daily[0].EntryID)
	}
	if weekly[0].EntryID != "20260309-01" {
		t.Errorf("expected fresh id for new hash, got %s", weekly[0].EntryID)
	}
	if weekly[1].LastDigestDate != "2026-03-09" {
		t.Errorf("expected last digest date to advance, got %s", weekly[1].LastDigestDate)
	}
}

func TestRecordDigestNewIDOutsideLookbackCarriesDownload(t *testing.T) {
	db := openTestDB(t)
	_, first := recordAndSend(t, db, "weekly", "2026-01-05", "2025-12-01", item("old", "Old update"))
	if out, err := db.ClaimEntry(first[0].EntryID, time.Now(), time.Minute); err != nil || out != ClaimAcquired {
		t.Fatalf("claim: %v %v", out, err)
	}
	if err := db.CompleteEntry(first[0].EntryID, 11, "https://fda.gov/old.pdf"); err != nil {
		t.Fatal(err)
	}

	_, later := recordAndSend(t, db, "weekly", "2026-03-09", "2026-02-02", item("old", "Old update"))
	if later[0].EntryID == first[0].EntryID {
		t.Fatal("expected a new id outside the lookback window")
	}
	if later[0].DownloadStatus != DownloadDone || later[0].KBDocID == nil || *later[0].KBDocID != 11 {
		t.Errorf("expected downloaded state to carry over, got %+v", later[0])
	}
}

func TestRecordDigestCollapsesDuplicateHashes(t *testing.T) {
	db := openTestDB(t)
	d, entries, err := db.RecordDigest("weekly", "2026-03-02", "2026-01-26",
		[]DigestItemInput{item("dup", "A"), item("dup", "A again")})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || d.EntryCount != 1 {
		t.Errorf("expected one entry, got %d (count %d)", len(entries), d.EntryCount)
	}
}

func TestSequenceSharedAcrossDigestsOfSameDate(t *testing.T) {
	db := openTestDB(t)
	_, a, _ := db.RecordDigest("daily", "2026-03-02", "2026-01-26", []DigestItemInput{item("a", "A")})
	_, b, _ := db.RecordDigest("weekly", "2026-03-02", "2026-01-26", []DigestItemInput{item("b", "B")})
	if a[0].EntryID != "20260302-01" || b[0].EntryID != "20260302-02" {
		t.Errorf("expected monotonic ids per date, got %s and %s", a[0].EntryID, b[0].EntryID)
	}
}

func TestLookupDeliveredEntryRequiresSentDigest(t *testing.T) {
	db := openTestDB(t)
	_, entries, _ := db.RecordDigest("weekly", "2026-03-02", "2026-01-26", []DigestItemInput{item("x", "X")})
	id := entries[0].EntryID

	got, err := db.LookupDeliveredEntry(id)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("unsent digest entries must not resolve")
	}
	if e, _ := db.GetDigestEntry(id); e == nil {
		t.Error("entry should exist regardless of delivery")
	}

	d, _ := db.LatestSentDigest()
	if d != nil {
		t.Error("no digest has been sent yet")
	}
	digests, _ := db.ListDigests(0)
	db.MarkDigestSent(digests[0].ID, "<m1@test>", time.Now())

	got, err = db.LookupDeliveredEntry(id)
	if err != nil || got == nil {
		t.Fatalf("expected delivered entry, got %v %v", got, err)
	}
	if missing, _ := db.LookupDeliveredEntry("20990101-01"); missing != nil {
		t.Error("unknown id must not resolve")
	}
	byMsg, _ := db.GetSentDigestByMessageID("<m1@test>")
	if byMsg == nil || byMsg.ID != digests[0].ID {
		t.Errorf("expected digest by message id, got %+v", byMsg)
	}
}

func TestMarkDigestFailedKeepsSent(t *testing.T) {
	db := openTestDB(t)
	d, _ := recordAndSend(t, db, "weekly", "2026-03-02", "2026-01-26", item("x", "X"))
	if err := db.MarkDigestFailed(d.ID, "late failure"); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetDigest(d.ID)
	if got.Status != DigestSent {
		t.Errorf("sent digest must stay sent, got %s", got.Status)
	}
	if err := db.MarkDigestSent(d.ID, "<again@test>", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Errorf("re-marking sent should fail, got %v", err)
	}
}

func TestDeliveredHashesSince(t *testing.T) {
	db := openTestDB(t)
	recordAndSend(t, db, "daily", "2026-03-02", "2026-01-26", item("sent", "S"))
	db.RecordDigest("daily", "2026-03-03", "2026-01-27", []DigestItemInput{item("unsent", "U")})

	hashes, err := db.DeliveredHashesSince("2026-03-01")
	if err != nil {
		t.Fatal(err)
	}
	if !hashes["sent"] || hashes["unsent"] {
		t.Errorf("unexpected delivered hashes %v", hashes)
	}
	if hashes, _ := db.DeliveredHashesSince("2026-03-05"); len(hashes) != 0 {
		t.Errorf("expected none after cutoff, got %v", hashes)
	}
}

func TestClaimEntry(t *testing.T) {
	db := openTestDB(t)
	_, entries := recordAndSend(t, db, "weekly", "2026-03-02", "2026-01-26", item("c", "C"))
	id := entries[0].EntryID
	now := time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)

	out, err := db.ClaimEntry(id, now, 30*time.Minute)
	if err != nil || out != ClaimAcquired {
		t.Fatalf("first claim: %v %v", out, err)
	}
	out, _ = db.ClaimEntry(id, now.Add(time.Minute), 30*time.Minute)
	if out != ClaimInProgress {
		t.Errorf("expected in-progress, got %v", out)
	}
	out, _ = db.ClaimEntry(id, now.Add(time.Hour), 30*time.Minute)
	if out != ClaimAcquired {
		t.Errorf("expected stale claim to be taken over, got %v", out)
	}

	if err := db.CompleteEntry(id, 5, "https://fda.gov/c.pdf"); err != nil {
		t.Fatal(err)
	}
	out, _ = db.ClaimEntry(id, now.Add(2*time.Hour), 30*time.Minute)
	if out != ClaimAlreadyDownloaded {
		t.Errorf("expected already downloaded, got %v", out)
	}
	if out, _ := db.ClaimEntry("20990101-01", now, time.Minute); out != ClaimNotFound {
		t.Errorf("expected not found, got %v", out)
	}

	e, _ := db.GetDigestEntry(id)
	if e.DownloadStatus != DownloadDone || *e.KBDocID != 5 || *e.ResolvedURL != "https://fda.gov/c.pdf" {
		t.Errorf("unexpected entry %+v", e)
	}
}

func TestFailEntryAllowsRetry(t *testing.T) {
	db := openTestDB(t)
	_, entries := recordAndSend(t, db, "weekly", "2026-03-02", "2026-01-26", item("f", "F"))
	id := entries[0].EntryID
	now := time.Now()

	db.ClaimEntry(id, now, time.Minute)
	if err := db.FailEntry(id, DownloadManualNeeded, "https://linkedin.com/p", "social page"); err != nil {
		t.Fatal(err)
	}
	if err := db.FailEntry(id, DownloadFailed, "", "again"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unclaimed entry cannot be failed, got %v", err)
	}
	if err := db.FailEntry(id, DownloadDone, "", ""); err == nil {
		t.Error("downloaded is not a failure status")
	}
	if out, _ := db.ClaimEntry(id, now, time.Minute); out != ClaimAcquired {
		t.Errorf("manual_needed entries can be retried, got %v", out)
	}
}

func TestListDigestEntriesFilters(t *testing.T) {
	db := openTestDB(t)
	recordAndSend(t, db, "weekly", "2026-03-02", "2026-01-26", item("a", "A"), item("b", "B"))
	recordAndSend(t, db, "weekly", "2026-03-09", "2026-02-02", item("c", "C"))

	all, err := db.ListDigestEntries(EntryFilter{})
	if err != nil || len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d (%v)", len(all), err)
	}
	if all[0].DigestDate != "2026-03-09" {
		t.Errorf("expected newest first, got %s", all[0].DigestDate)
	}
	byDate, _ := db.ListDigestEntries(EntryFilter{DigestDate: "2026-03-02"})
	if len(byDate) != 2 {
		t.Errorf("expected 2 for date, got %d", len(byDate))
	}
	limited, _ := db.ListDigestEntries(EntryFilter{Limit: 1, Status: DownloadPending})
	if len(limited) != 1 {
		t.Errorf("expected 1 with limit, got %d", len(limited))
	}
	counts, _ := db.DigestEntryCounts()
	if counts[DownloadPending] != 3 {
		t.Errorf("unexpected counts %v", counts)
	}
}

func TestRecordDigestMarksArchivedItems(t *testing.T) {
	db := openTestDB(t)
	docID := int64(42)

	held := item("held", "Already archived")
	held.KBDocID = &docID
	_, entries := recordAndSend(t, db, "weekly", "2026-03-02", "2026-01-26", held, item("open", "Not yet"))
	if e := entries[0]; e.DownloadStatus != DownloadDone || e.KBDocID == nil || *e.KBDocID != docID {
		t.Errorf("archived entry = %s %v", e.DownloadStatus, e.KBDocID)
	}
	if e := entries[1]; e.DownloadStatus != DownloadPending || e.KBDocID != nil {
		t.Errorf("open entry = %s %v", e.DownloadStatus, e.KBDocID)
	}

	// A later digest learns the open entry is archived; the id is kept.
	open := item("open", "Not yet")
	open.KBDocID = &docID
	_, again := recordAndSend(t, db, "weekly", "2026-03-09", "2026-02-02", open)
	if again[0].EntryID != entries[1].EntryID {
		t.Errorf("expected reused id %s, got %s", entries[1].EntryID, again[0].EntryID)
	}
	if again[0].DownloadStatus != DownloadDone || again[0].KBDocID == nil || *again[0].KBDocID != docID {
		t.Errorf("reused entry = %s %v", again[0].DownloadStatus, again[0].KBDocID)
	}
}
