package database

// PendingStatus is a position in the approval lifecycle.
type PendingStatus string

const (
	StatusPending    PendingStatus = "pending"
	StatusApproved   PendingStatus = "approved"
	StatusRejected   PendingStatus = "rejected"
	StatusDownloaded PendingStatus = "downloaded"
	StatusFailed     PendingStatus = "failed"
)

// DownloadStatus tracks reply-driven downloads of a digest entry.
type DownloadStatus string

const (
	DownloadPending      DownloadStatus = "pending"
	DownloadInProgress   DownloadStatus = "downloading"
	DownloadDone         DownloadStatus = "downloaded"
	DownloadFailed       DownloadStatus = "failed"
	DownloadManualNeeded DownloadStatus = "manual_needed"
)

// Digest statuses.
const (
	DigestComposed = "composed"
	DigestSent     = "sent"
	DigestFailed   = "failed"
)

// PendingDownload is an archive candidate awaiting a human decision.
type PendingDownload struct {
	ID             int64
	Title          string
	URL            string
	Agency         string
	Category       string
	EntryDate      *string
	Status         PendingStatus
	RelevanceScore float64
	Keywords       []string
	ArchiveDocID   *int64
	ErrorMessage   *string
	CreatedAt      *string
	UpdatedAt      *string
}

// NewPending holds the fields needed to queue a candidate.
type NewPending struct {
	Title          string
	URL            string
	Agency         string
	Category       string
	EntryDate      string
	RelevanceScore float64
	Keywords       []string
}

// CachedSummary is an immutable summary keyed by content fingerprint and style.
type CachedSummary struct {
	Fingerprint  string
	Style        string
	Title        string
	Agency       string
	WhatHappened string
	WhyItMatters string
	ActionNeeded string
	Model        string
	GeneratedAt  *string
}

// Digest is one composed (and possibly delivered) batch of entries.
type Digest struct {
	ID           int64
	Type         string
	Date         string
	Subject      string
	Status       string
	EntryCount   int
	BodyMarkdown string
	MessageID    *string
	SentAt       *string
	ErrorMessage *string
	CreatedAt    *string
}

// DigestEntry is the durable identity of one update across digests.
type DigestEntry struct {
	EntryID        string
	EntryHash      string
	DigestDate     string
	Seq            int
	LastDigestDate string
	Title          string
	Link           string
	Agency         string
	Category       string
	EntryDate      *string
	DownloadStatus DownloadStatus
	ClaimedAt      *string
	ResolvedURL    *string
	KBDocID        *int64
	ErrorMessage   *string
}

// DigestItemInput is a candidate entry handed to RecordDigest.
type DigestItemInput struct {
	EntryHash string
	Title     string
	Link      string
	Agency    string
	Category  string
	EntryDate string
	// KBDocID marks an update the archive already holds. Its entry is
	// recorded as downloaded against that document.
	KBDocID *int64
}

// Document is an archived regulatory document.
type Document struct {
	ID              int64
	Title           string
	URL             string
	NormalizedURL   string
	NormalizedTitle string
	Jurisdiction    string
	Agency          string
	Category        string
	DocumentType    string
	Identifier      string
	FilePath        string
	FileHash        string
	FileSize        int64
	MimeType        string
	IsLatest        bool
	SupersededBy    *int64
	ImportedAt      *string
}

// RunReport holds metadata about a pipeline run.
type RunReport struct {
	ID              int64
	RunID           string
	RunType         string
	StartedAt       string
	FinishedAt      *string
	Status          string
	EntriesFetched  int
	EntriesIncluded int
	PendingCreated  int
	Summaries       int
	DigestID        *int64
	ErrorMessage    *string
}

// Stats contains aggregate database statistics.
type Stats struct {
	PendingReview     int
	Approved          int
	Downloaded        int
	CachedSummaries   int
	DigestsSent       int
	TrackedEntries    int
	EntriesDownloaded int
	Documents         int
	RepliesProcessed  int
}
