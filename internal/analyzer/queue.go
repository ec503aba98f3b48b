package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lisadonlon/RegulatoryKB/internal/archive"
	"github.com/lisadonlon/RegulatoryKB/internal/database"
	"github.com/lisadonlon/RegulatoryKB/internal/resolver"
)

// Queue is the pending-approval queue. Every state change goes through the
// database's compare-and-set transition, so illegal moves fail with a
// *database.TransitionError.
type Queue struct {
	db       *database.DB
	archive  archive.Archive
	claimTTL time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// DefaultClaimTTL is how long a download claim on an approved row holds
// before another run may take the row over.
const DefaultClaimTTL = 30 * time.Minute

// NewQueue creates a queue. arc is only needed by DownloadApproved.
func NewQueue(db *database.DB, arc archive.Archive, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{db: db, archive: arc, claimTTL: DefaultClaimTTL, now: time.Now, logger: logger}
}

// List returns queue rows in the given statuses, highest relevance first.
func (q *Queue) List(statuses ...database.PendingStatus) ([]database.PendingDownload, error) {
	return q.db.ListPending(statuses, 0)
}

// Get returns one queue row, or nil.
func (q *Queue) Get(id int64) (*database.PendingDownload, error) {
	return q.db.GetPending(id)
}

// Approve approves each id. Every id is attempted and the failures are
// joined.
func (q *Queue) Approve(ids []int64) error {
	return q.each(ids, database.StatusApproved)
}

// Reject rejects each id.
func (q *Queue) Reject(ids []int64) error {
	return q.each(ids, database.StatusRejected)
}

func (q *Queue) each(ids []int64, to database.PendingStatus) error {
	var errs []error
	for _, id := range ids {
		if err := q.db.TransitionPending(id, to, nil, nil); err != nil {
			errs = append(errs, err)
			continue
		}
		q.logger.Info("pending download updated", "pending_id", id, "status", to)
	}
	return errors.Join(errs...)
}

// ApproveAll approves everything still pending.
func (q *Queue) ApproveAll() (int64, error) {
	n, err := q.db.ApproveAllPending()
	if err == nil {
		q.logger.Info("approved all pending downloads", "count", n)
	}
	return n, err
}

// MarkDownloaded records a successful import of an approved item.
func (q *Queue) MarkDownloaded(id, docID int64) error {
	return q.db.TransitionPending(id, database.StatusDownloaded, &docID, nil)
}

// MarkFailed records a failed import of an approved item.
func (q *Queue) MarkFailed(id int64, msg string) error {
	return q.db.TransitionPending(id, database.StatusFailed, nil, &msg)
}

// Stats returns the number of queue rows per status.
func (q *Queue) Stats() (map[database.PendingStatus]int, error) {
	return q.db.PendingCountsByStatus()
}

// DownloadOutcome is the result of importing one approved item.
type DownloadOutcome struct {
	Item  database.PendingDownload
	DocID int64
	Diff  *archive.VersionDiff
	Err   error
	// Skipped means another run holds the item; nothing was attempted.
	Skipped bool
}

// DownloadReport collects the outcomes of DownloadApproved.
type DownloadReport struct {
	Outcomes   []DownloadOutcome
	Downloaded int
	Failed     int
	Skipped    int
}

// DownloadApproved imports every approved item into the archive and moves
// it to downloaded or failed. One failed import does not stop the rest.
// Each item is claimed first, so concurrent runs never import the same row.
func (q *Queue) DownloadApproved(ctx context.Context) (*DownloadReport, error) {
	if q.archive == nil {
		return nil, errors.New("no archive configured")
	}
	items, err := q.db.ListPending([]database.PendingStatus{database.StatusApproved}, 0)
	if err != nil {
		return nil, err
	}

	report := &DownloadReport{}
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		claimed, err := q.db.ClaimPending(item.ID, q.now(), q.claimTTL)
		if err != nil {
			return report, err
		}
		if !claimed {
			q.logger.Info("skipping download claimed elsewhere", "pending_id", item.ID)
			report.Skipped++
			report.Outcomes = append(report.Outcomes, DownloadOutcome{Item: item, Skipped: true})
			continue
		}
		out := q.download(ctx, item)
		if out.Err != nil {
			report.Failed++
		} else {
			report.Downloaded++
		}
		report.Outcomes = append(report.Outcomes, out)
	}
	q.logger.Info("approved downloads processed", "downloaded", report.Downloaded, "failed", report.Failed, "skipped", report.Skipped)
	return report, nil
}

func (q *Queue) download(ctx context.Context, item database.PendingDownload) DownloadOutcome {
	out := DownloadOutcome{Item: item}
	docID, err := q.archive.ImportDocument(ctx, item.URL, archive.Metadata{
		Title:        item.Title,
		Agency:       item.Agency,
		Category:     item.Category,
		ExpectedType: expectedType(item.URL),
	})
	if err != nil {
		out.Err = err
		q.logger.Warn("download failed", "pending_id", item.ID, "url", item.URL, "err", err)
		if terr := q.MarkFailed(item.ID, err.Error()); terr != nil {
			out.Err = errors.Join(err, terr)
		}
		return out
	}

	out.DocID = docID
	if diff, err := q.archive.DetectPriorVersion(ctx, docID); err != nil {
		q.logger.Warn("version check failed", "doc_id", docID, "err", err)
	} else {
		out.Diff = diff
	}
	if err := q.MarkDownloaded(item.ID, docID); err != nil {
		out.Err = fmt.Errorf("document %d imported but queue not updated: %w", docID, err)
	}
	return out
}

func expectedType(url string) string {
	if t := resolver.TypeFromURL(url); t.IsDocument() {
		return string(t)
	}
	return ""
}
