package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// ErrInvalidTransition is wrapped by every rejected pending-queue state change.
var ErrInvalidTransition = errors.New("invalid transition")

// TransitionError reports an illegal pending-queue state change.
type TransitionError struct {
	ID   int64
	From PendingStatus
	To   PendingStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("pending download %d: cannot move from %s to %s", e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// allowedFrom lists, for each target status, the only statuses it may be
// entered from. Rejected, downloaded and failed are terminal.
var allowedFrom = map[PendingStatus][]PendingStatus{
	StatusApproved:   {StatusPending},
	StatusRejected:   {StatusPending},
	StatusDownloaded: {StatusApproved},
	StatusFailed:     {StatusApproved},
}

// CanTransition reports whether from -> to is a legal pending-queue move.
func CanTransition(from, to PendingStatus) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

const pendingColumns = `id, title, url, agency, category, entry_date, status,
	relevance_score, keywords, archive_doc_id, error_message, created_at, updated_at`

// InsertPending queues a candidate. The URL is the natural key: queuing the
// same URL again returns the existing row's ID with created=false.
func (db *DB) InsertPending(p NewPending) (id int64, created bool, err error) {
	kw, err := json.Marshal(p.Keywords)
	if err != nil {
		return 0, false, fmt.Errorf("encoding keywords: %w", err)
	}
	var entryDate *string
	if p.EntryDate != "" {
		entryDate = &p.EntryDate
	}
	res, err := db.conn.Exec(
		`INSERT OR IGNORE INTO pending_downloads
		(title, url, agency, category, entry_date, relevance_score, keywords)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.Title, p.URL, p.Agency, p.Category, entryDate, p.RelevanceScore, string(kw),
	)
	if err != nil {
		return 0, false, fmt.Errorf("inserting pending download: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		id, err = res.LastInsertId()
		return id, true, err
	}
	err = db.conn.QueryRow("SELECT id FROM pending_downloads WHERE url = ?", p.URL).Scan(&id)
	return id, false, err
}

// GetPending returns a pending download by ID, or nil if not found.
func (db *DB) GetPending(id int64) (*PendingDownload, error) {
	rows, err := db.conn.Query("SELECT "+pendingColumns+" FROM pending_downloads WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items, err := scanPending(rows)
	if err != nil || len(items) == 0 {
		return nil, err
	}
	return &items[0], nil
}

// ListPending returns queue rows in the given statuses (all when empty),
// highest relevance first.
func (db *DB) ListPending(statuses []PendingStatus, limit int) ([]PendingDownload, error) {
	q := sq.Select(pendingColumns).From("pending_downloads").
		OrderBy("relevance_score DESC", "id ASC")
	if len(statuses) > 0 {
		vals := make([]string, len(statuses))
		for i, s := range statuses {
			vals[i] = string(s)
		}
		q = q.Where(sq.Eq{"status": vals})
	}
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPending(rows)
}

// TransitionPending moves a row to status `to` if, and only if, its current
// status allows it. The check and the write are one statement, so concurrent
// callers cannot both win.
func (db *DB) TransitionPending(id int64, to PendingStatus, docID *int64, errMsg *string) error {
	from := allowedFrom[to]
	if len(from) == 0 {
		return &TransitionError{ID: id, To: to}
	}
	vals := make([]string, len(from))
	for i, s := range from {
		vals[i] = string(s)
	}
	set := sq.Update("pending_downloads").
		Set("status", string(to)).
		Set("updated_at", sq.Expr("datetime('now')")).
		Where(sq.Eq{"id": id, "status": vals})
	if docID != nil {
		set = set.Set("archive_doc_id", *docID)
	}
	if errMsg != nil {
		set = set.Set("error_message", *errMsg)
	}
	query, args, err := set.ToSql()
	if err != nil {
		return err
	}
	res, err := db.conn.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("updating pending download %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var current string
	err = db.conn.QueryRow("SELECT status FROM pending_downloads WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("pending download %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}
	return &TransitionError{ID: id, From: PendingStatus(current), To: to}
}

// ClaimPending reserves an approved row for download. It fails when the row
// is no longer approved or another worker claimed it less than ttl ago.
// The download's final transition ends the claim.
func (db *DB) ClaimPending(id int64, now time.Time, ttl time.Duration) (bool, error) {
	res, err := db.conn.Exec(
		`UPDATE pending_downloads SET claimed_at = ?, updated_at = datetime('now')
		WHERE id = ? AND status = 'approved' AND (claimed_at IS NULL OR claimed_at < ?)`,
		FormatTime(now), id, FormatTime(now.Add(-ttl)),
	)
	if err != nil {
		return false, fmt.Errorf("claiming pending download %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ApproveAllPending approves every row still pending and returns the count.
func (db *DB) ApproveAllPending() (int64, error) {
	res, err := db.conn.Exec(
		`UPDATE pending_downloads SET status = 'approved', updated_at = datetime('now')
		WHERE status = 'pending'`,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PendingCountsByStatus returns the number of queue rows per status.
func (db *DB) PendingCountsByStatus() (map[PendingStatus]int, error) {
	rows, err := db.conn.Query("SELECT status, COUNT(*) FROM pending_downloads GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[PendingStatus]int)
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[PendingStatus(s)] = n
	}
	return counts, rows.Err()
}

func scanPending(rows *sql.Rows) ([]PendingDownload, error) {
	var items []PendingDownload
	for rows.Next() {
		var p PendingDownload
		var agency, category, keywords sql.NullString
		var status string
		if err := rows.Scan(&p.ID, &p.Title, &p.URL, &agency, &category, &p.EntryDate, &status,
			&p.RelevanceScore, &keywords, &p.ArchiveDocID, &p.ErrorMessage, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Agency = agency.String
		p.Category = category.String
		p.Status = PendingStatus(status)
		if keywords.Valid && keywords.String != "" {
			if err := json.Unmarshal([]byte(keywords.String), &p.Keywords); err != nil {
				slog.Warn("ignoring unreadable keywords", "pending_id", p.ID, "err", err)
				p.Keywords = nil
			}
		}
		items = append(items, p)
	}
	return items, rows.Err()
}
