package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

type queryer interface {
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

const entryColumns = `e.entry_id, e.entry_hash, e.digest_date, e.seq, e.last_digest_date, e.title,
	e.link, e.agency, e.category, e.entry_date, e.download_status, e.claimed_at,
	e.resolved_url, e.kb_doc_id, e.error_message`

const digestColumns = `id, digest_type, digest_date, subject, status, entry_count,
	body_markdown, message_id, sent_at, error_message, created_at`

// FormatEntryID builds the YYYYMMDD-NN identifier for a digest date and sequence.
func FormatEntryID(digestDate string, seq int) string {
	return fmt.Sprintf("%s-%02d", CompactDate(digestDate), seq)
}

// RecordDigest stores a new composed digest and its entries in one
// transaction and returns them in input order.
//
// An item whose hash already has an entry last shown on or after
// lookbackStart reuses that entry and its identifier. Otherwise a new entry
// gets the next sequence number for digestDate. A new entry for a hash that
// was downloaded before the window inherits the downloaded state, and an
// item with KBDocID starts out downloaded against that document.
func (db *DB) RecordDigest(digestType, digestDate, lookbackStart string, items []DigestItemInput) (*Digest, []DigestEntry, error) {
	var digestID int64
	var ids []string
	err := db.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`INSERT INTO digests (digest_type, digest_date, status, entry_count) VALUES (?, ?, 'composed', 0)`,
			digestType, digestDate,
		)
		if err != nil {
			return fmt.Errorf("inserting digest: %w", err)
		}
		digestID, err = res.LastInsertId()
		if err != nil {
			return err
		}

		seen := make(map[string]bool)
		for _, item := range items {
			entryID, err := assignEntry(tx, item, digestDate, lookbackStart)
			if err != nil {
				return err
			}
			if seen[entryID] {
				continue
			}
			seen[entryID] = true
			if _, err := tx.Exec(
				"INSERT INTO digest_items (digest_id, entry_id, position) VALUES (?, ?, ?)",
				digestID, entryID, len(ids)+1,
			); err != nil {
				return fmt.Errorf("linking entry %s: %w", entryID, err)
			}
			ids = append(ids, entryID)
		}
		_, err = tx.Exec("UPDATE digests SET entry_count = ? WHERE id = ?", len(ids), digestID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	d, err := db.GetDigest(digestID)
	if err != nil {
		return nil, nil, err
	}
	entries, err := db.DigestEntriesFor(digestID)
	if err != nil {
		return nil, nil, err
	}
	return d, entries, nil
}

func assignEntry(tx *sql.Tx, item DigestItemInput, digestDate, lookbackStart string) (string, error) {
	var existing string
	err := tx.QueryRow(
		`SELECT entry_id FROM digest_entries
		WHERE entry_hash = ? AND last_digest_date >= ?
		ORDER BY last_digest_date DESC, created_at DESC LIMIT 1`,
		item.EntryHash, lookbackStart,
	).Scan(&existing)
	switch {
	case err == nil:
		if _, err := tx.Exec(
			`UPDATE digest_entries
			SET last_digest_date = MAX(last_digest_date, ?), updated_at = datetime('now')
			WHERE entry_id = ?`, digestDate, existing,
		); err != nil {
			return "", err
		}
		if item.KBDocID != nil {
			_, err = tx.Exec(
				`UPDATE digest_entries
				SET download_status = 'downloaded', kb_doc_id = ?, claimed_at = NULL,
					error_message = NULL, updated_at = datetime('now')
				WHERE entry_id = ? AND download_status IN ('pending', 'failed', 'manual_needed')`,
				*item.KBDocID, existing,
			)
		}
		return existing, err
	case !errors.Is(err, sql.ErrNoRows):
		return "", fmt.Errorf("looking up entry hash: %w", err)
	}

	var seq int
	if err := tx.QueryRow(
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM digest_entries WHERE digest_date = ?", digestDate,
	).Scan(&seq); err != nil {
		return "", fmt.Errorf("next sequence: %w", err)
	}
	entryID := FormatEntryID(digestDate, seq)

	status := string(DownloadPending)
	var docID *int64
	var resolved *string
	err = tx.QueryRow(
		`SELECT download_status, kb_doc_id, resolved_url FROM digest_entries
		WHERE entry_hash = ? AND download_status = 'downloaded'
		ORDER BY last_digest_date DESC LIMIT 1`, item.EntryHash,
	).Scan(&status, &docID, &resolved)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("checking prior downloads: %w", err)
	}
	if docID == nil && item.KBDocID != nil {
		status, docID = string(DownloadDone), item.KBDocID
	}

	var entryDate *string
	if item.EntryDate != "" {
		entryDate = &item.EntryDate
	}
	_, err = tx.Exec(
		`INSERT INTO digest_entries
		(entry_id, entry_hash, digest_date, seq, last_digest_date, title, link, agency, category,
		 entry_date, download_status, kb_doc_id, resolved_url)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entryID, item.EntryHash, digestDate, seq, digestDate, item.Title, item.Link, item.Agency,
		item.Category, entryDate, status, docID, resolved,
	)
	if err != nil {
		return "", fmt.Errorf("inserting entry %s: %w", entryID, err)
	}
	return entryID, nil
}

// SetDigestContent stores the rendered subject and markdown body.
func (db *DB) SetDigestContent(id int64, subject, body string) error {
	_, err := db.conn.Exec("UPDATE digests SET subject = ?, body_markdown = ? WHERE id = ?", subject, body, id)
	return err
}

// MarkDigestSent records successful delivery.
func (db *DB) MarkDigestSent(id int64, messageID string, at time.Time) error {
	res, err := db.conn.Exec(
		`UPDATE digests SET status = 'sent', message_id = ?, sent_at = ?, error_message = NULL
		WHERE id = ? AND status != 'sent'`, messageID, FormatTime(at), id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("digest %d: %w", id, ErrNotFound)
	}
	return nil
}

// MarkDigestFailed records a delivery failure.
func (db *DB) MarkDigestFailed(id int64, msg string) error {
	_, err := db.conn.Exec(
		"UPDATE digests SET status = 'failed', error_message = ? WHERE id = ? AND status != 'sent'", msg, id,
	)
	return err
}

// GetDigest returns a digest by ID, or nil.
func (db *DB) GetDigest(id int64) (*Digest, error) {
	return db.queryDigest("SELECT "+digestColumns+" FROM digests WHERE id = ?", id)
}

// GetSentDigestByMessageID returns the delivered digest with the given
// message ID, or nil.
func (db *DB) GetSentDigestByMessageID(messageID string) (*Digest, error) {
	return db.queryDigest(
		"SELECT "+digestColumns+" FROM digests WHERE message_id = ? AND status = 'sent'", messageID,
	)
}

// LatestSentDigest returns the most recently delivered digest, or nil.
func (db *DB) LatestSentDigest() (*Digest, error) {
	return db.queryDigest(
		"SELECT " + digestColumns + " FROM digests WHERE status = 'sent' ORDER BY sent_at DESC, id DESC LIMIT 1",
	)
}

// ListDigests returns digests newest first.
func (db *DB) ListDigests(limit int) ([]Digest, error) {
	q := sq.Select(digestColumns).From("digests").OrderBy("digest_date DESC", "id DESC")
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
	var out []Digest
	for rows.Next() {
		d, err := scanDigest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (db *DB) queryDigest(query string, args ...any) (*Digest, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanDigest(rows)
}

func scanDigest(rows *sql.Rows) (*Digest, error) {
	d := &Digest{}
	var subject, body sql.NullString
	if err := rows.Scan(&d.ID, &d.Type, &d.Date, &subject, &d.Status, &d.EntryCount,
		&body, &d.MessageID, &d.SentAt, &d.ErrorMessage, &d.CreatedAt); err != nil {
		return nil, err
	}
	d.Subject, d.BodyMarkdown = subject.String, body.String
	return d, nil
}

// DigestEntriesFor returns the entries of a digest in display order.
func (db *DB) DigestEntriesFor(digestID int64) ([]DigestEntry, error) {
	rows, err := db.conn.Query(
		`SELECT `+entryColumns+` FROM digest_entries e
		JOIN digest_items i ON i.entry_id = e.entry_id
		WHERE i.digest_id = ? ORDER BY i.position`, digestID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// GetDigestEntry returns an entry by identifier regardless of delivery, or nil.
func (db *DB) GetDigestEntry(entryID string) (*DigestEntry, error) {
	return firstEntry(db.conn, "SELECT "+entryColumns+" FROM digest_entries e WHERE e.entry_id = ?", entryID)
}

// LookupDeliveredEntry returns the entry only if it appeared in a digest that
// was actually sent, or nil.
func (db *DB) LookupDeliveredEntry(entryID string) (*DigestEntry, error) {
	return firstEntry(db.conn,
		`SELECT `+entryColumns+` FROM digest_entries e
		WHERE e.entry_id = ? AND EXISTS (
			SELECT 1 FROM digest_items i JOIN digests d ON d.id = i.digest_id
			WHERE i.entry_id = e.entry_id AND d.status = 'sent')`, entryID)
}

// DeliveredHashesSince returns the entry hashes included in any digest sent
// on or after the given date.
func (db *DB) DeliveredHashesSince(date string) (map[string]bool, error) {
	rows, err := db.conn.Query(
		`SELECT DISTINCT e.entry_hash FROM digest_entries e
		JOIN digest_items i ON i.entry_id = e.entry_id
		JOIN digests d ON d.id = i.digest_id
		WHERE d.status = 'sent' AND d.digest_date >= ?`, date,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out[h] = true
	}
	return out, rows.Err()
}

// ClaimOutcome is the result of trying to take an entry for download.
type ClaimOutcome int

const (
	ClaimAcquired ClaimOutcome = iota
	ClaimAlreadyDownloaded
	ClaimInProgress
	ClaimNotFound
)

// ClaimEntry marks an entry as downloading unless it is already downloaded
// or another worker claimed it less than ttl ago.
func (db *DB) ClaimEntry(entryID string, now time.Time, ttl time.Duration) (ClaimOutcome, error) {
	res, err := db.conn.Exec(
		`UPDATE digest_entries
		SET download_status = 'downloading', claimed_at = ?, error_message = NULL, updated_at = datetime('now')
		WHERE entry_id = ? AND (
			download_status IN ('pending', 'failed', 'manual_needed')
			OR (download_status = 'downloading' AND (claimed_at IS NULL OR claimed_at < ?)))`,
		FormatTime(now), entryID, FormatTime(now.Add(-ttl)),
	)
	if err != nil {
		return 0, fmt.Errorf("claiming entry %s: %w", entryID, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return ClaimAcquired, nil
	}

	var status string
	err = db.conn.QueryRow("SELECT download_status FROM digest_entries WHERE entry_id = ?", entryID).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ClaimNotFound, nil
	case err != nil:
		return 0, err
	case DownloadStatus(status) == DownloadDone:
		return ClaimAlreadyDownloaded, nil
	default:
		return ClaimInProgress, nil
	}
}

// CompleteEntry records a successful download of a claimed entry.
func (db *DB) CompleteEntry(entryID string, docID int64, resolvedURL string) error {
	return db.finishEntry(entryID, DownloadDone, &docID, resolvedURL, "")
}

// FailEntry releases a claimed entry into a failed or manual_needed state.
func (db *DB) FailEntry(entryID string, status DownloadStatus, resolvedURL, msg string) error {
	if status != DownloadFailed && status != DownloadManualNeeded {
		return fmt.Errorf("entry %s: %q is not a failure status", entryID, status)
	}
	return db.finishEntry(entryID, status, nil, resolvedURL, msg)
}

func (db *DB) finishEntry(entryID string, status DownloadStatus, docID *int64, resolvedURL, msg string) error {
	var resolved, errMsg *string
	if resolvedURL != "" {
		resolved = &resolvedURL
	}
	if msg != "" {
		errMsg = &msg
	}
	res, err := db.conn.Exec(
		`UPDATE digest_entries
		SET download_status = ?, kb_doc_id = COALESCE(?, kb_doc_id), resolved_url = COALESCE(?, resolved_url),
			error_message = ?, claimed_at = NULL, updated_at = datetime('now')
		WHERE entry_id = ? AND download_status = 'downloading'`,
		string(status), docID, resolved, errMsg, entryID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("entry %s is not claimed: %w", entryID, ErrNotFound)
	}
	return nil
}

// EntryFilter narrows ListDigestEntries. Zero values mean no filter.
type EntryFilter struct {
	DigestDate string
	Status     DownloadStatus
	Limit      int
}

// ListDigestEntries returns tracked entries, newest first.
func (db *DB) ListDigestEntries(f EntryFilter) ([]DigestEntry, error) {
	q := sq.Select(entryColumns).From("digest_entries e").
		OrderBy("e.digest_date DESC", "e.seq ASC")
	if f.DigestDate != "" {
		q = q.Where(sq.Eq{"e.digest_date": f.DigestDate})
	}
	if f.Status != "" {
		q = q.Where(sq.Eq{"e.download_status": string(f.Status)})
	}
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
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
	return scanEntries(rows)
}

// DigestEntryCounts returns the number of tracked entries per download status.
func (db *DB) DigestEntryCounts() (map[DownloadStatus]int, error) {
	rows, err := db.conn.Query("SELECT download_status, COUNT(*) FROM digest_entries GROUP BY download_status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[DownloadStatus]int)
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[DownloadStatus(s)] = n
	}
	return counts, rows.Err()
}

func firstEntry(q queryer, query string, args ...any) (*DigestEntry, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

func scanEntries(rows *sql.Rows) ([]DigestEntry, error) {
	var out []DigestEntry
	for rows.Next() {
		var e DigestEntry
		var link, agency, category sql.NullString
		var status string
		if err := rows.Scan(&e.EntryID, &e.EntryHash, &e.DigestDate, &e.Seq, &e.LastDigestDate, &e.Title,
			&link, &agency, &category, &e.EntryDate, &status, &e.ClaimedAt,
			&e.ResolvedURL, &e.KBDocID, &e.ErrorMessage); err != nil {
			return nil, err
		}
		e.Link, e.Agency, e.Category = link.String, agency.String, category.String
		e.DownloadStatus = DownloadStatus(status)
		out = append(out, e)
	}
	return out, rows.Err()
}
