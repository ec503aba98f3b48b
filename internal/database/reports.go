package database

import "time"

// RunCounts are the per-run totals written when a run finishes.
type RunCounts struct {
	EntriesFetched  int
	EntriesIncluded int
	PendingCreated  int
	Summaries       int
	DigestID        *int64
}

// StartRunReport inserts a running report row.
func (db *DB) StartRunReport(runID, runType string, started time.Time) error {
	_, err := db.conn.Exec(
		"INSERT INTO run_reports (run_id, run_type, started_at, status) VALUES (?, ?, ?, 'running')",
		runID, runType, FormatTime(started),
	)
	return err
}

// FinishRunReport closes a report with its outcome. An empty errMsg marks the
// run succeeded.
func (db *DB) FinishRunReport(runID string, counts RunCounts, errMsg string, finished time.Time) error {
	status := "succeeded"
	if errMsg != "" {
		status = "failed"
	}
	_, err := db.conn.Exec(
		`UPDATE run_reports SET finished_at = ?, status = ?, entries_fetched = ?, entries_included = ?,
			pending_created = ?, summaries = ?, digest_id = ?, error_message = ?
		WHERE run_id = ?`,
		FormatTime(finished), status, counts.EntriesFetched, counts.EntriesIncluded,
		counts.PendingCreated, counts.Summaries, counts.DigestID, nullIfEmpty(errMsg), runID,
	)
	return err
}

// ListRunReports returns the most recent runs first.
func (db *DB) ListRunReports(limit int) ([]RunReport, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.conn.Query(
		`SELECT id, run_id, run_type, started_at, finished_at, status, entries_fetched, entries_included,
			pending_created, summaries, digest_id, error_message
		FROM run_reports ORDER BY started_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunReport
	for rows.Next() {
		var r RunReport
		if err := rows.Scan(&r.ID, &r.RunID, &r.RunType, &r.StartedAt, &r.FinishedAt, &r.Status,
			&r.EntriesFetched, &r.EntriesIncluded, &r.PendingCreated, &r.Summaries, &r.DigestID,
			&r.ErrorMessage); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
