package database

import (
	"database/sql"
	"errors"
)

// GetSummary returns the cached summary for a fingerprint and style, or nil.
func (db *DB) GetSummary(fingerprint, style string) (*CachedSummary, error) {
	s := &CachedSummary{}
	var title, agency, model sql.NullString
	err := db.conn.QueryRow(
		`SELECT fingerprint, style, title, agency, what_happened, why_it_matters, action_needed, model, generated_at
		FROM summaries WHERE fingerprint = ? AND style = ?`, fingerprint, style,
	).Scan(&s.Fingerprint, &s.Style, &title, &agency, &s.WhatHappened, &s.WhyItMatters,
		&s.ActionNeeded, &model, &s.GeneratedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.Title, s.Agency, s.Model = title.String, agency.String, model.String
	return s, nil
}

// PutSummary stores a summary. Cached summaries are immutable: if the key is
// already present the existing row is kept and stored=false is returned.
func (db *DB) PutSummary(s CachedSummary) (stored bool, err error) {
	res, err := db.conn.Exec(
		`INSERT OR IGNORE INTO summaries
		(fingerprint, style, title, agency, what_happened, why_it_matters, action_needed, model)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.Fingerprint, s.Style, s.Title, s.Agency, s.WhatHappened, s.WhyItMatters, s.ActionNeeded, s.Model,
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SummaryCacheStats returns the total number of cached summaries and the
// count per style.
func (db *DB) SummaryCacheStats() (int, map[string]int, error) {
	rows, err := db.conn.Query("SELECT style, COUNT(*) FROM summaries GROUP BY style")
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()
	total := 0
	byStyle := make(map[string]int)
	for rows.Next() {
		var style string
		var n int
		if err := rows.Scan(&style, &n); err != nil {
			return 0, nil, err
		}
		byStyle[style] = n
		total += n
	}
	return total, byStyle, rows.Err()
}

// ClearSummaries deletes every cached summary and returns how many went.
func (db *DB) ClearSummaries() (int64, error) {
	res, err := db.conn.Exec("DELETE FROM summaries")
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
