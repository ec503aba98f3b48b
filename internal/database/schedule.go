package database

import (
	"database/sql"
	"errors"
	"time"
)

// GetLastRun returns when a cadence last completed, or nil if never.
func (db *DB) GetLastRun(cadence string) (*time.Time, error) {
	var s string
	err := db.conn.QueryRow("SELECT last_run FROM scheduler_runs WHERE cadence = ?", cadence).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t, err := ParseTime(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// SetLastRun records a completed run of a cadence.
func (db *DB) SetLastRun(cadence string, at time.Time) error {
	_, err := db.conn.Exec(
		`INSERT INTO scheduler_runs (cadence, last_run) VALUES (?, ?)
		ON CONFLICT(cadence) DO UPDATE SET last_run = excluded.last_run`,
		cadence, FormatTime(at),
	)
	return err
}

// ListLastRuns returns every recorded cadence with its last run time.
func (db *DB) ListLastRuns() (map[string]time.Time, error) {
	rows, err := db.conn.Query("SELECT cadence, last_run FROM scheduler_runs")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]time.Time)
	for rows.Next() {
		var c, s string
		if err := rows.Scan(&c, &s); err != nil {
			return nil, err
		}
		t, err := ParseTime(s)
		if err != nil {
			return nil, err
		}
		out[c] = t
	}
	return out, rows.Err()
}
