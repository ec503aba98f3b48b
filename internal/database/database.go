package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by mutations that target a missing row.
var ErrNotFound = errors.New("not found")

// DB wraps a SQLite database connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates or opens a SQLite database at the given path.
//
// Write transactions take the lock immediately and wait on contention, so the
// scheduled pipeline and the reply poller can share one file.
func Open(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)&_txlock=immediate"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return &DB{conn: conn, path: dbPath}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// withTx runs fn inside a write transaction, committing on success.
func (db *DB) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetStats returns aggregate counts across the stores.
func (db *DB) GetStats() (*Stats, error) {
	s := &Stats{}
	queries := []struct {
		sql  string
		dest *int
	}{
		{"SELECT COUNT(*) FROM pending_downloads WHERE status = 'pending'", &s.PendingReview},
		{"SELECT COUNT(*) FROM pending_downloads WHERE status = 'approved'", &s.Approved},
		{"SELECT COUNT(*) FROM pending_downloads WHERE status = 'downloaded'", &s.Downloaded},
		{"SELECT COUNT(*) FROM summaries", &s.CachedSummaries},
		{"SELECT COUNT(*) FROM digests WHERE status = 'sent'", &s.DigestsSent},
		{"SELECT COUNT(*) FROM digest_entries", &s.TrackedEntries},
		{"SELECT COUNT(*) FROM digest_entries WHERE download_status = 'downloaded'", &s.EntriesDownloaded},
		{"SELECT COUNT(*) FROM documents", &s.Documents},
		{"SELECT COUNT(*) FROM processed_messages", &s.RepliesProcessed},
	}
	for _, q := range queries {
		if err := db.conn.QueryRow(q.sql).Scan(q.dest); err != nil {
			return nil, err
		}
	}
	return s, nil
}
