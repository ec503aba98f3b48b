package database

import "database/sql"

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "pending queue, summary cache, documents",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS pending_downloads (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    url TEXT UNIQUE NOT NULL,
    title TEXT NOT NULL,
    agency TEXT,
    category TEXT,
    entry_date TEXT,
    relevance_score REAL DEFAULT 0,
    keywords TEXT,
    archive_doc_id INTEGER,
    status TEXT NOT NULL DEFAULT 'pending'
        CHECK(status IN ('pending', 'approved', 'rejected', 'downloaded', 'failed')),
    error_message TEXT,
    created_at TEXT DEFAULT (datetime('now')),
    updated_at TEXT DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS summaries (
    fingerprint TEXT NOT NULL,
    style TEXT NOT NULL,
    title TEXT,
    agency TEXT,
    what_happened TEXT NOT NULL,
    why_it_matters TEXT NOT NULL,
    action_needed TEXT NOT NULL,
    model TEXT,
    generated_at TEXT DEFAULT (datetime('now')),
    PRIMARY KEY (fingerprint, style)
);

CREATE TABLE IF NOT EXISTS documents (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    title TEXT NOT NULL,
    url TEXT,
    normalized_url TEXT,
    normalized_title TEXT,
    jurisdiction TEXT,
    agency TEXT,
    category TEXT,
    document_type TEXT,
    doc_identifier TEXT,
    file_path TEXT,
    file_hash TEXT UNIQUE,
    file_size INTEGER DEFAULT 0,
    mime_type TEXT,
    is_latest INTEGER DEFAULT 1,
    superseded_by INTEGER REFERENCES documents(id),
    imported_at TEXT DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_pending_status ON pending_downloads(status);
CREATE INDEX IF NOT EXISTS idx_documents_url ON documents(normalized_url);
CREATE INDEX IF NOT EXISTS idx_documents_identifier ON documents(doc_identifier);
`)
			return err
		},
	},
	{
		Version:     2,
		Description: "digest tracker",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS digests (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    digest_type TEXT NOT NULL,
    digest_date TEXT NOT NULL,
    subject TEXT,
    status TEXT NOT NULL DEFAULT 'composed'
        CHECK(status IN ('composed', 'sent', 'failed')),
    entry_count INTEGER DEFAULT 0,
    body_markdown TEXT,
    message_id TEXT,
    sent_at TEXT,
    error_message TEXT,
    created_at TEXT DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS digest_entries (
    entry_id TEXT PRIMARY KEY,
    entry_hash TEXT NOT NULL,
    digest_date TEXT NOT NULL,
    seq INTEGER NOT NULL,
    last_digest_date TEXT NOT NULL,
    title TEXT NOT NULL,
    link TEXT,
    agency TEXT,
    category TEXT,
    entry_date TEXT,
    download_status TEXT NOT NULL DEFAULT 'pending'
        CHECK(download_status IN ('pending', 'downloading', 'downloaded', 'failed', 'manual_needed')),
    claimed_at TEXT,
    resolved_url TEXT,
    kb_doc_id INTEGER,
    error_message TEXT,
    created_at TEXT DEFAULT (datetime('now')),
    updated_at TEXT DEFAULT (datetime('now')),
    UNIQUE(digest_date, seq)
);

CREATE TABLE IF NOT EXISTS digest_items (
    digest_id INTEGER NOT NULL REFERENCES digests(id) ON DELETE CASCADE,
    entry_id TEXT NOT NULL REFERENCES digest_entries(entry_id),
    position INTEGER NOT NULL,
    PRIMARY KEY (digest_id, entry_id)
);

CREATE INDEX IF NOT EXISTS idx_digest_entries_hash ON digest_entries(entry_hash, last_digest_date);
CREATE INDEX IF NOT EXISTS idx_digests_message ON digests(message_id);
CREATE INDEX IF NOT EXISTS idx_digest_items_entry ON digest_items(entry_id);
`)
			return err
		},
	},
	{
		Version:     3,
		Description: "scheduler state, run reports, processed messages",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS scheduler_runs (
    cadence TEXT PRIMARY KEY,
    last_run TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS run_reports (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT UNIQUE NOT NULL,
    run_type TEXT NOT NULL,
    started_at TEXT NOT NULL,
    finished_at TEXT,
    status TEXT NOT NULL DEFAULT 'running'
        CHECK(status IN ('running', 'succeeded', 'failed')),
    entries_fetched INTEGER DEFAULT 0,
    entries_included INTEGER DEFAULT 0,
    pending_created INTEGER DEFAULT 0,
    summaries INTEGER DEFAULT 0,
    digest_id INTEGER,
    error_message TEXT
);

CREATE TABLE IF NOT EXISTS processed_messages (
    message_id TEXT PRIMARY KEY,
    sender TEXT,
    subject TEXT,
    ids_requested INTEGER DEFAULT 0,
    ids_succeeded INTEGER DEFAULT 0,
    processed_at TEXT DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_run_reports_started ON run_reports(started_at);
`)
			return err
		},
	},
	{
		Version:     4,
		Description: "download claims on the pending queue",
		Up: func(tx *sql.Tx) error {
			exists, err := hasColumn(tx, "pending_downloads", "claimed_at")
			if err != nil || exists {
				return err
			}
			_, err = tx.Exec("ALTER TABLE pending_downloads ADD COLUMN claimed_at TEXT")
			return err
		},
	},
}

// hasColumn lets a column-adding migration re-run after a crash between its
// commit and the version update.
func hasColumn(tx *sql.Tx, table, column string) (bool, error) {
	var n int
	err := tx.QueryRow("SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?", table, column).Scan(&n)
	return n > 0, err
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
