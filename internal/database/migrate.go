package database

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

// ErrUnversionedSchema is returned when a database already holds tables but
// carries no schema version, e.g. a file written by another tool.
var ErrUnversionedSchema = errors.New("database has tables but no schema version")

// schemaVersion reads PRAGMA user_version.
func schemaVersion(conn *sql.DB) (int, error) {
	var version int
	if err := conn.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

// userTables lists the tables present, ignoring sqlite internals.
func userTables(conn *sql.DB) ([]string, error) {
	rows, err := conn.Query(
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name",
	)
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// migrate applies every migration newer than the stored user_version, one
// transaction each. A database from a newer build is refused rather than
// written with an older schema.
func migrate(conn *sql.DB) error {
	current, err := schemaVersion(conn)
	if err != nil {
		return err
	}
	latest := latestVersion()
	switch {
	case current > latest:
		return fmt.Errorf("schema version %d is newer than this build supports (%d)", current, latest)
	case current == latest:
		return nil
	case current == 0:
		tables, err := userTables(conn)
		if err != nil {
			return err
		}
		if len(tables) > 0 {
			return fmt.Errorf("%w: found %v; use a fresh output.data_dir", ErrUnversionedSchema, tables)
		}
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		slog.Info("applying migration", "version", m.Version, "description", m.Description)
		if err := applyMigration(conn, m); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(conn *sql.DB, m Migration) error {
	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.Version, err)
	}
	if err := m.Up(tx); err != nil {
		tx.Rollback()
		return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.Version, err)
	}

	// modernc/sqlite does not apply user_version inside a transaction. The
	// DDL uses IF NOT EXISTS, so re-running after a crash here is safe.
	if _, err := conn.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.Version)); err != nil {
		return fmt.Errorf("setting version %d: %w", m.Version, err)
	}
	return nil
}
