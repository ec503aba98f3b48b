package database

import (
	"database/sql"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

const documentColumns = `id, title, url, normalized_url, normalized_title, jurisdiction, agency, category,
	document_type, doc_identifier, file_path, file_hash, file_size, mime_type, is_latest, superseded_by, imported_at`

// InsertDocument stores an archived document and returns its ID.
func (db *DB) InsertDocument(d Document) (int64, error) {
	res, err := db.conn.Exec(
		`INSERT INTO documents
		(title, url, normalized_url, normalized_title, jurisdiction, agency, category, document_type,
		 doc_identifier, file_path, file_hash, file_size, mime_type, is_latest)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		d.Title, d.URL, d.NormalizedURL, d.NormalizedTitle, d.Jurisdiction, d.Agency, d.Category,
		d.DocumentType, nullIfEmpty(d.Identifier), d.FilePath, nullIfEmpty(d.FileHash), d.FileSize, d.MimeType,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting document: %w", err)
	}
	return res.LastInsertId()
}

// GetDocument returns a document by ID, or nil.
func (db *DB) GetDocument(id int64) (*Document, error) {
	return db.firstDocument(sq.Eq{"id": id})
}

// GetDocumentByHash returns the document with the given content hash, or nil.
func (db *DB) GetDocumentByHash(hash string) (*Document, error) {
	return db.firstDocument(sq.Eq{"file_hash": hash})
}

// GetDocumentByURL returns a document whose normalized URL matches, or nil.
func (db *DB) GetDocumentByURL(normalizedURL string) (*Document, error) {
	if normalizedURL == "" {
		return nil, nil
	}
	return db.firstDocument(sq.Eq{"normalized_url": normalizedURL})
}

// LatestDocumentByIdentifier returns the current version of a document
// series other than excludeID, or nil.
func (db *DB) LatestDocumentByIdentifier(identifier string, excludeID int64) (*Document, error) {
	if identifier == "" {
		return nil, nil
	}
	return db.firstDocument(sq.And{
		sq.Eq{"doc_identifier": identifier, "is_latest": 1},
		sq.NotEq{"id": excludeID},
	})
}

// ListDocuments returns documents, optionally restricted to one
// jurisdiction, newest first.
func (db *DB) ListDocuments(jurisdiction string, limit int) ([]Document, error) {
	q := sq.Select(documentColumns).From("documents").OrderBy("id DESC")
	if jurisdiction != "" {
		q = q.Where(sq.Eq{"jurisdiction": jurisdiction})
	}
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	return db.queryDocuments(q)
}

// MarkSuperseded flags oldID as replaced by newID. It is a no-op when oldID
// is already superseded.
func (db *DB) MarkSuperseded(oldID, newID int64) (bool, error) {
	res, err := db.conn.Exec(
		"UPDATE documents SET is_latest = 0, superseded_by = ? WHERE id = ? AND is_latest = 1", newID, oldID,
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (db *DB) firstDocument(where sq.Sqlizer) (*Document, error) {
	docs, err := db.queryDocuments(sq.Select(documentColumns).From("documents").Where(where).OrderBy("id DESC").Limit(1))
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return &docs[0], nil
}

func (db *DB) queryDocuments(q sq.SelectBuilder) ([]Document, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var d Document
		var url, nurl, ntitle, jur, agency, cat, dtype, ident, path, hash, mime sql.NullString
		var latest int
		if err := rows.Scan(&d.ID, &d.Title, &url, &nurl, &ntitle, &jur, &agency, &cat, &dtype, &ident,
			&path, &hash, &d.FileSize, &mime, &latest, &d.SupersededBy, &d.ImportedAt); err != nil {
			return nil, err
		}
		d.URL, d.NormalizedURL, d.NormalizedTitle = url.String, nurl.String, ntitle.String
		d.Jurisdiction, d.Agency, d.Category, d.DocumentType = jur.String, agency.String, cat.String, dtype.String
		d.Identifier, d.FilePath, d.FileHash, d.MimeType = ident.String, path.String, hash.String, mime.String
		d.IsLatest = latest == 1
		out = append(out, d)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// IsUniqueViolation reports whether err came from a UNIQUE constraint.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
