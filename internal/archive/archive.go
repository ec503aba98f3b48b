// Package archive is the local document knowledge base the pipeline checks
// candidates against and imports downloads into.
package archive

import (
	"context"
	"errors"
	"fmt"

	"github.com/lisadonlon/RegulatoryKB/internal/database"
)

// Archive is the surface the analyzer and reply handler depend on.
type Archive interface {
	DocumentExists(ctx context.Context, url string) (bool, error)
	FindByTitleSimilarity(ctx context.Context, title, jurisdiction string) (*database.Document, float64, error)
	ImportDocument(ctx context.Context, source string, meta Metadata) (int64, error)
	DetectPriorVersion(ctx context.Context, docID int64) (*VersionDiff, error)
}

// Metadata describes a document being imported.
type Metadata struct {
	Title        string
	Agency       string
	Category     string
	Jurisdiction string // inferred from Agency when empty
	// ExpectedType is the document type the link promised (pdf, word,
	// excel). It is compared with the sniffed content.
	ExpectedType string
}

// VersionDiff reports what importing a document changed in the archive.
type VersionDiff struct {
	NewDocID   int64
	NewTitle   string
	Identifier string

	Superseded bool
	OldDocID   int64
	OldTitle   string

	ContentMismatch bool
	MismatchReason  string
}

// Warnings renders the diff as human-readable lines.
func (v *VersionDiff) Warnings() []string {
	if v == nil {
		return nil
	}
	var out []string
	if v.Superseded {
		out = append(out, fmt.Sprintf("supersedes [%d] %s (%s)", v.OldDocID, v.OldTitle, v.Identifier))
	}
	if v.ContentMismatch {
		out = append(out, "content mismatch: "+v.MismatchReason)
	}
	return out
}

// ErrDownload is matched by every DownloadError.
var ErrDownload = errors.New("download failed")

// DownloadError records a failed document download.
type DownloadError struct {
	URL    string
	Status int
	Err    error
}

func (e *DownloadError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("download %s: HTTP %d", e.URL, e.Status)
	}
	return fmt.Sprintf("download %s: %v", e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

func (e *DownloadError) Is(target error) bool { return target == ErrDownload }
