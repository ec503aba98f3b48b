package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/lisadonlon/RegulatoryKB/internal/config"
	"github.com/lisadonlon/RegulatoryKB/internal/database"
	"github.com/lisadonlon/RegulatoryKB/internal/retry"
	"github.com/lisadonlon/RegulatoryKB/internal/textmatch"
)

// Store is the sqlite and filesystem backed Archive.
type Store struct {
	db        *database.DB
	dir       string
	client    *http.Client
	policy    retry.Policy
	maxBytes  int64
	minBytes  int
	userAgent string
	logger    *slog.Logger
}

var _ Archive = (*Store)(nil)

// NewStore creates a store rooted at dir.
func NewStore(db *database.DB, dir string, cfg config.Archive, userAgent string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	maxBytes := cfg.MaxDownloadBytes
	if maxBytes <= 0 {
		maxBytes = 100 << 20
	}
	return &Store{
		db:        db,
		dir:       dir,
		client:    &http.Client{Timeout: cfg.Timeout},
		policy:    retry.Policy{Attempts: cfg.Attempts, BaseDelay: cfg.Timeout / 30, MaxDelay: cfg.Timeout},
		maxBytes:  maxBytes,
		minBytes:  cfg.MinDocumentBytes,
		userAgent: userAgent,
		logger:    logger,
	}
}

// DocumentExists reports whether a document was imported from url.
func (s *Store) DocumentExists(ctx context.Context, rawURL string) (bool, error) {
	doc, err := s.db.GetDocumentByURL(textmatch.NormalizeURL(rawURL))
	if err != nil {
		return false, err
	}
	return doc != nil, nil
}

// FindByTitleSimilarity returns the best-matching current document and its
// similarity score. Documents from jurisdiction and international documents
// are considered; an empty jurisdiction searches everything.
func (s *Store) FindByTitleSimilarity(ctx context.Context, title, jurisdiction string) (*database.Document, float64, error) {
	docs, err := s.db.ListDocuments("", 0)
	if err != nil {
		return nil, 0, err
	}
	var best *database.Document
	var bestScore float64
	for i := range docs {
		d := &docs[i]
		if !d.IsLatest {
			continue
		}
		if jurisdiction != "" && d.Jurisdiction != jurisdiction && d.Jurisdiction != "International" {
			continue
		}
		score := textmatch.Similarity(title, d.Title)
		if score > bestScore {
			best, bestScore = d, score
		}
	}
	return best, bestScore, nil
}

// ImportDocument downloads source (an http(s) URL) or copies it (a local
// path) into the archive. Importing content whose hash is already archived
// returns the existing document id.
func (s *Store) ImportDocument(ctx context.Context, source string, meta Metadata) (int64, error) {
	if strings.TrimSpace(meta.Title) == "" {
		return 0, errors.New("import: title is required")
	}
	if meta.Jurisdiction == "" {
		meta.Jurisdiction = Jurisdiction(meta.Agency)
	}

	staging := filepath.Join(s.dir, ".staging")
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return 0, fmt.Errorf("creating staging dir: %w", err)
	}
	tmp := filepath.Join(staging, uuid.NewString()+".part")
	defer os.Remove(tmp)

	var got *payload
	var err error
	if isRemote(source) {
		got, err = s.download(ctx, source, tmp)
	} else {
		got, err = copyLocal(source, tmp)
	}
	if err != nil {
		return 0, err
	}

	if existing, err := s.db.GetDocumentByHash(got.hash); err != nil {
		return 0, err
	} else if existing != nil {
		s.logger.Info("document already archived", "doc_id", existing.ID, "url", source)
		return existing.ID, nil
	}

	ext := extensionFor(got.filename, got.mimeType)
	dest, err := s.destination(meta.Jurisdiction, meta.Title, ext)
	if err != nil {
		return 0, err
	}
	if err := os.Rename(tmp, dest); err != nil {
		return 0, fmt.Errorf("moving document into archive: %w", err)
	}

	docType := meta.ExpectedType
	if docType == "" {
		docType = typeForMIME(got.mimeType)
	}
	id, err := s.db.InsertDocument(database.Document{
		Title:           meta.Title,
		URL:             remoteOrEmpty(source),
		NormalizedURL:   textmatch.NormalizeURL(remoteOrEmpty(source)),
		NormalizedTitle: textmatch.Normalize(meta.Title),
		Jurisdiction:    meta.Jurisdiction,
		Agency:          meta.Agency,
		Category:        meta.Category,
		DocumentType:    docType,
		Identifier:      Identifier(meta.Title),
		FilePath:        dest,
		FileHash:        got.hash,
		FileSize:        got.size,
		MimeType:        got.mimeType,
	})
	if err != nil {
		os.Remove(dest)
		if database.IsUniqueViolation(err) {
			if existing, lerr := s.db.GetDocumentByHash(got.hash); lerr == nil && existing != nil {
				return existing.ID, nil
			}
		}
		return 0, err
	}
	s.logger.Info("imported document", "doc_id", id, "title", meta.Title, "path", dest, "bytes", got.size)
	return id, nil
}

// DetectPriorVersion looks for the current document in the same series,
// marks it superseded by docID, and checks the new content against the
// type it was expected to be.
func (s *Store) DetectPriorVersion(ctx context.Context, docID int64) (*VersionDiff, error) {
	doc, err := s.db.GetDocument(docID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, database.ErrNotFound
	}

	diff := &VersionDiff{NewDocID: doc.ID, NewTitle: doc.Title, Identifier: doc.Identifier}
	diff.MismatchReason = s.mismatch(doc)
	diff.ContentMismatch = diff.MismatchReason != ""

	if doc.Identifier == "" {
		return diff, nil
	}
	prior, err := s.db.LatestDocumentByIdentifier(doc.Identifier, doc.ID)
	if err != nil {
		return nil, err
	}
	if prior == nil || prior.ID > doc.ID {
		return diff, nil
	}
	changed, err := s.db.MarkSuperseded(prior.ID, doc.ID)
	if err != nil {
		return nil, err
	}
	if changed {
		diff.Superseded = true
		diff.OldDocID = prior.ID
		diff.OldTitle = prior.Title
		s.logger.Info("marked document superseded", "old_doc_id", prior.ID, "new_doc_id", doc.ID, "identifier", doc.Identifier)
	}
	return diff, nil
}

func (s *Store) mismatch(doc *database.Document) string {
	switch {
	case strings.HasPrefix(doc.MimeType, "text/html"):
		return "downloaded an HTML page instead of a document"
	case s.minBytes > 0 && doc.FileSize < int64(s.minBytes):
		return fmt.Sprintf("file is only %d bytes", doc.FileSize)
	}
	if want := doc.DocumentType; want != "" && want != "unknown" {
		if got := typeForMIME(doc.MimeType); got != "unknown" && got != want {
			return fmt.Sprintf("expected %s, got %s", want, doc.MimeType)
		}
	}
	return ""
}

var unsafeChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]+`)

func sanitizeFilename(name string) string {
	name = unsafeChars.ReplaceAllString(name, "_")
	name = strings.Join(strings.Fields(name), "_")
	name = strings.Trim(name, "._")
	if len(name) > 120 {
		name = name[:120]
	}
	if name == "" {
		name = "document"
	}
	return name
}

// destination picks a free path under <dir>/<jurisdiction>/.
func (s *Store) destination(jurisdiction, title, ext string) (string, error) {
	dir := filepath.Join(s.dir, strings.ToLower(sanitizeFilename(jurisdiction)))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating archive dir: %w", err)
	}
	base := sanitizeFilename(title)
	for i := 0; ; i++ {
		name := base + ext
		if i > 0 {
			name = fmt.Sprintf("%s_%d%s", base, i, ext)
		}
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			return p, nil
		}
	}
}

func isRemote(source string) bool {
	u, err := url.Parse(source)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https")
}

func remoteOrEmpty(source string) string {
	if isRemote(source) {
		return source
	}
	return ""
}

// extensionFor prefers the served filename's extension, then the sniffed
// type.
func extensionFor(filename, mimeType string) string {
	if ext := strings.ToLower(path.Ext(filename)); ext != "" && len(ext) <= 6 {
		return ext
	}
	switch typeForMIME(mimeType) {
	case "pdf":
		return ".pdf"
	case "word":
		return ".docx"
	case "excel":
		return ".xlsx"
	case "html":
		return ".html"
	}
	return ".bin"
}

func typeForMIME(mt string) string {
	if parsed, _, err := mime.ParseMediaType(mt); err == nil {
		mt = parsed
	}
	switch {
	case strings.Contains(mt, "pdf"):
		return "pdf"
	case strings.Contains(mt, "msword"), strings.Contains(mt, "wordprocessingml"):
		return "word"
	case strings.Contains(mt, "ms-excel"), strings.Contains(mt, "spreadsheetml"):
		return "excel"
	case strings.Contains(mt, "html"):
		return "html"
	}
	return "unknown"
}
