// Package analyzer cross-references filtered entries against the archive
// and owns the pending-approval queue for new documents.
package analyzer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lisadonlon/RegulatoryKB/internal/archive"
	"github.com/lisadonlon/RegulatoryKB/internal/config"
	"github.com/lisadonlon/RegulatoryKB/internal/database"
	"github.com/lisadonlon/RegulatoryKB/internal/filter"
	"github.com/lisadonlon/RegulatoryKB/internal/resolver"
)

// Classification is the analyzer's verdict for one entry.
type Classification string

const (
	InKB            Classification = "in_kb"
	NewDownloadable Classification = "new_downloadable"
	RequiresManual  Classification = "requires_manual"
)

// ReasonAmbiguousTitle marks an archive title match too weak to trust.
const ReasonAmbiguousTitle = "ambiguous_title_match"

// Match types.
const (
	MatchURL   = "url"
	MatchTitle = "title"
)

// Match is the archive document an entry was matched against.
type Match struct {
	DocID      int64
	Title      string
	Type       string
	Confidence float64
}

// Result is the analysis of one entry.
type Result struct {
	Entry          filter.FilteredEntry
	Classification Classification
	Match          *Match
	ManualReason   string
	Resolved       *resolver.Result
	PendingID      int64
}

// Summary collects the results of one Analyze call.
type Summary struct {
	Results        []Result
	InKB           int
	New            int
	Manual         int
	PendingCreated int
	Errors         []error
}

// ByClassification returns the results with the given classification, in
// input order.
func (s *Summary) ByClassification(c Classification) []Result {
	var out []Result
	for _, r := range s.Results {
		if r.Classification == c {
			out = append(out, r)
		}
	}
	return out
}

// URLResolver is the part of the resolver the analyzer needs.
type URLResolver interface {
	Resolve(ctx context.Context, url string) resolver.Result
}

// Options adjusts one Analyze call.
type Options struct {
	// NoQueue classifies without writing new_downloadable entries to the
	// pending queue.
	NoQueue bool
}

// Analyzer classifies entries as already held, new and downloadable, or
// needing a person.
type Analyzer struct {
	db        *database.DB
	archive   archive.Archive
	resolver  URLResolver
	threshold float64
	floor     float64
	logger    *slog.Logger
}

// New creates an analyzer.
func New(db *database.DB, arc archive.Archive, res URLResolver, cfg config.Analyzer, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	threshold := cfg.TitleMatchThreshold
	if threshold <= 0 {
		threshold = 0.92
	}
	floor := cfg.AmbiguousFloor
	if floor <= 0 || floor > threshold {
		floor = threshold
	}
	return &Analyzer{db: db, archive: arc, resolver: res, threshold: threshold, floor: floor, logger: logger}
}

// Analyze classifies every entry. A failure on one entry is recorded in the
// summary and does not stop the others.
func (a *Analyzer) Analyze(ctx context.Context, entries []filter.FilteredEntry, opts Options) *Summary {
	s := &Summary{}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			s.Errors = append(s.Errors, err)
			break
		}
		r, err := a.Classify(ctx, e)
		if err != nil {
			a.logger.Warn("analysis failed", "title", e.Title, "err", err)
			s.Errors = append(s.Errors, fmt.Errorf("%s: %w", e.Title, err))
			continue
		}

		if r.Classification == NewDownloadable && !opts.NoQueue {
			id, created, err := a.db.InsertPending(database.NewPending{
				Title:          e.Title,
				URL:            r.Resolved.ResolvedURL,
				Agency:         e.Agency,
				Category:       e.Category,
				EntryDate:      e.DateString(),
				RelevanceScore: e.Score,
				Keywords:       e.MatchedKeywords,
			})
			if err != nil {
				s.Errors = append(s.Errors, fmt.Errorf("queueing %s: %w", e.Title, err))
			} else {
				r.PendingID = id
				if created {
					s.PendingCreated++
				}
			}
		}

		switch r.Classification {
		case InKB:
			s.InKB++
		case NewDownloadable:
			s.New++
		case RequiresManual:
			s.Manual++
		}
		s.Results = append(s.Results, r)
	}
	a.logger.Info("analysis complete", "in_kb", s.InKB, "new", s.New, "manual", s.Manual,
		"queued", s.PendingCreated, "errors", len(s.Errors))
	return s
}

// Classify analyzes one entry without touching the pending queue.
func (a *Analyzer) Classify(ctx context.Context, e filter.FilteredEntry) (Result, error) {
	r := Result{Entry: e}

	if m, err := a.urlMatch(ctx, e.Link); err != nil {
		return r, err
	} else if m != nil {
		r.Classification, r.Match = InKB, m
		return r, nil
	}

	doc, score, err := a.archive.FindByTitleSimilarity(ctx, e.Title, archive.Jurisdiction(e.Agency))
	if err != nil {
		return r, fmt.Errorf("title search: %w", err)
	}
	if doc != nil && score >= a.floor {
		r.Match = &Match{DocID: doc.ID, Title: doc.Title, Type: MatchTitle, Confidence: score}
		if score >= a.threshold {
			r.Classification = InKB
			return r, nil
		}
		r.Classification = RequiresManual
		r.ManualReason = ReasonAmbiguousTitle
		return r, nil
	}

	res := a.resolver.Resolve(ctx, e.Link)
	r.Resolved = &res
	if !res.Direct() {
		r.Classification = RequiresManual
		r.ManualReason = res.ManualReason()
		return r, nil
	}

	// The feed link may have been a redirect to something already held.
	if res.ResolvedURL != e.Link {
		if m, err := a.urlMatch(ctx, res.ResolvedURL); err != nil {
			return r, err
		} else if m != nil {
			r.Classification, r.Match = InKB, m
			return r, nil
		}
	}
	r.Classification = NewDownloadable
	return r, nil
}

func (a *Analyzer) urlMatch(ctx context.Context, url string) (*Match, error) {
	if url == "" {
		return nil, nil
	}
	ok, err := a.archive.DocumentExists(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("url lookup: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &Match{Type: MatchURL, Confidence: 1}, nil
}
