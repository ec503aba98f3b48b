// Package summarize writes short structured summaries of regulatory updates
// and caches them by content fingerprint.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lisadonlon/RegulatoryKB/internal/collect"
	"github.com/lisadonlon/RegulatoryKB/internal/config"
	"github.com/lisadonlon/RegulatoryKB/internal/database"
	"github.com/lisadonlon/RegulatoryKB/internal/llm"
	"github.com/lisadonlon/RegulatoryKB/internal/retry"
	"github.com/lisadonlon/RegulatoryKB/internal/textmatch"
)

// ErrSummarization wraps every failure to produce a summary. The entry
// carries on without one.
var ErrSummarization = errors.New("summarization failed")

// Summary is a structured summary of one entry.
type Summary struct {
	Fingerprint  string
	Style        Style
	WhatHappened string
	WhyItMatters string
	ActionNeeded string
	Model        string
	Cached       bool
}

// Fingerprint is the cache key for an entry's summary. Only the snippet the
// source delivered counts, so fetched page text does not change the key.
func Fingerprint(e collect.Entry) string {
	return textmatch.ShortHash(textmatch.Normalize(e.Title), textmatch.Normalize(e.Agency), e.Snippet)
}

// SnippetFetcher supplies page text for entries whose source gave none.
type SnippetFetcher interface {
	Snippet(ctx context.Context, url string) (string, error)
}

// Options adjusts one summarization.
type Options struct {
	Style   Style // zero means the configured style
	NoCache bool  // skip the cache lookup; the result is still stored
}

// Summarizer produces summaries through an llm.Provider.
type Summarizer struct {
	db        *database.DB
	provider  llm.Provider
	fetcher   SnippetFetcher
	style     Style
	maxTokens int
	policy    retry.Policy
	logger    *slog.Logger
}

// New creates a summarizer. provider may be nil, in which case only cached
// summaries are returned. fetcher may be nil.
func New(db *database.DB, provider llm.Provider, fetcher SnippetFetcher, cfg config.Summarization, logger *slog.Logger) *Summarizer {
	if logger == nil {
		logger = slog.Default()
	}
	style, err := ParseStyle(cfg.Style)
	if err != nil {
		logger.Warn("unknown summary style, using layperson", "style", cfg.Style)
		style = Layperson
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 500
	}
	return &Summarizer{
		db:        db,
		provider:  provider,
		fetcher:   fetcher,
		style:     style,
		maxTokens: maxTokens,
		policy:    retry.Policy{Attempts: cfg.Attempts, BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second},
		logger:    logger,
	}
}

// Summarize returns the cached summary for e, or generates and caches one.
// Failures wrap ErrSummarization and write nothing to the cache.
func (s *Summarizer) Summarize(ctx context.Context, e collect.Entry, opts Options) (*Summary, error) {
	style := opts.Style
	if style == "" {
		style = s.style
	}
	fp := Fingerprint(e)

	if !opts.NoCache {
		cached, err := s.db.GetSummary(fp, string(style))
		if err != nil {
			return nil, fmt.Errorf("reading summary cache: %w", err)
		}
		if cached != nil {
			return fromCache(cached), nil
		}
	}

	if s.provider == nil {
		return nil, fmt.Errorf("%w: no language model available", ErrSummarization)
	}

	snippet := e.Snippet
	if snippet == "" && s.fetcher != nil && e.Link != "" {
		text, err := s.fetcher.Snippet(ctx, e.Link)
		if err != nil {
			s.logger.Debug("no page text for summary", "url", e.Link, "err", err)
		}
		snippet = text
	}

	prompt := buildPrompt(e, snippet, style)
	var text string
	err := retry.Do(ctx, s.policy, "summarize", func(ctx context.Context) error {
		out, err := s.provider.Generate(ctx, prompt, s.maxTokens)
		text = out
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSummarization, e.Title, err)
	}

	parsed := parseResponse(text)
	if parsed.WhatHappened == "" {
		return nil, fmt.Errorf("%w: %s: empty response", ErrSummarization, e.Title)
	}

	sum := &Summary{
		Fingerprint:  fp,
		Style:        style,
		WhatHappened: parsed.WhatHappened,
		WhyItMatters: parsed.WhyItMatters,
		ActionNeeded: parsed.ActionNeeded,
		Model:        s.provider.Name(),
	}
	if _, err := s.db.PutSummary(database.CachedSummary{
		Fingerprint:  fp,
		Style:        string(style),
		Title:        e.Title,
		Agency:       e.Agency,
		WhatHappened: sum.WhatHappened,
		WhyItMatters: sum.WhyItMatters,
		ActionNeeded: sum.ActionNeeded,
		Model:        sum.Model,
	}); err != nil {
		s.logger.Warn("failed to cache summary", "fingerprint", fp, "err", err)
	}
	return sum, nil
}

func fromCache(c *database.CachedSummary) *Summary {
	return &Summary{
		Fingerprint:  c.Fingerprint,
		Style:        Style(c.Style),
		WhatHappened: c.WhatHappened,
		WhyItMatters: c.WhyItMatters,
		ActionNeeded: c.ActionNeeded,
		Model:        c.Model,
		Cached:       true,
	}
}

// BatchResult holds the outcome of SummarizeAll. Summaries is aligned with
// the input; a nil element means the entry has no summary.
type BatchResult struct {
	Summaries []*Summary
	Generated int
	Cached    int
	Failed    int
	Errors    []error
}

// SummarizeAll summarizes each entry. A fingerprint that fails is not tried
// again for the rest of the batch.
func (s *Summarizer) SummarizeAll(ctx context.Context, entries []collect.Entry, opts Options) *BatchResult {
	r := &BatchResult{Summaries: make([]*Summary, len(entries))}
	failed := make(map[string]bool)
	done := make(map[string]*Summary)

	for i, e := range entries {
		if ctx.Err() != nil {
			r.Errors = append(r.Errors, ctx.Err())
			break
		}
		fp := Fingerprint(e)
		if failed[fp] {
			r.Failed++
			continue
		}
		if sum, ok := done[fp]; ok {
			r.Summaries[i] = sum
			continue
		}

		sum, err := s.Summarize(ctx, e, opts)
		if err != nil {
			s.logger.Warn("summary unavailable", "title", e.Title, "err", err)
			failed[fp] = true
			r.Failed++
			r.Errors = append(r.Errors, err)
			continue
		}
		if sum.Cached {
			r.Cached++
		} else {
			r.Generated++
		}
		done[fp] = sum
		r.Summaries[i] = sum
	}
	s.logger.Info("summaries ready", "generated", r.Generated, "cached", r.Cached, "failed", r.Failed)
	return r
}

// Stats returns the cache size, total and by style.
func (s *Summarizer) Stats() (int, map[string]int, error) {
	return s.db.SummaryCacheStats()
}

// ClearCache removes every cached summary.
func (s *Summarizer) ClearCache() (int64, error) {
	n, err := s.db.ClearSummaries()
	if err == nil {
		s.logger.Info("summary cache cleared", "removed", n)
	}
	return n, err
}
