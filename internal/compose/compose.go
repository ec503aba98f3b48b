// Package compose builds dated digests of filtered entries, assigns their
// stable entry identifiers, and delivers them by mail.
package compose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/lisadonlon/RegulatoryKB/internal/analyzer"
	"github.com/lisadonlon/RegulatoryKB/internal/config"
	"github.com/lisadonlon/RegulatoryKB/internal/database"
	"github.com/lisadonlon/RegulatoryKB/internal/filter"
	"github.com/lisadonlon/RegulatoryKB/internal/llm"
	"github.com/lisadonlon/RegulatoryKB/internal/mail"
	"github.com/lisadonlon/RegulatoryKB/internal/retry"
	"github.com/lisadonlon/RegulatoryKB/internal/summarize"
	"github.com/lisadonlon/RegulatoryKB/internal/textmatch"
)

// Type is a digest cadence.
type Type string

const (
	Daily   Type = "daily"
	Weekly  Type = "weekly"
	Monthly Type = "monthly"
)

// ParseType accepts daily, weekly or monthly.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case Daily, Weekly, Monthly:
		return t, nil
	}
	return "", fmt.Errorf("unknown digest type %q (want daily, weekly or monthly)", s)
}

var (
	// ErrNoEntries means nothing qualified for the digest; no record is made.
	ErrNoEntries = errors.New("no entries for digest")
	// ErrDelivery means a composed digest could not be sent. The run that
	// produced it has failed.
	ErrDelivery = errors.New("digest delivery failed")
)

// Item is one candidate for a digest. Summary and Analysis may be nil.
type Item struct {
	Entry    filter.FilteredEntry
	Summary  *summarize.Summary
	Analysis *analyzer.Result
}

// HeldDocID returns the archive document an in_kb item matched.
func (it Item) HeldDocID() *int64 {
	a := it.Analysis
	if a == nil || a.Classification != analyzer.InKB || a.Match == nil {
		return nil
	}
	id := a.Match.DocID
	return &id
}

// EntryHash identifies the same update across digests.
func EntryHash(e filter.FilteredEntry) string {
	return textmatch.ShortHash(textmatch.Normalize(e.Title), textmatch.NormalizeURL(e.Link))
}

// Line is an item placed in a digest under its entry identifier, with the
// download state recorded for it.
type Line struct {
	Item
	EntryID string
	Status  database.DownloadStatus
	KBDocID *int64
}

// Section is one category of a digest.
type Section struct {
	Category string
	Lines    []Line
}

// Composed is a recorded digest with its rendered content.
type Composed struct {
	Digest   *database.Digest
	Type     Type
	Subject  string
	Overview []string
	Sections []Section
	Markdown string
	HTML     string
}

// EntryCount returns the number of lines across sections.
func (c *Composed) EntryCount() int {
	n := 0
	for _, s := range c.Sections {
		n += len(s.Lines)
	}
	return n
}

// Composer records and renders digests. provider and sender may be nil: the
// overview then falls back to a title list, and only dry runs are possible.
type Composer struct {
	db       *database.DB
	provider llm.Provider
	sender   mail.Sender
	cfg      config.Digest
	dataDir  string
	policy   retry.Policy
	now      func() time.Time
	logger   *slog.Logger
}

// NewComposer creates a digest composer.
func NewComposer(db *database.DB, provider llm.Provider, sender mail.Sender, cfg config.Digest, dataDir string, logger *slog.Logger) *Composer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = 35
	}
	return &Composer{
		db:       db,
		provider: provider,
		sender:   sender,
		cfg:      cfg,
		dataDir:  dataDir,
		policy:   retry.Policy{Attempts: cfg.SendAttempts, BaseDelay: 5 * time.Second, MaxDelay: time.Minute},
		now:      time.Now,
		logger:   logger,
	}
}

// LookbackStart is the first digest date whose entries are still reused.
func (c *Composer) LookbackStart(now time.Time) string {
	return database.FormatDate(now.AddDate(0, 0, -c.cfg.LookbackDays))
}

// Select returns the items a digest of type t would carry, best first. It
// writes nothing, so callers can summarize only what will be sent.
func (c *Composer) Select(t Type, items []Item) ([]Item, error) {
	settings, ok := c.cfg.Type(string(t))
	if !ok {
		return nil, fmt.Errorf("unknown digest type %q", t)
	}
	selected := make([]Item, 0, len(items))
	for _, it := range items {
		if settings.HighPriorityOnly && !it.Entry.ShouldAlert() {
			continue
		}
		selected = append(selected, it)
	}
	if t == Daily && len(selected) > 0 {
		delivered, err := c.db.DeliveredHashesSince(c.LookbackStart(c.now()))
		if err != nil {
			return nil, fmt.Errorf("reading delivered entries: %w", err)
		}
		kept := selected[:0]
		for _, it := range selected {
			if !delivered[EntryHash(it.Entry)] {
				kept = append(kept, it)
			}
		}
		selected = kept
	}
	sort.SliceStable(selected, func(i, j int) bool {
		return selected[i].Entry.Score > selected[j].Entry.Score
	})
	if settings.MaxEntries > 0 && len(selected) > settings.MaxEntries {
		selected = selected[:settings.MaxEntries]
	}
	return selected, nil
}

// Compose selects items for a digest of type t, records the digest and its
// entries in one transaction, and renders it.
//
// Items are ranked by score and cut to the cadence's max_entries. A daily
// digest keeps only alert-tier items and skips anything already delivered
// within the lookback window. An item seen in an earlier digest keeps its
// entry identifier.
func (c *Composer) Compose(ctx context.Context, t Type, items []Item) (*Composed, error) {
	selected, err := c.Select(t, items)
	if err != nil {
		return nil, err
	}
	if len(selected) == 0 {
		return nil, ErrNoEntries
	}
	now := c.now()
	date := database.FormatDate(now)
	lookback := c.LookbackStart(now)

	sections := group(selected)
	var inputs []database.DigestItemInput
	for _, s := range sections {
		for _, l := range s.Lines {
			e := l.Entry
			inputs = append(inputs, database.DigestItemInput{
				EntryHash: EntryHash(e),
				Title:     e.Title,
				Link:      e.Link,
				Agency:    e.Agency,
				Category:  e.Category,
				EntryDate: e.DateString(),
				KBDocID:   l.HeldDocID(),
			})
		}
	}

	digest, entries, err := c.db.RecordDigest(string(t), date, lookback, inputs)
	if err != nil {
		return nil, fmt.Errorf("recording digest: %w", err)
	}
	byHash := make(map[string]database.DigestEntry, len(entries))
	for _, e := range entries {
		byHash[e.EntryHash] = e
	}
	seen := make(map[string]bool)
	for si := range sections {
		lines := sections[si].Lines[:0]
		for _, l := range sections[si].Lines {
			rec, ok := byHash[EntryHash(l.Entry)]
			if !ok || seen[rec.EntryID] {
				continue
			}
			seen[rec.EntryID] = true
			l.EntryID, l.Status, l.KBDocID = rec.EntryID, rec.DownloadStatus, rec.KBDocID
			lines = append(lines, l)
		}
		sections[si].Lines = lines
	}
	nonEmpty := sections[:0]
	for _, s := range sections {
		if len(s.Lines) > 0 {
			nonEmpty = append(nonEmpty, s)
		}
	}
	sections = nonEmpty

	composed := &Composed{
		Digest:   digest,
		Type:     t,
		Subject:  c.subject(t, now),
		Sections: sections,
	}
	composed.Overview = c.overview(ctx, composed)
	composed.Markdown = renderMarkdown(composed, now)
	html, err := renderHTML(composed)
	if err != nil {
		return nil, fmt.Errorf("rendering digest: %w", err)
	}
	composed.HTML = html

	if err := c.db.SetDigestContent(digest.ID, composed.Subject, composed.Markdown); err != nil {
		return nil, fmt.Errorf("storing digest content: %w", err)
	}
	digest.Subject, digest.BodyMarkdown = composed.Subject, composed.Markdown

	c.logger.Info("digest composed", "digest", digest.ID, "type", t, "date", date, "entries", composed.EntryCount())
	return composed, nil
}

func (c *Composer) subject(t Type, now time.Time) string {
	prefix := c.cfg.SubjectPrefix
	if prefix == "" {
		prefix = "Regulatory Intelligence"
	}
	kind := "Weekly Digest"
	switch t {
	case Daily:
		kind = "Daily Alert"
	case Monthly:
		kind = "Monthly Digest"
	}
	return fmt.Sprintf("%s %s - %s", prefix, kind, now.Format("January 2, 2006"))
}

// group splits ranked items by category. Sections are ordered by their best
// score, then name; lines keep their ranked order.
func group(items []Item) []Section {
	index := make(map[string]int)
	var sections []Section
	for _, it := range items {
		cat := strings.TrimSpace(it.Entry.Category)
		if cat == "" {
			cat = "Other"
		}
		i, ok := index[cat]
		if !ok {
			i = len(sections)
			index[cat] = i
			sections = append(sections, Section{Category: cat})
		}
		sections[i].Lines = append(sections[i].Lines, Line{Item: it})
	}
	sort.SliceStable(sections, func(i, j int) bool {
		a, b := sections[i].Lines[0].Entry.Score, sections[j].Lines[0].Entry.Score
		if a != b {
			return a > b
		}
		return sections[i].Category < sections[j].Category
	})
	return sections
}
