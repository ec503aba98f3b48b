package collect

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/lisadonlon/RegulatoryKB/internal/config"
	"github.com/lisadonlon/RegulatoryKB/internal/retry"
)

const defaultMaxPerFeed = 20

// FeedSource reads an RSS or Atom feed published by an agency.
type FeedSource struct {
	cfg       config.Feed
	client    *http.Client
	userAgent string
	now       func() time.Time
}

// NewFeedSource creates a source for one configured feed.
func NewFeedSource(cfg config.Feed, client *http.Client, userAgent string) *FeedSource {
	if cfg.Name == "" {
		cfg.Name = extractSourceName(cfg.URL)
	}
	return &FeedSource{cfg: cfg, client: client, userAgent: userAgent, now: time.Now}
}

func (s *FeedSource) Name() string { return s.cfg.Name }

// Fetch parses the feed. Undated items are stamped with today's date so
// they survive the window filter.
func (s *FeedSource) Fetch(ctx context.Context, w Window) ([]Entry, error) {
	parser := gofeed.NewParser()
	parser.Client = s.client
	parser.UserAgent = s.userAgent

	feed, err := parser.ParseURLWithContext(s.cfg.URL, ctx)
	if err != nil {
		var herr gofeed.HTTPError
		if errors.As(err, &herr) && herr.StatusCode < 500 && herr.StatusCode != http.StatusTooManyRequests {
			return nil, retry.Permanent(fmt.Errorf("parsing feed %s: %w", s.cfg.URL, err))
		}
		return nil, fmt.Errorf("parsing feed %s: %w", s.cfg.URL, err)
	}

	limit := s.cfg.MaxItems
	if limit <= 0 {
		limit = defaultMaxPerFeed
	}

	var entries []Entry
	for _, item := range feed.Items {
		if len(entries) >= limit {
			break
		}
		e, ok := s.parseItem(item)
		if !ok {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *FeedSource) parseItem(item *gofeed.Item) (Entry, bool) {
	link := strings.TrimSpace(item.Link)
	if link == "" && strings.HasPrefix(item.GUID, "http") {
		link = item.GUID
	}
	title := strings.Join(strings.Fields(item.Title), " ")
	if title == "" {
		return Entry{}, false
	}
	if !matchesAny(title, s.cfg.RequireTerms) {
		return Entry{}, false
	}

	var date time.Time
	var raw string
	switch {
	case item.PublishedParsed != nil:
		date, raw = day(*item.PublishedParsed), item.Published
	case item.UpdatedParsed != nil:
		date, raw = day(*item.UpdatedParsed), item.Updated
	default:
		date = day(s.now())
	}

	snippet := item.Description
	if snippet == "" {
		snippet = item.Content
	}

	agency := s.cfg.Agency
	if agency == "" {
		agency = s.cfg.Name
	}
	return Entry{
		Date:       date,
		RawDate:    raw,
		Agency:     agency,
		Category:   s.cfg.Category,
		Title:      title,
		Link:       link,
		Snippet:    truncate(stripHTML(snippet), 1000),
		Source:     s.cfg.Name,
		DirectLink: link != "",
	}, true
}

// matchesAny reports whether title contains one of terms, case-insensitively.
// An empty term list matches everything.
func matchesAny(title string, terms []string) bool {
	if len(terms) == 0 {
		return true
	}
	lower := strings.ToLower(title)
	for _, t := range terms {
		if strings.Contains(lower, strings.ToLower(t)) {
			return true
		}
	}
	return false
}

func extractSourceName(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil || u.Host == "" {
		return "Unknown"
	}
	host := strings.TrimPrefix(u.Host, "www.")
	parts := strings.Split(host, ".")
	if len(parts) >= 2 {
		return strings.ToUpper(parts[len(parts)-2])
	}
	return host
}
