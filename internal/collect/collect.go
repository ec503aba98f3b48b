package collect

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/lisadonlon/RegulatoryKB/internal/config"
	"github.com/lisadonlon/RegulatoryKB/internal/retry"
	"github.com/lisadonlon/RegulatoryKB/internal/textmatch"
)

// Result holds the results of a collection run.
type Result struct {
	Entries        []Entry
	Errors         []*SourceError
	SourcesFetched int
	TotalFound     int
	Unparsed       int
	OutOfWindow    int
	Duplicates     int
	Sources        map[string]int
}

// Collector gathers entries from every configured source.
type Collector struct {
	sources         []Source
	expanders       []Expander
	policy          retry.Policy
	concurrency     int
	titleSimilarity float64
	logger          *slog.Logger
	now             func() time.Time
}

// NewCollector creates a collector for the sources named in cfg.
func NewCollector(cfg *config.Config, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	fetch := cfg.Sources.Fetch
	client := &http.Client{Timeout: fetch.Timeout}
	policy := retry.Policy{Attempts: fetch.Attempts, BaseDelay: fetch.Backoff, MaxDelay: 30 * time.Second}

	c := &Collector{
		policy:          policy,
		concurrency:     fetch.Concurrency,
		titleSimilarity: cfg.Sources.TitleSimilarity,
		logger:          logger,
		now:             time.Now,
	}

	if ioi := cfg.Sources.IndexOfIndexes; ioi.Enabled && ioi.BaseURL != "" {
		c.AddExpander(NewIndexSource(ioi, client, fetch.UserAgent, policy, logger))
	}
	for _, f := range cfg.Sources.Feeds {
		c.AddSource(NewFeedSource(f, client, fetch.UserAgent))
	}
	if api := cfg.Sources.APIs.NewsAPI; api.Enabled {
		news := NewNewsAPISource(api, client)
		if news.IsConfigured() {
			c.AddSource(news)
		} else {
			logger.Warn("NewsAPI enabled but no key set", "env", api.APIKeyEnv)
		}
	}
	return c
}

// AddSource registers a source.
func (c *Collector) AddSource(s Source) { c.sources = append(c.sources, s) }

// AddExpander registers a source that discovers further sources.
func (c *Collector) AddExpander(e Expander) { c.expanders = append(c.expanders, e) }

// Collect fetches all sources concurrently and returns the merged entries
// dated within the last daysBack days. A failing source is recorded in
// Result.Errors and does not abort the run. The output order is
// deterministic: date descending, then agency, title and link.
func (c *Collector) Collect(ctx context.Context, daysBack int) *Result {
	r := &Result{Sources: make(map[string]int)}
	w := NewWindow(c.now(), daysBack)

	leaves := append([]Source(nil), c.sources...)
	for _, exp := range c.expanders {
		found, err := exp.Expand(ctx)
		if err != nil {
			c.logger.Warn("source unavailable", "source", exp.Name(), "err", err)
			r.Errors = append(r.Errors, &SourceError{Source: exp.Name(), Err: err})
			continue
		}
		c.logger.Info("discovered sources", "source", exp.Name(), "count", len(found))
		leaves = append(leaves, found...)
	}

	type outcome struct {
		entries []Entry
		err     error
	}
	outcomes := make([]outcome, len(leaves))

	limit := c.concurrency
	if limit <= 0 {
		limit = 4
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for i, src := range leaves {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			var entries []Entry
			err := retry.Do(ctx, c.policy, "fetch "+src.Name(), func(ctx context.Context) error {
				got, err := src.Fetch(ctx, w)
				if err != nil {
					return err
				}
				entries = got
				return nil
			})
			outcomes[i] = outcome{entries: entries, err: err}
		}(i, src)
	}
	wg.Wait()

	var all []Entry
	for i, o := range outcomes {
		name := leaves[i].Name()
		if o.err != nil {
			c.logger.Warn("source unavailable", "source", name, "err", o.err)
			r.Errors = append(r.Errors, &SourceError{Source: name, Err: o.err})
			continue
		}
		r.SourcesFetched++
		r.TotalFound += len(o.entries)
		for _, e := range o.entries {
			switch {
			case e.Date.IsZero():
				r.Unparsed++
			case !w.Contains(e.Date):
				r.OutOfWindow++
			default:
				all = append(all, e)
			}
		}
	}

	sortEntries(all)
	r.Entries = dedupe(all, c.titleSimilarity)
	r.Duplicates = len(all) - len(r.Entries)
	for _, e := range r.Entries {
		r.Sources[e.Source]++
	}

	c.logger.Info("collection complete",
		"sources", r.SourcesFetched, "failed", len(r.Errors),
		"found", r.TotalFound, "kept", len(r.Entries),
		"duplicates", r.Duplicates, "unparsed", r.Unparsed)
	return r
}

func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.After(b.Date)
		}
		if a.Agency != b.Agency {
			return a.Agency < b.Agency
		}
		if a.Title != b.Title {
			return a.Title < b.Title
		}
		return a.Link < b.Link
	})
}

// dedupe collapses entries sharing an identity key, keeping the one with a
// direct link, then entries from the same agency on the same date whose
// titles are at least threshold similar. Input must be sorted; order is
// preserved.
func dedupe(entries []Entry, threshold float64) []Entry {
	index := make(map[string]int, len(entries))
	var out []Entry
	for _, e := range entries {
		key := e.IdentityKey()
		if i, ok := index[key]; ok {
			if e.DirectLink && !out[i].DirectLink {
				out[i] = e
			}
			continue
		}
		if threshold > 0 && threshold < 1 {
			if i := nearDuplicate(out, e, threshold); i >= 0 {
				if e.DirectLink && !out[i].DirectLink {
					out[i] = e
				}
				index[key] = i
				continue
			}
		}
		index[key] = len(out)
		out = append(out, e)
	}
	return out
}

func nearDuplicate(kept []Entry, e Entry, threshold float64) int {
	agency := textmatch.Normalize(e.Agency)
	for i := len(kept) - 1; i >= 0; i-- {
		k := kept[i]
		if !k.Date.Equal(e.Date) {
			break
		}
		if textmatch.Normalize(k.Agency) != agency {
			continue
		}
		if textmatch.Similarity(k.Title, e.Title) >= threshold {
			return i
		}
	}
	return -1
}
