package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/lisadonlon/RegulatoryKB/internal/analyzer"
	"github.com/lisadonlon/RegulatoryKB/internal/collect"
	"github.com/lisadonlon/RegulatoryKB/internal/compose"
	"github.com/lisadonlon/RegulatoryKB/internal/filter"
	"github.com/lisadonlon/RegulatoryKB/internal/summarize"
)

// Options adjusts one digest run.
type Options struct {
	DryRun   bool     // write an HTML preview instead of sending; no pending rows
	DaysBack int      // overrides the cadence's days_back
	To       []string // overrides digest.recipients
	NoQueue  bool     // classify without writing the pending queue
}

// RunFull runs fetch, filter, analyze, summarize, compose and deliver for a
// digest type. Each step commits before the next starts. A failed fetch or
// delivery fails the run; per-entry failures are reported in step summaries.
func (s *Service) RunFull(ctx context.Context, t compose.Type, opts Options) *Result {
	return s.run(ctx, t, opts, true)
}

// SendDigest composes and delivers a digest without touching the pending
// queue.
func (s *Service) SendDigest(ctx context.Context, t compose.Type, opts Options) *Result {
	return s.run(ctx, t, opts, false)
}

func (s *Service) run(ctx context.Context, t compose.Type, opts Options, analyze bool) *Result {
	runType := "run:" + string(t)
	if !analyze {
		runType = "digest:" + string(t)
	}
	rep := s.startReport(runType)
	r := &Result{RunID: rep.id, Type: t}
	defer func() { rep.finish(r.Err()) }()

	settings, ok := s.cfg.Digest.Type(string(t))
	if !ok {
		r.add(StepResult{Name: "Fetch", Err: fmt.Errorf("unknown digest type %q", t)})
		return r
	}
	days := settings.DaysBack
	if opts.DaysBack > 0 {
		days = opts.DaysBack
	}

	// Step 1: Fetch
	s.logger.Info("step 1/6: fetching entries", "days", days)
	fetched := s.collector.Collect(ctx, days)
	rep.counts.EntriesFetched = len(fetched.Entries)
	step := r.add(fetchStep(fetched))
	if err := ctx.Err(); err != nil {
		r.Steps[len(r.Steps)-1].Err = err
		return r
	}
	if step.Err != nil {
		return r
	}

	// Step 2: Filter
	s.logger.Info("step 2/6: filtering entries")
	filtered := s.filter.Apply(fetched.Entries)
	rep.counts.EntriesIncluded = len(filtered.Included)
	r.add(StepResult{
		Name: "Filter",
		Summary: fmt.Sprintf("Included %d of %d entries (%d high priority)",
			len(filtered.Included), filtered.TotalInput, len(filtered.HighPriority)),
	})

	// Step 3: Analyze
	var analysis *analyzer.Summary
	if analyze {
		s.logger.Info("step 3/6: analyzing against the knowledge base")
		analysis = s.analyzer.Analyze(ctx, filtered.Included, analyzer.Options{NoQueue: opts.DryRun || opts.NoQueue})
		rep.counts.PendingCreated = analysis.PendingCreated
		r.add(analyzeStep(analysis))
	}
	if err := ctx.Err(); err != nil {
		r.add(StepResult{Name: "Summarize", Err: err})
		return r
	}

	// Step 4: Summarize what the digest will carry
	s.logger.Info("step 4/6: summarizing")
	items := digestItems(filtered.Included, analysis)
	selected, err := s.composer.Select(t, items)
	if err != nil {
		r.add(StepResult{Name: "Summarize", Err: err})
		return r
	}
	batch := s.summarizer.SummarizeAll(ctx, entriesOf(selected), summarize.Options{})
	for i := range selected {
		selected[i].Summary = batch.Summaries[i]
	}
	rep.counts.Summaries = batch.Generated + batch.Cached
	r.add(StepResult{
		Name:    "Summarize",
		Summary: fmt.Sprintf("%d summaries (%d generated, %d cached, %d unavailable)", batch.Generated+batch.Cached, batch.Generated, batch.Cached, batch.Failed),
	})

	// Step 5: Compose
	s.logger.Info("step 5/6: composing digest", "type", t)
	composed, err := s.composer.Compose(ctx, t, selected)
	if errors.Is(err, compose.ErrNoEntries) {
		r.add(StepResult{Name: "Compose", Summary: "No entries qualify; nothing to send"})
		return r
	}
	if err != nil {
		r.add(StepResult{Name: "Compose", Err: err})
		return r
	}
	r.Digest = composed
	rep.counts.DigestID = &composed.Digest.ID
	r.add(StepResult{
		Name:    "Compose",
		Summary: fmt.Sprintf("Digest %d: %d entries in %d categories", composed.Digest.ID, composed.EntryCount(), len(composed.Sections)),
	})

	// Step 6: Deliver
	s.logger.Info("step 6/6: delivering digest", "dry_run", opts.DryRun)
	delivery, err := s.composer.Send(ctx, composed, compose.SendOptions{DryRun: opts.DryRun, To: opts.To})
	if err != nil {
		r.add(StepResult{Name: "Deliver", Err: err})
		return r
	}
	r.Delivery = delivery
	if opts.DryRun {
		r.add(StepResult{Name: "Deliver", Summary: "Preview written to " + delivery.PreviewPath})
	} else {
		r.add(StepResult{Name: "Deliver", Summary: fmt.Sprintf("Sent to %d recipients as %s", len(delivery.Recipients), delivery.MessageID)})
	}
	return r
}

func fetchStep(res *collect.Result) StepResult {
	step := StepResult{
		Name: "Fetch",
		Summary: fmt.Sprintf("Found %d entries from %d sources (%d duplicates, %d source errors)",
			len(res.Entries), res.SourcesFetched, res.Duplicates, len(res.Errors)),
	}
	if len(res.Entries) == 0 && len(res.Errors) > 0 && res.SourcesFetched == 0 {
		errs := make([]error, len(res.Errors))
		for i, e := range res.Errors {
			errs[i] = e
		}
		step.Err = fmt.Errorf("every source failed: %w", errors.Join(errs...))
	}
	return step
}

func analyzeStep(sum *analyzer.Summary) StepResult {
	return StepResult{
		Name: "Analyze",
		Summary: fmt.Sprintf("%d already in KB, %d new, %d need review, %d queued, %d errors",
			sum.InKB, sum.New, sum.Manual, sum.PendingCreated, len(sum.Errors)),
	}
}

// digestItems pairs each included entry with its analysis, if it has one.
// Entries whose analysis failed go into the digest unclassified.
func digestItems(included []filter.FilteredEntry, analysis *analyzer.Summary) []compose.Item {
	results := make(map[string]*analyzer.Result)
	if analysis != nil {
		for i := range analysis.Results {
			res := &analysis.Results[i]
			results[compose.EntryHash(res.Entry)] = res
		}
	}
	items := make([]compose.Item, len(included))
	for i, e := range included {
		items[i] = compose.Item{Entry: e, Analysis: results[compose.EntryHash(e)]}
	}
	return items
}

func entriesOf(items []compose.Item) []collect.Entry {
	out := make([]collect.Entry, len(items))
	for i, it := range items {
		out[i] = it.Entry.Entry
	}
	return out
}

// FetchOnly collects entries without filtering or writing anything but the
// run report.
func (s *Service) FetchOnly(ctx context.Context, daysBack int) (*collect.Result, error) {
	rep := s.startReport("fetch")
	if daysBack <= 0 {
		daysBack = s.cfg.Sources.Fetch.DaysBack
	}
	res := s.collector.Collect(ctx, daysBack)
	rep.counts.EntriesFetched = len(res.Entries)
	err := fetchStep(res).Err
	if err == nil {
		err = ctx.Err()
	}
	rep.finish(err)
	return res, err
}

// SyncResult is the outcome of Sync.
type SyncResult struct {
	Fetch    *collect.Result
	Filter   *filter.Result
	Analysis *analyzer.Summary
}

// Sync fetches, filters and analyzes, committing new downloadable entries
// to the pending queue unless noQueue is set.
func (s *Service) Sync(ctx context.Context, daysBack int, noQueue bool) (*SyncResult, error) {
	rep := s.startReport("sync")
	if daysBack <= 0 {
		daysBack = s.cfg.Sources.Fetch.DaysBack
	}
	out := &SyncResult{Fetch: s.collector.Collect(ctx, daysBack)}
	rep.counts.EntriesFetched = len(out.Fetch.Entries)
	if err := fetchStep(out.Fetch).Err; err != nil {
		rep.finish(err)
		return out, err
	}
	out.Filter = s.filter.Apply(out.Fetch.Entries)
	rep.counts.EntriesIncluded = len(out.Filter.Included)
	out.Analysis = s.analyzer.Analyze(ctx, out.Filter.Included, analyzer.Options{NoQueue: noQueue})
	rep.counts.PendingCreated = out.Analysis.PendingCreated
	err := ctx.Err()
	rep.finish(err)
	return out, err
}

// SummaryOptions adjusts GenerateSummaries.
type SummaryOptions struct {
	DaysBack int
	Limit    int
	Style    summarize.Style
	NoCache  bool
}

// SummaryResult pairs the summarized entries with their summaries.
type SummaryResult struct {
	Entries []filter.FilteredEntry
	Batch   *summarize.BatchResult
}

// GenerateSummaries fetches and filters, then summarizes the highest-scoring
// entries, filling the cache for the next digest.
func (s *Service) GenerateSummaries(ctx context.Context, opts SummaryOptions) (*SummaryResult, error) {
	rep := s.startReport("summarize")
	days := opts.DaysBack
	if days <= 0 {
		days = s.cfg.Sources.Fetch.DaysBack
	}
	fetched := s.collector.Collect(ctx, days)
	rep.counts.EntriesFetched = len(fetched.Entries)
	if err := fetchStep(fetched).Err; err != nil {
		rep.finish(err)
		return nil, err
	}
	included := s.filter.Apply(fetched.Entries).Included
	rep.counts.EntriesIncluded = len(included)
	sort.SliceStable(included, func(i, j int) bool { return included[i].Score > included[j].Score })
	if opts.Limit > 0 && len(included) > opts.Limit {
		included = included[:opts.Limit]
	}

	entries := make([]collect.Entry, len(included))
	for i, e := range included {
		entries[i] = e.Entry
	}
	batch := s.summarizer.SummarizeAll(ctx, entries, summarize.Options{Style: opts.Style, NoCache: opts.NoCache})
	rep.counts.Summaries = batch.Generated + batch.Cached
	err := ctx.Err()
	rep.finish(err)
	return &SummaryResult{Entries: included, Batch: batch}, err
}
