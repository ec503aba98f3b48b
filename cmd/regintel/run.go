package main

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/lisadonlon/RegulatoryKB/internal/collect"
	"github.com/lisadonlon/RegulatoryKB/internal/compose"
	"github.com/lisadonlon/RegulatoryKB/internal/database"
	"github.com/lisadonlon/RegulatoryKB/internal/pipeline"
	"github.com/lisadonlon/RegulatoryKB/internal/summarize"
)

// --- status command ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store counts, schedule state and recent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeFn, err := openService(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		st, err := svc.Status()
		if err != nil {
			return fmt.Errorf("getting status: %w", err)
		}

		fmt.Println(heading("Knowledge base"))
		fmt.Printf("  Documents: %d\n", st.Stats.Documents)
		fmt.Printf("  Cached summaries: %d\n", st.Stats.CachedSummaries)
		fmt.Println()
		fmt.Println(heading("Pending downloads"))
		printCounts(st.Pending)
		fmt.Println()
		fmt.Println(heading("Digests"))
		fmt.Printf("  Sent: %d\n", st.Stats.DigestsSent)
		fmt.Printf("  Tracked entries: %d (%d downloaded)\n", st.Stats.TrackedEntries, st.Stats.EntriesDownloaded)
		fmt.Printf("  Replies processed: %d\n", st.Stats.RepliesProcessed)
		for _, d := range st.LastDigests {
			fmt.Printf("  #%d %s %s %s\n", d.ID, d.Date, d.Type, statusText(d.Status))
		}
		fmt.Println()
		fmt.Println(heading("Services"))
		fmt.Printf("  Summarization: %s\n", orNone(st.Provider))
		fmt.Printf("  Mail sender: %s\n", configured(st.MailSender))
		fmt.Printf("  Mail inbox: %s\n", configured(st.MailInbox))

		if len(st.LastRuns) > 0 {
			fmt.Println()
			fmt.Println(heading("Last scheduled runs"))
			names := make([]string, 0, len(st.LastRuns))
			for k := range st.LastRuns {
				names = append(names, k)
			}
			sort.Strings(names)
			for _, k := range names {
				fmt.Printf("  %s: %s\n", k, st.LastRuns[k].Local().Format("2006-01-02 15:04"))
			}
		}
		if len(st.RecentRuns) > 0 {
			fmt.Println()
			fmt.Println(heading("Recent runs"))
			fmt.Println(runTable(st.RecentRuns))
		}
		return nil
	},
}

func printCounts[K ~string](counts map[K]int) {
	if len(counts) == 0 {
		fmt.Println("  none")
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %s: %d\n", statusText(k), counts[K(k)])
	}
}

func runTable(runs []database.RunReport) string {
	rows := make([][]string, len(runs))
	for i, r := range runs {
		digest := ""
		if r.DigestID != nil {
			digest = "#" + strconv.FormatInt(*r.DigestID, 10)
		}
		rows[i] = []string{
			r.StartedAt,
			r.RunType,
			statusText(r.Status),
			strconv.Itoa(r.EntriesFetched),
			strconv.Itoa(r.EntriesIncluded),
			strconv.Itoa(r.PendingCreated),
			strconv.Itoa(r.Summaries),
			digest,
			truncate(deref(r.ErrorMessage), 40),
		}
	}
	return renderTable(
		[]string{"Started", "Type", "Status", "Fetched", "Included", "Queued", "Summaries", "Digest", "Error"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight, alignLeft, alignLeft},
	)
}

func configured(ok bool) string {
	if ok {
		return styled(okStyle, "configured")
	}
	return styled(mutedStyle, "not configured")
}

func orNone(s string) string {
	if s == "" {
		return styled(mutedStyle, "none (fallback text)")
	}
	return s
}

// --- run command ---

var (
	runType   string
	dryRun    bool
	daysBack  int
	noQueue   bool
	digestTo  []string
	entryDate string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full pipeline: fetch -> filter -> analyze -> summarize -> compose -> deliver",
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := compose.ParseType(runType)
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()
		svc, closeFn, err := openService(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		result := svc.RunFull(ctx, t, pipeline.Options{DryRun: dryRun, DaysBack: daysBack, NoQueue: noQueue})
		printSteps(result)
		return result.Err()
	},
}

func init() {
	runCmd.Flags().StringVarP(&runType, "type", "t", "weekly", "Digest type: daily, weekly or monthly")
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Write an HTML preview instead of sending; no pending rows")
	runCmd.Flags().IntVar(&daysBack, "days", 0, "Override the digest type's lookback window (days)")
	runCmd.Flags().BoolVar(&noQueue, "no-queue", false, "Classify without adding to the pending queue")
}

func printSteps(result *pipeline.Result) {
	fmt.Printf("Run %s (%s)\n", result.RunID, result.Type)
	for i, step := range result.Steps {
		fmt.Printf("\nStep %d: %s\n", i+1, boldText(step.Name))
		if step.Err != nil {
			fmt.Printf("  %s %v\n", styled(errorStyle, "Error:"), step.Err)
		} else {
			fmt.Printf("  %s\n", step.Summary)
		}
	}
	if result.Err() == nil && result.Digest != nil {
		fmt.Printf("\nDigest #%d complete. Run 'regintel serve' to browse it.\n", result.Digest.Digest.ID)
	}
}

func boldText(s string) string { return styled(boldStyle, s) }

// --- fetch command ---

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch entries from every source without filtering",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		svc, closeFn, err := openService(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		res, err := svc.FetchOnly(ctx, daysBack)
		printFetch(res)
		if err != nil {
			return err
		}
		if fetchLimit > 0 && len(res.Entries) > fetchLimit {
			res.Entries = res.Entries[:fetchLimit]
		}
		fmt.Println(entryTable(res.Entries))
		return nil
	},
}

var fetchLimit int

func init() {
	fetchCmd.Flags().IntVar(&daysBack, "days", 0, "Lookback window (days)")
	fetchCmd.Flags().IntVar(&fetchLimit, "limit", 50, "Maximum entries to list")
}

func printFetch(res *collect.Result) {
	if res == nil {
		return
	}
	fmt.Printf("Fetched %d entries from %d sources (%d found, %d duplicates)\n",
		len(res.Entries), res.SourcesFetched, res.TotalFound, res.Duplicates)
	for _, e := range res.Errors {
		fmt.Printf("  %s %v\n", styled(warnStyle, "warning:"), e)
	}
}

func entryTable(entries []collect.Entry) string {
	rows := make([][]string, len(entries))
	for i, e := range entries {
		rows[i] = []string{e.DateString(), e.Agency, e.Category, truncate(e.Title, 70)}
	}
	return renderTable([]string{"Date", "Agency", "Category", "Title"}, rows, nil)
}

// --- sync command ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Fetch, filter and analyze, adding new documents to the pending queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		svc, closeFn, err := openService(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		res, err := svc.Sync(ctx, daysBack, noQueue)
		printFetch(res.Fetch)
		if err != nil {
			return err
		}
		fmt.Printf("Included %d of %d entries (%d high priority)\n",
			len(res.Filter.Included), res.Filter.TotalInput, len(res.Filter.HighPriority))
		a := res.Analysis
		fmt.Printf("Already in KB: %d, new: %d, need review: %d, queued: %d\n", a.InKB, a.New, a.Manual, a.PendingCreated)
		for _, e := range a.Errors {
			fmt.Printf("  %s %v\n", styled(warnStyle, "warning:"), e)
		}
		if a.PendingCreated > 0 {
			fmt.Println("\nReview with 'regintel pending list'.")
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().IntVar(&daysBack, "days", 0, "Lookback window (days)")
	syncCmd.Flags().BoolVar(&noQueue, "no-queue", false, "Classify without adding to the pending queue")
}

// --- summarize command ---

var (
	summaryStyle string
	summaryLimit int
	noCache      bool
)

var summarizeCmd = &cobra.Command{
	Use:   "summarize",
	Short: "Summarize the highest-scoring recent entries and fill the cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		style, err := summarize.ParseStyle(summaryStyle)
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()
		svc, closeFn, err := openService(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		res, err := svc.GenerateSummaries(ctx, pipeline.SummaryOptions{
			DaysBack: daysBack,
			Limit:    summaryLimit,
			Style:    style,
			NoCache:  noCache,
		})
		if err != nil {
			return err
		}
		for i, e := range res.Entries {
			fmt.Printf("\n%s\n", boldText(e.Title))
			fmt.Println(styled(mutedStyle, fmt.Sprintf("%s · %s · score %.2f", e.Agency, e.DateString(), e.Score)))
			s := res.Batch.Summaries[i]
			if s == nil {
				fmt.Println("  " + styled(warnStyle, "summary unavailable"))
				continue
			}
			fmt.Printf("  What happened: %s\n", s.WhatHappened)
			if s.WhyItMatters != "" {
				fmt.Printf("  Why it matters: %s\n", s.WhyItMatters)
			}
			if s.ActionNeeded != "" {
				fmt.Printf("  Action: %s\n", s.ActionNeeded)
			}
		}
		b := res.Batch
		fmt.Printf("\n%d generated, %d cached, %d failed\n", b.Generated, b.Cached, b.Failed)
		return nil
	},
}

func init() {
	summarizeCmd.Flags().IntVar(&daysBack, "days", 0, "Lookback window (days)")
	summarizeCmd.Flags().IntVar(&summaryLimit, "limit", 10, "Maximum entries to summarize")
	summarizeCmd.Flags().StringVar(&summaryStyle, "style", "", "Summary style: layperson, technical or brief")
	summarizeCmd.Flags().BoolVar(&noCache, "no-cache", false, "Regenerate even when a cached summary exists")
}

// --- cache command ---

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the summary cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show summary cache size",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeFn, err := openService(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		total, byStyle, err := svc.CacheStats()
		if err != nil {
			return err
		}
		fmt.Printf("Cached summaries: %d\n", total)
		printCounts(byStyle)
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every cached summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeFn, err := openService(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		n, err := svc.ClearCache()
		if err != nil {
			return err
		}
		fmt.Printf("Cleared %d cached summaries\n", n)
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}

// --- digest command ---

var digestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Send digests and inspect tracked entries",
}

var digestSendCmd = &cobra.Command{
	Use:   "send",
	Short: "Compose and deliver a digest without touching the pending queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := compose.ParseType(runType)
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()
		svc, closeFn, err := openService(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		result := svc.SendDigest(ctx, t, pipeline.Options{DryRun: dryRun, DaysBack: daysBack, To: digestTo})
		printSteps(result)
		return result.Err()
	},
}

var entriesLimit int

var digestEntriesCmd = &cobra.Command{
	Use:   "entries",
	Short: "List tracked digest entries and their download state",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeFn, err := openService(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		entries, err := svc.DigestEntries(database.EntryFilter{
			DigestDate: entryDate,
			Limit:      entriesLimit,
		})
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No tracked entries.")
			return nil
		}
		rows := make([][]string, len(entries))
		for i, e := range entries {
			kb := ""
			if e.KBDocID != nil {
				kb = "#" + strconv.FormatInt(*e.KBDocID, 10)
			}
			rows[i] = []string{e.EntryID, truncate(e.Title, 60), e.Agency, statusText(string(e.DownloadStatus)), kb}
		}
		fmt.Println(renderTable([]string{"ID", "Title", "Agency", "Download", "KB"}, rows, nil))
		fmt.Println(styled(mutedStyle, "Reply to a digest with the IDs to download, or run 'regintel download-entry <id>'."))
		return nil
	},
}

func init() {
	digestSendCmd.Flags().StringVarP(&runType, "type", "t", "weekly", "Digest type: daily, weekly or monthly")
	digestSendCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Write an HTML preview instead of sending")
	digestSendCmd.Flags().IntVar(&daysBack, "days", 0, "Override the digest type's lookback window (days)")
	digestSendCmd.Flags().StringSliceVar(&digestTo, "to", nil, "Override recipients (repeatable)")

	digestEntriesCmd.Flags().StringVar(&entryDate, "date", "", "Only entries first shown in the digest of this date (YYYY-MM-DD)")
	digestEntriesCmd.Flags().IntVar(&entriesLimit, "limit", 50, "Maximum entries to list")

	digestCmd.AddCommand(digestSendCmd)
	digestCmd.AddCommand(digestEntriesCmd)
}
