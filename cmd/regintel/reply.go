package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lisadonlon/RegulatoryKB/internal/mail"
	"github.com/lisadonlon/RegulatoryKB/internal/reply"
	"github.com/lisadonlon/RegulatoryKB/internal/schedule"
	"github.com/lisadonlon/RegulatoryKB/internal/server"
)

// --- poll command ---

var (
	pollWatch     bool
	pollNoConfirm bool
)

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Process download requests replied to sent digests",
	RunE: func(cmd *cobra.Command, args []string) error {
		if pollNoConfirm {
			cfg.Reply.SendConfirmation = false
		}
		ctx, stop := signalContext()
		defer stop()
		svc, closeFn, err := openService(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		if pollWatch {
			fmt.Printf("Watching for replies every %s. Press Ctrl+C to stop.\n", cfg.Reply.PollInterval)
			return svc.WatchReplies(ctx, cfg.Reply.PollInterval)
		}

		res, err := svc.PollReplies(ctx)
		if errors.Is(err, mail.ErrNotConfigured) {
			return fmt.Errorf("no inbox configured; set mail.inbox to imap or gmail")
		}
		if err != nil {
			return err
		}
		fmt.Printf("Fetched %d messages (%d already processed, %d ignored, %d from untrusted senders)\n",
			res.Fetched, res.Duplicate, res.Ignored, res.Untrusted)
		for _, r := range res.Results {
			fmt.Printf("\n%s from %s: %s\n", boldText(r.Request.Subject), r.Request.From, strings.Join(r.Request.EntryIDs, ", "))
			printOutcomes(r.Outcomes)
			if r.ConfirmationErr != nil {
				fmt.Printf("  %s confirmation not sent: %v\n", styled(warnStyle, "warning:"), r.ConfirmationErr)
			}
		}
		if len(res.Results) > 0 {
			fmt.Printf("\n%d of %d requested entries downloaded\n", res.Succeeded(), res.Requested())
		}
		return nil
	},
}

func init() {
	pollCmd.Flags().BoolVar(&pollWatch, "watch", false, "Keep polling at reply.poll_interval")
	pollCmd.Flags().BoolVar(&pollNoConfirm, "no-confirm", false, "Do not mail a confirmation back")
}

func printOutcomes(outcomes []reply.Outcome) {
	for _, o := range outcomes {
		line := fmt.Sprintf("  %s %s", statusText(string(o.Status)), o.EntryID)
		if o.Entry != nil {
			line += " " + truncate(o.Entry.Title, 60)
		}
		if o.DocID > 0 {
			line += fmt.Sprintf(" (KB #%d)", o.DocID)
		}
		if o.Err != nil {
			line += ": " + o.Err.Error()
		}
		fmt.Println(line)
		for _, w := range o.Warnings {
			fmt.Printf("      %s\n", styled(warnStyle, w))
		}
	}
}

// --- resolve-url command ---

var resolveURLCmd = &cobra.Command{
	Use:   "resolve-url <url>",
	Short: "Classify a link without downloading it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		svc, closeFn, err := openService(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		res := svc.ResolveURL(ctx, args[0])
		fmt.Printf("Original:  %s\n", res.OriginalURL)
		fmt.Printf("Resolved:  %s\n", res.ResolvedURL)
		fmt.Printf("Domain:    %s\n", res.Domain)
		fmt.Printf("Type:      %s\n", res.DocumentType)
		if res.Direct() {
			fmt.Printf("Download:  %s\n", styled(okStyle, "direct"))
		} else {
			fmt.Printf("Download:  %s (%s)\n", styled(warnStyle, "manual"), res.ManualReason())
		}
		if len(res.Links) > 0 {
			fmt.Println("Candidate links:")
			for _, l := range res.Links {
				fmt.Printf("  %s\n", l)
			}
		}
		return nil
	},
}

// --- download-entry command ---

var overrideURL string

var downloadEntryCmd = &cobra.Command{
	Use:   "download-entry <ids...>",
	Short: "Download digest entries by identifier, e.g. 20260310-07",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if overrideURL != "" && len(args) > 1 {
			return fmt.Errorf("--url applies to a single entry")
		}
		ctx, stop := signalContext()
		defer stop()
		svc, closeFn, err := openService(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		outcomes := svc.DownloadByEntryID(ctx, args, overrideURL)
		printOutcomes(outcomes)
		failed := 0
		for _, o := range outcomes {
			if !o.Succeeded() {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d entries not downloaded", failed, len(outcomes))
		}
		return nil
	},
}

func init() {
	downloadEntryCmd.Flags().StringVar(&overrideURL, "url", "", "Download from this URL instead of the entry's link")
}

// --- schedule command ---

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Inspect the schedule or run the scheduler daemon",
}

var scheduleStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show when each cadence last ran and runs next",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeFn, err := openService(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		sched, err := svc.Scheduler()
		if err != nil {
			return err
		}
		statuses, err := sched.Status(time.Now())
		if err != nil {
			return err
		}
		rows := make([][]string, len(statuses))
		for i, st := range statuses {
			last := styled(mutedStyle, "never")
			if st.LastRun != nil {
				last = st.LastRun.Local().Format("2006-01-02 15:04")
			}
			due := ""
			if st.Due {
				due = styled(warnStyle, "due")
			}
			rows[i] = []string{string(st.Cadence), last, st.Next.Local().Format("2006-01-02 15:04"), due}
		}
		fmt.Println(renderTable([]string{"Cadence", "Last run", "Next", ""}, rows, nil))
		return nil
	},
}

var scheduleDaemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run due cadences until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		svc, closeFn, err := openService(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		runner, err := svc.Runner()
		if err != nil {
			return err
		}
		err = runner.Run(ctx)
		if errors.Is(err, schedule.ErrAlreadyRunning) {
			return fmt.Errorf("%w (lock %s)", err, svc.LockPath())
		}
		return err
	},
}

func init() {
	scheduleCmd.AddCommand(scheduleStatusCmd)
	scheduleCmd.AddCommand(scheduleDaemonCmd)
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local web server",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		fmt.Printf("Starting server at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return server.Serve(db, port, logger)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to run server on (default server.port)")
}
