package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lisadonlon/RegulatoryKB/internal/database"
)

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Review documents queued for download",
}

var (
	pendingAll    bool
	pendingStatus string
)

var pendingListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued documents, highest relevance first",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeFn, err := openService(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		var statuses []database.PendingStatus
		switch {
		case pendingAll:
			statuses = []database.PendingStatus{
				database.StatusPending, database.StatusApproved, database.StatusRejected,
				database.StatusDownloaded, database.StatusFailed,
			}
		case pendingStatus != "":
			statuses = []database.PendingStatus{database.PendingStatus(pendingStatus)}
		}
		items, err := svc.ListPending(statuses...)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println("Nothing queued. Run 'regintel sync' to look for new documents.")
			return nil
		}

		rows := make([][]string, len(items))
		for i, p := range items {
			rows[i] = []string{
				strconv.FormatInt(p.ID, 10),
				truncate(p.Title, 60),
				p.Agency,
				strconv.FormatFloat(p.RelevanceScore, 'f', 2, 64),
				statusText(string(p.Status)),
				truncate(strings.Join(p.Keywords, ", "), 30),
			}
		}
		fmt.Println(renderTable(
			[]string{"ID", "Title", "Agency", "Score", "Status", "Keywords"},
			rows,
			[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight},
		))
		return nil
	},
}

var pendingApproveCmd = &cobra.Command{
	Use:   "approve [ids...]",
	Short: "Approve queued documents for download",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !pendingAll && len(args) == 0 {
			return fmt.Errorf("give one or more IDs, or --all")
		}
		svc, closeFn, err := openService(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		if pendingAll {
			n, err := svc.ApproveAll()
			if err != nil {
				return err
			}
			fmt.Printf("Approved %d documents. Run 'regintel pending download' to fetch them.\n", n)
			return nil
		}
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		if err := svc.Approve(ids); err != nil {
			return err
		}
		fmt.Printf("Approved %d documents\n", len(ids))
		return nil
	},
}

var pendingRejectCmd = &cobra.Command{
	Use:   "reject <ids...>",
	Short: "Reject queued documents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		svc, closeFn, err := openService(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		if err := svc.Reject(ids); err != nil {
			return err
		}
		fmt.Printf("Rejected %d documents\n", len(ids))
		return nil
	},
}

var pendingDownloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download every approved document into the knowledge base",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		svc, closeFn, err := openService(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		report, err := svc.DownloadApproved(ctx)
		if err != nil {
			return err
		}
		if len(report.Outcomes) == 0 {
			fmt.Println("Nothing approved.")
			return nil
		}
		for _, o := range report.Outcomes {
			if o.Skipped {
				fmt.Printf("  %s [%d] %s: claimed by another run\n", styled(mutedStyle, "skipped"), o.Item.ID, truncate(o.Item.Title, 60))
				continue
			}
			if o.Err != nil {
				fmt.Printf("  %s [%d] %s: %v\n", styled(errorStyle, "failed"), o.Item.ID, truncate(o.Item.Title, 60), o.Err)
				continue
			}
			fmt.Printf("  %s [%d] %s (KB #%d)\n", styled(okStyle, "downloaded"), o.Item.ID, truncate(o.Item.Title, 60), o.DocID)
			for _, w := range o.Diff.Warnings() {
				fmt.Printf("      %s\n", styled(warnStyle, w))
			}
		}
		fmt.Printf("\n%d downloaded, %d failed, %d skipped\n", report.Downloaded, report.Failed, report.Skipped)
		return nil
	},
}

func init() {
	pendingListCmd.Flags().BoolVar(&pendingAll, "all", false, "Show every status")
	pendingListCmd.Flags().StringVar(&pendingStatus, "status", "", "Show one status: pending, approved, rejected, downloaded or failed")
	pendingApproveCmd.Flags().BoolVar(&pendingAll, "all", false, "Approve everything still pending")

	pendingCmd.AddCommand(pendingListCmd)
	pendingCmd.AddCommand(pendingApproveCmd)
	pendingCmd.AddCommand(pendingRejectCmd)
	pendingCmd.AddCommand(pendingDownloadCmd)
}

func parseIDs(args []string) ([]int64, error) {
	var ids []int64
	for _, a := range args {
		for _, part := range strings.Split(a, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid ID: %s", part)
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}
