package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/lisadonlon/RegulatoryKB/internal/analyzer"
	"github.com/lisadonlon/RegulatoryKB/internal/compose"
	"github.com/lisadonlon/RegulatoryKB/internal/database"
	"github.com/lisadonlon/RegulatoryKB/internal/reply"
	"github.com/lisadonlon/RegulatoryKB/internal/resolver"
	"github.com/lisadonlon/RegulatoryKB/internal/schedule"
)

// ListPending returns queue rows in the given statuses; none means
// pending review only.
func (s *Service) ListPending(statuses ...database.PendingStatus) ([]database.PendingDownload, error) {
	if len(statuses) == 0 {
		statuses = []database.PendingStatus{database.StatusPending}
	}
	return s.queue.List(statuses...)
}

// GetPending returns one queue row, or nil.
func (s *Service) GetPending(id int64) (*database.PendingDownload, error) {
	return s.queue.Get(id)
}

// Approve approves pending rows for download.
func (s *Service) Approve(ids []int64) error { return s.queue.Approve(ids) }

// ApproveAll approves every pending row and returns how many changed.
func (s *Service) ApproveAll() (int64, error) { return s.queue.ApproveAll() }

// Reject rejects pending rows.
func (s *Service) Reject(ids []int64) error { return s.queue.Reject(ids) }

// DownloadApproved imports every approved row into the archive.
func (s *Service) DownloadApproved(ctx context.Context) (*analyzer.DownloadReport, error) {
	rep := s.startReport("download")
	out, err := s.queue.DownloadApproved(ctx)
	rep.finish(err)
	return out, err
}

// PollReplies processes replies received since the last poll.
func (s *Service) PollReplies(ctx context.Context) (*reply.PollResult, error) {
	rep := s.startReport("poll")
	out, err := s.replies.PollReplies(ctx)
	rep.finish(err)
	return out, err
}

// WatchReplies polls until ctx is done.
func (s *Service) WatchReplies(ctx context.Context, interval time.Duration) error {
	return s.replies.Watch(ctx, interval)
}

// ResolveURL classifies a link without downloading it.
func (s *Service) ResolveURL(ctx context.Context, url string) resolver.Result {
	return s.resolver.Resolve(ctx, url)
}

// DownloadByEntryID downloads tracked digest entries by full identifier.
// overrideURL replaces the entry link for a single id.
func (s *Service) DownloadByEntryID(ctx context.Context, ids []string, overrideURL string) []reply.Outcome {
	rep := s.startReport("download-entry")
	out := s.replies.DownloadEntries(ctx, ids, overrideURL)
	var errs []error
	for _, o := range out {
		if !o.Succeeded() && o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	rep.finish(errors.Join(errs...))
	return out
}

// DigestEntries lists tracked digest entries.
func (s *Service) DigestEntries(f database.EntryFilter) ([]database.DigestEntry, error) {
	return s.db.ListDigestEntries(f)
}

// Digests lists recent digests, newest first.
func (s *Service) Digests(limit int) ([]database.Digest, error) {
	return s.db.ListDigests(limit)
}

// Digest returns a digest and its entries, or nil.
func (s *Service) Digest(id int64) (*database.Digest, []database.DigestEntry, error) {
	d, err := s.db.GetDigest(id)
	if err != nil || d == nil {
		return nil, nil, err
	}
	entries, err := s.db.DigestEntriesFor(id)
	return d, entries, err
}

// CacheStats returns the summary cache size, total and by style.
func (s *Service) CacheStats() (int, map[string]int, error) { return s.summarizer.Stats() }

// ClearCache empties the summary cache.
func (s *Service) ClearCache() (int64, error) { return s.summarizer.ClearCache() }

// Status is a snapshot of every durable store.
type Status struct {
	Stats       *database.Stats
	Pending     map[database.PendingStatus]int
	Entries     map[database.DownloadStatus]int
	LastRuns    map[string]time.Time
	RecentRuns  []database.RunReport
	Provider    string
	MailSender  bool
	MailInbox   bool
	LastDigests []database.Digest
}

// Status reports counts, schedule state and recent runs.
func (s *Service) Status() (*Status, error) {
	st := &Status{MailSender: s.deps.Sender != nil, MailInbox: s.deps.Inbox != nil}
	if s.deps.Provider != nil {
		st.Provider = s.deps.Provider.Name()
	}
	var err error
	if st.Stats, err = s.db.GetStats(); err != nil {
		return nil, err
	}
	if st.Pending, err = s.queue.Stats(); err != nil {
		return nil, err
	}
	if st.Entries, err = s.db.DigestEntryCounts(); err != nil {
		return nil, err
	}
	if st.LastRuns, err = s.db.ListLastRuns(); err != nil {
		return nil, err
	}
	if st.RecentRuns, err = s.db.ListRunReports(5); err != nil {
		return nil, err
	}
	if st.LastDigests, err = s.db.ListDigests(3); err != nil {
		return nil, err
	}
	return st, nil
}

// Scheduler returns the cadence gate for this configuration.
func (s *Service) Scheduler() (*schedule.Scheduler, error) {
	return schedule.New(s.db, s.cfg.Schedule, s.cfg.Reply.PollInterval)
}

// Runner returns a scheduler daemon with every cadence bound: digests run
// the full pipeline and reply_poll polls the inbox.
func (s *Service) Runner() (*schedule.Runner, error) {
	sched, err := s.Scheduler()
	if err != nil {
		return nil, err
	}
	r := schedule.NewRunner(sched, s.LockPath(), s.cfg.Schedule.Tick, s.logger)
	for _, c := range []schedule.Cadence{schedule.Daily, schedule.Weekly, schedule.Monthly} {
		t := compose.Type(c)
		r.Bind(c, func(ctx context.Context) error {
			return s.RunFull(ctx, t, Options{}).Err()
		})
	}
	if s.deps.Inbox != nil {
		r.Bind(schedule.ReplyPoll, func(ctx context.Context) error {
			_, err := s.PollReplies(ctx)
			return err
		})
	}
	return r, nil
}
