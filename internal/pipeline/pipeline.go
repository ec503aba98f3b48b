// Package pipeline wires the components together and exposes the driver
// operations the CLI, scheduler and web server call.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/lisadonlon/RegulatoryKB/internal/analyzer"
	"github.com/lisadonlon/RegulatoryKB/internal/archive"
	"github.com/lisadonlon/RegulatoryKB/internal/collect"
	"github.com/lisadonlon/RegulatoryKB/internal/compose"
	"github.com/lisadonlon/RegulatoryKB/internal/config"
	"github.com/lisadonlon/RegulatoryKB/internal/database"
	"github.com/lisadonlon/RegulatoryKB/internal/fetch"
	"github.com/lisadonlon/RegulatoryKB/internal/filter"
	"github.com/lisadonlon/RegulatoryKB/internal/llm"
	"github.com/lisadonlon/RegulatoryKB/internal/mail"
	"github.com/lisadonlon/RegulatoryKB/internal/reply"
	"github.com/lisadonlon/RegulatoryKB/internal/resolver"
	"github.com/lisadonlon/RegulatoryKB/internal/summarize"
)

// StepResult holds the result of a single pipeline step.
type StepResult struct {
	Name    string
	Summary string
	Err     error
}

// Result holds the results of one run.
type Result struct {
	RunID    string
	Type     compose.Type
	Steps    []StepResult
	Digest   *compose.Composed
	Delivery *compose.Delivery
}

// Err returns the first failed step's error.
func (r *Result) Err() error {
	for _, s := range r.Steps {
		if s.Err != nil {
			return fmt.Errorf("%s: %w", s.Name, s.Err)
		}
	}
	return nil
}

func (r *Result) add(s StepResult) StepResult {
	r.Steps = append(r.Steps, s)
	return s
}

// Deps are the external collaborators. Any of them may be nil: without a
// provider summaries and overviews fall back, without a sender only dry runs
// deliver, without an inbox replies cannot be polled.
type Deps struct {
	Provider llm.Provider
	Sender   mail.Sender
	Inbox    mail.Inbox
}

// Service owns one instance of every component.
type Service struct {
	cfg        *config.Config
	db         *database.DB
	deps       Deps
	collector  *collect.Collector
	filter     *filter.Filter
	resolver   *resolver.Resolver
	archive    *archive.Store
	analyzer   *analyzer.Analyzer
	queue      *analyzer.Queue
	summarizer *summarize.Summarizer
	composer   *compose.Composer
	replies    *reply.Handler
	now        func() time.Time
	logger     *slog.Logger
}

// New builds the collaborators from configuration. A mail transport that is
// not configured is left out with a warning rather than failing.
func New(ctx context.Context, cfg *config.Config, db *database.DB, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var deps Deps
	deps.Provider = llm.New(ctx, cfg.Summarization, logger)

	if s, err := mail.NewSender(ctx, cfg.Mail, logger); err != nil {
		logger.Warn("mail sender unavailable", "transport", cfg.Mail.Transport, "err", err)
	} else {
		deps.Sender = s
	}
	if in, err := mail.NewInbox(ctx, cfg.Mail, cfg.Digest.SubjectPrefix, logger); err != nil {
		logger.Debug("mail inbox unavailable", "inbox", cfg.Mail.Inbox, "err", err)
	} else {
		deps.Inbox = in
	}
	return NewWithDeps(cfg, db, deps, logger)
}

// NewWithDeps builds a service around the given collaborators.
func NewWithDeps(cfg *config.Config, db *database.DB, deps Deps, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	res := resolver.New(cfg.Resolver, logger)
	store := archive.NewStore(db, cfg.GetArchiveDir(), cfg.Archive, cfg.Sources.Fetch.UserAgent, logger)

	var snippets summarize.SnippetFetcher
	if cfg.Summarization.FetchContent {
		snippets = fetch.NewPageFetcher(cfg.Sources.Fetch.Timeout, cfg.Sources.Fetch.UserAgent, cfg.Summarization.SnippetChars, logger)
	}

	composer := compose.NewComposer(db, deps.Provider, deps.Sender, cfg.Digest, cfg.GetDataDir(), logger)
	replies, err := reply.New(reply.Deps{
		DB:       db,
		Tracker:  compose.NewTracker(db, logger),
		Resolver: res,
		Archive:  store,
		Inbox:    deps.Inbox,
		Sender:   deps.Sender,
	}, cfg.Reply, cfg.Digest.Recipients, logger)
	if err != nil {
		return nil, err
	}

	return &Service{
		cfg:        cfg,
		db:         db,
		deps:       deps,
		collector:  collect.NewCollector(cfg, logger),
		filter:     filter.New(cfg.Filter),
		resolver:   res,
		archive:    store,
		analyzer:   analyzer.New(db, store, res, cfg.Analyzer, logger),
		queue:      analyzer.NewQueue(db, store, logger),
		summarizer: summarize.New(db, deps.Provider, snippets, cfg.Summarization, logger),
		composer:   composer,
		replies:    replies,
		now:        time.Now,
		logger:     logger,
	}, nil
}

// DB exposes the store for read-only front-ends.
func (s *Service) DB() *database.DB { return s.db }

// Config returns the configuration the service was built with.
func (s *Service) Config() *config.Config { return s.cfg }

// LockPath is the scheduler daemon lock file.
func (s *Service) LockPath() string {
	return filepath.Join(s.cfg.GetDataDir(), "scheduler.lock")
}

// report records a run in run_reports. finish must be called exactly once.
type report struct {
	s      *Service
	id     string
	counts database.RunCounts
}

func (s *Service) startReport(runType string) *report {
	r := &report{s: s, id: uuid.NewString()}
	if err := s.db.StartRunReport(r.id, runType, s.now()); err != nil {
		s.logger.Warn("could not record run start", "run_id", r.id, "err", err)
	}
	s.logger.Info("run started", "run_id", r.id, "type", runType)
	return r
}

func (r *report) finish(err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if ferr := r.s.db.FinishRunReport(r.id, r.counts, msg, r.s.now()); ferr != nil {
		r.s.logger.Warn("could not record run finish", "run_id", r.id, "err", ferr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		r.s.logger.Error("run failed", "run_id", r.id, "err", err)
		return
	}
	r.s.logger.Info("run finished", "run_id", r.id)
}
