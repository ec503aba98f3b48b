// Package reply turns replies to delivered digests into document downloads.
//
// A reply is accepted only from a trusted recipient and only when its
// subject answers a digest. Entry identifiers in the body are resolved
// against sent digests, claimed, downloaded into the archive and confirmed
// back to the sender.
package reply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	netmail "net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/lisadonlon/RegulatoryKB/internal/archive"
	"github.com/lisadonlon/RegulatoryKB/internal/compose"
	"github.com/lisadonlon/RegulatoryKB/internal/config"
	"github.com/lisadonlon/RegulatoryKB/internal/database"
	"github.com/lisadonlon/RegulatoryKB/internal/mail"
	"github.com/lisadonlon/RegulatoryKB/internal/resolver"
)

var (
	ErrNotDigestReply      = errors.New("not a digest reply")
	ErrUntrustedSender     = errors.New("sender is not a digest recipient")
	ErrUnresolvableEntryID = errors.New("entry id not found in a delivered digest")
)

// Request is a validated download request from a trusted sender.
type Request struct {
	MessageID  string
	InboxID    string
	From       string
	Subject    string
	ReceivedAt time.Time
	Body       string
	EntryIDs   []string
	Context    compose.DigestContext
	// References carries the thread for the confirmation.
	References []string
}

// Status is the outcome of one requested entry.
type Status string

const (
	StatusDownloaded   Status = "downloaded"
	StatusAlready      Status = "already_downloaded"
	StatusManual       Status = "manual_needed"
	StatusFailed       Status = "failed"
	StatusInProgress   Status = "in_progress"
	StatusUnresolvable Status = "unresolvable"
)

// Outcome is what happened to one requested entry.
type Outcome struct {
	EntryID     string
	Entry       *database.DigestEntry
	Status      Status
	DocID       int64
	ResolvedURL string
	Warnings    []string
	Err         error
}

// Succeeded reports whether the entry is in the archive now.
func (o Outcome) Succeeded() bool {
	return o.Status == StatusDownloaded || o.Status == StatusAlready
}

// Result is the outcome of processing one request.
type Result struct {
	Request          Request
	Outcomes         []Outcome
	ConfirmationSent bool
	ConfirmationErr  error
	// Interrupted means cancellation stopped processing before every id
	// was handled. No confirmation is sent for an interrupted request.
	Interrupted bool
}

// Succeeded counts entries now in the archive.
func (r *Result) Succeeded() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Succeeded() {
			n++
		}
	}
	return n
}

// URLResolver classifies a link before download.
type URLResolver interface {
	Resolve(ctx context.Context, url string) resolver.Result
}

// Handler validates and processes digest replies.
type Handler struct {
	db       *database.DB
	tracker  *compose.Tracker
	resolver URLResolver
	archive  archive.Archive
	inbox    mail.Inbox
	sender   mail.Sender
	cfg      config.Reply
	trusted  map[string]bool
	subjects []*regexp.Regexp
	now      func() time.Time
	logger   *slog.Logger
}

// Deps are the collaborators of a Handler. Inbox and Sender may be nil:
// without an inbox only direct downloads work, and without a sender no
// confirmations are sent.
type Deps struct {
	DB       *database.DB
	Tracker  *compose.Tracker
	Resolver URLResolver
	Archive  archive.Archive
	Inbox    mail.Inbox
	Sender   mail.Sender
}

// New creates a handler. trusted is the digest recipient list; an empty list
// trusts nobody.
func New(deps Deps, cfg config.Reply, trusted []string, logger *slog.Logger) (*Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 30 * time.Minute
	}
	h := &Handler{
		db:       deps.DB,
		tracker:  deps.Tracker,
		resolver: deps.Resolver,
		archive:  deps.Archive,
		inbox:    deps.Inbox,
		sender:   deps.Sender,
		cfg:      cfg,
		trusted:  make(map[string]bool, len(trusted)),
		now:      time.Now,
		logger:   logger,
	}
	if h.tracker == nil {
		h.tracker = compose.NewTracker(deps.DB, logger)
	}
	for _, addr := range trusted {
		if a, err := netmail.ParseAddress(addr); err == nil {
			h.trusted[strings.ToLower(a.Address)] = true
		} else {
			h.trusted[strings.ToLower(strings.TrimSpace(addr))] = true
		}
	}
	for _, p := range cfg.SubjectPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("reply subject pattern %q: %w", p, err)
		}
		h.subjects = append(h.subjects, re)
	}
	return h, nil
}

// IsTrusted reports whether from names a configured recipient.
func (h *Handler) IsTrusted(from string) bool {
	addr, err := netmail.ParseAddress(from)
	if err != nil {
		return false
	}
	return h.trusted[strings.ToLower(addr.Address)]
}

func (h *Handler) isDigestReply(subject string) bool {
	if len(h.subjects) == 0 {
		return true
	}
	for _, re := range h.subjects {
		if re.MatchString(subject) {
			return true
		}
	}
	return false
}

// Validate turns an inbound message into a request. It fails with
// ErrNotDigestReply or ErrUntrustedSender. A trusted reply with no
// recognizable IDs is valid and has no EntryIDs.
func (h *Handler) Validate(msg mail.Incoming) (*Request, error) {
	if !h.isDigestReply(msg.Subject) {
		return nil, fmt.Errorf("%w: %q", ErrNotDigestReply, msg.Subject)
	}
	if !h.IsTrusted(msg.From) {
		return nil, fmt.Errorf("%w: %s", ErrUntrustedSender, msg.From)
	}
	addr, _ := netmail.ParseAddress(msg.From)
	received := msg.Date
	if received.IsZero() {
		received = h.now()
	}
	refs := append(append([]string{}, msg.References...), msg.MessageID)
	return &Request{
		MessageID:  msg.MessageID,
		InboxID:    msg.ID,
		From:       addr.Address,
		Subject:    msg.Subject,
		ReceivedAt: received,
		Body:       msg.Body,
		EntryIDs:   ParseEntryIDs(msg.Body, h.cfg.MaxBodyLines),
		Context:    compose.DigestContext{InReplyTo: msg.InReplyTo, References: msg.References},
		References: refs,
	}, nil
}

// Process downloads every entry of a request and confirms the outcome to
// the sender. Entry failures are reported in the result, never returned.
// An entry already downloaded is reported as such without any work, so
// processing the same request twice is safe.
func (h *Handler) Process(ctx context.Context, req Request) *Result {
	res := &Result{Request: req}
	if len(req.EntryIDs) == 0 {
		h.logger.Info("reply has no entry ids", "from", req.From, "message_id", req.MessageID)
		return res
	}
	for _, id := range req.EntryIDs {
		if ctx.Err() != nil {
			break
		}
		res.Outcomes = append(res.Outcomes, h.processID(ctx, id, req.Context, ""))
	}
	if ctx.Err() != nil {
		res.Interrupted = true
		h.logger.Info("reply processing interrupted", "from", req.From,
			"handled", len(res.Outcomes), "requested", len(req.EntryIDs))
		return res
	}

	if h.cfg.SendConfirmation && h.sender != nil {
		if _, err := h.sender.Send(ctx, confirmation(req, res.Outcomes)); err != nil {
			res.ConfirmationErr = err
			h.logger.Warn("confirmation not sent", "to", req.From, "err", err)
		} else {
			res.ConfirmationSent = true
		}
	}
	h.logger.Info("reply processed", "from", req.From, "requested", len(req.EntryIDs), "succeeded", res.Succeeded())
	return res
}

// DownloadEntries downloads entries by full identifier outside any reply.
// overrideURL replaces the entry link and skips URL resolution; it is only
// honored for a single id.
func (h *Handler) DownloadEntries(ctx context.Context, ids []string, overrideURL string) []Outcome {
	if len(ids) != 1 {
		overrideURL = ""
	}
	var out []Outcome
	for _, raw := range ids {
		id, ok := normalizeID(strings.TrimSpace(raw))
		if !ok {
			out = append(out, Outcome{EntryID: raw, Status: StatusUnresolvable, Err: fmt.Errorf("%w: %s", ErrUnresolvableEntryID, raw)})
			continue
		}
		out = append(out, h.processID(ctx, id, compose.DigestContext{}, overrideURL))
	}
	return out
}

func (h *Handler) processID(ctx context.Context, id string, dc compose.DigestContext, overrideURL string) Outcome {
	out := Outcome{EntryID: id}
	entry, err := h.tracker.Lookup(id, dc)
	if err != nil {
		out.Status, out.Err = StatusFailed, fmt.Errorf("looking up %s: %w", id, err)
		return out
	}
	if entry == nil {
		out.Status, out.Err = StatusUnresolvable, fmt.Errorf("%w: %s", ErrUnresolvableEntryID, id)
		h.logger.Warn("unresolvable entry id", "entry_id", id)
		return out
	}
	out.EntryID, out.Entry = entry.EntryID, entry

	claim, err := h.db.ClaimEntry(entry.EntryID, h.now(), h.cfg.ClaimTTL)
	if err != nil {
		out.Status, out.Err = StatusFailed, err
		return out
	}
	switch claim {
	case database.ClaimAlreadyDownloaded:
		out.Status = StatusAlready
		if entry.KBDocID != nil {
			out.DocID = *entry.KBDocID
		}
		if entry.ResolvedURL != nil {
			out.ResolvedURL = *entry.ResolvedURL
		}
		return out
	case database.ClaimInProgress:
		out.Status = StatusInProgress
		out.Err = fmt.Errorf("entry %s is being downloaded by another run", entry.EntryID)
		return out
	case database.ClaimNotFound:
		out.Status, out.Err = StatusUnresolvable, fmt.Errorf("%w: %s", ErrUnresolvableEntryID, id)
		return out
	}

	return h.download(ctx, out, overrideURL)
}

// download runs for a claimed entry and always releases the claim.
func (h *Handler) download(ctx context.Context, out Outcome, overrideURL string) Outcome {
	entry := out.Entry
	url, expected := overrideURL, ""
	if t := resolver.TypeFromURL(url); url != "" && t.IsDocument() {
		expected = string(t)
	}
	if url == "" {
		if entry.Link == "" {
			return h.fail(out, database.DownloadFailed, "", "no URL available")
		}
		res := h.resolver.Resolve(ctx, entry.Link)
		if res.IsPaid {
			return h.fail(out, database.DownloadFailed, res.ResolvedURL, "paid domain: "+res.Domain)
		}
		if !res.Direct() {
			msg := "URL needs manual resolution (" + res.ManualReason() + ")"
			if res.Error != "" {
				msg += ": " + res.Error
			}
			return h.fail(out, database.DownloadManualNeeded, res.ResolvedURL, msg)
		}
		url, expected = res.ResolvedURL, string(res.DocumentType)
	}
	out.ResolvedURL = url

	docID, err := h.archive.ImportDocument(ctx, url, archive.Metadata{
		Title:        entry.Title,
		Agency:       entry.Agency,
		Category:     entry.Category,
		ExpectedType: expected,
	})
	if err != nil {
		return h.fail(out, database.DownloadFailed, url, err.Error())
	}
	out.DocID = docID

	if diff, err := h.archive.DetectPriorVersion(ctx, docID); err != nil {
		h.logger.Warn("version check failed", "doc_id", docID, "err", err)
	} else {
		out.Warnings = diff.Warnings()
	}

	if err := h.db.CompleteEntry(entry.EntryID, docID, url); err != nil {
		out.Status, out.Err = StatusFailed, fmt.Errorf("document %d imported but entry not updated: %w", docID, err)
		return out
	}
	out.Status = StatusDownloaded
	h.logger.Info("entry downloaded", "entry_id", entry.EntryID, "doc_id", docID, "url", url)
	return out
}

func (h *Handler) fail(out Outcome, status database.DownloadStatus, url, msg string) Outcome {
	if err := h.db.FailEntry(out.Entry.EntryID, status, url, msg); err != nil {
		h.logger.Error("could not release entry", "entry_id", out.Entry.EntryID, "err", err)
	}
	out.ResolvedURL = url
	out.Err = errors.New(msg)
	if status == database.DownloadManualNeeded {
		out.Status = StatusManual
	} else {
		out.Status = StatusFailed
	}
	h.logger.Warn("entry download failed", "entry_id", out.Entry.EntryID, "status", status, "err", msg)
	return out
}
