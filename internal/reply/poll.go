package reply

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lisadonlon/RegulatoryKB/internal/mail"
)

// LastRunKey is the scheduler_runs row recording the last successful poll.
const LastRunKey = "reply_poll"

// PollResult summarizes one pass over the inbox.
type PollResult struct {
	Fetched   int
	Duplicate int
	Ignored   int
	Untrusted int
	Results   []*Result
}

// Requested counts entry ids across processed replies.
func (p *PollResult) Requested() int {
	n := 0
	for _, r := range p.Results {
		n += len(r.Request.EntryIDs)
	}
	return n
}

// Succeeded counts entries downloaded or already present.
func (p *PollResult) Succeeded() int {
	n := 0
	for _, r := range p.Results {
		n += r.Succeeded()
	}
	return n
}

// PollReplies processes replies received since the last successful poll,
// less the configured overlap. The first poll reads the whole inbox.
func (h *Handler) PollReplies(ctx context.Context) (*PollResult, error) {
	start := h.now()
	last, err := h.db.GetLastRun(LastRunKey)
	if err != nil {
		return nil, fmt.Errorf("reading last poll: %w", err)
	}
	var since time.Time
	if last != nil {
		since = last.Add(-h.cfg.PollOverlap)
	}
	res, err := h.FetchReplies(ctx, since)
	if err != nil {
		return res, err
	}
	if err := h.db.SetLastRun(LastRunKey, start); err != nil {
		return res, fmt.Errorf("recording poll: %w", err)
	}
	return res, nil
}

// FetchReplies processes every reply the inbox holds since the given time.
// Messages already processed are skipped, so overlapping windows are safe.
// Replies from untrusted senders are logged and otherwise left untouched.
func (h *Handler) FetchReplies(ctx context.Context, since time.Time) (*PollResult, error) {
	if h.inbox == nil {
		return nil, mail.ErrNotConfigured
	}
	msgs, err := h.inbox.FetchSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("fetching replies: %w", err)
	}

	out := &PollResult{Fetched: len(msgs)}
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		key := messageKey(msg)
		done, err := h.db.IsMessageProcessed(key)
		if err != nil {
			return out, err
		}
		if done {
			out.Duplicate++
			continue
		}

		req, err := h.Validate(msg)
		switch {
		case errors.Is(err, ErrUntrustedSender):
			out.Untrusted++
			h.logger.Warn("ignoring reply from untrusted sender", "from", msg.From, "subject", msg.Subject)
			continue
		case err != nil:
			out.Ignored++
			h.logger.Debug("ignoring message", "subject", msg.Subject, "err", err)
			continue
		}
		req.MessageID = key

		res := h.Process(ctx, *req)
		out.Results = append(out.Results, res)
		if res.Interrupted {
			// Left unrecorded so the next poll picks up the remaining ids.
			return out, ctx.Err()
		}
		if _, err := h.db.RecordProcessedMessage(key, req.From, req.Subject, len(req.EntryIDs), res.Succeeded()); err != nil {
			return out, fmt.Errorf("recording message %s: %w", key, err)
		}
		if err := h.inbox.MarkProcessed(ctx, msg.ID); err != nil {
			h.logger.Warn("could not mark reply read", "id", msg.ID, "err", err)
		}
	}
	h.logger.Info("replies polled", "fetched", out.Fetched, "processed", len(out.Results),
		"requested", out.Requested(), "succeeded", out.Succeeded())
	return out, nil
}

// Watch polls every interval until ctx is done. Poll errors are logged and
// the loop carries on.
func (h *Handler) Watch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = h.cfg.PollInterval
	}
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.logger.Info("watching for replies", "interval", interval)
	for {
		if _, err := h.PollReplies(ctx); err != nil && ctx.Err() == nil {
			h.logger.Error("reply poll failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// messageKey is the Message-ID, or the transport handle for messages
// without one.
func messageKey(msg mail.Incoming) string {
	if msg.MessageID != "" {
		return msg.MessageID
	}
	return "inbox:" + msg.ID
}
