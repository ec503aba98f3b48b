package compose

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lisadonlon/RegulatoryKB/internal/database"
	"github.com/lisadonlon/RegulatoryKB/internal/mail"
	"github.com/lisadonlon/RegulatoryKB/internal/retry"
)

// SendOptions adjusts one delivery.
type SendOptions struct {
	DryRun bool
	To     []string // overrides digest.recipients
}

// Delivery reports how a digest went out.
type Delivery struct {
	MessageID   string
	Recipients  []string
	PreviewPath string
}

// Send delivers a composed digest. On success the digest is marked sent with
// its Message-ID, which is what later replies are matched against. On
// failure it is marked failed and the error wraps ErrDelivery.
//
// A dry run writes the HTML to <data_dir>/previews and leaves the digest
// unsent, so none of its identifiers become resolvable.
func (c *Composer) Send(ctx context.Context, d *Composed, opts SendOptions) (*Delivery, error) {
	if opts.DryRun {
		path, err := c.writePreview(d)
		if err != nil {
			return nil, fmt.Errorf("writing preview: %w", err)
		}
		c.logger.Info("digest preview written", "digest", d.Digest.ID, "path", path)
		return &Delivery{PreviewPath: path}, nil
	}

	to := opts.To
	if len(to) == 0 {
		to = c.cfg.Recipients
	}
	if len(to) == 0 {
		return nil, c.failed(d, errors.New("no recipients configured"))
	}
	if c.sender == nil {
		return nil, c.failed(d, mail.ErrNotConfigured)
	}

	msg := mail.Outgoing{To: to, Subject: d.Subject, Text: d.Markdown, HTML: d.HTML}
	var id string
	err := retry.Do(ctx, c.policy, "send digest", func(ctx context.Context) error {
		var err error
		id, err = c.sender.Send(ctx, msg)
		if errors.Is(err, mail.ErrNotConfigured) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, c.failed(d, err)
	}

	if err := c.db.MarkDigestSent(d.Digest.ID, id, c.now()); err != nil {
		return nil, fmt.Errorf("%w: sent as %s but not recorded: %v", ErrDelivery, id, err)
	}
	d.Digest.Status = database.DigestSent
	d.Digest.MessageID = &id
	c.logger.Info("digest sent", "digest", d.Digest.ID, "message_id", id, "recipients", len(to))
	return &Delivery{MessageID: id, Recipients: to}, nil
}

func (c *Composer) failed(d *Composed, cause error) error {
	if err := c.db.MarkDigestFailed(d.Digest.ID, cause.Error()); err != nil {
		c.logger.Error("could not record delivery failure", "digest", d.Digest.ID, "err", err)
	}
	d.Digest.Status = database.DigestFailed
	c.logger.Error("digest delivery failed", "digest", d.Digest.ID, "err", cause)
	return fmt.Errorf("%w: %v", ErrDelivery, cause)
}

func (c *Composer) writePreview(d *Composed) (string, error) {
	dir := filepath.Join(c.dataDir, "previews")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("digest-%s-%s-%d.html", d.Type, database.CompactDate(d.Digest.Date), d.Digest.ID)
	path := filepath.Join(dir, name)
	return path, os.WriteFile(path, []byte(d.HTML), 0o644)
}
