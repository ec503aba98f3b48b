package mail

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/textproto"
	"strconv"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/lisadonlon/RegulatoryKB/internal/config"
)

// IMAPInbox reads unseen replies from one mailbox. Each call opens its own
// connection; polling is infrequent enough that keeping one open buys
// nothing.
type IMAPInbox struct {
	addr          string
	user, pass    string
	mailbox       string
	subjectFilter string
	dial          func(addr string) (*client.Client, error)
	logger        *slog.Logger
}

// NewIMAPInbox reads credentials from the configured environment variables.
func NewIMAPInbox(cfg config.IMAP, subjectFilter string, logger *slog.Logger) (*IMAPInbox, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: imap.host is empty", ErrNotConfigured)
	}
	user, pass, err := credentials(cfg.UsernameEnv, cfg.PasswordEnv)
	if err != nil {
		return nil, err
	}
	port := cfg.Port
	if port == 0 {
		port = 993
	}
	mailbox := cfg.Mailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IMAPInbox{
		addr:          net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		user:          user,
		pass:          pass,
		mailbox:       mailbox,
		subjectFilter: subjectFilter,
		dial: func(addr string) (*client.Client, error) {
			return client.DialTLS(addr, nil)
		},
		logger: logger,
	}, nil
}

func (b *IMAPInbox) connect(readOnly bool) (*client.Client, error) {
	c, err := b.dial(b.addr)
	if err != nil {
		return nil, fmt.Errorf("imap dial %s: %w", b.addr, err)
	}
	if err := c.Login(b.user, b.pass); err != nil {
		c.Logout()
		return nil, fmt.Errorf("imap login: %w", err)
	}
	if _, err := c.Select(b.mailbox, readOnly); err != nil {
		c.Logout()
		return nil, fmt.Errorf("imap select %s: %w", b.mailbox, err)
	}
	return c, nil
}

// FetchSince returns unseen messages received on or after since's day whose
// subject matches the filter. Bodies are fetched with PEEK so nothing is
// marked seen until MarkProcessed.
func (b *IMAPInbox) FetchSince(ctx context.Context, since time.Time) ([]Incoming, error) {
	c, err := b.connect(true)
	if err != nil {
		return nil, err
	}
	defer c.Logout()

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	if !since.IsZero() {
		criteria.Since = since
	}
	if b.subjectFilter != "" {
		criteria.Header = textproto.MIMEHeader{"Subject": {b.subjectFilter}}
	}
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("imap search: %w", err)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchUid}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, items, messages)
	}()

	var out []Incoming
	for msg := range messages {
		if ctx.Err() != nil {
			continue
		}
		body := msg.GetBody(section)
		if body == nil {
			continue
		}
		in, err := Parse(body)
		if err != nil {
			b.logger.Warn("skipping unreadable message", "uid", msg.Uid, "err", err)
			continue
		}
		in.ID = strconv.FormatUint(uint64(msg.Uid), 10)
		out = append(out, *in)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("imap fetch: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.logger.Debug("imap messages fetched", "mailbox", b.mailbox, "count", len(out))
	return out, nil
}

// MarkProcessed sets \Seen on the message with the given UID.
func (b *IMAPInbox) MarkProcessed(_ context.Context, id string) error {
	uid, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid imap uid %q: %w", id, err)
	}
	c, err := b.connect(false)
	if err != nil {
		return err
	}
	defer c.Logout()

	seqset := new(imap.SeqSet)
	seqset.AddNum(uint32(uid))
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := c.UidStore(seqset, item, []interface{}{imap.SeenFlag}, nil); err != nil {
		return fmt.Errorf("imap store: %w", err)
	}
	return nil
}
