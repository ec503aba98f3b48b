// Package mail sends digests and confirmations and reads replies, over
// SMTP/IMAP or the Gmail API.
package mail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lisadonlon/RegulatoryKB/internal/config"
)

// Outgoing is a message to send. Text is required; HTML is optional.
type Outgoing struct {
	To         []string
	Subject    string
	Text       string
	HTML       string
	InReplyTo  string
	References []string
}

// Incoming is a received message reduced to what the reply handler reads.
type Incoming struct {
	// ID is the transport's handle for MarkProcessed (IMAP UID or Gmail id).
	ID         string
	MessageID  string
	From       string
	Subject    string
	Date       time.Time
	InReplyTo  []string
	References []string
	Body       string
}

// Sender delivers messages and returns the Message-ID it assigned.
type Sender interface {
	Send(ctx context.Context, msg Outgoing) (string, error)
}

// Inbox lists replies received since a point in time.
type Inbox interface {
	FetchSince(ctx context.Context, since time.Time) ([]Incoming, error)
	MarkProcessed(ctx context.Context, id string) error
}

// ErrNotConfigured is returned when a transport lacks credentials.
var ErrNotConfigured = errors.New("mail transport not configured")

// NewSender builds the configured outbound transport.
func NewSender(ctx context.Context, cfg config.Mail, logger *slog.Logger) (Sender, error) {
	switch cfg.Transport {
	case "", "smtp":
		s, err := NewSMTPSender(cfg, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "gmail":
		creds, token := gmailPaths(cfg.Gmail)
		svc, err := NewGmailService(ctx, creds, token)
		if err != nil {
			return nil, err
		}
		return NewGmailClient(svc, cfg.From, "", logger), nil
	}
	return nil, fmt.Errorf("unknown mail transport %q", cfg.Transport)
}

// NewInbox builds the configured inbound transport. Only messages whose
// subject contains subjectFilter are listed.
func NewInbox(ctx context.Context, cfg config.Mail, subjectFilter string, logger *slog.Logger) (Inbox, error) {
	switch cfg.Inbox {
	case "", "imap":
		in, err := NewIMAPInbox(cfg.IMAP, subjectFilter, logger)
		if err != nil {
			return nil, err
		}
		return in, nil
	case "gmail":
		creds, token := gmailPaths(cfg.Gmail)
		svc, err := NewGmailService(ctx, creds, token)
		if err != nil {
			return nil, err
		}
		return NewGmailClient(svc, cfg.From, subjectFilter, logger), nil
	}
	return nil, fmt.Errorf("unknown mail inbox %q", cfg.Inbox)
}

func gmailPaths(g config.Gmail) (string, string) {
	creds, token := g.CredentialsFile, g.TokenFile
	if creds == "" {
		creds = filepath.Join(config.ConfigDir(), "credentials.json")
	}
	if token == "" {
		token = filepath.Join(filepath.Dir(creds), "token.json")
	}
	return creds, token
}

func credentials(userEnv, passEnv string) (string, string, error) {
	user, pass := os.Getenv(userEnv), os.Getenv(passEnv)
	if user == "" || pass == "" {
		return "", "", fmt.Errorf("%w: set %s and %s", ErrNotConfigured, userEnv, passEnv)
	}
	return user, pass, nil
}
