package mail

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/lisadonlon/RegulatoryKB/internal/config"
)

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPSender submits messages to an SMTP relay with PLAIN auth over
// STARTTLS.
type SMTPSender struct {
	addr   string
	from   string
	auth   smtp.Auth
	send   sendFunc
	now    func() time.Time
	logger *slog.Logger
}

// NewSMTPSender reads credentials from the configured environment variables.
func NewSMTPSender(cfg config.Mail, logger *slog.Logger) (*SMTPSender, error) {
	if cfg.SMTP.Host == "" {
		return nil, fmt.Errorf("%w: smtp.host is empty", ErrNotConfigured)
	}
	user, pass, err := credentials(cfg.SMTP.UsernameEnv, cfg.SMTP.PasswordEnv)
	if err != nil {
		return nil, err
	}
	from := cfg.From
	if from == "" {
		from = user
	}
	port := cfg.SMTP.Port
	if port == 0 {
		port = 587
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SMTPSender{
		addr:   net.JoinHostPort(cfg.SMTP.Host, strconv.Itoa(port)),
		from:   from,
		auth:   smtp.PlainAuth("", user, pass, cfg.SMTP.Host),
		send:   smtp.SendMail,
		now:    time.Now,
		logger: logger,
	}, nil
}

// Send builds and submits msg. net/smtp has no context support, so ctx is
// only checked before dialing.
func (s *SMTPSender) Send(ctx context.Context, msg Outgoing) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	raw, id, err := Build(s.from, msg, s.now())
	if err != nil {
		return "", err
	}
	if err := s.send(s.addr, s.auth, s.from, msg.To, raw); err != nil {
		return "", fmt.Errorf("smtp send: %w", err)
	}
	s.logger.Info("email sent", "transport", "smtp", "to", msg.To, "subject", msg.Subject, "message_id", id)
	return id, nil
}
