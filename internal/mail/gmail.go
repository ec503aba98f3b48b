package mail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

var gmailScopes = []string{
	gmail.GmailSendScope,
	gmail.GmailModifyScope,
}

// storedToken is the token.json layout written by Google's Python auth
// library, which older installs of this tool already have on disk.
type storedToken struct {
	Token        string   `json:"token"`
	RefreshToken string   `json:"refresh_token"`
	TokenURI     string   `json:"token_uri"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	Scopes       []string `json:"scopes"`
	Expiry       string   `json:"expiry"`
}

const tokenExpiryLayout = "2006-01-02T15:04:05.999999Z"

// NewGmailService authenticates with an OAuth client file and a previously
// authorized token. A refreshed token is written back to tokenPath.
func NewGmailService(ctx context.Context, credsPath, tokenPath string) (*gmail.Service, error) {
	data, err := os.ReadFile(credsPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read credentials %s: %v", ErrNotConfigured, credsPath, err)
	}
	cfg, err := google.ConfigFromJSON(data, gmailScopes...)
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	tok, err := loadToken(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("%w: load token %s: %v", ErrNotConfigured, tokenPath, err)
	}

	ts := cfg.TokenSource(ctx, tok)
	fresh, err := ts.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	if fresh.AccessToken != tok.AccessToken {
		if err := saveToken(tokenPath, fresh, cfg); err != nil {
			slog.Warn("could not save refreshed token", "path", tokenPath, "err", err)
		}
	}
	return gmail.NewService(ctx, option.WithHTTPClient(oauth2.NewClient(ctx, ts)))
}

func loadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var st storedToken
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	var expiry time.Time
	for _, layout := range []string{tokenExpiryLayout, time.RFC3339Nano} {
		if t, err := time.Parse(layout, st.Expiry); err == nil {
			expiry = t
			break
		}
	}
	return &oauth2.Token{
		AccessToken:  st.Token,
		RefreshToken: st.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       expiry,
	}, nil
}

func saveToken(path string, tok *oauth2.Token, cfg *oauth2.Config) error {
	data, err := json.MarshalIndent(storedToken{
		Token:        tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenURI:     cfg.Endpoint.TokenURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       gmailScopes,
		Expiry:       tok.Expiry.UTC().Format(tokenExpiryLayout),
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// GmailClient sends and reads mail through the Gmail API for the
// authenticated user.
type GmailClient struct {
	svc           *gmail.Service
	from          string
	subjectFilter string
	now           func() time.Time
	logger        *slog.Logger
}

func NewGmailClient(svc *gmail.Service, from, subjectFilter string, logger *slog.Logger) *GmailClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &GmailClient{svc: svc, from: from, subjectFilter: subjectFilter, now: time.Now, logger: logger}
}

// Send uploads msg as a raw message. The returned id is the RFC Message-ID
// header, which replies will reference, not Gmail's internal id.
func (g *GmailClient) Send(ctx context.Context, msg Outgoing) (string, error) {
	raw, id, err := Build(g.from, msg, g.now())
	if err != nil {
		return "", err
	}
	out := &gmail.Message{Raw: base64.URLEncoding.EncodeToString(raw)}
	sent, err := g.svc.Users.Messages.Send("me", out).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("gmail send: %w", err)
	}
	g.logger.Info("email sent", "transport", "gmail", "to", msg.To, "subject", msg.Subject, "message_id", id, "gmail_id", sent.Id)
	return id, nil
}

// FetchSince lists unread messages after since's day matching the subject
// filter and parses each raw body.
func (g *GmailClient) FetchSince(ctx context.Context, since time.Time) ([]Incoming, error) {
	q := "is:unread in:inbox"
	if g.subjectFilter != "" {
		q += fmt.Sprintf(" subject:%q", g.subjectFilter)
	}
	if !since.IsZero() {
		q += " after:" + since.Format("2006/01/02")
	}

	var out []Incoming
	call := g.svc.Users.Messages.List("me").Q(q).MaxResults(100)
	err := call.Pages(ctx, func(page *gmail.ListMessagesResponse) error {
		for _, ref := range page.Messages {
			m, err := g.svc.Users.Messages.Get("me", ref.Id).Format("raw").Context(ctx).Do()
			if err != nil {
				return fmt.Errorf("gmail get %s: %w", ref.Id, err)
			}
			raw, err := decodeRaw(m.Raw)
			if err != nil {
				g.logger.Warn("skipping undecodable message", "gmail_id", ref.Id, "err", err)
				continue
			}
			in, err := Parse(bytes.NewReader(raw))
			if err != nil {
				g.logger.Warn("skipping unreadable message", "gmail_id", ref.Id, "err", err)
				continue
			}
			in.ID = ref.Id
			out = append(out, *in)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("gmail list: %w", err)
	}
	g.logger.Debug("gmail messages fetched", "query", q, "count", len(out))
	return out, nil
}

// MarkProcessed removes the UNREAD label.
func (g *GmailClient) MarkProcessed(ctx context.Context, id string) error {
	req := &gmail.ModifyMessageRequest{RemoveLabelIds: []string{"UNREAD"}}
	if _, err := g.svc.Users.Messages.Modify("me", id, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("gmail modify %s: %w", id, err)
	}
	return nil
}

func decodeRaw(s string) ([]byte, error) {
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}
