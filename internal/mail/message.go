package mail

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"
)

// Build renders msg as an RFC 5322 message with a text/plain part and, when
// HTML is set, a text/html alternative. It returns the bytes and the
// generated Message-ID (without angle brackets).
func Build(from string, msg Outgoing, now time.Time) ([]byte, string, error) {
	if len(msg.To) == 0 {
		return nil, "", errors.New("no recipients")
	}

	var h gomail.Header
	h.SetDate(now)
	h.SetSubject(msg.Subject)
	h.SetAddressList("From", []*gomail.Address{{Address: from}})
	to := make([]*gomail.Address, len(msg.To))
	for i, addr := range msg.To {
		to[i] = &gomail.Address{Address: addr}
	}
	h.SetAddressList("To", to)
	if err := h.GenerateMessageID(); err != nil {
		return nil, "", fmt.Errorf("generating message id: %w", err)
	}
	id, err := h.MessageID()
	if err != nil {
		return nil, "", err
	}
	if msg.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{trimID(msg.InReplyTo)})
		refs := []string{trimID(msg.InReplyTo)}
		if len(msg.References) > 0 {
			refs = refs[:0]
			for _, r := range msg.References {
				refs = append(refs, trimID(r))
			}
		}
		h.SetMsgIDList("References", refs)
	}

	var buf bytes.Buffer
	w, err := gomail.CreateWriter(&buf, h)
	if err != nil {
		return nil, "", err
	}
	alt, err := w.CreateInline()
	if err != nil {
		return nil, "", err
	}
	if err := writePart(alt, "text/plain", msg.Text); err != nil {
		return nil, "", err
	}
	if msg.HTML != "" {
		if err := writePart(alt, "text/html", msg.HTML); err != nil {
			return nil, "", err
		}
	}
	if err := alt.Close(); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), id, nil
}

func writePart(alt *gomail.InlineWriter, contentType, body string) error {
	var ph gomail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	ph.Set("Content-Transfer-Encoding", "quoted-printable")
	pw, err := alt.CreatePart(ph)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(pw, body); err != nil {
		pw.Close()
		return err
	}
	return pw.Close()
}

// Parse reads a raw message. The body is the first text/plain part, or the
// text of the first text/html part when there is no plain text.
func Parse(r io.Reader) (*Incoming, error) {
	mr, err := gomail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("reading message: %w", err)
	}
	defer mr.Close()

	in := &Incoming{}
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		in.From = from[0].Address
	} else {
		in.From = mr.Header.Get("From")
	}
	in.Subject, _ = mr.Header.Subject()
	in.Date, _ = mr.Header.Date()
	in.MessageID, _ = mr.Header.MessageID()
	in.InReplyTo, _ = mr.Header.MsgIDList("In-Reply-To")
	in.References, _ = mr.Header.MsgIDList("References")

	var html string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			return nil, fmt.Errorf("reading part: %w", err)
		}
		h, ok := p.Header.(*gomail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		body, err := io.ReadAll(io.LimitReader(p.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("reading body: %w", err)
		}
		switch {
		case ct == "text/plain" || ct == "":
			in.Body = string(body)
			return in, nil
		case ct == "text/html" && html == "":
			html = string(body)
		}
	}
	if html != "" {
		in.Body = htmlText(html)
	}
	return in, nil
}

// htmlText flattens an HTML body to lines of text. Block quotes become
// "> " lines so quoted history can be told apart from the reply.
func htmlText(src string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
	if err != nil {
		return src
	}
	doc.Find("blockquote").Each(func(_ int, s *goquery.Selection) {
		var lines []string
		for _, l := range strings.Split(s.Text(), "\n") {
			if l = strings.TrimSpace(l); l != "" {
				lines = append(lines, "> "+l)
			}
		}
		s.ReplaceWithHtml("\n" + strings.Join(lines, "\n") + "\n")
	})
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, div, li, tr").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})
	var lines []string
	for _, l := range strings.Split(doc.Text(), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return strings.Join(lines, "\n")
}

func trimID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}
