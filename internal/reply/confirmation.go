package reply

import (
	"fmt"
	"strings"

	"github.com/lisadonlon/RegulatoryKB/internal/compose"
	"github.com/lisadonlon/RegulatoryKB/internal/mail"
)

// confirmation reports every outcome of a request back to its sender,
// threaded under the reply.
func confirmation(req Request, outcomes []Outcome) mail.Outgoing {
	var ok, manual, failed []Outcome
	for _, o := range outcomes {
		switch {
		case o.Succeeded():
			ok = append(ok, o)
		case o.Status == StatusManual:
			manual = append(manual, o)
		default:
			failed = append(failed, o)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Processed %d requested %s: %d downloaded, %d need a manual URL, %d failed.\n",
		len(outcomes), plural(len(outcomes), "entry", "entries"), len(ok), len(manual), len(failed))

	if len(ok) > 0 {
		b.WriteString("\n## Downloaded\n\n")
		for _, o := range ok {
			line := fmt.Sprintf("- **%s** %s (KB #%d)", o.EntryID, title(o), o.DocID)
			if o.Status == StatusAlready {
				line += ", already in the knowledge base"
			}
			b.WriteString(line + "\n")
			for _, w := range o.Warnings {
				fmt.Fprintf(&b, "  - %s\n", w)
			}
		}
	}
	if len(manual) > 0 {
		b.WriteString("\n## Needs manual download\n\n")
		for _, o := range manual {
			fmt.Fprintf(&b, "- **%s** %s\n", o.EntryID, title(o))
			if link := entryLink(o); link != "" {
				fmt.Fprintf(&b, "  - <%s>\n", link)
			}
			fmt.Fprintf(&b, "  - %v\n", o.Err)
		}
		b.WriteString("\nUse `regintel download <id> --url <document url>` once the document is found.\n")
	}
	if len(failed) > 0 {
		b.WriteString("\n## Failed\n\n")
		for _, o := range failed {
			fmt.Fprintf(&b, "- **%s** %s: %v\n", o.EntryID, title(o), o.Err)
		}
	}

	text := b.String()
	msg := mail.Outgoing{
		To:         []string{req.From},
		Subject:    replySubject(req.Subject),
		Text:       text,
		InReplyTo:  req.MessageID,
		References: req.References,
	}
	if html, err := compose.MarkdownToHTML(text); err == nil {
		msg.HTML = html
	}
	return msg
}

func title(o Outcome) string {
	if o.Entry == nil {
		return "(unknown entry)"
	}
	return o.Entry.Title
}

func entryLink(o Outcome) string {
	if o.ResolvedURL != "" {
		return o.ResolvedURL
	}
	if o.Entry != nil {
		return o.Entry.Link
	}
	return ""
}

func replySubject(s string) string {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(s)), "re:") {
		return s
	}
	return "Re: " + s
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
