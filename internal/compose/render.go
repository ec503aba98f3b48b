package compose

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"

	"github.com/lisadonlon/RegulatoryKB/internal/analyzer"
	"github.com/lisadonlon/RegulatoryKB/internal/database"
	"github.com/lisadonlon/RegulatoryKB/internal/filter"
)

var md = goldmark.New(
	goldmark.WithExtensions(extension.Linkify, extension.Table),
	goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
)

// MarkdownToHTML converts a stored digest body to an HTML fragment.
func MarkdownToHTML(source string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(source), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

var markdownEscaper = strings.NewReplacer(
	`\`, `\\`, "`", "\\`", "*", `\*`, "_", `\_`, "[", `\[`, "]", `\]`, "<", `\<`, ">", `\>`, "#", `\#`,
)

func esc(s string) string { return markdownEscaper.Replace(strings.TrimSpace(s)) }

func renderMarkdown(d *Composed, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", esc(d.Subject))

	count := d.EntryCount()
	noun := "updates"
	if count == 1 {
		noun = "update"
	}
	fmt.Fprintf(&b, "**%d %s** across %d categories, compiled %s.\n\n", count, noun, len(d.Sections), now.Format("January 2, 2006"))

	if len(d.Overview) > 0 {
		b.WriteString("## Overview\n\n")
		for _, bullet := range d.Overview {
			fmt.Fprintf(&b, "- %s\n", esc(bullet))
		}
		b.WriteString("\n")
	}

	for _, s := range d.Sections {
		fmt.Fprintf(&b, "## %s\n\n", esc(s.Category))
		for _, l := range s.Lines {
			writeLine(&b, l)
		}
	}

	b.WriteString("---\n\n")
	b.WriteString(replyInstructions(d))
	return b.String()
}

func writeLine(b *strings.Builder, l Line) {
	e := l.Entry
	fmt.Fprintf(b, "### [%s] %s\n\n", l.EntryID, esc(e.Title))

	meta := []string{esc(e.Agency)}
	if date := e.DateString(); date != "" {
		meta = append(meta, date)
	}
	switch e.Alert {
	case filter.AlertCritical:
		meta = append(meta, "**CRITICAL**")
	case filter.AlertHigh:
		meta = append(meta, "**High priority**")
	}
	b.WriteString(strings.Join(meta, " | "))
	b.WriteString("\n\n")

	if s := l.Summary; s != nil {
		fmt.Fprintf(b, "**What happened:** %s\n", esc(s.WhatHappened))
		if s.WhyItMatters != "" {
			fmt.Fprintf(b, "**Why it matters:** %s\n", esc(s.WhyItMatters))
		}
		if s.ActionNeeded != "" {
			fmt.Fprintf(b, "**Action needed:** %s\n", esc(s.ActionNeeded))
		}
		b.WriteString("\n")
	}
	switch {
	case l.Held():
		fmt.Fprintf(b, "*Already in the knowledge base (KB #%d)*\n\n", *l.KBDocID)
	case l.Analysis != nil && l.Analysis.Classification == analyzer.RequiresManual:
		fmt.Fprintf(b, "*Manual download needed: %s*\n\n", esc(strings.ReplaceAll(l.Analysis.ManualReason, "_", " ")))
	}
	if e.Link != "" {
		fmt.Fprintf(b, "<%s>\n\n", e.Link)
	}
}

// Held reports whether the entry is already archived.
func (l Line) Held() bool {
	return l.Status == database.DownloadDone && l.KBDocID != nil
}

func replyInstructions(d *Composed) string {
	example := "Download: 07, 12"
	var ids []string
	for _, s := range d.Sections {
		for _, l := range s.Lines {
			if !l.Held() {
				ids = append(ids, l.EntryID)
			}
		}
	}
	if len(ids) >= 2 {
		example = fmt.Sprintf("Download: %s, %s", ids[0], shortID(ids[1]))
	} else if len(ids) == 1 {
		example = "Download: " + ids[0]
	}
	return "## Request documents\n\n" +
		"Reply to this email with the IDs of the documents to add to the knowledge base, for example:\n\n" +
		"    " + example + "\n\n" +
		"Short IDs such as `" + shortIDOr(ids, "07") + "` refer to entries of this digest.\n"
}

func shortID(entryID string) string {
	if i := strings.LastIndexByte(entryID, '-'); i >= 0 {
		return entryID[i+1:]
	}
	return entryID
}

func shortIDOr(ids []string, def string) string {
	if len(ids) == 0 {
		return def
	}
	return shortID(ids[0])
}

var emailShell = template.Must(template.New("digest").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Subject}}</title>
<style>
body { font-family: -apple-system, Segoe UI, Helvetica, Arial, sans-serif; color: #222; max-width: 760px; margin: 0 auto; padding: 16px; line-height: 1.5; }
h1 { font-size: 22px; border-bottom: 2px solid #1a5276; padding-bottom: 6px; }
h2 { font-size: 18px; color: #1a5276; margin-top: 28px; }
h3 { font-size: 15px; margin-bottom: 4px; }
pre, code { background: #f4f6f7; padding: 2px 4px; }
a { color: #2471a3; }
.footer { color: #888; font-size: 12px; margin-top: 32px; }
</style>
</head>
<body>
{{.Body}}
<p class="footer">Digest {{.ID}} ({{.Type}}) generated {{.Generated}}</p>
</body>
</html>
`))

func renderHTML(d *Composed) (string, error) {
	body, err := MarkdownToHTML(d.Markdown)
	if err != nil {
		return "", err
	}
	var id int64
	var generated string
	if d.Digest != nil {
		id = d.Digest.ID
		generated = d.Digest.Date
	}
	var buf bytes.Buffer
	err = emailShell.Execute(&buf, struct {
		Subject   string
		Body      template.HTML
		ID        int64
		Type      Type
		Generated string
	}{d.Subject, template.HTML(body), id, d.Type, generated})
	return buf.String(), err
}

// RenderStored wraps a stored digest's markdown in the email shell.
func RenderStored(d *database.Digest) (string, error) {
	return renderHTML(&Composed{Digest: d, Type: Type(d.Type), Subject: d.Subject, Markdown: d.BodyMarkdown})
}
