package compose

import (
	"context"
	"fmt"
	"strings"

	"github.com/lisadonlon/RegulatoryKB/internal/llm"
)

const overviewPrompt = `You are writing the overview for a regulatory intelligence digest read by medical device QA/RA professionals.

Here are the updates in this digest:

%s

Write 3-5 bullet points that capture the most important takeaways. Each bullet should be one sentence that says what changed and who it affects.

Respond with ONLY this JSON:
{
    "tldr_bullets": [
        "First key takeaway",
        "Second key takeaway",
        "Third key takeaway"
    ]
}`

const maxFallbackBullets = 5

func (c *Composer) overview(ctx context.Context, d *Composed) []string {
	if c.provider == nil {
		return fallbackOverview(d)
	}

	var parts []string
	for _, s := range d.Sections {
		for _, l := range s.Lines {
			part := fmt.Sprintf("- [%s] %s (%s)", s.Category, l.Entry.Title, l.Entry.Agency)
			if l.Summary != nil && l.Summary.WhatHappened != "" {
				part += ": " + l.Summary.WhatHappened
			}
			parts = append(parts, part)
		}
	}

	prompt := fmt.Sprintf(overviewPrompt, strings.Join(parts, "\n"))
	text, err := c.provider.Generate(ctx, prompt, 512)
	if err != nil || strings.TrimSpace(text) == "" {
		if err != nil {
			c.logger.Warn("overview generation failed, using titles", "err", err)
		}
		return fallbackOverview(d)
	}

	var parsed struct {
		Bullets []string `json:"tldr_bullets"`
	}
	if err := llm.DecodeJSON(text, &parsed); err == nil && len(parsed.Bullets) > 0 {
		return parsed.Bullets
	}

	var bullets []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*•"))
		if line != "" {
			bullets = append(bullets, line)
		}
	}
	return bullets
}

// fallbackOverview lists alert-tier titles, or the top titles when none
// reach the alert tier.
func fallbackOverview(d *Composed) []string {
	var alerts, top []string
	for _, s := range d.Sections {
		for _, l := range s.Lines {
			title := fmt.Sprintf("%s: %s", l.Entry.Agency, l.Entry.Title)
			if l.Entry.ShouldAlert() {
				alerts = append(alerts, title)
			}
			top = append(top, title)
		}
	}
	bullets := alerts
	if len(bullets) == 0 {
		bullets = top
	}
	if len(bullets) > maxFallbackBullets {
		bullets = bullets[:maxFallbackBullets]
	}
	return bullets
}
