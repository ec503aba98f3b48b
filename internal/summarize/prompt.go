package summarize

import (
	"fmt"
	"strings"

	"github.com/lisadonlon/RegulatoryKB/internal/collect"
	"github.com/lisadonlon/RegulatoryKB/internal/llm"
)

// Style selects the prompt and length of a summary.
type Style string

const (
	Layperson Style = "layperson"
	Technical Style = "technical"
	Brief     Style = "brief"
)

// ParseStyle accepts a style name; "" means layperson.
func ParseStyle(s string) (Style, error) {
	switch Style(strings.ToLower(strings.TrimSpace(s))) {
	case "", Layperson:
		return Layperson, nil
	case Technical:
		return Technical, nil
	case Brief:
		return Brief, nil
	}
	return "", fmt.Errorf("unknown summary style %q (want layperson, technical or brief)", s)
}

// DefaultAction is used when the model names no action.
const DefaultAction = "No action required - informational only"

const sectionFormat = `WHAT HAPPENED:
%s

WHY IT MATTERS:
%s

ACTION NEEDED:
%s`

const laypersonPrompt = `You are a regulatory affairs expert writing for a non-technical business audience.

Summarize this regulatory update in plain English. Avoid jargon; if a technical term is needed, explain it briefly.

Regulatory update:
- Title: %s
- Agency/Source: %s
- Category: %s
- Date: %s
%s
Provide the summary in exactly this format:

` + sectionFormat + `

Keep each section brief. The whole response should be under 150 words.`

const technicalPrompt = `You are a regulatory affairs specialist writing for QA/RA professionals.

Provide a technical summary of this regulatory update.

Regulatory update:
- Title: %s
- Agency/Source: %s
- Category: %s
- Date: %s
%s
Provide the summary in exactly this format:

` + sectionFormat + `

Be precise with regulatory terminology. The whole response should be under 150 words.`

const briefPrompt = `Summarize this regulatory update in one sentence of at most 30 words.

Title: %s
Agency: %s
Category: %s
Date: %s
%s`

func buildPrompt(e collect.Entry, snippet string, style Style) string {
	agency := orDefault(e.Agency, "Unknown")
	category := orDefault(e.Category, "General")
	date := orDefault(e.DateString(), "Recent")
	content := ""
	if snippet != "" {
		content = "- Content: " + snippet + "\n"
	}

	switch style {
	case Brief:
		return fmt.Sprintf(briefPrompt, e.Title, agency, category, date, content)
	case Technical:
		return fmt.Sprintf(technicalPrompt, e.Title, agency, category, date, content,
			"[Technical description of the regulatory change]",
			"[Compliance implications and affected requirements]",
			`[Specific compliance actions or "Monitor only"]`)
	default:
		return fmt.Sprintf(laypersonPrompt, e.Title, agency, category, date, content,
			"[1-2 sentences describing the update in plain language]",
			"[1-2 sentences on the impact for medical device companies]",
			`[Either "`+DefaultAction+`" or specific action items]`)
	}
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// sections is the parsed body of a model response.
type sections struct {
	WhatHappened string `json:"what_happened"`
	WhyItMatters string `json:"why_it_matters"`
	ActionNeeded string `json:"action_needed"`
}

// parseResponse reads the three sections from a model response. Headers may
// be bold, carry their text on the same line, or be replaced by a JSON
// object. A response with no headers at all is taken as WHAT HAPPENED.
func parseResponse(text string) sections {
	text = strings.TrimSpace(text)
	var s sections
	if strings.Contains(text, "{") {
		if err := llm.DecodeJSON(text, &s); err == nil && s.WhatHappened != "" {
			s.ActionNeeded = orDefault(s.ActionNeeded, DefaultAction)
			return s
		}
		s = sections{}
	}

	var what, why, action []string
	var current *[]string
	found := false
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if header, rest, ok := sectionHeader(line); ok {
			found = true
			switch header {
			case "WHAT HAPPENED":
				current = &what
			case "WHY IT MATTERS":
				current = &why
			case "ACTION NEEDED":
				current = &action
			}
			if rest != "" {
				*current = append(*current, rest)
			}
			continue
		}
		if current != nil {
			*current = append(*current, line)
		}
	}
	if !found {
		s.WhatHappened = strings.Join(strings.Fields(text), " ")
	} else {
		s.WhatHappened = strings.Join(what, " ")
		s.WhyItMatters = strings.Join(why, " ")
		s.ActionNeeded = strings.Join(action, " ")
	}
	s.ActionNeeded = orDefault(s.ActionNeeded, DefaultAction)
	return s
}

var headers = []string{"WHAT HAPPENED", "WHY IT MATTERS", "ACTION NEEDED"}

func sectionHeader(line string) (header, rest string, ok bool) {
	clean := strings.TrimLeft(line, "#*_ ")
	upper := strings.ToUpper(clean)
	for _, h := range headers {
		if strings.HasPrefix(upper, h) {
			rest = strings.TrimLeft(clean[len(h):], "*_: ")
			return h, strings.TrimSpace(rest), true
		}
	}
	return "", "", false
}
