package reply

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	entryIDPattern = regexp.MustCompile(`^(?:(\d{8})-)?(\d{1,3})$`)
	commandPattern = regexp.MustCompile(`(?i)\b(?:download|get|fetch)\b\s*:?\s*(.*)$`)
	separator      = regexp.MustCompile(`(?i)[,;\s]+|\band\b`)

	// Lines that start the quoted history of a reply.
	historyMarkers = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^on\s.+wrote:?$`),
		regexp.MustCompile(`(?i)^am\s.+schrieb.*:$`),
		regexp.MustCompile(`(?i)^-{2,}\s*original message\s*-{2,}$`),
		regexp.MustCompile(`^_{10,}$`),
		regexp.MustCompile(`(?i)^from:\s.+@`),
	}
)

// ParseEntryIDs extracts entry identifiers from a reply body. Quoted lines
// and everything after a quoted-history marker are ignored, and at most
// maxLines meaningful lines are read. IDs come from "download|get|fetch"
// phrases or from lines holding nothing but IDs.
//
// The result is normalized (07, 20260310-07), order-preserving and free of
// duplicates. A body with no recognizable IDs yields nil.
func ParseEntryIDs(body string, maxLines int) []string {
	if maxLines <= 0 {
		maxLines = 10
	}

	var lines []string
	for _, line := range strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, ">") {
			continue
		}
		if isHistoryMarker(line) {
			break
		}
		lines = append(lines, line)
		if len(lines) >= maxLines {
			break
		}
	}

	var ids []string
	seen := make(map[string]bool)
	add := func(tokens []string) {
		for _, tok := range tokens {
			if id, ok := normalizeID(tok); ok && !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	for _, line := range lines {
		if m := commandPattern.FindStringSubmatch(line); m != nil {
			add(tokens(m[1]))
			continue
		}
		toks := tokens(line)
		if len(toks) > 0 && allIDs(toks) {
			add(toks)
		}
	}
	return ids
}

func isHistoryMarker(line string) bool {
	for _, re := range historyMarkers {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

func tokens(s string) []string {
	var out []string
	for _, t := range separator.Split(s, -1) {
		t = strings.Trim(t, ".!?()[]")
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

func allIDs(toks []string) bool {
	for _, t := range toks {
		if !entryIDPattern.MatchString(t) {
			return false
		}
	}
	return true
}

// normalizeID pads the sequence to two digits: 7 -> 07, 20260310-7 ->
// 20260310-07.
func normalizeID(tok string) (string, bool) {
	m := entryIDPattern.FindStringSubmatch(tok)
	if m == nil {
		return "", false
	}
	seq, err := strconv.Atoi(m[2])
	if err != nil || seq == 0 {
		return "", false
	}
	if m[1] != "" {
		return fmt.Sprintf("%s-%02d", m[1], seq), true
	}
	return fmt.Sprintf("%02d", seq), true
}
