package llm

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNotJSON is returned by DecodeJSON when the text holds no JSON object.
var ErrNotJSON = errors.New("response is not JSON")

// DecodeJSON decodes a model response that should be a JSON object into v.
// Markdown code fences and text around the object are tolerated.
func DecodeJSON(text string, v any) error {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.Split(text, "\n")
		end := len(lines)
		for i := len(lines) - 1; i > 0; i-- {
			if strings.TrimSpace(lines[i]) == "```" {
				end = i
				break
			}
		}
		text = strings.Join(lines[1:end], "\n")
	}
	start, stop := strings.Index(text, "{"), strings.LastIndex(text, "}")
	if start < 0 || stop < start {
		return ErrNotJSON
	}
	return json.Unmarshal([]byte(text[start:stop+1]), v)
}
