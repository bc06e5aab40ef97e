package ollama

import (
	"errors"
	"strings"
)

// ErrNoJSONObject is returned by JSONObject when resp holds no {...} span.
var ErrNoJSONObject = errors.New("no JSON object in response")

// JSONObject extracts the JSON object from a model response. Small local
// models wrap structured output in markdown fences or add chatter around it
// even when a format schema is set, so the fences are stripped and the span
// from the first '{' to the last '}' is returned.
func JSONObject(resp string) (string, error) {
	s := strings.TrimSpace(resp)
	if idx := strings.Index(s, "```"); idx != -1 {
		s = strings.TrimPrefix(s[idx+3:], "json")
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return "", ErrNoJSONObject
	}
	return s[start : end+1], nil
}
