package ai

import (
	"regexp"
	"strings"
)

var listMarker = regexp.MustCompile(`^(?:[-*•]+|\d+[.)]|\(\d+\))\s*`)

// ParseSuggestions splits a completion into one suggestion per non-empty line,
// dropping bullet and numbering prefixes and markdown code fences.
func ParseSuggestions(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "```") {
			continue
		}
		line = strings.TrimSpace(listMarker.ReplaceAllString(line, ""))
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}
