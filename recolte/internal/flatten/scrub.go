package flatten

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// strict strips every tag. Safe for concurrent use once built.
var strict = bluemonday.StrictPolicy()

// Scrub strips embedded markup from every value in place and resolves
// HTML entities, leaving plain text. Registry free-text fields sometimes
// carry markup pasted from publication systems.
func Scrub(fields map[string]string) {
	for k, v := range fields {
		fields[k] = ScrubValue(v)
	}
}

// ScrubValue sanitizes a single value. Values without markup markers are
// returned unchanged.
func ScrubValue(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return s
	}
	return html.UnescapeString(strict.Sanitize(s))
}
