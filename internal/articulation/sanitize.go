package articulation

import (
	"regexp"
	"strings"
)

var (
	// directiveKey marks a brace fragment as a re-serialized directive.
	directiveKey = regexp.MustCompile(`["']?(stage|agent_response)["']?\s*:`)

	imaginePhrases = []*regexp.Regexp{
		regexp.MustCompile(`[(（]?请?想象[^。，！？\n]*图片[^。，！？\n]*[)）]?`),
		regexp.MustCompile(`想象.*?图片`),
		regexp.MustCompile(`(?i)\(?\b(?:please\s+)?imagine\b[^.!?\n]*\b(?:image|picture|photo)s?\b[^.!?\n]*[.!?]?\)?`),
	}

	blankRuns = regexp.MustCompile(`\n{3,}`)
)

// sanitizeResponse removes embedded directive examples and "imagine the
// picture" instructions from agent_response. Images are presented
// structurally, so the prose must not ask the reader to picture one.
// The result may be empty; the caller decides what to show instead.
func sanitizeResponse(s string) string {
	return stripImaginePhrases(stripDirectiveFragments(s))
}

func stripDirectiveFragments(s string) string {
	spans := braceSpans(s)
	if len(spans) == 0 {
		return s
	}
	var b strings.Builder
	last := 0
	for _, sp := range spans {
		if !directiveKey.MatchString(s[sp.start:sp.end]) {
			continue
		}
		b.WriteString(s[last:sp.start])
		last = sp.end
	}
	b.WriteString(s[last:])
	return b.String()
}

func stripImaginePhrases(s string) string {
	for _, re := range imaginePhrases {
		s = re.ReplaceAllString(s, "")
	}
	s = blankRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
