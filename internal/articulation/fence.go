package articulation

import (
	"regexp"
	"strings"
)

var (
	openFence  = regexp.MustCompile("^```[A-Za-z]*[ \t]*\r?\n?")
	closeFence = regexp.MustCompile("\r?\n?```[ \t]*$")
)

// stripFence removes a leading and a trailing Markdown code fence, if
// present. The second result reports whether anything was stripped.
func stripFence(s string) (string, bool) {
	s = strings.TrimSpace(s)
	out := openFence.ReplaceAllString(s, "")
	out = closeFence.ReplaceAllString(out, "")
	out = strings.TrimSpace(out)
	return out, out != s
}
