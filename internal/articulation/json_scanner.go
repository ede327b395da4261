package articulation

// span is a half-open byte range [start, end) of the scanned text.
type span struct {
	start, end int
}

// firstBalancedObject returns the first brace-delimited span whose nesting
// returns to zero. Trailing commentary after it is ignored.
func firstBalancedObject(s string) (string, bool) {
	spans := scanObjects(s, true, 1)
	if len(spans) == 0 {
		return "", false
	}
	return s[spans[0].start:spans[0].end], true
}

// braceSpans finds top-level {...} spans in free prose. Quotes are not
// treated as string delimiters here because agent_response prose routinely
// contains unbalanced quotation marks.
func braceSpans(s string) []span {
	return scanObjects(s, false, -1)
}

// scanObjects is the byte-level depth scanner behind the helpers above.
// limit < 0 means no limit.
//
// Iterating bytes is safe for the ASCII delimiters ({, }, ", \) because
// UTF-8 never uses ASCII bytes inside a multi-byte sequence.
func scanObjects(s string, stringAware bool, limit int) []span {
	var spans []span
	var depth int
	start := -1
	var inString bool
	var escape bool

	for i := 0; i < len(s); i++ {
		b := s[i]

		if stringAware {
			if escape {
				escape = false
				continue
			}
			if inString {
				if b == '\\' {
					escape = true
				} else if b == '"' {
					inString = false
				}
				continue
			}
			if b == '"' {
				inString = true
				continue
			}
		}

		switch b {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start != -1 {
					spans = append(spans, span{start, i + 1})
					start = -1
					if limit > 0 && len(spans) >= limit {
						return spans
					}
				}
			}
		}
	}

	return spans
}
