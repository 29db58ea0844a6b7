package strings

import (
	"strings"
)

// DefaultDescriptionMaxLen is the column width used when rendering rule and
// plugin descriptions in tabular output.
const DefaultDescriptionMaxLen = 60

// MinTruncateLen is the smallest usable maxLen: one visible character plus
// the "..." marker.
const MinTruncateLen = 4

// TruncateDescription flattens a description to a single line and cuts it to
// at most maxLen characters, appending "..." when it was cut. All runs of
// whitespace, including newlines, collapse to single spaces. Truncation
// counts runes, not bytes, so multi-byte characters stay intact. A maxLen
// below MinTruncateLen is raised to MinTruncateLen.
func TruncateDescription(s string, maxLen int) string {
	if maxLen < MinTruncateLen {
		maxLen = MinTruncateLen
	}

	s = strings.Join(strings.Fields(s), " ")

	runes := []rune(s)
	if len(runes) > maxLen {
		return string(runes[:maxLen-3]) + "..."
	}
	return s
}
