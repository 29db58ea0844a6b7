package strings

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncateDescription(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"fits untouched", "restart unhealthy instances", 40, "restart unhealthy instances"},
		{"exact length untouched", "scale", 5, "scale"},
		{"cut with marker", "restarts any instance that reports unhealthy twice", 20, "restarts any inst..."},
		{"newlines flattened", "line one\nline two", 30, "line one line two"},
		{"whitespace runs collapsed", "too \t many \r\n   gaps", 30, "too many gaps"},
		{"surrounding whitespace dropped", "  padded  ", 30, "padded"},
		{"whitespace only", " \n\t ", 10, ""},
		{"empty input", "", 10, ""},
		{"multi-byte runes kept whole", "réglage du cache mémoire", 10, "réglage..."},
		{"maxLen clamped to minimum", "scale", 0, "s..."},
		{"negative maxLen clamped", "scale", -3, "s..."},
		{"short input survives small maxLen", "up", 3, "up"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TruncateDescription(tt.input, tt.maxLen))
		})
	}
}

func TestTruncateDescriptionCountsRunes(t *testing.T) {
	// 6 runes, 18 bytes. A byte-based cut would split a character.
	got := TruncateDescription("日本語の説明", 5)
	assert.Equal(t, "日本...", got)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, 5, utf8.RuneCountInString(got))
}
