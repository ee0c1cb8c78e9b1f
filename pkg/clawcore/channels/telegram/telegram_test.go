package telegram

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		text  string
		limit int
		want  int // chunk count
	}{
		{"short", "hello", 10, 1},
		{"exact", "abcdefghij", 10, 1},
		{"split", strings.Repeat("a", 25), 10, 3},
		{"empty", "", 10, 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			chunks := splitMessage(tt.text, tt.limit)
			if len(chunks) != tt.want {
				t.Fatalf("chunks = %d, want %d", len(chunks), tt.want)
			}
			if strings.Join(chunks, "") != tt.text {
				t.Error("chunks do not reassemble the input")
			}
			for i, c := range chunks {
				if len(c) > tt.limit {
					t.Errorf("chunk %d is %d bytes, limit %d", i, len(c), tt.limit)
				}
			}
		})
	}
}

func TestSplitMessageKeepsRunesWhole(t *testing.T) {
	t.Parallel()

	// 4-byte runes with a limit that lands mid-rune on a naive byte cut.
	text := strings.Repeat("🤖", 10) // 40 bytes
	chunks := splitMessage(text, 10)

	if strings.Join(chunks, "") != text {
		t.Error("chunks do not reassemble the input")
	}
	for i, c := range chunks {
		if !utf8.ValidString(c) {
			t.Errorf("chunk %d is not valid UTF-8: %q", i, c)
		}
	}
}
