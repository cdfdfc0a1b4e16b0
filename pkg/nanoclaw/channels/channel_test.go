package channels

import (
	"strings"
	"testing"
)

func TestSplitMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		length int
		chunks []int
	}{
		{"empty", 0, []int{0}},
		{"short", 10, []int{10}},
		{"exact boundary", MaxMessageLength, []int{MaxMessageLength}},
		{"one over", MaxMessageLength + 1, []int{MaxMessageLength, 1}},
		{"ten thousand", 10000, []int{4096, 4096, 1808}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			text := strings.Repeat("x", tt.length)
			chunks := SplitMessage(text)
			if len(chunks) != len(tt.chunks) {
				t.Fatalf("SplitMessage(%d chars) produced %d chunks, want %d",
					tt.length, len(chunks), len(tt.chunks))
			}
			for i, want := range tt.chunks {
				if len(chunks[i]) != want {
					t.Errorf("chunk %d has %d chars, want %d", i, len(chunks[i]), want)
				}
			}
		})
	}
}

func TestSplitMessageReconstructs(t *testing.T) {
	t.Parallel()

	// Distinct characters so ordering and boundaries are verifiable.
	var b strings.Builder
	for i := 0; i < 10000; i++ {
		b.WriteByte(byte('a' + i%26))
	}
	original := b.String()

	chunks := SplitMessage(original)
	if got := strings.Join(chunks, ""); got != original {
		t.Fatal("concatenated chunks do not reconstruct the original text")
	}
	for i, c := range chunks {
		if !strings.Contains(original, c) {
			t.Errorf("chunk %d is not a verbatim substring", i)
		}
	}
}
