package textutil

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncateUTF8(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		maxBytes int
		want     string
	}{
		{"empty", "", 10, ""},
		{"fits", "hello", 10, "hello"},
		{"exact", "hello", 5, "hello"},
		{"ascii cut", "hello world", 5, "hello"},
		{"zero", "hello", 0, ""},
		{"multibyte boundary", "héllo", 2, "h"}, // é is 2 bytes starting at offset 1
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TruncateUTF8(tt.input, tt.maxBytes))
		})
	}
}

func TestTruncateUTF8NeverSplitsCodePoints(t *testing.T) {
	// A 600+ byte message of 3-byte code points; every cut length must
	// decode cleanly and stay within the limit.
	message := strings.Repeat("多字节内容测试", 30)
	require.Greater(t, len(message), 600)

	truncated := TruncateUTF8(message, 500)
	assert.LessOrEqual(t, len(truncated), 500)
	assert.True(t, utf8.ValidString(truncated))

	// Sweep every limit around the boundary.
	for maxBytes := 495; maxBytes <= 505; maxBytes++ {
		result := TruncateUTF8(message, maxBytes)
		assert.LessOrEqual(t, len(result), maxBytes)
		assert.True(t, utf8.ValidString(result), "maxBytes=%d", maxBytes)
	}
}

func TestSnippet(t *testing.T) {
	assert.Equal(t, "short", Snippet("short", 10))
	assert.Equal(t, "lon...", Snippet("long text here", 3))
}
