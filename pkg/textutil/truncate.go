// Package textutil provides small text helpers shared by phases and the
// task runtime.
package textutil

import "unicode/utf8"

// TruncateUTF8 cuts s to at most maxBytes bytes without splitting a UTF-8
// code point. The result always decodes cleanly.
func TruncateUTF8(s string, maxBytes int) string {
	if maxBytes <= 0 {
		return ""
	}
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// Snippet truncates s for audit summaries, appending an ellipsis when
// anything was cut.
func Snippet(s string, maxBytes int) string {
	t := TruncateUTF8(s, maxBytes)
	if len(t) < len(s) {
		return t + "..."
	}
	return t
}
