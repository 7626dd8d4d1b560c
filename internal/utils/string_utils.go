package utils

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// TruncateWithMarker truncates s to at most maxLen bytes and appends a
// marker recording the original and kept sizes. The cut prefers the last
// newline inside the retained region when that newline falls in the
// region's second half; otherwise it cuts at the byte boundary (backed
// off to a rune boundary). Strings within the limit are returned
// unchanged, without a marker.
func TruncateWithMarker(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}

	keep := maxLen
	if idx := strings.LastIndexByte(s[:maxLen], '\n'); idx >= maxLen/2 {
		keep = idx
	} else {
		for keep > 0 && !utf8.RuneStart(s[keep]) {
			keep--
		}
	}

	return fmt.Sprintf("%s\n[truncated: original %d bytes, kept %d]", s[:keep], len(s), keep)
}

// ContainsAny returns true if s contains any of the substrings
func ContainsAny(s string, substrings []string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
