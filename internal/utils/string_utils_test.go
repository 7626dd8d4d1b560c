package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncateWithMarker(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		maxLen    int
		truncated bool
	}{
		{
			name:      "short string unchanged",
			input:     "short",
			maxLen:    100,
			truncated: false,
		},
		{
			name:      "exactly at limit unchanged",
			input:     strings.Repeat("a", 100),
			maxLen:    100,
			truncated: false,
		},
		{
			name:      "one over limit",
			input:     strings.Repeat("a", 101),
			maxLen:    100,
			truncated: true,
		},
		{
			name:      "empty string",
			input:     "",
			maxLen:    10,
			truncated: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TruncateWithMarker(tt.input, tt.maxLen)
			if tt.truncated {
				assert.Contains(t, got, "truncated")
				assert.LessOrEqual(t, len(got), tt.maxLen+64, "marker overhead should be bounded")
			} else {
				assert.Equal(t, tt.input, got)
			}
		})
	}
}

func TestTruncateWithMarker_CutsAtNewlineInSecondHalf(t *testing.T) {
	// Newline at byte 80 of a 100-byte window: cut should land there.
	input := strings.Repeat("a", 80) + "\n" + strings.Repeat("b", 200)
	got := TruncateWithMarker(input, 100)

	assert.Contains(t, got, "truncated")
	assert.Contains(t, got, "original 281")
	assert.Contains(t, got, "kept 80")
	assert.NotContains(t, strings.SplitN(got, "\n[truncated", 2)[0], "b")
}

func TestTruncateWithMarker_IgnoresNewlineInFirstHalf(t *testing.T) {
	// Only newline is at byte 10; window is 100, so the cut stays at the boundary.
	input := strings.Repeat("a", 10) + "\n" + strings.Repeat("b", 300)
	got := TruncateWithMarker(input, 100)

	assert.Contains(t, got, "kept 100")
	assert.Contains(t, got, "original 311")
}

func TestTruncateWithMarker_RecordsSizes(t *testing.T) {
	input := strings.Repeat("x", 5000)
	got := TruncateWithMarker(input, 3000)

	assert.Contains(t, got, "original 5000")
	assert.Contains(t, got, "kept 3000")
}

func TestTruncateWithMarker_RuneBoundary(t *testing.T) {
	// "é" is two bytes; a cut landing mid-rune must back off.
	input := strings.Repeat("é", 60)
	got := TruncateWithMarker(input, 99)

	prefix := strings.SplitN(got, "\n[truncated", 2)[0]
	assert.True(t, strings.HasPrefix(input, prefix))
	assert.Contains(t, got, "kept 98")
}

func TestContainsAny(t *testing.T) {
	tests := []struct {
		name       string
		s          string
		substrings []string
		expected   bool
	}{
		{
			name:       "contains first",
			s:          "zombie detection: heartbeat lost",
			substrings: []string{"zombie", "Zombie"},
			expected:   true,
		},
		{
			name:       "contains later entry",
			s:          "Zombie occurrence reaped",
			substrings: []string{"zombie", "Zombie"},
			expected:   true,
		},
		{
			name:       "contains none",
			s:          "worker crashed",
			substrings: []string{"zombie", "Zombie"},
			expected:   false,
		},
		{
			name:       "empty substrings",
			s:          "anything",
			substrings: nil,
			expected:   false,
		},
		{
			name:       "empty string",
			s:          "",
			substrings: []string{"x"},
			expected:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ContainsAny(tt.s, tt.substrings))
		})
	}
}
