package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTokenLimitFailure(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   bool
	}{
		{"empty", "", false},
		{"plain failure", "panic: index out of range", false},
		{"rate limit", "API error: Rate Limit exceeded", true},
		{"token limit", "you have hit your token limit for today", true},
		{"overloaded", "Error: server OVERLOADED, try later", true},
		{"status 529", "upstream returned 529", true},
		{"capacity", "provider is at capacity", true},
		{"too many requests", "HTTP 429 Too Many Requests", true},
		{"keyword outside scan window", "rate limit" + strings.Repeat("x", tokenScanWindow), false},
		{"keyword inside scan window", strings.Repeat("x", tokenScanWindow) + "\nrate limit hit", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTokenLimitFailure(tt.output))
		})
	}
}

func TestCompletionSummaryAndVerification(t *testing.T) {
	assert.True(t, verifyCompletion("work done\n"+MarkerComplete+"\n"))
	assert.False(t, verifyCompletion("work done\n"+MarkerNeedsMoreWork+"\n"))
}
