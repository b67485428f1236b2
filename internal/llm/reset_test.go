package llm

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseResetHorizon(t *testing.T) {
	now := time.Date(2025, 6, 16, 11, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		message string
		want    time.Duration
	}{
		{"minutes and seconds", "rate limit reached, try again in 2m30s", 2*time.Minute + 30*time.Second},
		{"seconds only", "please try again in 45s", 45 * time.Second},
		{"fractional seconds", "try again in 7.66s", 7660 * time.Millisecond},
		{"minutes only", "try again in 3m", 3 * time.Minute},
		{"retry in seconds", "quota exceeded, retry in 30 seconds", 30 * time.Second},
		{"retry in minutes", "retry in 2 minutes", 2 * time.Minute},
		{"no hint falls back", "too many requests", defaultResetHorizon},
		{"empty falls back", "", defaultResetHorizon},
		{"sub-second clamps up", "try again in 200ms", time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseResetHorizon(tt.message, now))
		})
	}
}

func TestParseResetHorizonUnixMillis(t *testing.T) {
	now := time.Date(2025, 6, 16, 11, 0, 0, 0, time.UTC)

	reset := now.Add(10 * time.Minute)
	msg := fmt.Sprintf("rate limited, resets at %d", reset.UnixMilli())
	assert.Equal(t, 10*time.Minute, ParseResetHorizon(msg, now))

	// A reset timestamp in the past is useless; fall back.
	stale := fmt.Sprintf("rate limited, resets at %d", now.Add(-time.Minute).UnixMilli())
	assert.Equal(t, defaultResetHorizon, ParseResetHorizon(stale, now))
}

func TestParseResetHorizonClampsToOneHour(t *testing.T) {
	now := time.Date(2025, 6, 16, 11, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Hour, ParseResetHorizon("retry in 300 minutes", now))
}
