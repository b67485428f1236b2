package llm

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// defaultResetHorizon applies when a rate-limit message carries no parsable
// reset hint.
const defaultResetHorizon = 5 * time.Minute

// Reset hint formats seen across providers.
var (
	// "try again in 2m30s", "try again in 45s", "try again in 1m"
	resetMinSec = regexp.MustCompile(`try again in\s+(\d+)m(\d+(?:\.\d+)?)s`)
	resetSingle = regexp.MustCompile(`try again in\s+(\d+(?:\.\d+)?)\s*(ms|s|m)\b`)
	// "retry in 30 seconds", "retry in 2 minutes"
	resetRetryIn = regexp.MustCompile(`retry in\s+(\d+(?:\.\d+)?)\s*(second|minute)s?`)
	// absolute unix-millisecond reset timestamps embedded in error bodies
	resetUnixMS = regexp.MustCompile(`\b(\d{13})\b`)
)

// ParseResetHorizon extracts a cooldown duration from a provider rate-limit
// message, falling back to five minutes. The result is clamped to [1s, 1h].
func ParseResetHorizon(message string, now time.Time) time.Duration {
	lower := strings.ToLower(message)

	if m := resetMinSec.FindStringSubmatch(lower); m != nil {
		mins, _ := strconv.Atoi(m[1])
		secs, _ := strconv.ParseFloat(m[2], 64)
		return clampReset(time.Duration(mins)*time.Minute + time.Duration(secs*float64(time.Second)))
	}

	if m := resetSingle.FindStringSubmatch(lower); m != nil {
		value, _ := strconv.ParseFloat(m[1], 64)
		switch m[2] {
		case "ms":
			return clampReset(time.Duration(value * float64(time.Millisecond)))
		case "m":
			return clampReset(time.Duration(value * float64(time.Minute)))
		default:
			return clampReset(time.Duration(value * float64(time.Second)))
		}
	}

	if m := resetRetryIn.FindStringSubmatch(lower); m != nil {
		value, _ := strconv.ParseFloat(m[1], 64)
		if m[2] == "minute" {
			return clampReset(time.Duration(value * float64(time.Minute)))
		}
		return clampReset(time.Duration(value * float64(time.Second)))
	}

	if m := resetUnixMS.FindStringSubmatch(lower); m != nil {
		ms, _ := strconv.ParseInt(m[1], 10, 64)
		if horizon := time.UnixMilli(ms).Sub(now); horizon > 0 {
			return clampReset(horizon)
		}
	}

	return defaultResetHorizon
}

func clampReset(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	if d > time.Hour {
		return time.Hour
	}
	return d
}
