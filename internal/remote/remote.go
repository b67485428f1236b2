// Package remote consolidates retry, backoff, and error classification for
// all outbound calls (LLM providers, pub/sub reconnects, store connections).
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Class partitions remote failures by how the caller should react.
type Class int

const (
	// ClassTransient errors are retried with backoff.
	ClassTransient Class = iota
	// ClassRateLimit errors cool the resource down until a reset horizon.
	ClassRateLimit
	// ClassUnavailable errors mark the resource out of service long-term.
	ClassUnavailable
	// ClassPermanent errors are returned to the caller immediately.
	ClassPermanent
)

// String returns the class name for logging.
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "TRANSIENT"
	case ClassRateLimit:
		return "RATE_LIMIT"
	case ClassUnavailable:
		return "UNAVAILABLE"
	case ClassPermanent:
		return "PERMANENT"
	default:
		return "UNKNOWN"
	}
}

// Classifier maps an error to its failure class.
type Classifier func(error) Class

// Error carries a classified failure.
type Error struct {
	Class Class
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Class, e.Err.Error())
}

func (e *Error) Unwrap() error { return e.Err }

// Classify wraps err with its class.
func Classify(class Class, err error) *Error {
	return &Error{Class: class, Err: err}
}

// ClassOf extracts the class from a wrapped error, or classifies it with the
// fallback classifier when it carries none.
func ClassOf(err error, fallback Classifier) Class {
	var re *Error
	if errors.As(err, &re) {
		return re.Class
	}
	if fallback != nil {
		return fallback(err)
	}
	return ClassPermanent
}

// Config configures retry behavior for remote operations.
type Config struct {
	MaxAttempts    int           // total attempts including the first
	InitialBackoff time.Duration // backoff before the second attempt
	MaxBackoff     time.Duration // backoff ceiling
	Multiplier     float64       // exponential growth factor
}

// DefaultConfig returns the default retry configuration: three attempts with
// 0.2s base backoff doubling per attempt.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2.0,
	}
}

// Call executes op, retrying transient failures with exponential backoff.
// Non-transient failures return immediately, wrapped with their class so the
// caller can react (cool down, mark unavailable, surface). The context is
// honored both between attempts and during backoff sleeps.
func Call(ctx context.Context, cfg Config, classify Classifier, op func() error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if classify == nil {
		classify = DefaultClassifier
	}

	var lastErr error
	backoff := cfg.InitialBackoff

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("operation cancelled: %w", ctx.Err())
		default:
		}

		err := op()
		if err == nil {
			if attempt > 0 {
				log.Debug().Int("attempt", attempt+1).Msg("Operation succeeded after retry")
			}
			return nil
		}
		lastErr = err

		class := ClassOf(err, classify)
		if class != ClassTransient {
			return Classify(class, err)
		}

		if attempt == cfg.MaxAttempts-1 {
			break
		}

		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("max_attempts", cfg.MaxAttempts).
			Dur("backoff", backoff).
			Msg("Transient failure, retrying with backoff")

		select {
		case <-ctx.Done():
			return fmt.Errorf("operation cancelled during backoff: %w", ctx.Err())
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * cfg.Multiplier)
		if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	return Classify(ClassTransient,
		fmt.Errorf("operation failed after %d attempts: %w", cfg.MaxAttempts, lastErr))
}

// DefaultClassifier classifies by well-known message fragments. Unknown
// errors are permanent; resource-specific callers install stricter rules.
func DefaultClassifier(err error) Class {
	if err == nil {
		return ClassPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	if errors.Is(err, context.Canceled) {
		return ClassPermanent
	}

	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "429"),
		strings.Contains(msg, "too many requests"):
		return ClassRateLimit
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "temporary"),
		strings.Contains(msg, "unavailable"),
		strings.Contains(msg, "502"),
		strings.Contains(msg, "503"):
		return ClassTransient
	case strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "401"),
		strings.Contains(msg, "403"):
		return ClassUnavailable
	default:
		return ClassPermanent
	}
}
