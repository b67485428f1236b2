package remote

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallRetriesTransient(t *testing.T) {
	calls := 0
	err := Call(context.Background(), Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		Multiplier:     2.0,
	}, nil, func() error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestCallStopsOnPermanent(t *testing.T) {
	calls := 0
	err := Call(context.Background(), DefaultConfig(), nil, func() error {
		calls++
		return errors.New("malformed request body")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, ClassPermanent, ClassOf(err, nil))
}

func TestCallStopsOnRateLimit(t *testing.T) {
	calls := 0
	err := Call(context.Background(), DefaultConfig(), nil, func() error {
		calls++
		return errors.New("rate limit reached, try again in 2m30s")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, ClassRateLimit, ClassOf(err, nil))
}

func TestCallExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Call(context.Background(), Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		Multiplier:     2.0,
	}, nil, func() error {
		calls++
		return errors.New("timeout")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.Equal(t, ClassTransient, ClassOf(err, nil))
}

func TestCallHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Call(ctx, Config{
		MaxAttempts:    10,
		InitialBackoff: 50 * time.Millisecond,
		Multiplier:     2.0,
	}, nil, func() error {
		calls++
		return errors.New("timeout")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled")
	assert.LessOrEqual(t, calls, 2)
}

func TestCallCustomClassifier(t *testing.T) {
	classify := func(err error) Class {
		return ClassUnavailable
	}

	err := Call(context.Background(), DefaultConfig(), classify, func() error {
		return errors.New("no endpoints found")
	})

	require.Error(t, err)
	assert.Equal(t, ClassUnavailable, ClassOf(err, nil))
}

func TestClassOfUnwrapsNesting(t *testing.T) {
	inner := Classify(ClassRateLimit, errors.New("429"))
	wrapped := fmt.Errorf("call failed: %w", inner)
	assert.Equal(t, ClassRateLimit, ClassOf(wrapped, nil))
}

func TestDefaultClassifier(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"rate limit text", errors.New("rate limit exceeded"), ClassRateLimit},
		{"http 429", errors.New("unexpected status 429"), ClassRateLimit},
		{"connection refused", errors.New("dial tcp: connection refused"), ClassTransient},
		{"timeout", errors.New("i/o timeout"), ClassTransient},
		{"bad gateway", errors.New("status 502"), ClassTransient},
		{"unauthorized", errors.New("401 unauthorized"), ClassUnavailable},
		{"invalid key", errors.New("invalid api key"), ClassUnavailable},
		{"unknown", errors.New("weird failure"), ClassPermanent},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"canceled", context.Canceled, ClassPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultClassifier(tt.err))
		})
	}
}
