// Package clock provides the central time source. In virtual mode every
// reader observes the stored virtual instant instead of wall-clock time,
// which is how historical replay runs deterministically. Attaching a shared
// key-value store extends that guarantee across sibling processes.
package clock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tradefabric/tradefabric/internal/kv"
)

// Shared state keys. Every process attached to the same store observes
// identical virtual time through them.
const (
	KeyEnabled = "virtual_time:enabled"
	KeyCurrent = "virtual_time:current"
)

// timeFormat preserves nanosecond precision across the store.
const timeFormat = time.RFC3339Nano

// ErrNotVirtual is returned by Advance when virtual mode is inactive.
var ErrNotVirtual = errors.New("clock: virtual time not enabled")

// Clock returns real or virtual time. Construct exactly one per process and
// pass it explicitly; components never reach for a global.
type Clock struct {
	mu      sync.RWMutex
	virtual bool
	current time.Time

	store kv.Store
	log   zerolog.Logger
}

// Option configures a Clock.
type Option func(*Clock)

// WithKV attaches a shared store for cross-process synchronization.
func WithKV(store kv.Store) Option {
	return func(c *Clock) { c.store = store }
}

// WithLogger overrides the component logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Clock) { c.log = logger }
}

// New creates a real-time clock.
func New(opts ...Option) *Clock {
	c := &Clock{
		log: log.With().Str("component", "clock").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Now returns the current instant. With a store attached this performs at
// most two reads; read failures degrade to the locally cached state so time
// never blocks on a flaky store.
func (c *Clock) Now() time.Time {
	if c.store != nil {
		if t, ok := c.readShared(); ok {
			return t
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.virtual {
		return c.current
	}
	return time.Now()
}

// readShared consults the store. The second return is false when the store
// answered authoritatively that virtual mode is off, or errored.
func (c *Clock) readShared() (time.Time, bool) {
	ctx := context.Background()

	enabled, err := c.store.Get(ctx, KeyEnabled)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			c.log.Warn().Err(err).Msg("Virtual time read failed, using local state")
			return c.localNow(), true
		}
		return time.Time{}, false
	}
	if enabled != "true" {
		// Authoritative: virtual mode off
		c.mu.Lock()
		c.virtual = false
		c.mu.Unlock()
		return time.Time{}, false
	}

	raw, err := c.store.Get(ctx, KeyCurrent)
	if err != nil {
		c.log.Warn().Err(err).Msg("Virtual time read failed, using local state")
		return c.localNow(), true
	}
	t, err := time.Parse(timeFormat, raw)
	if err != nil {
		c.log.Warn().Err(err).Str("value", raw).Msg("Malformed virtual time in store")
		return c.localNow(), true
	}

	c.mu.Lock()
	c.virtual = true
	c.current = t
	c.mu.Unlock()
	return t, true
}

func (c *Clock) localNow() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.virtual {
		return c.current
	}
	return time.Now()
}

// SetVirtual switches to virtual mode at instant t.
func (c *Clock) SetVirtual(ctx context.Context, t time.Time) error {
	c.mu.Lock()
	c.virtual = true
	c.current = t
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Set(ctx, KeyEnabled, "true", 0); err != nil {
			return fmt.Errorf("persist virtual flag: %w", err)
		}
		if err := c.store.Set(ctx, KeyCurrent, t.Format(timeFormat), 0); err != nil {
			return fmt.Errorf("persist virtual time: %w", err)
		}
	}

	c.log.Info().Time("virtual_time", t).Msg("Virtual time enabled")
	return nil
}

// ClearVirtual returns to wall-clock time.
func (c *Clock) ClearVirtual(ctx context.Context) error {
	c.mu.Lock()
	c.virtual = false
	c.current = time.Time{}
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Set(ctx, KeyEnabled, "false", 0); err != nil {
			return fmt.Errorf("persist virtual flag: %w", err)
		}
		if err := c.store.Delete(ctx, KeyCurrent); err != nil {
			return fmt.Errorf("clear virtual time: %w", err)
		}
	}

	c.log.Info().Msg("Virtual time disabled")
	return nil
}

// Advance moves virtual time forward by d and returns the new instant. The
// store value wins over local state so concurrent advancers compose.
func (c *Clock) Advance(ctx context.Context, d time.Duration) (time.Time, error) {
	if !c.IsVirtual() {
		return time.Time{}, ErrNotVirtual
	}

	base := c.Now()
	next := base.Add(d)

	c.mu.Lock()
	c.virtual = true
	c.current = next
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Set(ctx, KeyCurrent, next.Format(timeFormat), 0); err != nil {
			return time.Time{}, fmt.Errorf("persist virtual time: %w", err)
		}
	}

	c.log.Debug().Time("virtual_time", next).Dur("advanced", d).Msg("Virtual time advanced")
	return next, nil
}

// IsVirtual reports whether virtual mode is active, consulting the store
// when one is attached.
func (c *Clock) IsVirtual() bool {
	if c.store != nil {
		enabled, err := c.store.Get(context.Background(), KeyEnabled)
		if err == nil {
			return enabled == "true"
		}
		if !errors.Is(err, kv.ErrNotFound) {
			c.log.Warn().Err(err).Msg("Virtual flag read failed, using local state")
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.virtual
}
