package market

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// PriceCache caches the latest tick per instrument in Redis so the control
// surface and sibling processes can read prices without holding a feed. All
// operations degrade gracefully: a nil cache or a Redis error is a miss.
type PriceCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewPriceCache creates a price cache. Returns nil when client is nil so the
// cache stays optional at call sites.
func NewPriceCache(client *redis.Client, ttl time.Duration) *PriceCache {
	if client == nil {
		return nil
	}
	if ttl == 0 {
		ttl = 60 * time.Second
	}
	return &PriceCache{client: client, ttl: ttl}
}

func (c *PriceCache) key(instrument string) string {
	return fmt.Sprintf("price:latest:%s", instrument)
}

// Get returns the cached tick and true on a hit.
func (c *PriceCache) Get(ctx context.Context, instrument string) (Tick, bool) {
	if c == nil || c.client == nil {
		return Tick{}, false
	}

	// Short timeout so cache reads never stall the hot path
	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	raw, err := c.client.Get(cacheCtx, c.key(instrument)).Result()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Str("instrument", instrument).Msg("Price cache read error, treating as miss")
		}
		return Tick{}, false
	}

	var tick Tick
	if err := json.Unmarshal([]byte(raw), &tick); err != nil {
		log.Warn().Err(err).Str("instrument", instrument).Msg("Malformed cached tick")
		return Tick{}, false
	}
	return tick, true
}

// Set stores the tick with the configured TTL.
func (c *PriceCache) Set(ctx context.Context, tick Tick) error {
	if c == nil || c.client == nil {
		return nil
	}

	payload, err := json.Marshal(tick)
	if err != nil {
		return fmt.Errorf("marshal tick: %w", err)
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	if err := c.client.Set(cacheCtx, c.key(tick.Instrument), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache tick: %w", err)
	}
	return nil
}
