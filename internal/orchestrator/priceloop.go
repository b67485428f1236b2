package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tradefabric/tradefabric/internal/market"
	"github.com/tradefabric/tradefabric/internal/portfolio"
	"github.com/tradefabric/tradefabric/internal/pubsub"
)

// tickPattern subscribes to every instrument's tick channel.
const tickPattern = "market:tick:*"

// priceGetTimeout bounds each blocking read so shutdown stays responsive.
const priceGetTimeout = time.Second

// PriceLoop consumes market ticks and feeds them to the price cache and
// the position manager's stop/target sweep.
type PriceLoop struct {
	conn      pubsub.PubSub
	cache     *market.PriceCache
	portfolio *portfolio.Manager
	log       zerolog.Logger
}

// NewPriceLoop builds the loop over its own consumer connection. Cache and
// portfolio may each be nil.
func NewPriceLoop(conn pubsub.PubSub, cache *market.PriceCache, pm *portfolio.Manager) *PriceLoop {
	return &PriceLoop{
		conn:      conn,
		cache:     cache,
		portfolio: pm,
		log:       log.With().Str("component", "price_loop").Logger(),
	}
}

// Run consumes ticks until the context is cancelled.
func (p *PriceLoop) Run(ctx context.Context) error {
	if err := p.conn.PSubscribe(ctx, tickPattern); err != nil {
		return err
	}
	p.log.Info().Str("pattern", tickPattern).Msg("Price loop started")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := p.conn.Get(ctx, priceGetTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Warn().Err(err).Msg("Price feed read failed")
			continue
		}
		if msg == nil {
			continue
		}
		p.handle(ctx, msg.Payload)
	}
}

func (p *PriceLoop) handle(ctx context.Context, payload []byte) {
	var tick market.Tick
	if err := json.Unmarshal(payload, &tick); err != nil {
		p.log.Warn().Err(err).Msg("Dropping malformed tick")
		return
	}
	if tick.Instrument == "" || tick.Price <= 0 {
		return
	}

	if p.cache != nil {
		if err := p.cache.Set(ctx, tick); err != nil {
			p.log.Debug().Err(err).Msg("Price cache update failed")
		}
	}
	if p.portfolio != nil {
		events := p.portfolio.UpdateMarketPrices(ctx, map[string]float64{tick.Instrument: tick.Price})
		for _, event := range events {
			p.log.Info().
				Str("position_id", event.Position.ID).
				Str("reason", event.Reason).
				Float64("pnl", event.PnL).
				Msg("Protective level closed a position")
		}
	}
}
