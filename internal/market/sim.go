package market

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tradefabric/tradefabric/internal/clock"
	"github.com/tradefabric/tradefabric/internal/pubsub"
)

// SimSource is a seeded random-walk market data source for the paper modes.
// It serves reads immediately and, when Run is started, publishes ticks on
// market:tick:<instrument> so the rest of the system exercises the same
// plumbing as a live feed.
type SimSource struct {
	mu         sync.Mutex
	prices     map[string]float64 // instrument -> last price
	rng        *rand.Rand
	volatility float64
	startPrice float64

	clk *clock.Clock
	ps  pubsub.PubSub
	log zerolog.Logger
}

// SimConfig configures the simulated source.
type SimConfig struct {
	StartPrice float64
	Volatility float64 // per-tick stddev as a fraction of price
	Seed       int64
}

// NewSimSource creates a simulated source. The pub/sub handle may be nil when
// only pull reads are needed.
func NewSimSource(cfg SimConfig, clk *clock.Clock, ps pubsub.PubSub) *SimSource {
	if cfg.StartPrice <= 0 {
		cfg.StartPrice = 22000.0
	}
	if cfg.Volatility <= 0 {
		cfg.Volatility = 0.0004
	}
	if cfg.Seed == 0 {
		cfg.Seed = 42
	}

	return &SimSource{
		prices:     make(map[string]float64),
		rng:        rand.New(rand.NewSource(cfg.Seed)),
		volatility: cfg.Volatility,
		startPrice: cfg.StartPrice,
		clk:        clk,
		ps:         ps,
		log:        log.With().Str("component", "sim_source").Logger(),
	}
}

// step advances the random walk for one instrument and returns the new price.
func (s *SimSource) step(instrument string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	price, ok := s.prices[instrument]
	if !ok {
		price = s.startPrice
	}
	price *= 1 + s.rng.NormFloat64()*s.volatility
	s.prices[instrument] = price
	return price
}

// LatestTick returns the current simulated price.
func (s *SimSource) LatestTick(ctx context.Context, instrument string) (Tick, error) {
	price := s.step(instrument)
	return Tick{
		Instrument: instrument,
		Price:      round2(price),
		Volume:     float64(100 + s.rng.Intn(900)),
		Timestamp:  s.clk.Now(),
	}, nil
}

// OHLC synthesizes limit bars ending at the current simulated price. Bars are
// generated backwards from the latest price so the series stays continuous
// with LatestTick.
func (s *SimSource) OHLC(ctx context.Context, instrument, timeframe string, limit int) ([]Candle, error) {
	if limit <= 0 {
		return []Candle{}, nil
	}

	step, err := timeframeDuration(timeframe)
	if err != nil {
		return nil, err
	}

	last := s.step(instrument)
	now := s.clk.Now()

	candles := make([]Candle, limit)
	price := last
	for i := limit - 1; i >= 0; i-- {
		s.mu.Lock()
		drift := s.rng.NormFloat64() * s.volatility * math.Sqrt(step.Minutes())
		spread := math.Abs(s.rng.NormFloat64()) * s.volatility * price
		vol := float64(1000 + s.rng.Intn(9000))
		s.mu.Unlock()

		open := price / (1 + drift)
		high := math.Max(open, price) + spread
		low := math.Min(open, price) - spread

		candles[i] = Candle{
			Instrument: instrument,
			Timeframe:  timeframe,
			Open:       round2(open),
			High:       round2(high),
			Low:        round2(low),
			Close:      round2(price),
			Volume:     vol,
			Timestamp:  now.Add(-time.Duration(limit-1-i) * step),
		}
		price = open
	}
	return candles, nil
}

// OptionsChain synthesizes a chain of strikes around the spot.
func (s *SimSource) OptionsChain(ctx context.Context, instrument string, strikes int) (OptionsChain, error) {
	if strikes <= 0 {
		strikes = 5
	}

	spot := s.step(instrument)
	interval := strikeInterval(spot)
	atm := math.Round(spot/interval) * interval

	chain := OptionsChain{
		Instrument: instrument,
		Spot:       round2(spot),
		Expiry:     s.clk.Now().AddDate(0, 0, 7),
	}
	for i := -strikes; i <= strikes; i++ {
		strike := atm + float64(i)*interval
		intrinsicCall := math.Max(spot-strike, 0)
		intrinsicPut := math.Max(strike-spot, 0)
		timeValue := spot * 0.005 * math.Exp(-math.Abs(float64(i))/3)

		s.mu.Lock()
		oiCall := float64(10000 + s.rng.Intn(90000))
		oiPut := float64(10000 + s.rng.Intn(90000))
		s.mu.Unlock()

		chain.Quotes = append(chain.Quotes, OptionQuote{
			Strike:    strike,
			CallPrice: round2(intrinsicCall + timeValue),
			PutPrice:  round2(intrinsicPut + timeValue),
			CallOI:    oiCall,
			PutOI:     oiPut,
		})
	}
	return chain, nil
}

// Subscribe registers the instrument with the tick publisher.
func (s *SimSource) Subscribe(ctx context.Context, instrument string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.prices[instrument]; !ok {
		s.prices[instrument] = s.startPrice
	}
	return nil
}

// Run publishes ticks for every subscribed instrument on the given interval
// until the context is cancelled. It is a no-op without a pub/sub handle.
func (s *SimSource) Run(ctx context.Context, interval time.Duration) error {
	if s.ps == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", interval).Msg("Simulated tick publisher started")

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Simulated tick publisher stopped")
			return ctx.Err()
		case <-ticker.C:
			s.publishTicks(ctx)
		}
	}
}

func (s *SimSource) publishTicks(ctx context.Context) {
	s.mu.Lock()
	instruments := make([]string, 0, len(s.prices))
	for inst := range s.prices {
		instruments = append(instruments, inst)
	}
	s.mu.Unlock()

	for _, inst := range instruments {
		tick, _ := s.LatestTick(ctx, inst)
		payload, err := json.Marshal(tick)
		if err != nil {
			continue
		}
		if err := s.ps.Publish(ctx, TickChannel(inst), payload); err != nil {
			s.log.Warn().Err(err).Str("instrument", inst).Msg("Tick publish failed")
		}
	}
}

func timeframeDuration(tf string) (time.Duration, error) {
	switch tf {
	case "1m":
		return time.Minute, nil
	case "5m":
		return 5 * time.Minute, nil
	case "15m", "":
		return 15 * time.Minute, nil
	case "1h":
		return time.Hour, nil
	case "1d":
		return 24 * time.Hour, nil
	default:
		if d, err := time.ParseDuration(tf); err == nil && d > 0 {
			return d, nil
		}
		return 0, fmt.Errorf("unsupported timeframe %q", tf)
	}
}

func strikeInterval(spot float64) float64 {
	switch {
	case spot >= 10000:
		return 50
	case spot >= 1000:
		return 10
	default:
		return 1
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
