// Package indicators computes technical indicators from OHLC bars. Service
// is the capability agents consume; the per-indicator functions work on
// plain price slices.
package indicators

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tradefabric/tradefabric/internal/market"
)

// TechnicalIndicators is the indicator capability surface.
type TechnicalIndicators interface {
	Compute(ctx context.Context, instrument, timeframe string) (map[string]float64, error)
}

// Config holds indicator periods. Zero fields take the usual defaults.
type Config struct {
	Bars             int // bars fetched per computation
	EMAFastPeriod    int
	EMASlowPeriod    int
	RSIPeriod        int
	MACDFastPeriod   int
	MACDSlowPeriod   int
	MACDSignalPeriod int
	BollingerPeriod  int
	ADXPeriod        int
}

func (c Config) withDefaults() Config {
	def := func(v *int, d int) {
		if *v <= 0 {
			*v = d
		}
	}
	def(&c.Bars, 100)
	def(&c.EMAFastPeriod, 20)
	def(&c.EMASlowPeriod, 50)
	def(&c.RSIPeriod, 14)
	def(&c.MACDFastPeriod, 12)
	def(&c.MACDSlowPeriod, 26)
	def(&c.MACDSignalPeriod, 9)
	def(&c.BollingerPeriod, 20)
	def(&c.ADXPeriod, 14)
	return c
}

// minBars is the shortest history that lets every indicator produce a value.
func (c Config) minBars() int {
	need := c.EMASlowPeriod
	if n := c.MACDSlowPeriod + c.MACDSignalPeriod; n > need {
		need = n
	}
	if n := c.ADXPeriod * 2; n > need {
		need = n
	}
	if c.BollingerPeriod > need {
		need = c.BollingerPeriod
	}
	return need
}

// Service computes the standard indicator set from a data source's bars.
type Service struct {
	source market.DataSource
	cfg    Config
	log    zerolog.Logger
}

// NewService builds the indicator service over a market data source.
func NewService(source market.DataSource, cfg Config) *Service {
	return &Service{
		source: source,
		cfg:    cfg.withDefaults(),
		log:    log.With().Str("component", "indicators").Logger(),
	}
}

// Compute returns the indicator snapshot at the most recent bar. Missing
// history fails rather than returning partial numbers.
func (s *Service) Compute(ctx context.Context, instrument, timeframe string) (map[string]float64, error) {
	candles, err := s.source.OHLC(ctx, instrument, timeframe, s.cfg.Bars)
	if err != nil {
		return nil, fmt.Errorf("fetch ohlc for %s %s: %w", instrument, timeframe, err)
	}
	if need := s.cfg.minBars(); len(candles) < need {
		return nil, fmt.Errorf("insufficient history for %s %s: need %d bars, have %d",
			instrument, timeframe, need, len(candles))
	}

	closes := make([]float64, len(candles))
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
	}

	emaFast, err := EMA(closes, s.cfg.EMAFastPeriod)
	if err != nil {
		return nil, err
	}
	emaSlow, err := EMA(closes, s.cfg.EMASlowPeriod)
	if err != nil {
		return nil, err
	}
	rsi, err := RSI(closes, s.cfg.RSIPeriod)
	if err != nil {
		return nil, err
	}
	macdLine, signalLine, err := MACD(closes, s.cfg.MACDFastPeriod, s.cfg.MACDSlowPeriod, s.cfg.MACDSignalPeriod)
	if err != nil {
		return nil, err
	}
	lower, middle, upper, err := Bollinger(closes, s.cfg.BollingerPeriod)
	if err != nil {
		return nil, err
	}
	adx, err := ADX(highs, lows, closes, s.cfg.ADXPeriod)
	if err != nil {
		return nil, err
	}

	out := map[string]float64{
		"last_close":     last(closes),
		"ema_fast":       last(emaFast),
		"ema_slow":       last(emaSlow),
		"rsi":            last(rsi),
		"macd":           last(macdLine),
		"macd_signal":    last(signalLine),
		"macd_histogram": last(macdLine) - last(signalLine),
		"bb_lower":       last(lower),
		"bb_middle":      last(middle),
		"bb_upper":       last(upper),
		"adx":            adx,
	}

	s.log.Debug().
		Str("instrument", instrument).
		Str("timeframe", timeframe).
		Int("bars", len(candles)).
		Float64("rsi", out["rsi"]).
		Float64("macd", out["macd"]).
		Msg("Indicators computed")
	return out, nil
}

// feed converts a price slice into the channel form cinar indicators consume.
func feed(prices []float64) chan float64 {
	ch := make(chan float64, len(prices))
	for _, p := range prices {
		ch <- p
	}
	close(ch)
	return ch
}

func collect(ch <-chan float64) []float64 {
	var out []float64
	for v := range ch {
		out = append(out, v)
	}
	return out
}

func last(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return values[len(values)-1]
}

func checkPeriod(period, n int) error {
	if period < 1 || period > n {
		return fmt.Errorf("invalid period %d for %d prices", period, n)
	}
	return nil
}

var _ TechnicalIndicators = (*Service)(nil)
