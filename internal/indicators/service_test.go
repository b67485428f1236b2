package indicators

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradefabric/tradefabric/internal/market"
)

type stubSource struct {
	candles  []market.Candle
	err      error
	gotLimit int
}

func (s *stubSource) LatestTick(context.Context, string) (market.Tick, error) {
	return market.Tick{}, nil
}

func (s *stubSource) OHLC(_ context.Context, _, _ string, limit int) ([]market.Candle, error) {
	s.gotLimit = limit
	return s.candles, s.err
}

func (s *stubSource) OptionsChain(context.Context, string, int) (market.OptionsChain, error) {
	return market.OptionsChain{}, nil
}

func (s *stubSource) Subscribe(context.Context, string) error { return nil }

func trendingCandles(n int) []market.Candle {
	start := time.Date(2025, 6, 16, 9, 15, 0, 0, time.UTC)
	out := make([]market.Candle, n)
	price := 100.0
	for i := range out {
		if i%5 == 4 {
			price -= 0.3
		} else {
			price += 1.0
		}
		out[i] = market.Candle{
			Instrument: "NIFTY",
			Timeframe:  "5m",
			Open:       price - 0.5,
			High:       price + 0.8,
			Low:        price - 0.8,
			Close:      price,
			Volume:     1000,
			Timestamp:  start.Add(time.Duration(i) * 5 * time.Minute),
		}
	}
	return out
}

func TestServiceComputesFullSnapshot(t *testing.T) {
	source := &stubSource{candles: trendingCandles(80)}
	service := NewService(source, Config{})

	got, err := service.Compute(context.Background(), "NIFTY", "5m")
	require.NoError(t, err)

	for _, key := range []string{
		"last_close", "ema_fast", "ema_slow", "rsi",
		"macd", "macd_signal", "macd_histogram",
		"bb_lower", "bb_middle", "bb_upper", "adx",
	} {
		assert.Contains(t, got, key)
	}

	assert.Equal(t, source.candles[len(source.candles)-1].Close, got["last_close"])
	assert.InDelta(t, got["macd"]-got["macd_signal"], got["macd_histogram"], 1e-9)
	assert.LessOrEqual(t, got["bb_lower"], got["bb_middle"])
	assert.LessOrEqual(t, got["bb_middle"], got["bb_upper"])
	assert.GreaterOrEqual(t, got["rsi"], 0.0)
	assert.LessOrEqual(t, got["rsi"], 100.0)
	assert.Equal(t, 100, source.gotLimit)
}

func TestServiceInsufficientHistory(t *testing.T) {
	source := &stubSource{candles: trendingCandles(10)}
	service := NewService(source, Config{})

	_, err := service.Compute(context.Background(), "NIFTY", "5m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient history")
}

func TestServicePropagatesSourceError(t *testing.T) {
	wantErr := errors.New("feed down")
	service := NewService(&stubSource{err: wantErr}, Config{})

	_, err := service.Compute(context.Background(), "NIFTY", "5m")
	assert.ErrorIs(t, err, wantErr)
}

func TestConfigDefaultsAndMinBars(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 100, cfg.Bars)
	assert.Equal(t, 14, cfg.RSIPeriod)
	// Slow EMA dominates the default minimum.
	assert.Equal(t, 50, cfg.minBars())

	cfg = Config{ADXPeriod: 30}.withDefaults()
	assert.Equal(t, 60, cfg.minBars())
}
