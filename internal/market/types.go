// Package market holds the market-facing capabilities the engine consumes:
// the trading calendar, the data source seam, the news feed seam, the
// simulated source for paper modes, and the Redis-backed price cache.
package market

import (
	"context"
	"time"
)

// Tick is one traded price observation.
type Tick struct {
	Instrument string    `json:"instrument"`
	Price      float64   `json:"price"`
	Volume     float64   `json:"volume"`
	Timestamp  time.Time `json:"timestamp"`
}

// Candle is one OHLC bar.
type Candle struct {
	Instrument string    `json:"instrument"`
	Timeframe  string    `json:"timeframe"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     float64   `json:"volume"`
	Timestamp  time.Time `json:"timestamp"`
}

// OptionQuote is one strike row of an options chain.
type OptionQuote struct {
	Strike    float64 `json:"strike"`
	CallPrice float64 `json:"call_price"`
	PutPrice  float64 `json:"put_price"`
	CallOI    float64 `json:"call_oi"`
	PutOI     float64 `json:"put_oi"`
}

// OptionsChain is a snapshot of strikes around the spot price.
type OptionsChain struct {
	Instrument string        `json:"instrument"`
	Spot       float64       `json:"spot"`
	Expiry     time.Time     `json:"expiry"`
	Quotes     []OptionQuote `json:"quotes"`
}

// NewsItem is one headline relevant to an instrument.
type NewsItem struct {
	Headline  string    `json:"headline"`
	Source    string    `json:"source"`
	Sentiment float64   `json:"sentiment"` // -1 (bearish) .. +1 (bullish)
	URL       string    `json:"url,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SentimentSummary aggregates recent news sentiment.
type SentimentSummary struct {
	Instrument string  `json:"instrument"`
	Score      float64 `json:"score"` // -1 .. +1
	ItemCount  int     `json:"item_count"`
	Hours      int     `json:"hours"`
}

// DataSource is the market data capability. Read methods return empty typed
// values when data is missing, never a nil-with-success.
type DataSource interface {
	LatestTick(ctx context.Context, instrument string) (Tick, error)
	OHLC(ctx context.Context, instrument, timeframe string, limit int) ([]Candle, error)
	OptionsChain(ctx context.Context, instrument string, strikes int) (OptionsChain, error)
	Subscribe(ctx context.Context, instrument string) error
}

// NewsFeed is the news capability.
type NewsFeed interface {
	LatestNews(ctx context.Context, instrument string, limit int) ([]NewsItem, error)
	SentimentSummary(ctx context.Context, instrument string, hours int) (SentimentSummary, error)
}

// TickChannel returns the pub/sub channel carrying ticks for an instrument.
func TickChannel(instrument string) string {
	return "market:tick:" + instrument
}
