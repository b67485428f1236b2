package market

import (
	"context"
	"time"

	"github.com/tradefabric/tradefabric/internal/clock"
)

// StaticNewsFeed serves a fixed set of news items, newest first. It backs the
// sentiment agent in the paper modes and in tests; a real feed implements the
// same interface.
type StaticNewsFeed struct {
	items map[string][]NewsItem // instrument -> items, newest first
	clk   *clock.Clock
}

// NewStaticNewsFeed creates a feed over fixture items keyed by instrument.
func NewStaticNewsFeed(items map[string][]NewsItem, clk *clock.Clock) *StaticNewsFeed {
	if items == nil {
		items = make(map[string][]NewsItem)
	}
	return &StaticNewsFeed{items: items, clk: clk}
}

// LatestNews returns up to limit items for the instrument.
func (f *StaticNewsFeed) LatestNews(ctx context.Context, instrument string, limit int) ([]NewsItem, error) {
	items := f.items[instrument]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	out := make([]NewsItem, len(items))
	copy(out, items)
	return out, nil
}

// SentimentSummary averages sentiment over items within the window.
func (f *StaticNewsFeed) SentimentSummary(ctx context.Context, instrument string, hours int) (SentimentSummary, error) {
	if hours <= 0 {
		hours = 24
	}
	cutoff := f.clk.Now().Add(-time.Duration(hours) * time.Hour)

	var sum float64
	var count int
	for _, item := range f.items[instrument] {
		if item.Timestamp.Before(cutoff) {
			continue
		}
		sum += item.Sentiment
		count++
	}

	summary := SentimentSummary{Instrument: instrument, ItemCount: count, Hours: hours}
	if count > 0 {
		summary.Score = sum / float64(count)
	}
	return summary, nil
}
