package store

import "context"

// ModeScopedDecisionStore stamps every write with a mode label and filters
// every read by it, so live and simulated data share a backend without ever
// colliding.
type ModeScopedDecisionStore struct {
	base DecisionStore
	mode string
}

// ScopeDecisions wraps base with a mode label.
func ScopeDecisions(base DecisionStore, mode string) *ModeScopedDecisionStore {
	return &ModeScopedDecisionStore{base: base, mode: mode}
}

// Mode returns the scope label.
func (s *ModeScopedDecisionStore) Mode() string { return s.mode }

func (s *ModeScopedDecisionStore) PutDecision(ctx context.Context, rec DecisionRecord) error {
	rec.Mode = s.mode
	return s.base.PutDecision(ctx, rec)
}

func (s *ModeScopedDecisionStore) PutDiscussion(ctx context.Context, rec DiscussionRecord) error {
	rec.Mode = s.mode
	return s.base.PutDiscussion(ctx, rec)
}

func (s *ModeScopedDecisionStore) ListDecisions(ctx context.Context, filter DecisionFilter) ([]DecisionRecord, error) {
	filter.Mode = s.mode
	return s.base.ListDecisions(ctx, filter)
}

func (s *ModeScopedDecisionStore) ListDiscussions(ctx context.Context, filter DecisionFilter) ([]DiscussionRecord, error) {
	filter.Mode = s.mode
	return s.base.ListDiscussions(ctx, filter)
}

// ModeScopedTradeStore is the TradeStore counterpart of ScopeDecisions.
type ModeScopedTradeStore struct {
	base TradeStore
	mode string
}

// ScopeTrades wraps base with a mode label.
func ScopeTrades(base TradeStore, mode string) *ModeScopedTradeStore {
	return &ModeScopedTradeStore{base: base, mode: mode}
}

// Mode returns the scope label.
func (s *ModeScopedTradeStore) Mode() string { return s.mode }

func (s *ModeScopedTradeStore) PutTrade(ctx context.Context, rec TradeRecord) error {
	rec.Mode = s.mode
	return s.base.PutTrade(ctx, rec)
}

func (s *ModeScopedTradeStore) ListTrades(ctx context.Context, filter TradeFilter) ([]TradeRecord, error) {
	filter.Mode = s.mode
	return s.base.ListTrades(ctx, filter)
}

func (s *ModeScopedTradeStore) PutPosition(ctx context.Context, rec PositionRecord) error {
	rec.Mode = s.mode
	return s.base.PutPosition(ctx, rec)
}

func (s *ModeScopedTradeStore) UpdatePosition(ctx context.Context, rec PositionRecord) error {
	rec.Mode = s.mode
	return s.base.UpdatePosition(ctx, rec)
}

func (s *ModeScopedTradeStore) ListPositions(ctx context.Context, filter PositionFilter) ([]PositionRecord, error) {
	filter.Mode = s.mode
	return s.base.ListPositions(ctx, filter)
}

var (
	_ DecisionStore = (*ModeScopedDecisionStore)(nil)
	_ TradeStore    = (*ModeScopedTradeStore)(nil)
)
