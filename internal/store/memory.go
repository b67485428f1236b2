package store

import (
	"context"
	"sync"
)

// MemoryStores bundles in-memory implementations of every seam. They are the
// default backends in development and the substrate for the mode-scoped
// wrappers in tests.
type MemoryStores struct {
	Decisions *MemoryDecisionStore
	Trades    *MemoryTradeStore
	Usage     *MemoryUsageStore
	Alerts    *MemoryAlertStore
	Audit     *MemoryAuditStore
}

// NewMemoryStores creates one of each in-memory store.
func NewMemoryStores() *MemoryStores {
	return &MemoryStores{
		Decisions: NewMemoryDecisionStore(),
		Trades:    NewMemoryTradeStore(),
		Usage:     NewMemoryUsageStore(),
		Alerts:    NewMemoryAlertStore(),
		Audit:     NewMemoryAuditStore(),
	}
}

// MemoryDecisionStore keeps decisions and discussions in slices under a mutex.
type MemoryDecisionStore struct {
	mu          sync.RWMutex
	decisions   []DecisionRecord
	discussions []DiscussionRecord
}

func NewMemoryDecisionStore() *MemoryDecisionStore {
	return &MemoryDecisionStore{}
}

func (s *MemoryDecisionStore) PutDecision(_ context.Context, rec DecisionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, rec)
	return nil
}

func (s *MemoryDecisionStore) PutDiscussion(_ context.Context, rec DiscussionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discussions = append(s.discussions, rec)
	return nil
}

func (s *MemoryDecisionStore) ListDecisions(_ context.Context, filter DecisionFilter) ([]DecisionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DecisionRecord, 0)
	// Newest first
	for i := len(s.decisions) - 1; i >= 0; i-- {
		rec := s.decisions[i]
		if filter.Instrument != "" && rec.Instrument != filter.Instrument {
			continue
		}
		if filter.Mode != "" && rec.Mode != filter.Mode {
			continue
		}
		out = append(out, rec)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryDecisionStore) ListDiscussions(_ context.Context, filter DecisionFilter) ([]DiscussionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DiscussionRecord, 0)
	for i := len(s.discussions) - 1; i >= 0; i-- {
		rec := s.discussions[i]
		if filter.Instrument != "" && rec.Instrument != filter.Instrument {
			continue
		}
		if filter.Mode != "" && rec.Mode != filter.Mode {
			continue
		}
		out = append(out, rec)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// MemoryTradeStore keeps trades and positions under a mutex. Positions are
// keyed by ID so UpdatePosition replaces in place.
type MemoryTradeStore struct {
	mu        sync.RWMutex
	trades    []TradeRecord
	positions map[string]PositionRecord
	order     []string // insertion order of position IDs
}

func NewMemoryTradeStore() *MemoryTradeStore {
	return &MemoryTradeStore{positions: make(map[string]PositionRecord)}
}

func (s *MemoryTradeStore) PutTrade(_ context.Context, rec TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, rec)
	return nil
}

func (s *MemoryTradeStore) ListTrades(_ context.Context, filter TradeFilter) ([]TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]TradeRecord, 0)
	for i := len(s.trades) - 1; i >= 0; i-- {
		rec := s.trades[i]
		if filter.Instrument != "" && rec.Instrument != filter.Instrument {
			continue
		}
		if filter.Mode != "" && rec.Mode != filter.Mode {
			continue
		}
		out = append(out, rec)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryTradeStore) PutPosition(_ context.Context, rec PositionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.positions[rec.ID]; !exists {
		s.order = append(s.order, rec.ID)
	}
	s.positions[rec.ID] = rec
	return nil
}

func (s *MemoryTradeStore) UpdatePosition(_ context.Context, rec PositionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.positions[rec.ID]; !exists {
		return ErrNotFound
	}
	s.positions[rec.ID] = rec
	return nil
}

func (s *MemoryTradeStore) ListPositions(_ context.Context, filter PositionFilter) ([]PositionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]PositionRecord, 0)
	for _, id := range s.order {
		rec := s.positions[id]
		if filter.Instrument != "" && rec.Instrument != filter.Instrument {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if filter.Mode != "" && rec.Mode != filter.Mode {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// MemoryUsageStore accumulates usage counters keyed by provider and date.
type MemoryUsageStore struct {
	mu      sync.RWMutex
	records map[string]UsageRecord // provider|date
}

func NewMemoryUsageStore() *MemoryUsageStore {
	return &MemoryUsageStore{records: make(map[string]UsageRecord)}
}

func usageKey(provider, date string) string {
	return provider + "|" + date
}

func (s *MemoryUsageStore) IncrementUsage(_ context.Context, provider, date string, requests int, tokens int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := usageKey(provider, date)
	rec := s.records[key]
	rec.Provider = provider
	rec.Date = date
	rec.Requests += requests
	rec.Tokens += tokens
	s.records[key] = rec
	return nil
}

func (s *MemoryUsageStore) GetUsage(_ context.Context, provider, date string) (UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[usageKey(provider, date)]
	if !ok {
		return UsageRecord{}, ErrNotFound
	}
	return rec, nil
}

// MemoryAlertStore keeps routed alerts in order.
type MemoryAlertStore struct {
	mu     sync.RWMutex
	alerts []AlertRecord
}

func NewMemoryAlertStore() *MemoryAlertStore {
	return &MemoryAlertStore{}
}

func (s *MemoryAlertStore) PutAlert(_ context.Context, rec AlertRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, rec)
	return nil
}

func (s *MemoryAlertStore) ListAlerts(_ context.Context, limit int) ([]AlertRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]AlertRecord, 0)
	for i := len(s.alerts) - 1; i >= 0; i-- {
		out = append(out, s.alerts[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// MemoryAuditStore keeps operator audit events in order.
type MemoryAuditStore struct {
	mu     sync.RWMutex
	events []AuditRecord
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

func (s *MemoryAuditStore) PutEvent(_ context.Context, rec AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, rec)
	return nil
}

// Events returns a copy of all recorded events, oldest first.
func (s *MemoryAuditStore) Events() []AuditRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AuditRecord, len(s.events))
	copy(out, s.events)
	return out
}

var (
	_ DecisionStore = (*MemoryDecisionStore)(nil)
	_ TradeStore    = (*MemoryTradeStore)(nil)
	_ UsageStore    = (*MemoryUsageStore)(nil)
	_ AlertStore    = (*MemoryAlertStore)(nil)
	_ AuditStore    = (*MemoryAuditStore)(nil)
)
