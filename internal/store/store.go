// Package store holds the persistence seams of the core: decisions and
// per-agent discussions, trades and positions, provider usage, alerts, and
// the operator audit trail. Records are flat JSON-compatible mirrors of the
// domain entities; each owning package converts explicitly.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a keyed read has no record.
var ErrNotFound = errors.New("store: record not found")

// DecisionRecord is one persisted cycle decision.
type DecisionRecord struct {
	ID           string          `json:"id"`
	CycleID      string          `json:"cycle_id"`
	Instrument   string          `json:"instrument"`
	FinalSignal  string          `json:"final_signal"`
	Confidence   float64         `json:"confidence"`
	Reasoning    string          `json:"reasoning"`
	AgentSignals json.RawMessage `json:"agent_signals"`
	Mode         string          `json:"mode"`
	Timestamp    time.Time       `json:"timestamp"`
}

// DiscussionRecord is one agent's contribution within a cycle, stored as it
// is produced so a cycle is auditable even if it never completes.
type DiscussionRecord struct {
	ID         string          `json:"id"`
	CycleID    string          `json:"cycle_id"`
	AgentName  string          `json:"agent_name"`
	Phase      string          `json:"phase"`
	Signal     string          `json:"signal"`
	Confidence float64         `json:"confidence"`
	Weight     float64         `json:"weight"`
	Reasoning  string          `json:"reasoning"`
	Indicators json.RawMessage `json:"indicators,omitempty"`
	Instrument string          `json:"instrument"`
	Mode       string          `json:"mode"`
	Timestamp  time.Time       `json:"timestamp"`
}

// TradeRecord is one realized round trip (or entry fill) of a position.
type TradeRecord struct {
	ID         string     `json:"id"`
	PositionID string     `json:"position_id"`
	Instrument string     `json:"instrument"`
	Side       string     `json:"side"`
	Quantity   int64      `json:"quantity"`
	EntryPrice float64    `json:"entry_price"`
	ExitPrice  *float64   `json:"exit_price,omitempty"`
	PnL        *float64   `json:"pnl,omitempty"`
	Commission float64    `json:"commission"`
	Reason     string     `json:"reason,omitempty"`
	Mode       string     `json:"mode"`
	OpenedAt   time.Time  `json:"opened_at"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
}

// PositionRecord mirrors a position's current state.
type PositionRecord struct {
	ID           string     `json:"id"`
	Instrument   string     `json:"instrument"`
	Side         string     `json:"side"`
	Quantity     int64      `json:"quantity"`
	EntryPrice   float64    `json:"entry_price"`
	CurrentPrice float64    `json:"current_price"`
	StopLoss     *float64   `json:"stop_loss,omitempty"`
	TakeProfit   *float64   `json:"take_profit,omitempty"`
	Status       string     `json:"status"`
	EntryAt      time.Time  `json:"entry_at"`
	ExitAt       *time.Time `json:"exit_at,omitempty"`
	ExitPrice    *float64   `json:"exit_price,omitempty"`
	Commission   float64    `json:"commission"`
	Tags         []string   `json:"tags,omitempty"`
	Mode         string     `json:"mode"`
}

// UsageRecord accumulates provider usage for one local date.
type UsageRecord struct {
	Provider string `json:"provider"`
	Date     string `json:"date"` // YYYY-MM-DD at the configured rollover
	Requests int    `json:"requests"`
	Tokens   int64  `json:"tokens"`
}

// AlertRecord is one routed alert.
type AlertRecord struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Message   string          `json:"message"`
	Severity  string          `json:"severity"`
	Details   json.RawMessage `json:"details,omitempty"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
}

// AuditRecord is one operator action on the control surface.
type AuditRecord struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	Actor     string          `json:"actor"`
	Details   json.RawMessage `json:"details,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// DecisionFilter narrows decision and discussion listings. Zero values match
// everything; Limit 0 means no limit.
type DecisionFilter struct {
	Instrument string
	Mode       string
	Limit      int
}

// TradeFilter narrows trade listings.
type TradeFilter struct {
	Instrument string
	Mode       string
	Limit      int
}

// PositionFilter narrows position listings.
type PositionFilter struct {
	Instrument string
	Status     string
	Mode       string
}

// DecisionStore persists cycle decisions and agent discussions.
type DecisionStore interface {
	PutDecision(ctx context.Context, rec DecisionRecord) error
	PutDiscussion(ctx context.Context, rec DiscussionRecord) error
	ListDecisions(ctx context.Context, filter DecisionFilter) ([]DecisionRecord, error)
	ListDiscussions(ctx context.Context, filter DecisionFilter) ([]DiscussionRecord, error)
}

// TradeStore persists trades and position snapshots.
type TradeStore interface {
	PutTrade(ctx context.Context, rec TradeRecord) error
	ListTrades(ctx context.Context, filter TradeFilter) ([]TradeRecord, error)
	PutPosition(ctx context.Context, rec PositionRecord) error
	UpdatePosition(ctx context.Context, rec PositionRecord) error
	ListPositions(ctx context.Context, filter PositionFilter) ([]PositionRecord, error)
}

// UsageStore persists provider usage keyed by (provider, date) so counters
// survive restart.
type UsageStore interface {
	IncrementUsage(ctx context.Context, provider, date string, requests int, tokens int64) error
	GetUsage(ctx context.Context, provider, date string) (UsageRecord, error)
}

// AlertStore is the durable alert sink.
type AlertStore interface {
	PutAlert(ctx context.Context, rec AlertRecord) error
	ListAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
}

// AuditStore records operator actions.
type AuditStore interface {
	PutEvent(ctx context.Context, rec AuditRecord) error
}
