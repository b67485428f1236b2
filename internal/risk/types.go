// Package risk gates every candidate trade through position sizing and
// portfolio limits, and owns the daily-loss circuit breaker. The engine only
// ever sees a read/update view of portfolio state; it never references the
// position manager.
package risk

import (
	"fmt"
	"time"
)

// Side is the trade direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// TradeSignal is a candidate trade proposed to the engine and the position
// manager.
type TradeSignal struct {
	Instrument string  `json:"instrument"`
	Side       Side    `json:"side"`
	EntryPrice float64 `json:"entry_price"`
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
	Confidence float64 `json:"confidence"`
}

// Validate enforces level placement: a BUY stops below entry and targets
// above, a SELL the mirror image.
func (s TradeSignal) Validate() error {
	if s.Instrument == "" {
		return fmt.Errorf("trade signal missing instrument")
	}
	if s.EntryPrice <= 0 {
		return fmt.Errorf("entry price must be positive, got %.4f", s.EntryPrice)
	}
	switch s.Side {
	case SideBuy:
		if s.StopLoss > 0 && s.StopLoss >= s.EntryPrice {
			return fmt.Errorf("BUY stop loss %.4f must be below entry %.4f", s.StopLoss, s.EntryPrice)
		}
		if s.TakeProfit > 0 && s.TakeProfit <= s.EntryPrice {
			return fmt.Errorf("BUY take profit %.4f must be above entry %.4f", s.TakeProfit, s.EntryPrice)
		}
	case SideSell:
		if s.StopLoss > 0 && s.StopLoss <= s.EntryPrice {
			return fmt.Errorf("SELL stop loss %.4f must be above entry %.4f", s.StopLoss, s.EntryPrice)
		}
		if s.TakeProfit > 0 && s.TakeProfit >= s.EntryPrice {
			return fmt.Errorf("SELL take profit %.4f must be below entry %.4f", s.TakeProfit, s.EntryPrice)
		}
	default:
		return fmt.Errorf("invalid side %q", s.Side)
	}
	return nil
}

// Level buckets an assessment's additive risk score.
type Level string

const (
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

// Assessment is the result of a pre-trade risk check. CanTrade=false always
// carries PositionSize=0.
type Assessment struct {
	CanTrade        bool     `json:"can_trade"`
	RiskLevel       Level    `json:"risk_level"`
	RiskScore       float64  `json:"risk_score"`
	Warnings        []string `json:"warnings,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	PositionSize    int      `json:"position_size"`
	PositionValue   float64  `json:"position_value"`
	RiskAmount      float64  `json:"risk_amount"`
	RiskPct         float64  `json:"risk_pct"`
	RewardRatio     float64  `json:"reward_ratio"`
}

// PortfolioSnapshot is the point-in-time portfolio state the engine reads.
type PortfolioSnapshot struct {
	TotalEquity       float64
	AvailableCash     float64
	TotalRiskExposure float64
	OpenPositions     int
	DailyPnL          float64
	ConsecutiveLosses int
	LastTradeAt       time.Time
	EmergencyStop     bool
}

// PortfolioView is the narrow surface the engine needs from whoever owns
// portfolio state.
type PortfolioView interface {
	Snapshot() PortfolioSnapshot
	SetEmergencyStop(on bool, reason string)
	ResetDaily()
}
