package risk

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tradefabric/tradefabric/internal/alerts"
	"github.com/tradefabric/tradefabric/internal/clock"
	"github.com/tradefabric/tradefabric/internal/config"
)

// resetPollInterval bounds how stale the daily reset can be. The loop polls
// the clock rather than sleeping to the boundary so virtual-time replay
// triggers resets too.
const resetPollInterval = 30 * time.Second

// Engine evaluates trade signals against configured limits and maintains the
// daily circuit breaker.
type Engine struct {
	cfg    config.RiskConfig
	clk    *clock.Clock
	alerts *alerts.Router
	log    zerolog.Logger

	mu                sync.Mutex
	stopFromDailyLoss bool
	lastResetDay      string
}

// NewEngine builds the risk engine. Alerts may be nil.
func NewEngine(cfg config.RiskConfig, clk *clock.Clock, alertRouter *alerts.Router) *Engine {
	if clk == nil {
		clk = clock.New()
	}
	return &Engine{
		cfg:    cfg,
		clk:    clk,
		alerts: alertRouter,
		// Seed with today so a freshly started engine does not reset
		// immediately.
		lastResetDay: clk.Now().Format("2006-01-02"),
		log:          log.With().Str("component", "risk_engine").Logger(),
	}
}

// AssessTradeRisk runs the full pre-trade check: portfolio guards, position
// sizing, reward ratio, and additive risk scoring.
func (e *Engine) AssessTradeRisk(ctx context.Context, signal TradeSignal, view PortfolioView) *Assessment {
	snapshot := view.Snapshot()
	now := e.clk.Now()

	if snapshot.EmergencyStop {
		return &Assessment{
			CanTrade:  false,
			RiskLevel: LevelCritical,
			RiskScore: 100,
			Warnings:  []string{"emergency stop is active, all trading halted"},
		}
	}

	a := &Assessment{CanTrade: true}

	if err := signal.Validate(); err != nil {
		a.block(fmt.Sprintf("invalid trade signal: %v", err))
	}

	equity := snapshot.TotalEquity
	if equity <= 0 {
		a.block("portfolio has no equity")
		a.RiskLevel = LevelCritical
		a.RiskScore = 100
		return a
	}

	// Portfolio-level guards. Each failure blocks and records a warning.
	maxDailyLoss := e.cfg.MaxDailyLossPct * equity
	if snapshot.DailyPnL < 0 && math.Abs(snapshot.DailyPnL) >= maxDailyLoss {
		a.block(fmt.Sprintf("daily loss limit reached: %.2f of %.2f", math.Abs(snapshot.DailyPnL), maxDailyLoss))
	}
	if e.cfg.MaxConsecutiveLosses > 0 && snapshot.ConsecutiveLosses >= e.cfg.MaxConsecutiveLosses {
		a.block(fmt.Sprintf("%d consecutive losses reached the limit of %d", snapshot.ConsecutiveLosses, e.cfg.MaxConsecutiveLosses))
	}
	if e.cfg.CooldownAfterLossMinutes > 0 && snapshot.ConsecutiveLosses > 0 && !snapshot.LastTradeAt.IsZero() {
		cooldown := time.Duration(e.cfg.CooldownAfterLossMinutes) * time.Minute
		if elapsed := now.Sub(snapshot.LastTradeAt); elapsed < cooldown {
			a.block(fmt.Sprintf("cooling down after loss, %s remaining", (cooldown - elapsed).Round(time.Second)))
		}
	}
	if e.cfg.MaxOpenPositions > 0 && snapshot.OpenPositions >= e.cfg.MaxOpenPositions {
		a.block(fmt.Sprintf("open position limit reached: %d", snapshot.OpenPositions))
	}

	maxRiskAmount := equity * e.cfg.MaxRiskPerTradePct
	if e.cfg.MaxPortfolioRiskPct > 0 && snapshot.TotalRiskExposure+maxRiskAmount > equity*e.cfg.MaxPortfolioRiskPct {
		a.block(fmt.Sprintf("portfolio risk exposure %.2f would exceed %.1f%% of equity",
			snapshot.TotalRiskExposure+maxRiskAmount, e.cfg.MaxPortfolioRiskPct*100))
	}

	// Position sizing from the stop distance.
	stopDistance := math.Abs(signal.EntryPrice - signal.StopLoss)
	if signal.StopLoss <= 0 || stopDistance == 0 {
		a.block("trade signal has no usable stop loss")
	}

	if a.CanTrade {
		positionValue := maxRiskAmount / (stopDistance / signal.EntryPrice)

		if maxValue := equity * e.cfg.MaxPositionSizePct; e.cfg.MaxPositionSizePct > 0 && positionValue > maxValue {
			positionValue = maxValue
			a.Recommendations = append(a.Recommendations, "position clamped to the maximum size limit")
		}

		affordable := snapshot.AvailableCash
		if e.cfg.MarginRequirementPct > 0 {
			affordable = snapshot.AvailableCash / e.cfg.MarginRequirementPct
		}
		if positionValue > affordable {
			positionValue = affordable
			a.Recommendations = append(a.Recommendations, "position clamped to available capital")
		}

		quantity := int(math.Floor(positionValue / signal.EntryPrice))
		if quantity < 1 && signal.EntryPrice <= affordable {
			quantity = 1
		}
		if quantity < 1 {
			a.block("insufficient capital for a single unit")
		} else {
			a.PositionSize = quantity
			a.PositionValue = float64(quantity) * signal.EntryPrice
			a.RiskAmount = float64(quantity) * stopDistance
			a.RiskPct = a.RiskAmount / equity
		}
	}

	if stopDistance > 0 && signal.TakeProfit > 0 {
		a.RewardRatio = math.Abs(signal.TakeProfit-signal.EntryPrice) / stopDistance
		if e.cfg.MinRewardRatio > 0 && a.RewardRatio < e.cfg.MinRewardRatio {
			a.Warnings = append(a.Warnings,
				fmt.Sprintf("reward ratio %.2f below minimum %.2f", a.RewardRatio, e.cfg.MinRewardRatio))
			a.Recommendations = append(a.Recommendations, "widen the take profit or tighten the stop loss")
		}
	}

	a.RiskScore, a.RiskLevel = e.score(a, signal)

	if !a.CanTrade {
		a.PositionSize = 0
		a.PositionValue = 0
		e.log.Warn().
			Str("instrument", signal.Instrument).
			Str("side", string(signal.Side)).
			Strs("warnings", a.Warnings).
			Msg("Trade rejected by risk engine")
	} else {
		e.log.Debug().
			Str("instrument", signal.Instrument).
			Int("position_size", a.PositionSize).
			Float64("risk_amount", a.RiskAmount).
			Str("risk_level", string(a.RiskLevel)).
			Msg("Trade passed risk assessment")
	}
	return a
}

// score adds up risk contributions from per-trade risk, reward ratio, and a
// confidence-derived win probability, then buckets the total.
func (e *Engine) score(a *Assessment, signal TradeSignal) (float64, Level) {
	score := 0.0

	switch {
	case a.RiskPct > 0.02:
		score += 30
	case a.RiskPct > 0.01:
		score += 15
	default:
		score += 5
	}

	switch {
	case a.RewardRatio == 0:
		score += 20
	case a.RewardRatio < 1:
		score += 30
	case e.cfg.MinRewardRatio > 0 && a.RewardRatio < e.cfg.MinRewardRatio:
		score += 15
	}

	winProbability := 0.35 + 0.3*signal.Confidence
	switch {
	case winProbability < 0.45:
		score += 25
	case winProbability < 0.55:
		score += 10
	}

	if !a.CanTrade {
		score = math.Max(score, 70)
	}

	switch {
	case score >= 70:
		return score, LevelCritical
	case score >= 45:
		return score, LevelHigh
	case score >= 25:
		return score, LevelMedium
	default:
		return score, LevelLow
	}
}

// UpdateOnTradeResult re-evaluates the circuit breaker after a realized
// trade. The position manager calls this from Close with the realized pnl.
func (e *Engine) UpdateOnTradeResult(ctx context.Context, pnl float64, view PortfolioView) {
	snapshot := view.Snapshot()
	if snapshot.EmergencyStop || snapshot.TotalEquity <= 0 || e.cfg.CircuitBreakerLossPct <= 0 {
		return
	}

	threshold := e.cfg.CircuitBreakerLossPct * snapshot.TotalEquity
	if snapshot.DailyPnL < 0 && math.Abs(snapshot.DailyPnL) >= threshold {
		reason := fmt.Sprintf("daily loss %.2f breached circuit breaker threshold %.2f", math.Abs(snapshot.DailyPnL), threshold)
		view.SetEmergencyStop(true, reason)

		e.mu.Lock()
		e.stopFromDailyLoss = true
		e.mu.Unlock()

		e.log.Error().
			Float64("daily_pnl", snapshot.DailyPnL).
			Float64("threshold", threshold).
			Msg("Circuit breaker tripped, emergency stop engaged")

		if e.alerts != nil {
			e.alerts.Critical(ctx, "circuit_breaker", reason, "risk_engine", map[string]any{
				"daily_pnl": snapshot.DailyPnL,
				"threshold": threshold,
				"last_pnl":  pnl,
			})
		}
	}
}

// Start runs the daily reset task until the context is cancelled. The reset
// fires once per day at the configured hour, clock time.
func (e *Engine) Start(ctx context.Context, view PortfolioView) error {
	ticker := time.NewTicker(resetPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.runResetIfDue(ctx, view, e.clk.Now())
		}
	}
}

// runResetIfDue fires the daily reset when now has passed the reset hour on
// a day that has not reset yet.
func (e *Engine) runResetIfDue(ctx context.Context, view PortfolioView, now time.Time) {
	day := now.Format("2006-01-02")

	e.mu.Lock()
	due := day != e.lastResetDay && now.Hour() >= e.cfg.DailyResetHour
	if due {
		e.lastResetDay = day
	}
	clearStop := due && e.stopFromDailyLoss
	if clearStop {
		e.stopFromDailyLoss = false
	}
	e.mu.Unlock()

	if !due {
		return
	}

	view.ResetDaily()
	if clearStop {
		// Only a stop tripped by the daily loss limit clears itself; a
		// manually engaged stop stays until an operator releases it.
		view.SetEmergencyStop(false, "daily reset")
	}

	e.log.Info().Str("day", day).Bool("stop_cleared", clearStop).Msg("Daily risk counters reset")
	if e.alerts != nil {
		e.alerts.Info(ctx, "daily_reset", "daily risk counters reset", "risk_engine", map[string]any{
			"day":          day,
			"stop_cleared": clearStop,
		})
	}
}

func (a *Assessment) block(warning string) {
	a.CanTrade = false
	a.Warnings = append(a.Warnings, warning)
}
