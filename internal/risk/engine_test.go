package risk

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradefabric/tradefabric/internal/alerts"
	"github.com/tradefabric/tradefabric/internal/clock"
	"github.com/tradefabric/tradefabric/internal/config"
)

// stubView is a scriptable PortfolioView.
type stubView struct {
	mu          sync.Mutex
	snap        PortfolioSnapshot
	resetCalls  int
	stopReasons []string
}

func (v *stubView) Snapshot() PortfolioSnapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snap
}

func (v *stubView) SetEmergencyStop(on bool, reason string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.snap.EmergencyStop = on
	v.stopReasons = append(v.stopReasons, reason)
}

func (v *stubView) ResetDaily() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.snap.DailyPnL = 0
	v.snap.ConsecutiveLosses = 0
	v.resetCalls++
}

func baseConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxRiskPerTradePct:       0.01,
		MaxPortfolioRiskPct:      0.05,
		MaxDailyLossPct:          0.03,
		MaxConsecutiveLosses:     3,
		MinRewardRatio:           1.5,
		MaxPositionSizePct:       0.25,
		MarginRequirementPct:     1.0,
		MaxOpenPositions:         5,
		CooldownAfterLossMinutes: 30,
		CircuitBreakerLossPct:    0.05,
		DailyResetHour:           5,
	}
}

func healthyView() *stubView {
	return &stubView{snap: PortfolioSnapshot{
		TotalEquity:   100_000,
		AvailableCash: 100_000,
	}}
}

func buySignal() TradeSignal {
	return TradeSignal{
		Instrument: "NIFTY",
		Side:       SideBuy,
		EntryPrice: 100,
		StopLoss:   95,
		TakeProfit: 115,
		Confidence: 0.8,
	}
}

var riskEpoch = time.Date(2025, 6, 16, 11, 0, 0, 0, time.UTC)

func riskClock(t *testing.T) *clock.Clock {
	t.Helper()
	c := clock.New()
	require.NoError(t, c.SetVirtual(context.Background(), riskEpoch))
	return c
}

func TestAssessSizesPositionFromStopDistance(t *testing.T) {
	engine := NewEngine(baseConfig(), riskClock(t), nil)

	a := engine.AssessTradeRisk(context.Background(), buySignal(), healthyView())

	require.True(t, a.CanTrade, "warnings: %v", a.Warnings)
	// 1% of 100k equity risks 1000; stop distance 5 on entry 100 sizes a
	// 20000 position, 200 units.
	assert.Equal(t, 200, a.PositionSize)
	assert.Equal(t, 20_000.0, a.PositionValue)
	assert.Equal(t, 1000.0, a.RiskAmount)
	assert.InDelta(t, 0.01, a.RiskPct, 1e-9)
	assert.InDelta(t, 3.0, a.RewardRatio, 1e-9)
	assert.Equal(t, LevelLow, a.RiskLevel)
}

func TestAssessEmergencyStopShortCircuits(t *testing.T) {
	engine := NewEngine(baseConfig(), riskClock(t), nil)
	view := healthyView()
	view.snap.EmergencyStop = true

	a := engine.AssessTradeRisk(context.Background(), buySignal(), view)

	assert.False(t, a.CanTrade)
	assert.Equal(t, LevelCritical, a.RiskLevel)
	assert.Equal(t, 0, a.PositionSize)
	require.Len(t, a.Warnings, 1)
	assert.Contains(t, a.Warnings[0], "emergency stop")
}

func TestAssessDailyLossLimitBlocks(t *testing.T) {
	engine := NewEngine(baseConfig(), riskClock(t), nil)
	view := healthyView()
	view.snap.DailyPnL = -3500 // limit is 3% of 100k

	a := engine.AssessTradeRisk(context.Background(), buySignal(), view)

	assert.False(t, a.CanTrade)
	assert.Equal(t, 0, a.PositionSize)
	assert.Contains(t, strings.Join(a.Warnings, "; "), "daily loss limit")
}

func TestAssessConsecutiveLossLimitBlocks(t *testing.T) {
	engine := NewEngine(baseConfig(), riskClock(t), nil)
	view := healthyView()
	view.snap.ConsecutiveLosses = 3

	a := engine.AssessTradeRisk(context.Background(), buySignal(), view)
	assert.False(t, a.CanTrade)
	assert.Contains(t, strings.Join(a.Warnings, "; "), "consecutive losses")
}

func TestAssessCooldownAfterLossBlocks(t *testing.T) {
	engine := NewEngine(baseConfig(), riskClock(t), nil)
	view := healthyView()
	view.snap.ConsecutiveLosses = 1
	view.snap.LastTradeAt = riskEpoch.Add(-10 * time.Minute) // 30m cooldown

	a := engine.AssessTradeRisk(context.Background(), buySignal(), view)
	assert.False(t, a.CanTrade)
	assert.Contains(t, strings.Join(a.Warnings, "; "), "cooling down")

	// Past the window the same portfolio trades again.
	view.snap.LastTradeAt = riskEpoch.Add(-31 * time.Minute)
	a = engine.AssessTradeRisk(context.Background(), buySignal(), view)
	assert.True(t, a.CanTrade, "warnings: %v", a.Warnings)
}

func TestAssessOpenPositionLimitBlocks(t *testing.T) {
	engine := NewEngine(baseConfig(), riskClock(t), nil)
	view := healthyView()
	view.snap.OpenPositions = 5

	a := engine.AssessTradeRisk(context.Background(), buySignal(), view)
	assert.False(t, a.CanTrade)
	assert.Contains(t, strings.Join(a.Warnings, "; "), "open position limit")
}

func TestAssessPortfolioRiskLimitBlocks(t *testing.T) {
	engine := NewEngine(baseConfig(), riskClock(t), nil)
	view := healthyView()
	view.snap.TotalRiskExposure = 4500 // +1000 new risk would pass 5% of 100k

	a := engine.AssessTradeRisk(context.Background(), buySignal(), view)
	assert.False(t, a.CanTrade)
	assert.Contains(t, strings.Join(a.Warnings, "; "), "portfolio risk")
}

func TestAssessClampsToMaxPositionSize(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxPositionSizePct = 0.10
	engine := NewEngine(cfg, riskClock(t), nil)

	a := engine.AssessTradeRisk(context.Background(), buySignal(), healthyView())
	require.True(t, a.CanTrade)
	assert.Equal(t, 100, a.PositionSize) // 10k cap / entry 100
	assert.Contains(t, strings.Join(a.Recommendations, "; "), "maximum size")
}

func TestAssessClampsToAvailableCapital(t *testing.T) {
	engine := NewEngine(baseConfig(), riskClock(t), nil)
	view := healthyView()
	view.snap.AvailableCash = 5000

	a := engine.AssessTradeRisk(context.Background(), buySignal(), view)
	require.True(t, a.CanTrade)
	assert.Equal(t, 50, a.PositionSize)
	assert.Contains(t, strings.Join(a.Recommendations, "; "), "available capital")
}

func TestAssessLowRewardRatioWarnsWithoutBlocking(t *testing.T) {
	engine := NewEngine(baseConfig(), riskClock(t), nil)
	signal := buySignal()
	signal.TakeProfit = 104 // ratio 0.8 against the 1.5 minimum

	a := engine.AssessTradeRisk(context.Background(), signal, healthyView())
	assert.True(t, a.CanTrade)
	assert.Contains(t, strings.Join(a.Warnings, "; "), "reward ratio")
	assert.NotEqual(t, LevelLow, a.RiskLevel)
}

func TestAssessMissingStopBlocks(t *testing.T) {
	engine := NewEngine(baseConfig(), riskClock(t), nil)
	signal := buySignal()
	signal.StopLoss = 0

	a := engine.AssessTradeRisk(context.Background(), signal, healthyView())
	assert.False(t, a.CanTrade)
	assert.Equal(t, 0, a.PositionSize)
}

func TestCircuitBreakerTripsOnDailyLoss(t *testing.T) {
	capture := &captureSink{}
	engine := NewEngine(baseConfig(), riskClock(t), alerts.NewRouter(nil, capture))
	view := healthyView()
	view.snap.DailyPnL = -6000 // breaker at 5% of 100k

	engine.UpdateOnTradeResult(context.Background(), -1200, view)

	assert.True(t, view.Snapshot().EmergencyStop)
	require.Len(t, capture.byType("circuit_breaker"), 1)
	assert.Equal(t, alerts.SeverityCritical, capture.byType("circuit_breaker")[0].Severity)

	// Already stopped: no duplicate alert.
	engine.UpdateOnTradeResult(context.Background(), -100, view)
	assert.Len(t, capture.byType("circuit_breaker"), 1)
}

func TestDailyResetClearsCountersAndBreakerStop(t *testing.T) {
	engine := NewEngine(baseConfig(), riskClock(t), nil)
	view := healthyView()
	view.snap.DailyPnL = -6000
	view.snap.ConsecutiveLosses = 2

	engine.UpdateOnTradeResult(context.Background(), -1000, view)
	require.True(t, view.Snapshot().EmergencyStop)

	engine.runResetIfDue(context.Background(), view, riskEpoch)
	nextDay := time.Date(2025, 6, 17, 6, 0, 0, 0, time.UTC)
	engine.runResetIfDue(context.Background(), view, nextDay)

	snap := view.Snapshot()
	assert.Equal(t, 0.0, snap.DailyPnL)
	assert.Equal(t, 0, snap.ConsecutiveLosses)
	assert.False(t, snap.EmergencyStop)
	assert.Equal(t, 1, view.resetCalls)

	// Same day again: nothing fires.
	engine.runResetIfDue(context.Background(), view, nextDay.Add(time.Hour))
	assert.Equal(t, 1, view.resetCalls)
}

func TestDailyResetKeepsManualStop(t *testing.T) {
	engine := NewEngine(baseConfig(), riskClock(t), nil)
	view := healthyView()
	view.SetEmergencyStop(true, "operator halt")

	engine.runResetIfDue(context.Background(), view, riskEpoch)
	engine.runResetIfDue(context.Background(), view, time.Date(2025, 6, 17, 6, 0, 0, 0, time.UTC))

	assert.True(t, view.Snapshot().EmergencyStop)
	assert.Equal(t, 1, view.resetCalls)
}

func TestTradeSignalValidate(t *testing.T) {
	assert.NoError(t, buySignal().Validate())

	sell := TradeSignal{Instrument: "NIFTY", Side: SideSell, EntryPrice: 100, StopLoss: 105, TakeProfit: 90}
	assert.NoError(t, sell.Validate())

	badBuy := buySignal()
	badBuy.StopLoss = 101
	assert.Error(t, badBuy.Validate())

	badSell := sell
	badSell.TakeProfit = 110
	assert.Error(t, badSell.Validate())

	assert.Error(t, TradeSignal{Instrument: "NIFTY", Side: "SHORT", EntryPrice: 100}.Validate())
}

// captureSink records alerts for assertions.
type captureSink struct {
	mu     sync.Mutex
	alerts []alerts.Alert
}

func (c *captureSink) Name() string { return "capture" }

func (c *captureSink) Send(_ context.Context, alert alerts.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, alert)
	return nil
}

func (c *captureSink) byType(type_ string) []alerts.Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []alerts.Alert
	for _, a := range c.alerts {
		if a.Type == type_ {
			out = append(out, a)
		}
	}
	return out
}
