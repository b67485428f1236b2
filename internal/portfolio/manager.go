// Package portfolio owns the portfolio state: open positions, cash, realized
// PnL, and the emergency stop. All mutation happens behind one mutex; the
// risk engine sees this state only through the risk.PortfolioView surface.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tradefabric/tradefabric/internal/alerts"
	"github.com/tradefabric/tradefabric/internal/clock"
	"github.com/tradefabric/tradefabric/internal/config"
	"github.com/tradefabric/tradefabric/internal/exchange"
	"github.com/tradefabric/tradefabric/internal/risk"
	"github.com/tradefabric/tradefabric/internal/store"
)

// Position status values.
const (
	StatusActive = "ACTIVE"
	StatusClosed = "CLOSED"
)

// Close reasons.
const (
	ReasonStopLoss   = "STOP_LOSS"
	ReasonTakeProfit = "TAKE_PROFIT"
	ReasonManual     = "MANUAL"
	ReasonReversal   = "SIGNAL_REVERSAL"
)

// ErrTradeRejected wraps risk-engine rejections.
var ErrTradeRejected = errors.New("trade rejected")

// ErrPositionNotFound is returned by Close for unknown or already closed
// positions.
var ErrPositionNotFound = errors.New("position not found")

// Position is one market position.
type Position struct {
	ID           string    `json:"id"`
	Instrument   string    `json:"instrument"`
	Side         risk.Side `json:"side"`
	Quantity     int       `json:"quantity"`
	EntryPrice   float64   `json:"entry_price"`
	CurrentPrice float64   `json:"current_price"`
	StopLoss     float64   `json:"stop_loss,omitempty"`
	TakeProfit   float64   `json:"take_profit,omitempty"`
	Status       string    `json:"status"`
	EntryAt      time.Time `json:"entry_at"`
	ExitAt       time.Time `json:"exit_at,omitempty"`
	ExitPrice    float64   `json:"exit_price,omitempty"`
	Commission   float64   `json:"commission"`
	Tags         []string  `json:"tags,omitempty"`
}

// UnrealizedPnL is the mark-to-market result of an open position.
func (p *Position) UnrealizedPnL() float64 {
	if p.Status != StatusActive || p.CurrentPrice == 0 {
		return 0
	}
	if p.Side == risk.SideBuy {
		return (p.CurrentPrice - p.EntryPrice) * float64(p.Quantity)
	}
	return (p.EntryPrice - p.CurrentPrice) * float64(p.Quantity)
}

// MarketValue is the position's current notional.
func (p *Position) MarketValue() float64 {
	price := p.CurrentPrice
	if price == 0 {
		price = p.EntryPrice
	}
	return price * float64(p.Quantity)
}

// RiskAmount is the loss if the stop is hit.
func (p *Position) RiskAmount() float64 {
	if p.StopLoss == 0 {
		return 0
	}
	return math.Abs(p.EntryPrice-p.StopLoss) * float64(p.Quantity)
}

// CloseEvent reports one position close, automatic or manual.
type CloseEvent struct {
	Position Position `json:"position"`
	Reason   string   `json:"reason"`
	PnL      float64  `json:"pnl"`
}

// OpenRequest asks for a new position.
type OpenRequest struct {
	Instrument    string
	Side          risk.Side
	Quantity      int // replaced by the risk-derived size when the engine is present
	EntryPrice    float64
	StopLoss      float64
	TakeProfit    float64
	Confidence    float64
	Tags          []string
	ClientOrderID string
}

// DecisionResult reports what ExecuteTradingDecision did.
type DecisionResult struct {
	Action   string       `json:"action"` // opened, rejected
	Position *Position    `json:"position,omitempty"`
	Closed   []CloseEvent `json:"closed,omitempty"`
	Reason   string       `json:"reason,omitempty"`
}

// State is the read view of the whole portfolio.
type State struct {
	TotalEquity       float64    `json:"total_equity"`
	AvailableCash     float64    `json:"available_cash"`
	DailyPnL          float64    `json:"daily_pnl"`
	DailyPnLPct       float64    `json:"daily_pnl_pct"`
	TotalPnL          float64    `json:"total_pnl"`
	TotalRiskExposure float64    `json:"total_risk_exposure"`
	ConsecutiveLosses int        `json:"consecutive_losses"`
	EmergencyStop     bool       `json:"emergency_stop"`
	StopReason        string     `json:"stop_reason,omitempty"`
	LastTradeAt       *time.Time `json:"last_trade_at,omitempty"`
	OpenPositions     []Position `json:"open_positions"`
}

// Deps carries the manager's collaborators. Engine and Alerts may be nil;
// Trades may be nil in tests.
type Deps struct {
	Engine   *risk.Engine
	Executor exchange.OrderExecutor
	Clock    *clock.Clock
	Alerts   *alerts.Router
	Limits   config.RiskConfig
	// Trades returns the currently bound mode-scoped trade store.
	Trades func() store.TradeStore
}

// Manager is the position manager.
type Manager struct {
	mu                sync.Mutex
	initialCapital    float64
	cash              float64
	dailyPnL          float64
	totalPnL          float64
	riskExposure      float64
	consecutiveLosses int
	lastTradeAt       time.Time
	emergencyStop     bool
	stopReason        string
	positions         map[string]*Position
	order             []string // insertion order of position IDs
	seq               int

	cfg       config.PortfolioConfig
	deps      Deps
	listeners []func(CloseEvent)
	log       zerolog.Logger
}

// NewManager builds the manager with the configured initial capital.
func NewManager(cfg config.PortfolioConfig, deps Deps) *Manager {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Executor == nil {
		deps.Executor = exchange.NewPaperExecutor(cfg.CommissionPct, deps.Clock)
	}
	return &Manager{
		initialCapital: cfg.InitialCapital,
		cash:           cfg.InitialCapital,
		positions:      make(map[string]*Position),
		cfg:            cfg,
		deps:           deps,
		log:            log.With().Str("component", "position_manager").Logger(),
	}
}

// OnClose registers a listener for close events. Listeners run outside the
// manager lock.
func (m *Manager) OnClose(fn func(CloseEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Open opens a position. With a risk engine present the request is gated
// through AssessTradeRisk and the risk-derived size replaces the requested
// quantity.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (*Position, error) {
	quantity := req.Quantity

	if m.deps.Engine != nil {
		signal := risk.TradeSignal{
			Instrument: req.Instrument,
			Side:       req.Side,
			EntryPrice: req.EntryPrice,
			StopLoss:   req.StopLoss,
			TakeProfit: req.TakeProfit,
			Confidence: req.Confidence,
		}
		assessment := m.deps.Engine.AssessTradeRisk(ctx, signal, m)
		if !assessment.CanTrade {
			return nil, fmt.Errorf("%w: %v", ErrTradeRejected, assessment.Warnings)
		}
		if assessment.PositionSize > 0 {
			quantity = assessment.PositionSize
		}
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("%w: no feasible position size", ErrTradeRejected)
	}

	// Local guards under the lock; the market could have moved since the
	// risk check.
	m.mu.Lock()
	if m.emergencyStop {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: emergency stop is active", ErrTradeRejected)
	}
	if limit := m.deps.Limits.MaxOpenPositions; limit > 0 && m.activeCountLocked() >= limit {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: open position limit %d reached", ErrTradeRejected, limit)
	}
	cost := req.EntryPrice * float64(quantity)
	if cost > m.cash {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: insufficient cash %.2f for position value %.2f", ErrTradeRejected, m.cash, cost)
	}
	equity := m.initialCapital + m.totalPnL
	newRisk := math.Abs(req.EntryPrice-req.StopLoss) * float64(quantity)
	if pct := m.deps.Limits.MaxRiskPerTradePct; pct > 0 && req.StopLoss > 0 && newRisk > equity*pct*1.0001 {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: trade risk %.2f exceeds per-trade limit", ErrTradeRejected, newRisk)
	}
	if pct := m.deps.Limits.MaxPortfolioRiskPct; pct > 0 && m.riskExposure+newRisk > equity*pct*1.0001 {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: portfolio risk exposure would exceed limit", ErrTradeRejected)
	}
	m.mu.Unlock()

	clientOrderID := req.ClientOrderID
	if clientOrderID == "" {
		clientOrderID = uuid.NewString()
	}
	receipt, err := m.deps.Executor.Execute(ctx, exchange.OrderRequest{
		ClientOrderID: clientOrderID,
		Instrument:    req.Instrument,
		Side:          exchange.OrderSide(req.Side),
		Quantity:      quantity,
		LimitPrice:    req.EntryPrice,
	})
	if err != nil {
		return nil, fmt.Errorf("order execution failed: %w", err)
	}

	m.mu.Lock()
	m.seq++
	position := &Position{
		ID:           fmt.Sprintf("P-%06d", m.seq),
		Instrument:   req.Instrument,
		Side:         req.Side,
		Quantity:     receipt.Quantity,
		EntryPrice:   receipt.FillPrice,
		CurrentPrice: receipt.FillPrice,
		StopLoss:     req.StopLoss,
		TakeProfit:   req.TakeProfit,
		Status:       StatusActive,
		EntryAt:      receipt.ExecutedAt,
		Commission:   receipt.Commission,
		Tags:         req.Tags,
	}
	m.positions[position.ID] = position
	m.order = append(m.order, position.ID)
	m.cash -= receipt.FillPrice*float64(receipt.Quantity) + receipt.Commission
	m.riskExposure += position.RiskAmount()
	snapshot := *position
	m.mu.Unlock()

	m.log.Info().
		Str("position_id", position.ID).
		Str("instrument", req.Instrument).
		Str("side", string(req.Side)).
		Int("quantity", receipt.Quantity).
		Float64("entry_price", receipt.FillPrice).
		Msg("Position opened")

	m.persistPosition(ctx, snapshot)
	return &snapshot, nil
}

// Close closes a position at exitPrice, realizing its PnL.
func (m *Manager) Close(ctx context.Context, positionID string, exitPrice float64, reason string) (*CloseEvent, error) {
	m.mu.Lock()
	position, ok := m.positions[positionID]
	if !ok || position.Status != StatusActive {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}
	m.mu.Unlock()

	closeSide := exchange.OrderSell
	if position.Side == risk.SideSell {
		closeSide = exchange.OrderBuy
	}
	receipt, err := m.deps.Executor.Execute(ctx, exchange.OrderRequest{
		ClientOrderID: positionID + "-close",
		Instrument:    position.Instrument,
		Side:          closeSide,
		Quantity:      position.Quantity,
		LimitPrice:    exitPrice,
	})
	if err != nil {
		return nil, fmt.Errorf("close execution failed: %w", err)
	}

	m.mu.Lock()
	event, err := m.closeLocked(position, receipt.FillPrice, receipt.Commission, reason)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	m.afterClose(ctx, *event, receipt)
	return event, nil
}

// closeLocked realizes PnL and reconciles totals. Callers hold m.mu and have
// verified the position is ACTIVE.
func (m *Manager) closeLocked(position *Position, exitPrice, commission float64, reason string) (*CloseEvent, error) {
	if position.Status != StatusActive {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, position.ID)
	}
	now := m.deps.Clock.Now()

	gross := (exitPrice - position.EntryPrice) * float64(position.Quantity)
	if position.Side == risk.SideSell {
		gross = -gross
	}
	pnl := gross - commission

	m.riskExposure -= position.RiskAmount()
	if m.riskExposure < 0 {
		m.riskExposure = 0
	}

	position.Status = StatusClosed
	position.ExitAt = now
	position.ExitPrice = exitPrice
	position.CurrentPrice = exitPrice
	position.Commission += commission

	m.cash += position.EntryPrice*float64(position.Quantity) + pnl
	m.dailyPnL += pnl
	m.totalPnL += pnl
	m.lastTradeAt = now
	if pnl < 0 {
		m.consecutiveLosses++
	} else {
		m.consecutiveLosses = 0
	}

	m.log.Info().
		Str("position_id", position.ID).
		Str("reason", reason).
		Float64("exit_price", exitPrice).
		Float64("pnl", pnl).
		Int("consecutive_losses", m.consecutiveLosses).
		Msg("Position closed")

	return &CloseEvent{Position: *position, Reason: reason, PnL: pnl}, nil
}

// afterClose runs the out-of-lock side effects of a close: persistence, the
// risk callback, listeners, and alerts.
func (m *Manager) afterClose(ctx context.Context, event CloseEvent, receipt *exchange.ExecutionReceipt) {
	m.persistPosition(ctx, event.Position)
	m.persistTrade(ctx, event, receipt)

	if m.deps.Engine != nil {
		m.deps.Engine.UpdateOnTradeResult(ctx, event.PnL, m)
	}

	m.mu.Lock()
	listeners := append([]func(CloseEvent){}, m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(event)
	}

	if m.deps.Alerts != nil && event.Reason == ReasonStopLoss {
		m.deps.Alerts.Warning(ctx, "stop_loss_hit",
			fmt.Sprintf("%s position on %s stopped out at %.2f", event.Position.Side, event.Position.Instrument, event.Position.ExitPrice),
			"position_manager",
			map[string]any{"position_id": event.Position.ID, "pnl": event.PnL})
	}
}

// UpdateMarketPrices applies new prices to every ACTIVE position on those
// instruments and auto-closes any position whose stop or target is violated.
// After it returns no ACTIVE position violates its levels.
func (m *Manager) UpdateMarketPrices(ctx context.Context, prices map[string]float64) []CloseEvent {
	type pendingClose struct {
		position *Position
		price    float64
		reason   string
	}

	m.mu.Lock()
	var pending []pendingClose
	for _, id := range m.order {
		position := m.positions[id]
		if position.Status != StatusActive {
			continue
		}
		price, ok := prices[position.Instrument]
		if !ok {
			continue
		}
		position.CurrentPrice = price

		if reason, hit := triggeredLevel(position, price); hit {
			pending = append(pending, pendingClose{position: position, price: price, reason: reason})
		}
	}
	m.mu.Unlock()

	var events []CloseEvent
	for _, pc := range pending {
		closeSide := exchange.OrderSell
		if pc.position.Side == risk.SideSell {
			closeSide = exchange.OrderBuy
		}
		receipt, err := m.deps.Executor.Execute(ctx, exchange.OrderRequest{
			ClientOrderID: pc.position.ID + "-close",
			Instrument:    pc.position.Instrument,
			Side:          closeSide,
			Quantity:      pc.position.Quantity,
			LimitPrice:    pc.price,
		})
		if err != nil {
			m.log.Error().Err(err).Str("position_id", pc.position.ID).Msg("Auto-close execution failed")
			continue
		}

		m.mu.Lock()
		event, err := m.closeLocked(pc.position, receipt.FillPrice, receipt.Commission, pc.reason)
		m.mu.Unlock()
		if err != nil {
			continue
		}
		m.afterClose(ctx, *event, receipt)
		events = append(events, *event)
	}
	return events
}

// triggeredLevel reports which protective level, if any, price violates.
func triggeredLevel(p *Position, price float64) (string, bool) {
	if p.Side == risk.SideBuy {
		if p.StopLoss > 0 && price <= p.StopLoss {
			return ReasonStopLoss, true
		}
		if p.TakeProfit > 0 && price >= p.TakeProfit {
			return ReasonTakeProfit, true
		}
		return "", false
	}
	if p.StopLoss > 0 && price >= p.StopLoss {
		return ReasonStopLoss, true
	}
	if p.TakeProfit > 0 && price <= p.TakeProfit {
		return ReasonTakeProfit, true
	}
	return "", false
}

// ExecuteTradingDecision bridges a cycle decision to the portfolio: opposite
// open positions on the instrument close first (signal reversal), then a new
// position opens with the executor-supplied levels.
func (m *Manager) ExecuteTradingDecision(ctx context.Context, signal risk.TradeSignal) (*DecisionResult, error) {
	if signal.Side != risk.SideBuy && signal.Side != risk.SideSell {
		return &DecisionResult{Action: "rejected", Reason: fmt.Sprintf("unsupported side %q", signal.Side)}, nil
	}

	result := &DecisionResult{}

	m.mu.Lock()
	var reversals []*Position
	for _, id := range m.order {
		position := m.positions[id]
		if position.Status == StatusActive && position.Instrument == signal.Instrument && position.Side != signal.Side {
			reversals = append(reversals, position)
		}
	}
	m.mu.Unlock()

	for _, position := range reversals {
		event, err := m.Close(ctx, position.ID, signal.EntryPrice, ReasonReversal)
		if err != nil {
			m.log.Warn().Err(err).Str("position_id", position.ID).Msg("Reversal close failed")
			continue
		}
		result.Closed = append(result.Closed, *event)
	}

	position, err := m.Open(ctx, OpenRequest{
		Instrument: signal.Instrument,
		Side:       signal.Side,
		EntryPrice: signal.EntryPrice,
		StopLoss:   signal.StopLoss,
		TakeProfit: signal.TakeProfit,
		Confidence: signal.Confidence,
	})
	if err != nil {
		if errors.Is(err, ErrTradeRejected) {
			result.Action = "rejected"
			result.Reason = err.Error()
			return result, nil
		}
		return nil, err
	}

	result.Action = "opened"
	result.Position = position
	return result, nil
}

// Snapshot implements risk.PortfolioView.
func (m *Manager) Snapshot() risk.PortfolioSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return risk.PortfolioSnapshot{
		TotalEquity:       m.initialCapital + m.totalPnL,
		AvailableCash:     m.cash,
		TotalRiskExposure: m.riskExposure,
		OpenPositions:     m.activeCountLocked(),
		DailyPnL:          m.dailyPnL,
		ConsecutiveLosses: m.consecutiveLosses,
		LastTradeAt:       m.lastTradeAt,
		EmergencyStop:     m.emergencyStop,
	}
}

// SetEmergencyStop implements risk.PortfolioView.
func (m *Manager) SetEmergencyStop(on bool, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emergencyStop = on
	if on {
		m.stopReason = reason
	} else {
		m.stopReason = ""
	}
	m.log.Warn().Bool("emergency_stop", on).Str("reason", reason).Msg("Emergency stop changed")
}

// ResetDaily implements risk.PortfolioView.
func (m *Manager) ResetDaily() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyPnL = 0
	m.consecutiveLosses = 0
}

// State returns the full portfolio view.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	equity := m.initialCapital + m.totalPnL
	state := State{
		TotalEquity:       equity,
		AvailableCash:     m.cash,
		DailyPnL:          m.dailyPnL,
		TotalPnL:          m.totalPnL,
		TotalRiskExposure: m.riskExposure,
		ConsecutiveLosses: m.consecutiveLosses,
		EmergencyStop:     m.emergencyStop,
		StopReason:        m.stopReason,
	}
	if equity != 0 {
		state.DailyPnLPct = m.dailyPnL / equity
	}
	if !m.lastTradeAt.IsZero() {
		at := m.lastTradeAt
		state.LastTradeAt = &at
	}
	for _, id := range m.order {
		if p := m.positions[id]; p.Status == StatusActive {
			state.OpenPositions = append(state.OpenPositions, *p)
		}
	}
	return state
}

// Positions lists positions, newest first, optionally filtered by status.
func (m *Manager) Positions(status string) []Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Position
	for i := len(m.order) - 1; i >= 0; i-- {
		p := m.positions[m.order[i]]
		if status == "" || p.Status == status {
			out = append(out, *p)
		}
	}
	return out
}

// SetBalance resets the account to a new starting balance. Only allowed with
// no open positions; the API layer additionally restricts it to SIM modes.
func (m *Manager) SetBalance(balance float64) error {
	if balance <= 0 {
		return fmt.Errorf("balance must be positive, got %.2f", balance)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeCountLocked() > 0 {
		return fmt.Errorf("cannot reset balance with %d open positions", m.activeCountLocked())
	}
	m.initialCapital = balance
	m.cash = balance
	m.dailyPnL = 0
	m.totalPnL = 0
	m.log.Info().Float64("balance", balance).Msg("Account balance reset")
	return nil
}

func (m *Manager) activeCountLocked() int {
	count := 0
	for _, p := range m.positions {
		if p.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) persistPosition(ctx context.Context, p Position) {
	if m.deps.Trades == nil {
		return
	}
	ts := m.deps.Trades()
	if ts == nil {
		return
	}

	rec := positionToRecord(p)
	var err error
	if p.ExitAt.IsZero() {
		err = ts.PutPosition(ctx, rec)
	} else {
		err = ts.UpdatePosition(ctx, rec)
	}
	if err != nil {
		m.log.Warn().Err(err).Str("position_id", p.ID).Msg("Failed to persist position")
	}
}

// persistTrade records the realized round trip of a closed position.
func (m *Manager) persistTrade(ctx context.Context, event CloseEvent, receipt *exchange.ExecutionReceipt) {
	if m.deps.Trades == nil {
		return
	}
	ts := m.deps.Trades()
	if ts == nil {
		return
	}

	p := event.Position
	exitPrice := p.ExitPrice
	pnl := event.PnL
	closedAt := p.ExitAt
	rec := store.TradeRecord{
		ID:         receipt.OrderID,
		PositionID: p.ID,
		Instrument: p.Instrument,
		Side:       string(p.Side),
		Quantity:   int64(p.Quantity),
		EntryPrice: p.EntryPrice,
		ExitPrice:  &exitPrice,
		PnL:        &pnl,
		Commission: p.Commission,
		Reason:     event.Reason,
		OpenedAt:   p.EntryAt,
		ClosedAt:   &closedAt,
	}
	if err := ts.PutTrade(ctx, rec); err != nil {
		m.log.Warn().Err(err).Str("trade_id", rec.ID).Msg("Failed to persist trade")
	}
}

func positionToRecord(p Position) store.PositionRecord {
	rec := store.PositionRecord{
		ID:           p.ID,
		Instrument:   p.Instrument,
		Side:         string(p.Side),
		Quantity:     int64(p.Quantity),
		EntryPrice:   p.EntryPrice,
		CurrentPrice: p.CurrentPrice,
		Status:       p.Status,
		EntryAt:      p.EntryAt,
		Commission:   p.Commission,
		Tags:         p.Tags,
	}
	if p.StopLoss > 0 {
		sl := p.StopLoss
		rec.StopLoss = &sl
	}
	if p.TakeProfit > 0 {
		tp := p.TakeProfit
		rec.TakeProfit = &tp
	}
	if !p.ExitAt.IsZero() {
		exitAt := p.ExitAt
		exitPrice := p.ExitPrice
		rec.ExitAt = &exitAt
		rec.ExitPrice = &exitPrice
	}
	return rec
}

var _ risk.PortfolioView = (*Manager)(nil)
