package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradefabric/tradefabric/internal/agents"
	"github.com/tradefabric/tradefabric/internal/clock"
	"github.com/tradefabric/tradefabric/internal/config"
	"github.com/tradefabric/tradefabric/internal/exchange"
	"github.com/tradefabric/tradefabric/internal/kv"
	"github.com/tradefabric/tradefabric/internal/market"
	"github.com/tradefabric/tradefabric/internal/mode"
	"github.com/tradefabric/tradefabric/internal/portfolio"
	"github.com/tradefabric/tradefabric/internal/pubsub"
	"github.com/tradefabric/tradefabric/internal/risk"
	"github.com/tradefabric/tradefabric/internal/store"
)

// Monday mid-session in the default calendar's timezone.
var openEpoch = time.Date(2025, 6, 16, 10, 0, 0, 0, mustLoad("Asia/Kolkata"))

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// fixedAgent always answers the same vote and proposal.
type fixedAgent struct {
	signal   agents.AgentSignal
	proposal *risk.TradeSignal
}

func (a *fixedAgent) Name() string { return "fixed" }

func (a *fixedAgent) Process(_ context.Context, state *agents.CycleState) (agents.AgentSignal, error) {
	if a.proposal != nil {
		state.SetProposal(a.proposal)
	}
	return a.signal, nil
}

type harness struct {
	orch   *Orchestrator
	stores *store.MemoryStores
	pm     *portfolio.Manager
	broker *pubsub.Broker
	clk    *clock.Clock
}

func newHarness(t *testing.T, clk *clock.Clock, cal *market.Calendar, cfg config.CycleConfig, forceOpen bool, agent agents.Agent) *harness {
	t.Helper()

	stores := store.NewMemoryStores()
	bind := func(label string) mode.BoundStores {
		return mode.BoundStores{
			Decisions: store.ScopeDecisions(stores.Decisions, label),
			Trades:    store.ScopeTrades(stores.Trades, label),
		}
	}
	ctrl, err := mode.NewController(mode.SimOpen, mode.Deps{
		Clock: clk, Calendar: cal, KV: kv.NewMemory(), Bind: bind,
	})
	require.NoError(t, err)

	graph := agents.Graph{
		SchemaVersion: "1.0.0",
		MaxConcurrent: 2,
		MinConsensus:  0.5,
		Phases: []agents.PhaseSpec{
			{Phase: agents.PhaseExecution, Agents: []agents.AgentSpec{{Name: "fixed", Weight: 1.0}}},
		},
	}
	runtime, err := agents.NewRuntime(graph, map[string]agents.Agent{"fixed": agent}, agents.Deps{
		Clock:     clk,
		Decisions: func() store.DecisionStore { return ctrl.Stores().Decisions },
	})
	require.NoError(t, err)

	engine := risk.NewEngine(config.RiskConfig{MaxRiskPerTradePct: 0.01, MarginRequirementPct: 1.0}, clk, nil)
	pm := portfolio.NewManager(config.PortfolioConfig{InitialCapital: 100_000}, portfolio.Deps{
		Engine:   engine,
		Executor: exchange.NewPaperExecutor(0, clk),
		Clock:    clk,
		Trades:   func() store.TradeStore { return ctrl.Stores().Trades },
	})

	broker := pubsub.NewBroker()
	orch := New("NIFTY", cfg, forceOpen, Deps{
		Clock:     clk,
		Calendar:  cal,
		Mode:      ctrl,
		Runtime:   runtime,
		Portfolio: pm,
		Events:    broker.Conn(),
	})
	return &harness{orch: orch, stores: stores, pm: pm, broker: broker, clk: clk}
}

func buyAgent() *fixedAgent {
	return &fixedAgent{
		signal: agents.AgentSignal{Signal: agents.SignalBuy, Confidence: 0.8, Reasoning: "fixture"},
		proposal: &risk.TradeSignal{
			Instrument: "NIFTY", Side: risk.SideBuy,
			EntryPrice: 100, StopLoss: 95, TakeProfit: 110, Confidence: 0.8,
		},
	}
}

func virtualClock(t *testing.T, at time.Time) *clock.Clock {
	t.Helper()
	clk := clock.New()
	require.NoError(t, clk.SetVirtual(context.Background(), at))
	return clk
}

func TestRunCycleNowPersistsPublishesAndTrades(t *testing.T) {
	clk := virtualClock(t, openEpoch)
	cal, err := market.NewCalendar(market.CalendarConfig{})
	require.NoError(t, err)

	h := newHarness(t, clk, cal, config.CycleConfig{MinConfidence: 0.6}, false, buyAgent())

	sub := h.broker.Conn()
	require.NoError(t, sub.Subscribe(context.Background(), DecisionChannel))

	decision, err := h.orch.RunCycleNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, agents.SignalBuy, decision.FinalSignal)
	assert.Equal(t, int64(1), h.orch.CycleCount())

	records, err := h.stores.Decisions.ListDecisions(context.Background(), store.DecisionFilter{Instrument: "NIFTY"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "BUY", records[0].FinalSignal)
	assert.Equal(t, "paper_live", records[0].Mode)

	msg, err := sub.Get(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, DecisionChannel, msg.Channel)

	assert.Equal(t, 1, h.pm.Snapshot().OpenPositions)
}

func TestLowConfidenceDecisionDoesNotTrade(t *testing.T) {
	clk := virtualClock(t, openEpoch)
	cal, err := market.NewCalendar(market.CalendarConfig{})
	require.NoError(t, err)

	agent := buyAgent()
	agent.signal.Confidence = 0.4
	agent.proposal.Confidence = 0.4
	h := newHarness(t, clk, cal, config.CycleConfig{MinConfidence: 0.7}, false, agent)

	_, err = h.orch.RunCycleNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, h.pm.Snapshot().OpenPositions)
}

func TestHoldDecisionDoesNotTrade(t *testing.T) {
	clk := virtualClock(t, openEpoch)
	h := newHarness(t, clk, market.AlwaysOpen(), config.CycleConfig{MinConfidence: 0.1}, false, &fixedAgent{
		signal: agents.AgentSignal{Signal: agents.SignalHold, Confidence: 0.9},
	})

	decision, err := h.orch.RunCycleNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, agents.SignalHold, decision.FinalSignal)
	assert.Equal(t, 0, h.pm.Snapshot().OpenPositions)
}

func TestClosedMarketRunsNoCycles(t *testing.T) {
	// Saturday noon: the default calendar is closed all day.
	saturday := time.Date(2025, 6, 14, 12, 0, 0, 0, mustLoad("Asia/Kolkata"))
	clk := virtualClock(t, saturday)
	cal, err := market.NewCalendar(market.CalendarConfig{})
	require.NoError(t, err)

	h := newHarness(t, clk, cal, config.CycleConfig{MinConfidence: 0.6}, false, buyAgent())

	ctx, cancel := context.WithTimeout(context.Background(), 600*time.Millisecond)
	defer cancel()
	err = h.orch.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Equal(t, int64(0), h.orch.CycleCount())
	records, listErr := h.stores.Decisions.ListDecisions(context.Background(), store.DecisionFilter{})
	require.NoError(t, listErr)
	assert.Empty(t, records)
}

func TestForceOpenRunsCyclesOnRealClock(t *testing.T) {
	// Real clock so the interval sleep actually elapses.
	clk := clock.New()
	h := newHarness(t, clk, market.AlwaysOpen(), config.CycleConfig{
		Interval:      50 * time.Millisecond,
		MinConfidence: 0.99, // keep the portfolio out of it
	}, true, buyAgent())

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()
	_ = h.orch.Run(ctx)

	assert.GreaterOrEqual(t, h.orch.CycleCount(), int64(2))
}

func TestPriceLoopFeedsPortfolioSweep(t *testing.T) {
	clk := virtualClock(t, openEpoch)
	h := newHarness(t, clk, market.AlwaysOpen(), config.CycleConfig{MinConfidence: 0.6}, false, buyAgent())

	_, err := h.orch.RunCycleNow(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, h.pm.Snapshot().OpenPositions)

	loop := NewPriceLoop(h.broker.Conn(), nil, h.pm)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	// Let the loop attach its pattern subscription before publishing.
	time.Sleep(50 * time.Millisecond)
	pub := h.broker.Conn()
	payload := []byte(`{"instrument":"NIFTY","price":94,"volume":10,"timestamp":"2025-06-16T10:05:00+05:30"}`)
	require.NoError(t, pub.Publish(context.Background(), market.TickChannel("NIFTY"), payload))

	require.Eventually(t, func() bool {
		return h.pm.Snapshot().OpenPositions == 0
	}, 2*time.Second, 20*time.Millisecond, "stop loss should close the position")

	cancel()
	<-done
}
