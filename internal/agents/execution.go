package agents

import (
	"context"
	"fmt"

	"github.com/tradefabric/tradefabric/internal/risk"
)

// rangeBars is how many recent bars bound the protective levels.
const rangeBars = 20

// ExecutionAgent turns the portfolio recommendation into a concrete trade
// proposal with entry, stop, and target from the live tape.
type ExecutionAgent struct{ baseAgent }

func NewExecutionAgent(caps Capabilities, spec AgentSpec) *ExecutionAgent {
	return &ExecutionAgent{newBaseAgent(spec.Name, caps, spec)}
}

func (a *ExecutionAgent) Process(ctx context.Context, state *CycleState) (AgentSignal, error) {
	portfolio := state.PhaseSignals(PhasePortfolio)
	if len(portfolio) == 0 {
		return AgentSignal{Signal: SignalHold, Confidence: 0, Reasoning: "no portfolio recommendation"}, nil
	}
	rec := portfolio[len(portfolio)-1]
	if rec.Signal == SignalHold {
		return AgentSignal{Signal: SignalHold, Confidence: rec.Confidence, Reasoning: "desk recommends standing aside"}, nil
	}

	cctx := state.Context()
	tick, err := a.caps.Market.LatestTick(ctx, cctx.Instrument)
	if err != nil {
		return AgentSignal{}, fmt.Errorf("latest tick: %w", err)
	}
	if tick.Price <= 0 {
		return AgentSignal{Signal: SignalHold, Confidence: 0, Reasoning: "no tradeable price available"}, nil
	}

	low, high := tick.Price, tick.Price
	if candles, err := a.caps.Market.OHLC(ctx, cctx.Instrument, defaultTimeframe, rangeBars); err == nil {
		for _, c := range candles {
			if c.Low < low {
				low = c.Low
			}
			if c.High > high {
				high = c.High
			}
		}
	}

	entry := tick.Price
	var stop, target float64
	if rec.Signal == SignalBuy {
		stop = minFloat(low, entry*0.995)
		target = entry + 2*(entry-stop)
	} else {
		stop = maxFloat(high, entry*1.005)
		target = entry - 2*(stop-entry)
	}

	proposal := &risk.TradeSignal{
		Instrument: cctx.Instrument,
		Side:       risk.Side(rec.Signal),
		EntryPrice: entry,
		StopLoss:   stop,
		TakeProfit: target,
		Confidence: rec.Confidence,
	}
	if err := proposal.Validate(); err != nil {
		return AgentSignal{Signal: SignalHold, Confidence: 0,
			Reasoning: fmt.Sprintf("could not place protective levels: %v", err)}, nil
	}
	state.SetProposal(proposal)

	return AgentSignal{
		Signal:     rec.Signal,
		Confidence: rec.Confidence,
		Reasoning:  fmt.Sprintf("%s %s at %.2f, stop %.2f, target %.2f", rec.Signal, cctx.Instrument, entry, stop, target),
		Indicators: map[string]any{"entry": entry, "stop": stop, "target": target},
	}, nil
}
