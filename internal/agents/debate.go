package agents

import (
	"context"
	"fmt"
	"strings"
)

// directionOf maps a vote to a signed direction for scoring.
func directionOf(signal string) float64 {
	switch signal {
	case SignalBuy:
		return 1
	case SignalSell:
		return -1
	default:
		return 0
	}
}

// evidence summarizes one side of the analysis phase.
type evidence struct {
	score     float64 // sum of weight*confidence supporting the side
	total     float64 // sum of weight*confidence across all votes
	reasoning []string
}

func collectEvidence(signals []AgentSignal, side string) evidence {
	var ev evidence
	for _, sig := range signals {
		contribution := sig.Weight * sig.Confidence
		ev.total += contribution
		if sig.Signal == side {
			ev.score += contribution
			ev.reasoning = append(ev.reasoning, fmt.Sprintf("%s: %s", sig.AgentName, sig.Reasoning))
		}
	}
	return ev
}

// BullResearcher argues the long case from the analysis phase.
type BullResearcher struct{ baseAgent }

func NewBullResearcher(caps Capabilities, spec AgentSpec) *BullResearcher {
	return &BullResearcher{newBaseAgent(spec.Name, caps, spec)}
}

func (a *BullResearcher) Process(ctx context.Context, state *CycleState) (AgentSignal, error) {
	return debate(ctx, &a.baseAgent, state, SignalBuy, "bullish")
}

// BearResearcher argues the short case from the analysis phase.
type BearResearcher struct{ baseAgent }

func NewBearResearcher(caps Capabilities, spec AgentSpec) *BearResearcher {
	return &BearResearcher{newBaseAgent(spec.Name, caps, spec)}
}

func (a *BearResearcher) Process(ctx context.Context, state *CycleState) (AgentSignal, error) {
	return debate(ctx, &a.baseAgent, state, SignalSell, "bearish")
}

func debate(ctx context.Context, a *baseAgent, state *CycleState, side, stance string) (AgentSignal, error) {
	analysis := state.PhaseSignals(PhaseAnalysis)
	if len(analysis) == 0 {
		return AgentSignal{Signal: SignalHold, Confidence: 0, Reasoning: "no analysis signals to debate"}, nil
	}

	ev := collectEvidence(analysis, side)
	share := 0.0
	if ev.total > 0 {
		share = ev.score / ev.total
	}

	signal := SignalHold
	confidence := 0.4
	reasoning := fmt.Sprintf("little %s evidence in the analysis phase", stance)
	if share > 0.25 {
		signal = side
		confidence = minFloat(0.9, 0.4+share/2)
		reasoning = fmt.Sprintf("%.0f%% of weighted analysis conviction is %s", share*100, stance)
	}

	if verdict, ok := a.askModel(ctx,
		fmt.Sprintf("You are the %s researcher in a trading debate. Argue only the %s case from the evidence. "+
			"Answer with JSON {\"signal\":\"BUY|SELL|HOLD\",\"confidence\":0..1,\"reasoning\":\"...\"}.", stance, stance),
		fmt.Sprintf("Instrument %s. Analysis evidence:\n%s",
			state.Context().Instrument, strings.Join(ev.reasoning, "\n")),
	); ok {
		signal, confidence, reasoning = verdict.Signal, verdict.Confidence, verdict.Reasoning
	}

	return AgentSignal{
		Signal:     signal,
		Confidence: confidence,
		Reasoning:  reasoning,
		Indicators: map[string]any{"evidence_share": share},
	}, nil
}
