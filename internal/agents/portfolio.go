package agents

import (
	"context"
	"fmt"
)

// PortfolioManagerAgent folds every prior phase into a single directional
// recommendation.
type PortfolioManagerAgent struct{ baseAgent }

func NewPortfolioManagerAgent(caps Capabilities, spec AgentSpec) *PortfolioManagerAgent {
	return &PortfolioManagerAgent{newBaseAgent(spec.Name, caps, spec)}
}

func (a *PortfolioManagerAgent) Process(_ context.Context, state *CycleState) (AgentSignal, error) {
	prior := state.Signals()
	if len(prior) == 0 {
		return AgentSignal{Signal: SignalHold, Confidence: 0, Reasoning: "no signals to weigh"}, nil
	}

	winner, confidence, share := weightedVote(prior)
	if winner == SignalHold {
		return AgentSignal{
			Signal:     SignalHold,
			Confidence: confidence,
			Reasoning:  "no directional majority across the desk",
			Indicators: map[string]any{"consensus_share": share},
		}, nil
	}

	return AgentSignal{
		Signal:     winner,
		Confidence: confidence,
		Reasoning:  fmt.Sprintf("desk consensus %s with %.0f%% of weighted conviction", winner, share*100),
		Indicators: map[string]any{"consensus_share": share},
	}, nil
}

// weightedVote tallies weight*confidence per direction. It returns the
// winning direction, the weighted mean confidence of its voters, and the
// winner's share of total conviction.
func weightedVote(signals []AgentSignal) (winner string, confidence, share float64) {
	score := map[string]float64{}
	confSum := map[string]float64{}
	weightSum := map[string]float64{}
	var total float64

	for _, sig := range signals {
		contribution := sig.Weight * sig.Confidence
		score[sig.Signal] += contribution
		confSum[sig.Signal] += sig.Weight * sig.Confidence
		weightSum[sig.Signal] += sig.Weight
		total += contribution
	}

	winner = SignalHold
	best := score[SignalHold]
	// Deterministic tie-break: BUY, then SELL, then HOLD.
	for _, s := range []string{SignalBuy, SignalSell} {
		if score[s] > best {
			winner = s
			best = score[s]
		}
	}

	if weightSum[winner] > 0 {
		confidence = confSum[winner] / weightSum[winner]
	}
	if total > 0 {
		share = best / total
	}
	return winner, confidence, share
}
