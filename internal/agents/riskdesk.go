package agents

import (
	"context"
	"fmt"
	"math"
)

// netConviction folds every signal so far into one signed score in [-1,1].
func netConviction(signals []AgentSignal) float64 {
	var net, total float64
	for _, sig := range signals {
		weight := sig.Weight * sig.Confidence
		net += directionOf(sig.Signal) * weight
		total += weight
	}
	if total == 0 {
		return 0
	}
	return net / total
}

func sideOf(net float64) string {
	if net > 0 {
		return SignalBuy
	}
	if net < 0 {
		return SignalSell
	}
	return SignalHold
}

// riskDeskAgent is one of the three risk-appetite perspectives. Each sets
// a different conviction bar on the debate outcome.
type riskDeskAgent struct {
	baseAgent
	threshold float64 // |net conviction| needed to endorse a direction
	tilt      float64 // confidence adjustment applied on endorsement
	stance    string
}

func newRiskDesk(caps Capabilities, spec AgentSpec, threshold, tilt float64, stance string) *riskDeskAgent {
	return &riskDeskAgent{
		baseAgent: newBaseAgent(spec.Name, caps, spec),
		threshold: threshold,
		tilt:      tilt,
		stance:    stance,
	}
}

// NewAggressiveRisk endorses early and sizes its confidence up.
func NewAggressiveRisk(caps Capabilities, spec AgentSpec) Agent {
	return newRiskDesk(caps, spec, 0.1, 0.15, "aggressive")
}

// NewConservativeRisk waits for strong consensus and discounts it.
func NewConservativeRisk(caps Capabilities, spec AgentSpec) Agent {
	return newRiskDesk(caps, spec, 0.5, -0.1, "conservative")
}

// NewNeutralRisk sits between the two.
func NewNeutralRisk(caps Capabilities, spec AgentSpec) Agent {
	return newRiskDesk(caps, spec, 0.3, 0, "neutral")
}

func (a *riskDeskAgent) Process(_ context.Context, state *CycleState) (AgentSignal, error) {
	prior := append(state.PhaseSignals(PhaseAnalysis), state.PhaseSignals(PhaseDebate)...)
	net := netConviction(prior)
	strength := math.Abs(net)

	if strength < a.threshold {
		return AgentSignal{
			Signal:     SignalHold,
			Confidence: 0.5,
			Reasoning:  fmt.Sprintf("%s desk: conviction %.2f below the %.2f bar", a.stance, strength, a.threshold),
			Indicators: map[string]any{"net_conviction": net},
		}, nil
	}

	confidence := clamp01(0.5 + strength/2 + a.tilt)
	return AgentSignal{
		Signal:     sideOf(net),
		Confidence: confidence,
		Reasoning:  fmt.Sprintf("%s desk endorses %s at conviction %.2f", a.stance, sideOf(net), strength),
		Indicators: map[string]any{"net_conviction": net},
	}, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
