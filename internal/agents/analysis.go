package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tradefabric/tradefabric/internal/llm"
)

// defaultTimeframe is the bar size analysis agents work from.
const defaultTimeframe = "5m"

// factIndicators is the shared-state key carrying the indicator snapshot.
const factIndicators = "indicators"

// modelVerdict is the JSON shape LLM-backed agents expect back.
type modelVerdict struct {
	Signal     string  `json:"signal"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

func (v *modelVerdict) normalize() error {
	v.Signal = strings.ToUpper(strings.TrimSpace(v.Signal))
	if v.Signal != SignalBuy && v.Signal != SignalSell && v.Signal != SignalHold {
		return fmt.Errorf("model returned unknown signal %q", v.Signal)
	}
	if v.Confidence < 0 {
		v.Confidence = 0
	}
	if v.Confidence > 1 {
		v.Confidence = 1
	}
	return nil
}

// baseAgent carries the pieces every built-in agent shares.
type baseAgent struct {
	name string
	caps Capabilities
	opts llm.CallOptions
	log  zerolog.Logger
}

func newBaseAgent(name string, caps Capabilities, spec AgentSpec) baseAgent {
	return baseAgent{
		name: name,
		caps: caps,
		opts: llm.CallOptions{Model: spec.Model, ParallelGroup: spec.ParallelGroup},
		log:  log.With().Str("agent", name).Logger(),
	}
}

func (a *baseAgent) Name() string { return a.name }

// askModel routes a prompt through the provider router and parses the
// verdict. Returns false when no router is configured or the call failed;
// callers fall back to their deterministic rule.
func (a *baseAgent) askModel(ctx context.Context, system, user string) (modelVerdict, bool) {
	if a.caps.Router == nil {
		return modelVerdict{}, false
	}
	resp, err := a.caps.Router.Call(ctx, system, user, a.opts)
	if err != nil {
		a.log.Warn().Err(err).Msg("Model call failed, using deterministic fallback")
		return modelVerdict{}, false
	}
	var verdict modelVerdict
	if err := llm.ParseJSONResponse(resp.Text, &verdict); err != nil {
		a.log.Warn().Err(err).Msg("Unparseable model verdict, using deterministic fallback")
		return modelVerdict{}, false
	}
	if err := verdict.normalize(); err != nil {
		a.log.Warn().Err(err).Msg("Invalid model verdict, using deterministic fallback")
		return modelVerdict{}, false
	}
	return verdict, true
}

// TechnicalAgent votes from the indicator snapshot and shares it with
// downstream phases.
type TechnicalAgent struct{ baseAgent }

func NewTechnicalAgent(caps Capabilities, spec AgentSpec) *TechnicalAgent {
	return &TechnicalAgent{newBaseAgent(spec.Name, caps, spec)}
}

func (a *TechnicalAgent) Process(ctx context.Context, state *CycleState) (AgentSignal, error) {
	cctx := state.Context()
	snap, err := a.caps.Indicators.Compute(ctx, cctx.Instrument, defaultTimeframe)
	if err != nil {
		return AgentSignal{}, fmt.Errorf("indicator snapshot: %w", err)
	}
	state.SetFact(factIndicators, snap)

	signal, confidence, reasoning := technicalVerdict(snap)
	if verdict, ok := a.askModel(ctx,
		"You are a technical analyst for an intraday index trading desk. "+
			"Answer with JSON {\"signal\":\"BUY|SELL|HOLD\",\"confidence\":0..1,\"reasoning\":\"...\"}.",
		fmt.Sprintf("Instrument %s, timeframe %s. Indicators: %s", cctx.Instrument, defaultTimeframe, formatSnapshot(snap)),
	); ok {
		signal, confidence, reasoning = verdict.Signal, verdict.Confidence, verdict.Reasoning
	}

	return AgentSignal{
		Signal:     signal,
		Confidence: confidence,
		Reasoning:  reasoning,
		Indicators: map[string]any{"snapshot": snap},
	}, nil
}

func technicalVerdict(snap map[string]float64) (string, float64, string) {
	rsi := snap["rsi"]
	bullishTrend := snap["ema_fast"] > snap["ema_slow"]
	macdUp := snap["macd_histogram"] > 0

	switch {
	case rsi >= 70:
		return SignalSell, 0.65, fmt.Sprintf("overbought: RSI %.1f above 70", rsi)
	case rsi <= 30:
		return SignalBuy, 0.65, fmt.Sprintf("oversold: RSI %.1f below 30", rsi)
	case bullishTrend && macdUp:
		return SignalBuy, 0.75, "fast EMA above slow EMA with positive MACD histogram"
	case !bullishTrend && !macdUp:
		return SignalSell, 0.7, "fast EMA below slow EMA with negative MACD histogram"
	default:
		return SignalHold, 0.5, "trend and momentum disagree"
	}
}

func formatSnapshot(snap map[string]float64) string {
	return fmt.Sprintf("close=%.2f ema_fast=%.2f ema_slow=%.2f rsi=%.1f macd=%.3f macd_signal=%.3f bb=[%.2f %.2f %.2f] adx=%.1f",
		snap["last_close"], snap["ema_fast"], snap["ema_slow"], snap["rsi"],
		snap["macd"], snap["macd_signal"], snap["bb_lower"], snap["bb_middle"], snap["bb_upper"], snap["adx"])
}

// FundamentalAgent reads the options chain for positioning signals.
type FundamentalAgent struct{ baseAgent }

func NewFundamentalAgent(caps Capabilities, spec AgentSpec) *FundamentalAgent {
	return &FundamentalAgent{newBaseAgent(spec.Name, caps, spec)}
}

func (a *FundamentalAgent) Process(ctx context.Context, state *CycleState) (AgentSignal, error) {
	cctx := state.Context()
	chain, err := a.caps.Market.OptionsChain(ctx, cctx.Instrument, 10)
	if err != nil {
		return AgentSignal{}, fmt.Errorf("options chain: %w", err)
	}

	var callOI, putOI float64
	for _, q := range chain.Quotes {
		callOI += q.CallOI
		putOI += q.PutOI
	}
	if callOI == 0 && putOI == 0 {
		return AgentSignal{Signal: SignalHold, Confidence: 0.5, Reasoning: "no open interest data"}, nil
	}

	pcr := putOI / maxFloat(callOI, 1)
	signal, confidence, reasoning := SignalHold, 0.5, fmt.Sprintf("put/call OI ratio %.2f is balanced", pcr)
	switch {
	case pcr > 1.2:
		// Heavy put writing tends to mark support under the spot.
		signal, confidence = SignalBuy, 0.6
		reasoning = fmt.Sprintf("put/call OI ratio %.2f suggests support below %.0f", pcr, chain.Spot)
	case pcr < 0.8:
		signal, confidence = SignalSell, 0.6
		reasoning = fmt.Sprintf("put/call OI ratio %.2f suggests resistance above %.0f", pcr, chain.Spot)
	}

	if verdict, ok := a.askModel(ctx,
		"You analyze index option positioning. "+
			"Answer with JSON {\"signal\":\"BUY|SELL|HOLD\",\"confidence\":0..1,\"reasoning\":\"...\"}.",
		fmt.Sprintf("Instrument %s spot %.2f, call OI %.0f, put OI %.0f, PCR %.2f.",
			cctx.Instrument, chain.Spot, callOI, putOI, pcr),
	); ok {
		signal, confidence, reasoning = verdict.Signal, verdict.Confidence, verdict.Reasoning
	}

	return AgentSignal{
		Signal:     signal,
		Confidence: confidence,
		Reasoning:  reasoning,
		Indicators: map[string]any{"pcr": pcr, "call_oi": callOI, "put_oi": putOI},
	}, nil
}

// SentimentAgent votes from aggregated news sentiment.
type SentimentAgent struct{ baseAgent }

func NewSentimentAgent(caps Capabilities, spec AgentSpec) *SentimentAgent {
	return &SentimentAgent{newBaseAgent(spec.Name, caps, spec)}
}

func (a *SentimentAgent) Process(ctx context.Context, state *CycleState) (AgentSignal, error) {
	cctx := state.Context()
	summary, err := a.caps.News.SentimentSummary(ctx, cctx.Instrument, 24)
	if err != nil {
		return AgentSignal{}, fmt.Errorf("sentiment summary: %w", err)
	}
	state.SetFact("sentiment", summary)

	signal := SignalHold
	confidence := 0.5
	switch {
	case summary.Score >= 0.2:
		signal = SignalBuy
		confidence = minFloat(0.9, 0.5+summary.Score/2)
	case summary.Score <= -0.2:
		signal = SignalSell
		confidence = minFloat(0.9, 0.5-summary.Score/2)
	}

	return AgentSignal{
		Signal:     signal,
		Confidence: confidence,
		Reasoning: fmt.Sprintf("news sentiment %.2f over %d items in the last %dh",
			summary.Score, summary.ItemCount, summary.Hours),
		Indicators: map[string]any{"sentiment_score": summary.Score, "item_count": summary.ItemCount},
	}, nil
}

// MacroAgent weighs the broad backdrop from recent headlines. Without a
// model it abstains.
type MacroAgent struct{ baseAgent }

func NewMacroAgent(caps Capabilities, spec AgentSpec) *MacroAgent {
	return &MacroAgent{newBaseAgent(spec.Name, caps, spec)}
}

func (a *MacroAgent) Process(ctx context.Context, state *CycleState) (AgentSignal, error) {
	cctx := state.Context()
	items, err := a.caps.News.LatestNews(ctx, cctx.Instrument, 5)
	if err != nil {
		return AgentSignal{}, fmt.Errorf("latest news: %w", err)
	}

	headlines := make([]string, 0, len(items))
	for _, item := range items {
		headlines = append(headlines, item.Headline)
	}

	if verdict, ok := a.askModel(ctx,
		"You assess the macro backdrop for an index trading desk. "+
			"Answer with JSON {\"signal\":\"BUY|SELL|HOLD\",\"confidence\":0..1,\"reasoning\":\"...\"}.",
		fmt.Sprintf("Instrument %s. Recent headlines:\n%s", cctx.Instrument, strings.Join(headlines, "\n")),
	); ok {
		return AgentSignal{
			Signal:     verdict.Signal,
			Confidence: verdict.Confidence,
			Reasoning:  verdict.Reasoning,
			Indicators: map[string]any{"headline_count": len(items)},
		}, nil
	}

	return AgentSignal{
		Signal:     SignalHold,
		Confidence: 0.5,
		Reasoning:  "no macro conviction without model access",
		Indicators: map[string]any{"headline_count": len(items)},
	}, nil
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
