// Package agents runs the multi-agent decision graph: analysis, debate,
// risk, portfolio, and execution phases producing one CycleDecision per
// trading cycle.
package agents

import (
	"context"
	"sync"
	"time"

	"github.com/tradefabric/tradefabric/internal/indicators"
	"github.com/tradefabric/tradefabric/internal/llm"
	"github.com/tradefabric/tradefabric/internal/market"
	"github.com/tradefabric/tradefabric/internal/risk"
)

// Phase is one stage of the decision graph.
type Phase string

const (
	PhaseAnalysis  Phase = "ANALYSIS"
	PhaseDebate    Phase = "DEBATE"
	PhaseRisk      Phase = "RISK"
	PhasePortfolio Phase = "PORTFOLIO"
	PhaseExecution Phase = "EXECUTION"
)

// Signal is an agent's directional vote.
const (
	SignalBuy  = "BUY"
	SignalSell = "SELL"
	SignalHold = "HOLD"
)

// AgentSignal is one agent's contribution to a cycle.
type AgentSignal struct {
	AgentName  string         `json:"agent_name"`
	Phase      Phase          `json:"phase"`
	Signal     string         `json:"signal"`
	Confidence float64        `json:"confidence"`
	Weight     float64        `json:"weight"`
	Reasoning  string         `json:"reasoning"`
	Indicators map[string]any `json:"indicators,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// CycleContext identifies one orchestrated cycle.
type CycleContext struct {
	Instrument  string    `json:"instrument"`
	Timestamp   time.Time `json:"timestamp"`
	CycleNumber int64     `json:"cycle_number"`
	MarketHours bool      `json:"market_hours"`
}

// CycleDecision is the aggregated outcome of one cycle. Trade is set when
// the execution agent produced a proposal matching the final signal.
type CycleDecision struct {
	CycleID      string            `json:"cycle_id"`
	Instrument   string            `json:"instrument"`
	Timestamp    time.Time         `json:"timestamp"`
	FinalSignal  string            `json:"final_signal"`
	Confidence   float64           `json:"confidence"`
	Reasoning    string            `json:"reasoning"`
	AgentSignals []AgentSignal     `json:"agent_signals"`
	Trade        *risk.TradeSignal `json:"trade,omitempty"`
}

// CycleState is the shared state agents read and append to during a cycle.
// All methods are safe for concurrent use within a phase.
type CycleState struct {
	mu       sync.Mutex
	ctx      CycleContext
	signals  []AgentSignal
	facts    map[string]any
	proposal *risk.TradeSignal
}

// NewCycleState starts an empty state for one cycle.
func NewCycleState(ctx CycleContext) *CycleState {
	return &CycleState{ctx: ctx, facts: make(map[string]any)}
}

// Context returns the cycle context.
func (s *CycleState) Context() CycleContext { return s.ctx }

func (s *CycleState) addSignal(sig AgentSignal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, sig)
}

// Signals returns a copy of all signals recorded so far.
func (s *CycleState) Signals() []AgentSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AgentSignal, len(s.signals))
	copy(out, s.signals)
	return out
}

// PhaseSignals returns the signals recorded for one phase.
func (s *CycleState) PhaseSignals(phase Phase) []AgentSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AgentSignal
	for _, sig := range s.signals {
		if sig.Phase == phase {
			out = append(out, sig)
		}
	}
	return out
}

// SetFact stores a shared observation for downstream phases.
func (s *CycleState) SetFact(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facts[key] = value
}

// Fact reads a shared observation.
func (s *CycleState) Fact(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.facts[key]
	return v, ok
}

// SetProposal records the execution agent's trade proposal.
func (s *CycleState) SetProposal(t *risk.TradeSignal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proposal = t
}

// Proposal returns the recorded trade proposal, if any.
func (s *CycleState) Proposal() *risk.TradeSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proposal
}

// Agent is one node of the decision graph. Process reads the cycle state
// and returns exactly one signal; the runtime stamps phase, weight, and
// timestamp.
type Agent interface {
	Name() string
	Process(ctx context.Context, state *CycleState) (AgentSignal, error)
}

// ProviderRouter is the LLM capability agents consume.
type ProviderRouter interface {
	Call(ctx context.Context, systemPrompt, userMessage string, opts llm.CallOptions) (*llm.Response, error)
}

// Capabilities bundles everything agent implementations may consume. Any
// field may be nil; agents degrade to their deterministic fallbacks.
type Capabilities struct {
	Market     market.DataSource
	Indicators indicators.TechnicalIndicators
	News       market.NewsFeed
	Router     ProviderRouter
}
