package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/tradefabric/tradefabric/internal/clock"
	"github.com/tradefabric/tradefabric/internal/metrics"
	"github.com/tradefabric/tradefabric/internal/store"
)

// Deps wires the runtime's collaborators. Decisions returns the currently
// bound discussion store and may change between cycles on a mode switch;
// nil disables persistence.
type Deps struct {
	Clock     *clock.Clock
	Decisions func() store.DecisionStore
}

// Runtime executes the decision graph once per trading cycle.
type Runtime struct {
	graph  Graph
	roster map[string]Agent
	deps   Deps
	sem    *semaphore.Weighted
	log    zerolog.Logger
}

// NewRuntime validates the graph against the roster and builds the runtime.
func NewRuntime(graph Graph, roster map[string]Agent, deps Deps) (*Runtime, error) {
	if err := graph.Validate(); err != nil {
		return nil, err
	}
	for _, phase := range graph.Phases {
		for _, spec := range phase.Agents {
			if _, ok := roster[spec.Name]; !ok {
				return nil, fmt.Errorf("no implementation for agent %q in phase %s", spec.Name, phase.Phase)
			}
		}
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	return &Runtime{
		graph:  graph,
		roster: roster,
		deps:   deps,
		sem:    semaphore.NewWeighted(graph.MaxConcurrent),
		log:    log.With().Str("component", "agent_runtime").Logger(),
	}, nil
}

// RunCycle executes every phase in order, agents within a phase running
// concurrently, and aggregates the signals into one decision. Individual
// agent failures become HOLD votes; RunCycle itself fails only when the
// context dies.
func (r *Runtime) RunCycle(ctx context.Context, cctx CycleContext) (*CycleDecision, error) {
	cycleID := fmt.Sprintf("%s-%d-%s", cctx.Instrument, cctx.CycleNumber, cctx.Timestamp.Format("20060102T150405"))
	state := NewCycleState(cctx)

	r.log.Info().
		Str("cycle_id", cycleID).
		Str("instrument", cctx.Instrument).
		Int64("cycle_number", cctx.CycleNumber).
		Msg("Cycle started")

	for _, phase := range r.graph.Phases {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		results := make([]AgentSignal, len(phase.Agents))
		done := make(chan struct{})
		running := 0
		for i, spec := range phase.Agents {
			running++
			go func(i int, spec AgentSpec) {
				defer func() { done <- struct{}{} }()
				results[i] = r.runAgent(ctx, spec, phase.Phase, state)
			}(i, spec)
		}
		for ; running > 0; running-- {
			<-done
		}

		// Signals join the state in configured order so aggregation and
		// persistence stay deterministic regardless of completion order.
		for _, sig := range results {
			state.addSignal(sig)
			r.persistDiscussion(ctx, cycleID, cctx, sig)
		}
	}

	decision := r.aggregate(cycleID, cctx, state)
	r.log.Info().
		Str("cycle_id", cycleID).
		Str("final_signal", decision.FinalSignal).
		Float64("confidence", decision.Confidence).
		Msg("Cycle complete")
	return decision, nil
}

// runAgent executes one agent under the concurrency cap with panic
// isolation, then stamps the runtime-owned fields.
func (r *Runtime) runAgent(ctx context.Context, spec AgentSpec, phase Phase, state *CycleState) AgentSignal {
	var sig AgentSignal
	var err error
	var elapsed time.Duration

	if acqErr := r.sem.Acquire(ctx, 1); acqErr != nil {
		err = acqErr
	} else {
		started := time.Now()
		sig, err = r.invoke(ctx, spec.Name, state)
		elapsed = time.Since(started)
		r.sem.Release(1)
	}

	if err != nil {
		r.log.Warn().Err(err).Str("agent", spec.Name).Str("phase", string(phase)).Msg("Agent failed, recording HOLD")
		sig = AgentSignal{
			Signal:     SignalHold,
			Confidence: 0,
			Reasoning:  fmt.Sprintf("agent failed: %v", err),
			Indicators: map[string]any{"error": err.Error()},
		}
	}

	sig.AgentName = spec.Name
	sig.Phase = phase
	sig.Weight = spec.Weight
	sig.Timestamp = r.deps.Clock.Now()
	if sig.Indicators == nil {
		sig.Indicators = map[string]any{}
	}
	sig.Indicators["duration_ms"] = elapsed.Milliseconds()
	metrics.RecordAgentSignal(spec.Name, sig.Signal, float64(elapsed.Milliseconds()))
	return sig
}

func (r *Runtime) invoke(ctx context.Context, name string, state *CycleState) (sig AgentSignal, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("agent panicked: %v", rec)
		}
	}()
	return r.roster[name].Process(ctx, state)
}

// aggregate runs the weighted vote over every signal and applies the
// minimum-consensus fallback.
func (r *Runtime) aggregate(cycleID string, cctx CycleContext, state *CycleState) *CycleDecision {
	signals := state.Signals()
	winner, confidence, share := weightedVote(signals)

	reasoning := fmt.Sprintf("weighted vote: %s with %.0f%% of conviction", winner, share*100)
	if winner != SignalHold && share < r.graph.MinConsensus {
		reasoning = fmt.Sprintf("consensus %.0f%% below the %.0f%% minimum, standing aside",
			share*100, r.graph.MinConsensus*100)
		winner = SignalHold
	}

	decision := &CycleDecision{
		CycleID:      cycleID,
		Instrument:   cctx.Instrument,
		Timestamp:    cctx.Timestamp,
		FinalSignal:  winner,
		Confidence:   confidence,
		Reasoning:    reasoning,
		AgentSignals: signals,
	}

	if proposal := state.Proposal(); proposal != nil && string(proposal.Side) == winner {
		decision.Trade = proposal
	}
	return decision
}

func (r *Runtime) persistDiscussion(ctx context.Context, cycleID string, cctx CycleContext, sig AgentSignal) {
	if r.deps.Decisions == nil {
		return
	}
	ds := r.deps.Decisions()
	if ds == nil {
		return
	}

	indicators, err := json.Marshal(sig.Indicators)
	if err != nil {
		indicators = nil
	}
	rec := store.DiscussionRecord{
		ID:         uuid.NewString(),
		CycleID:    cycleID,
		AgentName:  sig.AgentName,
		Phase:      string(sig.Phase),
		Signal:     sig.Signal,
		Confidence: sig.Confidence,
		Weight:     sig.Weight,
		Reasoning:  sig.Reasoning,
		Indicators: indicators,
		Instrument: cctx.Instrument,
		Timestamp:  sig.Timestamp,
	}
	if err := ds.PutDiscussion(ctx, rec); err != nil {
		r.log.Warn().Err(err).Str("agent", sig.AgentName).Msg("Failed to persist discussion")
	}
}
