// Package orchestrator drives the periodic trading cycle: mode arbitration,
// the agent graph, decision persistence and fan-out, and the trade handoff
// to the position manager.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tradefabric/tradefabric/internal/agents"
	"github.com/tradefabric/tradefabric/internal/bus"
	"github.com/tradefabric/tradefabric/internal/clock"
	"github.com/tradefabric/tradefabric/internal/config"
	"github.com/tradefabric/tradefabric/internal/market"
	"github.com/tradefabric/tradefabric/internal/metrics"
	"github.com/tradefabric/tradefabric/internal/mode"
	"github.com/tradefabric/tradefabric/internal/portfolio"
	"github.com/tradefabric/tradefabric/internal/pubsub"
	"github.com/tradefabric/tradefabric/internal/store"
)

// DecisionChannel is the pub/sub channel carrying finished cycle decisions.
const DecisionChannel = "engine:decision"

const (
	defaultInterval    = 15 * time.Minute
	defaultIdleRecheck = time.Minute
	// sleepPoll bounds how long a sleep waits between clock reads so
	// virtual-time advances are noticed promptly.
	sleepPoll = 250 * time.Millisecond
)

// Deps wires the orchestrator's collaborators. Events is the publishing
// pub/sub connection; the price loop runs its own consumer connection.
type Deps struct {
	Clock     *clock.Clock
	Calendar  *market.Calendar
	Mode      *mode.Controller
	Runtime   *agents.Runtime
	Portfolio *portfolio.Manager
	Events    pubsub.PubSub
	Bus       *bus.Bus
}

// Orchestrator owns the cycle loop.
type Orchestrator struct {
	instrument string
	cfg        config.CycleConfig
	forceOpen  bool
	deps       Deps
	log        zerolog.Logger

	cycleNumber atomic.Int64
	wasIdle     atomic.Bool
}

// New builds the orchestrator. Interval and idle recheck default when unset.
func New(instrument string, cfg config.CycleConfig, forceOpen bool, deps Deps) *Orchestrator {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.IdleRecheck <= 0 {
		cfg.IdleRecheck = defaultIdleRecheck
	}
	return &Orchestrator{
		instrument: instrument,
		cfg:        cfg,
		forceOpen:  forceOpen,
		deps:       deps,
		log:        log.With().Str("component", "orchestrator").Logger(),
	}
}

// CycleCount reports how many cycles have completed.
func (o *Orchestrator) CycleCount() int64 { return o.cycleNumber.Load() }

// Run executes the cycle loop until the context is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.log.Info().
		Str("instrument", o.instrument).
		Dur("interval", o.cfg.Interval).
		Bool("force_open", o.forceOpen).
		Msg("Orchestrator started")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if _, err := o.deps.Mode.Tick(ctx); err != nil {
			o.log.Warn().Err(err).Msg("Mode tick failed")
		}

		now := o.deps.Clock.Now()
		open := o.deps.Calendar.IsOpen(now)
		if !open && !o.forceOpen {
			if o.wasIdle.CompareAndSwap(false, true) {
				o.log.Info().
					Str("status", string(o.deps.Calendar.Status(now))).
					Msg("Market closed, idling between gate checks")
			}
			if err := o.sleepUntil(ctx, now.Add(o.cfg.IdleRecheck)); err != nil {
				return err
			}
			continue
		}
		if o.wasIdle.CompareAndSwap(true, false) {
			o.log.Info().Msg("Market open, resuming cycles")
		}

		started := o.deps.Clock.Now()
		if _, err := o.runOnce(ctx, open); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.log.Error().Err(err).Msg("Cycle failed")
		}

		// Soft deadline: an overrun is logged and absorbed by a shorter
		// sleep, it never shifts the cycle boundary.
		if elapsed := o.deps.Clock.Now().Sub(started); elapsed > o.cfg.Interval/2 {
			o.log.Warn().Dur("elapsed", elapsed).Msg("Cycle overran its soft deadline")
		}
		if err := o.sleepUntil(ctx, started.Add(o.cfg.Interval)); err != nil {
			return err
		}
	}
}

// RunCycleNow executes one cycle immediately, bypassing the calendar gate.
// The control API uses it for manual triggers.
func (o *Orchestrator) RunCycleNow(ctx context.Context) (*agents.CycleDecision, error) {
	if _, err := o.deps.Mode.Tick(ctx); err != nil {
		o.log.Warn().Err(err).Msg("Mode tick failed")
	}
	return o.runOnce(ctx, o.deps.Calendar.IsOpen(o.deps.Clock.Now()))
}

func (o *Orchestrator) runOnce(ctx context.Context, marketHours bool) (*agents.CycleDecision, error) {
	cctx := agents.CycleContext{
		Instrument:  o.instrument,
		Timestamp:   o.deps.Clock.Now(),
		CycleNumber: o.cycleNumber.Add(1),
		MarketHours: marketHours,
	}

	started := time.Now()
	decision, err := o.deps.Runtime.RunCycle(ctx, cctx)
	if err != nil {
		return nil, fmt.Errorf("run cycle %d: %w", cctx.CycleNumber, err)
	}
	metrics.RecordCycle(decision.FinalSignal, float64(time.Since(started).Milliseconds()))

	o.persistDecision(ctx, decision)
	o.publishDecision(ctx, decision)
	o.handoffTrade(ctx, decision)
	return decision, nil
}

func (o *Orchestrator) persistDecision(ctx context.Context, decision *agents.CycleDecision) {
	stores := o.deps.Mode.Stores()
	if stores.Decisions == nil {
		return
	}

	signals, err := json.Marshal(decision.AgentSignals)
	if err != nil {
		signals = nil
	}
	rec := store.DecisionRecord{
		ID:           uuid.NewString(),
		CycleID:      decision.CycleID,
		Instrument:   decision.Instrument,
		FinalSignal:  decision.FinalSignal,
		Confidence:   decision.Confidence,
		Reasoning:    decision.Reasoning,
		AgentSignals: signals,
		Timestamp:    decision.Timestamp,
	}
	if err := stores.Decisions.PutDecision(ctx, rec); err != nil {
		o.log.Error().Err(err).Str("cycle_id", decision.CycleID).Msg("Failed to persist decision")
	}
}

func (o *Orchestrator) publishDecision(ctx context.Context, decision *agents.CycleDecision) {
	if err := o.deps.Bus.Publish(bus.SubjectDecision, decision); err != nil {
		o.log.Warn().Err(err).Msg("Failed to publish decision to the bus")
	}
	if o.deps.Events == nil {
		return
	}
	payload, err := json.Marshal(decision)
	if err != nil {
		return
	}
	if err := o.deps.Events.Publish(ctx, DecisionChannel, payload); err != nil {
		o.log.Warn().Err(err).Msg("Failed to publish decision to pub/sub")
	}
}

// handoffTrade forwards an actionable decision to the position manager.
func (o *Orchestrator) handoffTrade(ctx context.Context, decision *agents.CycleDecision) {
	if decision.Trade == nil {
		return
	}
	if decision.FinalSignal != agents.SignalBuy && decision.FinalSignal != agents.SignalSell {
		return
	}
	if decision.Confidence < o.cfg.MinConfidence {
		o.log.Info().
			Float64("confidence", decision.Confidence).
			Float64("min_confidence", o.cfg.MinConfidence).
			Msg("Decision below confidence floor, not trading")
		return
	}
	if o.deps.Portfolio == nil {
		return
	}

	result, err := o.deps.Portfolio.ExecuteTradingDecision(ctx, *decision.Trade)
	if err != nil {
		o.log.Error().Err(err).Str("cycle_id", decision.CycleID).Msg("Trade execution failed")
		return
	}
	metrics.RecordTrade(result.Action)

	event := o.log.Info().Str("cycle_id", decision.CycleID).Str("action", result.Action)
	if result.Position != nil {
		event = event.Str("position_id", result.Position.ID)
	}
	event.Msg("Trade decision executed")

	if result.Action == "opened" {
		if err := o.deps.Bus.Publish(bus.SubjectTrade, result); err != nil {
			o.log.Warn().Err(err).Msg("Failed to publish trade to the bus")
		}
	}
}

// sleepUntil waits for the clock to reach target, polling so virtual-time
// jumps take effect without waiting out real wall time.
func (o *Orchestrator) sleepUntil(ctx context.Context, target time.Time) error {
	for {
		now := o.deps.Clock.Now()
		if !now.Before(target) {
			return nil
		}
		wait := target.Sub(now)
		if wait > sleepPoll {
			wait = sleepPoll
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
