package mode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tradefabric/tradefabric/internal/alerts"
	"github.com/tradefabric/tradefabric/internal/clock"
	"github.com/tradefabric/tradefabric/internal/kv"
	"github.com/tradefabric/tradefabric/internal/market"
	"github.com/tradefabric/tradefabric/internal/store"
)

// KeyModeConfig is the single KV key holding the persisted mode
// configuration. One key, one JSON value, so every write is atomic.
const KeyModeConfig = "mode:config"

// ErrConfirmationRequired is returned by SetManual when a switch to LIVE
// arrives without the confirmation flag. No transition happens.
var ErrConfirmationRequired = errors.New("switching to live mode requires confirmation")

// ReplayWindow configures historical replay alongside a mode switch.
type ReplayWindow struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date,omitempty"`
	Interval  string `json:"interval,omitempty"`
}

// persistedConfig is the KV JSON value.
type persistedConfig struct {
	ManualOverride   *string       `json:"manual_override,omitempty"`
	HistoricalReplay *ReplayWindow `json:"historical_replay,omitempty"`
}

// BoundStores is the mode-scoped store pair active for the current mode.
type BoundStores struct {
	Decisions *store.ModeScopedDecisionStore
	Trades    *store.ModeScopedTradeStore
}

// StoreBinder produces the scoped pair for a mode label. Wiring supplies it
// so the controller never knows which backend is underneath.
type StoreBinder func(modeLabel string) BoundStores

// SwitchResult reports a manual switch attempt.
type SwitchResult struct {
	Success              bool   `json:"success"`
	Mode                 Mode   `json:"-"`
	ModeLabel            string `json:"mode"`
	Previous             Mode   `json:"-"`
	ConfirmationRequired bool   `json:"confirmation_required,omitempty"`
}

// AutoSwitchOutcome reports one Tick evaluation.
type AutoSwitchOutcome struct {
	Switched bool
	From     Mode
	To       Mode
	Status   market.Status
	Reason   string
}

// Info is the read view of the controller.
type Info struct {
	Mode             Mode          `json:"-"`
	Label            string        `json:"mode"`
	ManualOverride   *string       `json:"manual_override,omitempty"`
	CalendarStatus   market.Status `json:"calendar_status"`
	SuggestedMode    string        `json:"suggested_mode"`
	HistoricalReplay *ReplayWindow `json:"historical_replay,omitempty"`
}

// Deps carries the controller's collaborators. Alerts may be nil.
type Deps struct {
	Clock    *clock.Clock
	Calendar *market.Calendar
	KV       kv.Store
	Bind     StoreBinder
	Alerts   *alerts.Router
}

// Controller is the FSM over Mode. Auto transitions fire only without a
// manual override, and never into LIVE.
type Controller struct {
	mu       sync.Mutex
	current  Mode
	override *Mode
	replay   *ReplayWindow
	stores   BoundStores

	deps Deps
	log  zerolog.Logger
}

// NewController builds the controller, restores any persisted override from
// the KV store, and binds stores for the resulting mode.
func NewController(initial Mode, deps Deps) (*Controller, error) {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Calendar == nil {
		deps.Calendar = market.AlwaysOpen()
	}
	if deps.Bind == nil {
		deps.Bind = func(string) BoundStores { return BoundStores{} }
	}

	c := &Controller{
		current: initial,
		deps:    deps,
		log:     log.With().Str("component", "mode_controller").Logger(),
	}

	if err := c.restore(context.Background()); err != nil {
		return nil, err
	}
	c.stores = deps.Bind(c.current.String())

	c.log.Info().
		Str("mode", c.current.String()).
		Bool("manual_override", c.override != nil).
		Msg("Mode controller initialized")
	return c, nil
}

// restore loads the persisted ModeConfig. A present override wins over the
// configured initial mode.
func (c *Controller) restore(ctx context.Context) error {
	if c.deps.KV == nil {
		return nil
	}
	raw, err := c.deps.KV.Get(ctx, KeyModeConfig)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load mode config: %w", err)
	}

	var cfg persistedConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		c.log.Warn().Err(err).Msg("Malformed persisted mode config, ignoring")
		return nil
	}

	c.replay = cfg.HistoricalReplay
	if cfg.ManualOverride != nil {
		m, err := Parse(*cfg.ManualOverride)
		if err != nil {
			c.log.Warn().Err(err).Msg("Persisted override names an unknown mode, ignoring")
			return nil
		}
		c.override = &m
		c.current = m
		c.log.Info().Str("mode", m.String()).Msg("Restored manual mode override")
	}
	return nil
}

// SetManual switches to target and pins it against auto-switching. LIVE
// requires confirm; without it the controller returns ErrConfirmationRequired
// and stays put. A replay window, when given, is persisted alongside.
func (c *Controller) SetManual(ctx context.Context, target Mode, confirm bool, replay *ReplayWindow) (*SwitchResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if target == Live && !confirm {
		c.log.Warn().Msg("Live mode switch rejected: confirmation missing")
		return &SwitchResult{
			Mode:                 c.current,
			ModeLabel:            c.current.String(),
			Previous:             c.current,
			ConfirmationRequired: true,
		}, ErrConfirmationRequired
	}

	previous := c.current
	override := target
	if err := c.transitionLocked(ctx, target, &override, replay, "manual"); err != nil {
		return nil, err
	}

	return &SwitchResult{
		Success:   true,
		Mode:      target,
		ModeLabel: target.String(),
		Previous:  previous,
	}, nil
}

// ClearManual removes the override; auto rules apply again on the next Tick.
func (c *Controller) ClearManual(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.override == nil {
		return nil
	}
	c.override = nil
	if err := c.persistLocked(ctx); err != nil {
		return err
	}
	c.log.Info().Str("mode", c.current.String()).Msg("Manual mode override cleared")
	return nil
}

// Tick reconciles the mode with the calendar. With an override present
// nothing fires; LIVE is never entered automatically, but an open LIVE
// session does auto-close when the calendar does.
func (c *Controller) Tick(ctx context.Context) (*AutoSwitchOutcome, error) {
	now := c.deps.Clock.Now()
	status := c.deps.Calendar.Status(now)

	c.mu.Lock()
	defer c.mu.Unlock()

	outcome := &AutoSwitchOutcome{From: c.current, To: c.current, Status: status}

	if c.override != nil {
		outcome.Reason = "manual_override"
		return outcome, nil
	}

	target := c.current
	if status == market.StatusOpen {
		if c.current == SimClosed {
			target = SimOpen
		}
	} else {
		target = SimClosed
	}

	if target == c.current {
		outcome.Reason = "in_sync"
		return outcome, nil
	}

	if err := c.transitionLocked(ctx, target, nil, c.replay, string(status)); err != nil {
		return nil, err
	}
	outcome.Switched = true
	outcome.To = target
	outcome.Reason = string(status)
	return outcome, nil
}

// transitionLocked persists the new configuration first, then flips the mode
// and rebinds the scoped stores. Callers hold c.mu.
func (c *Controller) transitionLocked(ctx context.Context, target Mode, override *Mode, replay *ReplayWindow, reason string) error {
	previous := c.current
	prevOverride, prevReplay := c.override, c.replay
	c.override = override
	if replay != nil {
		c.replay = replay
	}

	if err := c.persistLocked(ctx); err != nil {
		c.override, c.replay = prevOverride, prevReplay
		return err
	}

	c.current = target
	c.stores = c.deps.Bind(target.String())

	c.log.Info().
		Str("from", previous.String()).
		Str("to", target.String()).
		Str("reason", reason).
		Msg("Mode switched")

	if c.deps.Alerts != nil {
		details := map[string]any{"from": previous.String(), "to": target.String(), "reason": reason}
		if target == Live {
			c.deps.Alerts.Warning(ctx, "mode_switch", "trading mode switched to LIVE", "mode_controller", details)
		} else {
			c.deps.Alerts.Info(ctx, "mode_switch", fmt.Sprintf("trading mode switched to %s", target), "mode_controller", details)
		}
	}
	return nil
}

func (c *Controller) persistLocked(ctx context.Context) error {
	if c.deps.KV == nil {
		return nil
	}

	cfg := persistedConfig{HistoricalReplay: c.replay}
	if c.override != nil {
		label := c.override.String()
		cfg.ManualOverride = &label
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal mode config: %w", err)
	}
	if err := c.deps.KV.Set(ctx, KeyModeConfig, string(raw), 0); err != nil {
		return fmt.Errorf("persist mode config: %w", err)
	}
	return nil
}

// Current returns the active mode.
func (c *Controller) Current() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Stores returns the currently bound mode-scoped store pair.
func (c *Controller) Stores() BoundStores {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stores
}

// Replay returns the recorded historical-replay window, if any.
func (c *Controller) Replay() *ReplayWindow {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replay
}

// ModeInfo reports the full control-plane view.
func (c *Controller) ModeInfo(ctx context.Context) Info {
	now := c.deps.Clock.Now()
	status := c.deps.Calendar.Status(now)

	suggested := SimClosed
	if status == market.StatusOpen {
		suggested = SimOpen
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	info := Info{
		Mode:             c.current,
		Label:            c.current.String(),
		CalendarStatus:   status,
		SuggestedMode:    suggested.String(),
		HistoricalReplay: c.replay,
	}
	if c.override != nil {
		label := c.override.String()
		info.ManualOverride = &label
	}
	return info
}
