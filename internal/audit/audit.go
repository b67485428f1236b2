// Package audit records operator actions on the control surface: mode
// overrides, balance resets, manual cycle triggers, emergency stops.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tradefabric/tradefabric/internal/clock"
	"github.com/tradefabric/tradefabric/internal/store"
)

// Control-surface actions with a bounded vocabulary so the trail stays
// queryable.
const (
	ActionModeOverride    = "MODE_OVERRIDE"
	ActionModeClear       = "MODE_OVERRIDE_CLEARED"
	ActionBalanceSet      = "BALANCE_SET"
	ActionCycleTriggered  = "CYCLE_TRIGGERED"
	ActionEmergencyStop   = "EMERGENCY_STOP"
	ActionEmergencyClear  = "EMERGENCY_STOP_CLEARED"
	ActionVirtualTimeSet  = "VIRTUAL_TIME_SET"
	ActionVirtualTimeClr  = "VIRTUAL_TIME_CLEARED"
	ActionPositionClosed  = "POSITION_CLOSED"
	ActionConfigReloaded  = "CONFIG_RELOADED"
	ActionUnauthorized    = "UNAUTHORIZED_ACCESS"
)

// Trail writes operator events to the audit store and mirrors them to the
// structured log. A nil store degrades to log-only.
type Trail struct {
	store store.AuditStore
	clk   *clock.Clock
	log   zerolog.Logger
}

// NewTrail builds the trail. Store may be nil.
func NewTrail(s store.AuditStore, clk *clock.Clock) *Trail {
	if clk == nil {
		clk = clock.New()
	}
	return &Trail{
		store: s,
		clk:   clk,
		log:   log.With().Str("component", "audit").Logger(),
	}
}

// Record persists one operator action. Details are marshaled as JSON;
// persistence failures are logged and returned but never fatal to the
// mutation that triggered them.
func (t *Trail) Record(ctx context.Context, action, actor string, details map[string]any) error {
	var payload json.RawMessage
	if details != nil {
		b, err := json.Marshal(details)
		if err == nil {
			payload = b
		}
	}

	rec := store.AuditRecord{
		ID:        uuid.NewString(),
		Action:    action,
		Actor:     actor,
		Details:   payload,
		Timestamp: t.clk.Now(),
	}

	t.log.Info().
		Str("audit_id", rec.ID).
		Str("action", action).
		Str("actor", actor).
		Msg("Operator action")

	if t.store == nil {
		return nil
	}
	if err := t.store.PutEvent(ctx, rec); err != nil {
		t.log.Error().Err(err).Str("action", action).Msg("Failed to persist audit event")
		return err
	}
	return nil
}

// RecordTimed is Record plus the action's duration in the details.
func (t *Trail) RecordTimed(ctx context.Context, action, actor string, details map[string]any, took time.Duration) error {
	if details == nil {
		details = map[string]any{}
	}
	details["duration_ms"] = took.Milliseconds()
	return t.Record(ctx, action, actor, details)
}
