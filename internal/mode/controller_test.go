package mode

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradefabric/tradefabric/internal/clock"
	"github.com/tradefabric/tradefabric/internal/kv"
	"github.com/tradefabric/tradefabric/internal/market"
	"github.com/tradefabric/tradefabric/internal/store"
)

// Session instants in the default Asia/Kolkata calendar.
var (
	kolkata      = mustLoadLocation("Asia/Kolkata")
	mondayOpen   = time.Date(2025, 6, 16, 10, 0, 0, 0, kolkata)
	saturdayNoon = time.Date(2025, 6, 14, 12, 0, 0, 0, kolkata)
)

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

func testDeps(t *testing.T, at time.Time) (Deps, *store.MemoryStores) {
	t.Helper()

	clk := clock.New()
	require.NoError(t, clk.SetVirtual(context.Background(), at))

	cal, err := market.NewCalendar(market.CalendarConfig{})
	require.NoError(t, err)

	stores := store.NewMemoryStores()
	deps := Deps{
		Clock:    clk,
		Calendar: cal,
		KV:       kv.NewMemory(),
		Bind: func(label string) BoundStores {
			return BoundStores{
				Decisions: store.ScopeDecisions(stores.Decisions, label),
				Trades:    store.ScopeTrades(stores.Trades, label),
			}
		},
	}
	return deps, stores
}

func TestSetManualLiveRequiresConfirmation(t *testing.T) {
	deps, _ := testDeps(t, mondayOpen)
	ctrl, err := NewController(SimClosed, deps)
	require.NoError(t, err)

	result, err := ctrl.SetManual(context.Background(), Live, false, nil)
	require.ErrorIs(t, err, ErrConfirmationRequired)
	assert.True(t, result.ConfirmationRequired)
	assert.False(t, result.Success)
	assert.Equal(t, SimClosed, ctrl.Current())
}

func TestSetManualLiveWithConfirmation(t *testing.T) {
	deps, _ := testDeps(t, mondayOpen)
	ctrl, err := NewController(SimClosed, deps)
	require.NoError(t, err)

	result, err := ctrl.SetManual(context.Background(), Live, true, nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, Live, result.Mode)
	assert.Equal(t, SimClosed, result.Previous)
	assert.Equal(t, Live, ctrl.Current())
	assert.Equal(t, "live", ctrl.Stores().Decisions.Mode())
}

func TestTickAutoSwitchesWithCalendar(t *testing.T) {
	deps, _ := testDeps(t, mondayOpen)
	clk := deps.Clock
	ctrl, err := NewController(SimClosed, deps)
	require.NoError(t, err)
	ctx := context.Background()

	// Open market: SIM_CLOSED -> SIM_OPEN.
	outcome, err := ctrl.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, outcome.Switched)
	assert.Equal(t, SimOpen, outcome.To)
	assert.Equal(t, market.StatusOpen, outcome.Status)

	// Still open: nothing to do.
	outcome, err = ctrl.Tick(ctx)
	require.NoError(t, err)
	assert.False(t, outcome.Switched)
	assert.Equal(t, "in_sync", outcome.Reason)

	// Weekend: SIM_OPEN -> SIM_CLOSED.
	require.NoError(t, clk.SetVirtual(ctx, saturdayNoon))
	outcome, err = ctrl.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, outcome.Switched)
	assert.Equal(t, SimClosed, outcome.To)
	assert.Equal(t, market.StatusClosedWeekend, outcome.Status)
}

func TestTickNeverEntersLiveAutomatically(t *testing.T) {
	deps, _ := testDeps(t, mondayOpen)
	ctrl, err := NewController(SimClosed, deps)
	require.NoError(t, err)
	ctx := context.Background()

	// Pin LIVE, clear the override, and verify the open market keeps LIVE
	// rather than demoting or re-promoting it.
	_, err = ctrl.SetManual(ctx, Live, true, nil)
	require.NoError(t, err)
	require.NoError(t, ctrl.ClearManual(ctx))

	outcome, err := ctrl.Tick(ctx)
	require.NoError(t, err)
	assert.False(t, outcome.Switched)
	assert.Equal(t, Live, ctrl.Current())

	// At close LIVE does auto-demote to SIM_CLOSED.
	require.NoError(t, deps.Clock.SetVirtual(ctx, saturdayNoon))
	outcome, err = ctrl.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, outcome.Switched)
	assert.Equal(t, SimClosed, outcome.To)
}

func TestManualOverrideBlocksAutoSwitch(t *testing.T) {
	deps, _ := testDeps(t, mondayOpen)
	ctrl, err := NewController(SimClosed, deps)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = ctrl.SetManual(ctx, SimClosed, false, nil)
	require.NoError(t, err)

	outcome, err := ctrl.Tick(ctx)
	require.NoError(t, err)
	assert.False(t, outcome.Switched)
	assert.Equal(t, "manual_override", outcome.Reason)
	assert.Equal(t, SimClosed, ctrl.Current())

	require.NoError(t, ctrl.ClearManual(ctx))
	outcome, err = ctrl.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, outcome.Switched)
	assert.Equal(t, SimOpen, outcome.To)
}

func TestOverrideSurvivesRestart(t *testing.T) {
	deps, _ := testDeps(t, mondayOpen)
	ctx := context.Background()

	first, err := NewController(SimClosed, deps)
	require.NoError(t, err)
	_, err = first.SetManual(ctx, Live, true, &ReplayWindow{StartDate: "2025-01-01", Interval: "1h"})
	require.NoError(t, err)

	// Same KV store, fresh process.
	second, err := NewController(SimClosed, deps)
	require.NoError(t, err)
	assert.Equal(t, Live, second.Current())

	info := second.ModeInfo(ctx)
	require.NotNil(t, info.ManualOverride)
	assert.Equal(t, "live", *info.ManualOverride)
	require.NotNil(t, info.HistoricalReplay)
	assert.Equal(t, "2025-01-01", info.HistoricalReplay.StartDate)
}

func TestBoundStoresStampModeLabel(t *testing.T) {
	deps, stores := testDeps(t, mondayOpen)
	ctrl, err := NewController(SimClosed, deps)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, ctrl.Stores().Decisions.PutDecision(ctx, store.DecisionRecord{ID: "d1"}))

	_, err = ctrl.SetManual(ctx, Live, true, nil)
	require.NoError(t, err)
	require.NoError(t, ctrl.Stores().Decisions.PutDecision(ctx, store.DecisionRecord{ID: "d2"}))

	simRecs, err := stores.Decisions.ListDecisions(ctx, store.DecisionFilter{Mode: "paper_mock"})
	require.NoError(t, err)
	liveRecs, err := stores.Decisions.ListDecisions(ctx, store.DecisionFilter{Mode: "live"})
	require.NoError(t, err)

	require.Len(t, simRecs, 1)
	assert.Equal(t, "d1", simRecs[0].ID)
	require.Len(t, liveRecs, 1)
	assert.Equal(t, "d2", liveRecs[0].ID)
}

func TestModeInfoSuggestsFromCalendar(t *testing.T) {
	deps, _ := testDeps(t, mondayOpen)
	ctrl, err := NewController(SimClosed, deps)
	require.NoError(t, err)

	info := ctrl.ModeInfo(context.Background())
	assert.Equal(t, "paper_mock", info.Label)
	assert.Equal(t, market.StatusOpen, info.CalendarStatus)
	assert.Equal(t, "paper_live", info.SuggestedMode)
	assert.Nil(t, info.ManualOverride)
}

func TestParseLabels(t *testing.T) {
	for _, m := range []Mode{SimClosed, SimOpen, Live} {
		got, err := Parse(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := Parse("margin")
	assert.Error(t, err)
}
