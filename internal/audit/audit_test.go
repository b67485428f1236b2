package audit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradefabric/tradefabric/internal/clock"
	"github.com/tradefabric/tradefabric/internal/store"
)

func frozenClock(t *testing.T) *clock.Clock {
	t.Helper()
	clk := clock.New()
	at := time.Date(2025, 6, 16, 10, 0, 0, 0, time.UTC)
	require.NoError(t, clk.SetVirtual(context.Background(), at))
	return clk
}

func TestRecordPersistsEvent(t *testing.T) {
	s := store.NewMemoryAuditStore()
	trail := NewTrail(s, frozenClock(t))

	err := trail.Record(context.Background(), ActionModeOverride, "ops@desk", map[string]any{
		"from": "paper_mock",
		"to":   "paper_live",
	})
	require.NoError(t, err)

	events := s.Events()
	require.Len(t, events, 1)
	assert.Equal(t, ActionModeOverride, events[0].Action)
	assert.Equal(t, "ops@desk", events[0].Actor)
	assert.NotEmpty(t, events[0].ID)
	assert.Equal(t, 2025, events[0].Timestamp.Year())

	var details map[string]any
	require.NoError(t, json.Unmarshal(events[0].Details, &details))
	assert.Equal(t, "paper_live", details["to"])
}

func TestRecordWithoutStoreIsLogOnly(t *testing.T) {
	trail := NewTrail(nil, nil)
	assert.NoError(t, trail.Record(context.Background(), ActionCycleTriggered, "api", nil))
}

func TestRecordTimedAddsDuration(t *testing.T) {
	s := store.NewMemoryAuditStore()
	trail := NewTrail(s, frozenClock(t))

	err := trail.RecordTimed(context.Background(), ActionBalanceSet, "api", nil, 42*time.Millisecond)
	require.NoError(t, err)

	events := s.Events()
	require.Len(t, events, 1)

	var details map[string]any
	require.NoError(t, json.Unmarshal(events[0].Details, &details))
	assert.EqualValues(t, 42, details["duration_ms"])
}
