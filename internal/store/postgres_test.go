package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStores(t *testing.T) (*PostgresStores, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresStores(mock), mock
}

func TestPostgresDecisionStorePutDecision(t *testing.T) {
	stores, mock := newMockStores(t)

	rec := DecisionRecord{
		ID:          uuid.NewString(),
		CycleID:     uuid.NewString(),
		Instrument:  "NIFTY",
		FinalSignal: "BUY",
		Confidence:  0.78,
		Reasoning:   "consensus",
		Mode:        "paper_mock",
		Timestamp:   time.Now(),
	}

	mock.ExpectExec("INSERT INTO decisions").
		WithArgs(rec.ID, rec.CycleID, rec.Instrument, rec.FinalSignal, rec.Confidence,
			rec.Reasoning, rec.AgentSignals, rec.Mode, rec.Timestamp).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, stores.Decisions.PutDecision(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUsageStoreUpsert(t *testing.T) {
	stores, mock := newMockStores(t)

	mock.ExpectExec("INSERT INTO provider_usage").
		WithArgs("groq", "2024-01-08", 1, int64(150)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, stores.Usage.IncrementUsage(context.Background(), "groq", "2024-01-08", 1, 150))

	mock.ExpectQuery("SELECT provider, usage_date, requests, tokens").
		WithArgs("groq", "2024-01-08").
		WillReturnRows(pgxmock.NewRows([]string{"provider", "usage_date", "requests", "tokens"}).
			AddRow("groq", "2024-01-08", 3, int64(450)))

	rec, err := stores.Usage.GetUsage(context.Background(), "groq", "2024-01-08")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Requests)
	assert.Equal(t, int64(450), rec.Tokens)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUsageStoreMissingRowIsNotFound(t *testing.T) {
	stores, mock := newMockStores(t)

	mock.ExpectQuery("SELECT provider, usage_date, requests, tokens").
		WithArgs("groq", "2024-01-09").
		WillReturnRows(pgxmock.NewRows([]string{"provider", "usage_date", "requests", "tokens"}))

	_, err := stores.Usage.GetUsage(context.Background(), "groq", "2024-01-09")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresTradeStoreUpdateMissingPosition(t *testing.T) {
	stores, mock := newMockStores(t)

	rec := PositionRecord{ID: uuid.NewString(), Status: "CLOSED", CurrentPrice: 99}
	mock.ExpectExec("UPDATE positions").
		WithArgs(rec.ID, rec.CurrentPrice, rec.StopLoss, rec.TakeProfit, rec.Status, rec.ExitAt, rec.ExitPrice).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := stores.Trades.UpdatePosition(context.Background(), rec)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresAlertStorePut(t *testing.T) {
	stores, mock := newMockStores(t)

	rec := AlertRecord{
		ID: uuid.NewString(), Type: "provider_rate_limited", Message: "cooling down",
		Severity: "WARNING", Source: "provider_router", Timestamp: time.Now(),
	}
	mock.ExpectExec("INSERT INTO alerts").
		WithArgs(rec.ID, rec.Type, rec.Message, rec.Severity, rec.Details, rec.Source, rec.Timestamp).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, stores.Alerts.PutAlert(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}
