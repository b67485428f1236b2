//go:build integration

package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/lib/pq"
)

// startPostgres runs a disposable PostgreSQL container and applies the
// migrations. Requires Docker; run with -tags integration.
func startPostgres(t *testing.T) *PostgresStores {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("tradefabric_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	sqlDB, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	require.NoError(t, NewMigrator(sqlDB, "../../migrations").Migrate(ctx))
	require.NoError(t, sqlDB.Close())

	pool, err := Connect(ctx, dsn, 4)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return NewPostgresStores(pool)
}

func TestPostgresStoresRoundTrip(t *testing.T) {
	stores := startPostgres(t)
	ctx := context.Background()

	cycleID := uuid.NewString()
	decision := DecisionRecord{
		ID: uuid.NewString(), CycleID: cycleID, Instrument: "NIFTY",
		FinalSignal: "BUY", Confidence: 0.75, Reasoning: "consensus",
		Mode: "paper_mock", Timestamp: time.Now().UTC(),
	}
	require.NoError(t, stores.Decisions.PutDecision(ctx, decision))

	decisions, err := stores.Decisions.ListDecisions(ctx, DecisionFilter{Instrument: "NIFTY", Mode: "paper_mock"})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, decision.FinalSignal, decisions[0].FinalSignal)

	posID := uuid.NewString()
	stop := 98.0
	require.NoError(t, stores.Trades.PutPosition(ctx, PositionRecord{
		ID: posID, Instrument: "NIFTY", Side: "BUY", Quantity: 10,
		EntryPrice: 100, CurrentPrice: 100, StopLoss: &stop,
		Status: "ACTIVE", EntryAt: time.Now().UTC(), Mode: "paper_mock",
	}))

	exitPrice := 97.5
	exitAt := time.Now().UTC()
	require.NoError(t, stores.Trades.UpdatePosition(ctx, PositionRecord{
		ID: posID, CurrentPrice: 97.5, StopLoss: &stop,
		Status: "CLOSED", ExitAt: &exitAt, ExitPrice: &exitPrice,
	}))

	closed, err := stores.Trades.ListPositions(ctx, PositionFilter{Status: "CLOSED", Mode: "paper_mock"})
	require.NoError(t, err)
	require.Len(t, closed, 1)
	require.NotNil(t, closed[0].ExitPrice)
	assert.Equal(t, 97.5, *closed[0].ExitPrice)

	require.NoError(t, stores.Usage.IncrementUsage(ctx, "groq", "2024-01-08", 1, 100))
	require.NoError(t, stores.Usage.IncrementUsage(ctx, "groq", "2024-01-08", 1, 50))
	usage, err := stores.Usage.GetUsage(ctx, "groq", "2024-01-08")
	require.NoError(t, err)
	assert.Equal(t, 2, usage.Requests)
	assert.Equal(t, int64(150), usage.Tokens)
}
