package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PgxIface is the subset of pgxpool.Pool the stores use; pgxmock implements
// it in unit tests.
type PgxIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Connect creates a PostgreSQL connection pool and verifies connectivity.
func Connect(ctx context.Context, dsn string, poolSize int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	if poolSize > 0 {
		cfg.MaxConns = int32(poolSize)
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().Msg("Database connection pool created")
	return pool, nil
}

// PostgresStores bundles the PostgreSQL implementations over one pool.
type PostgresStores struct {
	Decisions *PostgresDecisionStore
	Trades    *PostgresTradeStore
	Usage     *PostgresUsageStore
	Alerts    *PostgresAlertStore
	Audit     *PostgresAuditStore
}

// NewPostgresStores creates one of each store over db.
func NewPostgresStores(db PgxIface) *PostgresStores {
	return &PostgresStores{
		Decisions: &PostgresDecisionStore{db: db},
		Trades:    &PostgresTradeStore{db: db},
		Usage:     &PostgresUsageStore{db: db},
		Alerts:    &PostgresAlertStore{db: db},
		Audit:     &PostgresAuditStore{db: db},
	}
}

// PostgresDecisionStore persists decisions and discussions.
type PostgresDecisionStore struct {
	db PgxIface
}

func (s *PostgresDecisionStore) PutDecision(ctx context.Context, rec DecisionRecord) error {
	query := `
		INSERT INTO decisions (id, cycle_id, instrument, final_signal, confidence, reasoning, agent_signals, mode, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.db.Exec(ctx, query,
		rec.ID, rec.CycleID, rec.Instrument, rec.FinalSignal, rec.Confidence,
		rec.Reasoning, rec.AgentSignals, rec.Mode, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert decision: %w", err)
	}
	return nil
}

func (s *PostgresDecisionStore) PutDiscussion(ctx context.Context, rec DiscussionRecord) error {
	query := `
		INSERT INTO discussions (id, cycle_id, agent_name, phase, signal, confidence, weight, reasoning, indicators, instrument, mode, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := s.db.Exec(ctx, query,
		rec.ID, rec.CycleID, rec.AgentName, rec.Phase, rec.Signal, rec.Confidence,
		rec.Weight, rec.Reasoning, rec.Indicators, rec.Instrument, rec.Mode, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert discussion: %w", err)
	}
	return nil
}

func (s *PostgresDecisionStore) ListDecisions(ctx context.Context, filter DecisionFilter) ([]DecisionRecord, error) {
	query := `
		SELECT id, cycle_id, instrument, final_signal, confidence, reasoning, agent_signals, mode, created_at
		FROM decisions
	`
	query, args := applyDecisionFilter(query, filter)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}
	defer rows.Close()

	out := make([]DecisionRecord, 0)
	for rows.Next() {
		var rec DecisionRecord
		if err := rows.Scan(&rec.ID, &rec.CycleID, &rec.Instrument, &rec.FinalSignal,
			&rec.Confidence, &rec.Reasoning, &rec.AgentSignals, &rec.Mode, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresDecisionStore) ListDiscussions(ctx context.Context, filter DecisionFilter) ([]DiscussionRecord, error) {
	query := `
		SELECT id, cycle_id, agent_name, phase, signal, confidence, weight, reasoning, indicators, instrument, mode, created_at
		FROM discussions
	`
	query, args := applyDecisionFilter(query, filter)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list discussions: %w", err)
	}
	defer rows.Close()

	out := make([]DiscussionRecord, 0)
	for rows.Next() {
		var rec DiscussionRecord
		if err := rows.Scan(&rec.ID, &rec.CycleID, &rec.AgentName, &rec.Phase, &rec.Signal,
			&rec.Confidence, &rec.Weight, &rec.Reasoning, &rec.Indicators,
			&rec.Instrument, &rec.Mode, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan discussion: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// applyDecisionFilter appends WHERE/ORDER BY/LIMIT clauses.
func applyDecisionFilter(query string, filter DecisionFilter) (string, []any) {
	var clauses []string
	var args []any

	if filter.Instrument != "" {
		args = append(args, filter.Instrument)
		clauses = append(clauses, fmt.Sprintf("instrument = $%d", len(args)))
	}
	if filter.Mode != "" {
		args = append(args, filter.Mode)
		clauses = append(clauses, fmt.Sprintf("mode = $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args
}

// PostgresTradeStore persists trades and position snapshots.
type PostgresTradeStore struct {
	db PgxIface
}

func (s *PostgresTradeStore) PutTrade(ctx context.Context, rec TradeRecord) error {
	query := `
		INSERT INTO trades (id, position_id, instrument, side, quantity, entry_price, exit_price, pnl, commission, reason, mode, opened_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := s.db.Exec(ctx, query,
		rec.ID, rec.PositionID, rec.Instrument, rec.Side, rec.Quantity, rec.EntryPrice,
		rec.ExitPrice, rec.PnL, rec.Commission, rec.Reason, rec.Mode, rec.OpenedAt, rec.ClosedAt)
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

func (s *PostgresTradeStore) ListTrades(ctx context.Context, filter TradeFilter) ([]TradeRecord, error) {
	query := `
		SELECT id, position_id, instrument, side, quantity, entry_price, exit_price, pnl, commission, reason, mode, opened_at, closed_at
		FROM trades
	`
	var clauses []string
	var args []any
	if filter.Instrument != "" {
		args = append(args, filter.Instrument)
		clauses = append(clauses, fmt.Sprintf("instrument = $%d", len(args)))
	}
	if filter.Mode != "" {
		args = append(args, filter.Mode)
		clauses = append(clauses, fmt.Sprintf("mode = $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY opened_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	defer rows.Close()

	out := make([]TradeRecord, 0)
	for rows.Next() {
		var rec TradeRecord
		if err := rows.Scan(&rec.ID, &rec.PositionID, &rec.Instrument, &rec.Side, &rec.Quantity,
			&rec.EntryPrice, &rec.ExitPrice, &rec.PnL, &rec.Commission, &rec.Reason,
			&rec.Mode, &rec.OpenedAt, &rec.ClosedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresTradeStore) PutPosition(ctx context.Context, rec PositionRecord) error {
	query := `
		INSERT INTO positions (id, instrument, side, quantity, entry_price, current_price, stop_loss, take_profit, status, entry_at, exit_at, exit_price, commission, tags, mode)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err := s.db.Exec(ctx, query,
		rec.ID, rec.Instrument, rec.Side, rec.Quantity, rec.EntryPrice, rec.CurrentPrice,
		rec.StopLoss, rec.TakeProfit, rec.Status, rec.EntryAt, rec.ExitAt, rec.ExitPrice,
		rec.Commission, rec.Tags, rec.Mode)
	if err != nil {
		return fmt.Errorf("failed to insert position: %w", err)
	}
	return nil
}

func (s *PostgresTradeStore) UpdatePosition(ctx context.Context, rec PositionRecord) error {
	query := `
		UPDATE positions
		SET current_price = $2, stop_loss = $3, take_profit = $4, status = $5, exit_at = $6, exit_price = $7
		WHERE id = $1
	`
	tag, err := s.db.Exec(ctx, query,
		rec.ID, rec.CurrentPrice, rec.StopLoss, rec.TakeProfit, rec.Status, rec.ExitAt, rec.ExitPrice)
	if err != nil {
		return fmt.Errorf("failed to update position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresTradeStore) ListPositions(ctx context.Context, filter PositionFilter) ([]PositionRecord, error) {
	query := `
		SELECT id, instrument, side, quantity, entry_price, current_price, stop_loss, take_profit, status, entry_at, exit_at, exit_price, commission, tags, mode
		FROM positions
	`
	var clauses []string
	var args []any
	if filter.Instrument != "" {
		args = append(args, filter.Instrument)
		clauses = append(clauses, fmt.Sprintf("instrument = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Mode != "" {
		args = append(args, filter.Mode)
		clauses = append(clauses, fmt.Sprintf("mode = $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY entry_at"

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	defer rows.Close()

	out := make([]PositionRecord, 0)
	for rows.Next() {
		var rec PositionRecord
		if err := rows.Scan(&rec.ID, &rec.Instrument, &rec.Side, &rec.Quantity, &rec.EntryPrice,
			&rec.CurrentPrice, &rec.StopLoss, &rec.TakeProfit, &rec.Status, &rec.EntryAt,
			&rec.ExitAt, &rec.ExitPrice, &rec.Commission, &rec.Tags, &rec.Mode); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PostgresUsageStore upserts daily provider usage.
type PostgresUsageStore struct {
	db PgxIface
}

func (s *PostgresUsageStore) IncrementUsage(ctx context.Context, provider, date string, requests int, tokens int64) error {
	query := `
		INSERT INTO provider_usage (provider, usage_date, requests, tokens)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, usage_date)
		DO UPDATE SET requests = provider_usage.requests + $3, tokens = provider_usage.tokens + $4
	`
	if _, err := s.db.Exec(ctx, query, provider, date, requests, tokens); err != nil {
		return fmt.Errorf("failed to increment usage: %w", err)
	}
	return nil
}

func (s *PostgresUsageStore) GetUsage(ctx context.Context, provider, date string) (UsageRecord, error) {
	query := `
		SELECT provider, usage_date, requests, tokens
		FROM provider_usage
		WHERE provider = $1 AND usage_date = $2
	`
	var rec UsageRecord
	err := s.db.QueryRow(ctx, query, provider, date).Scan(&rec.Provider, &rec.Date, &rec.Requests, &rec.Tokens)
	if errors.Is(err, pgx.ErrNoRows) {
		return UsageRecord{}, ErrNotFound
	}
	if err != nil {
		return UsageRecord{}, fmt.Errorf("failed to get usage: %w", err)
	}
	return rec, nil
}

// PostgresAlertStore persists routed alerts.
type PostgresAlertStore struct {
	db PgxIface
}

func (s *PostgresAlertStore) PutAlert(ctx context.Context, rec AlertRecord) error {
	query := `
		INSERT INTO alerts (id, type, message, severity, details, source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := s.db.Exec(ctx, query,
		rec.ID, rec.Type, rec.Message, rec.Severity, rec.Details, rec.Source, rec.Timestamp); err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

func (s *PostgresAlertStore) ListAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	query := `
		SELECT id, type, message, severity, details, source, created_at
		FROM alerts
		ORDER BY created_at DESC
	`
	var args []any
	if limit > 0 {
		args = append(args, limit)
		query += " LIMIT $1"
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	out := make([]AlertRecord, 0)
	for rows.Next() {
		var rec AlertRecord
		if err := rows.Scan(&rec.ID, &rec.Type, &rec.Message, &rec.Severity,
			&rec.Details, &rec.Source, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PostgresAuditStore persists operator audit events.
type PostgresAuditStore struct {
	db PgxIface
}

func (s *PostgresAuditStore) PutEvent(ctx context.Context, rec AuditRecord) error {
	query := `
		INSERT INTO audit_events (id, action, actor, details, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := s.db.Exec(ctx, query,
		rec.ID, rec.Action, rec.Actor, rec.Details, rec.Timestamp); err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

var (
	_ DecisionStore = (*PostgresDecisionStore)(nil)
	_ TradeStore    = (*PostgresTradeStore)(nil)
	_ UsageStore    = (*PostgresUsageStore)(nil)
	_ AlertStore    = (*PostgresAlertStore)(nil)
	_ AuditStore    = (*PostgresAuditStore)(nil)
)
