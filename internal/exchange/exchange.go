// Package exchange defines the order execution seam. The core only ever
// talks to an OrderExecutor; broker adapters live outside the engine.
package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tradefabric/tradefabric/internal/clock"
)

// OrderSide is the execution direction.
type OrderSide string

const (
	OrderBuy  OrderSide = "BUY"
	OrderSell OrderSide = "SELL"
)

// OrderRequest is one order submitted for execution. ClientOrderID makes
// submission idempotent: re-submitting the same ID returns the original
// receipt instead of filling twice.
type OrderRequest struct {
	ClientOrderID string
	Instrument    string
	Side          OrderSide
	Quantity      int
	LimitPrice    float64 // reference price; the paper executor fills at it
}

// ExecutionReceipt reports a fill.
type ExecutionReceipt struct {
	OrderID       string
	ClientOrderID string
	Instrument    string
	Side          OrderSide
	Quantity      int
	FillPrice     float64
	Commission    float64
	ExecutedAt    time.Time
}

// OrderExecutor fills orders. The paper executor serves SIM modes; a live
// broker adapter implements the same surface out of tree.
type OrderExecutor interface {
	Execute(ctx context.Context, req OrderRequest) (*ExecutionReceipt, error)
}

// PaperExecutor fills immediately at the request price plus commission.
type PaperExecutor struct {
	commissionPct float64
	clk           *clock.Clock
	log           zerolog.Logger

	mu    sync.Mutex
	fills map[string]*ExecutionReceipt // by ClientOrderID
}

// NewPaperExecutor creates the simulated executor.
func NewPaperExecutor(commissionPct float64, clk *clock.Clock) *PaperExecutor {
	if clk == nil {
		clk = clock.New()
	}
	return &PaperExecutor{
		commissionPct: commissionPct,
		clk:           clk,
		fills:         make(map[string]*ExecutionReceipt),
		log:           log.With().Str("component", "paper_executor").Logger(),
	}
}

// Execute fills the order at its limit price. Duplicate ClientOrderIDs
// return the original receipt.
func (p *PaperExecutor) Execute(_ context.Context, req OrderRequest) (*ExecutionReceipt, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("order quantity must be positive, got %d", req.Quantity)
	}
	if req.LimitPrice <= 0 {
		return nil, fmt.Errorf("order price must be positive, got %.4f", req.LimitPrice)
	}
	if req.Side != OrderBuy && req.Side != OrderSell {
		return nil, fmt.Errorf("invalid order side %q", req.Side)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if req.ClientOrderID != "" {
		if existing, ok := p.fills[req.ClientOrderID]; ok {
			p.log.Debug().Str("client_order_id", req.ClientOrderID).Msg("Duplicate order, returning original fill")
			return existing, nil
		}
	}

	receipt := &ExecutionReceipt{
		OrderID:       uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		Instrument:    req.Instrument,
		Side:          req.Side,
		Quantity:      req.Quantity,
		FillPrice:     req.LimitPrice,
		Commission:    float64(req.Quantity) * req.LimitPrice * p.commissionPct,
		ExecutedAt:    p.clk.Now(),
	}
	if req.ClientOrderID != "" {
		p.fills[req.ClientOrderID] = receipt
	}

	p.log.Info().
		Str("order_id", receipt.OrderID).
		Str("instrument", req.Instrument).
		Str("side", string(req.Side)).
		Int("quantity", req.Quantity).
		Float64("fill_price", receipt.FillPrice).
		Msg("Paper order filled")
	return receipt, nil
}
