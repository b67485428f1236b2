package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradefabric/tradefabric/internal/clock"
)

func TestPaperExecutorFillsAtPrice(t *testing.T) {
	clk := clock.New()
	at := time.Date(2025, 6, 16, 10, 30, 0, 0, time.UTC)
	require.NoError(t, clk.SetVirtual(context.Background(), at))

	executor := NewPaperExecutor(0.001, clk)
	receipt, err := executor.Execute(context.Background(), OrderRequest{
		ClientOrderID: "c1",
		Instrument:    "NIFTY",
		Side:          OrderBuy,
		Quantity:      100,
		LimitPrice:    250.5,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, receipt.OrderID)
	assert.Equal(t, 250.5, receipt.FillPrice)
	assert.Equal(t, 100, receipt.Quantity)
	assert.InDelta(t, 25.05, receipt.Commission, 1e-9)
	assert.Equal(t, at, receipt.ExecutedAt)
}

func TestPaperExecutorIdempotentByClientOrderID(t *testing.T) {
	executor := NewPaperExecutor(0, nil)
	req := OrderRequest{ClientOrderID: "dup", Instrument: "NIFTY", Side: OrderSell, Quantity: 5, LimitPrice: 100}

	first, err := executor.Execute(context.Background(), req)
	require.NoError(t, err)
	second, err := executor.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Same(t, first, second)
}

func TestPaperExecutorRejectsBadOrders(t *testing.T) {
	executor := NewPaperExecutor(0, nil)
	ctx := context.Background()

	_, err := executor.Execute(ctx, OrderRequest{Side: OrderBuy, Quantity: 0, LimitPrice: 100})
	assert.Error(t, err)

	_, err = executor.Execute(ctx, OrderRequest{Side: OrderBuy, Quantity: 1, LimitPrice: 0})
	assert.Error(t, err)

	_, err = executor.Execute(ctx, OrderRequest{Side: "HOLD", Quantity: 1, LimitPrice: 100})
	assert.Error(t, err)
}
