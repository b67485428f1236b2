package indicators

import (
	"fmt"

	"github.com/cinar/indicator/v2/momentum"
)

// RSI returns the relative strength index series for prices.
func RSI(prices []float64, period int) ([]float64, error) {
	if err := checkPeriod(period, len(prices)); err != nil {
		return nil, fmt.Errorf("rsi: %w", err)
	}
	values := collect(momentum.NewRsiWithPeriod[float64](period).Compute(feed(prices)))
	if len(values) == 0 {
		return nil, fmt.Errorf("rsi: no values for period %d", period)
	}
	return values, nil
}
