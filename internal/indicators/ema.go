package indicators

import (
	"fmt"

	"github.com/cinar/indicator/v2/trend"
)

// EMA returns the exponential moving average series for prices.
func EMA(prices []float64, period int) ([]float64, error) {
	if err := checkPeriod(period, len(prices)); err != nil {
		return nil, fmt.Errorf("ema: %w", err)
	}
	values := collect(trend.NewEmaWithPeriod[float64](period).Compute(feed(prices)))
	if len(values) == 0 {
		return nil, fmt.Errorf("ema: no values for period %d", period)
	}
	return values, nil
}
