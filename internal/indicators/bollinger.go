package indicators

import (
	"fmt"

	"github.com/cinar/indicator/v2/volatility"
)

// Bollinger returns the lower, middle, and upper band series for prices.
// The bands use the library's fixed two standard deviations.
func Bollinger(prices []float64, period int) (lower, middle, upper []float64, err error) {
	if err := checkPeriod(period, len(prices)); err != nil {
		return nil, nil, nil, fmt.Errorf("bollinger: %w", err)
	}

	lowerChan, middleChan, upperChan := volatility.NewBollingerBandsWithPeriod[float64](period).Compute(feed(prices))
	for {
		l, lok := <-lowerChan
		m, mok := <-middleChan
		u, uok := <-upperChan
		if !lok || !mok || !uok {
			break
		}
		lower = append(lower, l)
		middle = append(middle, m)
		upper = append(upper, u)
	}
	if len(middle) == 0 {
		return nil, nil, nil, fmt.Errorf("bollinger: no values for period %d", period)
	}
	return lower, middle, upper, nil
}
