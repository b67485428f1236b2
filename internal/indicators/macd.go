package indicators

import (
	"fmt"

	"github.com/cinar/indicator/v2/trend"
)

// MACD returns the MACD and signal line series for prices. The two series
// share a length.
func MACD(prices []float64, fast, slow, signal int) (macdLine, signalLine []float64, err error) {
	if fast >= slow {
		return nil, nil, fmt.Errorf("macd: fast period %d must be below slow period %d", fast, slow)
	}
	if err := checkPeriod(slow+signal, len(prices)); err != nil {
		return nil, nil, fmt.Errorf("macd: %w", err)
	}

	macdChan, signalChan := trend.NewMacdWithPeriod[float64](fast, slow, signal).Compute(feed(prices))
	for {
		m, mok := <-macdChan
		s, sok := <-signalChan
		if !mok || !sok {
			break
		}
		macdLine = append(macdLine, m)
		signalLine = append(signalLine, s)
	}
	if len(signalLine) == 0 {
		return nil, nil, fmt.Errorf("macd: no values for periods %d/%d/%d", fast, slow, signal)
	}
	return macdLine, signalLine, nil
}
