package indicators

import (
	"fmt"
	"math"
)

// ADX returns the most recent average directional index value. The library
// carries no ADX, so the classic Wilder construction lives here.
func ADX(highs, lows, closes []float64, period int) (float64, error) {
	n := len(closes)
	if len(highs) != n || len(lows) != n {
		return 0, fmt.Errorf("adx: high/low/close lengths differ (%d/%d/%d)", len(highs), len(lows), n)
	}
	if period < 1 {
		return 0, fmt.Errorf("adx: invalid period %d", period)
	}
	// Double the period for the second smoothing pass.
	if n < period*2 {
		return 0, fmt.Errorf("adx: need at least %d bars, have %d", period*2, n)
	}

	tr := make([]float64, n)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	for i := 1; i < n; i++ {
		tr[i] = math.Max(highs[i]-lows[i],
			math.Max(math.Abs(highs[i]-closes[i-1]), math.Abs(lows[i]-closes[i-1])))

		up := highs[i] - highs[i-1]
		down := lows[i-1] - lows[i]
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
	}

	smoothTR := wilderSmooth(tr, period)
	smoothPlus := wilderSmooth(plusDM, period)
	smoothMinus := wilderSmooth(minusDM, period)

	dx := make([]float64, n)
	for i := period; i < n; i++ {
		if smoothTR[i] == 0 {
			continue
		}
		plusDI := 100 * smoothPlus[i] / smoothTR[i]
		minusDI := 100 * smoothMinus[i] / smoothTR[i]
		if sum := plusDI + minusDI; sum != 0 {
			dx[i] = 100 * math.Abs(plusDI-minusDI) / sum
		}
	}

	adx := wilderSmooth(dx, period)
	return adx[n-1], nil
}

// wilderSmooth seeds with a simple average over the first period, then
// applies Wilder's recursive smoothing.
func wilderSmooth(data []float64, period int) []float64 {
	n := len(data)
	out := make([]float64, n)
	if n < period {
		return out
	}

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += data[i]
	}
	out[period-1] = sum / float64(period)

	for i := period; i < n; i++ {
		out[i] = (out[i-1]*float64(period-1) + data[i]) / float64(period)
	}
	return out
}
