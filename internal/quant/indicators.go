package quant

import "math"

// EMA calculates the exponential moving average series for the given period.
// Entries before the first full period are seeded with a simple average.
func EMA(values []float64, period int) []float64 {
	if len(values) < period || period <= 0 {
		return nil
	}

	ema := make([]float64, len(values))
	multiplier := 2.0 / (float64(period) + 1.0)

	var sum float64
	for i := 0; i < period; i++ {
		sum += values[i]
		ema[i] = sum / float64(i+1)
	}
	ema[period-1] = sum / float64(period)

	for i := period; i < len(values); i++ {
		ema[i] = (values[i]-ema[i-1])*multiplier + ema[i-1]
	}
	return ema
}

// SMA calculates the simple moving average of the last `period` values
func SMA(values []float64, period int) float64 {
	if len(values) < period || period <= 0 {
		return 0
	}
	var sum float64
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period)
}

// trueRange returns the TR series. The first entry is high-low.
func trueRange(highs, lows, closes []float64) []float64 {
	tr := make([]float64, len(closes))
	for i := range closes {
		hl := highs[i] - lows[i]
		if i == 0 {
			tr[i] = hl
			continue
		}
		hc := math.Abs(highs[i] - closes[i-1])
		lc := math.Abs(lows[i] - closes[i-1])
		tr[i] = math.Max(hl, math.Max(hc, lc))
	}
	return tr
}

// ATR calculates the Wilder-smoothed average true range series
func ATR(highs, lows, closes []float64, period int) []float64 {
	if len(closes) < period+1 || period <= 0 {
		return nil
	}

	tr := trueRange(highs, lows, closes)
	atr := make([]float64, len(closes))

	var sum float64
	for i := 1; i <= period; i++ {
		sum += tr[i]
	}
	atr[period] = sum / float64(period)

	for i := period + 1; i < len(closes); i++ {
		atr[i] = (atr[i-1]*float64(period-1) + tr[i]) / float64(period)
	}
	return atr
}

// ADX calculates the Wilder average directional index. Returns the latest
// value, or 0 when there is not enough data.
func ADX(highs, lows, closes []float64, period int) float64 {
	n := len(closes)
	if n < 2*period+1 || period <= 0 {
		return 0
	}

	tr := trueRange(highs, lows, closes)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	for i := 1; i < n; i++ {
		up := highs[i] - highs[i-1]
		down := lows[i-1] - lows[i]
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
	}

	// Initial Wilder sums over the first period
	var trSum, plusSum, minusSum float64
	for i := 1; i <= period; i++ {
		trSum += tr[i]
		plusSum += plusDM[i]
		minusSum += minusDM[i]
	}

	dx := make([]float64, 0, n)
	for i := period + 1; i < n; i++ {
		trSum = trSum - trSum/float64(period) + tr[i]
		plusSum = plusSum - plusSum/float64(period) + plusDM[i]
		minusSum = minusSum - minusSum/float64(period) + minusDM[i]

		if trSum == 0 {
			dx = append(dx, 0)
			continue
		}
		plusDI := 100 * plusSum / trSum
		minusDI := 100 * minusSum / trSum
		sum := plusDI + minusDI
		if sum == 0 {
			dx = append(dx, 0)
			continue
		}
		dx = append(dx, 100*math.Abs(plusDI-minusDI)/sum)
	}

	if len(dx) < period {
		return 0
	}

	var adx float64
	for i := 0; i < period; i++ {
		adx += dx[i]
	}
	adx /= float64(period)
	for i := period; i < len(dx); i++ {
		adx = (adx*float64(period-1) + dx[i]) / float64(period)
	}
	return adx
}

// RollingExtremes returns the max high and min low over the previous `period`
// bars ending one bar before `index` (the current bar is excluded).
func RollingExtremes(highs, lows []float64, index, period int) (float64, float64, bool) {
	start := index - period
	if start < 0 || index > len(highs) {
		return 0, 0, false
	}

	upper := highs[start]
	lower := lows[start]
	for i := start + 1; i < index; i++ {
		if highs[i] > upper {
			upper = highs[i]
		}
		if lows[i] < lower {
			lower = lows[i]
		}
	}
	return upper, lower, true
}

func round(v float64, places int) float64 {
	factor := math.Pow(10, float64(places))
	return math.Round(v*factor) / factor
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
