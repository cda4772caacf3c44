package quant

import (
	"math"

	"eth-trading-agent/internal/database"
)

// Signal actions
const (
	ActionBuy  = "buy"
	ActionSell = "sell"
	ActionHold = "hold"
)

// Signal is one strategy's verdict on a candle series
type Signal struct {
	Strategy   string             `json:"strategy"`
	Category   string             `json:"category"`
	Action     string             `json:"action"`
	Strength   float64            `json:"strength"` // 0..1, rounded to 4 decimals
	Indicators map[string]float64 `json:"indicators,omitempty"`
	Reason     string             `json:"reason,omitempty"`
}

// Strategy computes a signal from a candle series
type Strategy interface {
	Name() string
	Category() string
	MinKlines() int
	Compute(candles []database.Kline) Signal
}

// AllStrategies returns the daily strategy set in evaluation order
func AllStrategies() []Strategy {
	return []Strategy{
		NewEMAADXStrategy(),
		NewSupertrendStrategy(),
		NewDonchianStrategy(),
	}
}

func series(candles []database.Kline) (highs, lows, closes []float64) {
	highs = make([]float64, len(candles))
	lows = make([]float64, len(candles))
	closes = make([]float64, len(candles))
	for i, c := range candles {
		highs[i] = c.High
		lows[i] = c.Low
		closes[i] = c.Close
	}
	return highs, lows, closes
}

func holdSignal(name, category, reason string) Signal {
	return Signal{
		Strategy: name,
		Category: category,
		Action:   ActionHold,
		Strength: 0,
		Reason:   reason,
	}
}

// emaADXStrategy trades the EMA20/EMA50 gap filtered by trend strength (ADX14)
type emaADXStrategy struct{}

func NewEMAADXStrategy() Strategy { return &emaADXStrategy{} }

func (s *emaADXStrategy) Name() string     { return "ema_adx_daily" }
func (s *emaADXStrategy) Category() string { return "trend_following" }
func (s *emaADXStrategy) MinKlines() int   { return 60 }

func (s *emaADXStrategy) Compute(candles []database.Kline) Signal {
	if len(candles) < s.MinKlines() {
		return holdSignal(s.Name(), s.Category(), "insufficient_klines_for_ema_adx")
	}

	highs, lows, closes := series(candles)

	emaFast := EMA(closes, 20)
	emaSlow := EMA(closes, 50)
	fast := emaFast[len(emaFast)-1]
	slow := emaSlow[len(emaSlow)-1]

	if fast <= 0 || slow <= 0 {
		return holdSignal(s.Name(), s.Category(), "invalid_indicator_values")
	}

	adx := ADX(highs, lows, closes, 14)
	gap := (fast - slow) / slow

	action := ActionHold
	if adx >= 25 && gap > 0 {
		action = ActionBuy
	} else if adx >= 25 && gap < 0 {
		action = ActionSell
	}

	// Strength reflects the gap and trend quality even when the ADX gate
	// holds the action back; the aggregate ignores it for holds
	strength := clip01(math.Abs(gap)*14 + math.Max(0, adx-20)/40)

	return Signal{
		Strategy: s.Name(),
		Category: s.Category(),
		Action:   action,
		Strength: round(strength, 4),
		Indicators: map[string]float64{
			"ema20":   round(fast, 6),
			"ema50":   round(slow, 6),
			"adx":     round(adx, 6),
			"ema_gap": round(gap, 6),
		},
	}
}

// supertrendStrategy follows the ATR(10) x3 carry-forward band flip
type supertrendStrategy struct{}

func NewSupertrendStrategy() Strategy { return &supertrendStrategy{} }

func (s *supertrendStrategy) Name() string     { return "supertrend_daily" }
func (s *supertrendStrategy) Category() string { return "volatility" }
func (s *supertrendStrategy) MinKlines() int   { return 30 }

const (
	supertrendPeriod     = 10
	supertrendMultiplier = 3.0
)

func (s *supertrendStrategy) Compute(candles []database.Kline) Signal {
	if len(candles) < s.MinKlines() {
		return holdSignal(s.Name(), s.Category(), "insufficient_klines_for_supertrend")
	}

	highs, lows, closes := series(candles)
	atr := ATR(highs, lows, closes, supertrendPeriod)
	if atr == nil {
		return holdSignal(s.Name(), s.Category(), "invalid_indicator_values")
	}

	n := len(closes)
	finalUpper := make([]float64, n)
	finalLower := make([]float64, n)
	direction := make([]int, n)

	start := supertrendPeriod
	for i := start; i < n; i++ {
		hl2 := (highs[i] + lows[i]) / 2
		upper := hl2 + supertrendMultiplier*atr[i]
		lower := hl2 - supertrendMultiplier*atr[i]

		if i == start {
			finalUpper[i] = upper
			finalLower[i] = lower
			direction[i] = 1
			continue
		}

		// Bands only tighten unless price closed beyond the prior band
		if upper < finalUpper[i-1] || closes[i-1] > finalUpper[i-1] {
			finalUpper[i] = upper
		} else {
			finalUpper[i] = finalUpper[i-1]
		}
		if lower > finalLower[i-1] || closes[i-1] < finalLower[i-1] {
			finalLower[i] = lower
		} else {
			finalLower[i] = finalLower[i-1]
		}

		switch {
		case direction[i-1] == -1 && closes[i] > finalUpper[i]:
			direction[i] = 1
		case direction[i-1] == 1 && closes[i] < finalLower[i]:
			direction[i] = -1
		default:
			direction[i] = direction[i-1]
		}
	}

	last := n - 1
	line := finalUpper[last]
	action := ActionSell
	if direction[last] == 1 {
		line = finalLower[last]
		action = ActionBuy
	}

	close := closes[last]
	if close <= 0 {
		return holdSignal(s.Name(), s.Category(), "invalid_indicator_values")
	}

	distanceRatio := math.Abs(close-line) / close
	strength := clip01(distanceRatio * 25)

	return Signal{
		Strategy: s.Name(),
		Category: s.Category(),
		Action:   action,
		Strength: round(strength, 4),
		Indicators: map[string]float64{
			"supertrend":     round(line, 6),
			"direction":      float64(direction[last]),
			"distance_ratio": round(distanceRatio, 6),
		},
	}
}

// donchianStrategy signals on closes beyond the previous 20-bar channel
type donchianStrategy struct{}

func NewDonchianStrategy() Strategy { return &donchianStrategy{} }

func (s *donchianStrategy) Name() string     { return "donchian_breakout_daily" }
func (s *donchianStrategy) Category() string { return "breakout" }
func (s *donchianStrategy) MinKlines() int   { return 25 }

const donchianPeriod = 20

func (s *donchianStrategy) Compute(candles []database.Kline) Signal {
	if len(candles) < s.MinKlines() {
		return holdSignal(s.Name(), s.Category(), "insufficient_klines_for_donchian")
	}

	highs, lows, closes := series(candles)
	last := len(closes) - 1

	// Channel over the 20 bars preceding the current one
	upper, lower, ok := RollingExtremes(highs, lows, last, donchianPeriod)
	if !ok {
		return holdSignal(s.Name(), s.Category(), "invalid_indicator_values")
	}

	close := closes[last]
	if close <= 0 {
		return holdSignal(s.Name(), s.Category(), "invalid_indicator_values")
	}

	action := ActionHold
	breakoutPct := 0.0
	switch {
	case close > upper:
		action = ActionBuy
		breakoutPct = (close - upper) / close
	case close < lower:
		action = ActionSell
		breakoutPct = (lower - close) / close
	}

	strength := 0.0
	if action != ActionHold {
		strength = clip01(breakoutPct * 35)
	}

	return Signal{
		Strategy: s.Name(),
		Category: s.Category(),
		Action:   action,
		Strength: round(strength, 4),
		Indicators: map[string]float64{
			"upper":        round(upper, 6),
			"lower":        round(lower, 6),
			"breakout_pct": round(breakoutPct, 6),
		},
	}
}
