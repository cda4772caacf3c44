package quant

import (
	"math"

	"eth-trading-agent/internal/database"
)

// Composite score thresholds for the aggregate action
const (
	buyThreshold  = 0.20
	sellThreshold = -0.20
)

// Per-strategy weights in the composite. Unknown strategies weigh 1.0.
var strategyWeights = map[string]float64{
	"ema_adx_daily":           0.45,
	"supertrend_daily":        0.35,
	"donchian_breakout_daily": 0.20,
}

// Summary is the weighted fusion of all strategy signals
type Summary struct {
	CompositeScore float64 `json:"composite_score"` // -1..1, rounded to 6 decimals
	Action         string  `json:"action"`
	Confidence     float64 `json:"confidence"` // rounded to 3 decimals
	ActiveSignals  int     `json:"active_signals"`
	TotalSignals   int     `json:"total_signals"`
}

// Snapshot bundles the per-strategy signals with their fusion
type Snapshot struct {
	Symbol    string   `json:"symbol"`
	Timeframe string   `json:"timeframe"`
	Signals   []Signal `json:"signals"`
	Summary   Summary  `json:"summary"`
}

// Summarize fuses strategy signals into a weighted composite score.
// Buys contribute +strength, sells -strength, holds zero. An empty signal
// list yields a neutral hold at base confidence.
func Summarize(signals []Signal) Summary {
	if len(signals) == 0 {
		return Summary{Action: ActionHold, CompositeScore: 0.0, Confidence: 0.45}
	}

	var weightSum, scoreSum float64
	active := 0
	for _, sig := range signals {
		weight, ok := strategyWeights[sig.Strategy]
		if !ok {
			weight = 1.0
		}
		weightSum += weight

		switch sig.Action {
		case ActionBuy:
			scoreSum += weight * sig.Strength
			active++
		case ActionSell:
			scoreSum -= weight * sig.Strength
			active++
		}
	}

	composite := 0.0
	if weightSum > 0 {
		composite = scoreSum / weightSum
	}

	action := ActionHold
	if composite >= buyThreshold {
		action = ActionBuy
	} else if composite <= sellThreshold {
		action = ActionSell
	}

	confidence := 0.45 + math.Abs(composite)*0.75
	if active > 1 {
		confidence += float64(active-1) * 0.05
	}
	if confidence > 0.95 {
		confidence = 0.95
	}

	return Summary{
		CompositeScore: round(composite, 6),
		Action:         action,
		Confidence:     round(confidence, 3),
		ActiveSignals:  active,
		TotalSignals:   len(signals),
	}
}

// BuildSnapshot runs every strategy over the candles and fuses the results
func BuildSnapshot(symbol, timeframe string, candles []database.Kline) Snapshot {
	strategies := AllStrategies()
	signals := make([]Signal, 0, len(strategies))
	for _, s := range strategies {
		signals = append(signals, s.Compute(candles))
	}

	return Snapshot{
		Symbol:    symbol,
		Timeframe: timeframe,
		Signals:   signals,
		Summary:   Summarize(signals),
	}
}
