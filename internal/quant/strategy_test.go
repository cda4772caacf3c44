package quant

import (
	"testing"
	"time"

	"eth-trading-agent/internal/database"
)

func makeCandles(n int, price func(i int) (open, high, low, close float64)) []database.Kline {
	candles := make([]database.Kline, n)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		o, h, l, c := price(i)
		candles[i] = database.Kline{
			Symbol:    "ETHUSDT",
			Timeframe: "1d",
			OpenTime:  base.AddDate(0, 0, i),
			Open:      o,
			High:      h,
			Low:       l,
			Close:     c,
			Volume:    1000,
		}
	}
	return candles
}

func uptrendCandles(n int) []database.Kline {
	return makeCandles(n, func(i int) (float64, float64, float64, float64) {
		c := 100.0 + float64(i)*2
		return c - 2, c + 1, c - 3, c
	})
}

func downtrendCandles(n int) []database.Kline {
	return makeCandles(n, func(i int) (float64, float64, float64, float64) {
		c := 300.0 - float64(i)*2
		return c + 2, c + 3, c - 1, c
	})
}

func flatCandles(n int) []database.Kline {
	return makeCandles(n, func(i int) (float64, float64, float64, float64) {
		return 100, 100, 100, 100
	})
}

func TestEMAADXBuysSustainedUptrend(t *testing.T) {
	signal := NewEMAADXStrategy().Compute(uptrendCandles(80))

	if signal.Action != ActionBuy {
		t.Errorf("expected buy in sustained uptrend, got %s (%s)", signal.Action, signal.Reason)
	}
	if signal.Strength <= 0 || signal.Strength > 1 {
		t.Errorf("strength out of range: %v", signal.Strength)
	}
	if signal.Indicators["ema_gap"] <= 0 {
		t.Errorf("expected positive ema gap, got %v", signal.Indicators["ema_gap"])
	}
}

func TestEMAADXSellsSustainedDowntrend(t *testing.T) {
	signal := NewEMAADXStrategy().Compute(downtrendCandles(80))

	if signal.Action != ActionSell {
		t.Errorf("expected sell in sustained downtrend, got %s", signal.Action)
	}
}

func TestEMAADXHoldKeepsComputedStrength(t *testing.T) {
	// A small drift in the last two bars opens the EMA gap, but ADX stays
	// far below the 25 gate: the action holds while strength reflects the gap
	candles := makeCandles(60, func(i int) (float64, float64, float64, float64) {
		c := 100.0
		if i >= 58 {
			c = 100.0 + float64(i-57)*0.4
		}
		return c, c + 1, c - 1, c
	})

	signal := NewEMAADXStrategy().Compute(candles)
	if signal.Action != ActionHold {
		t.Fatalf("expected hold under weak ADX, got %s", signal.Action)
	}
	if signal.Strength <= 0 {
		t.Errorf("hold must still carry the computed strength, got %v", signal.Strength)
	}
	if signal.Indicators["ema_gap"] <= 0 {
		t.Errorf("expected positive ema gap, got %v", signal.Indicators["ema_gap"])
	}
}

func TestEMAADXInsufficientData(t *testing.T) {
	signal := NewEMAADXStrategy().Compute(uptrendCandles(59))

	if signal.Action != ActionHold {
		t.Errorf("expected hold with insufficient data, got %s", signal.Action)
	}
	if signal.Strength != 0 {
		t.Errorf("expected zero strength, got %v", signal.Strength)
	}
	if signal.Reason != "insufficient_klines_for_ema_adx" {
		t.Errorf("unexpected reason %q", signal.Reason)
	}
}

func TestSupertrendFollowsTrendDirection(t *testing.T) {
	up := NewSupertrendStrategy().Compute(uptrendCandles(60))
	if up.Action != ActionBuy {
		t.Errorf("expected buy in uptrend, got %s", up.Action)
	}
	if up.Indicators["direction"] != 1 {
		t.Errorf("expected direction 1, got %v", up.Indicators["direction"])
	}

	down := NewSupertrendStrategy().Compute(downtrendCandles(60))
	if down.Action != ActionSell {
		t.Errorf("expected sell in downtrend, got %s", down.Action)
	}
	if down.Indicators["direction"] != -1 {
		t.Errorf("expected direction -1, got %v", down.Indicators["direction"])
	}
}

func TestSupertrendInsufficientData(t *testing.T) {
	signal := NewSupertrendStrategy().Compute(uptrendCandles(29))
	if signal.Action != ActionHold {
		t.Errorf("expected hold, got %s", signal.Action)
	}
}

func TestDonchianBreakout(t *testing.T) {
	up := NewDonchianStrategy().Compute(uptrendCandles(40))
	if up.Action != ActionBuy {
		t.Errorf("expected buy on upside breakout, got %s", up.Action)
	}
	if up.Indicators["breakout_pct"] <= 0 {
		t.Errorf("expected positive breakout pct, got %v", up.Indicators["breakout_pct"])
	}

	down := NewDonchianStrategy().Compute(downtrendCandles(40))
	if down.Action != ActionSell {
		t.Errorf("expected sell on downside breakout, got %s", down.Action)
	}
}

func TestDonchianHoldsInsideChannel(t *testing.T) {
	// Wide early range keeps the channel far from later closes
	candles := makeCandles(40, func(i int) (float64, float64, float64, float64) {
		if i < 15 {
			return 100, 150, 50, 100
		}
		return 100, 101, 99, 100
	})

	signal := NewDonchianStrategy().Compute(candles)
	if signal.Action != ActionHold {
		t.Errorf("expected hold inside channel, got %s", signal.Action)
	}
	if signal.Strength != 0 {
		t.Errorf("expected zero strength, got %v", signal.Strength)
	}
}

func TestFlatMarketProducesNeutralSnapshot(t *testing.T) {
	snapshot := BuildSnapshot("ETHUSDT", "1d", flatCandles(80))

	if snapshot.Summary.Action != ActionHold {
		t.Errorf("expected hold in flat market, got %s", snapshot.Summary.Action)
	}
	if snapshot.Summary.CompositeScore != 0 {
		t.Errorf("expected zero composite, got %v", snapshot.Summary.CompositeScore)
	}
	if snapshot.Summary.TotalSignals != 3 {
		t.Errorf("expected 3 signals, got %d", snapshot.Summary.TotalSignals)
	}
}

func TestStrengthAlwaysWithinBounds(t *testing.T) {
	for _, candles := range [][]database.Kline{
		uptrendCandles(120), downtrendCandles(120), flatCandles(120),
	} {
		for _, s := range AllStrategies() {
			signal := s.Compute(candles)
			if signal.Strength < 0 || signal.Strength > 1 {
				t.Errorf("%s strength out of [0,1]: %v", signal.Strategy, signal.Strength)
			}
		}
	}
}
