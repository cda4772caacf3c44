package api

import (
	"testing"
	"time"

	"eth-trading-agent/internal/database"
)

func perfTrade(side string, pnl, fee float64, ts time.Time) database.Trade {
	return database.Trade{
		Symbol: "ETHUSDT", Side: side, Fee: fee, PnL: &pnl, Timestamp: ts,
	}
}

func TestBuildPerformanceEmptyLedger(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	curve, metrics := buildPerformance(nil, 10000, 10000, now)

	if len(curve) != 2 {
		t.Fatalf("expected start and today points, got %d", len(curve))
	}
	if curve[0].Date != "2025-06-14" || curve[0].Equity != 10000 {
		t.Errorf("unexpected start point %+v", curve[0])
	}
	if curve[1].Date != "2025-06-15" {
		t.Errorf("unexpected today point %+v", curve[1])
	}
	if metrics["total_trades"] != 0 {
		t.Errorf("expected zero trades, got %v", metrics["total_trades"])
	}
	if metrics["profit_factor"] != 0.0 {
		t.Errorf("expected zero profit factor, got %v", metrics["profit_factor"])
	}
}

func TestBuildPerformanceEquityCurve(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	trades := []database.Trade{
		perfTrade("buy", 0, 3, time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)),
		perfTrade("sell", 200, 3.2, time.Date(2025, 6, 12, 9, 0, 0, 0, time.UTC)),
	}

	curve, metrics := buildPerformance(trades, 10197, 10000, now)

	// start, buy day, sell day, today
	if len(curve) != 4 {
		t.Fatalf("expected 4 points, got %d: %v", len(curve), curve)
	}
	if curve[1].Equity != 9997 { // buy subtracts fee
		t.Errorf("expected 9997 after buy, got %v", curve[1].Equity)
	}
	if curve[2].Equity != 10197 { // sell adds pnl
		t.Errorf("expected 10197 after sell, got %v", curve[2].Equity)
	}
	if metrics["win_rate"] != 1.0 {
		t.Errorf("expected win rate 1.0, got %v", metrics["win_rate"])
	}
	if metrics["profit_factor"] != "Inf" {
		t.Errorf("expected Inf profit factor without losses, got %v", metrics["profit_factor"])
	}
	if metrics["total_return_pct"] != 1.97 {
		t.Errorf("expected return 1.97, got %v", metrics["total_return_pct"])
	}
}

func TestBuildPerformanceDrawdownAndWinRate(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	trades := []database.Trade{
		perfTrade("sell", 500, 0, time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)),
		perfTrade("sell", -1050, 0, time.Date(2025, 6, 11, 9, 0, 0, 0, time.UTC)),
	}

	_, metrics := buildPerformance(trades, 9450, 10000, now)

	// peak 10500 -> trough 9450: 10% drawdown
	if metrics["max_drawdown_pct"] != 10.0 {
		t.Errorf("expected drawdown 10, got %v", metrics["max_drawdown_pct"])
	}
	if metrics["win_rate"] != 0.5 {
		t.Errorf("expected win rate 0.5, got %v", metrics["win_rate"])
	}
	if metrics["profit_factor"] != 0.48 { // 500/1050
		t.Errorf("expected profit factor 0.48, got %v", metrics["profit_factor"])
	}
	if metrics["winning_trades"] != 1 || metrics["losing_trades"] != 1 {
		t.Errorf("unexpected win/loss split: %v / %v",
			metrics["winning_trades"], metrics["losing_trades"])
	}
}

func TestBuildPerformanceSameDayTradesCollapse(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	day := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)
	trades := []database.Trade{
		perfTrade("sell", 100, 0, day),
		perfTrade("sell", 50, 0, day.Add(2*time.Hour)),
	}

	curve, _ := buildPerformance(trades, 10150, 10000, now)

	// start, trade day (last value wins), today
	if len(curve) != 3 {
		t.Fatalf("expected 3 points, got %d: %v", len(curve), curve)
	}
	if curve[1].Equity != 10150 {
		t.Errorf("same-day point must hold the last equity, got %v", curve[1].Equity)
	}
}

func TestSerializeDecisionParsesReasoning(t *testing.T) {
	pnl := 3000.0
	row := database.Decision{
		ID: 7, Action: "buy", Confidence: 0.8,
		Timestamp:     time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC),
		EntryPrice:    &pnl,
		ReasoningJSON: `{"market_regime":"bull"}`,
	}

	out := serializeDecision(row)

	reasoning, ok := out["reasoning"].(map[string]any)
	if !ok {
		t.Fatalf("expected parsed reasoning map, got %T", out["reasoning"])
	}
	if reasoning["market_regime"] != "bull" {
		t.Errorf("unexpected reasoning %v", reasoning)
	}
	if out["decision"] != "buy" {
		t.Errorf("expected action under decision key, got %v", out["decision"])
	}
}

func TestSerializeDecisionRawFallback(t *testing.T) {
	row := database.Decision{ReasoningJSON: "not json"}

	out := serializeDecision(row)

	reasoning := out["reasoning"].(map[string]any)
	if reasoning["raw"] != "not json" {
		t.Errorf("malformed reasoning must fall back to raw, got %v", reasoning)
	}
}
