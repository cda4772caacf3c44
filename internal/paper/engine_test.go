package paper

import (
	"context"
	"math"
	"testing"
	"time"

	"eth-trading-agent/internal/database"
	"eth-trading-agent/internal/decision"
)

type memTradeStore struct {
	trades []database.Trade
	nextID int64
}

func (m *memTradeStore) ListTrades(ctx context.Context, symbol string) ([]database.Trade, error) {
	out := make([]database.Trade, len(m.trades))
	copy(out, m.trades)
	return out, nil
}

func (m *memTradeStore) SaveTrade(ctx context.Context, t *database.Trade) error {
	m.nextID++
	t.ID = m.nextID
	m.trades = append(m.trades, *t)
	return nil
}

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func trade(side string, qty, price, fee, slippage float64, ts time.Time) database.Trade {
	return database.Trade{
		Symbol: "ETHUSDT", Side: side,
		Quantity: qty, Price: price, Fee: fee, Slippage: slippage,
		Timestamp: ts,
	}
}

func TestReplayEmptyLedger(t *testing.T) {
	state := Replay(nil, 10000, testNow)

	if state.Cash != 10000 {
		t.Errorf("expected cash 10000, got %v", state.Cash)
	}
	if state.PositionQty != 0 || state.AvgEntryPrice != 0 {
		t.Errorf("expected flat position, got %+v", state)
	}
}

func TestReplayBuyThenSell(t *testing.T) {
	trades := []database.Trade{
		trade("buy", 1.0, 3000, 3, 1.5, testNow.Add(-48*time.Hour)),
		trade("sell", 1.0, 3200, 3.2, 1.6, testNow.Add(-24*time.Hour)),
	}

	state := Replay(trades, 10000, testNow)

	// buy: cash = 10000 - (3000 + 3 + 1.5) = 6995.5
	// sell: cash += 3200 - 3.2 - 1.6 = 3195.2 -> 10190.7
	if state.Cash != 10190.7 {
		t.Errorf("expected cash 10190.7, got %v", state.Cash)
	}
	// pnl = (3200-3000)*1 - 3.2 - 1.6 = 195.2
	if state.RealizedPnL != 195.2 {
		t.Errorf("expected realized 195.2, got %v", state.RealizedPnL)
	}
	if state.PositionQty != 0 || state.AvgEntryPrice != 0 {
		t.Errorf("closed position should reset, got %+v", state)
	}
	// sell happened yesterday, not today
	if state.DayRealizedPnL != 0 {
		t.Errorf("expected zero day pnl, got %v", state.DayRealizedPnL)
	}
}

func TestReplayWeightedAverageEntry(t *testing.T) {
	trades := []database.Trade{
		trade("buy", 1.0, 3000, 0, 0, testNow),
		trade("buy", 1.0, 3100, 0, 0, testNow),
	}

	state := Replay(trades, 10000, testNow)
	if state.AvgEntryPrice != 3050 {
		t.Errorf("expected avg entry 3050, got %v", state.AvgEntryPrice)
	}
	if state.PositionQty != 2 {
		t.Errorf("expected qty 2, got %v", state.PositionQty)
	}
}

func TestReplaySellCappedAtPosition(t *testing.T) {
	trades := []database.Trade{
		trade("buy", 1.0, 3000, 0, 0, testNow),
		trade("sell", 5.0, 3100, 0, 0, testNow),
	}

	state := Replay(trades, 10000, testNow)
	if state.PositionQty != 0 {
		t.Errorf("expected flat after over-sell, got %v", state.PositionQty)
	}
	// only 1 unit sold: 10000 - 3000 + 3100 = 10100
	if state.Cash != 10100 {
		t.Errorf("expected cash 10100, got %v", state.Cash)
	}
}

func TestReplayDayRealizedCountsTodayOnly(t *testing.T) {
	trades := []database.Trade{
		trade("buy", 2.0, 3000, 0, 0, testNow.Add(-72*time.Hour)),
		trade("sell", 1.0, 3100, 0, 0, testNow.Add(-48*time.Hour)),
		trade("sell", 1.0, 3200, 0, 0, testNow.Add(-time.Hour)),
	}

	state := Replay(trades, 10000, testNow)
	if state.DayRealizedPnL != 200 {
		t.Errorf("expected day pnl 200, got %v", state.DayRealizedPnL)
	}
	if state.RealizedPnL != 300 {
		t.Errorf("expected total realized 300, got %v", state.RealizedPnL)
	}
}

// Value conservation: equity change equals realized pnl plus unrealized pnl
// when marking at the entry-neutral price.
func TestReplayValueConservation(t *testing.T) {
	trades := []database.Trade{
		trade("buy", 2.0, 3000, 6, 3, testNow),
		trade("sell", 1.0, 3100, 3.1, 1.55, testNow),
	}

	state := Replay(trades, 10000, testNow)

	mark := 3100.0
	positionValue := state.PositionQty * mark
	equity := state.Cash + positionValue
	unrealized := (mark - state.AvgEntryPrice) * state.PositionQty
	totalFees := 6.0 + 3.0 + 3.1 + 1.55

	// equity = initial + realized + unrealized at mark
	want := 10000 + state.RealizedPnL + unrealized
	if math.Abs(equity-want) > 1e-6 {
		t.Errorf("conservation violated: equity %v want %v", equity, want)
	}
	// and realized+unrealized reflects price moves minus all costs
	grossMove := (3100.0 - 3000.0) * 2.0
	if math.Abs((state.RealizedPnL+unrealized)-(grossMove-totalFees)) > 1e-6 {
		t.Errorf("pnl accounting off: %v vs %v", state.RealizedPnL+unrealized, grossMove-totalFees)
	}
}

func TestSnapshotFields(t *testing.T) {
	state := AccountState{
		Cash: 7000, PositionQty: 1.0, AvgEntryPrice: 3000,
		RealizedPnL: 150, DayRealizedPnL: -30,
	}

	snap := BuildSnapshot("ETHUSDT", state, 3100, 10000)

	if snap.Balance != 7000 || snap.Available != 7000 {
		t.Errorf("unexpected balance %v available %v", snap.Balance, snap.Available)
	}
	if snap.Equity != 10100 {
		t.Errorf("expected equity 10100, got %v", snap.Equity)
	}
	// 3100 / 10100 * 100 = 30.69
	if snap.ExposurePct != 30.69 {
		t.Errorf("expected exposure 30.69, got %v", snap.ExposurePct)
	}
	if snap.DailyPnLPct != -0.3 {
		t.Errorf("expected daily pnl -0.3, got %v", snap.DailyPnLPct)
	}
	if len(snap.Positions) != 1 {
		t.Fatalf("expected one position, got %d", len(snap.Positions))
	}
	pos := snap.Positions[0]
	if pos.Side != "long" || pos.UnrealizedPnL != 100 {
		t.Errorf("unexpected position %+v", pos)
	}
}

func TestSnapshotFlatHasNoPositions(t *testing.T) {
	snap := BuildSnapshot("ETHUSDT", AccountState{Cash: 10000}, 3100, 10000)
	if len(snap.Positions) != 0 {
		t.Errorf("expected no positions, got %v", snap.Positions)
	}
	if snap.Positions == nil {
		t.Error("positions should be an empty slice, not nil")
	}
}

func newTestEngine(store *memTradeStore) *Engine {
	e := NewEngine("ETHUSDT", 10000, 0.001, 0.0005, store)
	e.now = func() time.Time { return testNow }
	return e
}

func TestExecuteBuyCreatesFill(t *testing.T) {
	store := &memTradeStore{}
	engine := newTestEngine(store)

	result, err := engine.ExecuteDecision(context.Background(), decision.Proposal{
		Action: "buy", PositionSizePct: 20,
	}, nil, 3000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.ExecutedTrade == nil {
		t.Fatal("expected a fill")
	}
	fill := result.ExecutedTrade
	if fill.Side != "buy" {
		t.Errorf("expected buy fill, got %s", fill.Side)
	}
	// 20% of 10000 equity = 2000 notional at 3000*(1.0005)
	wantQty := 2000.0 / (3000 * 1.0005)
	if math.Abs(fill.Quantity-wantQty) > 1e-6 {
		t.Errorf("expected qty %v, got %v", wantQty, fill.Quantity)
	}
	if result.PortfolioAfter.ExposurePct <= 0 {
		t.Error("expected exposure after buy")
	}
	if len(store.trades) != 1 {
		t.Errorf("expected one stored trade, got %d", len(store.trades))
	}
}

func TestExecuteBuyZeroSizeNoFill(t *testing.T) {
	store := &memTradeStore{}
	engine := newTestEngine(store)

	result, err := engine.ExecuteDecision(context.Background(), decision.Proposal{
		Action: "buy", PositionSizePct: 0,
	}, nil, 3000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExecutedTrade != nil {
		t.Error("zero-size buy must not fill")
	}
	if len(store.trades) != 0 {
		t.Errorf("expected no stored trades, got %d", len(store.trades))
	}
}

func TestExecuteSellClosesWholePosition(t *testing.T) {
	store := &memTradeStore{}
	engine := newTestEngine(store)
	ctx := context.Background()

	if _, err := engine.ExecuteDecision(ctx, decision.Proposal{
		Action: "buy", PositionSizePct: 20,
	}, nil, 3000); err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	result, err := engine.ExecuteDecision(ctx, decision.Proposal{Action: "sell"}, nil, 3200)
	if err != nil {
		t.Fatalf("sell failed: %v", err)
	}

	if result.ExecutedTrade == nil || result.ExecutedTrade.Side != "sell" {
		t.Fatal("expected sell fill")
	}
	if result.ExecutedTrade.RealizedPnL == nil {
		t.Fatal("sell fill must report realized pnl")
	}
	if *result.ExecutedTrade.RealizedPnL <= 0 {
		t.Errorf("expected profit selling into rally, got %v", *result.ExecutedTrade.RealizedPnL)
	}
	if len(result.PortfolioAfter.Positions) != 0 {
		t.Errorf("expected flat after sell, got %v", result.PortfolioAfter.Positions)
	}
}

func TestExecuteSellWithoutPositionNoFill(t *testing.T) {
	store := &memTradeStore{}
	engine := newTestEngine(store)

	result, err := engine.ExecuteDecision(context.Background(), decision.Proposal{Action: "sell"}, nil, 3000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExecutedTrade != nil {
		t.Error("sell with no position must not fill")
	}
}

func TestExecuteHoldNoFill(t *testing.T) {
	store := &memTradeStore{}
	engine := newTestEngine(store)

	result, err := engine.ExecuteDecision(context.Background(), decision.Proposal{Action: "hold"}, nil, 3000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExecutedTrade != nil {
		t.Error("hold must not fill")
	}
}

func TestExecuteBuyCappedByCash(t *testing.T) {
	store := &memTradeStore{}
	engine := newTestEngine(store)
	ctx := context.Background()

	// First buy consumes most cash
	if _, err := engine.ExecuteDecision(ctx, decision.Proposal{
		Action: "buy", PositionSizePct: 90,
	}, nil, 3000); err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	result, err := engine.ExecuteDecision(ctx, decision.Proposal{
		Action: "buy", PositionSizePct: 90,
	}, nil, 3000)
	if err != nil {
		t.Fatalf("second buy failed: %v", err)
	}

	if result.ExecutedTrade == nil {
		t.Fatal("expected capped fill")
	}
	// Notional cannot exceed the cash left before the fill
	notional := result.ExecutedTrade.Quantity * result.ExecutedTrade.Price
	if notional > result.PortfolioBefore.Balance+1e-6 {
		t.Errorf("notional %v exceeds available cash %v", notional, result.PortfolioBefore.Balance)
	}
}
