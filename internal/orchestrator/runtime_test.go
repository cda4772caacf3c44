package orchestrator

import (
	"context"
	"testing"
	"time"

	"eth-trading-agent/internal/database"
	"eth-trading-agent/internal/decision"
	"eth-trading-agent/internal/market"
	"eth-trading-agent/internal/paper"
	"eth-trading-agent/internal/risk"
)

type fakeMarket struct {
	daily  []database.Kline
	hourly []database.Kline
	price  *float64
}

func (f *fakeMarket) MaybeBackfill(ctx context.Context) error { return nil }

func (f *fakeMarket) SyncAll(ctx context.Context) market.SyncResult {
	return market.SyncResult{Synced: map[string]int64{"1h": 2, "4h": 1, "1d": 1}}
}

func (f *fakeMarket) RecentKlines(ctx context.Context, timeframe string, limit int) ([]database.Kline, error) {
	if timeframe == "1d" {
		return f.daily, nil
	}
	return f.hourly, nil
}

func (f *fakeMarket) LatestPrice(ctx context.Context) (*float64, error) {
	return f.price, nil
}

type fakeDecisionStore struct {
	saved  []database.Decision
	nextID int64
}

func (f *fakeDecisionStore) SaveDecision(ctx context.Context, d *database.Decision) error {
	f.nextID++
	d.ID = f.nextID
	f.saved = append(f.saved, *d)
	return nil
}

func (f *fakeDecisionStore) GetDecisions(ctx context.Context, symbol string, limit, offset int) ([]database.Decision, error) {
	return nil, nil
}

type fakeMind struct{}

func (fakeMind) Load() (map[string]any, error) {
	return map[string]any{
		"market_beliefs":   map[string]any{"regime": "range"},
		"strategy_weights": map[string]any{},
		"lessons_learned":  []any{},
		"bias_awareness":   []any{},
	}, nil
}

type fakeLedger struct {
	executed []decision.Proposal
}

func (f *fakeLedger) Snapshot(ctx context.Context, markPrice *float64) (paper.Snapshot, error) {
	return paper.Snapshot{Balance: 10000, Equity: 10000, Available: 10000, Positions: []paper.Position{}}, nil
}

func (f *fakeLedger) ExecuteDecision(ctx context.Context, proposal decision.Proposal, decisionID *int64, marketPrice float64) (paper.ExecutionResult, error) {
	f.executed = append(f.executed, proposal)
	return paper.ExecutionResult{}, nil
}

func candle(ts time.Time, close float64) database.Kline {
	return database.Kline{
		Symbol: "ETHUSDT", Timeframe: "1d", OpenTime: ts,
		Open: close, High: close, Low: close, Close: close, Volume: 1000,
	}
}

func candles(n int, base float64) []database.Kline {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]database.Kline, n)
	for i := range out {
		out[i] = candle(start.Add(time.Duration(i)*24*time.Hour), base)
	}
	return out
}

func testRuntime(mkt *fakeMarket, store *fakeDecisionStore, ledger *fakeLedger) *Runtime {
	synth := decision.NewSynthesizer(decision.Config{
		MaxPositionPct: 0.20,
		MaxStopLossPct: 0.05,
	})
	return NewRuntime(Config{
		Symbol:                "ETHUSDT",
		SchedulerEnabled:      true,
		AnalysisIntervalHours: 4,
		Risk: risk.Config{
			MaxPositionPct:  0.20,
			MaxExposurePct:  0.60,
			MaxDailyLossPct: 0.03,
			MaxStopLossPct:  0.05,
		},
	}, mkt, store, fakeMind{}, synth, ledger, nil, nil)
}

func TestRunCycleJournalsDecision(t *testing.T) {
	price := 3000.0
	mkt := &fakeMarket{daily: candles(120, 3000), hourly: candles(24, 3000), price: &price}
	store := &fakeDecisionStore{}
	ledger := &fakeLedger{}

	report, err := testRuntime(mkt, store, ledger).RunCycle(context.Background(), "manual")
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	if report.Skipped {
		t.Fatal("cycle must not skip with a valid price")
	}
	if len(store.saved) != 1 {
		t.Fatalf("expected one journaled decision, got %d", len(store.saved))
	}
	if report.DecisionID != store.saved[0].ID {
		t.Errorf("report decision id %d != stored %d", report.DecisionID, store.saved[0].ID)
	}
	if report.Decision == nil || report.RiskResult == nil {
		t.Fatal("report must carry decision and risk result")
	}
	if report.Decision.Reasoning.RiskCheck == nil {
		t.Error("journaled reasoning must embed the risk check")
	}
}

func TestRunCycleSkipsWithoutPrice(t *testing.T) {
	mkt := &fakeMarket{daily: candles(120, 3000), hourly: candles(24, 3000), price: nil}
	store := &fakeDecisionStore{}
	ledger := &fakeLedger{}

	rt := testRuntime(mkt, store, ledger)
	report, err := rt.RunCycle(context.Background(), "manual")
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	if !report.Skipped {
		t.Fatal("expected skip without market price")
	}
	if len(store.saved) != 0 {
		t.Errorf("skipped cycle must not journal, got %d decisions", len(store.saved))
	}
	if len(ledger.executed) != 0 {
		t.Errorf("skipped cycle must not execute, got %d", len(ledger.executed))
	}
	if got := rt.Status().ConsecutiveFailures; got != 1 {
		t.Errorf("skipped cycle must count as a failure, got %d", got)
	}
}

func TestRunCycleExecutesOnlyApproved(t *testing.T) {
	price := 3000.0
	mkt := &fakeMarket{daily: candles(120, 3000), hourly: candles(24, 3000), price: &price}
	store := &fakeDecisionStore{}
	ledger := &fakeLedger{}

	report, err := testRuntime(mkt, store, ledger).RunCycle(context.Background(), "manual")
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	if report.RiskResult.Approved && len(ledger.executed) != 1 {
		t.Errorf("approved decision must be executed once, got %d", len(ledger.executed))
	}
	if !report.RiskResult.Approved && len(ledger.executed) != 0 {
		t.Errorf("rejected decision must not be executed, got %d", len(ledger.executed))
	}
}

func TestCycleFailureTracking(t *testing.T) {
	price := 3000.0
	mkt := &fakeMarket{daily: candles(120, 3000), hourly: candles(24, 3000), price: &price}
	rt := testRuntime(mkt, &fakeDecisionStore{}, &fakeLedger{})

	if _, err := rt.RunCycle(context.Background(), "manual"); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	status := rt.Status()
	if status.ConsecutiveFailures != 0 {
		t.Errorf("expected zero failures, got %d", status.ConsecutiveFailures)
	}
	if status.LastCycleAt == nil {
		t.Error("expected last cycle timestamp")
	}
}

func TestSchedulerStatusTransitions(t *testing.T) {
	price := 3000.0
	mkt := &fakeMarket{price: &price}
	rt := testRuntime(mkt, &fakeDecisionStore{}, &fakeLedger{})

	if got := rt.Status().Status; got != "stopped" {
		t.Errorf("expected stopped before start, got %s", got)
	}

	status := rt.StartScheduler()
	if status.Status != "running" {
		t.Errorf("expected running, got %s", status.Status)
	}
	if status.IntervalHours != 4 {
		t.Errorf("expected interval 4, got %d", status.IntervalHours)
	}

	if got := rt.StopScheduler().Status; got != "stopped" {
		t.Errorf("expected stopped after stop, got %s", got)
	}
}

func TestSchedulerDisabled(t *testing.T) {
	rt := testRuntime(&fakeMarket{}, &fakeDecisionStore{}, &fakeLedger{})
	rt.cfg.SchedulerEnabled = false

	if got := rt.StartScheduler().Status; got != "disabled" {
		t.Errorf("expected disabled, got %s", got)
	}
}

func TestIntervalFloor(t *testing.T) {
	rt := NewRuntime(Config{Symbol: "ETHUSDT", AnalysisIntervalHours: 0},
		&fakeMarket{}, &fakeDecisionStore{}, fakeMind{}, decision.NewSynthesizer(decision.Config{}), &fakeLedger{}, nil, nil)

	if rt.cfg.AnalysisIntervalHours != 1 {
		t.Errorf("expected interval floored to 1, got %d", rt.cfg.AnalysisIntervalHours)
	}
}
