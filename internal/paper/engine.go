package paper

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"eth-trading-agent/internal/database"
	"eth-trading-agent/internal/decision"
	"eth-trading-agent/internal/logging"
)

// AccountState is the ledger replayed into cash and position terms.
// All values are rounded to 8 decimals.
type AccountState struct {
	Cash           float64 `json:"cash"`
	PositionQty    float64 `json:"position_qty"`
	AvgEntryPrice  float64 `json:"avg_entry_price"`
	RealizedPnL    float64 `json:"realized_pnl"`
	DayRealizedPnL float64 `json:"day_realized_pnl"`
}

// Position is the single long position the account can hold
type Position struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Quantity      float64 `json:"quantity"`
	EntryPrice    float64 `json:"entry_price"`
	MarkPrice     float64 `json:"mark_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// Snapshot is the portfolio view served to callers. Money values are
// rounded to 2 decimals, quantities to 8.
type Snapshot struct {
	Balance     float64    `json:"balance"`
	Equity      float64    `json:"equity"`
	Available   float64    `json:"available"`
	ExposurePct float64    `json:"exposure_pct"`
	DailyPnLPct float64    `json:"daily_pnl_pct"`
	RealizedPnL float64    `json:"realized_pnl"`
	Positions   []Position `json:"positions"`
}

// ExecutedTrade describes one fill produced by ExecuteDecision
type ExecutedTrade struct {
	ID          int64    `json:"id"`
	Side        string   `json:"side"`
	Quantity    float64  `json:"quantity"`
	Price       float64  `json:"price"`
	Fee         float64  `json:"fee"`
	Slippage    float64  `json:"slippage"`
	RealizedPnL *float64 `json:"realized_pnl,omitempty"`
}

// ExecutionResult bundles the fill with before/after portfolio views
type ExecutionResult struct {
	ExecutedTrade   *ExecutedTrade `json:"executed_trade"`
	PortfolioBefore Snapshot       `json:"portfolio_before"`
	PortfolioAfter  Snapshot       `json:"portfolio_after"`
}

// TradeStore persists and replays the fill ledger
type TradeStore interface {
	ListTrades(ctx context.Context, symbol string) ([]database.Trade, error)
	SaveTrade(ctx context.Context, t *database.Trade) error
}

// Replay folds the ledger into an account state. The ledger is the single
// source of truth: cash starts at initialBalance and every fill moves it.
// Sells never exceed the held quantity; a fully closed position resets its
// average entry. Sell PnL realized on `now`'s UTC date counts as today's.
func Replay(trades []database.Trade, initialBalance float64, now time.Time) AccountState {
	cash := initialBalance
	positionQty := 0.0
	avgEntry := 0.0
	realized := 0.0
	dayRealized := 0.0
	today := now.UTC().Truncate(24 * time.Hour)

	for _, t := range trades {
		switch strings.ToLower(t.Side) {
		case "buy":
			totalCost := t.Quantity*t.Price + t.Fee + t.Slippage
			newQty := positionQty + t.Quantity
			if newQty > 0 {
				avgEntry = (avgEntry*positionQty + t.Price*t.Quantity) / newQty
			}
			positionQty = newQty
			cash -= totalCost
		case "sell":
			quantity := math.Min(t.Quantity, positionQty)
			proceeds := quantity*t.Price - t.Fee - t.Slippage
			tradePnL := (t.Price-avgEntry)*quantity - t.Fee - t.Slippage
			realized += tradePnL
			cash += proceeds
			positionQty -= quantity
			if positionQty <= 1e-12 {
				positionQty = 0.0
				avgEntry = 0.0
			}
			if t.Timestamp.UTC().Truncate(24 * time.Hour).Equal(today) {
				dayRealized += tradePnL
			}
		}
	}

	return AccountState{
		Cash:           round8(cash),
		PositionQty:    round8(positionQty),
		AvgEntryPrice:  round8(avgEntry),
		RealizedPnL:    round8(realized),
		DayRealizedPnL: round8(dayRealized),
	}
}

// BuildSnapshot marks an account state to the given price
func BuildSnapshot(symbol string, state AccountState, markPrice, initialBalance float64) Snapshot {
	mark := math.Max(markPrice, 0)

	unrealized := 0.0
	positionValue := 0.0
	if state.PositionQty > 0 && mark > 0 {
		unrealized = (mark - state.AvgEntryPrice) * state.PositionQty
	}
	if mark > 0 {
		positionValue = state.PositionQty * mark
	}

	equity := state.Cash + positionValue
	exposurePct := 0.0
	if equity > 0 {
		exposurePct = positionValue / equity * 100
	}

	dailyPnLPct := 0.0
	if initialBalance > 0 {
		dailyPnLPct = state.DayRealizedPnL / initialBalance * 100
	}

	positions := []Position{}
	if state.PositionQty > 0 {
		positions = append(positions, Position{
			Symbol:        symbol,
			Side:          "long",
			Quantity:      round8(state.PositionQty),
			EntryPrice:    round2(state.AvgEntryPrice),
			MarkPrice:     round2(mark),
			UnrealizedPnL: round2(unrealized),
		})
	}

	return Snapshot{
		Balance:     round2(state.Cash),
		Equity:      round2(equity),
		Available:   round2(state.Cash),
		ExposurePct: round2(exposurePct),
		DailyPnLPct: round2(dailyPnLPct),
		RealizedPnL: round2(state.RealizedPnL),
		Positions:   positions,
	}
}

// Engine executes approved decisions against the trade ledger
type Engine struct {
	symbol         string
	initialBalance float64
	feePct         float64
	slippagePct    float64
	store          TradeStore
	now            func() time.Time
	log            *logging.Logger
}

func NewEngine(symbol string, initialBalance, feePct, slippagePct float64, store TradeStore) *Engine {
	return &Engine{
		symbol:         symbol,
		initialBalance: initialBalance,
		feePct:         feePct,
		slippagePct:    slippagePct,
		store:          store,
		now:            time.Now,
		log:            logging.WithComponent("paper"),
	}
}

func (e *Engine) state(ctx context.Context) (AccountState, error) {
	trades, err := e.store.ListTrades(ctx, e.symbol)
	if err != nil {
		return AccountState{}, fmt.Errorf("replay ledger: %w", err)
	}
	return Replay(trades, e.initialBalance, e.now()), nil
}

// Snapshot replays the ledger and marks it to the given price.
// A nil markPrice marks at zero (position value excluded).
func (e *Engine) Snapshot(ctx context.Context, markPrice *float64) (Snapshot, error) {
	state, err := e.state(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	mark := 0.0
	if markPrice != nil {
		mark = *markPrice
	}
	return BuildSnapshot(e.symbol, state, mark, e.initialBalance), nil
}

// ExecuteDecision turns an approved decision into at most one ledger fill.
// Buys size off equity capped by cash; sells close the whole position.
// Holds, zero-quantity buys, and sells with no position execute nothing.
func (e *Engine) ExecuteDecision(ctx context.Context, proposal decision.Proposal, decisionID *int64, marketPrice float64) (ExecutionResult, error) {
	action := strings.ToLower(proposal.Action)

	state, err := e.state(ctx)
	if err != nil {
		return ExecutionResult{}, err
	}
	before := BuildSnapshot(e.symbol, state, marketPrice, e.initialBalance)

	var executed *ExecutedTrade

	switch {
	case action == "buy":
		positionPct := math.Max(proposal.PositionSizePct, 0)
		desiredNotional := before.Equity * (positionPct / 100)
		buyNotional := math.Min(desiredNotional, state.Cash)
		executionPrice := marketPrice * (1 + e.slippagePct)

		quantity := 0.0
		if executionPrice > 0 {
			quantity = buyNotional / executionPrice
		}
		if quantity > 0 {
			fee := quantity * executionPrice * e.feePct
			slippage := quantity * marketPrice * e.slippagePct
			pnl := 0.0
			trade := &database.Trade{
				DecisionID: decisionID,
				Timestamp:  e.now().UTC(),
				Symbol:     e.symbol,
				Side:       "buy",
				Quantity:   quantity,
				Price:      executionPrice,
				Fee:        fee,
				Slippage:   slippage,
				PnL:        &pnl,
				Notes:      "executed_by_paper_engine",
			}
			if err := e.store.SaveTrade(ctx, trade); err != nil {
				return ExecutionResult{}, fmt.Errorf("save buy fill: %w", err)
			}
			executed = &ExecutedTrade{
				ID:       trade.ID,
				Side:     "buy",
				Quantity: round8(quantity),
				Price:    round2(executionPrice),
				Fee:      round4(fee),
				Slippage: round4(slippage),
			}
		}

	case action == "sell" && state.PositionQty > 0:
		quantity := state.PositionQty
		executionPrice := marketPrice * (1 - e.slippagePct)
		fee := quantity * executionPrice * e.feePct
		slippage := quantity * marketPrice * e.slippagePct
		realized := (executionPrice-state.AvgEntryPrice)*quantity - fee - slippage

		trade := &database.Trade{
			DecisionID: decisionID,
			Timestamp:  e.now().UTC(),
			Symbol:     e.symbol,
			Side:       "sell",
			Quantity:   quantity,
			Price:      executionPrice,
			Fee:        fee,
			Slippage:   slippage,
			PnL:        &realized,
			Notes:      "executed_by_paper_engine",
		}
		if err := e.store.SaveTrade(ctx, trade); err != nil {
			return ExecutionResult{}, fmt.Errorf("save sell fill: %w", err)
		}
		realizedRounded := round2(realized)
		executed = &ExecutedTrade{
			ID:          trade.ID,
			Side:        "sell",
			Quantity:    round8(quantity),
			Price:       round2(executionPrice),
			Fee:         round4(fee),
			Slippage:    round4(slippage),
			RealizedPnL: &realizedRounded,
		}
	}

	afterState, err := e.state(ctx)
	if err != nil {
		return ExecutionResult{}, err
	}
	after := BuildSnapshot(e.symbol, afterState, marketPrice, e.initialBalance)

	if executed != nil {
		logging.FromContext(ctx).WithComponent("paper").Info("paper fill executed",
			"side", executed.Side, "quantity", executed.Quantity, "price", executed.Price)
	}

	return ExecutionResult{
		ExecutedTrade:   executed,
		PortfolioBefore: before,
		PortfolioAfter:  after,
	}, nil
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
func round8(v float64) float64 { return math.Round(v*1e8) / 1e8 }
