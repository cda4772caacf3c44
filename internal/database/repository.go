package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

// Repository handles all database operations
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// UpsertKlines inserts or updates candles in a single transaction.
// Conflicts on (symbol, timeframe, open_time) overwrite the OHLCV values.
// Returns the number of rows written.
func (r *Repository) UpsertKlines(ctx context.Context, klines []Kline) (int64, error) {
	if len(klines) == 0 {
		return 0, nil
	}

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO klines (symbol, timeframe, open_time, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (symbol, timeframe, open_time)
		DO UPDATE SET open = EXCLUDED.open, high = EXCLUDED.high,
			low = EXCLUDED.low, close = EXCLUDED.close, volume = EXCLUDED.volume`

	var written int64
	for _, k := range klines {
		tag, err := tx.Exec(ctx, query,
			k.Symbol, k.Timeframe, k.OpenTime.UTC(), k.Open, k.High, k.Low, k.Close, k.Volume)
		if err != nil {
			return 0, fmt.Errorf("failed to upsert kline at %s: %w", k.OpenTime, err)
		}
		written += tag.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit klines: %w", err)
	}
	return written, nil
}

// GetRecentKlines returns the latest N candles in ascending open_time order
func (r *Repository) GetRecentKlines(ctx context.Context, symbol, timeframe string, limit int) ([]Kline, error) {
	query := `
		SELECT id, symbol, timeframe, open_time, open, high, low, close, volume
		FROM (
			SELECT id, symbol, timeframe, open_time, open, high, low, close, volume
			FROM klines
			WHERE symbol = $1 AND timeframe = $2
			ORDER BY open_time DESC
			LIMIT $3
		) latest
		ORDER BY open_time ASC`

	rows, err := r.db.Pool.Query(ctx, query, symbol, timeframe, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query klines: %w", err)
	}
	defer rows.Close()

	return scanKlines(rows)
}

// CountKlines returns the number of stored candles for a symbol/timeframe
func (r *Repository) CountKlines(ctx context.Context, symbol, timeframe string) (int64, error) {
	var count int64
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM klines WHERE symbol = $1 AND timeframe = $2`,
		symbol, timeframe).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count klines: %w", err)
	}
	return count, nil
}

// LatestPrice returns the most recent close for the symbol. The 1h timeframe
// is preferred; when it holds no candles, any timeframe's latest close is
// used. Returns nil when the store is empty for the symbol.
func (r *Repository) LatestPrice(ctx context.Context, symbol string) (*float64, error) {
	var price float64
	err := r.db.Pool.QueryRow(ctx,
		`SELECT close FROM klines WHERE symbol = $1 AND timeframe = '1h'
		 ORDER BY open_time DESC LIMIT 1`, symbol).Scan(&price)
	if err == nil {
		return &price, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to query latest price: %w", err)
	}

	err = r.db.Pool.QueryRow(ctx,
		`SELECT close FROM klines WHERE symbol = $1
		 ORDER BY open_time DESC LIMIT 1`, symbol).Scan(&price)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest price: %w", err)
	}
	return &price, nil
}

// LatestKlineTime returns the newest open_time stored for the symbol,
// or nil when no candles exist.
func (r *Repository) LatestKlineTime(ctx context.Context, symbol string) (*time.Time, error) {
	var ts time.Time
	err := r.db.Pool.QueryRow(ctx,
		`SELECT open_time FROM klines WHERE symbol = $1
		 ORDER BY open_time DESC LIMIT 1`, symbol).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest kline time: %w", err)
	}
	return &ts, nil
}

// SaveDecision journals a decision and fills in its generated ID
func (r *Repository) SaveDecision(ctx context.Context, d *Decision) error {
	query := `
		INSERT INTO decisions (timestamp, symbol, action, confidence, position_size_pct,
			entry_price, stop_loss, take_profit, reasoning_json, model_used, input_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`

	err := r.db.Pool.QueryRow(ctx, query,
		d.Timestamp.UTC(), d.Symbol, d.Action, d.Confidence, d.PositionSizePct,
		d.EntryPrice, d.StopLoss, d.TakeProfit, d.ReasoningJSON, d.ModelUsed, d.InputHash,
	).Scan(&d.ID)
	if err != nil {
		return fmt.Errorf("failed to save decision: %w", err)
	}
	return nil
}

// GetDecisionByID fetches a single decision
func (r *Repository) GetDecisionByID(ctx context.Context, id int64) (*Decision, error) {
	query := `
		SELECT id, timestamp, symbol, action, confidence, position_size_pct,
			entry_price, stop_loss, take_profit, reasoning_json, model_used, input_hash
		FROM decisions WHERE id = $1`

	d, err := scanDecision(r.db.Pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get decision %d: %w", id, err)
	}
	return d, nil
}

// GetDecisions returns a page of decisions, newest first
func (r *Repository) GetDecisions(ctx context.Context, symbol string, limit, offset int) ([]Decision, error) {
	query := `
		SELECT id, timestamp, symbol, action, confidence, position_size_pct,
			entry_price, stop_loss, take_profit, reasoning_json, model_used, input_hash
		FROM decisions
		WHERE symbol = $1
		ORDER BY timestamp DESC, id DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.db.Pool.Query(ctx, query, symbol, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var decisions []Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		decisions = append(decisions, *d)
	}
	return decisions, rows.Err()
}

// CountDecisions returns the number of journaled decisions for the symbol
func (r *Repository) CountDecisions(ctx context.Context, symbol string) (int64, error) {
	var count int64
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM decisions WHERE symbol = $1`, symbol).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count decisions: %w", err)
	}
	return count, nil
}

// GetDecisionsSince returns decisions at or after the given time, newest first
func (r *Repository) GetDecisionsSince(ctx context.Context, symbol string, since time.Time) ([]Decision, error) {
	query := `
		SELECT id, timestamp, symbol, action, confidence, position_size_pct,
			entry_price, stop_loss, take_profit, reasoning_json, model_used, input_hash
		FROM decisions
		WHERE symbol = $1 AND timestamp >= $2
		ORDER BY timestamp DESC, id DESC`

	rows, err := r.db.Pool.Query(ctx, query, symbol, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var decisions []Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		decisions = append(decisions, *d)
	}
	return decisions, rows.Err()
}

// SaveTrade appends a fill to the ledger and fills in its generated ID
func (r *Repository) SaveTrade(ctx context.Context, t *Trade) error {
	query := `
		INSERT INTO trades (decision_id, timestamp, symbol, side, quantity, price,
			fee, slippage, pnl, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`

	err := r.db.Pool.QueryRow(ctx, query,
		t.DecisionID, t.Timestamp.UTC(), t.Symbol, t.Side, t.Quantity, t.Price,
		t.Fee, t.Slippage, t.PnL, t.Notes,
	).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("failed to save trade: %w", err)
	}
	return nil
}

// ListTrades returns all fills for a symbol in chronological order.
// Ledger replay depends on this ordering.
func (r *Repository) ListTrades(ctx context.Context, symbol string) ([]Trade, error) {
	query := `
		SELECT id, decision_id, timestamp, symbol, side, quantity, price,
			fee, slippage, pnl, notes
		FROM trades
		WHERE symbol = $1
		ORDER BY timestamp ASC, id ASC`

	rows, err := r.db.Pool.Query(ctx, query, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	return scanTrades(rows)
}

// GetRecentTrades returns a page of fills, newest first
func (r *Repository) GetRecentTrades(ctx context.Context, symbol string, limit, offset int) ([]Trade, error) {
	query := `
		SELECT id, decision_id, timestamp, symbol, side, quantity, price,
			fee, slippage, pnl, notes
		FROM trades
		WHERE symbol = $1
		ORDER BY timestamp DESC, id DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.db.Pool.Query(ctx, query, symbol, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	return scanTrades(rows)
}

// AppendMindHistory records one cognitive document change
func (r *Repository) AppendMindHistory(ctx context.Context, h *MindHistory) error {
	query := `
		INSERT INTO market_mind_history (timestamp, changed_by, previous_state, new_state, change_summary)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	err := r.db.Pool.QueryRow(ctx, query,
		h.Timestamp.UTC(), h.ChangedBy, h.PreviousState, h.NewState, h.ChangeSummary,
	).Scan(&h.ID)
	if err != nil {
		return fmt.Errorf("failed to append mind history: %w", err)
	}
	return nil
}

// GetMindHistory returns the latest document changes, newest first
func (r *Repository) GetMindHistory(ctx context.Context, limit int) ([]MindHistory, error) {
	query := `
		SELECT id, timestamp, changed_by, previous_state, new_state, change_summary
		FROM market_mind_history
		ORDER BY timestamp DESC, id DESC
		LIMIT $1`

	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query mind history: %w", err)
	}
	defer rows.Close()

	var entries []MindHistory
	for rows.Next() {
		var h MindHistory
		if err := rows.Scan(&h.ID, &h.Timestamp, &h.ChangedBy, &h.PreviousState,
			&h.NewState, &h.ChangeSummary); err != nil {
			return nil, fmt.Errorf("failed to scan mind history: %w", err)
		}
		entries = append(entries, h)
	}
	return entries, rows.Err()
}

func scanKlines(rows pgx.Rows) ([]Kline, error) {
	var klines []Kline
	for rows.Next() {
		var k Kline
		if err := rows.Scan(&k.ID, &k.Symbol, &k.Timeframe, &k.OpenTime,
			&k.Open, &k.High, &k.Low, &k.Close, &k.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan kline: %w", err)
		}
		klines = append(klines, k)
	}
	return klines, rows.Err()
}

func scanTrades(rows pgx.Rows) ([]Trade, error) {
	var trades []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.ID, &t.DecisionID, &t.Timestamp, &t.Symbol, &t.Side,
			&t.Quantity, &t.Price, &t.Fee, &t.Slippage, &t.PnL, &t.Notes); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func scanDecision(row pgx.Row) (*Decision, error) {
	var d Decision
	err := row.Scan(&d.ID, &d.Timestamp, &d.Symbol, &d.Action, &d.Confidence,
		&d.PositionSizePct, &d.EntryPrice, &d.StopLoss, &d.TakeProfit,
		&d.ReasoningJSON, &d.ModelUsed, &d.InputHash)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
