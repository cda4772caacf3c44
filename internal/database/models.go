package database

import "time"

// Kline represents a stored OHLCV candle
type Kline struct {
	ID        int64     `json:"id"`
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	OpenTime  time.Time `json:"open_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Decision is one journaled output of the analysis pipeline
type Decision struct {
	ID              int64     `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	Symbol          string    `json:"symbol"`
	Action          string    `json:"action"` // buy, sell, hold
	Confidence      float64   `json:"confidence"`
	PositionSizePct float64   `json:"position_size_pct"`
	EntryPrice      *float64  `json:"entry_price,omitempty"`
	StopLoss        *float64  `json:"stop_loss,omitempty"`
	TakeProfit      *float64  `json:"take_profit,omitempty"`
	ReasoningJSON   string    `json:"reasoning_json,omitempty"`
	ModelUsed       string    `json:"model_used,omitempty"`
	InputHash       string    `json:"input_hash,omitempty"`
}

// Trade is one fill in the append-only paper ledger
type Trade struct {
	ID         int64     `json:"id"`
	DecisionID *int64    `json:"decision_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"` // buy, sell
	Quantity   float64   `json:"quantity"`
	Price      float64   `json:"price"`
	Fee        float64   `json:"fee"`
	Slippage   float64   `json:"slippage"`
	PnL        *float64  `json:"pnl,omitempty"`
	Notes      string    `json:"notes,omitempty"`
}

// MindHistory records one change to the cognitive document
type MindHistory struct {
	ID            int64     `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	ChangedBy     string    `json:"changed_by"`
	PreviousState string    `json:"previous_state,omitempty"`
	NewState      string    `json:"new_state,omitempty"`
	ChangeSummary string    `json:"change_summary,omitempty"`
}
