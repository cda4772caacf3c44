package market

import (
	"context"
	"fmt"
	"time"

	"eth-trading-agent/internal/binance"
	"eth-trading-agent/internal/database"
	"eth-trading-agent/internal/logging"
)

// Per-timeframe fetch sizes for a routine sync pass
var syncLimits = map[string]int{
	"1h": 200,
	"4h": 120,
	"1d": 90,
}

// Minimum stored candle counts before a cycle can analyze
var backfillTargets = map[string]int64{
	"1d": 90,
	"4h": 42,
	"1h": 168,
}

// Fetcher pulls candles from the exchange
type Fetcher interface {
	FetchKlines(ctx context.Context, symbol, timeframe string, limit int) ([]binance.Kline, error)
}

// CandleStore persists and serves candles
type CandleStore interface {
	UpsertKlines(ctx context.Context, klines []database.Kline) (int64, error)
	GetRecentKlines(ctx context.Context, symbol, timeframe string, limit int) ([]database.Kline, error)
	CountKlines(ctx context.Context, symbol, timeframe string) (int64, error)
	LatestPrice(ctx context.Context, symbol string) (*float64, error)
}

// SyncResult reports one sync pass across all timeframes
type SyncResult struct {
	Synced map[string]int64  `json:"synced"`
	Errors map[string]string `json:"errors,omitempty"`
}

// Service keeps the candle store fresh for a single symbol
type Service struct {
	symbol  string
	fetcher Fetcher
	store   CandleStore
	log     *logging.Logger
}

func NewService(symbol string, fetcher Fetcher, store CandleStore) *Service {
	return &Service{
		symbol:  symbol,
		fetcher: fetcher,
		store:   store,
		log:     logging.WithComponent("market"),
	}
}

func (s *Service) Symbol() string { return s.symbol }

// FetchAndStore pulls the latest candles for one timeframe and upserts them.
// Returns the number of rows written.
func (s *Service) FetchAndStore(ctx context.Context, timeframe string, limit int) (int64, error) {
	klines, err := s.fetcher.FetchKlines(ctx, s.symbol, timeframe, limit)
	if err != nil {
		return 0, fmt.Errorf("fetch %s %s: %w", s.symbol, timeframe, err)
	}

	rows := make([]database.Kline, len(klines))
	for i, k := range klines {
		rows[i] = database.Kline{
			Symbol:    s.symbol,
			Timeframe: timeframe,
			OpenTime:  k.OpenTime,
			Open:      k.Open,
			High:      k.High,
			Low:       k.Low,
			Close:     k.Close,
			Volume:    k.Volume,
		}
	}

	written, err := s.store.UpsertKlines(ctx, rows)
	if err != nil {
		return 0, fmt.Errorf("store %s %s: %w", s.symbol, timeframe, err)
	}
	return written, nil
}

// SyncAll refreshes every timeframe. A failing timeframe does not stop the
// others; its error is collected in the result.
func (s *Service) SyncAll(ctx context.Context) SyncResult {
	result := SyncResult{
		Synced: make(map[string]int64),
		Errors: make(map[string]string),
	}

	for _, timeframe := range []string{"1h", "4h", "1d"} {
		written, err := s.FetchAndStore(ctx, timeframe, syncLimits[timeframe])
		if err != nil {
			s.log.Error("timeframe sync failed", "timeframe", timeframe, "error", err)
			result.Errors[timeframe] = err.Error()
			continue
		}
		result.Synced[timeframe] = written
	}

	if len(result.Errors) == 0 {
		result.Errors = nil
	}
	return result
}

// MaybeBackfill tops up any timeframe that holds fewer candles than the
// analysis pipeline needs.
func (s *Service) MaybeBackfill(ctx context.Context) error {
	for timeframe, target := range backfillTargets {
		count, err := s.store.CountKlines(ctx, s.symbol, timeframe)
		if err != nil {
			return fmt.Errorf("count %s: %w", timeframe, err)
		}
		if count >= target {
			continue
		}

		s.log.Info("backfilling candles",
			"timeframe", timeframe, "have", count, "target", target)
		if _, err := s.FetchAndStore(ctx, timeframe, int(target)); err != nil {
			return fmt.Errorf("backfill %s: %w", timeframe, err)
		}
	}
	return nil
}

// RecentKlines returns the latest N stored candles in ascending order
func (s *Service) RecentKlines(ctx context.Context, timeframe string, limit int) ([]database.Kline, error) {
	return s.store.GetRecentKlines(ctx, s.symbol, timeframe, limit)
}

// LatestPrice returns the freshest stored close, or nil when the store is empty
func (s *Service) LatestPrice(ctx context.Context) (*float64, error) {
	return s.store.LatestPrice(ctx, s.symbol)
}

// MockKlines generates a deterministic synthetic series. Used as a read-path
// fallback when the store is empty and the exchange is unreachable.
func MockKlines(symbol, timeframe string, limit int) []database.Kline {
	step := timeframeDuration(timeframe)
	start := time.Now().UTC().Truncate(step).Add(-time.Duration(limit) * step)

	base := 3200.0
	klines := make([]database.Kline, limit)
	for i := 0; i < limit; i++ {
		open := base + float64(i)*1.8
		close := open + float64((i%5)-2)*1.2
		high := open
		if close > high {
			high = close
		}
		low := open
		if close < low {
			low = close
		}
		klines[i] = database.Kline{
			Symbol:    symbol,
			Timeframe: timeframe,
			OpenTime:  start.Add(time.Duration(i) * step),
			Open:      open,
			High:      high + 3.5,
			Low:       low - 3.5,
			Close:     close,
			Volume:    1100 + float64(i)*9.5,
		}
	}
	return klines
}

func timeframeDuration(timeframe string) time.Duration {
	switch timeframe {
	case "4h":
		return 4 * time.Hour
	case "1d":
		return 24 * time.Hour
	default:
		return time.Hour
	}
}
