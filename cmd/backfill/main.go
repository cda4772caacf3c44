// Command backfill seeds the candle store and exits. Useful before first
// start or after the database has been offline for a while.
package main

import (
	"context"
	"log"
	"time"

	"eth-trading-agent/config"
	"eth-trading-agent/internal/binance"
	"eth-trading-agent/internal/database"
	"eth-trading-agent/internal/logging"
	"eth-trading-agent/internal/market"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(&logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     cfg.LoggingConfig.Output,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
		Component:  "backfill",
	})
	logging.SetDefault(logger)

	db, err := database.NewDB(cfg.DatabaseConfig.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := db.RunMigrations(ctx); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	repo := database.NewRepository(db)
	svc := market.NewService(cfg.TradingConfig.Symbol, binance.NewClient(cfg.BinanceConfig.BaseURL), repo)

	if err := svc.MaybeBackfill(ctx); err != nil {
		log.Fatalf("Backfill failed: %v", err)
	}

	result := svc.SyncAll(ctx)
	for timeframe, count := range result.Synced {
		logger.Info("Timeframe synced", "timeframe", timeframe, "rows", count)
	}
	for timeframe, msg := range result.Errors {
		logger.Error("Timeframe sync failed", "timeframe", timeframe, "error", msg)
	}

	logger.Info("Backfill complete", "symbol", cfg.TradingConfig.Symbol)
}
