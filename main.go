package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"eth-trading-agent/config"
	"eth-trading-agent/internal/api"
	"eth-trading-agent/internal/binance"
	"eth-trading-agent/internal/cache"
	"eth-trading-agent/internal/database"
	"eth-trading-agent/internal/decision"
	"eth-trading-agent/internal/events"
	"eth-trading-agent/internal/logging"
	"eth-trading-agent/internal/market"
	"eth-trading-agent/internal/mind"
	"eth-trading-agent/internal/notification"
	"eth-trading-agent/internal/orchestrator"
	"eth-trading-agent/internal/paper"
	"eth-trading-agent/internal/risk"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
		Component:   "main",
	})
	logging.SetDefault(logger)
	logger.Info("Structured logging initialized")

	// Initialize database
	db, err := database.NewDB(cfg.DatabaseConfig.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.RunMigrations(ctx); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	repo := database.NewRepository(db)

	// Market data pipeline
	binanceClient := binance.NewClient(cfg.BinanceConfig.BaseURL)
	marketSvc := market.NewService(cfg.TradingConfig.Symbol, binanceClient, repo)

	// Cognitive state store
	mindStore := mind.NewStore(cfg.MindConfig.Path, cfg.MindConfig.TemplatePath, repo)
	if _, err := mindStore.Load(); err != nil {
		log.Fatalf("Failed to initialize market mind: %v", err)
	}
	logger.Info("Market mind initialized", "path", cfg.MindConfig.Path)

	// Decision synthesis
	synthesizer := decision.NewSynthesizer(decision.Config{
		MaxPositionPct:  cfg.TradingConfig.MaxPositionPct,
		MaxStopLossPct:  cfg.TradingConfig.MaxStopLossPct,
		CognitiveFilter: cfg.DecisionConfig.CognitiveFilter,
	})

	// Paper execution
	ledger := paper.NewEngine(
		cfg.TradingConfig.Symbol,
		cfg.TradingConfig.InitialBalance,
		cfg.TradingConfig.FeePct,
		cfg.TradingConfig.SlippagePct,
		repo,
	)

	// Event bus feeds the live WebSocket stream
	eventBus := events.NewEventBus()

	// Notifications: structured log always, webhook when configured
	notifier := notification.NewManager(notification.NewLogNotifier())
	if cfg.NotifyConfig.WebhookURL != "" {
		notifier.Add(notification.NewWebhookNotifier(cfg.NotifyConfig.WebhookURL))
		logger.Info("Webhook notifications enabled")
	}

	// Orchestration
	runtime := orchestrator.NewRuntime(
		orchestrator.Config{
			Symbol:                cfg.TradingConfig.Symbol,
			SchedulerEnabled:      cfg.SchedulerConfig.Enabled,
			AnalysisIntervalHours: cfg.SchedulerConfig.AnalysisIntervalHours,
			Risk: risk.Config{
				MaxPositionPct:  cfg.TradingConfig.MaxPositionPct,
				MaxExposurePct:  cfg.TradingConfig.MaxExposurePct,
				MaxDailyLossPct: cfg.TradingConfig.MaxDailyLossPct,
				MaxStopLossPct:  cfg.TradingConfig.MaxStopLossPct,
			},
		},
		marketSvc, repo, mindStore, synthesizer, ledger, notifier, eventBus,
	)

	// Optional Redis read cache
	cacheSvc := cache.New(cfg.RedisConfig)
	if cacheSvc != nil {
		defer cacheSvc.Close()
	}

	// HTTP and WebSocket API
	server := api.NewServer(
		cfg.ServerConfig,
		cfg.TradingConfig,
		db, repo, marketSvc, mindStore, runtime, ledger, cacheSvc, eventBus,
	)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("HTTP server stopped", "error", err)
		}
	}()

	status := runtime.StartScheduler()
	logger.Info("Scheduler state", "status", status.Status, "interval_hours", status.IntervalHours)

	logger.Info("ETH trading agent started",
		"symbol", cfg.TradingConfig.Symbol,
		"port", cfg.ServerConfig.Port)

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down")
	runtime.StopScheduler()

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", "error", err)
	}

	logger.Info("Shutdown complete")
}
