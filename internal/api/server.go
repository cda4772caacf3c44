package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"eth-trading-agent/config"
	"eth-trading-agent/internal/cache"
	"eth-trading-agent/internal/database"
	"eth-trading-agent/internal/events"
	"eth-trading-agent/internal/logging"
	"eth-trading-agent/internal/market"
	"eth-trading-agent/internal/mind"
	"eth-trading-agent/internal/orchestrator"
	"eth-trading-agent/internal/paper"
)

// Server is the read-mostly HTTP and WebSocket surface over the agent
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	cfg        config.ServerConfig

	symbol         string
	initialBalance float64

	db        *database.DB
	repo      *database.Repository
	marketSvc *market.Service
	mindStore *mind.Store
	runtime   *orchestrator.Runtime
	ledger    *paper.Engine
	cache     *cache.Service

	hub *WSHub
	log *logging.Logger
}

func NewServer(
	cfg config.ServerConfig,
	trading config.TradingConfig,
	db *database.DB,
	repo *database.Repository,
	marketSvc *market.Service,
	mindStore *mind.Store,
	runtime *orchestrator.Runtime,
	ledger *paper.Engine,
	cacheSvc *cache.Service,
	bus *events.EventBus,
) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if cfg.AllowedOrigins == "*" || cfg.AllowedOrigins == "" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = []string{cfg.AllowedOrigins}
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:         router,
		cfg:            cfg,
		symbol:         trading.Symbol,
		initialBalance: trading.InitialBalance,
		db:             db,
		repo:           repo,
		marketSvc:      marketSvc,
		mindStore:      mindStore,
		runtime:        runtime,
		ledger:         ledger,
		cache:          cacheSvc,
		hub:            NewWSHub(),
		log:            logging.WithComponent("api"),
	}

	s.setupRoutes()

	// Push system events to live-feed subscribers as they happen
	if bus != nil {
		bus.SubscribeAll(func(event events.Event) {
			s.hub.Broadcast(event)
		})
	}
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.GET("/klines", s.handleGetKlines)
		api.GET("/portfolio", s.handleGetPortfolio)
		api.GET("/signals", s.handleGetSignals)
		api.GET("/decisions", s.handleGetDecisions)
		api.GET("/decisions/:id", s.handleGetDecisionDetail)
		api.GET("/trades", s.handleGetTrades)
		api.GET("/performance", s.handleGetPerformance)

		api.GET("/mind", s.handleGetMind)
		api.PUT("/mind", s.handlePutMind)
		api.GET("/mind/history", s.handleGetMindHistory)

		api.GET("/system/status", s.handleSystemStatus)
		api.GET("/system/health", s.handleSystemHealth)
		api.POST("/system/trigger-analysis", s.handleTriggerAnalysis)
		api.POST("/system/pause", s.handleSystemPause)
		api.POST("/system/resume", s.handleSystemResume)

		api.GET("/summary/daily", s.handleDailySummary)
		api.GET("/summary/weekly", s.handleWeeklySummary)
	}

	s.router.GET("/ws/live", s.handleWSLive)
}

// Start runs the hub, the live-feed publisher, and the HTTP listener.
// Blocks until the listener stops.
func (s *Server) Start() error {
	go s.hub.Run()
	go s.publishLiveFeed()

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeout) * time.Second,
	}

	s.log.Info("http server listening", "address", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
