package api

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"eth-trading-agent/internal/binance"
	"eth-trading-agent/internal/cache"
	"eth-trading-agent/internal/database"
	"eth-trading-agent/internal/market"
	"eth-trading-agent/internal/mind"
	"eth-trading-agent/internal/quant"
)

func intQuery(c *gin.Context, key string, def, min, max int) int {
	v, err := strconv.Atoi(c.DefaultQuery(key, strconv.Itoa(def)))
	if err != nil {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func serializeDecision(row database.Decision) map[string]any {
	var reasoning map[string]any
	if err := json.Unmarshal([]byte(row.ReasoningJSON), &reasoning); err != nil {
		reasoning = map[string]any{"raw": row.ReasoningJSON}
	}
	return map[string]any{
		"id":                row.ID,
		"timestamp":         row.Timestamp.UTC().Format(time.RFC3339),
		"decision":          row.Action,
		"position_size_pct": row.PositionSizePct,
		"entry_price":       row.EntryPrice,
		"stop_loss":         row.StopLoss,
		"take_profit":       row.TakeProfit,
		"confidence":        row.Confidence,
		"reasoning":         reasoning,
		"model_used":        row.ModelUsed,
		"input_hash":        row.InputHash,
	}
}

func serializeTrade(row database.Trade) map[string]any {
	return map[string]any{
		"id":        row.ID,
		"timestamp": row.Timestamp.UTC().Format(time.RFC3339),
		"symbol":    row.Symbol,
		"side":      row.Side,
		"quantity":  row.Quantity,
		"price":     row.Price,
		"fee":       row.Fee,
		"slippage":  row.Slippage,
		"pnl":       row.PnL,
		"notes":     row.Notes,
	}
}

func (s *Server) latestDecision(c *gin.Context) *database.Decision {
	rows, err := s.repo.GetDecisions(c.Request.Context(), s.symbol, 1, 0)
	if err != nil || len(rows) == 0 {
		return nil
	}
	return &rows[0]
}

// GET /api/klines?timeframe=1d&limit=90&refresh=false
func (s *Server) handleGetKlines(c *gin.Context) {
	timeframe := c.DefaultQuery("timeframe", "1d")
	limit := intQuery(c, "limit", 90, 1, 500)
	refresh := c.DefaultQuery("refresh", "false") == "true"

	if !binance.ValidTimeframes[timeframe] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "timeframe must be one of: 1h, 4h, 1d"})
		return
	}

	ctx := c.Request.Context()
	refreshResult := gin.H{"requested": refresh}
	if refresh {
		fetchLimit := limit
		if fetchLimit < 60 {
			fetchLimit = 60
		}
		stored, err := s.marketSvc.FetchAndStore(ctx, timeframe, fetchLimit)
		if err != nil {
			refreshResult["error"] = err.Error()
		} else {
			refreshResult["stored"] = stored
		}
	}

	cacheKey := fmt.Sprintf(cache.KeyKlines, s.symbol, timeframe, limit)
	if !refresh {
		var cached gin.H
		if s.cache.GetJSON(ctx, cacheKey, &cached) {
			c.JSON(http.StatusOK, cached)
			return
		}
	}

	items, err := s.repo.GetRecentKlines(ctx, s.symbol, timeframe, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	source := "database"
	if len(items) == 0 {
		items = market.MockKlines(s.symbol, timeframe, limit)
		source = "mock_fallback"
	}

	response := gin.H{"items": items, "source": source, "refresh": refreshResult}
	if !refresh && source == "database" {
		s.cache.SetJSON(ctx, cacheKey, response)
	}
	c.JSON(http.StatusOK, response)
}

// GET /api/portfolio
func (s *Server) handleGetPortfolio(c *gin.Context) {
	ctx := c.Request.Context()

	markPrice, err := s.repo.LatestPrice(ctx, s.symbol)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	snapshot, err := s.ledger.Snapshot(ctx, markPrice)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	mark := 0.0
	if markPrice != nil {
		mark = *markPrice
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol":        s.symbol,
		"mark_price":    math.Round(mark*100) / 100,
		"balance":       snapshot.Balance,
		"equity":        snapshot.Equity,
		"available":     snapshot.Available,
		"exposure_pct":  snapshot.ExposurePct,
		"daily_pnl_pct": snapshot.DailyPnLPct,
		"realized_pnl":  snapshot.RealizedPnL,
		"positions":     snapshot.Positions,
	})
}

// GET /api/signals?timeframe=1d&limit=120 computes the current strategy
// signals from stored candles instead of serving stale placeholders.
func (s *Server) handleGetSignals(c *gin.Context) {
	timeframe := c.DefaultQuery("timeframe", "1d")
	limit := intQuery(c, "limit", 120, 1, 500)

	if !binance.ValidTimeframes[timeframe] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "timeframe must be one of: 1h, 4h, 1d"})
		return
	}

	ctx := c.Request.Context()
	cacheKey := fmt.Sprintf(cache.KeySignals, s.symbol) + ":" + timeframe
	var cached gin.H
	if s.cache.GetJSON(ctx, cacheKey, &cached) {
		c.JSON(http.StatusOK, cached)
		return
	}

	candles, err := s.repo.GetRecentKlines(ctx, s.symbol, timeframe, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	source := "database"
	if len(candles) == 0 {
		candles = market.MockKlines(s.symbol, timeframe, limit)
		source = "mock_fallback"
	}

	snapshot := quant.BuildSnapshot(s.symbol, timeframe, candles)
	response := gin.H{"items": snapshot.Signals, "summary": snapshot.Summary, "source": source}
	if source == "database" {
		s.cache.SetJSON(ctx, cacheKey, response)
	}
	c.JSON(http.StatusOK, response)
}

// GET /api/decisions?page=1&limit=20
func (s *Server) handleGetDecisions(c *gin.Context) {
	page := intQuery(c, "page", 1, 1, 1<<30)
	limit := intQuery(c, "limit", 20, 1, 100)
	offset := (page - 1) * limit

	rows, err := s.repo.GetDecisions(c.Request.Context(), s.symbol, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	items := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		items = append(items, serializeDecision(row))
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "page": page, "limit": limit})
}

// GET /api/decisions/:id
func (s *Server) handleGetDecisionDetail(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid decision id"})
		return
	}

	row, err := s.repo.GetDecisionByID(c.Request.Context(), id)
	if err == database.ErrNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "Decision not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, serializeDecision(*row))
}

// GET /api/trades?page=1&limit=20
func (s *Server) handleGetTrades(c *gin.Context) {
	page := intQuery(c, "page", 1, 1, 1<<30)
	limit := intQuery(c, "limit", 20, 1, 100)
	offset := (page - 1) * limit

	rows, err := s.repo.GetRecentTrades(c.Request.Context(), s.symbol, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	items := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		items = append(items, serializeTrade(row))
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "page": page, "limit": limit})
}

// GET /api/performance builds the equity curve from the full trade ledger:
// sells add their realized pnl, buys subtract their fee, one point per date.
func (s *Server) handleGetPerformance(c *gin.Context) {
	ctx := c.Request.Context()

	markPrice, err := s.repo.LatestPrice(ctx, s.symbol)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	snapshot, err := s.ledger.Snapshot(ctx, markPrice)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	trades, err := s.repo.ListTrades(ctx, s.symbol)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	curve, metrics := buildPerformance(trades, snapshot.Equity, s.initialBalance, time.Now().UTC())
	c.JSON(http.StatusOK, gin.H{"equity_curve": curve, "metrics": metrics})
}

type equityPoint struct {
	Date   string  `json:"date"`
	Equity float64 `json:"equity"`
}

func buildPerformance(trades []database.Trade, currentEquity, initialBalance float64, now time.Time) ([]equityPoint, map[string]any) {
	round2 := func(v float64) float64 { return math.Round(v*100) / 100 }

	startDate := now.AddDate(0, 0, -1)
	if len(trades) > 0 {
		startDate = trades[0].Timestamp.UTC().AddDate(0, 0, -1)
	}

	curve := []equityPoint{{Date: startDate.Format("2006-01-02"), Equity: round2(initialBalance)}}
	seen := map[string]int{startDate.Format("2006-01-02"): 0}

	running := initialBalance
	for _, t := range trades {
		pnl := 0.0
		if t.PnL != nil {
			pnl = *t.PnL
		}
		if t.Side == "sell" {
			running += pnl
		} else {
			running -= t.Fee
		}

		dateKey := t.Timestamp.UTC().Format("2006-01-02")
		if idx, ok := seen[dateKey]; ok {
			curve[idx].Equity = round2(running)
		} else {
			curve = append(curve, equityPoint{Date: dateKey, Equity: round2(running)})
			seen[dateKey] = len(curve) - 1
		}
	}

	todayKey := now.Format("2006-01-02")
	if idx, ok := seen[todayKey]; ok {
		curve[idx].Equity = round2(currentEquity)
	} else {
		curve = append(curve, equityPoint{Date: todayKey, Equity: round2(currentEquity)})
	}

	maxDrawdownPct := 0.0
	peak := initialBalance
	for _, point := range curve {
		if point.Equity > peak {
			peak = point.Equity
		}
		if peak > 0 {
			drawdown := (peak - point.Equity) / peak * 100
			if drawdown > maxDrawdownPct {
				maxDrawdownPct = drawdown
			}
		}
	}

	winCount := 0
	sellCount := 0
	totalProfit := 0.0
	totalLoss := 0.0
	for _, t := range trades {
		if t.Side != "sell" {
			continue
		}
		sellCount++
		pnl := 0.0
		if t.PnL != nil {
			pnl = *t.PnL
		}
		if pnl > 0 {
			winCount++
			totalProfit += pnl
		} else if pnl < 0 {
			totalLoss += -pnl
		}
	}

	winRate := 0.0
	if sellCount > 0 {
		winRate = float64(winCount) / float64(sellCount)
	}

	var profitFactor any = 0.0
	if totalLoss > 0 {
		profitFactor = round2(totalProfit / totalLoss)
	} else if totalProfit > 0 {
		profitFactor = "Inf"
	}

	totalReturnPct := 0.0
	if initialBalance > 0 {
		totalReturnPct = (currentEquity - initialBalance) / initialBalance * 100
	}

	metrics := map[string]any{
		"total_return_pct": round2(totalReturnPct),
		"max_drawdown_pct": round2(maxDrawdownPct),
		"win_rate":         math.Round(winRate*10000) / 10000,
		"profit_factor":    profitFactor,
		"total_trades":     sellCount,
		"winning_trades":   winCount,
		"losing_trades":    sellCount - winCount,
	}
	return curve, metrics
}

// GET /api/mind
func (s *Server) handleGetMind(c *gin.Context) {
	doc, err := s.mindStore.Load()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"market_mind":    doc,
		"prompt_preview": mind.PromptPreview(doc),
	})
}

type mindUpdateRequest struct {
	MarketMind    map[string]any `json:"market_mind"`
	Patch         map[string]any `json:"patch"`
	ChangedBy     string         `json:"changed_by"`
	ChangeSummary string         `json:"change_summary"`
}

// PUT /api/mind replaces the whole document or merges a patch
func (s *Server) handlePutMind(c *gin.Context) {
	var req mindUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ChangedBy == "" {
		req.ChangedBy = "api_user"
	}

	ctx := c.Request.Context()
	switch {
	case req.MarketMind != nil:
		warnings := mind.Validate(req.MarketMind)
		saved, err := s.mindStore.Save(ctx, req.MarketMind, req.ChangedBy, req.ChangeSummary)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		response := gin.H{"market_mind": saved, "mode": "replace"}
		if len(warnings) > 0 {
			response["validation_warnings"] = warnings
		}
		c.JSON(http.StatusOK, response)

	case req.Patch != nil:
		saved, err := s.mindStore.Update(ctx, req.Patch, req.ChangedBy, req.ChangeSummary)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"market_mind": saved, "mode": "merge"})

	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Provide either market_mind or patch"})
	}
}

// GET /api/mind/history?limit=20
func (s *Server) handleGetMindHistory(c *gin.Context) {
	limit := intQuery(c, "limit", 20, 1, 100)

	rows, err := s.repo.GetMindHistory(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	items := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		var previous, next any
		if err := json.Unmarshal([]byte(row.PreviousState), &previous); err != nil {
			previous = row.PreviousState
		}
		if err := json.Unmarshal([]byte(row.NewState), &next); err != nil {
			next = row.NewState
		}
		items = append(items, map[string]any{
			"id":             row.ID,
			"changed_at":     row.Timestamp.UTC().Format(time.RFC3339),
			"changed_by":     row.ChangedBy,
			"change_summary": row.ChangeSummary,
			"previous_state": previous,
			"new_state":      next,
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// GET /api/system/status
func (s *Server) handleSystemStatus(c *gin.Context) {
	status := s.runtime.Status()

	var lastDecisionAt any
	if latest := s.latestDecision(c); latest != nil {
		lastDecisionAt = latest.Timestamp.UTC().Format(time.RFC3339)
	}

	c.JSON(http.StatusOK, gin.H{
		"trading":                 "running",
		"scheduler":               status,
		"data_pipeline":           "running",
		"analysis_interval_hours": status.IntervalHours,
		"last_decision_at":        lastDecisionAt,
	})
}

// GET /api/system/health verifies database connectivity, data freshness,
// and the scheduler.
func (s *Server) handleSystemHealth(c *gin.Context) {
	ctx := c.Request.Context()
	checks := gin.H{}

	dbStatus := "ok"
	if err := s.db.HealthCheck(ctx); err != nil {
		dbStatus = fmt.Sprintf("error: %v", err)
	}
	checks["database"] = dbStatus

	latestAt, err := s.repo.LatestKlineTime(ctx, s.symbol)
	if err == nil && latestAt != nil {
		ageHours := time.Since(*latestAt).Hours()
		checks["data_freshness"] = gin.H{
			"latest_kline_age_hours": math.Round(ageHours*10) / 10,
			"stale":                  ageHours > 6,
		}
	} else {
		checks["data_freshness"] = gin.H{"latest_kline_age_hours": nil, "stale": true}
	}

	status := s.runtime.Status()
	overall := "ok"
	if dbStatus != "ok" {
		overall = "degraded"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    overall,
		"scheduler": status,
		"checks":    checks,
	})
}

// POST /api/system/trigger-analysis
func (s *Server) handleTriggerAnalysis(c *gin.Context) {
	report, err := s.runtime.RunCycle(c.Request.Context(), "manual_api")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "result": report})
		return
	}
	s.cache.Invalidate(c.Request.Context(), s.symbol)
	c.JSON(http.StatusOK, gin.H{"status": "completed", "result": report})
}

// POST /api/system/pause
func (s *Server) handleSystemPause(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"scheduler": s.runtime.StopScheduler(),
		"message":   "Trading scheduler paused",
	})
}

// POST /api/system/resume
func (s *Server) handleSystemResume(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"scheduler": s.runtime.StartScheduler(),
		"message":   "Trading scheduler resumed",
	})
}

// GET /api/summary/daily
func (s *Server) handleDailySummary(c *gin.Context) {
	summary := "今日尚无决策。"
	if latest := s.latestDecision(c); latest != nil {
		summary = fmt.Sprintf("最新决策: %s，置信度 %.2f。", latest.Action, latest.Confidence)
	}
	c.JSON(http.StatusOK, gin.H{
		"date":    time.Now().UTC().Format("2006-01-02"),
		"summary": summary,
	})
}

// GET /api/summary/weekly
func (s *Server) handleWeeklySummary(c *gin.Context) {
	since := time.Now().UTC().AddDate(0, 0, -7)
	rows, err := s.repo.GetDecisionsSince(c.Request.Context(), s.symbol, since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	buys, sells, holds := 0, 0, 0
	for _, row := range rows {
		switch row.Action {
		case "buy":
			buys++
		case "sell":
			sells++
		case "hold":
			holds++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"week_start": since.Format("2006-01-02"),
		"summary": fmt.Sprintf("近7天决策共%d次，buy=%d, sell=%d, hold=%d。",
			len(rows), buys, sells, holds),
	})
}
