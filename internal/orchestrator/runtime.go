package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"eth-trading-agent/internal/database"
	"eth-trading-agent/internal/decision"
	"eth-trading-agent/internal/events"
	"eth-trading-agent/internal/logging"
	"eth-trading-agent/internal/market"
	"eth-trading-agent/internal/notification"
	"eth-trading-agent/internal/paper"
	"eth-trading-agent/internal/quant"
	"eth-trading-agent/internal/risk"
)

// Config holds the orchestration parameters
type Config struct {
	Symbol                string
	SchedulerEnabled      bool
	AnalysisIntervalHours int
	Risk                  risk.Config
}

// MarketSyncer keeps the candle store fresh and serves it
type MarketSyncer interface {
	MaybeBackfill(ctx context.Context) error
	SyncAll(ctx context.Context) market.SyncResult
	RecentKlines(ctx context.Context, timeframe string, limit int) ([]database.Kline, error)
	LatestPrice(ctx context.Context) (*float64, error)
}

// DecisionStore journals and serves decisions
type DecisionStore interface {
	SaveDecision(ctx context.Context, d *database.Decision) error
	GetDecisions(ctx context.Context, symbol string, limit, offset int) ([]database.Decision, error)
}

// MindLoader serves the current cognitive document
type MindLoader interface {
	Load() (map[string]any, error)
}

// Ledger executes approved decisions and reports the account
type Ledger interface {
	Snapshot(ctx context.Context, markPrice *float64) (paper.Snapshot, error)
	ExecuteDecision(ctx context.Context, proposal decision.Proposal, decisionID *int64, marketPrice float64) (paper.ExecutionResult, error)
}

// CycleReport summarizes one analysis cycle
type CycleReport struct {
	CycleID     string               `json:"cycle_id"`
	Source      string               `json:"source"`
	Symbol      string               `json:"symbol"`
	StartedAt   time.Time            `json:"started_at"`
	Duration    time.Duration        `json:"-"`
	SyncStatus  market.SyncResult    `json:"sync_status"`
	MarketPrice float64              `json:"market_price"`
	Skipped     bool                 `json:"skipped"`
	SkipReason  string               `json:"skip_reason,omitempty"`
	DecisionID  int64                `json:"decision_id,omitempty"`
	Decision    *decision.Proposal   `json:"decision,omitempty"`
	RiskResult  *risk.Result         `json:"risk_result,omitempty"`
	Executed    *paper.ExecutedTrade `json:"executed_trade,omitempty"`
}

// Status reports the scheduler and cycle health
type Status struct {
	Status              string     `json:"status"` // running, stopped, disabled
	IntervalHours       int        `json:"interval_hours"`
	LastCycleAt         *time.Time `json:"last_cycle_at,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
}

// Runtime drives the scheduled analysis pipeline: sync, signals, decision,
// risk gate, execution, journal. Cycles are serialized by a mutex.
type Runtime struct {
	cfg         Config
	market      MarketSyncer
	decisions   DecisionStore
	mindStore   MindLoader
	synthesizer *decision.Synthesizer
	ledger      Ledger
	notifier    *notification.Manager
	bus         *events.EventBus
	log         *logging.Logger

	cycleMu sync.Mutex

	mu                  sync.Mutex
	cancel              context.CancelFunc
	running             bool
	lastCycleAt         *time.Time
	lastError           string
	consecutiveFailures int
}

func NewRuntime(
	cfg Config,
	marketSvc MarketSyncer,
	decisions DecisionStore,
	mindStore MindLoader,
	synthesizer *decision.Synthesizer,
	ledger Ledger,
	notifier *notification.Manager,
	bus *events.EventBus,
) *Runtime {
	if cfg.AnalysisIntervalHours < 1 {
		cfg.AnalysisIntervalHours = 1
	}
	return &Runtime{
		cfg:         cfg,
		market:      marketSvc,
		decisions:   decisions,
		mindStore:   mindStore,
		synthesizer: synthesizer,
		ledger:      ledger,
		notifier:    notifier,
		bus:         bus,
		log:         logging.WithComponent("orchestrator"),
	}
}

// RunCycle executes one full analysis cycle. When the store holds no usable
// market price the cycle is skipped: nothing is journaled or executed.
func (r *Runtime) RunCycle(ctx context.Context, source string) (*CycleReport, error) {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	report := &CycleReport{
		CycleID:   uuid.NewString(),
		Source:    source,
		Symbol:    r.cfg.Symbol,
		StartedAt: time.Now().UTC(),
	}
	ctx, _ = logging.WithTraceContext(ctx, report.CycleID)
	log := r.log.WithTraceID(report.CycleID)
	log.Info("analysis cycle started", "source", source)

	err := r.runCycle(ctx, report, log)
	report.Duration = time.Since(report.StartedAt)

	r.mu.Lock()
	now := time.Now().UTC()
	r.lastCycleAt = &now
	switch {
	case err != nil:
		r.consecutiveFailures++
		r.lastError = err.Error()
	case report.Skipped:
		// A skipped cycle produced nothing; treat it as a soft failure so
		// repeated price gaps surface in the status
		r.consecutiveFailures++
	default:
		r.consecutiveFailures = 0
		r.lastError = ""
	}
	r.mu.Unlock()

	if err != nil {
		log.Error("analysis cycle failed", "error", err)
		if r.bus != nil {
			r.bus.PublishError("orchestrator", "analysis cycle failed", err)
		}
		return report, err
	}

	log.Info("analysis cycle finished",
		"skipped", report.Skipped,
		"duration", report.Duration.String())
	r.notifyCycle(ctx, report)
	return report, nil
}

func (r *Runtime) runCycle(ctx context.Context, report *CycleReport, log *logging.Logger) error {
	if err := r.market.MaybeBackfill(ctx); err != nil {
		// A failed backfill is not fatal; the sync pass may still succeed
		log.Warn("backfill failed", "error", err)
	}

	report.SyncStatus = r.market.SyncAll(ctx)

	daily, err := r.market.RecentKlines(ctx, "1d", 120)
	if err != nil {
		return fmt.Errorf("load daily klines: %w", err)
	}
	hourly, err := r.market.RecentKlines(ctx, "1h", 24)
	if err != nil {
		return fmt.Errorf("load hourly klines: %w", err)
	}

	price, err := r.market.LatestPrice(ctx)
	if err != nil {
		return fmt.Errorf("load market price: %w", err)
	}
	if price == nil || *price <= 0 {
		report.Skipped = true
		report.SkipReason = "no market price available"
		log.Warn("cycle skipped", "reason", report.SkipReason)
		return nil
	}
	report.MarketPrice = *price

	portfolio, err := r.ledger.Snapshot(ctx, price)
	if err != nil {
		return fmt.Errorf("portfolio snapshot: %w", err)
	}

	mindDoc, err := r.mindStore.Load()
	if err != nil {
		return fmt.Errorf("load mind: %w", err)
	}

	recent, err := r.decisions.GetDecisions(ctx, r.cfg.Symbol, 5, 0)
	if err != nil {
		return fmt.Errorf("load recent decisions: %w", err)
	}

	snapshot := quant.BuildSnapshot(r.cfg.Symbol, "1d", daily)

	proposal := r.synthesizer.Synthesize(decision.Context{
		MarketMind:      mindDoc,
		Snapshot:        snapshot,
		DailyKlines:     daily,
		HourlyKlines:    hourly,
		Portfolio:       snapshotToMap(portfolio),
		RecentDecisions: recent,
	})

	riskResult := risk.Apply(r.cfg.Risk, proposal, risk.Portfolio{
		ExposurePct: portfolio.ExposurePct,
		DailyPnLPct: portfolio.DailyPnLPct,
	}, mindDoc)
	report.RiskResult = &riskResult

	final := riskResult.Adjusted
	final.Reasoning.RiskCheck = riskCheckPayload(riskResult)
	report.Decision = &final

	row, err := r.journalDecision(ctx, final)
	if err != nil {
		return err
	}
	report.DecisionID = row.ID
	if r.bus != nil {
		r.bus.PublishDecisionJournaled(row.ID, r.cfg.Symbol, final.Action, final.Confidence, riskResult.Approved)
	}

	if riskResult.Approved {
		execResult, err := r.ledger.ExecuteDecision(ctx, final, &row.ID, *price)
		if err != nil {
			return fmt.Errorf("execute decision: %w", err)
		}
		report.Executed = execResult.ExecutedTrade
		if report.Executed != nil && r.bus != nil {
			r.bus.PublishTradeExecuted(report.Executed.ID, r.cfg.Symbol,
				report.Executed.Side, report.Executed.Quantity, report.Executed.Price)
		}
	}

	return nil
}

func (r *Runtime) journalDecision(ctx context.Context, final decision.Proposal) (*database.Decision, error) {
	reasoningJSON, err := json.Marshal(final.Reasoning)
	if err != nil {
		return nil, fmt.Errorf("encode reasoning: %w", err)
	}

	row := &database.Decision{
		Timestamp:       final.Timestamp,
		Symbol:          r.cfg.Symbol,
		Action:          final.Action,
		Confidence:      final.Confidence,
		PositionSizePct: final.PositionSizePct,
		EntryPrice:      &final.EntryPrice,
		StopLoss:        &final.StopLoss,
		TakeProfit:      &final.TakeProfit,
		ReasoningJSON:   string(reasoningJSON),
		ModelUsed:       final.ModelUsed,
		InputHash:       final.InputHash,
	}
	if err := r.decisions.SaveDecision(ctx, row); err != nil {
		return nil, fmt.Errorf("journal decision: %w", err)
	}
	return row, nil
}

func (r *Runtime) notifyCycle(ctx context.Context, report *CycleReport) {
	if r.notifier == nil {
		return
	}
	event := notification.Event{
		Type:      notification.EventCycleCompleted,
		Title:     fmt.Sprintf("Analysis cycle (%s)", report.Source),
		Timestamp: report.StartedAt,
		Data: map[string]any{
			"cycle_id":     report.CycleID,
			"symbol":       report.Symbol,
			"skipped":      report.Skipped,
			"market_price": report.MarketPrice,
		},
	}
	if report.Decision != nil {
		event.Message = fmt.Sprintf("%s decision at confidence %.3f",
			report.Decision.Action, report.Decision.Confidence)
		event.Data["decision_id"] = report.DecisionID
	} else {
		event.Message = report.SkipReason
	}
	r.notifier.Notify(ctx, event)
}

// StartScheduler launches the periodic cycle loop. Returns the resulting
// scheduler status.
func (r *Runtime) StartScheduler() Status {
	if !r.cfg.SchedulerEnabled {
		return Status{Status: "disabled", IntervalHours: r.cfg.AnalysisIntervalHours}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return r.statusLocked()
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.running = true

	interval := time.Duration(r.cfg.AnalysisIntervalHours) * time.Hour
	go r.loop(ctx, interval)

	r.log.Info("scheduler started", "interval_hours", r.cfg.AnalysisIntervalHours)
	return r.statusLocked()
}

func (r *Runtime) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunCycle(ctx, "scheduler"); err != nil {
				r.log.Error("scheduled cycle failed", "error", err)
			}
		}
	}
}

// StopScheduler pauses the periodic loop. Manual cycles stay available.
func (r *Runtime) StopScheduler() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.running = false
	r.log.Info("scheduler stopped")
	return r.statusLocked()
}

// Status reports the current scheduler state
func (r *Runtime) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusLocked()
}

func (r *Runtime) statusLocked() Status {
	state := "stopped"
	if !r.cfg.SchedulerEnabled {
		state = "disabled"
	} else if r.running {
		state = "running"
	}
	return Status{
		Status:              state,
		IntervalHours:       r.cfg.AnalysisIntervalHours,
		LastCycleAt:         r.lastCycleAt,
		LastError:           r.lastError,
		ConsecutiveFailures: r.consecutiveFailures,
	}
}

func riskCheckPayload(result risk.Result) map[string]any {
	violations := result.Violations
	if violations == nil {
		violations = []string{}
	}
	adjustments := result.Adjustments
	if adjustments == nil {
		adjustments = []string{}
	}
	return map[string]any{
		"approved":    result.Approved,
		"violations":  violations,
		"adjustments": adjustments,
	}
}

func snapshotToMap(snap paper.Snapshot) map[string]any {
	data, err := json.Marshal(snap)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	return out
}
