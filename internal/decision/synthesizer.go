package decision

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"eth-trading-agent/internal/database"
	"eth-trading-agent/internal/logging"
	"eth-trading-agent/internal/mind"
	"eth-trading-agent/internal/quant"
)

// Config holds the synthesizer parameters. Percentages are fractions.
type Config struct {
	MaxPositionPct  float64
	MaxStopLossPct  float64
	CognitiveFilter bool
	ModelName       string
}

// Context is everything one decision is synthesized from
type Context struct {
	MarketMind      map[string]any
	Snapshot        quant.Snapshot
	DailyKlines     []database.Kline
	HourlyKlines    []database.Kline
	Portfolio       map[string]any
	RecentDecisions []database.Decision
}

// Reasoning is the structured explanation journaled with each decision
type Reasoning struct {
	MarketRegime        string   `json:"market_regime"`
	MindAlignment       string   `json:"mind_alignment"`
	QuantSignalsSummary string   `json:"quant_signals_summary"`
	NewsSentiment       string   `json:"news_sentiment"`
	KeyFactors          []string `json:"key_factors"`
	RiskConsiderations  []string `json:"risk_considerations"`
	BiasCheck           string   `json:"bias_check"`
	FinalLogic          string   `json:"final_logic"`
	RiskCheck           any      `json:"risk_check,omitempty"`
}

// Proposal is a synthesized trading decision before the risk gate
type Proposal struct {
	Timestamp       time.Time `json:"timestamp"`
	Action          string    `json:"decision"`
	PositionSizePct float64   `json:"position_size_pct"`
	EntryPrice      float64   `json:"entry_price"`
	StopLoss        float64   `json:"stop_loss"`
	TakeProfit      float64   `json:"take_profit"`
	Confidence      float64   `json:"confidence"`
	Reasoning       Reasoning `json:"reasoning"`
	ModelUsed       string    `json:"model_used"`
	InputHash       string    `json:"input_hash"`
	PromptPreview   string    `json:"prompt_preview,omitempty"`
}

// Synthesizer fuses quant signals with the cognitive state into decisions
type Synthesizer struct {
	cfg Config
	log *logging.Logger
}

func NewSynthesizer(cfg Config) *Synthesizer {
	if cfg.ModelName == "" {
		cfg.ModelName = "quant_fusion_v1"
	}
	return &Synthesizer{cfg: cfg, log: logging.WithComponent("decision")}
}

// Synthesize produces a decision. The quant aggregate leads; when it is
// neutral with no active signals, a 7/21 daily MA crossover acts as a
// fallback so the journal still records a view of the market.
func (s *Synthesizer) Synthesize(ctx Context) Proposal {
	summary := ctx.Snapshot.Summary
	if s.cfg.CognitiveFilter {
		summary = quant.Summarize(s.filterSignals(ctx.MarketMind, ctx.Snapshot.Signals))
	}
	action := summary.Action
	confidence := summary.Confidence
	composite := summary.CompositeScore

	dailyCloses := closeSeries(ctx.DailyKlines)
	hourlyCloses := closeSeries(ctx.HourlyKlines)

	quantSummary := fmt.Sprintf("composite=%.6f, active=%d/%d",
		composite, summary.ActiveSignals, summary.TotalSignals)

	keyFactors := []string{
		fmt.Sprintf("composite_score=%.6f", composite),
	}

	if action == quant.ActionHold && summary.ActiveSignals == 0 && len(dailyCloses) > 0 {
		action, confidence, quantSummary = s.trendFallback(dailyCloses)
		keyFactors = append(keyFactors, "source=ma_crossover_fallback")
	}

	latestPrice := 0.0
	if len(hourlyCloses) > 0 {
		latestPrice = hourlyCloses[len(hourlyCloses)-1]
	} else if len(dailyCloses) > 0 {
		latestPrice = dailyCloses[len(dailyCloses)-1]
	}
	keyFactors = append(keyFactors, fmt.Sprintf("latest_price=%.2f", latestPrice))

	positionSizePct := round2(math.Min(s.cfg.MaxPositionPct*100, confidence*20))
	if action == quant.ActionHold {
		positionSizePct = 0.0
	}

	stopLoss := 0.0
	takeProfit := 0.0
	if latestPrice > 0 {
		stopLoss = round2(latestPrice * (1 - s.cfg.MaxStopLossPct))
		takeProfit = round2(latestPrice * (1 + s.cfg.MaxStopLossPct*2))
	}

	reasoning := Reasoning{
		MarketRegime:        regimeOf(ctx.MarketMind),
		MindAlignment:       inferMindAlignment(ctx.MarketMind, action),
		QuantSignalsSummary: quantSummary,
		NewsSentiment:       "not_enabled",
		KeyFactors:          keyFactors,
		RiskConsiderations:  []string{"执行硬性仓位上限", "执行止损距离上限"},
		BiasCheck:           inferBiasCheck(ctx.MarketMind),
		FinalLogic:          "基于多策略信号融合与认知状态给出结构化建议。",
	}

	return Proposal{
		Timestamp:       time.Now().UTC(),
		Action:          action,
		PositionSizePct: positionSizePct,
		EntryPrice:      round2(latestPrice),
		StopLoss:        stopLoss,
		TakeProfit:      takeProfit,
		Confidence:      round3(confidence),
		Reasoning:       reasoning,
		ModelUsed:       s.cfg.ModelName,
		InputHash:       inputHash(ctx),
		PromptPreview:   buildPrompt(ctx),
	}
}

// trendFallback is the 7/21 daily MA crossover used when every strategy
// abstains.
func (s *Synthesizer) trendFallback(dailyCloses []float64) (string, float64, string) {
	shortMA := tailMean(dailyCloses, 7)
	longMA := tailMean(dailyCloses, 21)

	trendScore := 0.0
	if longMA > 0 {
		trendScore = (shortMA - longMA) / longMA
	}

	action := quant.ActionHold
	if trendScore > 0.01 {
		action = quant.ActionBuy
	} else if trendScore < -0.01 {
		action = quant.ActionSell
	}

	confidence := math.Abs(trendScore)*12 + 0.45
	if confidence < 0.45 {
		confidence = 0.45
	}
	if confidence > 0.9 {
		confidence = 0.9
	}

	summary := fmt.Sprintf("daily_short_ma=%.2f, daily_long_ma=%.2f", shortMA, longMA)
	return action, confidence, summary
}

// filterSignals lets the cognitive state reweigh each signal before the
// signals are fused. An active signal's strength is scaled by
// clip(strategy_weight · category_weight · regime alignment, 0.15, 2.0);
// scaled strengths below 0.18 demote the signal to hold. Hold signals pass
// through untouched, so the MA-crossover fallback still fires when every
// strategy abstains.
func (s *Synthesizer) filterSignals(mindDoc map[string]any, signals []quant.Signal) []quant.Signal {
	regime := regimeOf(mindDoc)
	out := make([]quant.Signal, len(signals))
	for i, sig := range signals {
		out[i] = sig
		if sig.Action == quant.ActionHold {
			continue
		}

		weight := mindWeight(mindDoc, sig.Strategy) *
			mindWeight(mindDoc, sig.Category) *
			regimeMultiplier(regime, sig.Category)
		if weight < 0.15 {
			weight = 0.15
		}
		if weight > 2.0 {
			weight = 2.0
		}

		scaled := sig.Strength * weight
		if scaled > 1.0 {
			scaled = 1.0
		}
		out[i].Strength = round4(scaled)
		if scaled < 0.18 {
			s.log.Info("cognitive filter demoted signal",
				"strategy", sig.Strategy, "action", sig.Action,
				"scaled_strength", out[i].Strength)
			out[i].Action = quant.ActionHold
			out[i].Reason = "cognitive_filter_demoted"
		}
	}
	return out
}

// mindWeight looks a strategy or category name up in the cognitive
// strategy_weights map. Missing or non-positive entries weigh 1.0.
func mindWeight(mindDoc map[string]any, key string) float64 {
	weights, ok := mindDoc["strategy_weights"].(map[string]any)
	if !ok {
		return 1.0
	}
	if f, ok := weights[key].(float64); ok && f > 0 {
		return f
	}
	return 1.0
}

func regimeMultiplier(regime, category string) float64 {
	switch {
	case regime == "trending" && category == "trend_following",
		regime == "ranging" && category == "mean_reversion":
		return 1.15
	case regime == "trending" && category == "mean_reversion",
		regime == "ranging" && category == "trend_following":
		return 0.85
	}
	return 1.0
}

func regimeOf(mindDoc map[string]any) string {
	beliefs, ok := mindDoc["market_beliefs"].(map[string]any)
	if !ok {
		return "unknown"
	}
	if regime, ok := beliefs["regime"].(string); ok && regime != "" {
		return regime
	}
	return "unknown"
}

func inferMindAlignment(mindDoc map[string]any, action string) string {
	regime := regimeOf(mindDoc)
	if regime == "unknown" {
		regime = "未定义"
	}
	switch action {
	case quant.ActionBuy:
		return fmt.Sprintf("当前信号偏多，与Market Mind的市场阶段判断(%s)一致。", regime)
	case quant.ActionSell:
		return "当前信号转弱，与Market Mind的风险优先原则保持一致。"
	default:
		return "趋势不明确，符合Market Mind中降低噪音交易的原则。"
	}
}

func inferBiasCheck(mindDoc map[string]any) string {
	items, ok := mindDoc["bias_awareness"].([]any)
	if !ok || len(items) == 0 {
		return "未配置偏误警觉项，默认执行保守仓位规则。"
	}

	first, ok := items[0].(map[string]any)
	if !ok {
		return "未配置偏误警觉项，默认执行保守仓位规则。"
	}

	bias := "未知偏误"
	if b, ok := first["bias"].(string); ok && b != "" {
		bias = b
	}
	mitigation := "执行双重信号确认"
	if m, ok := first["mitigation"].(string); ok && m != "" {
		mitigation = m
	}
	return fmt.Sprintf("检查偏误: %s；缓解措施: %s。", bias, mitigation)
}

// inputHash fingerprints the decision inputs. Go's map marshaling sorts keys,
// so the hash is deterministic for identical inputs.
func inputHash(ctx Context) string {
	payload := map[string]any{
		"mind":             ctx.MarketMind,
		"daily_klines":     tailKlines(ctx.DailyKlines, 30),
		"hourly_klines":    tailKlines(ctx.HourlyKlines, 24),
		"portfolio":        ctx.Portfolio,
		"recent_decisions": tailDecisions(ctx.RecentDecisions, 5),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// buildPrompt renders the full analyst prompt: the cognitive briefing plus
// the task inputs. Kept for inspection via the API even though no language
// model is called.
func buildPrompt(ctx Context) string {
	payload := map[string]any{
		"daily_klines":     tailKlines(ctx.DailyKlines, 30),
		"hourly_klines":    tailKlines(ctx.HourlyKlines, 24),
		"portfolio":        ctx.Portfolio,
		"recent_decisions": tailDecisions(ctx.RecentDecisions, 5),
		"output_required_fields": []string{
			"decision",
			"position_size_pct",
			"entry_price",
			"stop_loss",
			"take_profit",
			"confidence",
			"reasoning.mind_alignment",
			"reasoning.bias_check",
		},
	}
	data, _ := json.Marshal(payload)
	return fmt.Sprintf("%s\n## 任务输入\n%s", mind.PromptPreview(ctx.MarketMind), string(data))
}

func closeSeries(klines []database.Kline) []float64 {
	closes := make([]float64, 0, len(klines))
	for _, k := range klines {
		if k.Close > 0 {
			closes = append(closes, k.Close)
		}
	}
	return closes
}

func tailMean(values []float64, n int) float64 {
	if len(values) == 0 {
		return 0
	}
	if len(values) > n {
		values = values[len(values)-n:]
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func tailKlines(klines []database.Kline, n int) []database.Kline {
	if len(klines) > n {
		return klines[len(klines)-n:]
	}
	return klines
}

func tailDecisions(decisions []database.Decision, n int) []database.Decision {
	if len(decisions) > n {
		return decisions[:n]
	}
	return decisions
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
