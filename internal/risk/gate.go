package risk

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"eth-trading-agent/internal/decision"
)

// Config holds the hard limits. Percentages are fractions: 0.20 means 20%.
type Config struct {
	MaxPositionPct  float64
	MaxExposurePct  float64
	MaxDailyLossPct float64
	MaxStopLossPct  float64
}

// Portfolio is the account view the gate checks against
type Portfolio struct {
	ExposurePct float64
	DailyPnLPct float64
}

// Result is the gate's verdict. Adjusted carries the possibly-modified
// proposal; the original is never mutated.
type Result struct {
	Approved    bool              `json:"approved"`
	Adjusted    decision.Proposal `json:"adjusted_decision"`
	Violations  []string          `json:"violations"`
	Adjustments []string          `json:"adjustments"`
}

var percentPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`)

// dynamicPositionCap scans the cognitive document's bias mitigations for a
// self-imposed position cap, e.g. "连续盈利3次后仓位上限自动降低到15%".
// The first mitigation mentioning both 仓位 and 上限 with a percentage wins.
func dynamicPositionCap(mindDoc map[string]any) (float64, bool) {
	items, ok := mindDoc["bias_awareness"].([]any)
	if !ok {
		return 0, false
	}

	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		mitigation, _ := entry["mitigation"].(string)
		if !strings.Contains(mitigation, "仓位") || !strings.Contains(mitigation, "上限") {
			continue
		}
		match := percentPattern.FindStringSubmatch(mitigation)
		if match == nil {
			continue
		}
		cap, err := strconv.ParseFloat(match[1], 64)
		if err != nil {
			continue
		}
		return cap, true
	}
	return 0, false
}

// Apply runs every risk check against the proposal. Pure: no I/O, no clock.
func Apply(cfg Config, proposal decision.Proposal, portfolio Portfolio, mindDoc map[string]any) Result {
	adjusted := proposal
	var violations, adjustments []string

	action := strings.ToLower(adjusted.Action)
	if action != "buy" && action != "sell" && action != "hold" {
		violations = append(violations, fmt.Sprintf("Invalid decision action: %s", action))
		return Result{
			Approved:    false,
			Adjusted:    adjusted,
			Violations:  violations,
			Adjustments: adjustments,
		}
	}

	maxPositionPct := cfg.MaxPositionPct * 100
	maxExposurePct := cfg.MaxExposurePct * 100
	if cap, ok := dynamicPositionCap(mindDoc); ok {
		maxPositionPct = math.Min(maxPositionPct, cap)
	}

	requested := adjusted.PositionSizePct
	bounded := math.Max(0, math.Min(maxPositionPct, requested))
	if bounded != requested {
		adjusted.PositionSizePct = round2(bounded)
		adjustments = append(adjustments,
			fmt.Sprintf("position_size_pct adjusted to max single position cap: %.2f%%", bounded))
	}

	if action == "buy" {
		projected := portfolio.ExposurePct + adjusted.PositionSizePct
		if projected > maxExposurePct {
			allowed := math.Max(0, maxExposurePct-portfolio.ExposurePct)
			adjusted.PositionSizePct = round2(allowed)
			adjustments = append(adjustments,
				fmt.Sprintf("position_size_pct adjusted to exposure cap allowance: %.2f%%", allowed))
		}

		entry := adjusted.EntryPrice
		stop := adjusted.StopLoss
		switch {
		case entry <= 0 || stop <= 0:
			violations = append(violations, "Stop-loss is required for buy decisions.")
		case stop >= entry:
			violations = append(violations, "Stop-loss must be lower than entry price for long positions.")
		default:
			stopLossPct := (entry - stop) / entry
			if stopLossPct > cfg.MaxStopLossPct {
				adjusted.StopLoss = round2(entry * (1 - cfg.MaxStopLossPct))
				adjustments = append(adjustments,
					fmt.Sprintf("stop_loss adjusted to max distance cap: %.2f%%", cfg.MaxStopLossPct*100))
			}
		}
	}

	if portfolio.DailyPnLPct <= -cfg.MaxDailyLossPct*100 {
		violations = append(violations, "Max daily loss reached; new positions are blocked.")
	}

	approved := len(violations) == 0 && (action != "buy" || adjusted.PositionSizePct > 0)
	return Result{
		Approved:    approved,
		Adjusted:    adjusted,
		Violations:  violations,
		Adjustments: adjustments,
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
