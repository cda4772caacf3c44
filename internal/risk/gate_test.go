package risk

import (
	"strings"
	"testing"

	"eth-trading-agent/internal/decision"
)

func testGateConfig() Config {
	return Config{
		MaxPositionPct:  0.20,
		MaxExposurePct:  0.60,
		MaxDailyLossPct: 0.03,
		MaxStopLossPct:  0.05,
	}
}

func buyProposal() decision.Proposal {
	return decision.Proposal{
		Action:          "buy",
		PositionSizePct: 15.0,
		EntryPrice:      3000,
		StopLoss:        2900,
		TakeProfit:      3300,
		Confidence:      0.7,
	}
}

func TestInvalidActionRejected(t *testing.T) {
	p := buyProposal()
	p.Action = "short"

	result := Apply(testGateConfig(), p, Portfolio{}, map[string]any{})

	if result.Approved {
		t.Error("invalid action must not be approved")
	}
	if len(result.Violations) != 1 || !strings.Contains(result.Violations[0], "Invalid decision action") {
		t.Errorf("unexpected violations: %v", result.Violations)
	}
}

func TestPositionSizeClampedToCap(t *testing.T) {
	p := buyProposal()
	p.PositionSizePct = 35.0

	result := Apply(testGateConfig(), p, Portfolio{}, map[string]any{})

	if result.Adjusted.PositionSizePct != 20.0 {
		t.Errorf("expected clamp to 20, got %v", result.Adjusted.PositionSizePct)
	}
	if len(result.Adjustments) == 0 {
		t.Error("expected an adjustment record")
	}
	if !result.Approved {
		t.Errorf("clamped buy should still be approved: %v", result.Violations)
	}
}

func TestDynamicCapFromMindMitigation(t *testing.T) {
	mindDoc := map[string]any{
		"bias_awareness": []any{
			map[string]any{
				"bias":       "过度自信",
				"mitigation": "连续盈利3次后仓位上限自动降低到15%",
			},
		},
	}

	p := buyProposal()
	p.PositionSizePct = 18.0

	result := Apply(testGateConfig(), p, Portfolio{}, mindDoc)

	if result.Adjusted.PositionSizePct != 15.0 {
		t.Errorf("expected dynamic cap 15, got %v", result.Adjusted.PositionSizePct)
	}
}

func TestDynamicCapIgnoresUnrelatedMitigations(t *testing.T) {
	mindDoc := map[string]any{
		"bias_awareness": []any{
			map[string]any{"mitigation": "每天最多交易2次，约50%的时间观望"},
		},
	}

	p := buyProposal()
	result := Apply(testGateConfig(), p, Portfolio{}, mindDoc)

	if result.Adjusted.PositionSizePct != 15.0 {
		t.Errorf("unrelated mitigation must not cap size, got %v", result.Adjusted.PositionSizePct)
	}
}

func TestExposureHeadroomClampsBuy(t *testing.T) {
	p := buyProposal()
	p.PositionSizePct = 20.0

	result := Apply(testGateConfig(), p, Portfolio{ExposurePct: 50.0}, map[string]any{})

	// 50 + 20 > 60, allowance is 10
	if result.Adjusted.PositionSizePct != 10.0 {
		t.Errorf("expected exposure clamp to 10, got %v", result.Adjusted.PositionSizePct)
	}
	if !result.Approved {
		t.Errorf("expected approval, got violations %v", result.Violations)
	}
}

func TestExposureFullBlocksBuy(t *testing.T) {
	p := buyProposal()
	result := Apply(testGateConfig(), p, Portfolio{ExposurePct: 60.0}, map[string]any{})

	if result.Adjusted.PositionSizePct != 0 {
		t.Errorf("expected zero allowance, got %v", result.Adjusted.PositionSizePct)
	}
	if result.Approved {
		t.Error("zero-size buy must not be approved")
	}
	if len(result.Violations) != 0 {
		t.Errorf("zero allowance is not a violation: %v", result.Violations)
	}
}

func TestBuyWithoutStopLossRejected(t *testing.T) {
	p := buyProposal()
	p.StopLoss = 0

	result := Apply(testGateConfig(), p, Portfolio{}, map[string]any{})

	if result.Approved {
		t.Error("buy without stop must be rejected")
	}
	if !strings.Contains(strings.Join(result.Violations, " "), "Stop-loss is required") {
		t.Errorf("unexpected violations: %v", result.Violations)
	}
}

func TestStopAboveEntryRejected(t *testing.T) {
	p := buyProposal()
	p.StopLoss = 3100

	result := Apply(testGateConfig(), p, Portfolio{}, map[string]any{})

	if result.Approved {
		t.Error("inverted stop must be rejected")
	}
	if !strings.Contains(strings.Join(result.Violations, " "), "lower than entry") {
		t.Errorf("unexpected violations: %v", result.Violations)
	}
}

func TestWideStopTightened(t *testing.T) {
	p := buyProposal()
	p.StopLoss = 2700 // 10% away, cap is 5%

	result := Apply(testGateConfig(), p, Portfolio{}, map[string]any{})

	if result.Adjusted.StopLoss != 2850 { // 3000 * 0.95
		t.Errorf("expected stop tightened to 2850, got %v", result.Adjusted.StopLoss)
	}
	if !result.Approved {
		t.Errorf("tightened stop should be approved: %v", result.Violations)
	}
}

func TestDailyLossBreachBlocks(t *testing.T) {
	p := buyProposal()
	result := Apply(testGateConfig(), p, Portfolio{DailyPnLPct: -3.5}, map[string]any{})

	if result.Approved {
		t.Error("daily loss breach must block")
	}
	if !strings.Contains(strings.Join(result.Violations, " "), "Max daily loss reached") {
		t.Errorf("unexpected violations: %v", result.Violations)
	}
}

func TestSellAndHoldPassWithoutStops(t *testing.T) {
	for _, action := range []string{"sell", "hold"} {
		p := decision.Proposal{Action: action, PositionSizePct: 0}
		result := Apply(testGateConfig(), p, Portfolio{}, map[string]any{})
		if !result.Approved {
			t.Errorf("%s should be approved, violations %v", action, result.Violations)
		}
	}
}

func TestOriginalProposalNotMutated(t *testing.T) {
	p := buyProposal()
	p.PositionSizePct = 35.0

	_ = Apply(testGateConfig(), p, Portfolio{}, map[string]any{})

	if p.PositionSizePct != 35.0 {
		t.Errorf("input proposal was mutated: %v", p.PositionSizePct)
	}
}
