package riskgate

import (
	"testing"

	"github.com/signalforge/enginefunk/internal/signal"
)

func baseSnapshot() Snapshot {
	return Snapshot{
		TradeEnabled:        true,
		DisabledSymbols:     map[string]bool{},
		ConfidenceFloor:     map[signal.Action]int{signal.ActionBuy: 60},
		MaxDailyDrawdownPct: 0.05,
		LossStreakK:         4,
		MinNotionalUSDT:     5,
		HotSymbols:          map[string]bool{"BTCUSDT": true},
	}
}

func baseInput() Input {
	return Input{
		Signal:           &signal.Signal{Symbol: "BTCUSDT", Action: signal.ActionBuy, Confidence: 80},
		Symbol:           "BTCUSDT",
		ComputedSize:     0.01,
		Price:            50000,
		RealizedPnLToday: 0,
		Equity:           10000,
		LossStreak:       0,
		QuotaTier:        signal.TierNormal,
	}
}

func TestAllChecksPass(t *testing.T) {
	r := Evaluate(baseSnapshot(), baseInput())
	if !r.Passed {
		t.Fatalf("expected pass, got failure at %s: %s", r.FailedCheck, r.Reason)
	}
}

func TestTradeDisabledShortCircuits(t *testing.T) {
	snap := baseSnapshot()
	snap.TradeEnabled = false
	in := baseInput()
	in.Signal.Confidence = 10 // would also fail confidence_floor
	r := Evaluate(snap, in)
	if r.Passed || r.FailedCheck != CheckTradeEnabled {
		t.Fatalf("expected trade_enabled to short-circuit first, got %+v", r)
	}
}

func TestConfidenceFloor(t *testing.T) {
	in := baseInput()
	in.Signal.Confidence = 40
	r := Evaluate(baseSnapshot(), in)
	if r.Passed || r.FailedCheck != CheckConfidenceFloor {
		t.Fatalf("expected confidence_floor failure, got %+v", r)
	}
}

func TestDailyDrawdown(t *testing.T) {
	in := baseInput()
	in.RealizedPnLToday = -600 // -6% of 10000 equity, beyond 5% limit
	r := Evaluate(baseSnapshot(), in)
	if r.Passed || r.FailedCheck != CheckDailyDrawdown {
		t.Fatalf("expected daily_drawdown failure, got %+v", r)
	}
}

func TestLossStreak(t *testing.T) {
	in := baseInput()
	in.LossStreak = 4
	r := Evaluate(baseSnapshot(), in)
	if r.Passed || r.FailedCheck != CheckLossStreak {
		t.Fatalf("expected loss_streak failure, got %+v", r)
	}
}

func TestQuotaCriticalDropsColdSymbol(t *testing.T) {
	in := baseInput()
	in.Symbol = "DOGEUSDT"
	in.Signal.Symbol = "DOGEUSDT"
	in.QuotaTier = signal.TierCritical
	r := Evaluate(baseSnapshot(), in)
	if r.Passed || r.FailedCheck != CheckQuotaCritical {
		t.Fatalf("expected quota_critical failure for cold symbol, got %+v", r)
	}
}

func TestQuotaCriticalAllowsHotSymbol(t *testing.T) {
	in := baseInput()
	in.QuotaTier = signal.TierCritical
	r := Evaluate(baseSnapshot(), in)
	if !r.Passed {
		t.Fatalf("expected pass for hot symbol under critical tier, got %+v", r)
	}
}

func TestCooldownSignal(t *testing.T) {
	in := baseInput()
	in.CooldownActive = true
	r := Evaluate(baseSnapshot(), in)
	if r.Passed || r.FailedCheck != CheckCooldownSignal {
		t.Fatalf("expected cooldown_signal failure, got %+v", r)
	}
}

func TestMinNotional(t *testing.T) {
	in := baseInput()
	in.ComputedSize = 0.00005 // 0.00005 * 50000 = 2.5 USDT, below the 5 USDT floor
	r := Evaluate(baseSnapshot(), in)
	if r.Passed || r.FailedCheck != CheckMinNotional {
		t.Fatalf("expected min_notional failure, got %+v", r)
	}
}

func TestErrConvertsFailedResult(t *testing.T) {
	in := baseInput()
	in.CooldownActive = true
	r := Evaluate(baseSnapshot(), in)
	if err := r.Err(); err == nil {
		t.Fatal("expected non-nil error for a failed result")
	}
	if err := (Result{Passed: true}).Err(); err != nil {
		t.Fatalf("expected nil error for a passing result, got %v", err)
	}
}
