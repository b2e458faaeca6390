package quota

import (
	"context"
	"testing"
	"time"

	"github.com/signalforge/enginefunk/internal/db"
	"github.com/signalforge/enginefunk/internal/signal"
)

type fakeDB struct {
	row *db.DailyBudgetRow
}

func (f *fakeDB) GetOrCreateDailyBudget(ctx context.Context, date string, limit int) (*db.DailyBudgetRow, error) {
	if f.row == nil {
		f.row = &db.DailyBudgetRow{Date: date, Limit: limit, Tier: "normal", CallsByModel: map[string]int{}}
	}
	return f.row, nil
}

func (f *fakeDB) RecordLLMCall(ctx context.Context, date, model string, tokensIn, tokensOut int64, costDelta float64, newTier string) (*db.DailyBudgetRow, error) {
	f.row.TotalCalls++
	f.row.TokensIn += tokensIn
	f.row.TokensOut += tokensOut
	f.row.EstimatedCost += costDelta
	f.row.Tier = newTier
	if f.row.CallsByModel == nil {
		f.row.CallsByModel = map[string]int{}
	}
	f.row.CallsByModel[model]++
	return f.row, nil
}

func newAccountant(f *fakeDB, callLimit int) *Accountant {
	a := New(nil, callLimit, 0, Pricing{
		InPer1k:  map[string]float64{"gpt": 0.01},
		OutPer1k: map[string]float64{"gpt": 0.03},
	})
	a.db = f
	a.now = func() time.Time { return time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC) }
	return a
}

func TestTierTransitionsOnCallCount(t *testing.T) {
	f := &fakeDB{}
	a := newAccountant(f, 10)

	for i := 0; i < 7; i++ {
		if _, err := a.RecordCall(context.Background(), "gpt", 100, 100); err != nil {
			t.Fatalf("RecordCall: %v", err)
		}
	}
	tier, err := a.CurrentTier(context.Background())
	if err != nil {
		t.Fatalf("CurrentTier: %v", err)
	}
	if tier != signal.TierNormal {
		t.Fatalf("expected normal at 7/10, got %s", tier)
	}

	budget, err := a.RecordCall(context.Background(), "gpt", 100, 100)
	if err != nil {
		t.Fatalf("RecordCall: %v", err)
	}
	if budget.Tier != signal.TierWarn {
		t.Fatalf("expected warn at 8/10, got %s", budget.Tier)
	}

	a.RecordCall(context.Background(), "gpt", 100, 100)
	budget, _ = a.RecordCall(context.Background(), "gpt", 100, 100)
	if budget.Tier != signal.TierExhausted {
		t.Fatalf("expected exhausted at 10/10, got %s", budget.Tier)
	}
}

func TestAllowsColdSymbol(t *testing.T) {
	if !AllowsColdSymbol(signal.TierNormal) {
		t.Error("normal should allow cold symbols")
	}
	if !AllowsColdSymbol(signal.TierWarn) {
		t.Error("warn should allow cold symbols")
	}
	if AllowsColdSymbol(signal.TierCritical) {
		t.Error("critical should drop cold symbols")
	}
	if AllowsColdSymbol(signal.TierExhausted) {
		t.Error("exhausted should drop cold symbols")
	}
}

func TestAllowsAnyDebate(t *testing.T) {
	if AllowsAnyDebate(signal.TierExhausted, signal.TriggerScheduled) {
		t.Error("exhausted should block scheduled debates")
	}
	if !AllowsAnyDebate(signal.TierExhausted, signal.TriggerManual) {
		t.Error("exhausted should still allow manual debates")
	}
	if !AllowsAnyDebate(signal.TierCritical, signal.TriggerScheduled) {
		t.Error("critical should still allow scheduled debates (cold-symbol filtering happens elsewhere)")
	}
}

func TestCostOf(t *testing.T) {
	p := Pricing{InPer1k: map[string]float64{"gpt": 0.01}, OutPer1k: map[string]float64{"gpt": 0.03}}
	cost := p.CostOf("gpt", 1000, 1000)
	if cost != 0.04 {
		t.Errorf("expected cost 0.04, got %v", cost)
	}
}
