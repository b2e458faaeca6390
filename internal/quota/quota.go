// Package quota implements the daily LLM call/token budget and its
// normal/warn/critical/exhausted tier transitions (spec §4.9). The Risk
// Gate and the debate orchestrator's admission step both consult the
// current tier before committing to a costly LLM round.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/signalforge/enginefunk/internal/db"
	"github.com/signalforge/enginefunk/internal/signal"
)

// database is the subset of *db.DB this package needs, narrowed for
// testability against a fake.
type database interface {
	GetOrCreateDailyBudget(ctx context.Context, date string, limit int) (*db.DailyBudgetRow, error)
	RecordLLMCall(ctx context.Context, date, model string, tokensIn, tokensOut int64, costDelta float64, newTier string) (*db.DailyBudgetRow, error)
}

// Pricing is the per-model (price_in_per_1k, price_out_per_1k) table.
type Pricing struct {
	InPer1k  map[string]float64
	OutPer1k map[string]float64
}

// CostOf estimates USD cost for one call.
func (p Pricing) CostOf(model string, tokensIn, tokensOut int64) float64 {
	in := p.InPer1k[model]
	out := p.OutPer1k[model]
	return (float64(tokensIn)/1000.0)*in + (float64(tokensOut)/1000.0)*out
}

// Accountant tracks the running daily budget and derives its tier.
type Accountant struct {
	db                database
	dailyCallLimit    int
	dailyTokenLimit   int
	pricing           Pricing
	now               func() time.Time
}

// New constructs an Accountant against a live database.
func New(d *db.DB, dailyCallLimit, dailyTokenLimit int, pricing Pricing) *Accountant {
	return &Accountant{
		db:              d,
		dailyCallLimit:  dailyCallLimit,
		dailyTokenLimit: dailyTokenLimit,
		pricing:         pricing,
		now:             time.Now,
	}
}

func (a *Accountant) today() string {
	return a.now().UTC().Format("2006-01-02")
}

// usageFraction derives the 0..1+ usage ratio from whichever budget (calls
// or tokens) is closer to its limit — tier transitions are driven by the
// larger of the two fractions.
func (a *Accountant) usageFraction(row *db.DailyBudgetRow) float64 {
	var callFrac, tokenFrac float64
	if a.dailyCallLimit > 0 {
		callFrac = float64(row.TotalCalls) / float64(a.dailyCallLimit)
	}
	if a.dailyTokenLimit > 0 {
		tokenFrac = float64(row.TokensIn+row.TokensOut) / float64(a.dailyTokenLimit)
	}
	if tokenFrac > callFrac {
		return tokenFrac
	}
	return callFrac
}

func tierFor(usage float64) signal.QuotaTier {
	switch {
	case usage >= 1.0:
		return signal.TierExhausted
	case usage >= 0.90:
		return signal.TierCritical
	case usage >= 0.80:
		return signal.TierWarn
	default:
		return signal.TierNormal
	}
}

// CurrentTier fetches today's counters and returns the tier without
// recording a call.
func (a *Accountant) CurrentTier(ctx context.Context) (signal.QuotaTier, error) {
	row, err := a.db.GetOrCreateDailyBudget(ctx, a.today(), a.dailyCallLimit)
	if err != nil {
		return "", fmt.Errorf("quota: current tier: %w", err)
	}
	return tierFor(a.usageFraction(row)), nil
}

// RecordCall records one LLM call's usage and returns the resulting
// DailyBudget snapshot, including the new tier. A tier transition into
// warn, critical or exhausted is logged at the point of crossing so an operator
// sees it once, not on every subsequent call.
func (a *Accountant) RecordCall(ctx context.Context, model string, tokensIn, tokensOut int64) (*signal.DailyBudget, error) {
	date := a.today()
	before, err := a.db.GetOrCreateDailyBudget(ctx, date, a.dailyCallLimit)
	if err != nil {
		return nil, fmt.Errorf("quota: record call: %w", err)
	}
	beforeTier := tierFor(a.usageFraction(before))

	cost := a.pricing.CostOf(model, tokensIn, tokensOut)

	// Compute the tier the row will have after this call using the running
	// totals before the increment lands, since the new tier is persisted
	// in the same statement as the increment.
	projected := &db.DailyBudgetRow{
		TotalCalls: before.TotalCalls + 1,
		TokensIn:   before.TokensIn + tokensIn,
		TokensOut:  before.TokensOut + tokensOut,
	}
	afterTier := tierFor(a.usageFraction(projected))

	row, err := a.db.RecordLLMCall(ctx, date, model, tokensIn, tokensOut, cost, string(afterTier))
	if err != nil {
		return nil, fmt.Errorf("quota: record call: %w", err)
	}

	if afterTier != beforeTier && (afterTier == signal.TierWarn || afterTier == signal.TierCritical || afterTier == signal.TierExhausted) {
		log.Warn().
			Str("date", date).
			Str("from_tier", string(beforeTier)).
			Str("to_tier", string(afterTier)).
			Int("total_calls", row.TotalCalls).
			Msg("quota tier transition")
	}

	return &signal.DailyBudget{
		Date:          row.Date,
		TotalCalls:    row.TotalCalls,
		CallsByModel:  row.CallsByModel,
		TokensIn:      row.TokensIn,
		TokensOut:     row.TokensOut,
		EstimatedCost: row.EstimatedCost,
		Limit:         a.dailyCallLimit,
		Tier:          afterTier,
	}, nil
}

// AllowsColdSymbol reports whether a debate for a symbol outside the hot
// set may proceed at the given tier (critical drops cold symbols,
// exhausted drops everything but manual triggers, enforced by the
// caller's admission check).
func AllowsColdSymbol(tier signal.QuotaTier) bool {
	return tier == signal.TierNormal || tier == signal.TierWarn
}

// AllowsAnyDebate reports whether any non-manual debate may proceed.
func AllowsAnyDebate(tier signal.QuotaTier, trigger signal.Trigger) bool {
	if tier == signal.TierExhausted {
		return trigger == signal.TriggerManual
	}
	return true
}
