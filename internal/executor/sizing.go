package executor

import (
	"math"

	"github.com/signalforge/enginefunk/internal/config"
	"github.com/signalforge/enginefunk/internal/venue"
)

// computeSize implements the §4.3 step 4 sizing formula: the smaller of a
// flat USDT amount, a flat USDT cap, a percent-of-equity amount, and a
// percent-of-equity cap, converted to base-asset quantity at mark price and
// clamped to the venue's step size and minimum notional. A result of 0
// means the signal must be skipped as below-min-notional.
func computeSize(cfg config.ExecutorConfig, equity, markPrice float64, filters *venue.SymbolFilters) float64 {
	if markPrice <= 0 {
		return 0
	}
	capUSDT := cfg.AmountUSDT
	capUSDT = math.Min(capUSDT, cfg.MaxPositionUSDT)
	capUSDT = math.Min(capUSDT, cfg.AmountPct*equity)
	capUSDT = math.Min(capUSDT, cfg.MaxPositionPct*equity)
	if capUSDT <= 0 {
		return 0
	}

	qty := capUSDT / markPrice
	qty = clampToStep(qty, filters.StepSize)

	if qty < filters.MinQty {
		return 0
	}
	if qty*markPrice < filters.MinNotionalUSDT {
		return 0
	}
	return qty
}

// clampToStep floors qty down to the nearest multiple of step. A zero or
// negative step means the venue reported no granularity constraint.
func clampToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	return math.Floor(qty/step) * step
}
