package supervisor

import (
	"math"
	"time"

	"github.com/signalforge/enginefunk/internal/config"
	"github.com/signalforge/enginefunk/internal/signal"
)

// favorableMovePct returns the percent move in the position's favor: positive
// means profit. Not leverage-adjusted.
func favorableMovePct(side signal.PositionSide, entry, price float64) float64 {
	if entry == 0 {
		return 0
	}
	if side == signal.PositionSideLong {
		return (price - entry) / entry
	}
	return (entry - price) / entry
}

// ladderLevel returns the highest trailing threshold (1-4, 0 if none) the
// leverage-adjusted favorable move has crossed, and that level's stop
// distance.
func ladderLevel(cfg config.TrailingConfig, leveragedFavorablePct float64) (level int, distance float64) {
	thresholds := [4]float64{cfg.L1, cfg.L2, cfg.L3, cfg.L4}
	distances := [4]float64{cfg.D1, cfg.D2, cfg.D3, cfg.D4}
	for i, l := range thresholds {
		if l > 0 && leveragedFavorablePct >= l {
			level = i + 1
			distance = distances[i]
		}
	}
	return level, distance
}

func distanceAtLevel(cfg config.TrailingConfig, level int) float64 {
	distances := [4]float64{cfg.D1, cfg.D2, cfg.D3, cfg.D4}
	if level < 1 || level > 4 {
		return 0
	}
	return distances[level-1]
}

// currentStop is the trailing ladder's one authoritative computation (§4.4:
// "computed in exactly one place; any caller that needs the current stop
// asks the supervisor — no caller recomputes"). It folds in the Tightened
// overlay (one ladder level tighter for the tightened window) and never
// returns a stop looser than the static SL.
func currentStop(cfg config.TrailingConfig, t *tracked, now time.Time) float64 {
	pos := t.pos
	leverage := pos.Leverage
	if leverage <= 0 {
		leverage = 1
	}
	peak := pos.Trailing.PeakFavorablePrice
	leveragedPeakPct := favorableMovePct(pos.Side, pos.EntryPrice, peak) * float64(leverage)
	level, dist := ladderLevel(cfg, leveragedPeakPct)

	if pos.Trailing.TightenedUntil != nil && now.Before(*pos.Trailing.TightenedUntil) {
		if tighter := distanceAtLevel(cfg, level+1); tighter > 0 {
			dist = tighter
		}
	}

	rawDist := dist / float64(leverage)
	var computed float64
	if pos.Side == signal.PositionSideLong {
		computed = peak * (1 - rawDist)
	} else {
		computed = peak * (1 + rawDist)
	}

	if pos.SLPrice == nil {
		return computed
	}
	if pos.Side == signal.PositionSideLong {
		return math.Max(*pos.SLPrice, computed)
	}
	return math.Min(*pos.SLPrice, computed)
}

// adverseMovePctFromPeak is the raw (non-leveraged) retracement from the
// trailing peak, positive when price has moved against the position.
func adverseMovePctFromPeak(side signal.PositionSide, peak, price float64) float64 {
	if peak == 0 {
		return 0
	}
	if side == signal.PositionSideLong {
		return (peak - price) / peak
	}
	return (price - peak) / peak
}
