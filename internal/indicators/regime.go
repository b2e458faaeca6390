package indicators

// Regime is the closed set of market-regime labels used throughout the
// snapshot and debate pipeline.
type Regime string

const (
	RegimeTrendUp  Regime = "trend-up"
	RegimeTrendDn  Regime = "trend-down"
	RegimeSideways Regime = "sideways"
	RegimeVolatile Regime = "volatile"
	RegimeSqueeze  Regime = "squeeze"
)

// Regime-classification thresholds. The source this spec was distilled from
// carried two slightly divergent copies of these constants; this is the one
// authoritative function and these are its constants. Any caller that needs
// the regime label calls ClassifyRegime — nobody recomputes it.
const (
	adxTrendThreshold   = 25.0  // ADX at/above this implies a trending market
	bbSqueezeWidthPct   = 0.02  // Bollinger band width (as a fraction of price) at/below this is a squeeze
	bbVolatileWidthPct  = 0.08  // band width at/above this is volatile, regardless of ADX
)

// ClassifyRegime is the single source of regime truth: squeeze and volatile
// are checked before trend direction, since a market can be both "trending"
// by ADX and squeezed by band width simultaneously — band width takes
// precedence because it drives position sizing more directly than ADX does.
func ClassifyRegime(adx float64, bbWidthPct float64, emaFast, emaSlow float64) Regime {
	switch {
	case bbWidthPct <= bbSqueezeWidthPct:
		return RegimeSqueeze
	case bbWidthPct >= bbVolatileWidthPct:
		return RegimeVolatile
	case adx >= adxTrendThreshold && emaFast > emaSlow:
		return RegimeTrendUp
	case adx >= adxTrendThreshold && emaFast < emaSlow:
		return RegimeTrendDn
	default:
		return RegimeSideways
	}
}
