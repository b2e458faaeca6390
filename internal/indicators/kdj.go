package indicators

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// KDJResult represents the KDJ stochastic oscillator result.
type KDJResult struct {
	K      float64 `json:"k"`
	D      float64 `json:"d"`
	J      float64 `json:"j"`
	Signal string  `json:"signal"` // "oversold", "overbought", "neutral"
}

// CalculateKDJ calculates the KDJ indicator manually; cinar/indicator/v2 does
// not ship it, so it stays hand-written like ADX.
func (s *Service) CalculateKDJ(args map[string]interface{}) (interface{}, error) {
	high, err := extractPrices(args, "high")
	if err != nil {
		return nil, fmt.Errorf("high prices: %w", err)
	}
	low, err := extractPrices(args, "low")
	if err != nil {
		return nil, fmt.Errorf("low prices: %w", err)
	}
	closePrices, err := extractPrices(args, "close")
	if err != nil {
		return nil, fmt.Errorf("close prices: %w", err)
	}
	if len(high) != len(low) || len(high) != len(closePrices) {
		return nil, fmt.Errorf("high, low, and close arrays must have the same length")
	}

	period := extractPeriod(args, "period", 9)
	if period < 1 || period > len(closePrices) {
		return nil, fmt.Errorf("invalid period: %d (must be between 1 and %d)", period, len(closePrices))
	}

	k, d, j, err := computeKDJ(high, low, closePrices, period)
	if err != nil {
		return nil, err
	}

	sig := "neutral"
	if k < 20 && d < 20 {
		sig = "oversold"
	} else if k > 80 && d > 80 {
		sig = "overbought"
	}

	result := &KDJResult{K: k, D: d, J: j, Signal: sig}
	log.Info().Float64("k", k).Float64("d", d).Float64("j", j).Str("signal", sig).Msg("KDJ calculated")
	return result, nil
}

// computeKDJ returns the most recent K, D, J values using the conventional
// smoothing (K: 1/3 weight to the new RSV, D: 1/3 weight to the new K,
// J: 3D - 2K), seeded at 50 per the usual convention.
func computeKDJ(high, low, closePrices []float64, period int) (k, d, j float64, err error) {
	n := len(closePrices)
	if n < period {
		return 0, 0, 0, fmt.Errorf("insufficient data: need at least %d candles, got %d", period, n)
	}

	k, d = 50, 50
	for i := period - 1; i < n; i++ {
		windowHigh := high[i-period+1 : i+1]
		windowLow := low[i-period+1 : i+1]

		hh := windowHigh[0]
		ll := windowLow[0]
		for idx := 1; idx < len(windowHigh); idx++ {
			if windowHigh[idx] > hh {
				hh = windowHigh[idx]
			}
			if windowLow[idx] < ll {
				ll = windowLow[idx]
			}
		}

		var rsv float64
		if hh == ll {
			rsv = 50
		} else {
			rsv = (closePrices[i] - ll) / (hh - ll) * 100
		}

		k = (2.0/3.0)*k + (1.0/3.0)*rsv
		d = (2.0/3.0)*d + (1.0/3.0)*k
	}
	j = 3*d - 2*k
	return k, d, j, nil
}
