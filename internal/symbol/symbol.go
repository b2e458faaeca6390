// Package symbol implements the three interconvertible representations of a
// perpetual futures instrument identifier: raw (BTCUSDT), display (BTC/USDT:USDT),
// and base (BTC). All persisted fields use the raw form.
package symbol

import (
	"fmt"
	"strings"
)

// quoteAssets lists settlement/quote assets recognized when splitting a raw
// symbol into base/quote. Ordered longest-first so "USDT" is tried before "T".
var quoteAssets = []string{"USDT", "USDC", "BUSD", "BTC", "ETH"}

// Raw is the exchange-native identifier, e.g. "BTCUSDT". All persisted rows
// use this form.
type Raw string

// ToDisplay converts a raw symbol to its slashed display form, e.g.
// "BTCUSDT" -> "BTC/USDT:USDT". The settlement asset mirrors the quote asset
// for the single-margin-asset perpetual contracts this system trades.
func ToDisplay(raw string) (string, error) {
	base, quote, err := split(raw)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s:%s", base, quote, quote), nil
}

// ToRaw converts a display symbol back to its raw form. Total and a true
// inverse of ToDisplay: ToRaw(ToDisplay(s)) == s for all valid s.
func ToRaw(display string) (string, error) {
	pair, _, found := strings.Cut(display, ":")
	if !found {
		return "", fmt.Errorf("symbol: invalid display form %q: missing settlement suffix", display)
	}
	base, quote, found := strings.Cut(pair, "/")
	if !found {
		return "", fmt.Errorf("symbol: invalid display form %q: missing base/quote separator", display)
	}
	if base == "" || quote == "" {
		return "", fmt.Errorf("symbol: invalid display form %q: empty base or quote", display)
	}
	return strings.ToUpper(base) + strings.ToUpper(quote), nil
}

// ToBase extracts the base asset from a raw symbol, e.g. "BTCUSDT" -> "BTC".
func ToBase(raw string) (string, error) {
	base, _, err := split(raw)
	if err != nil {
		return "", err
	}
	return base, nil
}

// split separates a raw symbol into base and quote assets by matching a known
// quote-asset suffix.
func split(raw string) (base, quote string, err error) {
	upper := strings.ToUpper(raw)
	for _, q := range quoteAssets {
		if strings.HasSuffix(upper, q) && len(upper) > len(q) {
			return upper[:len(upper)-len(q)], q, nil
		}
	}
	return "", "", fmt.Errorf("symbol: %q has no recognized quote asset suffix", raw)
}

// Normalize uppercases and trims a raw symbol to the canonical persisted form.
func Normalize(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}
