// Package snapshot builds the MarketSnapshot: the immutable input to a
// debate (spec §3). A snapshot bundles a recent OHLCV window, derived
// indicators, funding/open-interest/large-trade context, and a single
// market-regime label, cached with a short TTL and single-flighted so
// concurrent debates on the same symbol share one fetch.
package snapshot

import (
	"time"

	"github.com/signalforge/enginefunk/internal/indicators"
)

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// LargeTrade is one entry in the large-trade tape.
type LargeTrade struct {
	Time      time.Time `json:"time"`
	Price     float64   `json:"price"`
	Qty       float64   `json:"qty"`
	IsBuyer   bool      `json:"is_buyer_maker"`
	NotionalUSDT float64 `json:"notional_usdt"`
}

// Indicators bundles the derived technical indicators computed over the
// OHLCV window.
type Indicators struct {
	RSI       indicators.RSIResult            `json:"rsi"`
	MACD      indicators.MACDResult           `json:"macd"`
	Bollinger indicators.BollingerBandsResult `json:"bollinger"`
	KDJ       indicators.KDJResult            `json:"kdj"`
	ADX       indicators.ADXResult            `json:"adx"`
	EMAFast   indicators.EMAResult            `json:"ema_fast"`
	EMASlow   indicators.EMAResult            `json:"ema_slow"`
}

// MarketSnapshot is the immutable input to one debate round.
type MarketSnapshot struct {
	Symbol         string             `json:"symbol"`
	Candles        []Candle           `json:"candles"`
	Indicators     Indicators         `json:"indicators"`
	FundingRate    float64            `json:"funding_rate"`
	OpenInterest   float64            `json:"open_interest"`
	LargeTrades    []LargeTrade       `json:"large_trades"`
	Regime         indicators.Regime  `json:"regime"`
	MarkPrice      float64            `json:"mark_price"`
	Timestamp      time.Time          `json:"timestamp"`
}
