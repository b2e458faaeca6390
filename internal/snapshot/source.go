package snapshot

import "context"

// Source is the venue-facing data feed a snapshot is built from. The
// futures venue adapter (internal/venue) implements this; a
// MarketSnapshot's source of truth is the venue itself, never an external
// price aggregator, since funding rate/open interest/mark price must be
// venue-consistent with the position the executor later opens.
type Source interface {
	Candles(ctx context.Context, symbol string, interval string, limit int) ([]Candle, error)
	FundingRate(ctx context.Context, symbol string) (float64, error)
	OpenInterest(ctx context.Context, symbol string) (float64, error)
	LargeTrades(ctx context.Context, symbol string, minNotionalUSDT float64) ([]LargeTrade, error)
	MarkPrice(ctx context.Context, symbol string) (float64, error)
}
