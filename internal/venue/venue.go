// Package venue is the trade executor's and position supervisor's adapter
// onto a perpetual-futures exchange. It narrows the wide go-binance/v2
// futures client down to exactly the operations §4.3/§4.4 need: market
// entries and reduce-only exits keyed by client-id, best-effort leverage and
// margin-mode changes, and the account/symbol metadata the sizing formula
// and risk gate read. internal/exchange's BinanceExchange (spot, paper/mock
// shaped) is kept as a reference for how the teacher wraps the Binance SDK;
// this package is its perpetual-futures counterpart.
package venue

import (
	"context"
	"time"
)

// Side is the exchange-level buy/sell direction for an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// PositionSide distinguishes long and short legs under hedge mode.
type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// OrderStatus is the venue's reported lifecycle state for one order.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether the venue will never transition this status
// again.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// MarketOrderParams places a plain market entry or a position-reducing
// market exit.
type MarketOrderParams struct {
	Symbol       string
	Side         Side
	PositionSide PositionSide
	Quantity     float64
	ClientID     string
	ReduceOnly   bool
}

// ConditionalOrderKind distinguishes a take-profit from a stop-loss
// conditional order; both are placed reduce-only, triggered off mark price.
type ConditionalOrderKind string

const (
	ConditionalTakeProfit ConditionalOrderKind = "TAKE_PROFIT_MARKET"
	ConditionalStopLoss   ConditionalOrderKind = "STOP_MARKET"
)

// ConditionalOrderParams places a reduce-only TP or SL trigger order.
type ConditionalOrderParams struct {
	Symbol       string
	Kind         ConditionalOrderKind
	Side         Side
	PositionSide PositionSide
	Quantity     float64
	StopPrice    float64
	ClientID     string
}

// OrderResult is the venue's view of one order after placement or lookup.
type OrderResult struct {
	OrderID      string
	ClientID     string
	Symbol       string
	Status       OrderStatus
	AvgPrice     float64
	FilledQty    float64
	RejectReason string
}

// SymbolFilters are the venue's step-size/min-notional constraints, needed
// by the sizing formula (§4.3 step 4) before an order is sent.
type SymbolFilters struct {
	StepSize        float64
	MinQty          float64
	MinNotionalUSDT float64
	PricePrecision  int
	QtyPrecision    int
}

// AccountState is the subset of account info the risk gate and sizing
// formula need: available equity and current positions.
type AccountState struct {
	EquityUSDT float64
}

// PositionInfo is the venue's current view of one symbol's open position,
// used by the executor's intent resolution (§4.3 step 2) to decide
// open/close/pyramid/no-op. A flat symbol returns Qty == 0.
type PositionInfo struct {
	Symbol        string
	Side          PositionSide
	Qty           float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
	Leverage      int
}

// IsFlat reports whether there is no open position on this symbol/side.
func (p PositionInfo) IsFlat() bool { return p.Qty == 0 }

// Venue is the narrow interface the trade executor and position supervisor
// depend on. BinanceFutures is the only production implementation; tests
// substitute a fake.
type Venue interface {
	// PlaceMarketOrder issues a market order. Idempotent by ClientID: a
	// second call with the same ClientID returns the original result
	// without placing a duplicate (implementations check GetOrderByClientID
	// first).
	PlaceMarketOrder(ctx context.Context, p MarketOrderParams) (*OrderResult, error)
	// PlaceConditionalOrder issues a reduce-only TP or SL trigger order.
	PlaceConditionalOrder(ctx context.Context, p ConditionalOrderParams) (*OrderResult, error)
	// CancelOrder cancels by client-id; a not-found response is not an
	// error (the order may already be filled or canceled).
	CancelOrder(ctx context.Context, symbol, clientID string) error
	// GetOrderByClientID looks up an order's current status for
	// idempotence checks and startup reconciliation.
	GetOrderByClientID(ctx context.Context, symbol, clientID string) (*OrderResult, error)
	// SetLeverage is best-effort: an error from "cannot change leverage
	// with open orders" is logged, not fatal.
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	// SetMarginType is best-effort for the same reason.
	SetMarginType(ctx context.Context, symbol, marginType string) error
	// SymbolFilters returns the venue's step-size/min-notional constraints.
	SymbolFilters(ctx context.Context, symbol string) (*SymbolFilters, error)
	// Account returns current equity for sizing and the risk gate.
	Account(ctx context.Context) (*AccountState, error)
	// GetPosition returns the current position for symbol, or a zero-qty
	// PositionInfo if flat.
	GetPosition(ctx context.Context, symbol string) (*PositionInfo, error)
	// MarkPrice returns the current mark price for symbol.
	MarkPrice(ctx context.Context, symbol string) (float64, error)
	// Connected reports whether the adapter considers itself healthy
	// (feeds the risk gate's exchange_connected check alongside the
	// circuit breaker).
	Connected() bool
}

// RetryClassification is how a venue error is categorized for the
// executor's retry loop (§4.3 "Failure semantics").
type RetryClassification int

const (
	ClassifyRetryable RetryClassification = iota
	ClassifyPermanent
	ClassifyUnknown
)

// OrphanCheck describes one reduce-only order the supervisor's periodic
// sweep (default 5 min) found with no matching open position.
type OrphanCheck struct {
	Symbol    string
	ClientID  string
	CheckedAt time.Time
}
