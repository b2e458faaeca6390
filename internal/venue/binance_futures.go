package venue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/signalforge/enginefunk/internal/apperr"
	"github.com/signalforge/enginefunk/internal/snapshot"
)

// BinanceFutures adapts github.com/adshao/go-binance/v2/futures onto Venue
// and snapshot.Source, the way internal/exchange.BinanceExchange adapts the
// spot client onto Exchange: a thin client wrapper plus this domain's own
// error classification and retry policy, generalized from
// internal/exchange/retry.go to the futures venue.
type BinanceFutures struct {
	client  *futures.Client
	limiter *rate.Limiter
	testnet bool

	connected atomic.Bool

	mu             sync.RWMutex
	symbolFilters  map[string]*SymbolFilters
}

// Config configures a BinanceFutures adapter.
type Config struct {
	APIKey      string
	SecretKey   string
	Testnet     bool
	RateLimitHz float64 // requests/second, default 10
}

// New creates a BinanceFutures adapter. Matches the teacher's
// NewBinanceExchange constructor shape (set testnet flag, log which mode).
func New(cfg Config) *BinanceFutures {
	if cfg.Testnet {
		futures.UseTestnet = true
		log.Info().Msg("venue: Binance futures adapter initialized (TESTNET mode)")
	} else {
		log.Warn().Msg("venue: Binance futures adapter initialized (LIVE TRADING mode)")
	}
	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)

	rl := cfg.RateLimitHz
	if rl <= 0 {
		rl = 10
	}

	b := &BinanceFutures{
		client:        client,
		limiter:       rate.NewLimiter(rate.Limit(rl), int(rl)),
		testnet:       cfg.Testnet,
		symbolFilters: make(map[string]*SymbolFilters),
	}
	b.connected.Store(true)
	return b
}

func (b *BinanceFutures) wait(ctx context.Context) error {
	return b.limiter.Wait(ctx)
}

func sideOf(s Side) futures.SideType {
	if s == SideSell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func positionSideOf(p PositionSide) futures.PositionSideType {
	if p == PositionSideShort {
		return futures.PositionSideTypeShort
	}
	return futures.PositionSideTypeLong
}

func qtyString(q float64, precision int) string {
	return strconv.FormatFloat(q, 'f', precision, 64)
}

// classify turns a venue SDK error into the apperr retryable/permanent split
// per §4.3's "failure semantics": network/5xx/rate-limit retryable,
// insufficient-margin/symbol-disabled permanent.
func classify(err error) *apperr.Error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(msg, "-1021"), // recvWindow/timestamp
		strings.Contains(msg, "-1003"), // too many requests
		strings.Contains(lower, "timeout"),
		strings.Contains(lower, "connection reset"),
		strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "503"),
		strings.Contains(lower, "502"):
		return apperr.UpstreamUnavailable("binance_futures", err)
	case strings.Contains(msg, "-2019"), // margin is insufficient
		strings.Contains(msg, "-4061"), // order would immediately trigger
		strings.Contains(msg, "-1013"), // invalid quantity/filter
		strings.Contains(lower, "symbol is not trading"),
		strings.Contains(lower, "disabled"):
		return apperr.UpstreamRejected("binance_futures", "venue_rejected", err)
	default:
		return apperr.UpstreamUnavailable("binance_futures", err)
	}
}

// PlaceMarketOrder implements Venue.
func (b *BinanceFutures) PlaceMarketOrder(ctx context.Context, p MarketOrderParams) (*OrderResult, error) {
	if existing, err := b.GetOrderByClientID(ctx, p.Symbol, p.ClientID); err == nil && existing != nil {
		log.Debug().Str("client_id", p.ClientID).Msg("venue: order already placed, returning existing result")
		return existing, nil
	}

	if err := b.wait(ctx); err != nil {
		return nil, err
	}

	filters, err := b.SymbolFilters(ctx, p.Symbol)
	if err != nil {
		return nil, err
	}

	svc := b.client.NewCreateOrderService().
		Symbol(p.Symbol).
		Side(sideOf(p.Side)).
		PositionSide(positionSideOf(p.PositionSide)).
		Type(futures.OrderTypeMarket).
		Quantity(qtyString(p.Quantity, filters.QtyPrecision)).
		NewClientOrderID(p.ClientID)
	if p.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		b.connected.Store(!isConnectivityErr(err))
		return nil, classify(err)
	}
	b.connected.Store(true)

	return &OrderResult{
		OrderID:   strconv.FormatInt(resp.OrderID, 10),
		ClientID:  p.ClientID,
		Symbol:    p.Symbol,
		Status:    OrderStatus(resp.Status),
		AvgPrice:  parseFloatOr(resp.AvgPrice, 0),
		FilledQty: parseFloatOr(resp.ExecutedQuantity, 0),
	}, nil
}

// PlaceConditionalOrder implements Venue.
func (b *BinanceFutures) PlaceConditionalOrder(ctx context.Context, p ConditionalOrderParams) (*OrderResult, error) {
	if existing, err := b.GetOrderByClientID(ctx, p.Symbol, p.ClientID); err == nil && existing != nil {
		return existing, nil
	}
	if err := b.wait(ctx); err != nil {
		return nil, err
	}

	filters, err := b.SymbolFilters(ctx, p.Symbol)
	if err != nil {
		return nil, err
	}

	orderType := futures.OrderTypeTakeProfitMarket
	if p.Kind == ConditionalStopLoss {
		orderType = futures.OrderTypeStopMarket
	}

	resp, err := b.client.NewCreateOrderService().
		Symbol(p.Symbol).
		Side(sideOf(p.Side)).
		PositionSide(positionSideOf(p.PositionSide)).
		Type(orderType).
		Quantity(qtyString(p.Quantity, filters.QtyPrecision)).
		StopPrice(strconv.FormatFloat(p.StopPrice, 'f', filters.PricePrecision, 64)).
		ReduceOnly(true).
		NewClientOrderID(p.ClientID).
		Do(ctx)
	if err != nil {
		return nil, classify(err)
	}

	return &OrderResult{
		OrderID:  strconv.FormatInt(resp.OrderID, 10),
		ClientID: p.ClientID,
		Symbol:   p.Symbol,
		Status:   OrderStatus(resp.Status),
	}, nil
}

// CancelOrder implements Venue. A not-found response from the venue is
// swallowed: the order may already be filled or canceled, which is not an
// executor-level failure.
func (b *BinanceFutures) CancelOrder(ctx context.Context, symbol, clientID string) error {
	if err := b.wait(ctx); err != nil {
		return err
	}
	_, err := b.client.NewCancelOrderService().
		Symbol(symbol).
		OrigClientOrderID(clientID).
		Do(ctx)
	if err != nil && !strings.Contains(err.Error(), "-2011") { // order does not exist
		return classify(err)
	}
	return nil
}

// GetOrderByClientID implements Venue.
func (b *BinanceFutures) GetOrderByClientID(ctx context.Context, symbol, clientID string) (*OrderResult, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	resp, err := b.client.NewGetOrderService().
		Symbol(symbol).
		OrigClientOrderID(clientID).
		Do(ctx)
	if err != nil {
		if strings.Contains(err.Error(), "-2013") { // order does not exist
			return nil, nil
		}
		return nil, classify(err)
	}
	return &OrderResult{
		OrderID:   strconv.FormatInt(resp.OrderID, 10),
		ClientID:  clientID,
		Symbol:    symbol,
		Status:    OrderStatus(resp.Status),
		AvgPrice:  parseFloatOr(resp.AvgPrice, 0),
		FilledQty: parseFloatOr(resp.ExecutedQuantity, 0),
	}, nil
}

// SetLeverage implements Venue. Best-effort: errors are logged by the
// caller, never fatal (§4.3 step 5).
func (b *BinanceFutures) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := b.wait(ctx); err != nil {
		return err
	}
	_, err := b.client.NewChangeLeverageService().
		Symbol(symbol).
		Leverage(leverage).
		Do(ctx)
	if err != nil {
		return classify(err)
	}
	return nil
}

// SetMarginType implements Venue. Best-effort for the same reason.
func (b *BinanceFutures) SetMarginType(ctx context.Context, symbol, marginType string) error {
	if err := b.wait(ctx); err != nil {
		return err
	}
	mt := futures.MarginTypeIsolated
	if strings.EqualFold(marginType, "CROSSED") {
		mt = futures.MarginTypeCrossed
	}
	err := b.client.NewChangeMarginTypeService().
		Symbol(symbol).
		MarginType(mt).
		Do(ctx)
	if err != nil && !strings.Contains(err.Error(), "-4046") { // no need to change margin type
		return classify(err)
	}
	return nil
}

// SymbolFilters implements Venue, caching the exchange-info lookup per
// symbol for the life of the process (filters change rarely and only on a
// venue-side listing update).
func (b *BinanceFutures) SymbolFilters(ctx context.Context, symbol string) (*SymbolFilters, error) {
	b.mu.RLock()
	if f, ok := b.symbolFilters[symbol]; ok {
		b.mu.RUnlock()
		return f, nil
	}
	b.mu.RUnlock()

	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, classify(err)
	}

	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		f := &SymbolFilters{
			PricePrecision: s.PricePrecision,
			QtyPrecision:   s.QuantityPrecision,
		}
		for _, lot := range s.LotSizeFilter() {
			f.StepSize = parseFloatOr(lot.StepSize, f.StepSize)
			f.MinQty = parseFloatOr(lot.MinQuantity, f.MinQty)
		}
		if mn := s.MinNotionalFilter(); mn != nil {
			f.MinNotionalUSDT = parseFloatOr(mn.Notional, f.MinNotionalUSDT)
		}
		b.mu.Lock()
		b.symbolFilters[symbol] = f
		b.mu.Unlock()
		return f, nil
	}
	return nil, fmt.Errorf("venue: symbol %s not found in exchange info", symbol)
}

// Account implements Venue.
func (b *BinanceFutures) Account(ctx context.Context) (*AccountState, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	acc, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	var equity float64
	for _, asset := range acc.Assets {
		if asset.Asset == "USDT" {
			equity = parseFloatOr(asset.WalletBalance, 0) + parseFloatOr(asset.UnrealizedProfit, 0)
		}
	}
	return &AccountState{EquityUSDT: equity}, nil
}

// GetPosition implements Venue.
func (b *BinanceFutures) GetPosition(ctx context.Context, symbol string) (*PositionInfo, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	risks, err := b.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	for _, r := range risks {
		qty := parseFloatOr(r.PositionAmt, 0)
		if qty == 0 {
			continue
		}
		side := PositionSideLong
		if qty < 0 {
			side = PositionSideShort
			qty = -qty
		}
		return &PositionInfo{
			Symbol:        symbol,
			Side:          side,
			Qty:           qty,
			EntryPrice:    parseFloatOr(r.EntryPrice, 0),
			MarkPrice:     parseFloatOr(r.MarkPrice, 0),
			UnrealizedPnL: parseFloatOr(r.UnRealizedProfit, 0),
			Leverage:      int(parseFloatOr(r.Leverage, 0)),
		}, nil
	}
	return &PositionInfo{Symbol: symbol}, nil
}

// MarkPrice implements both Venue and snapshot.Source.
func (b *BinanceFutures) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	if err := b.wait(ctx); err != nil {
		return 0, err
	}
	prices, err := b.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, classify(err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("venue: no mark price returned for %s", symbol)
	}
	return parseFloatOr(prices[0].MarkPrice, 0), nil
}

// Connected implements Venue: a lightweight health signal fed to the risk
// gate's exchange_connected check alongside the circuit breaker state.
func (b *BinanceFutures) Connected() bool {
	return b.connected.Load()
}

func isConnectivityErr(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "no such host")
}

func parseFloatOr(s string, fallback float64) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fallback
	}
	return v
}

// --- snapshot.Source -----------------------------------------------------
//
// BinanceFutures also implements snapshot.Source (Candles, FundingRate,
// OpenInterest, LargeTrades): the debate orchestrator's MarketSnapshot
// fetch and the venue adapter share one Binance futures client rather than
// opening a second connection pool to the same exchange.

var _ snapshot.Source = (*BinanceFutures)(nil)

// Candles implements snapshot.Source.
func (b *BinanceFutures) Candles(ctx context.Context, symbol, interval string, limit int) ([]snapshot.Candle, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	klines, err := b.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]snapshot.Candle, 0, len(klines))
	for _, k := range klines {
		out = append(out, snapshot.Candle{
			OpenTime: time.UnixMilli(k.OpenTime),
			Open:     parseFloatOr(k.Open, 0),
			High:     parseFloatOr(k.High, 0),
			Low:      parseFloatOr(k.Low, 0),
			Close:    parseFloatOr(k.Close, 0),
			Volume:   parseFloatOr(k.Volume, 0),
		})
	}
	return out, nil
}

// FundingRate implements snapshot.Source.
func (b *BinanceFutures) FundingRate(ctx context.Context, symbol string) (float64, error) {
	if err := b.wait(ctx); err != nil {
		return 0, err
	}
	prices, err := b.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, classify(err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("venue: no funding rate returned for %s", symbol)
	}
	return parseFloatOr(prices[0].LastFundingRate, 0), nil
}

// OpenInterest implements snapshot.Source.
func (b *BinanceFutures) OpenInterest(ctx context.Context, symbol string) (float64, error) {
	if err := b.wait(ctx); err != nil {
		return 0, err
	}
	oi, err := b.client.NewOpenInterestService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, classify(err)
	}
	return parseFloatOr(oi.OpenInterest, 0), nil
}

// LargeTrades implements snapshot.Source: the recent aggregate-trade tape
// filtered down to notional value above the configured threshold.
func (b *BinanceFutures) LargeTrades(ctx context.Context, symbol string, minNotionalUSDT float64) ([]snapshot.LargeTrade, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	trades, err := b.client.NewAggTradesService().Symbol(symbol).Limit(200).Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	var out []snapshot.LargeTrade
	for _, t := range trades {
		price := parseFloatOr(t.Price, 0)
		qty := parseFloatOr(t.Quantity, 0)
		notional := price * qty
		if notional < minNotionalUSDT {
			continue
		}
		out = append(out, snapshot.LargeTrade{
			Price:        price,
			Qty:          qty,
			NotionalUSDT: notional,
			IsBuyer:      !t.IsBuyerMaker,
			Time:         time.UnixMilli(t.Timestamp),
		})
	}
	return out, nil
}
