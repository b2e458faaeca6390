package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/signalforge/enginefunk/internal/alerts"
	"github.com/signalforge/enginefunk/internal/apperr"
	"github.com/signalforge/enginefunk/internal/audit"
	"github.com/signalforge/enginefunk/internal/bus"
	"github.com/signalforge/enginefunk/internal/config"
	"github.com/signalforge/enginefunk/internal/eventbus"
	"github.com/signalforge/enginefunk/internal/riskgate"
	"github.com/signalforge/enginefunk/internal/signal"
	"github.com/signalforge/enginefunk/internal/venue"
)

const (
	closeCooldownAction = "close"
	retryBaseDelay      = 200 * time.Millisecond
)

// quotaChecker is the subset of *quota.Accountant the executor needs, for
// the risk gate's quota_critical check.
type quotaChecker interface {
	CurrentTier(ctx context.Context) (signal.QuotaTier, error)
}

// tradeStore is the subset of *db.DB the executor needs, narrowed for
// testability against a fake.
type tradeStore interface {
	GetCooldown(ctx context.Context, symbol, action string) (*time.Time, error)
	ArmCooldown(ctx context.Context, symbol, action string, nextAllowedAt time.Time) error
	InsertTradeRecord(ctx context.Context, t *signal.TradeRecord) error
	UpdateTradeRecordStatus(ctx context.Context, clientID string, status signal.TradeStatus, orderID string, price, qty float64, closedAt *time.Time) error
	GetTradeRecordByClientID(ctx context.Context, clientID string) (*signal.TradeRecord, error)
	RecentClosedRoundTrips(ctx context.Context, symbol string, n int) ([]*signal.TradeRecord, error)
	RealizedPnLToday(ctx context.Context, since time.Time) (float64, error)
	GetOpenTradeRecordsBySymbol(ctx context.Context, symbol string) ([]*signal.TradeRecord, error)
	GetPendingTradeRecords(ctx context.Context) ([]*signal.TradeRecord, error)
}

// positionTracker is the subset of *supervisor.Supervisor the executor
// needs: hand off a freshly opened position for trailing/TP/SL supervision,
// and stop watching one the executor closed directly.
type positionTracker interface {
	Track(ctx context.Context, symbol string, side signal.PositionSide, qty, entryPrice float64, leverage int, tpPrice, slPrice *float64, tpClientID, slClientID string)
	Untrack(ctx context.Context, symbol string)
}

// Executor is the Trade Executor (C3): the single entry point through which
// an actionable Signal becomes (or is rejected from becoming) a venue
// order.
type Executor struct {
	cfg            config.ExecutorConfig
	cooldownCfg    config.CooldownConfig
	pyramidingCfg  config.PyramidingConfig
	riskCfgFunc    func() riskgate.Snapshot
	venue          venue.Venue
	db             tradeStore
	quota          quotaChecker
	bus            *bus.Bus
	events         *eventbus.Bus
	breaker        *gobreaker.CircuitBreaker
	tracker        positionTracker
	lossStreakN    int
	audit          *audit.Logger
}

// SetAuditLogger attaches a compliance audit trail for order placement and
// failure events. Optional: a nil logger (the default) disables auditing
// without changing ExecuteSignal's behavior.
func (e *Executor) SetAuditLogger(a *audit.Logger) {
	e.audit = a
}

// New constructs an Executor and registers it as the callback bus's
// on_execute handler (§4.3: "the trade executor observes actionable
// signals through the callback bus, never by direct call from the
// orchestrator"). riskSnapshot is called fresh at the start of every
// ExecuteSignal, so a config reload is picked up without restart. tracker
// may be nil (e.g. in tests); when set, every opening fill is handed to the
// position supervisor and every direct close untracks it there.
func New(cfg config.ExecutorConfig, cooldownCfg config.CooldownConfig, pyramidingCfg config.PyramidingConfig, riskSnapshot func() riskgate.Snapshot, v venue.Venue, database tradeStore, q quotaChecker, callbackBus *bus.Bus, events *eventbus.Bus, exchangeBreaker *gobreaker.CircuitBreaker, tracker positionTracker) *Executor {
	e := &Executor{
		cfg:           cfg,
		cooldownCfg:   cooldownCfg,
		pyramidingCfg: pyramidingCfg,
		riskCfgFunc:   riskSnapshot,
		venue:         v,
		db:            database,
		quota:         q,
		bus:           callbackBus,
		events:        events,
		breaker:       exchangeBreaker,
		tracker:       tracker,
		lossStreakN:   20,
	}
	if callbackBus != nil {
		callbackBus.OnExecute(func(s *signal.Signal) {
			if _, err := e.ExecuteSignal(context.Background(), s); err != nil {
				log.Error().Err(err).Str("symbol", s.Symbol).Int64("signal_id", s.ID).Msg("executor: on_execute handler failed")
			}
		})
	}
	return e
}

// ExecuteSignal is the trade executor's single entry point (§4.3). It is
// idempotent by signal id: a repeated call for an id whose order record
// (client id signal:<id>) exists returns that record instead of touching
// the venue again. Skipped outcomes are not stored, so a repeated call for
// a previously skipped signal is evaluated afresh.
func (e *Executor) ExecuteSignal(ctx context.Context, sig *signal.Signal) (*ExecutionResult, error) {
	symbol := sig.Symbol

	if prior, err := e.db.GetTradeRecordByClientID(ctx, clientID(sig.ID, "")); err == nil && prior != nil {
		outcome, reason := OutcomeFilled, ""
		if prior.Status == signal.TradeStatusFailed {
			outcome, reason = OutcomeFailed, "venue_rejected"
		}
		return &ExecutionResult{Outcome: outcome, Reason: reason, Trades: []*signal.TradeRecord{prior}}, nil
	}

	pos, err := e.venue.GetPosition(ctx, symbol)
	if err != nil {
		return e.skip(ctx, sig, "position-lookup-failed"), nil
	}

	legs, skipReason := resolveIntent(sig.Action, pos, e.pyramidingCfg)
	if legs == nil {
		return e.skip(ctx, sig, skipReason), nil
	}

	if err := e.checkCloseCooldown(ctx, symbol, legs); err != nil {
		return e.skip(ctx, sig, "close-cooldown-active"), nil
	}

	markPrice, err := e.venue.MarkPrice(ctx, symbol)
	if err != nil {
		return e.skip(ctx, sig, "mark-price-unavailable"), nil
	}
	account, err := e.venue.Account(ctx)
	if err != nil {
		return e.skip(ctx, sig, "account-lookup-failed"), nil
	}
	filters, err := e.venue.SymbolFilters(ctx, symbol)
	if err != nil {
		return e.skip(ctx, sig, "symbol-filters-unavailable"), nil
	}

	openQty := computeSize(e.cfg, account.EquityUSDT, markPrice, filters)
	closeQty := 0.0
	if pos != nil {
		closeQty = pos.Qty
	}
	gateQty := closeQty
	for _, leg := range legs {
		if leg.kind.isOpen() {
			gateQty = openQty
		}
	}
	if gateQty <= 0 {
		return e.skip(ctx, sig, "below-min-notional"), nil
	}

	if err := e.evaluateGate(ctx, sig, symbol, gateQty, markPrice, account.EquityUSDT); err != nil {
		var ae *apperr.Error
		reason := "risk_gate_rejected"
		if errors.As(err, &ae) {
			reason = ae.Reason
		}
		return e.skip(ctx, sig, reason), nil
	}

	if legs[len(legs)-1].kind.isOpen() {
		e.setLeverageAndMargin(ctx, symbol)
	}

	var trades []*signal.TradeRecord
	anyFailed := false
	for _, leg := range legs {
		qty := closeQty
		if leg.kind.isOpen() {
			qty = openQty
		}
		if qty <= 0 {
			anyFailed = true
			continue
		}
		t, err := e.placeLeg(ctx, sig, leg, symbol, qty, markPrice)
		if err != nil {
			anyFailed = true
			log.Warn().Err(err).Str("symbol", symbol).Str("leg", string(leg.kind)).Msg("executor: leg failed")
			if t != nil {
				trades = append(trades, t)
			}
			continue
		}
		trades = append(trades, t)

		if leg.kind.isOpen() {
			tpID, slID := e.placeTPSL(ctx, sig, symbol, leg, qty)
			if e.tracker != nil {
				e.tracker.Track(ctx, symbol, leg.kind.positionSide(), t.Qty, t.Price, e.cfg.DefaultLeverage, sig.TPPrice, sig.SLPrice, tpID, slID)
			}
			e.arm(ctx, symbol, string(sig.Action), e.cooldownCfg.SignalCooldown[string(sig.Action)])
		} else {
			if e.tracker != nil {
				e.tracker.Untrack(ctx, symbol)
			}
			e.arm(ctx, symbol, closeCooldownAction, e.cooldownCfg.CloseCooldown)
		}
	}

	outcome := OutcomeFilled
	reason := ""
	if anyFailed {
		outcome = OutcomeFailed
		reason = "venue_rejected"
	}
	return &ExecutionResult{Outcome: outcome, Reason: reason, Trades: trades}, nil
}

func (e *Executor) checkCloseCooldown(ctx context.Context, symbol string, legs []orderLeg) error {
	hasClose := false
	for _, leg := range legs {
		if !leg.kind.isOpen() {
			hasClose = true
		}
	}
	if !hasClose {
		return nil
	}
	next, err := e.db.GetCooldown(ctx, symbol, closeCooldownAction)
	if err != nil {
		return fmt.Errorf("close cooldown lookup: %w", err)
	}
	if next != nil && time.Now().Before(*next) {
		return apperr.CooldownActive(symbol)
	}
	return nil
}

func (e *Executor) evaluateGate(ctx context.Context, sig *signal.Signal, symbol string, qty, price, equity float64) error {
	tier, err := e.quota.CurrentTier(ctx)
	if err != nil {
		tier = signal.TierNormal
	}
	streak, err := e.lossStreak(ctx, symbol)
	if err != nil {
		streak = 0
	}
	pnlToday, err := e.db.RealizedPnLToday(ctx, startOfToday())
	if err != nil {
		pnlToday = 0
	}
	nextSignal, _ := e.db.GetCooldown(ctx, symbol, string(sig.Action))
	cooldownActive := nextSignal != nil && time.Now().Before(*nextSignal)

	in := riskgate.Input{
		Signal:           sig,
		Symbol:           symbol,
		ComputedSize:     qty,
		Price:            price,
		RealizedPnLToday: pnlToday,
		Equity:           equity,
		LossStreak:       streak,
		QuotaTier:        tier,
		CooldownActive:   cooldownActive,
		ExchangeBreaker:  e.breaker,
	}
	result := riskgate.Evaluate(e.riskCfgFunc(), in)
	return result.Err()
}

// lossStreak counts consecutive losing closed round-trips, most recent
// first, stopping at the first winner.
func (e *Executor) lossStreak(ctx context.Context, symbol string) (int, error) {
	records, err := e.db.RecentClosedRoundTrips(ctx, symbol, e.lossStreakN)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range records {
		if t.PnLUSDT >= 0 {
			break
		}
		n++
	}
	return n, nil
}

func (e *Executor) setLeverageAndMargin(ctx context.Context, symbol string) {
	if e.cfg.DefaultLeverage > 0 {
		if err := e.venue.SetLeverage(ctx, symbol, e.cfg.DefaultLeverage); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("executor: set leverage failed, proceeding anyway")
		}
	}
	if e.cfg.MarginType != "" {
		if err := e.venue.SetMarginType(ctx, symbol, e.cfg.MarginType); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("executor: set margin type failed, proceeding anyway")
		}
	}
}

// placeLeg persists a pending TradeRecord, places the venue order
// (idempotent by client-id, retried on a retryable classification), and
// updates the TradeRecord to its terminal status.
func (e *Executor) placeLeg(ctx context.Context, sig *signal.Signal, leg orderLeg, symbol string, qty, price float64) (*signal.TradeRecord, error) {
	cid := clientID(sig.ID, leg.clientIDSuffix)

	if existing, err := e.db.GetTradeRecordByClientID(ctx, cid); err == nil && existing != nil {
		return existing, nil
	}

	signalID := sig.ID
	t := &signal.TradeRecord{
		ClientID:     cid,
		Symbol:       symbol,
		Side:         leg.kind.orderSide(),
		PositionSide: leg.kind.positionSide(),
		Qty:          qty,
		Status:       signal.TradeStatusPending,
		Leverage:     e.cfg.DefaultLeverage,
		OpenedAt:     time.Now(),
		SignalID:     &signalID,
	}
	if err := e.db.InsertTradeRecord(ctx, t); err != nil {
		log.Error().Err(err).Str("client_id", cid).Msg("executor: failed to persist pending trade record")
	}

	params := orderParams(leg, symbol, qty, cid)
	result, err := e.placeWithRetry(ctx, params)
	if err != nil {
		t.Status = signal.TradeStatusFailed
		t.Reason = err.Error()
		_ = e.db.UpdateTradeRecordStatus(ctx, cid, t.Status, "", 0, 0, nil)
		e.publishTradeStatus(t)
		e.logOrderAudit(ctx, cid, false, err.Error())
		alerts.AlertOrderFailed(ctx, symbol, string(leg.kind.orderSide()), qty, err)
		return t, err
	}

	t.OrderID = result.OrderID
	t.Price = result.AvgPrice
	t.Qty = result.FilledQty
	t.Status = tradeStatusFromVenue(result.Status)
	var closedAt *time.Time
	if !leg.kind.isOpen() {
		now := time.Now()
		closedAt = &now
	}
	if err := e.db.UpdateTradeRecordStatus(ctx, cid, t.Status, t.OrderID, t.Price, t.Qty, closedAt); err != nil {
		log.Error().Err(err).Str("client_id", cid).Msg("executor: failed to update trade record status")
	}
	e.publishTradeStatus(t)
	e.logOrderAudit(ctx, cid, true, "")
	return t, nil
}

// logOrderAudit records an order placement outcome to the compliance audit
// trail. A no-op when no audit logger is attached.
func (e *Executor) logOrderAudit(ctx context.Context, clientID string, success bool, errMsg string) {
	if e.audit == nil {
		return
	}
	if err := e.audit.LogOrderAction(ctx, audit.EventTypeOrderPlaced, "executor", "", clientID, nil, success, errMsg); err != nil {
		log.Warn().Err(err).Str("client_id", clientID).Msg("executor: failed to write audit log")
	}
}

// placeWithRetry retries a retryable venue error with exponential backoff,
// up to cfg.MaxRetries attempts; a permanent error returns immediately.
func (e *Executor) placeWithRetry(ctx context.Context, p venue.MarketOrderParams) (*venue.OrderResult, error) {
	maxAttempts := e.cfg.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		result, err := e.venue.PlaceMarketOrder(ctx, p)
		if err == nil {
			return result, nil
		}
		lastErr = err
		var ae *apperr.Error
		if !errors.As(err, &ae) || !ae.Retryable {
			return nil, err
		}
		if attempt < maxAttempts-1 {
			delay := retryBaseDelay * time.Duration(1<<uint(attempt))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

func (e *Executor) placeTPSL(ctx context.Context, sig *signal.Signal, symbol string, leg orderLeg, qty float64) (tpClientID, slClientID string) {
	closeSide := venue.SideSell
	posSide := venue.PositionSideLong
	if leg.kind == intentOpenShort {
		closeSide = venue.SideBuy
		posSide = venue.PositionSideShort
	}

	if sig.TPPrice != nil {
		tpClientID = fmt.Sprintf("tp:%d", sig.ID)
		_, err := e.venue.PlaceConditionalOrder(ctx, venue.ConditionalOrderParams{
			Symbol:       symbol,
			Kind:         venue.ConditionalTakeProfit,
			Side:         closeSide,
			PositionSide: posSide,
			Quantity:     qty,
			StopPrice:    *sig.TPPrice,
			ClientID:     tpClientID,
		})
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("executor: failed to place take-profit order")
		}
	}
	if sig.SLPrice != nil {
		slClientID = fmt.Sprintf("sl:%d", sig.ID)
		_, err := e.venue.PlaceConditionalOrder(ctx, venue.ConditionalOrderParams{
			Symbol:       symbol,
			Kind:         venue.ConditionalStopLoss,
			Side:         closeSide,
			PositionSide: posSide,
			Quantity:     qty,
			StopPrice:    *sig.SLPrice,
			ClientID:     slClientID,
		})
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("executor: failed to place stop-loss order")
		}
	}
	return tpClientID, slClientID
}

func tpSuffix(s string) string {
	if s == "" {
		return "tp"
	}
	return s + ":tp"
}

func slSuffix(s string) string {
	if s == "" {
		return "sl"
	}
	return s + ":sl"
}

func (e *Executor) arm(ctx context.Context, symbol, action string, d time.Duration) {
	if d <= 0 {
		return
	}
	if err := e.db.ArmCooldown(ctx, symbol, action, time.Now().Add(d)); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Str("action", action).Msg("executor: failed to arm cooldown")
	}
}

func (e *Executor) publishTradeStatus(t *signal.TradeRecord) {
	if e.events == nil {
		return
	}
	if err := e.events.PublishTradeStatus(t); err != nil {
		log.Warn().Err(err).Str("client_id", t.ClientID).Msg("executor: failed to publish trade-status event")
	}
}

// skip records and publishes a no-venue-touch outcome for a signal the gate,
// intent resolution, or cooldown check rejected.
func (e *Executor) skip(ctx context.Context, sig *signal.Signal, reason string) *ExecutionResult {
	log.Info().Str("symbol", sig.Symbol).Int64("signal_id", sig.ID).Str("reason", reason).Msg("executor: skipped")
	t := &signal.TradeRecord{
		ClientID: clientID(sig.ID, "skip"),
		Symbol:   sig.Symbol,
		Status:   signal.TradeStatusCanceled,
		Reason:   reason,
		OpenedAt: time.Now(),
		SignalID: &sig.ID,
	}
	e.publishTradeStatus(t)
	return &ExecutionResult{Outcome: OutcomeSkipped, Reason: reason}
}

func tradeStatusFromVenue(s venue.OrderStatus) signal.TradeStatus {
	switch s {
	case venue.OrderStatusFilled:
		return signal.TradeStatusFilled
	case venue.OrderStatusPartiallyFilled:
		return signal.TradeStatusPartial
	case venue.OrderStatusCanceled, venue.OrderStatusExpired:
		return signal.TradeStatusCanceled
	case venue.OrderStatusRejected:
		return signal.TradeStatusFailed
	default:
		return signal.TradeStatusPending
	}
}

func startOfToday() time.Time {
	now := time.Now()
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location())
}
