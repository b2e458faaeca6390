package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/signalforge/enginefunk/internal/config"
	"github.com/signalforge/enginefunk/internal/eventbus"
	"github.com/signalforge/enginefunk/internal/signal"
	"github.com/signalforge/enginefunk/internal/venue"
)

// positionStore is the subset of *db.DB the supervisor needs.
type positionStore interface {
	UpsertPositionState(ctx context.Context, p *signal.Position) error
	GetAllPositionStates(ctx context.Context) ([]*signal.Position, error)
	DeletePositionState(ctx context.Context, symbol string) error
	ArmCooldown(ctx context.Context, symbol, action string, nextAllowedAt time.Time) error
	InsertTradeRecord(ctx context.Context, t *signal.TradeRecord) error
}

// Supervisor owns every open position's lifecycle: Open → Trailing →
// Closing → Closed, with a Tightened sub-state overlay. One mutex-guarded
// map keyed by symbol; a symbol is tracked from opening fill to close fill.
type Supervisor struct {
	cfg         config.TrailingConfig
	cooldownCfg config.CooldownConfig
	venue       venue.Venue
	db          positionStore
	events      *eventbus.Bus

	mu       sync.Mutex
	tracked  map[string]*tracked
}

// New constructs a Supervisor with no tracked positions. Call Restore to
// reconstruct tracked positions from persisted state after a restart.
func New(cfg config.TrailingConfig, cooldownCfg config.CooldownConfig, v venue.Venue, database positionStore, events *eventbus.Bus) *Supervisor {
	return &Supervisor{
		cfg:         cfg,
		cooldownCfg: cooldownCfg,
		venue:       v,
		db:          database,
		events:      events,
		tracked:     make(map[string]*tracked),
	}
}

// Restore reloads every non-closed position state from the store, for
// startup reconciliation.
func (s *Supervisor) Restore(ctx context.Context) error {
	states, err := s.db.GetAllPositionStates(ctx)
	if err != nil {
		return fmt.Errorf("restore position states: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range states {
		s.tracked[p.Symbol] = &tracked{pos: p}
	}
	log.Info().Int("count", len(states)).Msg("supervisor: restored tracked positions")
	return nil
}

// Track registers a newly filled opening order as an Open position. Called
// by the trade executor immediately after a successful open-leg fill.
func (s *Supervisor) Track(ctx context.Context, symbol string, side signal.PositionSide, qty, entryPrice float64, leverage int, tpPrice, slPrice *float64, tpClientID, slClientID string) {
	pos := &signal.Position{
		Symbol:     symbol,
		Side:       side,
		Qty:        qty,
		EntryPrice: entryPrice,
		MarkPrice:  entryPrice,
		Leverage:   leverage,
		OpenedAt:   time.Now(),
		State:      signal.PositionOpen,
		TPPrice:    tpPrice,
		SLPrice:    slPrice,
	}
	s.mu.Lock()
	s.tracked[symbol] = &tracked{pos: pos, tpClientID: tpClientID, slClientID: slClientID}
	s.mu.Unlock()

	if err := s.db.UpsertPositionState(ctx, pos); err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("supervisor: failed to persist new position state")
	}
	s.publish(pos)
}

// OnPriceTick processes one mark-price observation for symbol. Ticks for one
// symbol must be delivered in arrival order; the supervisor does not
// reorder them.
func (s *Supervisor) OnPriceTick(ctx context.Context, symbol string, markPrice float64) {
	s.mu.Lock()
	t, ok := s.tracked[symbol]
	if !ok || t.pos.State == signal.PositionClosing || t.pos.State == signal.PositionClosed {
		s.mu.Unlock()
		return
	}
	pos := t.pos
	pos.MarkPrice = markPrice
	pos.UnrealizedPnL = favorableMovePct(pos.Side, pos.EntryPrice, markPrice) * pos.Qty * pos.EntryPrice

	reason, shouldClose := s.evaluate(t, markPrice, time.Now())
	if shouldClose {
		t.pos.State = signal.PositionClosing
	}
	snapshot := clonePosition(pos)
	s.mu.Unlock()

	if err := s.db.UpsertPositionState(ctx, snapshot); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("supervisor: failed to persist position tick")
	}
	s.publish(snapshot)

	if shouldClose {
		s.close(ctx, symbol, reason)
	}
}

// Sweep force-closes any tracked position that has exceeded its timeout,
// using the last known mark price. Called periodically by the scheduler so
// a timeout still fires on a symbol with no incoming price ticks.
func (s *Supervisor) Sweep(ctx context.Context) {
	now := time.Now()
	s.mu.Lock()
	var expired []string
	for symbol, t := range s.tracked {
		if t.pos.State == signal.PositionClosing || t.pos.State == signal.PositionClosed {
			continue
		}
		d := timeoutFor(s.cfg.PositionTimeoutHours, symbol)
		if d > 0 && now.Sub(t.pos.OpenedAt) > d {
			t.pos.State = signal.PositionClosing
			expired = append(expired, symbol)
		}
	}
	s.mu.Unlock()

	for _, symbol := range expired {
		s.close(ctx, symbol, CloseTimeout)
	}
}

// evaluate is the per-tick state transition logic, called with the
// supervisor's lock held. It returns the close reason and whether a close
// was decided; it never emits a close for a position already Closing.
func (s *Supervisor) evaluate(t *tracked, markPrice float64, now time.Time) (CloseReason, bool) {
	pos := t.pos

	if pos.State == signal.PositionOpen {
		leveraged := favorableMovePct(pos.Side, pos.EntryPrice, markPrice)
		if pos.Leverage > 0 {
			leveraged *= float64(pos.Leverage)
		}
		if s.cfg.L1 > 0 && leveraged >= s.cfg.L1 {
			pos.State = signal.PositionTrailing
			pos.Trailing = &signal.TrailingStopState{
				ActivatedAt:        now,
				PeakFavorablePrice: markPrice,
			}
			pos.Trailing.CurrentStop = currentStop(s.cfg, t, now)
		} else if d := timeoutFor(s.cfg.PositionTimeoutHours, pos.Symbol); d > 0 && now.Sub(pos.OpenedAt) > d {
			return CloseTimeout, true
		}
	}

	if pos.SLPrice != nil && slHit(pos.Side, *pos.SLPrice, markPrice) {
		return CloseStopLoss, true
	}
	if pos.TPPrice != nil && tpHit(pos.Side, *pos.TPPrice, markPrice) {
		return CloseTakeProfit, true
	}

	if pos.State == signal.PositionTrailing {
		if isPeak(pos.Side, pos.Trailing.PeakFavorablePrice, markPrice) {
			pos.Trailing.PeakFavorablePrice = markPrice
		}

		adverse := adverseMovePctFromPeak(pos.Side, pos.Trailing.PeakFavorablePrice, markPrice)
		if s.cfg.AdverseTightenPct > 0 && adverse > s.cfg.AdverseTightenPct &&
			(pos.Trailing.TightenedUntil == nil || !now.Before(*pos.Trailing.TightenedUntil)) {
			until := now.Add(tightenWindow(s.cfg.TightenWindow))
			pos.Trailing.TightenedUntil = &until
		}

		pos.Trailing.CurrentStop = currentStop(s.cfg, t, now)
		if slHit(pos.Side, pos.Trailing.CurrentStop, markPrice) {
			return CloseTrailingStop, true
		}

		if d := timeoutFor(s.cfg.PositionTimeoutHours, pos.Symbol); d > 0 && now.Sub(pos.OpenedAt) > d {
			return CloseTimeout, true
		}
	}

	return "", false
}

func tpHit(side signal.PositionSide, tpPrice, mark float64) bool {
	if side == signal.PositionSideLong {
		return mark >= tpPrice
	}
	return mark <= tpPrice
}

func slHit(side signal.PositionSide, slPrice, mark float64) bool {
	if side == signal.PositionSideLong {
		return mark <= slPrice
	}
	return mark >= slPrice
}

func isPeak(side signal.PositionSide, peak, mark float64) bool {
	if side == signal.PositionSideLong {
		return mark > peak
	}
	return mark < peak
}

func tightenWindow(d time.Duration) time.Duration {
	if d <= 0 {
		return 30 * time.Minute
	}
	return d
}

// close issues the reduce-only market exit, cancels outstanding TP/SL
// orders, and transitions the position to Closed on fill.
func (s *Supervisor) close(ctx context.Context, symbol string, reason CloseReason) {
	s.mu.Lock()
	t, ok := s.tracked[symbol]
	s.mu.Unlock()
	if !ok {
		return
	}
	pos := t.pos

	if t.tpClientID != "" {
		if err := s.venue.CancelOrder(ctx, symbol, t.tpClientID); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("supervisor: failed to cancel take-profit order on close")
		}
	}
	if t.slClientID != "" {
		if err := s.venue.CancelOrder(ctx, symbol, t.slClientID); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("supervisor: failed to cancel stop-loss order on close")
		}
	}

	side := venue.SideSell
	venuePosSide := venue.PositionSideLong
	if pos.Side == signal.PositionSideShort {
		side = venue.SideBuy
		venuePosSide = venue.PositionSideShort
	}
	cid := fmt.Sprintf("close:%s:%d", symbol, pos.OpenedAt.Unix())

	result, err := s.venue.PlaceMarketOrder(ctx, venue.MarketOrderParams{
		Symbol:       symbol,
		Side:         side,
		PositionSide: venuePosSide,
		Quantity:     pos.Qty,
		ClientID:     cid,
		ReduceOnly:   true,
	})
	if err != nil {
		log.Error().Err(err).Str("symbol", symbol).Str("reason", string(reason)).Msg("supervisor: close order failed, leaving position in closing for retry")
		return
	}

	exitPrice := result.AvgPrice
	pnl := favorableMovePct(pos.Side, pos.EntryPrice, exitPrice) * pos.Qty * pos.EntryPrice

	s.mu.Lock()
	pos.State = signal.PositionClosed
	pos.MarkPrice = exitPrice
	pos.UnrealizedPnL = 0
	snapshot := clonePosition(pos)
	delete(s.tracked, symbol)
	s.mu.Unlock()

	now := time.Now()
	_ = s.db.InsertTradeRecord(ctx, &signal.TradeRecord{
		ClientID:     cid,
		Symbol:       symbol,
		Side:         closeOrderSide(pos.Side),
		PositionSide: closePositionSide(pos.Side),
		Price:        exitPrice,
		Qty:          pos.Qty,
		Status:       signal.TradeStatusFilled,
		Reason:       string(reason),
		PnLUSDT:      pnl,
		Leverage:     pos.Leverage,
		OpenedAt:     pos.OpenedAt,
		ClosedAt:     &now,
	})
	if err := s.db.UpsertPositionState(ctx, snapshot); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("supervisor: failed to persist closed position state")
	}
	if err := s.db.DeletePositionState(ctx, symbol); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("supervisor: failed to delete closed position state")
	}
	if err := s.db.ArmCooldown(ctx, symbol, "close", now.Add(s.cooldownCfg.CloseCooldown)); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("supervisor: failed to arm close cooldown")
	}
	s.publish(snapshot)
}

func closeOrderSide(posSide signal.PositionSide) signal.OrderSide {
	if posSide == signal.PositionSideLong {
		return signal.OrderSideSell
	}
	return signal.OrderSideBuy
}

func closePositionSide(posSide signal.PositionSide) signal.PositionSide {
	return posSide
}

// RequestClose lets an external caller (e.g. a manual close intent from the
// executor) force a position into Closing outside the normal tick-driven
// evaluation.
func (s *Supervisor) RequestClose(ctx context.Context, symbol string) {
	s.mu.Lock()
	t, ok := s.tracked[symbol]
	if !ok || t.pos.State == signal.PositionClosing || t.pos.State == signal.PositionClosed {
		s.mu.Unlock()
		return
	}
	t.pos.State = signal.PositionClosing
	s.mu.Unlock()
	s.close(ctx, symbol, CloseManual)
}

// Untrack removes symbol from supervision without issuing a close order,
// for when the trade executor has already closed the position directly
// (an explicit SELL/COVER signal, or the close leg of a pyramiding
// resolution) and the supervisor only needs to stop watching it.
func (s *Supervisor) Untrack(ctx context.Context, symbol string) {
	s.mu.Lock()
	delete(s.tracked, symbol)
	s.mu.Unlock()
	if err := s.db.DeletePositionState(ctx, symbol); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("supervisor: failed to delete position state on untrack")
	}
}

func (s *Supervisor) publish(p *signal.Position) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishPositionUpdate(p); err != nil {
		log.Warn().Err(err).Str("symbol", p.Symbol).Msg("supervisor: failed to publish position update")
	}
}

// Tracked returns a snapshot of symbol's current position, or nil if none
// is tracked.
func (s *Supervisor) Tracked(symbol string) *signal.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tracked[symbol]
	if !ok {
		return nil
	}
	return clonePosition(t.pos)
}
