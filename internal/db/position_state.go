package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/signalforge/enginefunk/internal/signal"
)

// UpsertPositionState persists the position supervisor's current view of
// one symbol's position — state machine state, trailing bookkeeping, and
// TP/SL prices — so a restart can reconstruct it (§4.4). Rows are keyed
// by symbol, since the supervisor tracks at most one open position per
// symbol.
func (db *DB) UpsertPositionState(ctx context.Context, p *signal.Position) error {
	var tightenedUntil *time.Time
	var trailingActivatedAt *time.Time
	var peak, currentStop *float64
	if p.Trailing != nil {
		trailingActivatedAt = &p.Trailing.ActivatedAt
		peak = &p.Trailing.PeakFavorablePrice
		currentStop = &p.Trailing.CurrentStop
		tightenedUntil = p.Trailing.TightenedUntil
	}
	_, err := db.pool.Exec(ctx, `
		INSERT INTO position_states (
			symbol, side, qty, entry_price, mark_price, unrealized_pnl, leverage,
			opened_at, state, tightened_until, tp_price, sl_price,
			trailing_activated_at, peak_favorable_price, current_stop
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (symbol) DO UPDATE SET
			side = $2, qty = $3, entry_price = $4, mark_price = $5,
			unrealized_pnl = $6, leverage = $7, state = $9, tightened_until = $10,
			tp_price = $11, sl_price = $12, trailing_activated_at = $13,
			peak_favorable_price = $14, current_stop = $15
	`, p.Symbol, p.Side, p.Qty, p.EntryPrice, p.MarkPrice, p.UnrealizedPnL, p.Leverage,
		p.OpenedAt, p.State, tightenedUntil, p.TPPrice, p.SLPrice,
		trailingActivatedAt, peak, currentStop)
	if err != nil {
		log.Error().Err(err).Str("symbol", p.Symbol).Msg("failed to upsert position state")
		return fmt.Errorf("upsert position state: %w", err)
	}
	return nil
}

// GetPositionState returns the tracked state for symbol, or nil if the
// supervisor has no open position on it.
func (db *DB) GetPositionState(ctx context.Context, symbol string) (*signal.Position, error) {
	row := db.pool.QueryRow(ctx, `
		SELECT symbol, side, qty, entry_price, mark_price, unrealized_pnl, leverage,
		       opened_at, state, tightened_until, tp_price, sl_price,
		       trailing_activated_at, peak_favorable_price, current_stop
		FROM position_states WHERE symbol = $1
	`, symbol)
	p, err := scanPositionState(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get position state: %w", err)
	}
	return p, nil
}

// GetAllPositionStates returns every tracked position, for supervisor
// startup reconstruction.
func (db *DB) GetAllPositionStates(ctx context.Context) ([]*signal.Position, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT symbol, side, qty, entry_price, mark_price, unrealized_pnl, leverage,
		       opened_at, state, tightened_until, tp_price, sl_price,
		       trailing_activated_at, peak_favorable_price, current_stop
		FROM position_states WHERE state != $1
	`, signal.PositionClosed)
	if err != nil {
		return nil, fmt.Errorf("get all position states: %w", err)
	}
	defer rows.Close()

	var out []*signal.Position
	for rows.Next() {
		p, err := scanPositionState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position state: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePositionState removes the tracked row once a position reaches
// Closed; the round-trip itself lives on in trade_records.
func (db *DB) DeletePositionState(ctx context.Context, symbol string) error {
	_, err := db.pool.Exec(ctx, `DELETE FROM position_states WHERE symbol = $1`, symbol)
	if err != nil {
		return fmt.Errorf("delete position state: %w", err)
	}
	return nil
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPositionState(row rowScanner) (*signal.Position, error) {
	var p signal.Position
	var trailingActivatedAt *time.Time
	var peak, currentStop *float64
	if err := row.Scan(&p.Symbol, &p.Side, &p.Qty, &p.EntryPrice, &p.MarkPrice, &p.UnrealizedPnL, &p.Leverage,
		&p.OpenedAt, &p.State, &p.TightenedUntil, &p.TPPrice, &p.SLPrice,
		&trailingActivatedAt, &peak, &currentStop); err != nil {
		return nil, err
	}
	if trailingActivatedAt != nil {
		p.Trailing = &signal.TrailingStopState{
			ActivatedAt:    *trailingActivatedAt,
			TightenedUntil: p.TightenedUntil,
		}
		if peak != nil {
			p.Trailing.PeakFavorablePrice = *peak
		}
		if currentStop != nil {
			p.Trailing.CurrentStop = *currentStop
		}
	}
	return &p, nil
}
