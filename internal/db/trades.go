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

// InsertTradeRecord inserts a pending TradeRecord ahead of the venue call
// (§4.3 step 6: "Persist a pending TradeRecord before the venue call").
func (db *DB) InsertTradeRecord(ctx context.Context, t *signal.TradeRecord) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO trade_records (
			order_id, client_id, symbol, side, position_side, price, qty,
			status, reason, pnl_usdt, pnl_pct, leverage, opened_at, closed_at, signal_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (client_id) DO NOTHING
	`, t.OrderID, t.ClientID, t.Symbol, t.Side, t.PositionSide, t.Price, t.Qty,
		t.Status, t.Reason, t.PnLUSDT, t.PnLPct, t.Leverage, t.OpenedAt, t.ClosedAt, t.SignalID)
	if err != nil {
		log.Error().Err(err).Str("client_id", t.ClientID).Str("symbol", t.Symbol).Msg("failed to insert trade record")
		return fmt.Errorf("insert trade record: %w", err)
	}
	log.Debug().Str("client_id", t.ClientID).Str("symbol", t.Symbol).Str("status", string(t.Status)).Msg("trade record inserted")
	return nil
}

// UpdateTradeRecordStatus transitions a TradeRecord's status and fill
// details. Status transitions are monotonic by convention of the caller;
// this method does not itself enforce the ordering.
func (db *DB) UpdateTradeRecordStatus(ctx context.Context, clientID string, status signal.TradeStatus, orderID string, price, qty float64, closedAt *time.Time) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE trade_records
		SET status = $1, order_id = $2, price = $3, qty = $4, closed_at = $5
		WHERE client_id = $6
	`, status, orderID, price, qty, closedAt, clientID)
	if err != nil {
		log.Error().Err(err).Str("client_id", clientID).Msg("failed to update trade record status")
		return fmt.Errorf("update trade record status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("trade record not found for client_id %s", clientID)
	}
	return nil
}

// GetTradeRecordByClientID is the idempotence check: a repeated
// execute_signal call for the same client-id reads back the prior outcome
// instead of re-placing the order.
func (db *DB) GetTradeRecordByClientID(ctx context.Context, clientID string) (*signal.TradeRecord, error) {
	row := db.pool.QueryRow(ctx, `
		SELECT order_id, client_id, symbol, side, position_side, price, qty,
		       status, reason, pnl_usdt, pnl_pct, leverage, opened_at, closed_at, signal_id
		FROM trade_records WHERE client_id = $1
	`, clientID)
	var t signal.TradeRecord
	err := row.Scan(&t.OrderID, &t.ClientID, &t.Symbol, &t.Side, &t.PositionSide, &t.Price, &t.Qty,
		&t.Status, &t.Reason, &t.PnLUSDT, &t.PnLPct, &t.Leverage, &t.OpenedAt, &t.ClosedAt, &t.SignalID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get trade record by client id: %w", err)
	}
	return &t, nil
}

// GetPendingTradeRecords returns every TradeRecord still in status=pending,
// for startup reconciliation against the venue (§4.3 "Idempotence and
// recovery").
func (db *DB) GetPendingTradeRecords(ctx context.Context) ([]*signal.TradeRecord, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT order_id, client_id, symbol, side, position_side, price, qty,
		       status, reason, pnl_usdt, pnl_pct, leverage, opened_at, closed_at, signal_id
		FROM trade_records WHERE status = $1
	`, signal.TradeStatusPending)
	if err != nil {
		return nil, fmt.Errorf("get pending trade records: %w", err)
	}
	defer rows.Close()
	return scanTradeRecords(rows)
}

// GetOpenTradeRecordsBySymbol returns the filled-but-not-closed records for
// symbol, used by the orphan-order sweep to match reduce-only TP/SL orders
// against a live position.
func (db *DB) GetOpenTradeRecordsBySymbol(ctx context.Context, symbol string) ([]*signal.TradeRecord, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT order_id, client_id, symbol, side, position_side, price, qty,
		       status, reason, pnl_usdt, pnl_pct, leverage, opened_at, closed_at, signal_id
		FROM trade_records WHERE symbol = $1 AND status = $2 AND closed_at IS NULL
	`, symbol, signal.TradeStatusFilled)
	if err != nil {
		return nil, fmt.Errorf("get open trade records: %w", err)
	}
	defer rows.Close()
	return scanTradeRecords(rows)
}

// RecentClosedRoundTrips returns the most recent n closed TradeRecords
// ordered by close time descending, for the risk gate's loss_streak check.
func (db *DB) RecentClosedRoundTrips(ctx context.Context, symbol string, n int) ([]*signal.TradeRecord, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT order_id, client_id, symbol, side, position_side, price, qty,
		       status, reason, pnl_usdt, pnl_pct, leverage, opened_at, closed_at, signal_id
		FROM trade_records
		WHERE closed_at IS NOT NULL AND ($1 = '' OR symbol = $1)
		ORDER BY closed_at DESC
		LIMIT $2
	`, symbol, n)
	if err != nil {
		return nil, fmt.Errorf("recent closed round trips: %w", err)
	}
	defer rows.Close()
	return scanTradeRecords(rows)
}

// RealizedPnLToday sums pnl_usdt for round-trips closed since local
// midnight, for the risk gate's daily_drawdown check.
func (db *DB) RealizedPnLToday(ctx context.Context, since time.Time) (float64, error) {
	var total float64
	err := db.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(pnl_usdt), 0) FROM trade_records
		WHERE closed_at IS NOT NULL AND closed_at >= $1
	`, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("realized pnl today: %w", err)
	}
	return total, nil
}

func scanTradeRecords(rows pgx.Rows) ([]*signal.TradeRecord, error) {
	var out []*signal.TradeRecord
	for rows.Next() {
		var t signal.TradeRecord
		if err := rows.Scan(&t.OrderID, &t.ClientID, &t.Symbol, &t.Side, &t.PositionSide, &t.Price, &t.Qty,
			&t.Status, &t.Reason, &t.PnLUSDT, &t.PnLPct, &t.Leverage, &t.OpenedAt, &t.ClosedAt, &t.SignalID); err != nil {
			return nil, fmt.Errorf("scan trade record: %w", err)
		}
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trade records: %w", err)
	}
	return out, nil
}
