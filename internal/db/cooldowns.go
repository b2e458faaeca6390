package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// GetCooldown returns the next-allowed-at timestamp for (symbol, action), or
// nil if no cooldown row exists (never armed, or it has been cleared).
func (db *DB) GetCooldown(ctx context.Context, symbol, action string) (*time.Time, error) {
	row := db.pool.QueryRow(ctx, `
		SELECT next_allowed_at FROM cooldowns WHERE symbol = $1 AND action = $2
	`, symbol, action)

	var nextAllowedAt time.Time
	err := row.Scan(&nextAllowedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cooldown: %w", err)
	}
	return &nextAllowedAt, nil
}

// ArmCooldown sets (or replaces) the cooldown for (symbol, action).
func (db *DB) ArmCooldown(ctx context.Context, symbol, action string, nextAllowedAt time.Time) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO cooldowns (symbol, action, next_allowed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (symbol, action) DO UPDATE SET next_allowed_at = $3
	`, symbol, action, nextAllowedAt)
	if err != nil {
		return fmt.Errorf("arm cooldown: %w", err)
	}
	return nil
}

// ClearExpiredCooldowns removes cooldown rows that have elapsed, keeping the
// table small.
func (db *DB) ClearExpiredCooldowns(ctx context.Context, now time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM cooldowns WHERE next_allowed_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("clear expired cooldowns: %w", err)
	}
	return tag.RowsAffected(), nil
}
