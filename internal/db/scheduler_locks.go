package db

import (
	"context"
	"fmt"
	"time"
)

// AcquireSchedulerLock tries to claim the named-lock row for task, with a
// TTL of 2x the task's own period (spec §4.8). It succeeds either when the
// row does not exist yet or when the existing row has expired; a live lock
// held by another instance makes it fail. This is how multiple engine
// instances sharing one database avoid double-triggering the same
// periodic task.
func (db *DB) AcquireSchedulerLock(ctx context.Context, task string, ttl time.Duration, holder string) (bool, error) {
	expiresAt := time.Now().Add(ttl)
	tag, err := db.pool.Exec(ctx, `
		INSERT INTO scheduler_locks (task_name, holder, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (task_name) DO UPDATE
			SET holder = $2, expires_at = $3
			WHERE scheduler_locks.expires_at < now()
	`, task, holder, expiresAt)
	if err != nil {
		return false, fmt.Errorf("acquire scheduler lock %s: %w", task, err)
	}
	return tag.RowsAffected() == 1, nil
}

// RefreshSchedulerLock extends the TTL of a lock this holder already owns.
// A holder mismatch (another instance seized the row after this one's TTL
// lapsed) returns ok=false so the caller stops running the task this cycle.
func (db *DB) RefreshSchedulerLock(ctx context.Context, task string, ttl time.Duration, holder string) (bool, error) {
	tag, err := db.pool.Exec(ctx, `
		UPDATE scheduler_locks SET expires_at = $3
		WHERE task_name = $1 AND holder = $2
	`, task, holder, time.Now().Add(ttl))
	if err != nil {
		return false, fmt.Errorf("refresh scheduler lock %s: %w", task, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseSchedulerLock drops a lock row this holder owns, letting another
// instance pick the task up immediately instead of waiting out the TTL.
// Best-effort: called during graceful shutdown.
func (db *DB) ReleaseSchedulerLock(ctx context.Context, task, holder string) error {
	_, err := db.pool.Exec(ctx, `
		DELETE FROM scheduler_locks WHERE task_name = $1 AND holder = $2
	`, task, holder)
	if err != nil {
		return fmt.Errorf("release scheduler lock %s: %w", task, err)
	}
	return nil
}

// ReapExpiredSchedulerLocks deletes lock rows past their TTL, keeping the
// table small; safe to call opportunistically from any instance since an
// expired row is by definition unowned.
func (db *DB) ReapExpiredSchedulerLocks(ctx context.Context, now time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM scheduler_locks WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("reap expired scheduler locks: %w", err)
	}
	return tag.RowsAffected(), nil
}
