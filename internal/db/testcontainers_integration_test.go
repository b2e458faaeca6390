package db_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalforge/enginefunk/internal/db/testhelpers"
	"github.com/signalforge/enginefunk/internal/signal"
)

// TestDatabaseConnectionWithTestcontainers tests basic database connectivity using testcontainers
func TestDatabaseConnectionWithTestcontainers(t *testing.T) {
	tc := testhelpers.SetupTestDatabase(t)
	err := tc.ApplyMigrations("../../migrations")
	require.NoError(t, err)

	ctx := context.Background()

	err = tc.DB.Ping(ctx)
	assert.NoError(t, err)

	err = tc.DB.Health(ctx)
	assert.NoError(t, err)

	pool := tc.DB.Pool()
	assert.NotNil(t, pool)
}

// TestTradeRecordCRUDWithTestcontainers exercises the trade record lifecycle
// an executed signal goes through: insert pending, fill, close.
func TestTradeRecordCRUDWithTestcontainers(t *testing.T) {
	tc := testhelpers.SetupTestDatabase(t)
	err := tc.ApplyMigrations("../../migrations")
	require.NoError(t, err)

	ctx := context.Background()

	t.Run("InsertAndFetchByClientID", func(t *testing.T) {
		clientID := "test-" + uuid.New().String()[:8]
		trade := &signal.TradeRecord{
			OrderID:      "order-" + clientID,
			ClientID:     clientID,
			Symbol:       "BTCUSDT",
			Side:         signal.OrderSideBuy,
			PositionSide: signal.PositionSideLong,
			Price:        48000.0,
			Qty:          0.1,
			Status:       signal.TradeStatusPending,
			Leverage:     5,
			OpenedAt:     time.Now(),
		}

		require.NoError(t, tc.DB.InsertTradeRecord(ctx, trade))

		retrieved, err := tc.DB.GetTradeRecordByClientID(ctx, clientID)
		require.NoError(t, err)
		require.NotNil(t, retrieved)
		assert.Equal(t, trade.Symbol, retrieved.Symbol)
		assert.Equal(t, signal.TradeStatusPending, retrieved.Status)
	})

	t.Run("UpdateStatusToFilled", func(t *testing.T) {
		clientID := "test-" + uuid.New().String()[:8]
		trade := &signal.TradeRecord{
			OrderID:      "order-" + clientID,
			ClientID:     clientID,
			Symbol:       "ETHUSDT",
			Side:         signal.OrderSideSell,
			PositionSide: signal.PositionSideShort,
			Price:        3000.0,
			Qty:          1.0,
			Status:       signal.TradeStatusPending,
			Leverage:     3,
			OpenedAt:     time.Now(),
		}
		require.NoError(t, tc.DB.InsertTradeRecord(ctx, trade))

		closedAt := time.Now()
		err := tc.DB.UpdateTradeRecordStatus(ctx, clientID, signal.TradeStatusFilled, "order-"+clientID, 2950.0, 1.0, &closedAt)
		require.NoError(t, err)

		updated, err := tc.DB.GetTradeRecordByClientID(ctx, clientID)
		require.NoError(t, err)
		assert.Equal(t, signal.TradeStatusFilled, updated.Status)
	})

	t.Run("GetPending", func(t *testing.T) {
		clientID := "test-" + uuid.New().String()[:8]
		trade := &signal.TradeRecord{
			OrderID:      "order-" + clientID,
			ClientID:     clientID,
			Symbol:       "SOLUSDT",
			Side:         signal.OrderSideBuy,
			PositionSide: signal.PositionSideLong,
			Price:        100.0,
			Qty:          10.0,
			Status:       signal.TradeStatusPending,
			Leverage:     2,
			OpenedAt:     time.Now(),
		}
		require.NoError(t, tc.DB.InsertTradeRecord(ctx, trade))

		pending, err := tc.DB.GetPendingTradeRecords(ctx)
		require.NoError(t, err)

		found := false
		for _, p := range pending {
			if p.ClientID == clientID {
				found = true
			}
		}
		assert.True(t, found, "pending trade should be listed")
	})
}

// TestPositionStateCRUDWithTestcontainers exercises the position-state
// repository the supervisor uses to persist and restore tracked positions.
func TestPositionStateCRUDWithTestcontainers(t *testing.T) {
	tc := testhelpers.SetupTestDatabase(t)
	err := tc.ApplyMigrations("../../migrations")
	require.NoError(t, err)

	ctx := context.Background()

	t.Run("UpsertAndGet", func(t *testing.T) {
		pos := &signal.Position{
			Symbol:        "BTCUSDT",
			Side:          signal.PositionSideLong,
			Qty:           0.5,
			EntryPrice:    48000.0,
			MarkPrice:     48500.0,
			UnrealizedPnL: 250.0,
			Leverage:      5,
			OpenedAt:      time.Now(),
			State:         signal.PositionOpen,
		}

		require.NoError(t, tc.DB.UpsertPositionState(ctx, pos))

		retrieved, err := tc.DB.GetPositionState(ctx, "BTCUSDT")
		require.NoError(t, err)
		require.NotNil(t, retrieved)
		assert.Equal(t, pos.Qty, retrieved.Qty)
		assert.Equal(t, pos.EntryPrice, retrieved.EntryPrice)
	})

	t.Run("GetAllAndDelete", func(t *testing.T) {
		pos := &signal.Position{
			Symbol:     "ETHUSDT",
			Side:       signal.PositionSideShort,
			Qty:        2.0,
			EntryPrice: 3100.0,
			OpenedAt:   time.Now(),
			State:      signal.PositionOpen,
		}
		require.NoError(t, tc.DB.UpsertPositionState(ctx, pos))

		all, err := tc.DB.GetAllPositionStates(ctx)
		require.NoError(t, err)
		assert.NotEmpty(t, all)

		require.NoError(t, tc.DB.DeletePositionState(ctx, "ETHUSDT"))

		gone, err := tc.DB.GetPositionState(ctx, "ETHUSDT")
		require.NoError(t, err)
		assert.Nil(t, gone)
	})
}

// TestConcurrentTradeRecordInsertsWithTestcontainers tests thread-safety of
// concurrent trade record inserts, mirroring bursts of executor fills.
func TestConcurrentTradeRecordInsertsWithTestcontainers(t *testing.T) {
	tc := testhelpers.SetupTestDatabase(t)
	err := tc.ApplyMigrations("../../migrations")
	require.NoError(t, err)

	ctx := context.Background()

	done := make(chan bool, 50)
	errors := make(chan error, 50)

	for i := 0; i < 50; i++ {
		go func(idx int) {
			clientID := uuid.New().String()
			trade := &signal.TradeRecord{
				OrderID:      "order-" + clientID,
				ClientID:     clientID,
				Symbol:       "BTCUSDT",
				Side:         signal.OrderSideBuy,
				PositionSide: signal.PositionSideLong,
				Price:        48000.0,
				Qty:          0.1,
				Status:       signal.TradeStatusPending,
				Leverage:     1,
				OpenedAt:     time.Now(),
			}

			if err := tc.DB.InsertTradeRecord(ctx, trade); err != nil {
				errors <- err
			}
			done <- true
		}(i)
	}

	for i := 0; i < 50; i++ {
		<-done
	}

	close(errors)
	for err := range errors {
		t.Errorf("Concurrent operation failed: %v", err)
	}

	pending, err := tc.DB.GetPendingTradeRecords(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(pending), 50)
}
