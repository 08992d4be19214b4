package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ayo6706/payout-accumulator/internal/alert"
	"github.com/ayo6706/payout-accumulator/internal/chain"
	"github.com/ayo6706/payout-accumulator/internal/domain"
	"github.com/ayo6706/payout-accumulator/internal/idempotency"
	"github.com/ayo6706/payout-accumulator/internal/models"
	"github.com/ayo6706/payout-accumulator/internal/repository"
	"github.com/ayo6706/payout-accumulator/internal/taskqueue"
)

// seedSettlementBatch builds a converting batch with two converted member
// records, ready for the settlement executor.
func seedSettlementBatch(t *testing.T, store *repository.Store) *models.PayoutBatch {
	t.Helper()
	ctx := context.Background()
	client := seedClient(t, store)

	var ids []int64
	for i, paymentID := range []string{"pay-settle-1", "pay-settle-2"} {
		rec := &models.AccumulationRecord{
			PaymentID:        paymentID,
			ClientID:         client.ClientID,
			UserID:           int64(100 + i),
			SourceAmount:     30_000,
			SourceCurrency:   "eth",
			SourceNetwork:    "eth",
			WalletAddress:    client.WalletAddress,
			PayoutCurrency:   client.PayoutCurrency,
			PayoutNetwork:    client.PayoutNetwork,
			ConversionStatus: domain.ConversionConverting,
		}
		require.NoError(t, store.Queries().InsertAccumulation(ctx, rec))
		ids = append(ids, rec.ID)
	}
	updated, err := store.Queries().SetStableAmounts(ctx, ids, []int64{30_000_000, 30_000_000})
	require.NoError(t, err)
	require.Equal(t, int64(2), updated)

	batch := &models.PayoutBatch{
		BatchID:           uuid.New(),
		ClientID:          client.ClientID,
		WalletAddress:     client.WalletAddress,
		PayoutCurrency:    client.PayoutCurrency,
		PayoutNetwork:     client.PayoutNetwork,
		TotalStableAmount: 60_000_000,
		PaymentCount:      2,
		Status:            domain.BatchPending,
	}
	require.NoError(t, store.Queries().InsertBatch(ctx, batch))
	claimed, err := store.Queries().AssignBatchMembers(ctx, batch.BatchID, ids)
	require.NoError(t, err)
	require.Equal(t, int64(2), claimed)
	require.NoError(t, store.Queries().SetBatchStatus(ctx, batch.BatchID, domain.BatchConverting))
	return batch
}

// TestSettlementExhaustsRetryBudget drives three consecutive RPC failures
// through the bounded tier: the batch fails, a dead-letter row records three
// attempts, and no member is paid.
func TestSettlementExhaustsRetryBudget(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	store := repository.NewStore(pool)
	guard := idempotency.NewGuard(pool)
	queue := taskqueue.NewMemoryQueue()
	alerts := &alert.CaptureSink{}

	rpcDown := errors.New("post failed: connection refused")
	mockChain := chain.NewMock(rpcDown, rpcDown, rpcDown)
	settle := NewSettlementService(store, guard, mockChain, queue, testKeys, alerts, 3, time.Minute)

	ctx := context.Background()
	batch := seedSettlementBatch(t, store)

	task := SettlementExecuteTask{BatchID: batch.BatchID.String(), Amount: 60_000_000}
	require.NoError(t, settle.Execute(ctx, task)) // attempt 1, retry scheduled

	var retry SettlementExecuteTask
	require.True(t, popTask(t, queue, PathSettlementExecute, testKeys.Settlement, &retry))
	require.NoError(t, settle.Execute(ctx, retry)) // attempt 2, retry scheduled

	require.True(t, popTask(t, queue, PathSettlementExecute, testKeys.Settlement, &retry))
	require.NoError(t, settle.Execute(ctx, retry)) // attempt 3, budget exhausted

	require.Equal(t, 0, queue.Len())

	got, err := store.Queries().GetBatch(ctx, batch.BatchID)
	require.NoError(t, err)
	require.Equal(t, domain.BatchFailed, got.Status)
	require.Equal(t, int32(3), got.AttemptCount)

	failures, err := store.Queries().ListFailedTransactions(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	require.Equal(t, "batch:"+batch.BatchID.String(), failures[0].OwnerRef)
	require.Equal(t, domain.OpSettlementExecute, failures[0].Operation)
	require.Equal(t, domain.ErrClassRPCUnavailable, failures[0].ErrorClass)
	require.Equal(t, int32(3), failures[0].AttemptCount)

	members, err := store.Queries().BatchMembers(ctx, batch.BatchID)
	require.NoError(t, err)
	for _, m := range members {
		require.False(t, m.IsPaidOut)
	}
	require.Len(t, alerts.Messages, 1)
}

// TestSettlementPermanentErrorFailsImmediately verifies a non-retryable
// error skips the remaining budget.
func TestSettlementPermanentErrorFailsImmediately(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	store := repository.NewStore(pool)
	guard := idempotency.NewGuard(pool)
	queue := taskqueue.NewMemoryQueue()
	alerts := &alert.CaptureSink{}

	mockChain := chain.NewMock(chain.ErrInvalidAddress)
	settle := NewSettlementService(store, guard, mockChain, queue, testKeys, alerts, 3, time.Minute)

	ctx := context.Background()
	batch := seedSettlementBatch(t, store)

	task := SettlementExecuteTask{BatchID: batch.BatchID.String(), Amount: 60_000_000}
	require.NoError(t, settle.Execute(ctx, task))
	require.Equal(t, 0, queue.Len())

	got, err := store.Queries().GetBatch(ctx, batch.BatchID)
	require.NoError(t, err)
	require.Equal(t, domain.BatchFailed, got.Status)

	failures, err := store.Queries().ListFailedTransactions(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	require.Equal(t, domain.ErrClassInvalidAddress, failures[0].ErrorClass)
	require.Equal(t, int32(1), failures[0].AttemptCount)
}

// TestBatchRetryAfterFailure verifies the operator retry path re-dispatches
// a failed batch.
func TestBatchRetryAfterFailure(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	store := repository.NewStore(pool)
	guard := idempotency.NewGuard(pool)
	queue := taskqueue.NewMemoryQueue()

	mockChain := chain.NewMock(chain.ErrInvalidAddress)
	settle := NewSettlementService(store, guard, mockChain, queue, testKeys, &alert.CaptureSink{}, 3, time.Minute)
	admin := NewAdminService(store, queue, testKeys)

	ctx := context.Background()
	batch := seedSettlementBatch(t, store)
	require.NoError(t, settle.Execute(ctx, SettlementExecuteTask{BatchID: batch.BatchID.String(), Amount: 60_000_000}))

	require.NoError(t, admin.RetryBatch(ctx, batch.BatchID))

	got, err := store.Queries().GetBatch(ctx, batch.BatchID)
	require.NoError(t, err)
	require.Equal(t, domain.BatchPending, got.Status)
	require.Equal(t, int32(0), got.AttemptCount)

	var execTask ConversionExecuteTask
	require.True(t, popTask(t, queue, PathConversionExecute, testKeys.Conversion, &execTask))
	require.Equal(t, batch.BatchID.String(), execTask.BatchID)

	// Retrying a batch that is not failed is rejected.
	require.ErrorIs(t, admin.RetryBatch(ctx, batch.BatchID), repository.ErrNotFound)
}
