package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ayo6706/payout-accumulator/internal/alert"
	"github.com/ayo6706/payout-accumulator/internal/chain"
	"github.com/ayo6706/payout-accumulator/internal/domain"
	"github.com/ayo6706/payout-accumulator/internal/exchange"
	"github.com/ayo6706/payout-accumulator/internal/idempotency"
	"github.com/ayo6706/payout-accumulator/internal/models"
	"github.com/ayo6706/payout-accumulator/internal/notify"
	"github.com/ayo6706/payout-accumulator/internal/repository"
	"github.com/ayo6706/payout-accumulator/internal/taskqueue"
)

// TestSixPaymentSaga walks six payments from webhook ingest through
// conversion, batching, and settlement into one completed payout.
func TestSixPaymentSaga(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	store := repository.NewStore(pool)
	guard := idempotency.NewGuard(pool)
	queue := taskqueue.NewMemoryQueue()
	alerts := &alert.CaptureSink{}
	mockEx := exchange.NewMock()
	mockEx.Rate = decimal.NewFromInt(1000) // 1 ETH = 1000 USDT
	mockChain := chain.NewMock()

	client := seedClient(t, store)

	ledger := NewLedgerService(store, testIPNSecret, 3, &notify.Capture{})
	micro := NewMicroBatchService(store, guard, mockEx, queue, testKeys, 10_000_000)
	batcher := NewBatchService(store, queue, testKeys)
	conv := NewConversionService(store, guard, mockEx, mockChain, queue, testKeys, alerts,
		"0x00000000000000000000000000000000000000ff",
		15*time.Second, time.Minute, 3, time.Minute)
	settle := NewSettlementService(store, guard, mockChain, queue, testKeys, alerts, 3, time.Minute)

	ctx := context.Background()

	// Six payments of 0.01 ETH gross, 0.0097 ETH net each.
	for i := 0; i < 6; i++ {
		body := ipnBody(t, fmt.Sprintf("pay-saga-%d", i), "0.01")
		rec, err := ledger.RecordPayment(ctx, body, signIPN(t, body))
		require.NoError(t, err)
		require.NotNil(t, rec)
	}

	// Micro-batch: 0.0582 ETH estimates to 58.2 USDT, over the threshold.
	require.NoError(t, micro.Run(ctx))

	var execTask ConversionExecuteTask
	require.True(t, popTask(t, queue, PathConversionExecute, testKeys.Conversion, &execTask))
	require.Equal(t, domain.DirectionHop1, execTask.Direction)
	require.Len(t, execTask.RecordIDs, 6)
	require.NoError(t, conv.Execute(ctx, execTask))

	// A redelivered execute token is acknowledged without a second order.
	require.ErrorIs(t, conv.Execute(ctx, execTask), ErrDuplicateDelivery)
	require.Equal(t, 1, mockEx.Created())

	var fundTask ConversionFundTask
	require.True(t, popTask(t, queue, PathConversionFund, testKeys.Settlement, &fundTask))
	require.Equal(t, int64(58_200), fundTask.Amount)
	require.NoError(t, conv.Fund(ctx, fundTask))
	require.Len(t, mockChain.Sent, 1)
	require.Equal(t, fundTask.PayinAddress, mockChain.Sent[0].To)

	// A redelivered funding token must not pay twice.
	require.ErrorIs(t, conv.Fund(ctx, fundTask), ErrDuplicateDelivery)
	require.Len(t, mockChain.Sent, 1)

	// First poll sees the order still in flight and reschedules itself.
	var pollTask ConversionPollTask
	require.True(t, popTask(t, queue, PathConversionPoll, testKeys.Conversion, &pollTask))
	require.NoError(t, conv.Poll(ctx, pollTask))

	mockEx.SetStatus(fundTask.ExchangeTxID, "finished", decimal.RequireFromString("57.6"))
	require.True(t, popTask(t, queue, PathConversionPoll, testKeys.Conversion, &pollTask))
	require.NoError(t, conv.Poll(ctx, pollTask))

	records, err := store.Queries().ListAccumulations(ctx, execTask.RecordIDs)
	require.NoError(t, err)
	var stableTotal int64
	for _, rec := range records {
		require.Equal(t, domain.ConversionConverted, rec.ConversionStatus)
		require.NotNil(t, rec.StableAmount)
		stableTotal += *rec.StableAmount
	}
	require.Equal(t, int64(57_600_000), stableTotal)

	// Threshold batcher folds all six converted payments into one batch.
	require.NoError(t, batcher.Run(ctx))

	var hop2Task ConversionExecuteTask
	require.True(t, popTask(t, queue, PathConversionExecute, testKeys.Conversion, &hop2Task))
	require.Equal(t, domain.DirectionHop2, hop2Task.Direction)
	require.NoError(t, conv.Execute(ctx, hop2Task))

	// The client is paid in the stable currency, so hop 2 is skipped and
	// the batch goes straight to settlement.
	var settleTask SettlementExecuteTask
	require.True(t, popTask(t, queue, PathSettlementExecute, testKeys.Settlement, &settleTask))
	require.Equal(t, int64(57_600_000), settleTask.Amount)
	require.NoError(t, settle.Execute(ctx, settleTask))

	// The payout landed on the client wallet as a token transfer.
	last := mockChain.Sent[len(mockChain.Sent)-1]
	require.Equal(t, client.WalletAddress, last.To)
	require.Equal(t, int64(57_600_000), last.Amount)
	require.NotEmpty(t, last.Token)

	batches, err := store.Queries().ListBatches(ctx, "", 10, 0)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	batch := batches[0]
	require.Equal(t, domain.BatchCompleted, batch.Status)
	require.Equal(t, int32(6), batch.PaymentCount)
	require.Equal(t, int64(57_600_000), batch.TotalStableAmount)
	require.NotNil(t, batch.PayoutAmount)
	require.Equal(t, int64(57_600_000), *batch.PayoutAmount)
	require.NotNil(t, batch.CompletedAt)

	members, err := store.Queries().BatchMembers(ctx, batch.BatchID)
	require.NoError(t, err)
	require.Len(t, members, 6)
	for _, m := range members {
		require.True(t, m.IsPaidOut)
	}

	// A redelivered settlement token is a no-op on a completed batch.
	require.ErrorIs(t, settle.Execute(ctx, settleTask), ErrDuplicateDelivery)
	require.Empty(t, alerts.Messages)
}

// TestSagaWithSecondHopPaysConvertedAmount covers a client paid in a
// non-stable currency: the batch opens a second exchange order, and the
// settlement pays out what the exchange actually delivered, not the batch's
// stable total.
func TestSagaWithSecondHopPaysConvertedAmount(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	store := repository.NewStore(pool)
	guard := idempotency.NewGuard(pool)
	queue := taskqueue.NewMemoryQueue()
	alerts := &alert.CaptureSink{}
	mockEx := exchange.NewMock()
	mockEx.Rate = decimal.NewFromInt(1000)
	mockChain := chain.NewMock()

	client := &models.ClientProfile{
		ClientID:        "client-a",
		WalletAddress:   "0x00000000000000000000000000000000000000aa",
		PayoutCurrency:  "eth",
		PayoutNetwork:   "eth",
		PayoutThreshold: 50_000_000,
	}
	require.NoError(t, store.Queries().UpsertClient(context.Background(), client))

	ledger := NewLedgerService(store, testIPNSecret, 3, &notify.Capture{})
	micro := NewMicroBatchService(store, guard, mockEx, queue, testKeys, 10_000_000)
	batcher := NewBatchService(store, queue, testKeys)
	conv := NewConversionService(store, guard, mockEx, mockChain, queue, testKeys, alerts,
		"0x00000000000000000000000000000000000000ff",
		15*time.Second, time.Minute, 3, time.Minute)
	settle := NewSettlementService(store, guard, mockChain, queue, testKeys, alerts, 3, time.Minute)

	ctx := context.Background()

	for i := 0; i < 6; i++ {
		body := ipnBody(t, fmt.Sprintf("pay-hop2-%d", i), "0.01")
		_, err := ledger.RecordPayment(ctx, body, signIPN(t, body))
		require.NoError(t, err)
	}

	// Hop 1: convert the pooled ETH into 57.6 USDT.
	require.NoError(t, micro.Run(ctx))

	var execTask ConversionExecuteTask
	require.True(t, popTask(t, queue, PathConversionExecute, testKeys.Conversion, &execTask))
	require.NoError(t, conv.Execute(ctx, execTask))

	var fundTask ConversionFundTask
	require.True(t, popTask(t, queue, PathConversionFund, testKeys.Settlement, &fundTask))
	require.NoError(t, conv.Fund(ctx, fundTask))

	mockEx.SetStatus(fundTask.ExchangeTxID, "finished", decimal.RequireFromString("57.6"))
	var pollTask ConversionPollTask
	require.True(t, popTask(t, queue, PathConversionPoll, testKeys.Conversion, &pollTask))
	require.NoError(t, conv.Poll(ctx, pollTask))

	require.NoError(t, batcher.Run(ctx))

	// Hop 2: the ETH payout needs a second order, stable in, ETH out.
	var hop2Task ConversionExecuteTask
	require.True(t, popTask(t, queue, PathConversionExecute, testKeys.Conversion, &hop2Task))
	require.Equal(t, domain.DirectionHop2, hop2Task.Direction)
	require.NotEmpty(t, hop2Task.BatchID)
	require.NoError(t, conv.Execute(ctx, hop2Task))
	require.Equal(t, 2, mockEx.Created())

	// A redelivered hop-2 token finds the batch already claimed.
	require.ErrorIs(t, conv.Execute(ctx, hop2Task), ErrDuplicateDelivery)
	require.Equal(t, 2, mockEx.Created())

	// Funding hop 2 sends the batch's USDT to the exchange payin address.
	var hop2Fund ConversionFundTask
	require.True(t, popTask(t, queue, PathConversionFund, testKeys.Settlement, &hop2Fund))
	require.Equal(t, domain.DirectionHop2, hop2Fund.Direction)
	require.Equal(t, int64(57_600_000), hop2Fund.Amount)
	require.Equal(t, domain.StableCurrency, hop2Fund.Currency)
	require.NoError(t, conv.Fund(ctx, hop2Fund))
	funded := mockChain.Sent[len(mockChain.Sent)-1]
	require.Equal(t, hop2Fund.PayinAddress, funded.To)
	require.NotEmpty(t, funded.Token)

	// First poll: still exchanging, task reschedules itself.
	mockEx.SetStatus(hop2Fund.ExchangeTxID, "exchanging", decimal.Zero)
	var hop2Poll ConversionPollTask
	require.True(t, popTask(t, queue, PathConversionPoll, testKeys.Conversion, &hop2Poll))
	require.NoError(t, conv.Poll(ctx, hop2Poll))

	// The exchange delivers 0.0573 ETH, a little under the pre-slippage
	// figure. That amount, not the stable total, must reach the client.
	mockEx.SetStatus(hop2Fund.ExchangeTxID, "finished", decimal.RequireFromString("0.0573"))
	require.True(t, popTask(t, queue, PathConversionPoll, testKeys.Conversion, &hop2Poll))
	require.NoError(t, conv.Poll(ctx, hop2Poll))

	var settleTask SettlementExecuteTask
	require.True(t, popTask(t, queue, PathSettlementExecute, testKeys.Settlement, &settleTask))
	require.Equal(t, int64(57_300), settleTask.Amount)
	require.NoError(t, settle.Execute(ctx, settleTask))

	// Native ETH payout of the hop-2 actual amount.
	paid := mockChain.Sent[len(mockChain.Sent)-1]
	require.Equal(t, client.WalletAddress, paid.To)
	require.Equal(t, int64(57_300), paid.Amount)
	require.Empty(t, paid.Token)

	batches, err := store.Queries().ListBatches(ctx, "", 10, 0)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	batch := batches[0]
	require.Equal(t, domain.BatchCompleted, batch.Status)
	require.Equal(t, int64(57_600_000), batch.TotalStableAmount)
	require.NotNil(t, batch.PayoutAmount)
	require.Equal(t, int64(57_300), *batch.PayoutAmount)

	legs, err := store.Queries().LegsByExchangeTx(ctx, hop2Fund.ExchangeTxID)
	require.NoError(t, err)
	require.Len(t, legs, 1)
	require.Equal(t, "batch:"+batch.BatchID.String(), legs[0].OwnerRef)
	require.Equal(t, domain.LegFinished, legs[0].Status)
	require.NotNil(t, legs[0].ActualAmount)
	require.Equal(t, int64(57_300), *legs[0].ActualAmount)

	members, err := store.Queries().BatchMembers(ctx, batch.BatchID)
	require.NoError(t, err)
	require.Len(t, members, 6)
	for _, m := range members {
		require.True(t, m.IsPaidOut)
	}
	require.Empty(t, alerts.Messages)
}

// TestMicroBatchBelowThresholdAccumulates verifies sub-threshold groups are
// left pending.
func TestMicroBatchBelowThresholdAccumulates(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	store := repository.NewStore(pool)
	guard := idempotency.NewGuard(pool)
	queue := taskqueue.NewMemoryQueue()
	mockEx := exchange.NewMock()
	mockEx.Rate = decimal.NewFromInt(1000)

	seedClient(t, store)
	ledger := NewLedgerService(store, testIPNSecret, 3, &notify.Capture{})
	micro := NewMicroBatchService(store, guard, mockEx, queue, testKeys, 10_000_000)

	ctx := context.Background()
	body := ipnBody(t, "pay-small-1", "0.005") // ~4.85 USDT estimated
	_, err := ledger.RecordPayment(ctx, body, signIPN(t, body))
	require.NoError(t, err)

	require.NoError(t, micro.Run(ctx))
	require.Equal(t, 0, queue.Len())

	var status string
	require.NoError(t, pool.QueryRow(ctx,
		"SELECT conversion_status FROM payout_accumulation WHERE payment_id = 'pay-small-1'").Scan(&status))
	require.Equal(t, domain.ConversionPending, status)
}

// TestHop1TransientExchangeErrorReleasesClaim verifies a failed order
// creation returns the group for a later redelivery.
func TestHop1TransientExchangeErrorReleasesClaim(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	store := repository.NewStore(pool)
	guard := idempotency.NewGuard(pool)
	queue := taskqueue.NewMemoryQueue()
	mockEx := exchange.NewMock()
	mockEx.Rate = decimal.NewFromInt(1000)
	mockChain := chain.NewMock()

	seedClient(t, store)
	ledger := NewLedgerService(store, testIPNSecret, 3, &notify.Capture{})
	micro := NewMicroBatchService(store, guard, mockEx, queue, testKeys, 10_000_000)
	conv := NewConversionService(store, guard, mockEx, mockChain, queue, testKeys, &alert.CaptureSink{},
		"0x00000000000000000000000000000000000000ff",
		15*time.Second, time.Minute, 3, time.Minute)

	ctx := context.Background()
	body := ipnBody(t, "pay-transient-1", "0.05")
	_, err := ledger.RecordPayment(ctx, body, signIPN(t, body))
	require.NoError(t, err)
	require.NoError(t, micro.Run(ctx))

	var execTask ConversionExecuteTask
	require.True(t, popTask(t, queue, PathConversionExecute, testKeys.Conversion, &execTask))

	mockEx.CreateErr = &exchange.APIError{StatusCode: 503, Message: "maintenance"}
	err = conv.Execute(ctx, execTask)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrPermanent)

	// The claim was reverted, so the redelivered token can succeed.
	mockEx.CreateErr = nil
	require.NoError(t, conv.Execute(ctx, execTask))
}
