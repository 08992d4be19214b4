package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ayo6706/payout-accumulator/internal/domain"
	"github.com/ayo6706/payout-accumulator/internal/notify"
	"github.com/ayo6706/payout-accumulator/internal/repository"
)

func TestRecordPaymentAppliesFee(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	store := repository.NewStore(pool)
	seedClient(t, store)

	svc := NewLedgerService(store, testIPNSecret, 3, &notify.Capture{})
	body := ipnBody(t, "pay-fee-1", "0.01")

	rec, err := svc.RecordPayment(context.Background(), body, signIPN(t, body))
	require.NoError(t, err)
	require.NotNil(t, rec)

	// 0.01 ETH gross, 3% fee off the top.
	require.Equal(t, int64(9_700), rec.SourceAmount)
	require.Equal(t, "eth", rec.SourceCurrency)
	require.Equal(t, domain.ConversionPending, rec.ConversionStatus)
	require.Equal(t, "0x00000000000000000000000000000000000000aa", rec.WalletAddress)
	require.Equal(t, "usdt", rec.PayoutCurrency)
}

func TestRecordPaymentRejectsBadSignature(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	store := repository.NewStore(pool)
	seedClient(t, store)

	svc := NewLedgerService(store, testIPNSecret, 3, &notify.Capture{})
	body := ipnBody(t, "pay-sig-1", "0.01")

	_, err := svc.RecordPayment(context.Background(), body, "deadbeef")
	require.ErrorIs(t, err, ErrInvalidSignature)

	_, err = svc.RecordPayment(context.Background(), body, "")
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestRecordPaymentDuplicateIsAcknowledged(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	store := repository.NewStore(pool)
	seedClient(t, store)

	svc := NewLedgerService(store, testIPNSecret, 3, &notify.Capture{})
	body := ipnBody(t, "pay-dup-1", "0.02")

	first, err := svc.RecordPayment(context.Background(), body, signIPN(t, body))
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := svc.RecordPayment(context.Background(), body, signIPN(t, body))
	require.NoError(t, err)
	require.Nil(t, second)

	var count int
	require.NoError(t, pool.QueryRow(context.Background(),
		"SELECT COUNT(*) FROM payout_accumulation WHERE payment_id = 'pay-dup-1'").Scan(&count))
	require.Equal(t, 1, count)
}

func TestRecordPaymentUnknownClient(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	store := repository.NewStore(pool)

	svc := NewLedgerService(store, testIPNSecret, 3, &notify.Capture{})
	body := ipnBody(t, "pay-noclient-1", "0.01")

	_, err := svc.RecordPayment(context.Background(), body, signIPN(t, body))
	require.ErrorIs(t, err, ErrUnknownClient)
}

func TestRecordPaymentIgnoresNonFinalStatus(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	store := repository.NewStore(pool)
	seedClient(t, store)

	svc := NewLedgerService(store, testIPNSecret, 3, &notify.Capture{})
	body, err := json.Marshal(map[string]any{
		"payment_id":     "pay-waiting-1",
		"payment_status": "waiting",
		"pay_amount":     "0.01",
		"pay_currency":   "eth",
		"pay_network":    "eth",
		"client_id":      "client-a",
		"user_id":        42,
	})
	require.NoError(t, err)

	rec, err := svc.RecordPayment(context.Background(), body, signIPN(t, body))
	require.NoError(t, err)
	require.Nil(t, rec)

	var count int
	require.NoError(t, pool.QueryRow(context.Background(),
		"SELECT COUNT(*) FROM payout_accumulation").Scan(&count))
	require.Equal(t, 0, count)
}
