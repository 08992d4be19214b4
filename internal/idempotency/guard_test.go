package idempotency

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/ayo6706/payout-accumulator/internal/db"
	"github.com/ayo6706/payout-accumulator/internal/domain"
	"github.com/ayo6706/payout-accumulator/internal/models"
	"github.com/ayo6706/payout-accumulator/internal/repository"
	"github.com/ayo6706/payout-accumulator/internal/testutil/dblock"
)

func TestMain(m *testing.M) {
	release := dblock.Acquire()
	code := m.Run()
	release()
	os.Exit(code)
}

func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	connString := os.Getenv("DATABASE_URL")
	if connString == "" {
		t.Skip("Skipping integration test: DATABASE_URL not set")
	}
	pool, err := pgxpool.New(context.Background(), connString)
	if err != nil {
		t.Fatalf("Failed to connect to DB: %v", err)
	}
	if err := db.Migrate(context.Background(), pool); err != nil {
		t.Fatalf("Failed to apply schema: %v", err)
	}
	for _, table := range []string{"conversion_legs", "payout_accumulation", "payout_batches"} {
		if _, err := pool.Exec(context.Background(), "TRUNCATE TABLE "+table+" CASCADE"); err != nil {
			t.Fatalf("Failed to truncate %s: %v", table, err)
		}
	}
	return pool
}

func TestClaimRecordsAllOrNothing(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	q := repository.New(pool)
	guard := NewGuard(pool)
	ctx := context.Background()

	var ids []int64
	for _, paymentID := range []string{"claim-a", "claim-b"} {
		rec := &models.AccumulationRecord{
			PaymentID:        paymentID,
			ClientID:         "client-a",
			UserID:           1,
			SourceAmount:     10_000,
			SourceCurrency:   "eth",
			SourceNetwork:    "eth",
			WalletAddress:    "0xaa",
			PayoutCurrency:   "eth",
			PayoutNetwork:    "eth",
			ConversionStatus: domain.ConversionPending,
		}
		require.NoError(t, q.InsertAccumulation(ctx, rec))
		ids = append(ids, rec.ID)
	}

	claimed, err := guard.ClaimRecords(ctx, ids, domain.ConversionPending, domain.ConversionEstimating)
	require.NoError(t, err)
	require.True(t, claimed)

	// A second identical claim finds no pending rows.
	claimed, err = guard.ClaimRecords(ctx, ids, domain.ConversionPending, domain.ConversionEstimating)
	require.NoError(t, err)
	require.False(t, claimed)

	// A partial match claims nothing: the first row stays estimating.
	_, err = pool.Exec(ctx, "UPDATE payout_accumulation SET conversion_status = 'pending' WHERE id = $1", ids[0])
	require.NoError(t, err)
	claimed, err = guard.ClaimRecords(ctx, ids, domain.ConversionPending, domain.ConversionEstimating)
	require.NoError(t, err)
	require.False(t, claimed)

	var status string
	require.NoError(t, pool.QueryRow(ctx,
		"SELECT conversion_status FROM payout_accumulation WHERE id = $1", ids[0]).Scan(&status))
	require.Equal(t, domain.ConversionPending, status)
}

func TestClaimBatch(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	q := repository.New(pool)
	guard := NewGuard(pool)
	ctx := context.Background()

	batch := &models.PayoutBatch{
		BatchID:           uuid.New(),
		ClientID:          "client-a",
		WalletAddress:     "0xaa",
		PayoutCurrency:    "eth",
		PayoutNetwork:     "eth",
		TotalStableAmount: 50_000_000,
		PaymentCount:      2,
		Status:            domain.BatchPending,
	}
	require.NoError(t, q.InsertBatch(ctx, batch))

	claimed, err := guard.ClaimBatch(ctx, batch.BatchID, domain.BatchPending, domain.BatchConverting)
	require.NoError(t, err)
	require.True(t, claimed)

	claimed, err = guard.ClaimBatch(ctx, batch.BatchID, domain.BatchPending, domain.BatchConverting)
	require.NoError(t, err)
	require.False(t, claimed)
}

func TestClaimLeg(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	q := repository.New(pool)
	guard := NewGuard(pool)
	ctx := context.Background()

	leg := &models.ConversionLeg{
		LegID:           uuid.New(),
		OwnerRef:        "acc:9",
		Direction:       domain.DirectionHop1,
		ExchangeTxID:    "cn-guard-1",
		PayinAddress:    "0xpayin",
		EstimatedAmount: 1_000_000,
		Status:          domain.LegWaiting,
	}
	require.NoError(t, q.InsertLeg(ctx, leg))

	claimed, err := guard.ClaimLeg(ctx, leg.LegID, domain.LegWaiting, domain.LegConfirming)
	require.NoError(t, err)
	require.True(t, claimed)

	claimed, err = guard.ClaimLeg(ctx, leg.LegID, domain.LegWaiting, domain.LegConfirming)
	require.NoError(t, err)
	require.False(t, claimed)
}
