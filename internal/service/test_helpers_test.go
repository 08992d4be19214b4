package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/ayo6706/payout-accumulator/internal/db"
	"github.com/ayo6706/payout-accumulator/internal/envelope"
	"github.com/ayo6706/payout-accumulator/internal/models"
	"github.com/ayo6706/payout-accumulator/internal/repository"
	"github.com/ayo6706/payout-accumulator/internal/taskqueue"
)

const testIPNSecret = "test-ipn-secret"

var testKeys = envelope.NewKeyring("test-conversion-key", "test-settlement-key", "test-scheduler-key")

// setupTestDB connects to the local Postgres instance, applies the schema,
// and truncates every saga table.
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

	for _, table := range []string{"conversion_legs", "failed_transactions", "payout_accumulation", "payout_batches", "clients"} {
		if _, err := pool.Exec(context.Background(), "TRUNCATE TABLE "+table+" CASCADE"); err != nil {
			t.Fatalf("Failed to truncate %s: %v", table, err)
		}
	}
	return pool
}

// seedClient registers a client paid out in USDT with a 50-unit threshold.
func seedClient(t *testing.T, store *repository.Store) *models.ClientProfile {
	t.Helper()
	profile := &models.ClientProfile{
		ClientID:        "client-a",
		WalletAddress:   "0x00000000000000000000000000000000000000aa",
		PayoutCurrency:  "usdt",
		PayoutNetwork:   "eth",
		PayoutThreshold: 50_000_000,
	}
	require.NoError(t, store.Queries().UpsertClient(context.Background(), profile))
	return profile
}

// signIPN computes the processor's HMAC-SHA512 hex signature over the body.
func signIPN(t *testing.T, body []byte) string {
	t.Helper()
	mac := hmac.New(sha512.New, []byte(testIPNSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func ipnBody(t *testing.T, paymentID, amount string) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"payment_id":     paymentID,
		"payment_status": "finished",
		"pay_amount":     amount,
		"pay_currency":   "eth",
		"pay_network":    "eth",
		"client_id":      "client-a",
		"user_id":        42,
	})
	require.NoError(t, err)
	return raw
}

// popTask drains the queue looking for one task on the given path, opens its
// token with key, and pushes everything else back.
func popTask(t *testing.T, q *taskqueue.MemoryQueue, path string, key []byte, out any) bool {
	t.Helper()
	horizon := time.Now().Add(48 * time.Hour)
	tasks, err := q.PopDue(context.Background(), horizon, 100)
	require.NoError(t, err)

	found := false
	for _, task := range tasks {
		if task.Path == path && !found {
			require.NoError(t, envelope.Open(task.Token, key, out))
			found = true
			continue
		}
		require.NoError(t, q.Push(context.Background(), task, 0))
	}
	return found
}
