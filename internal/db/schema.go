package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS payout_accumulation (
		id BIGSERIAL PRIMARY KEY,
		payment_id TEXT NOT NULL UNIQUE,
		client_id TEXT NOT NULL,
		user_id BIGINT NOT NULL,
		subscription_id BIGINT,
		source_amount_micros BIGINT NOT NULL,
		source_currency TEXT NOT NULL,
		source_network TEXT NOT NULL,
		stable_amount_micros BIGINT,
		wallet_address TEXT NOT NULL,
		payout_currency TEXT NOT NULL,
		payout_network TEXT NOT NULL,
		conversion_status TEXT NOT NULL DEFAULT 'pending',
		conversion_attempts INT NOT NULL DEFAULT 0,
		is_paid_out BOOLEAN NOT NULL DEFAULT FALSE,
		payout_batch_id UUID,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		converted_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_accumulation_status ON payout_accumulation (conversion_status) WHERE is_paid_out = FALSE`,
	`CREATE INDEX IF NOT EXISTS idx_accumulation_batch ON payout_accumulation (payout_batch_id)`,
	`CREATE TABLE IF NOT EXISTS payout_batches (
		batch_id UUID PRIMARY KEY,
		client_id TEXT NOT NULL,
		wallet_address TEXT NOT NULL,
		payout_currency TEXT NOT NULL,
		payout_network TEXT NOT NULL,
		total_stable_micros BIGINT NOT NULL,
		payout_amount_micros BIGINT,
		payment_count INT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempt_count INT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		completed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_batches_status ON payout_batches (status)`,
	`CREATE TABLE IF NOT EXISTS conversion_legs (
		leg_id UUID PRIMARY KEY,
		owner_ref TEXT NOT NULL,
		direction TEXT NOT NULL,
		exchange_tx_id TEXT NOT NULL,
		payin_address TEXT NOT NULL,
		estimated_amount_micros BIGINT NOT NULL,
		actual_amount_micros BIGINT,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_legs_exchange_tx ON conversion_legs (exchange_tx_id)`,
	`CREATE TABLE IF NOT EXISTS failed_transactions (
		id BIGSERIAL PRIMARY KEY,
		owner_ref TEXT NOT NULL,
		operation TEXT NOT NULL,
		error_class TEXT NOT NULL,
		raw_error TEXT NOT NULL,
		attempt_count INT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS clients (
		client_id TEXT PRIMARY KEY,
		wallet_address TEXT NOT NULL,
		payout_currency TEXT NOT NULL,
		payout_network TEXT NOT NULL,
		payout_threshold_micros BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// Migrate applies the schema. Every statement is idempotent so the call is
// safe on every startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
