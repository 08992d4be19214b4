package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ayo6706/payout-accumulator/internal/models"
)

const batchColumns = `batch_id, client_id, wallet_address, payout_currency, payout_network,
	total_stable_micros, payout_amount_micros, payment_count, status, attempt_count,
	created_at, completed_at`

func scanBatch(row interface{ Scan(...any) error }, b *models.PayoutBatch) error {
	return row.Scan(
		&b.BatchID, &b.ClientID, &b.WalletAddress, &b.PayoutCurrency, &b.PayoutNetwork,
		&b.TotalStableAmount, &b.PayoutAmount, &b.PaymentCount, &b.Status, &b.AttemptCount,
		&b.CreatedAt, &b.CompletedAt,
	)
}

// InsertBatch records a new payout batch.
func (q *Queries) InsertBatch(ctx context.Context, b *models.PayoutBatch) error {
	query := `
		INSERT INTO payout_batches (
			batch_id, client_id, wallet_address, payout_currency, payout_network,
			total_stable_micros, payment_count, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		RETURNING created_at
	`
	err := q.db.QueryRow(ctx, query,
		b.BatchID, b.ClientID, b.WalletAddress, b.PayoutCurrency, b.PayoutNetwork,
		b.TotalStableAmount, b.PaymentCount, b.Status,
	).Scan(&b.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert payout batch: %w", err)
	}
	return nil
}

// GetBatch returns a batch by id.
func (q *Queries) GetBatch(ctx context.Context, batchID uuid.UUID) (*models.PayoutBatch, error) {
	b := &models.PayoutBatch{}
	query := `SELECT ` + batchColumns + ` FROM payout_batches WHERE batch_id = $1`
	if err := scanBatch(q.db.QueryRow(ctx, query, batchID), b); err != nil {
		return nil, fmt.Errorf("failed to get payout batch: %w", err)
	}
	return b, nil
}

// ListBatches returns batches newest first, optionally filtered by status.
func (q *Queries) ListBatches(ctx context.Context, status string, limit, offset int) ([]models.PayoutBatch, error) {
	query := `
		SELECT ` + batchColumns + `
		FROM payout_batches
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := q.db.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list payout batches: %w", err)
	}
	defer rows.Close()

	var batches []models.PayoutBatch
	for rows.Next() {
		var b models.PayoutBatch
		if err := scanBatch(rows, &b); err != nil {
			return nil, fmt.Errorf("failed to scan payout batch: %w", err)
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// CountOpenBatches returns how many batches are still in flight.
func (q *Queries) CountOpenBatches(ctx context.Context) (int64, error) {
	query := `SELECT COUNT(*) FROM payout_batches WHERE status NOT IN ('completed', 'failed')`
	var n int64
	if err := q.db.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count open batches: %w", err)
	}
	return n, nil
}

// SetBatchStatus moves a batch between saga states.
func (q *Queries) SetBatchStatus(ctx context.Context, batchID uuid.UUID, status string) error {
	query := `UPDATE payout_batches SET status = $2 WHERE batch_id = $1`
	tag, err := q.db.Exec(ctx, query, batchID, status)
	if err != nil {
		return fmt.Errorf("failed to set batch status: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

// CompleteBatch stamps the delivered amount and terminal status onto a batch.
func (q *Queries) CompleteBatch(ctx context.Context, batchID uuid.UUID, payoutAmount int64) error {
	query := `
		UPDATE payout_batches
		SET status = 'completed', payout_amount_micros = $2, completed_at = NOW()
		WHERE batch_id = $1 AND status = 'executing'
	`
	tag, err := q.db.Exec(ctx, query, batchID, payoutAmount)
	if err != nil {
		return fmt.Errorf("failed to complete batch: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

// IncrementBatchAttempt bumps and returns the batch attempt counter.
func (q *Queries) IncrementBatchAttempt(ctx context.Context, batchID uuid.UUID) (int32, error) {
	query := `UPDATE payout_batches SET attempt_count = attempt_count + 1 WHERE batch_id = $1 RETURNING attempt_count`
	var attempts int32
	if err := q.db.QueryRow(ctx, query, batchID).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("failed to increment batch attempt: %w", err)
	}
	return attempts, nil
}

// ResetBatchForRetry returns a failed batch to the pending state with a fresh
// attempt budget. Only failed batches can be reset.
func (q *Queries) ResetBatchForRetry(ctx context.Context, batchID uuid.UUID) error {
	query := `UPDATE payout_batches SET status = 'pending', attempt_count = 0 WHERE batch_id = $1 AND status = 'failed'`
	tag, err := q.db.Exec(ctx, query, batchID)
	if err != nil {
		return fmt.Errorf("failed to reset batch: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}
