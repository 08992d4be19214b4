package repository

import (
	"context"
	"fmt"

	"github.com/ayo6706/payout-accumulator/internal/models"
)

// InsertFailedTransaction appends a row to the dead-letter table.
func (q *Queries) InsertFailedTransaction(ctx context.Context, ft *models.FailedTransaction) error {
	query := `
		INSERT INTO failed_transactions (owner_ref, operation, error_class, raw_error, attempt_count, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING id, created_at
	`
	err := q.db.QueryRow(ctx, query,
		ft.OwnerRef, ft.Operation, ft.ErrorClass, ft.RawError, ft.AttemptCount,
	).Scan(&ft.ID, &ft.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert failed transaction: %w", err)
	}
	return nil
}

// ListFailedTransactions returns dead-letter rows newest first.
func (q *Queries) ListFailedTransactions(ctx context.Context, limit, offset int) ([]models.FailedTransaction, error) {
	query := `
		SELECT id, owner_ref, operation, error_class, raw_error, attempt_count, created_at
		FROM failed_transactions
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`
	rows, err := q.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed transactions: %w", err)
	}
	defer rows.Close()

	var fts []models.FailedTransaction
	for rows.Next() {
		var ft models.FailedTransaction
		if err := rows.Scan(&ft.ID, &ft.OwnerRef, &ft.Operation, &ft.ErrorClass, &ft.RawError, &ft.AttemptCount, &ft.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan failed transaction: %w", err)
		}
		fts = append(fts, ft)
	}
	return fts, rows.Err()
}
