// Package idempotency implements claim-based duplicate suppression for
// at-least-once task delivery. A claim is a conditional status transition;
// zero rows claimed means another delivery already did the work.
package idempotency

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Guard performs atomic status-transition claims against the ledger tables.
type Guard struct {
	db *pgxpool.Pool
}

func NewGuard(db *pgxpool.Pool) *Guard {
	return &Guard{db: db}
}

// ClaimRecords transitions every given ledger row from one conversion status
// to another. It claims all rows or none; false means some other delivery
// holds (or already finished) the work.
func (g *Guard) ClaimRecords(ctx context.Context, ids []int64, from, to string) (bool, error) {
	tx, err := g.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin claim transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `UPDATE payout_accumulation SET conversion_status = $3 WHERE id = ANY($1) AND conversion_status = $2`
	tag, err := tx.Exec(ctx, query, ids, from, to)
	if err != nil {
		return false, fmt.Errorf("claim ledger records: %w", err)
	}
	if tag.RowsAffected() != int64(len(ids)) {
		return false, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit claim transaction: %w", err)
	}
	return true, nil
}

// ClaimBatch transitions a batch between saga states. False means the batch
// is no longer in the expected state and the delivery is a duplicate.
func (g *Guard) ClaimBatch(ctx context.Context, batchID uuid.UUID, from, to string) (bool, error) {
	query := `UPDATE payout_batches SET status = $3 WHERE batch_id = $1 AND status = $2`
	tag, err := g.db.Exec(ctx, query, batchID, from, to)
	if err != nil {
		return false, fmt.Errorf("claim batch: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimLeg transitions a conversion leg between exchange states.
func (g *Guard) ClaimLeg(ctx context.Context, legID uuid.UUID, from, to string) (bool, error) {
	query := `UPDATE conversion_legs SET status = $3, updated_at = NOW() WHERE leg_id = $1 AND status = $2`
	tag, err := g.db.Exec(ctx, query, legID, from, to)
	if err != nil {
		return false, fmt.Errorf("claim leg: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
