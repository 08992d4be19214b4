package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ayo6706/payout-accumulator/internal/models"
)

const legColumns = `leg_id, owner_ref, direction, exchange_tx_id, payin_address,
	estimated_amount_micros, actual_amount_micros, status, created_at, updated_at`

func scanLeg(row interface{ Scan(...any) error }, l *models.ConversionLeg) error {
	return row.Scan(
		&l.LegID, &l.OwnerRef, &l.Direction, &l.ExchangeTxID, &l.PayinAddress,
		&l.EstimatedAmount, &l.ActualAmount, &l.Status, &l.CreatedAt, &l.UpdatedAt,
	)
}

// InsertLeg records one exchange transaction attached to a ledger row or batch.
func (q *Queries) InsertLeg(ctx context.Context, l *models.ConversionLeg) error {
	query := `
		INSERT INTO conversion_legs (
			leg_id, owner_ref, direction, exchange_tx_id, payin_address,
			estimated_amount_micros, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	err := q.db.QueryRow(ctx, query,
		l.LegID, l.OwnerRef, l.Direction, l.ExchangeTxID, l.PayinAddress,
		l.EstimatedAmount, l.Status,
	).Scan(&l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert conversion leg: %w", err)
	}
	return nil
}

// GetLeg returns a leg by id.
func (q *Queries) GetLeg(ctx context.Context, legID uuid.UUID) (*models.ConversionLeg, error) {
	l := &models.ConversionLeg{}
	query := `SELECT ` + legColumns + ` FROM conversion_legs WHERE leg_id = $1`
	if err := scanLeg(q.db.QueryRow(ctx, query, legID), l); err != nil {
		return nil, fmt.Errorf("failed to get conversion leg: %w", err)
	}
	return l, nil
}

// LegsByExchangeTx returns every leg funded by one exchange transaction.
// Grouped first-hop conversions produce several legs per transaction.
func (q *Queries) LegsByExchangeTx(ctx context.Context, exchangeTxID string) ([]models.ConversionLeg, error) {
	query := `SELECT ` + legColumns + ` FROM conversion_legs WHERE exchange_tx_id = $1 ORDER BY created_at`
	rows, err := q.db.Query(ctx, query, exchangeTxID)
	if err != nil {
		return nil, fmt.Errorf("failed to list legs by exchange tx: %w", err)
	}
	defer rows.Close()

	var legs []models.ConversionLeg
	for rows.Next() {
		var l models.ConversionLeg
		if err := scanLeg(rows, &l); err != nil {
			return nil, fmt.Errorf("failed to scan conversion leg: %w", err)
		}
		legs = append(legs, l)
	}
	return legs, rows.Err()
}

// SetLegStatus updates the exchange-side state of a leg.
func (q *Queries) SetLegStatus(ctx context.Context, legID uuid.UUID, status string) error {
	query := `UPDATE conversion_legs SET status = $2, updated_at = NOW() WHERE leg_id = $1`
	tag, err := q.db.Exec(ctx, query, legID, status)
	if err != nil {
		return fmt.Errorf("failed to set leg status: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

// FinishLeg records the actual delivered amount and terminal status.
func (q *Queries) FinishLeg(ctx context.Context, legID uuid.UUID, actualAmount int64, status string) error {
	query := `UPDATE conversion_legs SET actual_amount_micros = $2, status = $3, updated_at = NOW() WHERE leg_id = $1`
	tag, err := q.db.Exec(ctx, query, legID, actualAmount, status)
	if err != nil {
		return fmt.Errorf("failed to finish leg: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}
