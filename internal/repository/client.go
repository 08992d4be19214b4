package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ayo6706/payout-accumulator/internal/models"
)

// UpsertClient creates or replaces a client payout profile.
func (q *Queries) UpsertClient(ctx context.Context, c *models.ClientProfile) error {
	query := `
		INSERT INTO clients (client_id, wallet_address, payout_currency, payout_network, payout_threshold_micros, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (client_id) DO UPDATE SET
			wallet_address = EXCLUDED.wallet_address,
			payout_currency = EXCLUDED.payout_currency,
			payout_network = EXCLUDED.payout_network,
			payout_threshold_micros = EXCLUDED.payout_threshold_micros,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`
	err := q.db.QueryRow(ctx, query,
		c.ClientID, c.WalletAddress, c.PayoutCurrency, c.PayoutNetwork, c.PayoutThreshold,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert client: %w", err)
	}
	return nil
}

// GetClient returns a client profile by id.
func (q *Queries) GetClient(ctx context.Context, clientID string) (*models.ClientProfile, error) {
	c := &models.ClientProfile{}
	query := `
		SELECT client_id, wallet_address, payout_currency, payout_network, payout_threshold_micros, created_at, updated_at
		FROM clients WHERE client_id = $1
	`
	err := q.db.QueryRow(ctx, query, clientID).Scan(
		&c.ClientID, &c.WalletAddress, &c.PayoutCurrency, &c.PayoutNetwork, &c.PayoutThreshold, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	return c, nil
}
