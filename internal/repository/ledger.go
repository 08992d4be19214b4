package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ayo6706/payout-accumulator/internal/models"
)

const accumulationColumns = `id, payment_id, client_id, user_id, subscription_id,
	source_amount_micros, source_currency, source_network, stable_amount_micros,
	wallet_address, payout_currency, payout_network, conversion_status,
	conversion_attempts, is_paid_out, payout_batch_id, created_at, converted_at`

func scanAccumulation(row interface{ Scan(...any) error }, rec *models.AccumulationRecord) error {
	return row.Scan(
		&rec.ID, &rec.PaymentID, &rec.ClientID, &rec.UserID, &rec.SubscriptionID,
		&rec.SourceAmount, &rec.SourceCurrency, &rec.SourceNetwork, &rec.StableAmount,
		&rec.WalletAddress, &rec.PayoutCurrency, &rec.PayoutNetwork, &rec.ConversionStatus,
		&rec.ConversionAttempts, &rec.IsPaidOut, &rec.PayoutBatchID, &rec.CreatedAt, &rec.ConvertedAt,
	)
}

// InsertAccumulation appends one payment to the ledger. A payment id that
// already exists yields ErrDuplicatePayment.
func (q *Queries) InsertAccumulation(ctx context.Context, rec *models.AccumulationRecord) error {
	query := `
		INSERT INTO payout_accumulation (
			payment_id, client_id, user_id, subscription_id,
			source_amount_micros, source_currency, source_network,
			wallet_address, payout_currency, payout_network,
			conversion_status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		RETURNING id, created_at
	`
	err := q.db.QueryRow(ctx, query,
		rec.PaymentID, rec.ClientID, rec.UserID, rec.SubscriptionID,
		rec.SourceAmount, rec.SourceCurrency, rec.SourceNetwork,
		rec.WalletAddress, rec.PayoutCurrency, rec.PayoutNetwork,
		rec.ConversionStatus,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicatePayment
		}
		return fmt.Errorf("failed to insert accumulation record: %w", err)
	}
	return nil
}

// GetAccumulation returns a single ledger row by id.
func (q *Queries) GetAccumulation(ctx context.Context, id int64) (*models.AccumulationRecord, error) {
	rec := &models.AccumulationRecord{}
	query := `SELECT ` + accumulationColumns + ` FROM payout_accumulation WHERE id = $1`
	if err := scanAccumulation(q.db.QueryRow(ctx, query, id), rec); err != nil {
		return nil, fmt.Errorf("failed to get accumulation record: %w", err)
	}
	return rec, nil
}

// GetAccumulationByPayment returns a ledger row by processor payment id.
func (q *Queries) GetAccumulationByPayment(ctx context.Context, paymentID string) (*models.AccumulationRecord, error) {
	rec := &models.AccumulationRecord{}
	query := `SELECT ` + accumulationColumns + ` FROM payout_accumulation WHERE payment_id = $1`
	if err := scanAccumulation(q.db.QueryRow(ctx, query, paymentID), rec); err != nil {
		return nil, fmt.Errorf("failed to get accumulation record by payment: %w", err)
	}
	return rec, nil
}

// ListAccumulations returns ledger rows by id.
func (q *Queries) ListAccumulations(ctx context.Context, ids []int64) ([]models.AccumulationRecord, error) {
	query := `SELECT ` + accumulationColumns + ` FROM payout_accumulation WHERE id = ANY($1) ORDER BY id`
	rows, err := q.db.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to list accumulation records: %w", err)
	}
	defer rows.Close()

	var recs []models.AccumulationRecord
	for rows.Next() {
		var rec models.AccumulationRecord
		if err := scanAccumulation(rows, &rec); err != nil {
			return nil, fmt.Errorf("failed to scan accumulation record: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// SourceGroup is a set of one client's pending ledger rows sharing one
// inbound asset.
type SourceGroup struct {
	ClientID       string
	SourceCurrency string
	SourceNetwork  string
	TotalSource    int64
	IDs            []int64
	Amounts        []int64
}

// PendingGroupedBySource returns pending rows grouped per client by inbound
// asset, the unit the first conversion hop operates on. The micro-batch
// threshold is evaluated per client, so one client's volume never triggers
// conversion of another client's sub-threshold value.
func (q *Queries) PendingGroupedBySource(ctx context.Context) ([]SourceGroup, error) {
	query := `
		SELECT client_id, source_currency, source_network,
			SUM(source_amount_micros),
			ARRAY_AGG(id ORDER BY id),
			ARRAY_AGG(source_amount_micros ORDER BY id)
		FROM payout_accumulation
		WHERE conversion_status = 'pending'
		GROUP BY client_id, source_currency, source_network
		ORDER BY client_id, source_currency, source_network
	`
	rows, err := q.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to group pending records: %w", err)
	}
	defer rows.Close()

	var groups []SourceGroup
	for rows.Next() {
		var g SourceGroup
		if err := rows.Scan(&g.ClientID, &g.SourceCurrency, &g.SourceNetwork, &g.TotalSource, &g.IDs, &g.Amounts); err != nil {
			return nil, fmt.Errorf("failed to scan source group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// PayoutGroup is a set of converted, unpaid rows sharing one payout destination
// whose accumulated stable value reached the client threshold.
type PayoutGroup struct {
	ClientID       string
	WalletAddress  string
	PayoutCurrency string
	PayoutNetwork  string
	TotalStable    int64
	PaymentCount   int32
	IDs            []int64
}

// EligiblePayoutGroups returns destination groups whose converted total meets
// the per-client threshold. The threshold comparison is inclusive.
func (q *Queries) EligiblePayoutGroups(ctx context.Context) ([]PayoutGroup, error) {
	query := `
		SELECT a.client_id, a.wallet_address, a.payout_currency, a.payout_network,
			SUM(a.stable_amount_micros), COUNT(*), ARRAY_AGG(a.id ORDER BY a.id)
		FROM payout_accumulation a
		JOIN clients c ON c.client_id = a.client_id
		WHERE a.conversion_status = 'converted'
			AND a.is_paid_out = FALSE
			AND a.payout_batch_id IS NULL
		GROUP BY a.client_id, a.wallet_address, a.payout_currency, a.payout_network,
			c.payout_threshold_micros
		HAVING SUM(a.stable_amount_micros) >= c.payout_threshold_micros
		ORDER BY a.client_id
	`
	rows, err := q.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to select eligible payout groups: %w", err)
	}
	defer rows.Close()

	var groups []PayoutGroup
	for rows.Next() {
		var g PayoutGroup
		if err := rows.Scan(&g.ClientID, &g.WalletAddress, &g.PayoutCurrency, &g.PayoutNetwork, &g.TotalStable, &g.PaymentCount, &g.IDs); err != nil {
			return nil, fmt.Errorf("failed to scan payout group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// SetStableAmounts stamps the converted stable value onto each row and marks
// it converted. Rows are matched pairwise with amounts. Only rows still in the
// converting state are touched; the returned count lets callers detect a
// replayed completion.
func (q *Queries) SetStableAmounts(ctx context.Context, ids []int64, amounts []int64) (int64, error) {
	query := `
		UPDATE payout_accumulation a
		SET stable_amount_micros = v.amount,
			conversion_status = 'converted',
			converted_at = NOW()
		FROM (SELECT UNNEST($1::BIGINT[]) AS id, UNNEST($2::BIGINT[]) AS amount) v
		WHERE a.id = v.id AND a.conversion_status = 'converting'
	`
	tag, err := q.db.Exec(ctx, query, ids, amounts)
	if err != nil {
		return 0, fmt.Errorf("failed to set stable amounts: %w", err)
	}
	return tag.RowsAffected(), nil
}

// IncrementConversionAttempts bumps the attempt counter on the given rows.
func (q *Queries) IncrementConversionAttempts(ctx context.Context, ids []int64) error {
	query := `UPDATE payout_accumulation SET conversion_attempts = conversion_attempts + 1 WHERE id = ANY($1)`
	if _, err := q.db.Exec(ctx, query, ids); err != nil {
		return fmt.Errorf("failed to increment conversion attempts: %w", err)
	}
	return nil
}

// ReleaseConversion returns rows to the pending state so a later micro-batch
// picks them up again.
func (q *Queries) ReleaseConversion(ctx context.Context, ids []int64) error {
	query := `UPDATE payout_accumulation SET conversion_status = 'pending' WHERE id = ANY($1) AND conversion_status IN ('estimating', 'converting')`
	if _, err := q.db.Exec(ctx, query, ids); err != nil {
		return fmt.Errorf("failed to release conversion claim: %w", err)
	}
	return nil
}

// MarkConversionFailed parks rows in the failed state. They are excluded from
// batching until an operator intervenes.
func (q *Queries) MarkConversionFailed(ctx context.Context, ids []int64) error {
	query := `UPDATE payout_accumulation SET conversion_status = 'failed' WHERE id = ANY($1)`
	if _, err := q.db.Exec(ctx, query, ids); err != nil {
		return fmt.Errorf("failed to mark conversion failed: %w", err)
	}
	return nil
}

// AssignBatchMembers stamps the batch id onto the given rows. It touches only
// rows that are still unpaid and unassigned and reports how many it claimed;
// callers roll back unless every row was claimed.
func (q *Queries) AssignBatchMembers(ctx context.Context, batchID uuid.UUID, ids []int64) (int64, error) {
	query := `
		UPDATE payout_accumulation
		SET payout_batch_id = $1
		WHERE id = ANY($2) AND is_paid_out = FALSE AND payout_batch_id IS NULL
	`
	tag, err := q.db.Exec(ctx, query, batchID, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to assign batch members: %w", err)
	}
	return tag.RowsAffected(), nil
}

// BatchMembers returns the ledger rows assigned to a batch.
func (q *Queries) BatchMembers(ctx context.Context, batchID uuid.UUID) ([]models.AccumulationRecord, error) {
	query := `SELECT ` + accumulationColumns + ` FROM payout_accumulation WHERE payout_batch_id = $1 ORDER BY id`
	rows, err := q.db.Query(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch members: %w", err)
	}
	defer rows.Close()

	var recs []models.AccumulationRecord
	for rows.Next() {
		var rec models.AccumulationRecord
		if err := scanAccumulation(rows, &rec); err != nil {
			return nil, fmt.Errorf("failed to scan batch member: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// MarkMembersPaid flips is_paid_out on every row of a batch and returns the
// number of rows touched.
func (q *Queries) MarkMembersPaid(ctx context.Context, batchID uuid.UUID) (int64, error) {
	query := `UPDATE payout_accumulation SET is_paid_out = TRUE WHERE payout_batch_id = $1 AND is_paid_out = FALSE`
	tag, err := q.db.Exec(ctx, query, batchID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark members paid: %w", err)
	}
	return tag.RowsAffected(), nil
}
