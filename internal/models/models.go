package models

import (
	"time"

	"github.com/google/uuid"
)

// AccumulationRecord is one row of the ledger: a single incoming payment and
// its progress through conversion and payout.
type AccumulationRecord struct {
	ID                 int64      `json:"id"`
	PaymentID          string     `json:"payment_id"` // processor identifier, unique
	ClientID           string     `json:"client_id"`
	UserID             int64      `json:"user_id"`
	SubscriptionID     *int64     `json:"subscription_id,omitempty"`
	SourceAmount       int64      `json:"source_amount_micros"`
	SourceCurrency     string     `json:"source_currency"`
	SourceNetwork      string     `json:"source_network"`
	StableAmount       *int64     `json:"stable_amount_micros,omitempty"`
	WalletAddress      string     `json:"wallet_address"`
	PayoutCurrency     string     `json:"payout_currency"`
	PayoutNetwork      string     `json:"payout_network"`
	ConversionStatus   string     `json:"conversion_status"`
	ConversionAttempts int32      `json:"conversion_attempts"`
	IsPaidOut          bool       `json:"is_paid_out"`
	PayoutBatchID      *uuid.UUID `json:"payout_batch_id,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	ConvertedAt        *time.Time `json:"converted_at,omitempty"`
}

// PayoutBatch aggregates converted payments for one client release.
type PayoutBatch struct {
	BatchID           uuid.UUID  `json:"batch_id"`
	ClientID          string     `json:"client_id"`
	WalletAddress     string     `json:"wallet_address"`
	PayoutCurrency    string     `json:"payout_currency"`
	PayoutNetwork     string     `json:"payout_network"`
	TotalStableAmount int64      `json:"total_stable_micros"`
	PayoutAmount      *int64     `json:"payout_amount_micros,omitempty"` // actual client-currency amount after hop 2
	PaymentCount      int32      `json:"payment_count"`
	Status            string     `json:"status"`
	AttemptCount      int32      `json:"attempt_count"`
	CreatedAt         time.Time  `json:"created_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// ConversionLeg is one exchange transaction within a hop. Hop-1 legs for a
// micro-batched group share a single exchange transaction id.
type ConversionLeg struct {
	LegID           uuid.UUID `json:"leg_id"`
	OwnerRef        string    `json:"owner_ref"` // accumulation id or batch id
	Direction       string    `json:"direction"`
	ExchangeTxID    string    `json:"exchange_tx_id"`
	PayinAddress    string    `json:"payin_address"`
	EstimatedAmount int64     `json:"estimated_amount_micros"`
	ActualAmount    *int64    `json:"actual_amount_micros,omitempty"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// FailedTransaction is the durable record of an exhausted retry budget.
// Rows are append-only.
type FailedTransaction struct {
	ID           int64     `json:"id"`
	OwnerRef     string    `json:"owner_ref"`
	Operation    string    `json:"operation"`
	ErrorClass   string    `json:"error_class"`
	RawError     string    `json:"raw_error"`
	AttemptCount int32     `json:"attempt_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// ClientProfile holds the per-client payout configuration the saga needs.
type ClientProfile struct {
	ClientID        string    `json:"client_id"`
	WalletAddress   string    `json:"wallet_address"`
	PayoutCurrency  string    `json:"payout_currency"`
	PayoutNetwork   string    `json:"payout_network"`
	PayoutThreshold int64     `json:"payout_threshold_micros"` // USD micros
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
