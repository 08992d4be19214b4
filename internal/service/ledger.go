package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ayo6706/payout-accumulator/internal/domain"
	"github.com/ayo6706/payout-accumulator/internal/models"
	"github.com/ayo6706/payout-accumulator/internal/notify"
	"github.com/ayo6706/payout-accumulator/internal/observability"
	"github.com/ayo6706/payout-accumulator/internal/repository"
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrUnknownClient    = errors.New("unknown client")
)

// LedgerService ingests payment processor webhooks into the accumulation
// ledger. Recording is the only synchronous step of the saga; everything
// downstream runs off the task queue.
type LedgerService struct {
	store      QueryStore
	ipnSecret  []byte
	feePercent int64
	notifier   notify.Notifier
}

func NewLedgerService(store QueryStore, ipnSecret string, feePercent int64, notifier notify.Notifier) *LedgerService {
	return &LedgerService{
		store:      store,
		ipnSecret:  []byte(ipnSecret),
		feePercent: feePercent,
		notifier:   notifier,
	}
}

// PaymentNotification is the processor's IPN payload.
type PaymentNotification struct {
	PaymentID      string          `json:"payment_id"`
	PaymentStatus  string          `json:"payment_status"`
	PayAmount      decimal.Decimal `json:"pay_amount"`
	PayCurrency    string          `json:"pay_currency"`
	PayNetwork     string          `json:"pay_network"`
	ClientID       string          `json:"client_id"`
	UserID         int64           `json:"user_id"`
	SubscriptionID *int64          `json:"subscription_id,omitempty"`
}

// RecordPayment verifies the IPN signature and appends the payment to the
// ledger. Replayed notifications are acknowledged without a second row.
func (s *LedgerService) RecordPayment(ctx context.Context, payload []byte, signature string) (*models.AccumulationRecord, error) {
	if !s.verifyHMAC(payload, signature) {
		return nil, ErrInvalidSignature
	}

	var note PaymentNotification
	if err := json.Unmarshal(payload, &note); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	note.PaymentID = strings.TrimSpace(note.PaymentID)
	note.PayCurrency = strings.ToLower(strings.TrimSpace(note.PayCurrency))
	note.PayNetwork = strings.ToLower(strings.TrimSpace(note.PayNetwork))
	note.ClientID = strings.TrimSpace(note.ClientID)

	if note.PaymentID == "" {
		return nil, errors.New("payment_id is required")
	}
	if note.ClientID == "" {
		return nil, errors.New("client_id is required")
	}
	if !note.PayAmount.IsPositive() {
		return nil, fmt.Errorf("invalid pay_amount: %s", note.PayAmount)
	}

	// Only settled payments enter the ledger. Everything else is
	// acknowledged so the processor stops resending.
	if note.PaymentStatus != "finished" && note.PaymentStatus != "confirmed" {
		zap.L().Debug("ignoring non-final payment status",
			zap.String("payment_id", note.PaymentID),
			zap.String("status", note.PaymentStatus))
		return nil, nil
	}

	client, err := s.store.Queries().GetClient(ctx, note.ClientID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUnknownClient
		}
		return nil, err
	}

	gross := domain.FromDecimal(note.PayAmount)
	net := gross * (100 - s.feePercent) / 100

	rec := &models.AccumulationRecord{
		PaymentID:        note.PaymentID,
		ClientID:         client.ClientID,
		UserID:           note.UserID,
		SubscriptionID:   note.SubscriptionID,
		SourceAmount:     net,
		SourceCurrency:   note.PayCurrency,
		SourceNetwork:    note.PayNetwork,
		WalletAddress:    client.WalletAddress,
		PayoutCurrency:   client.PayoutCurrency,
		PayoutNetwork:    client.PayoutNetwork,
		ConversionStatus: domain.ConversionPending,
	}
	if err := s.store.Queries().InsertAccumulation(ctx, rec); err != nil {
		if errors.Is(err, repository.ErrDuplicatePayment) {
			zap.L().Info("duplicate payment notification acknowledged", zap.String("payment_id", note.PaymentID))
			return nil, nil
		}
		return nil, err
	}

	observability.IncrementPaymentRecorded(rec.SourceCurrency)
	zap.L().Info("payment recorded",
		zap.String("payment_id", rec.PaymentID),
		zap.String("client_id", rec.ClientID),
		zap.Int64("source_micros", rec.SourceAmount),
		zap.String("source_currency", rec.SourceCurrency))

	// Invite delivery must not block or fail the ledger write.
	go func(userID int64) {
		if err := s.notifier.SendOneTimeInvite(context.WithoutCancel(ctx), userID); err != nil {
			zap.L().Warn("invite delivery failed", zap.Error(err), zap.Int64("user_id", userID))
		}
	}(note.UserID)

	return rec, nil
}

func (s *LedgerService) verifyHMAC(payload []byte, signature string) bool {
	if len(s.ipnSecret) == 0 || signature == "" {
		return false
	}
	mac := hmac.New(sha512.New, s.ipnSecret)
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}
