package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ayo6706/payout-accumulator/internal/domain"
	"github.com/ayo6706/payout-accumulator/internal/envelope"
	"github.com/ayo6706/payout-accumulator/internal/models"
	"github.com/ayo6706/payout-accumulator/internal/taskqueue"
)

// AdminService backs the operator API: dead-letter review, batch inspection,
// batch retry, and the client registry.
type AdminService struct {
	store QueryStore
	queue TaskQueue
	keys  envelope.Keyring
}

func NewAdminService(store QueryStore, queue TaskQueue, keys envelope.Keyring) *AdminService {
	return &AdminService{store: store, queue: queue, keys: keys}
}

func (s *AdminService) ListFailedTransactions(ctx context.Context, limit, offset int) ([]models.FailedTransaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.Queries().ListFailedTransactions(ctx, limit, offset)
}

func (s *AdminService) ListBatches(ctx context.Context, status string, limit, offset int) ([]models.PayoutBatch, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.Queries().ListBatches(ctx, status, limit, offset)
}

func (s *AdminService) GetBatch(ctx context.Context, batchID uuid.UUID) (*models.PayoutBatch, []models.AccumulationRecord, error) {
	batch, err := s.store.Queries().GetBatch(ctx, batchID)
	if err != nil {
		return nil, nil, err
	}
	members, err := s.store.Queries().BatchMembers(ctx, batchID)
	if err != nil {
		return nil, nil, err
	}
	return batch, members, nil
}

// RetryBatch returns a failed batch to the pipeline with a fresh attempt
// budget and re-dispatches its conversion. Order creation is idempotent on
// the batch id, so a batch whose exchange order already delivered resumes
// where it stopped.
func (s *AdminService) RetryBatch(ctx context.Context, batchID uuid.UUID) error {
	if err := s.store.Queries().ResetBatchForRetry(ctx, batchID); err != nil {
		return err
	}
	token, err := envelope.Seal(ConversionExecuteTask{
		Direction: domain.DirectionHop2,
		BatchID:   batchID.String(),
	}, s.keys.Conversion)
	if err != nil {
		return err
	}
	if err := s.queue.Push(ctx, taskqueue.New(PathConversionExecute, token), 0); err != nil {
		return err
	}
	zap.L().Info("batch retry dispatched", zap.String("batch_id", batchID.String()))
	return nil
}

// UpsertClient validates and stores a client payout profile.
func (s *AdminService) UpsertClient(ctx context.Context, profile *models.ClientProfile) error {
	profile.ClientID = strings.TrimSpace(profile.ClientID)
	profile.WalletAddress = strings.TrimSpace(profile.WalletAddress)
	profile.PayoutCurrency = strings.ToLower(strings.TrimSpace(profile.PayoutCurrency))
	profile.PayoutNetwork = strings.ToLower(strings.TrimSpace(profile.PayoutNetwork))

	if profile.ClientID == "" {
		return errors.New("client_id is required")
	}
	if profile.WalletAddress == "" {
		return errors.New("wallet_address is required")
	}
	if profile.PayoutCurrency == "" || profile.PayoutNetwork == "" {
		return errors.New("payout currency and network are required")
	}
	if profile.PayoutThreshold <= 0 {
		return fmt.Errorf("payout_threshold_micros must be positive")
	}
	return s.store.Queries().UpsertClient(ctx, profile)
}
