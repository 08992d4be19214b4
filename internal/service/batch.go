package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ayo6706/payout-accumulator/internal/domain"
	"github.com/ayo6706/payout-accumulator/internal/envelope"
	"github.com/ayo6706/payout-accumulator/internal/models"
	"github.com/ayo6706/payout-accumulator/internal/repository"
	"github.com/ayo6706/payout-accumulator/internal/taskqueue"
)

// BatchService folds converted payments into per-destination payout batches
// once a client's accumulated stable value reaches its threshold.
type BatchService struct {
	store QueryStore
	queue TaskQueue
	keys  envelope.Keyring
}

func NewBatchService(store QueryStore, queue TaskQueue, keys envelope.Keyring) *BatchService {
	return &BatchService{store: store, queue: queue, keys: keys}
}

// Run scans for threshold-crossing destination groups and opens a batch for
// each. Losing a race for a group's records is retried once with a fresh
// snapshot; a second loss waits for the next tick.
func (s *BatchService) Run(ctx context.Context) error {
	groups, err := s.store.Queries().EligiblePayoutGroups(ctx)
	if err != nil {
		return err
	}

	for _, group := range groups {
		if err := s.openBatch(ctx, group); err != nil {
			if !errors.Is(err, repository.ErrBatchConflict) {
				return err
			}
			fresh, ok, err := s.refreshGroup(ctx, group)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := s.openBatch(ctx, fresh); err != nil {
				if errors.Is(err, repository.ErrBatchConflict) {
					zap.L().Warn("batch assignment lost race twice, deferring",
						zap.String("client_id", group.ClientID))
					continue
				}
				return err
			}
		}
	}
	return nil
}

func (s *BatchService) openBatch(ctx context.Context, group repository.PayoutGroup) error {
	batch := &models.PayoutBatch{
		BatchID:           uuid.New(),
		ClientID:          group.ClientID,
		WalletAddress:     group.WalletAddress,
		PayoutCurrency:    group.PayoutCurrency,
		PayoutNetwork:     group.PayoutNetwork,
		TotalStableAmount: group.TotalStable,
		PaymentCount:      group.PaymentCount,
		Status:            domain.BatchPending,
	}

	err := s.store.RunInTx(ctx, func(q *repository.Queries) error {
		if err := q.InsertBatch(ctx, batch); err != nil {
			return err
		}
		claimed, err := q.AssignBatchMembers(ctx, batch.BatchID, group.IDs)
		if err != nil {
			return err
		}
		if claimed != int64(len(group.IDs)) {
			return repository.ErrBatchConflict
		}
		return nil
	})
	if err != nil {
		return err
	}

	token, err := envelope.Seal(ConversionExecuteTask{
		Direction: domain.DirectionHop2,
		BatchID:   batch.BatchID.String(),
	}, s.keys.Conversion)
	if err != nil {
		return err
	}
	if err := s.queue.Push(ctx, taskqueue.New(PathConversionExecute, token), 0); err != nil {
		return err
	}

	zap.L().Info("payout batch opened",
		zap.String("batch_id", batch.BatchID.String()),
		zap.String("client_id", batch.ClientID),
		zap.Int64("total_stable_micros", batch.TotalStableAmount),
		zap.Int32("payment_count", batch.PaymentCount))
	return nil
}

// refreshGroup re-reads the eligible groups and returns the current group for
// the same destination, if it still crosses the threshold.
func (s *BatchService) refreshGroup(ctx context.Context, stale repository.PayoutGroup) (repository.PayoutGroup, bool, error) {
	groups, err := s.store.Queries().EligiblePayoutGroups(ctx)
	if err != nil {
		return repository.PayoutGroup{}, false, err
	}
	for _, g := range groups {
		if g.ClientID == stale.ClientID &&
			g.WalletAddress == stale.WalletAddress &&
			g.PayoutCurrency == stale.PayoutCurrency &&
			g.PayoutNetwork == stale.PayoutNetwork {
			return g, true, nil
		}
	}
	return repository.PayoutGroup{}, false, nil
}
