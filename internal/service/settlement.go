package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ayo6706/payout-accumulator/internal/alert"
	"github.com/ayo6706/payout-accumulator/internal/chain"
	"github.com/ayo6706/payout-accumulator/internal/classify"
	"github.com/ayo6706/payout-accumulator/internal/domain"
	"github.com/ayo6706/payout-accumulator/internal/envelope"
	"github.com/ayo6706/payout-accumulator/internal/models"
	"github.com/ayo6706/payout-accumulator/internal/observability"
	"github.com/ayo6706/payout-accumulator/internal/repository"
	"github.com/ayo6706/payout-accumulator/internal/taskqueue"
)

// SettlementService releases a completed batch to the client wallet. This is
// the only stage with a bounded retry budget: the payment either lands within
// the budget or the batch is parked for an operator.
type SettlementService struct {
	store  QueryStore
	claims Claims
	chain  chain.Client
	queue  TaskQueue
	keys   envelope.Keyring
	alerts alert.Sink

	maxAttempts int32
	retryDelay  time.Duration
}

func NewSettlementService(store QueryStore, claims Claims, ch chain.Client, queue TaskQueue, keys envelope.Keyring, alerts alert.Sink, maxAttempts int32, retryDelay time.Duration) *SettlementService {
	return &SettlementService{
		store:       store,
		claims:      claims,
		chain:       ch,
		queue:       queue,
		keys:        keys,
		alerts:      alerts,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
	}
}

// Execute pays out one batch. Exactly one delivery holds the batch at a time;
// the rest are acknowledged as duplicates.
func (s *SettlementService) Execute(ctx context.Context, task SettlementExecuteTask) error {
	batchID, err := uuid.Parse(task.BatchID)
	if err != nil {
		return fmt.Errorf("%w: invalid batch id", ErrPermanent)
	}

	claimed, err := s.claims.ClaimBatch(ctx, batchID, domain.BatchConverting, domain.BatchExecuting)
	if err != nil {
		return err
	}
	if !claimed {
		return ErrDuplicateDelivery
	}

	batch, err := s.store.Queries().GetBatch(ctx, batchID)
	if err != nil {
		s.releaseBatch(ctx, batchID)
		return err
	}
	attempts, err := s.store.Queries().IncrementBatchAttempt(ctx, batchID)
	if err != nil {
		s.releaseBatch(ctx, batchID)
		return err
	}

	hash, sendErr := s.send(ctx, batch, task.Amount)
	if sendErr != nil {
		class, retryable := classify.Classify(sendErr)
		if retryable && attempts < s.maxAttempts {
			s.releaseBatch(ctx, batchID)
			token, err := envelope.Seal(task, s.keys.Settlement)
			if err != nil {
				return err
			}
			if err := s.queue.Push(ctx, taskqueue.New(PathSettlementExecute, token), s.retryDelay); err != nil {
				return err
			}
			observability.IncrementStageRetry("settlement")
			zap.L().Warn("settlement failed, retry scheduled",
				zap.String("batch_id", batchID.String()),
				zap.String("error_class", class),
				zap.Int32("attempt", attempts))
			return nil
		}
		s.exhaust(ctx, batch, class, sendErr, attempts)
		return nil
	}

	err = s.store.RunInTx(ctx, func(q *repository.Queries) error {
		if err := q.CompleteBatch(ctx, batchID, task.Amount); err != nil {
			return err
		}
		paid, err := q.MarkMembersPaid(ctx, batchID)
		if err != nil {
			return err
		}
		if paid != int64(batch.PaymentCount) {
			return fmt.Errorf("marked %d of %d members paid", paid, batch.PaymentCount)
		}
		return nil
	})
	if err != nil {
		// The payment is on chain; completion must not be retried by a
		// fresh payment. Park the batch for the operator instead.
		s.exhaust(ctx, batch, domain.ErrClassUnknown,
			errors.Wrapf(err, "payment %s sent but completion failed", hash), attempts)
		return nil
	}

	zap.L().Info("batch settled",
		zap.String("batch_id", batchID.String()),
		zap.String("client_id", batch.ClientID),
		zap.String("tx_hash", hash),
		zap.Int64("payout_micros", task.Amount),
		zap.Int32("payment_count", batch.PaymentCount))
	return nil
}

func (s *SettlementService) send(ctx context.Context, batch *models.PayoutBatch, amount int64) (string, error) {
	if chain.IsNative(batch.PayoutCurrency, batch.PayoutNetwork) {
		return s.chain.SendPayment(ctx, batch.WalletAddress, amount)
	}
	token, ok := chain.LookupToken(batch.PayoutCurrency, batch.PayoutNetwork)
	if !ok {
		return "", errors.Errorf("no token contract for %s on %s", batch.PayoutCurrency, batch.PayoutNetwork)
	}
	return s.chain.SendToken(ctx, token, batch.WalletAddress, amount)
}

func (s *SettlementService) exhaust(ctx context.Context, batch *models.PayoutBatch, class string, cause error, attempts int32) {
	ft := &models.FailedTransaction{
		OwnerRef:     ownerBatch(batch.BatchID),
		Operation:    domain.OpSettlementExecute,
		ErrorClass:   class,
		RawError:     cause.Error(),
		AttemptCount: attempts,
	}
	if err := s.store.Queries().InsertFailedTransaction(ctx, ft); err != nil {
		zap.L().Error("failed to record failed transaction", zap.Error(err))
	}
	observability.IncrementFailedTransaction(ft.Operation, ft.ErrorClass)
	if err := s.store.Queries().SetBatchStatus(ctx, batch.BatchID, domain.BatchFailed); err != nil {
		zap.L().Error("failed to mark batch failed", zap.Error(err))
	}
	s.alerts.Alert(ctx, fmt.Sprintf("settlement failed for batch %s (client %s): %s (%s, attempt %d)",
		batch.BatchID, batch.ClientID, cause.Error(), class, attempts))
}

func (s *SettlementService) releaseBatch(ctx context.Context, batchID uuid.UUID) {
	if _, err := s.claims.ClaimBatch(ctx, batchID, domain.BatchExecuting, domain.BatchConverting); err != nil {
		zap.L().Error("failed to release batch claim", zap.Error(err))
	}
}
