package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/ayo6706/payout-accumulator/internal/domain"
	"github.com/ayo6706/payout-accumulator/internal/envelope"
	"github.com/ayo6706/payout-accumulator/internal/exchange"
	"github.com/ayo6706/payout-accumulator/internal/taskqueue"
)

// MicroBatchService groups each client's pending payments by inbound asset
// and launches the first conversion hop once a group's estimated stable value
// reaches the micro-batch threshold. Sub-threshold groups keep accumulating.
type MicroBatchService struct {
	store     QueryStore
	claims    Claims
	exchange  exchange.Client
	queue     TaskQueue
	keys      envelope.Keyring
	threshold int64 // stable micros
}

func NewMicroBatchService(store QueryStore, claims Claims, ex exchange.Client, queue TaskQueue, keys envelope.Keyring, threshold int64) *MicroBatchService {
	return &MicroBatchService{
		store:     store,
		claims:    claims,
		exchange:  ex,
		queue:     queue,
		keys:      keys,
		threshold: threshold,
	}
}

// Run scans the ledger once. Each eligible group is claimed and handed to the
// conversion pipeline; claim failures mean a concurrent tick got there first.
func (s *MicroBatchService) Run(ctx context.Context) error {
	groups, err := s.store.Queries().PendingGroupedBySource(ctx)
	if err != nil {
		return err
	}

	for _, group := range groups {
		total := domain.NewMoney(group.TotalSource, group.SourceCurrency)
		estimated, err := s.exchange.Estimate(ctx,
			group.SourceCurrency, group.SourceNetwork,
			domain.StableCurrency, domain.StableNetwork,
			total.ToDecimal())
		if err != nil {
			zap.L().Warn("micro-batch estimate failed",
				zap.Error(err),
				zap.String("source_currency", group.SourceCurrency))
			continue
		}
		if domain.FromDecimal(estimated) < s.threshold {
			zap.L().Debug("group below micro-batch threshold",
				zap.String("client_id", group.ClientID),
				zap.String("source_currency", group.SourceCurrency),
				zap.String("estimated_stable", estimated.String()))
			continue
		}

		claimed, err := s.claims.ClaimRecords(ctx, group.IDs, domain.ConversionPending, domain.ConversionEstimating)
		if err != nil {
			return err
		}
		if !claimed {
			continue
		}

		token, err := envelope.Seal(ConversionExecuteTask{
			Direction: domain.DirectionHop1,
			RecordIDs: group.IDs,
		}, s.keys.Conversion)
		if err != nil {
			s.release(ctx, group.IDs)
			return err
		}
		if err := s.queue.Push(ctx, taskqueue.New(PathConversionExecute, token), 0); err != nil {
			s.release(ctx, group.IDs)
			return err
		}

		zap.L().Info("micro-batch dispatched",
			zap.String("client_id", group.ClientID),
			zap.String("source_currency", group.SourceCurrency),
			zap.Int("records", len(group.IDs)),
			zap.String("estimated_stable", estimated.String()))
	}
	return nil
}

func (s *MicroBatchService) release(ctx context.Context, ids []int64) {
	if err := s.store.Queries().ReleaseConversion(ctx, ids); err != nil {
		zap.L().Error("failed to release micro-batch claim", zap.Error(err))
	}
}
