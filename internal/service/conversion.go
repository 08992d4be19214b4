package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
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
	"github.com/ayo6706/payout-accumulator/internal/exchange"
	"github.com/ayo6706/payout-accumulator/internal/models"
	"github.com/ayo6706/payout-accumulator/internal/observability"
	"github.com/ayo6706/payout-accumulator/internal/taskqueue"
)

// ConversionService drives both exchange hops: order creation, funding from
// the host wallet, and polling until the exchange delivers.
type ConversionService struct {
	store    QueryStore
	claims   Claims
	exchange exchange.Client
	chain    chain.Client
	queue    TaskQueue
	keys     envelope.Keyring
	alerts   alert.Sink

	hostAddress     string
	firstPollDelay  time.Duration
	pollDelay       time.Duration
	fundMaxAttempts int32
	fundRetryDelay  time.Duration
}

func NewConversionService(store QueryStore, claims Claims, ex exchange.Client, ch chain.Client, queue TaskQueue, keys envelope.Keyring, alerts alert.Sink, hostAddress string, firstPollDelay, pollDelay time.Duration, fundMaxAttempts int32, fundRetryDelay time.Duration) *ConversionService {
	return &ConversionService{
		store:           store,
		claims:          claims,
		exchange:        ex,
		chain:           ch,
		queue:           queue,
		keys:            keys,
		alerts:          alerts,
		hostAddress:     hostAddress,
		firstPollDelay:  firstPollDelay,
		pollDelay:       pollDelay,
		fundMaxAttempts: fundMaxAttempts,
		fundRetryDelay:  fundRetryDelay,
	}
}

// Execute opens the exchange order for a conversion task.
func (s *ConversionService) Execute(ctx context.Context, task ConversionExecuteTask) error {
	switch task.Direction {
	case domain.DirectionHop1:
		return s.executeHop1(ctx, task)
	case domain.DirectionHop2:
		return s.executeHop2(ctx, task)
	default:
		return fmt.Errorf("%w: unknown direction %q", ErrPermanent, task.Direction)
	}
}

func (s *ConversionService) executeHop1(ctx context.Context, task ConversionExecuteTask) error {
	if len(task.RecordIDs) == 0 {
		return fmt.Errorf("%w: empty record set", ErrPermanent)
	}
	claimed, err := s.claims.ClaimRecords(ctx, task.RecordIDs, domain.ConversionEstimating, domain.ConversionConverting)
	if err != nil {
		return err
	}
	if !claimed {
		return ErrDuplicateDelivery
	}

	records, err := s.store.Queries().ListAccumulations(ctx, task.RecordIDs)
	if err != nil {
		s.revertRecords(ctx, task.RecordIDs)
		return err
	}
	if len(records) != len(task.RecordIDs) {
		s.revertRecords(ctx, task.RecordIDs)
		return fmt.Errorf("%w: record set mismatch", ErrPermanent)
	}

	var total int64
	for _, rec := range records {
		total += rec.SourceAmount
	}
	src := records[0]

	tx, err := s.exchange.CreateTransaction(ctx, exchange.CreateParams{
		FromCurrency:   src.SourceCurrency,
		FromNetwork:    src.SourceNetwork,
		ToCurrency:     domain.StableCurrency,
		ToNetwork:      domain.StableNetwork,
		Amount:         domain.NewMoney(total, src.SourceCurrency).ToDecimal(),
		Address:        s.hostAddress,
		IdempotencyKey: hop1Key(task.RecordIDs),
	})
	if err != nil {
		if exchange.Transient(err) {
			s.revertRecords(ctx, task.RecordIDs)
			return err
		}
		// A permanent rejection, below-minimum included, sends the
		// group back to accumulate more value.
		if releaseErr := s.store.Queries().ReleaseConversion(ctx, task.RecordIDs); releaseErr != nil {
			zap.L().Error("failed to release rejected group", zap.Error(releaseErr))
		}
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}

	if err := s.ensureHop1Legs(ctx, tx, records); err != nil {
		s.revertRecords(ctx, task.RecordIDs)
		return err
	}
	if err := s.store.Queries().IncrementConversionAttempts(ctx, task.RecordIDs); err != nil {
		zap.L().Warn("failed to bump conversion attempts", zap.Error(err))
	}

	fund := ConversionFundTask{
		ExchangeTxID: tx.ID,
		PayinAddress: tx.PayinAddress,
		Amount:       total,
		Currency:     src.SourceCurrency,
		Network:      src.SourceNetwork,
		Direction:    domain.DirectionHop1,
		RecordIDs:    task.RecordIDs,
	}
	poll := ConversionPollTask{
		ExchangeTxID: tx.ID,
		Direction:    domain.DirectionHop1,
		RecordIDs:    task.RecordIDs,
	}
	if err := s.enqueueFundAndPoll(ctx, fund, poll); err != nil {
		s.revertRecords(ctx, task.RecordIDs)
		return err
	}

	zap.L().Info("hop-1 conversion opened",
		zap.String("exchange_tx_id", tx.ID),
		zap.Int("records", len(records)),
		zap.Int64("total_source_micros", total),
		zap.String("source_currency", src.SourceCurrency))
	return nil
}

func (s *ConversionService) executeHop2(ctx context.Context, task ConversionExecuteTask) error {
	batchID, err := uuid.Parse(task.BatchID)
	if err != nil {
		return fmt.Errorf("%w: invalid batch id", ErrPermanent)
	}
	claimed, err := s.claims.ClaimBatch(ctx, batchID, domain.BatchPending, domain.BatchConverting)
	if err != nil {
		return err
	}
	if !claimed {
		return ErrDuplicateDelivery
	}

	batch, err := s.store.Queries().GetBatch(ctx, batchID)
	if err != nil {
		s.revertBatch(ctx, batchID)
		return err
	}

	// Clients paid in the stable currency need no second hop; the batch
	// goes straight to settlement.
	if batch.PayoutCurrency == domain.StableCurrency && batch.PayoutNetwork == domain.StableNetwork {
		if err := s.enqueueSettlement(ctx, batchID, batch.TotalStableAmount); err != nil {
			s.revertBatch(ctx, batchID)
			return err
		}
		return nil
	}

	tx, err := s.exchange.CreateTransaction(ctx, exchange.CreateParams{
		FromCurrency:   domain.StableCurrency,
		FromNetwork:    domain.StableNetwork,
		ToCurrency:     batch.PayoutCurrency,
		ToNetwork:      batch.PayoutNetwork,
		Amount:         domain.NewMoney(batch.TotalStableAmount, domain.StableCurrency).ToDecimal(),
		Address:        s.hostAddress,
		IdempotencyKey: "hop2-" + batchID.String(),
	})
	if err != nil {
		if exchange.Transient(err) {
			s.revertBatch(ctx, batchID)
			return err
		}
		s.failBatch(ctx, batchID, domain.OpConversionExecute, err, 1)
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}

	if err := s.ensureHop2Leg(ctx, tx, batch); err != nil {
		s.revertBatch(ctx, batchID)
		return err
	}

	fund := ConversionFundTask{
		ExchangeTxID: tx.ID,
		PayinAddress: tx.PayinAddress,
		Amount:       batch.TotalStableAmount,
		Currency:     domain.StableCurrency,
		Network:      domain.StableNetwork,
		Direction:    domain.DirectionHop2,
		BatchID:      batchID.String(),
	}
	poll := ConversionPollTask{
		ExchangeTxID: tx.ID,
		Direction:    domain.DirectionHop2,
		BatchID:      batchID.String(),
	}
	if err := s.enqueueFundAndPoll(ctx, fund, poll); err != nil {
		s.revertBatch(ctx, batchID)
		return err
	}

	zap.L().Info("hop-2 conversion opened",
		zap.String("exchange_tx_id", tx.ID),
		zap.String("batch_id", batchID.String()),
		zap.Int64("total_stable_micros", batch.TotalStableAmount))
	return nil
}

// Fund moves the input amount from the host wallet to the exchange payin
// address. Funding spends real money, so its retries are bounded.
func (s *ConversionService) Fund(ctx context.Context, task ConversionFundTask) error {
	legs, err := s.store.Queries().LegsByExchangeTx(ctx, task.ExchangeTxID)
	if err != nil {
		return err
	}
	if len(legs) == 0 {
		return fmt.Errorf("%w: no legs for exchange tx %s", ErrPermanent, task.ExchangeTxID)
	}

	lead := legs[0]
	claimed, err := s.claims.ClaimLeg(ctx, lead.LegID, domain.LegWaiting, domain.LegConfirming)
	if err != nil {
		return err
	}
	if !claimed {
		return ErrDuplicateDelivery
	}

	hash, sendErr := s.sendFromHost(ctx, task.PayinAddress, task.Amount, task.Currency, task.Network)
	if sendErr != nil {
		attempt := task.Attempt + 1
		class, retryable := classify.Classify(sendErr)
		if retryable && attempt < s.fundMaxAttempts {
			// Release the claim so the scheduled retry can take it.
			if _, err := s.claims.ClaimLeg(ctx, lead.LegID, domain.LegConfirming, domain.LegWaiting); err != nil {
				return err
			}
			retry := task
			retry.Attempt = attempt
			token, err := envelope.Seal(retry, s.keys.Settlement)
			if err != nil {
				return err
			}
			if err := s.queue.Push(ctx, taskqueue.New(PathConversionFund, token), s.fundRetryDelay); err != nil {
				return err
			}
			observability.IncrementStageRetry("conversion_fund")
			zap.L().Warn("funding failed, retry scheduled",
				zap.String("exchange_tx_id", task.ExchangeTxID),
				zap.String("error_class", class),
				zap.Int32("attempt", attempt))
			return nil
		}
		s.exhaustFunding(ctx, task, legs, class, sendErr, attempt)
		return nil
	}

	for _, leg := range legs[1:] {
		if err := s.store.Queries().SetLegStatus(ctx, leg.LegID, domain.LegConfirming); err != nil {
			zap.L().Warn("failed to advance leg", zap.Error(err), zap.String("leg_id", leg.LegID.String()))
		}
	}
	zap.L().Info("exchange order funded",
		zap.String("exchange_tx_id", task.ExchangeTxID),
		zap.String("tx_hash", hash),
		zap.Int64("amount_micros", task.Amount),
		zap.String("currency", task.Currency))
	return nil
}

// Poll advances legs from the exchange's reported status and finishes the hop
// once the exchange delivers.
func (s *ConversionService) Poll(ctx context.Context, task ConversionPollTask) error {
	st, err := s.exchange.GetStatus(ctx, task.ExchangeTxID)
	if err != nil {
		if exchange.Transient(err) {
			return err
		}
		s.failConversion(ctx, task, domain.OpConversionPoll, err)
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}

	legs, err := s.store.Queries().LegsByExchangeTx(ctx, task.ExchangeTxID)
	if err != nil {
		return err
	}

	switch st.Status {
	case "finished":
		return s.finishConversion(ctx, task, legs, domain.FromDecimal(st.AmountTo))
	case "failed", "refunded", "expired":
		s.failConversion(ctx, task, domain.OpConversionPoll, fmt.Errorf("exchange reported %s", st.Status))
		return nil
	default:
		if legStatus, ok := legStatusFor(st.Status); ok {
			for _, leg := range legs {
				if leg.Status != legStatus && leg.Status != domain.LegFinished {
					if err := s.store.Queries().SetLegStatus(ctx, leg.LegID, legStatus); err != nil {
						zap.L().Warn("failed to advance leg", zap.Error(err))
					}
				}
			}
		}
		token, err := envelope.Seal(task, s.keys.Conversion)
		if err != nil {
			return err
		}
		return s.queue.Push(ctx, taskqueue.New(PathConversionPoll, token), s.pollDelay)
	}
}

func (s *ConversionService) finishConversion(ctx context.Context, task ConversionPollTask, legs []models.ConversionLeg, actualTotal int64) error {
	switch task.Direction {
	case domain.DirectionHop1:
		records, err := s.store.Queries().ListAccumulations(ctx, task.RecordIDs)
		if err != nil {
			return err
		}
		weights := make([]int64, len(records))
		ids := make([]int64, len(records))
		for i, rec := range records {
			weights[i] = rec.SourceAmount
			ids[i] = rec.ID
		}
		shares := domain.Apportion(actualTotal, weights)

		updated, err := s.store.Queries().SetStableAmounts(ctx, ids, shares)
		if err != nil {
			return err
		}
		if updated == 0 {
			return ErrDuplicateDelivery
		}

		byOwner := map[string]int64{}
		for i, id := range ids {
			byOwner[ownerRecord(id)] = shares[i]
		}
		for _, leg := range legs {
			if err := s.store.Queries().FinishLeg(ctx, leg.LegID, byOwner[leg.OwnerRef], domain.LegFinished); err != nil {
				zap.L().Warn("failed to finish leg", zap.Error(err), zap.String("leg_id", leg.LegID.String()))
			}
		}
		zap.L().Info("hop-1 conversion finished",
			zap.String("exchange_tx_id", task.ExchangeTxID),
			zap.Int64("stable_micros", actualTotal),
			zap.Int("records", len(ids)))
		return nil

	case domain.DirectionHop2:
		batchID, err := uuid.Parse(task.BatchID)
		if err != nil {
			return fmt.Errorf("%w: invalid batch id", ErrPermanent)
		}
		for _, leg := range legs {
			if leg.Status == domain.LegFinished {
				continue
			}
			if err := s.store.Queries().FinishLeg(ctx, leg.LegID, actualTotal, domain.LegFinished); err != nil {
				zap.L().Warn("failed to finish leg", zap.Error(err))
			}
		}
		if err := s.enqueueSettlement(ctx, batchID, actualTotal); err != nil {
			return err
		}
		zap.L().Info("hop-2 conversion finished",
			zap.String("exchange_tx_id", task.ExchangeTxID),
			zap.String("batch_id", task.BatchID),
			zap.Int64("payout_micros", actualTotal))
		return nil

	default:
		return fmt.Errorf("%w: unknown direction %q", ErrPermanent, task.Direction)
	}
}

func (s *ConversionService) enqueueSettlement(ctx context.Context, batchID uuid.UUID, amount int64) error {
	token, err := envelope.Seal(SettlementExecuteTask{
		BatchID: batchID.String(),
		Amount:  amount,
	}, s.keys.Settlement)
	if err != nil {
		return err
	}
	return s.queue.Push(ctx, taskqueue.New(PathSettlementExecute, token), 0)
}

func (s *ConversionService) enqueueFundAndPoll(ctx context.Context, fund ConversionFundTask, poll ConversionPollTask) error {
	fundToken, err := envelope.Seal(fund, s.keys.Settlement)
	if err != nil {
		return err
	}
	pollToken, err := envelope.Seal(poll, s.keys.Conversion)
	if err != nil {
		return err
	}
	if err := s.queue.Push(ctx, taskqueue.New(PathConversionFund, fundToken), 0); err != nil {
		return err
	}
	return s.queue.Push(ctx, taskqueue.New(PathConversionPoll, pollToken), s.firstPollDelay)
}

func (s *ConversionService) ensureHop1Legs(ctx context.Context, tx *exchange.Transaction, records []models.AccumulationRecord) error {
	existing, err := s.store.Queries().LegsByExchangeTx(ctx, tx.ID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	weights := make([]int64, len(records))
	for i, rec := range records {
		weights[i] = rec.SourceAmount
	}
	estimates := domain.Apportion(domain.FromDecimal(tx.EstimatedAmount), weights)

	for i, rec := range records {
		leg := &models.ConversionLeg{
			LegID:           uuid.New(),
			OwnerRef:        ownerRecord(rec.ID),
			Direction:       domain.DirectionHop1,
			ExchangeTxID:    tx.ID,
			PayinAddress:    tx.PayinAddress,
			EstimatedAmount: estimates[i],
			Status:          domain.LegWaiting,
		}
		if err := s.store.Queries().InsertLeg(ctx, leg); err != nil {
			return err
		}
	}
	return nil
}

func (s *ConversionService) ensureHop2Leg(ctx context.Context, tx *exchange.Transaction, batch *models.PayoutBatch) error {
	existing, err := s.store.Queries().LegsByExchangeTx(ctx, tx.ID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	leg := &models.ConversionLeg{
		LegID:           uuid.New(),
		OwnerRef:        ownerBatch(batch.BatchID),
		Direction:       domain.DirectionHop2,
		ExchangeTxID:    tx.ID,
		PayinAddress:    tx.PayinAddress,
		EstimatedAmount: domain.FromDecimal(tx.EstimatedAmount),
		Status:          domain.LegWaiting,
	}
	return s.store.Queries().InsertLeg(ctx, leg)
}

func (s *ConversionService) sendFromHost(ctx context.Context, to string, amount int64, currency, network string) (string, error) {
	if chain.IsNative(currency, network) {
		return s.chain.SendPayment(ctx, to, amount)
	}
	token, ok := chain.LookupToken(currency, network)
	if !ok {
		return "", errors.Errorf("no token contract for %s on %s", currency, network)
	}
	return s.chain.SendToken(ctx, token, to, amount)
}

func (s *ConversionService) exhaustFunding(ctx context.Context, task ConversionFundTask, legs []models.ConversionLeg, class string, cause error, attempts int32) {
	for _, leg := range legs {
		if err := s.store.Queries().SetLegStatus(ctx, leg.LegID, domain.LegFailed); err != nil {
			zap.L().Warn("failed to fail leg", zap.Error(err))
		}
	}
	ft := &models.FailedTransaction{
		OwnerRef:     ownerForTask(task.Direction, task.RecordIDs, task.BatchID),
		Operation:    domain.OpConversionFund,
		ErrorClass:   class,
		RawError:     cause.Error(),
		AttemptCount: attempts,
	}
	if err := s.store.Queries().InsertFailedTransaction(ctx, ft); err != nil {
		zap.L().Error("failed to record failed transaction", zap.Error(err))
	}
	observability.IncrementFailedTransaction(ft.Operation, ft.ErrorClass)
	s.failOwnership(ctx, task.Direction, task.RecordIDs, task.BatchID)
	s.alerts.Alert(ctx, fmt.Sprintf("funding exhausted for exchange tx %s: %s (%s, attempt %d)",
		task.ExchangeTxID, cause.Error(), class, attempts))
}

func (s *ConversionService) failConversion(ctx context.Context, task ConversionPollTask, op string, cause error) {
	legs, err := s.store.Queries().LegsByExchangeTx(ctx, task.ExchangeTxID)
	if err == nil {
		for _, leg := range legs {
			if err := s.store.Queries().SetLegStatus(ctx, leg.LegID, domain.LegFailed); err != nil {
				zap.L().Warn("failed to fail leg", zap.Error(err))
			}
		}
	}
	class, _ := classify.Classify(cause)
	ft := &models.FailedTransaction{
		OwnerRef:     ownerForTask(task.Direction, task.RecordIDs, task.BatchID),
		Operation:    op,
		ErrorClass:   class,
		RawError:     cause.Error(),
		AttemptCount: 1,
	}
	if err := s.store.Queries().InsertFailedTransaction(ctx, ft); err != nil {
		zap.L().Error("failed to record failed transaction", zap.Error(err))
	}
	observability.IncrementFailedTransaction(ft.Operation, ft.ErrorClass)
	s.failOwnership(ctx, task.Direction, task.RecordIDs, task.BatchID)
	s.alerts.Alert(ctx, fmt.Sprintf("conversion failed for exchange tx %s: %s", task.ExchangeTxID, cause.Error()))
}

func (s *ConversionService) failOwnership(ctx context.Context, direction string, recordIDs []int64, batchID string) {
	switch direction {
	case domain.DirectionHop1:
		if err := s.store.Queries().MarkConversionFailed(ctx, recordIDs); err != nil {
			zap.L().Error("failed to mark records failed", zap.Error(err))
		}
	case domain.DirectionHop2:
		if id, err := uuid.Parse(batchID); err == nil {
			if err := s.store.Queries().SetBatchStatus(ctx, id, domain.BatchFailed); err != nil {
				zap.L().Error("failed to mark batch failed", zap.Error(err))
			}
		}
	}
}

func (s *ConversionService) failBatch(ctx context.Context, batchID uuid.UUID, op string, cause error, attempts int32) {
	class, _ := classify.Classify(cause)
	ft := &models.FailedTransaction{
		OwnerRef:     ownerBatch(batchID),
		Operation:    op,
		ErrorClass:   class,
		RawError:     cause.Error(),
		AttemptCount: attempts,
	}
	if err := s.store.Queries().InsertFailedTransaction(ctx, ft); err != nil {
		zap.L().Error("failed to record failed transaction", zap.Error(err))
	}
	observability.IncrementFailedTransaction(ft.Operation, ft.ErrorClass)
	if err := s.store.Queries().SetBatchStatus(ctx, batchID, domain.BatchFailed); err != nil {
		zap.L().Error("failed to mark batch failed", zap.Error(err))
	}
	s.alerts.Alert(ctx, fmt.Sprintf("batch %s failed: %s", batchID, cause.Error()))
}

func (s *ConversionService) revertRecords(ctx context.Context, ids []int64) {
	if _, err := s.claims.ClaimRecords(ctx, ids, domain.ConversionConverting, domain.ConversionEstimating); err != nil {
		zap.L().Error("failed to revert record claim", zap.Error(err))
	}
}

func (s *ConversionService) revertBatch(ctx context.Context, batchID uuid.UUID) {
	if _, err := s.claims.ClaimBatch(ctx, batchID, domain.BatchConverting, domain.BatchPending); err != nil {
		zap.L().Error("failed to revert batch claim", zap.Error(err))
	}
}

func legStatusFor(exchangeStatus string) (string, bool) {
	switch exchangeStatus {
	case "waiting":
		return domain.LegWaiting, true
	case "confirming":
		return domain.LegConfirming, true
	case "exchanging", "verifying":
		return domain.LegExchanging, true
	case "sending":
		return domain.LegSending, true
	}
	return "", false
}

func ownerRecord(id int64) string {
	return fmt.Sprintf("acc:%d", id)
}

func ownerBatch(id uuid.UUID) string {
	return "batch:" + id.String()
}

func ownerForTask(direction string, recordIDs []int64, batchID string) string {
	if direction == domain.DirectionHop2 {
		return "batch:" + batchID
	}
	if len(recordIDs) == 1 {
		return ownerRecord(recordIDs[0])
	}
	return fmt.Sprintf("acc-group:%s", hop1Key(recordIDs))
}

func hop1Key(ids []int64) string {
	h := sha256.New()
	for _, id := range ids {
		fmt.Fprintf(h, "%d,", id)
	}
	return "hop1-" + hex.EncodeToString(h.Sum(nil))[:24]
}
