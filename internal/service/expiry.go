package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ayo6706/payout-accumulator/internal/alert"
	"github.com/ayo6706/payout-accumulator/internal/domain"
	"github.com/ayo6706/payout-accumulator/internal/models"
	"github.com/ayo6706/payout-accumulator/internal/observability"
	"github.com/ayo6706/payout-accumulator/internal/taskqueue"
)

// NewExpiryRecorder returns the dispatcher hook that turns an aged-out task
// into a dead-letter row and an operator alert. The token stays opaque here;
// the owner reference is the task itself.
func NewExpiryRecorder(store QueryStore, alerts alert.Sink) taskqueue.ExpireFunc {
	return func(ctx context.Context, task taskqueue.Task) {
		ft := &models.FailedTransaction{
			OwnerRef:     "task:" + task.ID,
			Operation:    domain.OpQueueExpired,
			ErrorClass:   domain.ErrClassRPCUnavailable,
			RawError:     fmt.Sprintf("task for %s undeliverable after %d attempts", task.Path, task.Attempts),
			AttemptCount: int32(task.Attempts),
		}
		if err := store.Queries().InsertFailedTransaction(ctx, ft); err != nil {
			zap.L().Error("failed to record expired task", zap.Error(err))
		}
		observability.IncrementFailedTransaction(ft.Operation, ft.ErrorClass)
		alerts.Alert(ctx, fmt.Sprintf("task %s for %s expired after %d attempts", task.ID, task.Path, task.Attempts))
	}
}
